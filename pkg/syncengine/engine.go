// Package syncengine keeps live, sorted views of the children at each
// level of the tree for one observing client.
//
// The engine holds exactly one subscription per level. Watching a new
// parent at a level replaces that level's subscription and stops every
// level below it, so a view never lists children of a parent that is no
// longer selected. Late deliveries from a replaced subscription are
// dropped by generation.
//
// Each delivery is diffed against the previous list by fingerprint.
// Records whose fingerprint did not change keep their pointer, letting
// consumers skip work with an identity check. Sorting is memoized by mode
// and an order-sensitive hash of the input fingerprints.
//
// Page lists are sorted by the engine's [SortMode], set explicitly through
// [Engine.SetSortMode]. Other levels always use the custom order.
//
// Optimistic edits are layered over the live data through [Engine.Mutate]
// and either committed or rolled back once the store write settles.
package syncengine

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/surrealdb/notetree/pkg/models"
	"github.com/surrealdb/notetree/pkg/store"
)

// DefaultCacheSize bounds the sort cache.
const DefaultCacheSize = 8

// ErrClosed is returned after Close.
var ErrClosed = errors.New("sync engine closed")

type Option func(*Engine)

func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithSortMode(m SortMode) Option {
	return func(e *Engine) { e.mode = m }
}

// WithCacheSize bounds the sort cache. Zero disables caching.
func WithCacheSize(n int) Option {
	return func(e *Engine) { e.cacheSize = n }
}

// Engine maintains the live views of one client.
type Engine struct {
	store     store.Store
	logger    zerolog.Logger
	cacheSize int
	cache     *sortCache

	mu      sync.Mutex
	mode    SortMode
	ctx     context.Context
	stopAll context.CancelFunc
	started bool
	closed  bool
	nextMut uint64

	workspaces *level[models.Workspace]
	notebooks  *level[models.Notebook]
	sections   *level[models.Section]
	topics     *level[models.Topic]
	pages      *level[models.Page]
}

// New creates an engine over st. Call Start before watching.
func New(st store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:     st,
		logger:    zerolog.Nop(),
		cacheSize: DefaultCacheSize,
		mode:      DefaultSortMode,
	}
	for _, o := range opts {
		o(e)
	}
	e.cache = newSortCache(e.cacheSize)
	e.workspaces = newLevel[models.Workspace](models.LevelWorkspace, e)
	e.notebooks = newLevel[models.Notebook](models.LevelNotebook, e)
	e.sections = newLevel[models.Section](models.LevelSection, e)
	e.topics = newLevel[models.Topic](models.LevelTopic, e)
	e.pages = newLevel[models.Page](models.LevelPage, e)
	return e
}

// Start binds the engine's subscriptions to ctx. Cancelling ctx has the
// same effect as Close on the subscriptions.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.started {
		return nil
	}
	e.ctx, e.stopAll = context.WithCancel(ctx)
	e.started = true
	return nil
}

// Close stops every subscription.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	stop := e.stopAll
	e.mu.Unlock()

	for _, l := range models.Levels {
		e.stopLevel(l)
	}
	if stop != nil {
		stop()
	}
	return nil
}

func (e *Engine) context() (context.Context, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if !e.started {
		return nil, errors.New("sync engine not started")
	}
	return e.ctx, nil
}

// Watch subscribes the level below parent to parent's children and stops
// every deeper level. An empty parent scope (owner only) watches the
// owner's workspaces.
func (e *Engine) Watch(parent models.Scope) error {
	ctx, err := e.context()
	if err != nil {
		return err
	}
	child := parent.Level().Child()
	if parent.Level() == models.LevelNone {
		child = models.LevelWorkspace
	}
	if child == models.LevelNone {
		return models.Invalid("watch", "pages have no children")
	}
	for l := child + 1; l <= models.LevelPage; l++ {
		e.stopLevel(l)
	}
	switch child {
	case models.LevelWorkspace:
		return e.workspaces.watch(ctx, models.Scope{OwnerID: parent.OwnerID})
	case models.LevelNotebook:
		return e.notebooks.watch(ctx, parent)
	case models.LevelSection:
		return e.sections.watch(ctx, parent)
	case models.LevelTopic:
		return e.topics.watch(ctx, parent)
	default:
		return e.pages.watch(ctx, parent)
	}
}

// Unwatch stops level l and every level below it.
func (e *Engine) Unwatch(l models.Level) {
	for ; l <= models.LevelPage; l++ {
		e.stopLevel(l)
	}
}

func (e *Engine) stopLevel(l models.Level) {
	switch l {
	case models.LevelWorkspace:
		e.workspaces.stop()
	case models.LevelNotebook:
		e.notebooks.stop()
	case models.LevelSection:
		e.sections.stop()
	case models.LevelTopic:
		e.topics.stop()
	case models.LevelPage:
		e.pages.stop()
	}
}

// SortMode returns the page sort mode.
func (e *Engine) SortMode() SortMode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// SetSortMode changes how page lists are ordered and republishes the
// current page view when its order changes.
func (e *Engine) SetSortMode(m SortMode) error {
	if _, err := ParseSortMode(string(m)); err != nil {
		return models.Invalid("sort", "%v", err)
	}
	e.mu.Lock()
	if e.mode == m {
		e.mu.Unlock()
		return nil
	}
	e.mode = m
	e.mu.Unlock()
	e.pages.resort()
	return nil
}

// CacheStats reports sort cache usage.
func (e *Engine) CacheStats() CacheStats {
	return e.cache.stats()
}

func (e *Engine) Workspaces() View[models.Workspace] { return e.workspaces.current() }
func (e *Engine) Notebooks() View[models.Notebook]   { return e.notebooks.current() }
func (e *Engine) Sections() View[models.Section]     { return e.sections.current() }
func (e *Engine) Topics() View[models.Topic]         { return e.topics.current() }
func (e *Engine) Pages() View[models.Page]           { return e.pages.current() }

// OnWorkspaces calls fn with the current workspace view and every later
// one. Observers must not call back into the engine synchronously.
func (e *Engine) OnWorkspaces(fn func(View[models.Workspace])) (cancel func()) {
	return e.workspaces.view.Subscribe(fn)
}

func (e *Engine) OnNotebooks(fn func(View[models.Notebook])) (cancel func()) {
	return e.notebooks.view.Subscribe(fn)
}

func (e *Engine) OnSections(fn func(View[models.Section])) (cancel func()) {
	return e.sections.view.Subscribe(fn)
}

func (e *Engine) OnTopics(fn func(View[models.Topic])) (cancel func()) {
	return e.topics.view.Subscribe(fn)
}

func (e *Engine) OnPages(fn func(View[models.Page])) (cancel func()) {
	return e.pages.view.Subscribe(fn)
}

// Loading reports whether level l is waiting for its first snapshot.
func (e *Engine) Loading(l models.Level) bool {
	switch l {
	case models.LevelWorkspace:
		return e.workspaces.current().Loading
	case models.LevelNotebook:
		return e.notebooks.current().Loading
	case models.LevelSection:
		return e.sections.current().Loading
	case models.LevelTopic:
		return e.topics.current().Loading
	case models.LevelPage:
		return e.pages.current().Loading
	}
	return false
}

// Contains reports whether the live list at level l holds id.
func (e *Engine) Contains(l models.Level, id string) bool {
	var ok bool
	switch l {
	case models.LevelWorkspace:
		_, ok = e.workspaces.find(id)
	case models.LevelNotebook:
		_, ok = e.notebooks.find(id)
	case models.LevelSection:
		_, ok = e.sections.find(id)
	case models.LevelTopic:
		_, ok = e.topics.find(id)
	case models.LevelPage:
		_, ok = e.pages.find(id)
	}
	return ok
}

// FindPage returns the page with id from the live page list.
func (e *Engine) FindPage(id string) (*models.Page, bool) {
	return e.pages.find(id)
}
