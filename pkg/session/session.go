// Package session ties one observing client together: its selection, the
// live views that follow that selection, optimistic edits, navigation and
// search.
//
// Selection drives subscriptions. Selecting a workspace watches its
// notebooks, selecting a notebook watches its sections, and so on down to
// the pages of the selected topic. Clearing a slot stops every view below
// it.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/surrealdb/notetree/pkg/models"
	"github.com/surrealdb/notetree/pkg/observe"
	"github.com/surrealdb/notetree/pkg/search"
	"github.com/surrealdb/notetree/pkg/selection"
	"github.com/surrealdb/notetree/pkg/syncengine"
	"github.com/surrealdb/notetree/pkg/tree"
)

// SearchResult is the latest applied search.
type SearchResult struct {
	Request uint64         `json:"request"`
	Query   string         `json:"query"`
	Matches []search.Match `json:"matches"`
}

type Option func(*Session)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

func WithSortMode(m syncengine.SortMode) Option {
	return func(s *Session) { s.engineOpts = append(s.engineOpts, syncengine.WithSortMode(m)) }
}

func WithCacheSize(n int) Option {
	return func(s *Session) { s.engineOpts = append(s.engineOpts, syncengine.WithCacheSize(n)) }
}

// WithNavigateRetry sets the first NavigateToPage backoff.
func WithNavigateRetry(base time.Duration) Option {
	return func(s *Session) {
		s.selOpts = append(s.selOpts, selection.WithRetry(base, selection.DefaultRetries))
	}
}

// Session is one client's view of the tree.
type Session struct {
	principal models.Principal
	repo      *tree.Repository
	searcher  *search.Searcher
	logger    zerolog.Logger

	engineOpts []syncengine.Option
	selOpts    []selection.Option

	engine  *syncengine.Engine
	sel     *selection.Controller
	seq     search.Sequencer
	results *observe.Value[SearchResult]

	mu      sync.Mutex
	cancels []func()
	started bool
	closed  bool
}

// New creates a session for p. Call Start before using it.
func New(p models.Principal, repo *tree.Repository, searcher *search.Searcher, opts ...Option) *Session {
	s := &Session{
		principal: p,
		repo:      repo,
		searcher:  searcher,
		logger:    zerolog.Nop(),
		results: observe.NewValue(SearchResult{}, func(a, b SearchResult) bool {
			return a.Request == b.Request
		}),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With().Str("principal", p.ID).Logger()
	s.engine = syncengine.New(repo.Store(), append([]syncengine.Option{syncengine.WithLogger(s.logger)}, s.engineOpts...)...)
	s.sel = selection.New(s.engine, append([]selection.Option{selection.WithLogger(s.logger)}, s.selOpts...)...)
	return s
}

// Start watches the principal's workspaces and makes the views follow the
// selection until ctx ends or Close is called.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return syncengine.ErrClosed
	}
	if s.started {
		return nil
	}
	if err := s.engine.Start(ctx); err != nil {
		return err
	}
	if err := s.engine.Watch(models.Scope{OwnerID: s.principal.ID}); err != nil {
		return err
	}
	s.cancels = append(s.cancels, s.sel.Subscribe(s.follow))
	s.started = true
	s.logger.Debug().Msg("session started")
	return nil
}

// Close stops every subscription.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancels := s.cancels
	s.cancels = nil
	s.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	return s.engine.Close()
}

// follow points the engine at the children of the deepest selected
// container.
func (s *Session) follow(sc models.Scope) {
	l := sc.Level()
	if l == models.LevelNone {
		s.engine.Unwatch(models.LevelNotebook)
		return
	}
	if l > models.LevelTopic {
		l = models.LevelTopic
	}
	if err := s.engine.Watch(sc.Truncate(l)); err != nil && !errors.Is(err, syncengine.ErrClosed) {
		s.logger.Warn().Err(err).Str("scope", sc.String()).Msg("failed to follow selection")
	}
}

func (s *Session) Principal() models.Principal      { return s.principal }
func (s *Session) Engine() *syncengine.Engine       { return s.engine }
func (s *Session) Selection() *selection.Controller { return s.sel }
func (s *Session) Repository() *tree.Repository     { return s.repo }

// SelectWorkspace selects a workspace and records the access.
func (s *Session) SelectWorkspace(ctx context.Context, ownerID, id string) error {
	if err := s.sel.SelectWorkspace(ownerID, id); err != nil {
		return err
	}
	if id == "" {
		return nil
	}
	if err := s.repo.TouchWorkspace(ctx, models.Scope{OwnerID: ownerID, WorkspaceID: id}); err != nil {
		s.logger.Warn().Err(err).Str("workspace", id).Msg("failed to record workspace access")
	}
	return nil
}

func (s *Session) SelectNotebook(id string) error { return s.sel.SelectNotebook(id) }
func (s *Session) SelectSection(id string) error  { return s.sel.SelectSection(id) }
func (s *Session) SelectTopic(id string) error    { return s.sel.SelectTopic(id) }
func (s *Session) SelectPage(id string) error     { return s.sel.SelectPage(id) }

// Select sets the slot at level l. Workspaces are selected under the
// principal unless one owned by someone else is already selected.
func (s *Session) Select(ctx context.Context, l models.Level, id string) error {
	if l == models.LevelWorkspace {
		owner := s.sel.Current().OwnerID
		if owner == "" {
			owner = s.principal.ID
		}
		return s.SelectWorkspace(ctx, owner, id)
	}
	return s.sel.Select(l, id)
}

// NavigateToPage selects page id. A page outside the selected topic is
// located through the page index and its topic selected first.
func (s *Session) NavigateToPage(ctx context.Context, id string) error {
	cur := s.sel.Current()
	if cur.Level() >= models.LevelTopic && s.engine.Contains(models.LevelPage, id) {
		return s.sel.NavigateToPage(ctx, id)
	}
	owner := cur.OwnerID
	if owner == "" {
		owner = s.principal.ID
	}
	sc, err := s.repo.ResolvePage(ctx, owner, id)
	switch {
	case err == nil:
		topic := sc.Truncate(models.LevelTopic)
		if cur.Truncate(models.LevelTopic) != topic {
			if err := s.sel.SelectScope(topic); err != nil {
				return err
			}
		}
	case errors.Is(err, models.ErrNotFound):
		if cur.Level() < models.LevelTopic {
			return err
		}
	default:
		return err
	}
	return s.sel.NavigateToPage(ctx, id)
}

// Create adds a child named name under parent.
func (s *Session) Create(ctx context.Context, parent models.Scope, name string) (string, error) {
	return s.repo.Create(ctx, s.principal, parent, name)
}

// CreatePage creates a page in the selected topic and navigates to it.
func (s *Session) CreatePage(ctx context.Context, name, parentPageID string) (string, error) {
	cur := s.sel.Current()
	if cur.Level() < models.LevelTopic {
		return "", models.Invalid("create page", "no topic selected")
	}
	id, err := s.repo.CreatePage(ctx, s.principal, cur.Truncate(models.LevelTopic), name, parentPageID)
	if err != nil {
		return "", err
	}
	return id, s.NavigateToPage(ctx, id)
}

// Rename shows the new name at once and rolls it back if the write fails.
func (s *Session) Rename(ctx context.Context, sc models.Scope, name string) error {
	edit := syncengine.Edit{Level: sc.Level(), ID: sc.ID(), Patch: map[string]any{"name": name}}
	return s.optimistic(ctx, edit, func(ctx context.Context) error {
		return s.repo.Rename(ctx, s.principal, sc, name)
	})
}

// Delete hides the node at once, deletes it with its dependents, and
// clears the selection below the node's parent when it was selected.
func (s *Session) Delete(ctx context.Context, sc models.Scope) error {
	edit := syncengine.Edit{Level: sc.Level(), ID: sc.ID(), Remove: true}
	err := s.optimistic(ctx, edit, func(ctx context.Context) error {
		res, err := s.repo.Delete(ctx, s.principal, sc)
		if res != nil && len(res.Failures) > 0 {
			s.logger.Warn().Int("failures", len(res.Failures)).Str("scope", sc.String()).Msg("cascade finished with failures")
		}
		return err
	})
	if err != nil {
		return err
	}
	if sc.Contains(s.sel.Current()) {
		s.sel.Clear(sc.Level())
	}
	return nil
}

// TogglePinned pins or unpins a page optimistically.
func (s *Session) TogglePinned(ctx context.Context, sc models.Scope, pinned bool) error {
	var v any
	if pinned {
		v = true
	}
	edit := syncengine.Edit{Level: models.LevelPage, ID: sc.PageID, Patch: map[string]any{"pinned": v}}
	return s.optimistic(ctx, edit, func(ctx context.Context) error {
		return s.repo.TogglePinned(ctx, s.principal, sc, pinned)
	})
}

// SetPageParent relinks a page optimistically.
func (s *Session) SetPageParent(ctx context.Context, sc models.Scope, parentPageID *string) error {
	var v any
	if parentPageID != nil && *parentPageID != "" {
		v = *parentPageID
	}
	edit := syncengine.Edit{Level: models.LevelPage, ID: sc.PageID, Patch: map[string]any{"parentPageId": v}}
	return s.optimistic(ctx, edit, func(ctx context.Context) error {
		return s.repo.SetPageParent(ctx, s.principal, sc, parentPageID)
	})
}

// Reorder writes the full sibling order. The store echo reorders the view.
func (s *Session) Reorder(ctx context.Context, parent models.Scope, ids []string) error {
	return s.repo.Reorder(ctx, s.principal, parent, ids)
}

// optimistic applies edit to the live view, commits, and waits for the
// outcome. When the edited level is not being watched the commit simply
// runs directly.
func (s *Session) optimistic(ctx context.Context, edit syncengine.Edit, commit func(context.Context) error) error {
	m, err := s.engine.Mutate(ctx, edit, commit)
	if errors.Is(err, models.ErrInvalidOperation) {
		return commit(ctx)
	}
	if err != nil {
		return err
	}
	return m.Wait(ctx)
}

// SetSortMode changes the page ordering of this session.
func (s *Session) SetSortMode(m syncengine.SortMode) error {
	return s.engine.SetSortMode(m)
}

// Search runs a name search. Only the newest of overlapping searches is
// published to OnSearch; applied reports whether this one was.
func (s *Session) Search(ctx context.Context, query string) (matches []search.Match, applied bool, err error) {
	n := s.seq.Next()
	matches, err = s.searcher.Search(ctx, s.principal, query)
	if err != nil {
		if s.seq.Latest(n) {
			return nil, false, err
		}
		return nil, false, nil
	}
	applied = s.seq.Apply(n, func() {
		s.results.Set(SearchResult{Request: n, Query: query, Matches: matches})
	})
	return matches, applied, nil
}

// OnSearch calls fn with the latest applied search result now and after
// every newer one.
func (s *Session) OnSearch(fn func(SearchResult)) (cancel func()) {
	return s.results.Subscribe(fn)
}

// Shared lists the workspaces shared with the principal.
func (s *Session) Shared(ctx context.Context) (map[models.Scope]models.Role, error) {
	return s.repo.SharedWith(ctx, s.principal.ID)
}

// Loading reports whether level l is waiting for its first snapshot.
func (s *Session) Loading(l models.Level) bool {
	return s.engine.Loading(l)
}
