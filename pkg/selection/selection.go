// Package selection holds the current position of one client in the
// containment tree: a workspace, notebook, section, topic and page slot.
//
// Slots nest. A slot can only be set while the slot above it holds a
// value, and setting a slot to a new value clears every slot below it, so
// no topic is ever selected without its section. Setting a slot to the
// value it already holds does nothing and notifies nobody.
package selection

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/surrealdb/notetree/pkg/models"
	"github.com/surrealdb/notetree/pkg/observe"
)

const (
	// DefaultRetryBase is the first NavigateToPage backoff. Attempt n waits
	// n times the base.
	DefaultRetryBase = 200 * time.Millisecond
	// DefaultRetries is how many times NavigateToPage looks again after
	// the first miss.
	DefaultRetries = 3
)

// ErrSuperseded is returned by NavigateToPage when another selection
// change happened while it was waiting.
var ErrSuperseded = errors.New("navigation superseded")

// Source reports whether a record is present in the client's loaded
// lists. The sync engine implements it.
type Source interface {
	Contains(l models.Level, id string) bool
}

type Option func(*Controller)

func WithLogger(l zerolog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithRetry overrides the NavigateToPage backoff.
func WithRetry(base time.Duration, retries int) Option {
	return func(c *Controller) {
		c.retryBase = base
		c.retries = retries
	}
}

// Controller owns the five selection slots.
type Controller struct {
	source    Source
	logger    zerolog.Logger
	retryBase time.Duration
	retries   int

	// pub serializes publication so observers see changes in order.
	pub   sync.Mutex
	mu    sync.Mutex
	cur   models.Scope
	gen   uint64
	state *observe.Value[models.Scope]
	slots [5]*observe.Value[string]
}

// New creates a controller with nothing selected. source answers the
// "already loaded" check of NavigateToPage.
func New(source Source, opts ...Option) *Controller {
	c := &Controller{
		source:    source,
		logger:    zerolog.Nop(),
		retryBase: DefaultRetryBase,
		retries:   DefaultRetries,
		state:     observe.NewValue(models.Scope{}, observe.Comparable[models.Scope]()),
	}
	for i := range c.slots {
		c.slots[i] = observe.NewValue("", observe.Comparable[string]())
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Current returns the full selection.
func (c *Controller) Current() models.Scope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

// Selected returns the id held by slot l, or "".
func (c *Controller) Selected(l models.Level) string {
	if l < models.LevelWorkspace || l > models.LevelPage {
		return ""
	}
	return c.slots[l].Get()
}

// Subscribe calls fn with the full selection now and after every change.
// fn must not change the selection synchronously.
func (c *Controller) Subscribe(fn func(models.Scope)) (cancel func()) {
	return c.state.Subscribe(fn)
}

// SubscribeSlot calls fn with the id held by slot l now and whenever it
// changes.
func (c *Controller) SubscribeSlot(l models.Level, fn func(string)) (cancel func()) {
	return c.slots[l].Subscribe(fn)
}

// SelectWorkspace selects workspace id owned by ownerID. An empty id
// clears the selection.
func (c *Controller) SelectWorkspace(ownerID, id string) error {
	if id == "" {
		c.Clear(models.LevelWorkspace)
		return nil
	}
	if ownerID == "" {
		return models.Invalid("select workspace", "owner is required")
	}
	return c.apply(func(cur models.Scope) (models.Scope, error) {
		if cur.OwnerID == ownerID && cur.WorkspaceID == id {
			return cur, nil
		}
		return models.Scope{OwnerID: ownerID, WorkspaceID: id}, nil
	})
}

func (c *Controller) SelectNotebook(id string) error {
	return c.selectAt(models.LevelNotebook, id)
}

func (c *Controller) SelectSection(id string) error {
	return c.selectAt(models.LevelSection, id)
}

func (c *Controller) SelectTopic(id string) error {
	return c.selectAt(models.LevelTopic, id)
}

func (c *Controller) SelectPage(id string) error {
	return c.selectAt(models.LevelPage, id)
}

// Select sets the slot at level l. Workspaces go through SelectWorkspace
// since they also carry the owner.
func (c *Controller) Select(l models.Level, id string) error {
	if l == models.LevelWorkspace {
		return c.SelectWorkspace(c.Current().OwnerID, id)
	}
	return c.selectAt(l, id)
}

// SelectScope replaces the whole selection with s.
func (c *Controller) SelectScope(s models.Scope) error {
	if s.Level() != models.LevelNone && s.OwnerID == "" {
		return models.Invalid("select", "owner is required")
	}
	return c.apply(func(models.Scope) (models.Scope, error) { return s, nil })
}

// Clear empties slot l and every slot below it.
func (c *Controller) Clear(l models.Level) {
	_ = c.apply(func(cur models.Scope) (models.Scope, error) {
		if cur.Level() < l {
			return cur, nil
		}
		out := cur.Truncate(l - 1)
		if l == models.LevelWorkspace {
			out.OwnerID = ""
		}
		return out, nil
	})
}

func (c *Controller) selectAt(l models.Level, id string) error {
	if id == "" {
		c.Clear(l)
		return nil
	}
	return c.apply(func(cur models.Scope) (models.Scope, error) {
		if cur.Level() < l-1 {
			return cur, models.Invalid("select "+l.String(), "no %s selected", (l - 1).String())
		}
		if cur.Level() >= l && cur.Truncate(l).ID() == id {
			return cur, nil
		}
		return cur.Truncate(l - 1).Child(id), nil
	})
}

// apply computes the next selection under the lock and publishes it. A
// real change supersedes any pending navigation.
func (c *Controller) apply(fn func(models.Scope) (models.Scope, error)) error {
	c.pub.Lock()
	defer c.pub.Unlock()

	c.mu.Lock()
	next, err := fn(c.cur)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if next == c.cur {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	c.cur = next
	c.mu.Unlock()

	c.publish(next)
	return nil
}

// publish clears changed slots bottom-up, then fills them top-down, so a
// slot observer never sees a child paired with a stale ancestor.
func (c *Controller) publish(s models.Scope) {
	var ids [5]string
	for _, l := range models.Levels {
		if l <= s.Level() {
			ids[l] = s.Truncate(l).ID()
		}
	}
	for i := len(ids) - 1; i >= 0; i-- {
		if c.slots[i].Get() != ids[i] {
			c.slots[i].Set("")
		}
	}
	for i := range ids {
		c.slots[i].Set(ids[i])
	}
	c.state.Set(s)
}

// NavigateToPage selects page id within the current topic. A page that
// was only just written may not have reached the loaded list yet, so a
// miss is retried with linearly growing waits before giving up with a
// NotFoundError. Any other selection change made meanwhile aborts the
// navigation with ErrSuperseded.
func (c *Controller) NavigateToPage(ctx context.Context, id string) error {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	topic := c.cur
	c.mu.Unlock()

	if topic.Level() < models.LevelTopic {
		return models.Invalid("navigate", "no topic selected")
	}

	for attempt := 0; ; attempt++ {
		if c.source.Contains(models.LevelPage, id) {
			return c.apply(func(cur models.Scope) (models.Scope, error) {
				if c.gen != gen || cur.Truncate(models.LevelTopic) != topic.Truncate(models.LevelTopic) {
					return cur, ErrSuperseded
				}
				return cur.Truncate(models.LevelTopic).Child(id), nil
			})
		}
		if attempt >= c.retries {
			break
		}
		wait := c.retryBase * time.Duration(attempt+1)
		c.logger.Debug().Str("page", id).Int("attempt", attempt+1).Dur("wait", wait).Msg("page not loaded yet")
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		c.mu.Lock()
		superseded := c.gen != gen
		c.mu.Unlock()
		if superseded {
			return ErrSuperseded
		}
	}
	return &models.NotFoundError{Kind: "page", ID: id}
}
