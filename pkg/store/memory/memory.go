// Package memory implements [store.Store] as an in-process tree.
//
// Every write is applied under one mutex and the resulting snapshots are
// queued to affected subscribers before the lock is released, which keeps
// per-subscription delivery in write order. Each subscriber drains its own
// queue on a dedicated goroutine, so a slow handler never blocks writers.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/surrealdb/notetree/pkg/models"
	"github.com/surrealdb/notetree/pkg/paths"
	"github.com/surrealdb/notetree/pkg/store"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store closed")

// FaultFunc is consulted before every write. A non-nil error aborts the
// write and is returned to the caller wrapped in a StoreError.
type FaultFunc func(op, path string) error

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for delivery diagnostics.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithFaults installs a fault hook, mostly useful in tests.
func WithFaults(f FaultFunc) Option {
	return func(s *Store) { s.faults = f }
}

type Store struct {
	mu     sync.Mutex
	root   any
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool

	faults FaultFunc
	logger zerolog.Logger
}

var _ store.Store = (*Store)(nil)

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		subs:   map[uint64]*subscriber{},
		logger: zerolog.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetFaults replaces the fault hook.
func (s *Store) SetFaults(f FaultFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = f
}

func (s *Store) Read(ctx context.Context, path string) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, models.WrapStore("read", path, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, models.WrapStore("read", path, ErrClosed)
	}
	return store.Clone(store.Get(s.root, path)), nil
}

func (s *Store) Write(ctx context.Context, path string, value any) error {
	return s.Update(ctx, map[string]any{path: value})
}

func (s *Store) Delete(ctx context.Context, path string) error {
	return s.Update(ctx, map[string]any{path: nil})
}

func (s *Store) Update(ctx context.Context, updates map[string]any) error {
	if err := ctx.Err(); err != nil {
		return models.WrapStore("update", "", err)
	}
	normalized := make(map[string]any, len(updates))
	for p, v := range updates {
		enc, err := store.Encode(v)
		if err != nil {
			return models.WrapStore("update", p, err)
		}
		normalized[p] = enc
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return models.WrapStore("update", "", ErrClosed)
	}
	if s.faults != nil {
		for p := range normalized {
			if err := s.faults("update", p); err != nil {
				return models.WrapStore("update", p, err)
			}
		}
	}

	// Deletes first so a batch that clears a subtree and rewrites part of
	// it ends with the rewrite in place.
	clear, _ := store.Expand(normalized)
	for _, p := range clear {
		if normalized[p] == nil {
			s.root = store.Set(s.root, p, nil)
		}
	}
	for _, p := range clear {
		if v := normalized[p]; v != nil {
			s.root = store.Set(s.root, p, v)
		}
	}

	for _, sub := range s.subs {
		for _, p := range clear {
			if store.Affected(sub.path, p) {
				sub.push(store.Snapshot{Path: sub.path, Value: store.Clone(store.Get(s.root, sub.path))})
				break
			}
		}
	}
	return nil
}

func (s *Store) Subscribe(ctx context.Context, path string, fn func(store.Snapshot)) (func(), error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, models.WrapStore("subscribe", path, ErrClosed)
	}
	s.nextID++
	id := s.nextID
	sub := newSubscriber(paths.Join(path), fn, s.logger)
	s.subs[id] = sub
	sub.push(store.Snapshot{Path: sub.path, Value: store.Clone(store.Get(s.root, sub.path))})
	s.mu.Unlock()

	go sub.run()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			sub.stop()
		})
	}
	context.AfterFunc(ctx, cancel)
	return cancel, nil
}

// Close ends all subscriptions. Later calls fail with ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for id, sub := range s.subs {
		sub.stop()
		delete(s.subs, id)
	}
	return nil
}

// Subscribers returns the number of live subscriptions.
func (s *Store) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

type subscriber struct {
	path   string
	fn     func(store.Snapshot)
	logger zerolog.Logger

	mu    sync.Mutex
	cond  *sync.Cond
	queue []store.Snapshot
	done  bool
}

func newSubscriber(path string, fn func(store.Snapshot), logger zerolog.Logger) *subscriber {
	sub := &subscriber{path: path, fn: fn, logger: logger}
	sub.cond = sync.NewCond(&sub.mu)
	return sub
}

func (sub *subscriber) push(snap store.Snapshot) {
	sub.mu.Lock()
	if !sub.done {
		sub.queue = append(sub.queue, snap)
		sub.cond.Signal()
	}
	sub.mu.Unlock()
}

func (sub *subscriber) stop() {
	sub.mu.Lock()
	sub.done = true
	sub.queue = nil
	sub.cond.Signal()
	sub.mu.Unlock()
}

func (sub *subscriber) run() {
	for {
		sub.mu.Lock()
		for len(sub.queue) == 0 && !sub.done {
			sub.cond.Wait()
		}
		if sub.done {
			sub.mu.Unlock()
			return
		}
		snap := sub.queue[0]
		sub.queue = sub.queue[1:]
		sub.mu.Unlock()

		sub.deliver(snap)
	}
}

func (sub *subscriber) deliver(snap store.Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			sub.logger.Error().Str("path", sub.path).Interface("panic", r).Msg("subscription handler panicked")
		}
	}()
	sub.fn(snap)
}
