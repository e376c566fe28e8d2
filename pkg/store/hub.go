package store

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// ErrHubClosed is returned by Subscribe after Close.
var ErrHubClosed = errors.New("subscription hub closed")

// Hub fans change notifications out to path subscriptions for backends
// whose change stream reports which leaf paths changed but not the new
// value at a subscribed path. Each affected subscription re-reads its path
// and delivers the result.
//
// Notifications that arrive while a subscription is still reading are
// coalesced into one more read, so a burst of writes costs at most two
// reads per subscriber and the last delivery always reflects the latest
// state.
type Hub struct {
	read   func(ctx context.Context, path string) (any, error)
	logger zerolog.Logger

	mu     sync.Mutex
	subs   map[uint64]*hubSub
	next   uint64
	closed bool
}

type hubSub struct {
	path   string
	fn     func(Snapshot)
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	dirty bool
	wake  chan struct{}
}

// NewHub creates a hub that loads values with read.
func NewHub(read func(ctx context.Context, path string) (any, error), logger zerolog.Logger) *Hub {
	return &Hub{read: read, logger: logger, subs: map[uint64]*hubSub{}}
}

// Subscribe registers fn for path. The first delivery happens as soon as
// the initial read completes.
func (h *Hub) Subscribe(ctx context.Context, path string, fn func(Snapshot)) (func(), error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	h.next++
	id := h.next
	sctx, cancel := context.WithCancel(ctx)
	sub := &hubSub{path: path, fn: fn, ctx: sctx, cancel: cancel, dirty: true, wake: make(chan struct{}, 1)}
	h.subs[id] = sub
	h.mu.Unlock()

	go h.run(sub)
	sub.wake <- struct{}{}

	var once sync.Once
	stop := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			cancel()
		})
	}
	context.AfterFunc(sctx, stop)
	return stop, nil
}

// Notify marks every subscription affected by a change at any of changed.
func (h *Hub) Notify(changed ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		for _, p := range changed {
			if Affected(sub.path, p) {
				sub.poke()
				break
			}
		}
	}
}

// NotifyAll marks every subscription, for when the change stream lost
// track of what changed.
func (h *Hub) NotifyAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		sub.poke()
	}
}

// Len returns the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := h.subs
	h.subs = map[uint64]*hubSub{}
	h.mu.Unlock()
	for _, sub := range subs {
		sub.cancel()
	}
}

func (s *hubSub) poke() {
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (h *Hub) run(sub *hubSub) {
	for {
		select {
		case <-sub.ctx.Done():
			return
		case <-sub.wake:
		}
		sub.mu.Lock()
		dirty := sub.dirty
		sub.dirty = false
		sub.mu.Unlock()
		if !dirty {
			continue
		}

		v, err := h.read(sub.ctx, sub.path)
		if err != nil {
			if sub.ctx.Err() != nil {
				return
			}
			h.logger.Warn().Err(err).Str("path", sub.path).Msg("failed to refresh subscription")
			continue
		}
		if sub.ctx.Err() != nil {
			return
		}
		h.deliver(sub, Snapshot{Path: sub.path, Value: v})
	}
}

func (h *Hub) deliver(sub *hubSub, snap Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error().Str("path", sub.path).Interface("panic", r).Msg("subscription handler panicked")
		}
	}()
	sub.fn(snap)
}
