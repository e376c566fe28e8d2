// Package audit records who did what to which node.
//
// Recording is fire-and-forget. Entries are queued to a single worker that
// writes them under the acting principal's auditLog collection, keyed by a
// ULID so the collection reads back in time order. A full queue drops the
// entry with a warning; audit failures never fail the operation that
// produced them.
package audit

import (
	"context"
	"crypto/rand"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/surrealdb/notetree/pkg/models"
	"github.com/surrealdb/notetree/pkg/paths"
	"github.com/surrealdb/notetree/pkg/store"
)

// Action names a recorded operation.
type Action string

const (
	ActionCreate    Action = "create"
	ActionRename    Action = "rename"
	ActionDelete    Action = "delete"
	ActionReorder   Action = "reorder"
	ActionSetParent Action = "set_parent"
	ActionPin       Action = "pin"
	ActionShare     Action = "share"
	ActionUnshare   Action = "unshare"
)

// UnknownName stands in for an ancestor whose name could not be resolved.
const UnknownName = "Unknown"

// PathSeparator joins ancestor names in Entry.Path.
const PathSeparator = " / "

// Entry is one audit record.
type Entry struct {
	ID         string    `json:"id"`
	Principal  string    `json:"principal"`
	Action     Action    `json:"action"`
	TargetID   string    `json:"targetId"`
	TargetType string    `json:"targetType"`
	Path       string    `json:"path"`
	Detail     string    `json:"detail,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Recorder accepts audit entries without blocking.
type Recorder interface {
	Record(e Entry)
}

// Discard is a Recorder that drops everything.
var Discard Recorder = discard{}

type discard struct{}

func (discard) Record(Entry) {}

// FormatPath joins ancestor names, substituting UnknownName for blanks.
func FormatPath(names ...string) string {
	parts := make([]string, len(names))
	for i, n := range names {
		if strings.TrimSpace(n) == "" {
			n = UnknownName
		}
		parts[i] = n
	}
	return strings.Join(parts, PathSeparator)
}

// Option configures a Log.
type Option func(*Log)

func WithLogger(l zerolog.Logger) Option {
	return func(a *Log) { a.logger = l }
}

// WithQueueSize sets how many entries may wait for the worker.
func WithQueueSize(n int) Option {
	return func(a *Log) { a.queueSize = n }
}

func WithClock(now func() time.Time) Option {
	return func(a *Log) { a.now = now }
}

// Log writes audit entries to a store.
type Log struct {
	store     store.Store
	logger    zerolog.Logger
	queueSize int
	now       func() time.Time
	entropy   io.Reader

	mu      sync.RWMutex
	queue   chan Entry
	closed  bool
	started bool
	done    chan struct{}
}

var _ Recorder = (*Log)(nil)

// New creates a Log. Call Start before recording.
func New(st store.Store, opts ...Option) *Log {
	l := &Log{
		store:     st,
		logger:    zerolog.Nop(),
		queueSize: 256,
		now:       time.Now,
		entropy:   ulid.Monotonic(rand.Reader, 0),
	}
	for _, o := range opts {
		o(l)
	}
	l.queue = make(chan Entry, l.queueSize)
	l.done = make(chan struct{})
	return l
}

// Start launches the worker. It is safe to call more than once.
func (l *Log) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started || l.closed {
		return
	}
	l.started = true
	go l.run()
}

// Record queues e. It never blocks and never fails.
func (l *Log) Record(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		l.logger.Warn().Str("action", string(e.Action)).Str("target", e.TargetID).Msg("audit log closed, dropping entry")
		return
	}
	select {
	case l.queue <- e:
	default:
		l.logger.Warn().Str("action", string(e.Action)).Str("target", e.TargetID).Msg("audit queue full, dropping entry")
	}
}

// Close stops accepting entries and waits for queued ones to be written
// or for ctx to end.
func (l *Log) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	started := l.started
	l.mu.Unlock()

	if !started {
		return nil
	}
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Log) run() {
	defer close(l.done)
	for e := range l.queue {
		l.write(e)
	}
}

func (l *Log) write(e Entry) {
	if e.Principal == "" {
		l.logger.Warn().Str("action", string(e.Action)).Msg("audit entry without principal")
		return
	}
	id, err := ulid.New(ulid.Timestamp(e.Timestamp), l.entropy)
	if err != nil {
		l.logger.Warn().Err(err).Msg("audit id")
		return
	}
	e.ID = id.String()
	v, err := store.Encode(e)
	if err != nil {
		l.logger.Warn().Err(err).Msg("audit encode")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := l.store.Write(ctx, paths.AuditEntry(e.Principal, e.ID), v); err != nil {
		l.logger.Warn().Err(err).Str("action", string(e.Action)).Str("target", e.TargetID).Msg("audit write failed")
	}
}

// List returns up to limit of principal's most recent entries, newest
// first. A non-positive limit returns everything.
func List(ctx context.Context, st store.Store, principal string, limit int) ([]Entry, error) {
	v, err := st.Read(ctx, paths.AuditLog(principal))
	if err != nil {
		return nil, err
	}
	children := store.AsMap(v)
	ids := make([]string, 0, len(children))
	for id := range children {
		ids = append(ids, id)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		var e Entry
		if err := store.Decode(children[id], &e); err != nil {
			return nil, models.WrapStore("decode", paths.AuditEntry(principal, id), err)
		}
		out = append(out, e)
	}
	return out, nil
}
