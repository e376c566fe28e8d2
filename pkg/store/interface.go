// Package store defines the hierarchical document store the tree is kept
// in.
//
// A [Store] is addressed by slash separated paths. Values are JSON-shaped:
// nested map[string]any with string, float64 and bool leaves. Writing nil
// deletes, and maps left empty by a delete are pruned, so a path either
// holds a value or does not exist.
//
// # Backends
//
// Three implementations ship with the module:
//
//   - [github.com/surrealdb/notetree/pkg/store/memory.Store]: an in-process
//     tree used by tests and single-node deployments
//   - [github.com/surrealdb/notetree/pkg/store/postgres.Store]: leaf rows in
//     PostgreSQL through GORM, with LISTEN/NOTIFY for change streams
//   - [github.com/surrealdb/notetree/pkg/store/surrealdb.Store]: leaf rows
//     in SurrealDB, with a live query for change streams
//
// The SQL backends keep one row per leaf, keyed by its full path, which
// makes subtree reads and deletes a prefix match.
//
// # Change streams
//
// [Store.Subscribe] delivers the current value at a path immediately and
// again after every change that affects it. Deliveries for one
// subscription are ordered and never run concurrently with each other.
// No ordering is promised across paths. Handlers must not block for long;
// backends queue deliveries per subscriber instead of stalling writers.
package store

import (
	"context"
)

// Store is the hierarchical key-value document store.
type Store interface {
	// Read returns the value at path, or nil when nothing is stored there.
	Read(ctx context.Context, path string) (any, error)

	// Write replaces the value at path. A nil value deletes the subtree.
	Write(ctx context.Context, path string, value any) error

	// Update applies several writes at once. Keys are absolute paths and
	// nil values delete. Backends apply the batch atomically where they can.
	Update(ctx context.Context, updates map[string]any) error

	// Delete removes path and everything below it.
	Delete(ctx context.Context, path string) error

	// Subscribe calls fn with the value at path now and after every change
	// affecting it until the returned cancel function is called or ctx ends.
	Subscribe(ctx context.Context, path string, fn func(Snapshot)) (cancel func(), err error)

	// Close releases backend resources and ends every subscription.
	Close() error
}

// Migrator is implemented by backends that need schema setup.
type Migrator interface {
	Migrate(ctx context.Context) error
}

// Snapshot is one delivery of a subscription.
type Snapshot struct {
	Path  string
	Value any
}

// Exists reports whether anything is stored at the snapshot path.
func (s Snapshot) Exists() bool {
	return s.Value != nil
}

// Children returns the snapshot value as a map of child key to value.
// Non-map values yield an empty map.
func (s Snapshot) Children() map[string]any {
	return AsMap(s.Value)
}
