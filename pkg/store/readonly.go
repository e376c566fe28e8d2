package store

import (
	"context"
	"errors"

	"github.com/surrealdb/notetree/pkg/models"
)

// ErrReadOnly is returned by every write while the store is read-only.
var ErrReadOnly = errors.New("operation denied: application is in read-only mode")

// ReadOnlyStore wraps a Store and rejects writes while isReadOnly reports
// true. Reads and subscriptions keep working, so connected clients stay
// live during maintenance windows.
//
// The state is consulted on every call, which lets the application toggle
// it at runtime without recreating the store.
type ReadOnlyStore struct {
	Store
	isReadOnly func() bool
}

// NewReadOnlyStore creates a new read-only wrapper for a store
func NewReadOnlyStore(store Store, isReadOnly func() bool) Store {
	return &ReadOnlyStore{
		Store:      store,
		isReadOnly: isReadOnly,
	}
}

// Unwrap returns the underlying store
func (r *ReadOnlyStore) Unwrap() Store {
	return r.Store
}

func (r *ReadOnlyStore) checkReadOnly(op, path string) error {
	if r.isReadOnly() {
		return &models.StoreError{Op: op, Path: path, Err: ErrReadOnly}
	}
	return nil
}

func (r *ReadOnlyStore) Write(ctx context.Context, path string, value any) error {
	if err := r.checkReadOnly("write", path); err != nil {
		return err
	}
	return r.Store.Write(ctx, path, value)
}

func (r *ReadOnlyStore) Update(ctx context.Context, updates map[string]any) error {
	if err := r.checkReadOnly("update", ""); err != nil {
		return err
	}
	return r.Store.Update(ctx, updates)
}

func (r *ReadOnlyStore) Delete(ctx context.Context, path string) error {
	if err := r.checkReadOnly("delete", path); err != nil {
		return err
	}
	return r.Store.Delete(ctx, path)
}

// Migrate forwards to the wrapped store when it supports migrations.
// Schema setup is allowed in read-only mode.
func (r *ReadOnlyStore) Migrate(ctx context.Context) error {
	if m, ok := r.Store.(Migrator); ok {
		return m.Migrate(ctx)
	}
	return nil
}
