package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/surrealdb/notetree/pkg/store"
)

// newTestStore connects to NOTETREE_POSTGRES_DSN, or skips. The table is
// emptied before each test.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("NOTETREE_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("NOTETREE_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := New(dsn)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.db.Exec("DELETE FROM tree_nodes").Error)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestReadWriteRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, "users/u/workspaces/w", map[string]any{
		"name":  "Home",
		"order": 1,
		"notebooks": map[string]any{
			"n": map[string]any{"name": "Notes", "pinned": true},
		},
	}))
	v, err := s.Read(ctx, "users/u/workspaces/w")
	require.NoError(t, err)
	require.Equal(t, map[string]any{
		"name":  "Home",
		"order": 1.0,
		"notebooks": map[string]any{
			"n": map[string]any{"name": "Notes", "pinned": true},
		},
	}, v)

	require.NoError(t, s.Write(ctx, "users/u/workspaces/w2/name", "Other"))
	v, err = s.Read(ctx, "users/u/workspaces/w/name")
	require.NoError(t, err)
	require.Equal(t, "Home", v)

	require.NoError(t, s.Delete(ctx, "users/u/workspaces/w"))
	v, err = s.Read(ctx, "users/u/workspaces/w")
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestUpdateReplacesScalarAndSubtree(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, "a", "scalar"))
	require.NoError(t, s.Update(ctx, map[string]any{
		"a/b": "x",
		"c":   map[string]any{"d": "y"},
	}))
	v, err := s.Read(ctx, "")
	require.NoError(t, err)
	require.Equal(t, map[string]any{"a": map[string]any{"b": "x"}, "c": map[string]any{"d": "y"}}, v)

	require.NoError(t, s.Update(ctx, map[string]any{"c": "z", "a/b": nil}))
	v, err = s.Read(ctx, "")
	require.NoError(t, err)
	require.Equal(t, map[string]any{"c": "z"}, v)
}

func TestSubscribeSeesChanges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got := make(chan store.Snapshot, 16)
	cancel, err := s.Subscribe(ctx, "users/u/workspaces", func(snap store.Snapshot) { got <- snap })
	require.NoError(t, err)
	defer cancel()
	require.False(t, (<-got).Exists())

	require.NoError(t, s.Write(ctx, "users/u/workspaces/w/name", "Home"))
	select {
	case snap := <-got:
		require.Equal(t, "Home", store.Get(snap.Value, "w/name"))
	case <-time.After(5 * time.Second):
		t.Fatal("no delivery after write")
	}
}
