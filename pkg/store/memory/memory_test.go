package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/surrealdb/notetree/pkg/models"
	"github.com/surrealdb/notetree/pkg/store"
)

type recorder struct {
	mu    sync.Mutex
	snaps []store.Snapshot
}

func (r *recorder) add(s store.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *recorder) values() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]any, len(r.snaps))
	for i, s := range r.snaps {
		out[i] = s.Value
	}
	return out
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

func TestReadWriteDelete(t *testing.T) {
	ctx := context.Background()
	s := New()
	defer s.Close()

	require.NoError(t, s.Write(ctx, "a/b", map[string]any{"name": "x", "n": 1}))
	v, err := s.Read(ctx, "a/b/name")
	require.NoError(t, err)
	require.Equal(t, "x", v)

	v, err = s.Read(ctx, "a/b/n")
	require.NoError(t, err)
	require.Equal(t, 1.0, v)

	require.NoError(t, s.Delete(ctx, "a/b"))
	v, err = s.Read(ctx, "a")
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestReadReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Write(ctx, "a", map[string]any{"k": "v"}))

	v, err := s.Read(ctx, "a")
	require.NoError(t, err)
	v.(map[string]any)["k"] = "mutated"

	v, err = s.Read(ctx, "a/k")
	require.NoError(t, err)
	require.Equal(t, "v", v)
}

func TestUpdateIsMultiPath(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Write(ctx, "x/1", "one"))
	require.NoError(t, s.Update(ctx, map[string]any{
		"x/1":   nil,
		"x/2":   "two",
		"y/1/k": true,
	}))

	v, err := s.Read(ctx, "")
	require.NoError(t, err)
	require.Equal(t, map[string]any{
		"x": map[string]any{"2": "two"},
		"y": map[string]any{"1": map[string]any{"k": true}},
	}, v)
}

func TestSubscribeDeliversInitialAndOrderedChanges(t *testing.T) {
	ctx := context.Background()
	s := New()
	defer s.Close()

	var rec recorder
	cancel, err := s.Subscribe(ctx, "list", rec.add)
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < 20; i++ {
		require.NoError(t, s.Write(ctx, "list/count", float64(i)))
	}
	require.NoError(t, s.Write(ctx, "other/path", "ignored"))

	require.Eventually(t, func() bool { return rec.len() == 21 }, time.Second, 5*time.Millisecond)
	vals := rec.values()
	require.Nil(t, vals[0])
	for i := 1; i <= 20; i++ {
		require.Equal(t, map[string]any{"count": float64(i - 1)}, vals[i])
	}
}

func TestSubscribeSeesAncestorWrites(t *testing.T) {
	ctx := context.Background()
	s := New()
	defer s.Close()

	var rec recorder
	cancel, err := s.Subscribe(ctx, "a/b/c", rec.add)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, s.Write(ctx, "a", map[string]any{"b": map[string]any{"c": "x"}}))
	require.NoError(t, s.Delete(ctx, "a"))

	require.Eventually(t, func() bool { return rec.len() == 3 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []any{nil, "x", nil}, rec.values())
}

func TestCancelStopsDelivery(t *testing.T) {
	ctx, stop := context.WithCancel(context.Background())
	s := New()
	defer s.Close()

	var rec recorder
	_, err := s.Subscribe(ctx, "a", rec.add)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.len() == 1 }, time.Second, 5*time.Millisecond)

	stop()
	require.Eventually(t, func() bool { return s.Subscribers() == 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Write(context.Background(), "a", "late"))
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, rec.len())
}

func TestFaults(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	s := New(WithFaults(func(op, path string) error {
		if path == "bad" {
			return boom
		}
		return nil
	}))

	err := s.Write(ctx, "bad", "x")
	require.ErrorIs(t, err, models.ErrStore)
	require.ErrorIs(t, err, boom)
	require.NoError(t, s.Write(ctx, "good", "x"))
}

func TestClosed(t *testing.T) {
	s := New()
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, err := s.Read(context.Background(), "a")
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, s.Write(context.Background(), "a", 1), ErrClosed)
}
