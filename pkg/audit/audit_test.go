package audit

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/surrealdb/notetree/pkg/store/memory"
)

func TestFormatPath(t *testing.T) {
	require.Equal(t, "Work / Unknown / Ideas", FormatPath("Work", "", "Ideas"))
	require.Equal(t, "", FormatPath())
}

func TestLogWritesEntries(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	l := New(st)
	l.Start()

	l.Record(Entry{Principal: "alice", Action: ActionCreate, TargetID: "n1", TargetType: "notebook", Path: "Work / Plans"})
	l.Record(Entry{Principal: "alice", Action: ActionDelete, TargetID: "n1", TargetType: "notebook", Path: "Work / Plans"})
	require.NoError(t, l.Close(ctx))

	entries, err := List(ctx, st, "alice", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, ActionDelete, entries[0].Action)
	require.Equal(t, ActionCreate, entries[1].Action)
	require.NotEmpty(t, entries[0].ID)

	limited, err := List(ctx, st, "alice", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
}

func TestLogSwallowsStoreFailures(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	st := memory.New(memory.WithFaults(func(op, path string) error { return errors.New("unavailable") }))
	l := New(st, WithLogger(zerolog.New(&buf)))
	l.Start()

	l.Record(Entry{Principal: "alice", Action: ActionRename, TargetID: "x"})
	require.NoError(t, l.Close(ctx))
	require.Contains(t, buf.String(), "audit write failed")
}

func TestRecordAfterCloseIsDropped(t *testing.T) {
	st := memory.New()
	l := New(st, WithClock(func() time.Time { return time.Unix(0, 0) }))
	require.NoError(t, l.Close(context.Background()))
	l.Record(Entry{Principal: "alice", Action: ActionCreate})

	entries, err := List(context.Background(), st, "alice", 0)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestFullQueueDrops(t *testing.T) {
	var buf bytes.Buffer
	l := New(memory.New(), WithQueueSize(1), WithLogger(zerolog.New(&buf)))
	// no worker, so the second entry cannot be queued
	l.Record(Entry{Principal: "a", Action: ActionCreate})
	l.Record(Entry{Principal: "a", Action: ActionCreate})
	require.Contains(t, buf.String(), "audit queue full")
}
