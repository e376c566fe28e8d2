package search

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/surrealdb/notetree/pkg/cascade"
	"github.com/surrealdb/notetree/pkg/content"
	"github.com/surrealdb/notetree/pkg/models"
	"github.com/surrealdb/notetree/pkg/store/memory"
	"github.com/surrealdb/notetree/pkg/tree"
)

var (
	alice = models.Principal{ID: "alice"}
	bob   = models.Principal{ID: "bob"}
)

type world struct {
	st    *memory.Store
	repo  *tree.Repository
	topic models.Scope
}

func seed(t *testing.T) *world {
	t.Helper()
	ctx := context.Background()
	st := memory.New()
	c := content.New(st)
	repo := tree.New(st, c, cascade.New(st, c), tree.WithCreatingTTL(0))
	t.Cleanup(func() {
		_ = repo.Close(ctx)
		_ = st.Close()
	})

	ws, err := repo.CreateWorkspace(ctx, alice, alice.ID, "Research", "")
	require.NoError(t, err)
	w := models.Scope{OwnerID: alice.ID, WorkspaceID: ws}
	nb, err := repo.Create(ctx, alice, w, "Plans")
	require.NoError(t, err)
	n := w.Child(nb)
	sec, err := repo.Create(ctx, alice, n, "Quarterly")
	require.NoError(t, err)
	s := n.Child(sec)
	tp, err := repo.Create(ctx, alice, s, "Roadmap")
	require.NoError(t, err)
	topic := s.Child(tp)
	_, err = repo.Create(ctx, alice, topic, "Plan for Q3")
	require.NoError(t, err)
	_, err = repo.Create(ctx, alice, topic, "Retro")
	require.NoError(t, err)
	return &world{st: st, repo: repo, topic: topic}
}

func TestSearchMatchesEveryLevelWithAncestors(t *testing.T) {
	w := seed(t)
	s := New(w.st)

	matches, err := s.Search(context.Background(), alice, "PLAN")
	require.NoError(t, err)
	require.Len(t, matches, 2)

	require.Equal(t, models.LevelNotebook, matches[0].Level)
	require.Equal(t, "Plans", matches[0].Name)
	require.Equal(t, "Research / Plans", matches[0].Path(" / "))

	page := matches[1]
	require.Equal(t, models.LevelPage, page.Level)
	require.Equal(t, "Plan for Q3", page.Name)
	require.Equal(t, w.topic, page.Scope.Truncate(models.LevelTopic))
	require.Len(t, page.Ancestors, 4)
	require.Equal(t, "Research / Plans / Quarterly / Roadmap / Plan for Q3", page.Path(" / "))
	require.Equal(t, w.topic.TopicID, page.Ancestors[3].ID)
}

func TestSearchBlankQuery(t *testing.T) {
	w := seed(t)
	matches, err := New(w.st).Search(context.Background(), alice, "   ")
	require.NoError(t, err)
	require.Empty(t, matches)
}

func TestSearchReachesSharedWorkspaces(t *testing.T) {
	w := seed(t)
	ctx := context.Background()
	s := New(w.st)

	matches, err := s.Search(ctx, bob, "retro")
	require.NoError(t, err)
	require.Empty(t, matches)

	require.NoError(t, w.repo.ShareWorkspace(ctx, alice, w.topic.Truncate(models.LevelWorkspace), bob.ID, models.RoleViewer))
	matches, err = s.Search(ctx, bob, "retro")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, alice.ID, matches[0].Scope.OwnerID)
}

func TestSearchLimit(t *testing.T) {
	w := seed(t)
	matches, err := New(w.st, WithLimit(1)).Search(context.Background(), alice, "r")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, models.LevelWorkspace, matches[0].Level)
}

func TestSequencerAppliesOnlyLatest(t *testing.T) {
	var q Sequencer
	first := q.Next()
	second := q.Next()
	require.False(t, q.Latest(first))
	require.True(t, q.Latest(second))

	var (
		mu      sync.Mutex
		applied []uint64
	)
	record := func(n uint64) func() {
		return func() {
			mu.Lock()
			defer mu.Unlock()
			applied = append(applied, n)
		}
	}
	require.True(t, q.Apply(second, record(second)))
	require.False(t, q.Apply(first, record(first)))
	require.Equal(t, []uint64{second}, applied)
}
