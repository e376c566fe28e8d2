package cascade

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/surrealdb/notetree/pkg/content"
	"github.com/surrealdb/notetree/pkg/models"
	"github.com/surrealdb/notetree/pkg/paths"
	"github.com/surrealdb/notetree/pkg/peripheral"
	"github.com/surrealdb/notetree/pkg/store"
	"github.com/surrealdb/notetree/pkg/store/memory"
)

const owner = "alice"

var topicA = models.Scope{OwnerID: owner, WorkspaceID: "w", NotebookID: "n", SectionID: "s", TopicID: "ta"}
var topicB = models.Scope{OwnerID: owner, WorkspaceID: "w", NotebookID: "n", SectionID: "s", TopicID: "tb"}

// seed writes the containment nodes, page index and content the way the
// repository would, with parent links taken from parents.
func seed(t *testing.T, st store.Store, pages map[string]models.Scope, parents map[string]string) {
	t.Helper()
	ctx := context.Background()
	updates := map[string]any{}
	for _, tp := range []models.Scope{topicA, topicB} {
		for l := models.LevelWorkspace; l <= models.LevelTopic; l++ {
			updates[paths.Join(paths.Node(tp.Truncate(l)), "name")] = strings.ToUpper(tp.Truncate(l).ID())
			updates[paths.Join(paths.Node(tp.Truncate(l)), "createdAt")] = time.Unix(0, 0).UTC().Format(time.RFC3339)
		}
	}
	for id, tp := range pages {
		s := tp.Child(id)
		node := map[string]any{"id": id, "name": id, "createdAt": "2024-01-01T00:00:00Z"}
		entry := map[string]any{
			"workspaceId": s.WorkspaceID, "notebookId": s.NotebookID,
			"sectionId": s.SectionID, "topicId": s.TopicID, "owner": owner, "name": id,
		}
		if p := parents[id]; p != "" {
			node["parentPageId"] = p
			entry["parentPageId"] = p
		}
		updates[paths.Node(s)] = node
		updates[paths.PageIndexEntry(owner, id)] = entry
		updates[paths.Content(id)] = map[string]any{"content": "body of " + id, "owner": owner}
	}
	require.NoError(t, st.Update(ctx, updates))
}

func newResolver(st store.Store, opts ...Option) *Resolver {
	return New(st, content.New(st), opts...)
}

func requireGone(t *testing.T, st store.Store, s models.Scope) {
	t.Helper()
	ctx := context.Background()
	for _, p := range []string{paths.Node(s), paths.PageIndexEntry(owner, s.PageID), paths.Content(s.PageID)} {
		v, err := st.Read(ctx, p)
		require.NoError(t, err)
		require.Nil(t, v, p)
	}
}

func requirePresent(t *testing.T, st store.Store, s models.Scope) {
	t.Helper()
	v, err := st.Read(context.Background(), paths.Node(s))
	require.NoError(t, err)
	require.NotNil(t, v, paths.Node(s))
}

func TestDeleteTopicRemovesPagesAndIndex(t *testing.T) {
	st := memory.New()
	seed(t, st, map[string]models.Scope{"p1": topicA, "p2": topicA, "q": topicB}, map[string]string{"p2": "p1"})

	res, err := newResolver(st).Delete(context.Background(), topicA)
	require.NoError(t, err)
	require.Equal(t, []string{"p2", "p1"}, res.DeletedPages)
	require.Empty(t, res.Failures)

	requireGone(t, st, topicA.Child("p1"))
	requireGone(t, st, topicA.Child("p2"))
	requirePresent(t, st, topicB.Child("q"))
	requirePresent(t, st, topicA.Parent())

	idx, err := st.Read(context.Background(), paths.PageIndex(owner))
	require.NoError(t, err)
	require.Equal(t, []string{"q"}, sortedKeys(store.AsMap(idx)))
}

func TestDeletePageFollowsCrossTopicChildren(t *testing.T) {
	st := memory.New()
	seed(t, st,
		map[string]models.Scope{"p": topicA, "child": topicB, "grandchild": topicB, "bystander": topicB},
		map[string]string{"child": "p", "grandchild": "child"})

	res, err := newResolver(st).Delete(context.Background(), topicA.Child("p"))
	require.NoError(t, err)
	require.Equal(t, []string{"grandchild", "child", "p"}, res.DeletedPages)
	requireGone(t, st, topicB.Child("child"))
	requireGone(t, st, topicB.Child("grandchild"))
	requirePresent(t, st, topicB.Child("bystander"))
}

func TestCycleTerminatesAndDeletesEachOnce(t *testing.T) {
	st := memory.New()
	seed(t, st, map[string]models.Scope{"a": topicA, "b": topicB}, map[string]string{"a": "b", "b": "a"})

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := newResolver(st).Delete(context.Background(), topicA.Child("a"))
		done <- outcome{res, err}
	}()
	select {
	case out := <-done:
		require.NoError(t, out.err)
		require.Equal(t, []string{"b", "a"}, out.res.DeletedPages)
	case <-time.After(5 * time.Second):
		t.Fatal("cascade did not terminate")
	}
	requireGone(t, st, topicA.Child("a"))
	requireGone(t, st, topicB.Child("b"))
}

func TestCycleInsideDeletedTopic(t *testing.T) {
	st := memory.New()
	seed(t, st, map[string]models.Scope{"a": topicA, "b": topicA, "c": topicA}, map[string]string{"a": "b", "b": "a", "c": "c"})

	res, err := newResolver(st).Delete(context.Background(), topicA)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b", "c"}, res.DeletedPages)
	require.Len(t, res.DeletedPages, 3)
}

func TestSiblingScanFindsUnindexedChild(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	seed(t, st, map[string]models.Scope{"p": topicA, "lost": topicA}, map[string]string{"lost": "p"})
	// the child's index entry went missing
	require.NoError(t, st.Delete(ctx, paths.PageIndexEntry(owner, "lost")))

	res, err := newResolver(st).Delete(ctx, topicA.Child("p"))
	require.NoError(t, err)
	require.Equal(t, []string{"lost", "p"}, res.DeletedPages)
	requireGone(t, st, topicA.Child("lost"))
}

func TestStaleIndexEntriesInScopeAreRemoved(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	seed(t, st, map[string]models.Scope{"p": topicA, "ghost": topicA}, nil)
	// the ghost's node is gone but its index entry is not
	require.NoError(t, st.Delete(ctx, paths.Node(topicA.Child("ghost"))))

	plan, err := newResolver(st).Plan(ctx, topicA.Parent())
	require.NoError(t, err)
	var ghost Target
	for _, tg := range plan.Pages {
		if tg.Scope.PageID == "ghost" {
			ghost = tg
		}
	}
	require.True(t, ghost.Orphan)

	_, err = newResolver(st).Execute(ctx, plan)
	require.NoError(t, err)
	requireGone(t, st, topicA.Child("ghost"))
}

func TestPeripheralFailuresAreSwallowed(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	seed(t, st, map[string]models.Scope{"p1": topicA, "p2": topicA}, nil)

	var buf bytes.Buffer
	cleaner := peripheral.Func(func(ctx context.Context, ownerID, pageID string) error {
		if pageID == "p1" {
			return errors.New("attachments service down")
		}
		return nil
	})
	res, err := newResolver(st, WithCleaner(cleaner), WithLogger(zerolog.New(&buf))).Delete(ctx, topicA)
	require.NoError(t, err)
	require.Len(t, res.DeletedPages, 2)
	require.Len(t, res.Failures, 1)
	require.Equal(t, StepPeripheral, res.Failures[0].Step)
	require.Contains(t, buf.String(), "attachments service down")
	requireGone(t, st, topicA.Child("p1"))
}

func TestStepFailuresDoNotAbortOtherPages(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	seed(t, st, map[string]models.Scope{"p1": topicA, "p2": topicA}, nil)
	st.SetFaults(func(op, path string) error {
		if path == paths.Content("p1") {
			return errors.New("blip")
		}
		return nil
	})

	res, err := newResolver(st).Delete(ctx, topicA)
	require.NoError(t, err)
	require.Len(t, res.Failures, 1)
	require.Equal(t, "p1", res.Failures[0].PageID)
	require.Equal(t, StepContent, res.Failures[0].Step)
	requireGone(t, st, topicA.Child("p2"))
	requirePresent(t, st, topicA.Parent())

	v, err := st.Read(ctx, paths.Node(topicA))
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestRootFailurePropagates(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	seed(t, st, map[string]models.Scope{"p1": topicA}, nil)
	st.SetFaults(func(op, path string) error {
		if path == paths.Node(topicA) {
			return errors.New("unreachable")
		}
		return nil
	})

	res, err := newResolver(st).Delete(ctx, topicA)
	require.ErrorIs(t, err, models.ErrStore)
	require.Equal(t, []string{"p1"}, res.DeletedPages)
}

func TestDeleteMissing(t *testing.T) {
	_, err := newResolver(memory.New()).Delete(context.Background(), topicA)
	require.ErrorIs(t, err, models.ErrNotFound)

	_, err = newResolver(memory.New()).Delete(context.Background(), models.Scope{OwnerID: owner})
	require.ErrorIs(t, err, models.ErrInvalidOperation)
}
