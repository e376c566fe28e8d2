package tree

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/surrealdb/notetree/pkg/audit"
	"github.com/surrealdb/notetree/pkg/cascade"
	"github.com/surrealdb/notetree/pkg/content"
	"github.com/surrealdb/notetree/pkg/models"
	"github.com/surrealdb/notetree/pkg/paths"
	"github.com/surrealdb/notetree/pkg/store"
	"github.com/surrealdb/notetree/pkg/store/memory"
)

var alice = models.Principal{ID: "alice"}

type auditSpy struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (a *auditSpy) Record(e audit.Entry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
}

func (a *auditSpy) last() audit.Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.entries[len(a.entries)-1]
}

func (a *auditSpy) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

type fixture struct {
	store *memory.Store
	repo  *Repository
	audit *auditSpy
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	st := memory.New()
	c := content.New(st)
	spy := &auditSpy{}
	opts = append([]Option{WithAudit(spy), WithCreatingTTL(0)}, opts...)
	repo := New(st, c, cascade.New(st, c), opts...)
	t.Cleanup(func() {
		_ = repo.Close(context.Background())
		_ = st.Close()
	})
	return &fixture{store: st, repo: repo, audit: spy}
}

// topic creates W/N/S/T and returns the topic scope.
func (f *fixture) topic(t *testing.T) models.Scope {
	t.Helper()
	ctx := context.Background()
	root := models.Scope{OwnerID: alice.ID}
	ws, err := f.repo.Create(ctx, alice, root, "W")
	require.NoError(t, err)
	s := root.Child(ws)
	for _, name := range []string{"N", "S", "T"} {
		id, err := f.repo.Create(ctx, alice, s, name)
		require.NoError(t, err)
		s = s.Child(id)
	}
	require.Equal(t, models.LevelTopic, s.Level())
	return s
}

func TestCreateAssignsDenseOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tp := f.topic(t)
	sec := tp.Parent()

	id2, err := f.repo.Create(ctx, alice, sec, "Second")
	require.NoError(t, err)
	id3, err := f.repo.Create(ctx, alice, sec, "Third")
	require.NoError(t, err)

	topics, err := f.repo.Topics(ctx, sec)
	require.NoError(t, err)
	require.Len(t, topics, 3)
	require.Equal(t, []string{tp.TopicID, id2, id3}, []string{topics[0].ID, topics[1].ID, topics[2].ID})
	for i, tpc := range topics {
		require.Equal(t, i, tpc.Order)
	}
}

func TestCreateRejectsDuplicateNames(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tp := f.topic(t)

	_, err := f.repo.Create(ctx, alice, tp.Parent(), "t")
	require.ErrorIs(t, err, models.ErrDuplicateName)

	_, err = f.repo.CreatePage(ctx, alice, tp, "Ideas", "")
	require.NoError(t, err)
	_, err = f.repo.CreatePage(ctx, alice, tp, "  IDEAS ", "")
	var dup *models.DuplicateNameError
	require.ErrorAs(t, err, &dup)
	require.Equal(t, models.LevelPage, dup.Level)

	_, err = f.repo.Create(ctx, alice, models.Scope{OwnerID: alice.ID}, "w")
	require.ErrorIs(t, err, models.ErrDuplicateName)

	// same name in a different parent is fine
	other, err := f.repo.Create(ctx, alice, tp.Truncate(models.LevelNotebook), "S2")
	require.NoError(t, err)
	_, err = f.repo.Create(ctx, alice, tp.Truncate(models.LevelNotebook).Child(other), "T")
	require.NoError(t, err)
}

func TestCreateUnderMissingParent(t *testing.T) {
	f := newFixture(t)
	missing := models.Scope{OwnerID: alice.ID, WorkspaceID: "nope"}
	_, err := f.repo.Create(context.Background(), alice, missing, "N")
	require.ErrorIs(t, err, models.ErrNotFound)
	require.Zero(t, f.audit.count())
}

func TestCreatePageInitializesContentAndIndex(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tp := f.topic(t)

	pid, err := f.repo.CreatePage(ctx, alice, tp, "P1", "")
	require.NoError(t, err)

	blob, err := f.store.Read(ctx, paths.Content(pid))
	require.NoError(t, err)
	require.NotNil(t, blob)

	scope, err := f.repo.ResolvePage(ctx, alice.ID, pid)
	require.NoError(t, err)
	require.Equal(t, tp.Child(pid), scope)

	var page models.Page
	require.NoError(t, f.repo.Get(ctx, scope, &page))
	require.Equal(t, "P1", page.Name)
	require.Equal(t, alice.ID, page.Owner)
	require.Nil(t, page.ParentPageID)
	require.False(t, page.Creating)

	entry := f.audit.last()
	require.Equal(t, audit.ActionCreate, entry.Action)
	require.Equal(t, "W / N / S / T / P1", entry.Path)
}

func TestCreatingFlagIsCleared(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithCreatingTTL(20*time.Millisecond))
	tp := f.topic(t)

	pid, err := f.repo.CreatePage(ctx, alice, tp, "Fresh", "")
	require.NoError(t, err)
	v, err := f.store.Read(ctx, paths.Join(paths.Node(tp.Child(pid)), "creating"))
	require.NoError(t, err)
	require.Equal(t, true, v)

	require.Eventually(t, func() bool {
		v, err := f.store.Read(ctx, paths.Join(paths.Node(tp.Child(pid)), "creating"))
		return err == nil && v == nil
	}, time.Second, 5*time.Millisecond)
}

func TestRenameRevalidatesExcludingSelf(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tp := f.topic(t)
	sec := tp.Parent()
	other, err := f.repo.Create(ctx, alice, sec, "Other")
	require.NoError(t, err)

	// case change of its own name is allowed
	require.NoError(t, f.repo.Rename(ctx, alice, tp, "t"))
	require.ErrorIs(t, f.repo.Rename(ctx, alice, sec.Child(other), "T"), models.ErrDuplicateName)
	require.ErrorIs(t, f.repo.Rename(ctx, alice, sec.Child("missing"), "X"), models.ErrNotFound)

	var topic models.Topic
	require.NoError(t, f.repo.Get(ctx, tp, &topic))
	require.Equal(t, "t", topic.Name)
	require.Equal(t, audit.ActionRename, f.audit.last().Action)
}

func TestRenamePageRebuildsMissingIndexEntry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tp := f.topic(t)
	root, err := f.repo.CreatePage(ctx, alice, tp, "Root", "")
	require.NoError(t, err)
	pid, err := f.repo.CreatePage(ctx, alice, tp, "Draft", root)
	require.NoError(t, err)

	require.NoError(t, f.store.Write(ctx, paths.PageIndexEntry(alice.ID, pid), nil))
	require.NoError(t, f.repo.Rename(ctx, alice, tp.Child(pid), "Final"))

	scope, err := f.repo.ResolvePage(ctx, alice.ID, pid)
	require.NoError(t, err)
	require.Equal(t, tp.Child(pid), scope)
	idx, err := f.repo.PageIndex(ctx, alice.ID)
	require.NoError(t, err)
	require.Equal(t, "Final", idx[pid].Name)
	require.Equal(t, root, idx[pid].ParentPageID)
	require.Equal(t, alice.ID, idx[pid].Owner)

	// The same holds when relinking.
	require.NoError(t, f.store.Write(ctx, paths.PageIndexEntry(alice.ID, pid), nil))
	require.NoError(t, f.repo.SetPageParent(ctx, alice, tp.Child(pid), nil))
	scope, err = f.repo.ResolvePage(ctx, alice.ID, pid)
	require.NoError(t, err)
	require.Equal(t, tp.Child(pid), scope)
	idx, err = f.repo.PageIndex(ctx, alice.ID)
	require.NoError(t, err)
	require.Empty(t, idx[pid].ParentPageID)
	require.Equal(t, "Final", idx[pid].Name)
}

func TestRenameWorkspaceRegeneratesSlug(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	root := models.Scope{OwnerID: alice.ID}

	a, err := f.repo.CreateWorkspace(ctx, alice, alice.ID, "My Notes", "")
	require.NoError(t, err)
	b, err := f.repo.CreateWorkspace(ctx, alice, alice.ID, "Other", "")
	require.NoError(t, err)
	_, err = f.repo.CreateWorkspace(ctx, alice, alice.ID, "my-notes!", "")
	require.NoError(t, err)

	wss, err := f.repo.Workspaces(ctx, alice.ID)
	require.NoError(t, err)
	slugs := map[string]string{}
	for _, w := range wss {
		slugs[w.ID] = w.Slug
	}
	require.Equal(t, "my-notes", slugs[a])
	require.Equal(t, "other", slugs[b])

	require.NoError(t, f.repo.Rename(ctx, alice, root.Child(b), "Renamed Space"))
	var w models.Workspace
	require.NoError(t, f.repo.Get(ctx, root.Child(b), &w))
	require.Equal(t, "renamed-space", w.Slug)
	require.Equal(t, "Renamed Space", w.Name)

	// "my-notes" and "my-notes-2" are taken by the other two
	require.NoError(t, f.repo.Rename(ctx, alice, root.Child(b), "My  Notes!"))
	require.NoError(t, f.repo.Get(ctx, root.Child(b), &w))
	require.Equal(t, "my-notes-3", w.Slug)
}

func TestSlugify(t *testing.T) {
	require.Equal(t, "hello-world", Slugify("  Hello, World!  "))
	require.Equal(t, "café-2024", Slugify("Café 2024"))
	require.Equal(t, "workspace", Slugify("!!!"))
}

func TestReorder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tp := f.topic(t)
	sec := tp.Parent()
	b, err := f.repo.Create(ctx, alice, sec, "B")
	require.NoError(t, err)
	c, err := f.repo.Create(ctx, alice, sec, "C")
	require.NoError(t, err)
	a := tp.TopicID

	for i := 0; i < 2; i++ {
		require.NoError(t, f.repo.Reorder(ctx, alice, sec, []string{c, a, b}))
		topics, err := f.repo.Topics(ctx, sec)
		require.NoError(t, err)
		require.Equal(t, []string{c, a, b}, []string{topics[0].ID, topics[1].ID, topics[2].ID})
		require.Equal(t, []int{0, 1, 2}, []int{topics[0].Order, topics[1].Order, topics[2].Order})
	}

	require.ErrorIs(t, f.repo.Reorder(ctx, alice, sec, []string{a, "stranger"}), models.ErrInvalidOperation)
	require.ErrorIs(t, f.repo.Reorder(ctx, alice, sec, []string{a, a}), models.ErrInvalidOperation)
	require.ErrorIs(t, f.repo.Reorder(ctx, alice, models.Scope{OwnerID: alice.ID}, []string{a}), models.ErrInvalidOperation)
}

func TestSetPageParent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tp := f.topic(t)

	p1, err := f.repo.CreatePage(ctx, alice, tp, "P1", "")
	require.NoError(t, err)
	p2, err := f.repo.CreatePage(ctx, alice, tp, "P2", p1)
	require.NoError(t, err)
	p3, err := f.repo.CreatePage(ctx, alice, tp, "P3", p2)
	require.NoError(t, err)

	err = f.repo.SetPageParent(ctx, alice, tp.Child(p1), &p1)
	require.ErrorIs(t, err, models.ErrInvalidOperation)

	// P1 under P3 would close P1 -> P3 -> P2 -> P1
	err = f.repo.SetPageParent(ctx, alice, tp.Child(p1), &p3)
	require.ErrorIs(t, err, models.ErrInvalidOperation)

	missing := "missing"
	require.ErrorIs(t, f.repo.SetPageParent(ctx, alice, tp.Child(p3), &missing), models.ErrNotFound)

	require.NoError(t, f.repo.SetPageParent(ctx, alice, tp.Child(p3), &p1))
	idx, err := f.repo.PageIndex(ctx, alice.ID)
	require.NoError(t, err)
	require.Equal(t, p1, idx[p3].ParentPageID)

	require.NoError(t, f.repo.SetPageParent(ctx, alice, tp.Child(p3), nil))
	var page models.Page
	require.NoError(t, f.repo.Get(ctx, tp.Child(p3), &page))
	require.Nil(t, page.ParentPageID)
	idx, err = f.repo.PageIndex(ctx, alice.ID)
	require.NoError(t, err)
	require.Empty(t, idx[p3].ParentPageID)
}

func TestSetPageParentToleratesExistingCycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tp := f.topic(t)
	a, err := f.repo.CreatePage(ctx, alice, tp, "A", "")
	require.NoError(t, err)
	b, err := f.repo.CreatePage(ctx, alice, tp, "B", "")
	require.NoError(t, err)
	c, err := f.repo.CreatePage(ctx, alice, tp, "C", "")
	require.NoError(t, err)

	// legacy data: A and B point at each other
	require.NoError(t, f.store.Update(ctx, map[string]any{
		paths.Join(paths.PageIndexEntry(alice.ID, a), "parentPageId"): b,
		paths.Join(paths.PageIndexEntry(alice.ID, b), "parentPageId"): a,
	}))
	require.NoError(t, f.repo.SetPageParent(ctx, alice, tp.Child(c), &a))
}

func TestTogglePinned(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tp := f.topic(t)
	pid, err := f.repo.CreatePage(ctx, alice, tp, "P", "")
	require.NoError(t, err)

	require.NoError(t, f.repo.TogglePinned(ctx, alice, tp.Child(pid), true))
	var page models.Page
	require.NoError(t, f.repo.Get(ctx, tp.Child(pid), &page))
	require.True(t, page.Pinned)

	require.NoError(t, f.repo.TogglePinned(ctx, alice, tp.Child(pid), false))
	page = models.Page{}
	require.NoError(t, f.repo.Get(ctx, tp.Child(pid), &page))
	require.False(t, page.Pinned)

	require.ErrorIs(t, f.repo.TogglePinned(ctx, alice, tp, true), models.ErrInvalidOperation)
}

func TestDeleteNotebookScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tp := f.topic(t)
	p1, err := f.repo.CreatePage(ctx, alice, tp, "P1", "")
	require.NoError(t, err)
	p2, err := f.repo.CreatePage(ctx, alice, tp, "P2", p1)
	require.NoError(t, err)

	nb := tp.Truncate(models.LevelNotebook)
	where := "W / N"
	res, err := f.repo.Delete(ctx, alice, nb)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{p1, p2}, res.DeletedPages)
	require.Empty(t, res.Failures)

	var w models.Workspace
	require.NoError(t, f.repo.Get(ctx, tp.Truncate(models.LevelWorkspace), &w))
	for _, s := range []models.Scope{nb, tp.Parent(), tp, tp.Child(p1), tp.Child(p2)} {
		var n models.Node
		require.ErrorIs(t, f.repo.Get(ctx, s, &n), models.ErrNotFound, s.String())
	}
	for _, pid := range []string{p1, p2} {
		_, err := f.repo.ResolvePage(ctx, alice.ID, pid)
		require.ErrorIs(t, err, models.ErrNotFound)
		v, err := f.store.Read(ctx, paths.Content(pid))
		require.NoError(t, err)
		require.Nil(t, v)
	}

	entry := f.audit.last()
	require.Equal(t, audit.ActionDelete, entry.Action)
	require.Equal(t, nb.NotebookID, entry.TargetID)
	require.Equal(t, where, entry.Path)
}

func TestAuditPathFallsBackToUnknown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tp := f.topic(t)
	require.NoError(t, f.store.Delete(ctx, paths.Join(paths.Node(tp.Parent()), "name")))

	_, err := f.repo.CreatePage(ctx, alice, tp, "P", "")
	require.NoError(t, err)
	require.Equal(t, "W / N / Unknown / T / P", f.audit.last().Path)
}

func TestShareWorkspace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tp := f.topic(t)
	ws := tp.Truncate(models.LevelWorkspace)

	require.ErrorIs(t, f.repo.ShareWorkspace(ctx, alice, ws, "bob", models.RoleOwner), models.ErrInvalidOperation)
	require.ErrorIs(t, f.repo.ShareWorkspace(ctx, alice, ws, alice.ID, models.RoleEditor), models.ErrInvalidOperation)
	require.NoError(t, f.repo.ShareWorkspace(ctx, alice, ws, "bob", models.RoleEditor))

	shared, err := f.repo.SharedWith(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, map[models.Scope]models.Role{ws: models.RoleEditor}, shared)

	var w models.Workspace
	require.NoError(t, f.repo.Get(ctx, ws, &w))
	require.Equal(t, models.RoleEditor, w.Members["bob"])

	// deleting the workspace drops the grantee's entry
	_, err = f.repo.Delete(ctx, alice, ws)
	require.NoError(t, err)
	shared, err = f.repo.SharedWith(ctx, "bob")
	require.NoError(t, err)
	require.Empty(t, shared)
}

func TestUnshareAndTouch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithClock(func() time.Time { return time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC) }))
	tp := f.topic(t)
	ws := tp.Truncate(models.LevelWorkspace)

	require.NoError(t, f.repo.ShareWorkspace(ctx, alice, ws, "bob", models.RoleViewer))
	require.NoError(t, f.repo.UnshareWorkspace(ctx, alice, ws, "bob"))
	shared, err := f.repo.SharedWith(ctx, "bob")
	require.NoError(t, err)
	require.Empty(t, shared)

	f.repo.now = func() time.Time { return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC) }
	require.NoError(t, f.repo.TouchWorkspace(ctx, tp))
	var w models.Workspace
	require.NoError(t, f.repo.Get(ctx, ws, &w))
	require.Equal(t, 2024, w.LastAccessedAt.Year())
	require.Equal(t, time.June, w.LastAccessedAt.Month())
	require.Equal(t, time.May, w.CreatedAt.Month())
}

func TestSetContentBumpsLastUpdated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f.repo.now = func() time.Time { return now }
	tp := f.topic(t)
	pid, err := f.repo.CreatePage(ctx, alice, tp, "P", "")
	require.NoError(t, err)

	now = now.Add(time.Hour)
	require.NoError(t, f.repo.SetContent(ctx, alice, tp.Child(pid), "body"))
	body, err := f.repo.Content(ctx, tp.Child(pid))
	require.NoError(t, err)
	require.Equal(t, "body", body)

	var page models.Page
	require.NoError(t, f.repo.Get(ctx, tp.Child(pid), &page))
	require.True(t, page.LastUpdated.Equal(now))
}

func TestDuplicateCheckIsAdvisory(t *testing.T) {
	// Two writers that both pass the pre-check both land.
	ctx := context.Background()
	f := newFixture(t)
	tp := f.topic(t)
	sibs, err := f.repo.siblings(ctx, tp)
	require.NoError(t, err)
	require.NoError(t, checkName(models.LevelPage, sibs, "Race", ""))

	_, err = f.repo.CreatePage(ctx, alice, tp, "Race", "")
	require.NoError(t, err)
	v, err := store.Encode(models.Node{ID: "late", Name: "race"})
	require.NoError(t, err)
	require.NoError(t, f.store.Write(ctx, paths.Node(tp.Child("late")), v))

	pages, err := f.repo.Pages(ctx, tp)
	require.NoError(t, err)
	require.Len(t, pages, 2)
}
