package notetree_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/surrealdb/notetree/pkg/audit"
	"github.com/surrealdb/notetree/pkg/client"
	"github.com/surrealdb/notetree/pkg/models"
	"github.com/surrealdb/notetree/pkg/notetree"
	"github.com/surrealdb/notetree/pkg/store/memory"
	"github.com/surrealdb/notetree/pkg/syncengine"
)

func newTestServer(t *testing.T) (*notetree.App, *httptest.Server) {
	t.Helper()
	config := &notetree.Config{
		Backend:     notetree.BackendMemory,
		CORSOrigins: []string{"*"},
		JWTIssuer:   "notetree",
		SortMode:    syncengine.SortCustom,
	}
	app := notetree.NewWithStore(config, memory.New(), zerolog.Nop())
	srv := httptest.NewServer(app.Handler())
	t.Cleanup(func() {
		srv.Close()
		require.NoError(t, app.Close())
	})
	return app, srv
}

func newTestClient(srv *httptest.Server, principal string) *client.Client {
	c := client.NewClient(srv.URL)
	c.SetPrincipal(principal)
	return c
}

// buildTopic creates workspace/notebook/section/topic and returns the topic.
func buildTopic(t *testing.T, ctx context.Context, c *client.Client) models.Scope {
	t.Helper()
	ws, err := c.CreateWorkspace(ctx, "", "Research", "papers and notes")
	require.NoError(t, err)
	nb, err := c.Create(ctx, ws, "Papers")
	require.NoError(t, err)
	sec, err := c.Create(ctx, nb, "Distributed")
	require.NoError(t, err)
	topic, err := c.Create(ctx, sec, "Consensus")
	require.NoError(t, err)
	return topic
}

func TestHealthNeedsNoPrincipal(t *testing.T) {
	_, srv := newTestServer(t)
	ctx := context.Background()

	health, err := client.NewClient(srv.URL).Health(ctx)
	require.NoError(t, err)
	require.Equal(t, "ok", health["status"])
	require.Equal(t, "memory", health["backend"])
	require.Equal(t, false, health["readOnly"])

	_, err = client.NewClient(srv.URL).Workspaces(ctx)
	require.Equal(t, http.StatusUnauthorized, client.StatusCode(err))
}

func TestTreeLifecycle(t *testing.T) {
	_, srv := newTestServer(t)
	ctx := context.Background()
	c := newTestClient(srv, "alice")

	topic := buildTopic(t, ctx, c)
	require.Equal(t, "alice", topic.OwnerID)
	require.Equal(t, models.LevelTopic, topic.Level())

	list, err := c.Workspaces(ctx)
	require.NoError(t, err)
	require.Len(t, list.Owned, 1)
	require.Equal(t, "Research", list.Owned[0].Name)
	require.Equal(t, "research", list.Owned[0].Slug)
	require.Empty(t, list.Shared)

	ws := topic.Truncate(models.LevelWorkspace)
	require.NoError(t, c.SetDescription(ctx, ws, "reading list"))
	var workspace models.Workspace
	require.NoError(t, c.Get(ctx, ws, &workspace))
	require.Equal(t, "reading list", workspace.Description)

	raft, err := c.CreatePage(ctx, topic, "Raft", "")
	require.NoError(t, err)
	paxos, err := c.CreatePage(ctx, topic, "Paxos", "")
	require.NoError(t, err)
	child, err := c.CreatePage(ctx, topic, "Log replication", raft.PageID)
	require.NoError(t, err)

	pages, err := c.Pages(ctx, topic)
	require.NoError(t, err)
	require.Len(t, pages, 3)

	var page models.Page
	require.NoError(t, c.Get(ctx, child, &page))
	require.Equal(t, "Log replication", page.Name)
	require.Equal(t, raft.PageID, page.Parent())

	require.NoError(t, c.Rename(ctx, paxos, "Multi-Paxos"))
	require.NoError(t, c.Get(ctx, paxos, &page))
	require.Equal(t, "Multi-Paxos", page.Name)

	require.NoError(t, c.SetPinned(ctx, paxos, true))
	require.NoError(t, c.Get(ctx, paxos, &page))
	require.True(t, page.Pinned)

	require.NoError(t, c.SetPageParent(ctx, child, ""))
	require.NoError(t, c.Get(ctx, child, &page))
	require.Nil(t, page.ParentPageID)

	require.NoError(t, c.SetContent(ctx, raft, "leader election"))
	body, err := c.Content(ctx, raft)
	require.NoError(t, err)
	require.Equal(t, "leader election", body)

	found, err := c.ResolvePage(ctx, "", raft.PageID)
	require.NoError(t, err)
	require.Equal(t, raft, found)

	res, err := c.Delete(ctx, ws.Child(topic.NotebookID))
	require.NoError(t, err)
	require.ElementsMatch(t, []string{raft.PageID, paxos.PageID, child.PageID}, res.DeletedPages)

	notebooks, err := c.Notebooks(ctx, ws)
	require.NoError(t, err)
	require.Empty(t, notebooks)

	_, err = c.ResolvePage(ctx, "", raft.PageID)
	require.Equal(t, http.StatusNotFound, client.StatusCode(err))
}

func TestErrorStatus(t *testing.T) {
	_, srv := newTestServer(t)
	ctx := context.Background()
	c := newTestClient(srv, "alice")

	topic := buildTopic(t, ctx, c)
	sec := topic.Parent()

	_, err := c.Create(ctx, sec, "consensus")
	require.Equal(t, http.StatusConflict, client.StatusCode(err))

	_, err = c.Create(ctx, sec, "   ")
	require.Equal(t, http.StatusBadRequest, client.StatusCode(err))

	var nb models.Notebook
	err = c.Get(ctx, topic.Truncate(models.LevelWorkspace).Child("missing"), &nb)
	require.Equal(t, http.StatusNotFound, client.StatusCode(err))

	err = c.Reorder(ctx, sec, []string{"missing"})
	require.Equal(t, http.StatusBadRequest, client.StatusCode(err))

	_, err = c.Content(ctx, sec)
	require.Equal(t, http.StatusBadRequest, client.StatusCode(err))
}

func TestReorder(t *testing.T) {
	_, srv := newTestServer(t)
	ctx := context.Background()
	c := newTestClient(srv, "alice")

	ws, err := c.CreateWorkspace(ctx, "", "Home", "")
	require.NoError(t, err)
	var ids []string
	for _, name := range []string{"A", "B", "C"} {
		nb, err := c.Create(ctx, ws, name)
		require.NoError(t, err)
		ids = append(ids, nb.NotebookID)
	}

	require.NoError(t, c.Reorder(ctx, ws, []string{ids[2], ids[0], ids[1]}))
	notebooks, err := c.Notebooks(ctx, ws)
	require.NoError(t, err)
	require.Len(t, notebooks, 3)
	require.Equal(t, []string{"C", "A", "B"}, []string{notebooks[0].Name, notebooks[1].Name, notebooks[2].Name})
}

func TestReadOnlyMode(t *testing.T) {
	app, srv := newTestServer(t)
	ctx := context.Background()
	c := newTestClient(srv, "alice")

	ws, err := c.CreateWorkspace(ctx, "", "Home", "")
	require.NoError(t, err)

	require.NoError(t, c.SetReadOnly(ctx, true))
	require.True(t, app.IsReadOnly())
	readOnly, err := c.ReadOnly(ctx)
	require.NoError(t, err)
	require.True(t, readOnly)

	_, err = c.Create(ctx, ws, "Blocked")
	require.Equal(t, http.StatusServiceUnavailable, client.StatusCode(err))

	list, err := c.Workspaces(ctx)
	require.NoError(t, err)
	require.Len(t, list.Owned, 1)

	require.NoError(t, c.SetReadOnly(ctx, false))
	_, err = c.Create(ctx, ws, "Allowed")
	require.NoError(t, err)
}

func TestSearchAndSharing(t *testing.T) {
	_, srv := newTestServer(t)
	ctx := context.Background()
	alice := newTestClient(srv, "alice")
	bob := newTestClient(srv, "bob")

	topic := buildTopic(t, ctx, alice)
	_, err := alice.CreatePage(ctx, topic, "Raft notes", "")
	require.NoError(t, err)

	matches, err := alice.Search(ctx, "raft")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, models.LevelPage, matches[0].Level)
	require.Equal(t, "Raft notes", matches[0].Name)
	require.Len(t, matches[0].Ancestors, 4)

	matches, err = bob.Search(ctx, "raft")
	require.NoError(t, err)
	require.Empty(t, matches)

	ws := topic.Truncate(models.LevelWorkspace)
	require.NoError(t, alice.Share(ctx, ws, "bob", models.RoleEditor))

	list, err := bob.Workspaces(ctx)
	require.NoError(t, err)
	require.Empty(t, list.Owned)
	require.Equal(t, []client.SharedWorkspace{{Scope: ws, Role: models.RoleEditor}}, list.Shared)

	matches, err = bob.Search(ctx, "raft")
	require.NoError(t, err)
	require.Len(t, matches, 1)

	err = alice.Share(ctx, ws, "bob", models.RoleOwner)
	require.Equal(t, http.StatusBadRequest, client.StatusCode(err))

	require.NoError(t, alice.Unshare(ctx, ws, "bob"))
	list, err = bob.Workspaces(ctx)
	require.NoError(t, err)
	require.Empty(t, list.Shared)
}

func TestAuditLog(t *testing.T) {
	_, srv := newTestServer(t)
	ctx := context.Background()
	c := newTestClient(srv, "alice")

	ws, err := c.CreateWorkspace(ctx, "", "Home", "")
	require.NoError(t, err)
	_, err = c.Create(ctx, ws, "Journal")
	require.NoError(t, err)

	// Entries are written in the background.
	require.Eventually(t, func() bool {
		entries, err := c.Audit(ctx, 10)
		return err == nil && len(entries) == 2
	}, 2*time.Second, 10*time.Millisecond)

	entries, err := c.Audit(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, audit.ActionCreate, entries[0].Action)
	require.Equal(t, "notebook", entries[0].TargetType)
	require.Equal(t, "alice", entries[0].Principal)
}
