package tree

import (
	"context"
	"time"

	"github.com/surrealdb/notetree/pkg/audit"
	"github.com/surrealdb/notetree/pkg/models"
	"github.com/surrealdb/notetree/pkg/paths"
	"github.com/surrealdb/notetree/pkg/store"
)

// CreatePage creates a page under topic. A non-empty parentPageID makes it
// a sub-page; the parent may live in any topic of the same owner.
//
// The content blob is initialized before the node is written, so a failed
// create leaves at most an unreferenced blob. The page is flagged as
// creating until the repository's creating TTL elapses.
func (r *Repository) CreatePage(ctx context.Context, p models.Principal, topic models.Scope, name, parentPageID string) (string, error) {
	topic = topic.Truncate(models.LevelTopic)
	if topic.Level() != models.LevelTopic {
		return "", models.Invalid("create", "a page needs a topic")
	}
	if err := validName("create", name); err != nil {
		return "", err
	}
	if err := r.requireNode(ctx, topic); err != nil {
		return "", err
	}
	if parentPageID != "" {
		if _, err := r.indexEntry(ctx, topic.OwnerID, parentPageID); err != nil {
			return "", err
		}
	}
	sibs, err := r.siblings(ctx, topic)
	if err != nil {
		return "", err
	}
	if err := checkName(models.LevelPage, sibs, name, ""); err != nil {
		return "", err
	}

	now := r.now()
	id := r.newID()
	page := models.Page{
		Node:        models.Node{ID: id, Name: name, Order: nextOrder(sibs), CreatedAt: now, UpdatedAt: now},
		LastUpdated: now,
		Owner:       p.ID,
		Creating:    r.creatingTTL > 0,
	}
	if parentPageID != "" {
		page.ParentPageID = &parentPageID
	}
	s := topic.Child(id)
	entry := models.PageIndexEntry{
		WorkspaceID:  s.WorkspaceID,
		NotebookID:   s.NotebookID,
		SectionID:    s.SectionID,
		TopicID:      s.TopicID,
		ParentPageID: parentPageID,
		Owner:        p.ID,
		Name:         name,
		UpdatedAt:    now,
	}
	pv, err := store.Encode(page)
	if err != nil {
		return "", err
	}
	ev, err := store.Encode(entry)
	if err != nil {
		return "", err
	}

	if err := r.content.SetContent(ctx, id, "", p.ID); err != nil {
		return "", err
	}
	if err := r.store.Update(ctx, map[string]any{
		paths.Node(s):                       pv,
		paths.PageIndexEntry(s.OwnerID, id): ev,
	}); err != nil {
		return "", err
	}
	r.scheduleCreatingClear(s)
	r.record(ctx, p, audit.ActionCreate, s, "")
	return id, nil
}

func (r *Repository) scheduleCreatingClear(s models.Scope) {
	if r.creatingTTL <= 0 {
		return
	}
	key := paths.Node(s)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.timers[key] = time.AfterFunc(r.creatingTTL, func() {
		r.mu.Lock()
		delete(r.timers, key)
		r.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.store.Delete(ctx, paths.Join(key, "creating")); err != nil {
			r.logger.Warn().Err(err).Str("page", s.PageID).Msg("clearing creating flag failed")
		}
	})
}

// stopCreating drops pending creating timers for pages under s.
func (r *Repository) stopCreating(s models.Scope) {
	prefix := paths.Node(s)
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, t := range r.timers {
		if paths.HasPrefix(key, prefix) {
			t.Stop()
			delete(r.timers, key)
		}
	}
}

func (r *Repository) indexEntry(ctx context.Context, owner, pageID string) (*models.PageIndexEntry, error) {
	v, err := r.store.Read(ctx, paths.PageIndexEntry(owner, pageID))
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, &models.NotFoundError{Kind: "page", ID: pageID}
	}
	var e models.PageIndexEntry
	if err := store.Decode(v, &e); err != nil {
		return nil, models.WrapStore("decode", paths.PageIndexEntry(owner, pageID), err)
	}
	return &e, nil
}

// patchIndex adds fields of the page's index entry to updates. A missing
// entry is rebuilt whole from the page record, so a patch never leaves an
// entry without its containment ids.
func (r *Repository) patchIndex(ctx context.Context, s models.Scope, updates, fields map[string]any) error {
	index := paths.PageIndexEntry(s.OwnerID, s.PageID)
	v, err := r.store.Read(ctx, index)
	if err != nil {
		return err
	}
	if v != nil {
		for k, f := range fields {
			updates[paths.Join(index, k)] = f
		}
		return nil
	}

	pv, err := r.store.Read(ctx, paths.Node(s))
	if err != nil {
		return err
	}
	var page models.Page
	if err := store.Decode(pv, &page); err != nil {
		return models.WrapStore("decode", paths.Node(s), err)
	}
	ev, err := store.Encode(models.PageIndexEntry{
		WorkspaceID:  s.WorkspaceID,
		NotebookID:   s.NotebookID,
		SectionID:    s.SectionID,
		TopicID:      s.TopicID,
		ParentPageID: page.Parent(),
		Owner:        page.Owner,
		Name:         page.Name,
		UpdatedAt:    page.LastUpdated,
	})
	if err != nil {
		return err
	}
	entry := store.AsMap(ev)
	for k, f := range fields {
		if f == nil {
			delete(entry, k)
			continue
		}
		entry[k] = f
	}
	r.logger.Warn().Str("page", s.PageID).Msg("rebuilt missing page index entry")
	updates[index] = entry
	return nil
}

// ResolvePage finds the containment position of a page through the owner's
// page index.
func (r *Repository) ResolvePage(ctx context.Context, owner, pageID string) (models.Scope, error) {
	e, err := r.indexEntry(ctx, owner, pageID)
	if err != nil {
		return models.Scope{}, err
	}
	return e.Scope(owner, pageID), nil
}

// PageIndex returns the owner's whole reverse index keyed by page id.
func (r *Repository) PageIndex(ctx context.Context, owner string) (map[string]models.PageIndexEntry, error) {
	v, err := r.store.Read(ctx, paths.PageIndex(owner))
	if err != nil {
		return nil, err
	}
	out := map[string]models.PageIndexEntry{}
	for id, raw := range store.AsMap(v) {
		var e models.PageIndexEntry
		if err := store.Decode(raw, &e); err != nil {
			continue
		}
		out[id] = e
	}
	return out, nil
}

// SetPageParent links the page at s under parentPageID, or makes it a root
// page when parentPageID is nil. Self-parenting and links that would close
// a cycle are rejected.
func (r *Repository) SetPageParent(ctx context.Context, p models.Principal, s models.Scope, parentPageID *string) error {
	if s.Level() != models.LevelPage {
		return models.Invalid("set parent", "not a page")
	}
	if err := r.requireNode(ctx, s); err != nil {
		return err
	}
	base := paths.Node(s)
	updates := map[string]any{}
	fields := map[string]any{}

	if parentPageID == nil || *parentPageID == "" {
		updates[paths.Join(base, "parentPageId")] = nil
		fields["parentPageId"] = nil
	} else {
		parent := *parentPageID
		if parent == s.PageID {
			return models.Invalid("set parent", "a page cannot be its own parent")
		}
		idx, err := r.PageIndex(ctx, s.OwnerID)
		if err != nil {
			return err
		}
		if _, ok := idx[parent]; !ok {
			return &models.NotFoundError{Kind: "page", ID: parent}
		}
		if createsCycle(idx, s.PageID, parent) {
			return models.Invalid("set parent", "%s is a descendant of %s", parent, s.PageID)
		}
		updates[paths.Join(base, "parentPageId")] = parent
		fields["parentPageId"] = parent
	}
	now, err := store.Encode(r.now())
	if err != nil {
		return err
	}
	updates[paths.Join(base, "lastUpdated")] = now
	fields["updatedAt"] = now
	if err := r.patchIndex(ctx, s, updates, fields); err != nil {
		return err
	}
	if err := r.store.Update(ctx, updates); err != nil {
		return err
	}
	r.record(ctx, p, audit.ActionSetParent, s, "")
	return nil
}

// createsCycle walks up from parent and reports whether page is reached.
// Pre-existing cycles that do not involve page end the walk.
func createsCycle(idx map[string]models.PageIndexEntry, page, parent string) bool {
	visited := map[string]bool{}
	for cur := parent; cur != ""; cur = idx[cur].ParentPageID {
		if cur == page {
			return true
		}
		if visited[cur] {
			return false
		}
		visited[cur] = true
	}
	return false
}

// TogglePinned sets the pinned flag of the page at s.
func (r *Repository) TogglePinned(ctx context.Context, p models.Principal, s models.Scope, pinned bool) error {
	if s.Level() != models.LevelPage {
		return models.Invalid("pin", "not a page")
	}
	if err := r.requireNode(ctx, s); err != nil {
		return err
	}
	var v any
	if pinned {
		v = true
	}
	if err := r.store.Write(ctx, paths.Join(paths.Node(s), "pinned"), v); err != nil {
		return err
	}
	detail := "unpinned"
	if pinned {
		detail = "pinned"
	}
	r.record(ctx, p, audit.ActionPin, s, detail)
	return nil
}

// Content returns the body of the page at s.
func (r *Repository) Content(ctx context.Context, s models.Scope) (string, error) {
	if err := r.requireNode(ctx, s); err != nil {
		return "", err
	}
	return r.content.GetContent(ctx, s.PageID)
}

// SetContent replaces the body of the page at s and bumps lastUpdated.
func (r *Repository) SetContent(ctx context.Context, p models.Principal, s models.Scope, body string) error {
	if s.Level() != models.LevelPage {
		return models.Invalid("set content", "not a page")
	}
	if err := r.requireNode(ctx, s); err != nil {
		return err
	}
	if err := r.content.SetContent(ctx, s.PageID, body, p.ID); err != nil {
		return err
	}
	now, err := store.Encode(r.now())
	if err != nil {
		return err
	}
	return r.store.Update(ctx, map[string]any{
		paths.Join(paths.Node(s), "lastUpdated"):                           now,
		paths.Join(paths.PageIndexEntry(s.OwnerID, s.PageID), "updatedAt"): now,
	})
}
