package tree

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/surrealdb/notetree/pkg/audit"
	"github.com/surrealdb/notetree/pkg/models"
	"github.com/surrealdb/notetree/pkg/paths"
	"github.com/surrealdb/notetree/pkg/store"
)

// Slugify lowercases name and keeps letters and digits, joining runs of
// anything else with a single dash.
func Slugify(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	slug := strings.TrimRight(b.String(), "-")
	if slug == "" {
		slug = "workspace"
	}
	return slug
}

// uniqueSlug derives a slug from name that no other workspace in wss uses,
// appending -2, -3 and so on.
func uniqueSlug(name string, wss []models.Workspace, except string) string {
	taken := map[string]bool{}
	for _, w := range wss {
		if w.ID != except {
			taken[w.Slug] = true
		}
	}
	base := Slugify(name)
	slug := base
	for i := 2; taken[slug]; i++ {
		slug = fmt.Sprintf("%s-%d", base, i)
	}
	return slug
}

// Workspaces lists the workspaces owned by owner, oldest first.
func (r *Repository) Workspaces(ctx context.Context, owner string) ([]models.Workspace, error) {
	v, err := r.store.Read(ctx, paths.Workspaces(owner))
	if err != nil {
		return nil, err
	}
	raw := store.AsMap(v)
	out := make([]models.Workspace, 0, len(raw))
	for id, child := range raw {
		var w models.Workspace
		if err := store.Decode(child, &w); err != nil {
			r.logger.Warn().Err(err).Str("workspace", id).Msg("skipping undecodable workspace")
			continue
		}
		w.ID = id
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// SharedWith lists the workspaces other principals shared with principal.
// The returned scopes point into the owners' subtrees.
func (r *Repository) SharedWith(ctx context.Context, principal string) (map[models.Scope]models.Role, error) {
	v, err := r.store.Read(ctx, paths.SharedWorkspaces(principal))
	if err != nil {
		return nil, err
	}
	out := map[models.Scope]models.Role{}
	for ws, raw := range store.AsMap(v) {
		var sw models.SharedWorkspace
		if err := store.Decode(raw, &sw); err != nil || sw.OwnerID == "" {
			continue
		}
		out[models.Scope{OwnerID: sw.OwnerID, WorkspaceID: ws}] = sw.Role
	}
	return out, nil
}

// CreateWorkspace creates a workspace owned by owner. The slug is derived
// from name and made unique among the owner's workspaces.
func (r *Repository) CreateWorkspace(ctx context.Context, p models.Principal, owner, name, description string) (string, error) {
	if owner == "" {
		owner = p.ID
	}
	if owner == "" {
		return "", models.Invalid("create", "workspace owner is required")
	}
	if err := validName("create", name); err != nil {
		return "", err
	}
	wss, err := r.Workspaces(ctx, owner)
	if err != nil {
		return "", err
	}
	key := models.FoldName(name)
	for _, w := range wss {
		if models.FoldName(w.Name) == key {
			return "", &models.DuplicateNameError{Level: models.LevelWorkspace, Name: name}
		}
	}

	now := r.now()
	w := models.Workspace{
		Node:           models.Node{ID: r.newID(), Name: name, CreatedAt: now, UpdatedAt: now},
		Slug:           uniqueSlug(name, wss, ""),
		Description:    description,
		OwnerID:        owner,
		LastAccessedAt: now,
	}
	v, err := store.Encode(w)
	if err != nil {
		return "", err
	}
	s := models.Scope{OwnerID: owner, WorkspaceID: w.ID}
	if err := r.store.Write(ctx, paths.Node(s), v); err != nil {
		return "", err
	}
	r.record(ctx, p, audit.ActionCreate, s, "")
	return w.ID, nil
}

func (r *Repository) renameWorkspace(ctx context.Context, p models.Principal, s models.Scope, name string) error {
	if err := validName("rename", name); err != nil {
		return err
	}
	wss, err := r.Workspaces(ctx, s.OwnerID)
	if err != nil {
		return err
	}
	found := false
	key := models.FoldName(name)
	for _, w := range wss {
		if w.ID == s.WorkspaceID {
			found = true
			continue
		}
		if models.FoldName(w.Name) == key {
			return &models.DuplicateNameError{Level: models.LevelWorkspace, Name: name}
		}
	}
	if !found {
		return &models.NotFoundError{Kind: models.LevelWorkspace.String(), ID: s.WorkspaceID}
	}

	now, err := store.Encode(r.now())
	if err != nil {
		return err
	}
	base := paths.Node(s)
	if err := r.store.Update(ctx, map[string]any{
		paths.Join(base, "name"):      name,
		paths.Join(base, "slug"):      uniqueSlug(name, wss, s.WorkspaceID),
		paths.Join(base, "updatedAt"): now,
	}); err != nil {
		return err
	}
	r.record(ctx, p, audit.ActionRename, s, "")
	return nil
}

// UpdateDescription replaces a workspace description.
func (r *Repository) UpdateDescription(ctx context.Context, s models.Scope, description string) error {
	s = s.Truncate(models.LevelWorkspace)
	if err := r.requireNode(ctx, s); err != nil {
		return err
	}
	now, err := store.Encode(r.now())
	if err != nil {
		return err
	}
	var desc any
	if description != "" {
		desc = description
	}
	return r.store.Update(ctx, map[string]any{
		paths.Join(paths.Node(s), "description"): desc,
		paths.Join(paths.Node(s), "updatedAt"):   now,
	})
}

// TouchWorkspace records that the workspace was just opened.
func (r *Repository) TouchWorkspace(ctx context.Context, s models.Scope) error {
	s = s.Truncate(models.LevelWorkspace)
	if err := r.requireNode(ctx, s); err != nil {
		return err
	}
	now, err := store.Encode(r.now())
	if err != nil {
		return err
	}
	return r.store.Write(ctx, paths.Join(paths.Node(s), "lastAccessedAt"), now)
}

// ShareWorkspace grants principal a role on the workspace at s.
func (r *Repository) ShareWorkspace(ctx context.Context, p models.Principal, s models.Scope, principal string, role models.Role) error {
	s = s.Truncate(models.LevelWorkspace)
	if !role.Valid() || role == models.RoleOwner {
		return models.Invalid("share", "role %q cannot be granted", role)
	}
	if principal == "" || principal == s.OwnerID {
		return models.Invalid("share", "cannot share a workspace with its owner")
	}
	if err := r.requireNode(ctx, s); err != nil {
		return err
	}
	entry, err := store.Encode(models.SharedWorkspace{OwnerID: s.OwnerID, Role: role})
	if err != nil {
		return err
	}
	if err := r.store.Update(ctx, map[string]any{
		paths.Member(s.OwnerID, s.WorkspaceID, principal): string(role),
		paths.SharedWorkspace(principal, s.WorkspaceID):   entry,
	}); err != nil {
		return err
	}
	r.record(ctx, p, audit.ActionShare, s, principal+":"+string(role))
	return nil
}

// UnshareWorkspace revokes principal's access to the workspace at s.
func (r *Repository) UnshareWorkspace(ctx context.Context, p models.Principal, s models.Scope, principal string) error {
	s = s.Truncate(models.LevelWorkspace)
	if err := r.store.Update(ctx, map[string]any{
		paths.Member(s.OwnerID, s.WorkspaceID, principal): nil,
		paths.SharedWorkspace(principal, s.WorkspaceID):   nil,
	}); err != nil {
		return err
	}
	r.record(ctx, p, audit.ActionUnshare, s, principal)
	return nil
}
