package notetree

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/surrealdb/notetree/pkg/audit"
	"github.com/surrealdb/notetree/pkg/auth"
	"github.com/surrealdb/notetree/pkg/models"
	"github.com/surrealdb/notetree/pkg/store"
)

const maxBody = 1 << 20

type createRequest struct {
	Parent       models.Scope `json:"parent"`
	Name         string       `json:"name"`
	Description  string       `json:"description,omitempty"`
	ParentPageID string       `json:"parentPageId,omitempty"`
}

type updateRequest struct {
	Scope  models.Scope `json:"scope"`
	Name   *string      `json:"name,omitempty"`
	Pinned *bool        `json:"pinned,omitempty"`

	// Description applies to workspaces only.
	Description *string `json:"description,omitempty"`
	// ParentPageID relinks a page; an empty string makes it a root page.
	ParentPageID *string `json:"parentPageId,omitempty"`
}

type reorderRequest struct {
	Parent models.Scope `json:"parent"`
	IDs    []string     `json:"ids"`
}

type contentRequest struct {
	Scope models.Scope `json:"scope"`
	Body  string       `json:"body"`
}

type shareRequest struct {
	Scope     models.Scope `json:"scope"`
	Principal string       `json:"principal"`
	Role      models.Role  `json:"role"`
}

type sharedWorkspace struct {
	Scope models.Scope `json:"scope"`
	Role  models.Role  `json:"role"`
}

type modeRequest struct {
	ReadOnly bool `json:"readOnly"`
}

// principal returns the caller set by the auth middleware.
func principal(r *http.Request) models.Principal {
	p, _ := auth.FromContext(r.Context())
	return p
}

// scopeFromQuery reads a scope from query parameters. The owner defaults
// to the caller.
func scopeFromQuery(r *http.Request) models.Scope {
	q := r.URL.Query()
	s := models.Scope{
		OwnerID:     q.Get("ownerId"),
		WorkspaceID: q.Get("workspaceId"),
		NotebookID:  q.Get("notebookId"),
		SectionID:   q.Get("sectionId"),
		TopicID:     q.Get("topicId"),
		PageID:      q.Get("pageId"),
	}
	return withOwner(s, principal(r))
}

func withOwner(s models.Scope, p models.Principal) models.Scope {
	if s.OwnerID == "" {
		s.OwnerID = p.ID
	}
	return s
}

func decode(w http.ResponseWriter, r *http.Request, out any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request payload")
		return false
	}
	return true
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"backend":  a.config.Backend,
		"readOnly": a.IsReadOnly(),
	})
}

func (a *App) handleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := principal(r)
	owned, err := a.repo.Workspaces(ctx, p.ID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	shared, err := a.repo.SharedWith(ctx, p.ID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	out := make([]sharedWorkspace, 0, len(shared))
	for s, role := range shared {
		out = append(out, sharedWorkspace{Scope: s, Role: role})
	}
	respondJSON(w, http.StatusOK, map[string]any{"owned": owned, "shared": out})
}

func (a *App) handleChildren(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s := scopeFromQuery(r)
	var (
		items any
		err   error
	)
	switch s.Level() {
	case models.LevelNone:
		items, err = a.repo.Workspaces(ctx, s.OwnerID)
	case models.LevelWorkspace:
		items, err = a.repo.Notebooks(ctx, s)
	case models.LevelNotebook:
		items, err = a.repo.Sections(ctx, s)
	case models.LevelSection:
		items, err = a.repo.Topics(ctx, s)
	case models.LevelTopic:
		items, err = a.repo.Pages(ctx, s)
	default:
		err = models.Invalid("children", "pages have no containment children")
	}
	if err != nil {
		a.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, items)
}

func (a *App) handleGetNode(w http.ResponseWriter, r *http.Request) {
	s := scopeFromQuery(r)
	if s.Level() == models.LevelNone {
		respondError(w, http.StatusBadRequest, "scope required")
		return
	}
	var node map[string]any
	if err := a.repo.Get(r.Context(), s, &node); err != nil {
		a.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, node)
}

func (a *App) handleCreateNode(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	p := principal(r)
	parent := withOwner(req.Parent, p)

	var (
		id  string
		err error
	)
	switch parent.Level() {
	case models.LevelNone:
		id, err = a.repo.CreateWorkspace(ctx, p, parent.OwnerID, req.Name, req.Description)
	case models.LevelTopic:
		id, err = a.repo.CreatePage(ctx, p, parent, req.Name, req.ParentPageID)
	default:
		id, err = a.repo.Create(ctx, p, parent, req.Name)
	}
	if err != nil {
		a.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"id": id, "scope": parent.Child(id)})
}

func (a *App) handleUpdateNode(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	p := principal(r)
	s := withOwner(req.Scope, p)
	if s.Level() == models.LevelNone {
		respondError(w, http.StatusBadRequest, "scope required")
		return
	}
	if req.Name != nil {
		if err := a.repo.Rename(ctx, p, s, *req.Name); err != nil {
			a.fail(w, r, err)
			return
		}
	}
	if req.Description != nil {
		if s.Level() != models.LevelWorkspace {
			respondError(w, http.StatusBadRequest, "only workspaces have a description")
			return
		}
		if err := a.repo.UpdateDescription(ctx, s, *req.Description); err != nil {
			a.fail(w, r, err)
			return
		}
	}
	if req.Pinned != nil {
		if err := a.repo.TogglePinned(ctx, p, s, *req.Pinned); err != nil {
			a.fail(w, r, err)
			return
		}
	}
	if req.ParentPageID != nil {
		if err := a.repo.SetPageParent(ctx, p, s, req.ParentPageID); err != nil {
			a.fail(w, r, err)
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"scope": s})
}

func (a *App) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	s := scopeFromQuery(r)
	if s.Level() == models.LevelNone {
		respondError(w, http.StatusBadRequest, "scope required")
		return
	}
	res, err := a.repo.Delete(r.Context(), principal(r), s)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (a *App) handleReorder(w http.ResponseWriter, r *http.Request) {
	var req reorderRequest
	if !decode(w, r, &req) {
		return
	}
	p := principal(r)
	if err := a.repo.Reorder(r.Context(), p, withOwner(req.Parent, p), req.IDs); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleGetContent(w http.ResponseWriter, r *http.Request) {
	s := scopeFromQuery(r)
	if s.Level() != models.LevelPage {
		respondError(w, http.StatusBadRequest, "page scope required")
		return
	}
	body, err := a.repo.Content(r.Context(), s)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"body": body})
}

func (a *App) handleSetContent(w http.ResponseWriter, r *http.Request) {
	var req contentRequest
	if !decode(w, r, &req) {
		return
	}
	p := principal(r)
	s := withOwner(req.Scope, p)
	if s.Level() != models.LevelPage {
		respondError(w, http.StatusBadRequest, "page scope required")
		return
	}
	if err := a.repo.SetContent(r.Context(), p, s, req.Body); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleResolvePage(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("ownerId")
	if owner == "" {
		owner = principal(r).ID
	}
	s, err := a.repo.ResolvePage(r.Context(), owner, mux.Vars(r)["id"])
	if err != nil {
		a.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, s)
}

func (a *App) handleSearch(w http.ResponseWriter, r *http.Request) {
	matches, err := a.searcher.Search(r.Context(), principal(r), r.URL.Query().Get("q"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if matches == nil {
		respondJSON(w, http.StatusOK, []any{})
		return
	}
	respondJSON(w, http.StatusOK, matches)
}

func (a *App) handleShare(w http.ResponseWriter, r *http.Request) {
	var req shareRequest
	if !decode(w, r, &req) {
		return
	}
	p := principal(r)
	s := withOwner(req.Scope, p).Truncate(models.LevelWorkspace)
	if err := a.repo.ShareWorkspace(r.Context(), p, s, req.Principal, req.Role); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleUnshare(w http.ResponseWriter, r *http.Request) {
	s := scopeFromQuery(r).Truncate(models.LevelWorkspace)
	target := r.URL.Query().Get("principal")
	if err := a.repo.UnshareWorkspace(r.Context(), principal(r), s, target); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	entries, err := audit.List(r.Context(), a.store, principal(r).ID, limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, entries)
}

func (a *App) handleGetMode(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, modeRequest{ReadOnly: a.IsReadOnly()})
}

func (a *App) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if !decode(w, r, &req) {
		return
	}
	a.SetReadOnly(req.ReadOnly)
	respondJSON(w, http.StatusOK, req)
}

// statusFor maps the error taxonomy to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrReadOnly):
		return http.StatusServiceUnavailable
	case errors.Is(err, models.ErrDuplicateName):
		return http.StatusConflict
	case errors.Is(err, models.ErrInvalidOperation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrStore):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (a *App) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	ev := a.logger.Debug()
	if status >= http.StatusInternalServerError {
		ev = a.logger.Error()
	}
	ev.Err(err).Str("method", r.Method).Str("path", r.URL.Path).Int("status", status).Msg("request failed")
	respondError(w, status, err.Error())
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	response, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_, _ = w.Write(response)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
