// Package client is a Go client for the notetree HTTP and websocket API.
//
// [Client] mirrors the server's routes with typed methods over the same
// [github.com/surrealdb/notetree/pkg/models] records the server stores.
// Scopes are sent as query parameters on reads and as JSON bodies on
// writes.
//
// A client authenticates either with a bearer token (see SetAuthToken and
// the "notetree token" command) or, against a development server without
// a JWT secret, with SetPrincipal.
//
//	c := client.NewClient("http://localhost:8080")
//	c.SetPrincipal("alice")
//	ws, err := c.CreateWorkspace(ctx, "", "Research", "")
//	nb, err := c.Create(ctx, ws, "Papers")
//
// Errors returned for non-2xx responses are [*APIError] and carry the
// status code.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/surrealdb/notetree/pkg/audit"
	"github.com/surrealdb/notetree/pkg/cascade"
	"github.com/surrealdb/notetree/pkg/models"
	"github.com/surrealdb/notetree/pkg/search"
)

// PrincipalHeader names the caller on development servers.
const PrincipalHeader = "X-Principal"

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error: status=%d, message=%s", e.Status, e.Message)
}

// StatusCode returns the HTTP status of err, or 0 when err is not an
// *APIError.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

// Client is safe for concurrent use once configured.
type Client struct {
	baseURL    string
	httpClient *http.Client
	authToken  string
	principal  string
}

// NewClient creates a client for the server at baseURL, without a trailing
// slash or API prefix.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SetAuthToken sets the bearer token sent with every request.
func (c *Client) SetAuthToken(token string) {
	c.authToken = token
}

// SetPrincipal sets the development principal header.
func (c *Client) SetPrincipal(id string) {
	c.principal = id
}

// SetHTTPClient replaces the underlying HTTP client.
func (c *Client) SetHTTPClient(h *http.Client) {
	c.httpClient = h
}

func (c *Client) header(h http.Header) {
	if c.authToken != "" {
		h.Set("Authorization", "Bearer "+c.authToken)
	}
	if c.principal != "" {
		h.Set(PrincipalHeader, c.principal)
	}
}

func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	c.header(req.Header)

	return c.httpClient.Do(req)
}

func (c *Client) call(ctx context.Context, method, path string, query url.Values, body, target any) error {
	resp, err := c.doRequest(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	return decodeResponse(resp, target)
}

func decodeResponse(resp *http.Response, target any) error {
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(resp.Body)
		var payload struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
			msg = payload.Error
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}

	if target != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// ScopeQuery encodes s as query parameters.
func ScopeQuery(s models.Scope) url.Values {
	q := url.Values{}
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	set("ownerId", s.OwnerID)
	set("workspaceId", s.WorkspaceID)
	set("notebookId", s.NotebookID)
	set("sectionId", s.SectionID)
	set("topicId", s.TopicID)
	set("pageId", s.PageID)
	return q
}

// Health reports server status, backend and mode.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var result map[string]any
	if err := c.call(ctx, http.MethodGet, "/api/health", nil, nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// SharedWorkspace is a workspace shared with the caller.
type SharedWorkspace struct {
	Scope models.Scope `json:"scope"`
	Role  models.Role  `json:"role"`
}

// WorkspaceList is the caller's owned and shared workspaces.
type WorkspaceList struct {
	Owned  []models.Workspace `json:"owned"`
	Shared []SharedWorkspace  `json:"shared"`
}

// Workspaces lists the caller's workspaces.
func (c *Client) Workspaces(ctx context.Context) (*WorkspaceList, error) {
	var result WorkspaceList
	if err := c.call(ctx, http.MethodGet, "/api/workspaces", nil, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func children[T any](ctx context.Context, c *Client, parent models.Scope) ([]T, error) {
	var result []T
	if err := c.call(ctx, http.MethodGet, "/api/children", ScopeQuery(parent), nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Notebooks lists the notebooks of a workspace in order.
func (c *Client) Notebooks(ctx context.Context, ws models.Scope) ([]models.Notebook, error) {
	return children[models.Notebook](ctx, c, ws)
}

func (c *Client) Sections(ctx context.Context, nb models.Scope) ([]models.Section, error) {
	return children[models.Section](ctx, c, nb)
}

func (c *Client) Topics(ctx context.Context, sec models.Scope) ([]models.Topic, error) {
	return children[models.Topic](ctx, c, sec)
}

func (c *Client) Pages(ctx context.Context, topic models.Scope) ([]models.Page, error) {
	return children[models.Page](ctx, c, topic)
}

// Get decodes the node at s into out.
func (c *Client) Get(ctx context.Context, s models.Scope, out any) error {
	return c.call(ctx, http.MethodGet, "/api/node", ScopeQuery(s), nil, out)
}

type createRequest struct {
	Parent       models.Scope `json:"parent"`
	Name         string       `json:"name"`
	Description  string       `json:"description,omitempty"`
	ParentPageID string       `json:"parentPageId,omitempty"`
}

type createResponse struct {
	ID    string       `json:"id"`
	Scope models.Scope `json:"scope"`
}

func (c *Client) create(ctx context.Context, req createRequest) (models.Scope, error) {
	var result createResponse
	if err := c.call(ctx, http.MethodPost, "/api/node", nil, req, &result); err != nil {
		return models.Scope{}, err
	}
	return result.Scope, nil
}

// CreateWorkspace creates a workspace under owner ("" for the caller) and
// returns its scope.
func (c *Client) CreateWorkspace(ctx context.Context, owner, name, description string) (models.Scope, error) {
	return c.create(ctx, createRequest{Parent: models.Scope{OwnerID: owner}, Name: name, Description: description})
}

// Create adds a notebook, section or topic under parent.
func (c *Client) Create(ctx context.Context, parent models.Scope, name string) (models.Scope, error) {
	return c.create(ctx, createRequest{Parent: parent, Name: name})
}

// CreatePage adds a page to topic, optionally below another page.
func (c *Client) CreatePage(ctx context.Context, topic models.Scope, name, parentPageID string) (models.Scope, error) {
	return c.create(ctx, createRequest{Parent: topic, Name: name, ParentPageID: parentPageID})
}

type updateRequest struct {
	Scope        models.Scope `json:"scope"`
	Name         *string      `json:"name,omitempty"`
	Pinned       *bool        `json:"pinned,omitempty"`
	Description  *string      `json:"description,omitempty"`
	ParentPageID *string      `json:"parentPageId,omitempty"`
}

func (c *Client) Rename(ctx context.Context, s models.Scope, name string) error {
	return c.call(ctx, http.MethodPatch, "/api/node", nil, updateRequest{Scope: s, Name: &name}, nil)
}

// SetDescription replaces the description of the workspace at ws.
func (c *Client) SetDescription(ctx context.Context, ws models.Scope, description string) error {
	return c.call(ctx, http.MethodPatch, "/api/node", nil, updateRequest{Scope: ws, Description: &description}, nil)
}

func (c *Client) SetPinned(ctx context.Context, s models.Scope, pinned bool) error {
	return c.call(ctx, http.MethodPatch, "/api/node", nil, updateRequest{Scope: s, Pinned: &pinned}, nil)
}

// SetPageParent relinks a page; "" makes it a root page.
func (c *Client) SetPageParent(ctx context.Context, s models.Scope, parentPageID string) error {
	return c.call(ctx, http.MethodPatch, "/api/node", nil, updateRequest{Scope: s, ParentPageID: &parentPageID}, nil)
}

// Delete removes the node at s and everything below it.
func (c *Client) Delete(ctx context.Context, s models.Scope) (*cascade.Result, error) {
	var result cascade.Result
	if err := c.call(ctx, http.MethodDelete, "/api/node", ScopeQuery(s), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Reorder sets the order of the children of parent.
func (c *Client) Reorder(ctx context.Context, parent models.Scope, ids []string) error {
	body := map[string]any{"parent": parent, "ids": ids}
	return c.call(ctx, http.MethodPut, "/api/order", nil, body, nil)
}

func (c *Client) Content(ctx context.Context, page models.Scope) (string, error) {
	var result struct {
		Body string `json:"body"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/content", ScopeQuery(page), nil, &result); err != nil {
		return "", err
	}
	return result.Body, nil
}

func (c *Client) SetContent(ctx context.Context, page models.Scope, body string) error {
	req := map[string]any{"scope": page, "body": body}
	return c.call(ctx, http.MethodPut, "/api/content", nil, req, nil)
}

// ResolvePage locates a page of owner ("" for the caller) by id.
func (c *Client) ResolvePage(ctx context.Context, owner, pageID string) (models.Scope, error) {
	q := url.Values{}
	if owner != "" {
		q.Set("ownerId", owner)
	}
	var result models.Scope
	err := c.call(ctx, http.MethodGet, "/api/pages/"+url.PathEscape(pageID)+"/scope", q, nil, &result)
	return result, err
}

func (c *Client) Search(ctx context.Context, query string) ([]search.Match, error) {
	var result []search.Match
	if err := c.call(ctx, http.MethodGet, "/api/search", url.Values{"q": {query}}, nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Share grants principal role on the workspace at ws.
func (c *Client) Share(ctx context.Context, ws models.Scope, principal string, role models.Role) error {
	req := map[string]any{"scope": ws, "principal": principal, "role": role}
	return c.call(ctx, http.MethodPost, "/api/shares", nil, req, nil)
}

func (c *Client) Unshare(ctx context.Context, ws models.Scope, principal string) error {
	q := ScopeQuery(ws)
	q.Set("principal", principal)
	return c.call(ctx, http.MethodDelete, "/api/shares", q, nil, nil)
}

// Audit returns up to limit of the caller's audit entries, newest first.
func (c *Client) Audit(ctx context.Context, limit int) ([]audit.Entry, error) {
	var result []audit.Entry
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	if err := c.call(ctx, http.MethodGet, "/api/audit", q, nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

type modeBody struct {
	ReadOnly bool `json:"readOnly"`
}

// ReadOnly reports whether the server rejects writes.
func (c *Client) ReadOnly(ctx context.Context) (bool, error) {
	var result modeBody
	if err := c.call(ctx, http.MethodGet, "/api/admin/mode", nil, nil, &result); err != nil {
		return false, err
	}
	return result.ReadOnly, nil
}

func (c *Client) SetReadOnly(ctx context.Context, readOnly bool) error {
	return c.call(ctx, http.MethodPost, "/api/admin/mode", nil, modeBody{ReadOnly: readOnly}, nil)
}

// Watch opens a JSON live session. The caller owns the connection.
func (c *Client) Watch(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.baseURL + "/api/watch")
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	h := http.Header{}
	c.header(h)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), h)
	if err != nil {
		if resp != nil {
			return nil, &APIError{Status: resp.StatusCode, Message: err.Error()}
		}
		return nil, fmt.Errorf("failed to open watch: %w", err)
	}
	return conn, nil
}
