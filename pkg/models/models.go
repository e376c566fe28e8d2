package models

import (
	"strings"
	"time"
)

// Role is the access level a principal holds on a shared workspace.
type Role string

const (
	RoleOwner     Role = "owner"
	RoleAdmin     Role = "admin"
	RoleEditor    Role = "editor"
	RoleCommenter Role = "commenter"
	RoleViewer    Role = "viewer"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleEditor, RoleCommenter, RoleViewer:
		return true
	}
	return false
}

// Principal identifies the caller of an operation. The id is opaque;
// authentication happens before a Principal is constructed.
type Principal struct {
	ID string `json:"id"`
}

// IsZero reports whether the principal carries no identity.
func (p Principal) IsZero() bool { return strings.TrimSpace(p.ID) == "" }

// Node holds the fields shared by every record in the containment tree.
type Node struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Order     int       `json:"order"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// Workspace is the top-level container, owned by exactly one principal.
// Workspaces are not ordered among themselves; Order stays zero.
type Workspace struct {
	Node
	Slug           string          `json:"slug"`
	Description    string          `json:"description,omitempty"`
	OwnerID        string          `json:"ownerId"`
	LastAccessedAt time.Time       `json:"lastAccessedAt,omitempty"`
	Members        map[string]Role `json:"members,omitempty"`
}

// Notebook is a child of a Workspace.
type Notebook struct {
	Node
}

// Section is a child of a Notebook.
type Section struct {
	Node
}

// Topic is a child of a Section.
type Topic struct {
	Node
}

// Page is the content unit. Besides its containment position under a
// Topic, a page may name another page as its parent. That second tree is
// not validated against the containment tree and may point across topics.
type Page struct {
	Node
	LastUpdated  time.Time `json:"lastUpdated"`
	ParentPageID *string   `json:"parentPageId,omitempty"`
	Owner        string    `json:"owner"`
	Pinned       bool      `json:"pinned,omitempty"`
	// Creating is set while a page is being created and cleared shortly
	// after, so freshly created pages sort to the top of every list.
	Creating bool `json:"creating,omitempty"`
}

// Parent returns the parent page id or "" when the page is a root.
func (p *Page) Parent() string {
	if p.ParentPageID == nil {
		return ""
	}
	return *p.ParentPageID
}

// PageIndexEntry is the reverse index record kept per page under the
// workspace owner. It answers "where does this page live and who owns it"
// without reading the containment tree.
type PageIndexEntry struct {
	WorkspaceID  string    `json:"workspaceId"`
	NotebookID   string    `json:"notebookId"`
	SectionID    string    `json:"sectionId"`
	TopicID      string    `json:"topicId"`
	ParentPageID string    `json:"parentPageId,omitempty"`
	Owner        string    `json:"owner"`
	Name         string    `json:"name"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Scope returns the containment scope of the indexed page.
func (e PageIndexEntry) Scope(ownerID, pageID string) Scope {
	return Scope{
		OwnerID:     ownerID,
		WorkspaceID: e.WorkspaceID,
		NotebookID:  e.NotebookID,
		SectionID:   e.SectionID,
		TopicID:     e.TopicID,
		PageID:      pageID,
	}
}

// SharedWorkspace is stored under the grantee and points back to the
// owner's workspace.
type SharedWorkspace struct {
	OwnerID string `json:"ownerId"`
	Role    Role   `json:"role"`
}

// ContentBlob is the opaque page body kept outside the tree.
type ContentBlob struct {
	Content   string    `json:"content"`
	Owner     string    `json:"owner"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// FoldName is the comparison key used for sibling name uniqueness.
func FoldName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
