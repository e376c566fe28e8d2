// Package paths derives storage paths from a node's position in the
// hierarchy. Nothing here touches a store; every function is pure.
//
// The layout is:
//
//	users/{owner}/workspaces/{ws}
//	users/{owner}/workspaces/{ws}/members/{principal}
//	users/{owner}/workspaces/{ws}/notebooks/{nb}
//	.../notebooks/{nb}/sections/{sec}
//	.../sections/{sec}/topics/{tp}
//	.../topics/{tp}/pages/{pg}
//	users/{owner}/pageIndex/{pg}
//	users/{principal}/sharedWorkspaces/{ws}
//	users/{principal}/auditLog/{id}
//	content/{pg}
package paths

import (
	"strings"

	"github.com/surrealdb/notetree/pkg/models"
)

// Separator joins path segments.
const Separator = "/"

const (
	segUsers            = "users"
	segWorkspaces       = "workspaces"
	segMembers          = "members"
	segNotebooks        = "notebooks"
	segSections         = "sections"
	segTopics           = "topics"
	segPages            = "pages"
	segPageIndex        = "pageIndex"
	segSharedWorkspaces = "sharedWorkspaces"
	segAuditLog         = "auditLog"
	segContent          = "content"
)

// Join concatenates non-empty segments.
func Join(segments ...string) string {
	out := make([]string, 0, len(segments))
	for _, s := range segments {
		s = strings.Trim(s, Separator)
		if s != "" {
			out = append(out, s)
		}
	}
	return strings.Join(out, Separator)
}

// Split returns the segments of p, ignoring empty ones.
func Split(p string) []string {
	if p == "" {
		return nil
	}
	parts := strings.Split(p, Separator)
	out := parts[:0]
	for _, s := range parts {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// HasPrefix reports whether p equals prefix or lies below it.
func HasPrefix(p, prefix string) bool {
	if prefix == "" {
		return true
	}
	return p == prefix || strings.HasPrefix(p, prefix+Separator)
}

// User returns the root of a principal's subtree.
func User(principal string) string {
	return Join(segUsers, principal)
}

// Workspaces returns the collection holding an owner's workspaces.
func Workspaces(owner string) string {
	return Join(segUsers, owner, segWorkspaces)
}

// Workspace returns the path of a workspace record.
func Workspace(owner, ws string) string {
	return Join(Workspaces(owner), ws)
}

// Members returns the membership collection of a workspace.
func Members(owner, ws string) string {
	return Join(Workspace(owner, ws), segMembers)
}

// Member returns the path of one membership entry.
func Member(owner, ws, principal string) string {
	return Join(Members(owner, ws), principal)
}

func Notebooks(owner, ws string) string {
	return Join(Workspace(owner, ws), segNotebooks)
}

func Notebook(owner, ws, nb string) string {
	return Join(Notebooks(owner, ws), nb)
}

func Sections(owner, ws, nb string) string {
	return Join(Notebook(owner, ws, nb), segSections)
}

func Section(owner, ws, nb, sec string) string {
	return Join(Sections(owner, ws, nb), sec)
}

func Topics(owner, ws, nb, sec string) string {
	return Join(Section(owner, ws, nb, sec), segTopics)
}

func Topic(owner, ws, nb, sec, tp string) string {
	return Join(Topics(owner, ws, nb, sec), tp)
}

func Pages(owner, ws, nb, sec, tp string) string {
	return Join(Topic(owner, ws, nb, sec, tp), segPages)
}

func Page(owner, ws, nb, sec, tp, pg string) string {
	return Join(Pages(owner, ws, nb, sec, tp), pg)
}

// PageIndex returns the owner's reverse page index collection.
func PageIndex(owner string) string {
	return Join(segUsers, owner, segPageIndex)
}

// PageIndexEntry returns the reverse index record of one page.
func PageIndexEntry(owner, pg string) string {
	return Join(PageIndex(owner), pg)
}

// SharedWorkspaces returns the collection of workspaces shared with a principal.
func SharedWorkspaces(principal string) string {
	return Join(segUsers, principal, segSharedWorkspaces)
}

func SharedWorkspace(principal, ws string) string {
	return Join(SharedWorkspaces(principal), ws)
}

// AuditLog returns a principal's audit collection.
func AuditLog(principal string) string {
	return Join(segUsers, principal, segAuditLog)
}

func AuditEntry(principal, id string) string {
	return Join(AuditLog(principal), id)
}

// Content returns the path of a page's content blob.
func Content(pg string) string {
	return Join(segContent, pg)
}

// Node returns the record path of the node addressed by s, or "" for an
// empty scope.
func Node(s models.Scope) string {
	switch s.Level() {
	case models.LevelWorkspace:
		return Workspace(s.OwnerID, s.WorkspaceID)
	case models.LevelNotebook:
		return Notebook(s.OwnerID, s.WorkspaceID, s.NotebookID)
	case models.LevelSection:
		return Section(s.OwnerID, s.WorkspaceID, s.NotebookID, s.SectionID)
	case models.LevelTopic:
		return Topic(s.OwnerID, s.WorkspaceID, s.NotebookID, s.SectionID, s.TopicID)
	case models.LevelPage:
		return Page(s.OwnerID, s.WorkspaceID, s.NotebookID, s.SectionID, s.TopicID, s.PageID)
	}
	return ""
}

// Children returns the collection holding the children of the node
// addressed by s. For an empty scope it is the owner's workspace list;
// pages have no child collection and yield "".
func Children(s models.Scope) string {
	switch s.Level() {
	case models.LevelNone:
		return Workspaces(s.OwnerID)
	case models.LevelWorkspace:
		return Notebooks(s.OwnerID, s.WorkspaceID)
	case models.LevelNotebook:
		return Sections(s.OwnerID, s.WorkspaceID, s.NotebookID)
	case models.LevelSection:
		return Topics(s.OwnerID, s.WorkspaceID, s.NotebookID, s.SectionID)
	case models.LevelTopic:
		return Pages(s.OwnerID, s.WorkspaceID, s.NotebookID, s.SectionID, s.TopicID)
	}
	return ""
}

// Parse recovers the scope of a containment node path. It reports false
// for anything that is not a workspace, notebook, section, topic or page
// record path.
func Parse(p string) (models.Scope, bool) {
	seg := Split(p)
	if len(seg) < 4 || seg[0] != segUsers || seg[2] != segWorkspaces {
		return models.Scope{}, false
	}
	s := models.Scope{OwnerID: seg[1], WorkspaceID: seg[3]}
	rest := seg[4:]
	names := []string{segNotebooks, segSections, segTopics, segPages}
	ids := []*string{&s.NotebookID, &s.SectionID, &s.TopicID, &s.PageID}
	for i := 0; len(rest) > 0; i++ {
		if i >= len(names) || len(rest) < 2 || rest[0] != names[i] {
			return models.Scope{}, false
		}
		*ids[i] = rest[1]
		rest = rest[2:]
	}
	return s, true
}

// Collection returns the segment under which the children of a level-l
// node are stored, or "" for pages.
func Collection(l models.Level) string {
	switch l {
	case models.LevelNone:
		return segWorkspaces
	case models.LevelWorkspace:
		return segNotebooks
	case models.LevelNotebook:
		return segSections
	case models.LevelSection:
		return segTopics
	case models.LevelTopic:
		return segPages
	}
	return ""
}
