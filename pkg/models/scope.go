package models

import (
	"fmt"

	"github.com/google/uuid"
)

// Level is a depth in the containment hierarchy.
type Level int

const (
	LevelWorkspace Level = iota
	LevelNotebook
	LevelSection
	LevelTopic
	LevelPage

	// LevelNone is returned for an empty scope.
	LevelNone Level = -1
)

// Levels lists every level from the top of the tree down.
var Levels = []Level{LevelWorkspace, LevelNotebook, LevelSection, LevelTopic, LevelPage}

func (l Level) String() string {
	switch l {
	case LevelWorkspace:
		return "workspace"
	case LevelNotebook:
		return "notebook"
	case LevelSection:
		return "section"
	case LevelTopic:
		return "topic"
	case LevelPage:
		return "page"
	case LevelNone:
		return "none"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// ParseLevel converts the String form back into a Level.
func ParseLevel(s string) (Level, error) {
	for _, l := range Levels {
		if l.String() == s {
			return l, nil
		}
	}
	return LevelNone, fmt.Errorf("unknown level %q", s)
}

// Child returns the level directly below l.
func (l Level) Child() Level {
	if l >= LevelPage || l < LevelWorkspace {
		return LevelNone
	}
	return l + 1
}

// Scope addresses a position in the containment tree. The deepest
// non-empty id determines the level; ids below a missing one are ignored.
//
// OwnerID is the principal that owns the workspace, not necessarily the
// caller: a shared workspace lives under its owner's subtree.
type Scope struct {
	OwnerID     string `json:"ownerId"`
	WorkspaceID string `json:"workspaceId,omitempty"`
	NotebookID  string `json:"notebookId,omitempty"`
	SectionID   string `json:"sectionId,omitempty"`
	TopicID     string `json:"topicId,omitempty"`
	PageID      string `json:"pageId,omitempty"`
}

// Level returns the depth addressed by the scope.
func (s Scope) Level() Level {
	switch {
	case s.WorkspaceID == "":
		return LevelNone
	case s.NotebookID == "":
		return LevelWorkspace
	case s.SectionID == "":
		return LevelNotebook
	case s.TopicID == "":
		return LevelSection
	case s.PageID == "":
		return LevelTopic
	default:
		return LevelPage
	}
}

// ID returns the id of the node the scope addresses.
func (s Scope) ID() string {
	switch s.Level() {
	case LevelWorkspace:
		return s.WorkspaceID
	case LevelNotebook:
		return s.NotebookID
	case LevelSection:
		return s.SectionID
	case LevelTopic:
		return s.TopicID
	case LevelPage:
		return s.PageID
	}
	return ""
}

// Parent returns the scope one level up. The parent of a workspace is the
// owner's root (an empty scope with only OwnerID set).
func (s Scope) Parent() Scope {
	return s.Truncate(s.Level() - 1)
}

// Truncate drops every id below level l.
func (s Scope) Truncate(l Level) Scope {
	out := Scope{OwnerID: s.OwnerID}
	if l >= LevelWorkspace {
		out.WorkspaceID = s.WorkspaceID
	}
	if l >= LevelNotebook {
		out.NotebookID = s.NotebookID
	}
	if l >= LevelSection {
		out.SectionID = s.SectionID
	}
	if l >= LevelTopic {
		out.TopicID = s.TopicID
	}
	if l >= LevelPage {
		out.PageID = s.PageID
	}
	return out
}

// Child returns the scope of the child node id below s.
func (s Scope) Child(id string) Scope {
	out := s
	switch s.Level() {
	case LevelNone:
		out.WorkspaceID = id
	case LevelWorkspace:
		out.NotebookID = id
	case LevelSection:
		out.TopicID = id
	case LevelNotebook:
		out.SectionID = id
	case LevelTopic:
		out.PageID = id
	}
	return out
}

// Contains reports whether other lies inside the subtree addressed by s.
func (s Scope) Contains(other Scope) bool {
	if s.OwnerID != other.OwnerID {
		return false
	}
	l := s.Level()
	if l == LevelNone || other.Level() < l {
		return false
	}
	return other.Truncate(l) == s
}

func (s Scope) String() string {
	return fmt.Sprintf("%s:%s/%s/%s/%s/%s", s.OwnerID, s.WorkspaceID, s.NotebookID, s.SectionID, s.TopicID, s.PageID)
}

// NewID returns a new globally unique identifier.
func NewID() string {
	return uuid.NewString()
}
