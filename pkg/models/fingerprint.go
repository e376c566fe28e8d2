package models

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// SortKey carries the fields list ordering depends on.
type SortKey struct {
	ID        string
	Order     int
	CreatedAt time.Time
	UpdatedAt time.Time
	Pinned    bool
	Creating  bool
}

func (n Node) SortKey() SortKey {
	return SortKey{ID: n.ID, Order: n.Order, CreatedAt: n.CreatedAt, UpdatedAt: n.UpdatedAt}
}

// Fingerprint is a compact composite of the fields a list view shows. Two
// records with the same fingerprint render identically.
func (n Node) Fingerprint() string {
	return fingerprint(n.ID, n.Name, strconv.Itoa(n.Order), stamp(n.CreatedAt), stamp(n.UpdatedAt))
}

func (w Workspace) Fingerprint() string {
	return fingerprint(w.Node.Fingerprint(), w.Slug, w.Description, stamp(w.LastAccessedAt), members(w.Members))
}

// members renders membership as sorted principal:role pairs so a role
// change alone alters the fingerprint.
func members(m map[string]Role) string {
	pairs := make([]string, 0, len(m))
	for principal, role := range m {
		pairs = append(pairs, principal+":"+string(role))
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}

func (p Page) SortKey() SortKey {
	return SortKey{
		ID:        p.ID,
		Order:     p.Order,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.LastUpdated,
		Pinned:    p.Pinned,
		Creating:  p.Creating,
	}
}

func (p Page) Fingerprint() string {
	return fingerprint(
		p.Node.Fingerprint(),
		stamp(p.LastUpdated),
		p.Parent(),
		strconv.FormatBool(p.Pinned),
		strconv.FormatBool(p.Creating),
	)
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return strconv.FormatInt(t.UnixNano(), 36)
}

func fingerprint(parts ...string) string {
	return strings.Join(parts, "\x1f")
}
