// Package search finds tree nodes by name across every workspace a
// principal can reach, owned or shared.
package search

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/surrealdb/notetree/pkg/models"
	"github.com/surrealdb/notetree/pkg/paths"
	"github.com/surrealdb/notetree/pkg/store"
)

// Ancestor is one link of a match's ancestor chain.
type Ancestor struct {
	Level models.Level `json:"level"`
	ID    string       `json:"id"`
	Name  string       `json:"name"`
}

// Match is a node whose name contains the query.
type Match struct {
	Level models.Level `json:"level"`
	ID    string       `json:"id"`
	Name  string       `json:"name"`
	Scope models.Scope `json:"scope"`
	// Ancestors runs from the workspace down to the direct parent.
	Ancestors []Ancestor `json:"ancestors"`
}

// Path renders the ancestor chain and the match name joined by sep.
func (m Match) Path(sep string) string {
	parts := make([]string, 0, len(m.Ancestors)+1)
	for _, a := range m.Ancestors {
		parts = append(parts, a.Name)
	}
	return strings.Join(append(parts, m.Name), sep)
}

type Option func(*Searcher)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Searcher) { s.logger = l }
}

// WithLimit caps the number of matches returned. Zero means no cap.
func WithLimit(n int) Option {
	return func(s *Searcher) { s.limit = n }
}

// Searcher runs name searches against a store. It keeps nothing between
// calls.
type Searcher struct {
	store  store.Store
	logger zerolog.Logger
	limit  int
}

func New(st store.Store, opts ...Option) *Searcher {
	s := &Searcher{store: st, logger: zerolog.Nop()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Search returns every workspace, notebook, section, topic and page
// reachable by p whose name contains query, ignoring case. A blank query
// matches nothing. Matches come in tree order, workspaces first.
func (s *Searcher) Search(ctx context.Context, p models.Principal, query string) ([]Match, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil, nil
	}
	roots, err := s.roots(ctx, p)
	if err != nil {
		return nil, err
	}

	var out []Match
	for _, root := range roots {
		node, err := s.store.Read(ctx, paths.Node(root))
		if err != nil {
			return nil, err
		}
		if node == nil {
			continue
		}
		if s.walk(root, node, q, nil, &out) {
			break
		}
	}
	return out, nil
}

// roots lists the owned workspaces and then the shared ones.
func (s *Searcher) roots(ctx context.Context, p models.Principal) ([]models.Scope, error) {
	owned, err := s.store.Read(ctx, paths.Workspaces(p.ID))
	if err != nil {
		return nil, err
	}
	var out []models.Scope
	for _, id := range sortedKeys(store.AsMap(owned)) {
		out = append(out, models.Scope{OwnerID: p.ID, WorkspaceID: id})
	}

	shared, err := s.store.Read(ctx, paths.SharedWorkspaces(p.ID))
	if err != nil {
		return nil, err
	}
	entries := store.AsMap(shared)
	for _, id := range sortedKeys(entries) {
		var sw models.SharedWorkspace
		if err := store.Decode(entries[id], &sw); err != nil || sw.OwnerID == "" {
			s.logger.Warn().Err(err).Str("workspace", id).Msg("skipping malformed shared workspace entry")
			continue
		}
		out = append(out, models.Scope{OwnerID: sw.OwnerID, WorkspaceID: id})
	}
	return out, nil
}

// walk appends matches in the subtree at sc. It reports true once the
// limit is reached.
func (s *Searcher) walk(sc models.Scope, node any, q string, chain []Ancestor, out *[]Match) bool {
	m := store.AsMap(node)
	if m == nil {
		return false
	}
	name, _ := m["name"].(string)
	if strings.Contains(strings.ToLower(name), q) {
		*out = append(*out, Match{
			Level:     sc.Level(),
			ID:        sc.ID(),
			Name:      name,
			Scope:     sc,
			Ancestors: append([]Ancestor(nil), chain...),
		})
		if s.limit > 0 && len(*out) >= s.limit {
			return true
		}
	}

	coll := paths.Collection(sc.Level())
	if coll == "" {
		return false
	}
	chain = append(chain, Ancestor{Level: sc.Level(), ID: sc.ID(), Name: name})
	children := store.AsMap(m[coll])
	for _, id := range orderedChildren(children) {
		if s.walk(sc.Child(id), children[id], q, chain, out) {
			return true
		}
	}
	return false
}

// orderedChildren sorts by the order field, then name, then id.
func orderedChildren(children map[string]any) []string {
	ids := sortedKeys(children)
	key := func(id string) (float64, string) {
		m := store.AsMap(children[id])
		o, _ := m["order"].(float64)
		n, _ := m["name"].(string)
		return o, strings.ToLower(n)
	}
	sort.SliceStable(ids, func(i, j int) bool {
		oi, ni := key(ids[i])
		oj, nj := key(ids[j])
		if oi != oj {
			return oi < oj
		}
		return ni < nj
	})
	return ids
}

func sortedKeys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Sequencer hands out monotonically increasing request numbers so a caller
// running overlapping searches applies only the newest result.
type Sequencer struct {
	mu     sync.Mutex
	issued uint64
}

// Next starts a request and returns its number.
func (q *Sequencer) Next() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.issued++
	return q.issued
}

// Latest reports whether n is still the most recent request.
func (q *Sequencer) Latest(n uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return n == q.issued
}

// Apply runs fn only when n is the most recent request, holding the
// sequencer lock so a newer request cannot slip in between the check and
// fn. It reports whether fn ran.
func (q *Sequencer) Apply(n uint64, fn func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n != q.issued {
		return false
	}
	fn()
	return true
}
