// Package cascade deletes a node together with every record that only
// exists because of it.
//
// Two tree shapes are involved. The containment tree (workspace down to
// page) is walked directly. The page-parent tree is walked breadth-first
// over an adjacency index built from the owner's page index, topped up by
// scanning the pages of each visited topic so stale or missing index
// entries still lead to their children. A visited set bounds the walk, so
// malformed or cyclic parentPageId links terminate.
//
// Pages are deleted leaves-first in reverse discovery order. Each step of
// each page is independent: a failure is recorded and the cascade moves
// on. Only a failure to delete the root node itself is returned as an
// error.
package cascade

import (
	"context"
	"slices"
	"sort"

	"github.com/rs/zerolog"

	"github.com/surrealdb/notetree/pkg/models"
	"github.com/surrealdb/notetree/pkg/paths"
	"github.com/surrealdb/notetree/pkg/peripheral"
	"github.com/surrealdb/notetree/pkg/store"
)

// Step names one deletion step of a page.
type Step string

const (
	StepContent    Step = "content"
	StepPeripheral Step = "peripheral"
	StepNode       Step = "node"
	StepIndex      Step = "index"
	StepShare      Step = "share"
)

// ContentDeleter removes page bodies.
type ContentDeleter interface {
	DeleteContent(ctx context.Context, pageID string) error
}

// Failure is a swallowed error from one step of one page.
type Failure struct {
	PageID string `json:"pageId"`
	Step   Step   `json:"step"`
	Err    error  `json:"-"`
}

// Result reports what a cascade did.
type Result struct {
	Root         models.Scope `json:"root"`
	DeletedPages []string     `json:"deletedPages"`
	Failures     []Failure    `json:"failures,omitempty"`
}

// Target is a page scheduled for deletion.
type Target struct {
	Scope models.Scope
	// Orphan is set for index entries with no containment node behind
	// them. Only their index entry and content are removed.
	Orphan bool
}

// Plan is the ordered set of pages a delete will remove. Pages are listed
// leaves-first.
type Plan struct {
	Root  models.Scope
	Pages []Target
	// Members of a deleted workspace, whose shared entries go too.
	Members []string
}

// PageIDs returns the planned page ids in deletion order.
func (p *Plan) PageIDs() []string {
	out := make([]string, len(p.Pages))
	for i, t := range p.Pages {
		out[i] = t.Scope.PageID
	}
	return out
}

type Option func(*Resolver)

func WithLogger(l zerolog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

func WithCleaner(c peripheral.Cleaner) Option {
	return func(r *Resolver) { r.cleaner = c }
}

// Resolver computes and executes cascading deletes.
type Resolver struct {
	store   store.Store
	content ContentDeleter
	cleaner peripheral.Cleaner
	logger  zerolog.Logger
}

func New(st store.Store, content ContentDeleter, opts ...Option) *Resolver {
	r := &Resolver{
		store:   st,
		content: content,
		cleaner: peripheral.Noop{},
		logger:  zerolog.Nop(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// pageRef is what the walk knows about a page.
type pageRef struct {
	scope  models.Scope
	parent string
	orphan bool
}

type walker struct {
	r      *Resolver
	refs   map[string]*pageRef
	byPar  map[string][]string
	topics map[models.Scope]bool
}

// Plan computes the pages a delete of s would remove, without writing.
func (r *Resolver) Plan(ctx context.Context, s models.Scope) (*Plan, error) {
	if s.Level() == models.LevelNone {
		return nil, models.Invalid("delete", "nothing addressed")
	}
	root, err := r.store.Read(ctx, paths.Node(s))
	if err != nil {
		return nil, err
	}
	if root == nil {
		return nil, &models.NotFoundError{Kind: s.Level().String(), ID: s.ID()}
	}

	w := &walker{
		r:      r,
		refs:   map[string]*pageRef{},
		byPar:  map[string][]string{},
		topics: map[models.Scope]bool{},
	}

	// Containment walk.
	var contained []string
	collectPages(s, root, func(ps models.Scope, node map[string]any) {
		id := ps.PageID
		w.refs[id] = &pageRef{scope: ps, parent: parentOf(node)}
		contained = append(contained, id)
		if s.Level() <= models.LevelTopic {
			// The walk already read every page of this topic.
			w.topics[ps.Truncate(models.LevelTopic)] = true
		}
	})

	// Reverse adjacency from the index. A failed index read leaves the
	// sibling scans as the only source of parent links.
	index, err := r.store.Read(ctx, paths.PageIndex(s.OwnerID))
	if err != nil {
		r.logger.Warn().Err(err).Str("owner", s.OwnerID).Msg("cascade: page index unavailable")
	}
	var stale []string
	for _, id := range sortedKeys(store.AsMap(index)) {
		var e models.PageIndexEntry
		if err := store.Decode(store.AsMap(index)[id], &e); err != nil {
			continue
		}
		if e.ParentPageID != "" {
			w.byPar[e.ParentPageID] = append(w.byPar[e.ParentPageID], id)
		}
		ps := e.Scope(s.OwnerID, id)
		if _, ok := w.refs[id]; ok {
			continue
		}
		w.refs[id] = &pageRef{scope: ps, parent: e.ParentPageID, orphan: true}
		if s.Level() != models.LevelPage && s.Contains(ps) {
			stale = append(stale, id)
		}
	}
	for _, id := range contained {
		if p := w.refs[id].parent; p != "" {
			w.addEdge(p, id)
		}
	}

	// Seeds are contained pages whose parent is outside the set, so parents
	// are discovered before their children.
	inSet := make(map[string]bool, len(contained))
	for _, id := range contained {
		inSet[id] = true
	}
	var seeds []string
	for _, id := range contained {
		if p := w.refs[id].parent; p == "" || !inSet[p] || p == id {
			seeds = append(seeds, id)
		}
	}

	visited := map[string]bool{}
	var order []string
	bfs := func(start string) {
		if visited[start] {
			return
		}
		visited[start] = true
		queue := []string{start}
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			order = append(order, id)
			for _, child := range w.children(ctx, id) {
				if visited[child] {
					continue
				}
				visited[child] = true
				queue = append(queue, child)
			}
		}
	}
	for _, id := range seeds {
		bfs(id)
	}
	// Whatever is left sits on a cycle wholly inside the set.
	for _, id := range contained {
		bfs(id)
	}
	for _, id := range stale {
		bfs(id)
	}

	plan := &Plan{Root: s}
	for i := len(order) - 1; i >= 0; i-- {
		ref := w.refs[order[i]]
		plan.Pages = append(plan.Pages, Target{Scope: ref.scope, Orphan: ref.orphan && !inSet[order[i]]})
	}
	if s.Level() == models.LevelWorkspace {
		plan.Members = sortedKeys(store.AsMap(store.Get(root, "members")))
	}
	return plan, nil
}

func (w *walker) addEdge(parent, child string) {
	if !slices.Contains(w.byPar[parent], child) {
		w.byPar[parent] = append(w.byPar[parent], child)
	}
}

// children returns every page known to name id as its parent, scanning the
// topic that holds id for links the index missed.
func (w *walker) children(ctx context.Context, id string) []string {
	if ref, ok := w.refs[id]; ok && ref.scope.Level() == models.LevelPage {
		w.scanTopic(ctx, ref.scope.Truncate(models.LevelTopic))
	}
	return w.byPar[id]
}

func (w *walker) scanTopic(ctx context.Context, topic models.Scope) {
	if w.topics[topic] {
		return
	}
	w.topics[topic] = true
	v, err := w.r.store.Read(ctx, paths.Children(topic))
	if err != nil {
		w.r.logger.Warn().Err(err).Str("topic", topic.TopicID).Msg("cascade: sibling scan failed")
		return
	}
	pages := store.AsMap(v)
	for _, pid := range sortedKeys(pages) {
		node := store.AsMap(pages[pid])
		parent := parentOf(node)
		if ref, ok := w.refs[pid]; ok {
			ref.orphan = false
			if ref.parent == "" {
				ref.parent = parent
			}
		} else {
			w.refs[pid] = &pageRef{scope: topic.Child(pid), parent: parent}
		}
		if parent != "" {
			w.addEdge(parent, pid)
		}
	}
}

// Delete removes s and everything depending on it.
func (r *Resolver) Delete(ctx context.Context, s models.Scope) (*Result, error) {
	plan, err := r.Plan(ctx, s)
	if err != nil {
		return nil, err
	}
	return r.Execute(ctx, plan)
}

// Execute runs a plan. Per-page failures are collected in the result; the
// returned error is set only when the root node could not be deleted.
func (r *Resolver) Execute(ctx context.Context, plan *Plan) (*Result, error) {
	res := &Result{Root: plan.Root}
	owner := plan.Root.OwnerID
	var rootErr error

	for _, t := range plan.Pages {
		id := t.Scope.PageID
		log := r.logger.With().Str("page", id).Logger()

		if err := r.content.DeleteContent(ctx, id); err != nil {
			log.Warn().Err(err).Str("step", string(StepContent)).Msg("cascade step failed")
			res.Failures = append(res.Failures, Failure{PageID: id, Step: StepContent, Err: err})
		}
		if err := r.cleaner.CleanupPage(ctx, owner, id); err != nil {
			log.Warn().Err(err).Str("step", string(StepPeripheral)).Msg("cascade step failed")
			res.Failures = append(res.Failures, Failure{PageID: id, Step: StepPeripheral, Err: err})
		}
		if !t.Orphan {
			if err := r.store.Delete(ctx, paths.Node(t.Scope)); err != nil {
				log.Warn().Err(err).Str("step", string(StepNode)).Msg("cascade step failed")
				res.Failures = append(res.Failures, Failure{PageID: id, Step: StepNode, Err: err})
				if t.Scope == plan.Root {
					rootErr = err
				}
			}
		}
		if err := r.store.Delete(ctx, paths.PageIndexEntry(owner, id)); err != nil {
			log.Warn().Err(err).Str("step", string(StepIndex)).Msg("cascade step failed")
			res.Failures = append(res.Failures, Failure{PageID: id, Step: StepIndex, Err: err})
		}
		res.DeletedPages = append(res.DeletedPages, id)
	}

	if plan.Root.Level() != models.LevelPage {
		if err := r.store.Delete(ctx, paths.Node(plan.Root)); err != nil {
			return res, err
		}
	}
	for _, m := range plan.Members {
		if err := r.store.Delete(ctx, paths.SharedWorkspace(m, plan.Root.WorkspaceID)); err != nil {
			r.logger.Warn().Err(err).Str("member", m).Msg("cascade: shared workspace entry not removed")
			res.Failures = append(res.Failures, Failure{Step: StepShare, Err: err})
		}
	}
	return res, rootErr
}

// collectPages calls fn for every page below the node at s, whose stored
// value is node.
func collectPages(s models.Scope, node any, fn func(models.Scope, map[string]any)) {
	if s.Level() == models.LevelPage {
		fn(s, store.AsMap(node))
		return
	}
	coll := paths.Collection(s.Level())
	children := store.AsMap(store.AsMap(node)[coll])
	for _, id := range sortedKeys(children) {
		collectPages(s.Child(id), children[id], fn)
	}
}

func parentOf(node map[string]any) string {
	p, _ := node["parentPageId"].(string)
	return p
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
