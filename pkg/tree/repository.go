// Package tree implements create, rename, reorder and delete for every
// level of the containment hierarchy, plus the page-only operations
// SetPageParent and TogglePinned.
//
// Invariant checks (sibling name uniqueness, dense ordering, parent
// existence, no self or cyclic page parents) run before any write, so a
// rejected call leaves no partial state. They are best-effort against
// concurrent writers: two racing creates with the same name can both pass.
//
// Every successful mutation is reported to an [audit.Recorder]. Audit and
// ancestor name lookups never fail the mutation.
package tree

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/surrealdb/notetree/pkg/audit"
	"github.com/surrealdb/notetree/pkg/cascade"
	"github.com/surrealdb/notetree/pkg/content"
	"github.com/surrealdb/notetree/pkg/models"
	"github.com/surrealdb/notetree/pkg/paths"
	"github.com/surrealdb/notetree/pkg/store"
)

// DefaultCreatingTTL is how long a new page keeps its creating flag.
const DefaultCreatingTTL = 2 * time.Second

type Option func(*Repository)

func WithLogger(l zerolog.Logger) Option {
	return func(r *Repository) { r.logger = l }
}

func WithAudit(a audit.Recorder) Option {
	return func(r *Repository) { r.audit = a }
}

func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

// WithIDs overrides id generation.
func WithIDs(newID func() string) Option {
	return func(r *Repository) { r.newID = newID }
}

// WithCreatingTTL sets how long new pages stay flagged as creating. Zero
// clears the flag as soon as creation completes.
func WithCreatingTTL(d time.Duration) Option {
	return func(r *Repository) { r.creatingTTL = d }
}

// Repository mutates the tree held in a store.
type Repository struct {
	store   store.Store
	content *content.Store
	cascade *cascade.Resolver
	audit   audit.Recorder
	logger  zerolog.Logger

	now         func() time.Time
	newID       func() string
	creatingTTL time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// New creates a Repository. The cascade resolver handles every delete.
func New(st store.Store, c *content.Store, resolver *cascade.Resolver, opts ...Option) *Repository {
	r := &Repository{
		store:       st,
		content:     c,
		cascade:     resolver,
		audit:       audit.Discard,
		logger:      zerolog.Nop(),
		now:         time.Now,
		newID:       models.NewID,
		creatingTTL: DefaultCreatingTTL,
		timers:      map[string]*time.Timer{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Close stops pending creating-flag timers and clears those flags.
func (r *Repository) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	pending := make([]string, 0, len(r.timers))
	for p, t := range r.timers {
		if t.Stop() {
			pending = append(pending, p)
		}
		delete(r.timers, p)
	}
	r.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	updates := make(map[string]any, len(pending))
	for _, p := range pending {
		updates[paths.Join(p, "creating")] = nil
	}
	return r.store.Update(ctx, updates)
}

// node is the decoded common part of any tree record plus the raw value.
type node struct {
	models.Node
	ParentPageID string `json:"parentPageId,omitempty"`
}

// siblings reads the children of parent. Unreadable entries are skipped.
func (r *Repository) siblings(ctx context.Context, parent models.Scope) (map[string]node, error) {
	v, err := r.store.Read(ctx, paths.Children(parent))
	if err != nil {
		return nil, err
	}
	raw := store.AsMap(v)
	out := make(map[string]node, len(raw))
	for id, child := range raw {
		var n node
		if err := store.Decode(child, &n); err != nil {
			r.logger.Warn().Err(err).Str("id", id).Msg("skipping undecodable node")
			continue
		}
		n.ID = id
		out[id] = n
	}
	return out, nil
}

// checkName fails with DuplicateNameError when a sibling other than
// except already uses name.
func checkName(level models.Level, sibs map[string]node, name, except string) error {
	key := models.FoldName(name)
	for id, n := range sibs {
		if id != except && models.FoldName(n.Name) == key {
			return &models.DuplicateNameError{Level: level, Name: name}
		}
	}
	return nil
}

func nextOrder(sibs map[string]node) int {
	next := 0
	for _, n := range sibs {
		if n.Order+1 > next {
			next = n.Order + 1
		}
	}
	return next
}

func validName(op, name string) error {
	if models.FoldName(name) == "" {
		return models.Invalid(op, "name must not be empty")
	}
	return nil
}

// exists reports whether a node is stored at s.
func (r *Repository) exists(ctx context.Context, s models.Scope) (bool, error) {
	v, err := r.store.Read(ctx, paths.Join(paths.Node(s), "createdAt"))
	if err != nil {
		return false, err
	}
	return v != nil, nil
}

func (r *Repository) requireNode(ctx context.Context, s models.Scope) error {
	ok, err := r.exists(ctx, s)
	if err != nil {
		return err
	}
	if !ok {
		return &models.NotFoundError{Kind: s.Level().String(), ID: s.ID()}
	}
	return nil
}

// Create adds a child named name under parent and returns its id. An empty
// parent scope creates a workspace for parent.OwnerID; a topic scope
// creates a root page.
func (r *Repository) Create(ctx context.Context, p models.Principal, parent models.Scope, name string) (string, error) {
	switch parent.Level() {
	case models.LevelNone:
		return r.CreateWorkspace(ctx, p, parent.OwnerID, name, "")
	case models.LevelTopic:
		return r.CreatePage(ctx, p, parent, name, "")
	case models.LevelPage:
		return "", models.Invalid("create", "pages have no containment children")
	}
	return r.createChild(ctx, p, parent, name)
}

func (r *Repository) createChild(ctx context.Context, p models.Principal, parent models.Scope, name string) (string, error) {
	level := parent.Level().Child()
	if err := validName("create", name); err != nil {
		return "", err
	}
	if err := r.requireNode(ctx, parent); err != nil {
		return "", err
	}
	sibs, err := r.siblings(ctx, parent)
	if err != nil {
		return "", err
	}
	if err := checkName(level, sibs, name, ""); err != nil {
		return "", err
	}

	now := r.now()
	id := r.newID()
	n := models.Node{ID: id, Name: name, Order: nextOrder(sibs), CreatedAt: now, UpdatedAt: now}
	v, err := store.Encode(n)
	if err != nil {
		return "", err
	}
	s := parent.Child(id)
	if err := r.store.Write(ctx, paths.Node(s), v); err != nil {
		return "", err
	}
	r.record(ctx, p, audit.ActionCreate, s, "")
	return id, nil
}

// Rename changes the name of the node at s.
func (r *Repository) Rename(ctx context.Context, p models.Principal, s models.Scope, name string) error {
	if s.Level() == models.LevelWorkspace {
		return r.renameWorkspace(ctx, p, s, name)
	}
	if s.Level() == models.LevelNone {
		return models.Invalid("rename", "nothing addressed")
	}
	if err := validName("rename", name); err != nil {
		return err
	}
	if err := r.requireNode(ctx, s); err != nil {
		return err
	}
	sibs, err := r.siblings(ctx, s.Parent())
	if err != nil {
		return err
	}
	if err := checkName(s.Level(), sibs, name, s.ID()); err != nil {
		return err
	}

	now, err := store.Encode(r.now())
	if err != nil {
		return err
	}
	base := paths.Node(s)
	updates := map[string]any{
		paths.Join(base, "name"):      name,
		paths.Join(base, "updatedAt"): now,
	}
	if s.Level() == models.LevelPage {
		updates[paths.Join(base, "lastUpdated")] = now
		if err := r.patchIndex(ctx, s, updates, map[string]any{"name": name, "updatedAt": now}); err != nil {
			return err
		}
	}
	if err := r.store.Update(ctx, updates); err != nil {
		return err
	}
	r.record(ctx, p, audit.ActionRename, s, "")
	return nil
}

// Reorder sets order = position for every id in ids, which must all be
// children of parent. Callers pass the full desired order. Workspaces carry
// no order, so an owner scope is rejected.
func (r *Repository) Reorder(ctx context.Context, p models.Principal, parent models.Scope, ids []string) error {
	if parent.Level() == models.LevelNone || parent.Level() == models.LevelPage {
		return models.Invalid("reorder", "%s children are not ordered", parent.Level())
	}
	if len(ids) == 0 {
		return nil
	}
	sibs, err := r.siblings(ctx, parent)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			return models.Invalid("reorder", "id %s listed twice", id)
		}
		seen[id] = true
		if _, ok := sibs[id]; !ok {
			return models.Invalid("reorder", "%s is not a child of %s", id, parent.ID())
		}
	}

	updates := make(map[string]any, len(ids))
	for i, id := range ids {
		if sibs[id].Order != i {
			updates[paths.Join(paths.Node(parent.Child(id)), "order")] = i
		}
	}
	if len(updates) > 0 {
		if err := r.store.Update(ctx, updates); err != nil {
			return err
		}
	}
	r.record(ctx, p, audit.ActionReorder, parent, "")
	return nil
}

// Delete removes the node at s and everything depending on it.
func (r *Repository) Delete(ctx context.Context, p models.Principal, s models.Scope) (*cascade.Result, error) {
	// The path is resolved before the names disappear.
	where := r.describe(ctx, s)
	res, err := r.cascade.Delete(ctx, s)
	if err != nil {
		return res, err
	}
	r.stopCreating(s)
	r.recordPath(p, audit.ActionDelete, s, where, "")
	return res, nil
}

// describe builds the human readable ancestor path of s, ending with s.
func (r *Repository) describe(ctx context.Context, s models.Scope) string {
	names := make([]string, 0, 5)
	for l := models.LevelWorkspace; l <= s.Level(); l++ {
		a := s.Truncate(l)
		v, err := r.store.Read(ctx, paths.Join(paths.Node(a), "name"))
		if err != nil {
			r.logger.Debug().Err(err).Str("id", a.ID()).Msg("ancestor name lookup failed")
		}
		n, _ := v.(string)
		names = append(names, n)
	}
	return audit.FormatPath(names...)
}

func (r *Repository) record(ctx context.Context, p models.Principal, action audit.Action, s models.Scope, detail string) {
	r.recordPath(p, action, s, r.describe(ctx, s), detail)
}

func (r *Repository) recordPath(p models.Principal, action audit.Action, s models.Scope, where, detail string) {
	r.audit.Record(audit.Entry{
		Principal:  p.ID,
		Action:     action,
		TargetID:   s.ID(),
		TargetType: s.Level().String(),
		Path:       where,
		Detail:     detail,
		Timestamp:  r.now(),
	})
}

// children decodes every child of parent into T, ordered by (order,
// createdAt, id).
func children[T any](ctx context.Context, r *Repository, parent models.Scope) ([]T, error) {
	v, err := r.store.Read(ctx, paths.Children(parent))
	if err != nil {
		return nil, err
	}
	raw := store.AsMap(v)
	type keyed struct {
		n   node
		val T
	}
	list := make([]keyed, 0, len(raw))
	for id, child := range raw {
		var k keyed
		if err := store.Decode(child, &k.n); err != nil {
			continue
		}
		if err := store.Decode(child, &k.val); err != nil {
			continue
		}
		k.n.ID = id
		list = append(list, k)
	}
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i].n, list[j].n
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	out := make([]T, len(list))
	for i, k := range list {
		out[i] = k.val
	}
	return out, nil
}

func (r *Repository) Notebooks(ctx context.Context, ws models.Scope) ([]models.Notebook, error) {
	return children[models.Notebook](ctx, r, ws.Truncate(models.LevelWorkspace))
}

func (r *Repository) Sections(ctx context.Context, nb models.Scope) ([]models.Section, error) {
	return children[models.Section](ctx, r, nb.Truncate(models.LevelNotebook))
}

func (r *Repository) Topics(ctx context.Context, sec models.Scope) ([]models.Topic, error) {
	return children[models.Topic](ctx, r, sec.Truncate(models.LevelSection))
}

func (r *Repository) Pages(ctx context.Context, tp models.Scope) ([]models.Page, error) {
	return children[models.Page](ctx, r, tp.Truncate(models.LevelTopic))
}

// Get decodes the node at s into out and reports NotFoundError when
// nothing is stored there.
func (r *Repository) Get(ctx context.Context, s models.Scope, out any) error {
	v, err := r.store.Read(ctx, paths.Node(s))
	if err != nil {
		return err
	}
	if v == nil {
		return &models.NotFoundError{Kind: s.Level().String(), ID: s.ID()}
	}
	if err := store.Decode(v, out); err != nil {
		return models.WrapStore("decode", paths.Node(s), err)
	}
	return nil
}

// Store returns the underlying store.
func (r *Repository) Store() store.Store {
	return r.store
}
