package syncengine

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/surrealdb/notetree/pkg/models"
	"github.com/surrealdb/notetree/pkg/observe"
	"github.com/surrealdb/notetree/pkg/paths"
	"github.com/surrealdb/notetree/pkg/store"
)

// record is implemented by every model a level can hold.
type record interface {
	models.Workspace | models.Notebook | models.Section | models.Topic | models.Page
	SortKey() models.SortKey
	Fingerprint() string
}

// View is the published state of one level.
type View[T record] struct {
	// Parent is the scope whose children are listed. For workspaces it
	// carries only the owner.
	Parent models.Scope
	// Items is sorted. Unchanged records keep their pointer across views.
	Items []*T
	// Watching is false when no parent is selected for the level.
	Watching bool
	// Loading is true until the first snapshot for Parent arrives.
	Loading bool
	// Version increases with every published view.
	Version uint64
}

// Find returns the item with id.
func (v View[T]) Find(id string) (*T, bool) {
	for _, it := range v.Items {
		if (*it).SortKey().ID == id {
			return it, true
		}
	}
	return nil, false
}

// IDs returns the item ids in view order.
func (v View[T]) IDs() []string {
	out := make([]string, len(v.Items))
	for i, it := range v.Items {
		out[i] = (*it).SortKey().ID
	}
	return out
}

// overlay is a pending optimistic edit applied on top of every snapshot
// until its mutation settles.
type overlay struct {
	id   uint64
	edit Edit
}

// level keeps one live list of children.
type level[T record] struct {
	kind models.Level
	eng  *Engine

	mu       sync.Mutex
	parent   models.Scope
	watching bool
	gen      uint64
	cancel   func()
	raw      map[string]any
	rev      uint64
	entries  map[string]*T
	fps      map[string]string
	items    []*T
	loading  bool
	version  uint64
	overlays []overlay

	view *observe.Value[View[T]]
}

func newLevel[T record](kind models.Level, eng *Engine) *level[T] {
	return &level[T]{
		kind:    kind,
		eng:     eng,
		entries: map[string]*T{},
		fps:     map[string]string{},
		view: observe.NewValue(View[T]{}, func(a, b View[T]) bool {
			return a.Version == b.Version
		}),
	}
}

// publish hands v to observers unless a newer view already went out.
func (l *level[T]) publish(v View[T]) {
	l.view.Update(func(cur View[T]) View[T] {
		if v.Version > cur.Version {
			return v
		}
		return cur
	})
}

// watch replaces the subscription with one on parent's children. Watching
// the current parent again is a no-op.
func (l *level[T]) watch(ctx context.Context, parent models.Scope) error {
	l.mu.Lock()
	if l.watching && l.parent == parent {
		l.mu.Unlock()
		return nil
	}
	l.stopLocked()
	l.gen++
	gen := l.gen
	l.parent = parent
	l.watching = true
	l.loading = true
	v := l.snapshotLocked()
	l.mu.Unlock()
	l.publish(v)

	cancel, err := l.eng.store.Subscribe(ctx, paths.Children(parent), func(snap store.Snapshot) {
		l.deliver(gen, snap)
	})
	if err != nil {
		l.mu.Lock()
		if l.gen == gen {
			l.watching = false
			l.loading = false
		}
		v := l.snapshotLocked()
		l.mu.Unlock()
		l.publish(v)
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.gen != gen {
		// replaced while subscribing
		cancel()
		return nil
	}
	l.cancel = cancel
	return nil
}

// stop tears the subscription down and clears the list.
func (l *level[T]) stop() {
	l.mu.Lock()
	if !l.watching {
		l.mu.Unlock()
		return
	}
	l.stopLocked()
	l.gen++
	v := l.snapshotLocked()
	l.mu.Unlock()
	l.publish(v)
}

func (l *level[T]) stopLocked() {
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	l.watching = false
	l.loading = false
	l.parent = models.Scope{}
	l.raw = nil
	l.entries = map[string]*T{}
	l.fps = map[string]string{}
	l.items = nil
	l.overlays = nil
}

func (l *level[T]) deliver(gen uint64, snap store.Snapshot) {
	l.mu.Lock()
	if gen != l.gen {
		// late delivery from a replaced subscription
		l.mu.Unlock()
		return
	}
	l.raw = snap.Children()
	l.rev++
	wasLoading := l.loading
	l.loading = false
	changed := l.rebuildLocked()
	if !changed && !wasLoading {
		l.mu.Unlock()
		return
	}
	v := l.snapshotLocked()
	l.mu.Unlock()
	l.publish(v)
}

// rebuildLocked recomputes entries from raw plus overlays. Records whose
// fingerprint did not change keep their pointer. It reports whether the
// visible list changed.
func (l *level[T]) rebuildLocked() bool {
	raw := l.applyOverlays(l.raw)
	ids := make([]string, 0, len(raw))
	for id := range raw {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	entries := make(map[string]*T, len(ids))
	fps := make(map[string]string, len(ids))
	list := make([]*T, 0, len(ids))
	fpList := make([]string, 0, len(ids))
	for _, id := range ids {
		m, ok := raw[id].(map[string]any)
		if !ok {
			continue
		}
		fields := shallow(m)
		fields["id"] = id
		var rec T
		if err := store.Decode(fields, &rec); err != nil {
			l.eng.logger.Warn().Err(err).Str("level", l.kind.String()).Str("id", id).Msg("skipping undecodable record")
			continue
		}
		fp := rec.Fingerprint()
		ptr := &rec
		if prev, ok := l.entries[id]; ok && l.fps[id] == fp {
			ptr = prev
		}
		entries[id] = ptr
		fps[id] = fp
		list = append(list, ptr)
		fpList = append(fpList, fp)
	}

	sorted := sortRecords(l.eng.cache, l.kind, l.modeLocked(), list, fpList)
	changed := !slices.Equal(sorted, l.items)
	l.entries = entries
	l.fps = fps
	l.items = sorted
	return changed
}

// shallow drops nested child collections so decoding a record does not
// walk its whole subtree. Workspace membership is the one nested map a
// list view needs.
func shallow(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if _, nested := v.(map[string]any); nested && k != "members" {
			continue
		}
		out[k] = v
	}
	return out
}

func (l *level[T]) modeLocked() SortMode {
	if l.kind == models.LevelPage {
		return l.eng.SortMode()
	}
	return SortCustom
}

// resort reapplies the sort without new data.
func (l *level[T]) resort() {
	l.mu.Lock()
	if !l.watching || l.loading {
		l.mu.Unlock()
		return
	}
	if !l.rebuildLocked() {
		l.mu.Unlock()
		return
	}
	v := l.snapshotLocked()
	l.mu.Unlock()
	l.publish(v)
}

func (l *level[T]) snapshotLocked() View[T] {
	l.version++
	return View[T]{
		Parent:   l.parent,
		Items:    slices.Clone(l.items),
		Watching: l.watching,
		Loading:  l.loading,
		Version:  l.version,
	}
}

func (l *level[T]) applyOverlays(raw map[string]any) map[string]any {
	if len(l.overlays) == 0 {
		return raw
	}
	out := maps.Clone(raw)
	if out == nil {
		out = map[string]any{}
	}
	for _, o := range l.overlays {
		switch {
		case o.edit.Remove:
			delete(out, o.edit.ID)
		case o.edit.Patch != nil:
			cur, ok := out[o.edit.ID].(map[string]any)
			if !ok {
				continue
			}
			next := maps.Clone(cur)
			for k, v := range o.edit.Patch {
				if v == nil {
					delete(next, k)
				} else {
					next[k] = v
				}
			}
			out[o.edit.ID] = next
		}
	}
	return out
}

// pendingState is what a rollback restores.
type pendingState[T record] struct {
	gen     uint64
	rev     uint64
	entries map[string]*T
	fps     map[string]string
	items   []*T
}

// applyEdit adds an overlay and republishes. The returned restore
// function removes the overlay; with rollback set it also brings back the
// view from before the edit when no newer snapshot arrived meanwhile.
func (l *level[T]) applyEdit(id uint64, edit Edit) (restore func(rollback bool), err error) {
	l.mu.Lock()
	if !l.watching {
		l.mu.Unlock()
		return nil, models.Invalid("optimistic "+l.kind.String(), "level is not watched")
	}
	prior := pendingState[T]{
		gen:     l.gen,
		rev:     l.rev,
		entries: l.entries,
		fps:     l.fps,
		items:   l.items,
	}
	l.overlays = append(l.overlays, overlay{id: id, edit: edit})
	changed := l.rebuildLocked()
	var v View[T]
	if changed {
		v = l.snapshotLocked()
	}
	l.mu.Unlock()
	if changed {
		l.publish(v)
	}

	return func(rollback bool) {
		l.mu.Lock()
		if l.gen != prior.gen {
			l.mu.Unlock()
			return
		}
		l.overlays = slices.DeleteFunc(l.overlays, func(o overlay) bool { return o.id == id })
		if !rollback {
			// The store echo brings the committed state.
			l.mu.Unlock()
			return
		}
		if l.rev == prior.rev && len(l.overlays) == 0 {
			l.entries, l.fps, l.items = prior.entries, prior.fps, prior.items
		} else {
			l.rebuildLocked()
		}
		v := l.snapshotLocked()
		l.mu.Unlock()
		l.publish(v)
	}, nil
}

func (l *level[T]) current() View[T] {
	return l.view.Get()
}

func (l *level[T]) find(id string) (*T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.entries[id]
	return rec, ok
}
