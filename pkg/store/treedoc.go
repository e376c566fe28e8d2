package store

import (
	"encoding/json"
	"fmt"
	"maps"
	"sort"

	"github.com/surrealdb/notetree/pkg/paths"
)

// Encode converts a Go value into its JSON-shaped form.
func Encode(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return Prune(out), nil
}

// Decode fills out from a JSON-shaped value.
func Decode(value any, out any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

// AsMap returns v as a map, or an empty map when v is not one.
func AsMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// Clone deep copies a JSON-shaped value.
func Clone(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	out := make(map[string]any, len(m))
	for k, child := range m {
		out[k] = Clone(child)
	}
	return out
}

// Prune drops nil leaves and empty maps. A value that prunes away entirely
// becomes nil.
func Prune(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case map[string]any:
		for k, child := range t {
			if p := Prune(child); p == nil {
				delete(t, k)
			} else {
				t[k] = p
			}
		}
		if len(t) == 0 {
			return nil
		}
		return t
	case []any:
		// Arrays are stored as index-keyed maps so leaves stay addressable.
		m := make(map[string]any, len(t))
		for i, child := range t {
			m[fmt.Sprint(i)] = child
		}
		return Prune(m)
	}
	return v
}

// Get returns the value at the relative path rel inside root.
func Get(root any, rel string) any {
	cur := root
	for _, seg := range paths.Split(rel) {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[seg]
	}
	return cur
}

// Set stores value at the relative path rel inside root and prunes the
// branch when value is nil. The possibly replaced root is returned.
func Set(root any, rel string, value any) any {
	seg := paths.Split(rel)
	if len(seg) == 0 {
		return Prune(Clone(value))
	}
	m, ok := root.(map[string]any)
	if !ok {
		if value == nil {
			return root
		}
		m = map[string]any{}
	}
	child := Set(m[seg[0]], paths.Join(seg[1:]...), value)
	if child == nil {
		delete(m, seg[0])
	} else {
		m[seg[0]] = child
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

// Flatten returns the leaves of value keyed by their full path under prefix.
func Flatten(prefix string, value any) map[string]any {
	out := map[string]any{}
	flatten(prefix, value, out)
	return out
}

func flatten(prefix string, value any, out map[string]any) {
	switch t := value.(type) {
	case nil:
	case map[string]any:
		for k, child := range t {
			flatten(paths.Join(prefix, k), child, out)
		}
	case []any:
		flatten(prefix, Prune(t), out)
	default:
		out[prefix] = t
	}
}

// Unflatten rebuilds the value at prefix from leaves keyed by full path.
// Leaves outside prefix are ignored.
func Unflatten(prefix string, leaves map[string]any) any {
	keys := make([]string, 0, len(leaves))
	for k := range leaves {
		if paths.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	// Shorter paths first so a deeper leaf wins over a stale scalar parent.
	sort.Slice(keys, func(i, j int) bool { return len(keys[i]) < len(keys[j]) })
	var root any
	for _, k := range keys {
		rel := k[len(prefix):]
		root = Set(root, rel, leaves[k])
	}
	return root
}

// Expand turns an update batch into leaf operations: the set of prefixes
// to clear and the leaves to write afterwards.
func Expand(updates map[string]any) (clear []string, leaves map[string]any) {
	leaves = map[string]any{}
	for _, p := range sortedKeys(updates) {
		clear = append(clear, p)
		maps.Copy(leaves, Flatten(p, updates[p]))
	}
	return clear, leaves
}

// Affected reports whether a change at changed is visible from a
// subscription on watched.
func Affected(watched, changed string) bool {
	return paths.HasPrefix(changed, watched) || paths.HasPrefix(watched, changed)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Ancestors returns the proper prefixes of p, shortest first. Backends that
// keep one row per leaf clear them before writing below, since a scalar
// leaf cannot also have children.
func Ancestors(p string) []string {
	seg := paths.Split(p)
	out := make([]string, 0, len(seg))
	for i := 1; i < len(seg); i++ {
		out = append(out, paths.Join(seg[:i]...))
	}
	return out
}

// LeafOp is one step of applying an update batch to leaf rows: clear the
// subtree at Path together with any scalar rows above it, then write
// Leaves.
type LeafOp struct {
	Path   string
	Leaves map[string]any
}

// Plan orders an encoded update batch for a leaf-row backend. Deletes run
// first, then writes in path order, matching how the in-memory tree
// applies the same batch.
func Plan(updates map[string]any) []LeafOp {
	keys := sortedKeys(updates)
	ops := make([]LeafOp, 0, len(keys))
	for _, p := range keys {
		if updates[p] == nil {
			ops = append(ops, LeafOp{Path: p})
		}
	}
	for _, p := range keys {
		if v := updates[p]; v != nil {
			ops = append(ops, LeafOp{Path: p, Leaves: Flatten(p, v)})
		}
	}
	return ops
}
