package syncengine

import (
	"fmt"
	"slices"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/surrealdb/notetree/pkg/models"
)

// SortMode selects how page lists are ordered.
type SortMode string

const (
	// SortUpdated puts creating pages first, then pinned pages, then the
	// most recently updated.
	SortUpdated SortMode = "updated"
	// SortCreated puts creating pages first, then the oldest.
	SortCreated SortMode = "created"
	// SortCustom follows the explicit order field.
	SortCustom SortMode = "custom"
)

// DefaultSortMode is used when none is configured.
const DefaultSortMode = SortUpdated

// ParseSortMode validates s.
func ParseSortMode(s string) (SortMode, error) {
	switch m := SortMode(s); m {
	case SortUpdated, SortCreated, SortCustom:
		return m, nil
	}
	return "", fmt.Errorf("unknown sort mode %q", s)
}

// compareKeys orders a and b under mode. Every mode ends on the id, so
// distinct records never compare equal.
func compareKeys(mode SortMode, a, b models.SortKey) int {
	switch mode {
	case SortUpdated:
		if c := compareFlag(a.Creating, b.Creating); c != 0 {
			return c
		}
		if c := compareFlag(a.Pinned, b.Pinned); c != 0 {
			return c
		}
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
	case SortCreated:
		if c := compareFlag(a.Creating, b.Creating); c != 0 {
			return c
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
	default:
		if a.Order != b.Order {
			if a.Order < b.Order {
				return -1
			}
			return 1
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
	}
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}

// compareFlag sorts set flags first.
func compareFlag(a, b bool) int {
	switch {
	case a == b:
		return 0
	case a:
		return -1
	}
	return 1
}

type cacheKey struct {
	level models.Level
	mode  SortMode
	n     int
	hash  uint64
}

// sortCache memoizes sort permutations keyed by mode and an order
// sensitive hash of the input fingerprints. It holds at most size entries
// and evicts the oldest first.
type sortCache struct {
	mu      sync.Mutex
	size    int
	order   []cacheKey
	entries map[cacheKey][]int

	hits   uint64
	misses uint64
}

func newSortCache(size int) *sortCache {
	return &sortCache{size: size, entries: map[cacheKey][]int{}}
}

func (c *sortCache) get(k cacheKey) ([]int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	perm, ok := c.entries[k]
	if ok {
		c.hits++
		return slices.Clone(perm), true
	}
	c.misses++
	return nil, false
}

func (c *sortCache) put(k cacheKey, perm []int) {
	if c.size <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[k]; ok {
		return
	}
	for len(c.order) >= c.size {
		delete(c.entries, c.order[0])
		c.order = c.order[1:]
	}
	c.order = append(c.order, k)
	c.entries[k] = slices.Clone(perm)
}

func (c *sortCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// CacheStats reports sort cache usage.
type CacheStats struct {
	Entries int
	Hits    uint64
	Misses  uint64
}

func (c *sortCache) stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{Entries: len(c.entries), Hits: c.hits, Misses: c.misses}
}

func hashInput(ids, fps []string) uint64 {
	h := xxhash.New()
	for i := range ids {
		_, _ = h.WriteString(ids[i])
		_, _ = h.Write([]byte{0})
		_, _ = h.WriteString(fps[i])
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}

// sortRecords returns in ordered under mode. in must already be in a
// deterministic order (by id) for the cache key to be stable.
func sortRecords[T record](c *sortCache, level models.Level, mode SortMode, in []*T, fps []string) []*T {
	ids := make([]string, len(in))
	for i, r := range in {
		ids[i] = (*r).SortKey().ID
	}
	k := cacheKey{level: level, mode: mode, n: len(in), hash: hashInput(ids, fps)}
	perm, ok := c.get(k)
	if !ok {
		perm = make([]int, len(in))
		for i := range perm {
			perm[i] = i
		}
		keys := make([]models.SortKey, len(in))
		for i, r := range in {
			keys[i] = (*r).SortKey()
		}
		slices.SortStableFunc(perm, func(a, b int) int {
			return compareKeys(mode, keys[a], keys[b])
		})
		c.put(k, perm)
	}
	out := make([]*T, len(in))
	for i, j := range perm {
		out[i] = in[j]
	}
	return out
}
