// Package cache implements the process-wide block cache described in
// spec.md §4.5: a bounded-byte-budget cache keyed by (segment path, block
// offset), shared by reference among concurrent readers. Eviction is
// LRU, backed by github.com/hashicorp/golang-lru/v2 — the spec permits
// any bounded policy ("CLOCK, LRU, or a simple random-victim"); this
// module picks the pack's own choice (syncthing-syncthing/go.mod).
package cache

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultBudget is the byte budget from spec.md §4.5 ("default 32 MiB").
const DefaultBudget = 32 << 20

// maxEntries bounds the underlying LRU's entry count so a pathological
// run of tiny blocks can't grow its bookkeeping without limit; the byte
// budget below is what actually governs eviction in practice.
const maxEntries = 1 << 20

// Key identifies one cached block.
type Key struct {
	Path   string
	Offset int64
}

// Cache is a shared, thread-safe block cache bounded by total byte size.
type Cache struct {
	lru    *lru.Cache[Key, []byte]
	budget int64
	used   atomic.Int64
}

// New returns a Cache with the given byte budget (DefaultBudget if <= 0).
func New(budgetBytes int64) *Cache {
	if budgetBytes <= 0 {
		budgetBytes = DefaultBudget
	}

	c := &Cache{budget: budgetBytes}
	l, err := lru.NewWithEvict[Key, []byte](maxEntries, func(_ Key, value []byte) {
		c.used.Add(-int64(len(value)))
	})
	if err != nil {
		// NewWithEvict only errors for a non-positive size, which maxEntries
		// never is.
		panic(err)
	}
	c.lru = l
	return c
}

// Get returns the cached block for key, if present.
func (c *Cache) Get(key Key) ([]byte, bool) {
	return c.lru.Get(key)
}

// Insert adds value under key, evicting least-recently-used entries
// until the cache is back under budget. Segment blocks are immutable
// once written, so a key already present is left untouched rather than
// re-inserted — this also keeps the byte accounting exact.
func (c *Cache) Insert(key Key, value []byte) {
	if _, ok := c.lru.Peek(key); ok {
		return
	}

	c.lru.Add(key, value)
	c.used.Add(int64(len(value)))

	for c.used.Load() > c.budget {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
	}
}

// Len returns the number of cached blocks.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// UsedBytes returns the cache's current byte usage.
func (c *Cache) UsedBytes() int64 {
	return c.used.Load()
}
