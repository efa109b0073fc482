package validator

import (
	"sync"

	"maggrid/types"
)

// Cache memoizes containment verdicts per ordered (high, low) pair. Its
// lifetime is one hierarchy-build session: it must be cleared at the start
// of every full rebuild because the matching settings may have changed.
//
// Writes are first-wins: when two workers race on the same key, the first
// stored result stands and later identical computations are discarded.
type Cache struct {
	mu      sync.RWMutex
	entries map[types.PairKey]types.ContainmentResult
}

// NewCache creates an empty result cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[types.PairKey]types.ContainmentResult)}
}

// Get returns the cached result for a pair, if any.
func (c *Cache) Get(key types.PairKey) (types.ContainmentResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	res, ok := c.entries[key]
	return res, ok
}

// Put stores a result unless the key already holds one.
func (c *Cache) Put(key types.PairKey, res types.ContainmentResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists {
		c.entries[key] = res
	}
}

// Clear drops all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[types.PairKey]types.ContainmentResult)
}

// Len returns the number of cached pairs.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
