package layout

import "sync"

type cacheEntry struct {
	Info Info
	Err  *LayoutError
}

// cache is keyed by structural identity and is append-only: an entry, once
// published, never changes.
type cache struct {
	mu    sync.RWMutex
	byKey map[string]*cacheEntry
}

func newCache() *cache {
	return &cache{byKey: make(map[string]*cacheEntry, 64)}
}

func (c *cache) get(key string) (*cacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byKey[key]
	return e, ok
}

// put stores e unless another writer got there first, and returns the winner.
func (c *cache) put(key string, e *cacheEntry) *cacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.byKey[key]; ok {
		return prev
	}
	c.byKey[key] = e
	return e
}

func (c *cache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byKey)
}
