package render

import (
	"sync"
	"time"
)

// Cache remembers when each page was last published successfully
type Cache struct {
	mu      sync.RWMutex
	entries map[int]time.Time
}

// NewCache creates an empty cache
func NewCache() *Cache {
	return &Cache{entries: make(map[int]time.Time)}
}

// Get returns the last render time of a page
func (c *Cache) Get(index int) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	at, ok := c.entries[index]
	return at, ok
}

// MarkRendered records a successful publish. Callers must only invoke it
// once the artifact is in place.
func (c *Cache) MarkRendered(index int, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[index] = at
}

// Snapshot returns a copy of all entries
func (c *Cache) Snapshot() map[int]time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snapshot := make(map[int]time.Time, len(c.entries))
	for index, at := range c.entries {
		snapshot[index] = at
	}
	return snapshot
}
