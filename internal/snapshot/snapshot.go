// Package snapshot keeps the last rendered item list per collection in
// memory so a reopened screen paints before the store is read.
package snapshot

import (
	"sync"
	"time"

	"github.com/matheus3301/wppsync/internal/item"
)

// Snapshot is one collection's last applied state.
type Snapshot struct {
	Items     []item.Item // oldest first
	Signature uint64
	TakenAt   time.Time
}

// Cache is owned by a session runtime and cleared on logout.
type Cache struct {
	mu    sync.RWMutex
	snaps map[string]Snapshot
	max   int
}

// New creates a cache holding at most maxItems items per collection.
func New(maxItems int) *Cache {
	return &Cache{snaps: make(map[string]Snapshot), max: maxItems}
}

// Get returns a copy of the snapshot for collection.
func (c *Cache) Get(collection string) (Snapshot, bool) {
	c.mu.RLock()
	s, ok := c.snaps[collection]
	c.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	s.Items = cloneItems(s.Items)
	return s, true
}

// Put replaces the snapshot for collection.
func (c *Cache) Put(collection string, items []item.Item, sig uint64) {
	if c.max > 0 && len(items) > c.max {
		items = items[len(items)-c.max:]
	}
	s := Snapshot{Items: cloneItems(items), Signature: sig, TakenAt: time.Now()}
	c.mu.Lock()
	c.snaps[collection] = s
	c.mu.Unlock()
}

// Delete drops one collection.
func (c *Cache) Delete(collection string) {
	c.mu.Lock()
	delete(c.snaps, collection)
	c.mu.Unlock()
}

// Clear drops everything.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.snaps = make(map[string]Snapshot)
	c.mu.Unlock()
}

// Len returns the number of cached collections.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.snaps)
}

func cloneItems(items []item.Item) []item.Item {
	out := make([]item.Item, len(items))
	for i, it := range items {
		out[i] = it.Clone()
	}
	return out
}
