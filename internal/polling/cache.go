package polling

import (
	"sync"
	"time"
)

// Kind names a category of platform read (broadcast status, stream health).
type Kind string

// Read kinds used by the broadcast controller.
const (
	KindBroadcastStatus Kind = "broadcast-status"
	KindStreamHealth    Kind = "stream-health"
)

// Key identifies one cacheable read: the kind plus the target resource id.
type Key struct {
	Kind Kind
	ID   string
}

type cacheEntry struct {
	value    any
	storedAt time.Time
}

// Cache deduplicates identical platform reads within a TTL. Expired entries
// are logically absent and evicted lazily on read. There is no eviction
// policy beyond the TTL; the key space is tiny (a handful of resources).
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[Key]cacheEntry
}

// NewCache returns an empty cache with the given TTL. A non-positive TTL
// disables caching entirely: Get always misses.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		ttl:     ttl,
		entries: make(map[Key]cacheEntry),
	}
}

// Get returns the cached value for k if it is younger than the TTL.
func (c *Cache) Get(k Key, now time.Time) (any, bool) {
	if c.ttl <= 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[k]
	if !ok {
		return nil, false
	}
	if now.Sub(e.storedAt) >= c.ttl {
		delete(c.entries, k)
		return nil, false
	}
	return e.value, true
}

// Put stores v as the canonical value for k for the next TTL window.
func (c *Cache) Put(k Key, v any, now time.Time) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[k] = cacheEntry{value: v, storedAt: now}
}

// Delete removes the entry for k so the next read goes upstream.
func (c *Cache) Delete(k Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, k)
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[Key]cacheEntry)
}
