package icloud

import (
	"sync"
	"time"
)

// DefaultDiscoveryTTL is how long a discovered calendar handle is reused.
const DefaultDiscoveryTTL = 5 * time.Minute

type cacheEntry struct {
	handle  Handle
	expires time.Time
}

// DiscoveryCache remembers discovered calendar handles per username.
// A stale entry only costs an extra discovery round-trip.
type DiscoveryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]cacheEntry
}

// NewDiscoveryCache creates an empty cache whose entries live for ttl.
func NewDiscoveryCache(ttl time.Duration) *DiscoveryCache {
	return &DiscoveryCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

// Get returns the cached handle for username if it has not expired.
func (c *DiscoveryCache) Get(username string) (Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[username]
	if !ok {
		return Handle{}, false
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, username)
		return Handle{}, false
	}
	return e.handle, true
}

// Put stores h for username, replacing any previous entry.
func (c *DiscoveryCache) Put(username string, h Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[username] = cacheEntry{handle: h, expires: c.now().Add(c.ttl)}
}

// Invalidate drops the entry for username.
func (c *DiscoveryCache) Invalidate(username string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, username)
}

// Clear drops every entry.
func (c *DiscoveryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}
