package images

import (
	"sync"
	"time"
)

type cacheEntry struct {
	photos    []Photo
	expiresAt time.Time
}

func (e *cacheEntry) expired() bool {
	return time.Now().After(e.expiresAt)
}

// searchCache keeps search results for a TTL so repeated queries from the
// tour editor do not spend the API's hourly request quota.
type searchCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
}

func newSearchCache(ttl time.Duration) *searchCache {
	return &searchCache{entries: make(map[string]*cacheEntry), ttl: ttl}
}

func (c *searchCache) get(key string) ([]Photo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || e.expired() {
		return nil, false
	}
	return e.photos, true
}

func (c *searchCache) set(key string, photos []Photo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &cacheEntry{photos: photos, expiresAt: time.Now().Add(c.ttl)}
}

// evict removes expired entries and returns how many.
func (c *searchCache) evict() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if e.expired() {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

func (c *searchCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
