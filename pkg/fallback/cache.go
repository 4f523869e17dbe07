package fallback

import (
	"context"
	"sync"
	"time"
)

// InMemoryCache is the process-local CacheStore, the default used when no
// Redis-backed cache is configured.
type InMemoryCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
}

func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{entries: make(map[string]cacheEntry)}
}

func (c *InMemoryCache) Get(ctx context.Context, fingerprint string) (interface{}, time.Time, time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[fingerprint]
	if !ok {
		return nil, time.Time{}, 0, false
	}
	return e.data, e.insertedAt, e.ttl, true
}

func (c *InMemoryCache) Put(ctx context.Context, fingerprint string, data interface{}, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[fingerprint] = cacheEntry{data: data, insertedAt: time.Now(), ttl: ttl}
}
