package push

import (
	"sync"
	"time"
)

// ttlCache is a small thread-safe in-memory TTL cache keyed by string.
type ttlCache[V any] struct {
	mu   sync.Mutex
	ttl  time.Duration
	data map[string]cacheEntry[V]
	now  func() time.Time
}

type cacheEntry[V any] struct {
	v  V
	at time.Time
}

// newTTLCache creates a cache with the given TTL. A ttl <= 0 disables caching.
func newTTLCache[V any](ttl time.Duration) *ttlCache[V] {
	return &ttlCache[V]{ttl: ttl, data: make(map[string]cacheEntry[V], 64), now: time.Now}
}

// get returns the cached value if it exists and hasn't expired.
func (c *ttlCache[V]) get(key string) (V, bool) {
	var zero V
	if c.ttl <= 0 {
		return zero, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.data[key]
	if !ok {
		return zero, false
	}
	if c.now().Sub(e.at) > c.ttl {
		delete(c.data, key)
		return zero, false
	}
	return e.v, true
}

// set stores v with the current timestamp.
func (c *ttlCache[V]) set(key string, v V) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.data[key] = cacheEntry[V]{v: v, at: c.now()}
	c.mu.Unlock()
}

func (c *ttlCache[V]) purge() {
	c.mu.Lock()
	clear(c.data)
	c.mu.Unlock()
}
