package utils

import (
	"sync"
	"time"
)

// cacheItem represents a cached value with expiration
type cacheItem[V any] struct {
	value      V
	expiration time.Time
}

// MemoryCache is an in-memory cache with per-entry expiration. Expired
// entries are dropped on access and by a sweep that runs from Set at most
// once per TTL.
type MemoryCache[K comparable, V any] struct {
	items map[K]cacheItem[V]
	mu    sync.RWMutex
	ttl   time.Duration
	swept time.Time
	now   func() time.Time
}

// NewMemoryCache creates a new memory cache whose entries live for ttl
func NewMemoryCache[K comparable, V any](ttl time.Duration) *MemoryCache[K, V] {
	return &MemoryCache[K, V]{
		items: make(map[K]cacheItem[V]),
		ttl:   ttl,
		now:   time.Now,
	}
}

// Set stores a value in cache
func (c *MemoryCache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if now.Sub(c.swept) > c.ttl {
		c.cleanup(now)
		c.swept = now
	}
	c.items[key] = cacheItem[V]{value: value, expiration: now.Add(c.ttl)}
}

// Get retrieves a value from cache
func (c *MemoryCache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	item, exists := c.items[key]
	c.mu.RUnlock()

	if !exists {
		var zero V
		return zero, false
	}
	if c.now().After(item.expiration) {
		c.Delete(key)
		var zero V
		return zero, false
	}
	return item.value, true
}

// Delete removes an item from cache
func (c *MemoryCache[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

// Clear removes all items from cache
func (c *MemoryCache[K, V]) Clear() {
	c.mu.Lock()
	c.items = make(map[K]cacheItem[V])
	c.mu.Unlock()
}

// Size returns the number of items in cache, expired ones included
func (c *MemoryCache[K, V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// cleanup removes expired items (must be called with lock held)
func (c *MemoryCache[K, V]) cleanup(now time.Time) {
	for key, item := range c.items {
		if now.After(item.expiration) {
			delete(c.items, key)
		}
	}
}
