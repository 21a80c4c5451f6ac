package cache

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type entry[V any] struct {
	value   V
	expires time.Time
}

// InMemoryCache is a generic, thread-safe, in-memory cache implementation.
// A zero TTL keeps entries forever.
type InMemoryCache[K comparable, V any] struct {
	mu   sync.RWMutex
	data map[K]entry[V]
	ttl  time.Duration
	now  func() time.Time
}

// NewInMemoryCache creates a new in-memory cache.
func NewInMemoryCache[K comparable, V any](ttl time.Duration) *InMemoryCache[K, V] {
	return NewInMemoryCacheWithClock[K, V](ttl, time.Now)
}

// NewInMemoryCacheWithClock creates an in-memory cache that reads time from now.
func NewInMemoryCacheWithClock[K comparable, V any](ttl time.Duration, now func() time.Time) *InMemoryCache[K, V] {
	return &InMemoryCache[K, V]{
		data: make(map[K]entry[V]),
		ttl:  ttl,
		now:  now,
	}
}

// Fetch retrieves an item from the cache.
func (c *InMemoryCache[K, V]) Fetch(_ context.Context, key K) (V, error) {
	c.mu.RLock()
	e, ok := c.data[key]
	c.mu.RUnlock()

	var zero V
	if !ok {
		return zero, fmt.Errorf("key '%v': %w", key, ErrNotFound)
	}
	if !e.expires.IsZero() && !c.now().Before(e.expires) {
		c.mu.Lock()
		if cur, still := c.data[key]; still && cur.expires.Equal(e.expires) {
			delete(c.data, key)
		}
		c.mu.Unlock()
		return zero, fmt.Errorf("key '%v' expired: %w", key, ErrNotFound)
	}
	return e.value, nil
}

// Write adds an item to the cache.
func (c *InMemoryCache[K, V]) Write(_ context.Context, key K, value V) error {
	e := entry[V]{value: value}
	if c.ttl > 0 {
		e.expires = c.now().Add(c.ttl)
	}
	c.mu.Lock()
	c.data[key] = e
	c.mu.Unlock()
	return nil
}

// Invalidate removes an item from the cache.
func (c *InMemoryCache[K, V]) Invalidate(_ context.Context, key K) error {
	c.mu.Lock()
	delete(c.data, key)
	c.mu.Unlock()
	return nil
}

// Close is a no-op for the in-memory cache.
func (c *InMemoryCache[K, V]) Close() error {
	return nil
}
