package cache

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Fetch on a miss or an expired entry.
var ErrNotFound = errors.New("key not found in cache")

// Cache is a generic interface for a caching layer with expiring entries.
type Cache[K comparable, V any] interface {
	// Fetch retrieves an item from the cache.
	Fetch(ctx context.Context, key K) (V, error)
	// Write adds an item to the cache using the cache's TTL.
	Write(ctx context.Context, key K, value V) error
	// Invalidate drops an item if present.
	Invalidate(ctx context.Context, key K) error
	Close() error
}
