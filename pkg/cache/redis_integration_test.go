//go:build integration

package cache_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/illmade-knight/go-robobridge/pkg/cache"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type redisTestValue struct {
	ID   string
	Data []byte
}

func TestRedisCache_Integration(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	t.Cleanup(cancel)

	cfg := &cache.RedisConfig{
		Addr:      addr,
		KeyPrefix: "robobridge-test:",
		CacheTTL:  time.Minute,
	}

	c, err := cache.NewRedisCache[string, redisTestValue](ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	t.Run("Set and Get", func(t *testing.T) {
		key := "test-key-1"
		value := redisTestValue{ID: "test-id", Data: []byte("hello world")}

		require.NoError(t, c.Write(ctx, key, value))

		retrieved, err := c.Fetch(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, value, retrieved)
	})

	t.Run("Get Miss", func(t *testing.T) {
		_, err := c.Fetch(ctx, "non-existent-key")
		require.ErrorIs(t, err, cache.ErrNotFound)
	})

	t.Run("Invalidate", func(t *testing.T) {
		require.NoError(t, c.Write(ctx, "gone", redisTestValue{ID: "x"}))
		require.NoError(t, c.Invalidate(ctx, "gone"))
		_, err := c.Fetch(ctx, "gone")
		require.ErrorIs(t, err, cache.ErrNotFound)
	})

	t.Run("TTL Expires", func(t *testing.T) {
		shortTTLCfg := &cache.RedisConfig{Addr: addr, KeyPrefix: "robobridge-test:", CacheTTL: 100 * time.Millisecond}
		shortCache, err := cache.NewRedisCache[string, redisTestValue](ctx, shortTTLCfg, zerolog.Nop())
		require.NoError(t, err)
		t.Cleanup(func() { _ = shortCache.Close() })

		require.NoError(t, shortCache.Write(ctx, "ttl-key", redisTestValue{ID: "ttl-id"}))

		// Verifying a time based feature.
		time.Sleep(150 * time.Millisecond)

		_, err = shortCache.Fetch(ctx, "ttl-key")
		require.ErrorIs(t, err, cache.ErrNotFound)
	})
}
