// Package cache provides Redis-backed caching for derived topology views.
//
// Views are keyed by graph version, so a cached entry can never be stale for
// the version it names; the TTL only bounds memory.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pilot-net/topomon/pkg/types"
)

const (
	// Cache key prefix
	keyPrefix = "topomon:cache:"

	// DefaultTTL for cached views.
	DefaultTTL = 5 * time.Minute
)

// Client is the subset of the Redis client used by the cache.
type Client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Keys(ctx context.Context, pattern string) *redis.StringSliceCmd
}

// Cache provides Redis-backed response caching.
type Cache struct {
	client Client
	logger *slog.Logger
	ttl    time.Duration
}

// New creates a cache on an existing Redis client.
func New(client Client, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		client: client,
		logger: logger.With("component", "cache"),
		ttl:    ttl,
	}
}

// Get retrieves a cached value. Returns nil if not found or expired.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := c.client.Get(ctx, keyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, nil // Cache miss
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Set stores a value in the cache with the given TTL.
func (c *Cache) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	return c.client.Set(ctx, keyPrefix+key, data, ttl).Err()
}

// GetJSON retrieves and unmarshals a cached JSON value.
func (c *Cache) GetJSON(ctx context.Context, key string, v any) (bool, error) {
	data, err := c.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil // Cache miss
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}

// SetJSON marshals and stores a JSON value in the cache.
func (c *Cache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, data, ttl)
}

// Delete removes a key from the cache.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, keyPrefix+key).Err()
}

// DeletePattern removes all keys matching a pattern.
func (c *Cache) DeletePattern(ctx context.Context, pattern string) error {
	keys, err := c.client.Keys(ctx, keyPrefix+pattern).Result()
	if err != nil {
		return err
	}
	if len(keys) > 0 {
		return c.client.Del(ctx, keys...).Err()
	}
	return nil
}

// =============================================================================
// TOPOLOGY VIEWS
// =============================================================================

func componentsKey(layer types.Layer, version uint64) string {
	if layer == "" {
		layer = "all"
	}
	return fmt.Sprintf("components:%s:%d", layer, version)
}

// Components returns the cached connected components for a layer at a graph
// version. A Redis failure is logged and reported as a miss.
func (c *Cache) Components(ctx context.Context, layer types.Layer, version uint64) ([][]string, bool) {
	var comps [][]string
	ok, err := c.GetJSON(ctx, componentsKey(layer, version), &comps)
	if err != nil {
		c.logger.Warn("cache read failed", "error", err, "layer", layer, "version", version)
		return nil, false
	}
	return comps, ok
}

// PutComponents caches connected components for a layer at a graph version.
func (c *Cache) PutComponents(ctx context.Context, layer types.Layer, version uint64, comps [][]string) {
	if err := c.SetJSON(ctx, componentsKey(layer, version), comps, c.ttl); err != nil {
		c.logger.Warn("cache write failed", "error", err, "layer", layer, "version", version)
	}
}

// InvalidateComponents drops every cached component view.
func (c *Cache) InvalidateComponents(ctx context.Context) error {
	return c.DeletePattern(ctx, "components:*")
}
