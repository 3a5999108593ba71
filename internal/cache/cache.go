package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"postmesh/internal/constants"
	"postmesh/internal/logger"
	"postmesh/pkg/metrics"
)

// Cache is a read-through JSON cache with one fixed TTL. It is never the
// source of truth: a miss is always a valid answer.
type Cache struct {
	store  Store
	ttl    time.Duration
	logger logger.Logger
}

func New(store Store, ttl time.Duration, log logger.Logger) *Cache {
	if ttl <= 0 {
		ttl = constants.DefaultCacheTTLSeconds * time.Second
	}
	metrics.RegisterCacheMetrics()
	return &Cache{store: store, ttl: ttl, logger: log}
}

func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Get decodes the entry for key into dest. An entry that no longer decodes
// is dropped and reported as a miss.
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	raw, found, err := c.store.Get(ctx, key)
	if err != nil {
		metrics.IncCacheError()
		return false, err
	}
	if !found {
		metrics.IncCacheMiss()
		return false, nil
	}

	if err := json.Unmarshal(raw, dest); err != nil {
		c.logger.WarnwCtx(ctx, "Dropping undecodable cache entry", "key", key, "error", err)
		if _, delErr := c.store.Delete(ctx, key); delErr != nil {
			c.logger.WarnwCtx(ctx, "Failed to drop cache entry", "key", key, "error", delErr)
		}
		metrics.IncCacheMiss()
		return false, nil
	}

	metrics.IncCacheHit()
	return true, nil
}

func (c *Cache) Set(ctx context.Context, key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry %s: %w", key, err)
	}
	if err := c.store.Set(ctx, key, raw, c.ttl); err != nil {
		metrics.IncCacheError()
		return err
	}
	return nil
}

// Invalidate removes keys. A key containing '*' is treated as a pattern and
// every matching entry is removed. All keys are attempted; the first error
// is returned.
func (c *Cache) Invalidate(ctx context.Context, keys ...string) error {
	var firstErr error

	var exact []string
	for _, key := range keys {
		if !strings.Contains(key, "*") {
			exact = append(exact, key)
		}
	}

	if len(exact) > 0 {
		n, err := c.store.Delete(ctx, exact...)
		metrics.AddCacheInvalidations("key", int(n))
		if err != nil {
			firstErr = err
		}
	}

	for _, key := range keys {
		if !strings.Contains(key, "*") {
			continue
		}
		n, err := c.store.DeletePattern(ctx, key)
		metrics.AddCacheInvalidations("pattern", int(n))
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if firstErr != nil {
		metrics.IncCacheError()
	}
	return firstErr
}

// GetOrLoad returns the cached value for key, or calls load, stores its
// result and returns it. A cache read error is returned to the caller; a
// failed write-back is only logged. Errors from load are never cached.
func GetOrLoad[T any](ctx context.Context, c *Cache, key string, load func(ctx context.Context) (T, error)) (T, error) {
	var cached T
	found, err := c.Get(ctx, key, &cached)
	if err != nil {
		var zero T
		return zero, err
	}
	if found {
		return cached, nil
	}

	value, err := load(ctx)
	if err != nil {
		var zero T
		return zero, err
	}

	if err := c.Set(ctx, key, value); err != nil {
		c.logger.WarnwCtx(ctx, "Failed to populate cache", "key", key, "error", err)
	}
	return value, nil
}
