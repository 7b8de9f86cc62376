// Package tiered implements a two-level (L1 + L2) cache adapter with
// single-flight loading on a full miss.
package tiered

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Strob0t/MediaBroker/internal/port/cache"
)

// Cache combines an L1 (in-process) and L2 (shared) cache.
// Get checks L1 first, then L2, backfilling L1 on an L2 hit.
// Set and Delete operate on both levels.
type Cache struct {
	l1       cache.Cache
	l2       cache.Cache
	l1Expire time.Duration
	loads    singleflight.Group
}

// New creates a tiered cache. l1Expire bounds how long backfilled entries
// live in L1.
func New(l1, l2 cache.Cache, l1Expire time.Duration) *Cache {
	return &Cache{l1: l1, l2: l2, l1Expire: l1Expire}
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, found, err := c.l1.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if found {
		return val, true, nil
	}

	val, found, err = c.l2.Get(ctx, key)
	if err != nil || !found {
		return nil, false, err
	}
	if err := c.l1.Set(ctx, key, val, c.l1Expire); err != nil {
		slog.Debug("l1 backfill failed", "key", key, "error", err)
	}
	return val, true, nil
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.l1.Set(ctx, key, value, min(ttl, c.l1Expire)); err != nil {
		return err
	}
	return c.l2.Set(ctx, key, value, ttl)
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.l1.Delete(ctx, key); err != nil {
		return err
	}
	return c.l2.Delete(ctx, key)
}

// GetOrLoad returns the cached value for key or calls load once per key
// across concurrent callers and stores the result in both levels. A failed
// L2 read is treated as a miss.
func (c *Cache) GetOrLoad(ctx context.Context, key string, ttl time.Duration, load func(context.Context) ([]byte, error)) ([]byte, error) {
	if val, ok, err := c.Get(ctx, key); err == nil && ok {
		return val, nil
	} else if err != nil {
		slog.Warn("cache read failed, loading from source", "key", key, "error", err)
	}

	v, err, _ := c.loads.Do(key, func() (any, error) {
		val, err := load(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.Set(ctx, key, val, ttl); err != nil {
			slog.Warn("cache store failed", "key", key, "error", err)
		}
		return val, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}
