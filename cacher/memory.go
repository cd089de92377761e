package cacher

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// MemoryCacher keeps values in process memory using go-cache. Concurrent
// misses on one key are collapsed with singleflight. Values are shared by
// reference between callers, so they must be treated as read-only.
type MemoryCacher[T any] struct {
	cache *cache.Cache
	group singleflight.Group

	hits    atomic.Uint64
	misses  atomic.Uint64
	fetches atomic.Uint64
}

// NewMemoryCacher creates an in-memory cache.
//
// Parameters:
//   - defaultExpiration: TTL used when GetOrFetch is given ttl 0 (cache.NoExpiration keeps items forever)
//   - cleanupInterval: Interval at which expired items are purged
//
// Returns:
//   - A new MemoryCacher
func NewMemoryCacher[T any](defaultExpiration, cleanupInterval time.Duration) *MemoryCacher[T] {
	return &MemoryCacher[T]{
		cache: cache.New(defaultExpiration, cleanupInterval),
	}
}

func (c *MemoryCacher[T]) lookup(key string) (T, bool) {
	var zero T
	val, found := c.cache.Get(key)
	if !found {
		return zero, false
	}

	typed, ok := val.(T)
	return typed, ok
}

// GetOrFetch implements Cacher.
func (c *MemoryCacher[T]) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetchFn FetchFunc[T]) (T, error) {
	var zero T

	if v, ok := c.lookup(key); ok {
		c.hits.Add(1)
		return v, nil
	}

	c.misses.Add(1)
	val, err, _ := c.group.Do(key, func() (interface{}, error) {
		// A previous flight may have filled the key between lookup and Do.
		if v, ok := c.lookup(key); ok {
			return v, nil
		}

		c.fetches.Add(1)
		fetched, err := fetchFn(ctx)
		if err != nil {
			return zero, err
		}

		c.cache.Set(key, fetched, ttl)
		return fetched, nil
	})

	if err != nil {
		return zero, err
	}

	typed, ok := val.(T)
	if !ok {
		return zero, fmt.Errorf("cacher: unexpected type %T for key %s", val, key)
	}

	return typed, nil
}

// Delete implements Cacher.
func (c *MemoryCacher[T]) Delete(ctx context.Context, key string) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}

	c.cache.Delete(key)
	return nil
}

// Clear implements Cacher.
func (c *MemoryCacher[T]) Clear(ctx context.Context) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}

	c.cache.Flush()
	return nil
}

// ItemCount implements Cacher. Expired items not yet purged are counted.
func (c *MemoryCacher[T]) ItemCount(ctx context.Context) (int, error) {
	if err := checkCtx(ctx); err != nil {
		return 0, err
	}

	return c.cache.ItemCount(), nil
}

// DeleteByPrefix implements Cacher.
func (c *MemoryCacher[T]) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	if err := checkCtx(ctx); err != nil {
		return 0, err
	}

	deleted := 0
	for key := range c.cache.Items() {
		if err := checkCtx(ctx); err != nil {
			return deleted, err
		}

		if strings.HasPrefix(key, prefix) {
			c.cache.Delete(key)
			deleted++
		}
	}

	return deleted, nil
}

// Stats implements Cacher.
func (c *MemoryCacher[T]) Stats() Stats {
	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Fetches: c.fetches.Load(),
	}
}
