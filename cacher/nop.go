package cacher

import (
	"context"
	"sync/atomic"
	"time"
)

// NopCacher caches nothing: every GetOrFetch runs the fetch.
type NopCacher[T any] struct {
	fetches atomic.Uint64
}

// NewNopCacher creates a pass-through cache.
func NewNopCacher[T any]() Cacher[T] {
	return &NopCacher[T]{}
}

// GetOrFetch implements Cacher.
func (c *NopCacher[T]) GetOrFetch(ctx context.Context, _ string, _ time.Duration, fetchFn FetchFunc[T]) (T, error) {
	c.fetches.Add(1)
	return fetchFn(ctx)
}

// Delete implements Cacher.
func (c *NopCacher[T]) Delete(ctx context.Context, _ string) error { return checkCtx(ctx) }

// Clear implements Cacher.
func (c *NopCacher[T]) Clear(ctx context.Context) error { return checkCtx(ctx) }

// ItemCount implements Cacher.
func (c *NopCacher[T]) ItemCount(ctx context.Context) (int, error) { return 0, checkCtx(ctx) }

// DeleteByPrefix implements Cacher.
func (c *NopCacher[T]) DeleteByPrefix(ctx context.Context, _ string) (int, error) {
	return 0, checkCtx(ctx)
}

// Stats implements Cacher.
func (c *NopCacher[T]) Stats() Stats {
	n := c.fetches.Load()
	return Stats{Misses: n, Fetches: n}
}
