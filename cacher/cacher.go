// Package cacher provides read-through caches with stampede protection. The
// volume store uses them so that concurrent sessions asking for the same
// dataset share one load.
package cacher

import (
	"context"
	"encoding/json"
	"time"
)

// FetchFunc loads a value from the source on a cache miss. It receives the
// caller's context for cancellation.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Stats are cumulative counters of a cache.
type Stats struct {
	Hits    uint64 // Lookups answered from the cache
	Misses  uint64 // Lookups that had to wait for or run a fetch
	Fetches uint64 // FetchFunc invocations
}

// Cacher is a read-through cache keyed by string. Implementations are safe
// for concurrent use and run at most one fetch per key at a time within a
// process.
type Cacher[T any] interface {
	// GetOrFetch returns the cached value for key, or runs fetchFn, caches
	// its result for ttl and returns it. Failed fetches are not cached.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - key: The cache key
	//   - ttl: Lifetime of a freshly fetched value
	//   - fetchFn: Loader called on a miss
	//
	// Returns:
	//   - The cached or fetched value
	//   - The fetch error, or a backend error
	GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetchFn FetchFunc[T]) (T, error)

	// Delete removes key.
	Delete(ctx context.Context, key string) error

	// Clear removes every entry owned by this cache.
	Clear(ctx context.Context) error

	// ItemCount returns the number of cached entries.
	ItemCount(ctx context.Context) (int, error)

	// DeleteByPrefix removes every key starting with prefix.
	//
	// Returns:
	//   - The number of keys deleted
	DeleteByPrefix(ctx context.Context, prefix string) (int, error)

	// Stats returns a snapshot of the counters.
	Stats() Stats
}

// Codec converts values to and from bytes for caches that store outside
// the process.
type Codec[T any] interface {
	Marshal(v T) ([]byte, error)
	Unmarshal(data []byte) (T, error)
}

// JSONCodec stores values as JSON.
type JSONCodec[T any] struct{}

// Marshal implements Codec.
func (JSONCodec[T]) Marshal(v T) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal implements Codec.
func (JSONCodec[T]) Unmarshal(data []byte) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}

func checkCtx(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
