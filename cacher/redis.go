package cacher

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrWaitTimeout is returned when another process holds the fetch lock for
// longer than RedisOptions.WaitTimeout.
var ErrWaitTimeout = errors.New("cacher: timeout waiting for another fetch")

// errFetchAbandoned is returned by waitFor when the lock holder went away
// without storing a value.
var errFetchAbandoned = errors.New("cacher: concurrent fetch failed")

const (
	unlockScript = `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		end
		return 0`
	extendScript = `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		end
		return 0`
)

// RedisOptions configures a RedisCacher.
type RedisOptions struct {
	Prefix      string        // Namespace for every key, e.g. "volserve:volume:"
	LockTTL     time.Duration // Lifetime of the fetch lock; extended while fetching
	WaitTimeout time.Duration // How long a loser waits for the winner's value
}

// DefaultRedisOptions returns the options used when fields are zero.
func DefaultRedisOptions() RedisOptions {
	return RedisOptions{
		Prefix:      "volserve:",
		LockTTL:     30 * time.Second,
		WaitTimeout: 30 * time.Second,
	}
}

// RedisCacher shares cached values between server processes through Redis.
// A SET NX lock per key makes one process fetch while the others poll for
// the stored value.
type RedisCacher[T any] struct {
	client redis.UniversalClient
	codec  Codec[T]
	opts   RedisOptions

	hits    atomic.Uint64
	misses  atomic.Uint64
	fetches atomic.Uint64
}

// NewRedisCacher creates a Redis-backed cache.
//
// Parameters:
//   - client: Redis client or cluster client
//   - codec: Value serializer; JSONCodec is used when nil
//   - opts: Namespace and lock timing; zero fields take defaults
//
// Returns:
//   - A new RedisCacher
func NewRedisCacher[T any](client redis.UniversalClient, codec Codec[T], opts RedisOptions) *RedisCacher[T] {
	def := DefaultRedisOptions()
	if opts.Prefix == "" {
		opts.Prefix = def.Prefix
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = def.LockTTL
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = def.WaitTimeout
	}
	if codec == nil {
		codec = JSONCodec[T]{}
	}

	return &RedisCacher[T]{client: client, codec: codec, opts: opts}
}

func (c *RedisCacher[T]) key(k string) string     { return c.opts.Prefix + k }
func (c *RedisCacher[T]) lockKey(k string) string { return c.opts.Prefix + "lock:" + k }

// get returns the decoded value and whether it was present.
func (c *RedisCacher[T]) get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("cacher: redis get: %w", err)
	}

	v, err := c.codec.Unmarshal(data)
	if err != nil {
		return zero, false, fmt.Errorf("cacher: decode cached value: %w", err)
	}

	return v, true, nil
}

// GetOrFetch implements Cacher.
func (c *RedisCacher[T]) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetchFn FetchFunc[T]) (T, error) {
	var zero T
	full := c.key(key)

	v, ok, err := c.get(ctx, full)
	if err != nil {
		return zero, err
	}
	if ok {
		c.hits.Add(1)
		return v, nil
	}

	c.misses.Add(1)
	lock := c.lockKey(key)
	token := strconv.FormatInt(time.Now().UnixNano(), 36)

	acquired, err := c.client.SetNX(ctx, lock, token, c.opts.LockTTL).Result()
	if err != nil {
		return zero, fmt.Errorf("cacher: acquire lock: %w", err)
	}

	if !acquired {
		v, err := c.waitFor(ctx, full, lock)
		if errors.Is(err, errFetchAbandoned) {
			// The holder's fetch failed; run it here so the caller sees the
			// source's own error rather than a generic one.
			return c.fetchAndStore(ctx, full, ttl, fetchFn)
		}
		return v, err
	}

	defer c.client.Eval(context.Background(), unlockScript, []string{lock}, token)

	extendCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.extendLock(extendCtx, lock, token)

	return c.fetchAndStore(ctx, full, ttl, fetchFn)
}

// fetchAndStore runs fetchFn and stores a successful result under key.
func (c *RedisCacher[T]) fetchAndStore(ctx context.Context, key string, ttl time.Duration, fetchFn FetchFunc[T]) (T, error) {
	var zero T

	c.fetches.Add(1)
	v, err := fetchFn(ctx)
	if err != nil {
		return zero, err
	}

	data, err := c.codec.Marshal(v)
	if err != nil {
		return zero, fmt.Errorf("cacher: encode value: %w", err)
	}

	if err := c.client.Set(context.Background(), key, data, ttl).Err(); err != nil {
		return zero, fmt.Errorf("cacher: store value: %w", err)
	}

	return v, nil
}

// extendLock keeps the fetch lock alive until ctx is cancelled.
func (c *RedisCacher[T]) extendLock(ctx context.Context, lock, token string) {
	ticker := time.NewTicker(c.opts.LockTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.client.Eval(ctx, extendScript, []string{lock}, token, c.opts.LockTTL.Milliseconds())
		}
	}
}

// waitFor polls with exponential backoff until the lock holder stores the
// value, gives up, or the wait times out.
func (c *RedisCacher[T]) waitFor(ctx context.Context, key, lock string) (T, error) {
	var zero T
	backoff := 10 * time.Millisecond
	deadline := time.Now().Add(c.opts.WaitTimeout)

	for {
		if err := checkCtx(ctx); err != nil {
			return zero, err
		}

		if time.Now().After(deadline) {
			return zero, ErrWaitTimeout
		}

		v, ok, err := c.get(ctx, key)
		if err != nil {
			return zero, err
		}
		if ok {
			return v, nil
		}

		held, err := c.client.Exists(ctx, lock).Result()
		if err != nil {
			return zero, fmt.Errorf("cacher: check lock: %w", err)
		}

		if held == 0 {
			if v, ok, err := c.get(ctx, key); err == nil && ok {
				return v, nil
			}
			return zero, errFetchAbandoned
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
		backoff = min(2*backoff, 500*time.Millisecond)
	}
}

// Delete implements Cacher.
func (c *RedisCacher[T]) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		return fmt.Errorf("cacher: delete: %w", err)
	}
	return nil
}

// Clear implements Cacher. Only keys under the cache prefix are removed, so
// the Redis database may be shared.
func (c *RedisCacher[T]) Clear(ctx context.Context) error {
	_, err := c.DeleteByPrefix(ctx, "")
	return err
}

// ItemCount implements Cacher.
func (c *RedisCacher[T]) ItemCount(ctx context.Context) (int, error) {
	keys, err := c.scan(ctx, c.key(""))
	return len(keys), err
}

// DeleteByPrefix implements Cacher.
func (c *RedisCacher[T]) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	keys, err := c.scan(ctx, c.key(prefix))
	if err != nil || len(keys) == 0 {
		return 0, err
	}

	n, err := c.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("cacher: delete keys: %w", err)
	}

	return int(n), nil
}

// scan lists value keys starting with prefix, skipping lock keys.
func (c *RedisCacher[T]) scan(ctx context.Context, prefix string) ([]string, error) {
	lockPrefix := c.lockKey("")
	var keys []string

	iter := c.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		if len(k) >= len(lockPrefix) && k[:len(lockPrefix)] == lockPrefix {
			continue
		}
		keys = append(keys, k)
	}

	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("cacher: scan keys: %w", err)
	}

	return keys, nil
}

// Stats implements Cacher.
func (c *RedisCacher[T]) Stats() Stats {
	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Fetches: c.fetches.Load(),
	}
}
