package volstore

import (
	"bytes"
	"context"
	"time"

	"github.com/cyberinferno/volserve/cacher"
	"github.com/cyberinferno/volserve/volume"
)

// CachedLoader puts a cache in front of another loader. Concurrent loads of
// one path run once; the resulting descriptor is shared by every session
// that asks for it and is never mutated.
type CachedLoader struct {
	next  Loader
	cache cacher.Cacher[*volume.Descriptor]
	ttl   time.Duration
}

// NewCachedLoader wraps next with cache.
//
// Parameters:
//   - next: The loader consulted on a miss
//   - cache: Descriptor cache, e.g. a MemoryCacher or a RedisCacher with VolumeCodec
//   - ttl: Lifetime of cached descriptors
//
// Returns:
//   - A new CachedLoader
func NewCachedLoader(next Loader, cache cacher.Cacher[*volume.Descriptor], ttl time.Duration) *CachedLoader {
	return &CachedLoader{next: next, cache: cache, ttl: ttl}
}

// Load implements Loader. Failed loads are not cached, so a corrected file
// is picked up on the next request.
func (c *CachedLoader) Load(ctx context.Context, path string) (*volume.Descriptor, error) {
	return c.cache.GetOrFetch(ctx, path, c.ttl, func(ctx context.Context) (*volume.Descriptor, error) {
		return c.next.Load(ctx, path)
	})
}

// Cache returns the underlying cache for maintenance.
func (c *CachedLoader) Cache() cacher.Cacher[*volume.Descriptor] {
	return c.cache
}

// VolumeCodec stores descriptors in the volume file format so they can be
// cached outside the process.
type VolumeCodec struct {
	MaxBytes int64
}

// Marshal implements cacher.Codec.
func (c VolumeCodec) Marshal(vd *volume.Descriptor) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteVolume(&buf, vd); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal implements cacher.Codec.
func (c VolumeCodec) Unmarshal(data []byte) (*volume.Descriptor, error) {
	return ReadVolume(bytes.NewReader(data), c.MaxBytes)
}

var _ cacher.Codec[*volume.Descriptor] = VolumeCodec{}
