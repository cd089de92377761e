package renderer

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cyberinferno/volserve/volume"
)

// Constructor builds a renderer for a loaded volume.
type Constructor func(vd *volume.Descriptor) (Renderer, error)

// Factory maps renderer names to constructors. It is safe for concurrent
// use; sessions share one factory.
type Factory struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

// NewFactory creates an empty factory.
func NewFactory() *Factory {
	return &Factory{ctors: make(map[string]Constructor)}
}

// DefaultFactory returns a factory with the built-in renderers registered.
// GPU variants (ray casting and texture slicing) need a platform context and
// are registered by the embedding program.
func DefaultFactory() *Factory {
	f := NewFactory()
	_ = f.Register(SoftRayName, NewSoftRay)
	_ = f.Register(SoftRayRendName, NewSoftRay)
	_ = f.Register(BoundariesName, NewBoundaries)
	return f
}

// Register adds a constructor under name.
//
// Returns:
//   - An error if name is empty or already registered
func (f *Factory) Register(name string, ctor Constructor) error {
	if name == "" || ctor == nil {
		return fmt.Errorf("renderer: invalid registration %q", name)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.ctors[name]; ok {
		return fmt.Errorf("renderer: %q already registered", name)
	}

	f.ctors[name] = ctor
	return nil
}

// Has reports whether name is registered.
func (f *Factory) Has(name string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	_, ok := f.ctors[name]
	return ok
}

// Create builds the renderer registered as name.
//
// Parameters:
//   - name: Registry name from the handshake
//   - vd: The session's volume; renderers must not mutate it
//
// Returns:
//   - The renderer, or an error wrapping ErrUnknownRenderer
func (f *Factory) Create(name string, vd *volume.Descriptor) (Renderer, error) {
	f.mu.RLock()
	ctor, ok := f.ctors[name]
	f.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRenderer, name)
	}

	return ctor(vd)
}

// Available returns the registered names in sorted order.
func (f *Factory) Available() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	names := make([]string, 0, len(f.ctors))
	for name := range f.ctors {
		names = append(names, name)
	}

	sort.Strings(names)
	return names
}
