package rendercontext

import (
	"errors"
	"image"
	"sync/atomic"
)

// ErrNoDisplay is returned by HeadlessProvider for window contexts.
var ErrNoDisplay = errors.New("rendercontext: no display available for window context")

// HeadlessProvider allocates in-memory pbuffers. It is safe for concurrent
// use by multiple sessions; each surface belongs to one session.
type HeadlessProvider struct {
	live atomic.Int64
}

// NewHeadlessProvider creates a headless provider.
func NewHeadlessProvider() *HeadlessProvider {
	return &HeadlessProvider{}
}

type pbuffer struct {
	front     *image.RGBA
	back      *image.RGBA
	destroyed bool
}

func (p *pbuffer) BackBuffer() *image.RGBA  { return p.back }
func (p *pbuffer) FrontBuffer() *image.RGBA { return p.front }

func (p *pbuffer) SwapBuffers() {
	p.front, p.back = p.back, p.front
}

// Create implements Provider.
func (h *HeadlessProvider) Create(opts Options) (Surface, error) {
	if opts.Type == Window {
		return nil, ErrNoDisplay
	}

	rect := image.Rect(0, 0, opts.Width, opts.Height)
	p := &pbuffer{front: image.NewRGBA(rect)}
	if opts.DoubleBuffered {
		p.back = image.NewRGBA(rect)
	} else {
		p.back = p.front
	}

	h.live.Add(1)
	return p, nil
}

// MakeCurrent implements Provider. A pbuffer needs no binding, so this only
// rejects destroyed or foreign surfaces.
func (h *HeadlessProvider) MakeCurrent(s Surface) bool {
	p, ok := s.(*pbuffer)
	return ok && !p.destroyed
}

// Destroy implements Provider.
func (h *HeadlessProvider) Destroy(s Surface) error {
	p, ok := s.(*pbuffer)
	if !ok {
		return errors.New("rendercontext: surface not created by headless provider")
	}

	if p.destroyed {
		return nil
	}

	p.destroyed = true
	p.front, p.back = nil, nil
	h.live.Add(-1)
	return nil
}

// Live returns the number of surfaces created and not yet destroyed.
func (h *HeadlessProvider) Live() int64 {
	return h.live.Load()
}
