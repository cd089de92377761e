package rendercontext

import (
	"errors"
	"fmt"
	"image"

	"github.com/cyberinferno/volserve/logger"
)

// Surface is a platform rendering surface created by a Provider.
type Surface interface {
	// BackBuffer returns the buffer rendering writes into.
	BackBuffer() *image.RGBA
	// FrontBuffer returns the buffer holding the last presented frame. For
	// single-buffered surfaces it is the back buffer.
	FrontBuffer() *image.RGBA
	// SwapBuffers presents the back buffer.
	SwapBuffers()
}

// Provider is the platform windowing or GPU context collaborator.
type Provider interface {
	// Create allocates a surface for opts.
	Create(opts Options) (Surface, error)
	// MakeCurrent binds the surface to the calling goroutine's context.
	MakeCurrent(s Surface) bool
	// Destroy frees the surface.
	Destroy(s Surface) error
}

// Limits bounds the surfaces Lifecycle will request.
type Limits struct {
	MaxWidth  int
	MaxHeight int
}

// DefaultLimits allows surfaces up to 16384x16384.
func DefaultLimits() Limits {
	return Limits{MaxWidth: 16384, MaxHeight: 16384}
}

// Drawable is a surface owned by one session. The renderer borrows it only
// while rendering.
type Drawable struct {
	opts     Options
	surface  Surface
	released bool
}

// Options returns the options the drawable was acquired with.
func (d *Drawable) Options() Options { return d.opts }

// Width returns the drawable width in pixels.
func (d *Drawable) Width() int { return d.opts.Width }

// Height returns the drawable height in pixels.
func (d *Drawable) Height() int { return d.opts.Height }

// DoubleBuffered reports whether rendering goes to a separate back buffer.
func (d *Drawable) DoubleBuffered() bool { return d.opts.DoubleBuffered }

// Released reports whether Release was called.
func (d *Drawable) Released() bool { return d.released }

// Target returns the image a renderer draws into.
func (d *Drawable) Target() *image.RGBA {
	return d.surface.BackBuffer()
}

// SwapBuffers presents the back buffer. It is a no-op for single-buffered
// drawables.
func (d *Drawable) SwapBuffers() {
	if d.opts.DoubleBuffered {
		d.surface.SwapBuffers()
	}
}

// Capture copies the presented frame.
func (d *Drawable) Capture() *PixelBuffer {
	img := d.surface.FrontBuffer()
	w, h := d.opts.Width, d.opts.Height
	pix := make([]byte, 4*w*h)
	for y := 0; y < h; y++ {
		copy(pix[4*w*y:4*w*(y+1)], img.Pix[y*img.Stride:y*img.Stride+4*w])
	}

	return &PixelBuffer{Width: w, Height: h, Pix: pix}
}

// Lifecycle creates, activates and releases drawables for one session. It is
// used from the session goroutine only and does no locking.
type Lifecycle struct {
	provider Provider
	limits   Limits
	logger   logger.Logger
	current  *Drawable
}

// NewLifecycle builds a Lifecycle over provider.
//
// Parameters:
//   - provider: The platform surface provider
//   - limits: Maximum surface dimensions
//   - log: Logger for release failures
//
// Returns:
//   - A new Lifecycle
func NewLifecycle(provider Provider, limits Limits, log logger.Logger) *Lifecycle {
	return &Lifecycle{
		provider: provider,
		limits:   limits,
		logger:   log,
	}
}

// Acquire creates a drawable for opts.
//
// Parameters:
//   - opts: Surface type, display and size
//
// Returns:
//   - The drawable, or a *RenderContextError if the options are invalid or
//     the provider failed
func (l *Lifecycle) Acquire(opts Options) (*Drawable, error) {
	if opts.Width <= 0 || opts.Height <= 0 {
		return nil, &RenderContextError{Options: opts, Err: errors.New("zero-area surface")}
	}

	if (l.limits.MaxWidth > 0 && opts.Width > l.limits.MaxWidth) ||
		(l.limits.MaxHeight > 0 && opts.Height > l.limits.MaxHeight) {
		return nil, &RenderContextError{
			Options: opts,
			Err:     fmt.Errorf("surface exceeds %dx%d", l.limits.MaxWidth, l.limits.MaxHeight),
		}
	}

	s, err := l.provider.Create(opts)
	if err != nil {
		return nil, &RenderContextError{Options: opts, Err: err}
	}

	return &Drawable{opts: opts, surface: s}, nil
}

// Activate makes d current. Activating the drawable that is already current
// returns true without calling the provider again.
//
// Returns:
//   - true if d is current after the call
func (l *Lifecycle) Activate(d *Drawable) bool {
	if d == nil || d.released {
		return false
	}

	if l.current == d {
		return true
	}

	if !l.provider.MakeCurrent(d.surface) {
		return false
	}

	l.current = d
	return true
}

// Release frees d. It always succeeds: a provider failure is logged and the
// drawable is still marked released. Releasing twice is a no-op.
func (l *Lifecycle) Release(d *Drawable) {
	if d == nil || d.released {
		return
	}

	d.released = true
	if l.current == d {
		l.current = nil
	}

	if err := l.provider.Destroy(d.surface); err != nil {
		l.logger.Warn("render context release failed",
			logger.Field{Key: "width", Value: d.opts.Width},
			logger.Field{Key: "height", Value: d.opts.Height},
			logger.Field{Key: "error", Value: err})
	}

	d.surface = nil
}
