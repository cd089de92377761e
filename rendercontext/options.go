// Package rendercontext manages the drawable surfaces a renderer draws into.
// The platform part (window or pbuffer creation) is a Provider; Lifecycle
// wraps it with the acquire, activate and release guarantees a session
// relies on.
package rendercontext

import (
	"errors"
	"fmt"
	"image"
)

// ContextType selects the kind of surface to create.
type ContextType int

const (
	Window  ContextType = iota // On-screen window on a display
	PBuffer                    // Off-screen buffer for headless rendering
)

// String returns the context type name.
func (t ContextType) String() string {
	switch t {
	case Window:
		return "window"
	case PBuffer:
		return "pbuffer"
	default:
		return "unknown"
	}
}

// ParseContextType parses "window" or "pbuffer".
func ParseContextType(s string) (ContextType, error) {
	switch s {
	case "window":
		return Window, nil
	case "pbuffer", "headless", "":
		return PBuffer, nil
	default:
		return 0, fmt.Errorf("rendercontext: unknown context type %q", s)
	}
}

// Options describes the surface to acquire.
type Options struct {
	Type           ContextType
	DisplayName    string // e.g. ":0"; empty selects the default display
	Width          int
	Height         int
	DoubleBuffered bool
}

// WithSize returns a copy of o with the given dimensions.
func (o Options) WithSize(width, height int) Options {
	o.Width = width
	o.Height = height
	return o
}

// ErrRenderContext matches every RenderContextError.
var ErrRenderContext = errors.New("rendercontext: render context error")

// RenderContextError reports that a drawable could not be created.
type RenderContextError struct {
	Options Options
	Err     error
}

func (e *RenderContextError) Error() string {
	return fmt.Sprintf("rendercontext: acquire %s %dx%d: %v",
		e.Options.Type, e.Options.Width, e.Options.Height, e.Err)
}

func (e *RenderContextError) Unwrap() error { return e.Err }

func (e *RenderContextError) Is(target error) bool { return target == ErrRenderContext }

// PixelBuffer is a captured RGBA8 frame, rows top to bottom.
type PixelBuffer struct {
	Width  int
	Height int
	Pix    []byte
}

// Image returns the buffer as an *image.RGBA sharing Pix.
func (p *PixelBuffer) Image() *image.RGBA {
	return &image.RGBA{
		Pix:    p.Pix,
		Stride: 4 * p.Width,
		Rect:   image.Rect(0, 0, p.Width, p.Height),
	}
}
