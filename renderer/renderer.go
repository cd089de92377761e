// Package renderer defines the capability a session drives to turn a volume
// and a camera into a frame, the parameter table clients may tweak, and the
// factory that selects a renderer variant by name.
package renderer

import (
	"errors"
	"fmt"

	"github.com/cyberinferno/volserve/rendercontext"
	"github.com/cyberinferno/volserve/volume"
	"github.com/go-gl/mathgl/mgl32"
)

var (
	// ErrUnknownRenderer is returned by Factory.Create for unregistered names.
	ErrUnknownRenderer = errors.New("renderer: unknown renderer")
	// ErrUnknownParameter is returned for parameter ids outside the table.
	ErrUnknownParameter = errors.New("renderer: unknown parameter")
	// ErrInvalidValue is returned when a renderer rejects a parameter value.
	ErrInvalidValue = errors.New("renderer: invalid parameter value")
	// ErrRender wraps failures during RenderImage.
	ErrRender = errors.New("renderer: render failed")
)

// Renderer draws a volume for a camera. Implementations are used by one
// session goroutine at a time.
type Renderer interface {
	// Name returns the registry name of the variant.
	Name() string

	// RenderImage renders one frame.
	//
	// Parameters:
	//   - projection: Projection matrix
	//   - modelview: Modelview matrix
	//   - target: Active drawable; image renderers draw into its Target
	//
	// Returns:
	//   - A Result holding geometry, or a zero Result when the frame was drawn
	//     into target
	//   - An error wrapping ErrRender on failure
	RenderImage(projection, modelview mgl32.Mat4, target *rendercontext.Drawable) (Result, error)

	// SetParameter applies a tuning parameter.
	//
	// Returns:
	//   - ErrUnknownParameter or ErrInvalidValue (possibly wrapped)
	SetParameter(id ParamID, v Value) error

	// SetTransferFunction replaces the classification function.
	SetTransferFunction(tf volume.TransferFunction) error
}

// Primitive is the geometry primitive type of a GeometryBuffer.
type Primitive uint8

const (
	Points    Primitive = 0
	Lines     Primitive = 1
	Triangles Primitive = 2
)

// String returns the primitive name.
func (p Primitive) String() string {
	switch p {
	case Points:
		return "points"
	case Lines:
		return "lines"
	case Triangles:
		return "triangles"
	default:
		return fmt.Sprintf("primitive(%d)", uint8(p))
	}
}

// Valid reports whether p is a known primitive.
func (p Primitive) Valid() bool {
	return p <= Triangles
}

// GeometryBuffer is a vertex list the client rasterizes itself.
type GeometryBuffer struct {
	Primitive Primitive
	Vertices  []mgl32.Vec3
}

// Result is the output of one render: exactly one of Pixels and Geometry is
// set once the caller has captured the drawable.
type Result struct {
	Pixels   *rendercontext.PixelBuffer
	Geometry *GeometryBuffer
}

// IsGeometry reports whether the result carries geometry.
func (r Result) IsGeometry() bool {
	return r.Geometry != nil
}
