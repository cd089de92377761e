package renderer

import (
	"fmt"

	"github.com/cyberinferno/volserve/rendercontext"
	"github.com/cyberinferno/volserve/volume"
	"github.com/go-gl/mathgl/mgl32"
)

// BoundariesName is the registry name of the bounding box renderer.
const BoundariesName = "boundaries"

// Boundaries returns the twelve edges of the volume's bounding box as line
// geometry transformed to eye space. The client draws them itself, so no
// pixels are produced.
type Boundaries struct {
	*state
}

// NewBoundaries creates a bounding box renderer for vd.
func NewBoundaries(vd *volume.Descriptor) (Renderer, error) {
	s, err := newState(vd)
	if err != nil {
		return nil, err
	}

	return &Boundaries{state: s}, nil
}

// Name implements Renderer.
func (b *Boundaries) Name() string { return BoundariesName }

// SetParameter implements Renderer.
func (b *Boundaries) SetParameter(id ParamID, v Value) error {
	return b.setParameter(id, v)
}

// SetTransferFunction implements Renderer.
func (b *Boundaries) SetTransferFunction(tf volume.TransferFunction) error {
	return b.setTransferFunction(tf)
}

// RenderImage implements Renderer.
func (b *Boundaries) RenderImage(projection, modelview mgl32.Mat4, target *rendercontext.Drawable) (Result, error) {
	if target == nil || target.Released() {
		return Result{}, fmt.Errorf("%w: no active drawable", ErrRender)
	}

	if _, err := inverseMVP(projection, modelview); err != nil {
		return Result{}, err
	}

	ext := b.vd.Extent()
	hx, hy, hz := ext[0]/2, ext[1]/2, ext[2]/2
	corners := [8]mgl32.Vec3{
		{-hx, -hy, -hz}, {hx, -hy, -hz}, {hx, hy, -hz}, {-hx, hy, -hz},
		{-hx, -hy, hz}, {hx, -hy, hz}, {hx, hy, hz}, {-hx, hy, hz},
	}
	edges := [12][2]int{
		{0, 1}, {1, 2}, {2, 3}, {3, 0},
		{4, 5}, {5, 6}, {6, 7}, {7, 4},
		{0, 4}, {1, 5}, {2, 6}, {3, 7},
	}

	verts := make([]mgl32.Vec3, 0, 2*len(edges))
	for _, e := range edges {
		for _, i := range e {
			verts = append(verts, mgl32.TransformCoordinate(corners[i], modelview))
		}
	}

	return Result{Geometry: &GeometryBuffer{Primitive: Lines, Vertices: verts}}, nil
}
