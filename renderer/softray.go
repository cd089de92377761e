package renderer

import (
	"fmt"
	"image"
	"math"

	"github.com/cyberinferno/volserve/rendercontext"
	"github.com/cyberinferno/volserve/volume"
	"github.com/go-gl/mathgl/mgl32"
)

// SoftRayName is the registry name of the software ray caster.
const SoftRayName = "softray"

// SoftRayRendName is the name older clients use for the software ray caster.
const SoftRayRendName = "softrayrend"

// maxSamples caps the samples taken along one ray.
const maxSamples = 4096

// SoftRay is a CPU ray caster. It supports front-to-back compositing and
// maximum or minimum intensity projection. The volume occupies a box centred
// on the origin whose longest edge is 1.
type SoftRay struct {
	*state
}

// NewSoftRay creates a software ray caster for vd.
func NewSoftRay(vd *volume.Descriptor) (Renderer, error) {
	s, err := newState(vd)
	if err != nil {
		return nil, err
	}

	return &SoftRay{state: s}, nil
}

// Name implements Renderer.
func (r *SoftRay) Name() string { return SoftRayName }

// SetParameter implements Renderer.
func (r *SoftRay) SetParameter(id ParamID, v Value) error {
	return r.setParameter(id, v)
}

// SetTransferFunction implements Renderer.
func (r *SoftRay) SetTransferFunction(tf volume.TransferFunction) error {
	return r.setTransferFunction(tf)
}

// RenderImage implements Renderer. The frame is drawn into target.
func (r *SoftRay) RenderImage(projection, modelview mgl32.Mat4, target *rendercontext.Drawable) (Result, error) {
	if target == nil || target.Released() {
		return Result{}, fmt.Errorf("%w: no active drawable", ErrRender)
	}

	inv, err := inverseMVP(projection, modelview)
	if err != nil {
		return Result{}, err
	}

	img := target.Target()
	w, h := target.Width(), target.Height()
	ext := r.vd.Extent()
	boxMax := mgl32.Vec3{ext[0] / 2, ext[1] / 2, ext[2] / 2}
	boxMin := boxMax.Mul(-1)
	longest := float32(max(r.vd.Dims[0], r.vd.Dims[1], r.vd.Dims[2]))

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			ndcX := 2*(float32(x)+0.5)/float32(w) - 1
			ndcY := 1 - 2*(float32(y)+0.5)/float32(h)

			origin, okN := unproject(inv, ndcX, ndcY, -1)
			far, okF := unproject(inv, ndcX, ndcY, 1)
			if !okN || !okF {
				setPixel(img, x, y, volume.RGBA{})
				continue
			}

			dir := far.Sub(origin)
			t0, t1, hit := intersectBox(origin, dir, boxMin, boxMax)
			if !hit {
				setPixel(img, x, y, volume.RGBA{})
				continue
			}

			entry := origin.Add(dir.Mul(t0))
			if r.boundaries && onEdge(entry, boxMin, boxMax) {
				setPixel(img, x, y, volume.RGBA{R: 1, G: 1, B: 1, A: 1})
				continue
			}

			segment := dir.Mul(t1 - t0)
			n := int(segment.Len()*longest*r.quality) + 1
			if n > maxSamples {
				n = maxSamples
			}

			setPixel(img, x, y, r.march(entry, segment, n, boxMin, ext, segment.Len()*longest/float32(n)))
		}
	}

	return Result{}, nil
}

// march samples n points along segment starting at entry. stepVoxels is the
// step length measured in voxels, used for opacity correction.
func (r *SoftRay) march(entry, segment mgl32.Vec3, n int, boxMin mgl32.Vec3, ext [3]float32, stepVoxels float32) volume.RGBA {
	step := segment.Mul(1 / float32(n))
	p := entry.Add(step.Mul(0.5))

	switch r.mipMode {
	case MIPMax, MIPMin:
		best := r.sample(p, boxMin, ext)
		for i := 1; i < n; i++ {
			p = p.Add(step)
			v := r.sample(p, boxMin, ext)
			if (r.mipMode == MIPMax && v > best) || (r.mipMode == MIPMin && v < best) {
				best = v
			}
		}

		c := r.classify(best)
		c.A = 1
		return c
	}

	var acc volume.RGBA
	for i := 0; i < n && acc.A < 0.99; i++ {
		c := r.classify(r.sample(p, boxMin, ext))
		a := 1 - float32(math.Pow(float64(1-c.A), float64(stepVoxels)))
		weight := (1 - acc.A) * a
		acc.R += weight * c.R
		acc.G += weight * c.G
		acc.B += weight * c.B
		acc.A += weight
		p = p.Add(step)
	}

	return acc
}

// sample returns the normalized value at object-space point p.
func (r *SoftRay) sample(p, boxMin mgl32.Vec3, ext [3]float32) float32 {
	var c [3]float32
	for i := 0; i < 3; i++ {
		u := (p[i] - boxMin[i]) / ext[i]
		c[i] = clampf(u*float32(r.vd.Dims[i])-0.5, 0, float32(r.vd.Dims[i]-1))
	}

	f := int(r.frame)
	if !r.interpolation {
		return r.vd.Value(f, int(c[0]+0.5), int(c[1]+0.5), int(c[2]+0.5))
	}

	x0, y0, z0 := int(c[0]), int(c[1]), int(c[2])
	x1 := min(x0+1, int(r.vd.Dims[0]-1))
	y1 := min(y0+1, int(r.vd.Dims[1]-1))
	z1 := min(z0+1, int(r.vd.Dims[2]-1))
	fx, fy, fz := c[0]-float32(x0), c[1]-float32(y0), c[2]-float32(z0)

	lerp := func(a, b, t float32) float32 { return a + (b-a)*t }
	c00 := lerp(r.vd.Value(f, x0, y0, z0), r.vd.Value(f, x1, y0, z0), fx)
	c10 := lerp(r.vd.Value(f, x0, y1, z0), r.vd.Value(f, x1, y1, z0), fx)
	c01 := lerp(r.vd.Value(f, x0, y0, z1), r.vd.Value(f, x1, y0, z1), fx)
	c11 := lerp(r.vd.Value(f, x0, y1, z1), r.vd.Value(f, x1, y1, z1), fx)
	return lerp(lerp(c00, c10, fy), lerp(c01, c11, fy), fz)
}

func inverseMVP(projection, modelview mgl32.Mat4) (mgl32.Mat4, error) {
	mvp := projection.Mul4(modelview)
	det := mvp.Det()
	if det == 0 || math.IsNaN(float64(det)) || math.IsInf(float64(det), 0) {
		return mgl32.Mat4{}, fmt.Errorf("%w: singular camera matrix", ErrRender)
	}

	return mvp.Inv(), nil
}

func unproject(inv mgl32.Mat4, x, y, z float32) (mgl32.Vec3, bool) {
	v := inv.Mul4x1(mgl32.Vec4{x, y, z, 1})
	if v[3] == 0 {
		return mgl32.Vec3{}, false
	}

	return v.Vec3().Mul(1 / v[3]), true
}

// intersectBox clips the segment origin + t*dir, t in [0, 1], against an
// axis-aligned box.
func intersectBox(origin, dir, boxMin, boxMax mgl32.Vec3) (float32, float32, bool) {
	t0, t1 := float32(0), float32(1)
	for i := 0; i < 3; i++ {
		if dir[i] == 0 {
			if origin[i] < boxMin[i] || origin[i] > boxMax[i] {
				return 0, 0, false
			}
			continue
		}

		inv := 1 / dir[i]
		near := (boxMin[i] - origin[i]) * inv
		far := (boxMax[i] - origin[i]) * inv
		if near > far {
			near, far = far, near
		}

		t0 = max(t0, near)
		t1 = min(t1, far)
		if t0 > t1 {
			return 0, 0, false
		}
	}

	return t0, t1, true
}

// onEdge reports whether p lies close to two faces of the box.
func onEdge(p, boxMin, boxMax mgl32.Vec3) bool {
	const eps = 0.01
	faces := 0
	for i := 0; i < 3; i++ {
		if abs32(p[i]-boxMin[i]) < eps || abs32(p[i]-boxMax[i]) < eps {
			faces++
		}
	}

	return faces >= 2
}

func setPixel(img *image.RGBA, x, y int, c volume.RGBA) {
	i := img.PixOffset(x, y)
	img.Pix[i+0] = toByte(c.R)
	img.Pix[i+1] = toByte(c.G)
	img.Pix[i+2] = toByte(c.B)
	img.Pix[i+3] = toByte(c.A)
}

func toByte(v float32) uint8 {
	return uint8(clampf(v, 0, 1)*255 + 0.5)
}

func clampf(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
