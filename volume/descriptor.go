// Package volume holds the dataset model exchanged by the remote rendering
// protocol: a scalar 3D (or 4D with time steps) voxel grid with its value
// range and the transfer function used to classify it.
package volume

import (
	"errors"
	"fmt"
	"math"
)

// Limits on descriptor fields. They bound allocations when a descriptor
// header arrives from an untrusted peer.
const (
	MaxDimension       = 1 << 14
	MaxChannels        = 4
	MaxFrames          = 1 << 12
	DefaultMaxVoxelLen = int64(1) << 31
)

// ErrInvalidDescriptor is returned by Validate for malformed descriptors.
var ErrInvalidDescriptor = errors.New("volume: invalid descriptor")

// Descriptor is the dataset metadata plus voxel payload. Voxels are stored
// frame by frame, then z, y, x, then channel, with BytesPerChannel bytes per
// value in big-endian order.
type Descriptor struct {
	Dims            [3]int32 // Width, height, depth in voxels
	Channels        int32
	BytesPerChannel int32 // 1, 2 or 4
	Frames          int32 // Number of time steps
	RealMin         float32
	RealMax         float32
	Voxels          []byte
	TF              TransferFunction
}

// HeaderError describes which header field made a descriptor invalid.
type HeaderError struct {
	Field string
	Value int64
}

func (e *HeaderError) Error() string {
	return fmt.Sprintf("volume: invalid %s: %d", e.Field, e.Value)
}

func (e *HeaderError) Is(target error) bool { return target == ErrInvalidDescriptor }

// ValidateHeader checks every field except the voxel payload.
//
// Returns:
//   - nil if the header is usable, otherwise a *HeaderError
func (d *Descriptor) ValidateHeader() error {
	for i, n := range d.Dims {
		if n <= 0 || n > MaxDimension {
			return &HeaderError{Field: fmt.Sprintf("dimension %d", i), Value: int64(n)}
		}
	}

	if d.Channels <= 0 || d.Channels > MaxChannels {
		return &HeaderError{Field: "channel count", Value: int64(d.Channels)}
	}

	switch d.BytesPerChannel {
	case 1, 2, 4:
	default:
		return &HeaderError{Field: "bytes per channel", Value: int64(d.BytesPerChannel)}
	}

	if d.Frames <= 0 || d.Frames > MaxFrames {
		return &HeaderError{Field: "frame count", Value: int64(d.Frames)}
	}

	if math.IsNaN(float64(d.RealMin)) || math.IsNaN(float64(d.RealMax)) || d.RealMin > d.RealMax {
		return fmt.Errorf("%w: real range [%g, %g]", ErrInvalidDescriptor, d.RealMin, d.RealMax)
	}

	return nil
}

// Validate checks the header and that the payload length matches it.
func (d *Descriptor) Validate() error {
	if err := d.ValidateHeader(); err != nil {
		return err
	}

	if int64(len(d.Voxels)) != d.PayloadSize() {
		return fmt.Errorf("%w: payload is %d bytes, header requires %d",
			ErrInvalidDescriptor, len(d.Voxels), d.PayloadSize())
	}

	return d.TF.Validate()
}

// FrameSize returns the number of bytes of one time step.
func (d *Descriptor) FrameSize() int64 {
	return d.VoxelCount() * int64(d.Channels) * int64(d.BytesPerChannel)
}

// PayloadSize returns the number of voxel bytes the header describes.
func (d *Descriptor) PayloadSize() int64 {
	return d.FrameSize() * int64(d.Frames)
}

// VoxelCount returns the number of voxels per time step.
func (d *Descriptor) VoxelCount() int64 {
	return int64(d.Dims[0]) * int64(d.Dims[1]) * int64(d.Dims[2])
}

// Value returns the first channel of voxel (x, y, z) in frame f normalized to
// [0, 1]. Coordinates must be in range.
func (d *Descriptor) Value(f, x, y, z int) float32 {
	bpc := int(d.BytesPerChannel)
	stride := int(d.Channels) * bpc
	idx := int64(f)*d.FrameSize() +
		((int64(z)*int64(d.Dims[1])+int64(y))*int64(d.Dims[0])+int64(x))*int64(stride)

	switch bpc {
	case 1:
		return float32(d.Voxels[idx]) / math.MaxUint8
	case 2:
		v := uint16(d.Voxels[idx])<<8 | uint16(d.Voxels[idx+1])
		return float32(v) / math.MaxUint16
	default:
		bits := uint32(d.Voxels[idx])<<24 | uint32(d.Voxels[idx+1])<<16 |
			uint32(d.Voxels[idx+2])<<8 | uint32(d.Voxels[idx+3])
		v := math.Float32frombits(bits)
		if d.RealMax > d.RealMin {
			v = (v - d.RealMin) / (d.RealMax - d.RealMin)
		}
		return clamp01(v)
	}
}

// Extent returns the size of the volume's bounding box normalized so the
// longest edge is 1.
func (d *Descriptor) Extent() [3]float32 {
	longest := max(d.Dims[0], d.Dims[1], d.Dims[2])
	if longest <= 0 {
		return [3]float32{}
	}

	return [3]float32{
		float32(d.Dims[0]) / float32(longest),
		float32(d.Dims[1]) / float32(longest),
		float32(d.Dims[2]) / float32(longest),
	}
}

// Clone returns a deep copy of d.
func (d *Descriptor) Clone() *Descriptor {
	c := *d
	c.Voxels = append([]byte(nil), d.Voxels...)
	c.TF = d.TF.Clone()
	return &c
}

// Synthetic builds a single-channel 8-bit volume of the given size holding a
// radial density field, densest at the centre. It has real range [0, 1] and
// the default transfer function.
//
// Parameters:
//   - w, h, depth: Dimensions in voxels
//
// Returns:
//   - A valid descriptor
func Synthetic(w, h, depth int32) *Descriptor {
	d := &Descriptor{
		Dims:            [3]int32{w, h, depth},
		Channels:        1,
		BytesPerChannel: 1,
		Frames:          1,
		RealMin:         0,
		RealMax:         1,
	}
	d.Voxels = make([]byte, d.PayloadSize())

	cx, cy, cz := float64(w-1)/2, float64(h-1)/2, float64(depth-1)/2
	radius := math.Max(math.Max(cx, cy), math.Max(cz, 1))

	i := 0
	for z := int32(0); z < depth; z++ {
		for y := int32(0); y < h; y++ {
			for x := int32(0); x < w; x++ {
				dx, dy, dz := float64(x)-cx, float64(y)-cy, float64(z)-cz
				r := math.Sqrt(dx*dx+dy*dy+dz*dz) / radius
				d.Voxels[i] = byte(math.MaxUint8 * math.Max(0, 1-r))
				i++
			}
		}
	}

	return d
}

func clamp01(v float32) float32 {
	if v < 0 || v != v {
		return 0
	}

	if v > 1 {
		return 1
	}

	return v
}
