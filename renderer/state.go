package renderer

import (
	"fmt"
	"math"

	"github.com/cyberinferno/volserve/volume"
)

// lutSize is the number of entries classification tables are sampled to.
const lutSize = 256

// state holds the parameters common to the built-in renderers.
type state struct {
	vd            *volume.Descriptor
	tf            volume.TransferFunction
	lut           []volume.RGBA
	quality       float32
	mipMode       int32
	interpolation bool
	boundaries    bool
	frame         int32
}

func newState(vd *volume.Descriptor) (*state, error) {
	if vd == nil {
		return nil, fmt.Errorf("renderer: nil volume")
	}

	if err := vd.Validate(); err != nil {
		return nil, fmt.Errorf("renderer: %w", err)
	}

	s := &state{vd: vd, quality: 1, interpolation: true}
	s.tf = vd.TF.Clone()
	s.lut = s.tf.LUT(lutSize)
	return s, nil
}

func (s *state) setParameter(id ParamID, v Value) error {
	switch id {
	case ParamQuality:
		q := v.Float()
		if math.IsNaN(float64(q)) || q <= 0 || q > 16 {
			return invalid(id, "%v not in (0, 16]", q)
		}
		s.quality = q
	case ParamMIPMode:
		m := v.Int()
		if m < MIPOff || m > MIPMin {
			return invalid(id, "%d", m)
		}
		s.mipMode = m
	case ParamSliceInterpolation:
		b, err := boolParam(id, v)
		if err != nil {
			return err
		}
		s.interpolation = b
	case ParamBoundaries:
		b, err := boolParam(id, v)
		if err != nil {
			return err
		}
		s.boundaries = b
	case ParamCurrentFrame:
		f := v.Int()
		if f < 0 || f >= s.vd.Frames {
			return invalid(id, "frame %d of %d", f, s.vd.Frames)
		}
		s.frame = f
	default:
		return fmt.Errorf("%w: %d", ErrUnknownParameter, uint16(id))
	}

	return nil
}

func (s *state) setTransferFunction(tf volume.TransferFunction) error {
	if err := tf.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}

	s.tf = tf.Clone()
	s.lut = s.tf.LUT(lutSize)
	return nil
}

func (s *state) classify(v float32) volume.RGBA {
	i := int(v*float32(lutSize-1) + 0.5)
	if i < 0 {
		i = 0
	} else if i >= lutSize {
		i = lutSize - 1
	}

	return s.lut[i]
}

func boolParam(id ParamID, v Value) (bool, error) {
	switch v.Int() {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, invalid(id, "%d is not 0 or 1", v.Int())
	}
}
