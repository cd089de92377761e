package renderer

import (
	"fmt"
	"math"
)

// ParamID identifies a tunable renderer parameter on the wire.
type ParamID uint16

const (
	ParamQuality            ParamID = 1 // float, sampling rate multiplier
	ParamMIPMode            ParamID = 2 // int, see MIP* constants
	ParamSliceInterpolation ParamID = 3 // int, 0 nearest, 1 trilinear
	ParamBoundaries         ParamID = 4 // int, 0 off, 1 draw bounding box edges
	ParamCurrentFrame       ParamID = 5 // int, time step index
)

// MIP modes.
const (
	MIPOff = 0
	MIPMax = 1
	MIPMin = 2
)

// ValueKind is the interpretation of a parameter's 4 value bytes.
type ValueKind uint8

const (
	KindFloat ValueKind = iota
	KindInt
)

// ParamInfo describes one entry of the parameter table.
type ParamInfo struct {
	ID   ParamID
	Name string
	Kind ValueKind
}

var params = map[ParamID]ParamInfo{
	ParamQuality:            {ID: ParamQuality, Name: "quality", Kind: KindFloat},
	ParamMIPMode:            {ID: ParamMIPMode, Name: "mip_mode", Kind: KindInt},
	ParamSliceInterpolation: {ID: ParamSliceInterpolation, Name: "slice_interpolation", Kind: KindInt},
	ParamBoundaries:         {ID: ParamBoundaries, Name: "boundaries", Kind: KindInt},
	ParamCurrentFrame:       {ID: ParamCurrentFrame, Name: "current_frame", Kind: KindInt},
}

// LookupParam returns the table entry for id.
func LookupParam(id ParamID) (ParamInfo, bool) {
	p, ok := params[id]
	return p, ok
}

// String returns the parameter name.
func (id ParamID) String() string {
	if p, ok := params[id]; ok {
		return p.Name
	}

	return fmt.Sprintf("param(%d)", uint16(id))
}

// Value is a parameter value as carried on the wire: 4 bytes read as a
// float32 or an int32 depending on the parameter kind.
type Value struct {
	bits uint32
}

// FloatValue wraps a float parameter.
func FloatValue(f float32) Value { return Value{bits: math.Float32bits(f)} }

// IntValue wraps an integer parameter.
func IntValue(i int32) Value { return Value{bits: uint32(i)} }

// ValueFromBits wraps raw wire bits.
func ValueFromBits(b uint32) Value { return Value{bits: b} }

// Bits returns the raw wire bits.
func (v Value) Bits() uint32 { return v.bits }

// Float interprets v as a float32.
func (v Value) Float() float32 { return math.Float32frombits(v.bits) }

// Int interprets v as an int32.
func (v Value) Int() int32 { return int32(v.bits) }

func invalid(id ParamID, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidValue, id, fmt.Sprintf(format, args...))
}
