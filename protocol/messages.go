package protocol

import (
	"fmt"

	"github.com/cyberinferno/volserve/renderer"
	"github.com/cyberinferno/volserve/wire"
	"github.com/go-gl/mathgl/mgl32"
)

// Handshake is the first message of a rendering session.
type Handshake struct {
	Width        int32
	Height       int32
	Codec        wire.Codec
	LoadFromFile bool   // The volume arrives as a server-local path
	Renderer     string // Renderer variant name
}

// RendererSet reports which renderer names a server can create.
type RendererSet interface {
	Has(name string) bool
}

// Validate checks the handshake against the server's limits.
//
// Parameters:
//   - maxWidth, maxHeight: Largest viewport the server accepts
//   - renderers: Available renderer variants
//
// Returns:
//   - An error wrapping ErrHandshake describing the first problem found
func (h *Handshake) Validate(maxWidth, maxHeight int32, renderers RendererSet) error {
	switch {
	case h.Width <= 0 || h.Height <= 0:
		return fmt.Errorf("%w: viewport %dx%d", ErrHandshake, h.Width, h.Height)
	case h.Width > maxWidth || h.Height > maxHeight:
		return fmt.Errorf("%w: viewport %dx%d exceeds %dx%d", ErrHandshake, h.Width, h.Height, maxWidth, maxHeight)
	case !h.Codec.Valid():
		return fmt.Errorf("%w: unknown codec %d", ErrHandshake, uint8(h.Codec))
	case !renderers.Has(h.Renderer):
		return fmt.Errorf("%w: unknown renderer %q", ErrHandshake, h.Renderer)
	}

	return nil
}

// PutHandshake appends a complete Handshake message.
func PutHandshake(e *wire.Encoder, h Handshake) {
	e.PutEvent(uint8(EvHandshake))
	e.PutInt32(h.Width)
	e.PutInt32(h.Height)
	e.PutUint8(uint8(h.Codec))
	e.PutBool(h.LoadFromFile)
	e.PutString(h.Renderer)
}

// GetHandshake reads a Handshake payload; the tag has been consumed.
func GetHandshake(d *wire.Decoder) (Handshake, error) {
	var h Handshake
	var err error

	if h.Width, err = d.GetInt32(); err != nil {
		return Handshake{}, err
	}
	if h.Height, err = d.GetInt32(); err != nil {
		return Handshake{}, err
	}

	c, err := d.GetUint8()
	if err != nil {
		return Handshake{}, err
	}
	h.Codec = wire.Codec(c)

	if h.LoadFromFile, err = d.GetBool(); err != nil {
		return Handshake{}, err
	}
	if h.Renderer, err = d.GetString(); err != nil {
		return Handshake{}, err
	}

	return h, nil
}

// Camera holds the matrices of a CameraUpdate or Matrix message.
type Camera struct {
	Projection mgl32.Mat4
	Modelview  mgl32.Mat4
}

// DefaultCamera looks down -z at the unit volume from distance 2.
func DefaultCamera() Camera {
	return Camera{
		Projection: mgl32.Perspective(mgl32.DegToRad(45), 1, 0.1, 10),
		Modelview:  mgl32.Translate3D(0, 0, -2),
	}
}

// PutCamera appends a camera message with tag ev (EvCameraUpdate or
// EvMatrix).
func PutCamera(e *wire.Encoder, ev Event, c Camera) {
	e.PutEvent(uint8(ev))
	e.PutMatrix(c.Projection)
	e.PutMatrix(c.Modelview)
}

// GetCamera reads a camera payload.
func GetCamera(d *wire.Decoder) (Camera, error) {
	p, err := d.GetMatrix()
	if err != nil {
		return Camera{}, err
	}

	mv, err := d.GetMatrix()
	if err != nil {
		return Camera{}, err
	}

	return Camera{Projection: p, Modelview: mv}, nil
}

// PutParameter appends a ParameterUpdate message.
func PutParameter(e *wire.Encoder, id renderer.ParamID, v renderer.Value) {
	e.PutEvent(uint8(EvParameterUpdate))
	e.PutUint16(uint16(id))
	e.PutUint32(v.Bits())
}

// GetParameter reads a ParameterUpdate payload.
func GetParameter(d *wire.Decoder) (renderer.ParamID, renderer.Value, error) {
	id, err := d.GetUint16()
	if err != nil {
		return 0, renderer.Value{}, err
	}

	bits, err := d.GetUint32()
	if err != nil {
		return 0, renderer.Value{}, err
	}

	return renderer.ParamID(id), renderer.ValueFromBits(bits), nil
}

// PutResize appends a Resize message.
func PutResize(e *wire.Encoder, width, height int32) {
	e.PutEvent(uint8(EvResize))
	e.PutInt32(width)
	e.PutInt32(height)
}

// GetResize reads a Resize payload.
func GetResize(d *wire.Decoder) (int32, int32, error) {
	w, err := d.GetInt32()
	if err != nil {
		return 0, 0, err
	}

	h, err := d.GetInt32()
	if err != nil {
		return 0, 0, err
	}

	return w, h, nil
}

// PutErrorReply appends an ErrorReply message.
func PutErrorReply(e *wire.Encoder, code ErrorCode) {
	e.PutEvent(uint8(EvErrorReply))
	e.PutInt32(int32(code))
}
