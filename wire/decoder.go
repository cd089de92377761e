package wire

import (
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/cyberinferno/volserve/transport"
	"github.com/go-gl/mathgl/mgl32"
)

// DefaultMaxString bounds length-prefixed strings and byte blocks.
const DefaultMaxString = 64 * 1024

// ErrDecode matches every DecodeError.
var ErrDecode = errors.New("wire: decode error")

// DecodeError reports a short or malformed payload.
type DecodeError struct {
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("wire: decode %s: %v", e.Field, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is makes every DecodeError match ErrDecode.
func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

func decodeErr(field string, err error) error {
	return &DecodeError{Field: field, Err: err}
}

// Decoder reads typed values from a byte stream. It is the inverse of
// Encoder: every Get call consumes exactly the bytes the matching Put
// produced.
type Decoder struct {
	r       io.Reader
	scratch [8]byte

	// MaxString bounds strings and length-prefixed blocks.
	MaxString int
	// MaxPayload bounds voxel and image payloads.
	MaxPayload int64
}

// NewDecoder creates a decoder reading from r with default limits.
//
// Parameters:
//   - r: The stream to read; a *transport.Conn in production
//
// Returns:
//   - A new Decoder
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		r:          r,
		MaxString:  DefaultMaxString,
		MaxPayload: 1 << 31,
	}
}

// read fills buf. A clean end of stream before the first byte is reported as
// transport.ErrEndOfStream; a stream that ends inside a value is a
// DecodeError. Other transport errors pass through unchanged.
func (d *Decoder) read(field string, buf []byte) error {
	n, err := io.ReadFull(d.r, buf)
	if err == nil {
		return nil
	}

	eos := errors.Is(err, io.EOF) || errors.Is(err, transport.ErrEndOfStream)
	switch {
	case eos && n == 0:
		return transport.ErrEndOfStream
	case eos, errors.Is(err, io.ErrUnexpectedEOF):
		return decodeErr(field, io.ErrUnexpectedEOF)
	default:
		return err
	}
}

// GetEvent reads a one-byte event tag.
func (d *Decoder) GetEvent() (uint8, error) {
	if err := d.read("event tag", d.scratch[:1]); err != nil {
		return 0, err
	}

	return d.scratch[0], nil
}

// GetUint8 reads a single byte.
func (d *Decoder) GetUint8() (uint8, error) {
	if err := d.read("uint8", d.scratch[:1]); err != nil {
		return 0, err
	}

	return d.scratch[0], nil
}

// GetBool reads a boolean. Values other than 0x00 and 0x01 are rejected.
func (d *Decoder) GetBool() (bool, error) {
	b, err := d.GetUint8()
	if err != nil {
		return false, err
	}

	switch b {
	case 0x00:
		return false, nil
	case 0x01:
		return true, nil
	default:
		return false, decodeErr("bool", fmt.Errorf("invalid value 0x%02x", b))
	}
}

// GetUint16 reads a uint16.
func (d *Decoder) GetUint16() (uint16, error) {
	if err := d.read("uint16", d.scratch[:2]); err != nil {
		return 0, err
	}

	return uint16(d.scratch[0])<<8 | uint16(d.scratch[1]), nil
}

// GetUint32 reads a uint32.
func (d *Decoder) GetUint32() (uint32, error) {
	if err := d.read("uint32", d.scratch[:4]); err != nil {
		return 0, err
	}

	b := d.scratch
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), nil
}

// GetInt32 reads an int32.
func (d *Decoder) GetInt32() (int32, error) {
	v, err := d.GetUint32()
	return int32(v), err
}

// GetFloat32 reads a float32.
func (d *Decoder) GetFloat32() (float32, error) {
	v, err := d.GetUint32()
	if err != nil {
		return 0, err
	}

	return math.Float32frombits(v), nil
}

// GetMatrix reads 16 row-major floats into a matrix.
func (d *Decoder) GetMatrix() (mgl32.Mat4, error) {
	var m mgl32.Mat4
	for row := 0; row < 4; row++ {
		for col := 0; col < 4; col++ {
			v, err := d.GetFloat32()
			if err != nil {
				return mgl32.Mat4{}, asDecode("matrix", err)
			}
			m.Set(row, col, v)
		}
	}

	return m, nil
}

// GetString reads an int32 length followed by that many bytes.
func (d *Decoder) GetString() (string, error) {
	b, err := d.GetLenBytes()
	if err != nil {
		return "", asDecode("string", err)
	}

	return string(b), nil
}

// GetLenBytes reads an int32 length followed by that many bytes. Lengths
// above MaxString are rejected before allocating.
func (d *Decoder) GetLenBytes() ([]byte, error) {
	n, err := d.GetInt32()
	if err != nil {
		return nil, err
	}

	if n < 0 || int(n) > d.MaxString {
		return nil, decodeErr("length", fmt.Errorf("length %d out of range", n))
	}

	return d.GetBytes(int(n))
}

// GetBytes reads exactly n raw bytes into a new slice.
func (d *Decoder) GetBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if n == 0 {
		return buf, nil
	}

	if err := d.read("bytes", buf); err != nil {
		return nil, asDecode("bytes", err)
	}

	return buf, nil
}

// asDecode turns an end of stream that happens after the first byte of a
// composite value into a DecodeError: the peer hung up mid-payload.
func asDecode(field string, err error) error {
	if errors.Is(err, transport.ErrEndOfStream) {
		return decodeErr(field, io.ErrUnexpectedEOF)
	}

	return err
}
