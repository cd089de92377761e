// Package wire serializes the typed payloads of the remote rendering
// protocol. All numbers are big-endian; floats are IEEE-754 binary32.
// Every Put method on Encoder has a matching Get method on Decoder.
package wire

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// Encoder is a binary encoder that appends to an internal buffer. A message
// is built completely and then handed to the transport in one write.
type Encoder struct {
	buf []byte
}

// NewEncoder creates a new encoder with a default initial capacity.
func NewEncoder() *Encoder {
	return &Encoder{buf: make([]byte, 0, 256)}
}

// NewEncoderWithCap creates a new encoder with the specified initial capacity.
func NewEncoderWithCap(n int) *Encoder {
	return &Encoder{buf: make([]byte, 0, n)}
}

// Reset empties the encoder, keeping the underlying buffer.
func (e *Encoder) Reset() {
	e.buf = e.buf[:0]
}

// Bytes returns the encoded bytes. The slice is valid until the next Reset
// or Put call.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Len returns the number of bytes currently encoded.
func (e *Encoder) Len() int {
	return len(e.buf)
}

// PutEvent appends a one-byte event tag.
func (e *Encoder) PutEvent(tag uint8) {
	e.buf = append(e.buf, tag)
}

// PutUint8 appends a single byte.
func (e *Encoder) PutUint8(v uint8) {
	e.buf = append(e.buf, v)
}

// PutBool appends a boolean as 0x00 or 0x01.
func (e *Encoder) PutBool(v bool) {
	if v {
		e.buf = append(e.buf, 0x01)
	} else {
		e.buf = append(e.buf, 0x00)
	}
}

// PutUint16 appends a uint16.
func (e *Encoder) PutUint16(v uint16) {
	e.buf = append(e.buf, byte(v>>8), byte(v))
}

// PutUint32 appends a uint32.
func (e *Encoder) PutUint32(v uint32) {
	e.buf = append(e.buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// PutInt32 appends an int32.
func (e *Encoder) PutInt32(v int32) {
	e.PutUint32(uint32(v))
}

// PutFloat32 appends a float32.
func (e *Encoder) PutFloat32(v float32) {
	e.PutUint32(math.Float32bits(v))
}

// PutMatrix appends a 4x4 matrix as 16 floats in row-major order.
func (e *Encoder) PutMatrix(m mgl32.Mat4) {
	for row := 0; row < 4; row++ {
		for col := 0; col < 4; col++ {
			e.PutFloat32(m.At(row, col))
		}
	}
}

// PutString appends an int32 byte length followed by the string bytes.
func (e *Encoder) PutString(s string) {
	e.PutInt32(int32(len(s)))
	e.buf = append(e.buf, s...)
}

// PutBytes appends raw bytes with no length prefix.
func (e *Encoder) PutBytes(b []byte) {
	e.buf = append(e.buf, b...)
}

// PutLenBytes appends an int32 length followed by b.
func (e *Encoder) PutLenBytes(b []byte) {
	e.PutInt32(int32(len(b)))
	e.buf = append(e.buf, b...)
}
