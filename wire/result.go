package wire

import (
	"fmt"
	"sync"

	"github.com/cyberinferno/volserve/rendercontext"
	"github.com/cyberinferno/volserve/renderer"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
)

// Codec selects how image payloads are compressed.
type Codec uint8

const (
	CodecRaw    Codec = 0
	CodecSnappy Codec = 1
	CodecZstd   Codec = 2
)

// String returns the codec name.
func (c Codec) String() string {
	switch c {
	case CodecRaw:
		return "raw"
	case CodecSnappy:
		return "snappy"
	case CodecZstd:
		return "zstd"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// Valid reports whether c is a known codec.
func (c Codec) Valid() bool {
	return c <= CodecZstd
}

// ParseCodec parses a codec name.
func ParseCodec(s string) (Codec, error) {
	switch s {
	case "raw", "":
		return CodecRaw, nil
	case "snappy":
		return CodecSnappy, nil
	case "zstd":
		return CodecZstd, nil
	default:
		return 0, fmt.Errorf("wire: unknown codec %q", s)
	}
}

// MaxGeometryVertices bounds geometry replies.
const MaxGeometryVertices = 1 << 24

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

// zstdCoders returns shared encoder and decoder. Both are safe for
// concurrent EncodeAll and DecodeAll calls.
func zstdCoders() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})

	return zstdEnc, zstdDec, zstdErr
}

func compress(codec Codec, raw []byte) ([]byte, error) {
	switch codec {
	case CodecRaw:
		return raw, nil
	case CodecSnappy:
		return snappy.Encode(nil, raw), nil
	case CodecZstd:
		enc, _, err := zstdCoders()
		if err != nil {
			return nil, fmt.Errorf("wire: zstd: %w", err)
		}
		return enc.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
	default:
		return nil, fmt.Errorf("wire: unknown codec %d", uint8(codec))
	}
}

func decompress(codec Codec, data []byte, want int) ([]byte, error) {
	switch codec {
	case CodecRaw:
		return data, nil
	case CodecSnappy:
		n, err := snappy.DecodedLen(data)
		if err != nil {
			return nil, err
		}
		if n != want {
			return nil, fmt.Errorf("decoded length %d, want %d", n, want)
		}
		return snappy.Decode(nil, data)
	case CodecZstd:
		_, dec, err := zstdCoders()
		if err != nil {
			return nil, err
		}
		return dec.DecodeAll(data, make([]byte, 0, want))
	default:
		return nil, fmt.Errorf("unknown codec %d", uint8(codec))
	}
}

// PutImage appends an image record compressed with codec.
//
// Parameters:
//   - p: The captured frame
//   - codec: Compression negotiated for the session
//
// Returns:
//   - An error if the codec is unknown or compression fails
func (e *Encoder) PutImage(p *rendercontext.PixelBuffer, codec Codec) error {
	payload, err := compress(codec, p.Pix)
	if err != nil {
		return err
	}

	e.PutInt32(int32(p.Width))
	e.PutInt32(int32(p.Height))
	e.PutUint8(uint8(codec))
	e.PutLenBytes(payload)
	return nil
}

// GetImage reads an image record and decompresses it.
func (d *Decoder) GetImage() (*rendercontext.PixelBuffer, error) {
	w, err := d.GetInt32()
	if err != nil {
		return nil, err
	}

	h, err := d.GetInt32()
	if err != nil {
		return nil, asDecode("image header", err)
	}

	c, err := d.GetUint8()
	if err != nil {
		return nil, asDecode("image header", err)
	}

	codec := Codec(c)
	if !codec.Valid() {
		return nil, decodeErr("image codec", fmt.Errorf("unknown codec %d", c))
	}

	want := int64(w) * int64(h) * 4
	if w <= 0 || h <= 0 || (d.MaxPayload > 0 && want > d.MaxPayload) {
		return nil, decodeErr("image size", fmt.Errorf("%dx%d out of range", w, h))
	}

	n, err := d.GetInt32()
	if err != nil {
		return nil, asDecode("image length", err)
	}

	if n < 0 || (d.MaxPayload > 0 && int64(n) > d.MaxPayload) {
		return nil, decodeErr("image length", fmt.Errorf("length %d out of range", n))
	}

	data, err := d.GetBytes(int(n))
	if err != nil {
		return nil, asDecode("image payload", err)
	}

	pix, err := decompress(codec, data, int(want))
	if err != nil {
		return nil, decodeErr("image payload", err)
	}

	if int64(len(pix)) != want {
		return nil, decodeErr("image payload", fmt.Errorf("%d bytes for %dx%d", len(pix), w, h))
	}

	return &rendercontext.PixelBuffer{Width: int(w), Height: int(h), Pix: pix}, nil
}

// PutGeometry appends a geometry record.
func (e *Encoder) PutGeometry(g *renderer.GeometryBuffer) {
	e.PutUint8(uint8(g.Primitive))
	e.PutInt32(int32(len(g.Vertices)))
	for _, v := range g.Vertices {
		e.PutFloat32(v[0])
		e.PutFloat32(v[1])
		e.PutFloat32(v[2])
	}
}

// GetGeometry reads a geometry record.
func (d *Decoder) GetGeometry() (*renderer.GeometryBuffer, error) {
	p, err := d.GetUint8()
	if err != nil {
		return nil, err
	}

	prim := renderer.Primitive(p)
	if !prim.Valid() {
		return nil, decodeErr("primitive", fmt.Errorf("unknown primitive %d", p))
	}

	n, err := d.GetInt32()
	if err != nil {
		return nil, asDecode("vertex count", err)
	}

	if n < 0 || n > MaxGeometryVertices {
		return nil, decodeErr("vertex count", fmt.Errorf("count %d out of range", n))
	}

	g := &renderer.GeometryBuffer{Primitive: prim, Vertices: make([]mgl32.Vec3, n)}
	for i := range g.Vertices {
		for j := 0; j < 3; j++ {
			if g.Vertices[i][j], err = d.GetFloat32(); err != nil {
				return nil, asDecode("vertices", err)
			}
		}
	}

	return g, nil
}
