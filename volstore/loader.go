// Package volstore loads volume datasets the server can render from a path
// named in the protocol. Paths are resolved against a local directory or an
// S3 bucket, and loaded descriptors may be cached and shared read-only
// between sessions.
package volstore

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cyberinferno/volserve/protocol"
	"github.com/cyberinferno/volserve/volume"
	"github.com/cyberinferno/volserve/wire"
)

// Loader resolves a path to a volume descriptor.
type Loader interface {
	// Load reads the dataset at path.
	//
	// Returns:
	//   - The descriptor; callers must not modify it
	//   - An error wrapping protocol.ErrFileNotFound or protocol.ErrFileIO
	Load(ctx context.Context, path string) (*volume.Descriptor, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, path string) (*volume.Descriptor, error)

// Load implements Loader.
func (f LoaderFunc) Load(ctx context.Context, path string) (*volume.Descriptor, error) {
	return f(ctx, path)
}

// fileMagic starts every volume file.
var fileMagic = [4]byte{'V', 'S', 'V', 'F'}

// fileVersion is the current volume file version.
const fileVersion = 1

// WriteVolume writes vd in the volume file format: magic, version byte and
// the volume block as sent on the wire.
func WriteVolume(w io.Writer, vd *volume.Descriptor) error {
	if err := vd.Validate(); err != nil {
		return err
	}

	e := wire.NewEncoderWithCap(int(vd.PayloadSize()) + 64)
	e.PutBytes(fileMagic[:])
	e.PutUint8(fileVersion)
	e.PutVolume(vd)

	_, err := w.Write(e.Bytes())
	return err
}

// ReadVolume reads a volume file from r, refusing payloads over maxBytes
// (0 means no limit).
func ReadVolume(r io.Reader, maxBytes int64) (*volume.Descriptor, error) {
	d := wire.NewDecoder(bufio.NewReader(r))
	if maxBytes > 0 {
		d.MaxPayload = maxBytes
	}

	magic, err := d.GetBytes(len(fileMagic))
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	if [4]byte(magic) != fileMagic {
		return nil, fmt.Errorf("not a volume file (magic %q)", magic)
	}

	version, err := d.GetUint8()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	if version != fileVersion {
		return nil, fmt.Errorf("unsupported volume file version %d", version)
	}

	vd, err := d.GetVolume()
	if err != nil {
		return nil, err
	}

	if err := vd.Validate(); err != nil {
		return nil, err
	}

	return vd, nil
}

// notFound and ioFailure wrap load failures in the protocol error kinds.
func notFound(path string, err error) error {
	return fmt.Errorf("%w: %s: %v", protocol.ErrFileNotFound, path, err)
}

func ioFailure(path string, err error) error {
	return fmt.Errorf("%w: %s: %w", protocol.ErrFileIO, path, err)
}

// Router dispatches paths to loaders by scheme: "s3://..." goes to the S3
// loader, everything else to the file loader.
type Router struct {
	File Loader
	S3   Loader
}

// Load implements Loader.
func (r *Router) Load(ctx context.Context, path string) (*volume.Descriptor, error) {
	if strings.HasPrefix(path, s3Scheme) {
		if r.S3 == nil {
			return nil, ioFailure(path, errors.New("s3 storage is not configured"))
		}
		return r.S3.Load(ctx, path)
	}

	if r.File == nil {
		return nil, ioFailure(path, errors.New("local storage is not configured"))
	}

	return r.File.Load(ctx, path)
}
