package volstore

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/cyberinferno/volserve/volume"
)

// FileLoader reads volume files below Root. Paths are interpreted relative
// to Root and cannot escape it.
type FileLoader struct {
	Root     string
	MaxBytes int64 // Largest voxel payload accepted; 0 means no limit
}

// NewFileLoader creates a loader rooted at root.
func NewFileLoader(root string, maxBytes int64) *FileLoader {
	return &FileLoader{Root: root, MaxBytes: maxBytes}
}

// Resolve maps a protocol path to a file system path under Root.
func (l *FileLoader) Resolve(path string) string {
	return filepath.Join(l.Root, filepath.Clean(string(filepath.Separator)+path))
}

// Load implements Loader.
func (l *FileLoader) Load(ctx context.Context, path string) (*volume.Descriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, ioFailure(path, err)
	}

	if path == "" {
		return nil, notFound(path, errors.New("empty path"))
	}

	f, err := os.Open(l.Resolve(path))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound(path, err)
	}
	if err != nil {
		return nil, ioFailure(path, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, ioFailure(path, err)
	}
	if st.IsDir() {
		return nil, notFound(path, errors.New("is a directory"))
	}

	vd, err := ReadVolume(f, l.MaxBytes)
	if err != nil {
		return nil, ioFailure(path, err)
	}

	return vd, nil
}
