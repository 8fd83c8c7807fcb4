package snapshot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
)

// File keeps the latest exported state in a single file.
type File struct {
	path string
}

// NewFile returns a snapshotter writing to path.
func NewFile(path string) (*File, error) {
	if path == "" {
		return nil, errors.New("snapshot: path is required")
	}
	return &File{path: path}, nil
}

// Path returns the snapshot file location
func (f *File) Path() string {
	return f.path
}

// Save atomically replaces the snapshot file.
func (f *File) Save(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, f.path)
}

// Load returns the snapshot contents, or nil when no snapshot exists yet.
func (f *File) Load(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return data, err
}
