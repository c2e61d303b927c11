// Package spool buffers one in-flight chunk payload on disk. Payloads are
// streamed straight from the request body to a scratch file so memory use
// stays constant regardless of chunk size.
package spool

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// File is a scratch file holding one chunk payload.
type File struct {
	path string
	size int64
}

// Write streams r into a fresh scratch file under dir. The file name is
// unique per request so concurrent chunk uploads never collide.
func Write(dir string, r io.Reader) (*File, error) {
	path := filepath.Join(dir, uuid.New().String()+".part")

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch file: %w", err)
	}

	size, err := io.Copy(f, r)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("failed to spool payload: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("failed to close scratch file: %w", err)
	}

	return &File{path: path, size: size}, nil
}

// Path returns the scratch file location.
func (f *File) Path() string { return f.path }

// Size returns the spooled payload length in bytes.
func (f *File) Size() int64 { return f.size }

// Open returns a reader over the spooled payload.
func (f *File) Open() (io.ReadCloser, error) {
	return os.Open(f.path)
}

// Remove deletes the scratch file. Removing twice is harmless.
func (f *File) Remove() {
	_ = os.Remove(f.path)
}
