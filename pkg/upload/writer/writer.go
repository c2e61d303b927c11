// Package writer performs offset-addressed chunk writes into the assembled
// target file. Distinct chunk indices map to non-overlapping byte ranges, so
// concurrent writes for different indices need no locking.
package writer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/chunkd/chunkd/internal/logger"
	"github.com/chunkd/chunkd/pkg/upload"
)

// Writer assembles chunk payloads into target files under a single upload
// directory.
type Writer struct {
	uploadDir string
	chunkSize int64
}

// New creates a chunk writer rooted at uploadDir.
func New(uploadDir string, chunkSize int64) *Writer {
	return &Writer{
		uploadDir: uploadDir,
		chunkSize: chunkSize,
	}
}

// TargetPath returns the assembled file location for an upload id.
func (w *Writer) TargetPath(uploadID string) string {
	return filepath.Join(w.uploadDir, uploadID)
}

// WriteChunk writes a single chunk payload at its designated offset and
// flushes it to stable storage before returning.
//
// The payload length is validated against the expected size for the index
// before the target file is touched: a short or oversized payload returns
// upload.ErrLengthMismatch without mutating anything. The file is created
// on first write and stays sparse until every chunk has landed.
func (w *Writer) WriteChunk(session *upload.Session, index int, payload io.Reader, payloadLen int64) error {
	expected := upload.ChunkLength(index, session.TotalSize, w.chunkSize)
	if payloadLen != expected {
		return fmt.Errorf("%w: chunk %d of %s is %d bytes, expected %d",
			upload.ErrLengthMismatch, index, session.ID, payloadLen, expected)
	}

	f, err := os.OpenFile(w.TargetPath(session.ID), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("failed to open target file: %w", err)
	}
	defer f.Close()

	offset := int64(index) * w.chunkSize
	written, err := io.Copy(io.NewOffsetWriter(f, offset), payload)
	if err != nil {
		return fmt.Errorf("failed to write chunk %d at offset %d: %w", index, offset, err)
	}
	if written != expected {
		return fmt.Errorf("short write for chunk %d: wrote %d of %d bytes", index, written, expected)
	}

	// Flush before the caller records the receipt: the chunk record must
	// never claim bytes the disk does not hold.
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync target file: %w", err)
	}

	logger.Debug("Chunk written",
		"upload_id", session.ID,
		"chunk_index", index,
		"offset", offset,
		"bytes", written,
	)
	return nil
}

// FileSize returns the current length of the target file, or 0 if it does
// not exist yet.
func (w *Writer) FileSize(uploadID string) (int64, error) {
	info, err := os.Stat(w.TargetPath(uploadID))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// RemoveTarget deletes the assembled file, ignoring not-found.
func (w *Writer) RemoveTarget(uploadID string) error {
	err := os.Remove(w.TargetPath(uploadID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
