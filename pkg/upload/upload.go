// Package upload defines the data model for resumable chunked uploads: the
// per-upload session record, the per-chunk receipt records, and the narrow
// store contract everything else is built on.
package upload

import (
	"fmt"
	"strings"
	"time"
)

// DefaultChunkSize is the fixed chunk size clients split payloads into.
// Tests override it through the coordinator configuration.
const DefaultChunkSize int64 = 5 * 1024 * 1024

// MaxIDLength bounds client-supplied upload ids. The id doubles as the
// target file name, so it must stay a sane path component.
const MaxIDLength = 255

// Status is the lifecycle state of an upload session.
type Status string

const (
	// StatusUploading means chunks are still being received.
	StatusUploading Status = "UPLOADING"

	// StatusProcessing means one worker has claimed finalization and is
	// computing the digest.
	StatusProcessing Status = "PROCESSING"

	// StatusCompleted means the file is fully assembled and hashed. Terminal.
	StatusCompleted Status = "COMPLETED"

	// StatusFailed means the upload cannot complete. Terminal.
	StatusFailed Status = "FAILED"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ChunkStatus tracks receipt of a single chunk.
type ChunkStatus string

const (
	// ChunkPending means the chunk's bytes have not been durably written yet.
	ChunkPending ChunkStatus = "PENDING"

	// ChunkReceived means the chunk's bytes are flushed to the target file.
	ChunkReceived ChunkStatus = "RECEIVED"
)

// Session is the durable record of one logical upload, identified by a
// client-supplied opaque id.
type Session struct {
	ID          string    `gorm:"primaryKey;size:255" json:"id"`
	Filename    string    `gorm:"size:512" json:"filename"`
	TotalSize   int64     `json:"totalSize"`
	TotalChunks int       `json:"totalChunks"`
	Status      Status    `gorm:"size:16;index:idx_sessions_status_created,priority:1" json:"status"`
	FinalHash   string    `gorm:"size:64" json:"finalHash,omitempty"`
	CreatedAt   time.Time `gorm:"index:idx_sessions_status_created,priority:2" json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Chunk is the durable receipt record for one (upload, index) pair.
type Chunk struct {
	UploadID   string      `gorm:"primaryKey;size:255" json:"uploadId"`
	Index      int         `gorm:"primaryKey;column:chunk_index" json:"chunkIndex"`
	Status     ChunkStatus `gorm:"size:16" json:"status"`
	ReceivedAt *time.Time  `json:"receivedAt,omitempty"`
}

// AllModels returns all GORM models for auto-migration.
func AllModels() []any {
	return []any{
		&Session{},
		&Chunk{},
	}
}

// TotalChunks returns ceil(totalSize / chunkSize).
func TotalChunks(totalSize, chunkSize int64) int {
	return int((totalSize + chunkSize - 1) / chunkSize)
}

// ChunkLength returns the expected payload length for the chunk at index.
// Every chunk is chunkSize long except the last, which covers the remainder.
func ChunkLength(index int, totalSize, chunkSize int64) int64 {
	start := int64(index) * chunkSize
	remaining := totalSize - start
	if remaining < chunkSize {
		return remaining
	}
	return chunkSize
}

// ValidateID rejects ids that are empty, overlong, or unsafe as a file name.
// The id addresses a file directly under the upload directory, so path
// separators and traversal sequences are refused outright.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: upload id is required", ErrInvalidArgument)
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("%w: upload id exceeds %d characters", ErrInvalidArgument, MaxIDLength)
	}
	if strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return fmt.Errorf("%w: upload id must not contain path separators or '..'", ErrInvalidArgument)
	}
	return nil
}
