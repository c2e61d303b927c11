package upload

import (
	"context"
	"time"
)

// SessionPatch carries the optional fields applied alongside a status
// compare-and-set. A nil FinalHash leaves the stored hash untouched; the
// hash is written once, on the PROCESSING to COMPLETED transition, and is
// never modified afterwards.
type SessionPatch struct {
	FinalHash *string
	UpdatedAt time.Time
}

// Store is the durable metadata backend for sessions and chunk receipts.
//
// UpdateSessionStatus is the sole concurrency primitive the coordinator
// relies on: it must be linearizable per session id. Every implementation
// realizes it as an atomic compare-and-set on the status column/value.
type Store interface {
	// PutSessionIfAbsent creates a new session record. Returns
	// ErrSessionExists when a session with the same id already exists.
	PutSessionIfAbsent(ctx context.Context, session *Session) error

	// GetSession loads a session or returns ErrSessionNotFound.
	GetSession(ctx context.Context, id string) (*Session, error)

	// UpdateSessionStatus atomically advances the session status from
	// "from" to "to", applying patch, and reports whether the swap
	// occurred. A false return with nil error means the current status
	// was not "from".
	UpdateSessionStatus(ctx context.Context, id string, from, to Status, patch SessionPatch) (bool, error)

	// PutChunksIfAbsent bulk-creates initial chunk records. Records that
	// already exist are left untouched.
	PutChunksIfAbsent(ctx context.Context, chunks []Chunk) error

	// GetChunk loads one chunk record or returns ErrChunkNotFound.
	GetChunk(ctx context.Context, uploadID string, index int) (*Chunk, error)

	// SetChunkReceived idempotently marks a chunk RECEIVED. Callers must
	// only invoke it after the chunk's bytes are flushed to the target
	// file.
	SetChunkReceived(ctx context.Context, uploadID string, index int) error

	// ListChunks returns all chunk records for a session, ordered by index.
	ListChunks(ctx context.Context, uploadID string) ([]Chunk, error)

	// CountReceived returns the number of RECEIVED chunks for a session.
	CountReceived(ctx context.Context, uploadID string) (int, error)

	// ListSessionsWhere returns sessions whose status is in statuses and
	// whose created_at is strictly before olderThan.
	ListSessionsWhere(ctx context.Context, statuses []Status, olderThan time.Time) ([]Session, error)

	// DeleteSession removes a session and all of its chunk records.
	// Deleting an absent session is not an error.
	DeleteSession(ctx context.Context, id string) error

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
