package upload

import "errors"

// Common errors for upload session and chunk operations.
var (
	// Session errors
	ErrSessionExists   = errors.New("upload session already exists")
	ErrSessionNotFound = errors.New("upload session not found")

	// Chunk errors
	ErrChunkNotFound   = errors.New("chunk record not found")
	ErrLengthMismatch  = errors.New("chunk payload length mismatch")
	ErrInvalidArgument = errors.New("invalid argument")
)
