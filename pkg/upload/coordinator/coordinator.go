// Package coordinator orchestrates the upload lifecycle: session creation,
// per-chunk admission and write, completion detection, and the exactly-once
// finalization transition.
//
// Concurrency model: multiple requests may execute against the same session
// at once. No in-process locks are held across blocking points; all mutual
// exclusion flows through the store's per-key compare-and-set plus the
// non-overlapping byte ranges distinct chunk indices write to.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/chunkd/chunkd/internal/logger"
	"github.com/chunkd/chunkd/internal/telemetry"
	"github.com/chunkd/chunkd/pkg/metrics"
	"github.com/chunkd/chunkd/pkg/upload"
	"github.com/chunkd/chunkd/pkg/upload/digest"
	"github.com/chunkd/chunkd/pkg/upload/peek"
	"github.com/chunkd/chunkd/pkg/upload/spool"
	"github.com/chunkd/chunkd/pkg/upload/writer"
)

// Config holds coordinator configuration.
type Config struct {
	// UploadDir is where assembled target files live.
	UploadDir string `mapstructure:"upload_dir" yaml:"upload_dir"`

	// TempDir is where in-flight chunk payloads are spooled.
	TempDir string `mapstructure:"temp_dir" yaml:"temp_dir"`

	// ChunkSize is the fixed chunk size. Default: upload.DefaultChunkSize.
	// Tests lower it to exercise multi-chunk flows with tiny payloads.
	ChunkSize int64 `mapstructure:"chunk_size" yaml:"chunk_size"`
}

// ApplyDefaults fills in zero values with sensible defaults.
func (c *Config) ApplyDefaults() {
	if c.UploadDir == "" {
		c.UploadDir = "upload"
	}
	if c.TempDir == "" {
		c.TempDir = "temp"
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = upload.DefaultChunkSize
	}
}

// Coordinator enforces the session state machine invariants.
type Coordinator struct {
	store   upload.Store
	writer  *writer.Writer
	config  Config
	metrics *metrics.UploadMetrics
}

// New creates a coordinator and ensures the upload and scratch directories
// exist.
func New(store upload.Store, config Config, uploadMetrics *metrics.UploadMetrics) (*Coordinator, error) {
	config.ApplyDefaults()

	for _, dir := range []string{config.UploadDir, config.TempDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return &Coordinator{
		store:   store,
		writer:  writer.New(config.UploadDir, config.ChunkSize),
		config:  config,
		metrics: uploadMetrics,
	}, nil
}

// ChunkSize returns the configured chunk size.
func (c *Coordinator) ChunkSize() int64 {
	return c.config.ChunkSize
}

// TempDir returns the scratch directory requests spool payloads into.
func (c *Coordinator) TempDir() string {
	return c.config.TempDir
}

// InitResult is the response to an init call.
type InitResult struct {
	UploadID       string
	Status         upload.Status
	UploadedChunks []int
}

// Init creates an upload session, or resumes an existing one with the same
// id. The call is idempotent: repeated init returns the current session and
// the accurate set of already received chunk indices, which is exactly what
// a client needs to resume after a crash on either side.
func (c *Coordinator) Init(ctx context.Context, id, filename string, totalSize int64) (*InitResult, error) {
	if err := upload.ValidateID(id); err != nil {
		return nil, err
	}
	if filename == "" {
		return nil, fmt.Errorf("%w: filename is required", upload.ErrInvalidArgument)
	}
	if totalSize <= 0 {
		return nil, fmt.Errorf("%w: fileSize must be positive", upload.ErrInvalidArgument)
	}

	totalChunks := upload.TotalChunks(totalSize, c.config.ChunkSize)
	session := &upload.Session{
		ID:          id,
		Filename:    filename,
		TotalSize:   totalSize,
		TotalChunks: totalChunks,
		Status:      upload.StatusUploading,
	}

	err := c.store.PutSessionIfAbsent(ctx, session)
	switch {
	case err == nil:
		c.metrics.RecordSessionCreated()
		logger.Info("Upload session created",
			"upload_id", id,
			"filename", filename,
			"total_size", totalSize,
			"total_chunks", totalChunks,
		)

	case errors.Is(err, upload.ErrSessionExists):
		existing, getErr := c.store.GetSession(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		// First write wins: a mismatched re-init keeps the original
		// declaration and only gets a warning in the logs.
		if existing.TotalSize != totalSize || existing.Filename != filename {
			logger.Warn("Init for existing session with mismatched fields, keeping original",
				"upload_id", id,
				"filename", filename,
				"stored_filename", existing.Filename,
				"total_size", totalSize,
				"stored_total_size", existing.TotalSize,
			)
		}
		session = existing

	default:
		return nil, err
	}

	// Chunk records are the session's progress ledger. Creating them here
	// on both paths heals a crash that landed between the session insert
	// and the bulk chunk insert.
	pending := make([]upload.Chunk, session.TotalChunks)
	for i := range pending {
		pending[i] = upload.Chunk{
			UploadID: session.ID,
			Index:    i,
			Status:   upload.ChunkPending,
		}
	}
	if err := c.store.PutChunksIfAbsent(ctx, pending); err != nil {
		return nil, err
	}

	chunks, err := c.store.ListChunks(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	uploaded := make([]int, 0, len(chunks))
	for _, chunk := range chunks {
		if chunk.Status == upload.ChunkReceived {
			uploaded = append(uploaded, chunk.Index)
		}
	}

	return &InitResult{
		UploadID:       session.ID,
		Status:         session.Status,
		UploadedChunks: uploaded,
	}, nil
}

// ReceiveResult is the response to a chunk submission.
type ReceiveResult struct {
	// Duplicate is set when the chunk was already RECEIVED and the
	// payload was discarded.
	Duplicate bool

	// AlreadyFinalized is set when the session has left UPLOADING and
	// the payload was discarded.
	AlreadyFinalized bool

	ReceivedChunks int
	TotalChunks    int
	IsComplete     bool
}

// ReceiveChunk spools the payload to scratch and admits it. Convenience
// entry for callers holding a raw reader; the HTTP surface spools during
// multipart intake and uses ReceiveSpooled directly.
func (c *Coordinator) ReceiveChunk(ctx context.Context, id string, index int, payload io.Reader) (*ReceiveResult, error) {
	sp, err := spool.Write(c.config.TempDir, payload)
	if err != nil {
		return nil, err
	}
	return c.ReceiveSpooled(ctx, id, index, sp)
}

// ReceiveSpooled admits one spooled chunk payload. It takes ownership of
// the spool file and deletes it on every exit path.
//
// The ordering inside is load-bearing: the chunk's bytes are written and
// flushed to the target file strictly before the receipt is recorded, so a
// crash in between leaves the record PENDING and a client retry re-issues
// the write.
func (c *Coordinator) ReceiveSpooled(ctx context.Context, id string, index int, sp *spool.File) (result *ReceiveResult, err error) {
	defer sp.Remove()
	start := time.Now()

	ctx, span := telemetry.StartSpan(ctx, "upload.receive_chunk")
	defer span.End()
	span.SetAttributes(
		attribute.String(telemetry.AttrUploadID, id),
		attribute.Int(telemetry.AttrChunkIndex, index),
		attribute.Int64(telemetry.AttrChunkSize, sp.Size()),
	)
	defer func() {
		if err != nil {
			telemetry.RecordError(ctx, err)
		}
	}()

	session, err := c.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	// Idempotent tail behavior: once finalization has started, late and
	// retried chunks succeed as no-ops.
	if session.Status != upload.StatusUploading {
		logger.Debug("Chunk for finalized session discarded",
			"upload_id", id, "chunk_index", index, "status", session.Status)
		return &ReceiveResult{
			AlreadyFinalized: true,
			TotalChunks:      session.TotalChunks,
		}, nil
	}

	if index < 0 || index >= session.TotalChunks {
		return nil, fmt.Errorf("%w: chunk index %d out of range [0,%d)",
			upload.ErrInvalidArgument, index, session.TotalChunks)
	}

	chunk, err := c.store.GetChunk(ctx, id, index)
	if err != nil {
		return nil, err
	}

	// Fast idempotent path: the bytes are already on disk, so a retry is
	// acknowledged without touching the file.
	if chunk.Status == upload.ChunkReceived {
		c.metrics.RecordDuplicateChunk()
		logger.Debug("Duplicate chunk discarded", "upload_id", id, "chunk_index", index)
		return &ReceiveResult{
			Duplicate:   true,
			TotalChunks: session.TotalChunks,
		}, nil
	}

	payload, err := sp.Open()
	if err != nil {
		return nil, err
	}
	defer payload.Close()

	if err := c.writer.WriteChunk(session, index, payload, sp.Size()); err != nil {
		return nil, err
	}

	// Write first, then mark: the receipt record must never get ahead of
	// the bytes on disk.
	if err := c.store.SetChunkReceived(ctx, id, index); err != nil {
		return nil, err
	}
	c.metrics.RecordChunkReceived(sp.Size(), time.Since(start))

	received, err := c.store.CountReceived(ctx, id)
	if err != nil {
		return nil, err
	}

	result = &ReceiveResult{
		ReceivedChunks: received,
		TotalChunks:    session.TotalChunks,
		IsComplete:     received == session.TotalChunks,
	}

	logger.Info("Chunk received",
		"upload_id", id,
		"chunk_index", index,
		"received", received,
		"total", session.TotalChunks,
	)

	// The last arriving chunk's handler performs finalization inline.
	if result.IsComplete {
		if err := c.TryFinalize(ctx, session); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// TryFinalize performs the exactly-once finalization transition. Multiple
// workers may call it concurrently when the last chunk and a retry of it
// finish together; the UPLOADING to PROCESSING compare-and-set admits one.
func (c *Coordinator) TryFinalize(ctx context.Context, session *upload.Session) error {
	start := time.Now()

	swapped, err := c.store.UpdateSessionStatus(ctx, session.ID,
		upload.StatusUploading, upload.StatusProcessing,
		upload.SessionPatch{UpdatedAt: time.Now()})
	if err != nil {
		return err
	}
	if !swapped {
		// Another worker claimed finalization, or the session already
		// reached a terminal state out of band. Either way there is
		// nothing left to do here.
		c.metrics.RecordFinalization("lost_race", 0)
		logger.Debug("Finalization already claimed", "upload_id", session.ID)
		return nil
	}

	ctx, span := telemetry.StartSpan(ctx, "upload.finalize")
	defer span.End()
	span.SetAttributes(
		attribute.String(telemetry.AttrUploadID, session.ID),
		attribute.Int64(telemetry.AttrTotalSize, session.TotalSize),
	)

	// From here this worker has exclusive responsibility: any failure
	// must push the session to FAILED before surfacing.
	if err := c.finalize(ctx, session); err != nil {
		c.metrics.RecordFinalization("failed", time.Since(start))
		telemetry.RecordError(ctx, err)
		logger.Error("Finalization failed", "upload_id", session.ID, "error", err)

		if _, casErr := c.store.UpdateSessionStatus(ctx, session.ID,
			upload.StatusProcessing, upload.StatusFailed,
			upload.SessionPatch{UpdatedAt: time.Now()}); casErr != nil {
			logger.Error("Failed to mark session FAILED",
				"upload_id", session.ID, "error", casErr)
		}
		return err
	}

	c.metrics.RecordFinalization("completed", time.Since(start))
	return nil
}

func (c *Coordinator) finalize(ctx context.Context, session *upload.Session) error {
	targetPath := c.writer.TargetPath(session.ID)

	// Every chunk record is RECEIVED, so the file must be exactly the
	// declared length. A mismatch means bytes were lost out of band.
	size, err := c.writer.FileSize(session.ID)
	if err != nil {
		return fmt.Errorf("failed to stat target file: %w", err)
	}
	if size != session.TotalSize {
		return fmt.Errorf("target file is %d bytes, expected %d", size, session.TotalSize)
	}

	hash, err := digest.File(targetPath)
	if err != nil {
		return fmt.Errorf("failed to compute digest: %w", err)
	}

	// Peek is best-effort by contract; failures are logged and swallowed.
	if peek.IsZip(session.Filename) {
		if entries, err := peek.ZipEntries(targetPath); err != nil {
			logger.Warn("Archive peek failed",
				"upload_id", session.ID, "filename", session.Filename, "error", err)
		} else {
			logger.Info("Archive contents",
				"upload_id", session.ID, "entries", entries)
		}
	}

	swapped, err := c.store.UpdateSessionStatus(ctx, session.ID,
		upload.StatusProcessing, upload.StatusCompleted,
		upload.SessionPatch{FinalHash: &hash, UpdatedAt: time.Now()})
	if err != nil {
		return err
	}
	if !swapped {
		return fmt.Errorf("completion CAS rejected for session %s", session.ID)
	}

	logger.Info("Upload completed",
		"upload_id", session.ID,
		"filename", session.Filename,
		"total_size", session.TotalSize,
		"final_hash", hash,
	)
	return nil
}

// Status returns the session and all of its chunk records. Read-only.
func (c *Coordinator) Status(ctx context.Context, id string) (*upload.Session, []upload.Chunk, error) {
	session, err := c.store.GetSession(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	chunks, err := c.store.ListChunks(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return session, chunks, nil
}
