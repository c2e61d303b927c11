package coordinator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/chunkd/chunkd/pkg/upload"
	"github.com/chunkd/chunkd/pkg/upload/store/memory"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *memory.Store) {
	t.Helper()

	store := memory.New()
	c, err := New(store, Config{
		UploadDir: t.TempDir(),
		TempDir:   t.TempDir(),
		ChunkSize: 4,
	}, nil)
	if err != nil {
		t.Fatalf("failed to create coordinator: %v", err)
	}
	return c, store
}

func sha256hex(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

func submit(t *testing.T, c *Coordinator, id string, index int, payload string) *ReceiveResult {
	t.Helper()

	result, err := c.ReceiveChunk(context.Background(), id, index, strings.NewReader(payload))
	if err != nil {
		t.Fatalf("chunk %d: %v", index, err)
	}
	return result
}

func TestHappyPath(t *testing.T) {
	c, store := newTestCoordinator(t)
	ctx := context.Background()

	init, err := c.Init(ctx, "u1", "a.zip", 10)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if init.Status != upload.StatusUploading || len(init.UploadedChunks) != 0 {
		t.Fatalf("init = %+v", init)
	}

	submit(t, c, "u1", 0, "abcd")
	submit(t, c, "u1", 1, "efgh")
	last := submit(t, c, "u1", 2, "ij")

	if !last.IsComplete || last.ReceivedChunks != 3 {
		t.Errorf("last result = %+v", last)
	}

	session, err := store.GetSession(ctx, "u1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if session.Status != upload.StatusCompleted {
		t.Errorf("status = %s, want COMPLETED", session.Status)
	}
	if session.FinalHash != sha256hex("abcdefghij") {
		t.Errorf("final hash = %s", session.FinalHash)
	}

	data, err := os.ReadFile(c.writer.TargetPath("u1"))
	if err != nil {
		t.Fatalf("read target: %v", err)
	}
	if string(data) != "abcdefghij" {
		t.Errorf("file = %q", data)
	}
}

func TestOutOfOrderDelivery(t *testing.T) {
	c, store := newTestCoordinator(t)
	ctx := context.Background()

	if _, err := c.Init(ctx, "u1", "a.zip", 10); err != nil {
		t.Fatalf("init: %v", err)
	}

	submit(t, c, "u1", 2, "ij")
	submit(t, c, "u1", 0, "abcd")
	last := submit(t, c, "u1", 1, "efgh")

	if !last.IsComplete {
		t.Error("upload should be complete")
	}

	session, _ := store.GetSession(ctx, "u1")
	if session.Status != upload.StatusCompleted || session.FinalHash != sha256hex("abcdefghij") {
		t.Errorf("session = %+v", session)
	}
}

func TestInitValidation(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	cases := []struct {
		name     string
		id       string
		filename string
		size     int64
	}{
		{"empty id", "", "a.zip", 10},
		{"empty filename", "u1", "", 10},
		{"zero size", "u1", "a.zip", 0},
		{"negative size", "u1", "a.zip", -1},
		{"path traversal id", "../etc/passwd", "a.zip", 10},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Init(ctx, tc.id, tc.filename, tc.size)
			if !errors.Is(err, upload.ErrInvalidArgument) {
				t.Errorf("got %v, want ErrInvalidArgument", err)
			}
		})
	}
}

func TestInitIsIdempotent(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	if _, err := c.Init(ctx, "u1", "a.zip", 10); err != nil {
		t.Fatalf("first init: %v", err)
	}
	submit(t, c, "u1", 0, "abcd")
	submit(t, c, "u1", 1, "efgh")

	// Re-init reports accurate progress so a restarted client resumes
	// with only the missing chunks.
	again, err := c.Init(ctx, "u1", "a.zip", 10)
	if err != nil {
		t.Fatalf("second init: %v", err)
	}
	if again.Status != upload.StatusUploading {
		t.Errorf("status = %s", again.Status)
	}
	if len(again.UploadedChunks) != 2 || again.UploadedChunks[0] != 0 || again.UploadedChunks[1] != 1 {
		t.Errorf("uploadedChunks = %v, want [0 1]", again.UploadedChunks)
	}

	last := submit(t, c, "u1", 2, "ij")
	if !last.IsComplete {
		t.Error("resume should complete the upload")
	}
}

func TestInitMismatchKeepsOriginal(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	if _, err := c.Init(ctx, "u1", "a.zip", 10); err != nil {
		t.Fatalf("init: %v", err)
	}

	// First write wins: the mismatched re-init succeeds against the
	// original declaration.
	again, err := c.Init(ctx, "u1", "other.bin", 99)
	if err != nil {
		t.Fatalf("mismatched init: %v", err)
	}
	session, _, err := c.Status(ctx, "u1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if session.Filename != "a.zip" || session.TotalSize != 10 {
		t.Errorf("original declaration lost: %+v", session)
	}
	if again.UploadID != "u1" {
		t.Errorf("result = %+v", again)
	}
}

func TestDuplicateChunkIsNoOp(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	if _, err := c.Init(ctx, "u1", "a.zip", 10); err != nil {
		t.Fatalf("init: %v", err)
	}

	submit(t, c, "u1", 0, "abcd")
	dup := submit(t, c, "u1", 0, "abcd")
	if !dup.Duplicate {
		t.Errorf("retry result = %+v, want Duplicate", dup)
	}

	// A duplicate with different bytes is also discarded: the first
	// successful write is authoritative.
	submit(t, c, "u1", 0, "XXXX")
	submit(t, c, "u1", 1, "efgh")
	submit(t, c, "u1", 2, "ij")

	data, _ := os.ReadFile(c.writer.TargetPath("u1"))
	if string(data) != "abcdefghij" {
		t.Errorf("file = %q", data)
	}
}

func TestChunkForUnknownSession(t *testing.T) {
	c, _ := newTestCoordinator(t)

	_, err := c.ReceiveChunk(context.Background(), "ghost", 0, strings.NewReader("abcd"))
	if !errors.Is(err, upload.ErrSessionNotFound) {
		t.Errorf("got %v, want ErrSessionNotFound", err)
	}
}

func TestChunkIndexOutOfRange(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	if _, err := c.Init(ctx, "u1", "a.zip", 10); err != nil {
		t.Fatalf("init: %v", err)
	}

	for _, index := range []int{-1, 3, 100} {
		_, err := c.ReceiveChunk(ctx, "u1", index, strings.NewReader("abcd"))
		if !errors.Is(err, upload.ErrInvalidArgument) {
			t.Errorf("index %d: got %v, want ErrInvalidArgument", index, err)
		}
	}
}

func TestWrongLengthChunkRejected(t *testing.T) {
	c, store := newTestCoordinator(t)
	ctx := context.Background()

	if _, err := c.Init(ctx, "u1", "a.zip", 10); err != nil {
		t.Fatalf("init: %v", err)
	}

	_, err := c.ReceiveChunk(ctx, "u1", 0, strings.NewReader("ab"))
	if !errors.Is(err, upload.ErrLengthMismatch) {
		t.Fatalf("got %v, want ErrLengthMismatch", err)
	}

	chunk, err := store.GetChunk(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("get chunk: %v", err)
	}
	if chunk.Status != upload.ChunkPending {
		t.Errorf("chunk status = %s, want PENDING", chunk.Status)
	}
	if _, err := os.Stat(c.writer.TargetPath("u1")); !os.IsNotExist(err) {
		t.Error("target file created despite rejected chunk")
	}
}

func TestChunkAfterFinalizationIsNoOp(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	if _, err := c.Init(ctx, "u1", "a.zip", 4); err != nil {
		t.Fatalf("init: %v", err)
	}
	submit(t, c, "u1", 0, "abcd")

	late := submit(t, c, "u1", 0, "abcd")
	if !late.AlreadyFinalized {
		t.Errorf("late chunk result = %+v, want AlreadyFinalized", late)
	}

	session, _, _ := c.Status(ctx, "u1")
	if session.Status != upload.StatusCompleted {
		t.Errorf("status = %s", session.Status)
	}
}

// Simulates the server dying between the file write and the receipt record:
// the chunk record is still PENDING, so the retry re-issues the write.
func TestRetryAfterCrashBetweenWriteAndRecord(t *testing.T) {
	c, store := newTestCoordinator(t)
	ctx := context.Background()

	if _, err := c.Init(ctx, "u1", "a.zip", 10); err != nil {
		t.Fatalf("init: %v", err)
	}
	submit(t, c, "u1", 0, "abcd")

	// Write chunk 1's bytes directly, without recording the receipt.
	session, _ := store.GetSession(ctx, "u1")
	if err := c.writer.WriteChunk(session, 1, strings.NewReader("????"), 4); err != nil {
		t.Fatalf("direct write: %v", err)
	}

	init, err := c.Init(ctx, "u1", "a.zip", 10)
	if err != nil {
		t.Fatalf("re-init: %v", err)
	}
	if len(init.UploadedChunks) != 1 || init.UploadedChunks[0] != 0 {
		t.Fatalf("uploadedChunks = %v, want [0]", init.UploadedChunks)
	}

	// The retry overwrites the torn bytes.
	submit(t, c, "u1", 1, "efgh")
	submit(t, c, "u1", 2, "ij")

	session, _ = store.GetSession(ctx, "u1")
	if session.Status != upload.StatusCompleted || session.FinalHash != sha256hex("abcdefghij") {
		t.Errorf("session = %+v", session)
	}
}

func TestWriteErrorLeavesChunkPending(t *testing.T) {
	c, store := newTestCoordinator(t)
	ctx := context.Background()

	if _, err := c.Init(ctx, "u1", "a.zip", 10); err != nil {
		t.Fatalf("init: %v", err)
	}

	// A directory at the target path makes the open fail.
	targetPath := c.writer.TargetPath("u1")
	if err := os.Mkdir(targetPath, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	_, err := c.ReceiveChunk(ctx, "u1", 0, strings.NewReader("abcd"))
	if err == nil {
		t.Fatal("expected write error")
	}
	chunk, _ := store.GetChunk(ctx, "u1", 0)
	if chunk.Status != upload.ChunkPending {
		t.Errorf("chunk status = %s, want PENDING", chunk.Status)
	}

	// Clear the fault; the retry completes the upload.
	if err := os.Remove(targetPath); err != nil {
		t.Fatalf("remove: %v", err)
	}
	submit(t, c, "u1", 0, "abcd")
	submit(t, c, "u1", 1, "efgh")
	submit(t, c, "u1", 2, "ij")

	session, _ := store.GetSession(ctx, "u1")
	if session.Status != upload.StatusCompleted || session.FinalHash != sha256hex("abcdefghij") {
		t.Errorf("session = %+v", session)
	}
}

func TestFinalizationFailureMarksFailed(t *testing.T) {
	c, store := newTestCoordinator(t)
	ctx := context.Background()

	if _, err := c.Init(ctx, "u1", "a.zip", 10); err != nil {
		t.Fatalf("init: %v", err)
	}
	submit(t, c, "u1", 0, "abcd")
	submit(t, c, "u1", 1, "efgh")

	// Forge the last receipt without writing bytes: finalization's file
	// length guard must trip and fail the session.
	if err := store.SetChunkReceived(ctx, "u1", 2); err != nil {
		t.Fatalf("forge receipt: %v", err)
	}
	session, _ := store.GetSession(ctx, "u1")
	if err := c.TryFinalize(ctx, session); err == nil {
		t.Fatal("expected finalization error")
	}

	session, _ = store.GetSession(ctx, "u1")
	if session.Status != upload.StatusFailed {
		t.Errorf("status = %s, want FAILED", session.Status)
	}
	if session.FinalHash != "" {
		t.Errorf("final hash set on failed session: %q", session.FinalHash)
	}

	// Terminal: chunks against a FAILED session are idempotent no-ops.
	late := submit(t, c, "u1", 0, "abcd")
	if !late.AlreadyFinalized {
		t.Errorf("late chunk = %+v", late)
	}
}

func TestConcurrentLastChunkSingleCompletion(t *testing.T) {
	c, store := newTestCoordinator(t)
	ctx := context.Background()

	if _, err := c.Init(ctx, "u1", "a.zip", 10); err != nil {
		t.Fatalf("init: %v", err)
	}
	submit(t, c, "u1", 0, "abcd")
	submit(t, c, "u1", 1, "efgh")

	// The true last chunk races several retries of itself.
	const racers = 8
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.ReceiveChunk(ctx, "u1", 2, strings.NewReader("ij")); err != nil {
				t.Errorf("racer: %v", err)
			}
		}()
	}
	wg.Wait()

	session, _ := store.GetSession(ctx, "u1")
	if session.Status != upload.StatusCompleted {
		t.Errorf("status = %s, want COMPLETED", session.Status)
	}
	if session.FinalHash != sha256hex("abcdefghij") {
		t.Errorf("final hash = %s", session.FinalHash)
	}
}

func TestSingleByteFile(t *testing.T) {
	c, store := newTestCoordinator(t)
	ctx := context.Background()

	init, err := c.Init(ctx, "u1", "tiny.bin", 1)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if len(init.UploadedChunks) != 0 {
		t.Fatalf("init = %+v", init)
	}

	last := submit(t, c, "u1", 0, "x")
	if !last.IsComplete || last.TotalChunks != 1 {
		t.Errorf("result = %+v", last)
	}

	session, _ := store.GetSession(ctx, "u1")
	if session.Status != upload.StatusCompleted || session.FinalHash != sha256hex("x") {
		t.Errorf("session = %+v", session)
	}
	size, _ := c.writer.FileSize("u1")
	if size != 1 {
		t.Errorf("file size = %d, want 1", size)
	}
}

func TestExactMultipleOfChunkSize(t *testing.T) {
	c, store := newTestCoordinator(t)
	ctx := context.Background()

	if _, err := c.Init(ctx, "u1", "a.bin", 8); err != nil {
		t.Fatalf("init: %v", err)
	}

	submit(t, c, "u1", 0, "abcd")
	last := submit(t, c, "u1", 1, "efgh")
	if !last.IsComplete || last.TotalChunks != 2 {
		t.Errorf("result = %+v", last)
	}

	session, _ := store.GetSession(ctx, "u1")
	if session.FinalHash != sha256hex("abcdefgh") {
		t.Errorf("final hash = %s", session.FinalHash)
	}
}

func TestStatus(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	if _, _, err := c.Status(ctx, "ghost"); !errors.Is(err, upload.ErrSessionNotFound) {
		t.Errorf("unknown id: got %v", err)
	}

	if _, err := c.Init(ctx, "u1", "a.zip", 10); err != nil {
		t.Fatalf("init: %v", err)
	}
	submit(t, c, "u1", 1, "efgh")

	session, chunks, err := c.Status(ctx, "u1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if session.Status != upload.StatusUploading {
		t.Errorf("status = %s", session.Status)
	}
	if len(chunks) != 3 {
		t.Fatalf("len(chunks) = %d", len(chunks))
	}
	if chunks[1].Status != upload.ChunkReceived || chunks[0].Status != upload.ChunkPending {
		t.Errorf("chunks = %+v", chunks)
	}
}
