package janitor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chunkd/chunkd/pkg/upload"
	"github.com/chunkd/chunkd/pkg/upload/store/memory"
	"github.com/chunkd/chunkd/pkg/upload/writer"
)

func newTestJanitor(t *testing.T) (*Janitor, *memory.Store, string, string) {
	t.Helper()

	store := memory.New()
	uploadDir := t.TempDir()
	tempDir := t.TempDir()
	w := writer.New(uploadDir, 4)

	j := New(store, w, tempDir, Config{
		Enabled:          true,
		Interval:         time.Hour,
		SessionRetention: 24 * time.Hour,
		ScratchRetention: time.Hour,
	}, nil)
	return j, store, uploadDir, tempDir
}

func putSession(t *testing.T, store *memory.Store, id string, status upload.Status, age time.Duration) {
	t.Helper()

	err := store.PutSessionIfAbsent(context.Background(), &upload.Session{
		ID:        id,
		Status:    status,
		CreatedAt: time.Now().Add(-age),
	})
	if err != nil {
		t.Fatalf("put session %s: %v", id, err)
	}
}

func TestSweepReclaimsExpiredSessions(t *testing.T) {
	j, store, uploadDir, _ := newTestJanitor(t)
	ctx := context.Background()

	putSession(t, store, "expired", upload.StatusUploading, 25*time.Hour)
	if err := store.PutChunksIfAbsent(ctx, []upload.Chunk{
		{UploadID: "expired", Index: 0, Status: upload.ChunkReceived},
		{UploadID: "expired", Index: 1, Status: upload.ChunkReceived},
	}); err != nil {
		t.Fatalf("chunks: %v", err)
	}
	targetPath := filepath.Join(uploadDir, "expired")
	if err := os.WriteFile(targetPath, []byte("partial"), 0644); err != nil {
		t.Fatalf("write target: %v", err)
	}

	j.Sweep(ctx)

	if _, err := os.Stat(targetPath); !os.IsNotExist(err) {
		t.Error("target file survived the sweep")
	}
	if _, err := store.GetSession(ctx, "expired"); !errors.Is(err, upload.ErrSessionNotFound) {
		t.Errorf("session survived: %v", err)
	}
	chunks, _ := store.ListChunks(ctx, "expired")
	if len(chunks) != 0 {
		t.Errorf("chunk records survived: %+v", chunks)
	}
}

func TestSweepSparesProtectedSessions(t *testing.T) {
	j, store, uploadDir, _ := newTestJanitor(t)
	ctx := context.Background()

	putSession(t, store, "done", upload.StatusCompleted, 25*time.Hour)
	putSession(t, store, "sealing", upload.StatusProcessing, 25*time.Hour)
	putSession(t, store, "fresh", upload.StatusUploading, time.Hour)

	for _, id := range []string{"done", "sealing", "fresh"} {
		if err := os.WriteFile(filepath.Join(uploadDir, id), []byte("data"), 0644); err != nil {
			t.Fatalf("write %s: %v", id, err)
		}
	}

	j.Sweep(ctx)

	for _, id := range []string{"done", "sealing", "fresh"} {
		if _, err := store.GetSession(ctx, id); err != nil {
			t.Errorf("session %s was reclaimed: %v", id, err)
		}
		if _, err := os.Stat(filepath.Join(uploadDir, id)); err != nil {
			t.Errorf("target file for %s was deleted: %v", id, err)
		}
	}
}

func TestSweepReclaimsFailedSessions(t *testing.T) {
	j, store, _, _ := newTestJanitor(t)
	ctx := context.Background()

	putSession(t, store, "failed", upload.StatusFailed, 25*time.Hour)

	// No target file exists; the sweep must still delete the records.
	j.Sweep(ctx)

	if _, err := store.GetSession(ctx, "failed"); !errors.Is(err, upload.ErrSessionNotFound) {
		t.Errorf("failed session survived: %v", err)
	}
}

func TestSweepDeletesStaleScratchFiles(t *testing.T) {
	j, _, _, tempDir := newTestJanitor(t)

	stale := filepath.Join(tempDir, "stale.part")
	if err := os.WriteFile(stale, []byte("x"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	fresh := filepath.Join(tempDir, "fresh.part")
	if err := os.WriteFile(fresh, []byte("y"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	j.Sweep(context.Background())

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale scratch file survived")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Errorf("fresh scratch file deleted: %v", err)
	}
}

func TestStartStop(t *testing.T) {
	j, store, _, _ := newTestJanitor(t)

	putSession(t, store, "expired", upload.StatusUploading, 25*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	j.Start(ctx)
	// Start runs an immediate sweep; give it a moment.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := store.GetSession(ctx, "expired"); errors.Is(err, upload.ErrSessionNotFound) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := store.GetSession(ctx, "expired"); !errors.Is(err, upload.ErrSessionNotFound) {
		t.Error("startup sweep did not run")
	}

	j.Stop(time.Second)
	// Stopping twice is harmless.
	j.Stop(time.Second)
}
