package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/chunkd/chunkd/pkg/upload"
)

func newTestStore(t *testing.T) *GORMStore {
	t.Helper()

	s, err := NewGORM(&Config{
		Type:   DatabaseTypeSQLite,
		SQLite: SQLiteConfig{Path: filepath.Join(t.TempDir(), "test.db")},
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newSession(id string) *upload.Session {
	return &upload.Session{
		ID:          id,
		Filename:    "archive.zip",
		TotalSize:   10,
		TotalChunks: 3,
		Status:      upload.StatusUploading,
	}
}

func TestPutSessionIfAbsent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.PutSessionIfAbsent(ctx, newSession("u1")); err != nil {
		t.Fatalf("first create: %v", err)
	}

	err := s.PutSessionIfAbsent(ctx, newSession("u1"))
	if !errors.Is(err, upload.ErrSessionExists) {
		t.Errorf("duplicate create: got %v, want ErrSessionExists", err)
	}

	got, err := s.GetSession(ctx, "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != upload.StatusUploading || got.TotalChunks != 3 {
		t.Errorf("unexpected session: %+v", got)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetSession(context.Background(), "missing")
	if !errors.Is(err, upload.ErrSessionNotFound) {
		t.Errorf("got %v, want ErrSessionNotFound", err)
	}
}

func TestUpdateSessionStatusCAS(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.PutSessionIfAbsent(ctx, newSession("u1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	t.Run("swap succeeds when status matches", func(t *testing.T) {
		swapped, err := s.UpdateSessionStatus(ctx, "u1",
			upload.StatusUploading, upload.StatusProcessing,
			upload.SessionPatch{UpdatedAt: time.Now()})
		if err != nil {
			t.Fatalf("cas: %v", err)
		}
		if !swapped {
			t.Error("expected swap to succeed")
		}
	})

	t.Run("swap fails when status moved on", func(t *testing.T) {
		swapped, err := s.UpdateSessionStatus(ctx, "u1",
			upload.StatusUploading, upload.StatusProcessing,
			upload.SessionPatch{UpdatedAt: time.Now()})
		if err != nil {
			t.Fatalf("cas: %v", err)
		}
		if swapped {
			t.Error("second swap from UPLOADING should fail")
		}
	})

	t.Run("final hash applied with completion swap", func(t *testing.T) {
		hash := "deadbeef"
		swapped, err := s.UpdateSessionStatus(ctx, "u1",
			upload.StatusProcessing, upload.StatusCompleted,
			upload.SessionPatch{FinalHash: &hash, UpdatedAt: time.Now()})
		if err != nil {
			t.Fatalf("cas: %v", err)
		}
		if !swapped {
			t.Fatal("expected completion swap to succeed")
		}

		got, err := s.GetSession(ctx, "u1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status != upload.StatusCompleted || got.FinalHash != hash {
			t.Errorf("unexpected session after completion: %+v", got)
		}
	})

	t.Run("swap on unknown session reports false", func(t *testing.T) {
		swapped, err := s.UpdateSessionStatus(ctx, "missing",
			upload.StatusUploading, upload.StatusProcessing,
			upload.SessionPatch{UpdatedAt: time.Now()})
		if err != nil {
			t.Fatalf("cas: %v", err)
		}
		if swapped {
			t.Error("swap on unknown session should report false")
		}
	})
}

func TestChunkLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.PutSessionIfAbsent(ctx, newSession("u1")); err != nil {
		t.Fatalf("create session: %v", err)
	}

	chunks := []upload.Chunk{
		{UploadID: "u1", Index: 0, Status: upload.ChunkPending},
		{UploadID: "u1", Index: 1, Status: upload.ChunkPending},
		{UploadID: "u1", Index: 2, Status: upload.ChunkPending},
	}
	if err := s.PutChunksIfAbsent(ctx, chunks); err != nil {
		t.Fatalf("create chunks: %v", err)
	}

	// Re-creating must not clobber existing records.
	if err := s.SetChunkReceived(ctx, "u1", 1); err != nil {
		t.Fatalf("mark received: %v", err)
	}
	if err := s.PutChunksIfAbsent(ctx, chunks); err != nil {
		t.Fatalf("re-create chunks: %v", err)
	}

	chunk, err := s.GetChunk(ctx, "u1", 1)
	if err != nil {
		t.Fatalf("get chunk: %v", err)
	}
	if chunk.Status != upload.ChunkReceived {
		t.Errorf("chunk 1 status = %s, want RECEIVED", chunk.Status)
	}
	if chunk.ReceivedAt == nil {
		t.Error("received_at not set")
	}

	// Marking twice stays RECEIVED.
	if err := s.SetChunkReceived(ctx, "u1", 1); err != nil {
		t.Fatalf("re-mark received: %v", err)
	}

	count, err := s.CountReceived(ctx, "u1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("received count = %d, want 1", count)
	}

	all, err := s.ListChunks(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len(chunks) = %d, want 3", len(all))
	}
	for i, chunk := range all {
		if chunk.Index != i {
			t.Errorf("chunks out of order: position %d has index %d", i, chunk.Index)
		}
	}

	_, err = s.GetChunk(ctx, "u1", 99)
	if !errors.Is(err, upload.ErrChunkNotFound) {
		t.Errorf("got %v, want ErrChunkNotFound", err)
	}
}

func TestListSessionsWhereAndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := newSession("old")
	old.CreatedAt = time.Now().Add(-25 * time.Hour)
	if err := s.PutSessionIfAbsent(ctx, old); err != nil {
		t.Fatalf("create old: %v", err)
	}
	// PutSessionIfAbsent preserves an explicit CreatedAt; verify the
	// backend did not reset it.
	got, err := s.GetSession(ctx, "old")
	if err != nil {
		t.Fatalf("get old: %v", err)
	}
	if time.Since(got.CreatedAt) < 24*time.Hour {
		t.Fatalf("created_at was reset: %v", got.CreatedAt)
	}

	if err := s.PutSessionIfAbsent(ctx, newSession("fresh")); err != nil {
		t.Fatalf("create fresh: %v", err)
	}
	if err := s.PutChunksIfAbsent(ctx, []upload.Chunk{
		{UploadID: "old", Index: 0, Status: upload.ChunkPending},
	}); err != nil {
		t.Fatalf("create chunks: %v", err)
	}

	horizon := time.Now().Add(-24 * time.Hour)
	expired, err := s.ListSessionsWhere(ctx,
		[]upload.Status{upload.StatusUploading, upload.StatusFailed}, horizon)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != "old" {
		t.Fatalf("expired = %+v, want only 'old'", expired)
	}

	if err := s.DeleteSession(ctx, "old"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetSession(ctx, "old"); !errors.Is(err, upload.ErrSessionNotFound) {
		t.Errorf("session still present after delete: %v", err)
	}
	chunks, err := s.ListChunks(ctx, "old")
	if err != nil {
		t.Fatalf("list chunks: %v", err)
	}
	if len(chunks) != 0 {
		t.Errorf("chunk records survived delete: %+v", chunks)
	}

	// Deleting an absent session is not an error.
	if err := s.DeleteSession(ctx, "old"); err != nil {
		t.Errorf("double delete: %v", err)
	}
}
