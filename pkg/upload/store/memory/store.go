// Package memory provides an in-memory upload.Store. It is intended for
// tests; nothing survives a process restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/chunkd/chunkd/pkg/upload"
)

type chunkKey struct {
	uploadID string
	index    int
}

// Store keeps all session and chunk records in process memory, guarded by a
// single mutex. The mutex makes UpdateSessionStatus linearizable per key,
// which is all the coordinator requires.
type Store struct {
	mu       sync.Mutex
	sessions map[string]upload.Session
	chunks   map[chunkKey]upload.Chunk
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		sessions: make(map[string]upload.Session),
		chunks:   make(map[chunkKey]upload.Chunk),
	}
}

func (s *Store) PutSessionIfAbsent(ctx context.Context, session *upload.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; exists {
		return upload.ErrSessionExists
	}

	now := time.Now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	s.sessions[session.ID] = *session
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*upload.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, upload.ErrSessionNotFound
	}
	return &session, nil
}

func (s *Store) UpdateSessionStatus(ctx context.Context, id string, from, to upload.Status, patch upload.SessionPatch) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok || session.Status != from {
		return false, nil
	}

	session.Status = to
	session.UpdatedAt = patch.UpdatedAt
	if patch.FinalHash != nil {
		session.FinalHash = *patch.FinalHash
	}
	s.sessions[id] = session
	return true, nil
}

func (s *Store) PutChunksIfAbsent(ctx context.Context, chunks []upload.Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, chunk := range chunks {
		key := chunkKey{chunk.UploadID, chunk.Index}
		if _, exists := s.chunks[key]; !exists {
			s.chunks[key] = chunk
		}
	}
	return nil
}

func (s *Store) GetChunk(ctx context.Context, uploadID string, index int) (*upload.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	chunk, ok := s.chunks[chunkKey{uploadID, index}]
	if !ok {
		return nil, upload.ErrChunkNotFound
	}
	return &chunk, nil
}

func (s *Store) SetChunkReceived(ctx context.Context, uploadID string, index int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.chunks[chunkKey{uploadID, index}] = upload.Chunk{
		UploadID:   uploadID,
		Index:      index,
		Status:     upload.ChunkReceived,
		ReceivedAt: &now,
	}
	return nil
}

func (s *Store) ListChunks(ctx context.Context, uploadID string) ([]upload.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var chunks []upload.Chunk
	for key, chunk := range s.chunks {
		if key.uploadID == uploadID {
			chunks = append(chunks, chunk)
		}
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Index < chunks[j].Index })
	return chunks, nil
}

func (s *Store) CountReceived(ctx context.Context, uploadID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for key, chunk := range s.chunks {
		if key.uploadID == uploadID && chunk.Status == upload.ChunkReceived {
			count++
		}
	}
	return count, nil
}

func (s *Store) ListSessionsWhere(ctx context.Context, statuses []upload.Status, olderThan time.Time) ([]upload.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var sessions []upload.Session
	for _, session := range s.sessions {
		if !session.CreatedAt.Before(olderThan) {
			continue
		}
		for _, status := range statuses {
			if session.Status == status {
				sessions = append(sessions, session)
				break
			}
		}
	}
	return sessions, nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, id)
	for key := range s.chunks {
		if key.uploadID == id {
			delete(s.chunks, key)
		}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Store) Close() error {
	return nil
}
