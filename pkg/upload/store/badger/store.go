// Package badger implements upload.Store on an embedded BadgerDB key-value
// store. Sessions and chunk records are stored as JSON values; the key
// layout encodes the indexes the relational backends declare as columns.
//
// Key layout:
//
//	Sessions   "s:"   s:<uploadID>                 Session (JSON)
//	Chunks     "c:"   c:<uploadID>:<index %08d>    Chunk (JSON)
//
// The zero-padded index keeps chunk keys sorted so a prefix scan returns
// them in index order. Status transitions run inside a single Update
// transaction, which BadgerDB serializes per key, satisfying the
// linearizable compare-and-set the coordinator requires.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/chunkd/chunkd/pkg/upload"
)

const (
	prefixSession = "s:"
	prefixChunk   = "c:"
)

func keySession(uploadID string) []byte {
	return []byte(prefixSession + uploadID)
}

func keyChunk(uploadID string, index int) []byte {
	return []byte(fmt.Sprintf("%s%s:%08d", prefixChunk, uploadID, index))
}

func keyChunkPrefix(uploadID string) []byte {
	return []byte(prefixChunk + uploadID + ":")
}

// Store implements upload.Store backed by BadgerDB.
type Store struct {
	db *badgerdb.DB
}

// New opens (or creates) a BadgerDB store at path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create badger directory: %w", err)
	}

	opts := badgerdb.DefaultOptions(path).WithLogger(nil)
	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) PutSessionIfAbsent(ctx context.Context, session *upload.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	now := time.Now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now

	return s.db.Update(func(txn *badgerdb.Txn) error {
		key := keySession(session.ID)
		_, err := txn.Get(key)
		if err == nil {
			return upload.ErrSessionExists
		}
		if !errors.Is(err, badgerdb.ErrKeyNotFound) {
			return err
		}

		value, err := json.Marshal(session)
		if err != nil {
			return err
		}
		return txn.Set(key, value)
	})
}

func (s *Store) GetSession(ctx context.Context, id string) (*upload.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var session *upload.Session
	err := s.db.View(func(txn *badgerdb.Txn) error {
		var err error
		session, err = getSession(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (s *Store) UpdateSessionStatus(ctx context.Context, id string, from, to upload.Status, patch upload.SessionPatch) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	swapped := false
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		session, err := getSession(txn, id)
		if err != nil {
			if errors.Is(err, upload.ErrSessionNotFound) {
				return nil
			}
			return err
		}
		if session.Status != from {
			return nil
		}

		session.Status = to
		session.UpdatedAt = patch.UpdatedAt
		if patch.FinalHash != nil {
			session.FinalHash = *patch.FinalHash
		}

		value, err := json.Marshal(session)
		if err != nil {
			return err
		}
		if err := txn.Set(keySession(id), value); err != nil {
			return err
		}
		swapped = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return swapped, nil
}

func (s *Store) PutChunksIfAbsent(ctx context.Context, chunks []upload.Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Badger transactions have a bounded size; a WriteBatch handles an
	// arbitrary number of chunk records. Existing records are preserved
	// by checking in a read transaction first.
	batch := s.db.NewWriteBatch()
	defer batch.Cancel()

	err := s.db.View(func(txn *badgerdb.Txn) error {
		for _, chunk := range chunks {
			key := keyChunk(chunk.UploadID, chunk.Index)
			if _, err := txn.Get(key); err == nil {
				continue
			} else if !errors.Is(err, badgerdb.ErrKeyNotFound) {
				return err
			}

			value, err := json.Marshal(chunk)
			if err != nil {
				return err
			}
			if err := batch.Set(key, value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return batch.Flush()
}

func (s *Store) GetChunk(ctx context.Context, uploadID string, index int) (*upload.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var chunk *upload.Chunk
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(keyChunk(uploadID, index))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return upload.ErrChunkNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			chunk = &upload.Chunk{}
			return json.Unmarshal(val, chunk)
		})
	})
	if err != nil {
		return nil, err
	}
	return chunk, nil
}

func (s *Store) SetChunkReceived(ctx context.Context, uploadID string, index int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	now := time.Now()
	chunk := upload.Chunk{
		UploadID:   uploadID,
		Index:      index,
		Status:     upload.ChunkReceived,
		ReceivedAt: &now,
	}
	value, err := json.Marshal(&chunk)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(keyChunk(uploadID, index), value)
	})
}

func (s *Store) ListChunks(ctx context.Context, uploadID string) ([]upload.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var chunks []upload.Chunk
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		prefix := keyChunkPrefix(uploadID)
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var chunk upload.Chunk
				if err := json.Unmarshal(val, &chunk); err != nil {
					return err
				}
				chunks = append(chunks, chunk)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return chunks, nil
}

func (s *Store) CountReceived(ctx context.Context, uploadID string) (int, error) {
	chunks, err := s.ListChunks(ctx, uploadID)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, chunk := range chunks {
		if chunk.Status == upload.ChunkReceived {
			count++
		}
	}
	return count, nil
}

func (s *Store) ListSessionsWhere(ctx context.Context, statuses []upload.Status, olderThan time.Time) ([]upload.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	wanted := make(map[upload.Status]bool, len(statuses))
	for _, status := range statuses {
		wanted[status] = true
	}

	var sessions []upload.Session
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		prefix := []byte(prefixSession)
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var session upload.Session
				if err := json.Unmarshal(val, &session); err != nil {
					return err
				}
				if wanted[session.Status] && session.CreatedAt.Before(olderThan) {
					sessions = append(sessions, session)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Collect chunk keys under a read transaction, then delete through a
	// WriteBatch so large sessions do not overflow a single transaction.
	var keys [][]byte
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := keyChunkPrefix(id)
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return err
	}

	batch := s.db.NewWriteBatch()
	defer batch.Cancel()

	for _, key := range keys {
		if err := batch.Delete(key); err != nil {
			return err
		}
	}
	if err := batch.Delete(keySession(id)); err != nil {
		return err
	}
	return batch.Flush()
}

func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(txn *badgerdb.Txn) error {
		return nil
	})
}

func (s *Store) Close() error {
	return s.db.Close()
}

func getSession(txn *badgerdb.Txn, id string) (*upload.Session, error) {
	item, err := txn.Get(keySession(id))
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, upload.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}

	var session upload.Session
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &session)
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}
