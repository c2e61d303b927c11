// Package store provides the durable metadata backends for upload sessions:
// GORM over SQLite or PostgreSQL, an embedded BadgerDB backend, and an
// in-memory backend for tests.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/chunkd/chunkd/pkg/upload"
)

// GORMStore implements upload.Store using GORM.
// It supports both SQLite and PostgreSQL backends via the same codebase.
type GORMStore struct {
	db     *gorm.DB
	config *Config
}

// NewGORM creates a relational metadata store based on the configuration.
// It automatically creates the database schema via GORM AutoMigrate.
func NewGORM(config *Config) (*GORMStore, error) {
	if config == nil {
		config = &Config{}
	}

	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database configuration: %w", err)
	}

	var dialector gorm.Dialector
	switch config.Type {
	case DatabaseTypeSQLite:
		// Ensure parent directory exists for SQLite
		if err := os.MkdirAll(filepath.Dir(config.SQLite.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		// SQLite pragmas for better concurrent access:
		// - journal_mode(WAL): Write-Ahead Logging for concurrent readers/single writer
		// - busy_timeout(5000): Wait up to 5 seconds when database is locked
		dsn := config.SQLite.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
		dialector = sqlite.Open(dsn)

	case DatabaseTypePostgres:
		dialector = postgres.Open(config.Postgres.DSN())

	default:
		return nil, fmt.Errorf("unsupported database type for GORM store: %s", config.Type)
	}

	gormConfig := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if config.Type == DatabaseTypePostgres {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get underlying database: %w", err)
		}
		sqlDB.SetMaxOpenConns(config.Postgres.MaxOpenConns)
		sqlDB.SetMaxIdleConns(config.Postgres.MaxIdleConns)
	}

	if err := db.AutoMigrate(upload.AllModels()...); err != nil {
		return nil, fmt.Errorf("failed to run database migration: %w", err)
	}

	return &GORMStore{
		db:     db,
		config: config,
	}, nil
}

// DB returns the underlying GORM database connection.
// This is useful for advanced queries or testing.
func (s *GORMStore) DB() *gorm.DB {
	return s.db
}

func (s *GORMStore) PutSessionIfAbsent(ctx context.Context, session *upload.Session) error {
	now := time.Now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now

	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		if isUniqueConstraintError(err) {
			return upload.ErrSessionExists
		}
		return err
	}
	return nil
}

func (s *GORMStore) GetSession(ctx context.Context, id string) (*upload.Session, error) {
	var session upload.Session
	err := s.db.WithContext(ctx).
		Where("id = ?", id).
		First(&session).Error
	if err != nil {
		return nil, convertNotFoundError(err, upload.ErrSessionNotFound)
	}
	return &session, nil
}

// UpdateSessionStatus is the compare-and-set primitive: a single UPDATE
// gated on the current status, with the affected-row count deciding whether
// this caller won the transition.
func (s *GORMStore) UpdateSessionStatus(ctx context.Context, id string, from, to upload.Status, patch upload.SessionPatch) (bool, error) {
	updates := map[string]any{
		"status":     to,
		"updated_at": patch.UpdatedAt,
	}
	if patch.FinalHash != nil {
		updates["final_hash"] = *patch.FinalHash
	}

	result := s.db.WithContext(ctx).
		Model(&upload.Session{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)

	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *GORMStore) PutChunksIfAbsent(ctx context.Context, chunks []upload.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(chunks, 500).Error
}

func (s *GORMStore) GetChunk(ctx context.Context, uploadID string, index int) (*upload.Chunk, error) {
	var chunk upload.Chunk
	err := s.db.WithContext(ctx).
		Where("upload_id = ? AND chunk_index = ?", uploadID, index).
		First(&chunk).Error
	if err != nil {
		return nil, convertNotFoundError(err, upload.ErrChunkNotFound)
	}
	return &chunk, nil
}

func (s *GORMStore) SetChunkReceived(ctx context.Context, uploadID string, index int) error {
	now := time.Now()
	chunk := upload.Chunk{
		UploadID:   uploadID,
		Index:      index,
		Status:     upload.ChunkReceived,
		ReceivedAt: &now,
	}
	// Upsert keeps the call idempotent: re-marking an already RECEIVED
	// chunk just refreshes received_at.
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "upload_id"}, {Name: "chunk_index"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "received_at"}),
		}).
		Create(&chunk).Error
}

func (s *GORMStore) ListChunks(ctx context.Context, uploadID string) ([]upload.Chunk, error) {
	var chunks []upload.Chunk
	if err := s.db.WithContext(ctx).
		Where("upload_id = ?", uploadID).
		Order("chunk_index ASC").
		Find(&chunks).Error; err != nil {
		return nil, err
	}
	return chunks, nil
}

func (s *GORMStore) CountReceived(ctx context.Context, uploadID string) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&upload.Chunk{}).
		Where("upload_id = ? AND status = ?", uploadID, upload.ChunkReceived).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

func (s *GORMStore) ListSessionsWhere(ctx context.Context, statuses []upload.Status, olderThan time.Time) ([]upload.Session, error) {
	var sessions []upload.Session
	if err := s.db.WithContext(ctx).
		Where("status IN ? AND created_at < ?", statuses, olderThan).
		Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

func (s *GORMStore) DeleteSession(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("upload_id = ?", id).Delete(&upload.Chunk{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&upload.Session{}).Error
	})
}

func (s *GORMStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *GORMStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// isUniqueConstraintError checks if the error is a unique constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	// SQLite or PostgreSQL unique constraint errors
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "duplicate key value violates unique constraint")
}

// convertNotFoundError converts gorm.ErrRecordNotFound to the appropriate domain error.
func convertNotFoundError(err error, notFoundErr error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return notFoundErr
	}
	return err
}
