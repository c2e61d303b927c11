// Package janitor reclaims abandoned uploads: expired sessions together
// with their target files, and stale scratch files left by interrupted
// requests.
package janitor

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chunkd/chunkd/internal/logger"
	"github.com/chunkd/chunkd/pkg/metrics"
	"github.com/chunkd/chunkd/pkg/upload"
	"github.com/chunkd/chunkd/pkg/upload/writer"
)

// Config holds janitor configuration.
type Config struct {
	// Enabled controls whether the periodic sweep runs.
	// Default: true
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Interval between sweeps.
	// Default: 1h
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`

	// SessionRetention is how long UPLOADING and FAILED sessions survive
	// before they are reclaimed.
	// Default: 24h
	SessionRetention time.Duration `mapstructure:"session_retention" yaml:"session_retention"`

	// ScratchRetention is how long scratch files may sit in the temp
	// directory before they are considered orphaned.
	// Default: 1h
	ScratchRetention time.Duration `mapstructure:"scratch_retention" yaml:"scratch_retention"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		Interval:         time.Hour,
		SessionRetention: 24 * time.Hour,
		ScratchRetention: time.Hour,
	}
}

// ApplyDefaults fills in zero values with sensible defaults.
func (c *Config) ApplyDefaults() {
	if c.Interval == 0 {
		c.Interval = time.Hour
	}
	if c.SessionRetention == 0 {
		c.SessionRetention = 24 * time.Hour
	}
	if c.ScratchRetention == 0 {
		c.ScratchRetention = time.Hour
	}
}

// Janitor periodically sweeps expired sessions and stale scratch files.
type Janitor struct {
	store   upload.Store
	writer  *writer.Writer
	tempDir string
	config  Config
	metrics *metrics.UploadMetrics

	mu        sync.Mutex
	started   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// New creates a janitor. The writer locates and deletes target files for
// the sessions being reclaimed; tempDir is the scratch directory.
func New(store upload.Store, w *writer.Writer, tempDir string, config Config, uploadMetrics *metrics.UploadMetrics) *Janitor {
	config.ApplyDefaults()

	return &Janitor{
		store:     store,
		writer:    w,
		tempDir:   tempDir,
		config:    config,
		metrics:   uploadMetrics,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Start runs an immediate sweep and then sweeps on the configured interval
// until Stop is called or the context is cancelled.
func (j *Janitor) Start(ctx context.Context) {
	j.mu.Lock()
	if j.started {
		j.mu.Unlock()
		return
	}
	j.started = true
	j.mu.Unlock()

	logger.Info("Starting janitor",
		"interval", j.config.Interval.String(),
		"session_retention", j.config.SessionRetention.String(),
		"scratch_retention", j.config.ScratchRetention.String(),
	)

	go func() {
		defer close(j.stoppedCh)

		// Startup sweep reclaims whatever accumulated while the server
		// was down.
		j.Sweep(ctx)

		ticker := time.NewTicker(j.config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-j.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				j.Sweep(ctx)
			}
		}
	}()
}

// Stop shuts the periodic loop down and waits for an in-flight sweep to
// finish, bounded by timeout.
func (j *Janitor) Stop(timeout time.Duration) {
	j.mu.Lock()
	if !j.started {
		j.mu.Unlock()
		return
	}
	j.mu.Unlock()

	close(j.stopCh)

	select {
	case <-j.stoppedCh:
		logger.Info("Janitor stopped gracefully")
	case <-time.After(timeout):
		logger.Warn("Janitor stop timed out")
	}
}

// Sweep performs one pass over expired sessions and stale scratch files.
// It is exported so tests and operators can trigger it directly.
func (j *Janitor) Sweep(ctx context.Context) {
	sessions := j.sweepSessions(ctx)
	scratch := j.sweepScratch()
	j.metrics.RecordJanitorSweep(sessions, scratch)

	if sessions > 0 || scratch > 0 {
		logger.Info("Janitor sweep finished",
			"deleted_sessions", sessions,
			"deleted_scratch_files", scratch,
		)
	}
}

// sweepSessions reclaims UPLOADING and FAILED sessions past the retention
// horizon. COMPLETED and PROCESSING sessions are never touched. The target
// file goes first: a crash between the two deletions leaves at worst an
// orphan record for the next sweep, never orphan bytes behind a live record.
func (j *Janitor) sweepSessions(ctx context.Context) int {
	horizon := time.Now().Add(-j.config.SessionRetention)
	expired, err := j.store.ListSessionsWhere(ctx,
		[]upload.Status{upload.StatusUploading, upload.StatusFailed}, horizon)
	if err != nil {
		logger.Error("Janitor failed to list expired sessions", "error", err)
		return 0
	}

	deleted := 0
	for _, session := range expired {
		if err := j.writer.RemoveTarget(session.ID); err != nil {
			logger.Error("Janitor failed to delete target file",
				"upload_id", session.ID, "error", err)
			continue
		}
		if err := j.store.DeleteSession(ctx, session.ID); err != nil {
			logger.Error("Janitor failed to delete session records",
				"upload_id", session.ID, "error", err)
			continue
		}
		deleted++
		logger.Debug("Expired session reclaimed",
			"upload_id", session.ID,
			"status", session.Status,
			"created_at", session.CreatedAt,
		)
	}
	return deleted
}

// sweepScratch deletes scratch files whose mtime is past the scratch
// horizon. In-flight requests touch their spool files recently enough to
// stay clear of it.
func (j *Janitor) sweepScratch() int {
	horizon := time.Now().Add(-j.config.ScratchRetention)

	entries, err := os.ReadDir(j.tempDir)
	if err != nil {
		logger.Error("Janitor failed to read scratch directory",
			"dir", j.tempDir, "error", err)
		return 0
	}

	deleted := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(horizon) {
			continue
		}
		path := filepath.Join(j.tempDir, entry.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Error("Janitor failed to delete scratch file",
				"path", path, "error", err)
			continue
		}
		deleted++
	}
	return deleted
}
