package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// UploadMetrics provides observability for the upload pipeline.
type UploadMetrics struct {
	sessionsCreated prometheus.Counter
	chunksReceived  prometheus.Counter
	chunkBytes      prometheus.Counter
	chunkDuration   prometheus.Histogram
	duplicateChunks prometheus.Counter
	finalizations   *prometheus.CounterVec
	finalizeSeconds prometheus.Histogram
	janitorSessions prometheus.Counter
	janitorScratch  prometheus.Counter
}

// NewUploadMetrics creates a Prometheus-backed upload metrics instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called). The nil
// receiver is safe: every record method becomes a no-op.
func NewUploadMetrics() *UploadMetrics {
	if !IsEnabled() {
		return nil
	}

	reg := GetRegistry()

	return &UploadMetrics{
		sessionsCreated: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chunkd_sessions_created_total",
			Help: "Total number of upload sessions created",
		}),
		chunksReceived: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chunkd_chunks_received_total",
			Help: "Total number of chunks durably written and recorded",
		}),
		chunkBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chunkd_chunk_bytes_total",
			Help: "Total chunk payload bytes written to target files",
		}),
		chunkDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "chunkd_chunk_write_duration_seconds",
			Help:    "Time to spool, write and record one chunk",
			Buckets: prometheus.DefBuckets,
		}),
		duplicateChunks: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chunkd_duplicate_chunks_total",
			Help: "Total number of chunk retries short-circuited as already received",
		}),
		finalizations: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "chunkd_finalizations_total",
			Help: "Total number of finalization attempts by outcome",
		},
			[]string{"outcome"}, // "completed", "failed", "lost_race"
		),
		finalizeSeconds: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "chunkd_finalize_duration_seconds",
			Help:    "Time to digest and seal a completed upload",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		}),
		janitorSessions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chunkd_janitor_deleted_sessions_total",
			Help: "Total number of expired sessions deleted by the janitor",
		}),
		janitorScratch: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chunkd_janitor_deleted_scratch_total",
			Help: "Total number of stale scratch files deleted by the janitor",
		}),
	}
}

// RecordSessionCreated records a new upload session.
func (m *UploadMetrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
}

// RecordChunkReceived records a successful chunk write with its payload
// size and end-to-end duration.
func (m *UploadMetrics) RecordChunkReceived(bytes int64, duration time.Duration) {
	if m == nil {
		return
	}
	m.chunksReceived.Inc()
	m.chunkBytes.Add(float64(bytes))
	m.chunkDuration.Observe(duration.Seconds())
}

// RecordDuplicateChunk records a retry that hit the idempotent fast path.
func (m *UploadMetrics) RecordDuplicateChunk() {
	if m == nil {
		return
	}
	m.duplicateChunks.Inc()
}

// RecordFinalization records a finalization attempt outcome:
// "completed", "failed" or "lost_race".
func (m *UploadMetrics) RecordFinalization(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.finalizations.WithLabelValues(outcome).Inc()
	if outcome != "lost_race" {
		m.finalizeSeconds.Observe(duration.Seconds())
	}
}

// RecordJanitorSweep records the deletions performed by one sweep.
func (m *UploadMetrics) RecordJanitorSweep(sessions, scratchFiles int) {
	if m == nil {
		return
	}
	m.janitorSessions.Add(float64(sessions))
	m.janitorScratch.Add(float64(scratchFiles))
}
