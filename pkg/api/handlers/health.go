package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/chunkd/chunkd/pkg/upload"
)

// HealthCheckTimeout is the maximum time allowed for the store ping behind
// the readiness probe.
const HealthCheckTimeout = 5 * time.Second

// HealthHandler handles the unauthenticated health probes.
type HealthHandler struct {
	store     upload.Store
	startTime time.Time
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(store upload.Store) *HealthHandler {
	return &HealthHandler{
		store:     store,
		startTime: time.Now(),
	}
}

// Liveness handles GET /health - simple liveness probe.
//
// Returns 200 OK as long as the HTTP server is responsive.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(h.startTime)
	WriteJSONOK(w, map[string]any{
		"status":     "healthy",
		"service":    "chunkd",
		"started_at": h.startTime.UTC().Format(time.RFC3339),
		"uptime":     uptime.Round(time.Second).String(),
	})
}

// Readiness handles GET /health/ready - readiness probe.
//
// Returns 200 OK when the metadata store answers a ping within the health
// check timeout.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), HealthCheckTimeout)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	WriteJSONOK(w, map[string]any{
		"status": "healthy",
		"store":  "reachable",
	})
}
