// Package metrics provides Prometheus observability for the upload server.
//
// Metrics are opt-in: when the registry is not initialized every constructor
// returns nil and the nil receivers make recording a no-op, so call sites
// never need to guard.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chunkd/chunkd/internal/logger"
)

// Config configures the metrics endpoint.
type Config struct {
	// Enabled controls whether metrics are collected and served.
	// Default: false
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port for the /metrics endpoint.
	// Default: 9090
	Port int `mapstructure:"port" yaml:"port" validate:"omitempty,min=1,max=65535"`

	// Path is the HTTP path metrics are served under.
	// Default: /metrics
	Path string `mapstructure:"path" yaml:"path"`
}

// ApplyDefaults fills in zero values with sensible defaults.
func (c *Config) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = 9090
	}
	if c.Path == "" {
		c.Path = "/metrics"
	}
}

var (
	mu       sync.Mutex
	registry *prometheus.Registry
)

// InitRegistry creates the process-wide metrics registry with the standard
// Go and process collectors. Calling it twice is harmless.
func InitRegistry() {
	mu.Lock()
	defer mu.Unlock()

	if registry != nil {
		return
	}
	registry = prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// IsEnabled reports whether the registry has been initialized.
func IsEnabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return registry != nil
}

// GetRegistry returns the process-wide registry, or nil before InitRegistry.
func GetRegistry() *prometheus.Registry {
	mu.Lock()
	defer mu.Unlock()
	return registry
}

// Server serves the registry over HTTP on its own port.
type Server struct {
	server       *http.Server
	config       Config
	shutdownOnce sync.Once
}

// NewServer creates a metrics HTTP server. Returns nil when metrics are
// disabled or the registry is not initialized.
func NewServer(config Config) *Server {
	config.ApplyDefaults()

	reg := GetRegistry()
	if !config.Enabled || reg == nil {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(config.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return &Server{
		server: &http.Server{
			Addr:        fmt.Sprintf(":%d", config.Port),
			Handler:     mux,
			ReadTimeout: 10 * time.Second,
		},
		config: config,
	}
}

// Start serves metrics until the context is cancelled. A nil receiver (the
// disabled case) blocks until cancellation so callers can treat the server
// uniformly.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		<-ctx.Done()
		return nil
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("Metrics server listening", "port", s.config.Port, "path", s.config.Path)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			select {
			case errChan <- err:
			default:
			}
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("metrics server failed: %w", err)
	}
}

// Stop shuts down the metrics server. Safe to call multiple times.
func (s *Server) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("metrics server shutdown error: %w", err)
		} else {
			logger.Info("Metrics server stopped gracefully")
		}
	})
	return shutdownErr
}
