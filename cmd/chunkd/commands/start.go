package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/chunkd/chunkd/internal/logger"
	"github.com/chunkd/chunkd/internal/telemetry"
	"github.com/chunkd/chunkd/pkg/api"
	"github.com/chunkd/chunkd/pkg/config"
	"github.com/chunkd/chunkd/pkg/metrics"
	"github.com/chunkd/chunkd/pkg/upload/coordinator"
	"github.com/chunkd/chunkd/pkg/upload/janitor"
	"github.com/chunkd/chunkd/pkg/upload/store"
	"github.com/chunkd/chunkd/pkg/upload/writer"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the chunkd upload server",
	Long: `Start the chunkd upload server with the specified configuration.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/chunkd/config.yaml. When no config
file exists the server starts with built-in defaults.

Examples:
  # Start with default config
  chunkd start

  # Start with custom config file
  chunkd start --config /etc/chunkd/config.yaml

  # Start with environment variable overrides
  CHUNKD_LOGGING_LEVEL=DEBUG chunkd start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return err
	}

	if err := InitLogger(cfg); err != nil {
		return err
	}

	// Cancelled on SIGINT/SIGTERM to trigger graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetryShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "chunkd",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := telemetryShutdown(context.Background()); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}()

	profilingShutdown, err := telemetry.InitProfiling(telemetry.ProfilingConfig{
		Enabled:        cfg.Telemetry.Profiling.Enabled,
		ServiceName:    "chunkd",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Profiling.Endpoint,
		ProfileTypes:   cfg.Telemetry.Profiling.ProfileTypes,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize profiling: %w", err)
	}
	defer func() {
		if err := profilingShutdown(); err != nil {
			logger.Error("profiling shutdown error", "error", err)
		}
	}()

	logger.Info("Starting chunkd", "version", Version)
	logger.Info("Log level", "level", cfg.Logging.Level, "format", cfg.Logging.Format)
	logger.Info("Configuration loaded", "source", getConfigSource(GetConfigFile()))
	if telemetry.IsEnabled() {
		logger.Info("Telemetry enabled", "endpoint", cfg.Telemetry.Endpoint, "sample_rate", cfg.Telemetry.SampleRate)
	}
	if telemetry.IsProfilingEnabled() {
		logger.Info("Profiling enabled", "endpoint", cfg.Telemetry.Profiling.Endpoint)
	}

	var uploadMetrics *metrics.UploadMetrics
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		uploadMetrics = metrics.NewUploadMetrics()
		metricsServer = metrics.NewServer(cfg.Metrics)
		logger.Info("Metrics enabled", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
	} else {
		logger.Info("Metrics collection disabled")
	}

	// Session store for upload bookkeeping
	uploadStore, err := store.New(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize session store: %w", err)
	}
	defer func() {
		if err := uploadStore.Close(); err != nil {
			logger.Error("session store close error", "error", err)
		}
	}()
	logger.Info("Session store initialized", "type", cfg.Database.Type)

	coord, err := coordinator.New(uploadStore, coordinator.Config{
		UploadDir: cfg.Storage.UploadDir,
		TempDir:   cfg.Storage.TempDir,
		ChunkSize: cfg.Storage.ChunkSize.Int64(),
	}, uploadMetrics)
	if err != nil {
		return fmt.Errorf("failed to initialize upload coordinator: %w", err)
	}
	logger.Info("Upload coordinator initialized",
		"upload_dir", cfg.Storage.UploadDir,
		"temp_dir", cfg.Storage.TempDir,
		"chunk_size", cfg.Storage.ChunkSize,
	)

	var jan *janitor.Janitor
	if cfg.Janitor.Enabled {
		w := writer.New(cfg.Storage.UploadDir, cfg.Storage.ChunkSize.Int64())
		jan = janitor.New(uploadStore, w, cfg.Storage.TempDir, cfg.Janitor, uploadMetrics)
		jan.Start(ctx)
		defer jan.Stop(cfg.ShutdownTimeout)
		logger.Info("Janitor started",
			"interval", cfg.Janitor.Interval,
			"session_retention", cfg.Janitor.SessionRetention,
			"scratch_retention", cfg.Janitor.ScratchRetention,
		)
	} else {
		logger.Info("Janitor disabled")
	}

	apiServer := api.NewServer(cfg.Server, coord, uploadStore)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return apiServer.Start(gctx)
	})
	if metricsServer != nil {
		g.Go(func() error {
			return metricsServer.Start(gctx)
		})
	}

	logger.Info("Server is running. Press Ctrl+C to stop.")

	err = g.Wait()

	// Give in-flight requests a bounded window to finish
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if stopErr := apiServer.Stop(shutdownCtx); stopErr != nil && err == nil {
		err = stopErr
	}
	if metricsServer != nil {
		if stopErr := metricsServer.Stop(shutdownCtx); stopErr != nil && err == nil {
			err = stopErr
		}
	}

	if err != nil {
		logger.Error("Server shutdown error", "error", err)
		return err
	}
	logger.Info("Server stopped gracefully")
	return nil
}

// getConfigSource returns a description of where the config was loaded from.
func getConfigSource(configFile string) string {
	if configFile != "" {
		return configFile
	}
	if config.DefaultConfigExists() {
		return config.GetDefaultConfigPath()
	}
	return "defaults"
}
