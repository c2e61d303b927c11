package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Validate checks the configuration for invalid or inconsistent values.
//
// Struct-level constraints are expressed as `validate` tags on the config
// types; cross-field rules that tags cannot express are checked here.
func Validate(cfg *Config) error {
	v := validator.New()

	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.Telemetry.Enabled && cfg.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry is enabled but no endpoint is configured")
	}
	if cfg.Telemetry.Profiling.Enabled && cfg.Telemetry.Profiling.Endpoint == "" {
		return fmt.Errorf("profiling is enabled but no endpoint is configured")
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Port == cfg.Server.Port {
		return fmt.Errorf("metrics port %d conflicts with the API server port", cfg.Metrics.Port)
	}
	if cfg.Storage.UploadDir == cfg.Storage.TempDir {
		return fmt.Errorf("upload_dir and temp_dir must be distinct directories")
	}
	if cfg.Janitor.Enabled && cfg.Janitor.Interval <= 0 {
		return fmt.Errorf("janitor is enabled but interval is not positive")
	}

	if err := cfg.Database.Validate(); err != nil {
		return fmt.Errorf("invalid database configuration: %w", err)
	}

	return nil
}
