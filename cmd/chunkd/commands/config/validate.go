package config

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chunkd/chunkd/pkg/config"
	"github.com/chunkd/chunkd/pkg/upload/store"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Validate the chunkd configuration file.

Checks for syntax errors, missing required fields, and invalid values.

Examples:
  # Validate default config
  chunkd config validate

  # Validate specific config file
  chunkd config validate --config /etc/chunkd/config.yaml`,
	RunE: runConfigValidate,
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	// Get config path from parent's persistent flag
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	displayPath := configPath
	if displayPath == "" {
		if config.DefaultConfigExists() {
			displayPath = config.GetDefaultConfigPath()
		} else {
			displayPath = "(built-in defaults)"
		}
	}

	var warnings []string
	if cfg.Database.Type == store.DatabaseTypeMemory {
		warnings = append(warnings, "memory database loses all sessions on restart")
	}
	if !cfg.Janitor.Enabled {
		warnings = append(warnings, "janitor disabled - abandoned uploads will not be reclaimed")
	}

	fmt.Printf("Configuration file: %s\n", displayPath)
	fmt.Println("Validation: OK")

	if len(warnings) > 0 {
		fmt.Println("\nWarnings:")
		for _, w := range warnings {
			fmt.Printf("  - %s\n", w)
		}
	}

	fmt.Printf("\nConfiguration summary:\n")
	fmt.Printf("  Database type:   %s\n", cfg.Database.Type)
	fmt.Printf("  API port:        %d\n", cfg.Server.Port)
	fmt.Printf("  Chunk size:      %s\n", cfg.Storage.ChunkSize)
	fmt.Printf("  Log level:       %s\n", cfg.Logging.Level)

	return nil
}
