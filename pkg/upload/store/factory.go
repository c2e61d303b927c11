package store

import (
	"fmt"

	"github.com/chunkd/chunkd/pkg/upload"
	badgerstore "github.com/chunkd/chunkd/pkg/upload/store/badger"
	memorystore "github.com/chunkd/chunkd/pkg/upload/store/memory"
)

// New creates the metadata store selected by the configuration.
func New(config *Config) (upload.Store, error) {
	if config == nil {
		config = &Config{}
	}

	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database configuration: %w", err)
	}

	switch config.Type {
	case DatabaseTypeSQLite, DatabaseTypePostgres:
		return NewGORM(config)
	case DatabaseTypeBadger:
		return badgerstore.New(config.Badger.Path)
	case DatabaseTypeMemory:
		return memorystore.New(), nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", config.Type)
	}
}
