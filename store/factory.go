package store

import (
	"fmt"

	"go.uber.org/zap"
)

// New creates a Store based on the configuration.
func New(cfg Config, logger *zap.Logger) (Store, error) {
	switch cfg.Type {
	case StoreTypeMemory:
		return NewMemoryStore(logger), nil
	case StoreTypeFile:
		return NewFileStore(cfg.BaseDir, logger)
	case StoreTypeRedis:
		return NewRedisStore(cfg.Redis, logger)
	case StoreTypeSQL:
		return NewSQLStore(cfg.Database, logger)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", cfg.Type)
	}
}

// MustNew creates a Store or panics on error.
//
// WARNING: This function should ONLY be used during application initialization
// (e.g., in main() or init()). Using panic in request handlers or business logic
// is strongly discouraged. For runtime store creation, use New instead.
func MustNew(cfg Config, logger *zap.Logger) Store {
	s, err := New(cfg, logger)
	if err != nil {
		panic(fmt.Sprintf("failed to create checkpoint store: %v", err))
	}
	return s
}
