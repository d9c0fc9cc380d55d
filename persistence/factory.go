package persistence

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/personaflow/internal/database"
)

// NewTaskStore creates the store selected by config.Type.
func NewTaskStore(ctx context.Context, config StoreConfig, logger *zap.Logger) (TaskStore, error) {
	switch config.Type {
	case "", StoreTypeMemory:
		return NewMemoryTaskStore(), nil
	case StoreTypeFile:
		store, err := NewFileTaskStore(config.Dir, logger)
		if err != nil {
			// a typed nil would make the interface non-nil
			return nil, err
		}
		return store, nil
	case StoreTypeRedis:
		store, err := NewRedisTaskStore(ctx, config.Redis, config.KeyPrefix, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	case StoreTypeGorm:
		pool, err := database.Open(config.Database, logger)
		if err != nil {
			return nil, err
		}
		store, err := NewGormTaskStore(ctx, pool, logger)
		if err != nil {
			_ = pool.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported task store type: %s", config.Type)
	}
}
