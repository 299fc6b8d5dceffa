package persistence

import (
	"context"
	"fmt"

	"github.com/williamhogman/build-orchestrator/orchestrator/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Store types
const (
	TypeMemory = "memory"
	TypeRedis  = "redis"
)

// ProvideStore creates the store selected by the configuration
func ProvideStore(cfg *config.Config, lc fx.Lifecycle, logger *zap.Logger) (Store, error) {
	switch cfg.Persistence.Type {
	case TypeMemory, "":
		logger.Info("Using in-memory persistence")
		return NewMemoryStore(), nil
	case TypeRedis:
		client, err := newRedisClient(cfg.Persistence.RedisURI)
		if err != nil {
			return nil, err
		}
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return client.Close()
			},
		})
		logger.Info("Using redis persistence")
		return NewRedisStore(client, defaultKeyPrefix)
	default:
		return nil, fmt.Errorf("unknown persistence type %q", cfg.Persistence.Type)
	}
}

// Module provides the persistence dependencies to the fx container
var Module = fx.Options(
	fx.Provide(ProvideStore),
)
