package registry

import (
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ProvideResolver creates the registry resolver
func ProvideResolver(cfg *config.Config, logger *zap.Logger) *Resolver {
	return NewResolver(cfg.Registry.Insecure, logger)
}

// Module provides the registry resolver to the fx container
var Module = fx.Options(
	fx.Provide(ProvideResolver),
)
