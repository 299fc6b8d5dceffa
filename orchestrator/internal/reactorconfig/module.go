package reactorconfig

import (
	"errors"
	"io/fs"

	"github.com/williamhogman/build-orchestrator/orchestrator/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ProvideReactorConfig loads the reactor configuration, falling back to the
// defaults when the file does not exist
func ProvideReactorConfig(cfg *config.Config, logger *zap.Logger) (*ReactorConfig, error) {
	rc, err := Load(cfg.Reactor.ConfigPath)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Warn("Reactor config not found, using defaults",
			zap.String("path", cfg.Reactor.ConfigPath))
		return Default(), nil
	}
	if err != nil {
		return nil, err
	}

	logger.Info("Loaded reactor config",
		zap.String("path", cfg.Reactor.ConfigPath),
		zap.Strings("platforms", rc.Platforms()))
	return rc, nil
}

// Module provides the reactor configuration to the fx container
var Module = fx.Options(
	fx.Provide(ProvideReactorConfig),
)
