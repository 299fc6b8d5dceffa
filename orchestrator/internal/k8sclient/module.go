package k8sclient

import (
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ProvideConnector creates a cluster connector based on the configuration
func ProvideConnector(cfg *config.Config, logger *zap.Logger) Connector {
	if cfg.Kubernetes.MockMode {
		return NewMockConnector(logger)
	}

	return NewKubeConnector(cfg.Build.PollInterval, logger)
}

// Module provides the cluster connector to the fx container
var Module = fx.Options(
	fx.Provide(ProvideConnector),
)
