package cluster

import (
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/config"
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/k8sclient"
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

// ProvideSelector creates the cluster selector from the build configuration
func ProvideSelector(cfg *config.Config, connector k8sclient.Connector, m *metrics.Metrics, logger *zap.Logger) *Selector {
	return NewSelector(connector, Options{
		FindClusterRetryDelay: cfg.Build.FindClusterRetryDelay,
		MaxClusterFails:       cfg.Build.MaxClusterFails,
		RankByLoad:            cfg.Build.RankByLoad,
	}, clock.RealClock{}, m, logger)
}

// Module provides the cluster selector to the fx container
var Module = fx.Options(
	fx.Provide(ProvideSelector),
)
