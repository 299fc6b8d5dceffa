package orchestrate

import (
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/cluster"
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/config"
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/metrics"
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/persistence"
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/reactorconfig"
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/registry"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// CoordinatorParams contains the dependencies of the coordinator
type CoordinatorParams struct {
	fx.In

	Config   *config.Config
	Reactor  *reactorconfig.ReactorConfig
	Selector *cluster.Selector
	Resolver *registry.Resolver
	Store    persistence.Store
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

// ProvideCoordinator creates the coordinator from the build configuration
func ProvideCoordinator(p CoordinatorParams) *Coordinator {
	return NewCoordinator(p.Reactor, p.Selector, p.Resolver, p.Store, p.Metrics, Options{
		FailureRetryDelay:    p.Config.Build.FailureRetryDelay,
		OrchestratorPlatform: p.Config.Build.OrchestratorPlatform,
		CancelTimeout:        p.Config.Build.CancelTimeout,
	}, p.Logger)
}

// Module provides the coordinator to the fx container
var Module = fx.Options(
	fx.Provide(ProvideCoordinator),
)
