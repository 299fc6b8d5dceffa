package cleanup

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/williamhogman/build-orchestrator/orchestrator/internal/config"
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/k8sclient"
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/metadata"
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/persistence"
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/reactorconfig"
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/service"
)

// ManagerParams contains the dependencies for the cleanup manager
type ManagerParams struct {
	fx.In

	Lifecycle           fx.Lifecycle
	Config              *config.Config
	Store               persistence.Store
	Reactor             *reactorconfig.ReactorConfig
	Connector           k8sclient.Connector
	Remover             *metadata.Remover
	OrchestratorService *service.OrchestratorService
	Logger              *zap.Logger
}

// ProvideManager creates and registers the cleanup manager with fx lifecycle
func ProvideManager(p ManagerParams) {
	logger := p.Logger.Named("cleanup-manager")
	manager := NewManager(
		p.Store,
		p.Reactor,
		p.Connector,
		p.Remover,
		p.OrchestratorService,
		Config{
			IntervalSecs: p.Config.Cleanup.IntervalSecs,
			BatchSize:    p.Config.Cleanup.BatchSize,
			RecordTTL:    p.Config.Persistence.RecordTTL,
		},
		logger,
	)

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			manager.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			manager.Stop()
			return nil
		},
	})
}

// Module provides the cleanup components to the fx container
var Module = fx.Options(
	fx.Invoke(ProvideManager),
)
