package service

import (
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/metadata"
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/orchestrate"
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/persistence"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ProvideOrchestratorService creates the orchestrator service with the given dependencies
func ProvideOrchestratorService(
	coordinator *orchestrate.Coordinator,
	fetcher *metadata.Fetcher,
	store persistence.Store,
	logger *zap.Logger,
) *OrchestratorService {
	return NewOrchestratorService(coordinator, fetcher, store, logger)
}

// Module provides the orchestrator service dependency to the fx container
var Module = fx.Options(
	fx.Provide(ProvideOrchestratorService),
)
