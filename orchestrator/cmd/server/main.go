package main

import (
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/williamhogman/build-orchestrator/orchestrator/internal/cluster"
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/config"
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/jobs/cleanup"
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/k8sclient"
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/logging"
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/metadata"
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/metrics"
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/orchestrate"
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/persistence"
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/reactorconfig"
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/registry"
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/service"
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/transport"
)

var Everything = fx.Options(
	config.Module,
	logging.Module,
	metrics.Module,
	reactorconfig.Module,
	k8sclient.Module,
	cluster.Module,
	registry.Module,
	persistence.Module,
	orchestrate.Module,
	metadata.Module,
	service.Module,
	cleanup.Module,
	transport.Module,
)

func main() {
	app := fx.New(
		Everything,
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Named("fx")}
		}),
	)
	app.Run()
}
