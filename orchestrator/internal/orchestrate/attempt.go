package orchestrate

import (
	"context"

	"github.com/williamhogman/build-orchestrator/orchestrator/internal/k8sclient"
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/metrics"
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/models"
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/persistence"
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/workerbuild"
	"go.uber.org/zap"
)

// platformAttempt selects a cluster, launches the worker build of one platform
// and monitors it. A launched build is never launched again.
type platformAttempt struct {
	coordinator *Coordinator
	platform    string
	clusters    []*models.Cluster
	params      k8sclient.WorkerBuildParams
	ws          *Workspace
	logger      *zap.Logger
}

func (a *platformAttempt) run(ctx context.Context) {
	c := a.coordinator
	contexts := c.selector.NewRetryContexts(a.clusters)

	for {
		infos, err := c.selector.RankCandidates(ctx, a.platform, a.clusters, contexts)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.Error("No usable cluster", zap.Error(err))
			a.ws.add(workerbuild.NewNeverLaunched(a.platform, err, a.logger))
			c.metrics.RecordWorkerBuild(a.platform, metrics.OutcomeNeverLaunched)
			return
		}

		for _, info := range infos {
			build, err := info.Client.CreateWorkerBuild(ctx, a.params)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				contexts[info.Cluster.Name].RecordFailure(c.opts.FailureRetryDelay)
				c.metrics.RecordClusterFailure(a.platform, info.Cluster.Name, metrics.PhaseLaunch)
				a.logger.Warn("Failed to launch worker build",
					zap.String("cluster", info.Cluster.Name),
					zap.Error(err))
				continue
			}

			handle := workerbuild.NewLaunched(build, info, a.logger)
			a.ws.add(handle)
			a.record(ctx, handle)
			a.monitor(ctx, handle)
			return
		}
	}
}

// record remembers the build so it can be reaped if this process dies
func (a *platformAttempt) record(ctx context.Context, handle *workerbuild.Handle) {
	store := a.coordinator.store
	if store == nil {
		return
	}
	rec := persistence.WorkerBuildRecord{
		BuildID:   a.ws.BuildID,
		Platform:  a.platform,
		Cluster:   handle.Cluster().Name,
		BuildName: handle.Name(),
		CreatedAt: a.coordinator.opts.Clock.Now(),
	}
	if err := store.RecordWorkerBuild(context.WithoutCancel(ctx), rec); err != nil {
		a.logger.Warn("Failed to record worker build", zap.String("build", handle.Name()), zap.Error(err))
	}
}

func (a *platformAttempt) monitor(ctx context.Context, handle *workerbuild.Handle) {
	c := a.coordinator
	c.metrics.MonitorStarted()
	defer c.metrics.MonitorFinished()

	err := handle.WatchLogs(ctx)
	if err == nil {
		err = handle.WaitToFinish(ctx)
	}
	if err != nil {
		handle.SetMonitorError(err)
		// the coordinator cancels and counts everything when the whole run is interrupted
		if ctx.Err() != nil {
			return
		}
		a.logger.Error("Lost track of worker build", zap.String("build", handle.Name()), zap.Error(err))
		c.metrics.RecordWorkerBuild(a.platform, metrics.OutcomeFailed)

		cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.CancelTimeout)
		defer cancel()
		if err := handle.Cancel(cancelCtx); err != nil {
			a.logger.Warn("Failed to cancel worker build", zap.String("build", handle.Name()), zap.Error(err))
		}
		return
	}

	if handle.Succeeded() {
		c.metrics.RecordWorkerBuild(a.platform, metrics.OutcomeSucceeded)
	} else {
		c.metrics.RecordWorkerBuild(a.platform, metrics.OutcomeFailed)
	}
}
