package cleanup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/williamhogman/build-orchestrator/orchestrator/internal/k8sclient"
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/metadata"
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/persistence"
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/reactorconfig"
	"go.uber.org/zap"
)

// ActiveChecker tells whether an orchestration is still running in this process
type ActiveChecker interface {
	IsRunning(buildID string) bool
}

// Config controls the cleanup job
type Config struct {
	IntervalSecs int
	BatchSize    int
	// RecordTTL is the age after which a worker build of an unfinished
	// orchestration is considered orphaned
	RecordTTL time.Duration
}

// Manager handles the periodic cancellation of orphaned worker builds and
// the removal of deferred metadata fragments
type Manager struct {
	store     persistence.Store
	reactor   *reactorconfig.ReactorConfig
	connector k8sclient.Connector
	remover   *metadata.Remover
	active    ActiveChecker
	config    Config
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	logger    *zap.Logger
}

// NewManager creates a new cleanup manager
func NewManager(
	store persistence.Store,
	reactor *reactorconfig.ReactorConfig,
	connector k8sclient.Connector,
	remover *metadata.Remover,
	active ActiveChecker,
	config Config,
	logger *zap.Logger,
) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:     store,
		reactor:   reactor,
		connector: connector,
		remover:   remover,
		active:    active,
		config:    config,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		logger:    logger.Named("cleanup-job"),
	}
}

// Start begins the cleanup job in a goroutine
func (cm *Manager) Start() {
	cm.logger.Info("Starting cleanup job",
		zap.Int("intervalSeconds", cm.config.IntervalSecs),
		zap.Int("batchSize", cm.config.BatchSize),
		zap.Duration("recordTTL", cm.config.RecordTTL))
	go cm.runCleanupJob()
}

// Stop cancels the cleanup job and waits for the current run to finish
func (cm *Manager) Stop() {
	cm.logger.Info("Stopping cleanup job")
	cm.cancel()
	<-cm.done
}

func (cm *Manager) runCleanupJob() {
	defer close(cm.done)
	ticker := time.NewTicker(time.Duration(cm.config.IntervalSecs) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-cm.ctx.Done():
			cm.logger.Info("Cleanup job shutting down")
			return
		case <-ticker.C:
			reaped, removed, err := cm.RunOnce(cm.ctx)
			if err != nil {
				cm.logger.Error("Error during cleanup", zap.Error(err))
			} else if reaped > 0 || removed > 0 {
				cm.logger.Info("Cleanup completed",
					zap.Int("reapedCount", reaped),
					zap.Int("removedConfigMaps", removed))
			}
		}
	}
}

// RunOnce cancels one batch of orphaned worker builds and removes one batch of
// deferred config maps
func (cm *Manager) RunOnce(ctx context.Context) (reaped, removed int, err error) {
	cutoff := time.Now().Add(-cm.config.RecordTTL)
	records, err := cm.store.ListStaleWorkerBuilds(ctx, cutoff, cm.config.BatchSize)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list stale worker builds: %w", err)
	}

	for _, rec := range records {
		if cm.active != nil && cm.active.IsRunning(rec.BuildID) {
			continue
		}
		logger := cm.logger.With(
			zap.String("build_id", rec.BuildID),
			zap.String("cluster", rec.Cluster),
			zap.String("build", rec.BuildName))

		if err := cm.cancelOrphan(ctx, rec); err != nil {
			logger.Warn("Failed to cancel orphaned worker build", zap.Error(err))
			continue
		}
		if err := cm.store.ForgetWorkerBuild(ctx, rec); err != nil && !errors.Is(err, persistence.ErrNotFound) {
			logger.Warn("Failed to forget worker build", zap.Error(err))
			continue
		}
		logger.Info("Cancelled orphaned worker build")
		reaped++
	}

	removed, err = cm.remover.RemoveDeferred(ctx, cm.config.BatchSize)
	if err != nil {
		return reaped, 0, fmt.Errorf("failed to remove deferred config maps: %w", err)
	}
	return reaped, removed, nil
}

func (cm *Manager) cancelOrphan(ctx context.Context, rec persistence.WorkerBuildRecord) error {
	cluster, ok := cm.reactor.Cluster(rec.Platform, rec.Cluster)
	if !ok {
		// nothing left to cancel it on
		return nil
	}
	client, err := cm.connector.Connect(ctx, cluster)
	if err != nil {
		return err
	}
	if err := client.CancelBuild(ctx, rec.BuildName); err != nil && !k8sclient.IsNotFound(err) {
		return err
	}
	return nil
}
