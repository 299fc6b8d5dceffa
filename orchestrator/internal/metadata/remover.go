package metadata

import (
	"context"

	"github.com/williamhogman/build-orchestrator/orchestrator/internal/k8sclient"
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/persistence"
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/reactorconfig"
	"go.uber.org/zap"
)

// Remover deletes metadata fragments queued by the Fetcher
type Remover struct {
	store     persistence.Store
	reactor   *reactorconfig.ReactorConfig
	connector k8sclient.Connector
	logger    *zap.Logger
}

// NewRemover creates a new remover
func NewRemover(store persistence.Store, reactor *reactorconfig.ReactorConfig, connector k8sclient.Connector, logger *zap.Logger) *Remover {
	return &Remover{
		store:     store,
		reactor:   reactor,
		connector: connector,
		logger:    logger.Named("metadata-remover"),
	}
}

// RemoveDeferred deletes up to batch queued config maps and returns how many
// were removed. Individual failures are logged and the fragment is dropped.
func (r *Remover) RemoveDeferred(ctx context.Context, batch int) (int, error) {
	refs, err := r.store.PopFragmentsToRemove(ctx, batch)
	if err != nil {
		return 0, err
	}

	clients := map[string]k8sclient.Client{}
	removed := 0
	for _, ref := range refs {
		logger := r.logger.With(
			zap.String("cluster", ref.Cluster),
			zap.String("platform", ref.Platform),
			zap.String("config_map", ref.Name))

		client, ok := clients[ref.Cluster]
		if !ok {
			cluster, found := r.reactor.Cluster(ref.Platform, ref.Cluster)
			if !found {
				logger.Warn("Cluster of config map is no longer configured")
				continue
			}
			client, err = r.connector.Connect(ctx, cluster)
			if err != nil {
				logger.Warn("Failed to connect to cluster", zap.Error(err))
				continue
			}
			clients[ref.Cluster] = client
		}

		if err := client.DeleteConfigMap(ctx, ref.Name); err != nil {
			logger.Warn("Failed to delete config map", zap.Error(err))
			continue
		}
		logger.Debug("Config map deleted")
		removed++
	}
	return removed, nil
}
