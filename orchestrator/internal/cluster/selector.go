package cluster

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/williamhogman/build-orchestrator/orchestrator/internal/k8sclient"
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/metrics"
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/models"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

// Info is a cluster that answered a probe during one selection round
type Info struct {
	Cluster  *models.Cluster
	Platform string
	Client   k8sclient.Client
	Load     float64
}

// Options tune cluster selection
type Options struct {
	// FindClusterRetryDelay is the backoff after a failed probe
	FindClusterRetryDelay time.Duration
	// MaxClusterFails is the number of failures after which a cluster is dropped
	MaxClusterFails int
	// RankByLoad orders candidates by load first and priority second
	RankByLoad bool
}

// Selector ranks the clusters of a platform by priority and current load
type Selector struct {
	connector k8sclient.Connector
	opts      Options
	clock     clock.Clock
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewSelector creates a new selector
func NewSelector(connector k8sclient.Connector, opts Options, clk clock.Clock, m *metrics.Metrics, logger *zap.Logger) *Selector {
	return &Selector{
		connector: connector,
		opts:      opts,
		clock:     clk,
		metrics:   m,
		logger:    logger.Named("selector"),
	}
}

// NewRetryContexts creates the contexts for one platform attempt
func (s *Selector) NewRetryContexts(clusters []*models.Cluster) RetryContexts {
	return NewRetryContexts(clusters, s.opts.MaxClusterFails, s.clock)
}

// RankCandidates blocks until at least one enabled cluster answers a probe and
// returns every answering cluster ordered by preference. It returns a
// *SelectionError once every cluster has failed too often.
func (s *Selector) RankCandidates(ctx context.Context, platform string, clusters []*models.Cluster, contexts RetryContexts) ([]Info, error) {
	candidates := make([]*models.Cluster, 0, len(clusters))
	for _, c := range clusters {
		if !c.Enabled {
			continue
		}
		if _, ok := contexts[c.Name]; !ok {
			contexts[c.Name] = NewRetryContext(s.opts.MaxClusterFails, s.clock)
		}
		candidates = append(candidates, c)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority < candidates[j].Priority
	})

	var infos []Info
	for len(candidates) > 0 && len(infos) == 0 {
		if err := s.waitForAnyCluster(ctx, platform, candidates, contexts); err != nil {
			return nil, err
		}

		for _, c := range candidates {
			rc := contexts[c.Name]
			if rc.InRetryWait() || rc.Failed() {
				continue
			}

			info, err := s.probe(ctx, platform, c)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				rc.RecordFailure(s.opts.FindClusterRetryDelay)
				s.metrics.RecordClusterFailure(platform, c.Name, metrics.PhaseProbe)
				s.logger.Warn("Cluster probe failed",
					zap.String("platform", platform),
					zap.String("cluster", c.Name),
					zap.Int("fail_count", rc.FailCount()),
					zap.Error(err))
				continue
			}
			infos = append(infos, info)
		}

		remaining := candidates[:0]
		for _, c := range candidates {
			if !contexts[c.Name].Failed() {
				remaining = append(remaining, c)
			}
		}
		candidates = remaining
	}

	if len(infos) == 0 {
		return nil, selectionError(platform, clusters)
	}

	s.sortInfos(infos)
	return infos, nil
}

func (s *Selector) sortInfos(infos []Info) {
	if s.opts.RankByLoad {
		// priority only breaks load ties
		sort.SliceStable(infos, func(i, j int) bool {
			return infos[i].Cluster.Priority < infos[j].Cluster.Priority
		})
		sort.SliceStable(infos, func(i, j int) bool {
			return infos[i].Load < infos[j].Load
		})
		return
	}
	sort.SliceStable(infos, func(i, j int) bool {
		if infos[i].Cluster.Priority != infos[j].Cluster.Priority {
			return infos[i].Cluster.Priority < infos[j].Cluster.Priority
		}
		return infos[i].Load < infos[j].Load
	})
}

// waitForAnyCluster sleeps until the earliest non-failed cluster may be retried
func (s *Selector) waitForAnyCluster(ctx context.Context, platform string, candidates []*models.Cluster, contexts RetryContexts) error {
	var earliest time.Time
	found := false
	for _, c := range candidates {
		rc := contexts[c.Name]
		if rc.Failed() {
			continue
		}
		if !found || rc.RetryAt().Before(earliest) {
			earliest = rc.RetryAt()
			found = true
		}
	}
	if !found {
		return selectionError(platform, candidates)
	}

	wait := earliest.Sub(s.clock.Now())
	if wait <= 0 {
		return nil
	}

	s.logger.Info("Waiting for a cluster to become available",
		zap.String("platform", platform),
		zap.Duration("wait", wait))

	select {
	case <-s.clock.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Selector) probe(ctx context.Context, platform string, c *models.Cluster) (Info, error) {
	client, err := s.connector.Connect(ctx, c)
	if err != nil {
		return Info{}, fmt.Errorf("failed to connect to cluster %s: %w", c.Name, err)
	}
	active, err := client.CountActiveBuilds(ctx)
	if err != nil {
		return Info{}, fmt.Errorf("failed to count builds on cluster %s: %w", c.Name, err)
	}

	info := Info{
		Cluster:  c,
		Platform: platform,
		Client:   client,
		Load:     c.Load(active),
	}
	s.logger.Debug("Probed cluster",
		zap.String("platform", platform),
		zap.String("cluster", c.Name),
		zap.Float64("load", info.Load))
	return info, nil
}

func selectionError(platform string, clusters []*models.Cluster) *SelectionError {
	names := make([]string, 0, len(clusters))
	for _, c := range clusters {
		names = append(names, c.Name)
	}
	return &SelectionError{Platform: platform, Clusters: names}
}
