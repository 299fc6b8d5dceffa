package orchestrate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/cluster"
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/k8sclient"
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/metrics"
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/models"
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/persistence"
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/reactorconfig"
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/workerbuild"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"
)

// ImagePinner decides the builder image of every platform
type ImagePinner interface {
	PinBuilderImages(ctx context.Context, platforms []string, orchestratorPlatform, image string, overrides map[string]string, goarch func(string) string) (map[string]string, error)
}

// Options tune the coordinator
type Options struct {
	// FailureRetryDelay is the backoff of a cluster after a failed launch
	FailureRetryDelay time.Duration
	// OrchestratorPlatform is the platform the orchestrator itself runs on
	OrchestratorPlatform string
	// CancelTimeout bounds each worker build cancellation
	CancelTimeout time.Duration
	// Clock stamps the worker build records, the real clock when nil
	Clock clock.PassiveClock
}

const defaultCancelTimeout = 30 * time.Second

// Coordinator runs one worker build per platform and combines their outcomes
type Coordinator struct {
	reactor  *reactorconfig.ReactorConfig
	selector *cluster.Selector
	pinner   ImagePinner
	store    persistence.Store
	metrics  *metrics.Metrics
	opts     Options
	logger   *zap.Logger
}

// NewCoordinator creates a new coordinator
func NewCoordinator(
	reactor *reactorconfig.ReactorConfig,
	selector *cluster.Selector,
	pinner ImagePinner,
	store persistence.Store,
	m *metrics.Metrics,
	opts Options,
	logger *zap.Logger,
) *Coordinator {
	if opts.CancelTimeout <= 0 {
		opts.CancelTimeout = defaultCancelTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	return &Coordinator{
		reactor:  reactor,
		selector: selector,
		pinner:   pinner,
		store:    store,
		metrics:  m,
		opts:     opts,
		logger:   logger.Named("coordinator"),
	}
}

// Run builds the request on every platform. Per-platform problems end up in the
// result; only configuration errors and cancellation of ctx are returned as errors.
// On cancellation every worker build started so far is cancelled before Run returns.
// The workspace is returned whenever any worker build may have been started.
func (c *Coordinator) Run(ctx context.Context, req Request) (*Result, *Workspace, error) {
	if req.BuildID == "" {
		req.BuildID = uuid.NewString()
	}
	logger := c.logger.With(zap.String("build_id", req.BuildID))

	platforms := req.platforms()
	if len(platforms) == 0 {
		return nil, nil, &ConfigError{Err: ErrNoEnabledPlatform}
	}
	platformClusters := make(map[string][]*models.Cluster, len(platforms))
	for _, platform := range platforms {
		enabled := c.reactor.EnabledClustersForPlatform(platform)
		if len(enabled) == 0 {
			return nil, nil, &ConfigError{Err: fmt.Errorf("no enabled cluster for platform %s", platform)}
		}
		platformClusters[platform] = enabled
	}

	image := req.builderImage()
	if req.BuilderImage == "" && req.WorkerBuildImage != "" {
		logger.Warn("worker_build_image is deprecated, use builder_image")
	}
	images, err := c.pinner.PinBuilderImages(ctx, platforms, c.opts.OrchestratorPlatform, image, c.reactor.BuildImageOverride(), c.reactor.Goarch)
	if err != nil {
		return nil, nil, &ConfigError{Err: err}
	}

	ws := NewWorkspace(req.BuildID, kojiUploadDir())
	reactorOverride := c.reactor.WorkerOverride()

	attempts := make([]*platformAttempt, 0, len(platforms))
	for _, platform := range platforms {
		params, err := req.workerParams(platform, images[platform], ws.KojiUploadDir, reactorOverride)
		if err != nil {
			return nil, nil, &ConfigError{Err: err}
		}
		attempts = append(attempts, &platformAttempt{
			coordinator: c,
			platform:    platform,
			clusters:    platformClusters[platform],
			params:      params,
			ws:          ws,
			logger:      logger.With(zap.String("platform", platform)),
		})
	}

	logger.Info("Starting worker builds", zap.Strings("platforms", platforms))

	g := new(errgroup.Group)
	g.SetLimit(len(attempts))
	for _, attempt := range attempts {
		g.Go(func() error {
			attempt.run(ctx)
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}

	if err := ctx.Err(); err != nil {
		logger.Warn("Orchestration interrupted, cancelling worker builds", zap.Error(err))
		cancelled := c.cancelAll(ctx, ws.Handles())
		<-done
		// builds launched while the first round of cancellations was running
		if late := ws.Handles()[cancelled:]; len(late) > 0 {
			c.cancelAll(ctx, late)
		}
		return nil, ws, err
	}

	result := c.aggregate(ctx, platforms, ws)
	if result.Failed {
		logger.Warn("Orchestration failed", zap.Any("fail_reasons", result.FailReasons))
	} else {
		logger.Info("Orchestration succeeded")
	}
	return result, ws, nil
}

// cancelAll cancels the handles concurrently and waits for every cancellation.
// It returns the number of handles it was given.
func (c *Coordinator) cancelAll(ctx context.Context, handles []*workerbuild.Handle) int {
	cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.CancelTimeout)
	defer cancel()

	g := new(errgroup.Group)
	for _, h := range handles {
		g.Go(func() error {
			b, launched := h.Build()
			if err := h.Cancel(cancelCtx); err != nil {
				c.logger.Error("Failed to cancel worker build",
					zap.String("platform", h.Platform()),
					zap.String("build", h.Name()),
					zap.Error(err))
				return nil
			}
			if launched && !b.IsFinished() {
				c.metrics.RecordWorkerBuild(h.Platform(), metrics.OutcomeCancelled)
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(handles)
}

// aggregate reduces the handles into the result
func (c *Coordinator) aggregate(ctx context.Context, platforms []string, ws *Workspace) *Result {
	result := &Result{
		Annotations:       make(map[string]*workerbuild.Annotations),
		FailedAnnotations: make(map[string]*workerbuild.Annotations),
		FailReasons:       make(map[string]map[string]interface{}),
		Labels:            make(map[string]string),
	}
	handles := ws.WorkerBuilds()

	unique := map[string]bool{}
	primary := map[string]bool{}
	for _, platform := range platforms {
		h, ok := handles[platform]
		if !ok {
			result.FailReasons[platform] = map[string]interface{}{"general": "build not started"}
			continue
		}

		if h.Succeeded() {
			result.Annotations[platform] = h.Annotations()
		} else {
			result.FailReasons[platform] = h.FailReason(ctx)
			if _, launched := h.Build(); launched {
				result.FailedAnnotations[platform] = h.Annotations()
			}
		}

		if repos := h.Repositories(); repos != nil {
			for _, r := range repos.Unique {
				unique[r] = true
			}
			for _, r := range repos.Primary {
				primary[r] = true
			}
		}
		if id := h.KojiBuildID(); id != "" {
			if _, set := result.Labels[k8sclient.LabelKojiBuildID]; !set {
				result.Labels[k8sclient.LabelKojiBuildID] = id
			}
		}
	}

	result.Repositories = workerbuild.Repositories{Unique: sortedKeys(unique), Primary: sortedKeys(primary)}
	result.Failed = len(result.FailReasons) > 0
	result.RemoteImage = !result.Failed
	return result
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func kojiUploadDir() string {
	return "koji-upload/" + uuid.NewString()
}
