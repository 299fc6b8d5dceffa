package workerbuild

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/williamhogman/build-orchestrator/orchestrator/internal/cluster"
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/k8sclient"
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/models"
	"go.uber.org/zap"
)

// NotLaunchedName is reported as the name of a build that never started
const NotLaunchedName = "N/A"

// maxLogLine bounds a forwarded log line, longer lines are truncated
const maxLogLine = 1024 * 1024

// Outcome is either Launched or NeverLaunched
type Outcome interface {
	isOutcome()
}

// Launched holds the latest known state of a started worker build
type Launched struct {
	Build *k8sclient.Build
}

// NeverLaunched records why no worker build was started
type NeverLaunched struct {
	Reason error
}

func (Launched) isOutcome()      {}
func (NeverLaunched) isOutcome() {}

// Handle is one launch attempt of a worker build on one cluster.
// Cancel may be called while another goroutine is monitoring the build.
type Handle struct {
	mu         sync.Mutex
	outcome    Outcome
	platform   string
	cluster    *models.Cluster
	client     k8sclient.Client
	monitorErr error
	logger     *zap.Logger
}

// NewLaunched creates a handle for a build that was created on the cluster of info
func NewLaunched(build *k8sclient.Build, info cluster.Info, logger *zap.Logger) *Handle {
	return &Handle{
		outcome:  Launched{Build: build},
		platform: info.Platform,
		cluster:  info.Cluster,
		client:   info.Client,
		logger: logger.Named("workerbuild").With(
			zap.String("platform", info.Platform),
			zap.String("cluster", info.Cluster.Name),
			zap.String("build", build.Name)),
	}
}

// NewNeverLaunched creates a handle for a platform whose build could not be started.
// The reason doubles as the handle's monitor error.
func NewNeverLaunched(platform string, reason error, logger *zap.Logger) *Handle {
	return &Handle{
		outcome:    NeverLaunched{Reason: reason},
		platform:   platform,
		monitorErr: reason,
		logger:     logger.Named("workerbuild").With(zap.String("platform", platform)),
	}
}

func (h *Handle) Platform() string { return h.platform }

// Cluster returns the cluster the build runs on, nil if it never launched
func (h *Handle) Cluster() *models.Cluster { return h.cluster }

// ClusterURL returns the API address of the build's cluster
func (h *Handle) ClusterURL() string {
	if h.client == nil {
		return ""
	}
	return h.client.ClusterURL()
}

// Client returns the control plane client of the build's cluster
func (h *Handle) Client() k8sclient.Client { return h.client }

func (h *Handle) Outcome() Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.outcome
}

// build returns the current build snapshot or nil when never launched
func (h *Handle) build() *k8sclient.Build {
	h.mu.Lock()
	defer h.mu.Unlock()
	if launched, ok := h.outcome.(Launched); ok {
		return launched.Build
	}
	return nil
}

// Build returns the latest known state of the worker build
func (h *Handle) Build() (*k8sclient.Build, bool) {
	b := h.build()
	return b, b != nil
}

// Name returns the worker build name or NotLaunchedName
func (h *Handle) Name() string {
	if b := h.build(); b != nil {
		return b.Name
	}
	return NotLaunchedName
}

// Succeeded reports whether the worker build completed successfully
func (h *Handle) Succeeded() bool {
	b := h.build()
	return b != nil && b.IsSucceeded()
}

func (h *Handle) SetMonitorError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.monitorErr = err
}

func (h *Handle) MonitorError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.monitorErr
}

// WatchLogs forwards the build log to the logger until the stream ends
func (h *Handle) WatchLogs(ctx context.Context) error {
	b := h.build()
	if b == nil {
		return nil
	}

	stream, err := h.client.StreamBuildLogs(ctx, b.Name)
	if err != nil {
		return err
	}
	defer stream.Close()

	reader := bufio.NewReaderSize(stream, 64*1024)
	var line []byte
	truncated := false
	for {
		chunk, isPrefix, err := reader.ReadLine()
		if err != nil {
			if len(line) > 0 || truncated {
				h.logLine(line, truncated)
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		if room := maxLogLine - len(line); len(chunk) > room {
			chunk = chunk[:room]
			truncated = true
		}
		line = append(line, chunk...)
		if isPrefix {
			continue
		}
		h.logLine(line, truncated)
		line = line[:0]
		truncated = false
	}
}

func (h *Handle) logLine(line []byte, truncated bool) {
	if truncated {
		h.logger.Info(string(line), zap.Bool("truncated", true))
		return
	}
	h.logger.Info(string(line))
}

// WaitToFinish blocks until the build reaches a terminal phase and keeps the final state
func (h *Handle) WaitToFinish(ctx context.Context) error {
	b := h.build()
	if b == nil {
		return nil
	}

	final, err := h.client.WaitForBuildToFinish(ctx, b.Name)
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.outcome = Launched{Build: final}
	h.mu.Unlock()

	h.logger.Info("Worker build finished", zap.String("phase", string(final.Phase)))
	return nil
}

// Cancel asks the cluster to stop the build. Builds that never started,
// already finished or are gone are left alone, so Cancel may be repeated.
func (h *Handle) Cancel(ctx context.Context) error {
	b := h.build()
	if b == nil || b.IsFinished() {
		return nil
	}

	if err := h.client.CancelBuild(ctx, b.Name); err != nil {
		if k8sclient.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to cancel worker build %s: %w", b.Name, err)
	}
	return nil
}

// Annotations returns the normalized annotations of the build, nil when it never launched
func (h *Handle) Annotations() *Annotations {
	b := h.build()
	if b == nil {
		return nil
	}

	annotations := &Annotations{
		Build: BuildLocation{
			ClusterURL: h.client.ClusterURL(),
			Namespace:  h.client.Namespace(),
			BuildName:  b.Name,
		},
		Digests:             []interface{}{},
		MetadataFragment:    b.Annotations[k8sclient.AnnotationMetadataFragment],
		MetadataFragmentKey: b.Annotations[k8sclient.AnnotationMetadataFragmentKey],
	}
	if _, err := decodeAnnotation(b.Annotations, k8sclient.AnnotationDigests, &annotations.Digests); err != nil {
		h.logger.Warn("Ignoring malformed digests annotation", zap.Error(err))
		annotations.Digests = []interface{}{}
	}

	metadata, _, err := pluginsMetadata(b)
	if err != nil {
		h.logger.Warn("Ignoring malformed plugins-metadata annotation", zap.Error(err))
	}
	annotations.PluginsMetadata = metadata
	return annotations
}

// Repositories returns the repositories the build reported, if any
func (h *Handle) Repositories() *Repositories {
	b := h.build()
	if b == nil {
		return nil
	}
	repos := &Repositories{}
	found, err := decodeAnnotation(b.Annotations, k8sclient.AnnotationRepositories, repos)
	if err != nil {
		h.logger.Warn("Ignoring malformed repositories annotation", zap.Error(err))
		return nil
	}
	if !found {
		return nil
	}
	return repos
}

// KojiBuildID returns the koji build id label of the build, if any
func (h *Handle) KojiBuildID() string {
	if b := h.build(); b != nil {
		return b.KojiBuildID()
	}
	return ""
}

// FailReason describes why the platform did not produce an image
func (h *Handle) FailReason(ctx context.Context) map[string]interface{} {
	monitorErr := h.MonitorError()
	b := h.build()
	if b == nil {
		general := "build not started"
		if monitorErr != nil {
			general = monitorErr.Error()
		}
		return map[string]interface{}{"general": general}
	}

	reason := map[string]interface{}{}
	metadata, _, err := pluginsMetadata(b)
	if err != nil {
		h.logger.Warn("Ignoring malformed plugins-metadata annotation", zap.Error(err))
	}
	if errs, ok := metadata["errors"].(map[string]interface{}); ok {
		for plugin, msg := range errs {
			reason[plugin] = msg
		}
	} else {
		podReason, err := h.client.GetPodFailureReason(ctx, b.Name)
		if err != nil {
			h.logger.Debug("Pod failure reason unavailable", zap.Error(err))
		} else {
			reason["pod"] = podReason
		}
	}

	if monitorErr != nil {
		reason["general"] = monitorErr.Error()
	}
	if len(reason) == 0 {
		reason["general"] = fmt.Sprintf("worker build %s ended in phase %s", b.Name, b.Phase)
	}
	return reason
}
