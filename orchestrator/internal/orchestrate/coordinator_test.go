package orchestrate

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/cluster"
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/k8sclient"
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/metrics"
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/persistence"
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/reactorconfig"
	"go.uber.org/zap/zaptest"
	"k8s.io/utils/clock"
	testingclock "k8s.io/utils/clock/testing"
)

var recordTime = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

const testReactorConfig = `
version: 1
clusters:
  x86_64:
    - name: east
      max_concurrent_builds: 1
    - name: east-backup
      max_concurrent_builds: 1
      priority: 1
  s390x:
    - name: west
      max_concurrent_builds: 1
  ppc64le:
    - name: north
      max_concurrent_builds: 1
  aarch64:
    - name: south
      max_concurrent_builds: 1
      enabled: false
platform_descriptors:
  - platform: x86_64
    architecture: amd64
source_registry:
  url: registry.example.com
`

type fakePinner struct {
	mu     sync.Mutex
	err    error
	images []string
}

func (f *fakePinner) PinBuilderImages(ctx context.Context, platforms []string, orchestratorPlatform, image string, overrides map[string]string, goarch func(string) string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images = append(f.images, image)
	if f.err != nil {
		return nil, f.err
	}
	pinned := make(map[string]string, len(platforms))
	for _, p := range platforms {
		pinned[p] = image + "-" + goarch(p)
	}
	return pinned, nil
}

type testEnv struct {
	coordinator *Coordinator
	connector   *k8sclient.MockConnector
	pinner      *fakePinner
	store       persistence.Store
	metrics     *metrics.Metrics
}

func setupCoordinator(t *testing.T) *testEnv {
	logger := zaptest.NewLogger(t)
	rc, err := reactorconfig.Parse([]byte(testReactorConfig))
	require.NoError(t, err)

	connector := k8sclient.NewMockConnector(logger)
	selector := cluster.NewSelector(connector, cluster.Options{MaxClusterFails: 2}, clock.RealClock{}, nil, logger)
	pinner := &fakePinner{}
	store := persistence.NewMemoryStore()
	m := metrics.New(prometheus.NewRegistry())

	coordinator := NewCoordinator(rc, selector, pinner, store, m, Options{
		OrchestratorPlatform: "x86_64",
		CancelTimeout:        time.Second,
		Clock:                testingclock.NewFakePassiveClock(recordTime),
	}, logger)

	return &testEnv{coordinator: coordinator, connector: connector, pinner: pinner, store: store, metrics: m}
}

func TestRunTwoPlatformsSucceed(t *testing.T) {
	env := setupCoordinator(t)
	east := env.connector.AddCluster("east")
	west := env.connector.AddCluster("west")

	result, ws, err := env.coordinator.Run(context.Background(), Request{
		BuildID:      "orch-1",
		Platforms:    []string{"x86_64", "s390x"},
		Release:      "7",
		BuilderImage: "registry.example.com/builder:1",
	})
	require.NoError(t, err)

	assert.False(t, result.Failed)
	assert.True(t, result.RemoteImage)
	assert.Empty(t, result.FailReasons)
	assert.Len(t, result.Annotations, 2)
	assert.Equal(t, "https://east.mock", result.Annotations["x86_64"].Build.ClusterURL)

	require.Len(t, east.CreatedBuilds(), 1)
	require.Len(t, west.CreatedBuilds(), 1)
	eastParams := east.CreatedBuilds()[0]
	westParams := west.CreatedBuilds()[0]
	assert.Equal(t, "x86_64", eastParams.Platform)
	assert.Equal(t, "7", eastParams.Release)
	assert.Equal(t, "registry.example.com/builder:1-amd64", eastParams.BuilderImage)
	assert.Equal(t, "registry.example.com/builder:1-s390x", westParams.BuilderImage)
	assert.True(t, strings.HasPrefix(eastParams.KojiUploadDir, "koji-upload/"))
	assert.Equal(t, eastParams.KojiUploadDir, westParams.KojiUploadDir)
	assert.Equal(t, ws.KojiUploadDir, eastParams.KojiUploadDir)

	assert.Equal(t, "orch-1", ws.BuildID)
	assert.Len(t, ws.WorkerBuilds(), 2)

	records, err := env.store.ListStaleWorkerBuilds(context.Background(), recordTime, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, rec := range records {
		assert.Equal(t, recordTime, rec.CreatedAt.UTC())
	}
	records, err = env.store.ListStaleWorkerBuilds(context.Background(), recordTime.Add(-time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestRunLongLogLineDoesNotFailBuild(t *testing.T) {
	env := setupCoordinator(t)
	east := env.connector.AddCluster("east")
	east.LogLines = []string{"ok", strings.Repeat("x", 2<<20), "done"}

	result, ws, err := env.coordinator.Run(context.Background(), Request{Platforms: []string{"x86_64"}, BuilderImage: "builder"})
	require.NoError(t, err)

	assert.False(t, result.Failed)
	assert.Empty(t, result.FailReasons)
	assert.Contains(t, result.Annotations, "x86_64")
	assert.Equal(t, 0, east.TotalCancels())
	assert.NoError(t, ws.WorkerBuilds()["x86_64"].MonitorError())
}

func TestRunSingleClusterAlwaysFailing(t *testing.T) {
	env := setupCoordinator(t)
	env.connector.SetConnectError("west", errors.New("connection refused"))

	result, ws, err := env.coordinator.Run(context.Background(), Request{Platforms: []string{"s390x"}, BuilderImage: "builder"})
	require.NoError(t, err)

	assert.True(t, result.Failed)
	require.Len(t, result.FailReasons, 1)
	assert.Equal(t, "all clusters for platform s390x failed: west", result.FailReasons["s390x"]["general"])
	assert.Empty(t, result.Annotations)
	assert.Equal(t, 2, env.connector.Connects("west"))

	handle := ws.WorkerBuilds()["s390x"]
	require.NotNil(t, handle)
	assert.Equal(t, "N/A", handle.Name())
	assert.ErrorIs(t, handle.MonitorError(), cluster.ErrAllClustersFailed)
}

func TestRunNoRetryAfterLaunch(t *testing.T) {
	env := setupCoordinator(t)
	east := env.connector.AddCluster("east")
	backup := env.connector.AddCluster("east-backup")
	east.OnWait = func(ctx context.Context, name string) error {
		return errors.New("connection reset by peer")
	}

	result, ws, err := env.coordinator.Run(context.Background(), Request{Platforms: []string{"x86_64"}, BuilderImage: "builder"})
	require.NoError(t, err)

	assert.True(t, result.Failed)
	assert.Equal(t, "connection reset by peer", result.FailReasons["x86_64"]["general"])
	assert.Len(t, east.CreatedBuilds(), 1)
	assert.Empty(t, backup.CreatedBuilds())

	handle := ws.WorkerBuilds()["x86_64"]
	assert.Equal(t, 1, east.CancelCount(handle.Name()))
}

func TestRunLaunchFailureTriesNextCluster(t *testing.T) {
	env := setupCoordinator(t)
	east := env.connector.AddCluster("east")
	east.CreateErr = errors.New("connection refused")
	backup := env.connector.AddCluster("east-backup")

	result, ws, err := env.coordinator.Run(context.Background(), Request{Platforms: []string{"x86_64"}, BuilderImage: "builder"})
	require.NoError(t, err)

	assert.False(t, result.Failed)
	assert.Len(t, backup.CreatedBuilds(), 1)
	assert.Equal(t, "east-backup", ws.WorkerBuilds()["x86_64"].Cluster().Name)
}

func TestRunLaunchFailuresExhaustClusters(t *testing.T) {
	env := setupCoordinator(t)
	west := env.connector.AddCluster("west")
	west.CreateErr = errors.New("connection refused")

	result, _, err := env.coordinator.Run(context.Background(), Request{Platforms: []string{"s390x"}, BuilderImage: "builder"})
	require.NoError(t, err)

	assert.True(t, result.Failed)
	assert.Contains(t, result.FailReasons["s390x"]["general"], "all clusters for platform s390x failed")
	assert.Equal(t, 2, env.connector.Connects("west"))
}

func TestRunCancellation(t *testing.T) {
	env := setupCoordinator(t)
	east := env.connector.AddCluster("east")
	west := env.connector.AddCluster("west")

	started := make(chan string, 2)
	block := func(ctx context.Context, name string) error {
		started <- name
		<-ctx.Done()
		return ctx.Err()
	}
	east.OnWait = block
	west.OnWait = block

	ctx, cancel := context.WithCancel(context.Background())
	type outcome struct {
		result *Result
		ws     *Workspace
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, ws, err := env.coordinator.Run(ctx, Request{Platforms: []string{"x86_64", "s390x"}, BuilderImage: "builder"})
		done <- outcome{result, ws, err}
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("worker builds were not started")
		}
	}
	cancel()

	var out outcome
	select {
	case out = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("coordinator did not return after cancellation")
	}

	require.ErrorIs(t, out.err, context.Canceled)
	assert.Nil(t, out.result)
	require.NotNil(t, out.ws)
	assert.Len(t, out.ws.Handles(), 2)
	assert.Equal(t, 1, east.TotalCancels())
	assert.Equal(t, 1, west.TotalCancels())
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.WorkerBuilds.WithLabelValues("x86_64", metrics.OutcomeCancelled)))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.WorkerBuilds.WithLabelValues("s390x", metrics.OutcomeCancelled)))
	assert.Equal(t, 0.0, testutil.ToFloat64(env.metrics.WorkerBuilds.WithLabelValues("x86_64", metrics.OutcomeFailed)))

	for _, h := range out.ws.Handles() {
		b, ok := h.Build()
		require.True(t, ok)
		stored, err := h.Client().GetBuild(context.Background(), b.Name)
		require.NoError(t, err)
		assert.Equal(t, k8sclient.PhaseCancelled, stored.Phase)
	}
}

func TestRunFailReasonCoverage(t *testing.T) {
	env := setupCoordinator(t)
	env.connector.AddCluster("east")
	west := env.connector.AddCluster("west")
	west.FinalPhase = k8sclient.PhaseFailed
	west.FinalAnnotations = map[string]string{
		k8sclient.AnnotationPluginsMetadata: `{"errors":{"tag_and_push":"push denied"}}`,
	}
	env.connector.SetConnectError("north", errors.New("no route to host"))

	platforms := []string{"x86_64", "s390x", "ppc64le"}
	result, _, err := env.coordinator.Run(context.Background(), Request{Platforms: platforms, BuilderImage: "builder"})
	require.NoError(t, err)

	assert.True(t, result.Failed)
	assert.False(t, result.RemoteImage)
	for _, platform := range platforms {
		_, annotated := result.Annotations[platform]
		_, failed := result.FailReasons[platform]
		assert.True(t, annotated != failed, "platform %s must be in exactly one map", platform)
	}
	assert.Contains(t, result.Annotations, "x86_64")
	assert.Equal(t, "push denied", result.FailReasons["s390x"]["tag_and_push"])
	assert.Contains(t, result.FailReasons["ppc64le"]["general"], "all clusters for platform ppc64le failed")

	require.Contains(t, result.FailedAnnotations, "s390x")
	assert.Equal(t, "https://west.mock", result.FailedAnnotations["s390x"].Build.ClusterURL)
	assert.NotEmpty(t, result.FailedAnnotations["s390x"].Build.BuildName)
	assert.NotContains(t, result.FailedAnnotations, "ppc64le")
	assert.NotContains(t, result.FailedAnnotations, "x86_64")

	doc, err := result.FailReasonJSON()
	require.NoError(t, err)
	var decoded map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(doc), &decoded))
	assert.Len(t, decoded, 2)
}

func TestRunConfigErrors(t *testing.T) {
	tests := []struct {
		name      string
		req       Request
		pinnerErr error
		target    error
	}{
		{name: "no platforms", req: Request{}, target: ErrNoEnabledPlatform},
		{name: "all excluded", req: Request{Platforms: []string{"x86_64"}, ExcludePlatforms: []string{"x86_64"}}, target: ErrNoEnabledPlatform},
		{name: "platform without enabled clusters", req: Request{Platforms: []string{"aarch64"}}},
		{name: "unknown platform", req: Request{Platforms: []string{"riscv64"}}},
		{name: "image pinning fails", req: Request{Platforms: []string{"x86_64"}}, pinnerErr: errors.New("not a manifest list")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupCoordinator(t)
			env.pinner.err = tt.pinnerErr

			result, ws, err := env.coordinator.Run(context.Background(), tt.req)
			assert.Nil(t, result)
			assert.Nil(t, ws)

			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			if tt.target != nil {
				assert.ErrorIs(t, err, tt.target)
			}
			if tt.pinnerErr != nil {
				assert.ErrorIs(t, err, tt.pinnerErr)
			}
			assert.Equal(t, 0, env.connector.Connects("east"))
		})
	}
}

func TestRunMergesBuildParams(t *testing.T) {
	env := setupCoordinator(t)
	east := env.connector.AddCluster("east")
	west := env.connector.AddCluster("west")

	req := Request{
		Platforms:        []string{"x86_64", "s390x", "ppc64le"},
		ExcludePlatforms: []string{"ppc64le"},
		WorkerBuildImage: "legacy-builder",
		BuildParams:      map[string]interface{}{"a": "base", "b": "base"},
		ConfigOverrides:  map[string]interface{}{"b": "all", "c": "all"},
		PlatformOverrides: map[string]map[string]interface{}{
			"x86_64": {"c": "x86"},
		},
	}
	result, _, err := env.coordinator.Run(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.Failed)
	assert.Equal(t, []string{"legacy-builder"}, env.pinner.images)
	assert.Equal(t, 0, env.connector.Connects("north"))

	eastParams := east.CreatedBuilds()[0]
	assert.Equal(t, map[string]interface{}{"a": "base", "b": "all", "c": "x86"}, eastParams.UserParams)
	assert.Equal(t, map[string]interface{}{"a": "base", "b": "all", "c": "all"}, west.CreatedBuilds()[0].UserParams)
	assert.Equal(t, map[string]interface{}{"a": "base", "b": "base"}, req.BuildParams)

	assert.NotContains(t, eastParams.ReactorConfigOverride, "clusters")
	assert.Contains(t, eastParams.ReactorConfigOverride, "source_registry")
}

func TestRunAggregatesRepositoriesAndLabels(t *testing.T) {
	env := setupCoordinator(t)
	east := env.connector.AddCluster("east")
	west := env.connector.AddCluster("west")
	east.FinalAnnotations = map[string]string{
		k8sclient.AnnotationRepositories: `{"unique":["reg/app:7-x86_64"],"primary":["reg/app:latest"]}`,
	}
	west.FinalAnnotations = map[string]string{
		k8sclient.AnnotationRepositories: `{"unique":["reg/app:7-s390x"],"primary":["reg/app:latest"]}`,
	}
	east.FinalLabels = map[string]string{k8sclient.LabelKojiBuildID: "99"}
	west.FinalLabels = map[string]string{k8sclient.LabelKojiBuildID: "99"}

	result, _, err := env.coordinator.Run(context.Background(), Request{Platforms: []string{"x86_64", "s390x"}, BuilderImage: "builder"})
	require.NoError(t, err)

	assert.Equal(t, []string{"reg/app:7-s390x", "reg/app:7-x86_64"}, result.Repositories.Unique)
	assert.Equal(t, []string{"reg/app:latest"}, result.Repositories.Primary)
	assert.Equal(t, map[string]string{k8sclient.LabelKojiBuildID: "99"}, result.Labels)
}

func TestRunKeepsLargeIntegerParams(t *testing.T) {
	env := setupCoordinator(t)
	east := env.connector.AddCluster("east")

	_, _, err := env.coordinator.Run(context.Background(), Request{
		Platforms:    []string{"x86_64"},
		BuilderImage: "builder",
		BuildParams:  map[string]interface{}{"koji_task_id": int64(9007199254740993)},
	})
	require.NoError(t, err)

	data, err := json.Marshal(east.CreatedBuilds()[0].UserParams)
	require.NoError(t, err)
	assert.Equal(t, `{"koji_task_id":9007199254740993}`, string(data))
}
