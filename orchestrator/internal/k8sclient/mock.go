package k8sclient

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/williamhogman/build-orchestrator/orchestrator/internal/models"
	"go.uber.org/zap"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// MockClient is an in-memory worker cluster used in mock mode and tests.
// Exported fields configure its behavior and must be set before use.
type MockClient struct {
	mu         sync.Mutex
	clusterURL string
	namespace  string
	logger     *zap.Logger

	ActiveBuilds int
	CountErr     error
	CreateErr    error
	CancelErr    error
	DeleteErr    error

	// OnWait runs while a build is being waited on; an error aborts the wait
	OnWait           func(ctx context.Context, name string) error
	FinalPhase       BuildPhase
	FinalAnnotations map[string]string
	FinalLabels      map[string]string
	LogLines         []string
	PodFailure       *PodFailureReason
	ConfigMaps       map[string]map[string]string

	builds         map[string]*Build
	created        []WorkerBuildParams
	cancels        map[string]int
	deletedConfigs []string
}

// NewMockClient creates a mock cluster whose builds complete immediately
func NewMockClient(clusterURL, namespace string, logger *zap.Logger) *MockClient {
	return &MockClient{
		clusterURL: clusterURL,
		namespace:  namespace,
		logger:     logger.Named("k8sclient.mock"),
		FinalPhase: PhaseComplete,
		ConfigMaps: make(map[string]map[string]string),
		builds:     make(map[string]*Build),
		cancels:    make(map[string]int),
	}
}

func (m *MockClient) ClusterURL() string { return m.clusterURL }

func (m *MockClient) Namespace() string { return m.namespace }

// CountActiveBuilds returns the configured build count
func (m *MockClient) CountActiveBuilds(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CountErr != nil {
		return 0, m.CountErr
	}
	return m.ActiveBuilds, nil
}

// CreateWorkerBuild records the params and stores a running build
func (m *MockClient) CreateWorkerBuild(ctx context.Context, params WorkerBuildParams) (*Build, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateErr != nil {
		return nil, m.CreateErr
	}

	name := WorkerBuildName(params.Platform)
	build := &Build{
		Name:        name,
		Namespace:   m.namespace,
		Phase:       PhaseRunning,
		Annotations: map[string]string{AnnotationPodName: name + "-build"},
		Labels:      map[string]string{LabelPlatform: params.Platform},
	}
	m.builds[name] = build
	m.created = append(m.created, params)

	m.logger.Info("[MOCK] Worker build created", zap.String("build", name), zap.String("cluster_url", m.clusterURL))
	return copyBuild(build), nil
}

// GetBuild returns a stored build
func (m *MockClient) GetBuild(ctx context.Context, name string) (*Build, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	build, ok := m.builds[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBuildNotFound, name)
	}
	return copyBuild(build), nil
}

// StreamBuildLogs returns the configured log lines
func (m *MockClient) StreamBuildLogs(ctx context.Context, name string) (io.ReadCloser, error) {
	if _, err := m.GetBuild(ctx, name); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return io.NopCloser(strings.NewReader(strings.Join(m.LogLines, "\n"))), nil
}

// WaitForBuildToFinish runs OnWait and then moves the build to FinalPhase
func (m *MockClient) WaitForBuildToFinish(ctx context.Context, name string) (*Build, error) {
	if _, err := m.GetBuild(ctx, name); err != nil {
		return nil, err
	}
	if m.OnWait != nil {
		if err := m.OnWait(ctx, name); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	build := m.builds[name]
	if !build.IsFinished() {
		build.Phase = m.FinalPhase
	}
	for k, v := range m.FinalAnnotations {
		build.Annotations[k] = v
	}
	for k, v := range m.FinalLabels {
		build.Labels[k] = v
	}
	return copyBuild(build), nil
}

// CancelBuild counts the request and marks a running build cancelled
func (m *MockClient) CancelBuild(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancels[name]++
	if m.CancelErr != nil {
		return m.CancelErr
	}
	if build, ok := m.builds[name]; ok && !build.IsFinished() {
		build.Phase = PhaseCancelled
	}
	m.logger.Info("[MOCK] Worker build cancelled", zap.String("build", name))
	return nil
}

// GetPodFailureReason returns the configured pod failure
func (m *MockClient) GetPodFailureReason(ctx context.Context, name string) (*PodFailureReason, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PodFailure == nil {
		return nil, ErrNoBuildPod
	}
	reason := *m.PodFailure
	return &reason, nil
}

// GetConfigMap returns a stored config map
func (m *MockClient) GetConfigMap(ctx context.Context, name string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.ConfigMaps[name]
	if !ok {
		return nil, apierrors.NewNotFound(schema.GroupResource{Resource: "configmaps"}, name)
	}
	return data, nil
}

// DeleteConfigMap removes a stored config map
func (m *MockClient) DeleteConfigMap(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	delete(m.ConfigMaps, name)
	m.deletedConfigs = append(m.deletedConfigs, name)
	return nil
}

// CreatedBuilds returns the params of every build created so far
func (m *MockClient) CreatedBuilds() []WorkerBuildParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]WorkerBuildParams(nil), m.created...)
}

// CancelCount returns how often a build was asked to cancel
func (m *MockClient) CancelCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancels[name]
}

// TotalCancels returns the number of cancel requests across all builds
func (m *MockClient) TotalCancels() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.cancels {
		total += n
	}
	return total
}

// DeletedConfigMaps returns the names of deleted config maps in order
func (m *MockClient) DeletedConfigMaps() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deletedConfigs...)
}

func copyBuild(b *Build) *Build {
	out := *b
	out.Annotations = make(map[string]string, len(b.Annotations))
	for k, v := range b.Annotations {
		out.Annotations[k] = v
	}
	out.Labels = make(map[string]string, len(b.Labels))
	for k, v := range b.Labels {
		out.Labels[k] = v
	}
	return &out
}

// MockConnector hands out MockClients by cluster name
type MockConnector struct {
	mu          sync.Mutex
	clients     map[string]*MockClient
	connectErrs map[string]error
	connects    map[string]int
	logger      *zap.Logger
}

// NewMockConnector creates a connector that creates mock clusters on demand
func NewMockConnector(logger *zap.Logger) *MockConnector {
	return &MockConnector{
		clients:     make(map[string]*MockClient),
		connectErrs: make(map[string]error),
		connects:    make(map[string]int),
		logger:      logger,
	}
}

// AddCluster registers a mock cluster and returns its client for configuration
func (m *MockConnector) AddCluster(name string) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	client := NewMockClient(fmt.Sprintf("https://%s.mock", name), DefaultNamespace, m.logger)
	m.clients[name] = client
	return client
}

// SetConnectError makes every connection to the cluster fail
func (m *MockConnector) SetConnectError(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectErrs[name] = err
}

// Client returns the mock client of a cluster, if any
func (m *MockConnector) Client(name string) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clients[name]
}

// Connects returns how many connections were made to a cluster
func (m *MockConnector) Connects(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects[name]
}

// Connect returns the mock client of the cluster, creating one when missing
func (m *MockConnector) Connect(ctx context.Context, cluster *models.Cluster) (Client, error) {
	m.mu.Lock()
	m.connects[cluster.Name]++
	if err := m.connectErrs[cluster.Name]; err != nil {
		m.mu.Unlock()
		return nil, err
	}
	client, ok := m.clients[cluster.Name]
	m.mu.Unlock()

	if !ok {
		client = m.AddCluster(cluster.Name)
	}
	return client, nil
}
