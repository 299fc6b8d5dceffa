package k8sclient

import (
	"context"
	"errors"
	"io"

	"github.com/williamhogman/build-orchestrator/orchestrator/internal/models"
)

// ErrBuildNotFound is returned when a worker build does not exist on the cluster
var ErrBuildNotFound = errors.New("worker build not found")

// ErrNoBuildPod is returned when a worker build has no pod to inspect
var ErrNoBuildPod = errors.New("worker build has no pod")

// Client is a connection to one worker cluster's control plane
type Client interface {
	// ClusterURL is the API server address of the cluster
	ClusterURL() string
	// Namespace is the namespace worker builds are created in
	Namespace() string

	// Build operations
	CountActiveBuilds(ctx context.Context) (int, error)
	CreateWorkerBuild(ctx context.Context, params WorkerBuildParams) (*Build, error)
	GetBuild(ctx context.Context, name string) (*Build, error)
	StreamBuildLogs(ctx context.Context, name string) (io.ReadCloser, error)
	WaitForBuildToFinish(ctx context.Context, name string) (*Build, error)
	CancelBuild(ctx context.Context, name string) error
	GetPodFailureReason(ctx context.Context, name string) (*PodFailureReason, error)

	// Metadata fragment operations
	GetConfigMap(ctx context.Context, name string) (map[string]string, error)
	DeleteConfigMap(ctx context.Context, name string) error
}

// Connector opens control plane connections to configured clusters
type Connector interface {
	Connect(ctx context.Context, cluster *models.Cluster) (Client, error)
}
