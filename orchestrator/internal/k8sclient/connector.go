package k8sclient

import (
	"context"
	"fmt"
	"time"

	"github.com/williamhogman/build-orchestrator/orchestrator/internal/models"
	"go.uber.org/zap"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
)

// DefaultNamespace is used for clusters that do not configure one
const DefaultNamespace = "default"

// KubeConnector builds clients from the connection params of a cluster
type KubeConnector struct {
	pollInterval time.Duration
	logger       *zap.Logger
}

// NewKubeConnector creates a connector to real clusters
func NewKubeConnector(pollInterval time.Duration, logger *zap.Logger) *KubeConnector {
	return &KubeConnector{pollInterval: pollInterval, logger: logger}
}

// Connect creates a client for the cluster. No request is sent to the cluster.
func (c *KubeConnector) Connect(ctx context.Context, cluster *models.Cluster) (Client, error) {
	restConfig, err := clientcmd.BuildConfigFromFlags(
		cluster.Param(models.ParamURL, ""),
		cluster.Param(models.ParamKubeconfig, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load config for cluster %s: %v", cluster.Name, err)
	}
	if token := cluster.Param(models.ParamToken, ""); token != "" {
		restConfig.BearerToken = token
	}

	dyn, err := dynamic.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create dynamic client for cluster %s: %v", cluster.Name, err)
	}
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create clientset for cluster %s: %v", cluster.Name, err)
	}

	namespace := cluster.Param(models.ParamNamespace, DefaultNamespace)
	return NewKubeClient(dyn, clientset, restConfig.Host, namespace, c.pollInterval, c.logger), nil
}
