package models

import "fmt"

// Well-known connection parameters of a cluster
const (
	ParamKubeconfig = "kubeconfig"
	ParamURL        = "url"
	ParamNamespace  = "namespace"
	ParamToken      = "token"
)

// Cluster represents a worker cluster that can run worker builds for a platform.
// Clusters are loaded once from the reactor configuration and never mutated.
type Cluster struct {
	// Name identifies the cluster
	Name string
	// Priority of the cluster (lower values are preferred)
	Priority int
	// MaxConcurrentBuilds is the capacity used to compute load
	MaxConcurrentBuilds int
	// Enabled clusters take part in selection
	Enabled bool
	// Params carries connection parameters (kubeconfig, url, namespace, ...)
	Params map[string]string
}

// NewCluster creates a new enabled cluster instance
func NewCluster(name string, priority, maxConcurrentBuilds int, params map[string]string) *Cluster {
	if params == nil {
		params = map[string]string{}
	}
	return &Cluster{
		Name:                name,
		Priority:            priority,
		MaxConcurrentBuilds: maxConcurrentBuilds,
		Enabled:             true,
		Params:              params,
	}
}

// Param returns a connection parameter or the fallback when unset
func (c *Cluster) Param(key, fallback string) string {
	if v, ok := c.Params[key]; ok && v != "" {
		return v
	}
	return fallback
}

// Load computes the load ratio for a number of active builds
func (c *Cluster) Load(activeBuilds int) float64 {
	return float64(activeBuilds) / float64(c.MaxConcurrentBuilds)
}

func (c *Cluster) String() string {
	return fmt.Sprintf("%s(priority=%d, max=%d)", c.Name, c.Priority, c.MaxConcurrentBuilds)
}
