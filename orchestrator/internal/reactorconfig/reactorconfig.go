package reactorconfig

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/williamhogman/build-orchestrator/orchestrator/internal/models"
	"sigs.k8s.io/yaml"
)

// SupportedVersion is the only reactor configuration schema version understood
const SupportedVersion = 1

var (
	// ErrUnknownVersion is returned for configuration documents with an unsupported version
	ErrUnknownVersion = errors.New("unknown reactor config version")
)

// ClusterEntry is a cluster as written in the configuration document
type ClusterEntry struct {
	Name                string            `json:"name"`
	MaxConcurrentBuilds int               `json:"max_concurrent_builds"`
	Enabled             *bool             `json:"enabled,omitempty"`
	Priority            int               `json:"priority,omitempty"`
	Params              map[string]string `json:"params,omitempty"`
}

// PlatformDescriptor maps a platform name to its Go architecture name
type PlatformDescriptor struct {
	Platform     string `json:"platform"`
	Architecture string `json:"architecture"`
}

type document struct {
	Version             int                       `json:"version"`
	Clusters            map[string][]ClusterEntry `json:"clusters,omitempty"`
	PlatformDescriptors []PlatformDescriptor      `json:"platform_descriptors,omitempty"`
	BuildImageOverride  map[string]string         `json:"build_image_override,omitempty"`
}

// ReactorConfig is the parsed reactor configuration
type ReactorConfig struct {
	raw                map[string]interface{}
	clusters           map[string][]*models.Cluster
	goarch             map[string]string
	buildImageOverride map[string]string
}

// Default returns the configuration used when no document is available
func Default() *ReactorConfig {
	rc, _ := Parse([]byte("version: 1\n"))
	return rc
}

// Load reads and parses a reactor configuration file
func Load(path string) (*ReactorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read reactor config %s: %w", path, err)
	}
	rc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("invalid reactor config %s: %w", path, err)
	}
	return rc, nil
}

// Parse parses a YAML reactor configuration document
func Parse(data []byte) (*ReactorConfig, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse reactor config: %w", err)
	}
	if doc.Version != SupportedVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, doc.Version)
	}

	raw := map[string]interface{}{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse reactor config: %w", err)
	}

	rc := &ReactorConfig{
		raw:                raw,
		clusters:           make(map[string][]*models.Cluster),
		goarch:             make(map[string]string),
		buildImageOverride: make(map[string]string),
	}

	for platform, entries := range doc.Clusters {
		seen := make(map[string]bool)
		for i, entry := range entries {
			if entry.Name == "" {
				return nil, fmt.Errorf("clusters.%s[%d]: name is required", platform, i)
			}
			if seen[entry.Name] {
				return nil, fmt.Errorf("clusters.%s[%d]: duplicate cluster %q", platform, i, entry.Name)
			}
			seen[entry.Name] = true
			if entry.MaxConcurrentBuilds < 1 {
				return nil, fmt.Errorf("clusters.%s[%d]: max_concurrent_builds must be positive", platform, i)
			}

			cluster := models.NewCluster(entry.Name, entry.Priority, entry.MaxConcurrentBuilds, entry.Params)
			if entry.Enabled != nil {
				cluster.Enabled = *entry.Enabled
			}
			rc.clusters[platform] = append(rc.clusters[platform], cluster)
		}
	}

	for i, descriptor := range doc.PlatformDescriptors {
		if descriptor.Platform == "" || descriptor.Architecture == "" {
			return nil, fmt.Errorf("platform_descriptors[%d]: platform and architecture are required", i)
		}
		rc.goarch[descriptor.Platform] = descriptor.Architecture
	}

	for platform, image := range doc.BuildImageOverride {
		rc.buildImageOverride[platform] = image
	}

	return rc, nil
}

// EnabledClustersForPlatform returns the enabled clusters configured for a platform
func (rc *ReactorConfig) EnabledClustersForPlatform(platform string) []*models.Cluster {
	var enabled []*models.Cluster
	for _, cluster := range rc.clusters[platform] {
		if cluster.Enabled {
			enabled = append(enabled, cluster)
		}
	}
	return enabled
}

// Cluster looks up a configured cluster of a platform by name, enabled or not
func (rc *ReactorConfig) Cluster(platform, name string) (*models.Cluster, bool) {
	for _, cluster := range rc.clusters[platform] {
		if cluster.Name == name {
			return cluster, true
		}
	}
	return nil, false
}

// Platforms returns every platform that has at least one enabled cluster
func (rc *ReactorConfig) Platforms() []string {
	var platforms []string
	for platform := range rc.clusters {
		if len(rc.EnabledClustersForPlatform(platform)) > 0 {
			platforms = append(platforms, platform)
		}
	}
	sort.Strings(platforms)
	return platforms
}

// Goarch maps a platform to its Go architecture name. Platforms without a
// descriptor map to themselves.
func (rc *ReactorConfig) Goarch(platform string) string {
	if arch, ok := rc.goarch[platform]; ok {
		return arch
	}
	return platform
}

// BuildImageOverride returns the explicit builder image for a platform, if any
func (rc *ReactorConfig) BuildImageOverride() map[string]string {
	out := make(map[string]string, len(rc.buildImageOverride))
	for k, v := range rc.buildImageOverride {
		out[k] = v
	}
	return out
}

// WorkerOverride returns a copy of the document suitable for passing to a
// worker build. Cluster definitions stay with the orchestrator.
func (rc *ReactorConfig) WorkerOverride() map[string]interface{} {
	out := make(map[string]interface{}, len(rc.raw))
	for k, v := range rc.raw {
		switch k {
		case "clusters", "worker_token_secrets":
			continue
		}
		out[k] = v
	}
	return out
}
