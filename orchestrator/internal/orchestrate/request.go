package orchestrate

import (
	"bytes"
	"encoding/json"
	"fmt"

	"dario.cat/mergo"
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/k8sclient"
)

// Request describes one orchestrator build
type Request struct {
	BuildID          string
	Platforms        []string
	ExcludePlatforms []string
	Release          string
	BuilderImage     string
	// WorkerBuildImage is the deprecated name of BuilderImage
	WorkerBuildImage     string
	FilesystemKojiTaskID string
	// BuildParams are the base parameters of every worker build
	BuildParams map[string]interface{}
	// ConfigOverrides apply to every platform and win over BuildParams
	ConfigOverrides map[string]interface{}
	// PlatformOverrides apply to one platform and win over everything else
	PlatformOverrides map[string]map[string]interface{}
}

// builderImage returns the requested builder image, honoring the deprecated field
func (r *Request) builderImage() string {
	if r.BuilderImage != "" {
		return r.BuilderImage
	}
	return r.WorkerBuildImage
}

// platforms returns the requested platforms minus exclusions, in request order
func (r *Request) platforms() []string {
	excluded := make(map[string]bool, len(r.ExcludePlatforms))
	for _, p := range r.ExcludePlatforms {
		excluded[p] = true
	}

	seen := make(map[string]bool, len(r.Platforms))
	var out []string
	for _, p := range r.Platforms {
		if p == "" || excluded[p] || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// userParams merges the layered build parameters of a platform
func (r *Request) userParams(platform string) (map[string]interface{}, error) {
	merged := map[string]interface{}{}
	layers := []map[string]interface{}{r.BuildParams, r.ConfigOverrides, r.PlatformOverrides[platform]}
	for _, layer := range layers {
		if len(layer) == 0 {
			continue
		}
		copied, err := copyParams(layer)
		if err != nil {
			return nil, err
		}
		if err := mergo.Merge(&merged, copied, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge build params for %s: %w", platform, err)
		}
	}
	return merged, nil
}

// workerParams builds the launch parameters of a platform
func (r *Request) workerParams(platform, builderImage, kojiUploadDir string, reactorOverride map[string]interface{}) (k8sclient.WorkerBuildParams, error) {
	userParams, err := r.userParams(platform)
	if err != nil {
		return k8sclient.WorkerBuildParams{}, err
	}
	return k8sclient.WorkerBuildParams{
		OrchestratorBuildID:   r.BuildID,
		Release:               r.Release,
		Platform:              platform,
		KojiUploadDir:         kojiUploadDir,
		FilesystemKojiTaskID:  r.FilesystemKojiTaskID,
		BuilderImage:          builderImage,
		UserParams:            userParams,
		ReactorConfigOverride: reactorOverride,
	}, nil
}

// copyParams deep copies a parameter layer so merging never aliases request maps.
// Numbers are kept as json.Number so large integers survive the copy.
func copyParams(in map[string]interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("build params are not serializable: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	out := map[string]interface{}{}
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
