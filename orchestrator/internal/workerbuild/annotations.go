package workerbuild

import (
	"encoding/json"

	"github.com/williamhogman/build-orchestrator/orchestrator/internal/k8sclient"
)

// BuildLocation identifies a worker build on its cluster
type BuildLocation struct {
	ClusterURL string `json:"cluster-url"`
	Namespace  string `json:"namespace"`
	BuildName  string `json:"build-name"`
}

// Annotations is the normalized record a worker build reports back
type Annotations struct {
	Build               BuildLocation          `json:"build"`
	Digests             []interface{}          `json:"digests"`
	PluginsMetadata     map[string]interface{} `json:"plugins-metadata"`
	MetadataFragment    string                 `json:"metadata_fragment,omitempty"`
	MetadataFragmentKey string                 `json:"metadata_fragment_key,omitempty"`
}

// Repositories are the image repositories a worker build pushed to
type Repositories struct {
	Unique  []string `json:"unique"`
	Primary []string `json:"primary"`
}

// decodeAnnotation unmarshals a JSON annotation into out, reporting whether it was present and valid
func decodeAnnotation(annotations map[string]string, key string, out interface{}) (bool, error) {
	raw, ok := annotations[key]
	if !ok || raw == "" {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, err
	}
	return true, nil
}

func pluginsMetadata(build *k8sclient.Build) (map[string]interface{}, bool, error) {
	metadata := map[string]interface{}{}
	found, err := decodeAnnotation(build.Annotations, k8sclient.AnnotationPluginsMetadata, &metadata)
	if err != nil || !found {
		return map[string]interface{}{}, false, err
	}
	return metadata, true, nil
}
