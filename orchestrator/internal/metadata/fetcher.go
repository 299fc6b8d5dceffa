package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/williamhogman/build-orchestrator/orchestrator/internal/orchestrate"
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/persistence"
	"go.uber.org/zap"
)

const configMapKind = "configmap/"

// Document is the metadata a worker build stored in its fragment
type Document = map[string]interface{}

// Fetcher reads the metadata fragments of successful worker builds
type Fetcher struct {
	store  persistence.Store
	logger *zap.Logger
}

// NewFetcher creates a new fetcher. Fragments are queued on store for removal.
func NewFetcher(store persistence.Store, logger *zap.Logger) *Fetcher {
	return &Fetcher{
		store:  store,
		logger: logger.Named("metadata"),
	}
}

// Fetch returns the metadata document of every platform in result.Annotations.
// Platforms with malformed fragment annotations are skipped.
func (f *Fetcher) Fetch(ctx context.Context, ws *orchestrate.Workspace, result *orchestrate.Result) (map[string]Document, error) {
	handles := ws.WorkerBuilds()
	docs := make(map[string]Document, len(result.Annotations))

	platforms := make([]string, 0, len(result.Annotations))
	for platform := range result.Annotations {
		platforms = append(platforms, platform)
	}
	sort.Strings(platforms)

	for _, platform := range platforms {
		annotations := result.Annotations[platform]
		fragment, key := annotations.MetadataFragment, annotations.MetadataFragmentKey
		if fragment == "" || key == "" || !strings.HasPrefix(fragment, configMapKind) {
			f.logger.Warn("Bad ConfigMap annotations",
				zap.String("platform", platform),
				zap.String("metadata_fragment", fragment),
				zap.String("metadata_fragment_key", key))
			continue
		}
		name := strings.TrimPrefix(fragment, configMapKind)

		handle, ok := handles[platform]
		if !ok || handle.Client() == nil {
			return nil, fmt.Errorf("no worker build for platform %s", platform)
		}

		data, err := handle.Client().GetConfigMap(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to read metadata of platform %s: %w", platform, err)
		}
		raw, ok := data[key]
		if !ok {
			return nil, fmt.Errorf("config map %s has no key %s", name, key)
		}
		doc := Document{}
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("invalid metadata in config map %s: %w", name, err)
		}
		docs[platform] = doc

		ref := persistence.FragmentRef{Cluster: handle.Cluster().Name, Platform: platform, Name: name}
		if err := f.store.DeferFragmentRemoval(ctx, ref); err != nil {
			f.logger.Warn("Failed to queue config map removal", zap.String("config_map", name), zap.Error(err))
		}
	}
	return docs, nil
}
