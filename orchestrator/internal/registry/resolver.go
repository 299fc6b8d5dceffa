package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"go.uber.org/zap"
)

var (
	// ErrNotManifestList is returned when an image has to be a manifest list but is not
	ErrNotManifestList = errors.New("image is not a manifest list")
	// ErrMissingArchitectures is returned when a manifest list lacks a required architecture
	ErrMissingArchitectures = errors.New("manifest list is missing architectures")
)

// Resolver looks up builder images in a container registry
type Resolver struct {
	nameOptions []name.Option
	logger      *zap.Logger
}

// NewResolver creates a resolver. Insecure allows plain HTTP registries.
func NewResolver(insecure bool, logger *zap.Logger) *Resolver {
	var opts []name.Option
	if insecure {
		opts = append(opts, name.Insecure)
	}
	return &Resolver{
		nameOptions: opts,
		logger:      logger.Named("registry"),
	}
}

// ArchDigests returns the manifest digest of every architecture in the image's manifest list
func (r *Resolver) ArchDigests(ctx context.Context, image string) (map[string]string, error) {
	ref, err := name.ParseReference(image, r.nameOptions...)
	if err != nil {
		return nil, fmt.Errorf("invalid image reference %q: %w", image, err)
	}

	desc, err := remote.Get(ref, remote.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch manifest of %s: %w", image, err)
	}
	if !desc.MediaType.IsIndex() {
		return nil, fmt.Errorf("%w: %s (%s)", ErrNotManifestList, image, desc.MediaType)
	}

	index, err := desc.ImageIndex()
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest list of %s: %w", image, err)
	}
	manifest, err := index.IndexManifest()
	if err != nil {
		return nil, fmt.Errorf("failed to parse manifest list of %s: %w", image, err)
	}

	digests := make(map[string]string, len(manifest.Manifests))
	for _, m := range manifest.Manifests {
		if m.Platform == nil || m.Platform.Architecture == "" {
			continue
		}
		if _, seen := digests[m.Platform.Architecture]; !seen {
			digests[m.Platform.Architecture] = m.Digest.String()
		}
	}
	return digests, nil
}

// PinBuilderImages decides the builder image of every platform before any worker starts.
// Platforms with an explicit override use it verbatim. When the remaining platforms all
// share the orchestrator's architecture the image is used unchanged; otherwise it must be
// a manifest list covering every architecture and each platform is pinned by digest.
func (r *Resolver) PinBuilderImages(ctx context.Context, platforms []string, orchestratorPlatform, image string, overrides map[string]string, goarch func(string) string) (map[string]string, error) {
	pinned := make(map[string]string, len(platforms))
	var remaining []string
	for _, platform := range platforms {
		if override, ok := overrides[platform]; ok && override != "" {
			pinned[platform] = override
			continue
		}
		remaining = append(remaining, platform)
	}
	if len(remaining) == 0 {
		return pinned, nil
	}
	if image == "" {
		return nil, fmt.Errorf("no builder image for platforms %s", strings.Join(remaining, ", "))
	}

	ownArch := goarch(orchestratorPlatform)
	crossArch := false
	for _, platform := range remaining {
		if goarch(platform) != ownArch {
			crossArch = true
			break
		}
	}
	if !crossArch {
		for _, platform := range remaining {
			pinned[platform] = image
		}
		return pinned, nil
	}

	digests, err := r.ArchDigests(ctx, image)
	if err != nil {
		return nil, err
	}

	ref, err := name.ParseReference(image, r.nameOptions...)
	if err != nil {
		return nil, fmt.Errorf("invalid image reference %q: %w", image, err)
	}

	var missing []string
	for _, platform := range remaining {
		digest, ok := digests[goarch(platform)]
		if !ok {
			missing = append(missing, goarch(platform))
			continue
		}
		pinned[platform] = ref.Context().Digest(digest).String()
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("%w: %s lacks %s", ErrMissingArchitectures, image, strings.Join(missing, ", "))
	}

	r.logger.Info("Pinned builder image per platform", zap.String("image", image), zap.Any("pinned", pinned))
	return pinned, nil
}
