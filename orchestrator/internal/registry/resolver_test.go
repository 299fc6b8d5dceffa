package registry

import (
	"context"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/google/go-containerregistry/pkg/name"
	ggcrregistry "github.com/google/go-containerregistry/pkg/registry"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/random"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var goarchByPlatform = map[string]string{
	"x86_64":  "amd64",
	"aarch64": "arm64",
	"s390x":   "s390x",
	"ppc64le": "ppc64le",
}

func goarch(platform string) string {
	if arch, ok := goarchByPlatform[platform]; ok {
		return arch
	}
	return platform
}

type testRegistry struct {
	host    string
	digests map[string]string
}

// setupRegistry serves an in-memory registry holding a manifest list with
// amd64 and s390x images at builder:latest and a plain image at single:latest
func setupRegistry(t *testing.T) *testRegistry {
	server := httptest.NewServer(ggcrregistry.New())
	t.Cleanup(server.Close)
	u, err := url.Parse(server.URL)
	require.NoError(t, err)

	reg := &testRegistry{host: u.Host, digests: map[string]string{}}
	var addenda []mutate.IndexAddendum
	for _, arch := range []string{"amd64", "s390x"} {
		img, err := random.Image(256, 1)
		require.NoError(t, err)
		digest, err := img.Digest()
		require.NoError(t, err)
		reg.digests[arch] = digest.String()
		addenda = append(addenda, mutate.IndexAddendum{
			Add: img,
			Descriptor: v1.Descriptor{
				Platform: &v1.Platform{OS: "linux", Architecture: arch},
			},
		})
	}

	indexRef, err := name.ParseReference(reg.host + "/builder:latest")
	require.NoError(t, err)
	require.NoError(t, remote.WriteIndex(indexRef, mutate.AppendManifests(empty.Index, addenda...)))

	single, err := random.Image(256, 1)
	require.NoError(t, err)
	singleRef, err := name.ParseReference(reg.host + "/single:latest")
	require.NoError(t, err)
	require.NoError(t, remote.Write(singleRef, single))

	return reg
}

func TestArchDigests(t *testing.T) {
	reg := setupRegistry(t)
	resolver := NewResolver(false, zaptest.NewLogger(t))
	ctx := context.Background()

	digests, err := resolver.ArchDigests(ctx, reg.host+"/builder:latest")
	require.NoError(t, err)
	assert.Equal(t, reg.digests, digests)

	_, err = resolver.ArchDigests(ctx, reg.host+"/single:latest")
	assert.ErrorIs(t, err, ErrNotManifestList)

	_, err = resolver.ArchDigests(ctx, "UPPER/case:bad")
	assert.Error(t, err)
}

func TestPinBuilderImages(t *testing.T) {
	reg := setupRegistry(t)
	resolver := NewResolver(false, zaptest.NewLogger(t))
	ctx := context.Background()
	builder := reg.host + "/builder:latest"
	single := reg.host + "/single:latest"

	t.Run("same architecture uses the image as is", func(t *testing.T) {
		pinned, err := resolver.PinBuilderImages(ctx, []string{"x86_64"}, "x86_64", single, nil, goarch)
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"x86_64": single}, pinned)
	})

	t.Run("cross architecture pins digests", func(t *testing.T) {
		pinned, err := resolver.PinBuilderImages(ctx, []string{"x86_64", "s390x"}, "x86_64", builder, nil, goarch)
		require.NoError(t, err)
		assert.Equal(t, map[string]string{
			"x86_64": reg.host + "/builder@" + reg.digests["amd64"],
			"s390x":  reg.host + "/builder@" + reg.digests["s390x"],
		}, pinned)
	})

	t.Run("cross architecture requires a manifest list", func(t *testing.T) {
		_, err := resolver.PinBuilderImages(ctx, []string{"x86_64", "s390x"}, "x86_64", single, nil, goarch)
		assert.ErrorIs(t, err, ErrNotManifestList)
	})

	t.Run("missing architecture", func(t *testing.T) {
		_, err := resolver.PinBuilderImages(ctx, []string{"x86_64", "aarch64"}, "x86_64", builder, nil, goarch)
		require.ErrorIs(t, err, ErrMissingArchitectures)
		assert.Contains(t, err.Error(), "arm64")
	})

	t.Run("overrides bypass the manifest list", func(t *testing.T) {
		overrides := map[string]string{"aarch64": "registry.example.com/arm-builder:1"}
		pinned, err := resolver.PinBuilderImages(ctx, []string{"x86_64", "aarch64"}, "x86_64", single, overrides, goarch)
		require.NoError(t, err)
		assert.Equal(t, map[string]string{
			"x86_64":  single,
			"aarch64": "registry.example.com/arm-builder:1",
		}, pinned)
	})

	t.Run("no image without overrides", func(t *testing.T) {
		_, err := resolver.PinBuilderImages(ctx, []string{"x86_64"}, "x86_64", "", nil, goarch)
		assert.Error(t, err)
	})
}
