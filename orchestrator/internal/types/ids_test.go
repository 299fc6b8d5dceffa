package types

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewBuildID(t *testing.T) {
	id, err := NewBuildID("  build-42 ")
	require.NoError(t, err)
	assert.Equal(t, BuildID("build-42"), id)

	_, err = NewBuildID("")
	assert.ErrorIs(t, err, ErrEmptyID)

	_, err = NewBuildID("has spaces inside")
	assert.ErrorIs(t, err, ErrInvalidID)

	_, err = NewBuildID(strings.Repeat("a", 64))
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestGenerateBuildID(t *testing.T) {
	for i := 0; i < 10; i++ {
		id := GenerateBuildID()
		assert.True(t, strings.HasPrefix(id.String(), BuildPrefix))

		parsed, err := NewBuildID(id.String())
		require.NoError(t, err)
		assert.Equal(t, id, parsed)
	}
}

func TestBuildIDZapField(t *testing.T) {
	assert.Equal(t, zap.String("build_id", "b1"), BuildID("b1").ZapField())
	assert.Equal(t, zap.Skip(), BuildID("").ZapField())
}

func TestEncodeBase36(t *testing.T) {
	assert.Equal(t, "0", encodeBase36(0))
	assert.Equal(t, "z", encodeBase36(35))
	assert.Equal(t, "10", encodeBase36(36))
}
