package types

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/validation"
)

// BuildPrefix is prepended to generated orchestration build ids
const BuildPrefix = "orch-"

// Common errors for ID validation
var (
	ErrEmptyID   = errors.New("ID cannot be empty")
	ErrInvalidID = errors.New("invalid ID")
)

// BuildID identifies one orchestration. It ends up as a label value on every
// worker build, so it must be a valid Kubernetes label value.
type BuildID string

// NewBuildID validates an id supplied by a caller
func NewBuildID(id string) (BuildID, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", ErrEmptyID
	}
	if errs := validation.IsValidLabelValue(id); len(errs) > 0 {
		return "", fmt.Errorf("%w %q: %s", ErrInvalidID, id, strings.Join(errs, "; "))
	}
	return BuildID(id), nil
}

// GenerateBuildID creates a new random build id
func GenerateBuildID() BuildID {
	randomNum := time.Now().UnixNano() + int64(uuid.New()[0])

	id := encodeBase36(randomNum)
	if len(id) > 20 {
		id = id[:20]
	}
	return BuildID(BuildPrefix + id)
}

func (b BuildID) IsValid() bool {
	return b != ""
}

func (b BuildID) String() string {
	return string(b)
}

func (b BuildID) ZapField() zap.Field {
	if !b.IsValid() {
		return zap.Skip()
	}
	return zap.String("build_id", string(b))
}

// encodeBase36 encodes a non-negative integer as a base36 string (0-9a-z)
func encodeBase36(n int64) string {
	const charset = "0123456789abcdefghijklmnopqrstuvwxyz"
	if n == 0 {
		return "0"
	}

	var buf []byte
	for n > 0 {
		buf = append(buf, charset[n%36])
		n /= 36
	}
	for i, j := 0, len(buf)-1; i < j; i, j = i+1, j-1 {
		buf[i], buf[j] = buf[j], buf[i]
	}
	return string(buf)
}
