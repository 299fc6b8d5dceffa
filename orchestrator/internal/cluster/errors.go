package cluster

import (
	"errors"
	"fmt"
	"strings"
)

// ErrAllClustersFailed is matched by every SelectionError
var ErrAllClustersFailed = errors.New("all clusters failed")

// SelectionError is returned when no cluster of a platform can be used anymore
type SelectionError struct {
	Platform string
	Clusters []string
}

func (e *SelectionError) Error() string {
	return fmt.Sprintf("all clusters for platform %s failed: %s", e.Platform, strings.Join(e.Clusters, ", "))
}

func (e *SelectionError) Unwrap() error {
	return ErrAllClustersFailed
}
