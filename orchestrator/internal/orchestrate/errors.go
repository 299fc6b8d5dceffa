package orchestrate

import (
	"errors"
	"fmt"
)

// ErrNoEnabledPlatform is returned when nothing is left to build after exclusions
var ErrNoEnabledPlatform = errors.New("no enabled platform to build on")

// ConfigError is a problem with the request or configuration detected before any worker starts
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid orchestration: %v", e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}
