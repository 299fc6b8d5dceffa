package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"go.uber.org/fx"
)

// Config holds all configuration for the orchestrator service
type Config struct {
	// Server settings
	Server ServerConfig `envconfig:"SERVER"`

	// Logging settings
	Logging LoggingConfig `envconfig:"LOGGING"`

	// Reactor configuration file (clusters, platform descriptors)
	Reactor ReactorConfig `envconfig:"REACTOR"`

	// Worker build orchestration settings
	Build BuildConfig `envconfig:"BUILD"`

	// Kubernetes settings
	Kubernetes KubernetesConfig `envconfig:"KUBERNETES"`

	// Worker build ledger settings
	Persistence PersistenceConfig `envconfig:"PERSISTENCE"`

	// Cleanup job settings
	Cleanup CleanupConfig `envconfig:"CLEANUP"`

	// Registry client settings
	Registry RegistryConfig `envconfig:"REGISTRY"`
}

// ServerConfig contains server-specific configuration
type ServerConfig struct {
	Port int `envconfig:"PORT" default:"50051"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Development bool `envconfig:"DEV" default:"false"` // Whether to use development logger (more verbose)
}

// ReactorConfig points at the reactor configuration document
type ReactorConfig struct {
	ConfigPath string `envconfig:"CONFIG_PATH" default:"/etc/reactor/config.yaml"`
}

// BuildConfig contains the retry and monitoring policy for worker builds
type BuildConfig struct {
	FindClusterRetryDelay time.Duration `envconfig:"FIND_CLUSTER_RETRY_DELAY" default:"15s"`
	FailureRetryDelay     time.Duration `envconfig:"FAILURE_RETRY_DELAY" default:"10s"`
	MaxClusterFails       int           `envconfig:"MAX_CLUSTER_FAILS" default:"20"`
	RankByLoad            bool          `envconfig:"RANK_BY_LOAD" default:"false"`
	OrchestratorPlatform  string        `envconfig:"ORCHESTRATOR_PLATFORM" default:"x86_64"`
	PollInterval          time.Duration `envconfig:"POLL_INTERVAL" default:"5s"`
	CancelTimeout         time.Duration `envconfig:"CANCEL_TIMEOUT" default:"30s"`
}

// KubernetesConfig contains control plane client configuration
type KubernetesConfig struct {
	MockMode bool `envconfig:"MOCK" default:"false"`
}

// PersistenceConfig selects and configures the worker build ledger
type PersistenceConfig struct {
	Type      string        `envconfig:"TYPE" default:"memory"` // 'memory' or 'redis'
	RedisURI  string        `envconfig:"REDIS_URI" default:"redis://localhost:6379/0"`
	RecordTTL time.Duration `envconfig:"RECORD_TTL" default:"24h"`
}

// CleanupConfig contains cleanup job configuration
type CleanupConfig struct {
	IntervalSecs int `envconfig:"INTERVAL_SECS" default:"60"`
	BatchSize    int `envconfig:"BATCH_SIZE" default:"50"`
}

// RegistryConfig contains registry client configuration
type RegistryConfig struct {
	Insecure bool `envconfig:"INSECURE" default:"false"`
}

// LoadConfig loads configuration from environment variables using envconfig
func LoadConfig() (*Config, error) {
	var cfg Config

	// Process environment variables with "ORCHESTRATOR" prefix
	if err := envconfig.Process("ORCHESTRATOR", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if cfg.Build.MaxClusterFails < 1 {
		return nil, fmt.Errorf("max cluster fails must be at least 1, got %d", cfg.Build.MaxClusterFails)
	}

	return &cfg, nil
}

// Module provides the config dependency to the fx container
var Module = fx.Options(
	fx.Provide(LoadConfig),
)
