// Package config provides configuration loading and management for Tasker.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete Tasker engine configuration.
type Config struct {
	NATS      NATSConfig      `yaml:"nats"`
	HTTP      HTTPConfig      `yaml:"http"`
	Engine    EngineConfig    `yaml:"engine"`
	Queue     QueueConfig     `yaml:"queue"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Health    HealthConfig    `yaml:"health"`
	Staleness StalenessConfig `yaml:"staleness"`
	Secondary SecondaryConfig `yaml:"secondary_database"`
}

// NATSConfig configures the NATS connection backing storage, queue, and the
// event relay.
type NATSConfig struct {
	// URL is the NATS server URL (empty = use embedded server).
	URL string `yaml:"url"`
	// Embedded indicates whether to run an embedded NATS server.
	Embedded bool `yaml:"embedded"`
	// ReconnectWait is the delay between reconnect attempts.
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	// MaxReconnects bounds reconnect attempts (-1 = unlimited).
	MaxReconnects int `yaml:"max_reconnects"`
}

// HTTPConfig configures the API component.
type HTTPConfig struct {
	// Port the API listens on.
	Port int `yaml:"port"`
	// Prefix is the path prefix for all API routes.
	Prefix string `yaml:"prefix"`
}

// EngineConfig configures orchestration behavior.
type EngineConfig struct {
	// IdentityStrategy selects how task identity hashes are produced:
	// default (random UUID), hash (deterministic), or a registered custom
	// strategy name.
	IdentityStrategy string `yaml:"identity_strategy"`
	// MaxConcurrentSteps bounds per-iteration step parallelism. Keep it
	// small: each in-flight step holds a store connection.
	MaxConcurrentSteps int `yaml:"max_concurrent_steps"`
	// TemplateDirectories are loaded at startup to populate namespaces,
	// named tasks, named steps, and dependent systems.
	TemplateDirectories []string `yaml:"template_directories"`
	// CustomEventsDirectories are loaded at startup to register
	// developer-defined events.
	CustomEventsDirectories []string `yaml:"custom_events_directories"`
	// SmallDelay defers a reenqueue while in-flight steps settle.
	SmallDelay time.Duration `yaml:"small_delay"`
	// MediumDelay defers a reenqueue while dependencies resolve.
	MediumDelay time.Duration `yaml:"medium_delay"`
}

// QueueConfig configures the background task queue.
type QueueConfig struct {
	// StreamName is the JetStream work-queue stream.
	StreamName string `yaml:"stream_name"`
	// ConsumerName is the durable consumer orchestrator workers share.
	ConsumerName string `yaml:"consumer_name"`
	// DuplicateWindow is the server-side publish dedup window.
	DuplicateWindow time.Duration `yaml:"duplicate_window"`
	// AckWait is how long a worker may hold one task iteration.
	AckWait time.Duration `yaml:"ack_wait"`
	// Workers is the number of concurrent queue consumers.
	Workers int `yaml:"workers"`
}

// MetricsConfig gates the /metrics surface.
type MetricsConfig struct {
	// Enabled gates the /metrics endpoint.
	Enabled bool `yaml:"enabled"`
	// AuthRequired gates authentication on metrics and analytics endpoints.
	AuthRequired bool `yaml:"auth_required"`
}

// HealthConfig gates the health surface.
type HealthConfig struct {
	// StatusRequiresAuthentication gates /health/status behind the token.
	StatusRequiresAuthentication bool `yaml:"status_requires_authentication"`
	// AuthToken is the bearer token for authenticated endpoints.
	AuthToken string `yaml:"auth_token"`
}

// StalenessConfig configures the stuck-task sweeper.
type StalenessConfig struct {
	// SweepInterval is how often the monitor scans for stuck tasks.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// Threshold is how long a non-terminal task may sit untouched and
	// unqueued before the monitor re-enqueues it.
	Threshold time.Duration `yaml:"threshold"`
}

// SecondaryConfig optionally routes engine buckets to a second store.
type SecondaryConfig struct {
	// Enabled routes engine buckets under a separate bucket prefix.
	Enabled bool `yaml:"enabled"`
	// Name is the bucket prefix for the secondary store.
	Name string `yaml:"name"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:           "",
			Embedded:      true,
			ReconnectWait: 2 * time.Second,
			MaxReconnects: -1,
		},
		HTTP: HTTPConfig{
			Port:   8080,
			Prefix: "/v1",
		},
		Engine: EngineConfig{
			IdentityStrategy:   "default",
			MaxConcurrentSteps: 3,
			SmallDelay:         5 * time.Second,
			MediumDelay:        30 * time.Second,
		},
		Queue: QueueConfig{
			StreamName:      "TASKER_QUEUE",
			ConsumerName:    "tasker-orchestrator",
			DuplicateWindow: 2 * time.Minute,
			AckWait:         5 * time.Minute,
			Workers:         4,
		},
		Metrics: MetricsConfig{
			Enabled:      true,
			AuthRequired: false,
		},
		Health: HealthConfig{
			StatusRequiresAuthentication: false,
		},
		Staleness: StalenessConfig{
			SweepInterval: time.Minute,
			Threshold:     10 * time.Minute,
		},
		Secondary: SecondaryConfig{},
	}
}

// Validate checks that the configuration is valid. Invalid values fail fast
// at startup rather than misbehaving at runtime.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	if c.Engine.MaxConcurrentSteps <= 0 {
		return fmt.Errorf("engine.max_concurrent_steps must be positive, got %d", c.Engine.MaxConcurrentSteps)
	}
	if c.Engine.IdentityStrategy == "" {
		return fmt.Errorf("engine.identity_strategy is required")
	}
	if c.Engine.SmallDelay < 0 || c.Engine.MediumDelay < 0 {
		return fmt.Errorf("engine reenqueue delays must not be negative")
	}
	if c.Queue.StreamName == "" {
		return fmt.Errorf("queue.stream_name is required")
	}
	if c.Queue.ConsumerName == "" {
		return fmt.Errorf("queue.consumer_name is required")
	}
	if c.Queue.Workers <= 0 {
		return fmt.Errorf("queue.workers must be positive, got %d", c.Queue.Workers)
	}
	if c.Staleness.SweepInterval <= 0 {
		return fmt.Errorf("staleness.sweep_interval must be positive")
	}
	if c.Staleness.Threshold <= 0 {
		return fmt.Errorf("staleness.threshold must be positive")
	}
	if c.Health.StatusRequiresAuthentication && c.Health.AuthToken == "" {
		return fmt.Errorf("health.auth_token is required when status_requires_authentication is set")
	}
	if c.Metrics.AuthRequired && c.Health.AuthToken == "" {
		return fmt.Errorf("health.auth_token is required when metrics.auth_required is set")
	}
	if c.Secondary.Enabled && c.Secondary.Name == "" {
		return fmt.Errorf("secondary_database.name is required when secondary_database.enabled is set")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file. `${VAR}` references in
// the file body are substituted from the environment before parsing.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.Expand(string(data), func(key string) string {
		return os.Getenv(key)
	})

	config := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Merge merges another config into this one (other takes precedence for
// non-zero values).
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
		c.NATS.Embedded = false
	}
	if other.NATS.Embedded {
		c.NATS.Embedded = true
	}
	if other.NATS.ReconnectWait != 0 {
		c.NATS.ReconnectWait = other.NATS.ReconnectWait
	}
	if other.NATS.MaxReconnects != 0 {
		c.NATS.MaxReconnects = other.NATS.MaxReconnects
	}

	if other.HTTP.Port != 0 {
		c.HTTP.Port = other.HTTP.Port
	}
	if other.HTTP.Prefix != "" {
		c.HTTP.Prefix = other.HTTP.Prefix
	}

	if other.Engine.IdentityStrategy != "" {
		c.Engine.IdentityStrategy = other.Engine.IdentityStrategy
	}
	if other.Engine.MaxConcurrentSteps != 0 {
		c.Engine.MaxConcurrentSteps = other.Engine.MaxConcurrentSteps
	}
	if len(other.Engine.TemplateDirectories) > 0 {
		c.Engine.TemplateDirectories = other.Engine.TemplateDirectories
	}
	if len(other.Engine.CustomEventsDirectories) > 0 {
		c.Engine.CustomEventsDirectories = other.Engine.CustomEventsDirectories
	}
	if other.Engine.SmallDelay != 0 {
		c.Engine.SmallDelay = other.Engine.SmallDelay
	}
	if other.Engine.MediumDelay != 0 {
		c.Engine.MediumDelay = other.Engine.MediumDelay
	}

	if other.Queue.StreamName != "" {
		c.Queue.StreamName = other.Queue.StreamName
	}
	if other.Queue.ConsumerName != "" {
		c.Queue.ConsumerName = other.Queue.ConsumerName
	}
	if other.Queue.DuplicateWindow != 0 {
		c.Queue.DuplicateWindow = other.Queue.DuplicateWindow
	}
	if other.Queue.AckWait != 0 {
		c.Queue.AckWait = other.Queue.AckWait
	}
	if other.Queue.Workers != 0 {
		c.Queue.Workers = other.Queue.Workers
	}

	c.Metrics.Enabled = c.Metrics.Enabled || other.Metrics.Enabled
	c.Metrics.AuthRequired = c.Metrics.AuthRequired || other.Metrics.AuthRequired

	c.Health.StatusRequiresAuthentication = c.Health.StatusRequiresAuthentication || other.Health.StatusRequiresAuthentication
	if other.Health.AuthToken != "" {
		c.Health.AuthToken = other.Health.AuthToken
	}

	if other.Staleness.SweepInterval != 0 {
		c.Staleness.SweepInterval = other.Staleness.SweepInterval
	}
	if other.Staleness.Threshold != 0 {
		c.Staleness.Threshold = other.Staleness.Threshold
	}

	if other.Secondary.Enabled {
		c.Secondary.Enabled = true
	}
	if other.Secondary.Name != "" {
		c.Secondary.Name = other.Secondary.Name
	}
}
