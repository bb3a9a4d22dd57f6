// ABOUTME: Configuration loading and parsing for relay-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete relay-gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Engine   EngineConfig   `yaml:"engine"`
	Auth     AuthConfig     `yaml:"auth"`
	Limits   LimitsConfig   `yaml:"limits"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig holds the connection for the change feed and usage windows
type RedisConfig struct {
	URL string `yaml:"url"`
}

// EngineConfig holds the workflow-engine bus configuration
type EngineConfig struct {
	NATSURL string `yaml:"nats_url"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// LimitsConfig holds the usage limiter defaults and failure policy.
// A zero default_max_units means no default limit is applied.
type LimitsConfig struct {
	DefaultMaxUnits      int64 `yaml:"default_max_units"`
	DefaultWindowSeconds int64 `yaml:"default_window_seconds"`
	FailOpen             bool  `yaml:"fail_open"`

	OpTimeout    time.Duration `yaml:"-"`
	OpTimeoutRaw string        `yaml:"op_timeout"`
}

// DispatchConfig holds change-feed and fan-out tuning
type DispatchConfig struct {
	BatchSize         int64 `yaml:"batch_size"`
	SubscriberBuffer  int   `yaml:"subscriber_buffer"`
	MaxThreadsPerConn int   `yaml:"max_threads_per_connection"`

	HeartbeatInterval    time.Duration `yaml:"-"`
	HeartbeatIntervalRaw string        `yaml:"heartbeat_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required")
	}
	if c.Engine.NATSURL == "" {
		return fmt.Errorf("engine.nats_url is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}

	if c.Limits.DefaultMaxUnits < 0 {
		return fmt.Errorf("limits.default_max_units must not be negative")
	}
	if c.Limits.DefaultMaxUnits > 0 && c.Limits.DefaultWindowSeconds <= 0 {
		return fmt.Errorf("limits.default_window_seconds is required when default_max_units is set")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Limits.OpTimeoutRaw != "" {
		cfg.Limits.OpTimeout, err = time.ParseDuration(cfg.Limits.OpTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing op_timeout %q: %w", cfg.Limits.OpTimeoutRaw, err)
		}
	}

	if cfg.Dispatch.HeartbeatIntervalRaw != "" {
		cfg.Dispatch.HeartbeatInterval, err = time.ParseDuration(cfg.Dispatch.HeartbeatIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing heartbeat_interval %q: %w", cfg.Dispatch.HeartbeatIntervalRaw, err)
		}
	}

	return nil
}
