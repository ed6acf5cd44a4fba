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

// Defaults applied by Load when the file leaves a field unset.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHeartbeatMisses   = 2
	DefaultGracePeriod       = 10 * time.Minute
	DefaultReplayCapacity    = 100
	DefaultReplayHorizon     = 5 * time.Minute
	DefaultBusURL            = "nats://127.0.0.1:4222"
	DefaultSubjectPrefix     = "platform.events"
)

// Config represents the complete relay-gateway configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Auth    AuthConfig    `yaml:"auth"`
	Bus     BusConfig     `yaml:"bus"`
	Session SessionConfig `yaml:"session"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig holds the listen address for the WebSocket and health endpoints
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// BusConfig holds the upstream event bus connection settings
type BusConfig struct {
	URL string `yaml:"url"`

	// SubjectPrefix is the NATS subject tree the gateway consumes,
	// e.g. "platform.events" subscribes to "platform.events.>".
	SubjectPrefix string `yaml:"subject_prefix"`
}

// SessionConfig holds protocol timing and replay buffer bounds
type SessionConfig struct {
	HeartbeatInterval time.Duration `yaml:"-"`
	GracePeriod       time.Duration `yaml:"-"`
	ReplayHorizon     time.Duration `yaml:"-"`

	// HeartbeatMisses is the consecutive-miss count that terminates a
	// connection. One miss below the limit logs a warning.
	HeartbeatMisses int `yaml:"heartbeat_misses"`

	// ReplayCapacity is the maximum buffered dispatches per session.
	ReplayCapacity int `yaml:"replay_capacity"`

	// Raw string values for YAML unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
	GracePeriodRaw       string `yaml:"grace_period"`
	ReplayHorizonRaw     string `yaml:"replay_horizon"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
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

	cfg.applyDefaults()

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

// applyDefaults fills unset fields with their defaults.
func (c *Config) applyDefaults() {
	if c.Session.HeartbeatInterval == 0 {
		c.Session.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Session.HeartbeatMisses == 0 {
		c.Session.HeartbeatMisses = DefaultHeartbeatMisses
	}
	if c.Session.GracePeriod == 0 {
		c.Session.GracePeriod = DefaultGracePeriod
	}
	if c.Session.ReplayCapacity == 0 {
		c.Session.ReplayCapacity = DefaultReplayCapacity
	}
	if c.Session.ReplayHorizon == 0 {
		c.Session.ReplayHorizon = DefaultReplayHorizon
	}
	if c.Bus.URL == "" {
		c.Bus.URL = DefaultBusURL
	}
	if c.Bus.SubjectPrefix == "" {
		c.Bus.SubjectPrefix = DefaultSubjectPrefix
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Session.HeartbeatInterval < time.Second {
		return fmt.Errorf("session.heartbeat_interval must be at least 1s, got %s", c.Session.HeartbeatInterval)
	}
	if c.Session.HeartbeatMisses < 1 {
		return fmt.Errorf("session.heartbeat_misses must be at least 1, got %d", c.Session.HeartbeatMisses)
	}
	if c.Session.ReplayCapacity < 1 {
		return fmt.Errorf("session.replay_capacity must be at least 1, got %d", c.Session.ReplayCapacity)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Session.HeartbeatIntervalRaw != "" {
		cfg.Session.HeartbeatInterval, err = time.ParseDuration(cfg.Session.HeartbeatIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing heartbeat_interval %q: %w", cfg.Session.HeartbeatIntervalRaw, err)
		}
	}

	if cfg.Session.GracePeriodRaw != "" {
		cfg.Session.GracePeriod, err = time.ParseDuration(cfg.Session.GracePeriodRaw)
		if err != nil {
			return fmt.Errorf("parsing grace_period %q: %w", cfg.Session.GracePeriodRaw, err)
		}
	}

	if cfg.Session.ReplayHorizonRaw != "" {
		cfg.Session.ReplayHorizon, err = time.ParseDuration(cfg.Session.ReplayHorizonRaw)
		if err != nil {
			return fmt.Errorf("parsing replay_horizon %q: %w", cfg.Session.ReplayHorizonRaw, err)
		}
	}

	return nil
}
