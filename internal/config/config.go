// ABOUTME: Configuration loading and parsing for the Seend gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete gateway configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Presence PresenceConfig `yaml:"presence"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds the transport listener configuration.
type ServerConfig struct {
	HTTPAddr       string   `yaml:"http_addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds connection token verification configuration.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// PresenceConfig holds presence and typing-indicator tuning.
type PresenceConfig struct {
	TypingTimeout time.Duration `yaml:"-"`

	TypingTimeoutRaw string `yaml:"typing_timeout"`
}

// DeliveryConfig holds delivery pipeline tuning.
type DeliveryConfig struct {
	HistoryLimit int           `yaml:"history_limit"`
	DedupeTTL    time.Duration `yaml:"-"`
	DedupeMax    int           `yaml:"dedupe_max"`

	DedupeTTLRaw string `yaml:"dedupe_ttl"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded and
// duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses raw YAML configuration bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// parseDurations converts raw duration strings into time.Duration fields.
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Presence.TypingTimeoutRaw != "" {
		cfg.Presence.TypingTimeout, err = time.ParseDuration(cfg.Presence.TypingTimeoutRaw)
		if err != nil {
			return fmt.Errorf("presence.typing_timeout: %w", err)
		}
	}
	if cfg.Delivery.DedupeTTLRaw != "" {
		cfg.Delivery.DedupeTTL, err = time.ParseDuration(cfg.Delivery.DedupeTTLRaw)
		if err != nil {
			return fmt.Errorf("delivery.dedupe_ttl: %w", err)
		}
	}
	return nil
}

// applyDefaults fills in unset optional fields.
func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "localhost:8080"
	}
	if c.Database.Path == "" {
		c.Database.Path = "data/seend.db"
	}
	if c.Presence.TypingTimeout <= 0 {
		c.Presence.TypingTimeout = 3 * time.Second
	}
	if c.Delivery.HistoryLimit <= 0 {
		c.Delivery.HistoryLimit = 50
	}
	if c.Delivery.DedupeTTL <= 0 {
		c.Delivery.DedupeTTL = 5 * time.Minute
	}
	if c.Delivery.DedupeMax <= 0 {
		c.Delivery.DedupeMax = 10000
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error (got %q)", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json (got %q)", c.Logging.Format)
	}
	return nil
}
