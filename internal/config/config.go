// ABOUTME: Configuration loading and parsing for parley-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete parley-gateway configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Auth        AuthConfig        `yaml:"auth"`
	Delivery    DeliveryConfig    `yaml:"delivery"`
	History     HistoryConfig     `yaml:"history"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`

	// AllowedOrigins lists host patterns browsers may open the websocket
	// from. Clients that send no Origin header are always allowed.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// DeliveryConfig tunes live fan-out to websocket connections.
type DeliveryConfig struct {
	SendTimeout time.Duration `yaml:"-"`
	QueueSize   int           `yaml:"queue_size"`

	// RateLimit is the sustained frames per second accepted from one
	// connection; RateBurst the bucket size.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`

	// Raw string values for YAML unmarshaling
	SendTimeoutRaw string `yaml:"send_timeout"`
}

// HistoryConfig bounds history page sizes
type HistoryConfig struct {
	DefaultLimit int `yaml:"default_limit"`
	MaxLimit     int `yaml:"max_limit"`
}

// IdempotencyConfig sizes the send request-id cache
type IdempotencyConfig struct {
	TTL     time.Duration `yaml:"-"`
	MaxSize int           `yaml:"max_size"`

	TTLRaw string `yaml:"ttl"`
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

// Defaults
const (
	DefaultHTTPAddr        = "127.0.0.1:8080"
	DefaultSendTimeout     = 5 * time.Second
	DefaultQueueSize       = 64
	DefaultRateLimit       = 20
	DefaultRateBurst       = 40
	DefaultHistoryLimit    = 50
	DefaultHistoryMaxLimit = 500
	DefaultIdempotencyTTL  = 10 * time.Minute
	DefaultIdempotencySize = 10000
	DefaultMetricsPath     = "/metrics"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
	minJWTSecretLength     = 32
	maxHistoryLimit        = 500
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse builds a Config from raw YAML, applying defaults before validation.
func Parse(data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
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

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Delivery.SendTimeout == 0 {
		c.Delivery.SendTimeout = DefaultSendTimeout
	}
	if c.Delivery.QueueSize == 0 {
		c.Delivery.QueueSize = DefaultQueueSize
	}
	if c.Delivery.RateLimit == 0 {
		c.Delivery.RateLimit = DefaultRateLimit
	}
	if c.Delivery.RateBurst == 0 {
		c.Delivery.RateBurst = DefaultRateBurst
	}
	if c.History.DefaultLimit == 0 {
		c.History.DefaultLimit = DefaultHistoryLimit
	}
	if c.History.MaxLimit == 0 {
		c.History.MaxLimit = DefaultHistoryMaxLimit
	}
	if c.Idempotency.TTL == 0 {
		c.Idempotency.TTL = DefaultIdempotencyTTL
	}
	if c.Idempotency.MaxSize == 0 {
		c.Idempotency.MaxSize = DefaultIdempotencySize
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
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
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if len(c.Auth.JWTSecret) < minJWTSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", minJWTSecretLength)
	}
	if c.Delivery.SendTimeout < 0 {
		return fmt.Errorf("delivery.send_timeout must be positive")
	}
	if c.Delivery.QueueSize < 0 {
		return fmt.Errorf("delivery.queue_size must be positive")
	}
	if c.Delivery.RateLimit < 0 || c.Delivery.RateBurst < 0 {
		return fmt.Errorf("delivery.rate_limit and delivery.rate_burst must be positive")
	}
	if c.History.DefaultLimit < 0 || c.History.MaxLimit < 0 {
		return fmt.Errorf("history limits must be positive")
	}
	if c.History.MaxLimit > maxHistoryLimit {
		return fmt.Errorf("history.max_limit must be at most %d", maxHistoryLimit)
	}
	if c.History.DefaultLimit > c.History.MaxLimit {
		return fmt.Errorf("history.default_limit (%d) exceeds history.max_limit (%d)", c.History.DefaultLimit, c.History.MaxLimit)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q must be one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Delivery.SendTimeoutRaw != "" {
		cfg.Delivery.SendTimeout, err = time.ParseDuration(cfg.Delivery.SendTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing send_timeout %q: %w", cfg.Delivery.SendTimeoutRaw, err)
		}
	}

	if cfg.Idempotency.TTLRaw != "" {
		cfg.Idempotency.TTL, err = time.ParseDuration(cfg.Idempotency.TTLRaw)
		if err != nil {
			return fmt.Errorf("parsing idempotency ttl %q: %w", cfg.Idempotency.TTLRaw, err)
		}
	}

	return nil
}
