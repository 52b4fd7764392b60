// ABOUTME: Configuration loading for the parley-client terminal client
// ABOUTME: Loads TOML config from the XDG path with environment variable expansion

package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/2389/parley/internal/session"
)

type Config struct {
	Server  ServerConfig  `toml:"server"`
	User    UserConfig    `toml:"user"`
	Session SessionConfig `toml:"session"`
	Logging LoggingConfig `toml:"logging"`
}

type ServerConfig struct {
	URL string `toml:"url"`
}

type UserConfig struct {
	ID        string `toml:"id"`
	TokenFile string `toml:"token_file"`
}

type SessionConfig struct {
	HandshakeTimeout string   `toml:"handshake_timeout"`
	Backoff          []string `toml:"backoff"`
	MaxAttempts      int      `toml:"max_attempts"`
	PageSize         int      `toml:"page_size"`
}

type LoggingConfig struct {
	Level string `toml:"level"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// configDir returns $XDG_CONFIG_HOME/parley or ~/.config/parley.
func configDir() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "."
		}
		dir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(dir, "parley")
}

// defaultConfigPath returns PARLEY_CLIENT_CONFIG or client.toml in configDir.
func defaultConfigPath() string {
	if p := os.Getenv("PARLEY_CLIENT_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(configDir(), "client.toml")
}

// LoadConfig reads config from path, expanding environment variables. A
// missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("reading config file: %w", err)
	default:
		if _, err := toml.Decode(expandEnvVars(string(data)), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	if cfg.Server.URL == "" {
		cfg.Server.URL = "http://127.0.0.1:8080"
	}
	if cfg.User.TokenFile == "" {
		cfg.User.TokenFile = filepath.Join(configDir(), "token")
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "warn"
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(varName)
	})
}

// Validate checks that required config fields are present and valid.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Server.URL)
	if err != nil {
		return fmt.Errorf("server.url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server.url must use http or https scheme")
	}
	if strings.Contains(c.User.ID, ":") {
		return fmt.Errorf("user.id cannot contain ':'")
	}
	if c.Session.MaxAttempts < 0 {
		return fmt.Errorf("session.max_attempts cannot be negative")
	}
	if _, err := c.SessionOptions(); err != nil {
		return err
	}
	return nil
}

// SessionOptions converts the [session] table. Unset fields stay zero so the
// session applies its own defaults.
func (c *Config) SessionOptions() (session.Options, error) {
	var opts session.Options
	if c.Session.HandshakeTimeout != "" {
		d, err := time.ParseDuration(c.Session.HandshakeTimeout)
		if err != nil {
			return opts, fmt.Errorf("parsing session.handshake_timeout %q: %w", c.Session.HandshakeTimeout, err)
		}
		opts.HandshakeTimeout = d
	}
	for _, raw := range c.Session.Backoff {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return opts, fmt.Errorf("parsing session.backoff %q: %w", raw, err)
		}
		opts.Backoff = append(opts.Backoff, d)
	}
	opts.MaxAttempts = c.Session.MaxAttempts
	return opts, nil
}

// Token returns the access token from PARLEY_TOKEN, else the token file.
func (c *Config) Token() (string, error) {
	if token := os.Getenv("PARLEY_TOKEN"); token != "" {
		return token, nil
	}
	data, err := os.ReadFile(c.User.TokenFile)
	if err != nil {
		return "", fmt.Errorf("no PARLEY_TOKEN set and reading %s: %w", c.User.TokenFile, err)
	}
	return strings.TrimSpace(string(data)), nil
}
