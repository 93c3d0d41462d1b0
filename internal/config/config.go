package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration for chatsync.
type Config struct {
	// ListenAddr is the gateway bind address.
	ListenAddr string `yaml:"listen_addr"`
	// DataDir holds the thread database, drafts, and metrics files.
	// If empty, a default under the user home dir is used.
	DataDir string `yaml:"data_dir,omitempty"`
	// BackendBaseURL is the agent service the conversation runtime talks to.
	BackendBaseURL string `yaml:"backend_base_url"`

	// LogFormat is "json" or "text".
	LogFormat string `yaml:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `yaml:"log_level,omitempty"`

	Retry     RetryConfig     `yaml:"retry,omitempty"`
	RateLimit RateLimitConfig `yaml:"rate_limit,omitempty"`
}

// RetryConfig bounds the remote-operation retry wrapper.
type RetryConfig struct {
	MaxAttempts int `yaml:"max_attempts,omitempty"`
	BaseDelayMs int `yaml:"base_delay_ms,omitempty"`
}

func (r RetryConfig) BaseDelay() time.Duration {
	if r.BaseDelayMs <= 0 {
		return 0
	}
	return time.Duration(r.BaseDelayMs) * time.Millisecond
}

// RateLimitConfig caps gateway requests per client.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps,omitempty"`
	Burst int     `yaml:"burst,omitempty"`
}

func Default() *Config {
	return &Config{
		ListenAddr:     "127.0.0.1:8787",
		BackendBaseURL: "http://127.0.0.1:8000",
		LogFormat:      "text",
		LogLevel:       "info",
	}
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		return errors.New("missing listen_addr")
	}
	base := strings.TrimSpace(c.BackendBaseURL)
	if base == "" {
		return errors.New("missing backend_base_url")
	}
	if u, err := url.Parse(base); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid backend_base_url: %q", base)
	}
	switch strings.TrimSpace(c.LogFormat) {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log_format: %q", c.LogFormat)
	}
	switch strings.TrimSpace(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level: %q", c.LogLevel)
	}
	if c.Retry.MaxAttempts < 0 || c.Retry.BaseDelayMs < 0 {
		return errors.New("invalid retry bounds")
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		return errors.New("invalid rate_limit bounds")
	}
	return nil
}

// DefaultConfigPath returns ~/.chatsync/config.yaml (falling back to the
// working directory when the home dir is unknown).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "chatsync.config.yaml"
	}
	return filepath.Join(home, ".chatsync", "config.yaml")
}

// Load reads and validates the config at path. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = DefaultConfigPath()
	}

	c := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return c, c.Validate()
		}
		return nil, err
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate %s: %w", path, err)
	}
	return c, nil
}

func (c *Config) ResolvedDataDir() string {
	dir := strings.TrimSpace(c.DataDir)
	if dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "chatsync-data"
	}
	return filepath.Join(home, ".chatsync", "data")
}

func (c *Config) ThreadsDBPath() string {
	return filepath.Join(c.ResolvedDataDir(), "threads.sqlite")
}

func (c *Config) DraftsPath() string {
	return filepath.Join(c.ResolvedDataDir(), "drafts.json")
}

func (c *Config) MetricsPath() string {
	return filepath.Join(c.ResolvedDataDir(), "metrics.json")
}
