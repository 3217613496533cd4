package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vilaca/mlsync/internal/poll"
)

// ConfigPathEnv names the environment variable holding an optional YAML config file.
const ConfigPathEnv = "MLSYNC_CONFIG"

// Config holds application configuration.
type Config struct {
	Port int

	// GitLab configuration
	GitLabURL   string
	GitLabToken string
	GitLabUser  string

	LogLevel string

	// Descriptor storage: postgres when DatabaseURL is set, a JSON file otherwise.
	DatabaseURL string
	StorePath   string

	PollInterval     time.Duration
	PollMaxAttempts  int
	PollTimeout      time.Duration
	ReconcileTimeout time.Duration
	WatchInterval    time.Duration
	ShutdownTimeout  time.Duration
	HTTPTimeout      time.Duration
}

// fileConfig mirrors Config in the YAML file. Empty values keep the default.
type fileConfig struct {
	Port             int    `yaml:"port"`
	GitLabURL        string `yaml:"gitlab_url"`
	GitLabToken      string `yaml:"gitlab_token"`
	GitLabUser       string `yaml:"gitlab_user"`
	LogLevel         string `yaml:"log_level"`
	DatabaseURL      string `yaml:"database_url"`
	StorePath        string `yaml:"store_path"`
	PollInterval     string `yaml:"poll_interval"`
	PollMaxAttempts  int    `yaml:"poll_max_attempts"`
	PollTimeout      string `yaml:"poll_timeout"`
	ReconcileTimeout string `yaml:"reconcile_timeout"`
	WatchInterval    string `yaml:"watch_interval"`
	ShutdownTimeout  string `yaml:"shutdown_timeout"`
	HTTPTimeout      string `yaml:"http_timeout"`
}

func defaults() *Config {
	return &Config{
		Port:             8080,
		GitLabURL:        "https://gitlab.com",
		LogLevel:         "info",
		StorePath:        ".mlsync/descriptors.json",
		PollInterval:     5 * time.Second,
		PollMaxAttempts:  60,
		PollTimeout:      10 * time.Minute,
		ReconcileTimeout: 30 * time.Second,
		WatchInterval:    30 * time.Second,
		ShutdownTimeout:  10 * time.Second,
		HTTPTimeout:      30 * time.Second,
	}
}

// Load builds the configuration from defaults, then the YAML file at path
// (or $MLSYNC_CONFIG when path is empty), then environment variables.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path == "" {
		path = os.Getenv(ConfigPathEnv)
	}
	if path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if fc.Port != 0 {
		c.Port = fc.Port
	}
	setString(&c.GitLabURL, fc.GitLabURL)
	setString(&c.GitLabToken, fc.GitLabToken)
	setString(&c.GitLabUser, fc.GitLabUser)
	setString(&c.LogLevel, fc.LogLevel)
	setString(&c.DatabaseURL, fc.DatabaseURL)
	setString(&c.StorePath, fc.StorePath)
	if fc.PollMaxAttempts != 0 {
		c.PollMaxAttempts = fc.PollMaxAttempts
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"poll_interval", fc.PollInterval, &c.PollInterval},
		{"poll_timeout", fc.PollTimeout, &c.PollTimeout},
		{"reconcile_timeout", fc.ReconcileTimeout, &c.ReconcileTimeout},
		{"watch_interval", fc.WatchInterval, &c.WatchInterval},
		{"shutdown_timeout", fc.ShutdownTimeout, &c.ShutdownTimeout},
		{"http_timeout", fc.HTTPTimeout, &c.HTTPTimeout},
	}
	for _, d := range durations {
		if err := setDuration(d.dst, d.raw); err != nil {
			return fmt.Errorf("config file %s: %s: %w", path, d.key, err)
		}
	}
	return nil
}

func (c *Config) applyEnv() error {
	// An unparsable PORT keeps the current port.
	if portStr := os.Getenv("PORT"); portStr != "" {
		if p, err := strconv.Atoi(portStr); err == nil {
			c.Port = p
		}
	}

	c.GitLabURL = getEnvOrDefault("GITLAB_URL", c.GitLabURL)
	c.GitLabToken = getEnvOrDefault("GITLAB_TOKEN", c.GitLabToken)
	c.GitLabUser = getEnvOrDefault("GITLAB_USER", c.GitLabUser)
	c.LogLevel = getEnvOrDefault("LOG_LEVEL", c.LogLevel)
	c.DatabaseURL = getEnvOrDefault("DATABASE_URL", c.DatabaseURL)
	c.StorePath = getEnvOrDefault("STORE_PATH", c.StorePath)

	if raw := os.Getenv("POLL_MAX_ATTEMPTS"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("parse POLL_MAX_ATTEMPTS: %w", err)
		}
		c.PollMaxAttempts = n
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"POLL_INTERVAL", &c.PollInterval},
		{"POLL_TIMEOUT", &c.PollTimeout},
		{"RECONCILE_TIMEOUT", &c.ReconcileTimeout},
		{"WATCH_INTERVAL", &c.WatchInterval},
		{"SHUTDOWN_TIMEOUT", &c.ShutdownTimeout},
		{"HTTP_TIMEOUT", &c.HTTPTimeout},
	}
	for _, d := range durations {
		if err := setDuration(d.dst, os.Getenv(d.key)); err != nil {
			return fmt.Errorf("parse %s: %w", d.key, err)
		}
	}
	return nil
}

// Validate checks values that would make the process misbehave later.
func (c *Config) Validate() error {
	u, err := url.Parse(c.GitLabURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid GITLAB_URL %q", c.GitLabURL)
	}
	if err := c.PollPolicy().Validate(); err != nil {
		return err
	}
	if c.WatchInterval <= 0 {
		return errors.New("WATCH_INTERVAL must be positive")
	}
	if c.DatabaseURL == "" && c.StorePath == "" {
		return errors.New("either DATABASE_URL or STORE_PATH is required")
	}
	return nil
}

// HasGitLabConfig returns true if GitLab is configured.
func (c *Config) HasGitLabConfig() bool {
	return c.GitLabToken != ""
}

// UsesDatabase reports whether descriptors are stored in postgres.
func (c *Config) UsesDatabase() bool {
	return c.DatabaseURL != ""
}

// PollPolicy bounds awaiting pipeline runs.
func (c *Config) PollPolicy() poll.Policy {
	return poll.Policy{
		Interval:     c.PollInterval,
		MaxAttempts:  c.PollMaxAttempts,
		TotalTimeout: c.PollTimeout,
	}
}

// ReconcilePolicy bounds the wait for the provider to reflect a merge request verb.
func (c *Config) ReconcilePolicy() poll.Policy {
	interval := time.Second
	if c.PollInterval < interval {
		interval = c.PollInterval
	}
	return poll.Policy{
		Interval:     interval,
		MaxAttempts:  c.PollMaxAttempts,
		TotalTimeout: c.ReconcileTimeout,
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func setString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

func setDuration(dst *time.Duration, raw string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}
