// Package config loads and validates the engine's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mailtide/mailtide/internal/api"
	"github.com/mailtide/mailtide/internal/deliver"
	"github.com/mailtide/mailtide/internal/identity"
	"github.com/mailtide/mailtide/internal/ratelimit"
	"github.com/mailtide/mailtide/internal/scheduler"
)

// Config is the main configuration structure.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Storage   StorageConfig    `yaml:"storage"`
	Queue     QueueConfig      `yaml:"queue"`
	Delivery  deliver.Config   `yaml:"delivery"`
	RateLimit ratelimit.Config `yaml:"rate_limit"`
	OAuth     OAuthConfig      `yaml:"oauth"`
	Relay     RelayConfig      `yaml:"relay"`
	Warmup    WarmupConfig     `yaml:"warmup"`
	Campaigns CampaignConfig   `yaml:"campaigns"`
	API       api.Config       `yaml:"api"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Logging   LoggingConfig    `yaml:"logging"`
}

// ServerConfig contains engine-wide settings.
type ServerConfig struct {
	// Hostname used in HELO and generated Message-IDs.
	Hostname string `yaml:"hostname"`
}

// StorageConfig contains data file locations.
type StorageConfig struct {
	// QueuePath is the bolt file holding the job queue and rate counters.
	QueuePath string `yaml:"queue_path"`
	// DatabasePath is the sqlite file holding domain entities.
	DatabasePath string `yaml:"database_path"`
}

// QueueConfig contains retry and retention settings.
type QueueConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	RetryBase   time.Duration `yaml:"retry_base"`
	RetryMax    time.Duration `yaml:"retry_max"`

	CompletedMaxAge          time.Duration `yaml:"completed_max_age"`
	CompletedCleanupInterval time.Duration `yaml:"completed_cleanup_interval"`
	DeadMaxAge               time.Duration `yaml:"dead_max_age"`
	DeadMaxCount             int           `yaml:"dead_max_count"`
	DeadCleanupInterval      time.Duration `yaml:"dead_cleanup_interval"`
}

// OAuthConfig contains the managed provider applications.
type OAuthConfig struct {
	Google    identity.ProviderConfig `yaml:"google"`
	Microsoft identity.ProviderConfig `yaml:"microsoft"`
}

// RelayConfig contains the shared fallback relay settings.
type RelayConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Security string `yaml:"security"` // starttls, tls, none

	DKIMKeyFile  string `yaml:"dkim_key_file"`
	DKIMDomain   string `yaml:"dkim_domain"`
	DKIMSelector string `yaml:"dkim_selector"`
}

// WarmupConfig contains the warmup scheduler settings.
type WarmupConfig struct {
	scheduler.WarmupConfig `yaml:",inline"`

	Interval time.Duration `yaml:"interval"`
}

// CampaignConfig contains the campaign scheduler settings.
type CampaignConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"` // Default: :9090
	Path       string `yaml:"path"`        // Default: /metrics
}

// LoggingConfig contains logger settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.Server.Hostname == "" {
		hostname, _ := os.Hostname()
		c.Server.Hostname = hostname
	}

	if c.Storage.QueuePath == "" {
		c.Storage.QueuePath = "/var/lib/mailtide/queue.db"
	}
	if c.Storage.DatabasePath == "" {
		c.Storage.DatabasePath = "/var/lib/mailtide/mailtide.db"
	}

	if c.Queue.MaxAttempts == 0 {
		c.Queue.MaxAttempts = 3
	}
	if c.Queue.RetryBase == 0 {
		c.Queue.RetryBase = 5 * time.Minute
	}
	if c.Queue.RetryMax == 0 {
		c.Queue.RetryMax = time.Hour
	}
	if c.Queue.CompletedMaxAge == 0 {
		c.Queue.CompletedMaxAge = 24 * time.Hour
	}
	if c.Queue.CompletedCleanupInterval == 0 {
		c.Queue.CompletedCleanupInterval = time.Hour
	}
	if c.Queue.DeadMaxAge == 0 {
		c.Queue.DeadMaxAge = 7 * 24 * time.Hour
	}
	if c.Queue.DeadCleanupInterval == 0 {
		c.Queue.DeadCleanupInterval = time.Hour
	}

	if c.Relay.Port == 0 {
		c.Relay.Port = 587
	}
	if c.Relay.Security == "" {
		c.Relay.Security = "starttls"
	}

	if c.Warmup.Interval == 0 {
		c.Warmup.Interval = 15 * time.Minute
	}
	if c.Campaigns.Interval == 0 {
		c.Campaigns.Interval = 5 * time.Minute
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Relay.Security {
	case "starttls", "tls", "none":
	default:
		return fmt.Errorf("relay.security must be starttls, tls or none, got %q", c.Relay.Security)
	}

	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be at least 1")
	}
	if c.Queue.RetryBase < 0 || c.Queue.RetryMax < 0 {
		return fmt.Errorf("queue retry durations must not be negative")
	}

	if c.Delivery.PacingMin < 0 || c.Delivery.PacingMax < 0 {
		return fmt.Errorf("delivery pacing durations must not be negative")
	}
	if c.Delivery.PacingMax != 0 && c.Delivery.PacingMax < c.Delivery.PacingMin {
		return fmt.Errorf("delivery.pacing_max must not be below delivery.pacing_min")
	}

	if c.RateLimit.GlobalPerSecond < 0 {
		return fmt.Errorf("rate_limit.global_per_second must not be negative")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}

	return nil
}
