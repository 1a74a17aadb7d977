package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  hostname: mail.example.com
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Hostname != "mail.example.com" {
		t.Errorf("hostname = %q", cfg.Server.Hostname)
	}
	if cfg.Queue.MaxAttempts != 3 {
		t.Errorf("max attempts default = %d", cfg.Queue.MaxAttempts)
	}
	if cfg.Queue.RetryBase != 5*time.Minute || cfg.Queue.RetryMax != time.Hour {
		t.Errorf("retry defaults = %v/%v", cfg.Queue.RetryBase, cfg.Queue.RetryMax)
	}
	if cfg.Warmup.Interval != 15*time.Minute {
		t.Errorf("warmup interval default = %v", cfg.Warmup.Interval)
	}
	if cfg.API.ListenAddr != ":8080" {
		t.Errorf("api listen default = %q", cfg.API.ListenAddr)
	}
	if cfg.Metrics.ListenAddr != ":9090" || cfg.Metrics.Path != "/metrics" {
		t.Errorf("metrics defaults = %q %q", cfg.Metrics.ListenAddr, cfg.Metrics.Path)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("logging defaults = %q %q", cfg.Logging.Level, cfg.Logging.Format)
	}
	if cfg.Relay.Security != "starttls" || cfg.Relay.Port != 587 {
		t.Errorf("relay defaults = %q %d", cfg.Relay.Security, cfg.Relay.Port)
	}
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  hostname: mail.example.com
storage:
  queue_path: /tmp/queue.db
  database_path: /tmp/mailtide.db
queue:
  max_attempts: 5
  retry_base: 1m
delivery:
  workers: 8
  pacing_min: 30s
  pacing_max: 2m
rate_limit:
  global_per_second: 5
  sender_per_day: 200
oauth:
  google:
    client_id: gid
    client_secret: gsecret
relay:
  host: smtp.relay.example
  port: 465
  security: tls
warmup:
  interval: 10m
  recipients:
    - peer1@example.com
    - peer2@example.com
api:
  listen: ":9000"
  api_key: sekrit
logging:
  level: debug
  format: text
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Queue.MaxAttempts != 5 || cfg.Queue.RetryBase != time.Minute {
		t.Errorf("queue = %+v", cfg.Queue)
	}
	if cfg.Delivery.Workers != 8 || cfg.Delivery.PacingMax != 2*time.Minute {
		t.Errorf("delivery = %+v", cfg.Delivery)
	}
	if cfg.RateLimit.GlobalPerSecond != 5 || cfg.RateLimit.SenderPerDay != 200 {
		t.Errorf("rate limit = %+v", cfg.RateLimit)
	}
	if cfg.OAuth.Google.ClientID != "gid" {
		t.Errorf("oauth = %+v", cfg.OAuth)
	}
	if cfg.Relay.Host != "smtp.relay.example" || cfg.Relay.Security != "tls" {
		t.Errorf("relay = %+v", cfg.Relay)
	}
	if len(cfg.Warmup.Recipients) != 2 || cfg.Warmup.Interval != 10*time.Minute {
		t.Errorf("warmup = %+v", cfg.Warmup)
	}
	if cfg.API.ListenAddr != ":9000" || cfg.API.APIKey != "sekrit" {
		t.Errorf("api = %+v", cfg.API)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad relay security", "relay:\n  security: tlsv9\n"},
		{"bad log level", "logging:\n  level: verbose\n"},
		{"bad log format", "logging:\n  format: xml\n"},
		{"pacing max below min", "delivery:\n  pacing_min: 2m\n  pacing_max: 1m\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.yaml)
			if _, err := Load(path); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/does/not/exist.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}
