package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	yaml := `
instance:
  id: test-dashboard
feeds:
  tick:
    url: ws://localhost:8080/ws/tick
  indicators:
    url: ws://localhost:8080/ws/ta
reconnect:
  delay: 2s
  max_attempts: 10
widgets:
  max_records: 50
  indicators: [rsi, macd]
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Instance.ID != "test-dashboard" {
		t.Errorf("Instance.ID = %q, want %q", cfg.Instance.ID, "test-dashboard")
	}
	if cfg.Feeds.Tick.URL != "ws://localhost:8080/ws/tick" {
		t.Errorf("Feeds.Tick.URL = %q", cfg.Feeds.Tick.URL)
	}
	if cfg.Feeds.Indicators.URL != "ws://localhost:8080/ws/ta" {
		t.Errorf("Feeds.Indicators.URL = %q", cfg.Feeds.Indicators.URL)
	}
	if cfg.Reconnect.Delay != 2*time.Second || cfg.Reconnect.MaxAttempts != 10 {
		t.Errorf("Reconnect = %+v, want 2s / 10", cfg.Reconnect)
	}
	if cfg.Widgets.MaxRecords != 50 {
		t.Errorf("Widgets.MaxRecords = %d, want 50", cfg.Widgets.MaxRecords)
	}
	if len(cfg.Widgets.Indicators) != 2 || cfg.Widgets.Indicators[1] != "macd" {
		t.Errorf("Widgets.Indicators = %v", cfg.Widgets.Indicators)
	}
}

func TestLoadWithEnvSubstitution(t *testing.T) {
	t.Setenv("TEST_DB_PASSWORD", "secret123")
	t.Setenv("TEST_TICK_URL", "wss://feeds.example.com/tick")

	yaml := `
instance:
  id: test-dashboard
feeds:
  tick:
    url: ${TEST_TICK_URL}
recorder:
  enabled: true
  database:
    host: localhost
    name: ticks
    user: testuser
    password: ${TEST_DB_PASSWORD}
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Recorder.Database.Password != "secret123" {
		t.Errorf("Recorder.Database.Password = %q, want %q", cfg.Recorder.Database.Password, "secret123")
	}
	if cfg.Feeds.Tick.URL != "wss://feeds.example.com/tick" {
		t.Errorf("Feeds.Tick.URL = %q", cfg.Feeds.Tick.URL)
	}
}

func TestLoadWithDefaults(t *testing.T) {
	yaml := `
instance:
  id: test-dashboard
feeds:
  tick:
    url: ws://localhost:8080/ws/tick
`
	path := writeTempFile(t, yaml)

	cfg, err := LoadWithDefaults(path)
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}

	// Check defaults were applied
	if cfg.Reconnect.Delay != DefaultReconnectDelay {
		t.Errorf("Reconnect.Delay = %v, want default %v", cfg.Reconnect.Delay, DefaultReconnectDelay)
	}
	if cfg.Reconnect.MaxAttempts != 0 {
		t.Errorf("Reconnect.MaxAttempts = %d, want 0 (unlimited)", cfg.Reconnect.MaxAttempts)
	}
	if cfg.Widgets.MaxRecords != DefaultMaxRecords {
		t.Errorf("Widgets.MaxRecords = %d, want default %d", cfg.Widgets.MaxRecords, DefaultMaxRecords)
	}
	if cfg.Widgets.TickInterval != DefaultTickInterval {
		t.Errorf("Widgets.TickInterval = %d, want default %d", cfg.Widgets.TickInterval, DefaultTickInterval)
	}
	if cfg.Recorder.Database.Port != DefaultDBPort {
		t.Errorf("Recorder.Database.Port = %d, want default %d", cfg.Recorder.Database.Port, DefaultDBPort)
	}
	if cfg.Relay.ChannelPrefix != DefaultChannelPrefix {
		t.Errorf("Relay.ChannelPrefix = %q, want default %q", cfg.Relay.ChannelPrefix, DefaultChannelPrefix)
	}
	if cfg.Metrics.Port != DefaultMetricsPort {
		t.Errorf("Metrics.Port = %d, want default %d", cfg.Metrics.Port, DefaultMetricsPort)
	}
	if cfg.Logging.Format != DefaultLogFormat {
		t.Errorf("Logging.Format = %q, want default %q", cfg.Logging.Format, DefaultLogFormat)
	}
}

func TestLoadAndValidate_Invalid(t *testing.T) {
	path := writeTempFile(t, "instance:\n  id: x\n")

	_, err := LoadAndValidate(path)
	if err == nil {
		t.Fatal("LoadAndValidate expected error for config without feeds")
	}
	if !strings.HasPrefix(err.Error(), "validate config: ") {
		t.Errorf("error = %q, want validate prefix", err.Error())
	}
}

func TestLoadAndValidate_ExampleConfig(t *testing.T) {
	cfg, err := LoadAndValidate(filepath.Join("..", "..", "configs", "dashboard.example.yaml"))
	if err != nil {
		t.Fatalf("example config does not validate: %v", err)
	}
	if cfg.Recorder.Enabled || cfg.Relay.Enabled {
		t.Error("example config should leave recorder and relay disabled")
	}
	if cfg.Reconnect.Delay != DefaultReconnectDelay {
		t.Errorf("Reconnect.Delay = %v, want %v", cfg.Reconnect.Delay, DefaultReconnectDelay)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load expected error for missing file")
	}
}

func validConfig() DashboardConfig {
	cfg := DashboardConfig{
		Instance: InstanceConfig{ID: "test"},
		Feeds: FeedsConfig{
			Tick: FeedConfig{URL: "ws://localhost:8080/ws/tick"},
		},
	}
	cfg.applyDefaults()
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*DashboardConfig)
		wantErr string
	}{
		{
			name:    "valid config",
			mutate:  func(*DashboardConfig) {},
			wantErr: "",
		},
		{
			name:    "missing instance id",
			mutate:  func(c *DashboardConfig) { c.Instance.ID = "" },
			wantErr: "instance.id is required",
		},
		{
			name:    "no feeds",
			mutate:  func(c *DashboardConfig) { c.Feeds.Tick.URL = "" },
			wantErr: "feeds: at least one of tick.url or indicators.url is required",
		},
		{
			name:    "bad scheme",
			mutate:  func(c *DashboardConfig) { c.Feeds.Indicators.URL = "ftp://localhost/ta" },
			wantErr: `feeds.indicators.url: unsupported scheme "ftp"`,
		},
		{
			name:    "negative max attempts",
			mutate:  func(c *DashboardConfig) { c.Reconnect.MaxAttempts = -1 },
			wantErr: "reconnect.max_attempts must be >= 0",
		},
		{
			name: "recorder missing password",
			mutate: func(c *DashboardConfig) {
				c.Recorder.Enabled = true
				c.Recorder.Database = DBConfig{Host: "localhost", Name: "db", User: "user", MaxConns: 5}
			},
			wantErr: "recorder.database.password is required",
		},
		{
			name: "min_conns exceeds max_conns",
			mutate: func(c *DashboardConfig) {
				c.Recorder.Enabled = true
				c.Recorder.Database = DBConfig{Host: "localhost", Name: "db", User: "user", Password: "pass", MaxConns: 5, MinConns: 10}
			},
			wantErr: "recorder.database.min_conns (10) cannot exceed max_conns (5)",
		},
		{
			name: "recorder disabled ignores database",
			mutate: func(c *DashboardConfig) {
				c.Recorder.Database = DBConfig{}
			},
			wantErr: "",
		},
		{
			name: "buffer smaller than batch",
			mutate: func(c *DashboardConfig) {
				c.Recorder.Enabled = true
				c.Recorder.Database = DBConfig{Host: "localhost", Name: "db", User: "user", Password: "pass", MaxConns: 5}
				c.Recorder.BatchSize = 100
				c.Recorder.BufferSize = 10
			},
			wantErr: "recorder.buffer_size (10) must be >= batch_size (100)",
		},
		{
			name:    "relay without addr",
			mutate:  func(c *DashboardConfig) { c.Relay.Enabled = true; c.Relay.Addr = "" },
			wantErr: "relay.addr is required when relay is enabled",
		},
		{
			name:    "bad metrics port",
			mutate:  func(c *DashboardConfig) { c.Metrics.Port = 70000 },
			wantErr: "metrics.port must be 1-65535, got 70000",
		},
		{
			name:    "bad log format",
			mutate:  func(c *DashboardConfig) { c.Logging.Format = "xml" },
			wantErr: `logging.format must be text or json, got "xml"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
			} else {
				if err == nil {
					t.Errorf("Validate() expected error containing %q, got nil", tt.wantErr)
				} else if err.Error() != tt.wantErr {
					t.Errorf("Validate() error = %q, want %q", err.Error(), tt.wantErr)
				}
			}
		})
	}
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}
