package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `
instance:
  id: inst-1
  claim_dir: /tmp/claims
  symbols: [AAPL, MSFT]

providers:
  historical:
    - id: alpha
      url: https://alpha.example.com
      api_key: ${TEST_ALPHA_KEY}
      max_requests: 200
      window: 1m
  streaming:
    - id: alpha-ws
      url: wss://alpha.example.com/stream
      priority: 1
    - id: beta-ws
      url: wss://beta.example.com/stream
      priority: 2

storage:
  root: /data/md
  layout: byDate
  codec: zstd

database:
  enabled: true
  postgres:
    host: localhost
    name: marketdata
    user: ingest
    password: secret
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_ALPHA_KEY", "sk-test-123")

	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if got := cfg.Providers.Historical[0].APIKey; got != "sk-test-123" {
		t.Errorf("APIKey = %q, want expanded env value", got)
	}
	if cfg.Instance.ID != "inst-1" {
		t.Errorf("Instance.ID = %q, want inst-1", cfg.Instance.ID)
	}
	if len(cfg.Instance.Symbols) != 2 {
		t.Errorf("Symbols = %v, want 2 entries", cfg.Instance.Symbols)
	}
}

func TestLoadWithDefaults(t *testing.T) {
	t.Setenv("TEST_ALPHA_KEY", "x")

	cfg, err := LoadWithDefaults(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("LoadWithDefaults() error = %v", err)
	}

	if cfg.Instance.HeartbeatTimeout != DefaultHeartbeatTimeout {
		t.Errorf("HeartbeatTimeout = %v, want default %v", cfg.Instance.HeartbeatTimeout, DefaultHeartbeatTimeout)
	}
	if cfg.Reconnect.MaxAttempts != DefaultMaxReconnectAttempts {
		t.Errorf("Reconnect.MaxAttempts = %d, want default %d", cfg.Reconnect.MaxAttempts, DefaultMaxReconnectAttempts)
	}
	if cfg.Publisher.QueueCapacity != DefaultPublisherQueueCapacity {
		t.Errorf("QueueCapacity = %d, want default %d", cfg.Publisher.QueueCapacity, DefaultPublisherQueueCapacity)
	}
	// Explicit values survive default application.
	if cfg.Storage.Layout != "byDate" {
		t.Errorf("Storage.Layout = %q, want byDate", cfg.Storage.Layout)
	}
	if cfg.Storage.Codec != "zstd" {
		t.Errorf("Storage.Codec = %q, want zstd", cfg.Storage.Codec)
	}
	if cfg.Storage.DatePartition != DefaultDatePartition {
		t.Errorf("DatePartition = %q, want default %q", cfg.Storage.DatePartition, DefaultDatePartition)
	}
	if cfg.Database.Postgres.Port != DefaultDBPort {
		t.Errorf("Postgres.Port = %d, want default %d", cfg.Database.Postgres.Port, DefaultDBPort)
	}
	if cfg.Providers.Streaming[0].DisplayName != "alpha-ws" {
		t.Errorf("DisplayName = %q, want id fallback", cfg.Providers.Streaming[0].DisplayName)
	}
	if cfg.Composite.RateLimitRotationThreshold != DefaultRotationThreshold {
		t.Errorf("RateLimitRotationThreshold = %v, want default %v",
			cfg.Composite.RateLimitRotationThreshold, DefaultRotationThreshold)
	}
}

func TestLoadAndValidate(t *testing.T) {
	t.Setenv("TEST_ALPHA_KEY", "x")

	cfg, err := LoadAndValidate(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("LoadAndValidate() error = %v", err)
	}
	if cfg == nil {
		t.Fatal("LoadAndValidate() returned nil config")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load() should fail for missing file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, "instance: [not: valid")); err == nil {
		t.Error("Load() should fail for malformed yaml")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := &Config{}
		cfg.Instance.ClaimDir = "/tmp/claims"
		cfg.Storage.Root = "/data/md"
		cfg.applyDefaults()
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid defaults",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing claim dir",
			mutate:  func(c *Config) { c.Instance.ClaimDir = "" },
			wantErr: "claim_dir",
		},
		{
			name: "heartbeat interval too long",
			mutate: func(c *Config) {
				c.Instance.HeartbeatInterval = 2 * time.Minute
			},
			wantErr: "heartbeat_interval",
		},
		{
			name: "duplicate provider id",
			mutate: func(c *Config) {
				c.Providers.Historical = []ProviderConfig{{ID: "dup"}, {ID: "dup"}}
			},
			wantErr: "duplicate id",
		},
		{
			name: "provider id spans historical and streaming",
			mutate: func(c *Config) {
				c.Providers.Historical = []ProviderConfig{{ID: "dup"}}
				c.Providers.Streaming = []ProviderConfig{{ID: "dup"}}
			},
			wantErr: "duplicate id",
		},
		{
			name: "rotation threshold out of range",
			mutate: func(c *Config) {
				c.Composite.RateLimitRotationThreshold = 1.5
			},
			wantErr: "rotation_threshold",
		},
		{
			name: "base delay exceeds max delay",
			mutate: func(c *Config) {
				c.Reconnect.BaseDelay = 2 * time.Minute
			},
			wantErr: "base_delay",
		},
		{
			name:    "missing storage root",
			mutate:  func(c *Config) { c.Storage.Root = "" },
			wantErr: "storage.root",
		},
		{
			name:    "unknown layout",
			mutate:  func(c *Config) { c.Storage.Layout = "pyramid" },
			wantErr: "layout",
		},
		{
			name:    "unknown codec",
			mutate:  func(c *Config) { c.Storage.Codec = "xz" },
			wantErr: "codec",
		},
		{
			name:    "unknown date partition",
			mutate:  func(c *Config) { c.Storage.DatePartition = "weekly" },
			wantErr: "date_partition",
		},
		{
			name: "database enabled without host",
			mutate: func(c *Config) {
				c.Database.Enabled = true
				c.Database.Postgres.Name = "md"
				c.Database.Postgres.User = "u"
				c.Database.Postgres.Password = "p"
			},
			wantErr: "host",
		},
		{
			name: "database disabled skips db checks",
			mutate: func(c *Config) {
				c.Database.Enabled = false
			},
		},
		{
			name: "broker enabled without url",
			mutate: func(c *Config) {
				c.Broker.Enabled = true
			},
			wantErr: "broker.url",
		},
		{
			name:    "metrics port out of range",
			mutate:  func(c *Config) { c.Metrics.Port = 70000 },
			wantErr: "metrics.port",
		},
		{
			name: "maintenance window end before start",
			mutate: func(c *Config) {
				c.Scheduler.MaintenanceWindows = []MaintenanceWindow{{
					Name:  "bad",
					Start: time.Date(2024, 3, 6, 12, 0, 0, 0, time.UTC),
					End:   time.Date(2024, 3, 6, 11, 0, 0, 0, time.UTC),
				}}
			},
			wantErr: "end must be after start",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestWatcherReload(t *testing.T) {
	t.Setenv("TEST_ALPHA_KEY", "x")
	path := writeConfig(t, validYAML)

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(path, func(cfg *Config) { reloaded <- cfg }, nil)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	w.debounce = 10 * time.Millisecond

	if got := w.Current().Instance.ID; got != "inst-1" {
		t.Fatalf("Current().Instance.ID = %q, want inst-1", got)
	}

	if err := w.Start(t.Context()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer w.Stop()

	updated := strings.Replace(validYAML, "id: inst-1", "id: inst-2", 1)
	if err := os.WriteFile(path, []byte(updated), 0644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Instance.ID != "inst-2" {
			t.Errorf("reloaded Instance.ID = %q, want inst-2", cfg.Instance.ID)
		}
		if w.Current().Instance.ID != "inst-2" {
			t.Errorf("Current() not updated after reload")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}

func TestWatcherKeepsPreviousOnBadReload(t *testing.T) {
	t.Setenv("TEST_ALPHA_KEY", "x")
	path := writeConfig(t, validYAML)

	w, err := NewWatcher(path, nil, nil)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	w.debounce = 10 * time.Millisecond

	if err := w.Start(t.Context()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer w.Stop()

	bad := strings.Replace(validYAML, "layout: byDate", "layout: pyramid", 1)
	if err := os.WriteFile(path, []byte(bad), 0644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	// The watcher should reject the bad config and keep serving the
	// previous one. Give the debounce and reload a moment to run.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w.Current().Storage.Layout != "byDate" {
			t.Fatalf("Current().Storage.Layout = %q, previous config was replaced", w.Current().Storage.Layout)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
