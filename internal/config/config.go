// Package config loads, defaults, and validates the ingest engine's
// YAML configuration, with optional hot reload via filesystem watch.
package config

import "time"

// Config is the root configuration for an ingest instance.
type Config struct {
	Instance  InstanceConfig  `yaml:"instance"`
	Providers ProvidersConfig `yaml:"providers"`
	Composite CompositeConfig `yaml:"composite"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Publisher PublisherConfig `yaml:"publisher"`
	Storage   StorageConfig   `yaml:"storage"`
	Database  DatabaseConfig  `yaml:"database"`
	Broker    BrokerConfig    `yaml:"broker"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Backfill  BackfillConfig  `yaml:"backfill"`
}

// InstanceConfig identifies this instance and its claim coordination.
type InstanceConfig struct {
	ID                string        `yaml:"id"`
	ClaimDir          string        `yaml:"claim_dir"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	Symbols           []string      `yaml:"symbols"`
}

// ProvidersConfig lists the configured provider adapters.
type ProvidersConfig struct {
	Historical []ProviderConfig `yaml:"historical"`
	Streaming  []ProviderConfig `yaml:"streaming"`
}

// ProviderConfig holds one provider adapter's settings.
type ProviderConfig struct {
	ID          string        `yaml:"id"`
	DisplayName string        `yaml:"display_name"`
	Priority    int           `yaml:"priority"`
	URL         string        `yaml:"url"`
	APIKey      string        `yaml:"api_key"` // Supports ${ENV_VAR} expansion
	HTTPClient  string        `yaml:"http_client"`
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
	MinDelay    time.Duration `yaml:"min_delay"`
}

// CompositeConfig tunes the composite historical provider.
type CompositeConfig struct {
	FailureBackoffDuration     time.Duration `yaml:"failure_backoff_duration"`
	EnableCrossValidation      bool          `yaml:"enable_cross_validation"`
	EnableRateLimitRotation    bool          `yaml:"enable_rate_limit_rotation"`
	RateLimitRotationThreshold float64       `yaml:"rate_limit_rotation_threshold"`
}

// ReconnectConfig bounds streaming reconnect loops.
type ReconnectConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// PublisherConfig tunes the event fan-out.
type PublisherConfig struct {
	QueueCapacity int `yaml:"queue_capacity"`
}

// StorageConfig configures the columnar sink.
type StorageConfig struct {
	Root          string        `yaml:"root"`
	Layout        string        `yaml:"layout"`
	Codec         string        `yaml:"codec"`
	DatePartition string        `yaml:"date_partition"`
	BufferSize    int           `yaml:"buffer_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// DatabaseConfig holds the optional Postgres time-series sink.
type DatabaseConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Postgres DBConfig `yaml:"postgres"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// BrokerConfig holds the optional NATS republish tap.
type BrokerConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// SchedulerConfig holds trading-calendar and maintenance-window
// settings.
type SchedulerConfig struct {
	Timezone           string              `yaml:"timezone"`
	MaintenanceWindows []MaintenanceWindow `yaml:"maintenance_windows"`
}

// MaintenanceWindow is a named absolute window, optionally restricted
// to an operation allow-list.
type MaintenanceWindow struct {
	Name       string    `yaml:"name"`
	Start      time.Time `yaml:"start"`
	End        time.Time `yaml:"end"`
	AllowedOps []string  `yaml:"allowed_ops"`
}

// BackfillConfig tunes the gap backfill planner.
type BackfillConfig struct {
	Concurrency int           `yaml:"concurrency"`
	MaxGapAge   time.Duration `yaml:"max_gap_age"`
}
