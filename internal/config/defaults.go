package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultHeartbeatTimeout       = 60 * time.Second
	DefaultHeartbeatInterval      = 20 * time.Second
	DefaultFailureBackoff         = 5 * time.Minute
	DefaultRotationThreshold      = 0.8
	DefaultMaxReconnectAttempts   = 10
	DefaultBaseReconnectDelay     = 2 * time.Second
	DefaultMaxReconnectDelay      = 60 * time.Second
	DefaultPublisherQueueCapacity = 50000
	DefaultStorageLayout          = "canonical"
	DefaultStorageCodec           = "snappy"
	DefaultDatePartition          = "daily"
	DefaultStorageBufferSize      = 10000
	DefaultStorageFlushInterval   = 30 * time.Second
	DefaultDBPort                 = 5432
	DefaultDBSSLMode              = "prefer"
	DefaultMaxConns               = 10
	DefaultMinConns               = 2
	DefaultBrokerSubjectPrefix    = "md"
	DefaultMetricsPort            = 9090
	DefaultMetricsPath            = "/metrics"
	DefaultBackfillConcurrency    = 4
	DefaultProviderWindow         = time.Minute
)

func (c *Config) applyDefaults() {
	// Instance defaults
	if c.Instance.HeartbeatTimeout == 0 {
		c.Instance.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.Instance.HeartbeatInterval == 0 {
		c.Instance.HeartbeatInterval = DefaultHeartbeatInterval
	}

	// Provider defaults
	for i := range c.Providers.Historical {
		applyProviderDefaults(&c.Providers.Historical[i])
	}
	for i := range c.Providers.Streaming {
		applyProviderDefaults(&c.Providers.Streaming[i])
	}

	// Composite defaults
	if c.Composite.FailureBackoffDuration == 0 {
		c.Composite.FailureBackoffDuration = DefaultFailureBackoff
	}
	if c.Composite.RateLimitRotationThreshold == 0 {
		c.Composite.RateLimitRotationThreshold = DefaultRotationThreshold
	}

	// Reconnect defaults
	if c.Reconnect.MaxAttempts == 0 {
		c.Reconnect.MaxAttempts = DefaultMaxReconnectAttempts
	}
	if c.Reconnect.BaseDelay == 0 {
		c.Reconnect.BaseDelay = DefaultBaseReconnectDelay
	}
	if c.Reconnect.MaxDelay == 0 {
		c.Reconnect.MaxDelay = DefaultMaxReconnectDelay
	}

	// Publisher defaults
	if c.Publisher.QueueCapacity == 0 {
		c.Publisher.QueueCapacity = DefaultPublisherQueueCapacity
	}

	// Storage defaults
	if c.Storage.Layout == "" {
		c.Storage.Layout = DefaultStorageLayout
	}
	if c.Storage.Codec == "" {
		c.Storage.Codec = DefaultStorageCodec
	}
	if c.Storage.DatePartition == "" {
		c.Storage.DatePartition = DefaultDatePartition
	}
	if c.Storage.BufferSize == 0 {
		c.Storage.BufferSize = DefaultStorageBufferSize
	}
	if c.Storage.FlushInterval == 0 {
		c.Storage.FlushInterval = DefaultStorageFlushInterval
	}

	// Database defaults
	applyDBDefaults(&c.Database.Postgres)

	// Broker defaults
	if c.Broker.SubjectPrefix == "" {
		c.Broker.SubjectPrefix = DefaultBrokerSubjectPrefix
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	// Backfill defaults
	if c.Backfill.Concurrency == 0 {
		c.Backfill.Concurrency = DefaultBackfillConcurrency
	}
}

func applyProviderDefaults(p *ProviderConfig) {
	if p.Window == 0 {
		p.Window = DefaultProviderWindow
	}
	if p.DisplayName == "" {
		p.DisplayName = p.ID
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
