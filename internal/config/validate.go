package config

import (
	"errors"
	"fmt"
)

var validLayouts = map[string]bool{
	"flat": true, "bySymbol": true, "byDate": true, "byType": true,
	"bySource": true, "byAssetClass": true, "hierarchical": true, "canonical": true,
}

var validCodecs = map[string]bool{
	"none": true, "snappy": true, "gzip": true, "zstd": true, "lz4": true, "brotli": true,
}

var validPartitions = map[string]bool{
	"none": true, "hourly": true, "daily": true, "monthly": true,
}

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ClaimDir == "" {
		return errors.New("instance.claim_dir is required")
	}
	if c.Instance.HeartbeatInterval >= c.Instance.HeartbeatTimeout {
		return fmt.Errorf("instance.heartbeat_interval (%v) must be shorter than heartbeat_timeout (%v)",
			c.Instance.HeartbeatInterval, c.Instance.HeartbeatTimeout)
	}

	seen := make(map[string]bool)
	for _, p := range append(append([]ProviderConfig{}, c.Providers.Historical...), c.Providers.Streaming...) {
		if p.ID == "" {
			return errors.New("providers: every provider needs an id")
		}
		if seen[p.ID] {
			return fmt.Errorf("providers: duplicate id %q", p.ID)
		}
		seen[p.ID] = true
		if p.MaxRequests < 0 {
			return fmt.Errorf("providers.%s.max_requests must be >= 0", p.ID)
		}
	}

	if t := c.Composite.RateLimitRotationThreshold; t <= 0 || t > 1 {
		return fmt.Errorf("composite.rate_limit_rotation_threshold must be in (0, 1], got %v", t)
	}

	if c.Reconnect.MaxAttempts < 1 {
		return errors.New("reconnect.max_attempts must be >= 1")
	}
	if c.Reconnect.BaseDelay > c.Reconnect.MaxDelay {
		return fmt.Errorf("reconnect.base_delay (%v) cannot exceed max_delay (%v)",
			c.Reconnect.BaseDelay, c.Reconnect.MaxDelay)
	}

	if c.Publisher.QueueCapacity < 1 {
		return errors.New("publisher.queue_capacity must be >= 1")
	}

	if c.Storage.Root == "" {
		return errors.New("storage.root is required")
	}
	if !validLayouts[c.Storage.Layout] {
		return fmt.Errorf("storage.layout %q is not a known layout", c.Storage.Layout)
	}
	if !validCodecs[c.Storage.Codec] {
		return fmt.Errorf("storage.codec %q is not a known codec", c.Storage.Codec)
	}
	if !validPartitions[c.Storage.DatePartition] {
		return fmt.Errorf("storage.date_partition %q is not a known granularity", c.Storage.DatePartition)
	}
	if c.Storage.BufferSize < 1 {
		return errors.New("storage.buffer_size must be >= 1")
	}

	if c.Database.Enabled {
		if err := c.Database.Postgres.validate("database.postgres"); err != nil {
			return err
		}
	}

	if c.Broker.Enabled && c.Broker.URL == "" {
		return errors.New("broker.url is required when broker.enabled")
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	for _, w := range c.Scheduler.MaintenanceWindows {
		if w.Name == "" {
			return errors.New("scheduler.maintenance_windows: every window needs a name")
		}
		if !w.End.After(w.Start) {
			return fmt.Errorf("scheduler.maintenance_windows.%s: end must be after start", w.Name)
		}
	}

	if c.Backfill.Concurrency < 1 {
		return errors.New("backfill.concurrency must be >= 1")
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
