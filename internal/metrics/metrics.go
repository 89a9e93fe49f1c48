// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Event publish rates and drop counts by type and source
//   - Stream connection state and reconnect attempts
//   - Failover switches and resubscribe failures
//   - Columnar flush counts, row counts, and failures
//   - Database insert and conflict counts
//   - Rate limiter utilization per provider
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry wraps the Prometheus collectors used by an ingest instance.
// It carries its own prometheus.Registry so tests can create as many
// instances as they like without duplicate-registration panics.
type Registry struct {
	reg *prometheus.Registry

	EventsPublished *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec
	QueueDepth      prometheus.Gauge

	StreamState         *prometheus.GaugeVec
	ReconnectAttempts   *prometheus.CounterVec
	SequenceGaps        *prometheus.CounterVec
	FailoverSwitches    *prometheus.CounterVec
	ResubscribeFailures prometheus.Counter

	FlushesTotal  *prometheus.CounterVec
	RowsFlushed   *prometheus.CounterVec
	FlushFailures prometheus.Counter

	DBInserts   prometheus.Counter
	DBConflicts prometheus.Counter

	RateLimitUtilization *prometheus.GaugeVec

	BackfillGapsFilled prometheus.Counter
	BackfillFailures   prometheus.Counter
}

// NewRegistry creates and registers all collectors.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "md_events_published_total",
			Help: "Total market events published to subscribers",
		}, []string{"type", "source"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "md_events_dropped_total",
			Help: "Total market events dropped from full subscriber queues",
		}, []string{"subscriber"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "md_publisher_queue_depth",
			Help: "Deepest subscriber queue at last sample",
		}),

		StreamState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "md_stream_state",
			Help: "Stream connection state per provider (1 in exactly one state)",
		}, []string{"provider", "state"}),
		ReconnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "md_reconnect_attempts_total",
			Help: "Total reconnect attempts per provider",
		}, []string{"provider"}),
		SequenceGaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "md_sequence_gaps_total",
			Help: "Total detected sequence gaps per provider",
		}, []string{"provider"}),
		FailoverSwitches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "md_failover_switches_total",
			Help: "Total provider switches by origin and destination",
		}, []string{"from", "to"}),
		ResubscribeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "md_resubscribe_failures_total",
			Help: "Total subscriptions that failed to replay after a switch",
		}),

		FlushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "md_sink_flushes_total",
			Help: "Total columnar flushes by event type",
		}, []string{"type"}),
		RowsFlushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "md_sink_rows_flushed_total",
			Help: "Total rows written to columnar storage by event type",
		}, []string{"type"}),
		FlushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "md_sink_flush_failures_total",
			Help: "Total failed columnar flushes",
		}),

		DBInserts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "md_db_inserts_total",
			Help: "Total rows inserted into the trades table",
		}),
		DBConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "md_db_conflicts_total",
			Help: "Total rows skipped by the trades unique constraint",
		}),

		RateLimitUtilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "md_rate_limit_utilization",
			Help: "Fraction of the rate limit window consumed per provider",
		}, []string{"provider"}),

		BackfillGapsFilled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "md_backfill_gaps_filled_total",
			Help: "Total sequence gaps repaired by the backfill planner",
		}),
		BackfillFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "md_backfill_failures_total",
			Help: "Total backfill attempts that failed",
		}),
	}

	r.reg.MustRegister(
		r.EventsPublished,
		r.EventsDropped,
		r.QueueDepth,
		r.StreamState,
		r.ReconnectAttempts,
		r.SequenceGaps,
		r.FailoverSwitches,
		r.ResubscribeFailures,
		r.FlushesTotal,
		r.RowsFlushed,
		r.FlushFailures,
		r.DBInserts,
		r.DBConflicts,
		r.RateLimitUtilization,
		r.BackfillGapsFilled,
		r.BackfillFailures,
	)

	return r
}

// SetStreamState sets the per-provider state gauge so exactly one
// state label carries the value 1.
func (r *Registry) SetStreamState(provider, state string) {
	states := []string{"disconnected", "connecting", "authenticating", "ready", "streaming", "reconnecting"}
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1.0
		}
		r.StreamState.WithLabelValues(provider, s).Set(v)
	}
}

// Gatherer exposes the underlying registry for scraping.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}
