package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for CDPLedger.
type Metrics struct {
	// --- Sequencer ---
	TransitionsApplied  *prometheus.CounterVec
	TransitionsRejected *prometheus.CounterVec
	TransitionDuration  *prometheus.HistogramVec
	Sequence            prometheus.Gauge
	StateHashDuration   prometheus.Histogram

	// --- Channels & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ProjectionDrops     prometheus.Counter
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupTier2Errors      prometheus.Counter

	// --- Solvency & liquidation ---
	HealthFactorFailures *prometheus.CounterVec
	Liquidations         *prometheus.CounterVec
	CollateralSeized     *prometheus.CounterVec
	OracleRejections     *prometheus.CounterVec
	OracleUpdates        *prometheus.CounterVec

	// --- Positions ---
	TotalDebt       prometheus.Gauge
	TotalCollateral *prometheus.GaugeVec

	// --- Persistence ---
	PersistTransitionsWritten prometheus.Counter
	PersistBatchSize          prometheus.Histogram
	PersistBatchDuration      prometheus.Histogram
	PersistErrors             *prometheus.CounterVec
	PersistLastSequence       prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken    prometheus.Counter
	SnapshotDuration prometheus.Histogram
	SnapshotLastSeq  prometheus.Gauge

	// --- Projection ---
	ProjectionUpdateDuration prometheus.Histogram
	ProjectionErrors         prometheus.Counter

	// --- API ---
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RateLimited     prometheus.Counter
}

// NewMetrics creates all metrics and registers them with reg. Tests pass a
// fresh prometheus.NewRegistry() so repeated construction does not collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01, 0.05,
	}

	return &Metrics{
		TransitionsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_transitions_applied_total",
			Help: "Transitions committed by the sequencer",
		}, []string{"operation"}),

		TransitionsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_transitions_rejected_total",
			Help: "Transitions rolled back or skipped, by error kind",
		}, []string{"operation", "reason"}),

		TransitionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cdp_transition_duration_seconds",
			Help:    "Time to apply a single transition",
			Buckets: latencyBuckets,
		}, []string{"operation"}),

		Sequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_sequence",
			Help: "Last assigned sequence number",
		}),

		StateHashDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cdp_state_hash_duration_seconds",
			Help:    "Time to compute the state hash",
			Buckets: latencyBuckets,
		}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cdp_channel_size",
			Help: "Current buffered items",
		}, []string{"channel"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cdp_channel_capacity",
			Help: "Channel capacity",
		}, []string{"channel"}),

		ProjectionDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_projection_drops_total",
			Help: "Outputs dropped because the projection channel was full",
		}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_publish_drops_total",
			Help: "Committed events not published to NATS",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_persist_backpressure_total",
			Help: "Times the sequencer blocked on a full persist channel",
		}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_idempotency_duplicates_total",
			Help: "Duplicate commands detected",
		}, []string{"operation", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_dedup_lru_size",
			Help: "Entries in the idempotency LRU",
		}),

		DedupTier2Errors: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_dedup_tier2_errors_total",
			Help: "Postgres idempotency lookups that failed",
		}),

		HealthFactorFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_health_factor_failures_total",
			Help: "Transitions rejected by the health factor post-condition",
		}, []string{"operation"}),

		Liquidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_liquidations_total",
			Help: "Committed liquidations",
		}, []string{"asset", "capped"}),

		CollateralSeized: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_collateral_seized_units_total",
			Help: "Collateral seized by liquidators, in whole tokens",
		}, []string{"asset"}),

		OracleRejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_oracle_rejections_total",
			Help: "Transitions rejected by price validation",
		}, []string{"reason"}),

		OracleUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_oracle_updates_total",
			Help: "Price observations ingested",
		}, []string{"feed"}),

		TotalDebt: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_total_debt_units",
			Help: "Outstanding synthetic debt, in whole tokens",
		}),

		TotalCollateral: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cdp_total_collateral_units",
			Help: "Collateral in custody, in whole tokens",
		}, []string{"asset"}),

		PersistTransitionsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_persist_transitions_written_total",
			Help: "Transitions written to the event log",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cdp_persist_batch_size",
			Help:    "Transitions per persistence batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cdp_persist_batch_duration_seconds",
			Help:    "Time to write one batch",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"stage"}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_persist_last_sequence",
			Help: "Last sequence durably written",
		}),

		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_snapshot_taken_total",
			Help: "Snapshots written",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cdp_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ProjectionUpdateDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cdp_projection_update_duration_seconds",
			Help:    "Time to apply one output to the read model",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),

		ProjectionErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_projection_errors_total",
			Help: "Projection writes that failed",
		}),

		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_api_requests_total",
			Help: "API requests",
		}, []string{"method", "code"}),

		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cdp_api_request_duration_seconds",
			Help:    "API latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"method"}),

		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_api_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
}
