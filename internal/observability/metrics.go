package observability

import (
	fpmath "IndexVault/internal/math"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
)

// Metrics holds all Prometheus metrics for the vault service.
type Metrics struct {
	// --- Core ---
	EventsEmitted     *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	OperationErrors   *prometheus.CounterVec
	RebalanceSkipped  *prometheus.CounterVec
	OrdersSubmitted   *prometheus.CounterVec
	OrdersRejected    *prometheus.CounterVec
	CoreSequence      prometheus.Gauge

	// --- Vault state ---
	EquityUsd             prometheus.Gauge
	PricePerShare         prometheus.Gauge
	PendingWithdrawals    prometheus.Gauge
	PendingWithdrawalsUsd prometheus.Gauge
	EpochSentUsd          prometheus.Gauge

	// --- Venue bridge ---
	BridgeRequests *prometheus.CounterVec
	BridgeDuration *prometheus.HistogramVec

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistBatchSize     prometheus.Histogram
	PersistBatchDur      prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistRetry         prometheus.Counter
	PersistLastSequence  prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge

	// --- Projections & Query API ---
	ProjectionUpdateDur *prometheus.HistogramVec
	QueryRequests       *prometheus.CounterVec
	QueryDuration       *prometheus.HistogramVec

	// --- Operator commands ---
	CommandsReceived *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	opBuckets := []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	bridgeBuckets := []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5}

	return &Metrics{
		// Core
		EventsEmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_events_total",
			Help: "Events emitted by the engine",
		}, []string{"event_type"}),

		OperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_operation_duration_seconds",
			Help:    "Engine operation latency including venue calls",
			Buckets: opBuckets,
		}, []string{"op"}),

		OperationErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_operation_errors_total",
			Help: "Engine operations that returned an error",
		}, []string{"op", "kind"}),

		RebalanceSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_rebalance_skipped_total",
			Help: "Rebalances that placed no orders",
		}, []string{"reason"}),

		OrdersSubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_orders_submitted_total",
			Help: "Orders accepted by the venue",
		}, []string{"asset", "side"}),

		OrdersRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_orders_rejected_total",
			Help: "Orders rejected or suppressed before or at submission",
		}, []string{"asset", "reason"}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "vault_core_sequence",
			Help: "Current event sequence",
		}),

		// Vault state
		EquityUsd: f.NewGauge(prometheus.GaugeOpts{
			Name: "vault_equity_usd",
			Help: "Last computed vault equity",
		}),

		PricePerShare: f.NewGauge(prometheus.GaugeOpts{
			Name: "vault_pps",
			Help: "Last computed price per share",
		}),

		PendingWithdrawals: f.NewGauge(prometheus.GaugeOpts{
			Name: "vault_pending_withdrawals",
			Help: "Queued withdrawal requests",
		}),

		PendingWithdrawalsUsd: f.NewGauge(prometheus.GaugeOpts{
			Name: "vault_pending_withdrawals_usd",
			Help: "Net USD owed to queued withdrawal requests",
		}),

		EpochSentUsd: f.NewGauge(prometheus.GaugeOpts{
			Name: "vault_epoch_sent_usd",
			Help: "USD moved across the custody boundary in the current epoch",
		}),

		// Venue bridge
		BridgeRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_bridge_requests_total",
			Help: "Venue bridge requests",
		}, []string{"method", "status"}),

		BridgeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_bridge_request_duration_seconds",
			Help:    "Venue bridge round trip",
			Buckets: bridgeBuckets,
		}, []string{"method"}),

		// Channel & Backpressure
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_projection_drops_total",
			Help: "Outputs dropped due to full projection channel",
		}, []string{"projection"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "vault_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "vault_persist_backpressure_total",
			Help: "Times the engine blocked on the persist channel",
		}),

		// Idempotency
		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_idempotency_duplicates_total",
			Help: "Duplicate commands caught (lru/postgres)",
		}, []string{"tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "vault_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "vault_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		// Persistence
		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "vault_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "vault_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "vault_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Snapshot
		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "vault_snapshot_taken_total",
			Help: "Snapshots written",
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "vault_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "vault_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		// Projections & Query API
		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"projection"}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_query_requests_total",
			Help: "HTTP API requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_query_duration_seconds",
			Help:    "HTTP API latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"endpoint"}),

		// Operator commands
		CommandsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_commands_received_total",
			Help: "Operator commands consumed from NATS",
		}, []string{"command", "status"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}

// SetUsd sets g to a USD 1e18 amount. Gauges are float64, so this is lossy.
func SetUsd(g prometheus.Gauge, v *uint256.Int) {
	g.Set(UsdFloat(v))
}

// UsdFloat converts USD 1e18 to a float for display only.
func UsdFloat(v *uint256.Int) float64 {
	if v == nil {
		return 0
	}
	return decimal.NewFromBigInt(v.ToBig(), -fpmath.USDDecimals).InexactFloat64()
}
