package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus metric the service exports.
type Metrics struct {
	// --- Protocol actions ---
	ActionsInitiated *prometheus.CounterVec
	ActionsValidated *prometheus.CounterVec
	ActionsRejected  *prometheus.CounterVec
	ActionDuration   *prometheus.HistogramVec
	PendingActions   prometheus.Gauge
	StaleEvictions   prometheus.Counter

	// --- Liquidation ---
	LiquidationTicks     prometheus.Counter
	LiquidationPositions prometheus.Counter
	LiquidationCapHits   prometheus.Counter
	LiquidationBadDebt   prometheus.Counter
	LiquidationRewards   prometheus.Counter

	// --- Funding & vault ---
	FundingRate      prometheus.Gauge
	FundingEMA       prometheus.Gauge
	VaultBalance     prometheus.Gauge
	LongBalance      prometheus.Gauge
	LongTotalExpo    prometheus.Gauge
	ImbalanceBps     prometheus.Gauge
	RebaseTotal      prometheus.Counter
	RebalancerEvents *prometheus.CounterVec

	// --- Oracle ---
	OracleRequests *prometheus.CounterVec
	OracleErrors   *prometheus.CounterVec

	// --- Ingestion ---
	IngestMessages   *prometheus.CounterVec
	IngestRejected   *prometheus.CounterVec
	NATSPullLatency  *prometheus.HistogramVec
	IngestDuplicates prometheus.Counter

	// --- Persistence ---
	PersistActionsWritten prometheus.Counter
	PersistBatchSize      prometheus.Histogram
	PersistBatchDur       prometheus.Histogram
	PersistErrors         *prometheus.CounterVec
	SnapshotTaken         prometheus.Counter
	SnapshotDuration      prometheus.Histogram

	// --- HTTP API ---
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers every metric on the default registry.
func NewMetrics() *Metrics {
	actionBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		ActionsInitiated: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "usdn_actions_initiated_total",
			Help: "Two-phase actions initiated",
		}, []string{"kind"}),

		ActionsValidated: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "usdn_actions_validated_total",
			Help: "Two-phase actions validated",
		}, []string{"kind"}),

		ActionsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "usdn_actions_rejected_total",
			Help: "Actions rejected with a typed error",
		}, []string{"kind", "reason"}),

		ActionDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "usdn_action_duration_seconds",
			Help:    "Time to process one protocol call",
			Buckets: actionBuckets,
		}, []string{"kind"}),

		PendingActions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "usdn_pending_actions",
			Help: "Current pending-action queue depth",
		}),

		StaleEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "usdn_stale_evictions_total",
			Help: "Stale pending actions evicted by later calls",
		}),

		LiquidationTicks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "usdn_liquidation_ticks_total",
			Help: "Ticks cleared by liquidation passes",
		}),

		LiquidationPositions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "usdn_liquidation_positions_total",
			Help: "Positions removed by liquidation",
		}),

		LiquidationCapHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "usdn_liquidation_cap_hits_total",
			Help: "Passes stopped by the iteration bound",
		}),

		LiquidationBadDebt: promauto.NewCounter(prometheus.CounterOpts{
			Name: "usdn_liquidation_bad_debt_total",
			Help: "Passes that left bad debt behind",
		}),

		LiquidationRewards: promauto.NewCounter(prometheus.CounterOpts{
			Name: "usdn_liquidation_rewards_total",
			Help: "Liquidator rewards paid",
		}),

		FundingRate: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "usdn_funding_rate",
			Help: "Last instantaneous funding rate (wad per day, signed)",
		}),

		FundingEMA: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "usdn_funding_ema",
			Help: "Smoothed funding rate (wad per day, signed)",
		}),

		VaultBalance: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "usdn_vault_balance",
			Help: "Vault-side collateral (asset units)",
		}),

		LongBalance: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "usdn_long_balance",
			Help: "Long-side collateral (asset units)",
		}),

		LongTotalExpo: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "usdn_long_total_expo",
			Help: "Aggregate long exposure (asset units)",
		}),

		ImbalanceBps: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "usdn_imbalance_bps",
			Help: "Long/vault imbalance in basis points, signed",
		}),

		RebaseTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "usdn_rebase_total",
			Help: "Divisor rebases executed",
		}),

		RebalancerEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "usdn_rebalancer_events_total",
			Help: "Rebalancer trigger decisions",
		}, []string{"action"}),

		OracleRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "usdn_oracle_requests_total",
			Help: "Price validations requested",
		}, []string{"source"}),

		OracleErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "usdn_oracle_errors_total",
			Help: "Price validations rejected",
		}, []string{"source", "reason"}),

		IngestMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "usdn_ingest_messages_total",
			Help: "Keeper requests consumed from NATS",
		}, []string{"subject"}),

		IngestRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "usdn_ingest_rejected_total",
			Help: "Keeper requests rejected before dispatch",
		}, []string{"subject", "reason"}),

		NATSPullLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "usdn_nats_pull_latency_seconds",
			Help:    "NATS pull request latency",
			Buckets: actionBuckets,
		}, []string{"subject"}),

		IngestDuplicates: promauto.NewCounter(prometheus.CounterOpts{
			Name: "usdn_ingest_duplicates_total",
			Help: "Redelivered requests dropped by dedup",
		}),

		PersistActionsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "usdn_persist_actions_written_total",
			Help: "Action records written to Postgres",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "usdn_persist_batch_size",
			Help:    "Action records per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "usdn_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "usdn_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "usdn_snapshot_taken_total",
			Help: "State snapshots written",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "usdn_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "usdn_http_requests_total",
			Help: "HTTP API requests",
		}, []string{"endpoint", "status"}),

		HTTPDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "usdn_http_request_duration_seconds",
			Help:    "HTTP API latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}
