package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for PerpCore.
type Metrics struct {
	// --- Command processing ---
	CommandsApplied  *prometheus.CounterVec
	CommandsRejected *prometheus.CounterVec
	CommandDuration  *prometheus.HistogramVec
	CurrentSlot      prometheus.Gauge

	// --- Engine aggregates ---
	VaultBalance         prometheus.Gauge
	TotalCapital         prometheus.Gauge
	TotalPositivePnl     prometheus.Gauge
	InsuranceFundBalance prometheus.Gauge
	TotalOpenInterest    prometheus.Gauge
	AccountsUsed         prometheus.Gauge
	RiskReductionActive  prometheus.Gauge

	// --- Crank ---
	CrankCalls          prometheus.Counter
	CrankSweepsComplete prometheus.Counter
	CrankAccountsSwept  prometheus.Counter
	LiquidationsTotal   prometheus.Counter
	LiquidationErrors   prometheus.Counter
	ForceCloses         prometheus.Counter
	AccountsGCd         prometheus.Counter
	HaircutEvents       prometheus.Counter
	HaircutAmount       prometheus.Counter
	PanicSettles        prometheus.Counter

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	DedupTier2Duration    prometheus.Histogram

	// --- Ingestion & publish ---
	NATSPullLatency *prometheus.HistogramVec
	ParseErrors     *prometheus.CounterVec
	PublishDrops    prometheus.Counter
	EventsPublished prometheus.Counter

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSlot  prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	ingestBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Command processing
		CommandsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perpcore_commands_applied_total",
			Help: "Commands successfully applied by the engine",
		}, []string{"kind"}),

		CommandsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perpcore_commands_rejected_total",
			Help: "Commands rejected (dedup, validation, engine error)",
		}, []string{"kind", "reason"}),

		CommandDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perpcore_command_apply_duration_seconds",
			Help:    "Time to apply a single command in the engine",
			Buckets: latencyBuckets,
		}, []string{"kind"}),

		CurrentSlot: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perpcore_current_slot",
			Help: "Engine slot clock",
		}),

		// Engine aggregates
		VaultBalance: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perpcore_vault_balance",
			Help: "Collateral vault balance",
		}),

		TotalCapital: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perpcore_total_capital",
			Help: "Sum of account capital",
		}),

		TotalPositivePnl: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perpcore_total_positive_pnl",
			Help: "Sum of positive account pnl",
		}),

		InsuranceFundBalance: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perpcore_insurance_fund_balance",
			Help: "Current insurance fund balance",
		}),

		TotalOpenInterest: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perpcore_total_open_interest",
			Help: "Sum of absolute position sizes",
		}),

		AccountsUsed: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perpcore_accounts_used",
			Help: "Occupied account slots",
		}),

		RiskReductionActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perpcore_risk_reduction_active",
			Help: "1 when risk-reduction-only mode gates new exposure",
		}),

		// Crank
		CrankCalls: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perpcore_crank_calls_total",
			Help: "Crank invocations",
		}),

		CrankSweepsComplete: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perpcore_crank_sweeps_complete_total",
			Help: "Full sweeps over the account slab",
		}),

		CrankAccountsSwept: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perpcore_crank_accounts_swept_total",
			Help: "Slot positions advanced by cranks",
		}),

		LiquidationsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perpcore_liquidations_total",
			Help: "Liquidations executed",
		}),

		LiquidationErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perpcore_liquidation_errors_total",
			Help: "Liquidation attempts that failed",
		}),

		ForceCloses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perpcore_force_closes_total",
			Help: "Bankrupt positions force-realized",
		}),

		AccountsGCd: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perpcore_accounts_gc_total",
			Help: "Empty account slots reclaimed",
		}),

		HaircutEvents: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perpcore_haircut_events_total",
			Help: "Sweeps that applied a pnl haircut",
		}),

		HaircutAmount: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perpcore_haircut_amount_total",
			Help: "Total unwarmed pnl removed by haircuts",
		}),

		PanicSettles: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perpcore_panic_settles_total",
			Help: "Panic settle-all invocations",
		}),

		// Idempotency
		IdempotencyDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perpcore_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"kind", "tier"}),

		DedupLRUSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perpcore_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perpcore_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		DedupTier2Duration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "perpcore_dedup_tier2_duration_seconds",
			Help:    "Postgres dedup lookup latency",
			Buckets: latencyBuckets,
		}),

		// Ingestion & publish
		NATSPullLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perpcore_nats_pull_latency_seconds",
			Help:    "Time from message receipt to processing start",
			Buckets: ingestBuckets,
		}, []string{"subject"}),

		ParseErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perpcore_parse_errors_total",
			Help: "Inbound messages that failed to parse",
		}, []string{"subject"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perpcore_publish_drops_total",
			Help: "Outcomes dropped due to full publish channel",
		}),

		EventsPublished: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perpcore_events_published_total",
			Help: "Outcome events published to JetStream",
		}),

		// Snapshot
		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perpcore_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "perpcore_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perpcore_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSlot: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perpcore_snapshot_last_slot",
			Help: "Slot of last snapshot",
		}),

		// Query API
		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perpcore_query_requests_total",
			Help: "Read API requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perpcore_query_duration_seconds",
			Help:    "Read API latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}

// SetBool sets a 0/1 gauge.
func SetBool(g prometheus.Gauge, v bool) {
	if v {
		g.Set(1)
	} else {
		g.Set(0)
	}
}
