package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for GoldLedger.
type Metrics struct {
	// --- Posting engine ---
	PostingsTotal      *prometheus.CounterVec // op, outcome
	PostingDuration    *prometheus.HistogramVec
	PostedWeightGrams  *prometheus.CounterVec // op
	AllocationPartials prometheus.Histogram

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec // tier
	IdempotencyTier2Errs  prometheus.Counter
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter

	// --- Settlement worker ---
	JobsEnqueued     *prometheus.CounterVec // path: channel/outbox
	JobsProcessed    *prometheus.CounterVec // outcome: attached/noop/failed/deadletter
	JobAttempts      prometheus.Histogram
	JobDuration      prometheus.Histogram
	QueueDepth       prometheus.Gauge
	QueueCapacity    prometheus.Gauge
	OutboxClaimed    prometheus.Counter
	UnattachedSwept  prometheus.Counter
	DeadLettersTotal prometheus.Counter

	// --- Integrity ---
	IntegrityViolations *prometheus.CounterVec // check

	// --- Rates ---
	RateReloads     *prometheus.CounterVec // outcome
	CustodiansTotal prometheus.Gauge

	// --- Ingestion / events ---
	CommandsReceived *prometheus.CounterVec // subject, outcome
	EventsPublished  *prometheus.CounterVec // event_type
	PublishErrors    *prometheus.CounterVec // event_type

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. Tests pass a
// fresh prometheus.NewRegistry() so repeated construction never collides.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	postingBuckets := []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2}

	return &Metrics{
		PostingsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "goldledger_postings_total",
			Help: "Postings attempted, by operation and outcome",
		}, []string{"op", "outcome"}),

		PostingDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "goldledger_posting_duration_seconds",
			Help:    "Time from request to committed unit of work",
			Buckets: postingBuckets,
		}, []string{"op"}),

		PostedWeightGrams: f.NewCounterVec(prometheus.CounterOpts{
			Name: "goldledger_posted_weight_grams_total",
			Help: "Weight moved by committed postings",
		}, []string{"op"}),

		AllocationPartials: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "goldledger_allocation_partials",
			Help:    "Custodians touched per sell",
			Buckets: []float64{1, 2, 3, 4, 5, 8, 13},
		}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "goldledger_idempotency_duplicates_total",
			Help: "Duplicate postings caught (lru/store/commit)",
		}, []string{"tier"}),

		IdempotencyTier2Errs: f.NewCounter(prometheus.CounterOpts{
			Name: "goldledger_idempotency_tier2_errors_total",
			Help: "Store lookups that failed during duplicate detection",
		}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "goldledger_dedup_lru_size",
			Help: "Entries in the idempotency LRU",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "goldledger_dedup_lru_evictions_total",
			Help: "Entries evicted from the idempotency LRU",
		}),

		JobsEnqueued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "goldledger_settlement_jobs_enqueued_total",
			Help: "Settlement jobs handed off, by path (channel/outbox)",
		}, []string{"path"}),

		JobsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "goldledger_settlement_jobs_processed_total",
			Help: "Settlement jobs finished, by outcome",
		}, []string{"outcome"}),

		JobAttempts: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "goldledger_settlement_job_attempts",
			Help:    "Attempts needed per settlement job",
			Buckets: []float64{1, 2, 3, 4, 5, 8, 10},
		}),

		JobDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "goldledger_settlement_job_duration_seconds",
			Help:    "Time from job start to attach (including retries)",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),

		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "goldledger_settlement_queue_depth",
			Help: "Jobs waiting in the worker channel",
		}),

		QueueCapacity: f.NewGauge(prometheus.GaugeOpts{
			Name: "goldledger_settlement_queue_capacity",
			Help: "Worker channel capacity (constant)",
		}),

		OutboxClaimed: f.NewCounter(prometheus.CounterOpts{
			Name: "goldledger_settlement_outbox_claimed_total",
			Help: "Outbox entries claimed by the reconciler",
		}),

		UnattachedSwept: f.NewCounter(prometheus.CounterOpts{
			Name: "goldledger_settlement_unattached_swept_total",
			Help: "Pending transactions re-dispatched by the reconciler sweep",
		}),

		DeadLettersTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "goldledger_settlement_deadletters_total",
			Help: "Jobs moved to the operator queue",
		}),

		IntegrityViolations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "goldledger_integrity_violations_total",
			Help: "Ledger invariant violations detected at read time",
		}, []string{"check"}),

		RateReloads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "goldledger_rate_reloads_total",
			Help: "Custodian terms reloads, by outcome",
		}, []string{"outcome"}),

		CustodiansTotal: f.NewGauge(prometheus.GaugeOpts{
			Name: "goldledger_custodians",
			Help: "Custodians in the current rate table",
		}),

		CommandsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "goldledger_commands_received_total",
			Help: "Posting commands received over NATS",
		}, []string{"op", "outcome"}),

		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "goldledger_events_published_total",
			Help: "Ledger events published",
		}, []string{"event_type"}),

		PublishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "goldledger_publish_errors_total",
			Help: "Ledger event publish failures",
		}, []string{"event_type"}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "goldledger_query_requests_total",
			Help: "Operator API requests",
		}, []string{"endpoint"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "goldledger_query_duration_seconds",
			Help:    "Operator API request duration",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"endpoint"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "goldledger_query_errors_total",
			Help: "Operator API errors",
		}, []string{"endpoint", "error_type"}),
	}
}
