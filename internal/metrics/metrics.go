package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ==================== HTTP ====================

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	// ==================== Ledger ====================

	LedgerWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_writes_total",
			Help: "Ledger write operations by operation and result",
		},
		[]string{"operation", "result"},
	)

	// ==================== Nonce reconciliation ====================

	NonceSourceFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_nonce_source_failures_total",
			Help: "Nonce lookups where one source was unavailable and counted as zero",
		},
		[]string{"source"},
	)

	// ==================== Signing ====================

	SignaturesIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_signatures_issued_total",
			Help: "Signatures produced by the signing service",
		},
		[]string{"kind"},
	)

	DelegationDigestMismatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_delegation_digest_mismatch_total",
		Help: "Delegation approvals whose local digest differed from the delegation manager's",
	})

	// ==================== Status reconciliation ====================

	ReconcilePasses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_reconcile_passes_total",
			Help: "Status reconciliation passes by result",
		},
		[]string{"result"},
	)

	ReconcilePassDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledger_reconcile_pass_duration_seconds",
		Help:    "Duration of one status reconciliation pass",
		Buckets: prometheus.DefBuckets,
	})

	ReconcileRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_reconcile_records_total",
			Help: "Records visited by status reconciliation, by outcome",
		},
		[]string{"outcome"},
	)

	PendingTransactions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_pending_transactions",
		Help: "Records not yet complete at the start of the last reconciliation pass",
	})

	IntegrityViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_integrity_violations_total",
			Help: "Data integrity violations detected, by source",
		},
		[]string{"source"},
	)

	// ==================== External calls ====================

	ExternalCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_external_call_duration_seconds",
			Help:    "Duration of RPC and bridge status calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"target", "result"},
	)

	// ==================== Events ====================

	NATSConnectionStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_nats_connection_status",
		Help: "NATS connection status (1=connected, 0=disconnected)",
	})

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_events_published_total",
			Help: "Transaction events published, by result",
		},
		[]string{"result"},
	)
)
