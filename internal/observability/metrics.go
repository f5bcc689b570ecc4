package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tix_requests_total",
			Help: "Total number of requests",
		},
		[]string{"route", "code", "method"},
	)

	DBTxDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tix_db_tx_seconds",
			Help:    "Duration of DB transactions",
			Buckets: prometheus.DefBuckets,
		},
	)

	DBTxRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tix_db_tx_retries_total",
			Help: "Transactions retried after serialization failures or lock contention",
		},
	)

	LedgerOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tix_ledger_ops_total",
			Help: "Inventory ledger operations by outcome",
		},
		[]string{"op", "outcome"},
	)

	OrderTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tix_order_transitions_total",
			Help: "Order state transitions",
		},
		[]string{"to"},
	)

	TicketsIssued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tix_tickets_issued_total",
			Help: "Tickets materialised from confirmed orders",
		},
	)

	ScanOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tix_scans_total",
			Help: "Scan attempts by type and reason",
		},
		[]string{"type", "reason", "replayed"},
	)

	ScannerAuthFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tix_scanner_auth_failures_total",
			Help: "Rejected scanner authentications",
		},
		[]string{"reason"},
	)

	InvariantViolations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tix_invariant_violations_total",
			Help: "Fatal ledger invariant violations",
		},
	)

	OutboxLag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tix_outbox_lag_seconds",
			Help: "Lag of outbox publishing",
		},
	)

	RabbitPublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tix_rabbit_publish_retries_total",
			Help: "Total rabbit publish retries",
		},
	)

	RateLimitExceeded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tix_rate_limit_exceeded_total",
			Help: "Total rate limit exceeded",
		},
	)
)
