// Package observability defines the Prometheus metrics for the credit ledger,
// spend coordinator, job worker and settlement path.
//
// Metrics are registered with promauto on the default registry and exposed
// by the API server at /metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ═══════════════════════════════════════════════════════════════════════════
// Ledger Store
// ═══════════════════════════════════════════════════════════════════════════

// TxDuration tracks how long ledger transactions hold the write lock.
var TxDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "scribe",
	Subsystem: "ledger",
	Name:      "tx_duration_seconds",
	Help:      "Ledger transaction duration in seconds by operation.",
	Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
}, []string{"op"})

// TxHeldTooLong counts transactions still open after the leak threshold.
var TxHeldTooLong = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "scribe",
	Subsystem: "ledger",
	Name:      "tx_held_too_long_total",
	Help:      "Transactions held open longer than the leak threshold.",
}, []string{"op"})

// BalanceDivergences counts accounts found with a cached balance that does
// not match the ledger sum.
var BalanceDivergences = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "scribe",
	Subsystem: "ledger",
	Name:      "balance_divergences_total",
	Help:      "Accounts whose cached balance diverged from the ledger sum.",
})

// ─── Spend Metrics ──────────────────────────────────────────────────────────

// SpendAttempts counts spend attempts by entry kind and outcome.
var SpendAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "scribe",
	Subsystem: "spend",
	Name:      "attempts_total",
	Help:      "Spend attempts by kind and outcome (ok, insufficient, error).",
}, []string{"kind", "outcome"})

// CreditsDebited counts credits debited by kind.
var CreditsDebited = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "scribe",
	Subsystem: "spend",
	Name:      "credits_debited_total",
	Help:      "Total credits debited by kind.",
}, []string{"kind"})

// CreditsCredited counts credits granted by kind (purchase, refund, admin).
var CreditsCredited = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "scribe",
	Subsystem: "ledger",
	Name:      "credits_credited_total",
	Help:      "Total credits credited by kind.",
}, []string{"kind"})

// ─── Job Metrics ────────────────────────────────────────────────────────────

// JobTransitions counts billable job transitions by target status.
var JobTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "scribe",
	Subsystem: "jobs",
	Name:      "transitions_total",
	Help:      "Billable job transitions by resulting status.",
}, []string{"status"})

// JobsActive tracks jobs currently executing in the worker.
var JobsActive = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "scribe",
	Subsystem: "jobs",
	Name:      "active",
	Help:      "Billable jobs currently executing.",
})

// JobDuration tracks AI generation latency.
var JobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "scribe",
	Subsystem: "jobs",
	Name:      "generation_duration_seconds",
	Help:      "AI generation duration in seconds.",
	Buckets:   []float64{1, 5, 10, 30, 60, 120},
})

// ─── Settlement Metrics ─────────────────────────────────────────────────────

// SettlementOutcomes counts reconcile results.
var SettlementOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "scribe",
	Subsystem: "settlement",
	Name:      "outcomes_total",
	Help:      "Settlement reconcile results (applied, already_applied, not_found, error).",
}, []string{"result"})

// WebhookRequests counts webhook deliveries by event type and HTTP status.
var WebhookRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "scribe",
	Subsystem: "settlement",
	Name:      "webhook_requests_total",
	Help:      "Payment webhook requests by event type and HTTP status.",
}, []string{"event_type", "status"})

// WebhookDuration tracks webhook handling latency.
var WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "scribe",
	Subsystem: "settlement",
	Name:      "webhook_duration_seconds",
	Help:      "Payment webhook handling duration in seconds.",
	Buckets:   prometheus.DefBuckets,
}, []string{"event_type"})

// WebhookBacklog tracks recorded webhook events not yet reconciled.
var WebhookBacklog = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "scribe",
	Subsystem: "settlement",
	Name:      "webhook_backlog",
	Help:      "Recorded webhook events awaiting reconciliation.",
})
