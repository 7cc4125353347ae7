package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the send pipeline
type Metrics struct {
	// Orchestrator
	ClaimsTotal       *prometheus.CounterVec // outcome: won, lost, ineligible
	RecipientsSent    prometheus.Counter
	RecipientsFailed  prometheus.Counter
	SuppressionHits   prometheus.Counter
	CreditDeniedTotal prometheus.Counter

	// Dispatch
	BatchesTotal         *prometheus.CounterVec // status: success, error
	DispatchBatchSeconds prometheus.Histogram

	// Scheduler
	SchedulerFiresTotal *prometheus.CounterVec // outcome: executed, skipped, stopped, error
	ActiveTriggers      prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		ClaimsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailloft_claims_total",
				Help: "Send claim attempts by outcome",
			},
			[]string{"outcome"},
		),
		RecipientsSent: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mailloft_recipients_sent_total",
				Help: "Recipients confirmed sent",
			},
		),
		RecipientsFailed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mailloft_recipients_failed_total",
				Help: "Recipients in failed provider batches",
			},
		),
		SuppressionHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mailloft_suppression_filtered_total",
				Help: "Recipients removed by the suppression gate",
			},
		),
		CreditDeniedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mailloft_credit_denied_total",
				Help: "Send attempts aborted for insufficient credits",
			},
		),
		BatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailloft_batches_total",
				Help: "Provider batches by status",
			},
			[]string{"status"},
		),
		DispatchBatchSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mailloft_dispatch_batch_seconds",
				Help:    "Duration of one provider batch call",
				Buckets: prometheus.DefBuckets,
			},
		),
		SchedulerFiresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailloft_scheduler_fires_total",
				Help: "Recurring trigger firings by outcome",
			},
			[]string{"outcome"},
		),
		ActiveTriggers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailloft_active_triggers",
				Help: "Live recurring campaign triggers",
			},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.ClaimsTotal,
		m.RecipientsSent,
		m.RecipientsFailed,
		m.SuppressionHits,
		m.CreditDeniedTotal,
		m.BatchesTotal,
		m.DispatchBatchSeconds,
		m.SchedulerFiresTotal,
		m.ActiveTriggers,
	)

	return m
}

// Registry returns the registry backing this instance, for HTTP exposure.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
