package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgergate_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	HTTPLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledgergate_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
	}, []string{"method", "endpoint"})

	FacilitatorCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgergate_facilitator_calls_total",
		Help: "Facilitator round trips by capability and outcome",
	}, []string{"capability", "outcome"})

	FacilitatorLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledgergate_facilitator_duration_seconds",
		Help:    "Facilitator round trip latency",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15, 30},
	}, []string{"capability"})

	GateDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgergate_payment_gate_decisions_total",
		Help: "Payment gate outcomes",
	}, []string{"outcome"})

	CooldownDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgergate_cooldown_decisions_total",
		Help: "Cooldown ledger outcomes",
	}, []string{"outcome"})

	Submissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgergate_submissions_total",
		Help: "Ledger submissions by outcome",
	}, []string{"outcome"})

	NonceConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledgergate_nonce_conflicts_total",
		Help: "Sequence conflicts observed while sending",
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledgergate_submit_queue_depth",
		Help: "Operations waiting for the operator signer",
	})

	Receipts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgergate_receipts_total",
		Help: "Receipt watcher outcomes",
	}, []string{"outcome"})

	InclusionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledgergate_inclusion_duration_seconds",
		Help:    "Time from send to receipt",
		Buckets: prometheus.ExponentialBuckets(1, 2, 8),
	})
)
