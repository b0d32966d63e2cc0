package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus instruments for the execution layer. Exposed on /metrics
// for scraping; the in-process percentile tracker in tracker.go covers
// what scraping cannot (health payloads, breach events).

// StageLatency times each pipeline stage.
var StageLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "tradegate",
		Subsystem: "pipeline",
		Name:      "stage_latency_ms",
		Help:      "Latency per pipeline stage in milliseconds",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
	},
	[]string{"stage"},
)

// AdapterCalls counts venue round trips by outcome.
var AdapterCalls = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradegate",
		Subsystem: "exchange",
		Name:      "adapter_calls_total",
		Help:      "Total adapter calls by venue and outcome",
	},
	[]string{"venue", "outcome"},
)

// RiskEvaluations counts evaluations by final outcome, so pure
// pass-throughs stay countable in aggregate without per-order audit
// rows.
var RiskEvaluations = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradegate",
		Subsystem: "risk",
		Name:      "evaluations_total",
		Help:      "Total risk evaluations by outcome",
	},
	[]string{"outcome"},
)

// AuthOutcomes counts signature verifications by result code.
var AuthOutcomes = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradegate",
		Subsystem: "auth",
		Name:      "signature_checks_total",
		Help:      "Signature verification outcomes by code",
	},
	[]string{"code"},
)

// OrdersTotal counts orders by terminal status.
var OrdersTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradegate",
		Subsystem: "pipeline",
		Name:      "orders_total",
		Help:      "Orders processed by resulting status",
	},
	[]string{"status"},
)

// BreakerState exports breaker positions (0=closed, 1=half-open, 2=open).
var BreakerState = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "tradegate",
		Subsystem: "breaker",
		Name:      "state",
		Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
	},
	[]string{"key"},
)

// Discrepancies counts reconciliation findings.
var Discrepancies = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradegate",
		Subsystem: "reconciliation",
		Name:      "discrepancies_total",
		Help:      "Reconciliation discrepancies by kind and resolution",
	},
	[]string{"kind", "resolution"},
)

// LatencyBreaches counts threshold-exceeded events per operation.
var LatencyBreaches = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradegate",
		Subsystem: "pipeline",
		Name:      "latency_breaches_total",
		Help:      "Operations exceeding their configured latency bound",
	},
	[]string{"operation"},
)

// RecordAdapterCall records one venue round trip.
func RecordAdapterCall(venue, outcome string) {
	AdapterCalls.WithLabelValues(venue, outcome).Inc()
}

// RecordRiskEvaluation records one evaluation outcome.
func RecordRiskEvaluation(outcome string) {
	RiskEvaluations.WithLabelValues(outcome).Inc()
}

// RecordAuthOutcome records a signature verification result.
func RecordAuthOutcome(code string) {
	AuthOutcomes.WithLabelValues(code).Inc()
}

// RecordOrder records an order reaching a status.
func RecordOrder(status string) {
	OrdersTotal.WithLabelValues(status).Inc()
}

// SetBreakerState exports a breaker position.
func SetBreakerState(key string, state string) {
	var v float64
	switch state {
	case "HALF_OPEN":
		v = 1
	case "OPEN":
		v = 2
	}
	BreakerState.WithLabelValues(key).Set(v)
}

// RecordDiscrepancy records a reconciliation finding.
func RecordDiscrepancy(kind, resolution string) {
	Discrepancies.WithLabelValues(kind, resolution).Inc()
}
