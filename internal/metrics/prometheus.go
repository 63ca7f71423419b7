// Package metrics records run progress for Prometheus and for the status API.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gateway-fm/inkrunner/pkg/types"
)

// PrometheusMetrics holds all Prometheus metrics for the runner.
// A nil *PrometheusMetrics is valid and records nothing.
type PrometheusMetrics struct {
	// Workflow outcomes
	ActionsTotal *prometheus.CounterVec

	// Submission pipeline
	SubmissionsTotal  *prometheus.CounterVec
	NonceRetriesTotal prometheus.Counter
	VerdictsTotal     *prometheus.CounterVec

	// Gauges
	AccountsActive prometheus.Gauge
	RunStatus      *prometheus.GaugeVec

	// Histograms
	ConfirmLatency prometheus.Histogram
	RPCLatency     *prometheus.HistogramVec
}

// NewPrometheusMetrics creates and registers all Prometheus metrics.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &PrometheusMetrics{
		ActionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inkrunner_actions_total",
				Help: "Completed action workflows by action and outcome",
			},
			[]string{"action", "outcome"},
		),

		SubmissionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inkrunner_submissions_total",
				Help: "Transaction submission attempts by outcome kind",
			},
			[]string{"kind"},
		),

		NonceRetriesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "inkrunner_nonce_retries_total",
				Help: "Rebroadcasts caused by nonce collisions",
			},
		),

		VerdictsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inkrunner_verdicts_total",
				Help: "Receipt verdicts by result",
			},
			[]string{"verdict"},
		),

		AccountsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "inkrunner_accounts_active",
				Help: "Accounts currently running their action sequence",
			},
		),

		RunStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "inkrunner_run_status",
				Help: "Current run status (1 if active, 0 otherwise)",
			},
			[]string{"status"},
		),

		ConfirmLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "inkrunner_confirmation_latency_seconds",
				Help:    "Time from broadcast to a final receipt verdict",
				Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120, 200},
			},
		),

		RPCLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "inkrunner_rpc_latency_seconds",
				Help:    "RPC call latency by method",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "status"},
		),
	}
}

// knownRPCMethods bounds the method label cardinality.
var knownRPCMethods = map[string]bool{
	"eth_sendRawTransaction":    true,
	"eth_getTransactionCount":   true,
	"eth_getBalance":            true,
	"eth_gasPrice":              true,
	"eth_chainId":               true,
	"eth_estimateGas":           true,
	"eth_getCode":               true,
	"eth_getTransactionReceipt": true,
}

// RecordAction records a finished action workflow.
func (m *PrometheusMetrics) RecordAction(kind types.ActionKind, outcome types.Outcome) {
	if m == nil {
		return
	}
	m.ActionsTotal.WithLabelValues(string(kind), string(outcome)).Inc()
}

// RecordSubmission records the outcome kind of a submission.
func (m *PrometheusMetrics) RecordSubmission(kind types.TxOutcomeKind) {
	if m == nil {
		return
	}
	m.SubmissionsTotal.WithLabelValues(string(kind)).Inc()
}

// RecordNonceRetry records one rebroadcast after a nonce collision.
func (m *PrometheusMetrics) RecordNonceRetry() {
	if m == nil {
		return
	}
	m.NonceRetriesTotal.Inc()
}

// RecordVerdict records a receipt verdict and how long it took to reach.
func (m *PrometheusMetrics) RecordVerdict(v types.Verdict, waited time.Duration) {
	if m == nil {
		return
	}
	m.VerdictsTotal.WithLabelValues(string(v)).Inc()
	if v == types.VerdictConfirmed || v == types.VerdictReverted {
		m.ConfirmLatency.Observe(waited.Seconds())
	}
}

// ObserveRPC records RPC call latency. It satisfies rpc.Observer.
func (m *PrometheusMetrics) ObserveRPC(method string, latency time.Duration, err error) {
	if m == nil {
		return
	}
	bucketedMethod := method
	if !knownRPCMethods[method] {
		bucketedMethod = "other"
	}

	status := "success"
	if err != nil {
		status = "error"
	}
	m.RPCLatency.WithLabelValues(bucketedMethod, status).Observe(latency.Seconds())
}

// SetAccountsActive updates the active accounts gauge.
func (m *PrometheusMetrics) SetAccountsActive(n int64) {
	if m == nil {
		return
	}
	m.AccountsActive.Set(float64(n))
}

// SetRunStatus updates the run status gauges.
func (m *PrometheusMetrics) SetRunStatus(status types.RunStatus) {
	if m == nil {
		return
	}
	for _, s := range []types.RunStatus{
		types.RunStatusIdle, types.RunStatusRunning, types.RunStatusCompleted, types.RunStatusError,
	} {
		if s == status {
			m.RunStatus.WithLabelValues(string(s)).Set(1)
		} else {
			m.RunStatus.WithLabelValues(string(s)).Set(0)
		}
	}
}

// Reset clears counters between runs. Histograms are cumulative.
func (m *PrometheusMetrics) Reset() {
	if m == nil {
		return
	}
	m.ActionsTotal.Reset()
	m.SubmissionsTotal.Reset()
	m.VerdictsTotal.Reset()
	m.AccountsActive.Set(0)
	m.SetRunStatus(types.RunStatusIdle)
}
