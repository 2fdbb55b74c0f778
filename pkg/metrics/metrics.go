// Package metrics records submission outcomes of the bridge transaction engine.
package metrics

import (
	"math/big"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const Namespace = "bridge_txengine"

// Metricer is implemented by every metrics sink the engine can report to.
type Metricer interface {
	RecordStateTransition(chain string, state string)
	RecordSubmission(chain string, backend string, outcome string, duration time.Duration)
	RecordGasPrice(chain string, price *big.Int)
	RecordReceiptPolls(chain string, polls int)
	RecordChainQueryRetry(chain string, query string)
}

// PrometheusMetrics is a Metricer backed by prometheus collectors.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	stateTransitions   *prometheus.CounterVec
	submissions        *prometheus.CounterVec
	submissionDuration *prometheus.HistogramVec
	gasPrice           *prometheus.GaugeVec
	receiptPolls       *prometheus.HistogramVec
	queryRetries       *prometheus.CounterVec
}

// NewPrometheusMetrics creates the collectors and registers them with a fresh registry.
func NewPrometheusMetrics() *PrometheusMetrics {
	m := &PrometheusMetrics{
		registry: prometheus.NewRegistry(),
		stateTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "state_transitions_total",
				Help:      "Submission pipeline states entered.",
			},
			[]string{"chain", "state"},
		),
		submissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "submissions_total",
				Help:      "Finished submissions by backend and outcome.",
			},
			[]string{"chain", "backend", "outcome"},
		),
		submissionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "submission_duration_seconds",
				Help:      "Time from building a transaction to its confirmation or failure.",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"chain", "backend"},
		),
		gasPrice: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "gas_price_gwei",
				Help:      "Gas price of the last signed transaction.",
			},
			[]string{"chain"},
		),
		receiptPolls: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "receipt_polls",
				Help:      "Receipt polls needed before a receipt appeared.",
				Buckets:   []float64{1, 2, 5, 10, 25, 50, 100},
			},
			[]string{"chain"},
		),
		queryRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "chain_query_retries_total",
				Help:      "Chain reads that failed and were retried or exhausted.",
			},
			[]string{"chain", "query"},
		),
	}
	m.registry.MustRegister(
		m.stateTransitions,
		m.submissions,
		m.submissionDuration,
		m.gasPrice,
		m.receiptPolls,
		m.queryRetries,
	)
	return m
}

// Registry returns the registry to expose over HTTP.
func (m *PrometheusMetrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *PrometheusMetrics) RecordStateTransition(chain string, state string) {
	m.stateTransitions.WithLabelValues(chain, state).Inc()
}

func (m *PrometheusMetrics) RecordSubmission(chain string, backend string, outcome string, duration time.Duration) {
	m.submissions.WithLabelValues(chain, backend, outcome).Inc()
	m.submissionDuration.WithLabelValues(chain, backend).Observe(duration.Seconds())
}

func (m *PrometheusMetrics) RecordGasPrice(chain string, price *big.Int) {
	if price == nil {
		return
	}
	gwei, _ := new(big.Float).Quo(new(big.Float).SetInt(price), big.NewFloat(1e9)).Float64()
	m.gasPrice.WithLabelValues(chain).Set(gwei)
}

func (m *PrometheusMetrics) RecordReceiptPolls(chain string, polls int) {
	m.receiptPolls.WithLabelValues(chain).Observe(float64(polls))
}

func (m *PrometheusMetrics) RecordChainQueryRetry(chain string, query string) {
	m.queryRetries.WithLabelValues(chain, query).Inc()
}

// NoopMetrics discards everything.
type NoopMetrics struct{}

func (*NoopMetrics) RecordStateTransition(string, string)                   {}
func (*NoopMetrics) RecordSubmission(string, string, string, time.Duration) {}
func (*NoopMetrics) RecordGasPrice(string, *big.Int)                        {}
func (*NoopMetrics) RecordReceiptPolls(string, int)                         {}
func (*NoopMetrics) RecordChainQueryRetry(string, string)                   {}

var NoopMetricer Metricer = new(NoopMetrics)
