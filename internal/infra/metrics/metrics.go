// Package metrics exposes the gateway's Prometheus instruments.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	registry *prometheus.Registry

	accessDecisions  *prometheus.CounterVec
	chainAttempts    *prometheus.CounterVec
	chainLatency     prometheus.Histogram
	deliveries       *prometheus.CounterVec
	signingOutcomes  *prometheus.CounterVec
	integrityFailure prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	m := &Metrics{registry: reg}

	m.accessDecisions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imgate_access_decisions_total",
			Help: "access decisions by reconciler path",
		},
		[]string{"path", "granted"},
	)
	m.chainAttempts = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imgate_chain_receipt_attempts_total",
			Help: "receipt lookups against the chain RPC by outcome",
		},
		[]string{"outcome"},
	)
	m.chainLatency = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "imgate_chain_receipt_seconds",
			Help:    "latency of a single receipt lookup",
			Buckets: prometheus.DefBuckets,
		},
	)
	m.deliveries = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imgate_deliveries_total",
			Help: "completed deliveries by mode",
		},
		[]string{"mode"},
	)
	m.signingOutcomes = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imgate_signing_outcomes_total",
			Help: "provenance signing results",
		},
		[]string{"status"},
	)
	m.integrityFailure = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "imgate_integrity_failures_total",
			Help: "ciphertexts or blobs that failed authentication",
		},
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) AccessDecision(path string, granted bool) {
	if m == nil {
		return
	}
	g := "false"
	if granted {
		g = "true"
	}
	m.accessDecisions.WithLabelValues(path, g).Inc()
}

func (m *Metrics) ChainAttempt(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.chainAttempts.WithLabelValues(outcome).Inc()
	m.chainLatency.Observe(took.Seconds())
}

func (m *Metrics) Delivery(mode string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(mode).Inc()
}

func (m *Metrics) Signing(status string) {
	if m == nil {
		return
	}
	m.signingOutcomes.WithLabelValues(status).Inc()
}

func (m *Metrics) IntegrityFailure() {
	if m == nil {
		return
	}
	m.integrityFailure.Inc()
}
