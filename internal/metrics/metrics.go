// Package metrics provides Prometheus instrumentation for the session engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics namespace for all session engine metrics.
const metricsNamespace = "authsession"

// Metrics holds the engine collectors. A nil *Metrics records nothing.
type Metrics struct {
	// RefreshesTotal counts refresh network calls by result.
	RefreshesTotal *prometheus.CounterVec

	// RefreshDuration measures refresh network calls in seconds.
	RefreshDuration prometheus.Histogram

	// TransitionsTotal counts status transitions by resulting kind and detail.
	TransitionsTotal *prometheus.CounterVec

	// ExchangesTotal counts redirect completions by flow and result.
	ExchangesTotal *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		RefreshesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "refreshes_total",
				Help:      "Total token refresh network calls",
			},
			[]string{"result"},
		),
		RefreshDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "refresh_duration_seconds",
				Help:      "Duration of token refresh network calls in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
		),
		TransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "status_transitions_total",
				Help:      "Total authentication status transitions",
			},
			[]string{"kind", "detail"},
		),
		ExchangesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "redirect_completions_total",
				Help:      "Total redirect completions",
			},
			[]string{"flow", "result"},
		),
	}

	for _, c := range []prometheus.Collector{m.RefreshesTotal, m.RefreshDuration, m.TransitionsTotal, m.ExchangesTotal} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveRefresh records one refresh call; result is "success" or a failure cause.
func (m *Metrics) ObserveRefresh(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.RefreshesTotal.WithLabelValues(result).Inc()
	m.RefreshDuration.Observe(d.Seconds())
}

// ObserveTransition records a status transition.
func (m *Metrics) ObserveTransition(kind, detail string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(kind, detail).Inc()
}

// ObserveExchange records a redirect completion.
func (m *Metrics) ObserveExchange(flow, result string) {
	if m == nil {
		return
	}
	m.ExchangesTotal.WithLabelValues(flow, result).Inc()
}
