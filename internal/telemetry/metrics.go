// Package telemetry provides observability primitives for a load run:
// Prometheus collectors, an HTTP server exposing them, and OpenTelemetry
// tracing setup.
package telemetry

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/eugener/balrog/internal/bench"
)

// Metrics holds the Prometheus collectors updated during a load run.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	CallsTotal      prometheus.Counter
	E2ELatency      prometheus.Histogram
	TTFTLatency     prometheus.Histogram
	InFlight        prometheus.Gauge
	TokensTotal     *prometheus.CounterVec
	ThrottledTotal  prometheus.Counter
	UtilizationLast prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "balrog",
			Name:      "requests_total",
			Help:      "Total logical requests by final HTTP status.",
		}, []string{"status"}),

		CallsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "balrog",
			Name:      "calls_total",
			Help:      "Total POST attempts including throttling retries.",
		}),

		E2ELatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:                       "balrog",
			Name:                            "e2e_latency_seconds",
			Help:                            "End-to-end request latency in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}),

		TTFTLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:                       "balrog",
			Name:                            "ttft_latency_seconds",
			Help:                            "Time-to-first-token latency in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}),

		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "balrog",
			Name:      "inflight_requests",
			Help:      "Number of currently in-flight requests.",
		}),

		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "balrog",
			Name:      "tokens_total",
			Help:      "Total tokens by direction.",
		}, []string{"type"}),

		ThrottledTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "balrog",
			Name:      "throttled_total",
			Help:      "Total requests that ended throttled (HTTP 429).",
		}),

		UtilizationLast: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "balrog",
			Name:      "deployment_utilization_percent",
			Help:      "Last server-reported deployment utilization percentage.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.CallsTotal,
		m.E2ELatency,
		m.TTFTLatency,
		m.InFlight,
		m.TokensTotal,
		m.ThrottledTotal,
		m.UtilizationLast,
	)
	return m
}

// ObserveRequest records one completed logical request.
func (m *Metrics) ObserveRequest(s *bench.RequestStats) {
	m.RequestsTotal.WithLabelValues(strconv.Itoa(s.StatusCode)).Inc()
	m.CallsTotal.Add(float64(s.Calls))
	if s.StatusCode == 429 {
		m.ThrottledTotal.Inc()
	}
	if s.Utilization != nil {
		m.UtilizationLast.Set(*s.Utilization)
	}
	if s.StatusCode != 200 {
		return
	}
	m.E2ELatency.Observe(s.ResponseEnd.Sub(s.RequestStart).Seconds())
	m.TTFTLatency.Observe(s.FirstTokenTime.Sub(s.RequestStart).Seconds())
	m.TokensTotal.WithLabelValues("context").Add(float64(s.ContextTokens))
	m.TokensTotal.WithLabelValues("gen").Add(float64(s.GeneratedTokens))
}
