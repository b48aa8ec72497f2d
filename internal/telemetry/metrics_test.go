package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/eugener/balrog/internal/bench"
)

func TestObserveRequest_Success(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	start := time.Now()
	m.ObserveRequest(&bench.RequestStats{
		RequestStart:    start,
		Calls:           2,
		StatusCode:      200,
		ResponseTime:    start.Add(50 * time.Millisecond),
		FirstTokenTime:  start.Add(100 * time.Millisecond),
		ResponseEnd:     start.Add(300 * time.Millisecond),
		GeneratedTokens: 40,
		ContextTokens:   500,
	})

	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("200")); got != 1 {
		t.Errorf("requests_total{status=200} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.CallsTotal); got != 2 {
		t.Errorf("calls_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.TokensTotal.WithLabelValues("context")); got != 500 {
		t.Errorf("tokens_total{type=context} = %v, want 500", got)
	}
	if got := testutil.ToFloat64(m.TokensTotal.WithLabelValues("gen")); got != 40 {
		t.Errorf("tokens_total{type=gen} = %v, want 40", got)
	}
}

func TestObserveRequest_Throttled(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	util := 99.5
	m.ObserveRequest(&bench.RequestStats{
		RequestStart: time.Now(),
		Calls:        5,
		StatusCode:   429,
		Utilization:  &util,
	})

	if got := testutil.ToFloat64(m.ThrottledTotal); got != 1 {
		t.Errorf("throttled_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.UtilizationLast); got != 99.5 {
		t.Errorf("deployment_utilization_percent = %v, want 99.5", got)
	}
	// Failures contribute no token or latency observations.
	if got := testutil.ToFloat64(m.TokensTotal.WithLabelValues("gen")); got != 0 {
		t.Errorf("tokens_total{type=gen} = %v, want 0", got)
	}
}
