// Package stats aggregates per-request statistics over a sliding time
// window and periodically emits rate and latency reports. Aggregate is safe
// to call from many producers; a single TickWorker emits and slides the
// window on a fixed cadence.
package stats

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/eugener/balrog/internal/bench"
)

// Aggregator collects request stats under one lock. All sample series are
// keyed by the producing request's start time, so window membership is
// defined by start time rather than completion time.
type Aggregator struct {
	mu     sync.Mutex
	out    io.Writer
	json   bool
	window time.Duration
	start  time.Time

	requestsCount      int
	totalRequestsCount int
	failedCount        int
	totalFailedCount   int
	throttledCount     int

	callTries           series
	requestTimestamps   series
	requestLatency      series
	responseLatencies   series
	firstTokenLatencies series
	tokenLatencies      series
	contextTokens       series
	generatedTokens     series
	utilizations        series
}

// New creates an Aggregator emitting to out. When jsonOutput is true each
// report is one compact JSON object per line, otherwise a fixed-width
// human-readable line.
func New(out io.Writer, window time.Duration, jsonOutput bool) *Aggregator {
	return &Aggregator{
		out:    out,
		json:   jsonOutput,
		window: window,
	}
}

// markStart stamps the beginning of the run for run_seconds reporting.
func (a *Aggregator) markStart(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.start.IsZero() {
		a.start = now
	}
}

// Aggregate records one request's statistics. It never panics out: failures
// here are logged and do not affect the run.
func (a *Aggregator) Aggregate(s *bench.RequestStats) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("stats aggregation failed", "panic", r)
		}
	}()

	a.mu.Lock()
	defer a.mu.Unlock()

	a.requestsCount++
	a.totalRequestsCount++
	a.callTries.append(s.RequestStart, float64(s.Calls))

	if s.StatusCode != http.StatusOK {
		a.failedCount++
		a.totalFailedCount++
		if s.StatusCode == http.StatusTooManyRequests {
			a.throttledCount++
		}
	} else {
		e2e := s.ResponseEnd.Sub(s.RequestStart).Seconds()
		if e2e > a.window.Seconds() {
			slog.Warn(fmt.Sprintf(
				"request completed in %v seconds, while aggregation-window is %v seconds, consider increasing aggregation-window to at least 2x your typical request latency",
				round(e2e, 2), round(a.window.Seconds(), 2)))
		}
		a.requestLatency.append(s.RequestStart, e2e)
		a.requestTimestamps.append(s.RequestStart, float64(s.RequestStart.UnixNano())/1e9)
		a.responseLatencies.append(s.RequestStart, s.ResponseTime.Sub(s.RequestStart).Seconds())
		a.firstTokenLatencies.append(s.RequestStart, s.FirstTokenTime.Sub(s.RequestStart).Seconds())
		a.tokenLatencies.append(s.RequestStart, s.ResponseEnd.Sub(s.FirstTokenTime).Seconds()/float64(s.GeneratedTokens))
		a.contextTokens.append(s.RequestStart, float64(s.ContextTokens))
		a.generatedTokens.append(s.RequestStart, float64(s.GeneratedTokens))
	}

	if s.Utilization != nil {
		a.utilizations.append(s.RequestStart, *s.Utilization)
	}
}

// Emit writes one report line for the current window. A value that cannot
// be computed from the samples at hand is emitted as "n/a".
func (a *Aggregator) Emit(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	r := a.report(now)
	if a.json {
		line, err := json.Marshal(r)
		if err != nil {
			slog.Error("stats emit failed", "error", err)
			return
		}
		fmt.Fprintf(a.out, "%s\n", line)
		return
	}
	fmt.Fprintf(a.out,
		"%s rpm: %-7v requests: %-5d failures: %-4d throttled: %-4d tpm: %-6v ttft_avg: %-6v ttft_95th: %-6v tbt_avg: %-6v tbt_95th: %-6v e2e_avg: %-6v e2e_95th: %-6v util_avg: %-6v util_95th: %-6v\n",
		r.Timestamp, r.RPM, r.Requests, r.Failures, r.Throttled, r.TPM.Total,
		r.TTFT.Avg, r.TTFT.P95, r.TBT.Avg, r.TBT.P95, r.E2E.Avg, r.E2E.P95,
		r.Util.Avg, r.Util.P95)
}

// Slide drops samples from the front of each series while their request
// start time is older than now - window. Trimming stops at the first sample
// inside the window, so an older sample appended after a newer one stays
// until the samples ahead of it age out. Series contents after sliding are
// the inputs to the next emit.
func (a *Aggregator) Slide(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := now.Add(-a.window)
	a.callTries.trimOlderThan(cutoff)
	a.requestTimestamps.trimOlderThan(cutoff)
	a.requestLatency.trimOlderThan(cutoff)
	a.responseLatencies.trimOlderThan(cutoff)
	a.firstTokenLatencies.trimOlderThan(cutoff)
	a.tokenLatencies.trimOlderThan(cutoff)
	a.contextTokens.trimOlderThan(cutoff)
	a.generatedTokens.trimOlderThan(cutoff)
	a.utilizations.trimOlderThan(cutoff)
}

// tickReport is the JSONL emit schema, one object per tick.
type tickReport struct {
	RunSeconds int64      `json:"run_seconds"`
	Timestamp  string     `json:"timestamp"`
	RPM        any        `json:"rpm"`
	Requests   int        `json:"requests"`
	Failures   int        `json:"failures"`
	Throttled  int        `json:"throttled"`
	TPM        tpmReport  `json:"tpm"`
	E2E        distReport `json:"e2e"`
	TTFT       distReport `json:"ttft"`
	TBT        distReport `json:"tbt"`
	Util       distReport `json:"util"`
}

type tpmReport struct {
	Context any     `json:"context"`
	Gen     any     `json:"gen"`
	Total   float64 `json:"total"`
}

type distReport struct {
	Avg any `json:"avg"`
	P95 any `json:"95th"`
}

// report computes the current window's aggregates. Caller holds the lock.
func (a *Aggregator) report(now time.Time) tickReport {
	start := a.start
	if start.IsZero() {
		start = now
	}
	windowSec := a.window.Seconds()

	var rpm any = "n/a"
	if a.requestTimestamps.len() > 0 {
		rpm = round(60.0*float64(a.requestTimestamps.len())/windowSec, 1)
	}

	tpm := tpmReport{Context: "n/a", Gen: "n/a"}
	if a.contextTokens.len() > 0 {
		v := round(60.0*a.contextTokens.sum()/windowSec, 0)
		tpm.Context = v
		tpm.Total += v
	}
	if a.generatedTokens.len() > 0 {
		v := round(60.0*a.generatedTokens.sum()/windowSec, 0)
		tpm.Gen = v
		tpm.Total += v
	}

	return tickReport{
		RunSeconds: int64(math.Round(now.Sub(start).Seconds())),
		Timestamp:  now.Format(time.DateTime),
		RPM:        rpm,
		Requests:   a.requestsCount,
		Failures:   a.failedCount,
		Throttled:  a.throttledCount,
		TPM:        tpm,
		E2E:        distOf(&a.requestLatency, 3, ""),
		TTFT:       distOf(&a.firstTokenLatencies, 3, ""),
		TBT:        distOf(&a.tokenLatencies, 3, ""),
		Util:       distOf(&a.utilizations, 1, "%"),
	}
}

// distOf computes the avg/95th pair for one series. The average needs at
// least one sample, the percentile at least two; "n/a" otherwise. A
// non-empty suffix renders the values as strings (utilization percentages).
func distOf(s *series, digits int, suffix string) distReport {
	d := distReport{Avg: "n/a", P95: "n/a"}
	if s.len() > 0 {
		d.Avg = withSuffix(round(stat.Mean(s.values(), nil), digits), suffix)
	}
	if s.len() > 1 {
		d.P95 = withSuffix(round(percentile(s.values(), 0.95), digits), suffix)
	}
	return d
}

func withSuffix(v float64, suffix string) any {
	if suffix == "" {
		return v
	}
	return fmt.Sprintf("%v%s", v, suffix)
}

// percentile computes the p-quantile with linear interpolation between
// sample points.
func percentile(values []float64, p float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return stat.Quantile(p, stat.LinInterp, sorted, nil)
}

func round(v float64, digits int) float64 {
	scale := math.Pow(10, float64(digits))
	return math.Round(v*scale) / scale
}
