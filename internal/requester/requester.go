// Package requester issues single streaming chat-completion calls and
// collects per-token timing statistics. When retries are enabled for the
// run, throttling (429) responses are retried in-loop per the server's
// retry-after headers, and transport errors and final 429s are retried by
// a surrounding full-jitter exponential backoff; otherwise a single call
// is made.
package requester

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/dnscache"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/eugener/balrog/internal/bench"
)

// maxRetryDuration caps the wall-clock time spent retrying one logical
// request, across in-loop 429 sleeps and the outer backoff policy.
const maxRetryDuration = 60 * time.Second

// maxLineSize bounds a single streamed line (64KB, ample for SSE chunks).
const maxLineSize = 64 * 1024

// Client makes streaming chat-completion calls against one deployment URL.
type Client struct {
	apiKey   string
	url      string
	http     *http.Client
	backoff  bool
	retryCap time.Duration
	tracer   trace.Tracer
}

// New creates a Client for the full deployment URL. When backoff is true,
// transport errors and final 429s are retried with full-jitter exponential
// backoff up to the wall-clock cap. If resolver is non-nil, DNS lookups
// are cached across requests.
func New(apiKey, url string, backoff bool, resolver *dnscache.Resolver) *Client {
	return &Client{
		apiKey:   apiKey,
		url:      url,
		http:     &http.Client{Transport: NewTransport(resolver)},
		backoff:  backoff,
		retryCap: maxRetryDuration,
	}
}

// SetTracer enables a span per logical request.
func (c *Client) SetTracer(t trace.Tracer) { c.tracer = t }

// Call makes one logical request with body, forcing streaming mode, and
// returns the collected statistics. It never returns an error: a terminal
// failure is recorded in RequestStats.LastErr alongside the last observed
// HTTP status.
func (c *Client) Call(ctx context.Context, body *bench.RequestBody) *bench.RequestStats {
	stats := &bench.RequestStats{}

	// Operate only in streaming mode so token stats can be collected.
	body.Stream = true
	payload, err := json.Marshal(body)
	if err != nil {
		stats.LastErr = fmt.Errorf("requester: marshal body: %w", err)
		return stats
	}

	if c.tracer != nil {
		var span trace.Span
		ctx, span = c.tracer.Start(ctx, "chat_completion")
		defer func() {
			span.SetAttributes(
				attribute.Int("http.status_code", stats.StatusCode),
				attribute.Int("calls", stats.Calls),
				attribute.Int("generated_tokens", stats.GeneratedTokens),
			)
			span.End()
		}()
	}

	stats.RequestStart = time.Now()
	if c.backoff {
		b := retry.WithMaxDuration(c.retryCap, retry.WithJitterPercent(100, retry.NewExponential(time.Second)))
		err = retry.Do(ctx, b, func(ctx context.Context) error {
			return c.do(ctx, payload, stats)
		})
	} else {
		err = c.do(ctx, payload, stats)
	}
	if err != nil {
		stats.LastErr = err
	}
	return stats
}

// do runs the POST / 429-retry loop for one backoff attempt and consumes
// the stream on success.
func (c *Client) do(ctx context.Context, payload []byte, stats *bench.RequestStats) error {
	var resp *http.Response
	for {
		stats.Calls++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("requester: create request: %w", err)
		}
		c.setHeaders(req)

		resp, err = c.http.Do(req)
		if err != nil {
			err = fmt.Errorf("requester: do request: %w", err)
			if c.backoff {
				return retry.RetryableError(err)
			}
			return err
		}
		stats.StatusCode = resp.StatusCode
		readUtilization(resp.Header, stats)

		if resp.StatusCode != http.StatusTooManyRequests {
			break
		}
		delay, ok := retryAfterDelay(resp.Header)
		if !ok || !c.backoff {
			break
		}
		drainClose(resp.Body)
		resp = nil
		if err := sleepCtx(ctx, delay); err != nil {
			return err
		}
		// A retry-after that crosses the cap is honored once; the wall
		// clock is then re-checked before the next attempt.
		if time.Since(stats.RequestStart) >= c.retryCap {
			break
		}
	}

	status := stats.StatusCode
	if status != http.StatusOK && status != http.StatusTooManyRequests && resp != nil {
		slog.Warn("call failed",
			bench.RequestIDHeader, resp.Header.Get(bench.RequestIDHeader),
			"status", status,
		)
	}

	if status == http.StatusOK {
		if err := c.consume(resp, stats); err != nil {
			if c.backoff {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	}

	if resp != nil {
		drainClose(resp.Body)
	}
	if status >= 400 {
		err := &apiError{StatusCode: status}
		if c.backoff {
			if status == http.StatusTooManyRequests {
				return retry.RetryableError(err)
			}
			return err
		}
		if status != http.StatusTooManyRequests {
			return err
		}
		// 429 without retries enabled: the status stands on its own.
	}
	return nil
}

// consume reads the response stream, counting each "data:" line as one
// generated token.
func (c *Client) consume(resp *http.Response, stats *bench.RequestStats) error {
	defer resp.Body.Close()

	stats.ResponseTime = time.Now()
	stats.FirstTokenTime = time.Time{}
	stats.GeneratedTokens = 0

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 4096), maxLineSize)
	for scanner.Scan() {
		if !bytes.HasPrefix(scanner.Bytes(), []byte("data:")) {
			continue
		}
		if stats.GeneratedTokens == 0 {
			stats.FirstTokenTime = time.Now()
		}
		stats.GeneratedTokens++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("requester: read stream: %w", err)
	}
	stats.ResponseEnd = time.Now()
	return nil
}

// setHeaders applies auth, content-type and telemetry headers.
func (c *Client) setHeaders(r *http.Request) {
	r.Header.Set("api-key", c.apiKey)
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set(bench.TelemetryUserAgentHeader, bench.UserAgent)
}

// readUtilization parses the deployment utilization header into stats.
// Malformed values are logged and skipped.
func readUtilization(h http.Header, stats *bench.RequestStats) {
	vals, ok := h[http.CanonicalHeaderKey(bench.UtilizationHeader)]
	if !ok {
		return
	}
	util := vals[0]
	switch {
	case util == "":
		slog.Warn("got empty utilization header", "header", bench.UtilizationHeader)
	case !strings.HasSuffix(util, "%"):
		slog.Warn("invalid utilization header value", "header", bench.UtilizationHeader, "value", util)
	default:
		v, err := strconv.ParseFloat(util[:len(util)-1], 64)
		if err != nil {
			slog.Warn("unable to parse utilization header value",
				"header", bench.UtilizationHeader, "value", util, "error", err)
			return
		}
		stats.Utilization = &v
	}
}

// retryAfterDelay extracts the throttling delay from the response headers,
// preferring retry-after-ms over retry-after.
func retryAfterDelay(h http.Header) (time.Duration, bool) {
	if ms := h.Get(bench.RetryAfterMSHeader); ms != "" {
		v, err := strconv.ParseFloat(ms, 64)
		if err != nil {
			slog.Warn("unable to parse retry-after header value",
				"header", bench.RetryAfterMSHeader, "value", ms, "error", err)
			return 0, false
		}
		return time.Duration(v * float64(time.Millisecond)), true
	}
	if s := h.Get(bench.RetryAfterHeader); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			slog.Warn("unable to parse retry-after header value",
				"header", bench.RetryAfterHeader, "value", s, "error", err)
			return 0, false
		}
		return time.Duration(v * float64(time.Second)), true
	}
	return 0, false
}

// sleepCtx sleeps for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drainClose discards any unread body so the connection can be reused.
func drainClose(body io.ReadCloser) {
	io.Copy(io.Discard, io.LimitReader(body, 4096))
	body.Close()
}

// apiError is a non-200 HTTP response surfaced as an error.
type apiError struct {
	StatusCode int
}

func (e *apiError) Error() string {
	return fmt.Sprintf("requester: HTTP %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// HTTPStatus returns the HTTP status code for retry decisions.
func (e *apiError) HTTPStatus() int { return e.StatusCode }
