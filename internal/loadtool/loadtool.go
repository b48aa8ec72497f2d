// Package loadtool wires the load run: configuration is validated, a
// message generator, rate limiter, requester and aggregator are
// constructed, and the executor drives them until the run ends.
package loadtool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	"github.com/eugener/balrog/internal/bench"
	"github.com/eugener/balrog/internal/config"
	"github.com/eugener/balrog/internal/executor"
	"github.com/eugener/balrog/internal/prompt"
	"github.com/eugener/balrog/internal/ratelimit"
	"github.com/eugener/balrog/internal/requester"
	"github.com/eugener/balrog/internal/stats"
	"github.com/eugener/balrog/internal/telemetry"
	"github.com/eugener/balrog/internal/tokencount"
	"github.com/eugener/balrog/internal/worker"
)

// dumpInterval is the cadence of periodic stat emits.
var dumpInterval = time.Second

// runArgs is the startup context line written before the first stat emit,
// letting log analysis reconstruct the run.
type runArgs struct {
	RunID     string         `json:"run_id"`
	Timestamp string         `json:"timestamp"`
	Args      *config.Config `json:"args"`
}

// Run executes one load run with the validated configuration, emitting
// stats to out.
func Run(ctx context.Context, cfg *config.Config, out io.Writer) error {
	return run(ctx, cfg, out, tokencount.New())
}

func run(ctx context.Context, cfg *config.Config, out io.Writer, counter tokencount.Counter) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg.ResolveShapeProfile()
	slog.Info("using shape profile",
		"shape", cfg.ShapeProfile,
		"context_tokens", cfg.ContextTokens,
		"max_tokens", cfg.MaxTokens,
	)

	runID := uuid.Must(uuid.NewV7()).String()
	line, err := json.Marshal(runArgs{
		RunID:     runID,
		Timestamp: time.Now().Format(time.DateTime),
		Args:      cfg,
	})
	if err != nil {
		return fmt.Errorf("loadtool: marshal run args: %w", err)
	}
	fmt.Fprintf(out, "%s\n", line)

	// Message generator.
	var gen prompt.Generator
	switch cfg.ContextGenerationMethod {
	case "replay":
		gen, err = prompt.NewReplay(counter, cfg.Model, cfg.ReplayPath, cfg.PreventServerCaching)
	default:
		gen, err = prompt.NewRandom(counter, cfg.Model, cfg.ContextTokens, cfg.MaxTokens, cfg.PreventServerCaching)
	}
	if err != nil {
		return err
	}

	// Rate limiter.
	var limiter ratelimit.Limiter = ratelimit.NoLimiter{}
	if cfg.Rate > 0 {
		calls := int(cfg.Rate)
		if calls < 1 {
			calls = 1
		}
		limiter = ratelimit.NewSlidingWindow(calls, time.Minute)
	}

	// Requester with a shared HTTP client and cached DNS.
	resolver := &dnscache.Resolver{}
	client := requester.New(cfg.APIKey, cfg.URL(), cfg.Retry == "exponential", resolver)

	// Optional OTLP tracing.
	if cfg.OTLPEndpoint != "" {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.OTLPEndpoint, cfg.TraceSampleRate)
		if err != nil {
			slog.Warn("tracing setup failed, continuing without tracing", "error", err)
		} else {
			client.SetTracer(telemetry.Tracer("balrog/requester"))
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(shutdownCtx); err != nil {
					slog.Error("tracing shutdown error", "error", err)
				}
			}()
			slog.Info("opentelemetry tracing enabled",
				"endpoint", cfg.OTLPEndpoint,
				"sample_rate", cfg.TraceSampleRate,
			)
		}
	}

	// Aggregator and workers.
	agg := stats.New(out, time.Duration(cfg.AggregationWindow)*time.Second, cfg.OutputFormat == "jsonl")
	workers := []worker.Worker{stats.NewTickWorker(agg, dumpInterval)}

	// Optional Prometheus metrics endpoint.
	var metrics *telemetry.Metrics
	if cfg.TelemetryAddr != "" {
		promRegistry := prometheus.NewRegistry()
		promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		promRegistry.MustRegister(collectors.NewGoCollector())
		metrics = telemetry.NewMetrics(promRegistry)
		handler := promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})
		workers = append(workers, telemetry.NewServer(cfg.TelemetryAddr, handler))
		slog.Info("telemetry server enabled", "addr", cfg.TelemetryAddr)
	}

	fn := func(ctx context.Context) {
		if metrics != nil {
			metrics.InFlight.Inc()
			defer metrics.InFlight.Dec()
		}
		messages, contextTokens, err := gen.Generate()
		if err != nil {
			slog.Warn("message generation failed", "error", err)
			return
		}
		s := client.Call(ctx, buildBody(cfg, messages))
		s.ContextTokens = contextTokens
		agg.Aggregate(s)
		if metrics != nil {
			metrics.ObserveRequest(s)
		}
	}

	exec := executor.New(fn, limiter, cfg.Clients)

	workerCtx, workerCancel := context.WithCancel(ctx)
	defer workerCancel()
	runner := worker.NewRunner(workers...)
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- runner.Run(workerCtx)
	}()

	slog.Info("starting load", "run_id", runID, "url", cfg.URL(), "clients", cfg.Clients)
	dispatched, err := exec.Run(ctx, cfg.Requests, time.Duration(cfg.Duration)*time.Second)
	if err != nil {
		workerCancel()
		<-workerDone
		return err
	}

	// Stop the periodic emitter, then report the final window so the last
	// requests are never lost between ticks.
	workerCancel()
	if err := <-workerDone; err != nil {
		slog.Error("worker shutdown error", "error", err)
	}
	agg.Emit(time.Now())

	slog.Info("finished load test", "dispatched", dispatched)
	return nil
}

// buildBody assembles the request payload for one dispatch.
func buildBody(cfg *config.Config, messages []bench.Message) *bench.RequestBody {
	body := &bench.RequestBody{Messages: messages}
	if cfg.MaxTokens > 0 {
		mt := cfg.MaxTokens
		body.MaxTokens = &mt
	}
	if cfg.Completions > 0 {
		n := cfg.Completions
		body.N = &n
	}
	body.FrequencyPenalty = cfg.FrequencyPenalty
	body.PresencePenalty = cfg.PresencePenalty
	body.Temperature = cfg.Temperature
	body.TopP = cfg.TopP
	return body
}
