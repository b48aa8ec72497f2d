// Package executor drives the request fan-out loop: a single dispatcher
// paced by a rate limiter and bounded by a concurrency ceiling, with
// signal-aware draining of in-flight work.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/eugener/balrog/internal/ratelimit"
)

// lagWarnDuration is the await-any wait beyond which the dispatcher warns
// that the client count cannot sustain the requested rate.
const lagWarnDuration = time.Second

// RequestFunc performs one logical request. It shares the process-wide HTTP
// client held by its closure.
type RequestFunc func(ctx context.Context)

// Executor runs RequestFunc invocations under rate and concurrency limits.
type Executor struct {
	fn             RequestFunc
	limiter        ratelimit.Limiter
	maxConcurrency int

	terminate atomic.Bool
}

// New creates an executor dispatching fn under limiter with at most
// maxConcurrency concurrent requests.
func New(fn RequestFunc, limiter ratelimit.Limiter, maxConcurrency int) *Executor {
	return &Executor{
		fn:             fn,
		limiter:        limiter,
		maxConcurrency: maxConcurrency,
	}
}

// Run dispatches until callCount dispatches have been made (0 = unlimited),
// duration has elapsed (0 = unlimited), or a termination signal arrives.
// Already-dispatched work is never cancelled: on exit all in-flight requests
// are awaited. Returns the number of dispatch decisions made.
func (e *Executor) Run(ctx context.Context, callCount int, duration time.Duration) (int, error) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	sigDone := make(chan struct{})
	defer close(sigDone)
	go func() {
		for {
			select {
			case <-sigCh:
				if e.terminate.CompareAndSwap(false, true) {
					slog.Warn("got terminate signal, draining. signal again to exit immediately.")
				} else {
					slog.Info("forcing program exit")
					os.Exit(0)
				}
			case <-sigDone:
				return
			}
		}
	}()

	_, unlimited := e.limiter.(ratelimit.NoLimiter)

	start := time.Now()
	callsMade := 0
	inflight := 0
	done := make(chan struct{}, e.maxConcurrency+8)

	for {
		if callCount > 0 && callsMade >= callCount {
			break
		}
		if duration > 0 && time.Since(start) >= duration {
			break
		}
		if e.terminate.Load() || ctx.Err() != nil {
			break
		}

		if err := e.limiter.Acquire(ctx); err != nil {
			break
		}

		// Reap finished tasks without blocking.
		for inflight > 0 {
			select {
			case <-done:
				inflight--
				continue
			default:
			}
			break
		}
		if inflight > e.maxConcurrency {
			waitStart := time.Now()
			<-done
			inflight--
			waited := time.Since(waitStart)
			if waited > lagWarnDuration && !unlimited {
				slog.Warn(fmt.Sprintf(
					"falling behind committed rate by %vs, consider increasing number of clients.",
					math.Round(waited.Seconds()*1000)/1000))
			}
		}

		go func() {
			e.fn(ctx)
			done <- struct{}{}
		}()
		inflight++
		callsMade++

		e.limiter.Release()
	}

	if inflight > 0 {
		slog.Info("waiting for requests to drain", "count", inflight)
		for inflight > 0 {
			<-done
			inflight--
		}
	}
	return callsMade, nil
}
