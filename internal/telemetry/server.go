package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// Server exposes /metrics and /healthz while a run is active. It implements
// worker.Worker.
type Server struct {
	addr    string
	metrics http.Handler
}

// NewServer creates a telemetry server listening on addr with the given
// metrics handler.
func NewServer(addr string, metricsHandler http.Handler) *Server {
	return &Server{addr: addr, metrics: metricsHandler}
}

// Name returns the worker identifier.
func (s *Server) Name() string { return "telemetry_server" }

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	r := chi.NewRouter()
	r.Handle("/metrics", s.metrics)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
