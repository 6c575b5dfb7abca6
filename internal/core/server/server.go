package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/editsync/internal/core/health"
	middleware "github.com/mohammed-shakir/editsync/internal/core/middleware"
	"github.com/mohammed-shakir/editsync/internal/core/router"
)

type Deps struct {
	API       *router.API
	Metrics   http.Handler
	Readiness health.ReadinessReporter
	Store     health.Pinger
}

// Handler builds the routed handler of the session API.
func Handler(logger *slog.Logger, d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logging(logger))
	r.Use(middleware.CORS())

	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(d.Readiness, d.Store))
	if d.Metrics != nil {
		r.Get("/metrics", d.Metrics.ServeHTTP)
	}
	if d.API != nil {
		d.API.Mount(r)
	}
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func Run(ctx context.Context, addr string, logger *slog.Logger, d Deps) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(logger, d),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listen", "addr", addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
