// Package main runs the key router: JSON-lines jobs on stdin, results on
// stdout, ops endpoints on METRICS_ADDR.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fairyhunter13/llm-keyrouter/internal/adapter/observability"
	"github.com/fairyhunter13/llm-keyrouter/internal/app"
	"github.com/fairyhunter13/llm-keyrouter/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, nil)
	if err != nil {
		slog.Error("startup failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := a.Close(); err != nil {
			slog.Error("close failed", slog.Any("error", err))
		}
	}()

	srv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           a.Router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("ops server listening", slog.String("addr", cfg.MetricsAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("ops server error", slog.Any("error", err))
		}
	}()
	go a.Monitor.Run(ctx)

	slog.Info("reading jobs from stdin", slog.Int("workers", cfg.JobWorkers))
	if err := app.ProcessJobs(ctx, a.Service, os.Stdin, os.Stdout, cfg.JobWorkers); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("job stream failed", slog.Any("error", err))
	}

	// calls abandoned by cancelled jobs still settle their bookkeeping
	a.Service.Drain()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("ops server shutdown", slog.Any("error", err))
	}
	slog.Info("key router stopped")
}
