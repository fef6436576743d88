// Package main implements the txqueue worker process.
// The worker drains the transaction manager's priority lists on a fixed
// interval, dispatches each transaction to the handler registered for its
// type, and exposes Prometheus metrics.
//
// Features:
//   - Priority-ordered processing with graceful shutdown
//   - Prometheus metrics exposed on /metrics
//   - Retry with exponential backoff and a dead-letter list
//   - Per-type rate limiting backed by Redis
//   - Cron-driven cleanup of completed transactions
//
// Usage:
//
//	go run ./cmd/worker --redis-addr localhost:6379 --rate-limit email=10:20
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/guido-cesarano/txqueue/pkg/config"
	"github.com/guido-cesarano/txqueue/pkg/item"
	"github.com/guido-cesarano/txqueue/pkg/logger"
	"github.com/guido-cesarano/txqueue/pkg/metrics"
	"github.com/guido-cesarano/txqueue/pkg/ratelimit"
	"github.com/guido-cesarano/txqueue/pkg/store"
	"github.com/guido-cesarano/txqueue/pkg/transactions"
)

const metricsInterval = 5 * time.Second

// main initializes the worker, starts the metrics server, and begins processing.
// It supports graceful shutdown via SIGINT/SIGTERM signals.
func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Invalid configuration")
	}
	cfg.AddFlags(pflag.CommandLine)
	pflag.Parse()
	if err := cfg.Validate(); err != nil {
		logger.Log.Fatal().Err(err).Msg("Invalid configuration")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rs, err := store.NewRedis(ctx, cfg.Redis())
	if err != nil {
		logger.Log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("Failed to connect to Redis")
	}
	defer rs.Close()

	opts := cfg.Transactions()
	reg := newRegistry()
	opts.Handler = reg
	opts.Limiter = ratelimit.NewRedis(rs.Client(), nil)
	m := transactions.New(rs, opts)

	// Start Prometheus metrics server
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Log.Info().Str("addr", cfg.MetricsAddr).Msg("Metrics server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	if cfg.CleanupSchedule != "" {
		if _, err := m.ScheduleCleanup(cfg.CleanupSchedule); err != nil {
			logger.Log.Fatal().Err(err).Str("spec", cfg.CleanupSchedule).Msg("Invalid cleanup schedule")
		}
	}
	m.StartScheduler()

	go collectQueueMetrics(ctx, m, cfg.Namespace)

	m.StartAutoProcessing(cfg.PollInterval)
	logger.Log.Info().Strs("types", reg.Types()).Msg("Worker started. Waiting for transactions...")

	<-ctx.Done()
	logger.Log.Info().Msg("Shutting down worker...")
	m.Shutdown()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	_ = srv.Shutdown(shutdownCtx)
}

// collectQueueMetrics periodically reads list lengths and updates the depth gauges.
func collectQueueMetrics(ctx context.Context, m *transactions.Manager, queueName string) {
	wait.UntilWithContext(ctx, func(ctx context.Context) {
		snap, err := m.GetMetrics(ctx)
		if err != nil {
			logger.Log.Warn().Err(err).Msg("Failed to collect queue metrics")
			return
		}
		recordDepths(queueName, snap)
	}, metricsInterval)
}

func recordDepths(queueName string, snap *transactions.Metrics) {
	for _, p := range item.Priorities {
		metrics.QueueDepth.WithLabelValues(queueName, string(p)).Set(float64(snap.Queued[p]))
	}
	metrics.QueueDepth.WithLabelValues(queueName, "dead_letter").Set(float64(snap.DeadLetter))
}
