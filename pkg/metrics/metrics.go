// Package metrics exposes the downloader's Prometheus metrics over HTTP.
// All metrics are defined in their respective packages (stats, task,
// concurrency, scheduler, sink) and registered via promauto.
//
// This package provides the HTTP surface and a reference for all metrics.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Gatherer is what /metrics exposes. The packages register their metrics
// with promauto, which uses the default registry.
var Gatherer prometheus.Gatherer = prometheus.DefaultGatherer

// Metrics Documentation
//
// Task Metrics (pkg/stats, pkg/task):
//   - clipfetch_task_outcomes_total{result, kind} (Counter): Task outcomes by result and failure kind
//   - clipfetch_sessions_created_total (Counter): Proxy sessions created
//   - clipfetch_request_duration_seconds{stage} (Histogram): Page and media request duration
//   - clipfetch_downloaded_bytes_total (Counter): Media bytes written to disk
//
// Concurrency Metrics (pkg/concurrency):
//   - clipfetch_concurrency_current (Gauge): Pool size the next batch will use
//   - clipfetch_concurrency_adjustments_total{direction} (Counter): Level changes by direction
//
// Batch Metrics (pkg/scheduler):
//   - clipfetch_batches_total (Counter): Batches processed
//   - clipfetch_batch_pause_seconds{tier} (Histogram): Inter-batch pauses by tier
//
// Sink Metrics (pkg/sink):
//   - clipfetch_sink_publish_total{status} (Counter): Stats snapshots published to Redis
//
// Example Prometheus Queries:
//
//   # Success Rate
//   sum(rate(clipfetch_task_outcomes_total{result="success"}[5m])) /
//   sum(rate(clipfetch_task_outcomes_total[5m]))
//
//   # Failures by Kind
//   sum by (kind) (rate(clipfetch_task_outcomes_total{result="failure"}[5m]))
//
//   # P95 Media Download Latency
//   histogram_quantile(0.95, rate(clipfetch_request_duration_seconds_bucket{stage="media"}[5m]))

// Handler returns a mux serving /metrics and /health.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", healthHandler)
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// Serve runs the metrics server on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("Starting metrics server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown metrics server: %w", err)
		}
		return nil
	}
}
