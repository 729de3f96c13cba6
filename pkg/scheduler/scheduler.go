// Package scheduler runs a URL list through the download pipeline in
// fixed-size batches.
//
// Each batch gets a worker pool sized to the controller's level at the start
// of that batch; the size is fixed for the batch's lifetime, so scaling
// decisions take effect at the next batch boundary. Batches run strictly one
// after another. Outcomes are collected in completion order, each completion
// is followed by a short randomized pacing delay, and each batch is followed
// by a pause whose length depends on how well the batch went.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/clipfetch/pkg/concurrency"
	"github.com/Sternrassler/clipfetch/pkg/stats"
	"github.com/Sternrassler/clipfetch/pkg/task"
)

// Prometheus metrics for batch scheduling.
var (
	batchPauseSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "clipfetch_batch_pause_seconds",
		Help:    "Inter-batch pause duration by tier",
		Buckets: []float64{5, 10, 15, 20, 25, 30},
	}, []string{"tier"})

	batchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipfetch_batches_total",
		Help: "Total number of batches processed",
	})
)

// Config holds scheduler settings.
type Config struct {
	// BatchSize is the number of URLs per batch.
	BatchSize int

	// TaskTimeout plus WaitGrace bounds how long the scheduler waits for
	// one task before recording it as failed.
	TaskTimeout time.Duration
	WaitGrace   time.Duration

	// ProgressEvery emits a progress summary every N completions.
	ProgressEvery int

	// PacingMin and PacingMax bound the delay after each completion.
	PacingMin time.Duration
	PacingMax time.Duration
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     30,
		TaskTimeout:   45 * time.Second,
		WaitGrace:     30 * time.Second,
		ProgressEvery: 5,
		PacingMin:     500 * time.Millisecond,
		PacingMax:     2 * time.Second,
	}
}

// TaskRunner executes one task and records its outcome.
type TaskRunner interface {
	Run(ctx context.Context, t task.Task, wait time.Duration) task.Outcome
}

// Controller supplies the pool size and consumes outcomes.
type Controller interface {
	Current() int
	Observe(success bool) concurrency.Decision
}

// Sink receives live stats snapshots with each progress summary.
type Sink interface {
	Publish(ctx context.Context, s stats.Stats) error
}

// Report is the result of a run.
type Report struct {
	Results  []task.Outcome
	Stats    stats.Stats
	Duration time.Duration
}

// Scheduler drives batches.
type Scheduler struct {
	cfg    Config
	runner TaskRunner
	ctrl   Controller
	agg    *stats.Aggregator
	sink   Sink
	clock  Clock
	rnd    Rand
	logger zerolog.Logger

	start time.Time
}

// New creates a scheduler.
func New(cfg Config, runner TaskRunner, ctrl Controller, agg *stats.Aggregator, logger zerolog.Logger) *Scheduler {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = def.TaskTimeout
	}
	if cfg.WaitGrace < 0 {
		cfg.WaitGrace = def.WaitGrace
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = def.ProgressEvery
	}

	return &Scheduler{
		cfg:    cfg,
		runner: runner,
		ctrl:   ctrl,
		agg:    agg,
		clock:  wallClock{},
		rnd:    globalRand{},
		logger: logger,
	}
}

// SetClock replaces the time source (for testing).
func (s *Scheduler) SetClock(c Clock) {
	s.clock = c
}

// SetRand replaces the random source (for testing).
func (s *Scheduler) SetRand(r Rand) {
	s.rnd = r
}

// SetSink attaches a stats sink.
func (s *Scheduler) SetSink(sink Sink) {
	s.sink = sink
}

// RunAll processes every URL. It returns early only when ctx is cancelled,
// in which case the report covers the work finished so far.
func (s *Scheduler) RunAll(ctx context.Context, urls []string) (*Report, error) {
	s.start = s.clock.Now()
	s.agg.SetTotal(len(urls))

	size := s.cfg.BatchSize
	totalBatches := (len(urls) + size - 1) / size

	s.logger.Info().
		Int("urls", len(urls)).
		Int("batches", totalBatches).
		Int("concurrency", s.ctrl.Current()).
		Msg("Starting run: one session per item")

	results := make([]task.Outcome, 0, len(urls))
	report := func() *Report {
		return &Report{
			Results:  results,
			Stats:    s.agg.Snapshot(),
			Duration: s.clock.Now().Sub(s.start),
		}
	}

	for offset := 0; offset < len(urls); offset += size {
		batch := urls[offset:min(offset+size, len(urls))]
		num := offset/size + 1

		batchStart := s.clock.Now()
		batchResults, err := s.runBatch(ctx, batch, num, offset)
		results = append(results, batchResults...)
		batchesTotal.Inc()
		if err != nil {
			return report(), err
		}
		elapsed := s.clock.Now().Sub(batchStart)

		successes := 0
		for _, r := range batchResults {
			if r.Success {
				successes++
			}
		}
		rate := float64(successes) / float64(len(batch))

		snap := s.agg.Snapshot()
		s.logger.Info().
			Int("batch", num).
			Int("batches", totalBatches).
			Int("successful", successes).
			Int("batch_size", len(batch)).
			Float64("batch_success_pct", rate*100).
			Float64("rate_per_min", perMinute(len(batch), elapsed)).
			Dur("duration", elapsed).
			Msg(fmt.Sprintf("Batch %d/%d completed", num, totalBatches))
		s.logger.Info().
			Int("successful", snap.Successful).
			Int("processed", snap.Processed).
			Float64("success_pct", snap.SuccessPercent()).
			Int("sessions_created", snap.SessionsCreated).
			Msg("Overall progress")

		if offset+size >= len(urls) {
			break
		}

		pause, tier := PauseFor(rate, s.rnd)
		batchPauseSeconds.WithLabelValues(string(tier)).Observe(pause.Seconds())
		event := s.logger.Debug()
		if tier == TierDegraded {
			event = s.logger.Info()
		}
		event.Str("tier", string(tier)).Dur("pause", pause).Msg("Pausing before next batch")

		if err := s.clock.Sleep(ctx, pause); err != nil {
			return report(), err
		}
	}

	return report(), nil
}

// runBatch processes one batch with a pool sized to the current level.
// It always drains the pool before returning.
func (s *Scheduler) runBatch(ctx context.Context, batch []string, num, offset int) ([]task.Outcome, error) {
	workers := s.ctrl.Current()
	wait := s.cfg.TaskTimeout + s.cfg.WaitGrace

	s.logger.Info().
		Int("batch", num).
		Int("urls", len(batch)).
		Int("concurrency", workers).
		Msg("Batch starting")

	outcomes := make(chan task.Outcome, len(batch))

	var pool errgroup.Group
	pool.SetLimit(workers)
	go func() {
		for i, u := range batch {
			// Tasks not yet started are skipped once the run is cancelled.
			if ctx.Err() != nil {
				break
			}
			t := task.Task{URL: u, Index: offset + i}
			pool.Go(func() error {
				// Go may have blocked on a full pool past the cancellation.
				if ctx.Err() != nil {
					return nil
				}
				outcomes <- s.runner.Run(ctx, t, wait)
				return nil
			})
		}
		pool.Wait()
		close(outcomes)
	}()

	results := make([]task.Outcome, 0, len(batch))
	var cancelled error
	for out := range outcomes {
		results = append(results, out)
		s.ctrl.Observe(out.Success)

		completed := len(results)
		if completed%s.cfg.ProgressEvery == 0 || completed == len(batch) {
			s.logProgress(ctx, num, completed, len(batch), workers)
		}

		if cancelled == nil {
			cancelled = s.clock.Sleep(ctx, uniform(s.rnd, s.cfg.PacingMin, s.cfg.PacingMax))
		}
	}

	return results, cancelled
}

func (s *Scheduler) logProgress(ctx context.Context, batch, completed, batchLen, workers int) {
	snap := s.agg.Snapshot()
	elapsed := s.clock.Now().Sub(s.start)

	s.logger.Info().
		Int("processed", snap.Processed).
		Int("total", snap.Total).
		Int("successful", snap.Successful).
		Float64("success_pct", snap.SuccessPercent()).
		Float64("rate_per_min", snap.PerMinute(elapsed)).
		Int("batch", batch).
		Int("batch_completed", completed).
		Int("batch_size", batchLen).
		Int("pool_size", workers).
		Int("concurrency", s.ctrl.Current()).
		Int("sessions_created", snap.SessionsCreated).
		Msg("Progress")

	if s.sink != nil {
		if err := s.sink.Publish(ctx, snap); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to publish stats snapshot")
		}
	}
}

func perMinute(n int, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(n) / elapsed.Minutes()
}
