// Package sink publishes live run statistics to Redis so a run can be watched
// from outside the process.
//
// Each run owns a hash holding its latest counters. Every published snapshot
// is also appended to a shared, length-capped progress stream.
package sink

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/clipfetch/pkg/stats"
)

// Redis keys for run state.
const (
	RunKeyPrefix      = "clipfetch:run:"
	ProgressStreamKey = "clipfetch:progress"

	// ProgressStreamMaxLen caps the progress stream (approximately).
	ProgressStreamMaxLen = 1000
)

// Prometheus metrics for the stats sink.
var (
	sinkPublishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipfetch_sink_publish_total",
		Help: "Total stats snapshots published by status",
	}, []string{"status"})
)

// ErrRunNotFound is returned by Load when no state exists for a run.
var ErrRunNotFound = errors.New("run not found")

// RunKey returns the hash key for a run.
func RunKey(runID string) string {
	return RunKeyPrefix + runID
}

// Redis writes snapshots to a Redis hash and stream.
type Redis struct {
	redis  *redis.Client
	runID  string
	logger zerolog.Logger
	now    func() time.Time
}

// NewRedis creates a sink for the given run.
func NewRedis(redisClient *redis.Client, runID string, logger zerolog.Logger) *Redis {
	return &Redis{
		redis:  redisClient,
		runID:  runID,
		logger: logger,
		now:    time.Now,
	}
}

// Publish stores the snapshot. The hash update and the stream append go out
// in one pipeline.
func (r *Redis) Publish(ctx context.Context, s stats.Stats) error {
	fields := fieldsOf(s)
	fields["updated_at"] = r.now().UTC().Format(time.RFC3339)

	pipe := r.redis.Pipeline()
	pipe.HSet(ctx, RunKey(r.runID), fields)

	entry := fieldsOf(s)
	entry["run_id"] = r.runID
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: ProgressStreamKey,
		MaxLen: ProgressStreamMaxLen,
		Approx: true,
		Values: entry,
	})

	if _, err := pipe.Exec(ctx); err != nil {
		sinkPublishTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("store run stats in redis: %w", err)
	}
	sinkPublishTotal.WithLabelValues("ok").Inc()

	r.logger.Debug().
		Str("run_id", r.runID).
		Int("processed", s.Processed).
		Msg("Published stats snapshot")

	return nil
}

// Load reads the latest snapshot of a run back from Redis.
func (r *Redis) Load(ctx context.Context, runID string) (*stats.Stats, time.Time, error) {
	values, err := r.redis.HGetAll(ctx, RunKey(runID)).Result()
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("get run stats: %w", err)
	}
	if len(values) == 0 {
		return nil, time.Time{}, ErrRunNotFound
	}

	s := &stats.Stats{}
	targets := map[string]*int{
		"total":                   &s.Total,
		"processed":               &s.Processed,
		"successful":              &s.Successful,
		"failed":                  &s.Failed,
		"sessions_created":        &s.SessionsCreated,
		"concurrency_adjustments": &s.ConcurrencyAdjustments,
		"peak_concurrency":        &s.PeakConcurrency,
		"unique_exits":            &s.UniqueExits,
	}
	for field, dst := range targets {
		raw, ok := values[field]
		if !ok {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("parse %s: %w", field, err)
		}
		*dst = n
	}

	var updated time.Time
	if raw := values["updated_at"]; raw != "" {
		if updated, err = time.Parse(time.RFC3339, raw); err != nil {
			return nil, time.Time{}, fmt.Errorf("parse updated_at: %w", err)
		}
	}

	return s, updated, nil
}

func fieldsOf(s stats.Stats) map[string]interface{} {
	return map[string]interface{}{
		"total":                   s.Total,
		"processed":               s.Processed,
		"successful":              s.Successful,
		"failed":                  s.Failed,
		"sessions_created":        s.SessionsCreated,
		"concurrency_adjustments": s.ConcurrencyAdjustments,
		"peak_concurrency":        s.PeakConcurrency,
		"unique_exits":            s.UniqueExits,
	}
}

// Nop discards snapshots.
type Nop struct{}

// Publish implements the scheduler's sink.
func (Nop) Publish(context.Context, stats.Stats) error { return nil }
