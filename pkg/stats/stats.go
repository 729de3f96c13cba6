// Package stats aggregates run-wide download counters shared by all workers.
//
// Every mutation and every composite read happens under a single lock owned by
// the Aggregator. Components that keep their own state next to the counters
// (the concurrency controller) mutate it through Update so both are guarded by
// the same lock.
package stats

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for task accounting.
var (
	taskOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipfetch_task_outcomes_total",
		Help: "Total task outcomes by result and failure kind",
	}, []string{"result", "kind"})

	sessionsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipfetch_sessions_created_total",
		Help: "Total number of proxy sessions created",
	})
)

// Stats is a point-in-time view of the run counters.
type Stats struct {
	Total                  int `json:"total"`
	Processed              int `json:"processed"`
	Successful             int `json:"successful"`
	Failed                 int `json:"failed"`
	SessionsCreated        int `json:"sessions_created"`
	ConcurrencyAdjustments int `json:"concurrency_adjustments"`
	PeakConcurrency        int `json:"peak_concurrency"`
	UniqueExits            int `json:"unique_exits"`
}

// RecordAdjustment counts a concurrency change and raises the peak if needed.
// Only call it from inside Aggregator.Update.
func (s *Stats) RecordAdjustment(current int) {
	s.ConcurrencyAdjustments++
	if current > s.PeakConcurrency {
		s.PeakConcurrency = current
	}
}

// SuccessPercent returns successful/processed as a percentage.
func (s Stats) SuccessPercent() float64 {
	return float64(s.Successful) / float64(max(s.Processed, 1)) * 100
}

// PerMinute returns the processing rate over the given elapsed time.
func (s Stats) PerMinute(elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(s.Processed) / elapsed.Minutes()
}

// Aggregator guards the run counters.
type Aggregator struct {
	mu    sync.Mutex
	stats Stats
	exits map[string]struct{}
}

// NewAggregator creates an aggregator whose peak concurrency starts at the
// initial concurrency level.
func NewAggregator(initialConcurrency int) *Aggregator {
	return &Aggregator{
		stats: Stats{PeakConcurrency: initialConcurrency},
		exits: make(map[string]struct{}),
	}
}

// SetTotal records the number of URLs in the run.
func (a *Aggregator) SetTotal(total int) {
	a.mu.Lock()
	a.stats.Total = total
	a.mu.Unlock()
}

// RecordOutcome increments processed and exactly one of successful/failed.
// kind labels the failure for metrics and is ignored on success.
func (a *Aggregator) RecordOutcome(success bool, kind string) {
	a.mu.Lock()
	a.stats.Processed++
	if success {
		a.stats.Successful++
	} else {
		a.stats.Failed++
	}
	a.mu.Unlock()

	if success {
		taskOutcomesTotal.WithLabelValues("success", "").Inc()
	} else {
		taskOutcomesTotal.WithLabelValues("failure", kind).Inc()
	}
}

// SessionCreated counts one new identity.
func (a *Aggregator) SessionCreated() {
	a.mu.Lock()
	a.stats.SessionsCreated++
	a.mu.Unlock()
	sessionsCreatedTotal.Inc()
}

// ObserveExit records an exit address reported by the proxy.
func (a *Aggregator) ObserveExit(addr string) {
	if addr == "" {
		return
	}
	a.mu.Lock()
	a.exits[addr] = struct{}{}
	a.stats.UniqueExits = len(a.exits)
	a.mu.Unlock()
}

// Update runs fn with exclusive access to the counters.
// fn must not call other Aggregator methods.
func (a *Aggregator) Update(fn func(s *Stats)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn(&a.stats)
}

// Snapshot returns a copy of the counters.
func (a *Aggregator) Snapshot() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}
