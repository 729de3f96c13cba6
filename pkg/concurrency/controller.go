// Package concurrency adapts the scheduler's parallelism to observed success.
//
// The controller keeps a window of the most recent task outcomes. Once the
// window is full and the cooldown since the last change has elapsed, it
// computes the success rate, scales up above 90%, scales down below 60%,
// and clears the window whether or not it changed anything. Sampling always
// restarts from empty after an evaluation.
package concurrency

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/clipfetch/pkg/stats"
)

// Prometheus metrics for concurrency control.
var (
	concurrencyCurrent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clipfetch_concurrency_current",
		Help: "Current worker pool size used for new batches",
	})

	concurrencyAdjustmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipfetch_concurrency_adjustments_total",
		Help: "Total concurrency changes by direction",
	}, []string{"direction"})
)

// Config holds controller settings.
type Config struct {
	Initial int
	Min     int
	Max     int

	// Step is how much one evaluation moves the level.
	Step int

	// WindowSize is the number of outcomes required before evaluating.
	WindowSize int

	// Cooldown is the minimum time between two changes.
	Cooldown time.Duration

	// ScaleUpAbove and ScaleDownBelow bound the hysteresis band.
	ScaleUpAbove   float64
	ScaleDownBelow float64
}

// DefaultConfig returns the controller defaults.
func DefaultConfig() Config {
	return Config{
		Initial:        5,
		Min:            2,
		Max:            20,
		Step:           2,
		WindowSize:     20,
		Cooldown:       60 * time.Second,
		ScaleUpAbove:   0.90,
		ScaleDownBelow: 0.60,
	}
}

// Decision reports what an observation triggered.
type Decision struct {
	Evaluated bool
	Rate      float64
	From      int
	To        int
}

// Changed reports whether the level moved.
func (d Decision) Changed() bool {
	return d.From != d.To
}

// Controller owns the concurrency state. The state is guarded by the stats
// aggregator's lock so counters and controller change together.
type Controller struct {
	cfg    Config
	agg    *stats.Aggregator
	now    func() time.Time
	logger zerolog.Logger

	current        int
	window         []bool
	lastAdjustment time.Time
}

// NewController creates a controller. now may be nil to use the wall clock.
// The cooldown starts at creation.
func NewController(cfg Config, agg *stats.Aggregator, logger zerolog.Logger, now func() time.Time) *Controller {
	if now == nil {
		now = time.Now
	}
	current := min(max(cfg.Initial, cfg.Min), cfg.Max)
	concurrencyCurrent.Set(float64(current))

	return &Controller{
		cfg:            cfg,
		agg:            agg,
		now:            now,
		logger:         logger,
		current:        current,
		window:         make([]bool, 0, cfg.WindowSize),
		lastAdjustment: now(),
	}
}

// Current returns the level the next batch should use.
func (c *Controller) Current() int {
	var n int
	c.agg.Update(func(*stats.Stats) { n = c.current })
	return n
}

// WindowLen returns the number of buffered outcomes.
func (c *Controller) WindowLen() int {
	var n int
	c.agg.Update(func(*stats.Stats) { n = len(c.window) })
	return n
}

// Observe adds one outcome to the window and evaluates it.
func (c *Controller) Observe(success bool) Decision {
	var d Decision

	c.agg.Update(func(s *stats.Stats) {
		c.window = append(c.window, success)
		if len(c.window) > c.cfg.WindowSize {
			c.window = c.window[len(c.window)-c.cfg.WindowSize:]
		}
		d = c.evaluateLocked(s)
	})

	if d.Changed() {
		direction := "up"
		msg := "Scaling up"
		if d.To < d.From {
			direction = "down"
			msg = "Scaling down"
		}
		concurrencyAdjustmentsTotal.WithLabelValues(direction).Inc()
		concurrencyCurrent.Set(float64(d.To))

		c.logger.Info().
			Float64("success_rate", d.Rate).
			Int("from", d.From).
			Int("to", d.To).
			Msg(msg)
	}

	return d
}

func (c *Controller) evaluateLocked(s *stats.Stats) Decision {
	d := Decision{From: c.current, To: c.current}

	now := c.now()
	if len(c.window) < c.cfg.WindowSize || now.Sub(c.lastAdjustment) < c.cfg.Cooldown {
		return d
	}

	successes := 0
	for _, ok := range c.window {
		if ok {
			successes++
		}
	}
	d.Evaluated = true
	d.Rate = float64(successes) / float64(c.cfg.WindowSize)

	switch {
	case d.Rate > c.cfg.ScaleUpAbove && c.current < c.cfg.Max:
		c.current = min(c.current+c.cfg.Step, c.cfg.Max)
	case d.Rate < c.cfg.ScaleDownBelow && c.current > c.cfg.Min:
		c.current = max(c.current-c.cfg.Step, c.cfg.Min)
	}
	d.To = c.current

	if d.Changed() {
		s.RecordAdjustment(c.current)
		c.lastAdjustment = now
	}

	// Cleared on every evaluation, including ones that change nothing.
	c.window = c.window[:0]

	return d
}
