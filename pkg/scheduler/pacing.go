package scheduler

import (
	"context"
	"math/rand/v2"
	"time"
)

// Clock abstracts time so tests can run batches without sleeping.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done.
	Sleep(ctx context.Context, d time.Duration) error
}

// Rand yields floats uniformly distributed in [0, 1).
type Rand interface {
	Float64() float64
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

func (wallClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type globalRand struct{}

func (globalRand) Float64() float64 { return rand.Float64() }

// Tier names the inter-batch pause band chosen from a batch's success rate.
type Tier string

const (
	// TierDegraded: under 50% success, cool down harder.
	TierDegraded Tier = "degraded"

	// TierHealthy: over 90% success.
	TierHealthy Tier = "healthy"

	// TierNormal: everything in between.
	TierNormal Tier = "normal"
)

// PauseFor picks the pause after a batch with the given success rate (0..1).
func PauseFor(rate float64, rnd Rand) (time.Duration, Tier) {
	switch {
	case rate < 0.50:
		return uniform(rnd, 20*time.Second, 30*time.Second), TierDegraded
	case rate > 0.90:
		return uniform(rnd, 5*time.Second, 10*time.Second), TierHealthy
	default:
		return uniform(rnd, 10*time.Second, 15*time.Second), TierNormal
	}
}

func uniform(rnd Rand, lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rnd.Float64()*float64(hi-lo))
}
