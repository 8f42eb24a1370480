// Package backoff computes reconnection delays.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Policy is an exponential backoff with additive jitter and a bounded number
// of attempts.
type Policy struct {
	// Base is the delay before the first retry.
	Base time.Duration
	// Max caps every delay, jitter included.
	Max time.Duration
	// Factor multiplies the delay on each attempt.
	Factor float64
	// Jitter is the fraction (0.0 to 1.0) of the delay added at random.
	Jitter float64
	// MaxAttempts bounds the retries. Zero means no retry at all.
	MaxAttempts int
}

// DefaultPolicy returns the reconnection policy used when nothing is
// configured: 2s doubling up to 60s, 10% jitter, 8 attempts.
func DefaultPolicy() Policy {
	return Policy{
		Base:        2 * time.Second,
		Max:         60 * time.Second,
		Factor:      2,
		Jitter:      0.1,
		MaxAttempts: 8,
	}
}

// Delay returns the wait before the given attempt. Attempts start at 1.
func (p Policy) Delay(attempt int) time.Duration {
	return p.DelayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// DelayWithRand is Delay with a caller supplied random value in [0.0, 1.0).
//
// With Jitter below Factor-1 the sequence never decreases: attempt n is at
// most base*(1+jitter), which stays below the next attempt's base.
func (p Policy) DelayWithRand(attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Base.Milliseconds()) * math.Pow(p.Factor, exp)
	total := base + base*p.Jitter*randomValue

	if ceiling := float64(p.Max.Milliseconds()); ceiling > 0 {
		total = math.Min(ceiling, total)
	}
	return time.Duration(math.Round(total)) * time.Millisecond
}

// Exhausted reports whether attempt exceeds the retry budget.
func (p Policy) Exhausted(attempt int) bool {
	return attempt > p.MaxAttempts
}
