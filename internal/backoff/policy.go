// Package backoff computes retry delays for provider calls: exponential
// growth with jitter, clamped to a ceiling, optionally overridden by a
// server-supplied Retry-After hint.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy parameterizes the delay schedule.
type Policy struct {
	// Initial is the delay before the second attempt.
	Initial time.Duration
	// Max caps every computed delay.
	Max time.Duration
	// Factor multiplies the delay per failed attempt.
	Factor float64
	// Jitter in [0,1] randomizes the delay upward by up to that fraction.
	Jitter float64
	// MaxAttempts bounds the total number of attempts, first included.
	MaxAttempts int
}

// DefaultPolicy matches typical LLM-API guidance: 500ms initial, doubling,
// 30s ceiling, 10% jitter, four attempts total.
func DefaultPolicy() Policy {
	return Policy{
		Initial:     500 * time.Millisecond,
		Max:         30 * time.Second,
		Factor:      2,
		Jitter:      0.1,
		MaxAttempts: 4,
	}
}

// Delay returns the wait before retrying after the given failed attempt
// (1-indexed). A positive hint, typically parsed from a Retry-After
// header, wins over the computed delay but is still clamped to Max.
func (p Policy) Delay(attempt int, hint time.Duration) time.Duration {
	if hint > 0 {
		if hint > p.Max {
			return p.Max
		}
		return hint
	}
	return p.delayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter, not security
}

// delayWithRand is split out so tests can pin the random value.
func (p Policy) delayWithRand(attempt int, random float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	total := base + base*p.Jitter*random
	if max := float64(p.Max); total > max {
		total = max
	}
	return time.Duration(total)
}
