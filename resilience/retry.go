package resilience

import (
	"math/rand"
	"time"
)

// RetryInfo is a backoff policy: a function from attempt count to wait
// duration, in the shape spec.md's `backoff_policy` config option expects.
// It is shared by the dispatcher loops (C9, §4.2's "abandon with exponential
// backoff, doubling, capped") and the external-side-effect coordinator (C8).
type RetryInfo struct {
	// MaxRetries is the number of retries allowed before a transient
	// failure is treated as permanent. Zero means the caller decides.
	MaxRetries int
	// Wait is the base wait, in milliseconds.
	Wait int
	// Exponential enables doubling (or Multiplier-scaled) backoff. When
	// false, WaitTime always returns Wait regardless of retryCount.
	Exponential bool
	// Multiplier scales the backoff on each retry when Exponential is
	// set. Defaults to 2 (classic doubling) when <= 0.
	Multiplier float64
	// MaxWait caps the computed backoff, in milliseconds. Zero means
	// uncapped. Only applies when Exponential is set.
	MaxWait int
	// Jitter adds a random [0, backoff) delay on top of the computed
	// backoff, to avoid thundering-herd retries across workers.
	Jitter bool
}

// WaitTime returns the delay to wait before the (retryCount+1)-th attempt.
// retryCount is zero-based: WaitTime(0) is the delay before the first
// retry.
func (r *RetryInfo) WaitTime(retryCount int) time.Duration {
	base := time.Duration(r.Wait) * time.Millisecond
	if base <= 0 {
		return 0
	}

	wait := base
	if r.Exponential {
		mult := r.Multiplier
		if mult <= 0 {
			mult = 2
		}
		factor := 1.0
		for i := 0; i < retryCount; i++ {
			factor *= mult
		}
		wait = time.Duration(float64(base) * factor)
		if r.MaxWait > 0 {
			max := time.Duration(r.MaxWait) * time.Millisecond
			if wait > max {
				wait = max
			}
		}
	}

	if r.Jitter && wait > 0 {
		wait += time.Duration(rand.Int63n(int64(wait)))
	}

	return wait
}
