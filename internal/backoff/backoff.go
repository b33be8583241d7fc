// SPDX-License-Identifier: Apache-2.0

// Package backoff computes step retry delays.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before retry attempt n (1-indexed: attempt 1
// is the first retry after the initial failure).
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Exponential doubles the base delay each attempt, capped at Max, and
// applies "equal jitter": half of the delay is fixed and the other half is
// random. The result always lies in [d/2, d] where d = min(Base*2^(n-1), Max).
type Exponential struct {
	Base time.Duration
	Max  time.Duration

	// NoJitter returns the exact capped delay. Used by tests.
	NoJitter bool
}

func NewExponential(base, maxDelay time.Duration) *Exponential {
	if base <= 0 {
		base = time.Second
	}
	if maxDelay > 0 && maxDelay < base {
		maxDelay = base
	}
	return &Exponential{Base: base, Max: maxDelay}
}

func (e *Exponential) Delay(attempt int) time.Duration {
	d := e.ceiling(attempt)
	if e.NoJitter || d <= 0 {
		return d
	}
	half := d / 2
	return half + time.Duration(rand.Int64N(int64(d-half)+1)) //nolint:gosec // jitter does not need crypto rand
}

func (e *Exponential) ceiling(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	f := float64(e.Base) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && f > float64(e.Max) {
		return e.Max
	}
	if f > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(f)
}

// Constant returns the same delay for every attempt.
type Constant time.Duration

func (c Constant) Delay(int) time.Duration { return time.Duration(c) }

// Default is the retry strategy used when none is configured: 2s base, 1m cap.
func Default() Strategy {
	return NewExponential(2*time.Second, time.Minute)
}
