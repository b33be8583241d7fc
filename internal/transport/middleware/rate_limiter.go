// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

type rateLimitDecision struct {
	Allowed           bool
	LimitPerMinute    int
	Remaining         int
	RetryAfterSeconds int

	// ResetSeconds is how long until the bucket is full again.
	ResetSeconds int
}

// orgRateLimiter keeps one token bucket per organization. The bucket holds a
// minute's worth of requests and refills continuously.
type orgRateLimiter struct {
	mu       sync.Mutex
	limiters map[uuid.UUID]*rate.Limiter
}

func newOrgRateLimiter() *orgRateLimiter {
	return &orgRateLimiter{
		limiters: make(map[uuid.UUID]*rate.Limiter, 32),
	}
}

func (l *orgRateLimiter) limiter(orgID uuid.UUID, limitPerMinute int) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[orgID]
	if !ok || lim.Burst() != limitPerMinute {
		lim = rate.NewLimiter(rate.Limit(float64(limitPerMinute)/60.0), limitPerMinute)
		l.limiters[orgID] = lim
	}
	return lim
}

func (l *orgRateLimiter) Allow(orgID uuid.UUID, limitPerMinute int, now time.Time) rateLimitDecision {
	if limitPerMinute <= 0 {
		limitPerMinute = 1
	}
	lim := l.limiter(orgID, limitPerMinute)

	decision := rateLimitDecision{LimitPerMinute: limitPerMinute}

	res := lim.ReserveN(now, 1)
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		decision.RetryAfterSeconds = max(1, int(math.Ceil(delay.Seconds())))
		decision.ResetSeconds = 60
		return decision
	}

	tokens := lim.TokensAt(now)
	decision.Allowed = true
	decision.Remaining = max(0, int(math.Floor(tokens)))
	decision.ResetSeconds = int(math.Ceil((float64(limitPerMinute) - tokens) * 60 / float64(limitPerMinute)))
	return decision
}
