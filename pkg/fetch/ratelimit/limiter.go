// Package ratelimit provides the shared request throttle. One token is taken
// before every network call the downloader makes, so the aggregate request
// rate across all workers stays at the configured tokens-per-second.
package ratelimit

import (
	"context"
	"math"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a token bucket refilled continuously on the wall clock. The
// bucket capacity is max(1, floor(perSecond)), so a fractional rate still
// admits single requests. Safe for concurrent use.
type Limiter struct {
	lim *rate.Limiter
}

// New returns a limiter granting perSecond tokens per second. A non-positive
// rate disables throttling entirely.
func New(perSecond float64) *Limiter {
	if perSecond <= 0 {
		return &Limiter{lim: rate.NewLimiter(rate.Inf, 1)}
	}
	burst := int(math.Floor(perSecond))
	if burst < 1 {
		burst = 1
	}
	return &Limiter{lim: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Acquire blocks until n tokens are granted or ctx is done. n larger than the
// bucket capacity can never be satisfied and returns an error immediately.
func (l *Limiter) Acquire(ctx context.Context, n int) error {
	return l.lim.WaitN(ctx, n)
}

// TryAcquire takes n tokens without blocking and reports whether it got them.
func (l *Limiter) TryAcquire(n int) bool {
	return l.lim.AllowN(time.Now(), n)
}

// Burst reports the bucket capacity.
func (l *Limiter) Burst() int {
	return l.lim.Burst()
}

// Rate reports the refill rate in tokens per second.
func (l *Limiter) Rate() float64 {
	return float64(l.lim.Limit())
}
