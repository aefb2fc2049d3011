// Package ratelimit paces calls against the TestRail API, which
// enforces a per-minute request budget per account.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limiter spaces requests evenly at 60s/rpm with no burst beyond one
// slot. The zero value (rpm <= 0) is disabled and never blocks.
type Limiter struct {
	limiter  *rate.Limiter
	interval time.Duration
}

// New returns a limiter for the given requests-per-minute budget.
// rpm <= 0 disables limiting.
func New(rpm int) *Limiter {
	if rpm <= 0 {
		return &Limiter{}
	}
	interval := time.Minute / time.Duration(rpm)
	return &Limiter{
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		interval: interval,
	}
}

// Wait blocks until the next request slot is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil || l.limiter == nil {
		return nil
	}
	return l.limiter.Wait(ctx)
}

// RetryDelay is the pause to apply when the server answers 429: the
// configured interval, but never less than one second.
func (l *Limiter) RetryDelay() time.Duration {
	if l == nil || l.interval < time.Second {
		return time.Second
	}
	return l.interval
}

// Enabled reports whether the limiter actually paces requests.
func (l *Limiter) Enabled() bool {
	return l != nil && l.limiter != nil
}
