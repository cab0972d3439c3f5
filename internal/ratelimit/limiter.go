// Package ratelimit paces outbound traffic toward the chat transport.
// Broadcasts use it to stay under the Bot API's per-minute send limits.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter gates an operation. Wait blocks until the caller may proceed or
// ctx is done.
type Limiter interface {
	Wait(ctx context.Context) error
}

// IntervalLimiter spaces operations evenly: at most rate per minute, one at
// a time. Fairness between waiters follows mutex acquisition order.
type IntervalLimiter struct {
	interval time.Duration

	mu   sync.Mutex
	next time.Time
}

// NewInterval builds a limiter allowing ratePerMinute operations per
// minute. A non-positive rate disables pacing.
func NewInterval(ratePerMinute int) *IntervalLimiter {
	var interval time.Duration
	if ratePerMinute > 0 {
		interval = time.Minute / time.Duration(ratePerMinute)
	}

	return &IntervalLimiter{interval: interval}
}

// Wait blocks until the next slot opens.
func (l *IntervalLimiter) Wait(ctx context.Context) error {
	if l.interval <= 0 {
		return ctx.Err()
	}

	l.mu.Lock()
	now := time.Now()
	at := l.next
	if at.Before(now) {
		at = now
	}
	l.next = at.Add(l.interval)
	l.mu.Unlock()

	delay := time.Until(at)
	if delay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
