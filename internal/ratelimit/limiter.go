// Package ratelimit spaces outgoing RPC calls so that public endpoints
// shared by many accounts are not flooded.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter enforces a strict minimum interval between permits.
// A nil *Limiter never blocks, so callers can keep an optional limiter
// without branching.
type Limiter struct {
	mu             sync.Mutex
	nextPermitTime time.Time
	interval       time.Duration
	rate           float64
}

// New creates a Limiter issuing ratePerSec permits per second.
// It returns nil when ratePerSec <= 0, meaning "unlimited".
func New(ratePerSec float64) *Limiter {
	if ratePerSec <= 0 {
		return nil
	}
	return &Limiter{
		nextPermitTime: time.Now(),
		interval:       time.Duration(float64(time.Second) / ratePerSec),
		rate:           ratePerSec,
	}
}

// Wait blocks until a permit is available or the context is cancelled.
// A cancelled waiter hands its slot back when nobody reserved after it.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return ctx.Err()
	}

	l.mu.Lock()
	now := time.Now()
	if l.nextPermitTime.Before(now) {
		l.nextPermitTime = now
	}
	permitTime := l.nextPermitTime
	l.nextPermitTime = permitTime.Add(l.interval)
	l.mu.Unlock()

	wait := time.Until(permitTime)
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		l.release(permitTime)
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (l *Limiter) release(permitTime time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.nextPermitTime.Equal(permitTime.Add(l.interval)) {
		l.nextPermitTime = permitTime
	}
}

// Rate returns the configured rate, or 0 for a nil (unlimited) limiter.
func (l *Limiter) Rate() float64 {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rate
}
