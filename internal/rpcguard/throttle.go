package rpcguard

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Throttle bounds in-flight remote calls and spaces their starts.
// Waiters are served in arrival order.
type Throttle struct {
	sem     *semaphore.Weighted
	limiter *rate.Limiter
}

// NewThrottle allows `concurrency` calls in flight with at least `spacing` between starts
func NewThrottle(concurrency int, spacing time.Duration) *Throttle {
	if concurrency <= 0 {
		concurrency = 1
	}
	t := &Throttle{sem: semaphore.NewWeighted(int64(concurrency))}
	if spacing > 0 {
		t.limiter = rate.NewLimiter(rate.Every(spacing), 1)
	}
	return t
}

// Acquire blocks for a slot. The returned func must be called once the call finishes.
func (t *Throttle) Acquire(ctx context.Context) (func(), error) {
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			t.sem.Release(1)
			return nil, err
		}
	}
	return func() { t.sem.Release(1) }, nil
}
