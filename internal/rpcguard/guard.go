// Package rpcguard wraps every remote call in a shared throttle and a
// rate-limit-aware retry policy.
package rpcguard

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConcurrency = 3
	DefaultSpacing     = 500 * time.Millisecond
	DefaultMaxRetries  = 2
	DefaultBaseDelay   = 5 * time.Second
	DefaultMaxDelay    = 60 * time.Second
)

// Guard is safe for concurrent use; one instance is shared by the whole process.
type Guard struct {
	throttle   *Throttle
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
	jitter     func(max time.Duration) time.Duration
	onRetry    func(op string)
}

// Option configures a Guard
type Option func(*Guard)

// WithThrottle replaces the default throttle
func WithThrottle(t *Throttle) Option {
	return func(g *Guard) { g.throttle = t }
}

// WithMaxRetries sets how many times a rate-limited call is retried
func WithMaxRetries(n int) Option {
	return func(g *Guard) { g.maxRetries = n }
}

// WithBackoff sets the base and cap of the exponential backoff
func WithBackoff(base, max time.Duration) Option {
	return func(g *Guard) {
		g.baseDelay = base
		g.maxDelay = max
	}
}

// WithSleeper replaces the context-aware sleep (tests)
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(g *Guard) { g.sleep = fn }
}

// WithJitter replaces the jitter source (tests)
func WithJitter(fn func(max time.Duration) time.Duration) Option {
	return func(g *Guard) { g.jitter = fn }
}

// WithRetryHook is called before every retry
func WithRetryHook(fn func(op string)) Option {
	return func(g *Guard) { g.onRetry = fn }
}

// New builds a Guard with default throttle and retry settings
func New(opts ...Option) *Guard {
	g := &Guard{
		throttle:   NewThrottle(DefaultConcurrency, DefaultSpacing),
		maxRetries: DefaultMaxRetries,
		baseDelay:  DefaultBaseDelay,
		maxDelay:   DefaultMaxDelay,
		sleep:      sleepCtx,
		jitter:     randJitter,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Do runs fn through the throttle. Rate-limited failures are retried with
// backoff, each attempt re-entering the throttle; other errors return at once.
func (g *Guard) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := g.once(ctx, fn)
		if err == nil {
			return nil
		}
		if !IsRateLimited(err) || attempt >= g.maxRetries {
			return err
		}

		delay := g.Backoff(attempt)
		log.Warn().Str("op", op).Int("attempt", attempt+1).Dur("delay", delay).Err(err).Msg("rate limited, retrying")
		if g.onRetry != nil {
			g.onRetry(op)
		}
		if err := g.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (g *Guard) once(ctx context.Context, fn func(ctx context.Context) error) error {
	release, err := g.throttle.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// Backoff returns the delay before retry number attempt+1
func (g *Guard) Backoff(attempt int) time.Duration {
	d := g.maxDelay
	if attempt < 30 {
		d = g.baseDelay << uint(attempt)
	}
	if d <= 0 || d > g.maxDelay {
		d = g.maxDelay
	}
	return d + g.jitter(g.baseDelay)
}

// Call is Do for functions that return a value
func Call[T any](ctx context.Context, g *Guard, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := g.Do(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func randJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max)))
}
