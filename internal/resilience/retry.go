package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy is bounded exponential backoff with jitter for transient errors.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// Jitter is the +/- fraction applied to each delay.
	Jitter float64
}

// DefaultRetryPolicy returns 3 attempts from 100ms doubling with 20% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Multiplier:  2,
		Jitter:      0.2,
	}
}

// Delay returns the wait after the given failed attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		d += d * p.Jitter * (2*rand.Float64() - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Retrier applies a RetryPolicy around breaker-guarded calls.
type Retrier struct {
	policy RetryPolicy
	sleep  func(context.Context, time.Duration) error
}

// NewRetrier builds a Retrier that sleeps on the real clock.
func NewRetrier(policy RetryPolicy) *Retrier {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	return &Retrier{policy: policy, sleep: sleepContext}
}

// WithSleep replaces the sleep function, mainly for tests.
func (r *Retrier) WithSleep(fn func(context.Context, time.Duration) error) *Retrier {
	r.sleep = fn
	return r
}

// Policy returns the configured policy.
func (r *Retrier) Policy() RetryPolicy { return r.policy }

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Call runs fn through breaker b, retrying transient failures. Each attempt
// passes through the breaker on its own, so an opened circuit stops retries.
// If ctx ends while fn is still running, the call is abandoned and its result discarded.
func Call[T any](ctx context.Context, r *Retrier, b *Breaker, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	for attempt := 1; ; attempt++ {
		out, err := Execute(ctx, b, func(ctx context.Context) (T, error) {
			return abandonable(ctx, op, fn)
		})
		if err == nil {
			return out, nil
		}
		if !IsTransient(err) || attempt >= r.policy.MaxAttempts || ctx.Err() != nil {
			return zero, err
		}
		if serr := r.sleep(ctx, r.policy.Delay(attempt)); serr != nil {
			return zero, err
		}
	}
}

func abandonable[T any](ctx context.Context, op string, fn func(context.Context) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		ch <- result{v: v, err: err}
	}()

	select {
	case res := <-ch:
		return res.v, Classify(op, res.err)
	case <-ctx.Done():
		var zero T
		return zero, Classify(op, ctx.Err())
	}
}
