package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Policy configures retry behavior
type Policy struct {
	MaxAttempts       int           `json:"max_attempts"`
	InitialDelay      time.Duration `json:"initial_delay"`
	MaxDelay          time.Duration `json:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
	Jitter            bool          `json:"jitter"`

	// RetryPredicate fully replaces the default classification when set.
	RetryPredicate func(error) bool `json:"-"`

	// OnRetry fires once per retry, before the backoff wait. It does not
	// fire on success or on the final failing attempt.
	OnRetry func(attempt int, err error) `json:"-"`
}

// DefaultPolicy returns the retry policy used for provider and tool calls
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		InitialDelay:      time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// Backoff computes the delay after the given failed attempt (1-based).
// The cap applies before jitter, so a jittered delay may exceed MaxDelay
// by up to 10%.
func Backoff(p Policy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(attempt-1)))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter {
		d = time.Duration(float64(d) * (0.9 + 0.2*rand.Float64()))
	}
	return d
}

// Do runs op until it succeeds, the policy is exhausted, or the error is
// classified as fatal. Waits between attempts honor ctx cancellation.
func Do[T any](ctx context.Context, p Policy, op func(context.Context) (T, error)) (T, error) {
	var zero T

	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	predicate := p.RetryPredicate
	if predicate == nil {
		predicate = Retryable
	}

	for attempt := 1; ; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}

		if attempt >= p.MaxAttempts || !predicate(err) {
			return zero, err
		}

		fireOnRetry(p.OnRetry, attempt, err)

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(Backoff(p, attempt)):
		}
	}
}

// fireOnRetry isolates the callback so a panicking observer cannot abort
// the retry loop.
func fireOnRetry(onRetry func(int, error), attempt int, err error) {
	if onRetry == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	onRetry(attempt, err)
}
