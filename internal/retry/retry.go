// Package retry wraps transient remote operations in bounded exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy bounds a retried operation.
type Policy struct {
	// Attempts is the total number of tries, including the first one.
	Attempts int
	// Initial is the wait before the second attempt.
	Initial time.Duration
	// Multiplier grows the wait after every failure. Values below 1 default to 2.
	Multiplier float64
	// Max caps a single wait. Zero leaves waits uncapped.
	Max time.Duration
	// Jitter is the randomization factor in [0, 1).
	Jitter float64
	// OnRetry observes each failure that will be retried.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// LoadRange is the policy used for grid range loads: three tries starting at 2s.
func LoadRange() Policy {
	return Policy{Attempts: 3, Initial: 2 * time.Second, Multiplier: 2, Max: 8 * time.Second}
}

// Network is the policy used for uploads, liveness checks and balance queries.
func Network() Policy {
	return Policy{Attempts: 3, Initial: time.Second, Multiplier: 2, Max: 4 * time.Second}
}

// Op is a retryable unit of work.
type Op[T any] func(ctx context.Context) (T, error)

// Do runs op until it succeeds, returns a permanent error, the attempt budget is
// exhausted or ctx ends. The last operation error is returned on exhaustion.
func Do[T any](ctx context.Context, p Policy, op Op[T]) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	attempt := 0
	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0),
	}
	if p.OnRetry != nil {
		opts = append(opts, backoff.WithNotify(func(err error, wait time.Duration) {
			p.OnRetry(attempt, err, wait)
		}))
	}

	return backoff.Retry(ctx, func() (T, error) {
		attempt++
		return op(ctx)
	}, opts...)
}

// Permanent marks err as non-retryable. Do returns the unwrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

func (p Policy) backOff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.Initial
	if exp.InitialInterval <= 0 {
		exp.InitialInterval = time.Millisecond
	}
	exp.Multiplier = p.Multiplier
	if exp.Multiplier < 1 {
		exp.Multiplier = 2
	}
	exp.RandomizationFactor = p.Jitter
	exp.MaxInterval = p.Max
	if exp.MaxInterval <= 0 {
		exp.MaxInterval = time.Duration(1<<62 - 1)
	}
	return exp
}
