package resilience

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy configures retry with exponential backoff.
//
// The delay before attempt n+1 is BaseDelay * Factor^n, capped at MaxDelay,
// then multiplied by a factor drawn uniformly from [1-Jitter, 1+Jitter].
type RetryPolicy struct {
	// MaxAttempts below zero retries until ctx is done. Zero means a single attempt.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Factor      float64
	Jitter      float64

	// Retryable reports whether err may be retried. Nil means no error is retried.
	Retryable func(error) bool

	// OnRetry is called before sleeping ahead of the next attempt.
	OnRetry func(err error, delay time.Duration)
}

// DefaultRetryPolicy returns three attempts starting at 100ms, doubling, capped at 2s.
func DefaultRetryPolicy(retryable ...error) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Factor:      2,
		Jitter:      0.5,
		Retryable:   RetryOn(retryable...),
	}
}

// RetryOn returns a predicate matching any of the given error kinds via errors.Is.
func RetryOn(kinds ...error) func(error) bool {
	return func(err error) bool {
		for _, kind := range kinds {
			if errors.Is(err, kind) {
				return true
			}
		}
		return false
	}
}

// Delay returns the un-jittered delay that follows the given zero-based attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	d := float64(p.BaseDelay) * math.Pow(factor, float64(attempt))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = time.Duration(math.MaxInt64)
	}
	jitter := p.Jitter
	if jitter < 0 {
		jitter = 0
	} else if jitter > 1 {
		jitter = 1
	}

	return &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: jitter,
		Multiplier:          factor,
		MaxInterval:         maxDelay,
	}
}

// Retry runs fn until it succeeds, returns a non-retryable error, the attempts
// are exhausted or ctx is done. The error from the last attempt is returned as is.
func Retry(ctx context.Context, p RetryPolicy, fn func(ctx context.Context) error) error {
	_, err := RetryValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// RetryValue is Retry for calls that produce a value.
func RetryValue[T any](ctx context.Context, p RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	attempts := p.MaxAttempts
	switch {
	case attempts < 0:
		attempts = 0
	case attempts == 0:
		attempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = func(error) bool { return false }
	}

	operation := func() (T, error) {
		v, err := fn(ctx)
		if err != nil && !retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0),
	}
	if p.OnRetry != nil {
		opts = append(opts, backoff.WithNotify(func(err error, d time.Duration) {
			p.OnRetry(err, d)
		}))
	}

	v, err := backoff.Retry(ctx, operation, opts...)
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Err
	}
	return v, err
}
