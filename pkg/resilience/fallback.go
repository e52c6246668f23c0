package resilience

import (
	"context"
	"errors"
)

// Producer yields a value or fails.
type Producer[T any] func(ctx context.Context) (T, error)

// ErrNoProducers is returned when Fallback is called with nothing to try.
var ErrNoProducers = errors.New("fallback chain is empty")

// Fallback tries primary and then each alternative in order, returning the
// first success. When every producer fails the primary's error is returned.
func Fallback[T any](ctx context.Context, primary Producer[T], alternatives ...Producer[T]) (T, error) {
	var zero T
	if primary == nil {
		return zero, ErrNoProducers
	}

	v, original := primary(ctx)
	if original == nil {
		return v, nil
	}

	for _, alt := range alternatives {
		if alt == nil {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		if v, err := alt(ctx); err == nil {
			return v, nil
		}
	}
	return zero, original
}

// Static returns a producer that always yields v.
func Static[T any](v T) Producer[T] {
	return func(context.Context) (T, error) {
		return v, nil
	}
}
