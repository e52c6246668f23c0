package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

var (
	errTransient = errors.New("transient")
	errFatal     = errors.New("fatal")
)

func TestRetry_ExhaustsAttemptsWithIncreasingDelays(t *testing.T) {
	var delays []time.Duration
	p := RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   5 * time.Millisecond,
		MaxDelay:    time.Second,
		Factor:      2,
		Jitter:      0,
		Retryable:   RetryOn(errTransient),
		OnRetry: func(err error, d time.Duration) {
			delays = append(delays, d)
		},
	}

	calls := 0
	err := Retry(context.Background(), p, func(context.Context) error {
		calls++
		return errTransient
	})

	if calls != 3 {
		t.Errorf("expected 3 invocations, got %d", calls)
	}
	if err != errTransient {
		t.Errorf("expected the underlying error, got %v", err)
	}
	if len(delays) != 2 {
		t.Fatalf("expected 2 delays (none after the final attempt), got %v", delays)
	}
	if !(delays[0] < delays[1]) {
		t.Errorf("expected strictly increasing delays, got %v", delays)
	}
}

func TestRetry_NonRetryablePropagatesImmediately(t *testing.T) {
	p := DefaultRetryPolicy(errTransient)
	p.BaseDelay = time.Millisecond

	calls := 0
	err := Retry(context.Background(), p, func(context.Context) error {
		calls++
		return errFatal
	})

	if calls != 1 {
		t.Errorf("expected a single invocation, got %d", calls)
	}
	if err != errFatal {
		t.Errorf("expected errFatal unwrapped, got %v", err)
	}
}

func TestRetry_SucceedsAfterTransientFailure(t *testing.T) {
	p := DefaultRetryPolicy(errTransient)
	p.BaseDelay = time.Millisecond

	calls := 0
	v, err := RetryValue(context.Background(), p, func(context.Context) (string, error) {
		calls++
		if calls < 2 {
			return "", errTransient
		}
		return "ok", nil
	})

	if err != nil || v != "ok" {
		t.Fatalf("expected ok, got %q, %v", v, err)
	}
	if calls != 2 {
		t.Errorf("expected 2 invocations, got %d", calls)
	}
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Factor: 3}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 300 * time.Millisecond},
		{2, 900 * time.Millisecond},
		{3, time.Second},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestRetry_JitterStaysWithinBounds(t *testing.T) {
	var delays []time.Duration
	p := RetryPolicy{
		MaxAttempts: 4,
		BaseDelay:   2 * time.Millisecond,
		MaxDelay:    time.Second,
		Factor:      2,
		Jitter:      0.5,
		Retryable:   RetryOn(errTransient),
		OnRetry:     func(_ error, d time.Duration) { delays = append(delays, d) },
	}

	_ = Retry(context.Background(), p, func(context.Context) error { return errTransient })

	for i, d := range delays {
		base := p.Delay(i)
		if d < base/2 || d > base+base/2 {
			t.Errorf("delay %d = %v outside [%v, %v]", i, d, base/2, base+base/2)
		}
	}
}

func TestRetry_NegativeAttemptsRetryUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := RetryPolicy{
		MaxAttempts: -1,
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
		Retryable:   RetryOn(errTransient),
	}

	calls := 0
	err := Retry(ctx, p, func(context.Context) error {
		calls++
		if calls == 10 {
			cancel()
		}
		return errTransient
	})

	if calls < 10 {
		t.Errorf("expected retries past the default attempt cap, got %d", calls)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
