package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"
)

var errDependency = errors.New("dependency down")

func tripBreaker(t *testing.T, b *Breaker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := b.Execute(func() error { return errDependency }); !errors.Is(err, errDependency) {
			t.Fatalf("call %d: expected dependency error, got %v", i, err)
		}
	}
}

func TestBreaker_OpensAfterThresholdAndShortCircuits(t *testing.T) {
	b := NewBreaker("billing", BreakerConfig{FailureThreshold: 3, RecoveryTimeout: time.Hour})

	tripBreaker(t, b, 2)
	if b.State() != StateClosed {
		t.Fatalf("expected closed below threshold, got %s", b.State())
	}
	tripBreaker(t, b, 1)
	if b.State() != StateOpen {
		t.Fatalf("expected open after threshold, got %s", b.State())
	}

	invoked := 0
	for i := 0; i < 5; i++ {
		err := b.Execute(func() error {
			invoked++
			return nil
		})
		if !errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("expected ErrCircuitOpen, got %v", err)
		}
	}
	if invoked != 0 {
		t.Errorf("wrapped function invoked %d times while open", invoked)
	}

	snap := b.Snapshot()
	if snap.State != StateOpen || snap.FailureThreshold != 3 {
		t.Errorf("unexpected snapshot %+v", snap)
	}
	if snap.LastFailure.IsZero() {
		t.Error("expected last failure time to be recorded")
	}
}

func TestBreaker_HalfOpenTrial(t *testing.T) {
	tests := []struct {
		name      string
		trialErr  error
		wantState BreakerState
	}{
		{name: "trial success closes", trialErr: nil, wantState: StateClosed},
		{name: "trial failure reopens", trialErr: errDependency, wantState: StateOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBreaker("ledger", BreakerConfig{FailureThreshold: 2, RecoveryTimeout: 40 * time.Millisecond})
			tripBreaker(t, b, 2)

			time.Sleep(60 * time.Millisecond)
			if b.State() != StateHalfOpen {
				t.Fatalf("expected half-open after recovery timeout, got %s", b.State())
			}

			invoked := 0
			err := b.Execute(func() error {
				invoked++
				return tt.trialErr
			})
			if invoked != 1 {
				t.Fatalf("expected the trial call to reach the dependency once, got %d", invoked)
			}
			if !errors.Is(err, tt.trialErr) && err != tt.trialErr {
				t.Fatalf("expected trial error %v, got %v", tt.trialErr, err)
			}
			if b.State() != tt.wantState {
				t.Errorf("expected %s after trial, got %s", tt.wantState, b.State())
			}
			if tt.wantState == StateClosed && b.Snapshot().ConsecutiveFailures != 0 {
				t.Errorf("expected failure count reset, got %d", b.Snapshot().ConsecutiveFailures)
			}
		})
	}
}

func TestBreaker_FailurePredicate(t *testing.T) {
	notCounted := errors.New("client error")
	b := NewBreaker("orders", BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour},
		WithFailurePredicate(func(err error) bool { return !errors.Is(err, notCounted) }))

	for i := 0; i < 3; i++ {
		if err := b.Execute(func() error { return notCounted }); !errors.Is(err, notCounted) {
			t.Fatalf("expected the error to pass through, got %v", err)
		}
	}
	if b.State() != StateClosed {
		t.Errorf("errors excluded by the predicate must not trip the breaker, got %s", b.State())
	}
}

func TestBreaker_StateChangeListener(t *testing.T) {
	var mu sync.Mutex
	var transitions []BreakerState
	b := NewBreaker("payments", BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour},
		WithStateChange(func(name string, from, to BreakerState) {
			mu.Lock()
			defer mu.Unlock()
			if name != "payments" {
				t.Errorf("unexpected breaker name %q", name)
			}
			transitions = append(transitions, to)
		}))

	tripBreaker(t, b, 1)

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 1 || transitions[0] != StateOpen {
		t.Errorf("expected a single transition to open, got %v", transitions)
	}
}

func TestRegistry_ReusesBreakers(t *testing.T) {
	r := NewRegistry(BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour})
	if r.Get("a") != r.Get("a") {
		t.Fatal("expected the same breaker for the same name")
	}
	r.Get("b")

	snaps := r.Snapshots()
	if len(snaps) != 2 || snaps[0].Name != "a" || snaps[1].Name != "b" {
		t.Errorf("unexpected snapshots %+v", snaps)
	}
}
