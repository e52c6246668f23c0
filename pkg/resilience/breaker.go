// Package resilience provides the call wrappers used around every outbound
// dependency: a circuit breaker, retry with exponential backoff and jitter,
// and an ordered fallback chain.
package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned without invoking the wrapped call while a breaker is open.
var ErrCircuitOpen = errors.New("circuit open")

// BreakerState is the observable state of a circuit breaker.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half-open"
)

// BreakerConfig holds the trip threshold and the cool-down before a trial call.
type BreakerConfig struct {
	FailureThreshold uint32
	RecoveryTimeout  time.Duration
}

// DefaultBreakerConfig returns the settings used for remote services.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
	}
}

// BreakerSnapshot is a point-in-time view of a breaker, for status endpoints and metrics.
type BreakerSnapshot struct {
	Name                string        `json:"name"`
	State               BreakerState  `json:"state"`
	ConsecutiveFailures uint32        `json:"consecutive_failures"`
	LastFailure         time.Time     `json:"last_failure,omitempty"`
	FailureThreshold    uint32        `json:"failure_threshold"`
	RecoveryTimeout     time.Duration `json:"recovery_timeout"`
}

// StateChangeFunc is notified whenever a breaker moves between states.
type StateChangeFunc func(name string, from, to BreakerState)

// BreakerOption customises a Breaker.
type BreakerOption func(*Breaker)

// WithFailurePredicate decides which errors count against the breaker.
// Errors for which it returns false are passed through but treated as successes.
func WithFailurePredicate(fn func(error) bool) BreakerOption {
	return func(b *Breaker) {
		if fn != nil {
			b.isFailure = fn
		}
	}
}

// WithStateChange registers a listener for state transitions.
func WithStateChange(fn StateChangeFunc) BreakerOption {
	return func(b *Breaker) {
		b.onChange = fn
	}
}

// Breaker is a per-dependency circuit breaker. Closed counts consecutive
// failures, Open short-circuits with ErrCircuitOpen, and HalfOpen lets a single
// trial call through once the recovery timeout has elapsed.
type Breaker struct {
	name      string
	cfg       BreakerConfig
	cb        *gobreaker.CircuitBreaker
	isFailure func(error) bool
	onChange  StateChangeFunc

	mu          sync.Mutex
	lastFailure time.Time
}

// NewBreaker creates a breaker for the named dependency.
func NewBreaker(name string, cfg BreakerConfig, opts ...BreakerOption) *Breaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultBreakerConfig().RecoveryTimeout
	}

	b := &Breaker{
		name:      name,
		cfg:       cfg,
		isFailure: func(err error) bool { return err != nil },
	}
	for _, opt := range opts {
		opt(b)
	}

	threshold := cfg.FailureThreshold
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !b.isFailure(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if b.onChange != nil {
				b.onChange(name, convertState(from), convertState(to))
			}
		},
	})

	return b
}

// Name returns the dependency name the breaker guards.
func (b *Breaker) Name() string {
	return b.name
}

// Execute runs fn through the breaker.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		callErr := fn()
		if callErr != nil && b.isFailure(callErr) {
			b.mu.Lock()
			b.lastFailure = time.Now()
			b.mu.Unlock()
		}
		return nil, callErr
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w", b.name, ErrCircuitOpen)
	}
	return err
}

// State returns the current breaker state, accounting for an elapsed recovery timeout.
func (b *Breaker) State() BreakerState {
	return convertState(b.cb.State())
}

// Snapshot returns the breaker's counters and configuration.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	last := b.lastFailure
	b.mu.Unlock()

	return BreakerSnapshot{
		Name:                b.name,
		State:               b.State(),
		ConsecutiveFailures: b.cb.Counts().ConsecutiveFailures,
		LastFailure:         last,
		FailureThreshold:    b.cfg.FailureThreshold,
		RecoveryTimeout:     b.cfg.RecoveryTimeout,
	}
}

func convertState(s gobreaker.State) BreakerState {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
