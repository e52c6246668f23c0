// Package coordinator runs two-phase commit across remote participants.
//
// Every public operation persists the requested transition and returns at
// once; the prepare, commit and abort phases run on the worker pool. A
// per-transaction lock serialises state changes inside the process and the
// repository's version check serialises them across processes.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sapliy/coordination/internal/metrics"
	"github.com/sapliy/coordination/pkg/apperr"
	"github.com/sapliy/coordination/pkg/jsonutil"
	"github.com/sapliy/coordination/pkg/messaging"
	"github.com/sapliy/coordination/pkg/remote"
	"github.com/sapliy/coordination/pkg/syncx"
)

// errStale is returned from a mutation when the transaction moved on underneath a phase.
var errStale = errors.New("transaction state changed")

// Caller performs one resilient remote call.
type Caller interface {
	Do(ctx context.Context, req remote.Request) (*remote.Response, error)
}

// Scheduler runs background work.
type Scheduler interface {
	Go(name string, fn func(ctx context.Context)) error
}

type Config struct {
	DefaultTimeout time.Duration
	ScanInterval   time.Duration
}

func DefaultConfig() Config {
	return Config{DefaultTimeout: 30 * time.Second, ScanInterval: time.Second}
}

type Option func(*Service)

func WithEvents(e *messaging.Emitter) Option {
	return func(s *Service) { s.events = e }
}

func WithMetrics(m metrics.Recorder) Option {
	return func(s *Service) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

type Service struct {
	repo    Repository
	caller  Caller
	pool    Scheduler
	cfg     Config
	logger  *slog.Logger
	events  *messaging.Emitter
	metrics metrics.Recorder
	now     func() time.Time

	// locks guards read-modify-write of a transaction; phases ensures one
	// background phase per transaction at a time.
	locks  *syncx.KeyedMutex
	phases *syncx.KeyedMutex
}

func NewService(repo Repository, caller Caller, pool Scheduler, cfg Config, logger *slog.Logger, opts ...Option) *Service {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = DefaultConfig().ScanInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		repo:    repo,
		caller:  caller,
		pool:    pool,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.Prometheus{},
		now:     time.Now,
		locks:   syncx.NewKeyedMutex(),
		phases:  syncx.NewKeyedMutex(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateTransaction registers a new transaction in Started. A zero timeout uses the default.
func (s *Service) CreateTransaction(ctx context.Context, timeout time.Duration) (*Transaction, error) {
	if timeout < 0 {
		return nil, apperr.Invalid("timeout must not be negative")
	}
	if timeout == 0 {
		timeout = s.cfg.DefaultTimeout
	}

	now := s.now().UTC()
	tx := &Transaction{
		ID:           uuid.New().String(),
		State:        StateStarted,
		Timeout:      jsonutil.Duration(timeout),
		Participants: []Participant{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.Create(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}

	s.metrics.Transaction(string(tx.State))
	s.logger.Info("transaction created", "transaction_id", tx.ID, "timeout", timeout)
	return tx, nil
}

// AddParticipant enlists a service. Only allowed while the transaction is Started.
func (s *Service) AddParticipant(ctx context.Context, id string, p Participant) (*Transaction, error) {
	if err := validateParticipant(&p); err != nil {
		return nil, err
	}

	return s.mutate(ctx, id, func(tx *Transaction) error {
		if tx.State != StateStarted {
			return apperr.State("transaction %s is %s, participants can only join while started", tx.ID, tx.State)
		}
		if tx.participant(p.ServiceName) != nil {
			return fmt.Errorf("participant %s already enlisted: %w", p.ServiceName, apperr.ErrConflict)
		}
		p.TransactionID = tx.ID
		p.State = ParticipantPreparing
		p.LastError = ""
		tx.Participants = append(tx.Participants, p)
		return nil
	})
}

// Prepare moves a Started transaction to Preparing and starts the prepare phase.
func (s *Service) Prepare(ctx context.Context, id string) (*Transaction, error) {
	tx, err := s.mutate(ctx, id, func(tx *Transaction) error {
		if tx.State != StateStarted {
			return apperr.State("transaction %s is %s, prepare requires started", tx.ID, tx.State)
		}
		if len(tx.Participants) == 0 {
			return apperr.State("transaction %s has no participants", tx.ID)
		}
		tx.State = StatePreparing
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.schedule("prepare", id, s.runPrepare)
	return tx, nil
}

// Commit moves a Prepared transaction to Committing and starts the commit phase.
func (s *Service) Commit(ctx context.Context, id string) (*Transaction, error) {
	tx, err := s.mutate(ctx, id, func(tx *Transaction) error {
		if tx.State != StatePrepared {
			return apperr.State("transaction %s is %s, commit requires prepared", tx.ID, tx.State)
		}
		tx.State = StateCommitting
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.schedule("commit", id, s.runCommit)
	return tx, nil
}

// Abort aborts a transaction that has not started committing. Calling it on an
// Aborting transaction re-sends abort to participants that have not acknowledged.
func (s *Service) Abort(ctx context.Context, id string) (*Transaction, error) {
	return s.abort(ctx, id, "aborted by request", false)
}

func (s *Service) abort(ctx context.Context, id, reason string, onlyIfExpired bool) (*Transaction, error) {
	tx, err := s.mutate(ctx, id, func(tx *Transaction) error {
		if !tx.State.Abortable() {
			return apperr.State("transaction %s is %s and can no longer be aborted", tx.ID, tx.State)
		}
		if onlyIfExpired && !tx.Expired(s.now()) {
			return errStale
		}
		if tx.State == StateStarted {
			// No participant has been contacted yet.
			for i := range tx.Participants {
				tx.Participants[i].State = ParticipantAborted
			}
			tx.State = StateAborted
			tx.LastError = reason
			return nil
		}
		if tx.State != StateAborting {
			tx.LastError = reason
		}
		tx.State = StateAborting
		return nil
	})
	if err != nil {
		return nil, err
	}
	if tx.State == StateAborting {
		s.schedule("abort", id, s.runAbort)
	}
	return tx, nil
}

func (s *Service) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) ListTransactions(ctx context.Context, filter ListFilter) ([]*Transaction, error) {
	return s.repo.List(ctx, filter)
}

func (s *Service) schedule(phase, id string, fn func(ctx context.Context, id string)) {
	err := s.pool.Go(phase+":"+id, func(ctx context.Context) {
		fn(ctx, id)
	})
	if err != nil {
		// The transition is persisted; recovery or the timeout watcher picks it up.
		s.logger.Warn("failed to schedule phase", "transaction_id", id, "phase", phase, "error", err)
	}
}

// mutate applies fn to the latest copy of the transaction under its lock and persists the result.
func (s *Service) mutate(ctx context.Context, id string, fn func(tx *Transaction) error) (*Transaction, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	tx, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	prev := tx.State
	if err := fn(tx); err != nil {
		return nil, err
	}
	tx.UpdatedAt = s.now().UTC()
	if err := s.repo.Update(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to save transaction %s: %w", id, err)
	}
	if tx.State != prev {
		s.transitioned(ctx, tx, prev)
	}
	return tx, nil
}

func (s *Service) transitioned(ctx context.Context, tx *Transaction, from State) {
	s.metrics.Transaction(string(tx.State))

	attrs := []any{"transaction_id", tx.ID, "from", from, "to", tx.State}
	if tx.LastError != "" {
		attrs = append(attrs, "reason", tx.LastError)
	}
	if tx.State == StateFailed {
		s.logger.Error("transaction failed, operator intervention required", attrs...)
	} else {
		s.logger.Info("transaction state changed", attrs...)
	}

	var cause error
	if tx.LastError != "" && (tx.State == StateFailed || tx.State == StateAborted || tx.State == StateAborting) {
		cause = errors.New(tx.LastError)
	}
	s.events.Emit(ctx, messaging.EntityTransaction, tx.ID, string(tx.State), cause)
}

func validateParticipant(p *Participant) error {
	p.ServiceName = strings.TrimSpace(p.ServiceName)
	if p.ServiceName == "" {
		return apperr.Invalid("service_name is required")
	}
	for name, ep := range map[string]remote.Endpoint{
		"prepare": p.Endpoints.Prepare,
		"commit":  p.Endpoints.Commit,
		"abort":   p.Endpoints.Abort,
	} {
		if ep.IsZero() {
			return apperr.Invalid("endpoints.%s is required", name)
		}
		if err := ep.Validate(); err != nil {
			return fmt.Errorf("endpoints.%s: %w", name, err)
		}
	}
	if p.ServiceURL != "" {
		u, err := url.Parse(p.ServiceURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return apperr.Invalid("service_url %q must be an absolute http(s) URL", p.ServiceURL)
		}
	}
	return nil
}

func participantRequest(txID string, p Participant, ep remote.Endpoint) remote.Request {
	return remote.Request{
		Service:  p.ServiceName,
		BaseURL:  p.ServiceURL,
		Endpoint: ep,
		Body:     map[string]string{"transaction_id": txID},
		Header:   http.Header{"X-Transaction-Id": []string{txID}},
	}
}
