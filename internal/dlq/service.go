// Package dlq stores deliveries that could not be completed and redelivers
// them on request or on an exponential schedule.
package dlq

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sapliy/coordination/internal/metrics"
	"github.com/sapliy/coordination/pkg/apperr"
	"github.com/sapliy/coordination/pkg/messaging"
	"github.com/sapliy/coordination/pkg/remote"
	"github.com/sapliy/coordination/pkg/syncx"
	"github.com/sapliy/coordination/pkg/worker"
)

// errUnchanged ends a mutation without writing.
var errUnchanged = errors.New("unchanged")

type Caller interface {
	Do(ctx context.Context, req remote.Request) (*remote.Response, error)
}

type Scheduler interface {
	Go(name string, fn func(ctx context.Context)) error
}

type Config struct {
	MaxRetries        int
	DeliveryPath      string
	AutoRetryInterval time.Duration
	AutoRetryBase     time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:    5,
		DeliveryPath:  "/events",
		AutoRetryBase: 30 * time.Second,
	}
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

	locks    *syncx.KeyedMutex
	inflight *syncx.KeyedMutex
	scanPage int
}

func NewService(repo Repository, caller Caller, pool Scheduler, cfg Config, logger *slog.Logger, opts ...Option) *Service {
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.DeliveryPath == "" {
		cfg.DeliveryPath = def.DeliveryPath
	}
	if cfg.AutoRetryBase <= 0 {
		cfg.AutoRetryBase = def.AutoRetryBase
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		repo:     repo,
		caller:   caller,
		pool:     pool,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics.Prometheus{},
		now:      time.Now,
		locks:    syncx.NewKeyedMutex(),
		inflight: syncx.NewKeyedMutex(),
		scanPage: 200,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue records a new unresolved dead letter.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (*Message, error) {
	req.SourceQueue = strings.TrimSpace(req.SourceQueue)
	req.DestinationService = strings.TrimSpace(req.DestinationService)
	if req.SourceQueue == "" {
		return nil, apperr.Invalid("source_queue is required")
	}
	if req.DestinationService == "" {
		return nil, apperr.Invalid("destination_service is required")
	}
	if !req.Endpoint.IsZero() {
		if err := req.Endpoint.Validate(); err != nil {
			return nil, fmt.Errorf("endpoint: %w", err)
		}
	}
	if req.DestinationURL != "" {
		u, err := url.Parse(req.DestinationURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, apperr.Invalid("destination_url %q must be an absolute http(s) URL", req.DestinationURL)
		}
	}
	payload := bytes.TrimSpace(req.Payload)
	if len(payload) == 0 {
		payload = []byte("null")
	}
	if !json.Valid(payload) {
		return nil, apperr.Invalid("payload must be valid JSON")
	}

	m := &Message{
		ID:                 uuid.New().String(),
		SourceQueue:        req.SourceQueue,
		DestinationService: req.DestinationService,
		DestinationURL:     req.DestinationURL,
		Endpoint:           req.Endpoint,
		Payload:            json.RawMessage(payload),
		ErrorMessage:       req.ErrorMessage,
		CreatedAt:          s.now().UTC(),
	}
	if err := s.repo.Create(ctx, m); err != nil {
		return nil, fmt.Errorf("failed to store dead letter: %w", err)
	}

	s.metrics.DeadLetter("enqueued")
	s.logger.Warn("message dead-lettered",
		"dead_letter_id", m.ID, "source_queue", m.SourceQueue, "destination", m.DestinationService, "reason", m.ErrorMessage)
	s.events.Emit(ctx, messaging.EntityDeadLetter, m.ID, "enqueued", nil)
	return m, nil
}

// Retry counts a redelivery attempt and starts it in the background. It is
// rejected for resolved messages, exhausted budgets and while an earlier retry
// of the same message is still running.
func (s *Service) Retry(ctx context.Context, id string) (*Message, error) {
	release, ok := s.inflight.TryLock(id)
	if !ok {
		return nil, apperr.State("a retry of dead letter %s is already in flight", id)
	}

	m, err := s.mutate(ctx, id, func(m *Message) error {
		if m.Resolved {
			return apperr.State("dead letter %s is resolved", m.ID)
		}
		if m.RetryCount >= s.cfg.MaxRetries {
			return apperr.State("dead letter %s used its retry budget of %d", m.ID, s.cfg.MaxRetries)
		}
		now := s.now().UTC()
		m.RetryCount++
		m.LastRetryAt = &now
		return nil
	})
	if err != nil {
		release()
		return nil, err
	}
	s.metrics.DeadLetter("retried")

	err = s.pool.Go("redeliver:"+id, func(ctx context.Context) {
		defer release()
		s.redeliver(ctx, id)
	})
	if err != nil {
		release()
		s.logger.Warn("failed to schedule redelivery", "dead_letter_id", id, "error", err)
	}
	return m, nil
}

func (s *Service) redeliver(ctx context.Context, id string) {
	m, err := s.repo.Get(ctx, id)
	if err != nil {
		s.logger.Error("failed to load dead letter", "dead_letter_id", id, "error", err)
		return
	}
	if m.Resolved {
		return
	}

	_, callErr := s.caller.Do(ctx, s.redeliveryRequest(m))
	if ctx.Err() != nil {
		return
	}

	_, err = s.mutate(ctx, id, func(m *Message) error {
		if m.Resolved {
			return errUnchanged
		}
		if callErr != nil {
			m.ErrorMessage = callErr.Error()
			return nil
		}
		now := s.now().UTC()
		m.Resolved = true
		m.ResolvedAt = &now
		return nil
	})
	if err != nil {
		s.logger.Error("failed to record redelivery", "dead_letter_id", id, "error", err)
		return
	}

	if callErr != nil {
		s.metrics.DeadLetter("redelivery_failed")
		s.logger.Warn("redelivery failed", "dead_letter_id", id, "destination", m.DestinationService, "error", callErr)
		s.events.Emit(ctx, messaging.EntityDeadLetter, id, "redelivery_failed", callErr)
		return
	}
	s.metrics.DeadLetter("redelivered")
	s.logger.Info("dead letter redelivered", "dead_letter_id", id, "destination", m.DestinationService)
	s.events.Emit(ctx, messaging.EntityDeadLetter, id, "resolved", nil)
}

// Resolve marks a message handled. Resolving a resolved message is a no-op.
func (s *Service) Resolve(ctx context.Context, id string) (*Message, error) {
	resolvedNow := false
	m, err := s.mutate(ctx, id, func(m *Message) error {
		if m.Resolved {
			return errUnchanged
		}
		now := s.now().UTC()
		m.Resolved = true
		m.ResolvedAt = &now
		resolvedNow = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if resolvedNow {
		s.metrics.DeadLetter("resolved")
		s.logger.Info("dead letter resolved", "dead_letter_id", id)
		s.events.Emit(ctx, messaging.EntityDeadLetter, id, "resolved", nil)
	}
	return m, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Message, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, filter ListFilter) ([]*Message, error) {
	if filter.Limit < 0 || filter.Offset < 0 {
		return nil, apperr.Invalid("limit and offset must not be negative")
	}
	return s.repo.List(ctx, filter)
}

// RetryDue retries every unresolved message whose backoff of
// base * 2^retry_count has elapsed since its last attempt. It walks the
// unresolved set oldest first, one page at a time.
func (s *Service) RetryDue(ctx context.Context) (int, error) {
	unresolved := false
	filter := ListFilter{Resolved: &unresolved, OldestFirst: true, Limit: s.scanPage}

	now := s.now()
	retried := 0
	for {
		page, err := s.repo.List(ctx, filter)
		if err != nil {
			return retried, fmt.Errorf("failed to list unresolved dead letters: %w", err)
		}
		for _, m := range page {
			if m.RetryCount >= s.cfg.MaxRetries || !s.due(m, now) {
				continue
			}
			_, err := s.Retry(ctx, m.ID)
			switch {
			case err == nil:
				retried++
			case errors.Is(err, apperr.ErrInvalidState), errors.Is(err, apperr.ErrConflict):
			default:
				s.logger.Error("automatic retry failed", "dead_letter_id", m.ID, "error", err)
			}
		}
		if len(page) < s.scanPage || ctx.Err() != nil {
			return retried, ctx.Err()
		}
		last := page[len(page)-1]
		filter.After = &Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
}

// RunAutoRetry calls RetryDue on the configured interval. A zero interval disables it.
func (s *Service) RunAutoRetry(ctx context.Context) {
	if s.cfg.AutoRetryInterval <= 0 {
		return
	}
	worker.Every(ctx, s.cfg.AutoRetryInterval, func(ctx context.Context) {
		if _, err := s.RetryDue(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("automatic retry scan failed", "error", err)
		}
	})
}

func (s *Service) due(m *Message, now time.Time) bool {
	last := m.CreatedAt
	if m.LastRetryAt != nil {
		last = *m.LastRetryAt
	}
	wait := time.Duration(float64(s.cfg.AutoRetryBase) * math.Pow(2, float64(m.RetryCount)))
	return now.Sub(last) >= wait
}

func (s *Service) mutate(ctx context.Context, id string, fn func(m *Message) error) (*Message, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	m, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(m); err != nil {
		if errors.Is(err, errUnchanged) {
			return m, nil
		}
		return nil, err
	}
	if err := s.repo.Update(ctx, m); err != nil {
		return nil, fmt.Errorf("failed to save dead letter %s: %w", id, err)
	}
	return m, nil
}

func (s *Service) redeliveryRequest(m *Message) remote.Request {
	ep := m.Endpoint
	if ep.IsZero() {
		ep = remote.Endpoint{Method: http.MethodPost, Path: s.cfg.DeliveryPath}
	}
	return remote.Request{
		Service:  m.DestinationService,
		BaseURL:  m.DestinationURL,
		Endpoint: ep,
		Body:     []byte(m.Payload),
		Header: http.Header{
			"X-Dead-Letter-Id": []string{m.ID},
			"X-Source-Queue":   []string{m.SourceQueue},
		},
	}
}
