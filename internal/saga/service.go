// Package saga runs multi-step business processes with compensation.
//
// Steps execute one at a time in ordinal order. When a step fails, every step
// that already executed is compensated in reverse order and the saga ends
// Failed. A compensation that fails is recorded on the step and handed to the
// dead letter queue; earlier compensations still run.
package saga

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sapliy/coordination/internal/dlq"
	"github.com/sapliy/coordination/internal/metrics"
	"github.com/sapliy/coordination/pkg/apperr"
	"github.com/sapliy/coordination/pkg/messaging"
	"github.com/sapliy/coordination/pkg/remote"
	"github.com/sapliy/coordination/pkg/syncx"
)

// SourceQueue labels dead letters produced by failed compensations.
const SourceQueue = "saga.compensation"

var errStale = errors.New("saga state changed")

type Caller interface {
	Do(ctx context.Context, req remote.Request) (*remote.Response, error)
}

type Scheduler interface {
	Go(name string, fn func(ctx context.Context)) error
}

// DeadLetterer accepts compensations that could not be applied.
type DeadLetterer interface {
	Enqueue(ctx context.Context, req dlq.EnqueueRequest) (*dlq.Message, error)
}

// StepRequest describes one step of a new saga.
type StepRequest struct {
	ServiceName          string          `json:"service_name"`
	ServiceURL           string          `json:"service_url,omitempty"`
	ActionEndpoint       remote.Endpoint `json:"action_endpoint"`
	CompensationEndpoint remote.Endpoint `json:"compensation_endpoint"`
	Payload              json.RawMessage `json:"payload"`
}

type Option func(*Service)

func WithEvents(e *messaging.Emitter) Option {
	return func(s *Service) { s.events = e }
}

func WithMetrics(m metrics.Recorder) Option {
	return func(s *Service) { s.metrics = m }
}

func WithDeadLetters(d DeadLetterer) Option {
	return func(s *Service) { s.dlq = d }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

type Service struct {
	repo    Repository
	caller  Caller
	pool    Scheduler
	logger  *slog.Logger
	dlq     DeadLetterer
	events  *messaging.Emitter
	metrics metrics.Recorder
	now     func() time.Time

	locks *syncx.KeyedMutex
	runs  *syncx.KeyedMutex
}

func NewService(repo Repository, caller Caller, pool Scheduler, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		repo:    repo,
		caller:  caller,
		pool:    pool,
		logger:  logger,
		metrics: metrics.Prometheus{},
		now:     time.Now,
		locks:   syncx.NewKeyedMutex(),
		runs:    syncx.NewKeyedMutex(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartSaga persists a new saga and starts executing it in the background.
func (s *Service) StartSaga(ctx context.Context, name string, steps []StepRequest) (*Saga, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.Invalid("name is required")
	}
	if len(steps) == 0 {
		return nil, apperr.Invalid("a saga needs at least one step")
	}

	now := s.now().UTC()
	sg := &Saga{
		ID:        uuid.New().String(),
		Name:      name,
		Steps:     make([]Step, 0, len(steps)),
		State:     StateStarted,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for i, req := range steps {
		step, err := newStep(i+1, req)
		if err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
		sg.Steps = append(sg.Steps, step)
	}

	if err := s.repo.Create(ctx, sg); err != nil {
		return nil, fmt.Errorf("failed to create saga: %w", err)
	}
	s.metrics.Saga(string(sg.State))
	s.logger.Info("saga started", "saga_id", sg.ID, "name", sg.Name, "steps", len(sg.Steps))

	s.schedule("execute", sg.ID, s.runSaga)
	return sg, nil
}

func (s *Service) GetSaga(ctx context.Context, id string) (*Saga, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) ListSagas(ctx context.Context, filter ListFilter) ([]*Saga, error) {
	return s.repo.List(ctx, filter)
}

func (s *Service) schedule(phase, id string, fn func(ctx context.Context, id string)) {
	err := s.pool.Go(phase+":"+id, func(ctx context.Context) {
		fn(ctx, id)
	})
	if err != nil {
		s.logger.Warn("failed to schedule saga work", "saga_id", id, "phase", phase, "error", err)
	}
}

func (s *Service) mutate(ctx context.Context, id string, fn func(sg *Saga) error) (*Saga, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	sg, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	prev := sg.State
	if err := fn(sg); err != nil {
		return nil, err
	}
	sg.UpdatedAt = s.now().UTC()
	if err := s.repo.Update(ctx, sg); err != nil {
		return nil, fmt.Errorf("failed to save saga %s: %w", id, err)
	}
	if sg.State != prev {
		s.transitioned(ctx, sg, prev)
	}
	return sg, nil
}

func (s *Service) transitioned(ctx context.Context, sg *Saga, from State) {
	s.metrics.Saga(string(sg.State))

	attrs := []any{"saga_id", sg.ID, "name", sg.Name, "from", from, "to", sg.State}
	if sg.LastError != "" {
		attrs = append(attrs, "reason", sg.LastError)
	}
	s.logger.Info("saga state changed", attrs...)

	var cause error
	if sg.LastError != "" && (sg.State == StateCompensating || sg.State == StateFailed) {
		cause = errors.New(sg.LastError)
	}
	s.events.Emit(ctx, messaging.EntitySaga, sg.ID, string(sg.State), cause)
}

func newStep(ordinal int, req StepRequest) (Step, error) {
	step := Step{
		Ordinal:              ordinal,
		ServiceName:          strings.TrimSpace(req.ServiceName),
		ServiceURL:           req.ServiceURL,
		ActionEndpoint:       req.ActionEndpoint,
		CompensationEndpoint: req.CompensationEndpoint,
		State:                StepPending,
	}
	if step.ServiceName == "" {
		return Step{}, apperr.Invalid("service_name is required")
	}
	for name, ep := range map[string]remote.Endpoint{
		"action_endpoint":       step.ActionEndpoint,
		"compensation_endpoint": step.CompensationEndpoint,
	} {
		if ep.IsZero() {
			return Step{}, apperr.Invalid("%s is required", name)
		}
		if err := ep.Validate(); err != nil {
			return Step{}, fmt.Errorf("%s: %w", name, err)
		}
	}
	if step.ServiceURL != "" {
		u, err := url.Parse(step.ServiceURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return Step{}, apperr.Invalid("service_url %q must be an absolute http(s) URL", step.ServiceURL)
		}
	}

	payload := bytes.TrimSpace(req.Payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		payload = []byte("{}")
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return Step{}, apperr.Invalid("payload must be a JSON object")
	}
	step.Payload = json.RawMessage(payload)
	return step, nil
}

func stepRequest(sagaID string, step Step, ep remote.Endpoint) remote.Request {
	return remote.Request{
		Service:  step.ServiceName,
		BaseURL:  step.ServiceURL,
		Endpoint: ep,
		Body:     []byte(step.Payload),
		Header: http.Header{
			"X-Saga-Id":   []string{sagaID},
			"X-Saga-Step": []string{strconv.Itoa(step.Ordinal)},
		},
	}
}
