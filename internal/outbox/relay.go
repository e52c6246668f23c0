package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sapliy/coordination/internal/dlq"
	"github.com/sapliy/coordination/internal/metrics"
	"github.com/sapliy/coordination/pkg/messaging"
	"github.com/sapliy/coordination/pkg/remote"
	"github.com/sapliy/coordination/pkg/worker"
)

// SourceQueue labels dead letters produced by the relay.
const SourceQueue = "outbox"

type Caller interface {
	Do(ctx context.Context, req remote.Request) (*remote.Response, error)
}

type DeadLetterer interface {
	Enqueue(ctx context.Context, req dlq.EnqueueRequest) (*dlq.Message, error)
}

type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
	MaxRetries   int
	DeliveryPath string
}

func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		PollInterval: time.Second,
		BatchSize:    10,
		MaxRetries:   5,
		DeliveryPath: "/events",
	}
}

type RelayOption func(*Relay)

// WithLease makes the relay deliver only while it holds the lease.
func WithLease(l Lease) RelayOption {
	return func(r *Relay) { r.lease = l }
}

func WithRelayEvents(e *messaging.Emitter) RelayOption {
	return func(r *Relay) { r.events = e }
}

func WithRelayMetrics(m metrics.Recorder) RelayOption {
	return func(r *Relay) { r.metrics = m }
}

type Relay struct {
	repo    Repository
	caller  Caller
	dlq     DeadLetterer
	cfg     RelayConfig
	logger  *slog.Logger
	lease   Lease
	events  *messaging.Emitter
	metrics metrics.Recorder
	now     func() time.Time
}

func NewRelay(repo Repository, caller Caller, dead DeadLetterer, cfg RelayConfig, logger *slog.Logger, opts ...RelayOption) *Relay {
	def := DefaultRelayConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.DeliveryPath == "" {
		cfg.DeliveryPath = def.DeliveryPath
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Relay{
		repo:    repo,
		caller:  caller,
		dlq:     dead,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.Prometheus{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CycleResult counts what one relay cycle did.
type CycleResult struct {
	Delivered    int  `json:"delivered"`
	Failed       int  `json:"failed"`
	DeadLettered int  `json:"dead_lettered"`
	Deferred     int  `json:"deferred"`
	Skipped      bool `json:"skipped,omitempty"`
}

// RunOnce delivers one batch of pending messages. After a destination fails,
// its remaining messages in the batch wait for the next cycle so they are not
// delivered ahead of the failed one.
func (r *Relay) RunOnce(ctx context.Context) (CycleResult, error) {
	var res CycleResult
	if r.lease != nil {
		held, err := r.lease.Acquire(ctx)
		if err != nil {
			return res, err
		}
		if !held {
			res.Skipped = true
			return res, nil
		}
	}

	if n, err := r.repo.CountPending(ctx); err == nil {
		r.metrics.OutboxBacklog(n)
	}

	batch, err := r.repo.Pending(ctx, r.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("failed to load pending messages: %w", err)
	}

	blocked := make(map[string]bool)
	for _, m := range batch {
		if blocked[m.DestinationService] {
			res.Deferred++
			continue
		}

		deliverErr := r.deliver(ctx, m)
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if deliverErr == nil {
			if err := r.repo.MarkProcessed(ctx, m.ID, r.now().UTC()); err != nil {
				return res, fmt.Errorf("failed to mark %s processed: %w", m.ID, err)
			}
			res.Delivered++
			r.metrics.OutboxDelivery("delivered")
			r.events.Emit(ctx, messaging.EntityOutbox, m.ID, string(StatusProcessed), nil)
			continue
		}

		blocked[m.DestinationService] = true
		res.Failed++
		r.metrics.OutboxDelivery("failed")

		count, err := r.repo.RecordFailure(ctx, m.ID, deliverErr.Error())
		if err != nil {
			return res, fmt.Errorf("failed to record failure of %s: %w", m.ID, err)
		}
		r.logger.Warn("outbox delivery failed",
			"message_id", m.ID, "destination", m.DestinationService, "retry_count", count, "error", deliverErr)

		if count >= r.cfg.MaxRetries {
			if r.deadLetter(ctx, m, count, deliverErr) {
				res.DeadLettered++
			}
		}
	}
	return res, nil
}

// Run relays on every poll interval until ctx is done, then gives up the lease.
func (r *Relay) Run(ctx context.Context) {
	worker.Every(ctx, r.cfg.PollInterval, func(ctx context.Context) {
		res, err := r.RunOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("relay cycle failed", "error", err)
			return
		}
		if res.Delivered+res.Failed > 0 {
			r.logger.Debug("relay cycle", "delivered", res.Delivered, "failed", res.Failed,
				"dead_lettered", res.DeadLettered, "deferred", res.Deferred)
		}
	})

	if r.lease != nil {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := r.lease.Release(releaseCtx); err != nil {
			r.logger.Warn("failed to release relay lease", "error", err)
		}
	}
}

func (r *Relay) deliver(ctx context.Context, m *Message) error {
	_, err := r.caller.Do(ctx, remote.Request{
		Service:  m.DestinationService,
		Endpoint: r.endpoint(),
		Body:     []byte(m.Payload),
		Header:   http.Header{"X-Outbox-Message-Id": []string{m.ID}},
	})
	return err
}

func (r *Relay) endpoint() remote.Endpoint {
	return remote.Endpoint{Method: http.MethodPost, Path: r.cfg.DeliveryPath}
}

// deadLetter hands the message to the DLQ and reports whether it was accepted.
// A message the DLQ did not take stays pending and is tried again.
func (r *Relay) deadLetter(ctx context.Context, m *Message, count int, cause error) bool {
	if r.dlq == nil {
		r.logger.Error("retries exhausted and no dead letter queue configured", "message_id", m.ID)
		return false
	}
	_, err := r.dlq.Enqueue(ctx, dlq.EnqueueRequest{
		SourceQueue:        SourceQueue,
		DestinationService: m.DestinationService,
		Endpoint:           r.endpoint(),
		Payload:            m.Payload,
		ErrorMessage:       fmt.Sprintf("outbox message %s failed %d times: %v", m.ID, count, cause),
	})
	if err != nil {
		r.logger.Error("failed to dead-letter outbox message", "message_id", m.ID, "error", err)
		return false
	}
	if err := r.repo.MarkDeadLettered(ctx, m.ID, r.now().UTC()); err != nil {
		r.logger.Error("failed to mark outbox message dead-lettered", "message_id", m.ID, "error", err)
		return false
	}

	r.metrics.OutboxDelivery("dead_lettered")
	r.logger.Warn("outbox message dead-lettered", "message_id", m.ID, "destination", m.DestinationService, "retry_count", count)
	r.events.Emit(ctx, messaging.EntityOutbox, m.ID, string(StatusDeadLettered), cause)
	return true
}
