package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Entity kinds carried in lifecycle events.
const (
	EntityTransaction = "transaction"
	EntitySaga        = "saga"
	EntityDeadLetter  = "dead_letter"
	EntityOutbox      = "outbox_message"
)

// LifecycleEvent announces a state change of a coordinated entity.
type LifecycleEvent struct {
	Entity     string    `json:"entity"`
	ID         string    `json:"id"`
	State      string    `json:"state"`
	Service    string    `json:"service"`
	Error      string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher is the transport behind an Emitter.
type Publisher interface {
	Publish(ctx context.Context, key string, value []byte) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, key string, value []byte) error

func (f PublisherFunc) Publish(ctx context.Context, key string, value []byte) error {
	return f(ctx, key, value)
}

// Emitter publishes lifecycle events keyed by entity id. Emit only queues the
// event; a single sender goroutine publishes in queue order, so events of one
// entity keep the order they were emitted in. A full queue drops the event.
// Publishing failures are logged and never reach the caller. A nil Emitter or
// Publisher drops events.
type Emitter struct {
	pub     Publisher
	service string
	logger  *slog.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan queuedEvent
	done   chan struct{}
}

type queuedEvent struct {
	key   string
	value []byte
	ev    LifecycleEvent
}

// DefaultEmitterBuffer is the number of events that may wait for the broker.
const DefaultEmitterBuffer = 1024

func NewEmitter(pub Publisher, service string, logger *slog.Logger) *Emitter {
	return NewBufferedEmitter(pub, service, DefaultEmitterBuffer, logger)
}

func NewBufferedEmitter(pub Publisher, service string, buffer int, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer < 1 {
		buffer = 1
	}
	e := &Emitter{
		pub:     pub,
		service: service,
		logger:  logger,
		timeout: 2 * time.Second,
		queue:   make(chan queuedEvent, buffer),
		done:    make(chan struct{}),
	}
	if pub == nil {
		close(e.done)
		return e
	}
	go e.run()
	return e
}

// Emit queues an event and returns without waiting for the broker.
func (e *Emitter) Emit(_ context.Context, entity, id, state string, cause error) {
	if e == nil || e.pub == nil {
		return
	}

	ev := LifecycleEvent{
		Entity:     entity,
		ID:         id,
		State:      state,
		Service:    e.service,
		OccurredAt: time.Now().UTC(),
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	value, err := json.Marshal(ev)
	if err != nil {
		e.logger.Error("failed to encode lifecycle event", "entity", entity, "id", id, "error", err)
		return
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.logger.Warn("lifecycle event dropped after close", "entity", entity, "id", id, "state", state)
		return
	}
	select {
	case e.queue <- queuedEvent{key: id, value: value, ev: ev}:
	default:
		e.logger.Warn("lifecycle event queue full, event dropped", "entity", entity, "id", id, "state", state)
	}
}

func (e *Emitter) run() {
	defer close(e.done)
	for q := range e.queue {
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		if err := e.pub.Publish(ctx, q.key, q.value); err != nil {
			e.logger.Warn("failed to publish lifecycle event",
				"entity", q.ev.Entity, "id", q.ev.ID, "state", q.ev.State, "error", err)
		}
		cancel()
	}
}

// Close stops accepting events and waits until the queued ones are published
// or ctx is done.
func (e *Emitter) Close(ctx context.Context) error {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("lifecycle events still queued: %w", ctx.Err())
	}
}
