package outbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sapliy/coordination/pkg/apperr"
)

// Repository stores outbox messages. The mark methods are idempotent: marking
// an already processed message is a no-op.
type Repository interface {
	Create(ctx context.Context, m *Message) error
	Get(ctx context.Context, id string) (*Message, error)
	List(ctx context.Context, filter ListFilter) ([]*Message, error)
	// Pending returns up to limit deliverable messages, oldest first.
	Pending(ctx context.Context, limit int) ([]*Message, error)
	CountPending(ctx context.Context) (int, error)
	MarkProcessed(ctx context.Context, id string, at time.Time) error
	// RecordFailure bumps the retry count and returns the new value.
	RecordFailure(ctx context.Context, id, reason string) (int, error)
	MarkDeadLettered(ctx context.Context, id string, at time.Time) error
}

type MemoryRepository struct {
	mu       sync.RWMutex
	messages map[string]*Message
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{messages: make(map[string]*Message)}
}

func (r *MemoryRepository) Create(_ context.Context, m *Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.messages[m.ID]; exists {
		return fmt.Errorf("outbox message %s: %w", m.ID, apperr.ErrConflict)
	}
	r.messages[m.ID] = m.clone()
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.messages[id]
	if !ok {
		return nil, fmt.Errorf("outbox message %s: %w", id, apperr.ErrNotFound)
	}
	return m.clone(), nil
}

func (r *MemoryRepository) List(_ context.Context, filter ListFilter) ([]*Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sorted(func(m *Message) bool {
		return filter.Status == "" || m.Status() == filter.Status
	}, filter.Limit), nil
}

func (r *MemoryRepository) Pending(_ context.Context, limit int) ([]*Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sorted(func(m *Message) bool { return m.Status() == StatusPending }, limit), nil
}

func (r *MemoryRepository) CountPending(_ context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, m := range r.messages {
		if m.Status() == StatusPending {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) MarkProcessed(_ context.Context, id string, at time.Time) error {
	return r.update(id, func(m *Message) {
		if m.Processed {
			return
		}
		m.Processed = true
		m.ProcessedAt = &at
		m.LastError = ""
	})
}

func (r *MemoryRepository) RecordFailure(_ context.Context, id, reason string) (int, error) {
	var count int
	err := r.update(id, func(m *Message) {
		m.RetryCount++
		m.LastError = reason
		count = m.RetryCount
	})
	return count, err
}

func (r *MemoryRepository) MarkDeadLettered(_ context.Context, id string, at time.Time) error {
	return r.update(id, func(m *Message) {
		if m.DeadLettered {
			return
		}
		m.DeadLettered = true
		m.DeadLetteredAt = &at
	})
}

func (r *MemoryRepository) update(id string, fn func(m *Message)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[id]
	if !ok {
		return fmt.Errorf("outbox message %s: %w", id, apperr.ErrNotFound)
	}
	fn(m)
	return nil
}

func (r *MemoryRepository) sorted(keep func(*Message) bool, limit int) []*Message {
	var out []*Message
	for _, m := range r.messages {
		if keep(m) {
			out = append(out, m.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
