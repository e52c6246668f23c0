package dlq

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sapliy/coordination/pkg/apperr"
)

type Repository interface {
	Create(ctx context.Context, m *Message) error
	Get(ctx context.Context, id string) (*Message, error)
	Update(ctx context.Context, m *Message) error
	List(ctx context.Context, filter ListFilter) ([]*Message, error)
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
		return fmt.Errorf("dead letter %s: %w", m.ID, apperr.ErrConflict)
	}
	m.Version = 1
	r.messages[m.ID] = m.clone()
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.messages[id]
	if !ok {
		return nil, fmt.Errorf("dead letter %s: %w", id, apperr.ErrNotFound)
	}
	return m.clone(), nil
}

func (r *MemoryRepository) Update(_ context.Context, m *Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.messages[m.ID]
	if !ok {
		return fmt.Errorf("dead letter %s: %w", m.ID, apperr.ErrNotFound)
	}
	if stored.Version != m.Version {
		return fmt.Errorf("dead letter %s at version %d, have %d: %w", m.ID, stored.Version, m.Version, apperr.ErrConflict)
	}
	m.Version++
	r.messages[m.ID] = m.clone()
	return nil
}

func (r *MemoryRepository) List(_ context.Context, filter ListFilter) ([]*Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Message
	for _, m := range r.messages {
		if filter.matches(m) {
			out = append(out, m.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if filter.OldestFirst {
			a, b = b, a
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
