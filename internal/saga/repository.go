package saga

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sapliy/coordination/pkg/apperr"
)

// Repository persists sagas. Update is a compare-and-set on Version.
type Repository interface {
	Create(ctx context.Context, s *Saga) error
	Get(ctx context.Context, id string) (*Saga, error)
	Update(ctx context.Context, s *Saga) error
	List(ctx context.Context, filter ListFilter) ([]*Saga, error)
}

type MemoryRepository struct {
	mu    sync.RWMutex
	sagas map[string]*Saga
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{sagas: make(map[string]*Saga)}
}

func (r *MemoryRepository) Create(_ context.Context, s *Saga) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sagas[s.ID]; exists {
		return fmt.Errorf("saga %s: %w", s.ID, apperr.ErrConflict)
	}
	s.Version = 1
	r.sagas[s.ID] = s.clone()
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*Saga, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sagas[id]
	if !ok {
		return nil, fmt.Errorf("saga %s: %w", id, apperr.ErrNotFound)
	}
	return s.clone(), nil
}

func (r *MemoryRepository) Update(_ context.Context, s *Saga) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.sagas[s.ID]
	if !ok {
		return fmt.Errorf("saga %s: %w", s.ID, apperr.ErrNotFound)
	}
	if stored.Version != s.Version {
		return fmt.Errorf("saga %s at version %d, have %d: %w", s.ID, stored.Version, s.Version, apperr.ErrConflict)
	}
	s.Version++
	r.sagas[s.ID] = s.clone()
	return nil
}

func (r *MemoryRepository) List(_ context.Context, filter ListFilter) ([]*Saga, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Saga
	for _, s := range r.sagas {
		if filter.matches(s) {
			out = append(out, s.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
