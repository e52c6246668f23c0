package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sapliy/coordination/pkg/apperr"
)

// Repository persists transactions. Update succeeds only when tx.Version
// matches the stored version, and then increments it.
type Repository interface {
	Create(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	Update(ctx context.Context, tx *Transaction) error
	List(ctx context.Context, filter ListFilter) ([]*Transaction, error)
}

// MemoryRepository keeps transactions in process memory. Used by tests and
// single-node deployments without a database.
type MemoryRepository struct {
	mu  sync.RWMutex
	txs map[string]*Transaction
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{txs: make(map[string]*Transaction)}
}

func (r *MemoryRepository) Create(_ context.Context, tx *Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.txs[tx.ID]; exists {
		return fmt.Errorf("transaction %s: %w", tx.ID, apperr.ErrConflict)
	}
	tx.Version = 1
	r.txs[tx.ID] = tx.clone()
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tx, ok := r.txs[id]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", id, apperr.ErrNotFound)
	}
	return tx.clone(), nil
}

func (r *MemoryRepository) Update(_ context.Context, tx *Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.txs[tx.ID]
	if !ok {
		return fmt.Errorf("transaction %s: %w", tx.ID, apperr.ErrNotFound)
	}
	if stored.Version != tx.Version {
		return fmt.Errorf("transaction %s at version %d, have %d: %w", tx.ID, stored.Version, tx.Version, apperr.ErrConflict)
	}
	tx.Version++
	r.txs[tx.ID] = tx.clone()
	return nil
}

func (r *MemoryRepository) List(_ context.Context, filter ListFilter) ([]*Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Transaction
	for _, tx := range r.txs {
		if filter.matches(tx) {
			out = append(out, tx.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
