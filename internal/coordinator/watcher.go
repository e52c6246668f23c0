package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/sapliy/coordination/pkg/apperr"
	"github.com/sapliy/coordination/pkg/worker"
)

// ExpireStale aborts every open transaction whose timeout has elapsed since
// its last update, and returns how many it aborted.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	txs, err := s.repo.List(ctx, ListFilter{States: []State{StateStarted, StatePreparing, StatePrepared}})
	if err != nil {
		return 0, fmt.Errorf("failed to list open transactions: %w", err)
	}

	now := s.now()
	aborted := 0
	for _, tx := range txs {
		if !tx.Expired(now) {
			continue
		}
		_, err := s.abort(ctx, tx.ID, "transaction timed out", true)
		switch {
		case err == nil:
			aborted++
			s.logger.Warn("transaction timed out", "transaction_id", tx.ID, "state", tx.State, "timeout", tx.Timeout.Std())
		case errors.Is(err, errStale), errors.Is(err, apperr.ErrInvalidState):
		default:
			s.logger.Error("failed to abort expired transaction", "transaction_id", tx.ID, "error", err)
		}
	}
	return aborted, nil
}

// RunTimeoutWatcher calls ExpireStale on every scan interval until ctx is done.
func (s *Service) RunTimeoutWatcher(ctx context.Context) {
	worker.Every(ctx, s.cfg.ScanInterval, func(ctx context.Context) {
		if _, err := s.ExpireStale(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("timeout scan failed", "error", err)
		}
	})
}

// Recover resumes work interrupted by a restart. Aborting transactions resume
// their abort phase. Committing transactions are in doubt and become Failed.
// Started, Preparing and Prepared transactions are left to the timeout watcher.
func (s *Service) Recover(ctx context.Context) error {
	aborting, err := s.repo.List(ctx, ListFilter{States: []State{StateAborting}})
	if err != nil {
		return fmt.Errorf("failed to list aborting transactions: %w", err)
	}
	for _, tx := range aborting {
		s.logger.Info("resuming abort", "transaction_id", tx.ID)
		s.schedule("abort", tx.ID, s.runAbort)
	}

	committing, err := s.repo.List(ctx, ListFilter{States: []State{StateCommitting}})
	if err != nil {
		return fmt.Errorf("failed to list committing transactions: %w", err)
	}
	for _, tx := range committing {
		_, err := s.mutate(ctx, tx.ID, func(tx *Transaction) error {
			if tx.State != StateCommitting {
				return errStale
			}
			tx.State = StateFailed
			tx.LastError = fmt.Sprintf("commit interrupted by restart: %v", apperr.ErrInconsistent)
			return nil
		})
		if err != nil && !errors.Is(err, errStale) {
			return fmt.Errorf("failed to mark transaction %s failed: %w", tx.ID, err)
		}
	}
	return nil
}
