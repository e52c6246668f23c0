package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sapliy/coordination/pkg/apperr"
)

func (s *Service) call(ctx context.Context, txID string, p Participant, phase string) error {
	ep := p.Endpoints.Prepare
	switch phase {
	case "commit":
		ep = p.Endpoints.Commit
	case "abort":
		ep = p.Endpoints.Abort
	}
	_, err := s.caller.Do(ctx, participantRequest(txID, p, ep))
	if err != nil {
		s.logger.Warn("participant call failed", "transaction_id", txID, "participant", p.ServiceName, "phase", phase, "error", err)
	}
	return err
}

// runPrepare asks each participant to prepare, in order. The first failure
// marks that participant Failed and switches the transaction to the abort phase.
func (s *Service) runPrepare(ctx context.Context, id string) {
	unlock := s.phases.Lock(id)
	defer unlock()
	timer := s.metrics.Phase("prepare")
	defer timer.ObserveDuration()

	tx, err := s.repo.Get(ctx, id)
	if err != nil {
		s.logger.Error("failed to load transaction for prepare", "transaction_id", id, "error", err)
		return
	}

	for _, snapshot := range tx.Participants {
		name := snapshot.ServiceName
		current, err := s.repo.Get(ctx, id)
		if err != nil {
			s.logger.Error("failed to reload transaction", "transaction_id", id, "error", err)
			return
		}
		if current.State != StatePreparing {
			return
		}
		p := current.participant(name)
		if p == nil || p.State != ParticipantPreparing {
			continue
		}

		callErr := s.call(ctx, id, *p, "prepare")
		if ctx.Err() != nil {
			return
		}

		updated, err := s.mutate(ctx, id, func(tx *Transaction) error {
			if tx.State != StatePreparing {
				return errStale
			}
			part := tx.participant(name)
			if callErr != nil {
				part.State = ParticipantFailed
				part.LastError = callErr.Error()
				tx.State = StateAborting
				tx.LastError = fmt.Sprintf("prepare failed at %s: %v", name, callErr)
				return nil
			}
			part.State = ParticipantPrepared
			if allIn(tx, ParticipantPrepared) {
				tx.State = StatePrepared
			}
			return nil
		})
		if errors.Is(err, errStale) {
			return
		}
		if err != nil {
			s.logger.Error("failed to record prepare result", "transaction_id", id, "participant", name, "error", err)
			return
		}
		if updated.State == StateAborting {
			s.abortParticipants(ctx, id)
			return
		}
	}
}

// runCommit sends commit to every participant. Any failure leaves the
// transaction Failed; it is never retried.
func (s *Service) runCommit(ctx context.Context, id string) {
	unlock := s.phases.Lock(id)
	defer unlock()
	timer := s.metrics.Phase("commit")
	defer timer.ObserveDuration()

	tx, err := s.repo.Get(ctx, id)
	if err != nil {
		s.logger.Error("failed to load transaction for commit", "transaction_id", id, "error", err)
		return
	}
	if tx.State != StateCommitting {
		return
	}

	var failed []string
	for _, p := range tx.Participants {
		if p.State == ParticipantCommitted {
			continue
		}
		callErr := s.call(ctx, id, p, "commit")
		if ctx.Err() != nil {
			return
		}

		name := p.ServiceName
		_, err := s.mutate(ctx, id, func(tx *Transaction) error {
			if tx.State != StateCommitting {
				return errStale
			}
			part := tx.participant(name)
			if callErr != nil {
				part.State = ParticipantFailed
				part.LastError = callErr.Error()
				return nil
			}
			part.State = ParticipantCommitted
			return nil
		})
		if err != nil {
			s.logger.Error("failed to record commit result", "transaction_id", id, "participant", name, "error", err)
			return
		}
		if callErr != nil {
			failed = append(failed, name)
		}
	}

	_, err = s.mutate(ctx, id, func(tx *Transaction) error {
		if tx.State != StateCommitting {
			return errStale
		}
		if len(failed) > 0 {
			tx.State = StateFailed
			tx.LastError = fmt.Sprintf("commit failed at %s: %v", strings.Join(failed, ", "), apperr.ErrInconsistent)
			return nil
		}
		tx.State = StateCommitted
		tx.LastError = ""
		return nil
	})
	if err != nil && !errors.Is(err, errStale) {
		s.logger.Error("failed to finish commit", "transaction_id", id, "error", err)
	}
}

func (s *Service) runAbort(ctx context.Context, id string) {
	unlock := s.phases.Lock(id)
	defer unlock()
	s.abortParticipants(ctx, id)
}

// abortParticipants sends abort to every participant still preparing or
// prepared. The transaction becomes Aborted when all of them acknowledge and
// otherwise stays Aborting. The caller holds the phase lock.
func (s *Service) abortParticipants(ctx context.Context, id string) {
	timer := s.metrics.Phase("abort")
	defer timer.ObserveDuration()

	tx, err := s.repo.Get(ctx, id)
	if err != nil {
		s.logger.Error("failed to load transaction for abort", "transaction_id", id, "error", err)
		return
	}
	if tx.State != StateAborting {
		return
	}

	var unacked []string
	for _, p := range tx.Participants {
		if p.State != ParticipantPreparing && p.State != ParticipantPrepared {
			continue
		}
		callErr := s.call(ctx, id, p, "abort")
		if ctx.Err() != nil {
			return
		}

		name := p.ServiceName
		_, err := s.mutate(ctx, id, func(tx *Transaction) error {
			if tx.State != StateAborting {
				return errStale
			}
			part := tx.participant(name)
			if callErr != nil {
				part.LastError = "abort: " + callErr.Error()
				return nil
			}
			part.State = ParticipantAborted
			return nil
		})
		if err != nil {
			if !errors.Is(err, errStale) {
				s.logger.Error("failed to record abort result", "transaction_id", id, "participant", name, "error", err)
			}
			return
		}
		if callErr != nil {
			unacked = append(unacked, name)
		}
	}

	_, err = s.mutate(ctx, id, func(tx *Transaction) error {
		if tx.State != StateAborting {
			return errStale
		}
		if len(unacked) > 0 {
			tx.LastError = fmt.Sprintf("abort not acknowledged by %s", strings.Join(unacked, ", "))
			return nil
		}
		tx.State = StateAborted
		return nil
	})
	if err != nil && !errors.Is(err, errStale) {
		s.logger.Error("failed to finish abort", "transaction_id", id, "error", err)
	}
	if len(unacked) > 0 {
		s.logger.Warn("transaction left aborting", "transaction_id", id, "unacknowledged", unacked)
	}
}

func allIn(tx *Transaction, state ParticipantState) bool {
	for _, p := range tx.Participants {
		if p.State != state {
			return false
		}
	}
	return true
}
