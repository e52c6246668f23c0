package saga

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sapliy/coordination/internal/dlq"
)

// runSaga drives a saga forward one step at a time until it completes or a
// step fails, then hands over to compensation.
func (s *Service) runSaga(ctx context.Context, id string) {
	unlock := s.runs.Lock(id)
	defer unlock()

	for {
		sg, err := s.repo.Get(ctx, id)
		if err != nil {
			s.logger.Error("failed to load saga", "saga_id", id, "error", err)
			return
		}
		switch sg.State {
		case StateStarted, StateExecuting:
		case StateCompensating:
			s.compensate(ctx, id)
			return
		default:
			return
		}

		if sg.CurrentStep >= len(sg.Steps) {
			_, err := s.mutate(ctx, id, func(sg *Saga) error {
				if !forward(sg) {
					return errStale
				}
				sg.State = StateCompleted
				return nil
			})
			s.logMutateErr(id, "complete", err)
			return
		}

		if !s.executeStep(ctx, id, sg.CurrentStep) {
			return
		}
	}
}

// executeStep runs the action of steps[idx] and records the outcome. It
// reports whether the saga should be looked at again.
func (s *Service) executeStep(ctx context.Context, id string, idx int) bool {
	marked, err := s.mutate(ctx, id, func(sg *Saga) error {
		if !forward(sg) || sg.CurrentStep != idx || sg.Steps[idx].State != StepPending {
			return errStale
		}
		sg.State = StateExecuting
		sg.Steps[idx].State = StepExecuting
		return nil
	})
	if err != nil {
		s.logMutateErr(id, "execute", err)
		return false
	}

	step := marked.Steps[idx]
	resp, callErr := s.caller.Do(ctx, stepRequest(id, step, step.ActionEndpoint))
	if ctx.Err() != nil {
		// The step stays Executing; Recover treats it as failed.
		return false
	}

	_, err = s.mutate(ctx, id, func(sg *Saga) error {
		if sg.State != StateExecuting || sg.CurrentStep != idx {
			return errStale
		}
		st := &sg.Steps[idx]
		if callErr != nil {
			st.State = StepFailed
			st.Error = callErr.Error()
			sg.State = StateCompensating
			sg.LastError = fmt.Sprintf("step %d (%s) failed: %v", st.Ordinal, st.ServiceName, callErr)
			return nil
		}
		st.State = StepExecuted
		st.Result = stepResult(resp.Body)
		sg.CurrentStep++
		return nil
	})
	if err != nil {
		s.logMutateErr(id, "record step", err)
		return false
	}

	if callErr != nil {
		s.metrics.SagaStep("failed")
		s.logger.Warn("saga step failed", "saga_id", id, "step", step.Ordinal, "service", step.ServiceName, "error", callErr)
	} else {
		s.metrics.SagaStep("executed")
		s.logger.Info("saga step executed", "saga_id", id, "step", step.Ordinal, "service", step.ServiceName)
	}
	return true
}

// compensate walks executed steps backwards. A compensation failure is
// dead-lettered and does not stop the walk. Callers hold the run lock.
func (s *Service) compensate(ctx context.Context, id string) {
	sg, err := s.repo.Get(ctx, id)
	if err != nil {
		s.logger.Error("failed to load saga for compensation", "saga_id", id, "error", err)
		return
	}
	if sg.State != StateCompensating {
		return
	}

	for i := len(sg.Steps) - 1; i >= 0; i-- {
		if !needsCompensation(sg.Steps[i].State) {
			continue
		}
		idx := i
		marked, err := s.mutate(ctx, id, func(sg *Saga) error {
			if sg.State != StateCompensating || !needsCompensation(sg.Steps[idx].State) {
				return errStale
			}
			sg.Steps[idx].State = StepCompensating
			return nil
		})
		if err != nil {
			s.logMutateErr(id, "compensate", err)
			return
		}

		step := marked.Steps[idx]
		_, callErr := s.caller.Do(ctx, stepRequest(id, step, step.CompensationEndpoint))
		if ctx.Err() != nil {
			return
		}
		if callErr != nil {
			// Hand off before recording so a crash in between duplicates rather than loses it.
			s.deadLetter(ctx, id, step, callErr)
		}

		_, err = s.mutate(ctx, id, func(sg *Saga) error {
			if sg.State != StateCompensating || sg.Steps[idx].State != StepCompensating {
				return errStale
			}
			st := &sg.Steps[idx]
			if callErr != nil {
				st.State = StepFailed
				st.Error = fmt.Sprintf("compensation failed: %v", callErr)
				return nil
			}
			st.State = StepCompensated
			return nil
		})
		if err != nil {
			s.logMutateErr(id, "record compensation", err)
			return
		}

		if callErr != nil {
			s.metrics.SagaStep("compensation_failed")
			s.logger.Error("saga compensation failed", "saga_id", id, "step", step.Ordinal, "service", step.ServiceName, "error", callErr)
		} else {
			s.metrics.SagaStep("compensated")
			s.logger.Info("saga step compensated", "saga_id", id, "step", step.Ordinal, "service", step.ServiceName)
		}
	}

	_, err = s.mutate(ctx, id, func(sg *Saga) error {
		if sg.State != StateCompensating {
			return errStale
		}
		sg.State = StateFailed
		return nil
	})
	s.logMutateErr(id, "finish compensation", err)
}

func (s *Service) deadLetter(ctx context.Context, sagaID string, step Step, cause error) {
	if s.dlq == nil {
		s.logger.Error("compensation lost, no dead letter queue configured", "saga_id", sagaID, "step", step.Ordinal)
		return
	}
	_, err := s.dlq.Enqueue(ctx, dlq.EnqueueRequest{
		SourceQueue:        SourceQueue,
		DestinationService: step.ServiceName,
		DestinationURL:     step.ServiceURL,
		Endpoint:           step.CompensationEndpoint,
		Payload:            step.Payload,
		ErrorMessage:       fmt.Sprintf("saga %s step %d: %v", sagaID, step.Ordinal, cause),
	})
	if err != nil {
		s.logger.Error("failed to dead-letter compensation", "saga_id", sagaID, "step", step.Ordinal, "error", err)
	}
}

// Recover resumes sagas interrupted by a restart. A step caught mid-action has
// an unknown outcome; it is marked Failed and the saga compensates.
func (s *Service) Recover(ctx context.Context) error {
	open, err := s.repo.List(ctx, ListFilter{States: []State{StateStarted, StateExecuting, StateCompensating}})
	if err != nil {
		return fmt.Errorf("failed to list unfinished sagas: %w", err)
	}

	for _, sg := range open {
		idx := sg.CurrentStep
		if forward(sg) && idx < len(sg.Steps) && sg.Steps[idx].State == StepExecuting {
			_, err := s.mutate(ctx, sg.ID, func(sg *Saga) error {
				if !forward(sg) || sg.CurrentStep != idx || sg.Steps[idx].State != StepExecuting {
					return errStale
				}
				st := &sg.Steps[idx]
				st.State = StepFailed
				st.Error = "interrupted by restart, outcome unknown"
				sg.State = StateCompensating
				sg.LastError = fmt.Sprintf("step %d (%s) interrupted by restart", st.Ordinal, st.ServiceName)
				return nil
			})
			if err != nil && !errors.Is(err, errStale) {
				return fmt.Errorf("failed to mark saga %s step %d failed: %w", sg.ID, idx+1, err)
			}
		}
		s.logger.Info("resuming saga", "saga_id", sg.ID, "state", sg.State)
		s.schedule("resume", sg.ID, s.runSaga)
	}
	return nil
}

func (s *Service) logMutateErr(id, action string, err error) {
	if err == nil || errors.Is(err, errStale) {
		return
	}
	s.logger.Error("failed to update saga", "saga_id", id, "action", action, "error", err)
}

func forward(sg *Saga) bool {
	return sg.State == StateStarted || sg.State == StateExecuting
}

func needsCompensation(st StepState) bool {
	return st == StepExecuted || st == StepCompensating
}

// stepResult keeps a JSON reply as-is and stores anything else as a JSON string.
func stepResult(body []byte) json.RawMessage {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil
	}
	if json.Valid(body) {
		return append(json.RawMessage(nil), body...)
	}
	quoted, _ := json.Marshal(string(body))
	return quoted
}
