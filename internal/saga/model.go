package saga

import (
	"encoding/json"
	"time"

	"github.com/sapliy/coordination/pkg/remote"
)

type State string

const (
	StateStarted      State = "started"
	StateExecuting    State = "executing"
	StateCompensating State = "compensating"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
)

func ParseState(s string) (State, bool) {
	st := State(s)
	switch st {
	case StateStarted, StateExecuting, StateCompensating, StateCompleted, StateFailed:
		return st, true
	}
	return "", false
}

type StepState string

const (
	StepPending      StepState = "pending"
	StepExecuting    StepState = "executing"
	StepExecuted     StepState = "executed"
	StepCompensating StepState = "compensating"
	StepCompensated  StepState = "compensated"
	StepFailed       StepState = "failed"
)

type Step struct {
	Ordinal              int             `json:"ordinal"`
	ServiceName          string          `json:"service_name"`
	ServiceURL           string          `json:"service_url,omitempty"`
	ActionEndpoint       remote.Endpoint `json:"action_endpoint"`
	CompensationEndpoint remote.Endpoint `json:"compensation_endpoint"`
	Payload              json.RawMessage `json:"payload"`
	State                StepState       `json:"state"`
	Result               json.RawMessage `json:"result,omitempty"`
	Error                string          `json:"error,omitempty"`
}

type Saga struct {
	ID          string    `json:"saga_id"`
	Name        string    `json:"name"`
	Steps       []Step    `json:"steps"`
	CurrentStep int       `json:"current_step"`
	State       State     `json:"state"`
	LastError   string    `json:"last_error,omitempty"`
	Version     int64     `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (s *Saga) clone() *Saga {
	c := *s
	c.Steps = make([]Step, len(s.Steps))
	for i, st := range s.Steps {
		st.Payload = append(json.RawMessage(nil), st.Payload...)
		st.Result = append(json.RawMessage(nil), st.Result...)
		c.Steps[i] = st
	}
	return &c
}

type ListFilter struct {
	States []State
	Limit  int
}

func (f ListFilter) matches(s *Saga) bool {
	if len(f.States) == 0 {
		return true
	}
	for _, st := range f.States {
		if s.State == st {
			return true
		}
	}
	return false
}
