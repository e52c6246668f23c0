package coordinator

import (
	"time"

	"github.com/sapliy/coordination/pkg/jsonutil"
	"github.com/sapliy/coordination/pkg/remote"
)

// State is the lifecycle state of a transaction.
type State string

const (
	StateStarted    State = "started"
	StatePreparing  State = "preparing"
	StatePrepared   State = "prepared"
	StateCommitting State = "committing"
	StateCommitted  State = "committed"
	StateAborting   State = "aborting"
	StateAborted    State = "aborted"
	StateFailed     State = "failed"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateAborted || s == StateFailed
}

// Abortable reports whether an abort may be requested in this state.
func (s State) Abortable() bool {
	switch s {
	case StateStarted, StatePreparing, StatePrepared, StateAborting:
		return true
	}
	return false
}

func ParseState(s string) (State, bool) {
	st := State(s)
	switch st {
	case StateStarted, StatePreparing, StatePrepared, StateCommitting,
		StateCommitted, StateAborting, StateAborted, StateFailed:
		return st, true
	}
	return "", false
}

// ParticipantState tracks one participant's progress through the protocol.
type ParticipantState string

const (
	ParticipantPreparing ParticipantState = "preparing"
	ParticipantPrepared  ParticipantState = "prepared"
	ParticipantCommitted ParticipantState = "committed"
	ParticipantAborted   ParticipantState = "aborted"
	ParticipantFailed    ParticipantState = "failed"
)

// Endpoints are the three callbacks every participant implements.
type Endpoints struct {
	Prepare remote.Endpoint `json:"prepare"`
	Commit  remote.Endpoint `json:"commit"`
	Abort   remote.Endpoint `json:"abort"`
}

type Participant struct {
	ServiceName   string           `json:"service_name"`
	TransactionID string           `json:"transaction_id"`
	ServiceURL    string           `json:"service_url,omitempty"`
	Endpoints     Endpoints        `json:"endpoints"`
	State         ParticipantState `json:"state"`
	LastError     string           `json:"last_error,omitempty"`
}

type Transaction struct {
	ID           string            `json:"transaction_id"`
	State        State             `json:"state"`
	Timeout      jsonutil.Duration `json:"timeout"`
	Participants []Participant     `json:"participants"`
	LastError    string            `json:"last_error,omitempty"`
	Version      int64             `json:"version"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Expired reports whether the transaction has not been updated within its timeout.
func (t *Transaction) Expired(now time.Time) bool {
	return t.Timeout > 0 && now.After(t.UpdatedAt.Add(t.Timeout.Std()))
}

func (t *Transaction) participant(service string) *Participant {
	for i := range t.Participants {
		if t.Participants[i].ServiceName == service {
			return &t.Participants[i]
		}
	}
	return nil
}

func (t *Transaction) clone() *Transaction {
	c := *t
	c.Participants = append([]Participant(nil), t.Participants...)
	return &c
}

// ListFilter selects transactions by state. Empty States matches all.
type ListFilter struct {
	States []State
	Limit  int
}

func (f ListFilter) matches(t *Transaction) bool {
	if len(f.States) == 0 {
		return true
	}
	for _, s := range f.States {
		if t.State == s {
			return true
		}
	}
	return false
}
