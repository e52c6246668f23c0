package outbox

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusPending      Status = "pending"
	StatusProcessed    Status = "processed"
	StatusDeadLettered Status = "dead_lettered"
)

func ParseStatus(s string) (Status, bool) {
	st := Status(s)
	switch st {
	case StatusPending, StatusProcessed, StatusDeadLettered:
		return st, true
	}
	return "", false
}

// Message is an event waiting to be delivered to another service. Messages
// are never deleted; delivery only flips their flags.
type Message struct {
	ID                 string          `json:"id"`
	DestinationService string          `json:"destination_service"`
	Payload            json.RawMessage `json:"payload"`
	CreatedAt          time.Time       `json:"created_at"`
	Processed          bool            `json:"processed"`
	ProcessedAt        *time.Time      `json:"processed_at,omitempty"`
	RetryCount         int             `json:"retry_count"`
	DeadLettered       bool            `json:"dead_lettered"`
	DeadLetteredAt     *time.Time      `json:"dead_lettered_at,omitempty"`
	LastError          string          `json:"last_error,omitempty"`
}

func (m *Message) Status() Status {
	switch {
	case m.Processed:
		return StatusProcessed
	case m.DeadLettered:
		return StatusDeadLettered
	default:
		return StatusPending
	}
}

func (m *Message) clone() *Message {
	c := *m
	c.Payload = append(json.RawMessage(nil), m.Payload...)
	if m.ProcessedAt != nil {
		t := *m.ProcessedAt
		c.ProcessedAt = &t
	}
	if m.DeadLetteredAt != nil {
		t := *m.DeadLetteredAt
		c.DeadLetteredAt = &t
	}
	return &c
}

type ListFilter struct {
	Status Status
	Limit  int
}
