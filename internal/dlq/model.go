package dlq

import (
	"encoding/json"
	"time"

	"github.com/sapliy/coordination/pkg/remote"
)

// Message is a delivery that exhausted its retries somewhere else and now waits
// for an operator or the automatic retry loop.
type Message struct {
	ID                 string          `json:"id"`
	SourceQueue        string          `json:"source_queue"`
	DestinationService string          `json:"destination_service"`
	DestinationURL     string          `json:"destination_url,omitempty"`
	Endpoint           remote.Endpoint `json:"endpoint,omitzero"`
	Payload            json.RawMessage `json:"payload"`
	ErrorMessage       string          `json:"error_message"`
	RetryCount         int             `json:"retry_count"`
	LastRetryAt        *time.Time      `json:"last_retry_at,omitempty"`
	Resolved           bool            `json:"resolved"`
	ResolvedAt         *time.Time      `json:"resolved_at,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	Version            int64           `json:"version"`
}

func (m *Message) clone() *Message {
	c := *m
	c.Payload = append(json.RawMessage(nil), m.Payload...)
	if m.LastRetryAt != nil {
		t := *m.LastRetryAt
		c.LastRetryAt = &t
	}
	if m.ResolvedAt != nil {
		t := *m.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

// EnqueueRequest is the body of POST /messages.
type EnqueueRequest struct {
	SourceQueue        string          `json:"source_queue"`
	DestinationService string          `json:"destination_service"`
	DestinationURL     string          `json:"destination_url,omitempty"`
	Endpoint           remote.Endpoint `json:"endpoint,omitzero"`
	Payload            json.RawMessage `json:"payload"`
	ErrorMessage       string          `json:"error_message"`
}

// ListFilter selects dead letters. Results are newest first unless OldestFirst is set.
type ListFilter struct {
	Resolved           *bool
	SourceQueue        string
	DestinationService string
	Limit              int
	Offset             int

	OldestFirst bool
	// After continues an OldestFirst listing past the last message already seen.
	After *Cursor
}

// Cursor is a position in the (created_at, id) order.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

func (c *Cursor) before(m *Message) bool {
	if c == nil {
		return true
	}
	if !m.CreatedAt.Equal(c.CreatedAt) {
		return m.CreatedAt.After(c.CreatedAt)
	}
	return m.ID > c.ID
}

func (f ListFilter) matches(m *Message) bool {
	if f.Resolved != nil && m.Resolved != *f.Resolved {
		return false
	}
	if f.SourceQueue != "" && m.SourceQueue != f.SourceQueue {
		return false
	}
	if f.DestinationService != "" && m.DestinationService != f.DestinationService {
		return false
	}
	if f.OldestFirst && !f.After.before(m) {
		return false
	}
	return true
}
