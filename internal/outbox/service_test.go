package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/sapliy/coordination/pkg/apperr"
)

func TestEnqueueValidation(t *testing.T) {
	svc := NewService(NewMemoryRepository(), nil)
	tests := []struct {
		name        string
		destination string
		payload     string
	}{
		{"missing destination", "  ", `{}`},
		{"empty payload", "billing", ``},
		{"broken payload", "billing", `{"a":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Enqueue(context.Background(), tt.destination, json.RawMessage(tt.payload))
			if !errors.Is(err, apperr.ErrInvalidArgument) {
				t.Errorf("Enqueue() error = %v, want invalid argument", err)
			}
		})
	}
}

func TestListByStatus(t *testing.T) {
	repo := NewMemoryRepository()
	svc := NewService(repo, nil)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		m, err := svc.Enqueue(ctx, "billing", json.RawMessage(`{"n":1}`))
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		ids = append(ids, m.ID)
	}
	now := time.Now()
	_ = repo.MarkProcessed(ctx, ids[0], now)
	_ = repo.MarkDeadLettered(ctx, ids[1], now)

	tests := []struct {
		status Status
		want   int
	}{
		{"", 3},
		{StatusPending, 1},
		{StatusProcessed, 1},
		{StatusDeadLettered, 1},
	}
	for _, tt := range tests {
		got, err := svc.List(ctx, ListFilter{Status: tt.status})
		if err != nil {
			t.Fatalf("List(%q): %v", tt.status, err)
		}
		if len(got) != tt.want {
			t.Errorf("List(%q) = %d messages, want %d", tt.status, len(got), tt.want)
		}
	}

	if _, err := svc.List(ctx, ListFilter{Status: "stuck"}); !errors.Is(err, apperr.ErrInvalidArgument) {
		t.Errorf("unknown status error = %v", err)
	}
}

func TestMarksAreIdempotent(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_ = repo.Create(ctx, &Message{ID: "m", DestinationService: "billing", Payload: json.RawMessage(`{}`)})

	if err := repo.MarkProcessed(ctx, "m", first); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}
	if err := repo.MarkProcessed(ctx, "m", first.Add(time.Hour)); err != nil {
		t.Fatalf("second MarkProcessed: %v", err)
	}
	m, _ := repo.Get(ctx, "m")
	if !m.ProcessedAt.Equal(first) {
		t.Errorf("processed_at moved to %v", m.ProcessedAt)
	}
	if err := repo.MarkProcessed(ctx, "missing", first); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("unknown id error = %v", err)
	}
}
