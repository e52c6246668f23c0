//go:build integration

package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/sapliy/coordination/internal/pgtest"
	"github.com/sapliy/coordination/pkg/apperr"
	"github.com/sapliy/coordination/pkg/remote"
)

func newPostgresRepository(t *testing.T) *PostgresRepository {
	t.Helper()
	db := pgtest.Open(t)
	if err := Migrate(db, slog.Default()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return NewPostgresRepository(db)
}

func TestIntegration_PostgresRepository_RoundTrip(t *testing.T) {
	repo := newPostgresRepository(t)
	ctx := context.Background()
	created := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	m := &Message{
		ID:                 "dl-1",
		SourceQueue:        "outbox",
		DestinationService: "billing",
		DestinationURL:     "http://billing:8080",
		Endpoint:           remote.Endpoint{Method: "PUT", Path: "/invoices/7"},
		Payload:            json.RawMessage(`{"invoice":7}`),
		ErrorMessage:       "billing responded with HTTP 503",
		CreatedAt:          created,
	}
	if err := repo.Create(ctx, m); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := repo.Get(ctx, "dl-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Endpoint != m.Endpoint || got.LastRetryAt != nil || got.ResolvedAt != nil || got.Version != 1 {
		t.Errorf("got %+v", got)
	}
	var payload map[string]int
	if err := json.Unmarshal(got.Payload, &payload); err != nil || payload["invoice"] != 7 {
		t.Errorf("payload = %s", got.Payload)
	}

	stale, _ := repo.Get(ctx, "dl-1")
	retried := created.Add(time.Minute)
	got.RetryCount = 1
	got.LastRetryAt = &retried
	got.Resolved = true
	got.ResolvedAt = &retried
	if err := repo.Update(ctx, got); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := repo.Update(ctx, stale); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("stale update error = %v, want conflict", err)
	}
	if err := repo.Update(ctx, &Message{ID: "missing", Version: 1}); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}

	reloaded, _ := repo.Get(ctx, "dl-1")
	if reloaded.LastRetryAt == nil || !reloaded.LastRetryAt.Equal(retried) || reloaded.ResolvedAt == nil || !reloaded.Resolved {
		t.Errorf("reloaded = %+v", reloaded)
	}
}

func TestIntegration_PostgresRepository_List(t *testing.T) {
	repo := newPostgresRepository(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	seed := []struct {
		id, source, dest string
		offset           time.Duration
		resolved         bool
	}{
		{"a", "outbox", "billing", 0, false},
		{"b", "saga.compensation", "inventory", time.Second, false},
		{"c", "outbox", "inventory", 2 * time.Second, true},
		{"d", "outbox", "billing", 2 * time.Second, false},
	}
	for _, s := range seed {
		m := &Message{
			ID: s.id, SourceQueue: s.source, DestinationService: s.dest,
			Payload: json.RawMessage(`{}`), CreatedAt: base.Add(s.offset), Resolved: s.resolved,
		}
		if err := repo.Create(ctx, m); err != nil {
			t.Fatalf("Create(%s): %v", s.id, err)
		}
	}

	unresolved, resolved := false, true
	tests := []struct {
		name   string
		filter ListFilter
		want   []string
	}{
		{"newest first", ListFilter{}, []string{"d", "c", "b", "a"}},
		{"unresolved", ListFilter{Resolved: &unresolved}, []string{"d", "b", "a"}},
		{"resolved", ListFilter{Resolved: &resolved}, []string{"c"}},
		{"source", ListFilter{SourceQueue: "outbox"}, []string{"d", "c", "a"}},
		{"destination", ListFilter{DestinationService: "inventory"}, []string{"c", "b"}},
		{"combined", ListFilter{Resolved: &unresolved, SourceQueue: "outbox", DestinationService: "billing"}, []string{"d", "a"}},
		{"limit and offset", ListFilter{Limit: 2, Offset: 1}, []string{"c", "b"}},
		{"oldest first", ListFilter{OldestFirst: true}, []string{"a", "b", "c", "d"}},
		{"after cursor", ListFilter{OldestFirst: true, After: &Cursor{CreatedAt: base.Add(2 * time.Second), ID: "c"}}, []string{"d"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if ids := messageIDs(got); !equalIDs(ids, tt.want) {
				t.Errorf("got %v, want %v", ids, tt.want)
			}
		})
	}
}
