//go:build integration

package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/sapliy/coordination/internal/pgtest"
	"github.com/sapliy/coordination/pkg/apperr"
	"github.com/sapliy/coordination/pkg/jsonutil"
	"github.com/sapliy/coordination/pkg/remote"
)

func newPostgresRepository(t *testing.T) *PostgresRepository {
	t.Helper()
	db := pgtest.Open(t)
	if err := Migrate(db, slog.Default()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	// A second run must be a no-op.
	if err := Migrate(db, slog.Default()); err != nil {
		t.Fatalf("Migrate again: %v", err)
	}
	return NewPostgresRepository(db)
}

func TestIntegration_PostgresRepository_RoundTrip(t *testing.T) {
	repo := newPostgresRepository(t)
	ctx := context.Background()
	created := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	tx := &Transaction{
		ID:      "tx-1",
		State:   StateStarted,
		Timeout: jsonutil.Duration(30 * time.Second),
		Participants: []Participant{{
			ServiceName:   "billing",
			TransactionID: "tx-1",
			ServiceURL:    "http://billing:8080",
			Endpoints: Endpoints{
				Prepare: remote.Endpoint{Method: "POST", Path: "/2pc/prepare"},
				Commit:  remote.Endpoint{Method: "POST", Path: "/2pc/commit"},
				Abort:   remote.Endpoint{Method: "POST", Path: "/2pc/abort"},
			},
			State: ParticipantPreparing,
		}},
		CreatedAt: created,
		UpdatedAt: created,
	}
	if err := repo.Create(ctx, tx); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := repo.Get(ctx, "tx-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Timeout != tx.Timeout || got.Version != 1 || !got.CreatedAt.Equal(created) {
		t.Errorf("unexpected row: %+v", got)
	}
	if len(got.Participants) != 1 || got.Participants[0] != tx.Participants[0] {
		t.Errorf("participants = %+v, want %+v", got.Participants, tx.Participants)
	}

	if _, err := repo.Get(ctx, "missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestIntegration_PostgresRepository_VersionCheck(t *testing.T) {
	repo := newPostgresRepository(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	if err := repo.Create(ctx, &Transaction{ID: "tx-1", State: StateStarted, CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	first, _ := repo.Get(ctx, "tx-1")
	second, _ := repo.Get(ctx, "tx-1")

	first.State = StatePreparing
	first.LastError = "billing slow"
	if err := repo.Update(ctx, first); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if first.Version != 2 {
		t.Errorf("version = %d, want 2", first.Version)
	}

	second.State = StateAborting
	if err := repo.Update(ctx, second); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("expected a stale update to conflict, got %v", err)
	}
	if err := repo.Update(ctx, &Transaction{ID: "missing", Version: 1}); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected updating a missing row to be not found, got %v", err)
	}

	stored, _ := repo.Get(ctx, "tx-1")
	if stored.State != StatePreparing || stored.LastError != "billing slow" || stored.Version != 2 {
		t.Errorf("stored = %+v", stored)
	}
}

func TestIntegration_PostgresRepository_ListByState(t *testing.T) {
	repo := newPostgresRepository(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	for i, st := range []State{StatePrepared, StateCommitted, StatePreparing, StatePrepared} {
		at := base.Add(time.Duration(i) * time.Second)
		tx := &Transaction{ID: string(rune('a' + i)), State: st, CreatedAt: at, UpdatedAt: at}
		if err := repo.Create(ctx, tx); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	tests := []struct {
		name   string
		filter ListFilter
		want   []string
	}{
		{"no states matches all", ListFilter{}, []string{"a", "b", "c", "d"}},
		{"one state", ListFilter{States: []State{StatePrepared}}, []string{"a", "d"}},
		{"several states", ListFilter{States: []State{StateCommitted, StatePreparing}}, []string{"b", "c"}},
		{"limit", ListFilter{Limit: 2}, []string{"a", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d transactions, want %v", len(got), tt.want)
			}
			for i, tx := range got {
				if tx.ID != tt.want[i] {
					t.Errorf("position %d = %s, want %s", i, tx.ID, tt.want[i])
				}
			}
		})
	}
}
