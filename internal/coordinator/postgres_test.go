package coordinator

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/sapliy/coordination/pkg/apperr"
)

var transactionColumns = []string{"id", "state", "timeout_ms", "participants", "last_error", "version", "created_at", "updated_at"}

func newMockRepository(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	})
	return NewPostgresRepository(db), mock
}

func TestPostgresRepository_UpdateZeroRows(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	update := regexp.QuoteMeta(`WHERE id = $5 AND version = $6`)
	get := regexp.QuoteMeta(`FROM transactions WHERE id = $1`)

	t.Run("stale version conflicts", func(t *testing.T) {
		repo, mock := newMockRepository(t)
		mock.ExpectExec(update).
			WithArgs(StatePrepared, sqlmock.AnyArg(), "", now, "tx-1", int64(2)).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(get).WithArgs("tx-1").
			WillReturnRows(sqlmock.NewRows(transactionColumns).
				AddRow("tx-1", "preparing", int64(30000), []byte(`[]`), "", int64(3), now, now))

		tx := &Transaction{ID: "tx-1", State: StatePrepared, Version: 2, UpdatedAt: now}
		if err := repo.Update(context.Background(), tx); !errors.Is(err, apperr.ErrConflict) {
			t.Fatalf("expected conflict, got %v", err)
		}
		if tx.Version != 2 {
			t.Errorf("a failed update must not bump the version, got %d", tx.Version)
		}
	})

	t.Run("missing row is not found", func(t *testing.T) {
		repo, mock := newMockRepository(t)
		mock.ExpectExec(update).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(get).WithArgs("tx-1").WillReturnRows(sqlmock.NewRows(transactionColumns))

		err := repo.Update(context.Background(), &Transaction{ID: "tx-1", Version: 2, UpdatedAt: now})
		if !errors.Is(err, apperr.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})

	t.Run("one row bumps the version", func(t *testing.T) {
		repo, mock := newMockRepository(t)
		mock.ExpectExec(update).WillReturnResult(sqlmock.NewResult(0, 1))

		tx := &Transaction{ID: "tx-1", Version: 2, UpdatedAt: now}
		if err := repo.Update(context.Background(), tx); err != nil {
			t.Fatalf("Update: %v", err)
		}
		if tx.Version != 3 {
			t.Errorf("version = %d, want 3", tx.Version)
		}
	})
}

func TestPostgresRepository_ListStateFilter(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	query := regexp.QuoteMeta(`WHERE cardinality($1::text[]) = 0 OR state = ANY($1) ORDER BY created_at ASC LIMIT $2`)

	tests := []struct {
		name   string
		filter ListFilter
		states []string
		limit  int
	}{
		{"all states", ListFilter{}, []string{}, 1000},
		{"selected states", ListFilter{States: []State{StatePrepared, StateCommitting}, Limit: 5}, []string{"prepared", "committing"}, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock := newMockRepository(t)
			mock.ExpectQuery(query).
				WithArgs(pq.Array(tt.states), tt.limit).
				WillReturnRows(sqlmock.NewRows(transactionColumns).
					AddRow("tx-1", "prepared", int64(1500), []byte(`[{"service_name":"billing","state":"prepared"}]`), "", int64(1), now, now))

			got, err := repo.List(context.Background(), tt.filter)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(got) != 1 || got[0].Timeout.Std() != 1500*time.Millisecond {
				t.Fatalf("unexpected rows: %+v", got)
			}
			if p := got[0].Participants; len(p) != 1 || p[0].ServiceName != "billing" || p[0].State != ParticipantPrepared {
				t.Errorf("participants = %+v", p)
			}
		})
	}
}

func TestPostgresRepository_RejectsCorruptParticipants(t *testing.T) {
	repo, mock := newMockRepository(t)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery("FROM transactions WHERE id").WithArgs("tx-1").
		WillReturnRows(sqlmock.NewRows(transactionColumns).
			AddRow("tx-1", "started", int64(0), []byte(`{`), "", int64(1), now, now))

	if _, err := repo.Get(context.Background(), "tx-1"); err == nil || errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected a decode error, got %v", err)
	}
}
