package saga

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lib/pq"
	"github.com/sapliy/coordination/pkg/apperr"
	"github.com/sapliy/coordination/pkg/database"
)

//go:embed migrations/*.sql
var migrations embed.FS

func Migrate(db *sql.DB, logger *slog.Logger) error {
	return database.Migrate(db, migrations, "migrations", "schema_migrations_saga", logger)
}

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const sagaColumns = `id, name, steps, current_step, state, last_error, version, created_at, updated_at`

func (r *PostgresRepository) Create(ctx context.Context, s *Saga) error {
	steps, err := json.Marshal(s.Steps)
	if err != nil {
		return fmt.Errorf("failed to encode steps: %w", err)
	}
	s.Version = 1

	query := `INSERT INTO sagas (` + sagaColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err = r.db.ExecContext(ctx, query,
		s.ID, s.Name, steps, s.CurrentStep, s.State, s.LastError, s.Version, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert saga: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*Saga, error) {
	query := `SELECT ` + sagaColumns + ` FROM sagas WHERE id = $1`
	s, err := scanSaga(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("saga %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load saga: %w", err)
	}
	return s, nil
}

func (r *PostgresRepository) Update(ctx context.Context, s *Saga) error {
	steps, err := json.Marshal(s.Steps)
	if err != nil {
		return fmt.Errorf("failed to encode steps: %w", err)
	}

	query := `
		UPDATE sagas
		SET steps = $1, current_step = $2, state = $3, last_error = $4, updated_at = $5, version = version + 1
		WHERE id = $6 AND version = $7
	`
	res, err := r.db.ExecContext(ctx, query, steps, s.CurrentStep, s.State, s.LastError, s.UpdatedAt, s.ID, s.Version)
	if err != nil {
		return fmt.Errorf("failed to update saga: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to update saga: %w", err)
	} else if n == 0 {
		if _, err := r.Get(ctx, s.ID); err != nil {
			return err
		}
		return fmt.Errorf("saga %s: %w", s.ID, apperr.ErrConflict)
	}
	s.Version++
	return nil
}

func (r *PostgresRepository) List(ctx context.Context, filter ListFilter) ([]*Saga, error) {
	states := make([]string, 0, len(filter.States))
	for _, st := range filter.States {
		states = append(states, string(st))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}

	query := `SELECT ` + sagaColumns + ` FROM sagas
		WHERE cardinality($1::text[]) = 0 OR state = ANY($1)
		ORDER BY created_at ASC LIMIT $2`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(states), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sagas: %w", err)
	}
	defer rows.Close()

	var out []*Saga
	for rows.Next() {
		s, err := scanSaga(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan saga: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSaga(row scanner) (*Saga, error) {
	var (
		s     Saga
		steps []byte
	)
	if err := row.Scan(&s.ID, &s.Name, &steps, &s.CurrentStep, &s.State, &s.LastError, &s.Version, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(steps, &s.Steps); err != nil {
		return nil, fmt.Errorf("failed to decode steps: %w", err)
	}
	return &s, nil
}
