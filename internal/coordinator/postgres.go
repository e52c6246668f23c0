package coordinator

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
	"github.com/sapliy/coordination/pkg/apperr"
	"github.com/sapliy/coordination/pkg/database"
	"github.com/sapliy/coordination/pkg/jsonutil"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate creates or upgrades the transactions schema.
func Migrate(db *sql.DB, logger *slog.Logger) error {
	return database.Migrate(db, migrations, "migrations", "schema_migrations_coordinator", logger)
}

// PostgresRepository stores transactions with their participants as JSONB.
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, tx *Transaction) error {
	participants, err := json.Marshal(tx.Participants)
	if err != nil {
		return fmt.Errorf("failed to encode participants: %w", err)
	}
	tx.Version = 1

	query := `
		INSERT INTO transactions (id, state, timeout_ms, participants, last_error, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = r.db.ExecContext(ctx, query,
		tx.ID, tx.State, tx.Timeout.Std().Milliseconds(), participants, tx.LastError, tx.Version, tx.CreatedAt, tx.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*Transaction, error) {
	query := `
		SELECT id, state, timeout_ms, participants, last_error, version, created_at, updated_at
		FROM transactions WHERE id = $1
	`
	tx, err := scanTransaction(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction: %w", err)
	}
	return tx, nil
}

func (r *PostgresRepository) Update(ctx context.Context, tx *Transaction) error {
	participants, err := json.Marshal(tx.Participants)
	if err != nil {
		return fmt.Errorf("failed to encode participants: %w", err)
	}

	query := `
		UPDATE transactions
		SET state = $1, participants = $2, last_error = $3, updated_at = $4, version = version + 1
		WHERE id = $5 AND version = $6
	`
	res, err := r.db.ExecContext(ctx, query, tx.State, participants, tx.LastError, tx.UpdatedAt, tx.ID, tx.Version)
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	if n == 0 {
		if _, err := r.Get(ctx, tx.ID); err != nil {
			return err
		}
		return fmt.Errorf("transaction %s: %w", tx.ID, apperr.ErrConflict)
	}
	tx.Version++
	return nil
}

func (r *PostgresRepository) List(ctx context.Context, filter ListFilter) ([]*Transaction, error) {
	states := make([]string, 0, len(filter.States))
	for _, s := range filter.States {
		states = append(states, string(s))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}

	query := `
		SELECT id, state, timeout_ms, participants, last_error, version, created_at, updated_at
		FROM transactions
		WHERE cardinality($1::text[]) = 0 OR state = ANY($1)
		ORDER BY created_at ASC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(states), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row scanner) (*Transaction, error) {
	var (
		tx           Transaction
		timeoutMS    int64
		participants []byte
	)
	if err := row.Scan(&tx.ID, &tx.State, &timeoutMS, &participants, &tx.LastError, &tx.Version, &tx.CreatedAt, &tx.UpdatedAt); err != nil {
		return nil, err
	}
	tx.Timeout = jsonutil.Duration(time.Duration(timeoutMS) * time.Millisecond)
	if err := json.Unmarshal(participants, &tx.Participants); err != nil {
		return nil, fmt.Errorf("failed to decode participants: %w", err)
	}
	return &tx, nil
}
