package outbox

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sapliy/coordination/pkg/apperr"
	"github.com/sapliy/coordination/pkg/database"
)

//go:embed migrations/*.sql
var migrations embed.FS

func Migrate(db *sql.DB, logger *slog.Logger) error {
	return database.Migrate(db, migrations, "migrations", "schema_migrations_outbox", logger)
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const insertQuery = `
	INSERT INTO outbox (id, destination_service, payload, created_at)
	VALUES ($1, $2, $3, $4)
`

func insertMessage(ctx context.Context, db execer, m *Message) error {
	if _, err := db.ExecContext(ctx, insertQuery, m.ID, m.DestinationService, []byte(m.Payload), m.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert outbox message: %w", err)
	}
	return nil
}

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const messageColumns = `id, destination_service, payload, created_at, processed, processed_at,
	retry_count, dead_lettered, dead_lettered_at, last_error`

func (r *PostgresRepository) Create(ctx context.Context, m *Message) error {
	return insertMessage(ctx, r.db, m)
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM outbox WHERE id = $1`
	m, err := scanMessage(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("outbox message %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load outbox message: %w", err)
	}
	return m, nil
}

func (r *PostgresRepository) List(ctx context.Context, filter ListFilter) ([]*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM outbox`
	switch filter.Status {
	case StatusPending:
		query += ` WHERE processed = FALSE AND dead_lettered = FALSE`
	case StatusProcessed:
		query += ` WHERE processed = TRUE`
	case StatusDeadLettered:
		query += ` WHERE processed = FALSE AND dead_lettered = TRUE`
	}
	return r.query(ctx, query+` ORDER BY created_at ASC, id ASC LIMIT $1`, limitOrDefault(filter.Limit))
}

func (r *PostgresRepository) Pending(ctx context.Context, limit int) ([]*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM outbox
		WHERE processed = FALSE AND dead_lettered = FALSE
		ORDER BY created_at ASC, id ASC LIMIT $1`
	return r.query(ctx, query, limitOrDefault(limit))
}

func (r *PostgresRepository) CountPending(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM outbox WHERE processed = FALSE AND dead_lettered = FALSE`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending outbox messages: %w", err)
	}
	return n, nil
}

func (r *PostgresRepository) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE outbox SET processed = TRUE, processed_at = $1, last_error = '' WHERE id = $2 AND processed = FALSE`
	return r.exec(ctx, id, query, at, id)
}

func (r *PostgresRepository) RecordFailure(ctx context.Context, id, reason string) (int, error) {
	var count int
	query := `UPDATE outbox SET retry_count = retry_count + 1, last_error = $1 WHERE id = $2 RETURNING retry_count`
	err := r.db.QueryRowContext(ctx, query, reason, id).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("outbox message %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to record delivery failure: %w", err)
	}
	return count, nil
}

func (r *PostgresRepository) MarkDeadLettered(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE outbox SET dead_lettered = TRUE, dead_lettered_at = $1 WHERE id = $2 AND dead_lettered = FALSE`
	return r.exec(ctx, id, query, at, id)
}

// exec runs a conditional update. Zero rows is fine as long as the message exists.
func (r *PostgresRepository) exec(ctx context.Context, id, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update outbox message: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		_, err := r.Get(ctx, id)
		return err
	}
	return nil
}

func (r *PostgresRepository) query(ctx context.Context, query string, args ...any) ([]*Message, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 1000
	}
	return limit
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*Message, error) {
	var (
		m              Message
		payload        []byte
		processedAt    sql.NullTime
		deadLetteredAt sql.NullTime
	)
	err := row.Scan(&m.ID, &m.DestinationService, &payload, &m.CreatedAt, &m.Processed, &processedAt,
		&m.RetryCount, &m.DeadLettered, &deadLetteredAt, &m.LastError)
	if err != nil {
		return nil, err
	}
	m.Payload = payload
	if processedAt.Valid {
		m.ProcessedAt = &processedAt.Time
	}
	if deadLetteredAt.Valid {
		m.DeadLetteredAt = &deadLetteredAt.Time
	}
	return &m, nil
}
