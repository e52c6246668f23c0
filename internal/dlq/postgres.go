package dlq

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sapliy/coordination/pkg/apperr"
	"github.com/sapliy/coordination/pkg/database"
)

//go:embed migrations/*.sql
var migrations embed.FS

func Migrate(db *sql.DB, logger *slog.Logger) error {
	return database.Migrate(db, migrations, "migrations", "schema_migrations_dlq", logger)
}

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const messageColumns = `id, source_queue, destination_service, destination_url, endpoint_method, endpoint_path,
	payload, error_message, retry_count, last_retry_at, resolved, resolved_at, created_at, version`

func (r *PostgresRepository) Create(ctx context.Context, m *Message) error {
	m.Version = 1
	query := `INSERT INTO dead_letters (` + messageColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	_, err := r.db.ExecContext(ctx, query,
		m.ID, m.SourceQueue, m.DestinationService, m.DestinationURL, m.Endpoint.Method, m.Endpoint.Path,
		[]byte(m.Payload), m.ErrorMessage, m.RetryCount, m.LastRetryAt, m.Resolved, m.ResolvedAt, m.CreatedAt, m.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to insert dead letter: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM dead_letters WHERE id = $1`
	m, err := scanMessage(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("dead letter %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load dead letter: %w", err)
	}
	return m, nil
}

func (r *PostgresRepository) Update(ctx context.Context, m *Message) error {
	query := `
		UPDATE dead_letters
		SET error_message = $1, retry_count = $2, last_retry_at = $3, resolved = $4, resolved_at = $5, version = version + 1
		WHERE id = $6 AND version = $7
	`
	res, err := r.db.ExecContext(ctx, query, m.ErrorMessage, m.RetryCount, m.LastRetryAt, m.Resolved, m.ResolvedAt, m.ID, m.Version)
	if err != nil {
		return fmt.Errorf("failed to update dead letter: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to update dead letter: %w", err)
	} else if n == 0 {
		if _, err := r.Get(ctx, m.ID); err != nil {
			return err
		}
		return fmt.Errorf("dead letter %s: %w", m.ID, apperr.ErrConflict)
	}
	m.Version++
	return nil
}

func (r *PostgresRepository) List(ctx context.Context, filter ListFilter) ([]*Message, error) {
	var (
		where []string
		args  []any
	)
	if filter.Resolved != nil {
		args = append(args, *filter.Resolved)
		where = append(where, fmt.Sprintf("resolved = $%d", len(args)))
	}
	if filter.SourceQueue != "" {
		args = append(args, filter.SourceQueue)
		where = append(where, fmt.Sprintf("source_queue = $%d", len(args)))
	}
	if filter.DestinationService != "" {
		args = append(args, filter.DestinationService)
		where = append(where, fmt.Sprintf("destination_service = $%d", len(args)))
	}

	order := `created_at DESC, id DESC`
	if filter.OldestFirst {
		order = `created_at ASC, id ASC`
		if filter.After != nil {
			args = append(args, filter.After.CreatedAt, filter.After.ID)
			where = append(where, fmt.Sprintf("(created_at, id) > ($%d, $%d)", len(args)-1, len(args)))
		}
	}

	query := `SELECT ` + messageColumns + ` FROM dead_letters`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}
	args = append(args, limit, filter.Offset)
	query += fmt.Sprintf(` ORDER BY %s LIMIT $%d OFFSET $%d`, order, len(args)-1, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*Message, error) {
	var (
		m           Message
		payload     []byte
		lastRetryAt sql.NullTime
		resolvedAt  sql.NullTime
	)
	err := row.Scan(
		&m.ID, &m.SourceQueue, &m.DestinationService, &m.DestinationURL, &m.Endpoint.Method, &m.Endpoint.Path,
		&payload, &m.ErrorMessage, &m.RetryCount, &lastRetryAt, &m.Resolved, &resolvedAt, &m.CreatedAt, &m.Version,
	)
	if err != nil {
		return nil, err
	}
	m.Payload = payload
	if lastRetryAt.Valid {
		m.LastRetryAt = &lastRetryAt.Time
	}
	if resolvedAt.Valid {
		m.ResolvedAt = &resolvedAt.Time
	}
	return &m, nil
}
