// Package outbox stores outgoing events next to the business data that
// produced them and relays them to their destination services.
package outbox

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sapliy/coordination/pkg/apperr"
)

type Service struct {
	repo   Repository
	logger *slog.Logger
	now    func() time.Time
}

func NewService(repo Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger, now: time.Now}
}

// Enqueue stores a message for later delivery.
func (s *Service) Enqueue(ctx context.Context, destination string, payload json.RawMessage) (*Message, error) {
	m, err := s.newMessage(destination, payload)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, m); err != nil {
		return nil, fmt.Errorf("failed to enqueue: %w", err)
	}
	s.logger.Info("outbox message enqueued", "message_id", m.ID, "destination", m.DestinationService)
	return m, nil
}

// EnqueueTx writes a message inside the caller's database transaction so it
// commits or rolls back together with the business change.
func (s *Service) EnqueueTx(ctx context.Context, tx *sql.Tx, destination string, payload json.RawMessage) (*Message, error) {
	m, err := s.newMessage(destination, payload)
	if err != nil {
		return nil, err
	}
	if err := insertMessage(ctx, tx, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Message, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, filter ListFilter) ([]*Message, error) {
	if filter.Status != "" {
		if _, ok := ParseStatus(string(filter.Status)); !ok {
			return nil, apperr.Invalid("unknown status %q", filter.Status)
		}
	}
	return s.repo.List(ctx, filter)
}

func (s *Service) newMessage(destination string, payload json.RawMessage) (*Message, error) {
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return nil, apperr.Invalid("destination_service is required")
	}
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || !json.Valid(payload) {
		return nil, apperr.Invalid("payload must be valid JSON")
	}
	return &Message{
		ID:                 uuid.New().String(),
		DestinationService: destination,
		Payload:            payload,
		CreatedAt:          s.now().UTC(),
	}, nil
}
