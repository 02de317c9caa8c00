package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/castframe/castframe/internal/billing/model"
)

// WebhookEventStore is the idempotency ledger. An event id is recorded in
// the same transaction that performs the event's side effects: if the work
// fails, the rollback removes the ledger row and a later redelivery of the
// same event can retry cleanly.
type WebhookEventStore struct {
	db DBTX
}

func NewWebhookEventStore(db DBTX) *WebhookEventStore {
	return &WebhookEventStore{db: db}
}

const webhookEventCols = `id, event_id, event_type, processed_at`

func scanWebhookEvent(sc scanner) (*model.WebhookEvent, error) {
	var e model.WebhookEvent
	err := sc.Scan(&e.ID, &e.EventID, &e.EventType, &e.ProcessedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *WebhookEventStore) Get(ctx context.Context, eventID string) (*model.WebhookEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+webhookEventCols+` FROM webhook_events WHERE event_id = ?`, eventID,
	)
	e, err := scanWebhookEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook event: %w", err)
	}
	return e, nil
}

// Record inserts the event id into the ledger. inserted is false when the
// event was already recorded — either found up front or lost to a concurrent
// delivery racing on the uniqueness constraint; both mean "someone else
// is/has handled this" and the returned row carries its processing time.
func (s *WebhookEventStore) Record(ctx context.Context, eventID, eventType string) (event *model.WebhookEvent, inserted bool, err error) {
	existing, err := s.Get(ctx, eventID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO webhook_events (event_id, event_type) VALUES (?, ?)`,
		eventID, eventType,
	)
	if isUniqueViolation(err) {
		existing, getErr := s.Get(ctx, eventID)
		if getErr != nil {
			return nil, false, getErr
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("insert webhook event: %w", err)
	}

	created, err := s.Get(ctx, eventID)
	if err != nil {
		return nil, false, err
	}
	return created, true, nil
}
