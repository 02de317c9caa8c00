package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/castframe/castframe/internal/billing/model"
)

// NotificationStore writes the fire-and-forget records shown to gift
// recipients in the dashboard inbox.
type NotificationStore struct {
	db DBTX
}

func NewNotificationStore(db DBTX) *NotificationStore {
	return &NotificationStore{db: db}
}

const notificationCols = `id, public_id, user_id, kind, body, created_at`

func scanNotification(sc scanner) (*model.Notification, error) {
	var n model.Notification
	err := sc.Scan(&n.ID, &n.PublicID, &n.UserID, &n.Kind, &n.Body, &n.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *NotificationStore) Create(ctx context.Context, userID int64, kind, body string) (*model.Notification, error) {
	publicID := uuid.NewString()
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (public_id, user_id, kind, body) VALUES (?, ?, ?, ?)`,
		publicID, userID, kind, body,
	)
	if err != nil {
		return nil, fmt.Errorf("insert notification: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+notificationCols+` FROM notifications WHERE id = ?`, id)
	n, err := scanNotification(row)
	if err != nil {
		return nil, fmt.Errorf("get notification: %w", err)
	}
	return n, nil
}

func (s *NotificationStore) ListByUserID(ctx context.Context, userID int64) ([]*model.Notification, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+notificationCols+` FROM notifications WHERE user_id = ? ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var ns []*model.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		ns = append(ns, n)
	}
	return ns, rows.Err()
}
