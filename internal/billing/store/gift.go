package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/castframe/castframe/internal/billing/model"
)

// GiftStore persists the gift audit graph: the immutable purchase record
// (gift_transactions) and the per-grant row linking to the placeholder
// subscription (gift_subscriptions).
type GiftStore struct {
	db DBTX
}

func NewGiftStore(db DBTX) *GiftStore {
	return &GiftStore{db: db}
}

func scanGiftTransaction(sc scanner) (*model.GiftTransaction, error) {
	var gt model.GiftTransaction
	var gifterID, subscriptionID sql.NullInt64
	var paymentIntentID sql.NullString
	err := sc.Scan(
		&gt.ID, &gt.Reference, &gt.RecipientID, &gifterID, &subscriptionID,
		&gt.AmountCents, &gt.Currency, &gt.GiftType, &gt.Quantity,
		&gt.StripeSessionID, &paymentIntentID, &gt.Metadata, &gt.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if gifterID.Valid {
		gt.GifterID = &gifterID.Int64
	}
	if subscriptionID.Valid {
		gt.SubscriptionID = &subscriptionID.Int64
	}
	if paymentIntentID.Valid {
		gt.StripePaymentIntentID = &paymentIntentID.String
	}
	return &gt, nil
}

const giftTransactionCols = `id, reference, recipient_id, gifter_id, subscription_id, amount_cents, currency, gift_type, quantity, stripe_session_id, stripe_payment_intent_id, metadata, created_at`

func (s *GiftStore) CreateTransaction(ctx context.Context, gt *model.GiftTransaction) (*model.GiftTransaction, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO gift_transactions
		 (reference, recipient_id, gifter_id, subscription_id, amount_cents, currency, gift_type, quantity, stripe_session_id, stripe_payment_intent_id, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		gt.Reference, gt.RecipientID, gt.GifterID, gt.SubscriptionID,
		gt.AmountCents, gt.Currency, gt.GiftType, gt.Quantity,
		gt.StripeSessionID, gt.StripePaymentIntentID, gt.Metadata,
	)
	if err != nil {
		return nil, fmt.Errorf("insert gift transaction: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetTransactionByID(ctx, id)
}

func (s *GiftStore) GetTransactionByID(ctx context.Context, id int64) (*model.GiftTransaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+giftTransactionCols+` FROM gift_transactions WHERE id = ?`, id)
	gt, err := scanGiftTransaction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get gift transaction: %w", err)
	}
	return gt, nil
}

func (s *GiftStore) GetTransactionBySessionID(ctx context.Context, sessionID string) (*model.GiftTransaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+giftTransactionCols+` FROM gift_transactions WHERE stripe_session_id = ?`,
		sessionID,
	)
	gt, err := scanGiftTransaction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get gift transaction by session: %w", err)
	}
	return gt, nil
}

func (s *GiftStore) GetTransactionByPaymentIntentID(ctx context.Context, paymentIntentID string) (*model.GiftTransaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+giftTransactionCols+` FROM gift_transactions WHERE stripe_payment_intent_id = ?`,
		paymentIntentID,
	)
	gt, err := scanGiftTransaction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get gift transaction by payment intent: %w", err)
	}
	return gt, nil
}

// UpdateTransactionMetadata appends refund annotations. The row is otherwise
// immutable after creation.
func (s *GiftStore) UpdateTransactionMetadata(ctx context.Context, id int64, metadata model.Metadata) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE gift_transactions SET metadata = ? WHERE id = ?`,
		metadata, id,
	)
	if err != nil {
		return fmt.Errorf("update gift transaction metadata: %w", err)
	}
	return nil
}

func scanGift(sc scanner) (*model.GiftSubscription, error) {
	var g model.GiftSubscription
	var expiresAt sql.NullTime
	err := sc.Scan(
		&g.ID, &g.SubscriptionID, &g.RecipientID, &g.SenderName, &g.Message,
		&g.GiftType, &g.Quantity, &expiresAt, &g.CreatedAt, &g.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		g.ExpiresAt = &t
	}
	return &g, nil
}

const giftCols = `id, subscription_id, recipient_id, sender_name, message, gift_type, quantity, expires_at, created_at, updated_at`

func (s *GiftStore) CreateGift(ctx context.Context, g *model.GiftSubscription) (*model.GiftSubscription, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO gift_subscriptions
		 (subscription_id, recipient_id, sender_name, message, gift_type, quantity, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		g.SubscriptionID, g.RecipientID, g.SenderName, g.Message, g.GiftType, g.Quantity, nullTime(g.ExpiresAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert gift subscription: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+giftCols+` FROM gift_subscriptions WHERE id = ?`, id)
	created, err := scanGift(row)
	if err != nil {
		return nil, fmt.Errorf("get gift subscription: %w", err)
	}
	return created, nil
}

func (s *GiftStore) GetGiftBySubscriptionID(ctx context.Context, subscriptionID int64) (*model.GiftSubscription, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+giftCols+` FROM gift_subscriptions WHERE subscription_id = ?`,
		subscriptionID,
	)
	g, err := scanGift(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get gift by subscription: %w", err)
	}
	return g, nil
}

func (s *GiftStore) ListGiftsByRecipientID(ctx context.Context, recipientID int64) ([]*model.GiftSubscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+giftCols+` FROM gift_subscriptions WHERE recipient_id = ? ORDER BY created_at ASC`,
		recipientID,
	)
	if err != nil {
		return nil, fmt.Errorf("list gifts by recipient: %w", err)
	}
	defer rows.Close()

	var gifts []*model.GiftSubscription
	for rows.Next() {
		g, err := scanGift(rows)
		if err != nil {
			return nil, fmt.Errorf("scan gift: %w", err)
		}
		gifts = append(gifts, g)
	}
	return gifts, rows.Err()
}

// SetExpiryForRecipient aligns every gift grant of the recipient to the
// final aggregated expiration after stacking.
func (s *GiftStore) SetExpiryForRecipient(ctx context.Context, recipientID int64, expiry time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE gift_subscriptions SET expires_at = ?, updated_at = CURRENT_TIMESTAMP WHERE recipient_id = ?`,
		expiry.UTC(), recipientID,
	)
	if err != nil {
		return fmt.Errorf("set gift expiry for recipient: %w", err)
	}
	return nil
}
