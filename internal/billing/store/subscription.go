package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/castframe/castframe/internal/billing/model"
)

type SubscriptionStore struct {
	db DBTX
}

func NewSubscriptionStore(db DBTX) *SubscriptionStore {
	return &SubscriptionStore{db: db}
}

func scanSubscription(sc scanner) (*model.Subscription, error) {
	var sub model.Subscription
	var priceID, customerID, stripeSubID sql.NullString
	var periodEnd sql.NullTime
	var cancelAtPeriodEnd, isGift int
	err := sc.Scan(
		&sub.ID, &sub.UserID, &sub.Status, &sub.Tier, &sub.TransactionType,
		&priceID, &customerID, &stripeSubID, &periodEnd,
		&cancelAtPeriodEnd, &isGift, &sub.Metadata, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if priceID.Valid {
		sub.StripePriceID = &priceID.String
	}
	if customerID.Valid {
		sub.StripeCustomerID = &customerID.String
	}
	if stripeSubID.Valid {
		sub.StripeSubscriptionID = &stripeSubID.String
	}
	if periodEnd.Valid {
		t := periodEnd.Time
		sub.CurrentPeriodEnd = &t
	}
	sub.CancelAtPeriodEnd = cancelAtPeriodEnd != 0
	sub.IsGift = isGift != 0
	return &sub, nil
}

const subscriptionCols = `id, user_id, status, tier, transaction_type, stripe_price_id, stripe_customer_id, stripe_subscription_id, current_period_end, cancel_at_period_end, is_gift, metadata, created_at, updated_at`

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func (s *SubscriptionStore) Create(ctx context.Context, sub *model.Subscription) (*model.Subscription, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions
		 (user_id, status, tier, transaction_type, stripe_price_id, stripe_customer_id, stripe_subscription_id, current_period_end, cancel_at_period_end, is_gift, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.UserID, sub.Status, sub.Tier, sub.TransactionType,
		sub.StripePriceID, sub.StripeCustomerID, sub.StripeSubscriptionID,
		nullTime(sub.CurrentPeriodEnd), boolInt(sub.CancelAtPeriodEnd), boolInt(sub.IsGift),
		sub.Metadata,
	)
	if err != nil {
		return nil, fmt.Errorf("insert subscription: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(ctx, id)
}

func (s *SubscriptionStore) GetByID(ctx context.Context, id int64) (*model.Subscription, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+subscriptionCols+` FROM subscriptions WHERE id = ?`, id)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

func (s *SubscriptionStore) GetByStripeSubscriptionID(ctx context.Context, stripeSubID string) (*model.Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionCols+` FROM subscriptions WHERE stripe_subscription_id = ? ORDER BY created_at DESC LIMIT 1`,
		stripeSubID,
	)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription by stripe id: %w", err)
	}
	return sub, nil
}

func (s *SubscriptionStore) listQuery(ctx context.Context, query string, args ...any) ([]*model.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (s *SubscriptionStore) ListByUserID(ctx context.Context, userID int64) ([]*model.Subscription, error) {
	subs, err := s.listQuery(ctx,
		`SELECT `+subscriptionCols+` FROM subscriptions WHERE user_id = ? ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions by user: %w", err)
	}
	return subs, nil
}

func (s *SubscriptionStore) ListByStripeCustomerID(ctx context.Context, customerID string) ([]*model.Subscription, error) {
	subs, err := s.listQuery(ctx,
		`SELECT `+subscriptionCols+` FROM subscriptions WHERE stripe_customer_id = ? ORDER BY created_at DESC`,
		customerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions by stripe customer: %w", err)
	}
	return subs, nil
}

// Update overwrites the mutable reconciliation fields of the row.
func (s *SubscriptionStore) Update(ctx context.Context, sub *model.Subscription) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET
		 status = ?, tier = ?, transaction_type = ?, stripe_price_id = ?, stripe_customer_id = ?,
		 stripe_subscription_id = ?, current_period_end = ?, cancel_at_period_end = ?, metadata = ?,
		 updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		sub.Status, sub.Tier, sub.TransactionType, sub.StripePriceID, sub.StripeCustomerID,
		sub.StripeSubscriptionID, nullTime(sub.CurrentPeriodEnd), boolInt(sub.CancelAtPeriodEnd),
		sub.Metadata, sub.ID,
	)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	return nil
}

// BulkUpdateByStripeSubscriptionID refreshes every local row sharing the
// Stripe subscription id with state re-fetched from the provider. Returns
// the number of rows touched.
func (s *SubscriptionStore) BulkUpdateByStripeSubscriptionID(ctx context.Context, stripeSubID string, status model.Status, periodEnd *time.Time, cancelAtPeriodEnd bool) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET
		 status = ?, current_period_end = ?, cancel_at_period_end = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE stripe_subscription_id = ?`,
		status, nullTime(periodEnd), boolInt(cancelAtPeriodEnd), stripeSubID,
	)
	if err != nil {
		return 0, fmt.Errorf("bulk update by stripe subscription id: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// SetPeriodEndForGiftRows moves every live gift row of the user to the same
// aggregated expiration, keeping stacked gifts consistent.
func (s *SubscriptionStore) SetPeriodEndForGiftRows(ctx context.Context, userID int64, end time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET current_period_end = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE user_id = ? AND is_gift = 1 AND status IN ('active', 'trialing')`,
		end.UTC(), userID,
	)
	if err != nil {
		return fmt.Errorf("set period end for gift rows: %w", err)
	}
	return nil
}

// DeleteByStripeCustomerID removes rows tied to a deleted Stripe customer.
// Gift placeholder rows carry no customer id and therefore survive.
func (s *SubscriptionStore) DeleteByStripeCustomerID(ctx context.Context, customerID string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE stripe_customer_id = ?`, customerID,
	)
	if err != nil {
		return 0, fmt.Errorf("delete subscriptions by stripe customer: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// DeleteUnlinkedByUserID removes the user's non-gift rows that never got a
// Stripe customer reference (pre-checkout leftovers).
func (s *SubscriptionStore) DeleteUnlinkedByUserID(ctx context.Context, userID int64) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE user_id = ? AND stripe_customer_id IS NULL AND is_gift = 0`,
		userID,
	)
	if err != nil {
		return 0, fmt.Errorf("delete unlinked subscriptions: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
