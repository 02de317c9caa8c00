package model

import "time"

// Status is the internal lifecycle status of a subscription row. The full
// Stripe status vocabulary is collapsed by MapStripeStatus; business logic
// only ever sets StatusCanceled directly (pause-for-gift is tracked through
// metadata so a paused subscription still reads as active in the dashboard).
type Status string

const (
	StatusActive            Status = "active"
	StatusTrialing          Status = "trialing"
	StatusPastDue           Status = "past_due"
	StatusCanceled          Status = "canceled"
	StatusIncomplete        Status = "incomplete"
	StatusIncompleteExpired Status = "incomplete_expired"
	StatusUnpaid            Status = "unpaid"
	StatusPaused            Status = "paused"
)

type Tier string

const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
)

// TransactionType distinguishes recurring billing from one-time lifetime
// purchases, which are stored as subscription rows with a far-future
// period end.
type TransactionType string

const (
	TransactionRecurring TransactionType = "recurring"
	TransactionLifetime  TransactionType = "lifetime"
)

type GiftType string

const (
	GiftMonthly  GiftType = "monthly"
	GiftAnnual   GiftType = "annual"
	GiftLifetime GiftType = "lifetime"
)

// LifetimeYears is the horizon used for lifetime purchase period ends.
const LifetimeYears = 100

// MapStripeStatus collapses a Stripe subscription status into the internal
// enum. The collapsing of incomplete/unpaid variants into past_due is
// deliberate. Unrecognized statuses map to canceled as a fail-safe; ok is
// false in that case so callers can log the raw value instead of silently
// swallowing a new provider status.
func MapStripeStatus(raw string) (status Status, ok bool) {
	switch raw {
	case "active":
		return StatusActive, true
	case "trialing":
		return StatusTrialing, true
	case "canceled":
		return StatusCanceled, true
	case "incomplete", "incomplete_expired", "past_due", "unpaid":
		return StatusPastDue, true
	default:
		return StatusCanceled, false
	}
}

type User struct {
	ID               int64     `json:"id"`
	Email            string    `json:"email"`
	DisplayName      string    `json:"display_name"`
	StripeCustomerID *string   `json:"stripe_customer_id"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Subscription is one billing relationship. A user may own several rows at
// once (expired recurring rows, gift placeholders, a lifetime purchase);
// Representative picks the one the dashboard shows.
type Subscription struct {
	ID                   int64           `json:"id"`
	UserID               int64           `json:"user_id"`
	Status               Status          `json:"status"`
	Tier                 Tier            `json:"tier"`
	TransactionType      TransactionType `json:"transaction_type"`
	StripePriceID        *string         `json:"stripe_price_id"`
	StripeCustomerID     *string         `json:"stripe_customer_id"`
	StripeSubscriptionID *string         `json:"stripe_subscription_id"`
	CurrentPeriodEnd     *time.Time      `json:"current_period_end"`
	CancelAtPeriodEnd    bool            `json:"cancel_at_period_end"`
	IsGift               bool            `json:"is_gift"`
	Metadata             Metadata        `json:"metadata"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// Live reports whether the row currently grants paid access on its own.
func (s *Subscription) Live() bool {
	return s.Status == StatusActive || s.Status == StatusTrialing
}

// GiftSubscription records one gift grant and links to the placeholder
// subscription row it created.
type GiftSubscription struct {
	ID             int64      `json:"id"`
	SubscriptionID int64      `json:"subscription_id"`
	RecipientID    int64      `json:"recipient_id"`
	SenderName     string     `json:"sender_name"`
	Message        string     `json:"message"`
	GiftType       GiftType   `json:"gift_type"`
	Quantity       int64      `json:"quantity"`
	ExpiresAt      *time.Time `json:"expires_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// GiftTransaction is the immutable audit record of a gift purchase. Only
// refund annotations are ever appended to its metadata.
type GiftTransaction struct {
	ID                    int64     `json:"id"`
	Reference             string    `json:"reference"`
	RecipientID           int64     `json:"recipient_id"`
	GifterID              *int64    `json:"gifter_id"`
	SubscriptionID        *int64    `json:"subscription_id"`
	AmountCents           int64     `json:"amount_cents"`
	Currency              string    `json:"currency"`
	GiftType              GiftType  `json:"gift_type"`
	Quantity              int64     `json:"quantity"`
	StripeSessionID       string    `json:"stripe_session_id"`
	StripePaymentIntentID *string   `json:"stripe_payment_intent_id"`
	Metadata              Metadata  `json:"metadata"`
	CreatedAt             time.Time `json:"created_at"`
}

type Notification struct {
	ID        int64     `json:"id"`
	PublicID  string    `json:"public_id"`
	UserID    int64     `json:"user_id"`
	Kind      string    `json:"kind"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

const NotificationGiftReceived = "gift_received"

// WebhookEvent is one row of the idempotency ledger. Existence of a row
// means the Stripe event has been processed; the row is inserted in the same
// transaction as the event's side effects so a rollback un-records it.
type WebhookEvent struct {
	ID          int64     `json:"id"`
	EventID     string    `json:"event_id"`
	EventType   string    `json:"event_type"`
	ProcessedAt time.Time `json:"processed_at"`
}

// GracePeriod is a globally configured date range during which every user is
// treated as having paid-tier access regardless of subscription state.
type GracePeriod struct {
	Start time.Time
	End   time.Time
}

func (g *GracePeriod) Contains(now time.Time) bool {
	if g == nil {
		return false
	}
	return !now.Before(g.Start) && !now.After(g.End)
}

// representativeRank orders subscription rows for dashboard display. The
// priority is explicit rather than derived from enum ordering:
//
//	0 — live (active/trialing) with a Stripe subscription id
//	1 — lifetime purchase
//	2 — everything else
//
// Ties break toward the most recently created row.
func representativeRank(s *Subscription) int {
	if s.Live() && s.StripeSubscriptionID != nil {
		return 0
	}
	if s.TransactionType == TransactionLifetime {
		return 1
	}
	return 2
}

// Representative picks the subscription row that stands for the user's plan.
// Returns nil for an empty slice.
func Representative(subs []*Subscription) *Subscription {
	var best *Subscription
	for _, s := range subs {
		if best == nil {
			best = s
			continue
		}
		br, sr := representativeRank(best), representativeRank(s)
		if sr < br || (sr == br && s.CreatedAt.After(best.CreatedAt)) {
			best = s
		}
	}
	return best
}

// HasPaidPlan reports whether any of the user's subscription rows grants
// paid access right now. A live lifetime row counts even when every
// recurring row is canceled. The grace period, when configured, grants
// access unconditionally.
func HasPaidPlan(subs []*Subscription, now time.Time, grace *GracePeriod) bool {
	if grace.Contains(now) {
		return true
	}
	for _, s := range subs {
		if !s.Live() {
			continue
		}
		if s.CurrentPeriodEnd != nil && s.CurrentPeriodEnd.Before(now) {
			continue
		}
		return true
	}
	return false
}
