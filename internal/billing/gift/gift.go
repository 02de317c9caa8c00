// Package gift implements the gift/credit subsystem. Gifts are modeled as
// negative customer-balance transactions on Stripe (reducing what the
// recipient owes) plus a local audit graph, not as separate billing
// subscriptions with their own charge cycles.
package gift

import (
	"fmt"
	"time"

	"github.com/castframe/castframe/internal/billing/model"
)

// Prices is the credit table used to compute gift amounts, configured in
// cents per period from the environment rather than read from live Stripe
// prices. Lifetime is a flat amount regardless of quantity.
type Prices struct {
	MonthlyCents  int64
	AnnualCents   int64
	LifetimeCents int64
	Currency      string
}

// CreditCents returns the balance credit for a gift purchase.
func (p Prices) CreditCents(giftType model.GiftType, quantity int64) int64 {
	if quantity < 1 {
		quantity = 1
	}
	switch giftType {
	case model.GiftMonthly:
		return p.MonthlyCents * quantity
	case model.GiftAnnual:
		return p.AnnualCents * quantity
	case model.GiftLifetime:
		return p.LifetimeCents
	default:
		return 0
	}
}

// AggregateDuration returns the expiration a gift produces when applied on
// top of existing coverage ending at from. Non-lifetime gifts stack
// sequentially, so applying grants in order yields the combined coverage.
func AggregateDuration(giftType model.GiftType, quantity int64, from time.Time) time.Time {
	if quantity < 1 {
		quantity = 1
	}
	switch giftType {
	case model.GiftAnnual:
		return from.AddDate(int(quantity), 0, 0)
	case model.GiftLifetime:
		return from.AddDate(model.LifetimeYears, 0, 0)
	default:
		return from.AddDate(0, int(quantity), 0)
	}
}

// ParseType validates a giftDuration metadata value.
func ParseType(raw string) (model.GiftType, error) {
	switch model.GiftType(raw) {
	case model.GiftMonthly, model.GiftAnnual, model.GiftLifetime:
		return model.GiftType(raw), nil
	default:
		return "", fmt.Errorf("unknown gift duration %q", raw)
	}
}

// Describe renders a human-readable label for balance transaction
// descriptions and notifications.
func Describe(giftType model.GiftType, quantity int64) string {
	switch giftType {
	case model.GiftLifetime:
		return "lifetime access"
	case model.GiftAnnual:
		if quantity == 1 {
			return "1 year"
		}
		return fmt.Sprintf("%d years", quantity)
	default:
		if quantity == 1 {
			return "1 month"
		}
		return fmt.Sprintf("%d months", quantity)
	}
}
