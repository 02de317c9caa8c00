package handler

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"

	"github.com/castframe/castframe/internal/billing/gift"
	"github.com/castframe/castframe/internal/billing/model"
	"github.com/castframe/castframe/internal/billing/store"
)

// planChargeSucceeded records lifetime purchases that arrive as bare charges
// rather than checkout completions, which happens with some payment methods
// (crypto in particular). Recurring charges are ignored here; invoice events
// carry their state.
func (p *Processor) planChargeSucceeded(ctx context.Context, event stripe.Event) (applyFn, error) {
	var ch stripe.Charge
	if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
		return nil, fmt.Errorf("decode charge: %w", err)
	}

	if gift.IsGiftSession(ch.Metadata) {
		// Gift purchases are materialized by the checkout handler.
		return noop, nil
	}
	if ch.PaymentIntent == nil {
		return noop, nil
	}

	sessions, err := p.provider.ListCheckoutSessionsByPaymentIntent(ch.PaymentIntent.ID)
	if err != nil {
		return nil, fmt.Errorf("list sessions for payment intent %s: %w", ch.PaymentIntent.ID, err)
	}
	var sess *stripe.CheckoutSession
	for _, s := range sessions {
		if gift.IsGiftSession(s.Metadata) {
			return noop, nil
		}
		if s.Metadata[metaUserID] != "" {
			sess = s
			break
		}
	}
	if sess == nil {
		p.logger.Info("charge without storefront session, ignoring", "charge", ch.ID)
		return noop, nil
	}
	userID, err := strconv.ParseInt(sess.Metadata[metaUserID], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("charge %s: bad user id %q", ch.ID, sess.Metadata[metaUserID])
	}

	crypto := ch.PaymentMethodDetails != nil && string(ch.PaymentMethodDetails.Type) == "crypto"
	lifetime, err := p.isLifetimePurchase(sess, crypto)
	if err != nil {
		return nil, err
	}
	if !lifetime {
		return noop, nil
	}

	var customerID string
	if ch.Customer != nil {
		customerID = ch.Customer.ID
	}
	sessID := sess.ID

	return func(ctx context.Context, tx *sql.Tx) ([]gift.PostAction, error) {
		subs := store.NewSubscriptionStore(tx)
		if dup, err := findLifetimeBySession(ctx, subs, userID, sessID); err != nil {
			return nil, err
		} else if dup != nil {
			p.logger.Info("lifetime purchase already recorded", "session", sessID, "charge", ch.ID)
			return nil, nil
		}

		periodEnd := time.Now().UTC().AddDate(model.LifetimeYears, 0, 0)
		row := &model.Subscription{
			UserID:           userID,
			Status:           model.StatusActive,
			Tier:             model.TierPro,
			TransactionType:  model.TransactionLifetime,
			CurrentPeriodEnd: &periodEnd,
			Metadata:         model.Metadata{model.MetaCheckoutSessionID: sessID},
		}
		if crypto {
			row.Metadata[model.MetaPaymentMethod] = "crypto"
		}
		if customerID != "" {
			row.StripeCustomerID = &customerID
		}
		if _, err := subs.Create(ctx, row); err != nil {
			return nil, err
		}
		return nil, nil
	}, nil
}

// isLifetimePurchase decides whether the session bought the lifetime plan.
// A configured price id is authoritative; otherwise the price is looked up
// and must be one-time. Crypto charges additionally require the product to
// name itself a lifetime plan, because crypto processors report one-time
// prices for things that are not plans at all.
func (p *Processor) isLifetimePurchase(sess *stripe.CheckoutSession, crypto bool) (bool, error) {
	items, err := p.provider.ListLineItems(sess.ID)
	if err != nil {
		return false, fmt.Errorf("list line items for %s: %w", sess.ID, err)
	}
	var priceID string
	if len(items) > 0 && items[0].Price != nil {
		priceID = items[0].Price.ID
	}
	if priceID == "" {
		return false, nil
	}

	if p.cfg.LifetimePriceID != "" {
		return priceID == p.cfg.LifetimePriceID, nil
	}

	price, err := p.provider.GetPrice(priceID)
	if err != nil {
		p.logger.Warn("price lookup failed, not treating charge as lifetime", "price", priceID, "error", err)
		return false, nil
	}
	if price.Type != stripe.PriceTypeOneTime {
		return false, nil
	}
	if crypto {
		return price.Product != nil && strings.Contains(strings.ToLower(price.Product.Name), "lifetime"), nil
	}
	return true, nil
}

// planChargeRefunded reverses what the charge paid for. Gift charges go
// through the gift credit reversal; everything else resolves the local user
// and retires lifetime or crypto rows on a full refund, or annotates the
// rows on a partial one.
func (p *Processor) planChargeRefunded(ctx context.Context, event stripe.Event) (applyFn, error) {
	var ch stripe.Charge
	if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
		return nil, fmt.Errorf("decode charge: %w", err)
	}

	if gift.IsGiftSession(ch.Metadata) {
		plan, err := p.gifts.PrepareRefund(ctx, &ch)
		if err != nil {
			return nil, err
		}
		return plan.Apply, nil
	}

	userID, isGift, err := p.resolveRefundedUser(ctx, &ch)
	if err != nil {
		return nil, err
	}
	if isGift {
		plan, err := p.gifts.PrepareRefund(ctx, &ch)
		if err != nil {
			return nil, err
		}
		return plan.Apply, nil
	}
	if userID == 0 {
		p.logger.Info("refunded charge with no local user, ignoring", "charge", ch.ID)
		return noop, nil
	}

	full := ch.AmountRefunded >= ch.Amount
	annotation := model.RefundAnnotation{
		ChargeID:       ch.ID,
		AmountRefunded: ch.AmountRefunded,
		Partial:        !full,
	}

	return func(ctx context.Context, tx *sql.Tx) ([]gift.PostAction, error) {
		subs := store.NewSubscriptionStore(tx)
		rows, err := subs.ListByUserID(ctx, userID)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			if !row.Live() || row.IsGift {
				continue
			}
			lifetime := row.TransactionType == model.TransactionLifetime
			crypto := row.Metadata[model.MetaPaymentMethod] == "crypto"

			switch {
			case full && (lifetime || crypto):
				row.Status = model.StatusCanceled
				row.Tier = model.TierFree
				row.CancelAtPeriodEnd = true
				row.Metadata = row.Metadata.Apply(annotation, model.Canceled{At: time.Now().UTC()})
			case !full:
				row.Metadata = row.Metadata.Apply(annotation)
			default:
				// Full refund of a recurring card plan: the provider emits
				// customer.subscription.deleted when the plan actually ends.
				continue
			}
			if err := subs.Update(ctx, row); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}, nil
}

// resolveRefundedUser finds which local user a refunded charge belongs to,
// trying charge metadata, the checkout sessions behind the payment intent
// (which may also reveal the charge was a gift), payment intent metadata,
// and finally the customer linkage. Returns 0 when nothing matches.
func (p *Processor) resolveRefundedUser(ctx context.Context, ch *stripe.Charge) (int64, bool, error) {
	if raw := ch.Metadata[metaUserID]; raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, false, fmt.Errorf("charge %s: bad user id %q", ch.ID, raw)
		}
		return id, false, nil
	}

	if ch.PaymentIntent != nil {
		sessions, err := p.provider.ListCheckoutSessionsByPaymentIntent(ch.PaymentIntent.ID)
		if err != nil {
			p.logger.Warn("session lookup for refunded charge failed", "charge", ch.ID, "error", err)
		}
		for _, sess := range sessions {
			if gift.IsGiftSession(sess.Metadata) {
				return 0, true, nil
			}
			if raw := sess.Metadata[metaUserID]; raw != "" {
				if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
					return id, false, nil
				}
			}
		}

		pi, err := p.provider.GetPaymentIntent(ch.PaymentIntent.ID)
		if err != nil {
			p.logger.Warn("payment intent lookup for refunded charge failed", "charge", ch.ID, "error", err)
		} else if raw := pi.Metadata[metaUserID]; raw != "" {
			if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
				return id, false, nil
			}
		}
	}

	if ch.Customer != nil {
		user, err := store.NewUserStore(p.db).GetByStripeCustomerID(ctx, ch.Customer.ID)
		if err != nil {
			return 0, false, err
		}
		if user != nil {
			return user.ID, false, nil
		}
	}
	return 0, false, nil
}
