package handler

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	stripe "github.com/stripe/stripe-go/v82"

	"github.com/castframe/castframe/internal/billing/gift"
	"github.com/castframe/castframe/internal/billing/model"
	"github.com/castframe/castframe/internal/billing/store"
)

// Checkout session metadata keys written by the storefront for non-gift
// purchases.
const (
	metaUserID            = "userId"
	metaUpgradeFromSub    = "upgradeFromSubscription"
	metaIsNewSubscription = "isNewSubscription"
)

func (p *Processor) planCheckoutCompleted(ctx context.Context, event stripe.Event) (applyFn, error) {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return nil, fmt.Errorf("decode checkout session: %w", err)
	}

	if gift.IsGiftSession(sess.Metadata) {
		plan, err := p.gifts.PrepareCheckout(ctx, &sess)
		if err != nil {
			return nil, err
		}
		return plan.Apply, nil
	}

	switch sess.Mode {
	case stripe.CheckoutSessionModeSubscription:
		if sess.Subscription == nil {
			return nil, fmt.Errorf("subscription checkout %s has no subscription", sess.ID)
		}
		sub, err := p.provider.GetSubscription(sess.Subscription.ID)
		if err != nil {
			return nil, fmt.Errorf("fetch subscription %s: %w", sess.Subscription.ID, err)
		}
		brandNew := sess.Metadata[metaIsNewSubscription] != "false"
		var emailHint string
		if sess.CustomerDetails != nil {
			emailHint = sess.CustomerDetails.Email
		}
		return p.subscriptionApply(sub, sess.Metadata[metaUserID], emailHint, brandNew), nil

	case stripe.CheckoutSessionModePayment:
		return p.planLifetimeCheckout(&sess)
	}

	p.logger.Info("checkout session in unhandled mode, ignoring",
		"session", sess.ID, "mode", sess.Mode)
	return noop, nil
}

// planLifetimeCheckout records a one-time lifetime purchase. The row is
// keyed on the checkout session id in metadata so the charge.succeeded
// delivery for the same purchase does not create a second one.
func (p *Processor) planLifetimeCheckout(sess *stripe.CheckoutSession) (applyFn, error) {
	userID, err := strconv.ParseInt(sess.Metadata[metaUserID], 10, 64)
	if err != nil {
		p.logger.Info("payment checkout without user id, ignoring", "session", sess.ID)
		return noop, nil
	}

	var customerID string
	if sess.Customer != nil {
		customerID = sess.Customer.ID
	}
	upgradeFrom := sess.Metadata[metaUpgradeFromSub]
	sessID := sess.ID

	return func(ctx context.Context, tx *sql.Tx) ([]gift.PostAction, error) {
		subs := store.NewSubscriptionStore(tx)

		if dup, err := findLifetimeBySession(ctx, subs, userID, sessID); err != nil {
			return nil, err
		} else if dup != nil {
			p.logger.Info("lifetime purchase already recorded", "session", sessID, "user", userID)
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
		if customerID != "" {
			row.StripeCustomerID = &customerID
		}
		if _, err := subs.Create(ctx, row); err != nil {
			return nil, err
		}

		var post []gift.PostAction
		if upgradeFrom != "" {
			post = append(post, p.retireUpgradedSubscription(ctx, subs, upgradeFrom)...)
		}
		return post, nil
	}, nil
}

// retireUpgradedSubscription cancels the recurring subscription a lifetime
// purchase replaces, locally now and at the provider after commit.
func (p *Processor) retireUpgradedSubscription(ctx context.Context, subs *store.SubscriptionStore, stripeSubID string) []gift.PostAction {
	old, err := subs.GetByStripeSubscriptionID(ctx, stripeSubID)
	if err != nil {
		p.logger.Warn("lookup of upgraded subscription failed", "subscription", stripeSubID, "error", err)
	} else if old != nil {
		old.Status = model.StatusCanceled
		old.CancelAtPeriodEnd = true
		old.Metadata = old.Metadata.Apply(model.Canceled{At: time.Now().UTC()})
		old.Metadata[model.MetaUpgradedToLifetime] = "true"
		if err := subs.Update(ctx, old); err != nil {
			p.logger.Warn("local cancel of upgraded subscription failed", "subscription", stripeSubID, "error", err)
		}
	}

	return []gift.PostAction{{
		Name: "cancel-upgraded-subscription",
		Run: func(ctx context.Context) error {
			if err := p.provider.CancelSubscription(stripeSubID); err != nil {
				return fmt.Errorf("cancel upgraded subscription %s: %w", stripeSubID, err)
			}
			return nil
		},
	}}
}

func findLifetimeBySession(ctx context.Context, subs *store.SubscriptionStore, userID int64, sessionID string) (*model.Subscription, error) {
	rows, err := subs.ListByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, sub := range rows {
		if sub.TransactionType != model.TransactionLifetime {
			continue
		}
		if id, ok := sub.Metadata[model.MetaCheckoutSessionID]; ok && id == sessionID {
			return sub, nil
		}
	}
	return nil, nil
}
