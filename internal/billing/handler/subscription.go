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

func (p *Processor) planSubscriptionChange(ctx context.Context, event stripe.Event) (applyFn, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return nil, fmt.Errorf("decode subscription: %w", err)
	}
	brandNew := string(event.Type) == "customer.subscription.created"

	// Without an explicit user hint the provider's customer record is the
	// remaining clue, so fetch it now; apply runs inside the transaction and
	// must not call out.
	userIDHint := sub.Metadata[metaUserID]
	var emailHint string
	if userIDHint == "" && sub.Customer != nil {
		cust, err := p.provider.GetCustomer(sub.Customer.ID)
		if err != nil {
			p.logger.Warn("customer lookup failed", "customer", sub.Customer.ID, "error", err)
		} else if cust != nil {
			emailHint = cust.Email
		}
	}
	return p.subscriptionApply(&sub, userIDHint, emailHint, brandNew), nil
}

func (p *Processor) planSubscriptionDeleted(ctx context.Context, event stripe.Event) (applyFn, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return nil, fmt.Errorf("decode subscription: %w", err)
	}
	stripeSubID := sub.ID

	return func(ctx context.Context, tx *sql.Tx) ([]gift.PostAction, error) {
		subs := store.NewSubscriptionStore(tx)
		row, err := subs.GetByStripeSubscriptionID(ctx, stripeSubID)
		if err != nil {
			return nil, err
		}
		if row == nil {
			// Deletion of something we never tracked still counts as done.
			p.logger.Info("deleted subscription not tracked locally", "subscription", stripeSubID)
			return nil, nil
		}
		row.Status = model.StatusCanceled
		row.Tier = model.TierFree
		row.CancelAtPeriodEnd = true
		row.Metadata = row.Metadata.Apply(model.Canceled{At: time.Now().UTC()})
		if err := subs.Update(ctx, row); err != nil {
			return nil, err
		}
		return nil, nil
	}, nil
}

// subscriptionApply reconciles the local row for a provider subscription:
// status and tier mapping, current price, period end, pause bookkeeping, and
// on a brand-new trialing subscription, deferral of billing while gift
// coverage is active.
func (p *Processor) subscriptionApply(sub *stripe.Subscription, userIDHint, emailHint string, brandNew bool) applyFn {
	status, ok := model.MapStripeStatus(string(sub.Status))
	if !ok {
		p.logger.Warn("unknown subscription status, treating as canceled",
			"subscription", sub.ID, "status", sub.Status)
	}

	var customerID string
	if sub.Customer != nil {
		customerID = sub.Customer.ID
	}
	var priceID string
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		priceID = sub.Items.Data[0].Price.ID
	}
	periodEnd := subscriptionPeriodEnd(sub)
	paused := sub.PauseCollection != nil && sub.PauseCollection.Behavior != ""

	return func(ctx context.Context, tx *sql.Tx) ([]gift.PostAction, error) {
		subs := store.NewSubscriptionStore(tx)

		row, err := subs.GetByStripeSubscriptionID(ctx, sub.ID)
		if err != nil {
			return nil, err
		}
		if row == nil {
			userID, err := p.resolveUserID(ctx, tx, userIDHint, emailHint, customerID)
			if err != nil {
				return nil, fmt.Errorf("subscription %s: %w", sub.ID, err)
			}
			stripeSubID := sub.ID
			row = &model.Subscription{
				UserID:               userID,
				TransactionType:      model.TransactionRecurring,
				StripeSubscriptionID: &stripeSubID,
				Metadata:             model.Metadata{},
			}
		}

		row.Status = status
		if row.Live() {
			row.Tier = model.TierPro
		} else {
			row.Tier = model.TierFree
		}
		if priceID != "" {
			row.StripePriceID = &priceID
		}
		if customerID != "" {
			row.StripeCustomerID = &customerID
		}
		row.CurrentPeriodEnd = periodEnd
		row.CancelAtPeriodEnd = sub.CancelAtPeriodEnd

		// The provider is the source of truth for pause state: once it
		// reports collection resumed, drop our pause bookkeeping.
		if _, wasPaused := row.Metadata.Time(model.MetaPauseResumesAt); wasPaused && !paused {
			row.Metadata = row.Metadata.Apply(model.PauseCleared{})
		}

		var post []gift.PostAction
		if brandNew && status == model.StatusTrialing {
			if coverageEnd, covered, err := p.gifts.CoverageEnd(ctx, tx, row.UserID); err != nil {
				return nil, err
			} else if covered {
				if action, ok := p.gifts.PauseForCoverage(row, coverageEnd); ok {
					post = append(post, action)
				}
			}
		}

		if row.ID == 0 {
			if _, err := subs.Create(ctx, row); err != nil {
				return nil, err
			}
		} else if err := subs.Update(ctx, row); err != nil {
			return nil, err
		}
		return post, nil
	}
}

// resolveUserID maps a provider subscription to a local user: the explicit
// metadata hint first, then the users-table customer linkage, then sibling
// subscription rows stamped with the same customer id, and finally the
// customer's email. An email match back-fills the users-table linkage.
func (p *Processor) resolveUserID(ctx context.Context, tx *sql.Tx, hint, email, customerID string) (int64, error) {
	if hint != "" {
		if id, err := strconv.ParseInt(hint, 10, 64); err == nil {
			return id, nil
		}
	}
	users := store.NewUserStore(tx)
	if customerID != "" {
		user, err := users.GetByStripeCustomerID(ctx, customerID)
		if err != nil {
			return 0, err
		}
		if user != nil {
			return user.ID, nil
		}
		rows, err := store.NewSubscriptionStore(tx).ListByStripeCustomerID(ctx, customerID)
		if err != nil {
			return 0, err
		}
		if len(rows) > 0 {
			return rows[0].UserID, nil
		}
	}
	if email != "" {
		user, err := users.GetByEmail(ctx, email)
		if err != nil {
			return 0, err
		}
		if user != nil {
			if customerID != "" {
				if err := users.SetStripeCustomerID(ctx, user.ID, customerID); err != nil {
					return 0, err
				}
			}
			return user.ID, nil
		}
	}
	return 0, fmt.Errorf("no local user for customer %q", customerID)
}

// subscriptionPeriodEnd returns the latest current period end across the
// subscription's items, which is where the API now reports it.
func subscriptionPeriodEnd(sub *stripe.Subscription) *time.Time {
	if sub.Items == nil {
		return nil
	}
	var max int64
	for _, item := range sub.Items.Data {
		if item != nil && item.CurrentPeriodEnd > max {
			max = item.CurrentPeriodEnd
		}
	}
	if max == 0 {
		return nil
	}
	end := time.Unix(max, 0).UTC()
	return &end
}
