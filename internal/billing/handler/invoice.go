package handler

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	stripe "github.com/stripe/stripe-go/v82"

	"github.com/castframe/castframe/internal/billing/gift"
	"github.com/castframe/castframe/internal/billing/model"
	"github.com/castframe/castframe/internal/billing/store"
)

// planInvoice folds invoice payment outcomes into the subscription rows they
// bill for. The invoice itself is not stored; the subscription fetched fresh
// from the provider is authoritative for status and period end, except that
// a failed payment forces past_due even if the provider has not flipped the
// subscription yet.
func (p *Processor) planInvoice(ctx context.Context, event stripe.Event) (applyFn, error) {
	var inv stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return nil, fmt.Errorf("decode invoice: %w", err)
	}

	if inv.Parent == nil || inv.Parent.SubscriptionDetails == nil || inv.Parent.SubscriptionDetails.Subscription == nil {
		p.logger.Info("invoice without subscription, ignoring", "invoice", inv.ID, "type", event.Type)
		return noop, nil
	}
	stripeSubID := inv.Parent.SubscriptionDetails.Subscription.ID

	sub, err := p.provider.GetSubscription(stripeSubID)
	if err != nil {
		return nil, fmt.Errorf("fetch subscription %s: %w", stripeSubID, err)
	}

	status, ok := model.MapStripeStatus(string(sub.Status))
	if !ok {
		p.logger.Warn("unknown subscription status, treating as canceled",
			"subscription", stripeSubID, "status", sub.Status)
	}
	if string(event.Type) == "invoice.payment_failed" {
		status = model.StatusPastDue
	}
	periodEnd := subscriptionPeriodEnd(sub)
	cancel := sub.CancelAtPeriodEnd

	return func(ctx context.Context, tx *sql.Tx) ([]gift.PostAction, error) {
		n, err := store.NewSubscriptionStore(tx).BulkUpdateByStripeSubscriptionID(ctx, stripeSubID, status, periodEnd, cancel)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			p.logger.Info("invoice for untracked subscription", "subscription", stripeSubID, "invoice", inv.ID)
		}
		return nil, nil
	}, nil
}
