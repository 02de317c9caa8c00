package handler

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	stripe "github.com/stripe/stripe-go/v82"

	"github.com/castframe/castframe/internal/billing/gift"
	"github.com/castframe/castframe/internal/billing/store"
)

// planCustomerDeleted tears down the billing linkage for a deleted provider
// customer. Gift coverage is funded out-of-band and never carries the
// customer id, so gift rows deliberately survive the sweep.
func (p *Processor) planCustomerDeleted(ctx context.Context, event stripe.Event) (applyFn, error) {
	var cust stripe.Customer
	if err := json.Unmarshal(event.Data.Raw, &cust); err != nil {
		return nil, fmt.Errorf("decode customer: %w", err)
	}
	customerID := cust.ID

	return func(ctx context.Context, tx *sql.Tx) ([]gift.PostAction, error) {
		users := store.NewUserStore(tx)
		subs := store.NewSubscriptionStore(tx)

		// Subscription rows carry the customer id even when the users-table
		// linkage was never written, so the sweep by customer id must not
		// depend on finding a user.
		linked, err := subs.DeleteByStripeCustomerID(ctx, customerID)
		if err != nil {
			return nil, err
		}

		user, err := users.GetByStripeCustomerID(ctx, customerID)
		if err != nil {
			return nil, err
		}
		if user == nil {
			p.logger.Info("deleted customer not linked to a user",
				"customer", customerID, "deleted_linked", linked)
			return nil, nil
		}
		unlinked, err := subs.DeleteUnlinkedByUserID(ctx, user.ID)
		if err != nil {
			return nil, err
		}
		if err := users.ClearStripeCustomerID(ctx, user.ID); err != nil {
			return nil, err
		}

		remaining, err := subs.ListByUserID(ctx, user.ID)
		if err != nil {
			return nil, err
		}
		survivors := 0
		for _, row := range remaining {
			if row.Live() {
				survivors++
			}
		}
		p.logger.Info("customer deleted, billing rows removed",
			"customer", customerID, "user", user.ID,
			"deleted_linked", linked, "deleted_unlinked", unlinked, "surviving_live", survivors)
		return nil, nil
	}, nil
}
