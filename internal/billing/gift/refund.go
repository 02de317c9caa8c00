package gift

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	stripe "github.com/stripe/stripe-go/v82"

	"github.com/castframe/castframe/internal/billing/model"
	"github.com/castframe/castframe/internal/billing/store"
)

// RefundPlan reverses the balance credit of a refunded gift charge. The
// reversal is proportional to amount_refunded (which Stripe guarantees is
// monotonically non-decreasing per charge), and the cumulative reversed
// amount is tracked on the GiftTransaction so a redelivered or follow-up
// refund event never double-reverses.
type RefundPlan struct {
	Charge      *stripe.Charge
	Transaction *model.GiftTransaction // nil on the estimated fallback path
	SessionID   string
	Delta       int64 // cents still to reverse
	Target      int64 // cumulative cents reversed after this refund
	Full        bool
	Estimated   bool

	customerID string
	svc        *Service
}

// roundedShare computes round(amount * num / den) in integer cents.
func roundedShare(amount, num, den int64) int64 {
	if den <= 0 {
		return 0
	}
	return (amount*num + den/2) / den
}

// PrepareRefund locates the gift audit record for a refunded gift-tagged
// charge. When no GiftTransaction can be found it falls back to an estimate
// derived from the originating checkout session's metadata and the static
// price table; that path is explicitly approximate and tagged isEstimated.
func (s *Service) PrepareRefund(ctx context.Context, ch *stripe.Charge) (*RefundPlan, error) {
	gifts := store.NewGiftStore(s.db)

	var paymentIntentID string
	if ch.PaymentIntent != nil {
		paymentIntentID = ch.PaymentIntent.ID
	}

	var gt *model.GiftTransaction
	if paymentIntentID != "" {
		var err error
		gt, err = gifts.GetTransactionByPaymentIntentID(ctx, paymentIntentID)
		if err != nil {
			return nil, err
		}
		if gt == nil {
			sessions, err := s.provider.ListCheckoutSessionsByPaymentIntent(paymentIntentID)
			if err != nil {
				s.logger.Warn("gift refund: list checkout sessions failed", "payment_intent", paymentIntentID, "error", err)
			}
			var fallback *stripe.CheckoutSession
			for _, sess := range sessions {
				gt, err = gifts.GetTransactionBySessionID(ctx, sess.ID)
				if err != nil {
					return nil, err
				}
				if gt != nil {
					break
				}
				if fallback == nil && IsGiftSession(sess.Metadata) {
					fallback = sess
				}
			}
			if gt == nil && fallback != nil {
				if estimate := s.estimatePlan(ch, fallback); estimate != nil {
					return estimate, nil
				}
			}
		}
	}
	if gt == nil {
		return nil, fmt.Errorf("gift refund: no gift transaction for charge %s", ch.ID)
	}

	target := roundedShare(gt.AmountCents, ch.AmountRefunded, ch.Amount)
	delta := target - gt.Metadata.Int64(model.MetaReversedCents)
	if delta < 0 {
		delta = 0
	}

	customerID := ""
	if recipient, err := store.NewUserStore(s.db).GetByID(ctx, gt.RecipientID); err == nil && recipient != nil && recipient.StripeCustomerID != nil {
		customerID = *recipient.StripeCustomerID
	}
	if customerID == "" && ch.Customer != nil {
		customerID = ch.Customer.ID
	}

	return &RefundPlan{
		Charge:      ch,
		Transaction: gt,
		SessionID:   gt.StripeSessionID,
		Delta:       delta,
		Target:      target,
		Full:        ch.AmountRefunded >= ch.Amount,
		customerID:  customerID,
		svc:         s,
	}, nil
}

// estimatePlan builds the degraded-accuracy reversal from the session's own
// gift metadata when the audit record is missing.
func (s *Service) estimatePlan(ch *stripe.Charge, sess *stripe.CheckoutSession) *RefundPlan {
	giftType, err := ParseType(sess.Metadata[MetaGiftDuration])
	if err != nil {
		return nil
	}
	quantity, _ := strconv.ParseInt(sess.Metadata[MetaGiftQuantity], 10, 64)
	credit := s.prices.CreditCents(giftType, quantity)
	target := roundedShare(credit, ch.AmountRefunded, ch.Amount)

	customerID := ""
	if ch.Customer != nil {
		customerID = ch.Customer.ID
	} else if sess.Customer != nil {
		customerID = sess.Customer.ID
	}

	s.logger.Warn("gift refund: no audit record, using estimated reversal",
		"charge", ch.ID, "session", sess.ID, "estimate_cents", target)

	return &RefundPlan{
		Charge:     ch,
		SessionID:  sess.ID,
		Delta:      target,
		Target:     target,
		Full:       ch.AmountRefunded >= ch.Amount,
		Estimated:  true,
		customerID: customerID,
		svc:        s,
	}
}

// Apply records the reversal locally and, on a full refund, cancels the
// gift's placeholder subscription row. The positive balance transaction that
// cancels out the original credit is queued post-commit.
func (p *RefundPlan) Apply(ctx context.Context, tx *sql.Tx) ([]PostAction, error) {
	if p.Transaction != nil {
		meta := p.Transaction.Metadata.Apply(model.CreditReversal{
			ChargeID:      p.Charge.ID,
			ReversedCents: p.Target,
			Estimated:     p.Estimated,
		})
		if err := store.NewGiftStore(tx).UpdateTransactionMetadata(ctx, p.Transaction.ID, meta); err != nil {
			return nil, err
		}

		if p.Full && p.Transaction.SubscriptionID != nil {
			subs := store.NewSubscriptionStore(tx)
			sub, err := subs.GetByID(ctx, *p.Transaction.SubscriptionID)
			if err != nil {
				return nil, err
			}
			if sub != nil && sub.Status != model.StatusCanceled {
				sub.Status = model.StatusCanceled
				sub.CancelAtPeriodEnd = true
				sub.Metadata = sub.Metadata.Apply(model.Canceled{At: time.Now().UTC()})
				if err := subs.Update(ctx, sub); err != nil {
					return nil, err
				}
			}
		}
	}

	if p.Delta <= 0 || p.customerID == "" {
		if p.customerID == "" && p.Delta > 0 {
			p.svc.logger.Error("gift refund: no customer to reverse credit against", "charge", p.Charge.ID)
		}
		return nil, nil
	}

	svc := p.svc
	customerID := p.customerID
	delta := p.Delta
	metadata := map[string]string{
		"refundedChargeId":  p.Charge.ID,
		"checkoutSessionId": p.SessionID,
	}
	if p.Estimated {
		metadata["isEstimated"] = "true"
	}

	return []PostAction{{
		Name: "gift-credit-reversal",
		Run: func(ctx context.Context) error {
			if _, err := svc.provider.CreateBalanceTransaction(customerID, delta, svc.prices.Currency, "Gift credit reversal (refund)", metadata); err != nil {
				return fmt.Errorf("post gift credit reversal: %w", err)
			}
			return nil
		},
	}}, nil
}
