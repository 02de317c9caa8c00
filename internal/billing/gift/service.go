package gift

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	stripe "github.com/stripe/stripe-go/v82"

	"github.com/castframe/castframe/internal/billing/model"
	"github.com/castframe/castframe/internal/billing/store"
)

// Provider is the slice of the payments API the gift subsystem needs.
// Mutating calls are deferred to PostActions so they never run inside the
// local database transaction.
type Provider interface {
	FindCustomerByEmail(email string) (*stripe.Customer, error)
	CreateCustomer(email, name string, metadata map[string]string) (*stripe.Customer, error)
	CreateBalanceTransaction(customerID string, amountCents int64, currency, description string, metadata map[string]string) (*stripe.CustomerBalanceTransaction, error)
	ListLineItems(sessionID string) ([]*stripe.LineItem, error)
	ListCheckoutSessionsByPaymentIntent(paymentIntentID string) ([]*stripe.CheckoutSession, error)
	PauseSubscription(subscriptionID string, resumesAt time.Time) error
}

// Notifier delivers the out-of-band gift notification (email today). A nil
// notifier disables delivery; the Notification row is written regardless.
type Notifier interface {
	SendGiftNotification(toEmail, senderName, message, coverage string) error
}

// PostAction is a mutating provider call queued during reconciliation and
// executed only after the local transaction commits. Failures are logged by
// the caller and reconciled out-of-band; they do not fail the event.
type PostAction struct {
	Name string
	Run  func(ctx context.Context) error
}

// Checkout session metadata keys written by the storefront.
const (
	MetaIsGift       = "isGift"
	MetaGiftDuration = "giftDuration"
	MetaGiftQuantity = "giftQuantity"
	MetaRecipientID  = "recipientUserId"
	MetaGifterID     = "gifterUserId"
	MetaSenderName   = "senderName"
	MetaGiftMessage  = "giftMessage"
)

// IsGiftSession reports whether checkout metadata marks the session a gift.
func IsGiftSession(metadata map[string]string) bool {
	return metadata[MetaIsGift] == "true"
}

type Service struct {
	db       *sql.DB
	provider Provider
	prices   Prices
	notifier Notifier
	logger   *slog.Logger
}

func NewService(db *sql.DB, provider Provider, prices Prices, notifier Notifier, logger *slog.Logger) *Service {
	return &Service{
		db:       db,
		provider: provider,
		prices:   prices,
		notifier: notifier,
		logger:   logger,
	}
}

// CheckoutPlan carries everything needed to materialize a gift checkout:
// provider reads are already done, local writes happen in Apply, and the
// provider-side credit is queued as a PostAction.
type CheckoutPlan struct {
	Session    *stripe.CheckoutSession
	Recipient  *model.User
	GifterID   *int64
	GiftType   model.GiftType
	Quantity   int64
	Credit     int64
	SenderName string
	Message    string

	// customerID is empty when the recipient has no Stripe customer yet;
	// creation is deferred to the post-commit credit action.
	customerID string

	svc *Service
}

// PrepareCheckout resolves the recipient and reconciles the gift quantity
// against the session's line items (the customer may have adjusted the
// quantity at checkout, so line items are authoritative).
func (s *Service) PrepareCheckout(ctx context.Context, sess *stripe.CheckoutSession) (*CheckoutPlan, error) {
	recipientID, err := strconv.ParseInt(sess.Metadata[MetaRecipientID], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("gift checkout %s: bad recipient id %q", sess.ID, sess.Metadata[MetaRecipientID])
	}
	giftType, err := ParseType(sess.Metadata[MetaGiftDuration])
	if err != nil {
		return nil, fmt.Errorf("gift checkout %s: %w", sess.ID, err)
	}

	recipient, err := store.NewUserStore(s.db).GetByID(ctx, recipientID)
	if err != nil {
		return nil, err
	}
	if recipient == nil {
		return nil, fmt.Errorf("gift checkout %s: recipient %d not found", sess.ID, recipientID)
	}

	quantity, _ := strconv.ParseInt(sess.Metadata[MetaGiftQuantity], 10, 64)
	if items, err := s.provider.ListLineItems(sess.ID); err != nil {
		s.logger.Warn("gift checkout: list line items failed, using metadata quantity",
			"session", sess.ID, "error", err)
	} else {
		var total int64
		for _, item := range items {
			total += item.Quantity
		}
		if total > 0 {
			quantity = total
		}
	}
	if quantity < 1 {
		quantity = 1
	}

	var gifterID *int64
	if raw := sess.Metadata[MetaGifterID]; raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			gifterID = &id
		}
	}

	customerID := ""
	if recipient.StripeCustomerID != nil {
		customerID = *recipient.StripeCustomerID
	} else if cust, err := s.provider.FindCustomerByEmail(recipient.Email); err != nil {
		s.logger.Warn("gift checkout: customer lookup by email failed", "session", sess.ID, "error", err)
	} else if cust != nil {
		customerID = cust.ID
	}

	return &CheckoutPlan{
		Session:    sess,
		Recipient:  recipient,
		GifterID:   gifterID,
		GiftType:   giftType,
		Quantity:   quantity,
		Credit:     s.prices.CreditCents(giftType, quantity),
		SenderName: sess.Metadata[MetaSenderName],
		Message:    sess.Metadata[MetaGiftMessage],
		customerID: customerID,
		svc:        s,
	}, nil
}

// Apply writes the gift graph inside the open transaction: GiftTransaction,
// placeholder Subscription (isGift), GiftSubscription, Notification. All of
// the recipient's gift rows converge on the aggregated expiration. Returns
// the deferred provider actions (credit posting, optional pause of an
// underlying paid subscription, notification delivery).
func (p *CheckoutPlan) Apply(ctx context.Context, tx *sql.Tx) ([]PostAction, error) {
	now := time.Now().UTC()
	subs := store.NewSubscriptionStore(tx)
	gifts := store.NewGiftStore(tx)

	existing, err := subs.ListByUserID(ctx, p.Recipient.ID)
	if err != nil {
		return nil, err
	}

	// Stack on top of whatever gift coverage is already in place.
	base := now
	for _, sub := range existing {
		if sub.IsGift && sub.Live() && sub.CurrentPeriodEnd != nil && sub.CurrentPeriodEnd.After(base) {
			base = *sub.CurrentPeriodEnd
		}
	}
	expiry := AggregateDuration(p.GiftType, p.Quantity, base)

	txType := model.TransactionRecurring
	if p.GiftType == model.GiftLifetime {
		txType = model.TransactionLifetime
	}

	reference := uuid.NewString()
	placeholder, err := subs.Create(ctx, &model.Subscription{
		UserID:           p.Recipient.ID,
		Status:           model.StatusActive,
		Tier:             model.TierPro,
		TransactionType:  txType,
		CurrentPeriodEnd: &expiry,
		IsGift:           true,
		Metadata: model.Metadata{
			model.MetaCheckoutSessionID: p.Session.ID,
			model.MetaGiftReference:     reference,
		},
	})
	if err != nil {
		return nil, err
	}

	giftTx := &model.GiftTransaction{
		Reference:       reference,
		RecipientID:     p.Recipient.ID,
		GifterID:        p.GifterID,
		SubscriptionID:  &placeholder.ID,
		AmountCents:     p.Credit,
		Currency:        p.svc.prices.Currency,
		GiftType:        p.GiftType,
		Quantity:        p.Quantity,
		StripeSessionID: p.Session.ID,
		Metadata:        model.Metadata{},
	}
	if p.Session.PaymentIntent != nil {
		giftTx.StripePaymentIntentID = &p.Session.PaymentIntent.ID
	}
	if _, err := gifts.CreateTransaction(ctx, giftTx); err != nil {
		return nil, err
	}

	if err := subs.SetPeriodEndForGiftRows(ctx, p.Recipient.ID, expiry); err != nil {
		return nil, err
	}
	if err := gifts.SetExpiryForRecipient(ctx, p.Recipient.ID, expiry); err != nil {
		return nil, err
	}

	if _, err := gifts.CreateGift(ctx, &model.GiftSubscription{
		SubscriptionID: placeholder.ID,
		RecipientID:    p.Recipient.ID,
		SenderName:     p.SenderName,
		Message:        p.Message,
		GiftType:       p.GiftType,
		Quantity:       p.Quantity,
		ExpiresAt:      &expiry,
	}); err != nil {
		return nil, err
	}

	coverage := Describe(p.GiftType, p.Quantity)
	body := fmt.Sprintf("You received a gift: %s of castframe Pro", coverage)
	if p.SenderName != "" {
		body = fmt.Sprintf("%s sent you a gift: %s of castframe Pro", p.SenderName, coverage)
	}
	if _, err := store.NewNotificationStore(tx).Create(ctx, p.Recipient.ID, model.NotificationGiftReceived, body); err != nil {
		return nil, err
	}

	post := []PostAction{p.creditAction(reference)}

	// If the recipient pays for a recurring subscription that renews before
	// the gift runs out, suspend its billing until coverage ends.
	for _, sub := range existing {
		if sub.IsGift || !sub.Live() || sub.StripeSubscriptionID == nil {
			continue
		}
		if action, ok := p.svc.PauseForCoverage(sub, expiry); ok {
			if err := subs.Update(ctx, sub); err != nil {
				return nil, err
			}
			post = append(post, action)
		}
	}

	if p.svc.notifier != nil {
		email, sender, message := p.Recipient.Email, p.SenderName, p.Message
		post = append(post, PostAction{
			Name: "gift-notification-email",
			Run: func(ctx context.Context) error {
				return p.svc.notifier.SendGiftNotification(email, sender, message, coverage)
			},
		})
	}

	return post, nil
}

// creditAction posts the negative balance transaction that implements the
// gift, creating the recipient's Stripe customer first when needed.
func (p *CheckoutPlan) creditAction(reference string) PostAction {
	svc := p.svc
	recipient := p.Recipient
	credit := p.Credit
	customerID := p.customerID
	description := fmt.Sprintf("Gift: %s of castframe Pro", Describe(p.GiftType, p.Quantity))
	metadata := map[string]string{
		"giftReference":     reference,
		"checkoutSessionId": p.Session.ID,
		"recipientUserId":   strconv.FormatInt(recipient.ID, 10),
	}

	return PostAction{
		Name: "gift-credit",
		Run: func(ctx context.Context) error {
			if customerID == "" {
				cust, err := svc.provider.CreateCustomer(recipient.Email, recipient.DisplayName, map[string]string{
					"userId": strconv.FormatInt(recipient.ID, 10),
				})
				if err != nil {
					return fmt.Errorf("create customer for gift recipient: %w", err)
				}
				customerID = cust.ID
			}
			if err := store.NewUserStore(svc.db).SetStripeCustomerID(ctx, recipient.ID, customerID); err != nil {
				svc.logger.Warn("gift credit: link customer to user failed", "user", recipient.ID, "error", err)
			}
			if _, err := svc.provider.CreateBalanceTransaction(customerID, -credit, svc.prices.Currency, description, metadata); err != nil {
				return fmt.Errorf("post gift credit: %w", err)
			}
			return nil
		},
	}
}

// PauseForCoverage updates the row's pause metadata and returns the provider
// pause call when the gift coverage outlasts the paid period. Pausing is
// monotonic: an earlier resume than the one already scheduled is ignored.
func (s *Service) PauseForCoverage(sub *model.Subscription, coverageEnd time.Time) (PostAction, bool) {
	if sub.StripeSubscriptionID == nil {
		return PostAction{}, false
	}
	if sub.CurrentPeriodEnd != nil && !sub.CurrentPeriodEnd.Before(coverageEnd) {
		return PostAction{}, false
	}
	if resumesAt, ok := sub.Metadata.Time(model.MetaPauseResumesAt); ok && !coverageEnd.After(resumesAt) {
		return PostAction{}, false
	}

	var original time.Time
	if sub.CurrentPeriodEnd != nil {
		original = *sub.CurrentPeriodEnd
	}
	sub.Metadata = sub.Metadata.Apply(model.PausedForGift{
		ResumesAt:         coverageEnd,
		OriginalPeriodEnd: original,
	})

	stripeSubID := *sub.StripeSubscriptionID
	return PostAction{
		Name: "pause-subscription",
		Run: func(ctx context.Context) error {
			if err := s.provider.PauseSubscription(stripeSubID, coverageEnd); err != nil {
				return fmt.Errorf("pause subscription %s: %w", stripeSubID, err)
			}
			return nil
		},
	}, true
}

// CoverageEnd returns the latest expiration across the user's live gift
// rows; ok is false when the user has no live gift coverage.
func (s *Service) CoverageEnd(ctx context.Context, db store.DBTX, userID int64) (time.Time, bool, error) {
	subs, err := store.NewSubscriptionStore(db).ListByUserID(ctx, userID)
	if err != nil {
		return time.Time{}, false, err
	}
	var end time.Time
	found := false
	for _, sub := range subs {
		if sub.IsGift && sub.Live() && sub.CurrentPeriodEnd != nil && sub.CurrentPeriodEnd.After(end) {
			end = *sub.CurrentPeriodEnd
			found = true
		}
	}
	return end, found, nil
}
