package handler

import (
	stripe "github.com/stripe/stripe-go/v82"

	"github.com/castframe/castframe/internal/billing/gift"
)

// Provider is the payments API surface the reconciliation handlers depend
// on. The concrete Stripe client implements it; tests substitute a fake so
// handler logic runs without network access.
type Provider interface {
	gift.Provider

	GetSubscription(id string) (*stripe.Subscription, error)
	GetCustomer(id string) (*stripe.Customer, error)
	GetPaymentIntent(id string) (*stripe.PaymentIntent, error)
	GetPrice(id string) (*stripe.Price, error)
	CancelSubscription(id string) error
}

// EventVerifier checks a webhook delivery's signature against the raw body
// bytes and parses the event.
type EventVerifier interface {
	ConstructWebhookEvent(payload []byte, sigHeader string) (stripe.Event, error)
}
