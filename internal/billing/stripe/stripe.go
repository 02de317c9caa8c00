// Package stripe wraps the Stripe SDK behind a narrow client so handlers
// depend on an interface they can fake in tests.
package stripe

import (
	"fmt"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	checksession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/customerbalancetransaction"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/price"
	"github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/webhook"
)

type Config struct {
	SecretKey     string
	WebhookSecret string
}

type Client struct {
	cfg Config
}

func NewClient(cfg Config) *Client {
	stripe.Key = cfg.SecretKey
	return &Client{cfg: cfg}
}

// ConstructWebhookEvent verifies the signature against the raw request body
// and returns the parsed event.
func (c *Client) ConstructWebhookEvent(payload []byte, sigHeader string) (stripe.Event, error) {
	return webhook.ConstructEvent(payload, sigHeader, c.cfg.WebhookSecret)
}

func (c *Client) GetSubscription(id string) (*stripe.Subscription, error) {
	sub, err := subscription.Get(id, nil)
	if err != nil {
		return nil, fmt.Errorf("get subscription %s: %w", id, err)
	}
	return sub, nil
}

func (c *Client) CancelSubscription(id string) error {
	if _, err := subscription.Cancel(id, nil); err != nil {
		return fmt.Errorf("cancel subscription %s: %w", id, err)
	}
	return nil
}

// PauseSubscription suspends collection (invoices are voided, access keeps
// running) until resumesAt.
func (c *Client) PauseSubscription(id string, resumesAt time.Time) error {
	params := &stripe.SubscriptionParams{
		PauseCollection: &stripe.SubscriptionPauseCollectionParams{
			Behavior:  stripe.String(string(stripe.SubscriptionPauseCollectionBehaviorVoid)),
			ResumesAt: stripe.Int64(resumesAt.Unix()),
		},
	}
	if _, err := subscription.Update(id, params); err != nil {
		return fmt.Errorf("pause subscription %s: %w", id, err)
	}
	return nil
}

func (c *Client) GetCustomer(id string) (*stripe.Customer, error) {
	cust, err := customer.Get(id, nil)
	if err != nil {
		return nil, fmt.Errorf("get customer %s: %w", id, err)
	}
	return cust, nil
}

// FindCustomerByEmail returns the first customer matching the email, or nil.
func (c *Client) FindCustomerByEmail(email string) (*stripe.Customer, error) {
	iter := customer.List(&stripe.CustomerListParams{Email: stripe.String(email)})
	if iter.Next() {
		return iter.Customer(), nil
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list customers by email: %w", err)
	}
	return nil, nil
}

func (c *Client) CreateCustomer(email, name string, metadata map[string]string) (*stripe.Customer, error) {
	params := &stripe.CustomerParams{
		Email: stripe.String(email),
	}
	if name != "" {
		params.Name = stripe.String(name)
	}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	cust, err := customer.New(params)
	if err != nil {
		return nil, fmt.Errorf("create customer: %w", err)
	}
	return cust, nil
}

// CreateBalanceTransaction adjusts a customer's balance. Negative amounts
// credit the customer (gifts), positive amounts reverse credits (refunds).
func (c *Client) CreateBalanceTransaction(customerID string, amountCents int64, currency, description string, metadata map[string]string) (*stripe.CustomerBalanceTransaction, error) {
	params := &stripe.CustomerBalanceTransactionParams{
		Customer:    stripe.String(customerID),
		Amount:      stripe.Int64(amountCents),
		Currency:    stripe.String(currency),
		Description: stripe.String(description),
	}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	bt, err := customerbalancetransaction.New(params)
	if err != nil {
		return nil, fmt.Errorf("create balance transaction: %w", err)
	}
	return bt, nil
}

func (c *Client) ListLineItems(sessionID string) ([]*stripe.LineItem, error) {
	iter := checksession.ListLineItems(&stripe.CheckoutSessionListLineItemsParams{
		Session: stripe.String(sessionID),
	})
	var items []*stripe.LineItem
	for iter.Next() {
		items = append(items, iter.LineItem())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list line items for %s: %w", sessionID, err)
	}
	return items, nil
}

func (c *Client) ListCheckoutSessionsByPaymentIntent(paymentIntentID string) ([]*stripe.CheckoutSession, error) {
	iter := checksession.List(&stripe.CheckoutSessionListParams{
		PaymentIntent: stripe.String(paymentIntentID),
	})
	var sessions []*stripe.CheckoutSession
	for iter.Next() {
		sessions = append(sessions, iter.CheckoutSession())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list checkout sessions by payment intent: %w", err)
	}
	return sessions, nil
}

func (c *Client) GetPaymentIntent(id string) (*stripe.PaymentIntent, error) {
	pi, err := paymentintent.Get(id, nil)
	if err != nil {
		return nil, fmt.Errorf("get payment intent %s: %w", id, err)
	}
	return pi, nil
}

// GetPrice fetches a price with its product expanded so the crypto lifetime
// heuristics can inspect the product name.
func (c *Client) GetPrice(id string) (*stripe.Price, error) {
	params := &stripe.PriceParams{}
	params.AddExpand("product")
	p, err := price.Get(id, params)
	if err != nil {
		return nil, fmt.Errorf("get price %s: %w", id, err)
	}
	return p, nil
}
