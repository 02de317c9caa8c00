package handler

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	stripe "github.com/stripe/stripe-go/v82"

	"github.com/castframe/castframe/internal/billing/gift"
	"github.com/castframe/castframe/internal/database"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type balanceTxn struct {
	CustomerID  string
	AmountCents int64
	Currency    string
	Description string
	Metadata    map[string]string
}

type pauseCall struct {
	SubscriptionID string
	ResumesAt      time.Time
}

// fakeProvider serves canned Stripe objects and records mutating calls.
type fakeProvider struct {
	subs             map[string]*stripe.Subscription
	customers        map[string]*stripe.Customer
	customersByEmail map[string]*stripe.Customer
	sessionsByPI     map[string][]*stripe.CheckoutSession
	lineItems        map[string][]*stripe.LineItem
	prices           map[string]*stripe.Price
	paymentIntents   map[string]*stripe.PaymentIntent

	balanceTxns      []balanceTxn
	paused           []pauseCall
	canceled         []string
	createdCustomers []*stripe.Customer
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		subs:             map[string]*stripe.Subscription{},
		customers:        map[string]*stripe.Customer{},
		customersByEmail: map[string]*stripe.Customer{},
		sessionsByPI:     map[string][]*stripe.CheckoutSession{},
		lineItems:        map[string][]*stripe.LineItem{},
		prices:           map[string]*stripe.Price{},
		paymentIntents:   map[string]*stripe.PaymentIntent{},
	}
}

func (f *fakeProvider) GetSubscription(id string) (*stripe.Subscription, error) {
	sub, ok := f.subs[id]
	if !ok {
		return nil, fmt.Errorf("no such subscription %s", id)
	}
	return sub, nil
}

func (f *fakeProvider) CancelSubscription(id string) error {
	f.canceled = append(f.canceled, id)
	return nil
}

func (f *fakeProvider) PauseSubscription(id string, resumesAt time.Time) error {
	f.paused = append(f.paused, pauseCall{SubscriptionID: id, ResumesAt: resumesAt})
	return nil
}

func (f *fakeProvider) GetCustomer(id string) (*stripe.Customer, error) {
	return f.customers[id], nil
}

func (f *fakeProvider) FindCustomerByEmail(email string) (*stripe.Customer, error) {
	return f.customersByEmail[email], nil
}

func (f *fakeProvider) CreateCustomer(email, name string, metadata map[string]string) (*stripe.Customer, error) {
	cust := &stripe.Customer{ID: fmt.Sprintf("cus_new_%d", len(f.createdCustomers)+1), Email: email}
	f.createdCustomers = append(f.createdCustomers, cust)
	f.customers[cust.ID] = cust
	f.customersByEmail[email] = cust
	return cust, nil
}

func (f *fakeProvider) CreateBalanceTransaction(customerID string, amountCents int64, currency, description string, metadata map[string]string) (*stripe.CustomerBalanceTransaction, error) {
	f.balanceTxns = append(f.balanceTxns, balanceTxn{
		CustomerID:  customerID,
		AmountCents: amountCents,
		Currency:    currency,
		Description: description,
		Metadata:    metadata,
	})
	return &stripe.CustomerBalanceTransaction{ID: fmt.Sprintf("cbtxn_%d", len(f.balanceTxns))}, nil
}

func (f *fakeProvider) ListLineItems(sessionID string) ([]*stripe.LineItem, error) {
	return f.lineItems[sessionID], nil
}

func (f *fakeProvider) ListCheckoutSessionsByPaymentIntent(paymentIntentID string) ([]*stripe.CheckoutSession, error) {
	return f.sessionsByPI[paymentIntentID], nil
}

func (f *fakeProvider) GetPaymentIntent(id string) (*stripe.PaymentIntent, error) {
	pi, ok := f.paymentIntents[id]
	if !ok {
		return nil, fmt.Errorf("no such payment intent %s", id)
	}
	return pi, nil
}

func (f *fakeProvider) GetPrice(id string) (*stripe.Price, error) {
	price, ok := f.prices[id]
	if !ok {
		return nil, fmt.Errorf("no such price %s", id)
	}
	return price, nil
}

var testPrices = gift.Prices{
	MonthlyCents:  500,
	AnnualCents:   5000,
	LifetimeCents: 15000,
	Currency:      "usd",
}

func setupProcessor(t *testing.T, env string) (*Processor, *sql.DB, *fakeProvider) {
	t.Helper()
	return setupProcessorCfg(t, Config{Environment: env})
}

func setupProcessorCfg(t *testing.T, cfg Config) (*Processor, *sql.DB, *fakeProvider) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	provider := newFakeProvider()
	gifts := gift.NewService(db, provider, testPrices, nil, testLogger)
	proc := NewProcessor(db, provider, gifts, cfg, testLogger)
	return proc, db, provider
}

func testEvent(t *testing.T, id, eventType string, payload any) stripe.Event {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal event payload: %v", err)
	}
	return stripe.Event{
		ID:   id,
		Type: stripe.EventType(eventType),
		Data: &stripe.EventData{Raw: raw},
	}
}
