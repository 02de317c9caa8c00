package handler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	stripe "github.com/stripe/stripe-go/v82"

	"github.com/castframe/castframe/internal/billing/gift"
	"github.com/castframe/castframe/internal/billing/store"
)

const envProduction = "production"

// Config carries the environment knobs the processor needs beyond its
// collaborators.
type Config struct {
	// Environment gates the idempotency ledger: only "production" records
	// and enforces event ids, so test-mode replays stay cheap.
	Environment string

	// LifetimePriceID identifies the one-time lifetime purchase price. When
	// empty, lifetime detection falls back to a price lookup per charge.
	LifetimePriceID string
}

// Result describes what Process did with an event.
type Result struct {
	// Relevant is false for event types outside the handled set.
	Relevant bool
	// Processed is true when the event's effects are in place, whether
	// applied now or by an earlier delivery.
	Processed bool
	// Skipped is true when the ledger showed the event already handled.
	Skipped     bool
	ProcessedAt time.Time
}

// handledEvents is the allow-list of event types the processor reconciles.
// Everything else is acknowledged and dropped.
var handledEvents = map[string]bool{
	"checkout.session.completed":    true,
	"customer.subscription.created": true,
	"customer.subscription.updated": true,
	"customer.subscription.deleted": true,
	"invoice.paid":                  true,
	"invoice.payment_succeeded":     true,
	"invoice.payment_failed":        true,
	"charge.succeeded":              true,
	"charge.refunded":               true,
	"customer.deleted":              true,
}

// applyFn performs an event's local writes inside the open transaction and
// returns the provider calls to run after commit.
type applyFn func(ctx context.Context, tx *sql.Tx) ([]gift.PostAction, error)

var errAlreadyProcessed = errors.New("event already processed")

// Processor turns verified webhook events into database state. Each event is
// planned first (all provider reads happen here, outside any transaction),
// then applied in a single transaction alongside its idempotency ledger row,
// and finally any mutating provider calls run post-commit.
type Processor struct {
	db       *sql.DB
	runner   *store.Runner
	provider Provider
	gifts    *gift.Service
	cfg      Config
	logger   *slog.Logger
}

func NewProcessor(db *sql.DB, provider Provider, gifts *gift.Service, cfg Config, logger *slog.Logger) *Processor {
	return &Processor{
		db:       db,
		runner:   store.NewRunner(db, logger),
		provider: provider,
		gifts:    gifts,
		cfg:      cfg,
		logger:   logger,
	}
}

func (p *Processor) Process(ctx context.Context, event stripe.Event) (Result, error) {
	if !handledEvents[string(event.Type)] {
		return Result{}, nil
	}

	apply, err := p.plan(ctx, event)
	if err != nil {
		return Result{Relevant: true}, fmt.Errorf("plan %s %s: %w", event.Type, event.ID, err)
	}

	var (
		actions     []gift.PostAction
		processedAt = time.Now().UTC()
	)
	err = p.runner.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if p.cfg.Environment == envProduction {
			recorded, inserted, err := store.NewWebhookEventStore(tx).Record(ctx, event.ID, string(event.Type))
			if err != nil {
				return err
			}
			if !inserted {
				processedAt = recorded.ProcessedAt
				return fmt.Errorf("%w: %w", store.ErrNoRetry, errAlreadyProcessed)
			}
		}

		// Business failures are final: redelivery of the same payload would
		// fail the same way, so retrying the transaction buys nothing.
		out, err := apply(ctx, tx)
		if err != nil {
			return fmt.Errorf("%w: %w", store.ErrNoRetry, err)
		}
		actions = out
		return nil
	})
	if errors.Is(err, errAlreadyProcessed) {
		p.logger.Info("webhook event already processed, skipping",
			"event", event.ID, "type", event.Type, "processed_at", processedAt)
		return Result{Relevant: true, Processed: true, Skipped: true, ProcessedAt: processedAt}, nil
	}
	if err != nil {
		return Result{Relevant: true}, fmt.Errorf("apply %s %s: %w", event.Type, event.ID, err)
	}

	// Provider mutations run only after the local state is durable. A
	// failure here is logged and reconciled out-of-band; the event stays
	// processed either way.
	for _, action := range actions {
		if err := action.Run(ctx); err != nil {
			p.logger.Error("post-commit action failed",
				"action", action.Name, "event", event.ID, "type", event.Type, "error", err)
		}
	}

	return Result{Relevant: true, Processed: true, ProcessedAt: processedAt}, nil
}

func (p *Processor) plan(ctx context.Context, event stripe.Event) (applyFn, error) {
	switch string(event.Type) {
	case "checkout.session.completed":
		return p.planCheckoutCompleted(ctx, event)
	case "customer.subscription.created", "customer.subscription.updated":
		return p.planSubscriptionChange(ctx, event)
	case "customer.subscription.deleted":
		return p.planSubscriptionDeleted(ctx, event)
	case "invoice.paid", "invoice.payment_succeeded", "invoice.payment_failed":
		return p.planInvoice(ctx, event)
	case "charge.succeeded":
		return p.planChargeSucceeded(ctx, event)
	case "charge.refunded":
		return p.planChargeRefunded(ctx, event)
	case "customer.deleted":
		return p.planCustomerDeleted(ctx, event)
	}
	return nil, fmt.Errorf("no plan for event type %s", event.Type)
}

// noop is an apply step for events that are relevant but require no local
// change, such as a deletion notice for a subscription never seen locally.
func noop(context.Context, *sql.Tx) ([]gift.PostAction, error) {
	return nil, nil
}
