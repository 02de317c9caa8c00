package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/castframe/castframe/internal/billing/gift"
	"github.com/castframe/castframe/internal/billing/handler"
	"github.com/castframe/castframe/internal/billing/model"
	billingstripe "github.com/castframe/castframe/internal/billing/stripe"
	"github.com/castframe/castframe/internal/email"
)

type Config struct {
	Stripe      billingstripe.Config
	Environment string

	// LifetimePriceID pins lifetime detection to a known price. Optional;
	// without it the webhook handlers fall back to price lookups.
	LifetimePriceID string

	GiftPrices  gift.Prices
	GracePeriod *model.GracePeriod

	// EmailClient delivers gift notifications. Optional; nil disables
	// delivery while keeping the in-app notification rows.
	EmailClient *email.Client
}

type Server struct {
	db           *sql.DB
	webhookH     *handler.WebhookHandler
	entitlementH *handler.EntitlementHandler
	logger       *slog.Logger
}

func New(db *sql.DB, cfg Config, logger *slog.Logger) *Server {
	var webhookH *handler.WebhookHandler
	if cfg.Stripe.SecretKey != "" {
		stripeClient := billingstripe.NewClient(cfg.Stripe)

		var notifier gift.Notifier
		if cfg.EmailClient != nil && cfg.EmailClient.Configured() {
			notifier = cfg.EmailClient
		}
		gifts := gift.NewService(db, stripeClient, cfg.GiftPrices, notifier, logger.With("component", "gift"))

		processor := handler.NewProcessor(db, stripeClient, gifts, handler.Config{
			Environment:     cfg.Environment,
			LifetimePriceID: cfg.LifetimePriceID,
		}, logger.With("component", "processor"))

		webhookH = handler.NewWebhookHandler(stripeClient, processor, logger)
	} else {
		logger.Warn("stripe secret key not set, webhook endpoint disabled")
	}

	return &Server{
		db:           db,
		webhookH:     webhookH,
		entitlementH: handler.NewEntitlementHandler(db, cfg.GracePeriod, logger),
		logger:       logger,
	}
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthCheck)

	// Stripe webhook (public, verified by signature)
	if s.webhookH != nil {
		mux.HandleFunc("POST /webhooks/stripe", s.webhookH.HandleStripeWebhook)
	}

	mux.HandleFunc("GET /api/users/{id}/entitlement", s.entitlementH.HandleGetEntitlement)

	return mux
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
