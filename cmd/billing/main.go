package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/castframe/castframe/internal/billing/gift"
	"github.com/castframe/castframe/internal/billing/model"
	"github.com/castframe/castframe/internal/billing/server"
	billingstripe "github.com/castframe/castframe/internal/billing/stripe"
	"github.com/castframe/castframe/internal/database"
	"github.com/castframe/castframe/internal/email"
	"github.com/castframe/castframe/internal/logging"
)

func main() {
	godotenv.Load()

	logger := logging.Setup(os.Getenv("BILLING_LOG_LEVEL"), os.Getenv("BILLING_LOG_FORMAT"))

	port := os.Getenv("BILLING_PORT")
	if port == "" {
		port = "8090"
	}

	dbPath := os.Getenv("BILLING_DB_PATH")
	if dbPath == "" {
		dbPath = "billing.db"
	}

	db, err := database.Open(dbPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	var emailClient *email.Client
	if token := os.Getenv("BILLING_POSTMARK_TOKEN"); token != "" {
		emailClient = email.NewClient(token, os.Getenv("BILLING_FROM_EMAIL"), os.Getenv("BILLING_BASE_URL"))
	}

	cfg := server.Config{
		Stripe: billingstripe.Config{
			SecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
			WebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		},
		Environment:     os.Getenv("APP_ENV"),
		LifetimePriceID: os.Getenv("STRIPE_LIFETIME_PRICE_ID"),
		GiftPrices: gift.Prices{
			MonthlyCents:  envCents("GIFT_MONTHLY_CENTS", 500),
			AnnualCents:   envCents("GIFT_ANNUAL_CENTS", 5000),
			LifetimeCents: envCents("GIFT_LIFETIME_CENTS", 15000),
			Currency:      envDefault("GIFT_CURRENCY", "usd"),
		},
		GracePeriod: gracePeriodFromEnv(),
		EmailClient: emailClient,
	}

	srv := server.New(db, cfg, logger)

	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("billing service starting", "addr", ":"+port, "env", cfg.Environment)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envCents(key string, fallback int64) int64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		slog.Warn("invalid cents value, using default", "key", key, "value", raw)
		return fallback
	}
	return v
}

func gracePeriodFromEnv() *model.GracePeriod {
	start := envTime("GRACE_PERIOD_START")
	end := envTime("GRACE_PERIOD_END")
	if start == nil || end == nil {
		return nil
	}
	return &model.GracePeriod{Start: *start, End: *end}
}

func envTime(key string) *time.Time {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		slog.Warn("invalid RFC3339 time, ignoring", "key", key, "value", raw)
		return nil
	}
	return &t
}
