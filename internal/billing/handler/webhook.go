package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
)

// maxWebhookBody caps how much of a delivery we read before verifying it.
// Stripe's own limit is well under this.
const maxWebhookBody = 65536

// WebhookHandler receives Stripe webhook deliveries. Signature failures get
// a 400 so Stripe retries against a likely misconfiguration; everything
// after verification responds 200 regardless of outcome, because Stripe's
// redelivery cannot fix a processing failure and would only duplicate load.
type WebhookHandler struct {
	verifier  EventVerifier
	processor *Processor
	logger    *slog.Logger
}

func NewWebhookHandler(verifier EventVerifier, processor *Processor, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		verifier:  verifier,
		processor: processor,
		logger:    logger.With("component", "webhook"),
	}
}

func (h *WebhookHandler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.logger.Error("read webhook body failed", "error", err)
		http.Error(w, "read failure", http.StatusBadRequest)
		return
	}

	event, err := h.verifier.ConstructWebhookEvent(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.logger.Warn("webhook signature verification failed", "error", err)
		http.Error(w, "signature verification failed", http.StatusBadRequest)
		return
	}

	result, err := h.processor.Process(r.Context(), event)

	resp := map[string]any{"received": true}
	switch {
	case err != nil:
		h.logger.Error("webhook processing failed",
			"event", event.ID, "type", event.Type, "error", err)
		resp["processed"] = false
	case !result.Relevant:
		// Acknowledged and dropped; nothing else to report.
	case result.Skipped:
		resp["processed"] = true
		resp["skipped"] = true
		resp["processedAt"] = result.ProcessedAt
	default:
		resp["processed"] = true
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("write webhook response failed", "error", err)
	}
}
