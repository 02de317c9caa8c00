package handler

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/castframe/castframe/internal/billing/model"
	"github.com/castframe/castframe/internal/billing/store"
)

// EntitlementHandler answers the one question the rest of the product asks
// of billing: does this user have paid-tier access right now, and through
// which subscription.
type EntitlementHandler struct {
	db     *sql.DB
	grace  *model.GracePeriod
	logger *slog.Logger
}

func NewEntitlementHandler(db *sql.DB, grace *model.GracePeriod, logger *slog.Logger) *EntitlementHandler {
	return &EntitlementHandler{
		db:     db,
		grace:  grace,
		logger: logger.With("component", "entitlement"),
	}
}

type entitlementResponse struct {
	UserID       int64               `json:"userId"`
	Paid         bool                `json:"paid"`
	Tier         model.Tier          `json:"tier"`
	Subscription *model.Subscription `json:"subscription,omitempty"`
}

func (h *EntitlementHandler) HandleGetEntitlement(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	user, err := store.NewUserStore(h.db).GetByID(ctx, userID)
	if err != nil {
		h.logger.Error("user lookup failed", "user", userID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if user == nil {
		http.Error(w, "user not found", http.StatusNotFound)
		return
	}

	subs, err := store.NewSubscriptionStore(h.db).ListByUserID(ctx, userID)
	if err != nil {
		h.logger.Error("subscription lookup failed", "user", userID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	resp := entitlementResponse{
		UserID: userID,
		Paid:   model.HasPaidPlan(subs, time.Now().UTC(), h.grace),
		Tier:   model.TierFree,
	}
	if rep := model.Representative(subs); rep != nil {
		resp.Subscription = rep
		if resp.Paid {
			resp.Tier = rep.Tier
		}
	}
	if resp.Paid && resp.Tier == model.TierFree {
		// Grace period grants access even with no subscription row.
		resp.Tier = model.TierPro
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("write entitlement response failed", "user", userID, "error", err)
	}
}
