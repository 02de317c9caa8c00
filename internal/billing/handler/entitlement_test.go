package handler

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/castframe/castframe/internal/billing/model"
	"github.com/castframe/castframe/internal/billing/store"
	"github.com/castframe/castframe/internal/database"
)

func setupEntitlement(t *testing.T, grace *model.GracePeriod) (http.Handler, *sql.DB) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	h := NewEntitlementHandler(db, grace, testLogger)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/users/{id}/entitlement", h.HandleGetEntitlement)
	return mux, db
}

func getEntitlement(t *testing.T, mux http.Handler, path string) (int, entitlementResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var resp entitlementResponse
	if rec.Code == http.StatusOK {
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return rec.Code, resp
}

func TestEntitlementPaidUser(t *testing.T) {
	mux, db := setupEntitlement(t, nil)
	ctx := context.Background()
	user := createUser(t, db, "alice@example.com")

	stripeSubID := "sub_1"
	periodEnd := time.Now().UTC().AddDate(0, 1, 0)
	if _, err := store.NewSubscriptionStore(db).Create(ctx, &model.Subscription{
		UserID: user.ID, Status: model.StatusActive, Tier: model.TierPro,
		TransactionType: model.TransactionRecurring, StripeSubscriptionID: &stripeSubID,
		CurrentPeriodEnd: &periodEnd, Metadata: model.Metadata{},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	code, resp := getEntitlement(t, mux, "/api/users/1/entitlement")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if !resp.Paid || resp.Tier != model.TierPro {
		t.Errorf("response = %+v, want paid pro", resp)
	}
	if resp.Subscription == nil || resp.Subscription.StripeSubscriptionID == nil {
		t.Error("representative subscription missing")
	}
}

func TestEntitlementFreeUser(t *testing.T) {
	mux, db := setupEntitlement(t, nil)
	createUser(t, db, "alice@example.com")

	code, resp := getEntitlement(t, mux, "/api/users/1/entitlement")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if resp.Paid || resp.Tier != model.TierFree {
		t.Errorf("response = %+v, want free", resp)
	}
}

func TestEntitlementGracePeriod(t *testing.T) {
	now := time.Now().UTC()
	grace := &model.GracePeriod{Start: now.Add(-time.Hour), End: now.Add(time.Hour)}
	mux, db := setupEntitlement(t, grace)
	createUser(t, db, "alice@example.com")

	code, resp := getEntitlement(t, mux, "/api/users/1/entitlement")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if !resp.Paid || resp.Tier != model.TierPro {
		t.Errorf("response = %+v, want grace-granted pro", resp)
	}
}

func TestEntitlementUnknownUser(t *testing.T) {
	mux, _ := setupEntitlement(t, nil)

	code, _ := getEntitlement(t, mux, "/api/users/99/entitlement")
	if code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", code)
	}
}

func TestEntitlementBadID(t *testing.T) {
	mux, _ := setupEntitlement(t, nil)

	code, _ := getEntitlement(t, mux, "/api/users/abc/entitlement")
	if code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", code)
	}
}
