package store

import (
	"context"
	"testing"
	"time"

	"github.com/castframe/castframe/internal/billing/model"
)

func TestSubscriptionCreateAndGet(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	userID := createTestUser(t, db, "alice@example.com")
	ss := NewSubscriptionStore(db)

	periodEnd := time.Now().UTC().Add(30 * 24 * time.Hour).Truncate(time.Second)
	stripeSubID := "sub_123"
	sub, err := ss.Create(ctx, &model.Subscription{
		UserID:               userID,
		Status:               model.StatusActive,
		Tier:                 model.TierPro,
		TransactionType:      model.TransactionRecurring,
		StripeSubscriptionID: &stripeSubID,
		CurrentPeriodEnd:     &periodEnd,
		Metadata:             model.Metadata{model.MetaCheckoutSessionID: "cs_1"},
	})
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	if sub.ID == 0 {
		t.Fatal("expected assigned id")
	}
	if sub.Status != model.StatusActive || sub.Tier != model.TierPro {
		t.Errorf("status/tier = %s/%s", sub.Status, sub.Tier)
	}
	if sub.CurrentPeriodEnd == nil || !sub.CurrentPeriodEnd.Equal(periodEnd) {
		t.Errorf("current_period_end = %v, want %v", sub.CurrentPeriodEnd, periodEnd)
	}
	if sub.Metadata[model.MetaCheckoutSessionID] != "cs_1" {
		t.Errorf("metadata = %v", sub.Metadata)
	}

	got, err := ss.GetByStripeSubscriptionID(ctx, "sub_123")
	if err != nil {
		t.Fatalf("get by stripe id: %v", err)
	}
	if got == nil || got.ID != sub.ID {
		t.Fatalf("get by stripe id = %+v, want id %d", got, sub.ID)
	}
}

func TestSubscriptionGetByStripeSubscriptionIDNotFound(t *testing.T) {
	db := setupTestDB(t)
	ss := NewSubscriptionStore(db)

	sub, err := ss.GetByStripeSubscriptionID(context.Background(), "sub_missing")
	if err != nil {
		t.Fatalf("get by stripe id: %v", err)
	}
	if sub != nil {
		t.Error("expected nil for unknown stripe subscription id")
	}
}

func TestSubscriptionUpdate(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	userID := createTestUser(t, db, "alice@example.com")
	ss := NewSubscriptionStore(db)

	sub, err := ss.Create(ctx, &model.Subscription{
		UserID: userID, Status: model.StatusTrialing, Tier: model.TierPro,
		TransactionType: model.TransactionRecurring, Metadata: model.Metadata{},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	sub.Status = model.StatusCanceled
	sub.Tier = model.TierFree
	sub.CancelAtPeriodEnd = true
	sub.Metadata = sub.Metadata.Apply(model.Canceled{At: time.Now().UTC()})
	if err := ss.Update(ctx, sub); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, _ := ss.GetByID(ctx, sub.ID)
	if got.Status != model.StatusCanceled || !got.CancelAtPeriodEnd {
		t.Errorf("after update: status=%s cancel=%v", got.Status, got.CancelAtPeriodEnd)
	}
	if _, ok := got.Metadata.Time(model.MetaCanceledAt); !ok {
		t.Error("canceledAt metadata missing after update")
	}
}

func TestBulkUpdateByStripeSubscriptionID(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	userID := createTestUser(t, db, "alice@example.com")
	ss := NewSubscriptionStore(db)

	stripeSubID := "sub_bulk"
	for i := 0; i < 2; i++ {
		if _, err := ss.Create(ctx, &model.Subscription{
			UserID: userID, Status: model.StatusActive, Tier: model.TierPro,
			TransactionType: model.TransactionRecurring, StripeSubscriptionID: &stripeSubID,
			Metadata: model.Metadata{},
		}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	periodEnd := time.Now().UTC().Add(7 * 24 * time.Hour).Truncate(time.Second)
	n, err := ss.BulkUpdateByStripeSubscriptionID(ctx, stripeSubID, model.StatusPastDue, &periodEnd, true)
	if err != nil {
		t.Fatalf("bulk update: %v", err)
	}
	if n != 2 {
		t.Fatalf("rows touched = %d, want 2", n)
	}

	subs, _ := ss.ListByUserID(ctx, userID)
	for _, sub := range subs {
		if sub.Status != model.StatusPastDue || !sub.CancelAtPeriodEnd {
			t.Errorf("row %d: status=%s cancel=%v", sub.ID, sub.Status, sub.CancelAtPeriodEnd)
		}
	}

	n, err = ss.BulkUpdateByStripeSubscriptionID(ctx, "sub_other", model.StatusActive, nil, false)
	if err != nil {
		t.Fatalf("bulk update unknown: %v", err)
	}
	if n != 0 {
		t.Errorf("rows touched for unknown id = %d, want 0", n)
	}
}

func TestSetPeriodEndForGiftRows(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	userID := createTestUser(t, db, "alice@example.com")
	ss := NewSubscriptionStore(db)

	mk := func(isGift bool, status model.Status) *model.Subscription {
		sub, err := ss.Create(ctx, &model.Subscription{
			UserID: userID, Status: status, Tier: model.TierPro,
			TransactionType: model.TransactionRecurring, IsGift: isGift,
			Metadata: model.Metadata{},
		})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		return sub
	}
	liveGift := mk(true, model.StatusActive)
	canceledGift := mk(true, model.StatusCanceled)
	paid := mk(false, model.StatusActive)

	end := time.Now().UTC().AddDate(0, 3, 0).Truncate(time.Second)
	if err := ss.SetPeriodEndForGiftRows(ctx, userID, end); err != nil {
		t.Fatalf("set period end: %v", err)
	}

	got, _ := ss.GetByID(ctx, liveGift.ID)
	if got.CurrentPeriodEnd == nil || !got.CurrentPeriodEnd.Equal(end) {
		t.Errorf("live gift period end = %v, want %v", got.CurrentPeriodEnd, end)
	}
	got, _ = ss.GetByID(ctx, canceledGift.ID)
	if got.CurrentPeriodEnd != nil {
		t.Error("canceled gift row should be untouched")
	}
	got, _ = ss.GetByID(ctx, paid.ID)
	if got.CurrentPeriodEnd != nil {
		t.Error("non-gift row should be untouched")
	}
}

func TestDeleteByStripeCustomerIDSparesGiftRows(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	userID := createTestUser(t, db, "alice@example.com")
	ss := NewSubscriptionStore(db)

	customerID := "cus_1"
	if _, err := ss.Create(ctx, &model.Subscription{
		UserID: userID, Status: model.StatusActive, Tier: model.TierPro,
		TransactionType: model.TransactionRecurring, StripeCustomerID: &customerID,
		Metadata: model.Metadata{},
	}); err != nil {
		t.Fatalf("create linked: %v", err)
	}
	gifted, err := ss.Create(ctx, &model.Subscription{
		UserID: userID, Status: model.StatusActive, Tier: model.TierPro,
		TransactionType: model.TransactionRecurring, IsGift: true,
		Metadata: model.Metadata{},
	})
	if err != nil {
		t.Fatalf("create gift: %v", err)
	}
	if _, err := ss.Create(ctx, &model.Subscription{
		UserID: userID, Status: model.StatusPastDue, Tier: model.TierFree,
		TransactionType: model.TransactionRecurring,
		Metadata:        model.Metadata{},
	}); err != nil {
		t.Fatalf("create unlinked: %v", err)
	}

	linked, err := ss.DeleteByStripeCustomerID(ctx, customerID)
	if err != nil {
		t.Fatalf("delete by customer: %v", err)
	}
	if linked != 1 {
		t.Errorf("deleted linked = %d, want 1", linked)
	}

	unlinked, err := ss.DeleteUnlinkedByUserID(ctx, userID)
	if err != nil {
		t.Fatalf("delete unlinked: %v", err)
	}
	if unlinked != 1 {
		t.Errorf("deleted unlinked = %d, want 1", unlinked)
	}

	remaining, _ := ss.ListByUserID(ctx, userID)
	if len(remaining) != 1 || remaining[0].ID != gifted.ID {
		t.Fatalf("remaining = %+v, want only the gift row %d", remaining, gifted.ID)
	}
}
