package store

import (
	"context"
	"testing"
)

func TestUserCreateAndGet(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	us := NewUserStore(db)

	u, err := us.Create(ctx, "alice@example.com", "Alice")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if u.Email != "alice@example.com" || u.DisplayName != "Alice" {
		t.Errorf("user = %+v", u)
	}

	byEmail, err := us.GetByEmail(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("get by email: %v", err)
	}
	if byEmail == nil || byEmail.ID != u.ID {
		t.Fatalf("get by email = %+v", byEmail)
	}

	missing, err := us.GetByID(ctx, 999)
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if missing != nil {
		t.Error("expected nil for nonexistent id")
	}
}

func TestUserStripeCustomerLinkage(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	us := NewUserStore(db)

	u, err := us.Create(ctx, "alice@example.com", "Alice")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if u.StripeCustomerID != nil {
		t.Error("new user should have no customer id")
	}

	if err := us.SetStripeCustomerID(ctx, u.ID, "cus_1"); err != nil {
		t.Fatalf("set customer id: %v", err)
	}
	linked, err := us.GetByStripeCustomerID(ctx, "cus_1")
	if err != nil {
		t.Fatalf("get by customer id: %v", err)
	}
	if linked == nil || linked.ID != u.ID {
		t.Fatalf("get by customer id = %+v", linked)
	}

	if err := us.ClearStripeCustomerID(ctx, u.ID); err != nil {
		t.Fatalf("clear customer id: %v", err)
	}
	cleared, _ := us.GetByID(ctx, u.ID)
	if cleared.StripeCustomerID != nil {
		t.Error("customer id should be cleared")
	}
	gone, _ := us.GetByStripeCustomerID(ctx, "cus_1")
	if gone != nil {
		t.Error("lookup by cleared customer id should return nil")
	}
}
