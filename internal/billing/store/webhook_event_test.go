package store

import (
	"context"
	"testing"
)

func TestWebhookEventRecord(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	ws := NewWebhookEventStore(db)

	first, inserted, err := ws.Record(ctx, "evt_1", "invoice.paid")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if !inserted {
		t.Fatal("first record should insert")
	}
	if first.EventID != "evt_1" || first.EventType != "invoice.paid" {
		t.Errorf("recorded = %+v", first)
	}

	second, inserted, err := ws.Record(ctx, "evt_1", "invoice.paid")
	if err != nil {
		t.Fatalf("record duplicate: %v", err)
	}
	if inserted {
		t.Fatal("duplicate record should not insert")
	}
	if second.ID != first.ID {
		t.Errorf("duplicate returned row %d, want %d", second.ID, first.ID)
	}
	if !second.ProcessedAt.Equal(first.ProcessedAt) {
		t.Errorf("processed_at changed across duplicate: %v vs %v", second.ProcessedAt, first.ProcessedAt)
	}
}

func TestWebhookEventRollbackUnrecords(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, inserted, err := NewWebhookEventStore(tx).Record(ctx, "evt_rb", "charge.refunded"); err != nil || !inserted {
		t.Fatalf("record in tx: inserted=%v err=%v", inserted, err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	got, err := NewWebhookEventStore(db).Get(ctx, "evt_rb")
	if err != nil {
		t.Fatalf("get after rollback: %v", err)
	}
	if got != nil {
		t.Fatal("rolled-back ledger row should be gone")
	}

	// A later delivery records cleanly.
	if _, inserted, err := NewWebhookEventStore(db).Record(ctx, "evt_rb", "charge.refunded"); err != nil || !inserted {
		t.Fatalf("re-record after rollback: inserted=%v err=%v", inserted, err)
	}
}
