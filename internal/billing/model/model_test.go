package model

import (
	"testing"
	"time"
)

func TestMapStripeStatus(t *testing.T) {
	cases := []struct {
		raw    string
		want   Status
		wantOK bool
	}{
		{"active", StatusActive, true},
		{"trialing", StatusTrialing, true},
		{"canceled", StatusCanceled, true},
		{"incomplete", StatusPastDue, true},
		{"incomplete_expired", StatusPastDue, true},
		{"past_due", StatusPastDue, true},
		{"unpaid", StatusPastDue, true},
		{"paused", StatusCanceled, false},
		{"", StatusCanceled, false},
		{"something_new", StatusCanceled, false},
	}
	for _, tc := range cases {
		got, ok := MapStripeStatus(tc.raw)
		if got != tc.want || ok != tc.wantOK {
			t.Errorf("MapStripeStatus(%q) = (%q, %v), want (%q, %v)", tc.raw, got, ok, tc.want, tc.wantOK)
		}
	}
}

func TestSubscriptionLive(t *testing.T) {
	for _, tc := range []struct {
		status Status
		want   bool
	}{
		{StatusActive, true},
		{StatusTrialing, true},
		{StatusPastDue, false},
		{StatusCanceled, false},
	} {
		s := &Subscription{Status: tc.status}
		if s.Live() != tc.want {
			t.Errorf("Live() with status %q = %v, want %v", tc.status, s.Live(), tc.want)
		}
	}
}

func strptr(s string) *string { return &s }

func TestRepresentativePrefersLiveStripeSubscription(t *testing.T) {
	now := time.Now()
	lifetime := &Subscription{
		ID: 1, Status: StatusActive, TransactionType: TransactionLifetime,
		CreatedAt: now.Add(-time.Hour),
	}
	liveStripe := &Subscription{
		ID: 2, Status: StatusActive, TransactionType: TransactionRecurring,
		StripeSubscriptionID: strptr("sub_123"), CreatedAt: now.Add(-2 * time.Hour),
	}
	canceled := &Subscription{
		ID: 3, Status: StatusCanceled, CreatedAt: now,
	}

	got := Representative([]*Subscription{canceled, lifetime, liveStripe})
	if got == nil || got.ID != liveStripe.ID {
		t.Fatalf("Representative = %+v, want live stripe row %d", got, liveStripe.ID)
	}
}

func TestRepresentativeLifetimeBeatsCanceled(t *testing.T) {
	lifetime := &Subscription{ID: 1, Status: StatusCanceled, TransactionType: TransactionLifetime}
	canceled := &Subscription{ID: 2, Status: StatusCanceled, TransactionType: TransactionRecurring}

	got := Representative([]*Subscription{canceled, lifetime})
	if got == nil || got.ID != lifetime.ID {
		t.Fatalf("Representative = %+v, want lifetime row %d", got, lifetime.ID)
	}
}

func TestRepresentativeTieBreaksNewest(t *testing.T) {
	now := time.Now()
	older := &Subscription{ID: 1, Status: StatusCanceled, CreatedAt: now.Add(-time.Hour)}
	newer := &Subscription{ID: 2, Status: StatusCanceled, CreatedAt: now}

	got := Representative([]*Subscription{older, newer})
	if got == nil || got.ID != newer.ID {
		t.Fatalf("Representative = %+v, want newest row %d", got, newer.ID)
	}
}

func TestRepresentativeEmpty(t *testing.T) {
	if got := Representative(nil); got != nil {
		t.Fatalf("Representative(nil) = %+v, want nil", got)
	}
}

func TestHasPaidPlan(t *testing.T) {
	now := time.Now().UTC()
	future := now.Add(24 * time.Hour)
	past := now.Add(-24 * time.Hour)

	if HasPaidPlan(nil, now, nil) {
		t.Error("no subscriptions should not be paid")
	}

	live := []*Subscription{{Status: StatusActive, CurrentPeriodEnd: &future}}
	if !HasPaidPlan(live, now, nil) {
		t.Error("live subscription with future period end should be paid")
	}

	expired := []*Subscription{{Status: StatusActive, CurrentPeriodEnd: &past}}
	if HasPaidPlan(expired, now, nil) {
		t.Error("live subscription with past period end should not be paid")
	}

	canceled := []*Subscription{{Status: StatusCanceled, CurrentPeriodEnd: &future}}
	if HasPaidPlan(canceled, now, nil) {
		t.Error("canceled subscription should not be paid")
	}

	noEnd := []*Subscription{{Status: StatusActive}}
	if !HasPaidPlan(noEnd, now, nil) {
		t.Error("live subscription without period end should be paid")
	}
}

func TestHasPaidPlanGracePeriod(t *testing.T) {
	now := time.Now().UTC()
	grace := &GracePeriod{Start: now.Add(-time.Hour), End: now.Add(time.Hour)}

	if !HasPaidPlan(nil, now, grace) {
		t.Error("grace period should grant access with no subscriptions")
	}

	over := &GracePeriod{Start: now.Add(-2 * time.Hour), End: now.Add(-time.Hour)}
	if HasPaidPlan(nil, now, over) {
		t.Error("expired grace period should not grant access")
	}
}

func TestMetadataApplyEvents(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var m Metadata
	m = m.Apply(Canceled{At: at})
	if got, ok := m.Time(MetaCanceledAt); !ok || !got.Equal(at) {
		t.Fatalf("canceledAt = %v (ok=%v), want %v", got, ok, at)
	}

	m = m.Apply(RefundAnnotation{ChargeID: "ch_1", AmountRefunded: 250, Partial: true})
	if m[MetaRefundedChargeID] != "ch_1" {
		t.Errorf("refundedChargeId = %q", m[MetaRefundedChargeID])
	}
	if m.Int64(MetaRefundedAmountCents) != 250 {
		t.Errorf("refundedAmountCents = %d, want 250", m.Int64(MetaRefundedAmountCents))
	}
	if !m.Bool(MetaPartialRefund) {
		t.Error("partialRefund should be true")
	}
}

func TestMetadataPauseRoundTrip(t *testing.T) {
	resumes := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	original := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	m := Metadata{}.Apply(PausedForGift{ResumesAt: resumes, OriginalPeriodEnd: original})
	if !m.Bool(MetaPausedForGift) {
		t.Fatal("pausedForGift should be set")
	}

	// A later, longer pause keeps the first original period end.
	m = m.Apply(PausedForGift{ResumesAt: resumes.AddDate(0, 1, 0), OriginalPeriodEnd: resumes})
	if got, _ := m.Time(MetaOriginalPeriodEnd); !got.Equal(original) {
		t.Errorf("originalPeriodEnd = %v, want preserved %v", got, original)
	}

	m = m.Apply(PauseCleared{})
	for _, key := range []string{MetaPausedForGift, MetaPauseResumesAt, MetaOriginalPeriodEnd} {
		if _, found := m[key]; found {
			t.Errorf("%s should be cleared", key)
		}
	}
}

func TestMetadataScanValue(t *testing.T) {
	m := Metadata{MetaGiftReference: "ref-1", MetaReversedCents: "100"}
	v, err := m.Value()
	if err != nil {
		t.Fatalf("value: %v", err)
	}

	var out Metadata
	if err := out.Scan(v); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if out[MetaGiftReference] != "ref-1" || out.Int64(MetaReversedCents) != 100 {
		t.Errorf("round trip = %v", out)
	}

	var empty Metadata
	if err := empty.Scan(nil); err != nil {
		t.Fatalf("scan nil: %v", err)
	}
	if empty == nil {
		t.Error("scan nil should yield empty map")
	}
}

func TestGracePeriodContains(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)
	g := &GracePeriod{Start: start, End: end}

	if !g.Contains(start) || !g.Contains(end) {
		t.Error("bounds are inclusive")
	}
	if g.Contains(start.Add(-time.Second)) || g.Contains(end.Add(time.Second)) {
		t.Error("outside bounds should not be contained")
	}

	var nilGrace *GracePeriod
	if nilGrace.Contains(start) {
		t.Error("nil grace period contains nothing")
	}
}
