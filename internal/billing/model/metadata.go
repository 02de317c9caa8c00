package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Metadata is a string-keyed audit bag stored as JSON in a text column.
// Writes go through typed MetadataEvent variants so the known audit fields
// stay discoverable; unknown keys survive round-trips untouched.
type Metadata map[string]string

// Known metadata keys. Everything written by reconciliation logic uses one
// of these; ad hoc keys only appear when copied from Stripe objects.
const (
	MetaCanceledAt          = "canceledAt"
	MetaRefundedChargeID    = "refundedChargeId"
	MetaRefundedAmountCents = "refundedAmountCents"
	MetaPartialRefund       = "partialRefund"
	MetaReversedCents       = "reversedCents"
	MetaIsEstimated         = "isEstimated"
	MetaPausedForGift       = "pausedForGift"
	MetaPauseResumesAt      = "pauseResumesAt"
	MetaOriginalPeriodEnd   = "originalPeriodEnd"
	MetaPaymentMethod       = "paymentMethod"
	MetaUpgradedToLifetime  = "upgradedToLifetime"
	MetaCheckoutSessionID   = "checkoutSessionId"
	MetaGiftReference       = "giftReference"
	MetaBalanceTransaction  = "balanceTransactionId"
)

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return string(b), nil
}

func (m *Metadata) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*m = Metadata{}
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("scan metadata: unsupported type %T", src)
	}
	if len(data) == 0 {
		*m = Metadata{}
		return nil
	}
	return json.Unmarshal(data, m)
}

// Time reads an RFC 3339 timestamp value. ok is false when the key is absent
// or unparseable.
func (m Metadata) Time(key string) (time.Time, bool) {
	raw, found := m[key]
	if !found {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Int64 reads an integer value; zero when absent or unparseable.
func (m Metadata) Int64(key string) int64 {
	n, _ := strconv.ParseInt(m[key], 10, 64)
	return n
}

func (m Metadata) Bool(key string) bool {
	return m[key] == "true"
}

// A MetadataEvent is one known audit annotation appended to a record's
// metadata bag.
type MetadataEvent interface {
	Apply(Metadata)
}

// Canceled records when reconciliation canceled the row.
type Canceled struct {
	At time.Time
}

func (e Canceled) Apply(m Metadata) {
	m[MetaCanceledAt] = e.At.UTC().Format(time.RFC3339)
}

// RefundAnnotation marks a row affected by a charge refund. Partial refunds
// annotate without changing the row's status.
type RefundAnnotation struct {
	ChargeID       string
	AmountRefunded int64
	Partial        bool
}

func (e RefundAnnotation) Apply(m Metadata) {
	m[MetaRefundedChargeID] = e.ChargeID
	m[MetaRefundedAmountCents] = strconv.FormatInt(e.AmountRefunded, 10)
	if e.Partial {
		m[MetaPartialRefund] = "true"
	}
}

// CreditReversal tracks the cumulative balance credit reversed for a gift
// transaction so a second refund delivery never double-reverses.
type CreditReversal struct {
	ChargeID      string
	ReversedCents int64
	Estimated     bool
}

func (e CreditReversal) Apply(m Metadata) {
	m[MetaRefundedChargeID] = e.ChargeID
	m[MetaReversedCents] = strconv.FormatInt(e.ReversedCents, 10)
	if e.Estimated {
		m[MetaIsEstimated] = "true"
	}
}

// PausedForGift records that the underlying recurring subscription's billing
// is suspended until the gift coverage runs out. OriginalPeriodEnd preserves
// the renewal date in effect before the pause for later restoration.
type PausedForGift struct {
	ResumesAt         time.Time
	OriginalPeriodEnd time.Time
}

func (e PausedForGift) Apply(m Metadata) {
	m[MetaPausedForGift] = "true"
	m[MetaPauseResumesAt] = e.ResumesAt.UTC().Format(time.RFC3339)
	if !e.OriginalPeriodEnd.IsZero() {
		if _, already := m[MetaOriginalPeriodEnd]; !already {
			m[MetaOriginalPeriodEnd] = e.OriginalPeriodEnd.UTC().Format(time.RFC3339)
		}
	}
}

// PauseCleared removes the pause annotations once billing resumes upstream.
type PauseCleared struct{}

func (PauseCleared) Apply(m Metadata) {
	delete(m, MetaPausedForGift)
	delete(m, MetaPauseResumesAt)
	delete(m, MetaOriginalPeriodEnd)
}

// Apply runs events against the bag, allocating it if needed, and returns it.
func (m Metadata) Apply(events ...MetadataEvent) Metadata {
	if m == nil {
		m = Metadata{}
	}
	for _, e := range events {
		e.Apply(m)
	}
	return m
}
