package payment

import (
	"net/url"
	"time"
)

// Classification tags what a normalized notice means for the ledger.
type Classification string

const (
	// ClassificationPayment is a settled payment that must extend entitlement.
	ClassificationPayment Classification = "payment"
	// ClassificationCancelled marks the provider-side subscription as ended.
	ClassificationCancelled Classification = "cancelled"
	// ClassificationSuspended marks the provider-side subscription as paused.
	ClassificationSuspended Classification = "suspended"
	// ClassificationIgnored is an authentic notice with no ledger effect.
	ClassificationIgnored Classification = "ignored"
)

// RawNotice is an unverified inbound delivery exactly as the channel received
// it. Adapters own all interpretation of it.
type RawNotice struct {
	Body    []byte
	Headers map[string]string
	Form    url.Values
}

// Header returns a header value, tolerating nil maps.
func (n RawNotice) Header(key string) string {
	if n.Headers == nil {
		return ""
	}
	return n.Headers[key]
}

// PaymentEvent is the canonical, provider-agnostic shape of one economic
// event. TransactionIDs holds every identifier known to refer to the same
// underlying transaction; any alias matching an existing record means the
// same transaction.
type PaymentEvent struct {
	Provider        string
	EventID         string
	TransactionIDs  []string
	UserID          string
	Amount          float64
	Currency        string
	EntitlementDays int
	Classification  Classification
}

// PrimaryTransactionID is the identifier new ledger rows are written under:
// the first alias, by adapter convention the most specific one.
func (e *PaymentEvent) PrimaryTransactionID() string {
	if len(e.TransactionIDs) == 0 {
		return ""
	}
	return e.TransactionIDs[0]
}

// Notice is the verified, normalized form of one delivery.
type Notice struct {
	// DeliveryID is the provider-issued delivery identifier when one exists.
	// The dedup key prefers it over the event's own id.
	DeliveryID     string
	EventType      string
	Classification Classification
	// Event is nil for ignored notices.
	Event *PaymentEvent
}

// SettleResult reports the outcome of one reconciliation pass.
type SettleResult struct {
	AlreadySettled bool
	TransactionID  string
	Amount         float64
	Currency       string
	DaysAdded      int
	PeriodEnd      time.Time
}
