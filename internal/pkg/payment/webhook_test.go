package payment

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestDedupKeyPrecedence(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)

	n := &Notice{DeliveryID: "dlv_1", Event: &PaymentEvent{EventID: "evt_1"}}
	if got := DedupKey("stripe", n, payload); got != "stripe_dlv_1" {
		t.Fatalf("delivery id must win: got %s", got)
	}

	n = &Notice{Event: &PaymentEvent{EventID: "evt_1"}}
	if got := DedupKey("stripe", n, payload); got != "stripe_evt_1" {
		t.Fatalf("event id must be the fallback: got %s", got)
	}

	n = &Notice{}
	got := DedupKey("stripe", n, payload)
	if !strings.HasPrefix(got, "stripe_hash:") {
		t.Fatalf("content hash must be the last resort: got %s", got)
	}
	if again := DedupKey("stripe", n, payload); again != got {
		t.Fatalf("content hash must be deterministic")
	}
	if other := DedupKey("stripe", n, []byte(`{"id":"evt_2"}`)); other == got {
		t.Fatalf("distinct payloads must hash to distinct keys")
	}
}

func TestProcessDeliveryDeduplicates(t *testing.T) {
	store := newFakeStore()
	r := newTestReconciler(store, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	notice := &Notice{
		DeliveryID:     "dlv_1",
		EventType:      "checkout.session.completed",
		Classification: ClassificationPayment,
		Event:          paymentEvent("cs_1", "pi_1"),
	}

	out, err := r.ProcessDelivery(context.Background(), "stripe", notice, []byte(`{}`))
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if out.Duplicate {
		t.Fatalf("first delivery must not be a duplicate")
	}

	out, err = r.ProcessDelivery(context.Background(), "stripe", notice, []byte(`{}`))
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if !out.Duplicate {
		t.Fatalf("redelivery of a processed key must short-circuit")
	}
	if store.completedCount() != 1 {
		t.Fatalf("duplicate delivery touched the ledger")
	}
}

func TestProcessDeliveryFailureKeepsEntryUnprocessed(t *testing.T) {
	store := newFakeStore()
	r := newTestReconciler(store, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	bad := &Notice{
		DeliveryID:     "dlv_bad",
		EventType:      "checkout.session.completed",
		Classification: ClassificationPayment,
		Event: &PaymentEvent{
			Provider:       "stripe",
			TransactionIDs: []string{"pi_bad"},
			UserID:         "user-1",
			Amount:         0, // unrecoverable
			Classification: ClassificationPayment,
		},
	}
	if _, err := r.ProcessDelivery(context.Background(), "stripe", bad, []byte(`{}`)); err == nil {
		t.Fatalf("expected settlement failure")
	}
	if ev := store.webhooks["stripe_dlv_bad"]; ev == nil || ev.Processed {
		t.Fatalf("failed delivery must stay unprocessed for redelivery")
	}

	// After a pending order appears the redelivery completes.
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := store.CreatePayment(context.Background(), pendingFixture("pay-1", "user-1", "pi_bad", now)); err != nil {
		t.Fatalf("seed pending: %v", err)
	}
	out, err := r.ProcessDelivery(context.Background(), "stripe", bad, []byte(`{}`))
	if err != nil {
		t.Fatalf("redelivery after repair: %v", err)
	}
	if out.Duplicate {
		t.Fatalf("unprocessed entry must be retried, not treated as duplicate")
	}
	if ev := store.webhooks["stripe_dlv_bad"]; ev == nil || !ev.Processed {
		t.Fatalf("successful redelivery must flip the processed flag")
	}
}

func TestProcessDeliveryIgnoredEventIsAcked(t *testing.T) {
	store := newFakeStore()
	r := newTestReconciler(store, time.Now())

	notice := &Notice{DeliveryID: "dlv_2", EventType: "invoice.created", Classification: ClassificationIgnored}
	out, err := r.ProcessDelivery(context.Background(), "stripe", notice, []byte(`{}`))
	if err != nil {
		t.Fatalf("ignored event: %v", err)
	}
	if out.Duplicate || out.Result != nil {
		t.Fatalf("ignored event must produce an empty outcome")
	}
	if ev := store.webhooks["stripe_dlv_2"]; ev == nil || !ev.Processed {
		t.Fatalf("ignored event must still be recorded and marked processed")
	}
}
