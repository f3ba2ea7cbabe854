package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func stripeTestAdapter(now time.Time) *StripeAdapter {
	return &StripeAdapter{
		WebhookSecret: "whsec_test",
		HTTPClient:    http.DefaultClient,
		now:           func() time.Time { return now },
	}
}

func stripeSign(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestStripeVerifyNotice(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := stripeTestAdapter(now)
	body := []byte(`{"id":"evt_1","type":"checkout.session.completed"}`)

	ts := now.Unix()
	header := fmt.Sprintf("t=%d,v1=%s", ts, stripeSign("whsec_test", ts, body))
	n := RawNotice{Body: body, Headers: map[string]string{"Stripe-Signature": header}}
	if err := a.VerifyNotice(context.Background(), n); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}

	// Wrong secret.
	bad := fmt.Sprintf("t=%d,v1=%s", ts, stripeSign("whsec_other", ts, body))
	n.Headers["Stripe-Signature"] = bad
	if err := a.VerifyNotice(context.Background(), n); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("wrong secret must fail authentication, got %v", err)
	}

	// Stale timestamp.
	stale := now.Add(-10 * time.Minute).Unix()
	n.Headers["Stripe-Signature"] = fmt.Sprintf("t=%d,v1=%s", stale, stripeSign("whsec_test", stale, body))
	if err := a.VerifyNotice(context.Background(), n); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("stale timestamp must fail authentication, got %v", err)
	}

	// Missing header.
	if err := a.VerifyNotice(context.Background(), RawNotice{Body: body}); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("missing header must fail authentication, got %v", err)
	}
}

func TestStripeParseNoticeCheckoutSession(t *testing.T) {
	a := stripeTestAdapter(time.Now())
	body := []byte(`{
		"id": "evt_1",
		"type": "checkout.session.completed",
		"data": {"object": {
			"id": "cs_1",
			"payment_intent": "pi_1",
			"subscription": "sub_1",
			"amount_total": 999,
			"currency": "usd",
			"payment_status": "paid",
			"metadata": {"userId": "user-1", "days": "30"}
		}}
	}`)

	notice, err := a.ParseNotice(context.Background(), RawNotice{Body: body})
	if err != nil {
		t.Fatalf("ParseNotice: %v", err)
	}
	if notice.Classification != ClassificationPayment {
		t.Fatalf("classification = %s, want payment", notice.Classification)
	}
	ev := notice.Event
	if ev.UserID != "user-1" {
		t.Fatalf("user id = %s", ev.UserID)
	}
	if ev.Amount != 9.99 || ev.Currency != "USD" {
		t.Fatalf("amount = %v %s", ev.Amount, ev.Currency)
	}
	if ev.EntitlementDays != 30 {
		t.Fatalf("days = %d, want 30", ev.EntitlementDays)
	}
	if got := ev.PrimaryTransactionID(); got != "cs_1" {
		t.Fatalf("primary alias = %s, want cs_1", got)
	}
	if len(ev.TransactionIDs) != 3 {
		t.Fatalf("expected session, intent and subscription aliases, got %v", ev.TransactionIDs)
	}
}

func TestStripeParseNoticeSubscriptionDeleted(t *testing.T) {
	a := stripeTestAdapter(time.Now())
	body := []byte(`{
		"id": "evt_2",
		"type": "customer.subscription.deleted",
		"data": {"object": {"id": "sub_1", "metadata": {"userId": "user-1"}}}
	}`)

	notice, err := a.ParseNotice(context.Background(), RawNotice{Body: body})
	if err != nil {
		t.Fatalf("ParseNotice: %v", err)
	}
	if notice.Classification != ClassificationCancelled {
		t.Fatalf("classification = %s, want cancelled", notice.Classification)
	}
}

func TestStripeParseNoticeIgnoresOtherTypes(t *testing.T) {
	a := stripeTestAdapter(time.Now())
	body := []byte(`{"id":"evt_3","type":"payment_intent.created","data":{"object":{}}}`)

	notice, err := a.ParseNotice(context.Background(), RawNotice{Body: body})
	if err != nil {
		t.Fatalf("ParseNotice: %v", err)
	}
	if notice.Classification != ClassificationIgnored {
		t.Fatalf("classification = %s, want ignored", notice.Classification)
	}
}

func TestStripeParseNoticeMissingUser(t *testing.T) {
	a := stripeTestAdapter(time.Now())
	body := []byte(`{
		"id": "evt_4",
		"type": "checkout.session.completed",
		"data": {"object": {"id": "cs_1", "amount_total": 999, "currency": "usd", "payment_status": "paid"}}
	}`)

	if _, err := a.ParseNotice(context.Background(), RawNotice{Body: body}); !errors.Is(err, ErrMalformedEvent) {
		t.Fatalf("missing user must be malformed, got %v", err)
	}
}

func TestStripeConfirmOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/checkout/sessions/cs_1" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk_test" {
			t.Fatalf("unexpected auth header %q", got)
		}
		fmt.Fprint(w, `{
			"id": "cs_1",
			"payment_intent": "pi_1",
			"amount_total": 9999,
			"currency": "usd",
			"payment_status": "paid",
			"metadata": {"userId": "user-1"}
		}`)
	}))
	defer srv.Close()

	a := stripeTestAdapter(time.Now())
	a.SecretKey = "sk_test"
	a.APIBaseURL = srv.URL

	notice, err := a.ConfirmOrder(context.Background(), "cs_1", "user-1")
	if err != nil {
		t.Fatalf("ConfirmOrder: %v", err)
	}
	if notice.Classification != ClassificationPayment {
		t.Fatalf("classification = %s", notice.Classification)
	}
	if notice.Event.Amount != 99.99 {
		t.Fatalf("amount = %v", notice.Event.Amount)
	}
}

func TestStripeConfirmOrderUnpaidSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"id":"cs_1","payment_status":"unpaid","currency":"usd"}`)
	}))
	defer srv.Close()

	a := stripeTestAdapter(time.Now())
	a.SecretKey = "sk_test"
	a.APIBaseURL = srv.URL

	notice, err := a.ConfirmOrder(context.Background(), "cs_1", "user-1")
	if err != nil {
		t.Fatalf("ConfirmOrder: %v", err)
	}
	if notice.Classification != ClassificationIgnored {
		t.Fatalf("unpaid session must be ignored, got %s", notice.Classification)
	}
}
