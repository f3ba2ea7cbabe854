package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/codexlong/ChatForge/app/models"
	"github.com/codexlong/ChatForge/internal/pkg/env"
	"github.com/codexlong/ChatForge/internal/pkg/pricing"
)

const defaultStripeAPIBaseURL = "https://api.stripe.com"

// stripeSignatureTolerance bounds how old a signed webhook timestamp may be.
const stripeSignatureTolerance = 5 * time.Minute

// StripeAdapter normalizes Stripe checkout/invoice notices. Stripe refers to
// one transaction by up to three identifiers over its lifecycle (checkout
// session, payment intent, subscription), all of which are carried as
// aliases.
type StripeAdapter struct {
	WebhookSecret string
	SecretKey     string
	APIBaseURL    string
	HTTPClient    *http.Client

	days daysResolver
	now  func() time.Time
}

// NewStripeAdapterFromEnv wires the adapter from environment configuration.
func NewStripeAdapterFromEnv(meta OrderMetadataSource, cfg *pricing.Config) *StripeAdapter {
	return &StripeAdapter{
		WebhookSecret: strings.TrimSpace(env.GetEnv("STRIPE_WEBHOOK_SECRET", "")),
		SecretKey:     strings.TrimSpace(env.GetEnv("STRIPE_SECRET_KEY", "")),
		APIBaseURL:    strings.TrimSpace(env.GetEnv("STRIPE_API_BASE_URL", defaultStripeAPIBaseURL)),
		HTTPClient:    &http.Client{Timeout: 15 * time.Second},
		days:          daysResolver{meta: meta, pricing: cfg},
		now:           time.Now,
	}
}

func (a *StripeAdapter) Name() string { return models.PaymentMethodStripe }

// VerifyNotice checks the Stripe-Signature header: HMAC-SHA256 over
// "<timestamp>.<body>" with the endpoint secret, any v1 entry may match.
func (a *StripeAdapter) VerifyNotice(_ context.Context, n RawNotice) error {
	header := strings.TrimSpace(n.Header("Stripe-Signature"))
	if header == "" || a.WebhookSecret == "" {
		return ErrAuthenticationFailed
	}

	var timestamp string
	var candidates []string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			timestamp = kv[1]
		case "v1":
			candidates = append(candidates, kv[1])
		}
	}
	if timestamp == "" || len(candidates) == 0 {
		return ErrAuthenticationFailed
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrAuthenticationFailed
	}
	age := a.now().Sub(time.Unix(ts, 0))
	if age > stripeSignatureTolerance || age < -stripeSignatureTolerance {
		return ErrAuthenticationFailed
	}

	mac := hmac.New(sha256.New, []byte(a.WebhookSecret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(n.Body)
	expected := mac.Sum(nil)

	for _, candidate := range candidates {
		decoded, err := hex.DecodeString(candidate)
		if err != nil {
			continue
		}
		if hmac.Equal(decoded, expected) {
			return nil
		}
	}
	return ErrAuthenticationFailed
}

type stripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type stripeCheckoutSession struct {
	ID            string            `json:"id"`
	PaymentIntent string            `json:"payment_intent"`
	Subscription  string            `json:"subscription"`
	AmountTotal   int64             `json:"amount_total"`
	Currency      string            `json:"currency"`
	PaymentStatus string            `json:"payment_status"`
	Metadata      map[string]string `json:"metadata"`
}

type stripeInvoice struct {
	ID                  string            `json:"id"`
	Subscription        string            `json:"subscription"`
	AmountPaid          int64             `json:"amount_paid"`
	Currency            string            `json:"currency"`
	Metadata            map[string]string `json:"metadata"`
	SubscriptionDetails struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_details"`
}

type stripeSubscription struct {
	ID       string            `json:"id"`
	Metadata map[string]string `json:"metadata"`
}

func (a *StripeAdapter) ParseNotice(ctx context.Context, n RawNotice) (*Notice, error) {
	var ev stripeEvent
	if err := json.Unmarshal(n.Body, &ev); err != nil {
		return nil, fmt.Errorf("%w: invalid stripe payload: %v", ErrMalformedEvent, err)
	}

	switch ev.Type {
	case "checkout.session.completed":
		var session stripeCheckoutSession
		if err := json.Unmarshal(ev.Data.Object, &session); err != nil {
			return nil, fmt.Errorf("%w: invalid checkout session: %v", ErrMalformedEvent, err)
		}
		if session.PaymentStatus != "" && session.PaymentStatus != "paid" {
			return &Notice{DeliveryID: ev.ID, EventType: ev.Type, Classification: ClassificationIgnored}, nil
		}
		event, err := a.sessionToEvent(ctx, ev.ID, &session, "")
		if err != nil {
			return nil, err
		}
		return &Notice{DeliveryID: ev.ID, EventType: ev.Type, Classification: ClassificationPayment, Event: event}, nil

	case "invoice.payment_succeeded":
		var invoice stripeInvoice
		if err := json.Unmarshal(ev.Data.Object, &invoice); err != nil {
			return nil, fmt.Errorf("%w: invalid invoice: %v", ErrMalformedEvent, err)
		}
		userID := invoice.Metadata["userId"]
		if userID == "" {
			userID = invoice.SubscriptionDetails.Metadata["userId"]
		}
		if userID == "" {
			return nil, fmt.Errorf("%w: stripe invoice %s carries no user identity", ErrMalformedEvent, invoice.ID)
		}
		aliases := []string{invoice.ID, invoice.Subscription}
		amount := float64(invoice.AmountPaid) / 100
		currency := strings.ToUpper(invoice.Currency)
		event := &PaymentEvent{
			Provider:        models.PaymentMethodStripe,
			EventID:         ev.ID,
			TransactionIDs:  aliases,
			UserID:          userID,
			Amount:          amount,
			Currency:        currency,
			EntitlementDays: a.days.resolve(ctx, aliases, currency, amount),
			Classification:  ClassificationPayment,
		}
		return &Notice{DeliveryID: ev.ID, EventType: ev.Type, Classification: ClassificationPayment, Event: event}, nil

	case "customer.subscription.deleted":
		var sub stripeSubscription
		if err := json.Unmarshal(ev.Data.Object, &sub); err != nil {
			return nil, fmt.Errorf("%w: invalid subscription: %v", ErrMalformedEvent, err)
		}
		event := &PaymentEvent{
			Provider:       models.PaymentMethodStripe,
			EventID:        ev.ID,
			TransactionIDs: []string{sub.ID},
			UserID:         sub.Metadata["userId"],
			Classification: ClassificationCancelled,
		}
		return &Notice{DeliveryID: ev.ID, EventType: ev.Type, Classification: ClassificationCancelled, Event: event}, nil

	default:
		return &Notice{DeliveryID: ev.ID, EventType: ev.Type, Classification: ClassificationIgnored}, nil
	}
}

// ConfirmOrder fetches the checkout session the browser returned with and
// normalizes it exactly like the webhook path would.
func (a *StripeAdapter) ConfirmOrder(ctx context.Context, orderID, userID string) (*Notice, error) {
	if a.SecretKey == "" {
		return nil, fmt.Errorf("%w: STRIPE_SECRET_KEY is not configured", ErrProviderUnavailable)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.APIBaseURL+"/v1/checkout/sessions/"+orderID, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+a.SecretKey)

	resp, err := a.HTTPClient.Do(req)
	if err != nil {
		return nil, wrapOutboundErr(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrapOutboundErr(err)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: stripe returned %d", ErrProviderUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("stripe session lookup failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var session stripeCheckoutSession
	if err := json.Unmarshal(body, &session); err != nil {
		return nil, fmt.Errorf("%w: invalid session response: %v", ErrMalformedEvent, err)
	}
	if session.PaymentStatus != "paid" {
		return &Notice{EventType: "checkout.session." + session.PaymentStatus, Classification: ClassificationIgnored}, nil
	}

	event, err := a.sessionToEvent(ctx, "", &session, userID)
	if err != nil {
		return nil, err
	}
	return &Notice{EventType: "checkout.session.completed", Classification: ClassificationPayment, Event: event}, nil
}

func (a *StripeAdapter) sessionToEvent(ctx context.Context, eventID string, session *stripeCheckoutSession, fallbackUserID string) (*PaymentEvent, error) {
	userID := session.Metadata["userId"]
	if userID == "" {
		userID = fallbackUserID
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: stripe session %s carries no user identity", ErrMalformedEvent, session.ID)
	}

	aliases := []string{session.ID, session.PaymentIntent, session.Subscription}
	amount := float64(session.AmountTotal) / 100
	currency := strings.ToUpper(session.Currency)
	if currency == "" {
		currency = "USD"
	}

	days := 0
	if raw := session.Metadata["days"]; raw != "" {
		days, _ = strconv.Atoi(raw)
	}
	if days <= 0 {
		days = a.days.resolve(ctx, aliases, currency, amount)
	}

	return &PaymentEvent{
		Provider:        models.PaymentMethodStripe,
		EventID:         eventID,
		TransactionIDs:  aliases,
		UserID:          userID,
		Amount:          amount,
		Currency:        currency,
		EntitlementDays: days,
		Classification:  ClassificationPayment,
	}, nil
}
