package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/codexlong/ChatForge/app/models"
	"github.com/codexlong/ChatForge/internal/pkg/env"
	"github.com/codexlong/ChatForge/internal/pkg/pricing"
)

const defaultPayPalAPIBaseURL = "https://api-m.paypal.com"

// PayPalAdapter normalizes PayPal webhook notices and order confirmations.
// PayPal does not ship a verifiable inline signature, so authenticity is
// established by posting the delivery back to the verify-webhook-signature
// endpoint.
type PayPalAdapter struct {
	ClientID   string
	Secret     string
	WebhookID  string
	APIBaseURL string
	HTTPClient *http.Client

	days daysResolver
}

func NewPayPalAdapterFromEnv(meta OrderMetadataSource, cfg *pricing.Config) *PayPalAdapter {
	return &PayPalAdapter{
		ClientID:   strings.TrimSpace(env.GetEnv("PAYPAL_CLIENT_ID", "")),
		Secret:     strings.TrimSpace(env.GetEnv("PAYPAL_CLIENT_SECRET", "")),
		WebhookID:  strings.TrimSpace(env.GetEnv("PAYPAL_WEBHOOK_ID", "")),
		APIBaseURL: strings.TrimSpace(env.GetEnv("PAYPAL_API_BASE_URL", defaultPayPalAPIBaseURL)),
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		days:       daysResolver{meta: meta, pricing: cfg},
	}
}

func (a *PayPalAdapter) Name() string { return models.PaymentMethodPayPal }

func (a *PayPalAdapter) accessToken(ctx context.Context) (string, error) {
	if a.ClientID == "" || a.Secret == "" {
		return "", fmt.Errorf("%w: paypal credentials are not configured", ErrProviderUnavailable)
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.APIBaseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(a.ClientID, a.Secret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.HTTPClient.Do(req)
	if err != nil {
		return "", wrapOutboundErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: paypal token endpoint returned %d", ErrProviderUnavailable, resp.StatusCode)
	}
	var token struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return "", wrapOutboundErr(err)
	}
	if token.AccessToken == "" {
		return "", fmt.Errorf("%w: paypal token endpoint returned no token", ErrProviderUnavailable)
	}
	return token.AccessToken, nil
}

// VerifyNotice replays the transmission headers and raw body to PayPal's
// verification endpoint and requires verification_status SUCCESS.
func (a *PayPalAdapter) VerifyNotice(ctx context.Context, n RawNotice) error {
	if a.WebhookID == "" {
		return ErrAuthenticationFailed
	}
	transmissionID := n.Header("Paypal-Transmission-Id")
	if transmissionID == "" {
		return ErrAuthenticationFailed
	}

	token, err := a.accessToken(ctx)
	if err != nil {
		return err
	}

	payload := map[string]any{
		"transmission_id":   transmissionID,
		"transmission_time": n.Header("Paypal-Transmission-Time"),
		"transmission_sig":  n.Header("Paypal-Transmission-Sig"),
		"cert_url":          n.Header("Paypal-Cert-Url"),
		"auth_algo":         n.Header("Paypal-Auth-Algo"),
		"webhook_id":        a.WebhookID,
		"webhook_event":     json.RawMessage(n.Body),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.APIBaseURL+"/v1/notifications/verify-webhook-signature", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.HTTPClient.Do(req)
	if err != nil {
		return wrapOutboundErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: paypal verification returned %d", ErrProviderUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return ErrAuthenticationFailed
	}

	var result struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return wrapOutboundErr(err)
	}
	if result.VerificationStatus != "SUCCESS" {
		return ErrAuthenticationFailed
	}
	return nil
}

type paypalEvent struct {
	ID        string `json:"id"`
	EventType string `json:"event_type"`
	Resource  struct {
		ID                 string `json:"id"`
		CustomID           string `json:"custom_id"`
		Custom             string `json:"custom"`
		BillingAgreementID string `json:"billing_agreement_id"`
		Amount             struct {
			Total    string `json:"total"`
			Currency string `json:"currency"`
			Value    string `json:"value"`
			Code     string `json:"currency_code"`
		} `json:"amount"`
		SupplementaryData struct {
			RelatedIDs struct {
				OrderID string `json:"order_id"`
			} `json:"related_ids"`
		} `json:"supplementary_data"`
	} `json:"resource"`
}

func (a *PayPalAdapter) ParseNotice(ctx context.Context, n RawNotice) (*Notice, error) {
	var ev paypalEvent
	if err := json.Unmarshal(n.Body, &ev); err != nil {
		return nil, fmt.Errorf("%w: invalid paypal payload: %v", ErrMalformedEvent, err)
	}

	switch ev.EventType {
	case "PAYMENT.CAPTURE.COMPLETED", "PAYMENT.SALE.COMPLETED":
		userID := userIDFromPassthrough(firstNonEmpty(ev.Resource.CustomID, ev.Resource.Custom))
		if userID == "" {
			return nil, fmt.Errorf("%w: paypal capture %s carries no user identity", ErrMalformedEvent, ev.Resource.ID)
		}
		aliases := []string{
			ev.Resource.ID,
			ev.Resource.SupplementaryData.RelatedIDs.OrderID,
			ev.Resource.BillingAgreementID,
		}
		amountRaw := firstNonEmpty(ev.Resource.Amount.Value, ev.Resource.Amount.Total)
		amount, _ := strconv.ParseFloat(amountRaw, 64)
		currency := strings.ToUpper(firstNonEmpty(ev.Resource.Amount.Code, ev.Resource.Amount.Currency))
		event := &PaymentEvent{
			Provider:        models.PaymentMethodPayPal,
			EventID:         ev.ID,
			TransactionIDs:  aliases,
			UserID:          userID,
			Amount:          amount,
			Currency:        currency,
			EntitlementDays: a.days.resolve(ctx, aliases, currency, amount),
			Classification:  ClassificationPayment,
		}
		return &Notice{DeliveryID: ev.ID, EventType: ev.EventType, Classification: ClassificationPayment, Event: event}, nil

	case "BILLING.SUBSCRIPTION.CANCELLED":
		return a.lifecycleNotice(&ev, ClassificationCancelled), nil
	case "BILLING.SUBSCRIPTION.SUSPENDED":
		return a.lifecycleNotice(&ev, ClassificationSuspended), nil

	default:
		return &Notice{DeliveryID: ev.ID, EventType: ev.EventType, Classification: ClassificationIgnored}, nil
	}
}

func (a *PayPalAdapter) lifecycleNotice(ev *paypalEvent, class Classification) *Notice {
	event := &PaymentEvent{
		Provider:       models.PaymentMethodPayPal,
		EventID:        ev.ID,
		TransactionIDs: []string{ev.Resource.ID},
		UserID:         userIDFromPassthrough(firstNonEmpty(ev.Resource.CustomID, ev.Resource.Custom)),
		Classification: class,
	}
	return &Notice{DeliveryID: ev.ID, EventType: ev.EventType, Classification: class, Event: event}
}

type paypalOrder struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	PurchaseUnits []struct {
		CustomID string `json:"custom_id"`
		Amount   struct {
			Value string `json:"value"`
			Code  string `json:"currency_code"`
		} `json:"amount"`
		Payments struct {
			Captures []struct {
				ID string `json:"id"`
			} `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

// ConfirmOrder captures the approved order identified by the return token.
// A capture that races the webhook path is collapsed by the engine through
// the shared transaction aliases, so double capture of an already-captured
// order degrades to an idempotent completed response.
func (a *PayPalAdapter) ConfirmOrder(ctx context.Context, orderID, userID string) (*Notice, error) {
	token, err := a.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.APIBaseURL+"/v2/checkout/orders/"+orderID+"/capture", strings.NewReader("{}"))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

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
		return nil, fmt.Errorf("%w: paypal capture returned %d", ErrProviderUnavailable, resp.StatusCode)
	}

	var order paypalOrder
	if resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusOK {
		if err := json.Unmarshal(body, &order); err != nil {
			return nil, fmt.Errorf("%w: invalid capture response: %v", ErrMalformedEvent, err)
		}
	} else if strings.Contains(string(body), "ORDER_ALREADY_CAPTURED") {
		// The webhook path got there first; fetch the order so the engine can
		// recognize it as already settled.
		order.ID = orderID
		order.Status = "COMPLETED"
	} else {
		return nil, fmt.Errorf("paypal capture failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if order.Status != "COMPLETED" {
		return &Notice{EventType: "CHECKOUT.ORDER." + order.Status, Classification: ClassificationIgnored}, nil
	}

	aliases := []string{order.ID}
	var amount float64
	var currency string
	resolvedUser := userID
	if len(order.PurchaseUnits) > 0 {
		unit := order.PurchaseUnits[0]
		if len(unit.Payments.Captures) > 0 {
			aliases = append([]string{unit.Payments.Captures[0].ID}, aliases...)
		}
		amount, _ = strconv.ParseFloat(unit.Amount.Value, 64)
		currency = strings.ToUpper(unit.Amount.Code)
		if uid := userIDFromPassthrough(unit.CustomID); uid != "" {
			resolvedUser = uid
		}
	}
	if resolvedUser == "" {
		return nil, fmt.Errorf("%w: paypal order %s carries no user identity", ErrMalformedEvent, order.ID)
	}

	event := &PaymentEvent{
		Provider:        models.PaymentMethodPayPal,
		EventID:         "",
		TransactionIDs:  aliases,
		UserID:          resolvedUser,
		Amount:          amount,
		Currency:        currency,
		EntitlementDays: a.days.resolve(ctx, aliases, currency, amount),
		Classification:  ClassificationPayment,
	}
	return &Notice{EventType: "CHECKOUT.ORDER.COMPLETED", Classification: ClassificationPayment, Event: event}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
