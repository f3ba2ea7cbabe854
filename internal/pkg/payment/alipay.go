package payment

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/codexlong/ChatForge/app/models"
	"github.com/codexlong/ChatForge/internal/pkg/env"
	"github.com/codexlong/ChatForge/internal/pkg/pricing"
)

const defaultAlipayGatewayURL = "https://openapi.alipay.com/gateway.do"

// AlipayAdapter normalizes Alipay asynchronous notifications (form encoded,
// RSA2 signed) and trade queries for the browser return path.
type AlipayAdapter struct {
	AppID      string
	GatewayURL string
	HTTPClient *http.Client

	publicKey  *rsa.PublicKey
	privateKey *rsa.PrivateKey
	days       daysResolver
}

func NewAlipayAdapterFromEnv(meta OrderMetadataSource, cfg *pricing.Config) (*AlipayAdapter, error) {
	a := &AlipayAdapter{
		AppID:      strings.TrimSpace(env.GetEnv("ALIPAY_APP_ID", "")),
		GatewayURL: strings.TrimSpace(env.GetEnv("ALIPAY_GATEWAY_URL", defaultAlipayGatewayURL)),
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		days:       daysResolver{meta: meta, pricing: cfg},
	}

	if raw := env.GetEnv("ALIPAY_PUBLIC_KEY", ""); raw != "" {
		pub, err := parseRSAPublicKey(raw)
		if err != nil {
			return nil, fmt.Errorf("alipay public key: %w", err)
		}
		a.publicKey = pub
	}
	if raw := env.GetEnv("ALIPAY_PRIVATE_KEY", ""); raw != "" {
		priv, err := parseRSAPrivateKey(raw)
		if err != nil {
			return nil, fmt.Errorf("alipay private key: %w", err)
		}
		a.privateKey = priv
	}
	return a, nil
}

func (a *AlipayAdapter) Name() string { return models.PaymentMethodAlipay }

// alipaySigningString builds the canonical "k=v&k=v" string for verifying
// asynchronous notifications: sorted by key, sign and sign_type excluded.
func alipaySigningString(form url.Values) string {
	return alipayCanonicalString(form, true)
}

// alipayRequestSigningString is the outbound variant. Gateway requests are
// signed over every parameter except sign itself; sign_type is included.
func alipayRequestSigningString(form url.Values) string {
	return alipayCanonicalString(form, false)
}

func alipayCanonicalString(form url.Values, excludeSignType bool) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		if k == "sign" || (excludeSignType && k == "sign_type") {
			continue
		}
		if form.Get(k) == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+form.Get(k))
	}
	return strings.Join(pairs, "&")
}

func (a *AlipayAdapter) VerifyNotice(_ context.Context, n RawNotice) error {
	if a.publicKey == nil {
		return ErrAuthenticationFailed
	}
	sign := n.Form.Get("sign")
	if sign == "" {
		return ErrAuthenticationFailed
	}
	signature, err := base64.StdEncoding.DecodeString(sign)
	if err != nil {
		return ErrAuthenticationFailed
	}

	digest := sha256.Sum256([]byte(alipaySigningString(n.Form)))
	if err := rsa.VerifyPKCS1v15(a.publicKey, crypto.SHA256, digest[:], signature); err != nil {
		return ErrAuthenticationFailed
	}
	return nil
}

func (a *AlipayAdapter) ParseNotice(ctx context.Context, n RawNotice) (*Notice, error) {
	tradeStatus := n.Form.Get("trade_status")
	tradeNo := n.Form.Get("trade_no")
	outTradeNo := n.Form.Get("out_trade_no")
	deliveryID := n.Form.Get("notify_id")

	if tradeNo == "" && outTradeNo == "" {
		return nil, fmt.Errorf("%w: alipay notification carries no trade identifiers", ErrMalformedEvent)
	}

	switch tradeStatus {
	case "TRADE_SUCCESS", "TRADE_FINISHED":
	case "TRADE_CLOSED":
		return &Notice{DeliveryID: deliveryID, EventType: tradeStatus, Classification: ClassificationIgnored}, nil
	default:
		return &Notice{DeliveryID: deliveryID, EventType: tradeStatus, Classification: ClassificationIgnored}, nil
	}

	amount, _ := strconv.ParseFloat(n.Form.Get("total_amount"), 64)
	aliases := []string{tradeNo, outTradeNo}
	event := &PaymentEvent{
		Provider:        models.PaymentMethodAlipay,
		EventID:         deliveryID,
		TransactionIDs:  aliases,
		UserID:          userIDFromPassthrough(n.Form.Get("passback_params")),
		Amount:          amount,
		Currency:        "CNY",
		EntitlementDays: a.days.resolve(ctx, aliases, "CNY", amount),
		Classification:  ClassificationPayment,
	}
	if event.UserID == "" {
		return nil, fmt.Errorf("%w: alipay trade %s carries no user identity", ErrMalformedEvent, event.PrimaryTransactionID())
	}
	return &Notice{DeliveryID: deliveryID, EventType: tradeStatus, Classification: ClassificationPayment, Event: event}, nil
}

// ConfirmOrder queries the trade state at the open gateway. Alipay return
// URLs carry out_trade_no, which is the merchant-side order number.
func (a *AlipayAdapter) ConfirmOrder(ctx context.Context, orderID, userID string) (*Notice, error) {
	if a.privateKey == nil || a.AppID == "" {
		return nil, fmt.Errorf("%w: alipay gateway credentials are not configured", ErrProviderUnavailable)
	}

	bizContent, _ := json.Marshal(map[string]string{"out_trade_no": orderID})
	params := url.Values{
		"app_id":      {a.AppID},
		"method":      {"alipay.trade.query"},
		"format":      {"JSON"},
		"charset":     {"utf-8"},
		"sign_type":   {"RSA2"},
		"timestamp":   {time.Now().Format("2006-01-02 15:04:05")},
		"version":     {"1.0"},
		"biz_content": {string(bizContent)},
	}
	digest := sha256.Sum256([]byte(alipayRequestSigningString(params)))
	signature, err := rsa.SignPKCS1v15(rand.Reader, a.privateKey, crypto.SHA256, digest[:])
	if err != nil {
		return nil, err
	}
	params.Set("sign", base64.StdEncoding.EncodeToString(signature))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.GatewayURL, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded;charset=utf-8")

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
		return nil, fmt.Errorf("%w: alipay gateway returned %d", ErrProviderUnavailable, resp.StatusCode)
	}

	var envelope struct {
		Response struct {
			Code        string `json:"code"`
			TradeNo     string `json:"trade_no"`
			OutTradeNo  string `json:"out_trade_no"`
			TradeStatus string `json:"trade_status"`
			TotalAmount string `json:"total_amount"`
		} `json:"alipay_trade_query_response"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: invalid trade query response: %v", ErrMalformedEvent, err)
	}
	r := envelope.Response
	if r.Code != "10000" {
		return nil, fmt.Errorf("alipay trade query failed: code %s", r.Code)
	}
	if r.TradeStatus != "TRADE_SUCCESS" && r.TradeStatus != "TRADE_FINISHED" {
		return &Notice{EventType: r.TradeStatus, Classification: ClassificationIgnored}, nil
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: alipay confirmation carries no user identity", ErrMalformedEvent)
	}

	amount, _ := strconv.ParseFloat(r.TotalAmount, 64)
	aliases := []string{r.TradeNo, r.OutTradeNo}
	event := &PaymentEvent{
		Provider:        models.PaymentMethodAlipay,
		TransactionIDs:  aliases,
		UserID:          userID,
		Amount:          amount,
		Currency:        "CNY",
		EntitlementDays: a.days.resolve(ctx, aliases, "CNY", amount),
		Classification:  ClassificationPayment,
	}
	return &Notice{EventType: r.TradeStatus, Classification: ClassificationPayment, Event: event}, nil
}
