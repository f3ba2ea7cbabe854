package payment

import (
	"context"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/codexlong/ChatForge/app/models"
	"github.com/codexlong/ChatForge/internal/pkg/env"
	"github.com/codexlong/ChatForge/internal/pkg/pricing"
)

const defaultWeChatAPIBaseURL = "https://api.mch.weixin.qq.com"

// wechatSignatureTolerance bounds how old a signed notification timestamp
// may be.
const wechatSignatureTolerance = 5 * time.Minute

// WeChatAdapter normalizes WeChat Pay v3 notifications. The notification
// body is signed over "timestamp\nnonce\nbody\n" with the platform key and
// carries the transaction encrypted with the merchant's APIv3 key
// (AES-256-GCM).
type WeChatAdapter struct {
	MchID            string
	SerialNo         string
	APIv3Key         []byte
	APIBaseURL       string
	HTTPClient       *http.Client
	SignatureMaxSkew time.Duration

	platformKey *rsa.PublicKey
	merchantKey *rsa.PrivateKey
	days        daysResolver
	now         func() time.Time
}

func NewWeChatAdapterFromEnv(meta OrderMetadataSource, cfg *pricing.Config) (*WeChatAdapter, error) {
	a := &WeChatAdapter{
		MchID:            strings.TrimSpace(env.GetEnv("WECHAT_MCH_ID", "")),
		SerialNo:         strings.TrimSpace(env.GetEnv("WECHAT_CERT_SERIAL_NO", "")),
		APIv3Key:         []byte(env.GetEnv("WECHAT_APIV3_KEY", "")),
		APIBaseURL:       strings.TrimSpace(env.GetEnv("WECHAT_API_BASE_URL", defaultWeChatAPIBaseURL)),
		HTTPClient:       &http.Client{Timeout: 15 * time.Second},
		SignatureMaxSkew: wechatSignatureTolerance,
		days:             daysResolver{meta: meta, pricing: cfg},
		now:              time.Now,
	}

	if raw := env.GetEnv("WECHAT_PLATFORM_PUBLIC_KEY", ""); raw != "" {
		pub, err := parseRSAPublicKey(raw)
		if err != nil {
			return nil, fmt.Errorf("wechat platform key: %w", err)
		}
		a.platformKey = pub
	}
	if raw := env.GetEnv("WECHAT_MERCHANT_PRIVATE_KEY", ""); raw != "" {
		priv, err := parseRSAPrivateKey(raw)
		if err != nil {
			return nil, fmt.Errorf("wechat merchant key: %w", err)
		}
		a.merchantKey = priv
	}
	return a, nil
}

func (a *WeChatAdapter) Name() string { return models.PaymentMethodWeChat }

func (a *WeChatAdapter) VerifyNotice(_ context.Context, n RawNotice) error {
	if a.platformKey == nil {
		return ErrAuthenticationFailed
	}
	timestamp := n.Header("Wechatpay-Timestamp")
	nonce := n.Header("Wechatpay-Nonce")
	sign := n.Header("Wechatpay-Signature")
	if timestamp == "" || nonce == "" || sign == "" {
		return ErrAuthenticationFailed
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrAuthenticationFailed
	}
	age := a.now().Sub(time.Unix(ts, 0))
	if age > a.SignatureMaxSkew || age < -a.SignatureMaxSkew {
		return ErrAuthenticationFailed
	}

	signature, err := base64.StdEncoding.DecodeString(sign)
	if err != nil {
		return ErrAuthenticationFailed
	}
	message := timestamp + "\n" + nonce + "\n" + string(n.Body) + "\n"
	digest := sha256.Sum256([]byte(message))
	if err := rsa.VerifyPKCS1v15(a.platformKey, crypto.SHA256, digest[:], signature); err != nil {
		return ErrAuthenticationFailed
	}
	return nil
}

type wechatNotification struct {
	ID        string `json:"id"`
	EventType string `json:"event_type"`
	Resource  struct {
		Algorithm      string `json:"algorithm"`
		Ciphertext     string `json:"ciphertext"`
		Nonce          string `json:"nonce"`
		AssociatedData string `json:"associated_data"`
	} `json:"resource"`
}

type wechatTransaction struct {
	TransactionID string `json:"transaction_id"`
	OutTradeNo    string `json:"out_trade_no"`
	TradeState    string `json:"trade_state"`
	Attach        string `json:"attach"`
	Amount        struct {
		Total    int64  `json:"total"`
		Currency string `json:"currency"`
	} `json:"amount"`
}

func (a *WeChatAdapter) decryptResource(ciphertext, nonce, associatedData string) ([]byte, error) {
	if len(a.APIv3Key) != 32 {
		return nil, fmt.Errorf("%w: WECHAT_APIV3_KEY must be 32 bytes", ErrProviderUnavailable)
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid resource ciphertext: %v", ErrMalformedEvent, err)
	}
	block, err := aes.NewCipher(a.APIv3Key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, []byte(nonce), raw, []byte(associatedData))
	if err != nil {
		return nil, fmt.Errorf("%w: resource decryption failed: %v", ErrMalformedEvent, err)
	}
	return plaintext, nil
}

func (a *WeChatAdapter) ParseNotice(ctx context.Context, n RawNotice) (*Notice, error) {
	var notification wechatNotification
	if err := json.Unmarshal(n.Body, &notification); err != nil {
		return nil, fmt.Errorf("%w: invalid wechat payload: %v", ErrMalformedEvent, err)
	}

	if notification.EventType != "TRANSACTION.SUCCESS" {
		return &Notice{DeliveryID: notification.ID, EventType: notification.EventType, Classification: ClassificationIgnored}, nil
	}

	plaintext, err := a.decryptResource(
		notification.Resource.Ciphertext,
		notification.Resource.Nonce,
		notification.Resource.AssociatedData,
	)
	if err != nil {
		return nil, err
	}

	var txn wechatTransaction
	if err := json.Unmarshal(plaintext, &txn); err != nil {
		return nil, fmt.Errorf("%w: invalid transaction resource: %v", ErrMalformedEvent, err)
	}
	if txn.TradeState != "" && txn.TradeState != "SUCCESS" {
		return &Notice{DeliveryID: notification.ID, EventType: notification.EventType, Classification: ClassificationIgnored}, nil
	}

	event, err := a.transactionToEvent(ctx, &txn, "")
	if err != nil {
		return nil, err
	}
	event.EventID = notification.ID
	return &Notice{DeliveryID: notification.ID, EventType: notification.EventType, Classification: ClassificationPayment, Event: event}, nil
}

// ConfirmOrder queries the transaction by merchant order number through the
// v3 API, signing the request with the merchant private key.
func (a *WeChatAdapter) ConfirmOrder(ctx context.Context, orderID, userID string) (*Notice, error) {
	if a.merchantKey == nil || a.MchID == "" || a.SerialNo == "" {
		return nil, fmt.Errorf("%w: wechat merchant credentials are not configured", ErrProviderUnavailable)
	}

	path := "/v3/pay/transactions/out-trade-no/" + orderID + "?mchid=" + a.MchID
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.APIBaseURL+path, nil)
	if err != nil {
		return nil, err
	}

	timestamp := strconv.FormatInt(a.now().Unix(), 10)
	nonce := strings.ReplaceAll(uuid.NewString(), "-", "")
	message := "GET\n" + path + "\n" + timestamp + "\n" + nonce + "\n\n"
	digest := sha256.Sum256([]byte(message))
	signature, err := rsa.SignPKCS1v15(rand.Reader, a.merchantKey, crypto.SHA256, digest[:])
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", fmt.Sprintf(
		`WECHATPAY2-SHA256-RSA2048 mchid="%s",nonce_str="%s",timestamp="%s",serial_no="%s",signature="%s"`,
		a.MchID, nonce, timestamp, a.SerialNo, base64.StdEncoding.EncodeToString(signature),
	))
	req.Header.Set("Accept", "application/json")

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
		return nil, fmt.Errorf("%w: wechat returned %d", ErrProviderUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("wechat transaction lookup failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var txn wechatTransaction
	if err := json.Unmarshal(body, &txn); err != nil {
		return nil, fmt.Errorf("%w: invalid transaction response: %v", ErrMalformedEvent, err)
	}
	if txn.TradeState != "SUCCESS" {
		return &Notice{EventType: "TRANSACTION." + txn.TradeState, Classification: ClassificationIgnored}, nil
	}

	event, err := a.transactionToEvent(ctx, &txn, userID)
	if err != nil {
		return nil, err
	}
	return &Notice{EventType: "TRANSACTION.SUCCESS", Classification: ClassificationPayment, Event: event}, nil
}

func (a *WeChatAdapter) transactionToEvent(ctx context.Context, txn *wechatTransaction, fallbackUserID string) (*PaymentEvent, error) {
	userID := userIDFromPassthrough(txn.Attach)
	if userID == "" {
		userID = fallbackUserID
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: wechat transaction %s carries no user identity", ErrMalformedEvent, txn.TransactionID)
	}

	aliases := []string{txn.TransactionID, txn.OutTradeNo}
	amount := float64(txn.Amount.Total) / 100
	currency := strings.ToUpper(txn.Amount.Currency)
	if currency == "" {
		currency = "CNY"
	}

	return &PaymentEvent{
		Provider:        models.PaymentMethodWeChat,
		TransactionIDs:  aliases,
		UserID:          userID,
		Amount:          amount,
		Currency:        currency,
		EntitlementDays: a.days.resolve(ctx, aliases, currency, amount),
		Classification:  ClassificationPayment,
	}, nil
}
