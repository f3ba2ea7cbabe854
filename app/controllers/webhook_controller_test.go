package controllers

import (
	"bytes"
	"io"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codexlong/ChatForge/app/models"
	"github.com/codexlong/ChatForge/internal/pkg/cache"
	"github.com/codexlong/ChatForge/internal/pkg/payment"
)

func TestMain(m *testing.M) {
	// Counter increments are best-effort; point them at a dead address with a
	// short timeout so handler tests fail fast instead of waiting on dials.
	cache.SetClient(redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 10 * time.Millisecond,
		ReadTimeout: 10 * time.Millisecond,
		MaxRetries:  -1,
	}))
	os.Exit(m.Run())
}

func webhookTestApp(adapter payment.Adapter, store *memStore) *fiber.App {
	registry := payment.NewRegistry(adapter)
	reconciler := payment.NewReconciler(store)
	wc := NewWebhookController(registry, reconciler)

	app := fiber.New()
	app.Post("/webhook/stripe", wc.HandleStripeWebhook)
	app.Post("/webhook/alipay", wc.HandleAlipayWebhook)
	app.Post("/webhook/wechat", wc.HandleWeChatWebhook)
	return app
}

func paymentNotice(deliveryID string) *payment.Notice {
	return &payment.Notice{
		DeliveryID:     deliveryID,
		EventType:      "checkout.session.completed",
		Classification: payment.ClassificationPayment,
		Event: &payment.PaymentEvent{
			Provider:        models.PaymentMethodStripe,
			TransactionIDs:  []string{"pi_1"},
			UserID:          "user-1",
			Amount:          9.99,
			Currency:        "USD",
			EntitlementDays: 30,
			Classification:  payment.ClassificationPayment,
		},
	}
}

func TestWebhookSettlesAndAcks(t *testing.T) {
	store := newMemStore()
	adapter := &stubAdapter{name: models.PaymentMethodStripe, notice: paymentNotice("dlv_1")}
	app := webhookTestApp(adapter, store)

	req := httptest.NewRequest("POST", "/webhook/stripe", bytes.NewReader([]byte(`{}`)))
	resp, err := app.Test(req, 5000)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	assert.Len(t, store.subscriptions, 1)
	_, err = store.GetProfile(nil, "user-1")
	assert.NoError(t, err)
}

func TestWebhookInvalidSignatureLeavesNoTrace(t *testing.T) {
	store := newMemStore()
	adapter := &stubAdapter{name: models.PaymentMethodStripe, verifyErr: payment.ErrAuthenticationFailed}
	app := webhookTestApp(adapter, store)

	req := httptest.NewRequest("POST", "/webhook/stripe", bytes.NewReader([]byte(`{}`)))
	resp, err := app.Test(req, 5000)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	assert.Empty(t, store.webhooks, "unauthenticated delivery must not be recorded")
	assert.Empty(t, store.payments)
}

func TestWebhookDuplicateDelivery(t *testing.T) {
	store := newMemStore()
	adapter := &stubAdapter{name: models.PaymentMethodStripe, notice: paymentNotice("dlv_1")}
	app := webhookTestApp(adapter, store)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("POST", "/webhook/stripe", bytes.NewReader([]byte(`{}`)))
		resp, err := app.Test(req, 5000)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	}

	assert.Len(t, store.subscriptions, 1, "duplicate delivery must not settle twice")
}

func TestWebhookAlipayAckFormat(t *testing.T) {
	store := newMemStore()
	notice := paymentNotice("ntf_1")
	notice.Event.Provider = models.PaymentMethodAlipay
	adapter := &stubAdapter{name: models.PaymentMethodAlipay, notice: notice}
	app := webhookTestApp(adapter, store)

	req := httptest.NewRequest("POST", "/webhook/alipay", bytes.NewReader([]byte(``)))
	resp, err := app.Test(req, 5000)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "success", string(body))
}

func TestWebhookAlipayFailureAck(t *testing.T) {
	store := newMemStore()
	bad := &payment.Notice{
		DeliveryID:     "ntf_2",
		EventType:      "TRADE_SUCCESS",
		Classification: payment.ClassificationPayment,
		Event: &payment.PaymentEvent{
			Provider:       models.PaymentMethodAlipay,
			TransactionIDs: []string{"t_1"},
			UserID:         "user-1",
			Amount:         0, // unrecoverable without a pending order
			Classification: payment.ClassificationPayment,
		},
	}
	adapter := &stubAdapter{name: models.PaymentMethodAlipay, notice: bad}
	app := webhookTestApp(adapter, store)

	req := httptest.NewRequest("POST", "/webhook/alipay", bytes.NewReader([]byte(``)))
	resp, err := app.Test(req, 5000)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "failure", string(body))
}

func TestWebhookWeChatAckFormat(t *testing.T) {
	store := newMemStore()
	notice := paymentNotice("ntf_3")
	notice.Event.Provider = models.PaymentMethodWeChat
	adapter := &stubAdapter{name: models.PaymentMethodWeChat, notice: notice}
	app := webhookTestApp(adapter, store)

	req := httptest.NewRequest("POST", "/webhook/wechat", bytes.NewReader([]byte(`{}`)))
	resp, err := app.Test(req, 5000)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"code":"SUCCESS"}`, string(body))
}

func TestWebhookUnknownProvider(t *testing.T) {
	store := newMemStore()
	// Registry only knows alipay; the stripe route must 404.
	adapter := &stubAdapter{name: models.PaymentMethodAlipay, notice: paymentNotice("x")}
	app := webhookTestApp(adapter, store)

	req := httptest.NewRequest("POST", "/webhook/stripe", bytes.NewReader([]byte(`{}`)))
	resp, err := app.Test(req, 5000)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}
