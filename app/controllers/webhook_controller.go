package controllers

import (
	"context"
	"errors"
	"log"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/codexlong/ChatForge/app/models"
	"github.com/codexlong/ChatForge/internal/pkg/metrics/counter"
	"github.com/codexlong/ChatForge/internal/pkg/payment"
)

const webhookTimeout = 15 * time.Second

// WebhookController receives provider notifications and drives them through
// the settlement pipeline. One handler per provider because each provider
// expects its own acknowledgement format.
type WebhookController struct {
	registry   *payment.Registry
	reconciler *payment.Reconciler
}

func NewWebhookController(registry *payment.Registry, reconciler *payment.Reconciler) *WebhookController {
	return &WebhookController{registry: registry, reconciler: reconciler}
}

// rawNoticeFromCtx snapshots the request into an immutable notice. Fiber
// reuses request buffers after the handler returns, so body and headers are
// copied out.
func rawNoticeFromCtx(c *fiber.Ctx) payment.RawNotice {
	n := payment.RawNotice{
		Body:    append([]byte(nil), c.BodyRaw()...),
		Headers: map[string]string{},
		Form:    url.Values{},
	}
	c.Request().Header.VisitAll(func(key, value []byte) {
		n.Headers[string(key)] = string(value)
	})
	c.Request().PostArgs().VisitAll(func(key, value []byte) {
		n.Form.Add(string(key), string(value))
	})
	return n
}

type ackWriter struct {
	ok        func(c *fiber.Ctx) error
	retryable func(c *fiber.Ctx, reason string) error
	malformed func(c *fiber.Ctx, reason string) error
}

var jsonAck = ackWriter{
	ok: func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"received": true})
	},
	retryable: func(c *fiber.Ctx, reason string) error {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": reason})
	},
	malformed: func(c *fiber.Ctx, reason string) error {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": reason})
	},
}

// Alipay acknowledges with a literal body: "success" stops redelivery,
// anything else schedules a retry.
var alipayAck = ackWriter{
	ok: func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).SendString("success")
	},
	retryable: func(c *fiber.Ctx, _ string) error {
		return c.Status(fiber.StatusOK).SendString("failure")
	},
	malformed: func(c *fiber.Ctx, _ string) error {
		return c.Status(fiber.StatusOK).SendString("failure")
	},
}

// WeChat Pay v3 expects a JSON code: "SUCCESS" stops redelivery, "FAIL"
// with a non-2xx status schedules a retry.
var wechatAck = ackWriter{
	ok: func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"code": "SUCCESS"})
	},
	retryable: func(c *fiber.Ctx, reason string) error {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"code": "FAIL", "message": reason})
	},
	malformed: func(c *fiber.Ctx, reason string) error {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"code": "FAIL", "message": reason})
	},
}

func (wc *WebhookController) HandleStripeWebhook(c *fiber.Ctx) error {
	return wc.handle(c, models.PaymentMethodStripe, jsonAck)
}

func (wc *WebhookController) HandlePayPalWebhook(c *fiber.Ctx) error {
	return wc.handle(c, models.PaymentMethodPayPal, jsonAck)
}

func (wc *WebhookController) HandleAlipayWebhook(c *fiber.Ctx) error {
	return wc.handle(c, models.PaymentMethodAlipay, alipayAck)
}

func (wc *WebhookController) HandleWeChatWebhook(c *fiber.Ctx) error {
	return wc.handle(c, models.PaymentMethodWeChat, wechatAck)
}

func (wc *WebhookController) handle(c *fiber.Ctx, provider string, ack ackWriter) error {
	adapter, err := wc.registry.Get(provider)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown_provider"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
	defer cancel()

	raw := rawNoticeFromCtx(c)

	// An unauthenticated delivery leaves no trace in the dedup log. Anyone
	// can POST here, so a failed verification must not consume an event id.
	if err := adapter.VerifyNotice(ctx, raw); err != nil {
		if errors.Is(err, payment.ErrProviderUnavailable) {
			log.Printf("[Webhook] %s verification unavailable: %v", provider, err)
			return ack.retryable(c, "verification_unavailable")
		}
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid_signature"})
	}

	notice, err := adapter.ParseNotice(ctx, raw)
	if err != nil {
		log.Printf("[Webhook] %s malformed delivery: %v", provider, err)
		_ = counter.AddFailure(provider)
		return ack.malformed(c, "invalid_payload")
	}

	outcome, err := wc.reconciler.ProcessDelivery(ctx, provider, notice, raw.Body)
	if err != nil {
		if errors.Is(err, payment.ErrMalformedEvent) {
			_ = counter.AddFailure(provider)
			return ack.malformed(c, "invalid_payload")
		}
		log.Printf("[Webhook] %s delivery failed: %v", provider, err)
		_ = counter.AddFailure(provider)
		return ack.retryable(c, "settlement_failed")
	}

	if outcome.Duplicate {
		_ = counter.AddDuplicate(provider)
	} else if notice.Classification == payment.ClassificationPayment {
		_ = counter.AddSettled(provider)
	}
	return ack.ok(c)
}
