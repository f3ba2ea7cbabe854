package controllers

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/codexlong/ChatForge/app/models"
	"github.com/codexlong/ChatForge/internal/pkg/metrics/counter"
	"github.com/codexlong/ChatForge/internal/pkg/payment"
	"github.com/codexlong/ChatForge/internal/pkg/payment/storage"
	"github.com/codexlong/ChatForge/internal/pkg/pricing"
	"github.com/codexlong/ChatForge/internal/pkg/usercontext"
)

var validate = validator.New()

// PaymentController serves the user-facing payment endpoints: order
// creation, browser-return confirmation, and membership status.
type PaymentController struct {
	registry   *payment.Registry
	reconciler *payment.Reconciler
	pricing    *pricing.Config
}

func NewPaymentController(registry *payment.Registry, reconciler *payment.Reconciler, cfg *pricing.Config) *PaymentController {
	return &PaymentController{registry: registry, reconciler: reconciler, pricing: cfg}
}

type createPaymentRequest struct {
	Provider string `json:"provider" validate:"required,oneof=stripe paypal alipay wechat"`
	Cycle    string `json:"cycle" validate:"omitempty,oneof=monthly yearly"`
}

// HandleCreatePayment records a pending order before the user is sent to the
// provider. The pending row is what later lets the settlement engine recover
// the intended entitlement from the order metadata.
func (pc *PaymentController) HandleCreatePayment(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
	}

	var req createPaymentRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request"})
	}
	if err := validate.Struct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request", "message": err.Error()})
	}

	cycle := pricing.NormalizeCycle(req.Cycle)
	amount, currency := pc.pricing.AmountFor(req.Provider, cycle)
	days := pricing.DaysForCycle(cycle)

	orderNo := "CF" + strings.ReplaceAll(uuid.NewString(), "-", "")
	now := time.Now()
	pay := &models.Payment{
		ID:            uuid.NewString(),
		UserID:        userCtx.UserID,
		Amount:        amount,
		Currency:      currency,
		Status:        models.PaymentStatusPending,
		PaymentMethod: req.Provider,
		TransactionID: orderNo,
		Metadata:      &models.PaymentMetadata{Days: days, Cycle: cycle},
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := pc.reconciler.Store().CreatePayment(ctx, pay); err != nil {
		log.Printf("[Payment] failed to create pending order for user %s: %v", userCtx.UserID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "order_create_failed"})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"order_no": orderNo,
		"amount":   amount,
		"currency": currency,
		"cycle":    cycle,
		"days":     days,
	})
}

// HandleConfirmPayment is the browser-return channel. Exactly one of
// session_id (Stripe), token (PayPal), or out_trade_no (Alipay/WeChat, with
// provider to disambiguate) must be present. The confirmation runs through
// the same settlement path as webhooks, so a racing webhook collapses into
// an idempotent already-settled response.
func (pc *PaymentController) HandleConfirmPayment(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
	}

	provider, orderID, err := confirmTarget(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request", "message": err.Error()})
	}

	adapter, err := pc.registry.Get(provider)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown_provider"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	notice, err := adapter.ConfirmOrder(ctx, orderID, userCtx.UserID)
	if err != nil {
		if errors.Is(err, payment.ErrProviderUnavailable) {
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "provider_unavailable"})
		}
		if errors.Is(err, payment.ErrMalformedEvent) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_order"})
		}
		log.Printf("[Payment] %s confirmation failed for order %s: %v", provider, orderID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "confirmation_failed"})
	}

	if notice.Classification != payment.ClassificationPayment || notice.Event == nil {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"settled": false, "state": notice.EventType})
	}
	if notice.Event.UserID != userCtx.UserID {
		// The order belongs to someone else; never settle it onto the caller.
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "order_user_mismatch"})
	}

	result, err := pc.reconciler.Settle(ctx, notice.Event)
	if err != nil {
		log.Printf("[Payment] %s settlement failed for order %s: %v", provider, orderID, err)
		_ = counter.AddFailure(provider)
		if errors.Is(err, payment.ErrCacheSync) {
			// The ledger settled; a retried confirmation takes the
			// already-settled path and repairs only the snapshot.
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_sync_failed", "retryable": true})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "settlement_failed"})
	}
	if !result.AlreadySettled {
		_ = counter.AddSettled(provider)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"settled":         true,
		"already_settled": result.AlreadySettled,
		"transaction_id":  result.TransactionID,
		"amount":          result.Amount,
		"currency":        result.Currency,
		"days_added":      result.DaysAdded,
		"period_end":      result.PeriodEnd,
	})
}

func confirmTarget(c *fiber.Ctx) (provider, orderID string, err error) {
	sessionID := strings.TrimSpace(c.Query("session_id"))
	token := strings.TrimSpace(c.Query("token"))
	outTradeNo := strings.TrimSpace(c.Query("out_trade_no"))

	set := 0
	for _, v := range []string{sessionID, token, outTradeNo} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return "", "", errors.New("exactly one of session_id, token, out_trade_no is required")
	}

	switch {
	case sessionID != "":
		return models.PaymentMethodStripe, sessionID, nil
	case token != "":
		return models.PaymentMethodPayPal, token, nil
	default:
		p := strings.TrimSpace(c.Query("provider", models.PaymentMethodAlipay))
		if p != models.PaymentMethodAlipay && p != models.PaymentMethodWeChat {
			return "", "", errors.New("out_trade_no requires provider alipay or wechat")
		}
		return p, outTradeNo, nil
	}
}

// HandlePaymentStatus reports the caller's membership snapshot from the
// derived cache.
func (pc *PaymentController) HandlePaymentStatus(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	snapshot, err := pc.reconciler.Store().GetProfile(ctx, userCtx.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return c.Status(fiber.StatusOK).JSON(fiber.Map{"pro": false})
		}
		log.Printf("[Payment] status lookup failed for user %s: %v", userCtx.UserID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "status_lookup_failed"})
	}

	resp := fiber.Map{"pro": snapshot.HasActiveMembership(time.Now())}
	if snapshot.MembershipExpiresAt != nil {
		resp["membership_expires_at"] = snapshot.MembershipExpiresAt
	}
	return c.Status(fiber.StatusOK).JSON(resp)
}

// HandleMetrics reports settlement counters, intended for internal
// dashboards.
func HandleMetrics(c *fiber.Ctx) error {
	snapshot, err := counter.Snapshot()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "counters_unavailable"})
	}
	return c.Status(fiber.StatusOK).JSON(snapshot)
}
