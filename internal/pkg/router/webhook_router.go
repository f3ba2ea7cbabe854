package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/codexlong/ChatForge/app/controllers"
	"github.com/codexlong/ChatForge/internal/pkg/limiter"
)

type WebhookRouter struct {
	deps Deps
}

func (h WebhookRouter) InstallRouter(app *fiber.App) {
	wc := controllers.NewWebhookController(h.deps.Registry, h.deps.Reconciler)

	hooks := app.Group("/webhook", limiter.ForWebhooks())
	hooks.Post("/stripe", wc.HandleStripeWebhook)
	hooks.Post("/paypal", wc.HandlePayPalWebhook)
	hooks.Post("/alipay", wc.HandleAlipayWebhook)
	hooks.Post("/wechat", wc.HandleWeChatWebhook)
}

func NewWebhookRouter(deps Deps) *WebhookRouter {
	return &WebhookRouter{deps: deps}
}
