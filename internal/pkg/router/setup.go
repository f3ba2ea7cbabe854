package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/codexlong/ChatForge/internal/pkg/payment"
	"github.com/codexlong/ChatForge/internal/pkg/pricing"
)

type Router interface {
	InstallRouter(app *fiber.App)
}

// Deps carries the wired application services into route registration.
type Deps struct {
	Registry   *payment.Registry
	Reconciler *payment.Reconciler
	Pricing    *pricing.Config
}

func InstallRouter(app *fiber.App, deps Deps) {
	setup(app, NewWebhookRouter(deps), NewApiRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
