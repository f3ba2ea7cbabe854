package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/codexlong/ChatForge/app/controllers"
	"github.com/codexlong/ChatForge/internal/pkg/limiter"
	"github.com/codexlong/ChatForge/internal/pkg/middleware"
)

type ApiRouter struct {
	deps Deps
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.ForAPI())
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	pc := controllers.NewPaymentController(h.deps.Registry, h.deps.Reconciler, h.deps.Pricing)

	pay := api.Group("/payment", middleware.RequireUserMiddleware())
	pay.Post("/create", pc.HandleCreatePayment)
	pay.Get("/confirm", pc.HandleConfirmPayment)
	pay.Get("/status", pc.HandlePaymentStatus)

	api.Get("/metrics", controllers.HandleMetrics)
}

func NewApiRouter(deps Deps) *ApiRouter {
	return &ApiRouter{deps: deps}
}
