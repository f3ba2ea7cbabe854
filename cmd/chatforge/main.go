package main

import (
	"fmt"
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/codexlong/ChatForge/internal/pkg/cache"
	"github.com/codexlong/ChatForge/internal/pkg/database"
	"github.com/codexlong/ChatForge/internal/pkg/env"
	"github.com/codexlong/ChatForge/internal/pkg/payment"
	"github.com/codexlong/ChatForge/internal/pkg/payment/storage"
	"github.com/codexlong/ChatForge/internal/pkg/pricing"
	"github.com/codexlong/ChatForge/internal/pkg/router"
)

func main() {
	app := NewApplication()
	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	log.Fatal(err)
}

func NewApplication() *fiber.App {
	env.SetupEnvFile()
	cache.SetupCache()

	backend := storage.BackendFromEnv()
	if backend == storage.BackendMySQL {
		database.SetupDatabase()
	}
	store := storage.New(backend, database.GetDB(), cache.GetClient())
	log.Printf("[App] payment store backend: %s", backend)

	reconciler := payment.NewReconciler(store)
	meta := payment.StoreMetadataSource{Store: store}
	priceCfg := pricing.NewConfigFromEnv()

	alipay, err := payment.NewAlipayAdapterFromEnv(meta, priceCfg)
	if err != nil {
		log.Fatalf("[App] alipay adapter: %v", err)
	}
	wechat, err := payment.NewWeChatAdapterFromEnv(meta, priceCfg)
	if err != nil {
		log.Fatalf("[App] wechat adapter: %v", err)
	}
	registry := payment.NewRegistry(
		payment.NewStripeAdapterFromEnv(meta, priceCfg),
		payment.NewPayPalAdapterFromEnv(meta, priceCfg),
		alipay,
		wechat,
	)

	// init fiber app
	app := fiber.New(fiber.Config{
		BodyLimit: 1 << 20,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
	})

	// ROUTER
	router.InstallRouter(app, router.Deps{
		Registry:   registry,
		Reconciler: reconciler,
		Pricing:    priceCfg,
	})

	return app
}
