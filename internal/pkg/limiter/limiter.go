package limiter

import (
	"net"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/storage/redis"

	"github.com/codexlong/ChatForge/internal/pkg/cache"
	"github.com/codexlong/ChatForge/internal/pkg/env"
)

// NewStorage builds a Redis-backed limiter storage from the existing cache
// setup so counters survive restarts and are shared across instances.
// Database 1 keeps limiter keys out of the cache keyspace.
func NewStorage() *redis.Storage {
	cacheClient := cache.GetClient()
	host := "localhost"
	port := 6379
	password := env.GetEnv("CACHE_PASSWORD", "")
	if cacheClient != nil {
		addr := cacheClient.Options().Addr
		if h, p, err := net.SplitHostPort(addr); err == nil {
			host = h
			if v, err := strconv.Atoi(p); err == nil {
				port = v
			}
		}
		if p := cacheClient.Options().Password; p != "" {
			password = p
		}
	}

	return redis.New(redis.Config{
		Host:     host,
		Port:     port,
		Password: password,
		Database: 1,
		Reset:    false,
	})
}

// ForWebhooks rate-limits notification endpoints per source address. The
// limit is generous: providers retry aggressively and a throttled delivery
// comes back anyway.
func ForWebhooks() fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        env.GetEnvInt("WEBHOOK_RATE_LIMIT", 300),
		Expiration: time.Minute,
		Storage:    NewStorage(),
	})
}

// ForAPI rate-limits user-facing payment endpoints per source address.
func ForAPI() fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        env.GetEnvInt("API_RATE_LIMIT", 60),
		Expiration: time.Minute,
		Storage:    NewStorage(),
	})
}
