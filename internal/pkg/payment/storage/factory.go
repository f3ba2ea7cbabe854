package storage

import (
	"strings"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/codexlong/ChatForge/internal/pkg/env"
)

const (
	BackendMySQL = "mysql"
	BackendRedis = "redis"
)

// BackendFromEnv resolves the configured store backend. STORE_BACKEND wins
// when set; otherwise the deployment region decides (the CN region runs on
// the document store, everything else on SQL).
func BackendFromEnv() string {
	if b := strings.ToLower(strings.TrimSpace(env.GetEnv("STORE_BACKEND", ""))); b != "" {
		if b == BackendRedis {
			return BackendRedis
		}
		return BackendMySQL
	}
	if strings.EqualFold(strings.TrimSpace(env.GetEnv("DEPLOY_REGION", "")), "cn") {
		return BackendRedis
	}
	return BackendMySQL
}

// New selects the concrete store once at startup. Business logic never
// branches on the backend again.
func New(backend string, db *gorm.DB, rdb *redis.Client) Store {
	if backend == BackendRedis {
		return NewRedisStore(rdb)
	}
	return NewGormStore(db)
}
