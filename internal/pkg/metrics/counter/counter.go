package counter

import (
	"context"
	"strconv"

	"github.com/codexlong/ChatForge/internal/pkg/cache"
)

const (
	settledKey    = "payment:counters:settled"
	duplicatesKey = "payment:counters:duplicates"
	failuresKey   = "payment:counters:failures"
)

// AddSettled increments the settled-payment counter for a provider in Redis
func AddSettled(provider string) error {
	ctx := context.Background()
	return cache.GetClient().HIncrBy(ctx, settledKey, provider, 1).Err()
}

// AddDuplicate increments the duplicate-delivery counter for a provider in Redis
func AddDuplicate(provider string) error {
	ctx := context.Background()
	return cache.GetClient().HIncrBy(ctx, duplicatesKey, provider, 1).Err()
}

// AddFailure increments the failed-delivery counter for a provider in Redis
func AddFailure(provider string) error {
	ctx := context.Background()
	return cache.GetClient().HIncrBy(ctx, failuresKey, provider, 1).Err()
}

// Snapshot reports all per-provider counters, keyed by counter name
func Snapshot() (map[string]map[string]int64, error) {
	ctx := context.Background()
	rdb := cache.GetClient()

	out := make(map[string]map[string]int64, 3)
	for name, key := range map[string]string{
		"settled":    settledKey,
		"duplicates": duplicatesKey,
		"failures":   failuresKey,
	} {
		data, err := rdb.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, err
		}
		counts := make(map[string]int64, len(data))
		for provider, raw := range data {
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				continue
			}
			counts[provider] = n
		}
		out[name] = counts
	}
	return out, nil
}
