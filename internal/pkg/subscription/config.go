package subscription

import (
	"strconv"
	"time"

	"github.com/mealbridge/MealBridge/internal/pkg/env"
)

// Config carries the operational parameters of the lifecycle manager.
// Backoff shape, attempt budget and retention are tunables, not contracts.
type Config struct {
	BackoffBase         time.Duration
	BackoffCap          time.Duration
	MaxAttempts         int
	DrainInterval       time.Duration
	DrainBatchSize      int
	ClaimLease          time.Duration
	MetricsInterval     time.Duration
	PurgeInterval       time.Duration
	RetentionDays       int
	EntitlementCacheTTL time.Duration
}

// DefaultConfig returns the conventional defaults: doubling backoff from
// five minutes capped at 24h, eight attempts, 90 day retention.
func DefaultConfig() Config {
	return Config{
		BackoffBase:         5 * time.Minute,
		BackoffCap:          24 * time.Hour,
		MaxAttempts:         8,
		DrainInterval:       5 * time.Minute,
		DrainBatchSize:      100,
		ClaimLease:          10 * time.Minute,
		MetricsInterval:     24 * time.Hour,
		PurgeInterval:       7 * 24 * time.Hour,
		RetentionDays:       90,
		EntitlementCacheTTL: time.Minute,
	}
}

// LoadConfigFromEnv reads overrides from the environment on top of the
// defaults.
func LoadConfigFromEnv() Config {
	cfg := DefaultConfig()
	cfg.BackoffBase = envDuration("SUB_DLQ_BACKOFF_BASE", cfg.BackoffBase)
	cfg.BackoffCap = envDuration("SUB_DLQ_BACKOFF_CAP", cfg.BackoffCap)
	cfg.MaxAttempts = envInt("SUB_DLQ_MAX_ATTEMPTS", cfg.MaxAttempts)
	cfg.DrainInterval = envDuration("SUB_DLQ_DRAIN_INTERVAL", cfg.DrainInterval)
	cfg.DrainBatchSize = envInt("SUB_DLQ_DRAIN_BATCH", cfg.DrainBatchSize)
	cfg.ClaimLease = envDuration("SUB_DLQ_CLAIM_LEASE", cfg.ClaimLease)
	cfg.MetricsInterval = envDuration("SUB_METRICS_INTERVAL", cfg.MetricsInterval)
	cfg.PurgeInterval = envDuration("SUB_PURGE_INTERVAL", cfg.PurgeInterval)
	cfg.RetentionDays = envInt("SUB_EVENT_RETENTION_DAYS", cfg.RetentionDays)
	cfg.EntitlementCacheTTL = envDuration("SUB_PREMIUM_CACHE_TTL", cfg.EntitlementCacheTTL)
	return cfg
}

func envDuration(key string, def time.Duration) time.Duration {
	raw := env.GetEnv(key, "")
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func envInt(key string, def int) int {
	raw := env.GetEnv(key, "")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
