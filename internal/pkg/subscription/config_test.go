package subscription

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadConfigFromEnvOverrides(t *testing.T) {
	t.Setenv("SUB_DLQ_BACKOFF_BASE", "1m")
	t.Setenv("SUB_DLQ_MAX_ATTEMPTS", "3")
	t.Setenv("SUB_EVENT_RETENTION_DAYS", "30")

	cfg := LoadConfigFromEnv()
	assert.Equal(t, time.Minute, cfg.BackoffBase)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 30, cfg.RetentionDays)

	// Untouched knobs keep their defaults.
	assert.Equal(t, DefaultConfig().BackoffCap, cfg.BackoffCap)
	assert.Equal(t, DefaultConfig().DrainBatchSize, cfg.DrainBatchSize)
}

func TestLoadConfigFromEnvIgnoresGarbage(t *testing.T) {
	t.Setenv("SUB_DLQ_BACKOFF_BASE", "soon")
	t.Setenv("SUB_DLQ_MAX_ATTEMPTS", "many")

	cfg := LoadConfigFromEnv()
	assert.Equal(t, DefaultConfig().BackoffBase, cfg.BackoffBase)
	assert.Equal(t, DefaultConfig().MaxAttempts, cfg.MaxAttempts)
}
