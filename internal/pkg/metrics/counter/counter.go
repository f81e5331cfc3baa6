package counter

import (
	"context"
	"fmt"

	"github.com/mealbridge/MealBridge/internal/pkg/cache"
)

const eventCountersKey = "subscription:counters:events"

// Outcome labels tracked per platform.
const (
	OutcomeReceived  = "received"
	OutcomeDuplicate = "duplicate"
	OutcomeApplied   = "applied"
	OutcomeParked    = "parked"
)

// AddEvent increments the pending counter for one webhook outcome. Counters
// are best-effort operational telemetry; callers ignore the error on the
// webhook path.
func AddEvent(platform, outcome string) error {
	ctx := context.Background()
	field := fmt.Sprintf("%s:%s", platform, outcome)
	return cache.GetClient().HIncrBy(ctx, eventCountersKey, field, 1).Err()
}

// GetAll returns the raw counter map (field "platform:outcome" -> count).
func GetAll() (map[string]string, error) {
	ctx := context.Background()
	return cache.GetClient().HGetAll(ctx, eventCountersKey).Result()
}

// Reset clears the counters (admin use).
func Reset() error {
	ctx := context.Background()
	return cache.GetClient().Del(ctx, eventCountersKey).Err()
}
