package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
)

// SubscriptionSummary is the display shape returned to the rest of the
// application.
type SubscriptionSummary struct {
	UserID           uint       `json:"user_id"`
	Platform         string     `json:"platform"`
	ProductID        string     `json:"product_id"`
	Status           string     `json:"status"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	AutoRenewEnabled bool       `json:"auto_renew_enabled"`
	Environment      string     `json:"environment"`
}

func premiumCacheKey(userID uint) string {
	return fmt.Sprintf("subscription:premium:%d", userID)
}

// IsPremium reports whether the user currently holds an entitling
// subscription (active or in grace, not past expiration). It always reflects
// the last successfully applied state. The Redis cache fronts the DB read on
// the request hot path; a cache failure falls through to the point read.
func (s *Service) IsPremium(ctx context.Context, userID uint) (bool, error) {
	if s.cache != nil {
		if val, err := s.cache.Get(ctx, premiumCacheKey(userID)).Result(); err == nil {
			return val == "1", nil
		}
	}

	premium, err := s.repo.HasEntitlement(ctx, userID, time.Now())
	if err != nil {
		return false, fmt.Errorf("entitlement lookup: %w", err)
	}

	if s.cache != nil {
		val := "0"
		if premium {
			val = "1"
		}
		if err := s.cache.Set(ctx, premiumCacheKey(userID), val, s.cfg.EntitlementCacheTTL).Err(); err != nil {
			log.Debugf("[Subscription] Premium cache write for user %d failed: %v", userID, err)
		}
	}
	return premium, nil
}

// GetSubscription returns the user's subscription summary, preferring an
// entitling row over retired ones. ErrNoSubscription is the explicit "none"
// sentinel.
func (s *Service) GetSubscription(ctx context.Context, userID uint) (*SubscriptionSummary, error) {
	sub, err := s.repo.GetUserSubscription(ctx, userID, time.Now())
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoSubscription
	}
	if err != nil {
		return nil, fmt.Errorf("subscription lookup: %w", err)
	}

	summary := &SubscriptionSummary{
		Platform:         sub.Platform,
		ProductID:        sub.ProductID,
		Status:           sub.Status,
		ExpiresAt:        sub.ExpiresAt,
		AutoRenewEnabled: sub.AutoRenewEnabled,
		Environment:      sub.Environment,
	}
	if sub.UserID != nil {
		summary.UserID = *sub.UserID
	}
	return summary, nil
}

// invalidatePremiumCache drops the cached entitlement answer after a state
// change so IsPremium reflects it immediately (e.g. a refund must gate
// premium features on the next request).
func (s *Service) invalidatePremiumCache(userID uint) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(context.Background(), premiumCacheKey(userID)).Err(); err != nil {
		log.Debugf("[Subscription] Premium cache invalidation for user %d failed: %v", userID, err)
	}
}
