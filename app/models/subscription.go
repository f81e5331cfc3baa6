package models

import "time"

// Billing platform constants used across subscription-related models.
const (
	PlatformApple  = "apple"
	PlatformGoogle = "google"
	PlatformStripe = "stripe"
)

const (
	SubscriptionStatusUnknown        = "unknown"
	SubscriptionStatusActive         = "active"
	SubscriptionStatusExpired        = "expired"
	SubscriptionStatusInGracePeriod  = "in_grace_period"
	SubscriptionStatusInBillingRetry = "in_billing_retry"
	SubscriptionStatusRevoked        = "revoked"
)

const (
	EnvironmentProduction = "production"
	EnvironmentSandbox    = "sandbox"
)

// Subscription is the canonical entitlement record, one row per
// (platform, original_transaction_id). Rows are created with status
// "unknown" on the first event observed for a transaction and mutated only
// through the validated transition path; they are never hard-deleted.
type Subscription struct {
	ID                    uint       `gorm:"primaryKey" json:"id"`
	UserID                *uint      `gorm:"default:null;index:idx_subscriptions_user_status,priority:1" json:"user_id,omitempty"`
	Platform              string     `gorm:"type:varchar(20);not null;index:ux_subscriptions_platform_txid,unique,priority:1" json:"platform"`
	OriginalTransactionID string     `gorm:"type:varchar(191);not null;index:ux_subscriptions_platform_txid,unique,priority:2" json:"original_transaction_id"`
	ProductID             string     `gorm:"type:varchar(191);not null;default:''" json:"product_id"`
	BundleID              string     `gorm:"type:varchar(191);not null;default:''" json:"bundle_id"`
	Status                string     `gorm:"type:varchar(32);not null;default:'unknown';index:idx_subscriptions_user_status,priority:2" json:"status"`
	PurchasedAt           *time.Time `gorm:"type:timestamp;default:null" json:"purchased_at,omitempty"`
	OriginalPurchasedAt   *time.Time `gorm:"type:timestamp;default:null" json:"original_purchased_at,omitempty"`
	ExpiresAt             *time.Time `gorm:"type:timestamp;default:null;index" json:"expires_at,omitempty"`
	AutoRenewEnabled      bool       `gorm:"default:false" json:"auto_renew_enabled"`
	AutoRenewProductID    string     `gorm:"type:varchar(191);not null;default:''" json:"auto_renew_product_id"`
	Environment           string     `gorm:"type:varchar(16);not null;default:'production'" json:"environment"`
	AppAccountToken       string     `gorm:"type:varchar(64);not null;default:'';index" json:"app_account_token"`
	CreatedAt             time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsEntitling reports whether the row currently grants premium access.
func (s *Subscription) IsEntitling(now time.Time) bool {
	if s.Status != SubscriptionStatusActive && s.Status != SubscriptionStatusInGracePeriod {
		return false
	}
	if s.ExpiresAt != nil && !s.ExpiresAt.After(now) {
		return false
	}
	return true
}
