package models

import (
	"time"

	"gorm.io/datatypes"
)

// SubscriptionEvent is the append-only log of inbound billing notifications.
// NotificationID is the provider-supplied idempotency key; a second insert
// with the same id is a no-op that returns the original record. Rows are
// mutated at most once, to mark them processed or to attach an error.
type SubscriptionEvent struct {
	ID                    uint           `gorm:"primaryKey" json:"id"`
	NotificationID        string         `gorm:"type:varchar(191);not null;uniqueIndex:ux_subscription_events_notification_id" json:"notification_id"`
	Platform              string         `gorm:"type:varchar(20);not null;index" json:"platform"`
	NotificationType      string         `gorm:"type:varchar(100);not null;index" json:"notification_type"`
	Subtype               string         `gorm:"type:varchar(100);not null;default:''" json:"subtype"`
	SubscriptionID        *uint          `gorm:"default:null;index" json:"subscription_id,omitempty"`
	OriginalTransactionID string         `gorm:"type:varchar(191);not null;index" json:"original_transaction_id"`
	RawPayload            string         `gorm:"type:longtext" json:"raw_payload"`
	DecodedPayload        datatypes.JSON `gorm:"type:json" json:"decoded_payload"`
	Processed             bool           `gorm:"default:false;index" json:"processed"`
	ProcessingError       string         `gorm:"type:text" json:"processing_error"`
	SignedAt              *time.Time     `gorm:"type:timestamp;default:null" json:"signed_at,omitempty"`
	ReceivedAt            time.Time      `gorm:"autoCreateTime;index" json:"received_at"`
	UpdatedAt             time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}
