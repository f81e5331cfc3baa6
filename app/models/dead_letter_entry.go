package models

import "time"

// DeadLetterEntry is a retry work item wrapping a SubscriptionEvent that
// failed to apply. The retry scheduler claims due entries exclusively via
// ClaimToken, reschedules them with exponential backoff, and marks them
// expired once the attempt budget is exhausted. Expired entries are never
// mutated again and require manual triage.
type DeadLetterEntry struct {
	ID                  uint       `gorm:"primaryKey" json:"id"`
	SubscriptionEventID uint       `gorm:"not null;uniqueIndex:ux_dead_letter_entries_event" json:"subscription_event_id"`
	AttemptCount        int        `gorm:"not null;default:0" json:"attempt_count"`
	NextAttemptAt       time.Time  `gorm:"not null;index:idx_dead_letter_entries_due,priority:2" json:"next_attempt_at"`
	LastError           string     `gorm:"type:text" json:"last_error"`
	Expired             bool       `gorm:"default:false;index:idx_dead_letter_entries_due,priority:1" json:"expired"`
	ClaimToken          string     `gorm:"type:varchar(36);not null;default:''" json:"-"`
	ClaimedAt           *time.Time `gorm:"type:timestamp;default:null" json:"-"`
	CreatedAt           time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt           time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
