package models

import "time"

// DailyMetric holds reconciliation counts per (date, platform), recomputed
// by the metrics aggregator. Recomputation replaces the row rather than
// accumulating, so reruns for the same day are idempotent.
type DailyMetric struct {
	ID                  uint      `gorm:"primaryKey" json:"id"`
	MetricDate          string    `gorm:"type:varchar(10);not null;index:ux_daily_metrics_date_platform,unique,priority:1" json:"metric_date"`
	Platform            string    `gorm:"type:varchar(20);not null;index:ux_daily_metrics_date_platform,unique,priority:2" json:"platform"`
	ActiveCount         int64     `gorm:"not null;default:0" json:"active_count"`
	NewCount            int64     `gorm:"not null;default:0" json:"new_count"`
	ChurnedCount        int64     `gorm:"not null;default:0" json:"churned_count"`
	ReactivatedCount    int64     `gorm:"not null;default:0" json:"reactivated_count"`
	InGraceCount        int64     `gorm:"not null;default:0" json:"in_grace_count"`
	GraceRecoveredCount int64     `gorm:"not null;default:0" json:"grace_recovered_count"`
	TotalEventCount     int64     `gorm:"not null;default:0" json:"total_event_count"`
	FailedEventCount    int64     `gorm:"not null;default:0" json:"failed_event_count"`
	CreatedAt           time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// MetricDateFormat is the canonical layout for DailyMetric.MetricDate.
const MetricDateFormat = "2006-01-02"
