package subscription

import (
	"context"
	"errors"
	"time"

	"github.com/mealbridge/MealBridge/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository provides DB operations used by the subscription service.
type Repository interface {
	WithTx(fn func(Repository) error) error

	CreateEventIfNotExists(event *models.SubscriptionEvent) (bool, *models.SubscriptionEvent, error)
	GetEventByID(id uint) (*models.SubscriptionEvent, error)
	MarkEventProcessed(id uint, subscriptionID *uint) error
	MarkEventError(id uint, processingError string) error

	EnsureSubscription(platform, originalTransactionID string) error
	LockSubscription(platform, originalTransactionID string) (*models.Subscription, error)
	SaveSubscription(sub *models.Subscription) error

	FindOwnerByToken(token string) (*uint, error)
	FindOwnerByTransaction(originalTransactionID string) (*uint, error)
	FindUserByAppAccountToken(token string) (*uint, error)

	ParkEvent(eventID uint, nextAttemptAt time.Time, lastError string) error
	ClaimDueEntries(now time.Time, lease time.Duration, claimToken string, limit int) ([]models.DeadLetterEntry, error)
	RescheduleEntry(id uint, attemptCount int, nextAttemptAt time.Time, lastError string) error
	ExpireEntry(id uint, attemptCount int, lastError string) error
	DeleteEntry(id uint) error
	QueueStats(ctx context.Context) (DLQStats, error)

	CountSubscriptionsByStatus(platform string, statuses ...string) (int64, error)
	ListEventsForDay(platform string, dayStart, dayEnd time.Time) ([]models.SubscriptionEvent, error)
	ReplaceDailyMetric(row *models.DailyMetric) error
	GetDailyMetrics(date string) ([]models.DailyMetric, error)

	HasEntitlement(ctx context.Context, userID uint, now time.Time) (bool, error)
	GetUserSubscription(ctx context.Context, userID uint, now time.Time) (*models.Subscription, error)

	ListPurgeableEvents(cutoff time.Time, limit int) ([]models.SubscriptionEvent, error)
	DeleteEventsByID(ids []uint) (int64, error)
	DeleteExpiredEntriesBefore(cutoff time.Time) (int64, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a subscription repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) WithTx(fn func(Repository) error) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		return fn(&gormRepository{db: tx})
	})
}

func (r *gormRepository) CreateEventIfNotExists(event *models.SubscriptionEvent) (bool, *models.SubscriptionEvent, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "notification_id"}},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.SubscriptionEvent
	if err := r.db.Where("notification_id = ?", event.NotificationID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) GetEventByID(id uint) (*models.SubscriptionEvent, error) {
	var event models.SubscriptionEvent
	if err := r.db.First(&event, id).Error; err != nil {
		return nil, err
	}
	return &event, nil
}

func (r *gormRepository) MarkEventProcessed(id uint, subscriptionID *uint) error {
	updates := map[string]interface{}{
		"processed":        true,
		"processing_error": "",
	}
	if subscriptionID != nil {
		updates["subscription_id"] = *subscriptionID
	}
	return r.db.Model(&models.SubscriptionEvent{}).Where("id = ?", id).Updates(updates).Error
}

func (r *gormRepository) MarkEventError(id uint, processingError string) error {
	return r.db.Model(&models.SubscriptionEvent{}).Where("id = ?", id).
		Update("processing_error", processingError).Error
}

// EnsureSubscription creates the entitlement row for a transaction on first
// sight with status "unknown". The insert is a no-op when the row exists.
func (r *gormRepository) EnsureSubscription(platform, originalTransactionID string) error {
	seed := models.Subscription{
		Platform:              platform,
		OriginalTransactionID: originalTransactionID,
		Status:                models.SubscriptionStatusUnknown,
		Environment:           models.EnvironmentProduction,
	}
	return r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "platform"},
			{Name: "original_transaction_id"},
		},
		DoNothing: true,
	}).Create(&seed).Error
}

// LockSubscription loads the row for update. The (platform, transaction id)
// row lock is the sole serialization point for writes to one transaction;
// SQLite (tests) serializes at the database level instead, so the locking
// clause is only attached for MySQL.
func (r *gormRepository) LockSubscription(platform, originalTransactionID string) (*models.Subscription, error) {
	q := r.db
	if r.db.Dialector.Name() == "mysql" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var sub models.Subscription
	if err := q.Where("platform = ? AND original_transaction_id = ?", platform, originalTransactionID).
		First(&sub).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) SaveSubscription(sub *models.Subscription) error {
	return r.db.Save(sub).Error
}

func (r *gormRepository) FindOwnerByToken(token string) (*uint, error) {
	var sub models.Subscription
	err := r.db.Where("app_account_token = ? AND user_id IS NOT NULL", token).
		Order("updated_at DESC").First(&sub).Error
	if err != nil {
		return nil, err
	}
	return sub.UserID, nil
}

func (r *gormRepository) FindOwnerByTransaction(originalTransactionID string) (*uint, error) {
	var sub models.Subscription
	err := r.db.Where("original_transaction_id = ? AND user_id IS NOT NULL", originalTransactionID).
		Order("updated_at DESC").First(&sub).Error
	if err != nil {
		return nil, err
	}
	return sub.UserID, nil
}

func (r *gormRepository) FindUserByAppAccountToken(token string) (*uint, error) {
	var user models.User
	err := r.db.Where("app_account_token = ?", token).First(&user).Error
	if err != nil {
		return nil, err
	}
	id := user.ID
	return &id, nil
}

func (r *gormRepository) ParkEvent(eventID uint, nextAttemptAt time.Time, lastError string) error {
	entry := models.DeadLetterEntry{
		SubscriptionEventID: eventID,
		AttemptCount:        0,
		NextAttemptAt:       nextAttemptAt,
		LastError:           lastError,
	}
	return r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "subscription_event_id"}},
		DoNothing: true,
	}).Create(&entry).Error
}

// ClaimDueEntries selects due, unexpired entries and claims each with a
// conditional update carrying the caller's claim token. Two concurrent
// drains cannot both win the same row: the guarded UPDATE affects one row
// for exactly one of them. Stale claims fall back after the lease elapses.
func (r *gormRepository) ClaimDueEntries(now time.Time, lease time.Duration, claimToken string, limit int) ([]models.DeadLetterEntry, error) {
	staleBefore := now.Add(-lease)

	var candidates []models.DeadLetterEntry
	err := r.db.
		Where("expired = ? AND next_attempt_at <= ?", false, now).
		Where("claim_token = '' OR claimed_at IS NULL OR claimed_at < ?", staleBefore).
		Order("next_attempt_at ASC").
		Limit(limit).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	claimed := make([]models.DeadLetterEntry, 0, len(candidates))
	for _, entry := range candidates {
		res := r.db.Model(&models.DeadLetterEntry{}).
			Where("id = ? AND expired = ?", entry.ID, false).
			Where("claim_token = '' OR claimed_at IS NULL OR claimed_at < ?", staleBefore).
			Updates(map[string]interface{}{
				"claim_token": claimToken,
				"claimed_at":  now,
			})
		if res.Error != nil {
			return claimed, res.Error
		}
		if res.RowsAffected == 0 {
			// Lost the race to another scheduler instance.
			continue
		}
		entry.ClaimToken = claimToken
		entry.ClaimedAt = &now
		claimed = append(claimed, entry)
	}
	return claimed, nil
}

func (r *gormRepository) RescheduleEntry(id uint, attemptCount int, nextAttemptAt time.Time, lastError string) error {
	return r.db.Model(&models.DeadLetterEntry{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"attempt_count":   attemptCount,
			"next_attempt_at": nextAttemptAt,
			"last_error":      lastError,
			"claim_token":     "",
			"claimed_at":      nil,
		}).Error
}

func (r *gormRepository) ExpireEntry(id uint, attemptCount int, lastError string) error {
	return r.db.Model(&models.DeadLetterEntry{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"attempt_count": attemptCount,
			"last_error":    lastError,
			"expired":       true,
			"claim_token":   "",
			"claimed_at":    nil,
		}).Error
}

func (r *gormRepository) DeleteEntry(id uint) error {
	return r.db.Delete(&models.DeadLetterEntry{}, id).Error
}

func (r *gormRepository) QueueStats(ctx context.Context) (DLQStats, error) {
	db := r.db.WithContext(ctx)

	var stats DLQStats
	if err := db.Model(&models.DeadLetterEntry{}).
		Where("expired = ?", false).Count(&stats.Depth).Error; err != nil {
		return stats, err
	}
	if err := db.Model(&models.DeadLetterEntry{}).
		Where("expired = ?", true).Count(&stats.ExpiredCount).Error; err != nil {
		return stats, err
	}
	var oldest models.DeadLetterEntry
	err := db.Where("expired = ?", false).Order("created_at ASC").First(&oldest).Error
	if err == nil {
		t := oldest.CreatedAt
		stats.OldestEntry = &t
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return stats, err
	}
	return stats, nil
}

func (r *gormRepository) CountSubscriptionsByStatus(platform string, statuses ...string) (int64, error) {
	var count int64
	err := r.db.Model(&models.Subscription{}).
		Where("platform = ? AND status IN ?", platform, statuses).
		Count(&count).Error
	return count, err
}

func (r *gormRepository) ListEventsForDay(platform string, dayStart, dayEnd time.Time) ([]models.SubscriptionEvent, error) {
	var events []models.SubscriptionEvent
	err := r.db.
		Select("id", "platform", "notification_type", "subtype", "processed", "processing_error").
		Where("platform = ? AND received_at >= ? AND received_at < ?", platform, dayStart, dayEnd).
		Find(&events).Error
	return events, err
}

func (r *gormRepository) ReplaceDailyMetric(row *models.DailyMetric) error {
	return r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "metric_date"},
			{Name: "platform"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"active_count",
			"new_count",
			"churned_count",
			"reactivated_count",
			"in_grace_count",
			"grace_recovered_count",
			"total_event_count",
			"failed_event_count",
			"updated_at",
		}),
	}).Create(row).Error
}

func (r *gormRepository) GetDailyMetrics(date string) ([]models.DailyMetric, error) {
	var rows []models.DailyMetric
	err := r.db.Where("metric_date = ?", date).Order("platform ASC").Find(&rows).Error
	return rows, err
}

// HasEntitlement is the request hot path: a single indexed point read, never
// an aggregate scan.
func (r *gormRepository) HasEntitlement(ctx context.Context, userID uint, now time.Time) (bool, error) {
	var sub models.Subscription
	err := r.db.WithContext(ctx).
		Select("id").
		Where("user_id = ? AND status IN ?", userID, []string{
			models.SubscriptionStatusActive,
			models.SubscriptionStatusInGracePeriod,
		}).
		Where("expires_at IS NULL OR expires_at > ?", now).
		Limit(1).
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *gormRepository) GetUserSubscription(ctx context.Context, userID uint, now time.Time) (*models.Subscription, error) {
	db := r.db.WithContext(ctx)

	var sub models.Subscription
	err := db.
		Where("user_id = ? AND status IN ?", userID, []string{
			models.SubscriptionStatusActive,
			models.SubscriptionStatusInGracePeriod,
		}).
		Where("expires_at IS NULL OR expires_at > ?", now).
		Order("expires_at DESC").
		First(&sub).Error
	if err == nil {
		return &sub, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	// No entitling row; fall back to the most recently touched one so the
	// caller can display expired/revoked state.
	err = db.Where("user_id = ?", userID).Order("updated_at DESC").First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) ListPurgeableEvents(cutoff time.Time, limit int) ([]models.SubscriptionEvent, error) {
	var events []models.SubscriptionEvent
	err := r.db.
		Where("processed = ? AND received_at < ?", true, cutoff).
		Order("received_at ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func (r *gormRepository) DeleteEventsByID(ids []uint) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := r.db.Delete(&models.SubscriptionEvent{}, ids)
	return res.RowsAffected, res.Error
}

func (r *gormRepository) DeleteExpiredEntriesBefore(cutoff time.Time) (int64, error) {
	res := r.db.Where("expired = ? AND updated_at < ?", true, cutoff).
		Delete(&models.DeadLetterEntry{})
	return res.RowsAffected, res.Error
}
