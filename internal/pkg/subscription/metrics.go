package subscription

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/mealbridge/MealBridge/app/models"
)

var metricPlatforms = []string{
	models.PlatformApple,
	models.PlatformGoogle,
	models.PlatformStripe,
}

// RecomputeDailyMetrics rebuilds the reconciliation counts for one calendar
// day (UTC) from the subscription store and the event log. Rerunning for the
// same day replaces the per-platform rows instead of accumulating, so the
// job is safe to repeat.
func (s *Service) RecomputeDailyMetrics(ctx context.Context, date time.Time) ([]models.DailyMetric, error) {
	dayStart := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)
	metricDate := dayStart.Format(models.MetricDateFormat)

	rows := make([]models.DailyMetric, 0, len(metricPlatforms))
	for _, platform := range metricPlatforms {
		select {
		case <-ctx.Done():
			return rows, ctx.Err()
		default:
		}

		row, err := s.recomputePlatform(platform, metricDate, dayStart, dayEnd)
		if err != nil {
			return rows, fmt.Errorf("recompute %s metrics for %s: %w", platform, metricDate, err)
		}
		if err := s.repo.ReplaceDailyMetric(row); err != nil {
			return rows, fmt.Errorf("store %s metrics for %s: %w", platform, metricDate, err)
		}
		rows = append(rows, *row)
	}

	log.Infof("[Metrics] Recomputed daily metrics for %s (%d platforms)", metricDate, len(rows))
	return rows, nil
}

func (s *Service) recomputePlatform(platform, metricDate string, dayStart, dayEnd time.Time) (*models.DailyMetric, error) {
	row := &models.DailyMetric{
		MetricDate: metricDate,
		Platform:   platform,
	}

	var err error
	row.ActiveCount, err = s.repo.CountSubscriptionsByStatus(platform, models.SubscriptionStatusActive)
	if err != nil {
		return nil, err
	}
	row.InGraceCount, err = s.repo.CountSubscriptionsByStatus(platform,
		models.SubscriptionStatusInGracePeriod, models.SubscriptionStatusInBillingRetry)
	if err != nil {
		return nil, err
	}

	events, err := s.repo.ListEventsForDay(platform, dayStart, dayEnd)
	if err != nil {
		return nil, err
	}

	for _, event := range events {
		row.TotalEventCount++
		if !event.Processed {
			row.FailedEventCount++
		}

		cls, ok := Classify(event.Platform, event.NotificationType, event.Subtype)
		if !ok {
			continue
		}
		switch cls.Kind {
		case KindPurchase, KindOfferRedemption:
			// Resubscriptions count as reactivations, not new business.
			row.NewCount++
		case KindResubscribe:
			row.ReactivatedCount++
		case KindExpiration, KindGraceExpired, KindRevoke:
			row.ChurnedCount++
		case KindBillingRecovery:
			row.GraceRecoveredCount++
		}
	}

	return row, nil
}
