package subscription

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/mealbridge/MealBridge/app/models"
)

// Archiver exports events before they are purged. The S3 implementation
// lives in internal/pkg/archive; a nil archiver means purge deletes without
// exporting.
type Archiver interface {
	ExportEvents(ctx context.Context, events []models.SubscriptionEvent) error
}

const purgeBatchSize = 500

// PurgeOldEvents deletes processed events older than the retention window,
// along with expired dead-letter entries from the same period. When an
// archiver is configured, each batch is exported (raw payloads verbatim)
// before deletion so forensic history survives the purge.
func (s *Service) PurgeOldEvents(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = s.cfg.RetentionDays
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	var purged int64
	for {
		select {
		case <-ctx.Done():
			return purged, ctx.Err()
		default:
		}

		events, err := s.repo.ListPurgeableEvents(cutoff, purgeBatchSize)
		if err != nil {
			return purged, fmt.Errorf("list purgeable events: %w", err)
		}
		if len(events) == 0 {
			break
		}

		if s.archiver != nil {
			if err := s.archiver.ExportEvents(ctx, events); err != nil {
				// Without the export the batch is not safe to delete.
				return purged, fmt.Errorf("archive events before purge: %w", err)
			}
		}

		ids := make([]uint, 0, len(events))
		for _, event := range events {
			ids = append(ids, event.ID)
		}
		deleted, err := s.repo.DeleteEventsByID(ids)
		if err != nil {
			return purged, fmt.Errorf("delete purged events: %w", err)
		}
		purged += deleted

		if len(events) < purgeBatchSize {
			break
		}
	}

	droppedEntries, err := s.repo.DeleteExpiredEntriesBefore(cutoff)
	if err != nil {
		return purged, fmt.Errorf("delete expired DLQ entries: %w", err)
	}

	log.Infof("[Purge] Removed %d events and %d expired DLQ entries older than %d days",
		purged, droppedEntries, retentionDays)
	return purged, nil
}
