package subscription

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
)

// Drain reclaims due dead-letter entries and resubmits them through the
// validate/upsert path. Claims are exclusive: each entry is stamped with a
// per-run claim token via a guarded update, so concurrent drains (multiple
// instances, overlapping ticks) never double-process an entry. Entries that
// exhaust the attempt budget are marked expired and left for manual triage.
func (s *Service) Drain(ctx context.Context) (DrainStats, error) {
	var stats DrainStats

	claimToken := uuid.New().String()
	now := time.Now()

	entries, err := s.repo.ClaimDueEntries(now, s.cfg.ClaimLease, claimToken, s.cfg.DrainBatchSize)
	if err != nil {
		return stats, fmt.Errorf("claim due entries: %w", err)
	}
	stats.Claimed = len(entries)
	if len(entries) == 0 {
		return stats, nil
	}
	log.Infof("[DLQ] Claimed %d due entries (token=%s)", len(entries), claimToken)

	for _, entry := range entries {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		default:
		}

		event, err := s.repo.GetEventByID(entry.SubscriptionEventID)
		if err != nil {
			log.Errorf("[DLQ] Entry %d references missing event %d: %v",
				entry.ID, entry.SubscriptionEventID, err)
			if err := s.repo.DeleteEntry(entry.ID); err != nil {
				log.Errorf("[DLQ] Failed to drop orphaned entry %d: %v", entry.ID, err)
			}
			continue
		}

		applyErr := s.applyEvent(ctx, event)
		if applyErr == nil {
			if err := s.repo.DeleteEntry(entry.ID); err != nil {
				log.Errorf("[DLQ] Failed to remove applied entry %d: %v", entry.ID, err)
				continue
			}
			stats.Applied++
			log.Infof("[DLQ] Event %d applied on attempt %d", event.ID, entry.AttemptCount+1)
			continue
		}

		attempts := entry.AttemptCount + 1
		if attempts >= s.cfg.MaxAttempts {
			if err := s.repo.ExpireEntry(entry.ID, attempts, applyErr.Error()); err != nil {
				log.Errorf("[DLQ] Failed to expire entry %d: %v", entry.ID, err)
				continue
			}
			msg := fmt.Sprintf("retry budget exhausted after %d attempts: %v", attempts, applyErr)
			if err := s.repo.MarkEventError(event.ID, msg); err != nil {
				log.Errorf("[DLQ] Failed to record final error on event %d: %v", event.ID, err)
			}
			stats.ExpiredOut++
			log.Warnf("[DLQ] Entry %d expired permanently: %v", entry.ID, applyErr)
			continue
		}

		next := time.Now().Add(s.backoffFor(attempts))
		if err := s.repo.RescheduleEntry(entry.ID, attempts, next, applyErr.Error()); err != nil {
			log.Errorf("[DLQ] Failed to reschedule entry %d: %v", entry.ID, err)
			continue
		}
		stats.Rescheduled++
		log.Infof("[DLQ] Entry %d rescheduled (attempt %d/%d, next %s): %v",
			entry.ID, attempts, s.cfg.MaxAttempts, next.Format(time.RFC3339), applyErr)
	}

	return stats, nil
}

// backoffFor returns the delay before the given attempt number: the base
// doubled per attempt, capped.
func (s *Service) backoffFor(attempt int) time.Duration {
	d := s.cfg.BackoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= s.cfg.BackoffCap {
			return s.cfg.BackoffCap
		}
	}
	return d
}

// QueueStats exposes DLQ depth and age for operational alerting.
func (s *Service) QueueStats(ctx context.Context) (DLQStats, error) {
	stats, err := s.repo.QueueStats(ctx)
	if err != nil {
		return stats, fmt.Errorf("queue stats: %w", err)
	}
	return stats, nil
}
