package apiv1

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/mealbridge/MealBridge/internal/pkg/metrics/counter"
	"github.com/mealbridge/MealBridge/internal/pkg/subscription"
)

// APIServer exposes the subscription lifecycle surface over HTTP. The
// webhook route expects the already-verified, decoded envelope produced by
// the provider-facing listener; signature checking is not done here.
type APIServer struct {
	svc         *subscription.Service
	useCounters bool
}

// NewAPIServer creates a new API server instance
func NewAPIServer(svc *subscription.Service, useCounters bool) *APIServer {
	return &APIServer{svc: svc, useCounters: useCounters}
}

// GetPing handles the ping endpoint
func (s *APIServer) GetPing(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ping": "pong"})
}

// PostWebhook ingests a billing notification. Receipt is acknowledged with
// 200 whenever the event could be recorded, regardless of whether state
// application succeeded. Failures are deferred to the retry scheduler; a
// non-200 would only amplify the provider's own redelivery.
func (s *APIServer) PostWebhook(c *fiber.Ctx) error {
	var envelope subscription.WebhookEnvelope
	if err := c.BodyParser(&envelope); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "bad_request", "message": "Malformed envelope body",
		})
	}
	if platform := c.Params("platform"); platform != "" {
		envelope.Platform = platform
	}

	result, err := s.svc.ProcessNotification(c.Context(), envelope)
	if errors.Is(err, subscription.ErrInvalidEnvelope) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "bad_request", "message": err.Error(),
		})
	}
	if err != nil {
		// Recording failed; a 5xx makes the provider redeliver, which the
		// idempotent recording path absorbs.
		log.Errorf("[API] Failed to record %s notification: %v", envelope.Platform, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "internal_server_error", "message": "Event recording failed",
		})
	}

	s.count(envelope.Platform, counter.OutcomeReceived)
	switch {
	case result.Duplicate:
		s.count(envelope.Platform, counter.OutcomeDuplicate)
	case result.Parked:
		s.count(envelope.Platform, counter.OutcomeParked)
	default:
		s.count(envelope.Platform, counter.OutcomeApplied)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"received":  true,
		"duplicate": result.Duplicate,
		"event_id":  result.EventID,
	})
}

// GetUserPremium is the entitlement gate used by the rest of the app.
func (s *APIServer) GetUserPremium(c *fiber.Ctx) error {
	userID, err := parseUserID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "bad_request", "message": "Invalid user id",
		})
	}

	premium, err := s.svc.IsPremium(c.Context(), userID)
	if err != nil {
		log.Errorf("[API] Premium lookup for user %d failed: %v", userID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "internal_server_error", "message": "Entitlement lookup failed",
		})
	}
	return c.JSON(fiber.Map{"user_id": userID, "premium": premium})
}

// GetUserSubscription returns the subscription display summary.
func (s *APIServer) GetUserSubscription(c *fiber.Ctx) error {
	userID, err := parseUserID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "bad_request", "message": "Invalid user id",
		})
	}

	summary, err := s.svc.GetSubscription(c.Context(), userID)
	if err == subscription.ErrNoSubscription {
		return c.JSON(fiber.Map{"user_id": userID, "subscription": nil})
	}
	if err != nil {
		log.Errorf("[API] Subscription lookup for user %d failed: %v", userID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "internal_server_error", "message": "Subscription lookup failed",
		})
	}
	return c.JSON(fiber.Map{"user_id": userID, "subscription": summary})
}

// PostDrainDLQ triggers a retry pass outside the schedule (admin).
func (s *APIServer) PostDrainDLQ(c *fiber.Ctx) error {
	stats, err := s.svc.Drain(c.Context())
	if err != nil {
		log.Errorf("[API] Manual DLQ drain failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "internal_server_error", "message": "Drain failed",
		})
	}
	return c.JSON(stats)
}

// GetDLQStats reports queue depth and age plus the raw webhook counters;
// this is the surface operational alerting watches.
func (s *APIServer) GetDLQStats(c *fiber.Ctx) error {
	stats, err := s.svc.QueueStats(c.Context())
	if err != nil {
		log.Errorf("[API] DLQ stats failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "internal_server_error", "message": "Stats unavailable",
		})
	}

	resp := fiber.Map{"queue": stats}
	if s.useCounters {
		if counters, err := counter.GetAll(); err == nil {
			resp["counters"] = counters
		}
	}
	return c.JSON(resp)
}

// PostRecomputeMetrics rebuilds daily metrics for ?date=YYYY-MM-DD
// (default: yesterday).
func (s *APIServer) PostRecomputeMetrics(c *fiber.Ctx) error {
	day := time.Now().UTC().AddDate(0, 0, -1)
	if raw := strings.TrimSpace(c.Query("date")); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "bad_request", "message": "date must be YYYY-MM-DD",
			})
		}
		day = parsed
	}

	rows, err := s.svc.RecomputeDailyMetrics(c.Context(), day)
	if err != nil {
		log.Errorf("[API] Metrics recompute failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "internal_server_error", "message": "Recompute failed",
		})
	}
	return c.JSON(fiber.Map{"date": day.Format("2006-01-02"), "metrics": rows})
}

// PostPurgeEvents removes events past the retention window
// (?retention_days= override).
func (s *APIServer) PostPurgeEvents(c *fiber.Ctx) error {
	retentionDays := 0
	if raw := strings.TrimSpace(c.Query("retention_days")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "bad_request", "message": "retention_days must be a positive integer",
			})
		}
		retentionDays = parsed
	}

	purged, err := s.svc.PurgeOldEvents(c.Context(), retentionDays)
	if err != nil {
		log.Errorf("[API] Event purge failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "internal_server_error", "message": "Purge failed",
		})
	}
	return c.JSON(fiber.Map{"purged": purged})
}

func (s *APIServer) count(platform, outcome string) {
	if !s.useCounters {
		return
	}
	if err := counter.AddEvent(platform, outcome); err != nil {
		log.Debugf("[API] Counter %s/%s failed: %v", platform, outcome, err)
	}
}

func parseUserID(c *fiber.Ctx) (uint, error) {
	id, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil || id == 0 {
		return 0, fiber.ErrBadRequest
	}
	return uint(id), nil
}
