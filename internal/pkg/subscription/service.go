package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/mealbridge/MealBridge/app/models"
)

// Error taxonomy. Duplicate delivery is not an error; the remaining classes
// decide whether an event is parked for retry or needs manual review.
var (
	ErrInvalidEnvelope   = errors.New("invalid webhook envelope")
	ErrInvalidTransition = errors.New("invalid subscription state transition")
	ErrUnresolvedUser    = errors.New("could not resolve owning user")
	ErrNoSubscription    = errors.New("no subscription for user")
)

// Service is the subscription lifecycle manager: idempotent event recording,
// validated state transitions, entitlement reads and the DLQ retry path.
type Service struct {
	repo     Repository
	cfg      Config
	validate *validator.Validate
	cache    *redis.Client
	archiver Archiver
}

// NewService creates a lifecycle service from an injected repository.
func NewService(repo Repository, cfg Config) *Service {
	return &Service{
		repo:     repo,
		cfg:      cfg,
		validate: validator.New(),
	}
}

// NewServiceFromDB creates a lifecycle service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB, cfg Config) *Service {
	return NewService(NewRepository(db), cfg)
}

// WithCache attaches a Redis client used for the entitlement hot-path cache.
func (s *Service) WithCache(client *redis.Client) *Service {
	s.cache = client
	return s
}

// WithArchiver attaches an event archiver consulted before purging.
func (s *Service) WithArchiver(a Archiver) *Service {
	s.archiver = a
	return s
}

// ProcessNotification ingests one verified webhook envelope. Recording is
// the sole idempotency boundary: a duplicate notification id short-circuits
// before any state work. Application failures never propagate to the caller;
// the event is parked and the result says so.
func (s *Service) ProcessNotification(ctx context.Context, envelope WebhookEnvelope) (*Result, error) {
	if err := s.validate.Struct(envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}

	decoded, err := json.Marshal(envelope.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode decoded payload: %w", err)
	}

	event := &models.SubscriptionEvent{
		NotificationID:        strings.TrimSpace(envelope.NotificationID),
		Platform:              strings.ToLower(strings.TrimSpace(envelope.Platform)),
		NotificationType:      strings.TrimSpace(envelope.NotificationType),
		Subtype:               strings.TrimSpace(envelope.Subtype),
		OriginalTransactionID: strings.TrimSpace(envelope.OriginalTransactionID),
		RawPayload:            envelope.RawPayload,
		DecodedPayload:        decoded,
		SignedAt:              envelope.SignedAt,
	}

	created, stored, err := s.repo.CreateEventIfNotExists(event)
	if err != nil {
		return nil, fmt.Errorf("record event: %w", err)
	}
	if !created {
		log.Debugf("[Subscription] Duplicate delivery of %s ignored", stored.NotificationID)
		return &Result{EventID: stored.ID, Duplicate: true}, nil
	}

	if applyErr := s.applyEvent(ctx, stored); applyErr != nil {
		s.park(stored, applyErr)
		return &Result{EventID: stored.ID, Parked: true, Error: applyErr.Error()}, nil
	}

	return &Result{EventID: stored.ID, Applied: true}, nil
}

// applyEvent runs the validate/upsert path for a recorded event. It is used
// by both the webhook path and the retry scheduler, so any failure must be
// safe to retry.
func (s *Service) applyEvent(ctx context.Context, event *models.SubscriptionEvent) error {
	cls, ok := Classify(event.Platform, event.NotificationType, event.Subtype)
	if !ok {
		return fmt.Errorf("%w: unrecognized notification %s/%s on %s",
			ErrInvalidTransition, event.NotificationType, event.Subtype, event.Platform)
	}

	var payload DecodedPayload
	if len(event.DecodedPayload) > 0 {
		if err := json.Unmarshal(event.DecodedPayload, &payload); err != nil {
			return fmt.Errorf("decode event payload: %w", err)
		}
	}

	// The unknown-status seed row must survive a parked event, so it is
	// committed outside the apply transaction.
	if err := s.repo.EnsureSubscription(event.Platform, event.OriginalTransactionID); err != nil {
		return fmt.Errorf("ensure subscription row: %w", err)
	}

	var ownerID *uint
	err := s.repo.WithTx(func(tx Repository) error {
		sub, err := tx.LockSubscription(event.Platform, event.OriginalTransactionID)
		if err != nil {
			return fmt.Errorf("lock subscription: %w", err)
		}

		proposed := cls.Proposed
		if proposed == "" {
			// Preference-only events keep the current status.
			proposed = sub.Status
		}
		if !ValidateTransition(sub.Status, proposed, cls.Kind) {
			return fmt.Errorf("%w: %s -> %s via %s", ErrInvalidTransition, sub.Status, proposed, cls.Kind)
		}

		if sub.UserID == nil {
			resolved, err := s.resolveOwner(tx, payload.AppAccountToken, event.OriginalTransactionID)
			if err != nil {
				return err
			}
			sub.UserID = resolved
		}
		ownerID = sub.UserID

		mergePayload(sub, payload)
		sub.Status = proposed

		if err := tx.SaveSubscription(sub); err != nil {
			return fmt.Errorf("save subscription: %w", err)
		}
		return tx.MarkEventProcessed(event.ID, &sub.ID)
	})
	if err != nil {
		return err
	}

	if ownerID != nil {
		s.invalidatePremiumCache(*ownerID)
	}
	return nil
}

// resolveOwner maps a transaction to an application user: exact link-token
// match among subscription rows first, then any already-linked row for the
// same transaction lineage, then the token the client registered on its user
// record at purchase time.
func (s *Service) resolveOwner(repo Repository, token, originalTransactionID string) (*uint, error) {
	token = strings.TrimSpace(token)
	if token != "" {
		if id, err := repo.FindOwnerByToken(token); err == nil {
			return id, nil
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("resolve by token: %w", err)
		}
	}

	if id, err := repo.FindOwnerByTransaction(originalTransactionID); err == nil {
		return id, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("resolve by transaction: %w", err)
	}

	if token != "" {
		if id, err := repo.FindUserByAppAccountToken(token); err == nil {
			return id, nil
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("resolve by user token: %w", err)
		}
	}

	return nil, ErrUnresolvedUser
}

// mergePayload applies the latest validated event's values onto the stored
// row. The link token is write-once; partial payloads (preference events)
// must not wipe fields they do not carry.
func mergePayload(sub *models.Subscription, payload DecodedPayload) {
	if payload.ProductID != "" {
		sub.ProductID = payload.ProductID
	}
	if payload.BundleID != "" {
		sub.BundleID = payload.BundleID
	}
	if payload.PurchasedAt != nil {
		sub.PurchasedAt = payload.PurchasedAt
	}
	if payload.OriginalPurchasedAt != nil {
		sub.OriginalPurchasedAt = payload.OriginalPurchasedAt
	}
	if payload.ExpiresAt != nil {
		sub.ExpiresAt = payload.ExpiresAt
	}
	sub.AutoRenewEnabled = payload.AutoRenewEnabled
	sub.AutoRenewProductID = payload.AutoRenewProductID
	if payload.Environment != "" {
		sub.Environment = payload.Environment
	}
	if sub.AppAccountToken == "" && payload.AppAccountToken != "" {
		sub.AppAccountToken = payload.AppAccountToken
	}
}

// park routes a failed event to the dead-letter queue. The first retry is
// scheduled one backoff-base away; the drain loop owns the schedule after
// that.
func (s *Service) park(event *models.SubscriptionEvent, cause error) {
	nextAttempt := time.Now().Add(s.cfg.BackoffBase)
	if err := s.repo.ParkEvent(event.ID, nextAttempt, cause.Error()); err != nil {
		log.Errorf("[Subscription] Failed to park event %d: %v", event.ID, err)
	}
	if err := s.repo.MarkEventError(event.ID, cause.Error()); err != nil {
		log.Errorf("[Subscription] Failed to record error on event %d: %v", event.ID, err)
	}
	log.Warnf("[Subscription] Parked event %d (%s/%s): %v",
		event.ID, event.NotificationType, event.Subtype, cause)
}
