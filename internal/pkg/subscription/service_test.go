package subscription

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/mealbridge/MealBridge/app/models"
)

// newTestDB opens a private in-memory SQLite database with the full schema.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.Subscription{},
		&models.SubscriptionEvent{},
		&models.DeadLetterEntry{},
		&models.DailyMetric{},
	))

	// SQLite has no row locks; a single pooled connection serializes writes
	// the way the MySQL row lock does in production.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	return db
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	return NewService(NewRepository(db), DefaultConfig()), db
}

func createTestUser(t *testing.T, db *gorm.DB, token string) *models.User {
	t.Helper()
	user := &models.User{
		Name:            "Test User",
		Email:           fmt.Sprintf("%s@example.com", uuid.New().String()),
		Role:            models.ROLE_USER,
		Status:          models.STATUS_ACTIVE,
		AppAccountToken: token,
	}
	require.NoError(t, db.Create(user).Error)
	return user
}

func appleEnvelope(nid, txid, ntype, subtype string, payload DecodedPayload) WebhookEnvelope {
	return WebhookEnvelope{
		NotificationID:        nid,
		Platform:              models.PlatformApple,
		NotificationType:      ntype,
		Subtype:               subtype,
		OriginalTransactionID: txid,
		RawPayload:            `{"signedPayload":"test"}`,
		Payload:               payload,
	}
}

func loadSubscription(t *testing.T, db *gorm.DB, platform, txid string) *models.Subscription {
	t.Helper()
	var sub models.Subscription
	require.NoError(t, db.Where("platform = ? AND original_transaction_id = ?", platform, txid).
		First(&sub).Error)
	return &sub
}

func TestFreshPurchaseActivatesAndLinksUser(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	user := createTestUser(t, db, "token-alpha")

	expires := time.Now().Add(30 * 24 * time.Hour)
	result, err := svc.ProcessNotification(ctx, appleEnvelope("n-1", "tx-1", AppleSubscribed, AppleSubtypeInitialBuy, DecodedPayload{
		ProductID:        "premium.monthly",
		BundleID:         "com.mealbridge.app",
		ExpiresAt:        &expires,
		AutoRenewEnabled: true,
		Environment:      models.EnvironmentProduction,
		AppAccountToken:  "token-alpha",
	}))
	require.NoError(t, err)
	assert.True(t, result.Applied)
	assert.False(t, result.Duplicate)
	assert.False(t, result.Parked)

	sub := loadSubscription(t, db, models.PlatformApple, "tx-1")
	assert.Equal(t, models.SubscriptionStatusActive, sub.Status)
	require.NotNil(t, sub.UserID)
	assert.Equal(t, user.ID, *sub.UserID)
	assert.Equal(t, "premium.monthly", sub.ProductID)
	assert.Equal(t, "token-alpha", sub.AppAccountToken)
	assert.True(t, sub.AutoRenewEnabled)

	var event models.SubscriptionEvent
	require.NoError(t, db.Where("notification_id = ?", "n-1").First(&event).Error)
	assert.True(t, event.Processed)
	require.NotNil(t, event.SubscriptionID)
	assert.Equal(t, sub.ID, *event.SubscriptionID)

	premium, err := svc.IsPremium(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, premium)
}

func TestDuplicateDeliveryIsIdempotent(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	createTestUser(t, db, "token-dup")

	expires := time.Now().Add(24 * time.Hour)
	env := appleEnvelope("n-dup", "tx-dup", AppleSubscribed, AppleSubtypeInitialBuy, DecodedPayload{
		ProductID:       "premium.monthly",
		ExpiresAt:       &expires,
		AppAccountToken: "token-dup",
	})

	first, err := svc.ProcessNotification(ctx, env)
	require.NoError(t, err)
	assert.True(t, first.Applied)

	second, err := svc.ProcessNotification(ctx, env)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.False(t, second.Applied)
	assert.Equal(t, first.EventID, second.EventID)

	var eventCount int64
	require.NoError(t, db.Model(&models.SubscriptionEvent{}).
		Where("notification_id = ?", "n-dup").Count(&eventCount).Error)
	assert.Equal(t, int64(1), eventCount)

	sub := loadSubscription(t, db, models.PlatformApple, "tx-dup")
	assert.Equal(t, models.SubscriptionStatusActive, sub.Status)
}

func TestBillingFailureAndRecovery(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	user := createTestUser(t, db, "token-grace")

	expires := time.Now().Add(14 * 24 * time.Hour)
	_, err := svc.ProcessNotification(ctx, appleEnvelope("n-g1", "tx-grace", AppleSubscribed, AppleSubtypeInitialBuy, DecodedPayload{
		ProductID:       "premium.monthly",
		ExpiresAt:       &expires,
		AppAccountToken: "token-grace",
	}))
	require.NoError(t, err)

	// Renewal fails, grace period granted. Entitlement must survive.
	result, err := svc.ProcessNotification(ctx, appleEnvelope("n-g2", "tx-grace", AppleDidFailToRenew, AppleSubtypeGracePeriod, DecodedPayload{
		ExpiresAt: &expires,
	}))
	require.NoError(t, err)
	assert.True(t, result.Applied)

	sub := loadSubscription(t, db, models.PlatformApple, "tx-grace")
	assert.Equal(t, models.SubscriptionStatusInGracePeriod, sub.Status)

	premium, err := svc.IsPremium(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, premium)

	// Billing recovers.
	newExpires := time.Now().Add(44 * 24 * time.Hour)
	result, err = svc.ProcessNotification(ctx, appleEnvelope("n-g3", "tx-grace", AppleDidRenew, AppleSubtypeBillingRecovery, DecodedPayload{
		ExpiresAt: &newExpires,
	}))
	require.NoError(t, err)
	assert.True(t, result.Applied)

	sub = loadSubscription(t, db, models.PlatformApple, "tx-grace")
	assert.Equal(t, models.SubscriptionStatusActive, sub.Status)

	premium, err = svc.IsPremium(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, premium)
}

func TestRefundRevokesEntitlementImmediately(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	user := createTestUser(t, db, "token-refund")

	expires := time.Now().Add(30 * 24 * time.Hour)
	_, err := svc.ProcessNotification(ctx, appleEnvelope("n-r1", "tx-refund", AppleSubscribed, AppleSubtypeInitialBuy, DecodedPayload{
		ProductID:       "premium.yearly",
		ExpiresAt:       &expires,
		AppAccountToken: "token-refund",
	}))
	require.NoError(t, err)

	result, err := svc.ProcessNotification(ctx, appleEnvelope("n-r2", "tx-refund", AppleRefund, "", DecodedPayload{}))
	require.NoError(t, err)
	assert.True(t, result.Applied)

	sub := loadSubscription(t, db, models.PlatformApple, "tx-refund")
	assert.Equal(t, models.SubscriptionStatusRevoked, sub.Status)

	premium, err := svc.IsPremium(ctx, user.ID)
	require.NoError(t, err)
	assert.False(t, premium)

	// A late renewal for a revoked transaction must be parked, not applied.
	result, err = svc.ProcessNotification(ctx, appleEnvelope("n-r3", "tx-refund", AppleDidRenew, "", DecodedPayload{}))
	require.NoError(t, err)
	assert.True(t, result.Parked)
	assert.Contains(t, result.Error, "invalid subscription state transition")

	sub = loadSubscription(t, db, models.PlatformApple, "tx-refund")
	assert.Equal(t, models.SubscriptionStatusRevoked, sub.Status)

	var entryCount int64
	require.NoError(t, db.Model(&models.DeadLetterEntry{}).Count(&entryCount).Error)
	assert.Equal(t, int64(1), entryCount)
}

func TestUnresolvedUserParksEventButKeepsSeedRow(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	// No user carries this token, and no prior row exists for the lineage.
	result, err := svc.ProcessNotification(ctx, appleEnvelope("n-orphan", "tx-orphan", AppleSubscribed, AppleSubtypeInitialBuy, DecodedPayload{
		AppAccountToken: "token-nobody",
	}))
	require.NoError(t, err)
	assert.True(t, result.Parked)
	assert.Contains(t, result.Error, "could not resolve owning user")

	// The seed row survives so the transaction stays addressable.
	sub := loadSubscription(t, db, models.PlatformApple, "tx-orphan")
	assert.Equal(t, models.SubscriptionStatusUnknown, sub.Status)
	assert.Nil(t, sub.UserID)

	var event models.SubscriptionEvent
	require.NoError(t, db.Where("notification_id = ?", "n-orphan").First(&event).Error)
	assert.False(t, event.Processed)
	assert.NotEmpty(t, event.ProcessingError)

	var entry models.DeadLetterEntry
	require.NoError(t, db.Where("subscription_event_id = ?", event.ID).First(&entry).Error)
	assert.Equal(t, 0, entry.AttemptCount)
	assert.False(t, entry.Expired)
}

func TestOutOfOrderEventDoesNotRegressState(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	createTestUser(t, db, "token-order")

	expires := time.Now().Add(30 * 24 * time.Hour)
	_, err := svc.ProcessNotification(ctx, appleEnvelope("n-o1", "tx-order", AppleSubscribed, AppleSubtypeInitialBuy, DecodedPayload{
		ExpiresAt:       &expires,
		AppAccountToken: "token-order",
	}))
	require.NoError(t, err)

	_, err = svc.ProcessNotification(ctx, appleEnvelope("n-o2", "tx-order", AppleExpired, AppleSubtypeVoluntary, DecodedPayload{}))
	require.NoError(t, err)

	// A renewal delivered after the expiration must not resurrect the row.
	result, err := svc.ProcessNotification(ctx, appleEnvelope("n-o3", "tx-order", AppleDidRenew, "", DecodedPayload{}))
	require.NoError(t, err)
	assert.True(t, result.Parked)

	sub := loadSubscription(t, db, models.PlatformApple, "tx-order")
	assert.Equal(t, models.SubscriptionStatusExpired, sub.Status)
}

func TestLinkTokenIsWriteOnce(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	createTestUser(t, db, "token-first")

	expires := time.Now().Add(30 * 24 * time.Hour)
	_, err := svc.ProcessNotification(ctx, appleEnvelope("n-t1", "tx-token", AppleSubscribed, AppleSubtypeInitialBuy, DecodedPayload{
		ExpiresAt:       &expires,
		AppAccountToken: "token-first",
	}))
	require.NoError(t, err)

	_, err = svc.ProcessNotification(ctx, appleEnvelope("n-t2", "tx-token", AppleDidRenew, "", DecodedPayload{
		ExpiresAt:       &expires,
		AppAccountToken: "token-second",
	}))
	require.NoError(t, err)

	sub := loadSubscription(t, db, models.PlatformApple, "tx-token")
	assert.Equal(t, "token-first", sub.AppAccountToken)
}

func TestUserLinkPreservedAcrossLaterEvents(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	owner := createTestUser(t, db, "token-owner")
	createTestUser(t, db, "token-intruder")

	expires := time.Now().Add(30 * 24 * time.Hour)
	_, err := svc.ProcessNotification(ctx, appleEnvelope("n-u1", "tx-owner", AppleSubscribed, AppleSubtypeInitialBuy, DecodedPayload{
		ExpiresAt:       &expires,
		AppAccountToken: "token-owner",
	}))
	require.NoError(t, err)

	// A later event carrying a different token must not relink the row.
	_, err = svc.ProcessNotification(ctx, appleEnvelope("n-u2", "tx-owner", AppleDidRenew, "", DecodedPayload{
		ExpiresAt:       &expires,
		AppAccountToken: "token-intruder",
	}))
	require.NoError(t, err)

	sub := loadSubscription(t, db, models.PlatformApple, "tx-owner")
	require.NotNil(t, sub.UserID)
	assert.Equal(t, owner.ID, *sub.UserID)
}

func TestPreferenceEventKeepsStatusAndFields(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	createTestUser(t, db, "token-pref")

	expires := time.Now().Add(30 * 24 * time.Hour)
	_, err := svc.ProcessNotification(ctx, appleEnvelope("n-p1", "tx-pref", AppleSubscribed, AppleSubtypeInitialBuy, DecodedPayload{
		ProductID:        "premium.monthly",
		ExpiresAt:        &expires,
		AutoRenewEnabled: true,
		AppAccountToken:  "token-pref",
	}))
	require.NoError(t, err)

	// Auto-renew switched off; the partial payload must not wipe fields.
	result, err := svc.ProcessNotification(ctx, appleEnvelope("n-p2", "tx-pref", AppleRenewalStatus, "", DecodedPayload{
		AutoRenewEnabled: false,
	}))
	require.NoError(t, err)
	assert.True(t, result.Applied)

	sub := loadSubscription(t, db, models.PlatformApple, "tx-pref")
	assert.Equal(t, models.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, "premium.monthly", sub.ProductID)
	assert.False(t, sub.AutoRenewEnabled)
	require.NotNil(t, sub.ExpiresAt)
}

func TestResolveOwnerFallsBackToTransactionLineage(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	owner := createTestUser(t, db, "token-lineage")

	expires := time.Now().Add(30 * 24 * time.Hour)
	_, err := svc.ProcessNotification(ctx, appleEnvelope("n-l1", "tx-lineage", AppleSubscribed, AppleSubtypeInitialBuy, DecodedPayload{
		ExpiresAt:       &expires,
		AppAccountToken: "token-lineage",
	}))
	require.NoError(t, err)

	// A tokenless event for the same lineage on another platform resolves
	// through the already-linked row.
	result, err := svc.ProcessNotification(ctx, WebhookEnvelope{
		NotificationID:        "n-l2",
		Platform:              models.PlatformGoogle,
		NotificationType:      GooglePurchased,
		OriginalTransactionID: "tx-lineage",
		RawPayload:            "{}",
	})
	require.NoError(t, err)
	assert.True(t, result.Applied)

	sub := loadSubscription(t, db, models.PlatformGoogle, "tx-lineage")
	require.NotNil(t, sub.UserID)
	assert.Equal(t, owner.ID, *sub.UserID)
}

func TestConcurrentDuplicateDeliveryRecordsOnce(t *testing.T) {
	svc, db := newTestService(t)
	createTestUser(t, db, "token-race")

	expires := time.Now().Add(30 * 24 * time.Hour)
	env := appleEnvelope("n-race", "tx-race", AppleSubscribed, AppleSubtypeInitialBuy, DecodedPayload{
		ExpiresAt:       &expires,
		AppAccountToken: "token-race",
	})

	const workers = 8
	results := make([]*Result, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.ProcessNotification(context.Background(), env)
		}(i)
	}
	wg.Wait()

	applied, duplicates := 0, 0
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		if results[i].Applied {
			applied++
		}
		if results[i].Duplicate {
			duplicates++
		}
	}
	assert.Equal(t, 1, applied, "exactly one delivery wins the recording race")
	assert.Equal(t, workers-1, duplicates)

	var eventCount int64
	require.NoError(t, db.Model(&models.SubscriptionEvent{}).
		Where("notification_id = ?", "n-race").Count(&eventCount).Error)
	assert.Equal(t, int64(1), eventCount)

	sub := loadSubscription(t, db, models.PlatformApple, "tx-race")
	assert.Equal(t, models.SubscriptionStatusActive, sub.Status)
}

func TestConcurrentUpsertsLeaveSingleRow(t *testing.T) {
	svc, db := newTestService(t)
	createTestUser(t, db, "token-upsert")

	expires := time.Now().Add(30 * 24 * time.Hour)

	const workers = 8
	results := make([]*Result, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			env := appleEnvelope(fmt.Sprintf("n-upsert-%d", i), "tx-upsert",
				AppleSubscribed, AppleSubtypeInitialBuy, DecodedPayload{
					ExpiresAt:       &expires,
					AppAccountToken: "token-upsert",
				})
			results[i], errs[i] = svc.ProcessNotification(context.Background(), env)
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.True(t, results[i].Applied, "delivery %d must apply", i)
	}

	var subCount int64
	require.NoError(t, db.Model(&models.Subscription{}).
		Where("platform = ? AND original_transaction_id = ?", models.PlatformApple, "tx-upsert").
		Count(&subCount).Error)
	assert.Equal(t, int64(1), subCount, "concurrent upserts must converge on one row")

	var eventCount int64
	require.NoError(t, db.Model(&models.SubscriptionEvent{}).
		Where("original_transaction_id = ?", "tx-upsert").Count(&eventCount).Error)
	assert.Equal(t, int64(workers), eventCount)

	sub := loadSubscription(t, db, models.PlatformApple, "tx-upsert")
	assert.Equal(t, models.SubscriptionStatusActive, sub.Status)
}

func TestInvalidEnvelopeRejectedBeforeRecording(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	_, err := svc.ProcessNotification(ctx, WebhookEnvelope{
		Platform:         models.PlatformApple,
		NotificationType: AppleSubscribed,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidEnvelope)

	var eventCount int64
	require.NoError(t, db.Model(&models.SubscriptionEvent{}).Count(&eventCount).Error)
	assert.Equal(t, int64(0), eventCount)
}

func TestGetSubscriptionSummary(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	user := createTestUser(t, db, "token-summary")

	_, err := svc.GetSubscription(ctx, user.ID)
	assert.ErrorIs(t, err, ErrNoSubscription)

	expires := time.Now().Add(30 * 24 * time.Hour)
	_, err = svc.ProcessNotification(ctx, appleEnvelope("n-s1", "tx-summary", AppleSubscribed, AppleSubtypeInitialBuy, DecodedPayload{
		ProductID:        "premium.monthly",
		ExpiresAt:        &expires,
		AutoRenewEnabled: true,
		AppAccountToken:  "token-summary",
	}))
	require.NoError(t, err)

	summary, err := svc.GetSubscription(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, user.ID, summary.UserID)
	assert.Equal(t, models.PlatformApple, summary.Platform)
	assert.Equal(t, models.SubscriptionStatusActive, summary.Status)
	assert.Equal(t, "premium.monthly", summary.ProductID)
	assert.True(t, summary.AutoRenewEnabled)
}

func TestIsPremiumFalseForExpiredPeriod(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	user := createTestUser(t, db, "token-lapsed")

	// Active status but the paid period already ended.
	expires := time.Now().Add(-time.Hour)
	_, err := svc.ProcessNotification(ctx, appleEnvelope("n-e1", "tx-lapsed", AppleSubscribed, AppleSubtypeInitialBuy, DecodedPayload{
		ExpiresAt:       &expires,
		AppAccountToken: "token-lapsed",
	}))
	require.NoError(t, err)

	premium, err := svc.IsPremium(ctx, user.ID)
	require.NoError(t, err)
	assert.False(t, premium)
}

func TestReadsHonorContextCancellation(t *testing.T) {
	svc, db := newTestService(t)
	user := createTestUser(t, db, "token-ctx")

	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.GetSubscription(canceled, user.ID)
	require.Error(t, err)

	_, err = svc.IsPremium(canceled, user.ID)
	require.Error(t, err)

	_, err = svc.QueueStats(canceled)
	require.Error(t, err)
}
