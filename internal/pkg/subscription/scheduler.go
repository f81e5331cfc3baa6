package subscription

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/mealbridge/MealBridge/internal/pkg/cache"
	"github.com/mealbridge/MealBridge/internal/pkg/database"
)

// Manager runs the periodic lifecycle tasks: DLQ drain, daily metrics
// recompute and the weekly event purge. Per-entry claims already guard the
// DLQ; the Redis lock on top keeps whole runs from piling up when several
// instances tick at once.
type Manager struct {
	svc     *Service
	cfg     Config
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

var (
	globalManager *Manager
	managerOnce   sync.Once
)

// GetManager returns the global scheduler manager (singleton).
func GetManager() *Manager {
	managerOnce.Do(func() {
		cfg := LoadConfigFromEnv()
		svc := NewServiceFromDB(database.GetDB(), cfg).WithCache(cache.GetClient())
		globalManager = &Manager{
			svc:    svc,
			cfg:    cfg,
			stopCh: make(chan struct{}),
		}
	})
	return globalManager
}

// NewManager creates a scheduler around an existing service (used by tests
// and by callers that wire their own repository).
func NewManager(svc *Service, cfg Config) *Manager {
	return &Manager{
		svc:    svc,
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}
}

// GetService returns the managed lifecycle service.
func (m *Manager) GetService() *Service {
	return m.svc
}

// Start launches the background tasks.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so the manager can be
	// restarted safely.
	m.stopCh = make(chan struct{})
	m.running = true
	log.Infof("[Scheduler] Starting (drain=%s, metrics=%s, purge=%s)",
		m.cfg.DrainInterval, m.cfg.MetricsInterval, m.cfg.PurgeInterval)

	m.wg.Add(3)
	go m.drainWorker()
	go m.metricsWorker()
	go m.purgeWorker()
}

// Stop stops the background tasks and waits for them to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[Scheduler] Stopping...")
	close(m.stopCh)
	m.running = false
	m.wg.Wait()
	log.Info("[Scheduler] Stopped")
}

func (m *Manager) drainWorker() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.withLock("subscription:lock:drain", m.cfg.DrainInterval, func() {
				stats, err := m.svc.Drain(context.Background())
				if err != nil {
					log.Errorf("[Scheduler] DLQ drain failed: %v", err)
					return
				}
				if stats.Claimed > 0 {
					log.Infof("[Scheduler] DLQ drain: claimed=%d applied=%d rescheduled=%d expired=%d",
						stats.Claimed, stats.Applied, stats.Rescheduled, stats.ExpiredOut)
				}
			})
		}
	}
}

func (m *Manager) metricsWorker() {
	defer m.wg.Done()

	// Recompute the previous day at startup so restarts cannot leave a gap.
	m.withLock("subscription:lock:metrics", time.Minute, func() {
		yesterday := time.Now().UTC().AddDate(0, 0, -1)
		if _, err := m.svc.RecomputeDailyMetrics(context.Background(), yesterday); err != nil {
			log.Errorf("[Scheduler] Startup metrics recompute failed: %v", err)
		}
	})

	ticker := time.NewTicker(m.cfg.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case t := <-ticker.C:
			m.withLock("subscription:lock:metrics", time.Minute, func() {
				day := t.UTC().AddDate(0, 0, -1)
				if _, err := m.svc.RecomputeDailyMetrics(context.Background(), day); err != nil {
					log.Errorf("[Scheduler] Metrics recompute failed: %v", err)
				}
			})
		}
	}
}

func (m *Manager) purgeWorker() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.withLock("subscription:lock:purge", time.Hour, func() {
				purged, err := m.svc.PurgeOldEvents(context.Background(), m.cfg.RetentionDays)
				if err != nil {
					log.Errorf("[Scheduler] Purge failed: %v", err)
					return
				}
				log.Infof("[Scheduler] Purge removed %d events", purged)
			})
		}
	}
}

// withLock runs fn while holding a best-effort Redis lock. When Redis is
// unreachable the task still runs; single-instance deployments must not
// stall on a cache outage.
func (m *Manager) withLock(key string, ttl time.Duration, fn func()) {
	holder := uuid.New().String()
	ok, err := cache.AcquireLock(key, holder, ttl)
	if err != nil {
		log.Warnf("[Scheduler] Lock %s unavailable (%v), running anyway", key, err)
		fn()
		return
	}
	if !ok {
		log.Debugf("[Scheduler] Lock %s held elsewhere, skipping run", key)
		return
	}
	defer func() {
		if err := cache.ReleaseLock(key, holder); err != nil {
			log.Warnf("[Scheduler] Failed to release lock %s: %v", key, err)
		}
	}()
	fn()
}
