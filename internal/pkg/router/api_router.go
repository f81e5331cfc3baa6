package router

import (
	"net"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	redisstorage "github.com/gofiber/storage/redis"

	apiv1 "github.com/mealbridge/MealBridge/internal/api/v1"
	"github.com/mealbridge/MealBridge/internal/pkg/cache"
	"github.com/mealbridge/MealBridge/internal/pkg/database"
	"github.com/mealbridge/MealBridge/internal/pkg/env"
	"github.com/mealbridge/MealBridge/internal/pkg/middleware"
	"github.com/mealbridge/MealBridge/internal/pkg/subscription"
)

type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New(limiter.Config{
		Storage: limiterStorage(),
	}))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	svc := subscription.NewServiceFromDB(database.GetDB(), subscription.LoadConfigFromEnv()).
		WithCache(cache.GetClient())
	apiServer := apiv1.NewAPIServer(svc, true)

	v1 := api.Group("/v1")
	v1.Get("/ping", apiServer.GetPing)

	// Webhook ingestion: envelopes arrive pre-verified from the listener.
	v1.Post("/billing/webhooks/:platform", apiServer.PostWebhook)

	// Entitlement reads used by the rest of the application.
	v1.Get("/users/:id/premium", apiServer.GetUserPremium)
	v1.Get("/users/:id/subscription", apiServer.GetUserSubscription)

	// Operational surface.
	admin := v1.Group("/admin", middleware.AdminKeyMiddleware())
	admin.Post("/dlq/drain", apiServer.PostDrainDLQ)
	admin.Get("/dlq/stats", apiServer.GetDLQStats)
	admin.Post("/metrics/recompute", apiServer.PostRecomputeMetrics)
	admin.Post("/events/purge", apiServer.PostPurgeEvents)
}

// limiterStorage backs the rate limiter with Redis so limits hold across
// instances. Connection settings are reused from the cache client.
func limiterStorage() fiber.Storage {
	cacheClient := cache.GetClient()
	host := "localhost"
	port := 6379
	password := env.GetEnv("CACHE_PASSWORD", "")
	if cacheClient != nil {
		addr := cacheClient.Options().Addr
		if h, p, err := net.SplitHostPort(addr); err == nil {
			host = h
			if v, err := strconv.Atoi(p); err == nil {
				port = v
			}
		}
		if p := cacheClient.Options().Password; p != "" {
			password = p
		}
	}

	return redisstorage.New(redisstorage.Config{
		Host:     host,
		Port:     port,
		Password: password,
		Database: 1, // Separate database for limiter state (cache uses DB 0)
		Reset:    false,
	})
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}
