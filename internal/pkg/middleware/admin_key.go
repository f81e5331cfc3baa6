package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/mealbridge/MealBridge/internal/pkg/env"
)

// AdminKeyMiddleware guards the operational endpoints (DLQ drain, metrics
// recompute, purge) with a static key from the environment. An empty
// configured key disables the surface entirely rather than leaving it open.
func AdminKeyMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		configured := strings.TrimSpace(env.GetEnv("ADMIN_API_KEY", ""))
		if configured == "" {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "forbidden", "message": "Admin API is not configured",
			})
		}

		provided := extractAdminKey(c)
		if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(configured)) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "unauthorized", "message": "Invalid admin key",
			})
		}
		return c.Next()
	}
}

func extractAdminKey(c *fiber.Ctx) string {
	if key := strings.TrimSpace(c.Get("X-Admin-Key")); key != "" {
		return key
	}
	auth := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}
