package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/mealbridge/MealBridge/internal/pkg/archive"
	"github.com/mealbridge/MealBridge/internal/pkg/cache"
	"github.com/mealbridge/MealBridge/internal/pkg/database"
	"github.com/mealbridge/MealBridge/internal/pkg/env"
	"github.com/mealbridge/MealBridge/internal/pkg/router"
	"github.com/mealbridge/MealBridge/internal/pkg/subscription"
)

func main() {
	app := NewApplication()

	manager := setupScheduler()
	manager.Start()

	// Stop scheduler tasks cleanly on SIGINT/SIGTERM.
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		manager.Stop()
		_ = app.Shutdown()
	}()

	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	log.Fatal(err)
}

func NewApplication() *fiber.App {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	app := fiber.New(fiber.Config{
		AppName: "MealBridge Backend",
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// fiber metrics
	app.Get("/metrics", basicauth.New(basicauth.Config{
		Users: map[string]string{
			env.GetEnv("METRICS_USER", "admin"): env.GetEnv("METRICS_PASSWORD", "test"),
		},
	}), monitor.New())

	// ROUTER
	router.InstallRouter(app)

	return app
}

func setupScheduler() *subscription.Manager {
	manager := subscription.GetManager()

	archiveCfg, err := archive.LoadConfig()
	if err != nil {
		log.Printf("Archive configuration invalid, purge will delete without export: %v", err)
		return manager
	}
	if archiveCfg.IsEnabled() {
		client, err := archive.NewClient(archiveCfg)
		if err != nil {
			log.Printf("Archive client unavailable, purge will delete without export: %v", err)
			return manager
		}
		manager.GetService().WithArchiver(client)
	}

	return manager
}
