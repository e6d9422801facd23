package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"

	"tutormemory/internal/bootstrap"
	"tutormemory/internal/config"
	"tutormemory/internal/handlers"
	"tutormemory/internal/jobs"
	"tutormemory/internal/logging"
	"tutormemory/internal/middleware"
	"tutormemory/internal/services"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// Load .env file (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("⚠️  No .env file found or error loading it: %v", err)
	} else {
		log.Println("✅ .env file loaded successfully")
	}

	logging.Init()
	log.Println("🚀 Starting memory service...")

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("❌ Invalid configuration: %v", err)
	}
	log.Printf("📋 Configuration loaded (Port: %s, Environment: %s)", cfg.Port, cfg.Environment)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	components, err := bootstrap.Build(ctx, cfg)
	if err != nil {
		log.Fatalf("❌ Failed to initialize memory engine: %v", err)
	}

	if cfg.ExtractionRulesFile != "" {
		if err := services.WatchExtractionRules(ctx, cfg.ExtractionRulesFile, components.Rules); err != nil {
			log.Printf("⚠️ Extraction rules hot reload disabled: %v", err)
		}
	}

	jobScheduler, err := jobs.NewJobScheduler()
	if err != nil {
		log.Fatalf("❌ Failed to create job scheduler: %v", err)
	}
	if err := components.RegisterJobs(jobScheduler); err != nil {
		log.Fatalf("❌ Failed to register jobs: %v", err)
	}
	jobScheduler.Start()

	app := fiber.New(fiber.Config{
		AppName:      "tutormemory",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 3 * time.Minute, // export and erase of large users
		IdleTimeout:  2 * time.Minute,
		BodyLimit:    1 * 1024 * 1024,
	})

	app.Use(recover.New())
	app.Use(logger.New())

	prometheus := fiberprometheus.New("tutormemory")
	prometheus.RegisterAt(app, "/metrics")
	app.Use(prometheus.Middleware)
	log.Println("📊 Prometheus metrics endpoint enabled at /metrics")

	app.Get("/health", handlers.NewHealthHandler().Handle)

	rateLimitConfig := middleware.LoadRateLimitConfig()
	log.Printf("🛡️  [RATE-LIMIT] Loaded config: Retrieve=%d/min, Admin=%d/min",
		rateLimitConfig.RetrieveMax, rateLimitConfig.AdminMax)

	api := app.Group("/api/v1", middleware.ServiceKeyMiddleware(cfg.ServiceAPIKey))
	handlers.NewMemoryHandler(components.Engine, jobScheduler).Register(api, handlers.RouteLimiters{
		Retrieve: middleware.RetrieveRateLimiter(rateLimitConfig),
		Admin:    middleware.AdminRateLimiter(rateLimitConfig),
	})

	log.Printf("✅ Server ready on port %s", cfg.Port)
	log.Printf("📡 Health check: http://localhost:%s/health", cfg.Port)

	// Handle graceful shutdown
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("\n🛑 Shutting down server...")

		if err := app.ShutdownWithTimeout(20 * time.Second); err != nil {
			log.Printf("⚠️ Error shutting down server: %v", err)
		}

		jobScheduler.Stop()
		cancel()

		drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer drainCancel()
		if err := components.Engine.Drain(drainCtx); err != nil {
			log.Printf("⚠️ Pending access updates not flushed: %v", err)
		}
		components.Close(drainCtx)
	}()

	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("❌ Failed to start server: %v", err)
	}
	<-shutdownDone
	log.Println("✅ Memory service stopped")
}
