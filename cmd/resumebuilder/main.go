package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"

	"github.com/a7csw/ResumeBuilder-sub001/app/controllers"
	"github.com/a7csw/ResumeBuilder-sub001/internal/pkg/billing"
	"github.com/a7csw/ResumeBuilder-sub001/internal/pkg/cache"
	"github.com/a7csw/ResumeBuilder-sub001/internal/pkg/config"
	"github.com/a7csw/ResumeBuilder-sub001/internal/pkg/database"
	"github.com/a7csw/ResumeBuilder-sub001/internal/pkg/entitlements"
	"github.com/a7csw/ResumeBuilder-sub001/internal/pkg/env"
	"github.com/a7csw/ResumeBuilder-sub001/internal/pkg/gate"
	"github.com/a7csw/ResumeBuilder-sub001/internal/pkg/planstore"
	"github.com/a7csw/ResumeBuilder-sub001/internal/pkg/ratelimit"
	"github.com/a7csw/ResumeBuilder-sub001/internal/pkg/router"
	"github.com/a7csw/ResumeBuilder-sub001/internal/pkg/usage"
)

type application struct {
	app      *fiber.App
	redriver *billing.Redriver
	cfg      *config.Config
}

func main() {
	a := newApplication()

	go func() {
		if err := a.app.Listen(a.cfg.Addr()); err != nil {
			log.Fatalf("[Server] Listen failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("[Server] Shutting down")
	a.redriver.Stop()
	if err := a.app.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.Errorf("[Server] Shutdown: %v", err)
	}
	_ = cache.Close()
}

func newApplication() *application {
	env.SetupEnvFile()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[Config] %v", err)
	}
	if err := database.SetupDatabase(); err != nil {
		log.Fatalf("[Database] %v", err)
	}

	// Redis is optional: without it deferred events and rate limits stay in process.
	var redisClient *redis.Client
	if err := cache.SetupCache(); err == nil {
		redisClient = cache.GetClient()
	}

	var deferred billing.DeferredQueue = billing.NewMemoryDeferredQueue()
	if redisClient != nil {
		deferred = billing.NewRedisDeferredQueue(redisClient)
	}

	policy := cfg.Policy()
	if cfg.EntitlementPolicy == entitlements.PolicyPermissive {
		log.Warn("[Config] Permissive entitlement policy active, quota checks are bypassed")
	}

	store := planstore.New(database.GetDB())
	evaluator := entitlements.NewEvaluator(policy)
	processor := billing.NewProcessor(store, policy, deferred, billing.ProcessorConfig{
		MaxDeferredAttempts: cfg.DeferredMaxAttempts,
		DeferredBackoff:     cfg.DeferredRedriveInterval,
	})
	redriver := billing.NewRedriver(deferred, processor, cfg.DeferredRedriveInterval)
	redriver.Start()

	capabilityGate := gate.New(store, evaluator, usage.NewService(store, evaluator))

	app := fiber.New(fiber.Config{
		BodyLimit:    1 << 20,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// fiber metrics
	if cfg.MetricsPassword != "" {
		app.Get("/metrics", basicauth.New(basicauth.Config{
			Users: map[string]string{
				cfg.MetricsUser: cfg.MetricsPassword,
			},
		}), monitor.New())
	}

	app.Get("/healthz", func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()
		sqlDB, err := database.GetDB().DB()
		if err == nil {
			err = sqlDB.PingContext(ctx)
		}
		if err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "storage_unavailable"})
		}
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// SWAGGER / OPENAPI
	if _, err := os.Stat("./public/docs/v1/openapi.yml"); err == nil {
		app.Use(swagger.New(swagger.Config{
			BasePath: "/docs/api/",
			FilePath: "./public/docs/v1/openapi.yml",
			Path:     "v1",
		}))
	}

	// ROUTER
	router.InstallRouter(app, router.NewApiRouter(
		controllers.NewBillingController(processor, cfg.BillingWebhookSecret, cfg.StripeWebhookSecret),
		controllers.NewGateController(capabilityGate),
		cfg.GateServiceToken,
		ratelimit.Config{Max: cfg.RateLimitMax, Window: cfg.RateLimitWindow, Client: redisClient},
	))

	return &application{app: app, redriver: redriver, cfg: cfg}
}
