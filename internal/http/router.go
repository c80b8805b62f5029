package http

import (
	"time"

	"github.com/creatormarket/escrow/internal/config"
	"github.com/creatormarket/escrow/internal/http/handlers"
	"github.com/creatormarket/escrow/internal/metrics"
	"github.com/creatormarket/escrow/internal/middleware"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Handlers struct {
	Deals      *handlers.DealHandler
	Milestones *handlers.MilestoneHandler
	Admin      *handlers.AdminHandler
	Webhooks   *handlers.WebhookHandler
	WS         *handlers.WSHub // optional
}

// SetupRouter registers every route. rdb may be nil, which disables rate limiting.
func SetupRouter(app *fiber.App, cfg *config.Config, log *zap.Logger, rdb *redis.Client, h Handlers) {
	// Global middleware
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
	}))
	app.Use(middleware.RequestIDMiddleware())
	app.Use(middleware.LoggerMiddleware(log))
	app.Use(metrics.Middleware())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", metrics.Handler())

	// Provider notifications are authenticated by signature, not by token
	app.Post("/webhooks/payments", h.Webhooks.Receive)

	api := app.Group("/api/v1", middleware.AuthMiddleware(cfg, log))
	if rdb != nil {
		api.Use(middleware.RateLimitMiddleware(rdb, cfg.RateLimitPerMinute, time.Minute))
	}

	// Deals
	api.Post("/deals", h.Deals.CreateDeal)
	api.Get("/deals/:id", h.Deals.GetDeal)
	api.Post("/deals/:id/fund", h.Deals.FundDeal)
	api.Post("/deals/:id/dispute", h.Deals.RaiseDispute)
	api.Get("/deals/:id/ledger", h.Deals.GetLedger)

	// Milestones
	api.Post("/milestones/:id/submit", h.Milestones.Submit)
	api.Post("/milestones/:id/approve", h.Milestones.Approve)
	api.Post("/milestones/:id/request-revision", h.Milestones.RequestRevision)

	// Admin
	admin := api.Group("/admin", middleware.AdminMiddleware())
	admin.Post("/deals/:id/resolve", h.Admin.ResolveDispute)
	admin.Post("/deals/:id/reconcile", h.Admin.ReconcileDeal)
	admin.Post("/payouts/:id/retry", h.Admin.RetryPayout)
	admin.Delete("/actors/:id", h.Admin.AnonymizeActor)

	if h.WS != nil {
		app.Use("/ws", handlers.WSUpgradeMiddleware())
		app.Get("/ws", websocket.New(h.WS.HandleWS))
	}
}
