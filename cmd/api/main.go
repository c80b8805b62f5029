package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/creatormarket/escrow/internal/config"
	"github.com/creatormarket/escrow/internal/db"
	"github.com/creatormarket/escrow/internal/events"
	apphttp "github.com/creatormarket/escrow/internal/http"
	"github.com/creatormarket/escrow/internal/http/handlers"
	"github.com/creatormarket/escrow/internal/ledger"
	"github.com/creatormarket/escrow/internal/metrics"
	"github.com/creatormarket/escrow/internal/payments"
	"github.com/creatormarket/escrow/internal/repositories"
	"github.com/creatormarket/escrow/internal/services"
	"github.com/creatormarket/escrow/internal/traces"
	"github.com/creatormarket/escrow/internal/webhooks"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing
	shutdownTraces, err := traces.Init(ctx, "escrow-api", cfg.OTLPEndpoint, log)
	if err != nil {
		log.Fatal("failed to init tracing", zap.Error(err))
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		_ = shutdownTraces(flushCtx)
	}()

	// Database
	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, log); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}
	go metrics.StartPoolStatsCollector(ctx, pool, 15*time.Second)

	// Redis
	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	// Events
	publisher := events.NewRedisPublisher(rdb, log)
	subscriber := events.NewRedisSubscriber(rdb, log)

	// Services
	store := repositories.NewPostgresStore(pool)
	provider := payments.FromConfig(cfg, log)
	recorder := ledger.NewRecorder(log)
	payoutService := services.NewPayoutService(store, provider, recorder, services.BPSFee(cfg.PlatformFeeBPS), publisher, log)
	escrowService := services.NewEscrowService(store, provider, payoutService, recorder, publisher, cfg, log)
	reconciler := services.NewReconciler(store, provider, escrowService, payoutService, recorder, cfg, log)
	dispatcher := webhooks.NewDispatcher(
		webhooks.NewStripeVerifier(cfg.StripeWebhookSecret, cfg.WebhookTolerance),
		webhooks.NewStripeParser(),
		escrowService, store, recorder, publisher, log,
	)

	// Handlers
	wsHub := handlers.NewWSHub(cfg, subscriber, log)
	if err := wsHub.Start(ctx); err != nil {
		log.Fatal("failed to subscribe ws hub", zap.Error(err))
	}

	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	apphttp.SetupRouter(app, cfg, log, rdb, apphttp.Handlers{
		Deals:      handlers.NewDealHandler(escrowService, log),
		Milestones: handlers.NewMilestoneHandler(escrowService, log),
		Admin:      handlers.NewAdminHandler(escrowService, payoutService, reconciler, log),
		Webhooks:   handlers.NewWebhookHandler(dispatcher, log),
		WS:         wsHub,
	})

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")
		cancel()
		_ = app.ShutdownWithTimeout(10 * time.Second)
	}()

	addr := fmt.Sprintf(":%s", cfg.APIPort)
	log.Info("starting API server", zap.String("addr", addr), zap.String("provider", provider.Name()))
	if err := app.Listen(addr); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}
