package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/creatormarket/escrow/internal/config"
	"github.com/creatormarket/escrow/internal/db"
	"github.com/creatormarket/escrow/internal/events"
	"github.com/creatormarket/escrow/internal/ledger"
	"github.com/creatormarket/escrow/internal/metrics"
	"github.com/creatormarket/escrow/internal/payments"
	"github.com/creatormarket/escrow/internal/repositories"
	"github.com/creatormarket/escrow/internal/services"
	"github.com/creatormarket/escrow/internal/traces"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTraces, err := traces.Init(ctx, "escrow-worker", cfg.OTLPEndpoint, log)
	if err != nil {
		log.Fatal("failed to init tracing", zap.Error(err))
	}
	defer func() { _ = shutdownTraces(context.Background()) }()

	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()
	go metrics.StartPoolStatsCollector(ctx, pool, 15*time.Second)

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	// Services
	store := repositories.NewPostgresStore(pool)
	provider := payments.FromConfig(cfg, log)
	recorder := ledger.NewRecorder(log)
	publisher := events.NewRedisPublisher(rdb, log)
	payoutService := services.NewPayoutService(store, provider, recorder, services.BPSFee(cfg.PlatformFeeBPS), publisher, log)
	escrowService := services.NewEscrowService(store, provider, payoutService, recorder, publisher, cfg, log)
	reconciler := services.NewReconciler(store, provider, escrowService, payoutService, recorder, cfg, log)

	instance := uuid.NewString()
	log.Info("worker started", zap.String("instance", instance))

	approveTicker := time.NewTicker(cfg.AutoApproveInterval)
	reconcileTicker := time.NewTicker(cfg.ReconcileInterval)
	defer approveTicker.Stop()
	defer reconcileTicker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-approveTicker.C:
			runJob(ctx, rdb, instance, "auto_approve", cfg.AutoApproveInterval, log, escrowService.ApproveDue)
		case <-reconcileTicker.C:
			runJob(ctx, rdb, instance, "reconcile_funding", cfg.ReconcileInterval, log, reconciler.ReconcileFunding)
			runJob(ctx, rdb, instance, "reconcile_payouts", cfg.ReconcileInterval, log, reconciler.ReconcilePayouts)
		case <-sigCh:
			log.Info("shutting down worker")
			cancel()
			return
		case <-ctx.Done():
			return
		}
	}
}

// runJob runs one pass of a periodic job unless another replica holds its lock.
func runJob(ctx context.Context, rdb *redis.Client, instance, name string, interval time.Duration, log *zap.Logger, job func(context.Context) (int, error)) {
	release, ok, err := db.TryLock(ctx, rdb, "lock:worker:"+name, instance, interval)
	if err != nil {
		log.Warn("job lock unavailable, skipping", zap.String("job", name), zap.Error(err))
		return
	}
	if !ok {
		log.Debug("job running elsewhere", zap.String("job", name))
		return
	}
	defer release()

	start := time.Now()
	n, err := job(ctx)
	if err != nil {
		log.Error("job failed", zap.String("job", name), zap.Int("handled", n), zap.Error(err))
		return
	}
	if n > 0 {
		log.Info("job finished", zap.String("job", name), zap.Int("handled", n), zap.Duration("took", time.Since(start)))
	}
}
