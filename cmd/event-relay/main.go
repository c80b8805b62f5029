package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/creatormarket/escrow/internal/config"
	"github.com/creatormarket/escrow/internal/db"
	"github.com/creatormarket/escrow/internal/events"
	"go.uber.org/zap"
)

// Event relay forwards escrow notices from redis pub/sub to the AMQP exchange
// consumed by notification and analytics services.

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	amqpPub, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, log)
	if err != nil {
		log.Fatal("failed to connect to amqp", zap.Error(err))
	}
	defer amqpPub.Close()

	subscriber := events.NewRedisSubscriber(rdb, log)
	if err := subscriber.Subscribe(ctx, events.StreamEscrow, func(event events.Event) {
		forward(ctx, amqpPub, event, log)
	}); err != nil {
		log.Fatal("failed to subscribe", zap.Error(err))
	}

	log.Info("event-relay started", zap.String("exchange", cfg.AMQPExchange))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down event-relay")
	cancel()
}

func forward(ctx context.Context, pub events.Publisher, event events.Event, log *zap.Logger) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 100 * time.Millisecond
	eb.MaxElapsedTime = 10 * time.Second

	err := backoff.Retry(func() error {
		return pub.Publish(ctx, events.StreamEscrow, event)
	}, backoff.WithContext(eb, ctx))
	if err != nil {
		log.Error("dropping event after retries", zap.String("type", event.Type), zap.Error(err))
		return
	}
	log.Debug("event forwarded", zap.String("type", event.Type))
}
