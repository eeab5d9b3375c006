package main

import (
	"context"
	"fmt"
	"time"

	"github.com/kolapay/payment-service/internal/config"
	"github.com/kolapay/payment-service/internal/logger"
	"github.com/kolapay/payment-service/internal/provider"
	"github.com/kolapay/payment-service/internal/repo"
	"github.com/kolapay/payment-service/internal/service"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// staleAfter: a PENDING transaction this old has outlived any in-process
// poll task and belongs to the sweep.
const staleAfter = 30 * time.Minute

func main() {
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.LeastBytes{},
	}

	repository := repo.NewRepository(gdb, rdb, kw, log)
	registry := buildRegistry(cfg, log)
	resolver := service.NewResolver(repository, log)
	sweeper := service.NewSweeper(repository, registry, resolver, log)

	outboxTicker := time.NewTicker(1 * time.Second)
	defer outboxTicker.Stop()
	sweepTicker := time.NewTicker(1 * time.Minute)
	defer sweepTicker.Stop()

	log.Info("payment-poller started")
	for {
		select {
		case <-outboxTicker.C:
			publishOutbox(repository, log)
		case <-sweepTicker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
			n, err := sweeper.Sweep(ctx, staleAfter, 100)
			cancel()
			if err != nil {
				log.Errorf("sweep: %v", err)
			} else if n > 0 {
				log.Infof("sweep resolved %d stale transactions", n)
			}
		}
	}
}

func publishOutbox(repository *repo.Repository, log *zap.SugaredLogger) {
	ctx := context.Background()
	events, err := repository.PollOutbox(ctx, 100)
	if err != nil {
		log.Errorf("poll outbox: %v", err)
		return
	}
	for _, evt := range events {
		if err := repository.PublishEvent(ctx, evt); err != nil {
			log.Errorf("publish id=%d: %v", evt.ID, err)
			continue
		}
		if err := repository.MarkOutboxProcessed(ctx, evt.ID); err != nil {
			log.Errorf("mark processed id=%d: %v", evt.ID, err)
		} else {
			log.Infof("event %d sent", evt.ID)
		}
	}
}

func buildRegistry(cfg *config.Config, log *zap.SugaredLogger) *provider.Registry {
	var adapters []provider.Adapter
	if flw, err := provider.NewFlutterwave(cfg.Providers.Flutterwave, log); err != nil {
		log.Errorf("flutterwave disabled: %v", err)
	} else {
		adapters = append(adapters, flw)
	}
	if mp, err := provider.NewMpesa(cfg.Providers.Mpesa, log); err != nil {
		log.Errorf("mpesa disabled: %v", err)
	} else {
		adapters = append(adapters, mp)
	}
	if at, err := provider.NewAirtel(cfg.Providers.Airtel, log); err != nil {
		log.Errorf("airtel disabled: %v", err)
	} else {
		adapters = append(adapters, at)
	}
	return provider.NewRegistry(adapters...)
}
