package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/kolapay/payment-service/internal/config"
	"github.com/kolapay/payment-service/internal/logger"
	"github.com/kolapay/payment-service/internal/model"
	"github.com/kolapay/payment-service/internal/provider"
	"github.com/kolapay/payment-service/internal/replay"
	"github.com/kolapay/payment-service/internal/repo"
	"github.com/kolapay/payment-service/internal/service"
	httptransport "github.com/kolapay/payment-service/internal/transport/http"
	"github.com/kolapay/payment-service/internal/vault"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	// 1. load config
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	// 3. postgres
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := gdb.AutoMigrate(&model.Transaction{}, &model.WebhookEvent{}, &model.PaymentCredential{}, &model.OutboxEvent{}); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	// 4. redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	// 5. kafka writer
	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.LeastBytes{},
	}

	// 6. repo, vault, adapters
	repository := repo.NewRepository(gdb, rdb, kw, log)

	v, err := vault.New(cfg.Vault.KeyHex)
	if err != nil {
		log.Fatalf("init vault: %v", err)
	}

	registry := buildRegistry(cfg, log)

	// 7. engine wiring
	resolver := service.NewResolver(repository, log)
	poller := service.NewPoller(repository, resolver, registry, log)
	pipeline := service.NewPipeline(registry, repository, resolver, v, log)
	payments := service.NewPaymentService(repository, registry, resolver, poller, log)
	guard := replay.NewGuard(repository, cfg.Replay.MaxAge, cfg.Replay.SignatureSecret, cfg.Replay.RequireSignature, log)

	// 8. gin router
	router := httptransport.NewRouter(payments, pipeline, guard, cfg.RateLimit, log)

	// 9. serve
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Infof("payment-server listening on %s", addr)
	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatalf("listen: %v", err)
	}
}

// buildRegistry constructs every rail whose credentials are present; a
// misconfigured rail is skipped with an error, not fatal for the rest.
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
	for _, a := range adapters {
		log.Infof("rail enabled: %s", a.Name())
	}
	return provider.NewRegistry(adapters...)
}
