package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"example.com/devicesync/internal/analytics"
	"example.com/devicesync/internal/api"
	"example.com/devicesync/internal/auth"
	"example.com/devicesync/internal/balance"
	"example.com/devicesync/internal/config"
	"example.com/devicesync/internal/domain"
	"example.com/devicesync/internal/insight"
	"example.com/devicesync/internal/ledger"
	"example.com/devicesync/internal/logging"
	"example.com/devicesync/internal/outbox"
	"example.com/devicesync/internal/persistence/memory"
	persistence "example.com/devicesync/internal/persistence/postgres"
	"example.com/devicesync/internal/registry"
	"example.com/devicesync/internal/syncer"
	httptransport "example.com/devicesync/internal/transport/http"
	"example.com/devicesync/internal/vault"
	"example.com/devicesync/internal/vendors"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.ServiceName, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sealer, err := vault.New(masterKey(cfg, logger))
	if err != nil {
		logger.WithError(err).Fatal("invalid vault master key")
	}

	var (
		store      domain.Store
		dispatcher *outbox.Dispatcher
	)
	switch cfg.Store {
	case "memory":
		logger.Warn("using in-memory store; data is lost on restart and no events are published")
		store = memory.NewStore()
	default:
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			logger.WithError(err).Fatal("failed to connect to postgres")
		}
		defer pool.Close()
		store = persistence.NewRepository(pool)

		producer := outbox.NewKafkaProducer(cfg.KafkaBrokers, outbox.WithProducerLogger(logger))
		defer func() {
			if err := producer.Close(); err != nil {
				logger.WithError(err).Warn("kafka producer close failed")
			}
		}()
		schemas := outbox.NewSchemaRegistryClient(cfg.SchemaRegistryURL)
		dispatcher = outbox.NewDispatcher(pool, producer, schemas, cfg.OutboxPollInterval, cfg.OutboxBatchSize, outbox.WithLogger(logger))
		go dispatcher.Start(ctx)
	}

	platforms := vendors.NewDefaultRegistry(vendors.Settings{
		Timeout:       cfg.VendorTimeout,
		RatePerSecond: cfg.VendorRatePerSec,
		FitbitURL:     cfg.FitbitAPIURL,
		GatewayURL:    cfg.VendorGatewayURL,
	}, logger)

	devices := registry.New(store, sealer, registry.WithLogger(logger))
	led := ledger.New(store)
	orchestrator := syncer.New(store, led, platforms, devices,
		syncer.WithLogger(logger),
		syncer.WithConcurrency(cfg.SyncConcurrency),
		syncer.WithBackfillDays(cfg.BackfillDays),
	)
	devices.SetBackfiller(orchestrator)

	calculator := balance.New(store, store)
	generator := insight.New(insight.Settings{
		APIKey:   cfg.GeminiAPIKey,
		ModelURL: cfg.GeminiModelURL,
		Timeout:  cfg.VendorTimeout,
	}, logger)

	handler := api.NewHandler(api.Services{
		Devices:   devices,
		Sync:      orchestrator,
		Activity:  led,
		Balance:   calculator,
		Analytics: analytics.New(store, store),
		Insights:  insight.NewAdvisor(calculator, generator, logger),
	}, logger)

	authMiddleware := auth.NewMiddleware(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer})
	routes := handler.Routes(authMiddleware, api.Options{
		CORSOrigins:        []string{cfg.CORSOrigin},
		RateLimitPerMinute: cfg.RateLimitPerMinute,
	})

	server := httptransport.NewServer(cfg.ServiceName, httptransport.ServerConfig{
		Address:      cfg.HTTPAddress,
		WriteTimeout: cfg.HTTPWriteTimeout,
	}, routes, logger)

	if err := server.Run(ctx); err != nil {
		logger.WithError(err).Error("server error")
	}
	stop()

	if dispatcher != nil {
		dispatcher.Wait()
	}
	logger.Info("shutdown complete")
}

// masterKey returns the configured vault key. Without one, tokens are sealed under a key that
// lives only as long as the process.
func masterKey(cfg config.Config, logger logrus.FieldLogger) string {
	if cfg.VaultMasterKey != "" {
		return cfg.VaultMasterKey
	}
	key, err := vault.GenerateMasterKey()
	if err != nil {
		logger.WithError(err).Fatal("failed to generate vault key")
	}
	logger.Warn("VAULT_MASTER_KEY not set; stored vendor tokens will not survive a restart")
	return key
}
