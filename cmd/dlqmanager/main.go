package main

import (
	"context"
	"os/signal"
	"sync"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"example.com/devicesync/internal/config"
	"example.com/devicesync/internal/logging"
	"example.com/devicesync/internal/outbox"
	httptransport "example.com/devicesync/internal/transport/http"
)

const defaultDLQBatchSize = 50

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.ServiceName+"-dlq", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to postgres")
	}
	defer pool.Close()

	manager := outbox.NewDLQManager(pool, cfg.DLQMaxRetries, cfg.DLQBaseDelay, logger)
	metricsSrv := httptransport.NewServer("dlq-metrics", httptransport.ServerConfig{Address: cfg.MetricsAddress}, promhttp.Handler(), logger)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := metricsSrv.Run(ctx); err != nil {
			logger.WithError(err).Error("metrics server error")
		}
	}()

	logger.WithFields(logrus.Fields{
		"interval":    cfg.DLQPollInterval.String(),
		"max_retries": cfg.DLQMaxRetries,
	}).Info("dlq manager started")
	manager.Run(ctx, cfg.DLQPollInterval, defaultDLQBatchSize)

	logger.Info("dlq manager received shutdown signal")
	wg.Wait()
}
