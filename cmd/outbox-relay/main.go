// Package main provides the outbox relay entry point. It publishes committed
// prior-authorization events from the outbox table to Redpanda.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-pas/internal/config"
	"github.com/drfirst/go-pas/internal/infrastructure/postgres"
	"github.com/drfirst/go-pas/internal/infrastructure/redpanda"
	"github.com/drfirst/go-pas/internal/observability/logging"
	"github.com/drfirst/go-pas/internal/observability/metrics"
	"github.com/drfirst/go-pas/internal/observability/tracing"
)

const (
	serviceName = "outbox-relay"
	retention   = 7 * 24 * time.Hour
)

func main() {
	cfg, err := config.Load(serviceName)
	if err != nil {
		panic(err)
	}

	base, err := logging.New(cfg.LogLevel, string(cfg.Environment))
	if err != nil {
		panic(err)
	}
	logger := logging.Service(base, serviceName, string(cfg.Environment))
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	traceCfg := tracing.DefaultConfig(serviceName)
	traceCfg.Environment = string(cfg.Environment)
	traceCfg.OTLPEndpoint = cfg.OTLPEndpoint
	traceCfg.SampleRate = cfg.TraceSampleRate
	tp, err := tracing.Init(ctx, traceCfg)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	oc, err := cfg.Orchestration()
	if err != nil {
		logger.Fatal("orchestration config invalid", zap.Error(err))
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to database")

	m := metrics.New(nil)

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = oc.Brokers
	producerCfg.ClientID = serviceName
	producerCfg.Metrics = m
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", oc.Brokers))

	outboxCfg := postgres.DefaultOutboxConfig()
	outboxCfg.DeadLetterTopic = oc.Topics.DeadLetter.Name
	outboxCfg.MaxRetries = oc.Retry.MaxAttempts
	outboxCfg.Metrics = m
	outbox := postgres.NewOutbox(pool, producer, outboxCfg, logger)
	outbox.Start()

	metricsServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           metrics.Handler(nil),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	cleanup := time.NewTicker(time.Hour)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			outbox.Stop()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_ = metricsServer.Shutdown(shutdownCtx)
			cancel()
			logger.Info("outbox relay stopped")
			return
		case <-cleanup.C:
			n, err := outbox.CleanupProcessed(ctx, retention)
			if err != nil {
				logger.Error("outbox cleanup failed", zap.Error(err))
				continue
			}
			if stats, err := outbox.GetStats(ctx); err == nil {
				logger.Info("outbox cleanup",
					zap.Int64("deleted", n),
					zap.Any("stats", stats))
			}
		}
	}
}
