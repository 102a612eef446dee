// Package main provides the translation worker entry point. It consumes X12
// requests, submitted FHIR requests and payer decisions and drives them
// through the prior-authorization pipeline.
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
	"github.com/drfirst/go-pas/internal/domain/priorauth"
	"github.com/drfirst/go-pas/internal/infrastructure/payer"
	"github.com/drfirst/go-pas/internal/infrastructure/redpanda"
	"github.com/drfirst/go-pas/internal/observability/logging"
	"github.com/drfirst/go-pas/internal/observability/metrics"
	"github.com/drfirst/go-pas/internal/observability/tracing"
	"github.com/drfirst/go-pas/internal/pipeline"
	"github.com/drfirst/go-pas/pkg/idempotency"
	"github.com/drfirst/go-pas/pkg/workerpool"
)

const serviceName = "translation-worker"

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

	ctx := context.Background()

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

	m := metrics.New(nil)

	payerCfg := payer.DefaultConfig(oc.Endpoints.PayerSubmit)
	if cfg.PayerEndpoint != "" {
		payerCfg.DefaultEndpoint = cfg.PayerEndpoint
	}
	payerCfg.Timeout = cfg.PayerTimeout
	payerCfg.APIKey = cfg.PayerAPIKey
	payerCfg.Metrics = m
	payerClient := payer.NewClient(payerCfg, nil, logger)

	repo := priorauth.NewRepository(pool, priorauth.RoutesFor(oc.Topics), logger)
	proc := pipeline.NewProcessor(repo, logger,
		pipeline.WithMetrics(m),
		pipeline.WithPayer(payerClient),
		pipeline.WithBaseURL(oc.Endpoints.FHIRServer),
		pipeline.WithSLAPolicy(oc.SLA.Policy()),
	)
	dispatcher := pipeline.NewDispatcher(proc, oc.Topics, logger)

	inbox := idempotency.NewInbox(idempotency.NewPostgresStore(pool), idempotency.DefaultConfig(), logger)
	inbox.StartCleanup()
	defer inbox.Stop()

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = oc.Brokers
	producerCfg.ClientID = serviceName
	producerCfg.Metrics = m
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	poolCfg := workerPoolConfig(cfg.Workers, oc.Retry)
	w := &worker{
		inbox:    inbox,
		dispatch: dispatcher.Dispatch,
		dlq:      producer,
		dlqTopic: oc.Topics.DeadLetter.Name,
		logger:   logger,
	}
	workerPool, err := workerpool.New(poolCfg, w.process, logger)
	if err != nil {
		logger.Fatal("worker pool creation failed", zap.Error(err))
	}
	workerPool.Start()
	defer workerPool.Stop()

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = oc.Brokers
	consumerCfg.ClientID = serviceName
	consumerCfg.Topics = dispatcher.Topics()
	consumerCfg.Metrics = m
	consumerCfg.RetryBackoff = oc.Retry.InitialBackoff
	consumerCfg.MaxRetryBackoff = oc.Retry.MaxBackoff

	consumer, err := redpanda.NewConsumer(consumerCfg, w.handle(workerPool), logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}
	consumer.Start()

	metricsServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           statusRouter(workerPool, consumer, payerClient.Breakers(), inbox),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	logger.Info("translation worker started",
		zap.Strings("topics", consumerCfg.Topics),
		zap.Int("workers", poolCfg.Workers))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	consumer.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
	logger.Info("translation worker stopped")
}
