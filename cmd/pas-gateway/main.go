// Package main provides the PAS gateway entry point: the prior-authorization
// REST API, the CDS Hooks status service and the QRE analyzer.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-pas/internal/api"
	"github.com/drfirst/go-pas/internal/config"
	"github.com/drfirst/go-pas/internal/domain/priorauth"
	"github.com/drfirst/go-pas/internal/infrastructure/objectstore"
	"github.com/drfirst/go-pas/internal/infrastructure/postgres"
	"github.com/drfirst/go-pas/internal/observability/logging"
	"github.com/drfirst/go-pas/internal/observability/metrics"
	"github.com/drfirst/go-pas/internal/observability/tracing"
	"github.com/drfirst/go-pas/internal/pas/cdshooks"
	"github.com/drfirst/go-pas/internal/pipeline"
	"github.com/drfirst/go-pas/internal/x12/qre"
)

const (
	serviceName = "pas-gateway"
	version     = "1.0.0"
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

	ctx := context.Background()

	traceCfg := tracing.DefaultConfig(serviceName)
	traceCfg.ServiceVersion = version
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
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Fatal("database ping failed", zap.Error(err))
	}
	logger.Info("connected to database")

	if cfg.AutoMigrate {
		if _, err := postgres.Migrate(ctx, pool, logger); err != nil {
			logger.Fatal("schema migration failed", zap.Error(err))
		}
	}

	blobs, err := objectstore.NewMinioStore(objectstore.Config{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    oc.AttachmentBucket,
		UseSSL:    cfg.MinioUseSSL,
	}, logger)
	if err != nil {
		logger.Fatal("object store init failed", zap.Error(err))
	}
	if err := blobs.EnsureBucket(ctx); err != nil {
		logger.Fatal("attachment bucket unavailable", zap.Error(err))
	}

	m := metrics.New(nil)
	repo := priorauth.NewRepository(pool, priorauth.RoutesFor(oc.Topics), logger)
	proc := pipeline.NewProcessor(repo, logger,
		pipeline.WithMetrics(m),
		pipeline.WithBaseURL(oc.Endpoints.FHIRServer),
		pipeline.WithSLAPolicy(oc.SLA.Policy()),
	)

	router := api.NewRouter(api.Deps{
		Service:     serviceName,
		Version:     version,
		Processor:   proc,
		Blobs:       blobs,
		Analyzer:    qre.NewAnalyzer(qre.DefaultConfig(), logger),
		CDS:         cdshooks.NewAdapter(cdshooks.Source{Label: "PAS Gateway", URL: oc.Endpoints.CDSServices}, oc.Endpoints.FHIRServer),
		APIKeys:     cfg.APIKeys,
		CORSOrigins: cfg.CORSOrigins,
		RateLimit:   cfg.RateLimit,
		Ready:       pool.Ping,
		Logger:      logger,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting PAS gateway",
		zap.String("port", cfg.Port),
		zap.String("environment", string(oc.Environment)))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}
