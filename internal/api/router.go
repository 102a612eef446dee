// Package api assembles the PAS gateway HTTP surface.
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/go-pas/internal/api/handlers"
	"github.com/drfirst/go-pas/internal/api/middleware"
	"github.com/drfirst/go-pas/internal/infrastructure/objectstore"
	"github.com/drfirst/go-pas/internal/observability/metrics"
	"github.com/drfirst/go-pas/internal/pas/cdshooks"
	"github.com/drfirst/go-pas/internal/pipeline"
	"github.com/drfirst/go-pas/internal/x12/qre"
)

// Deps are the collaborators the router mounts.
type Deps struct {
	Service   string
	Version   string
	Processor *pipeline.Processor
	Blobs     objectstore.BlobStore
	Analyzer  *qre.Analyzer
	CDS       *cdshooks.Adapter

	APIKeys     map[string]string
	CORSOrigins []string
	RateLimit   int

	// Ready reports whether backing stores are reachable; nil means always ready.
	Ready func(ctx context.Context) error
	// Gatherer serves /metrics; nil uses the default gatherer.
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// NewRouter builds the gateway router.
func NewRouter(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if d.Service == "" {
		d.Service = "pas-gateway"
	}

	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(d.CORSOrigins))
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Instrument(d.Service, logger))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"healthy","service":%q,"version":%q}`, d.Service, d.Version)
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if d.Ready != nil {
			if err := d.Ready(r.Context()); err != nil {
				logger.Warn("readiness check failed", zap.Error(err))
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		_, _ = w.Write([]byte("ready"))
	})
	r.Handle("/metrics", metrics.Handler(d.Gatherer))

	// CDS clients authenticate with their own JWTs, which the EHR verifies.
	if d.CDS != nil {
		r.Mount("/cds-services", handlers.NewCDSHandler(d.CDS, d.Processor, logger).Routes())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(d.RateLimit))
		r.Use(middleware.APIKeyAuth(d.APIKeys))
		r.Mount("/prior-auth", handlers.NewPriorAuthHandler(d.Processor, d.Blobs, logger).Routes())
		if d.Analyzer != nil {
			r.Post("/qre/analyze", handlers.NewQREHandler(d.Analyzer, logger).Analyze)
		}
	})

	return r
}
