package main

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/drfirst/go-pas/internal/infrastructure/redpanda"
	"github.com/drfirst/go-pas/internal/observability/metrics"
	"github.com/drfirst/go-pas/pkg/circuitbreaker"
	"github.com/drfirst/go-pas/pkg/idempotency"
	"github.com/drfirst/go-pas/pkg/workerpool"
)

type workerStatus struct {
	Healthy  bool                    `json:"healthy"`
	Pool     workerpool.Stats        `json:"pool"`
	Consumer redpanda.ConsumerStats  `json:"consumer"`
	Breakers []circuitbreaker.Health `json:"breakers"`
	Inbox    *idempotency.Stats      `json:"inbox,omitempty"`
}

// statusRouter serves /metrics and a /health report. The worker is unhealthy
// while its queue is nearly full.
func statusRouter(pool *workerpool.Pool, consumer *redpanda.Consumer, breakers *circuitbreaker.Registry, inbox *idempotency.Inbox) http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", metrics.Handler(nil))
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		st := workerStatus{
			Healthy:  pool.Healthy(),
			Pool:     pool.Stats(),
			Consumer: consumer.Stats(),
			Breakers: breakers.Health(),
		}
		if inbox != nil {
			if s, err := inbox.Stats(r.Context()); err == nil {
				st.Inbox = s
			}
		}
		code := http.StatusOK
		if !st.Healthy {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(st)
	})
	return r
}
