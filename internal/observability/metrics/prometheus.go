// Package metrics provides Prometheus metrics for the prior-authorization services.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	RequestsReceived      *prometheus.CounterVec
	RequestsRejected      *prometheus.CounterVec
	Decisions             *prometheus.CounterVec
	SLADecisions          *prometheus.CounterVec
	SLAExtensions         prometheus.Counter
	TranslationDuration   *prometheus.HistogramVec
	PayerSubmissions      *prometheus.CounterVec
	KafkaMessagesProduced *prometheus.CounterVec
	KafkaMessagesConsumed *prometheus.CounterVec
	OutboxPending         prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec
}

// New creates all metrics and registers them with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		RequestsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pas_requests_received_total",
			Help: "Prior authorization requests received",
		}, []string{"category", "urgency"}),
		RequestsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pas_requests_rejected_total",
			Help: "Requests rejected before submission",
		}, []string{"reason"}),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pas_decisions_total",
			Help: "Payer decisions recorded, by X12 status",
		}, []string{"status"}),
		SLADecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pas_sla_decisions_total",
			Help: "Decisions by SLA compliance",
		}, []string{"urgency", "compliant"}),
		SLAExtensions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pas_sla_extensions_total",
			Help: "SLA extensions granted",
		}),
		TranslationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pas_translation_duration_seconds",
			Help:    "Translation duration by direction",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25},
		}, []string{"direction"}),
		PayerSubmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pas_payer_submissions_total",
			Help: "Claim/$submit calls by payer and result",
		}, []string{"payer", "result"}),
		KafkaMessagesProduced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}, []string{"topic"}),
		KafkaMessagesConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}, []string{"topic"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.RequestsReceived,
		m.RequestsRejected,
		m.Decisions,
		m.SLADecisions,
		m.SLAExtensions,
		m.TranslationDuration,
		m.PayerSubmissions,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

// RequestReceived counts an inbound request.
func (m *Metrics) RequestReceived(category, urgency string) {
	if m == nil {
		return
	}
	m.RequestsReceived.WithLabelValues(category, urgency).Inc()
}

// RequestRejected counts a request rejected for reason.
func (m *Metrics) RequestRejected(reason string) {
	if m == nil {
		return
	}
	m.RequestsRejected.WithLabelValues(reason).Inc()
}

// DecisionRecorded counts a decision and its SLA compliance.
func (m *Metrics) DecisionRecorded(status, urgency string, compliant bool) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(status).Inc()
	m.SLADecisions.WithLabelValues(urgency, strconv.FormatBool(compliant)).Inc()
}

// ExtensionGranted counts an SLA extension.
func (m *Metrics) ExtensionGranted() {
	if m == nil {
		return
	}
	m.SLAExtensions.Inc()
}

// ObserveTranslation records how long one translation took.
func (m *Metrics) ObserveTranslation(direction string, started time.Time) {
	if m == nil {
		return
	}
	m.TranslationDuration.WithLabelValues(direction).Observe(time.Since(started).Seconds())
}

// PayerSubmitted counts a payer call.
func (m *Metrics) PayerSubmitted(payer string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.PayerSubmissions.WithLabelValues(payer, result).Inc()
}

// MessageProduced counts a record written to topic.
func (m *Metrics) MessageProduced(topic string) {
	if m == nil {
		return
	}
	m.KafkaMessagesProduced.WithLabelValues(topic).Inc()
}

// MessageConsumed counts a record read from topic.
func (m *Metrics) MessageConsumed(topic string) {
	if m == nil {
		return
	}
	m.KafkaMessagesConsumed.WithLabelValues(topic).Inc()
}

// SetOutboxPending reports the unpublished outbox backlog.
func (m *Metrics) SetOutboxPending(n int) {
	if m == nil {
		return
	}
	m.OutboxPending.Set(float64(n))
}

// SetBreakerState reports a circuit breaker state (0=closed, 1=open, 2=half-open).
func (m *Metrics) SetBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// Handler returns the Prometheus HTTP handler for g. A nil g uses the default gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
