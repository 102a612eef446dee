// Package circuitbreaker guards payer endpoints with sony/gobreaker, adding
// tracing, OpenTelemetry counters and a per-payer registry.
package circuitbreaker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// State is a breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Gauge encodes s for a numeric gauge: 0 closed, 1 open, 2 half-open.
func (s State) Gauge() int {
	switch s {
	case StateOpen:
		return 1
	case StateHalfOpen:
		return 2
	}
	return 0
}

func stateOf(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	}
	return StateClosed
}

// Config holds breaker settings.
type Config struct {
	Name string
	// MaxRequests is the number of trial calls let through while half-open
	MaxRequests uint32
	// Interval clears the closed-state counts; zero never clears them
	Interval time.Duration
	// Timeout is how long the breaker stays open before going half-open
	Timeout time.Duration
	// FailureThreshold trips the breaker on this many consecutive failures
	// while fewer than MinRequests calls were counted
	FailureThreshold uint32
	// FailureRatio trips the breaker once MinRequests calls were counted
	FailureRatio float64
	MinRequests  uint32
	// IsSuccessful classifies a call result; nil uses DefaultIsSuccessful
	IsSuccessful func(err error) bool
	// OnStateChange is called after every transition
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns defaults for a payer submission endpoint.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		FailureRatio:     0.6,
		MinRequests:      10,
	}
}

// DefaultIsSuccessful counts nil and permanent errors as successes: a payer
// rejecting one request says nothing about the endpoint's health.
func DefaultIsSuccessful(err error) bool {
	if err == nil {
		return true
	}
	var p interface{ Permanent() bool }
	return errors.As(err, &p) && p.Permanent()
}

// IsOpenError reports whether err is a rejection by an open or saturated breaker.
func IsOpenError(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// Breaker is one named circuit breaker.
type Breaker struct {
	name   string
	gb     *gobreaker.CircuitBreaker
	logger *zap.Logger
	tracer trace.Tracer
	calls  metric.Int64Counter
}

// New creates a breaker from cfg.
func New(cfg Config, logger *zap.Logger) (*Breaker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	calls, err := otel.Meter("circuit-breaker").Int64Counter("circuit_breaker_calls_total",
		metric.WithDescription("Calls through circuit breakers by outcome"))
	if err != nil {
		return nil, err
	}

	b := &Breaker{
		name:   cfg.Name,
		logger: logger,
		tracer: otel.Tracer("circuit-breaker"),
		calls:  calls,
	}

	isSuccessful := cfg.IsSuccessful
	if isSuccessful == nil {
		isSuccessful = DefaultIsSuccessful
	}
	b.gb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			if c.Requests < cfg.MinRequests {
				return c.ConsecutiveFailures >= cfg.FailureThreshold
			}
			return float64(c.TotalFailures)/float64(c.Requests) >= cfg.FailureRatio
		},
		IsSuccessful: isSuccessful,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", string(stateOf(from))),
				zap.String("to", string(stateOf(to))))
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(name, stateOf(from), stateOf(to))
			}
		},
	})
	return b, nil
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state.
func (b *Breaker) State() State { return stateOf(b.gb.State()) }

// Counts returns the counts of the current generation.
func (b *Breaker) Counts() gobreaker.Counts { return b.gb.Counts() }

// Execute runs fn through the breaker.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	ctx, span := b.tracer.Start(ctx, "circuit_breaker_execute",
		trace.WithAttributes(
			attribute.String("breaker", b.name),
			attribute.String("state", string(b.State())),
		))
	defer span.End()

	out, err := b.gb.Execute(func() (any, error) { return fn(ctx) })

	outcome := "success"
	switch {
	case err == nil:
	case IsOpenError(err):
		outcome = "rejected"
		span.SetAttributes(attribute.Bool("circuit_open", true))
	default:
		outcome = "failure"
	}
	if err != nil {
		span.RecordError(err)
	}
	b.calls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("breaker", b.name),
		attribute.String("outcome", outcome)))
	return out, err
}

// Run is Execute with a typed result.
func Run[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	out, err := b.Execute(ctx, func(ctx context.Context) (any, error) { return fn(ctx) })
	if err != nil {
		var zero T
		return zero, err
	}
	return out.(T), nil
}

// Health describes one breaker for health endpoints.
type Health struct {
	Name     string `json:"name"`
	State    State  `json:"state"`
	Requests uint32 `json:"requests"`
	Failures uint32 `json:"failures"`
}

// Registry lazily creates one breaker per name from a template config.
type Registry struct {
	template Config
	logger   *zap.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose breakers are built from template.
func NewRegistry(template Config, logger *zap.Logger) *Registry {
	return &Registry{
		template: template,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// For returns the breaker for name, creating it on first use.
func (r *Registry) For(name string) (*Breaker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b, nil
	}
	cfg := r.template
	cfg.Name = name
	b, err := New(cfg, r.logger)
	if err != nil {
		return nil, err
	}
	r.breakers[name] = b
	return b, nil
}

// Lookup returns the breaker for name if one was created.
func (r *Registry) Lookup(name string) (*Breaker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	return b, ok
}

// Health reports every breaker, sorted by name.
func (r *Registry) Health() []Health {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Health, 0, len(r.breakers))
	for name, b := range r.breakers {
		c := b.Counts()
		out = append(out, Health{Name: name, State: b.State(), Requests: c.Requests, Failures: c.TotalFailures})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
