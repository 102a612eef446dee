// Package payer submits PAS request bundles to payer Claim/$submit endpoints.
package payer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	fhir "github.com/drfirst/go-pas/internal/fhir/r4"
	"github.com/drfirst/go-pas/internal/observability/metrics"
	"github.com/drfirst/go-pas/pkg/circuitbreaker"
)

const fhirJSON = "application/fhir+json"

// maxResponseBytes caps how much of a payer response is read.
const maxResponseBytes = 4 << 20

// ErrNoEndpoint is returned when no endpoint is configured for a payer.
var ErrNoEndpoint = errors.New("no $submit endpoint for payer")

// StatusError is a non-2xx reply from a payer.
type StatusError struct {
	PayerID    string
	StatusCode int
	Outcome    *fhir.OperationOutcome
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("payer %s returned HTTP %d", e.PayerID, e.StatusCode)
	if e.Outcome != nil && len(e.Outcome.Issue) > 0 && e.Outcome.Issue[0].Diagnostics != "" {
		msg += ": " + e.Outcome.Issue[0].Diagnostics
	}
	return msg
}

// Permanent reports whether resubmitting the same bundle cannot succeed.
func (e *StatusError) Permanent() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// InvalidResponseError is a 2xx reply that carries no ClaimResponse.
type InvalidResponseError struct {
	PayerID string
	Cause   error
}

func (e *InvalidResponseError) Error() string {
	return fmt.Sprintf("payer %s: invalid $submit response: %v", e.PayerID, e.Cause)
}

func (e *InvalidResponseError) Unwrap() error   { return e.Cause }
func (e *InvalidResponseError) Permanent() bool { return true }

// Config holds payer endpoint settings
type Config struct {
	// DefaultEndpoint is used for payers without an entry in Endpoints
	DefaultEndpoint string
	// Endpoints maps payer id to its Claim/$submit URL
	Endpoints map[string]string
	// Timeout bounds one HTTP exchange
	Timeout time.Duration
	// APIKey is sent as a bearer token when set
	APIKey string
	// Breaker is the template for each per-payer circuit breaker
	Breaker circuitbreaker.Config
	// Metrics records breaker states when set
	Metrics *metrics.Metrics
}

// DefaultConfig returns defaults with the given fallback endpoint.
func DefaultConfig(endpoint string) Config {
	return Config{
		DefaultEndpoint: endpoint,
		Timeout:         30 * time.Second,
		Breaker:         circuitbreaker.DefaultConfig(""),
	}
}

// Client posts bundles to payers, one circuit breaker per payer.
type Client struct {
	http     *http.Client
	config   Config
	breakers *circuitbreaker.Registry
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewClient creates a payer client. A nil httpClient uses one with cfg.Timeout.
func NewClient(cfg Config, httpClient *http.Client, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	template := cfg.Breaker
	if m := cfg.Metrics; m != nil {
		template.OnStateChange = func(name string, _, to circuitbreaker.State) {
			m.SetBreakerState(name, to.Gauge())
		}
	}
	return &Client{
		http:     httpClient,
		config:   cfg,
		breakers: circuitbreaker.NewRegistry(template, logger),
		logger:   logger,
		tracer:   otel.Tracer("payer-client"),
	}
}

// Breakers exposes the per-payer breakers for health reporting.
func (c *Client) Breakers() *circuitbreaker.Registry { return c.breakers }

func (c *Client) endpoint(payerID string) (string, error) {
	if u, ok := c.config.Endpoints[payerID]; ok && u != "" {
		return u, nil
	}
	if c.config.DefaultEndpoint == "" {
		return "", fmt.Errorf("%w %s", ErrNoEndpoint, payerID)
	}
	return c.config.DefaultEndpoint, nil
}

// Submit posts bundle to the payer and returns the adjudicated ClaimResponse.
// The payer may answer with a bare ClaimResponse or a Bundle containing one.
func (c *Client) Submit(ctx context.Context, payerID string, bundle json.RawMessage) (*fhir.ClaimResponse, error) {
	ctx, span := c.tracer.Start(ctx, "payer_submit",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("payer_id", payerID)))
	defer span.End()

	url, err := c.endpoint(payerID)
	if err != nil {
		return nil, err
	}

	cb, err := c.breakers.For("payer-" + payerID)
	if err != nil {
		return nil, err
	}

	cr, err := circuitbreaker.Run(ctx, cb, func(ctx context.Context) (*fhir.ClaimResponse, error) {
		return c.post(ctx, payerID, url, bundle)
	})
	if err != nil {
		span.RecordError(err)
		c.logger.Warn("payer submission failed",
			zap.String("payer_id", payerID),
			zap.String("endpoint", url),
			zap.Error(err))
		return nil, err
	}
	return cr, nil
}

func (c *Client) post(ctx context.Context, payerID, url string, bundle json.RawMessage) (*fhir.ClaimResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bundle))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", fhirJSON)
	req.Header.Set("Accept", fhirJSON)
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post to payer %s: %w", payerID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read payer %s response: %w", payerID, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		serr := &StatusError{PayerID: payerID, StatusCode: resp.StatusCode}
		var oo fhir.OperationOutcome
		if json.Unmarshal(body, &oo) == nil && oo.ResourceType == "OperationOutcome" {
			serr.Outcome = &oo
		}
		return nil, serr
	}

	cr, err := decodeClaimResponse(body)
	if err != nil {
		return nil, &InvalidResponseError{PayerID: payerID, Cause: err}
	}
	return cr, nil
}

func decodeClaimResponse(body []byte) (*fhir.ClaimResponse, error) {
	var head struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return nil, err
	}

	switch head.ResourceType {
	case "ClaimResponse":
		var cr fhir.ClaimResponse
		if err := json.Unmarshal(body, &cr); err != nil {
			return nil, err
		}
		return &cr, nil
	case "Bundle":
		var b fhir.Bundle
		if err := json.Unmarshal(body, &b); err != nil {
			return nil, err
		}
		var cr fhir.ClaimResponse
		found, err := b.FindResource("ClaimResponse", &cr)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, errors.New("bundle has no ClaimResponse entry")
		}
		return &cr, nil
	}
	return nil, fmt.Errorf("unexpected resourceType %q", head.ResourceType)
}
