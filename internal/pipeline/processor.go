// Package pipeline drives a prior-authorization request through validation,
// translation, SLA tracking and persistence, and records payer decisions.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-pas/internal/domain/priorauth"
	fhir "github.com/drfirst/go-pas/internal/fhir/r4"
	"github.com/drfirst/go-pas/internal/observability/metrics"
	"github.com/drfirst/go-pas/internal/pas/attachment"
	"github.com/drfirst/go-pas/internal/pas/mapper"
	"github.com/drfirst/go-pas/internal/pas/sla"
	"github.com/drfirst/go-pas/internal/pas/validation"
	"github.com/drfirst/go-pas/internal/x12/x278"
)

// Store persists prior-authorization aggregates.
type Store interface {
	Load(ctx context.Context, id string) (*priorauth.Aggregate, error)
	Save(ctx context.Context, agg *priorauth.Aggregate) error
	GetEvents(ctx context.Context, aggregateID string) ([]*priorauth.Event, error)
}

// PayerClient submits a PAS request Bundle to the payer.
type PayerClient interface {
	Submit(ctx context.Context, payerID string, bundle json.RawMessage) (*fhir.ClaimResponse, error)
}

// RejectedError carries every validation failure for a request.
type RejectedError struct {
	Result validation.Result
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("request rejected: %d validation errors", len(e.Result.Errors))
}

func (e *RejectedError) Unwrap() []error {
	errs := make([]error, len(e.Result.Errors))
	for i, ve := range e.Result.Errors {
		errs[i] = ve
	}
	return errs
}

func (e *RejectedError) Permanent() bool { return true }

// Submission is the outcome of HandleRequest.
type Submission struct {
	ID        string        `json:"id"`
	Intent    mapper.Intent `json:"intent"`
	Status    string        `json:"status"`
	SLA       sla.SLA       `json:"sla"`
	Bundle    *fhir.Bundle  `json:"bundle,omitempty"`
	Duplicate bool          `json:"duplicate,omitempty"`
}

// Option configures a Processor.
type Option func(*Processor)

// WithClock replaces time.Now for submission and decision timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// WithMetrics records pipeline metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithPayer enables SubmitToPayer.
func WithPayer(c PayerClient) Option {
	return func(p *Processor) { p.payer = c }
}

// WithSLAPolicy sets the decision windows used for new requests and extensions.
func WithSLAPolicy(policy sla.Policy) Option {
	return func(p *Processor) { p.slaPolicy = policy }
}

// WithBaseURL sets the base used for Bundle fullUrl values.
func WithBaseURL(base string) Option {
	return func(p *Processor) { p.baseURL = base }
}

// Processor coordinates the core translators around a Store.
type Processor struct {
	store     Store
	payer     PayerClient
	validator *validation.Validator
	toFHIR    *mapper.X12ToFHIRMapper
	toX12     *mapper.FHIRToX12Mapper
	baseURL   string
	slaPolicy sla.Policy
	now       func() time.Time
	metrics   *metrics.Metrics
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewProcessor creates a processor over store.
func NewProcessor(store Store, logger *zap.Logger, opts ...Option) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Processor{
		store:     store,
		toFHIR:    mapper.NewX12ToFHIRMapper(),
		toX12:     mapper.NewFHIRToX12Mapper(),
		baseURL:   "urn:pas",
		slaPolicy: sla.DefaultPolicy(),
		now:       time.Now,
		logger:    logger,
		tracer:    otel.Tracer("pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.validator = validation.NewValidator(validation.WithClock(p.now))
	return p
}

// HandleRequest validates, translates and records an X12 278 request.
// Resubmitting the same request returns the stored submission.
func (p *Processor) HandleRequest(ctx context.Context, req *x278.Request) (*Submission, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline_handle_request")
	defer span.End()

	result := p.validator.Validate(req)
	if !result.Valid {
		p.metrics.RequestRejected("validation")
		span.SetAttributes(attribute.Int("validation_errors", len(result.Errors)))
		return nil, &RejectedError{Result: result}
	}
	p.metrics.RequestReceived(string(req.Category), string(req.Urgency))

	started := time.Now()
	pa, err := p.toFHIR.MapRequest(req)
	p.metrics.ObserveTranslation("x12_to_fhir", started)
	if err != nil {
		p.metrics.RequestRejected("mapping")
		span.RecordError(err)
		return nil, err
	}
	id := pa.Claim.ID
	span.SetAttributes(attribute.String("prior_auth_id", id), attribute.String("intent", string(pa.Intent)))

	if pa.Intent == mapper.IntentCancel {
		if err := p.Cancel(ctx, id, "cancelled by requester"); err != nil {
			return nil, err
		}
		return &Submission{ID: id, Intent: pa.Intent, Status: string(priorauth.StatusCancelled)}, nil
	}

	existing, err := p.store.Load(ctx, id)
	switch {
	case err == nil:
		p.logger.Info("duplicate prior authorization request", zap.String("id", id))
		return &Submission{ID: id, Intent: pa.Intent, Status: string(existing.Status()), SLA: existing.SLA(), Duplicate: true}, nil
	case !errors.Is(err, priorauth.ErrNotFound):
		return nil, fmt.Errorf("load %s: %w", id, err)
	}

	submittedAt := p.now().UTC()
	s, err := p.slaPolicy.Calculate(id, sla.UrgencyClass(req.Urgency), submittedAt)
	if err != nil {
		return nil, err
	}
	bundle, err := pa.Bundle(p.baseURL, submittedAt)
	if err != nil {
		return nil, err
	}
	bundleJSON, err := json.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("encode bundle: %w", err)
	}

	agg := priorauth.NewAggregate(id)
	err = agg.Submit(&priorauth.SubmittedData{
		TraceNumber:    req.TraceNumber,
		PayerID:        req.PayerID,
		MemberHash:     priorauth.HashMemberID(req.Member.ID),
		RequesterNPI:   req.RequestingProvider.NPI,
		Category:       req.Category,
		Urgency:        req.Urgency,
		ProcedureCodes: req.ProcedureCodes(),
		Intent:         string(pa.Intent),
		Bundle:         bundleJSON,
		SLA:            s,
		SubmittedAt:    submittedAt,
	})
	if err != nil {
		return nil, err
	}
	if err := p.store.Save(ctx, agg); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("save %s: %w", id, err)
	}

	p.logger.Info("prior authorization submitted",
		zap.String("id", id),
		zap.String("category", string(req.Category)),
		zap.String("urgency", string(req.Urgency)),
		zap.Time("due_by", s.DueBy))

	return &Submission{ID: id, Intent: pa.Intent, Status: string(agg.Status()), SLA: s, Bundle: bundle}, nil
}

// HandleDecision records a payer ClaimResponse and returns its X12 278 form.
// Pended (A4) responses are returned without settling the SLA.
func (p *Processor) HandleDecision(ctx context.Context, id string, cr *fhir.ClaimResponse) (*x278.Response, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline_handle_decision", trace.WithAttributes(attribute.String("prior_auth_id", id)))
	defer span.End()

	started := time.Now()
	resp, err := p.toX12.MapResponse(cr)
	p.metrics.ObserveTranslation("fhir_to_x12", started)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if err := p.recordDecision(ctx, id, resp, cr); err != nil {
		return nil, err
	}
	return resp, nil
}

// HandleX12Decision records a payer decision received as X12 278 and returns
// its ClaimResponse form.
func (p *Processor) HandleX12Decision(ctx context.Context, id string, resp *x278.Response) (*fhir.ClaimResponse, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline_handle_x12_decision", trace.WithAttributes(attribute.String("prior_auth_id", id)))
	defer span.End()

	started := time.Now()
	cr, err := mapper.MapX12278ResponseToFHIR(resp)
	p.metrics.ObserveTranslation("x12_response_to_fhir", started)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if err := p.recordDecision(ctx, id, resp, cr); err != nil {
		return nil, err
	}
	return cr, nil
}

func (p *Processor) recordDecision(ctx context.Context, id string, resp *x278.Response, cr *fhir.ClaimResponse) error {
	agg, err := p.store.Load(ctx, id)
	if err != nil {
		return err
	}
	if resp.Status == x278.StatusPended {
		p.logger.Info("decision pended", zap.String("id", id))
		return nil
	}
	respJSON, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	crJSON, err := json.Marshal(cr)
	if err != nil {
		return fmt.Errorf("encode claim response: %w", err)
	}

	err = agg.Decide(&priorauth.DecidedData{
		Status:              resp.Status,
		Outcome:             string(cr.Outcome),
		AuthorizationNumber: resp.AuthorizationNumber,
		ReasonCode:          resp.ReasonCode,
		Response:            respJSON,
		ClaimResponse:       crJSON,
		DecidedAt:           p.now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := p.store.Save(ctx, agg); err != nil {
		return fmt.Errorf("save %s: %w", id, err)
	}

	s := agg.SLA()
	compliant, _ := s.Compliant()
	p.metrics.DecisionRecorded(string(resp.Status), string(s.Urgency), compliant)
	p.logger.Info("decision recorded",
		zap.String("id", id),
		zap.String("status", string(resp.Status)),
		zap.Bool("sla_compliant", compliant))
	return nil
}

// Extend grants the request's single SLA extension.
func (p *Processor) Extend(ctx context.Context, id, reason string) (sla.SLA, error) {
	agg, err := p.store.Load(ctx, id)
	if err != nil {
		return sla.SLA{}, err
	}
	if err := agg.Extend(reason, p.slaPolicy); err != nil {
		return sla.SLA{}, err
	}
	if err := p.store.Save(ctx, agg); err != nil {
		return sla.SLA{}, fmt.Errorf("save %s: %w", id, err)
	}
	p.metrics.ExtensionGranted()
	p.logger.Info("sla extended", zap.String("id", id), zap.Time("deadline", agg.SLA().Deadline()))
	return agg.SLA(), nil
}

// Cancel withdraws a request.
func (p *Processor) Cancel(ctx context.Context, id, reason string) error {
	agg, err := p.store.Load(ctx, id)
	if err != nil {
		return err
	}
	if err := agg.Cancel(reason); err != nil {
		return err
	}
	if err := p.store.Save(ctx, agg); err != nil {
		return fmt.Errorf("save %s: %w", id, err)
	}
	p.logger.Info("prior authorization cancelled", zap.String("id", id))
	return nil
}

// AddAttachment links a stored attachment to the request.
func (p *Processor) AddAttachment(ctx context.Context, id string, att attachment.PriorAuthAttachment, objectKey string) error {
	agg, err := p.store.Load(ctx, id)
	if err != nil {
		return err
	}
	err = agg.AddAttachment(&priorauth.AttachmentAddedData{
		BinaryID:            att.Binary.ID,
		DocumentReferenceID: att.DocumentReference.ID,
		BinaryURL:           att.DocumentReference.GetBinaryURL(),
		ContentType:         att.Binary.ContentType,
		Size:                len(att.Binary.Data),
		ObjectKey:           objectKey,
		AddedAt:             p.now().UTC(),
	})
	if err != nil {
		return err
	}
	return p.store.Save(ctx, agg)
}

// RecordConsent stores the patient's consent with the request.
func (p *Processor) RecordConsent(ctx context.Context, id string, consent fhir.Consent) error {
	agg, err := p.store.Load(ctx, id)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(consent)
	if err != nil {
		return fmt.Errorf("encode consent: %w", err)
	}
	err = agg.RecordConsent(&priorauth.ConsentRecordedData{
		Status:     consent.Status,
		Consent:    raw,
		RecordedAt: p.now().UTC(),
	})
	if err != nil {
		return err
	}
	return p.store.Save(ctx, agg)
}

// Get returns the current read model.
func (p *Processor) Get(ctx context.Context, id string) (priorauth.View, error) {
	agg, err := p.store.Load(ctx, id)
	if err != nil {
		return priorauth.View{}, err
	}
	return agg.View(), nil
}

// Events returns the event history.
func (p *Processor) Events(ctx context.Context, id string) ([]*priorauth.Event, error) {
	events, err := p.store.GetEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", priorauth.ErrNotFound, id)
	}
	return events, nil
}

// SubmitToPayer sends the stored Bundle to the payer and records a final
// decision when the payer answers synchronously.
func (p *Processor) SubmitToPayer(ctx context.Context, id string) (*x278.Response, error) {
	if p.payer == nil {
		return nil, errors.New("no payer client configured")
	}
	ctx, span := p.tracer.Start(ctx, "pipeline_submit_to_payer", trace.WithAttributes(attribute.String("prior_auth_id", id)))
	defer span.End()

	agg, err := p.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if agg.Status() != priorauth.StatusSubmitted && agg.Status() != priorauth.StatusExtended {
		p.logger.Info("skipping payer submission", zap.String("id", id), zap.String("status", string(agg.Status())))
		return nil, nil
	}

	cr, err := p.payer.Submit(ctx, agg.PayerID(), agg.Bundle())
	p.metrics.PayerSubmitted(agg.PayerID(), err)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("submit %s: %w", id, err)
	}
	return p.HandleDecision(ctx, id, cr)
}
