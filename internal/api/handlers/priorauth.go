package handlers

import (
	"io"
	"net/http"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-pas/internal/api/middleware"
	"github.com/drfirst/go-pas/internal/domain/priorauth"
	fhir "github.com/drfirst/go-pas/internal/fhir/r4"
	"github.com/drfirst/go-pas/internal/infrastructure/objectstore"
	"github.com/drfirst/go-pas/internal/pas/attachment"
	"github.com/drfirst/go-pas/internal/pas/consent"
	"github.com/drfirst/go-pas/internal/pas/sla"
	"github.com/drfirst/go-pas/internal/pipeline"
	"github.com/drfirst/go-pas/internal/x12/x278"
)

// maxAttachmentBytes caps an uploaded attachment.
const maxAttachmentBytes = 10 << 20

// PriorAuthHandler serves the prior-authorization resource.
type PriorAuthHandler struct {
	proc    *pipeline.Processor
	blobs   objectstore.BlobStore
	consent *consent.Builder
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewPriorAuthHandler creates the handler. Attachment bytes go to blobs.
func NewPriorAuthHandler(proc *pipeline.Processor, blobs objectstore.BlobStore, logger *zap.Logger) *PriorAuthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PriorAuthHandler{
		proc:    proc,
		blobs:   blobs,
		consent: consent.NewBuilder(nil),
		logger:  logger,
		tracer:  otel.Tracer("prior-auth-handler"),
	}
}

// Routes returns the handler routes
func (h *PriorAuthHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Get("/events", h.GetEvents)
		r.Post("/decision", h.Decide)
		r.Post("/x12-decision", h.DecideX12)
		r.Post("/extend", h.Extend)
		r.Post("/cancel", h.Cancel)
		r.Post("/attachments", h.AddAttachment)
		r.Get("/attachments/{binaryID}", h.GetAttachment)
		r.Post("/consent", h.RecordConsent)
	})
	return r
}

// Create handles POST /prior-auth with an X12 278 request body.
func (h *PriorAuthHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "create_prior_auth")
	defer span.End()

	var req x278.Request
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	sub, err := h.proc.HandleRequest(ctx, &req)
	if err != nil {
		span.RecordError(err)
		writeError(w, h.logger, err)
		return
	}
	span.SetAttributes(attribute.String("prior_auth_id", sub.ID))

	h.logger.Info("prior authorization received",
		zap.String("id", sub.ID),
		zap.String("intent", string(sub.Intent)),
		zap.Bool("duplicate", sub.Duplicate),
		zap.String("request_id", middleware.GetRequestID(ctx)),
		zap.String("client_id", middleware.GetClientID(ctx)))

	status := http.StatusCreated
	if sub.Duplicate || sub.Status == string(priorauth.StatusCancelled) {
		status = http.StatusOK
	}
	w.Header().Set("Location", "/api/v1/prior-auth/"+sub.ID)
	writeJSON(w, status, sub)
}

// Get handles GET /prior-auth/{id}
func (h *PriorAuthHandler) Get(w http.ResponseWriter, r *http.Request) {
	view, err := h.proc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GetEvents handles GET /prior-auth/{id}/events
func (h *PriorAuthHandler) GetEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.proc.Events(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// Decide handles POST /prior-auth/{id}/decision with a payer ClaimResponse
// and answers with the X12 278 response.
func (h *PriorAuthHandler) Decide(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "decide_prior_auth")
	defer span.End()

	var cr fhir.ClaimResponse
	if err := decodeJSON(w, r, &cr); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if cr.ResourceType != "ClaimResponse" {
		writeError(w, h.logger, badRequest("expected a ClaimResponse, got %q", cr.ResourceType))
		return
	}

	resp, err := h.proc.HandleDecision(ctx, chi.URLParam(r, "id"), &cr)
	if err != nil {
		span.RecordError(err)
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// DecideX12 handles POST /prior-auth/{id}/x12-decision with an X12 278
// response and answers with the ClaimResponse.
func (h *PriorAuthHandler) DecideX12(w http.ResponseWriter, r *http.Request) {
	var resp x278.Response
	if err := decodeJSON(w, r, &resp); err != nil {
		writeError(w, h.logger, err)
		return
	}
	cr, err := h.proc.HandleX12Decision(r.Context(), chi.URLParam(r, "id"), &resp)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeFHIR(w, http.StatusOK, cr)
}

// ExtendRequest is the body of POST /prior-auth/{id}/extend
type ExtendRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

// ExtendResponse reports the new decision deadline.
type ExtendResponse struct {
	ID  string  `json:"id"`
	SLA sla.SLA `json:"sla"`
}

// Extend handles POST /prior-auth/{id}/extend
func (h *PriorAuthHandler) Extend(w http.ResponseWriter, r *http.Request) {
	var req ExtendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	id := chi.URLParam(r, "id")
	s, err := h.proc.Extend(r.Context(), id, req.Reason)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ExtendResponse{ID: id, SLA: s})
}

// CancelRequest is the body of POST /prior-auth/{id}/cancel
type CancelRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

// Cancel handles POST /prior-auth/{id}/cancel
func (h *PriorAuthHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, h.logger, err)
			return
		}
	}
	id := chi.URLParam(r, "id")
	if err := h.proc.Cancel(r.Context(), id, req.Reason); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(priorauth.StatusCancelled)})
}

// AttachmentParams are the query parameters of an attachment upload.
type AttachmentParams struct {
	Subject  string `validate:"required,contains=/"`
	Category string `validate:"required,max=64"`
}

// AddAttachment handles POST /prior-auth/{id}/attachments. The body is the
// raw document; a missing or generic Content-Type is detected from the bytes.
func (h *PriorAuthHandler) AddAttachment(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "add_attachment")
	defer span.End()

	id := chi.URLParam(r, "id")
	params := AttachmentParams{
		Subject:  r.URL.Query().Get("subject"),
		Category: r.URL.Query().Get("category"),
	}
	if params.Category == "" {
		params.Category = attachment.CategoryClinicalNote
	}
	if err := validateStruct(params); err != nil {
		writeError(w, h.logger, err)
		return
	}

	if _, err := h.proc.Get(ctx, id); err != nil {
		writeError(w, h.logger, err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAttachmentBytes))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if len(body) == 0 {
		writeError(w, h.logger, badRequest("attachment body is empty"))
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" || strings.HasPrefix(contentType, "application/octet-stream") {
		contentType = mimetype.Detect(body).String()
	}
	span.SetAttributes(attribute.String("content_type", contentType), attribute.Int("size", len(body)))

	att, err := attachment.Build(id, contentType, body, params.Subject, params.Category)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	key := id + "/" + att.Binary.ID
	if err := h.blobs.Put(ctx, key, att.Binary.ContentType, body); err != nil {
		span.RecordError(err)
		writeError(w, h.logger, err)
		return
	}
	if err := h.proc.AddAttachment(ctx, id, att, key); err != nil {
		writeError(w, h.logger, err)
		return
	}

	h.logger.Info("attachment stored",
		zap.String("id", id),
		zap.String("binary_id", att.Binary.ID),
		zap.String("content_type", att.Binary.ContentType),
		zap.Int("size", len(body)))
	writeFHIR(w, http.StatusCreated, att.DocumentReference)
}

// GetAttachment handles GET /prior-auth/{id}/attachments/{binaryID}
func (h *PriorAuthHandler) GetAttachment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	view, err := h.proc.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	binaryID := chi.URLParam(r, "binaryID")
	for _, a := range view.Attachments {
		if a.BinaryID != binaryID {
			continue
		}
		data, contentType, err := h.blobs.Get(ctx, a.ObjectKey)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
		return
	}
	writeError(w, h.logger, objectstore.ErrObjectNotFound)
}

// ConsentRequest is the body of POST /prior-auth/{id}/consent
type ConsentRequest struct {
	PatientRef   string `json:"patient" validate:"required,startswith=Patient/"`
	PerformerRef string `json:"performer" validate:"required,contains=/"`
	Status       string `json:"status,omitempty" validate:"omitempty,oneof=active inactive entered-in-error"`
}

// RecordConsent handles POST /prior-auth/{id}/consent
func (h *PriorAuthHandler) RecordConsent(w http.ResponseWriter, r *http.Request) {
	var req ConsentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	c, err := h.consent.CreatePriorAuthConsent(req.PatientRef, req.PerformerRef)
	if err == nil && req.Status != "" {
		c, err = consent.WithStatus(c, req.Status)
	}
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	if err := h.proc.RecordConsent(r.Context(), chi.URLParam(r, "id"), c); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeFHIR(w, http.StatusCreated, c)
}
