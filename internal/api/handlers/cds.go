package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-pas/internal/domain/priorauth"
	fhir "github.com/drfirst/go-pas/internal/fhir/r4"
	"github.com/drfirst/go-pas/internal/pas/cdshooks"
	"github.com/drfirst/go-pas/internal/pipeline"
	"github.com/drfirst/go-pas/internal/x12/x278"
)

// StatusServiceID is the CDS service that reports prior-authorization status
// for draft orders.
const StatusServiceID = "pas-status"

var errUnknownService = errors.New("unknown cds service")

// CDSHandler serves the CDS Hooks discovery document and the status service.
type CDSHandler struct {
	adapter *cdshooks.Adapter
	proc    *pipeline.Processor
	logger  *zap.Logger
}

// NewCDSHandler creates the CDS Hooks handler.
func NewCDSHandler(adapter *cdshooks.Adapter, proc *pipeline.Processor, logger *zap.Logger) *CDSHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CDSHandler{adapter: adapter, proc: proc, logger: logger}
}

// Routes returns the handler routes
func (h *CDSHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.Discovery)
	r.Post("/{service}", h.Invoke)
	return r
}

// Discovery handles GET /cds-services
func (h *CDSHandler) Discovery(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, cdshooks.Discovery{Services: []cdshooks.ServiceDefinition{{
		Hook:        cdshooks.HookOrderSign,
		ID:          StatusServiceID,
		Title:       "Prior authorization status",
		Description: "Reports the payer decision or pending status of prior authorizations for draft orders",
	}}})
}

// Invoke handles POST /cds-services/{service}
func (h *CDSHandler) Invoke(w http.ResponseWriter, r *http.Request) {
	if chi.URLParam(r, "service") != StatusServiceID {
		writeError(w, h.logger, fmt.Errorf("%w: %q", errUnknownService, chi.URLParam(r, "service")))
		return
	}

	var req cdshooks.Request
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if err := cdshooks.ValidateContext(req.Hook, req.Context); err != nil {
		writeError(w, h.logger, err)
		return
	}

	var cards []cdshooks.Card
	for _, id := range claimIDs(req.Context.DraftOrders) {
		card, err := h.cardFor(r, id)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		cards = append(cards, card)
	}
	if cards == nil {
		cards = []cdshooks.Card{}
	}
	writeJSON(w, http.StatusOK, cdshooks.Response{Cards: cards})
}

func (h *CDSHandler) cardFor(r *http.Request, id string) (cdshooks.Card, error) {
	view, err := h.proc.Get(r.Context(), id)
	if errors.Is(err, priorauth.ErrNotFound) {
		return h.adapter.CreateCRDCard("", "No prior authorization on file",
			"No prior authorization request was found for "+id+".", cdshooks.IndicatorWarning)
	}
	if err != nil {
		return cdshooks.Card{}, err
	}

	switch view.Status {
	case priorauth.StatusDecided:
		var resp x278.Response
		if err := json.Unmarshal(view.Decision.Response, &resp); err != nil {
			return cdshooks.Card{}, fmt.Errorf("decode decision for %s: %w", id, err)
		}
		return h.adapter.CardForResponse("", &resp)
	case priorauth.StatusCancelled:
		return h.adapter.CreateCRDCard("", "Prior authorization cancelled",
			"Request "+id+" was withdrawn.", cdshooks.IndicatorWarning)
	}
	return h.adapter.CreateCRDCard("", "Prior authorization pending payer review",
		"Decision due by "+view.SLA.Deadline().Format(time.RFC1123)+".", cdshooks.IndicatorInfo)
}

// claimIDs returns the ids of the Claim resources in a draft-orders bundle.
func claimIDs(b *fhir.Bundle) []string {
	if b == nil {
		return nil
	}
	var ids []string
	for _, e := range b.Entry {
		var head struct {
			ResourceType string `json:"resourceType"`
			ID           string `json:"id"`
		}
		if json.Unmarshal(e.Resource, &head) == nil && head.ResourceType == "Claim" && head.ID != "" {
			ids = append(ids, head.ID)
		}
	}
	return ids
}
