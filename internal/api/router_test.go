package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drfirst/go-pas/internal/domain/priorauth"
	"github.com/drfirst/go-pas/internal/infrastructure/objectstore"
	"github.com/drfirst/go-pas/internal/pas/cdshooks"
	"github.com/drfirst/go-pas/internal/pipeline"
)

const apiKey = "test-key"

const requestBody = `{
  "trace_number": "TRN-0001",
  "created_date": "20240105",
  "category": "HS",
  "certification_type": "I",
  "urgency": "standard",
  "payer_id": "PAYER01",
  "member": {"id": "M123", "first_name": "Ann", "last_name": "Lee", "birth_date": "19800115", "gender": "F"},
  "requesting_provider": {"npi": "1234567890", "name": "Dr Smith"},
  "services": [{"procedure_code": "99213", "qualifier": "HC", "quantity": 1, "unit_code": "UN", "diagnosis_pointers": [1]}],
  "diagnoses": [{"code": "J45.909", "qualifier": "ABK"}],
  "service_date": {"start": "20240110"}
}`

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	now := func() time.Time { return time.Date(2024, 1, 5, 9, 0, 0, 0, time.UTC) }
	proc := pipeline.NewProcessor(priorauth.NewMemoryRepository(), nil, pipeline.WithClock(now))
	adapter := cdshooks.NewAdapter(cdshooks.Source{Label: "PAS Gateway"}, "https://fhir.example.org")
	adapter.NewID = func() string { return "card-1" }
	return NewRouter(Deps{
		Version:   "test",
		Processor: proc,
		Blobs:     objectstore.NewMemoryStore(),
		CDS:       adapter,
		APIKeys:   map[string]string{apiKey: "ehr"},
		Gatherer:  prometheus.NewRegistry(),
	})
}

func do(t *testing.T, h http.Handler, method, path, contentType string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("X-API-Key", apiKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndMetrics(t *testing.T) {
	h := newTestRouter(t)
	for _, path := range []string{"/health", "/ready", "/metrics"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status %d", path, rec.Code)
		}
	}
}

func TestAPIRequiresKey(t *testing.T) {
	h := newTestRouter(t)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/prior-auth/pa-TRN-0001", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestPriorAuthLifecycle(t *testing.T) {
	h := newTestRouter(t)

	rec := do(t, h, http.MethodPost, "/api/v1/prior-auth", "application/json", []byte(requestBody))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body)
	}
	if loc := rec.Header().Get("Location"); loc != "/api/v1/prior-auth/pa-TRN-0001" {
		t.Errorf("location = %q", loc)
	}

	rec = do(t, h, http.MethodPost, "/api/v1/prior-auth", "application/json", []byte(requestBody))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"duplicate":true`) {
		t.Errorf("resubmit: %d %s", rec.Code, rec.Body)
	}

	rec = do(t, h, http.MethodPost, "/api/v1/prior-auth/pa-TRN-0001/extend", "application/json", []byte(`{"reason":"awaiting records"}`))
	if rec.Code != http.StatusOK {
		t.Errorf("extend: %d %s", rec.Code, rec.Body)
	}
	rec = do(t, h, http.MethodPost, "/api/v1/prior-auth/pa-TRN-0001/extend", "application/json", []byte(`{"reason":"again"}`))
	if rec.Code != http.StatusConflict {
		t.Errorf("second extend: %d %s", rec.Code, rec.Body)
	}

	rec = do(t, h, http.MethodPost, "/api/v1/prior-auth/pa-TRN-0001/x12-decision", "application/json",
		[]byte(`{"trace_number":"TRN-0001","status":"A1","authorization_number":"AUTH-1"}`))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"resourceType":"ClaimResponse"`) {
		t.Fatalf("decision: %d %s", rec.Code, rec.Body)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/prior-auth/pa-TRN-0001", "", nil)
	var view priorauth.View
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatal(err)
	}
	if view.Status != priorauth.StatusDecided {
		t.Errorf("status = %s", view.Status)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/prior-auth/pa-TRN-0001/events", "", nil)
	var events []json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &events); err != nil || len(events) != 3 {
		t.Errorf("events = %d, %v", len(events), err)
	}
}

func TestCreateRejectsInvalidRequest(t *testing.T) {
	h := newTestRouter(t)

	rec := do(t, h, http.MethodPost, "/api/v1/prior-auth", "application/json", []byte(`{"category":"XX"`))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed: %d", rec.Code)
	}

	body := strings.Replace(requestBody, `"npi": "1234567890"`, `"npi": "12"`, 1)
	rec = do(t, h, http.MethodPost, "/api/v1/prior-auth", "application/json", []byte(body))
	if rec.Code != http.StatusUnprocessableEntity || !strings.Contains(rec.Body.String(), "OperationOutcome") {
		t.Errorf("invalid: %d %s", rec.Code, rec.Body)
	}
}

func TestUnknownRequest(t *testing.T) {
	h := newTestRouter(t)
	rec := do(t, h, http.MethodGet, "/api/v1/prior-auth/pa-missing", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestAttachmentRoundTrip(t *testing.T) {
	h := newTestRouter(t)
	do(t, h, http.MethodPost, "/api/v1/prior-auth", "application/json", []byte(requestBody))

	pdf := []byte("%PDF-1.4\n1 0 obj\n<<>>\nendobj\ntrailer\n<<>>\n%%EOF\n")
	rec := do(t, h, http.MethodPost, "/api/v1/prior-auth/pa-TRN-0001/attachments?subject=Patient/p1", "application/octet-stream", pdf)
	if rec.Code != http.StatusCreated || !strings.Contains(rec.Body.String(), "DocumentReference") {
		t.Fatalf("upload: %d %s", rec.Code, rec.Body)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/prior-auth/pa-TRN-0001", "", nil)
	var view priorauth.View
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil || len(view.Attachments) != 1 {
		t.Fatalf("view attachments = %+v, %v", view.Attachments, err)
	}
	if view.Attachments[0].ContentType != "application/pdf" {
		t.Errorf("content type = %s", view.Attachments[0].ContentType)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/prior-auth/pa-TRN-0001/attachments/"+view.Attachments[0].BinaryID, "", nil)
	if rec.Code != http.StatusOK || !bytes.Equal(rec.Body.Bytes(), pdf) {
		t.Errorf("download: %d", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/api/v1/prior-auth/pa-TRN-0001/attachments", "application/pdf", pdf)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing subject: %d", rec.Code)
	}
}

func TestCDSStatusService(t *testing.T) {
	h := newTestRouter(t)
	do(t, h, http.MethodPost, "/api/v1/prior-auth", "application/json", []byte(requestBody))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/cds-services", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"id":"pas-status"`) {
		t.Fatalf("discovery: %d %s", rec.Code, rec.Body)
	}

	hook := `{"hook":"order-sign","hookInstance":"h-1","context":{"userId":"Practitioner/1","patientId":"p1",
	  "draftOrders":{"resourceType":"Bundle","type":"collection","entry":[
	    {"resource":{"resourceType":"Claim","id":"pa-TRN-0001"}},
	    {"resource":{"resourceType":"Claim","id":"pa-other"}}]}}}`
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/cds-services/pas-status", strings.NewReader(hook)))
	if rec.Code != http.StatusOK {
		t.Fatalf("invoke: %d %s", rec.Code, rec.Body)
	}
	var resp cdshooks.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || len(resp.Cards) != 2 {
		t.Fatalf("cards = %+v, %v", resp.Cards, err)
	}
	if !strings.Contains(resp.Cards[0].Summary, "pending") || resp.Cards[1].Indicator != cdshooks.IndicatorWarning {
		t.Errorf("cards = %+v", resp.Cards)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/cds-services/other", strings.NewReader(hook)))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown service: %d", rec.Code)
	}
}
