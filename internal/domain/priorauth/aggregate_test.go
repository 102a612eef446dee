package priorauth

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/drfirst/go-pas/internal/orchestration"
	"github.com/drfirst/go-pas/internal/pas/sla"
	"github.com/drfirst/go-pas/internal/x12/x278"
)

var submittedAt = time.Date(2024, 1, 5, 9, 0, 0, 0, time.UTC)

func submitted(t *testing.T, urgency sla.UrgencyClass) *Aggregate {
	t.Helper()
	s, err := sla.Calculate("pa-1", urgency, submittedAt)
	if err != nil {
		t.Fatalf("Calculate: %v", err)
	}
	agg := NewAggregate("pa-1")
	err = agg.Submit(&SubmittedData{
		TraceNumber:    "TRN1",
		PayerID:        "PAYER01",
		MemberHash:     HashMemberID("M123"),
		RequesterNPI:   "1234567890",
		Category:       x278.CategoryHealthServices,
		Urgency:        x278.UrgencyStandard,
		ProcedureCodes: []string{"99213"},
		Intent:         "order",
		Bundle:         json.RawMessage(`{"resourceType":"Bundle"}`),
		SLA:            s,
		SubmittedAt:    submittedAt,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return agg
}

func TestSubmit(t *testing.T) {
	agg := submitted(t, sla.Standard)

	if agg.Status() != StatusSubmitted || agg.Version() != 1 {
		t.Errorf("status = %s, version = %d", agg.Status(), agg.Version())
	}
	if len(agg.Changes()) != 1 {
		t.Fatalf("changes = %d", len(agg.Changes()))
	}
	event := agg.Changes()[0]
	if event.EventType != EventPriorAuthSubmitted || event.AggregateType != AggregateType {
		t.Errorf("event = %+v", event)
	}
	if event.MemberHash == "M123" || event.MemberHash == "" {
		t.Errorf("member id must be hashed, got %q", event.MemberHash)
	}
	if !agg.SLA().DueBy.Equal(submittedAt.Add(sla.StandardWindow)) {
		t.Errorf("due by = %v", agg.SLA().DueBy)
	}

	var state *StateError
	if err := agg.Submit(&SubmittedData{}); !errors.As(err, &state) {
		t.Errorf("resubmit error = %v", err)
	}
}

func TestExtendOnce(t *testing.T) {
	agg := submitted(t, sla.Standard)

	if err := agg.Extend("awaiting records", sla.DefaultPolicy()); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	if agg.Status() != StatusExtended || agg.SLA().State() != sla.StateExtended {
		t.Errorf("status = %s, sla state = %s", agg.Status(), agg.SLA().State())
	}
	want := submittedAt.Add(sla.StandardWindow + sla.ExtensionWindow)
	if !agg.SLA().Deadline().Equal(want) {
		t.Errorf("deadline = %v, want %v", agg.SLA().Deadline(), want)
	}

	if err := agg.Extend("again", sla.DefaultPolicy()); !errors.Is(err, sla.ErrAlreadyExtended) {
		t.Errorf("second extend error = %v", err)
	}
}

func TestDecideSettlesCompliance(t *testing.T) {
	agg := submitted(t, sla.Urgent)

	err := agg.Decide(&DecidedData{
		Status:              x278.StatusCertified,
		Outcome:             "complete",
		AuthorizationNumber: "AUTH1",
		Response:            json.RawMessage(`{"status":"A1"}`),
		DecidedAt:           submittedAt.Add(72 * time.Hour),
	})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	compliant, ok := agg.SLA().Compliant()
	if !ok || !compliant {
		t.Errorf("decision at the deadline should be compliant, got %v %v", compliant, ok)
	}
	if agg.Decision() == nil || agg.Decision().AuthorizationNumber != "AUTH1" {
		t.Errorf("decision = %+v", agg.Decision())
	}

	var state *StateError
	if err := agg.Extend("", sla.DefaultPolicy()); !errors.As(err, &state) {
		t.Errorf("extend after decision error = %v", err)
	}
	if err := agg.Cancel("withdrawn"); err != nil {
		t.Errorf("cancel after decision: %v", err)
	}
	if err := agg.AddAttachment(&AttachmentAddedData{BinaryID: "att-1"}); !errors.As(err, &state) {
		t.Errorf("attach after cancel error = %v", err)
	}
}

func TestDecideBeforeSubmissionRejected(t *testing.T) {
	agg := submitted(t, sla.Standard)

	err := agg.Decide(&DecidedData{Status: x278.StatusDenied, DecidedAt: submittedAt.Add(-time.Minute)})
	var ts *sla.InvalidTimestampError
	if !errors.As(err, &ts) {
		t.Errorf("error = %v", err)
	}
	if agg.Status() != StatusSubmitted || len(agg.Changes()) != 1 {
		t.Error("rejected decision must not change state")
	}
}

func TestAttachmentsAreDeduplicated(t *testing.T) {
	agg := submitted(t, sla.Standard)
	for i := 0; i < 2; i++ {
		if err := agg.AddAttachment(&AttachmentAddedData{BinaryID: "att-1", ContentType: "application/pdf"}); err != nil {
			t.Fatalf("AddAttachment: %v", err)
		}
	}
	if len(agg.Attachments()) != 1 || agg.Version() != 2 {
		t.Errorf("attachments = %d, version = %d", len(agg.Attachments()), agg.Version())
	}
}

func TestLoadFromHistory(t *testing.T) {
	agg := submitted(t, sla.Standard)
	if err := agg.Extend("", sla.DefaultPolicy()); err != nil {
		t.Fatal(err)
	}
	if err := agg.RecordConsent(&ConsentRecordedData{Status: "active", Consent: json.RawMessage(`{}`)}); err != nil {
		t.Fatal(err)
	}

	repo := NewMemoryRepository()
	if err := repo.Save(context.Background(), agg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if len(agg.Changes()) != 0 {
		t.Error("changes should be cleared after save")
	}

	loaded, err := repo.Load(context.Background(), "pa-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, want := loaded.View(), agg.View()
	if got.Status != want.Status || got.Version != 3 || got.ConsentStatus != "active" || !got.SLA.Deadline().Equal(want.SLA.Deadline()) {
		t.Errorf("replayed view = %+v", got)
	}
	if !got.CreatedAt.Equal(submittedAt) {
		t.Errorf("created at = %v", got.CreatedAt)
	}
}

func TestLoadFromHistoryUnknownEvent(t *testing.T) {
	agg := NewAggregate("pa-1")
	err := agg.LoadFromHistory([]*Event{{EventType: "Bogus", EventData: json.RawMessage(`{}`)}})
	if err == nil {
		t.Error("expected error for unknown event type")
	}
}

func TestMemoryRepositoryConflicts(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	if err := repo.Save(ctx, submitted(t, sla.Standard)); err != nil {
		t.Fatal(err)
	}

	stale := submitted(t, sla.Standard)
	if err := repo.Save(ctx, stale); !errors.Is(err, ErrConcurrentModification) {
		t.Errorf("error = %v", err)
	}
	if _, err := repo.Load(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v", err)
	}
}

func TestRoutesFor(t *testing.T) {
	cfg, err := orchestration.NewFactory("pas.example.org").Build(orchestration.EnvDev)
	if err != nil {
		t.Fatal(err)
	}
	routes := RoutesFor(cfg.Topics)
	if routes[EventPriorAuthSubmitted] != "dev.pas.fhir.requests" {
		t.Errorf("submitted route = %q", routes[EventPriorAuthSubmitted])
	}
	if routes[EventPriorAuthDecided] != "dev.pas.x12.responses" {
		t.Errorf("decided route = %q", routes[EventPriorAuthDecided])
	}
	if _, ok := routes[EventAttachmentAdded]; ok {
		t.Error("attachments are not relayed")
	}
}
