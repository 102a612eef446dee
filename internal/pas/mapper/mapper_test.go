package mapper

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	fhir "github.com/drfirst/go-pas/internal/fhir/r4"
	"github.com/drfirst/go-pas/internal/x12/x278"
)

func healthServicesRequest() *x278.Request {
	return &x278.Request{
		TraceNumber:        "TRN-0001",
		CreatedDate:        "20240101",
		Category:           x278.CategoryHealthServices,
		CertificationType:  x278.CertificationInitial,
		Urgency:            x278.UrgencyStandard,
		PayerID:            "PAYER01",
		Member:             x278.Member{ID: "M123", FirstName: "Ann", LastName: "Lee", BirthDate: "19800115", Gender: "F"},
		RequestingProvider: x278.Provider{NPI: "1234567890", Name: "Dr Smith"},
		Services: []x278.ServiceLine{{
			ProcedureCode:     "99213",
			Qualifier:         x278.QualifierHCPCS,
			Quantity:          decimal.NewNullDecimal(decimal.NewFromInt(1)),
			UnitCode:          "UN",
			DiagnosisPointers: []int{1},
		}},
		Diagnoses:   []x278.Diagnosis{{Code: "J45.909", Qualifier: x278.DiagnosisPrincipal}},
		ServiceDate: &x278.DatePeriod{Start: "20240110"},
	}
}

func TestMapHealthServicesRequest(t *testing.T) {
	par, err := MapX12278ToFHIRPriorAuth(healthServicesRequest())
	if err != nil {
		t.Fatalf("mapping failed: %v", err)
	}

	if par.Intent != IntentOrder {
		t.Errorf("intent = %s, want order", par.Intent)
	}
	claim := par.Claim
	if !claim.HasProfile(fhir.ProfilePASClaim) {
		t.Error("claim missing PAS profile")
	}
	if claim.Use != fhir.UsePreauthorization {
		t.Errorf("use = %s", claim.Use)
	}
	if len(claim.Item) != 1 {
		t.Fatalf("items = %d, want 1", len(claim.Item))
	}
	item := claim.Item[0]
	if got := item.ProductOrService.Code(fhir.SystemCPT); got != "99213" {
		t.Errorf("item code = %q, want 99213", got)
	}
	if item.ServicedDate != "2024-01-10" {
		t.Errorf("servicedDate = %q", item.ServicedDate)
	}
	if !reflect.DeepEqual(item.DiagnosisSequence, []int{1}) {
		t.Errorf("diagnosisSequence = %v", item.DiagnosisSequence)
	}
	if item.Quantity == nil || !item.Quantity.Value.Equal(decimal.NewFromInt(1)) {
		t.Errorf("quantity = %+v", item.Quantity)
	}
	if got := claim.GetDiagnosisCodes(); !reflect.DeepEqual(got, []string{"J45.909"}) {
		t.Errorf("diagnoses = %v", got)
	}
	if claim.Patient.Reference != "Patient/M123" {
		t.Errorf("patient ref = %s", claim.Patient.Reference)
	}
	if claim.Provider.Reference != "Practitioner/1234567890" {
		t.Errorf("provider ref = %s", claim.Provider.Reference)
	}
	if claim.Insurer == nil || claim.Insurer.Reference != "Organization/PAYER01" {
		t.Errorf("insurer = %+v", claim.Insurer)
	}
	if claim.Priority.Code("") != "normal" {
		t.Errorf("priority = %s", claim.Priority.Code(""))
	}
	if par.Patient.BirthDate != "1980-01-15" || par.Patient.Gender != "female" {
		t.Errorf("patient demographics = %s %s", par.Patient.BirthDate, par.Patient.Gender)
	}
	if len(claim.CareTeam) != 0 {
		t.Error("careTeam should be omitted without a servicing provider")
	}
	if ext := fhir.FindExtension(item.Extension, fhir.ExtServiceItemRequest); ext == nil || ext.ValueCodeableConcept.Code(fhir.SystemX12Category) != "HS" {
		t.Errorf("service item request type = %+v", ext)
	}
	if len(item.Extension) != 1 {
		t.Error("admission extensions are only carried for admission review")
	}
}

func TestMappingIsDeterministic(t *testing.T) {
	req := healthServicesRequest()
	req.TraceNumber = ""

	first, err := MapX12278ToFHIRPriorAuth(req)
	if err != nil {
		t.Fatalf("mapping failed: %v", err)
	}
	second, err := MapX12278ToFHIRPriorAuth(cloneRequest(req))
	if err != nil {
		t.Fatalf("mapping failed: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("mapping not deterministic:\n%+v\n%+v", first.Claim, second.Claim)
	}
	if first.Claim.ID == "" {
		t.Error("expected a content-derived claim id")
	}
}

func TestContentIDCoversWholeRequest(t *testing.T) {
	base := healthServicesRequest()
	base.TraceNumber = ""
	first, err := MapX12278ToFHIRPriorAuth(base)
	if err != nil {
		t.Fatalf("mapping failed: %v", err)
	}

	tests := []struct {
		name string
		edit func(*x278.Request)
		same bool
	}{
		{"service date", func(r *x278.Request) { r.ServiceDate = &x278.DatePeriod{Start: "20240210"} }, false},
		{"diagnosis", func(r *x278.Request) {
			r.Diagnoses = []x278.Diagnosis{{Code: "E11.9", Qualifier: x278.DiagnosisPrincipal}}
		}, false},
		{"urgency", func(r *x278.Request) { r.Urgency = x278.UrgencyUrgent }, false},
		{"renewal", func(r *x278.Request) { r.CertificationType = x278.CertificationRenewal }, false},
		{"created date", func(r *x278.Request) { r.CreatedDate = "20240102" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := cloneRequest(base)
			tt.edit(req)
			par, err := MapX12278ToFHIRPriorAuth(req)
			if err != nil {
				t.Fatalf("mapping failed: %v", err)
			}
			if got := par.Claim.ID == first.Claim.ID; got != tt.same {
				t.Errorf("id %s vs %s, same = %v, want %v", par.Claim.ID, first.Claim.ID, got, tt.same)
			}
		})
	}
}

// cloneRequest copies req so the comparison does not share slices.
func cloneRequest(req *x278.Request) *x278.Request {
	cp := *req
	cp.Services = append([]x278.ServiceLine(nil), req.Services...)
	cp.Diagnoses = append([]x278.Diagnosis(nil), req.Diagnoses...)
	return &cp
}

func TestCancellationMapsToCancelIntent(t *testing.T) {
	tests := []struct {
		name string
		edit func(*x278.Request)
	}{
		{"action cancel", func(r *x278.Request) { r.Action = x278.ActionCancel }},
		{"UM02 cancel", func(r *x278.Request) { r.CertificationType = x278.CertificationCancel }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := healthServicesRequest()
			tt.edit(req)
			par, err := MapX12278ToFHIRPriorAuth(req)
			if err != nil {
				t.Fatalf("mapping failed: %v", err)
			}
			if par.Intent != IntentCancel {
				t.Errorf("intent = %s, want cancel", par.Intent)
			}
			if !par.Claim.IsCancelled() {
				t.Errorf("claim status = %s, want cancelled", par.Claim.Status)
			}
		})
	}
}

func TestAdmissionReviewItemExtensions(t *testing.T) {
	req := healthServicesRequest()
	req.Category = x278.CategoryAdmissionReview
	req.Urgency = x278.UrgencyUrgent
	req.AdmissionDate = "20240110"
	req.PlaceOfService = "21"
	req.LengthOfStay = 3
	req.ServicingProvider = &x278.Provider{NPI: "1098765432"}
	req.Services[0] = x278.ServiceLine{ProcedureCode: "0120", Qualifier: x278.QualifierRevenue}

	par, err := MapX12278ToFHIRPriorAuth(req)
	if err != nil {
		t.Fatalf("mapping failed: %v", err)
	}
	claim := par.Claim
	if claim.Type.Code("") != "institutional" {
		t.Errorf("type = %s", claim.Type.Code(""))
	}
	if claim.Priority.Code("") != "stat" {
		t.Errorf("priority = %s", claim.Priority.Code(""))
	}
	item := claim.Item[0]
	if item.ProductOrService.Code(fhir.SystemNUBCRevenue) != "0120" {
		t.Errorf("revenue code not mapped: %+v", item.ProductOrService)
	}

	if ext := fhir.FindExtension(item.Extension, fhir.ExtAdmissionDate); ext == nil || ext.ValueDate != "2024-01-10" {
		t.Errorf("admission date extension = %+v", ext)
	}
	if ext := fhir.FindExtension(item.Extension, fhir.ExtPlaceOfService); ext == nil || ext.ValueCodeableConcept.Code("") != "21" {
		t.Errorf("place of service extension = %+v", ext)
	}
	if ext := fhir.FindExtension(item.Extension, fhir.ExtLengthOfStay); ext == nil || *ext.ValueUnsignedInt != 3 {
		t.Errorf("length of stay extension = %+v", ext)
	}
	if len(claim.CareTeam) != 1 || claim.CareTeam[0].Provider.Reference != "Practitioner/1098765432" {
		t.Errorf("careTeam = %+v", claim.CareTeam)
	}
	if par.Servicing == nil {
		t.Error("expected servicing practitioner")
	}
}

func TestAttachmentsLinkToItems(t *testing.T) {
	req := healthServicesRequest()
	req.Attachments = []x278.Attachment{
		{ReportType: "OZ", ControlNumber: "PWK-1", ServiceLine: 1},
		{ReportType: "77", ControlNumber: "PWK-2"},
	}

	par, err := MapX12278ToFHIRPriorAuth(req)
	if err != nil {
		t.Fatalf("mapping failed: %v", err)
	}
	if len(par.Claim.SupportingInfo) != 2 {
		t.Fatalf("supportingInfo = %d, want 2", len(par.Claim.SupportingInfo))
	}
	if !reflect.DeepEqual(par.Claim.Item[0].InformationSequence, []int{1}) {
		t.Errorf("informationSequence = %v", par.Claim.Item[0].InformationSequence)
	}
}

func TestMapRequestErrors(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(*x278.Request)
		field string
		code  string
	}{
		{"missing member", func(r *x278.Request) { r.Member.ID = "" }, "Member.ID", CodeMissingField},
		{"missing npi", func(r *x278.Request) { r.RequestingProvider.NPI = "" }, "RequestingProvider.NPI", CodeMissingField},
		{"no services", func(r *x278.Request) { r.Services = nil }, "Services", CodeMissingField},
		{"empty code", func(r *x278.Request) { r.Services[0].ProcedureCode = "" }, "Services[0].ProcedureCode", CodeMissingField},
		{"bad category", func(r *x278.Request) { r.Category = "XX" }, "Category", CodeInvalidValue},
		{"bad urgency", func(r *x278.Request) { r.Urgency = "soon" }, "Urgency", CodeInvalidValue},
		{"bad action", func(r *x278.Request) { r.Action = "CANCEL" }, "Action", CodeInvalidValue},
		{"cancel without trace", func(r *x278.Request) { r.Action, r.TraceNumber = x278.ActionCancel, "" }, "TraceNumber", CodeMissingField},
		{"bad qualifier", func(r *x278.Request) { r.Services[0].Qualifier = "QQ" }, "Services[0].Qualifier", CodeInvalidValue},
		{"bad pointer", func(r *x278.Request) { r.Services[0].DiagnosisPointers = []int{2} }, "Services[0].DiagnosisPointers", CodeInvalidValue},
		{"bad birth date", func(r *x278.Request) { r.Member.BirthDate = "1980-01-15" }, "Member.BirthDate", CodeInvalidValue},
		{"bad service date", func(r *x278.Request) { r.ServiceDate = &x278.DatePeriod{Start: "20240110", End: "20240101"} }, "ServiceDate", CodeInvalidValue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := healthServicesRequest()
			tt.edit(req)

			par, err := MapX12278ToFHIRPriorAuth(req)
			if par != nil {
				t.Error("expected no partial result")
			}
			var me *MappingError
			if !errors.As(err, &me) {
				t.Fatalf("expected MappingError, got %v", err)
			}
			if me.Field != tt.field || me.Code != tt.code {
				t.Errorf("got %s/%s, want %s/%s", me.Field, me.Code, tt.field, tt.code)
			}
			if !me.Permanent() {
				t.Error("mapping errors are permanent")
			}
		})
	}

	if _, err := MapX12278ToFHIRPriorAuth(nil); err == nil {
		t.Error("expected error for nil request")
	}
}

func TestStatusRoundTrip(t *testing.T) {
	for _, code := range []x278.StatusCode{
		x278.StatusCertified, x278.StatusModified, x278.StatusDenied,
		x278.StatusPended, x278.StatusPartiallyModified,
	} {
		outcome, err := OutcomeForStatus(code)
		if err != nil {
			t.Fatalf("OutcomeForStatus(%s): %v", code, err)
		}
		got, err := StatusForOutcome(outcome, code)
		if err != nil {
			t.Fatalf("StatusForOutcome(%s, %s): %v", outcome, code, err)
		}
		if got != code {
			t.Errorf("round trip %s -> %s -> %s", code, outcome, got)
		}
	}
}

func TestStatusForOutcomeErrors(t *testing.T) {
	tests := []struct {
		name    string
		outcome fhir.Outcome
		action  x278.StatusCode
		code    string
	}{
		{"unspecified", "", "", CodeUnrecognizedOutcome},
		{"unknown", "rejected", "", CodeUnrecognizedOutcome},
		{"partial without action", fhir.OutcomePartial, "", CodeAmbiguousOutcome},
		{"contradiction", fhir.OutcomeComplete, x278.StatusDenied, CodeInconsistentStatus},
		{"unknown action", fhir.OutcomeComplete, "Z9", CodeUnrecognizedStatus},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := StatusForOutcome(tt.outcome, tt.action)
			var me *MappingError
			if !errors.As(err, &me) {
				t.Fatalf("expected MappingError, got %v", err)
			}
			if me.Code != tt.code {
				t.Errorf("code = %s, want %s", me.Code, tt.code)
			}
			if got == x278.StatusDenied {
				t.Error("must never default to denied")
			}
		})
	}

	if code, err := StatusForOutcome(fhir.OutcomeError, ""); err != nil || code != x278.StatusDenied {
		t.Errorf("error outcome = %s, %v", code, err)
	}
}

func TestDeniedResponseKeepsReasonCode(t *testing.T) {
	resp := &x278.Response{
		TraceNumber: "TRN-0001",
		MemberID:    "M123",
		Status:      x278.StatusDenied,
		ReasonCode:  "certification not met",
	}

	cr, err := MapX12278ResponseToFHIR(resp)
	if err != nil {
		t.Fatalf("mapping failed: %v", err)
	}
	if cr.Outcome != fhir.OutcomeError {
		t.Errorf("outcome = %s, want error", cr.Outcome)
	}
	if got := cr.GetReasonCode(); got != "certification not met" {
		t.Errorf("reasonCode = %q", got)
	}

	back, err := MapFHIRToX12278Response(cr)
	if err != nil {
		t.Fatalf("reverse mapping failed: %v", err)
	}
	if back.Status != x278.StatusDenied || back.ReasonCode != "certification not met" {
		t.Errorf("reverse = %+v", back)
	}
	if back.TraceNumber != "TRN-0001" || back.MemberID != "M123" {
		t.Errorf("identifiers lost: %+v", back)
	}
}

func TestPartialResponseRoundTrip(t *testing.T) {
	resp := &x278.Response{
		TraceNumber:         "TRN-0002",
		Status:              x278.StatusPartiallyModified,
		AuthorizationNumber: "AUTH-778",
		Certification:       &x278.DatePeriod{Start: "20240110", End: "20240410"},
		Services: []x278.ResponseService{
			{Sequence: 1, Status: x278.StatusPartiallyModified, CertifiedQuantity: decimal.NewNullDecimal(decimal.RequireFromString("6"))},
			{Sequence: 2, Status: x278.StatusCertified},
		},
	}

	cr, err := MapX12278ResponseToFHIR(resp)
	if err != nil {
		t.Fatalf("mapping failed: %v", err)
	}
	if cr.Outcome != fhir.OutcomePartial {
		t.Fatalf("outcome = %s", cr.Outcome)
	}
	if cr.PreAuthPeriod.Start != "2024-01-10" || cr.PreAuthPeriod.End != "2024-04-10" {
		t.Errorf("preAuthPeriod = %+v", cr.PreAuthPeriod)
	}

	back, err := MapFHIRToX12278Response(cr)
	if err != nil {
		t.Fatalf("reverse mapping failed: %v", err)
	}
	if back.Status != x278.StatusPartiallyModified {
		t.Errorf("status = %s, want A6", back.Status)
	}
	if back.AuthorizationNumber != "AUTH-778" {
		t.Errorf("authorization number = %s", back.AuthorizationNumber)
	}
	if back.EffectiveDate() != "20240110" || back.ExpirationDate() != "20240410" {
		t.Errorf("certification = %+v", back.Certification)
	}
	if len(back.Services) != 2 {
		t.Fatalf("services = %d", len(back.Services))
	}
	if !back.Services[0].CertifiedQuantity.Valid || !back.Services[0].CertifiedQuantity.Decimal.Equal(decimal.NewFromInt(6)) {
		t.Errorf("certified quantity = %+v", back.Services[0].CertifiedQuantity)
	}
	if back.Services[1].CertifiedQuantity.Valid {
		t.Error("line without certified quantity should stay empty")
	}
}

func TestCertifiedQuantityIgnoredUnlessPartial(t *testing.T) {
	qty := decimal.NewFromInt(4)
	cr := &fhir.ClaimResponse{
		ResourceType: "ClaimResponse",
		Outcome:      fhir.OutcomeComplete,
		Item: []fhir.ClaimResponseItem{{
			ItemSequence: 1,
			Adjudication: []fhir.Adjudication{{
				Category: fhir.NewCodeableConcept(fhir.SystemAdjudication, fhir.AdjudicationEligible, ""),
				Value:    fhir.NewDecimal(qty),
			}},
		}},
	}

	out, err := MapFHIRToX12278Response(cr)
	if err != nil {
		t.Fatalf("mapping failed: %v", err)
	}
	if out.Status != x278.StatusCertified {
		t.Errorf("status = %s", out.Status)
	}
	if out.Services[0].CertifiedQuantity.Valid {
		t.Error("certified quantity copied for a complete outcome")
	}
}

func TestRequestBundle(t *testing.T) {
	req := healthServicesRequest()
	req.ServicingProvider = &x278.Provider{NPI: "1098765432"}
	par, err := MapX12278ToFHIRPriorAuth(req)
	if err != nil {
		t.Fatalf("mapping failed: %v", err)
	}

	b, err := par.Bundle("https://pas.example.org/fhir/", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Bundle: %v", err)
	}
	if len(b.Entry) != 5 {
		t.Fatalf("entries = %d, want 5", len(b.Entry))
	}
	if b.Entry[0].FullURL != "https://pas.example.org/fhir/Claim/"+par.Claim.ID {
		t.Errorf("first entry = %s", b.Entry[0].FullURL)
	}
	if b.Timestamp != "2024-01-01T00:00:00Z" {
		t.Errorf("timestamp = %s", b.Timestamp)
	}

	var claim fhir.Claim
	if ok, err := b.FindResource("Claim", &claim); !ok || err != nil {
		t.Fatalf("FindResource: %v %v", ok, err)
	}
	if claim.GetTraceNumber() != "TRN-0001" {
		t.Errorf("trace number = %s", claim.GetTraceNumber())
	}
}
