package consent

import (
	"errors"
	"testing"
	"time"

	fhir "github.com/drfirst/go-pas/internal/fhir/r4"
)

func TestCreatePriorAuthConsent(t *testing.T) {
	b := NewBuilder(func() time.Time { return time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC) })

	c, err := b.CreatePriorAuthConsent("Patient/M123", "Practitioner/1234567890")
	if err != nil {
		t.Fatalf("CreatePriorAuthConsent: %v", err)
	}
	if c.Status != StatusActive {
		t.Errorf("status = %s", c.Status)
	}
	if c.Scope.Code(fhir.SystemConsentScope) != "treatment" {
		t.Errorf("scope = %+v", c.Scope)
	}
	if c.DateTime != "2024-01-01T09:00:00Z" {
		t.Errorf("dateTime = %s", c.DateTime)
	}
	if c.Patient.Reference != "Patient/M123" || c.Performer[0].Reference != "Practitioner/1234567890" {
		t.Errorf("references = %+v %+v", c.Patient, c.Performer)
	}
}

func TestCreatePriorAuthConsentErrors(t *testing.T) {
	b := NewBuilder(nil)
	tests := []struct {
		patient, performer, field string
	}{
		{"", "Practitioner/1", "patientRef"},
		{"Patient/", "Practitioner/1", "patientRef"},
		{"Practitioner/1", "Practitioner/1", "patientRef"},
		{"Patient/M123", "", "performerRef"},
	}
	for _, tt := range tests {
		_, err := b.CreatePriorAuthConsent(tt.patient, tt.performer)
		var ce *InvalidConsentError
		if !errors.As(err, &ce) || ce.Field != tt.field {
			t.Errorf("%+v: got %v", tt, err)
		}
	}
}

func TestWithStatus(t *testing.T) {
	c, _ := NewBuilder(nil).CreatePriorAuthConsent("Patient/M123", "Practitioner/1")

	inactive, err := WithStatus(c, StatusInactive)
	if err != nil {
		t.Fatalf("WithStatus: %v", err)
	}
	if inactive.Status != StatusInactive || c.Status != StatusActive {
		t.Errorf("statuses = %s, %s", inactive.Status, c.Status)
	}

	if _, err := WithStatus(c, "draft"); err == nil {
		t.Error("draft is not an allowed status")
	}

	voided, _ := WithStatus(c, StatusEnteredInError)
	if _, err := WithStatus(voided, StatusActive); err == nil {
		t.Error("entered-in-error consent must not be reactivated")
	}
}
