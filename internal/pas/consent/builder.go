// Package consent builds the patient authorization record attached to a
// prior-authorization request.
package consent

import (
	"fmt"
	"strings"
	"time"

	fhir "github.com/drfirst/go-pas/internal/fhir/r4"
)

// Consent statuses
const (
	StatusActive         = "active"
	StatusInactive       = "inactive"
	StatusEnteredInError = "entered-in-error"
)

// InvalidConsentError reports a bad reference or status.
type InvalidConsentError struct {
	Field   string
	Value   string
	Message string
}

func (e *InvalidConsentError) Error() string {
	return fmt.Sprintf("consent %s=%q: %s", e.Field, e.Value, e.Message)
}

func (e *InvalidConsentError) Permanent() bool { return true }

// Builder creates treatment consents.
type Builder struct {
	now func() time.Time
}

// NewBuilder creates a builder; a nil clock uses time.Now.
func NewBuilder(now func() time.Time) *Builder {
	if now == nil {
		now = time.Now
	}
	return &Builder{now: now}
}

// CreatePriorAuthConsent records the patient's treatment consent, performed by performerRef.
func (b *Builder) CreatePriorAuthConsent(patientRef, performerRef string) (fhir.Consent, error) {
	if !strings.HasPrefix(patientRef, "Patient/") || len(patientRef) == len("Patient/") {
		return fhir.Consent{}, &InvalidConsentError{Field: "patientRef", Value: patientRef, Message: "expected Patient/{id}"}
	}
	if performerRef == "" || !strings.Contains(performerRef, "/") {
		return fhir.Consent{}, &InvalidConsentError{Field: "performerRef", Value: performerRef, Message: "expected {type}/{id}"}
	}

	return fhir.Consent{
		ResourceType: "Consent",
		Status:       StatusActive,
		Scope:        fhir.NewCodeableConcept(fhir.SystemConsentScope, "treatment", "Treatment"),
		Category:     []fhir.CodeableConcept{fhir.NewCodeableConcept(fhir.SystemLOINC, "59284-0", "Patient Consent")},
		Patient:      &fhir.Reference{Reference: patientRef},
		DateTime:     b.now().UTC().Format(time.RFC3339),
		Performer:    []fhir.Reference{{Reference: performerRef}},
		PolicyRule:   &fhir.CodeableConcept{Coding: []fhir.Coding{{System: fhir.SystemActCode, Code: "OPTIN"}}},
	}, nil
}

// WithStatus returns a copy of c with status changed. The input is left as is.
func WithStatus(c fhir.Consent, status string) (fhir.Consent, error) {
	switch status {
	case StatusActive, StatusInactive, StatusEnteredInError:
	default:
		return fhir.Consent{}, &InvalidConsentError{Field: "status", Value: status, Message: "must be active, inactive or entered-in-error"}
	}
	if c.Status == StatusEnteredInError && status != StatusEnteredInError {
		return fhir.Consent{}, &InvalidConsentError{Field: "status", Value: status, Message: "entered-in-error consents cannot be reinstated"}
	}

	out := c
	out.Category = append([]fhir.CodeableConcept(nil), c.Category...)
	out.Performer = append([]fhir.Reference(nil), c.Performer...)
	out.Status = status
	return out, nil
}
