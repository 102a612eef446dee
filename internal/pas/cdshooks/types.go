// Package cdshooks builds CDS Hooks cards and hook request envelopes for
// Coverage Requirements Discovery. It performs no transport.
package cdshooks

import (
	"encoding/json"

	fhir "github.com/drfirst/go-pas/internal/fhir/r4"
)

// MaxSummaryLength is the exclusive upper bound on card summary length.
const MaxSummaryLength = 140

// Indicator is the urgency of a card.
type Indicator string

const (
	IndicatorInfo     Indicator = "info"
	IndicatorWarning  Indicator = "warning"
	IndicatorCritical Indicator = "critical"
)

// Valid reports whether i is a CDS Hooks indicator.
func (i Indicator) Valid() bool {
	switch i {
	case IndicatorInfo, IndicatorWarning, IndicatorCritical:
		return true
	}
	return false
}

// HookType names a supported CDS hook.
type HookType string

const (
	HookOrderSelect     HookType = "order-select"
	HookOrderSign       HookType = "order-sign"
	HookAppointmentBook HookType = "appointment-book"
	HookEncounterStart  HookType = "encounter-start"
)

// SupportedHooks lists the hooks this adapter can build requests for.
var SupportedHooks = []HookType{HookOrderSelect, HookOrderSign, HookAppointmentBook, HookEncounterStart}

// Valid reports whether h is supported.
func (h HookType) Valid() bool {
	for _, s := range SupportedHooks {
		if h == s {
			return true
		}
	}
	return false
}

// Source identifies who produced a card.
type Source struct {
	Label string       `json:"label"`
	URL   string       `json:"url,omitempty"`
	Icon  string       `json:"icon,omitempty"`
	Topic *fhir.Coding `json:"topic,omitempty"`
}

// Action is a change a suggestion proposes to the EHR.
type Action struct {
	Type        string          `json:"type"` // create | update | delete
	Description string          `json:"description"`
	Resource    json.RawMessage `json:"resource,omitempty"`
}

// Suggestion is an actionable option on a card.
type Suggestion struct {
	Label         string   `json:"label"`
	UUID          string   `json:"uuid,omitempty"`
	IsRecommended bool     `json:"isRecommended,omitempty"`
	Actions       []Action `json:"actions,omitempty"`
}

// Link points the clinician at a SMART app or a reference page.
type Link struct {
	Label      string `json:"label"`
	URL        string `json:"url"`
	Type       string `json:"type"` // absolute | smart
	AppContext string `json:"appContext,omitempty"`
}

// Card is a CRD card. Values are returned by copy and never shared.
type Card struct {
	UUID              string       `json:"uuid,omitempty"`
	Summary           string       `json:"summary"`
	Detail            string       `json:"detail,omitempty"`
	Indicator         Indicator    `json:"indicator"`
	Source            Source       `json:"source"`
	Suggestions       []Suggestion `json:"suggestions,omitempty"`
	SelectionBehavior string       `json:"selectionBehavior,omitempty"`
	Links             []Link       `json:"links,omitempty"`
}

// Context is the hook context. Which fields are required depends on the hook.
type Context struct {
	UserID       string       `json:"userId"`
	PatientID    string       `json:"patientId"`
	EncounterID  string       `json:"encounterId,omitempty"`
	Selections   []string     `json:"selections,omitempty"`
	DraftOrders  *fhir.Bundle `json:"draftOrders,omitempty"`
	Appointments *fhir.Bundle `json:"appointments,omitempty"`
}

// Request is a CDS Hooks service invocation.
type Request struct {
	Hook         HookType                   `json:"hook"`
	HookInstance string                     `json:"hookInstance"`
	FHIRServer   string                     `json:"fhirServer,omitempty"`
	Context      Context                    `json:"context"`
	Prefetch     map[string]json.RawMessage `json:"prefetch,omitempty"`
}

// Response is the body a CDS service returns.
type Response struct {
	Cards []Card `json:"cards"`
}

// ServiceDefinition describes a service in the discovery document.
type ServiceDefinition struct {
	Hook        HookType          `json:"hook"`
	ID          string            `json:"id"`
	Title       string            `json:"title,omitempty"`
	Description string            `json:"description"`
	Prefetch    map[string]string `json:"prefetch,omitempty"`
}

// Discovery is the /cds-services document.
type Discovery struct {
	Services []ServiceDefinition `json:"services"`
}
