// Package r4 provides the FHIR R4 data structures used by the Da Vinci PAS mapper.
package r4

import (
	"github.com/shopspring/decimal"
)

// Decimal is a FHIR decimal. It encodes as a JSON number keeping the
// precision it was given, and decodes from a number or a string.
type Decimal struct {
	decimal.Decimal
}

// NewDecimal wraps d for use in a resource.
func NewDecimal(d decimal.Decimal) *Decimal {
	return &Decimal{Decimal: d}
}

func (d Decimal) MarshalJSON() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Decimal) UnmarshalJSON(b []byte) error {
	return d.Decimal.UnmarshalJSON(b)
}

// Meta contains metadata about a resource.
type Meta struct {
	VersionID   string   `json:"versionId,omitempty"`
	LastUpdated string   `json:"lastUpdated,omitempty"`
	Source      string   `json:"source,omitempty"`
	Profile     []string `json:"profile,omitempty"`
	Security    []Coding `json:"security,omitempty"`
	Tag         []Coding `json:"tag,omitempty"`
}

// Identifier represents a FHIR Identifier.
type Identifier struct {
	Use      string           `json:"use,omitempty"` // usual | official | temp | secondary | old
	Type     *CodeableConcept `json:"type,omitempty"`
	System   string           `json:"system,omitempty"`
	Value    string           `json:"value,omitempty"`
	Period   *Period          `json:"period,omitempty"`
	Assigner *Reference       `json:"assigner,omitempty"`
}

// CodeableConcept represents a concept with text and codings.
type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// Code returns the code of the first coding in system, or of the first coding when system is "".
func (c *CodeableConcept) Code(system string) string {
	if c == nil {
		return ""
	}
	for _, coding := range c.Coding {
		if system == "" || coding.System == system {
			return coding.Code
		}
	}
	return ""
}

// NewCodeableConcept builds a single-coding concept.
func NewCodeableConcept(system, code, display string) CodeableConcept {
	return CodeableConcept{Coding: []Coding{{System: system, Code: code, Display: display}}}
}

// Coding represents a code from a terminology system.
type Coding struct {
	System  string `json:"system,omitempty"`
	Version string `json:"version,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// Reference represents a reference to another resource.
type Reference struct {
	Reference  string      `json:"reference,omitempty"`
	Type       string      `json:"type,omitempty"`
	Identifier *Identifier `json:"identifier,omitempty"`
	Display    string      `json:"display,omitempty"`
}

// Period is a FHIR dateTime range. Bounds are kept as FHIR date/dateTime strings.
type Period struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// Quantity represents a measured amount.
type Quantity struct {
	Value      *Decimal `json:"value,omitempty"`
	Comparator string   `json:"comparator,omitempty"`
	Unit       string   `json:"unit,omitempty"`
	System     string   `json:"system,omitempty"`
	Code       string   `json:"code,omitempty"`
}

// Attachment carries or points at binary content.
type Attachment struct {
	ContentType string `json:"contentType,omitempty"`
	Language    string `json:"language,omitempty"`
	Data        []byte `json:"data,omitempty"`
	URL         string `json:"url,omitempty"`
	Size        int    `json:"size,omitempty"`
	Hash        []byte `json:"hash,omitempty"`
	Title       string `json:"title,omitempty"`
	Creation    string `json:"creation,omitempty"`
}

// HumanName represents a human name.
type HumanName struct {
	Use    string   `json:"use,omitempty"`
	Text   string   `json:"text,omitempty"`
	Family string   `json:"family,omitempty"`
	Given  []string `json:"given,omitempty"`
}

// Extension represents a FHIR extension. Complex extensions nest through Extension.
type Extension struct {
	URL                  string           `json:"url"`
	Extension            []Extension      `json:"extension,omitempty"`
	ValueString          string           `json:"valueString,omitempty"`
	ValueBoolean         *bool            `json:"valueBoolean,omitempty"`
	ValueInteger         *int             `json:"valueInteger,omitempty"`
	ValueUnsignedInt     *int             `json:"valueUnsignedInt,omitempty"`
	ValueDecimal         *Decimal         `json:"valueDecimal,omitempty"`
	ValueCode            string           `json:"valueCode,omitempty"`
	ValueDate            string           `json:"valueDate,omitempty"`
	ValueCoding          *Coding          `json:"valueCoding,omitempty"`
	ValueCodeableConcept *CodeableConcept `json:"valueCodeableConcept,omitempty"`
	ValueIdentifier      *Identifier      `json:"valueIdentifier,omitempty"`
	ValueReference       *Reference       `json:"valueReference,omitempty"`
	ValuePeriod          *Period          `json:"valuePeriod,omitempty"`
}

// FindExtension returns the first extension with url, or nil.
func FindExtension(exts []Extension, url string) *Extension {
	for i := range exts {
		if exts[i].URL == url {
			return &exts[i]
		}
	}
	return nil
}

// OperationOutcome represents errors and warnings from FHIR operations.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

// OperationOutcomeIssue represents a single issue in an OperationOutcome.
type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"` // fatal | error | warning | information
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
	Expression  []string         `json:"expression,omitempty"`
}

// NewOperationOutcome creates a new OperationOutcome with the given issues.
func NewOperationOutcome(issues ...OperationOutcomeIssue) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue:        issues,
	}
}

// NewErrorOutcome creates an OperationOutcome with a single error issue.
func NewErrorOutcome(code, diagnostics string) *OperationOutcome {
	return NewOperationOutcome(OperationOutcomeIssue{
		Severity:    "error",
		Code:        code,
		Diagnostics: diagnostics,
	})
}

// Common code systems
const (
	SystemNPI               = "http://hl7.org/fhir/sid/us-npi"
	SystemICD10CM           = "http://hl7.org/fhir/sid/icd-10-cm"
	SystemICD10PCS          = "http://www.cms.gov/Medicare/Coding/ICD10"
	SystemCPT               = "http://www.ama-assn.org/go/cpt"
	SystemHCPCS             = "urn:oid:2.16.840.1.113883.6.285"
	SystemNUBCRevenue       = "https://www.nubc.org/CodeSystem/RevenueCodes"
	SystemNDC               = "http://hl7.org/fhir/sid/ndc"
	SystemLOINC             = "http://loinc.org"
	SystemMemberID          = "http://terminology.hl7.org/NamingSystem/memberId"
	SystemPayerID           = "http://terminology.hl7.org/NamingSystem/payerId"
	SystemClaimType         = "http://terminology.hl7.org/CodeSystem/claim-type"
	SystemProcessPriority   = "http://terminology.hl7.org/CodeSystem/processpriority"
	SystemDiagnosisType     = "http://terminology.hl7.org/CodeSystem/ex-diagnosistype"
	SystemAdjudication      = "http://terminology.hl7.org/CodeSystem/adjudication"
	SystemCareTeamRole      = "http://terminology.hl7.org/CodeSystem/claimcareteamrole"
	SystemConsentScope      = "http://terminology.hl7.org/CodeSystem/consentscope"
	SystemActCode           = "http://terminology.hl7.org/CodeSystem/v3-ActCode"
	SystemPlaceOfService    = "https://www.cms.gov/Medicare/Coding/place-of-service-codes/Place_of_Service_Code_Set"
	SystemUSCoreDocCategory = "http://hl7.org/fhir/us/core/CodeSystem/us-core-documentreference-category"
	SystemX12TraceNumber    = "urn:x12:005010:trn"
	SystemX12ReviewAction   = "https://codesystem.x12.org/005010/306"
	SystemX12ReasonCode     = "https://codesystem.x12.org/005010/886"
	SystemX12Certification  = "https://codesystem.x12.org/005010/1322"
	SystemX12ReportType     = "https://codesystem.x12.org/005010/755"
	SystemX12Category       = "https://codesystem.x12.org/005010/1525"
	SystemX12UnitCode       = "https://codesystem.x12.org/005010/355"
	SystemPASSupportingInfo = "http://hl7.org/fhir/us/davinci-pas/CodeSystem/PASSupportingInfoType"
)

// Da Vinci PAS profiles and extensions
const (
	PASBase                 = "http://hl7.org/fhir/us/davinci-pas/StructureDefinition/"
	ProfilePASClaim         = PASBase + "profile-claim"
	ProfilePASClaimResponse = PASBase + "profile-claimresponse"
	ProfilePASRequestBundle = PASBase + "profile-pas-request-bundle"
	ExtCertificationType    = PASBase + "extension-certificationType"
	ExtServiceItemRequest   = PASBase + "extension-serviceItemRequestType"
	ExtReviewAction         = PASBase + "extension-reviewAction"
	ExtReviewActionCode     = PASBase + "extension-reviewActionCode"
	ExtReviewActionNumber   = "number"
	ExtReviewActionReason   = "reasonCode"
	ExtAdmissionDate        = PASBase + "extension-itemAdmissionDate"
	ExtPlaceOfService       = PASBase + "extension-itemPlaceOfService"
	ExtLengthOfStay         = PASBase + "extension-itemLengthOfStay"
)

// Claim status codes
const (
	StatusActive         = "active"
	StatusCancelled      = "cancelled"
	StatusDraft          = "draft"
	StatusEnteredInError = "entered-in-error"
)

// UsePreauthorization is the Claim.use value for prior authorization.
const UsePreauthorization = "preauthorization"
