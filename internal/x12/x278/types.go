// Package x278 provides the tokenized X12 278 (005010X217/X215) boundary structures
// consumed and produced by the prior-authorization translators.
package x278

import (
	"github.com/shopspring/decimal"
)

// Category is the UM01 request category code.
type Category string

const (
	CategoryAdmissionReview   Category = "AR"
	CategoryHealthServices    Category = "HS"
	CategorySpecialtyReferral Category = "SC"
)

// Valid reports whether c is a recognized UM01 code.
func (c Category) Valid() bool {
	switch c {
	case CategoryAdmissionReview, CategoryHealthServices, CategorySpecialtyReferral:
		return true
	}
	return false
}

// RequiresDiagnosis reports whether the category needs at least one HI diagnosis.
func (c Category) RequiresDiagnosis() bool {
	return c == CategoryAdmissionReview || c == CategoryHealthServices
}

// CertificationType is the UM02 certification type code.
type CertificationType string

const (
	CertificationInitial   CertificationType = "I"
	CertificationRenewal   CertificationType = "R"
	CertificationExtension CertificationType = "4"
	CertificationCancel    CertificationType = "3"
)

// Valid reports whether t is a recognized UM02 code.
func (t CertificationType) Valid() bool {
	switch t {
	case CertificationInitial, CertificationRenewal, CertificationExtension, CertificationCancel:
		return true
	}
	return false
}

// Action distinguishes a new submission from a cancellation of an earlier one.
type Action string

const (
	ActionRequest Action = "request"
	ActionCancel  Action = "cancel"
)

// Valid reports whether a is a recognized action. An empty action is a request.
func (a Action) Valid() bool {
	switch a {
	case "", ActionRequest, ActionCancel:
		return true
	}
	return false
}

// Urgency is the time-sensitivity class of the request.
type Urgency string

const (
	UrgencyUrgent    Urgency = "urgent"
	UrgencyExpedited Urgency = "expedited"
	UrgencyStandard  Urgency = "standard"
)

// Valid reports whether u is a recognized urgency.
func (u Urgency) Valid() bool {
	switch u {
	case UrgencyUrgent, UrgencyExpedited, UrgencyStandard:
		return true
	}
	return false
}

// StatusCode is the HCR01 action code of a review response.
type StatusCode string

const (
	StatusCertified         StatusCode = "A1"
	StatusModified          StatusCode = "A2"
	StatusDenied            StatusCode = "A3"
	StatusPended            StatusCode = "A4"
	StatusPartiallyModified StatusCode = "A6"
)

// Valid reports whether s is one of the supported HCR01 codes.
func (s StatusCode) Valid() bool {
	switch s {
	case StatusCertified, StatusModified, StatusDenied, StatusPended, StatusPartiallyModified:
		return true
	}
	return false
}

// Description returns the implementation guide label for the code.
func (s StatusCode) Description() string {
	switch s {
	case StatusCertified:
		return "Certified in total"
	case StatusModified:
		return "Certified - partial"
	case StatusDenied:
		return "Not certified"
	case StatusPended:
		return "Pended"
	case StatusPartiallyModified:
		return "Modified"
	}
	return ""
}

// Procedure code qualifiers (SV101-1 / SV202-1)
const (
	QualifierHCPCS        = "HC"
	QualifierRevenue      = "NU"
	QualifierNDC          = "N4"
	QualifierICD10PCS     = "BBR"
	QualifierInternalCode = "ZZ"
)

// Diagnosis qualifiers (HI01-1)
const (
	DiagnosisPrincipal = "ABK"
	DiagnosisOther     = "ABF"
)

// Member is the subscriber/patient loop (NM1*IL, DMG).
type Member struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	BirthDate string `json:"birth_date,omitempty"` // CCYYMMDD
	Gender    string `json:"gender,omitempty"`     // M | F | U
}

// Provider is a requesting or servicing provider loop (NM1*1P, NM1*SJ).
type Provider struct {
	NPI  string `json:"npi"`
	Name string `json:"name,omitempty"`
}

// Diagnosis is a single HI composite.
type Diagnosis struct {
	Code      string `json:"code"`
	Qualifier string `json:"qualifier,omitempty"`
}

// ServiceLine is one requested service (SV1/SV2 with HSD and DTP*472).
type ServiceLine struct {
	ProcedureCode     string              `json:"procedure_code"`
	Qualifier         string              `json:"qualifier,omitempty"`
	Modifiers         []string            `json:"modifiers,omitempty"`
	Quantity          decimal.NullDecimal `json:"quantity"`
	UnitCode          string              `json:"unit_code,omitempty"`
	ServiceDate       *DatePeriod         `json:"service_date,omitempty"`
	DiagnosisPointers []int               `json:"diagnosis_pointers,omitempty"`
}

// Attachment is a PWK paperwork reference.
type Attachment struct {
	ReportType       string `json:"report_type"`
	TransmissionCode string `json:"transmission_code,omitempty"`
	ControlNumber    string `json:"control_number"`
	// ServiceLine is the 1-based line the paperwork supports; 0 means the whole request.
	ServiceLine int `json:"service_line,omitempty"`
}

// Request is a parsed 278 review request.
type Request struct {
	TraceNumber        string            `json:"trace_number,omitempty"`
	CreatedDate        string            `json:"created_date,omitempty"`
	Category           Category          `json:"category"`
	CertificationType  CertificationType `json:"certification_type"`
	Action             Action            `json:"action,omitempty"`
	Urgency            Urgency           `json:"urgency"`
	PayerID            string            `json:"payer_id,omitempty"`
	Member             Member            `json:"member"`
	RequestingProvider Provider          `json:"requesting_provider"`
	ServicingProvider  *Provider         `json:"servicing_provider,omitempty"`
	Services           []ServiceLine     `json:"services"`
	Diagnoses          []Diagnosis       `json:"diagnoses,omitempty"`
	ServiceDate        *DatePeriod       `json:"service_date,omitempty"`
	AdmissionDate      string            `json:"admission_date,omitempty"`
	PlaceOfService     string            `json:"place_of_service,omitempty"`
	LengthOfStay       int               `json:"length_of_stay,omitempty"`
	Attachments        []Attachment      `json:"attachments,omitempty"`
}

// IsCancellation reports whether the request withdraws an earlier submission.
func (r *Request) IsCancellation() bool {
	return r.Action == ActionCancel || r.CertificationType == CertificationCancel
}

// ProcedureCodes returns the requested procedure codes in line order.
func (r *Request) ProcedureCodes() []string {
	codes := make([]string, 0, len(r.Services))
	for _, s := range r.Services {
		codes = append(codes, s.ProcedureCode)
	}
	return codes
}

// ResponseService is the per-line review outcome.
type ResponseService struct {
	Sequence          int                 `json:"sequence"`
	ProcedureCode     string              `json:"procedure_code,omitempty"`
	Status            StatusCode          `json:"status,omitempty"`
	CertifiedQuantity decimal.NullDecimal `json:"certified_quantity"`
	ReasonCode        string              `json:"reason_code,omitempty"`
}

// Response is a 278 review response, ready for an external encoder.
type Response struct {
	TraceNumber         string            `json:"trace_number,omitempty"`
	MemberID            string            `json:"member_id,omitempty"`
	Status              StatusCode        `json:"status"`
	AuthorizationNumber string            `json:"authorization_number,omitempty"`
	ReasonCode          string            `json:"reason_code,omitempty"`
	Certification       *DatePeriod       `json:"certification,omitempty"`
	Remarks             []string          `json:"remarks,omitempty"`
	Services            []ResponseService `json:"services,omitempty"`
}

// EffectiveDate returns the certification start date (CCYYMMDD) or "".
func (r *Response) EffectiveDate() string {
	if r.Certification == nil {
		return ""
	}
	return r.Certification.Start
}

// ExpirationDate returns the certification end date (CCYYMMDD) or "".
func (r *Response) ExpirationDate() string {
	if r.Certification == nil {
		return ""
	}
	if r.Certification.End == "" {
		return r.Certification.Start
	}
	return r.Certification.End
}
