package mapper

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"

	fhir "github.com/drfirst/go-pas/internal/fhir/r4"
	"github.com/drfirst/go-pas/internal/x12/x278"
)

// Intent distinguishes a new authorization request from the withdrawal of one.
type Intent string

const (
	IntentOrder  Intent = "order"
	IntentCancel Intent = "cancel"
)

// PriorAuthorizationRequest is the FHIR form of one X12 278 request.
type PriorAuthorizationRequest struct {
	Intent    Intent
	Claim     *fhir.Claim
	Patient   *fhir.Patient
	Requester *fhir.Practitioner
	Servicing *fhir.Practitioner
	Insurer   *fhir.Organization
}

// Bundle assembles the PAS request Bundle with the Claim as the first entry.
func (p *PriorAuthorizationRequest) Bundle(baseURL string, timestamp time.Time) (*fhir.Bundle, error) {
	base := strings.TrimSuffix(baseURL, "/")
	b := &fhir.Bundle{
		ResourceType: "Bundle",
		ID:           p.Claim.ID + "-bundle",
		Meta:         &fhir.Meta{Profile: []string{fhir.ProfilePASRequestBundle}},
		Type:         "collection",
		Timestamp:    timestamp.UTC().Format(time.RFC3339),
	}
	if trn := p.Claim.GetTraceNumber(); trn != "" {
		b.Identifier = &fhir.Identifier{System: fhir.SystemX12TraceNumber, Value: trn}
	}

	type entry struct {
		kind, id string
		res      any
	}
	entries := []entry{
		{"Claim", p.Claim.ID, p.Claim},
		{"Patient", p.Patient.ID, p.Patient},
		{"Practitioner", p.Requester.ID, p.Requester},
	}
	if p.Servicing != nil && p.Servicing.ID != p.Requester.ID {
		entries = append(entries, entry{"Practitioner", p.Servicing.ID, p.Servicing})
	}
	if p.Insurer != nil {
		entries = append(entries, entry{"Organization", p.Insurer.ID, p.Insurer})
	}

	for _, e := range entries {
		if err := b.AddResource(base+"/"+e.kind+"/"+e.id, e.res); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// X12ToFHIRMapper transforms X12 278 requests into Da Vinci PAS Claims
type X12ToFHIRMapper struct{}

// NewX12ToFHIRMapper creates a new request mapper
func NewX12ToFHIRMapper() *X12ToFHIRMapper {
	return &X12ToFHIRMapper{}
}

// MapX12278ToFHIRPriorAuth maps a parsed 278 request with the default mapper.
func MapX12278ToFHIRPriorAuth(req *x278.Request) (*PriorAuthorizationRequest, error) {
	return NewX12ToFHIRMapper().MapRequest(req)
}

// MapRequest converts one 278 request into exactly one PriorAuthorizationRequest.
// It either maps the whole request or fails; no partial result is returned.
func (m *X12ToFHIRMapper) MapRequest(req *x278.Request) (*PriorAuthorizationRequest, error) {
	if req == nil {
		return nil, &MappingError{Field: "Request", Code: CodeNullInput, Message: "278 request is required"}
	}
	if err := checkStructure(req); err != nil {
		return nil, err
	}

	patient, err := m.mapPatient(&req.Member)
	if err != nil {
		return nil, err
	}
	requester := mapPractitioner(req.RequestingProvider)

	var servicing *fhir.Practitioner
	if req.ServicingProvider != nil && req.ServicingProvider.NPI != "" {
		servicing = mapPractitioner(*req.ServicingProvider)
	}

	var insurer *fhir.Organization
	if req.PayerID != "" {
		insurer = &fhir.Organization{
			ResourceType: "Organization",
			ID:           resourceID(req.PayerID),
			Identifier:   []fhir.Identifier{{System: fhir.SystemPayerID, Value: req.PayerID}},
			Type:         []fhir.CodeableConcept{fhir.NewCodeableConcept("http://terminology.hl7.org/CodeSystem/organization-type", "ins", "Insurance Company")},
		}
	}

	claim, err := m.mapClaim(req, patient, requester, servicing, insurer)
	if err != nil {
		return nil, err
	}

	intent := IntentOrder
	if req.IsCancellation() {
		intent = IntentCancel
	}

	return &PriorAuthorizationRequest{
		Intent:    intent,
		Claim:     claim,
		Patient:   patient,
		Requester: requester,
		Servicing: servicing,
		Insurer:   insurer,
	}, nil
}

// checkStructure rejects requests that cannot produce a complete Claim.
func checkStructure(req *x278.Request) error {
	if req.Category == "" {
		return missing("Category", "request category (UM01) is required")
	}
	if !req.Category.Valid() {
		return invalid("Category", string(req.Category), "unrecognized request category (UM01)", nil)
	}
	if !req.Action.Valid() {
		return invalid("Action", string(req.Action), "unrecognized action, expected request or cancel", nil)
	}
	if req.IsCancellation() && req.TraceNumber == "" {
		return missing("TraceNumber", "a cancellation must carry the trace number (TRN02) of the request it withdraws")
	}
	if req.CertificationType != "" && !req.CertificationType.Valid() {
		return invalid("CertificationType", string(req.CertificationType), "unrecognized certification type (UM02)", nil)
	}
	if req.Urgency == "" {
		return missing("Urgency", "urgency indicator is required")
	}
	if !req.Urgency.Valid() {
		return invalid("Urgency", string(req.Urgency), "unrecognized urgency indicator", nil)
	}
	if req.Member.ID == "" {
		return missing("Member.ID", "member identifier (NM1*IL NM109) is required")
	}
	if req.RequestingProvider.NPI == "" {
		return missing("RequestingProvider.NPI", "requesting provider NPI (NM1*1P NM109) is required")
	}
	if len(req.Services) == 0 {
		return missing("Services", "at least one service line is required")
	}
	for i, svc := range req.Services {
		if svc.ProcedureCode == "" {
			return missing(fmt.Sprintf("Services[%d].ProcedureCode", i), "procedure or service code is required")
		}
	}
	for i, dx := range req.Diagnoses {
		if dx.Code == "" {
			return missing(fmt.Sprintf("Diagnoses[%d].Code", i), "diagnosis code is required")
		}
	}
	return nil
}

func (m *X12ToFHIRMapper) mapPatient(member *x278.Member) (*fhir.Patient, error) {
	patient := &fhir.Patient{
		ResourceType: "Patient",
		ID:           resourceID(member.ID),
		Identifier: []fhir.Identifier{{
			Use:    "usual",
			Type:   &fhir.CodeableConcept{Coding: []fhir.Coding{{System: "http://terminology.hl7.org/CodeSystem/v2-0203", Code: "MB"}}},
			System: fhir.SystemMemberID,
			Value:  member.ID,
		}},
		Gender: mapGender(member.Gender),
	}

	if member.LastName != "" || member.FirstName != "" {
		name := fhir.HumanName{Use: "official", Family: member.LastName}
		if member.FirstName != "" {
			name.Given = []string{member.FirstName}
		}
		patient.Name = []fhir.HumanName{name}
	}

	if member.BirthDate != "" {
		birthDate, err := x278.FHIRDate(member.BirthDate)
		if err != nil {
			return nil, invalid("Member.BirthDate", member.BirthDate, "birth date (DMG02) must be CCYYMMDD", err)
		}
		patient.BirthDate = birthDate
	}
	return patient, nil
}

func mapPractitioner(p x278.Provider) *fhir.Practitioner {
	practitioner := &fhir.Practitioner{
		ResourceType: "Practitioner",
		ID:           resourceID(p.NPI),
		Identifier:   []fhir.Identifier{{System: fhir.SystemNPI, Value: p.NPI}},
	}
	if p.Name != "" {
		practitioner.Name = []fhir.HumanName{{Text: p.Name}}
	}
	return practitioner
}

func (m *X12ToFHIRMapper) mapClaim(
	req *x278.Request,
	patient *fhir.Patient,
	requester *fhir.Practitioner,
	servicing *fhir.Practitioner,
	insurer *fhir.Organization,
) (*fhir.Claim, error) {
	id, err := claimID(req)
	if err != nil {
		return nil, err
	}
	claim := &fhir.Claim{
		ResourceType: "Claim",
		ID:           id,
		Meta:         &fhir.Meta{Profile: []string{fhir.ProfilePASClaim}},
		Status:       fhir.StatusActive,
		Type:         claimType(req.Category),
		Use:          fhir.UsePreauthorization,
		Patient:      fhir.Reference{Reference: "Patient/" + patient.ID},
		Provider:     fhir.Reference{Reference: "Practitioner/" + requester.ID},
		Priority:     priority(req.Urgency),
	}

	if req.IsCancellation() {
		claim.Status = fhir.StatusCancelled
	}

	if req.CertificationType != "" {
		claim.Extension = append(claim.Extension, fhir.Extension{
			URL: fhir.ExtCertificationType,
			ValueCodeableConcept: &fhir.CodeableConcept{
				Coding: []fhir.Coding{{System: fhir.SystemX12Certification, Code: string(req.CertificationType)}},
			},
		})
	}

	if req.TraceNumber != "" {
		claim.Identifier = []fhir.Identifier{{System: fhir.SystemX12TraceNumber, Value: req.TraceNumber}}
	}

	if req.CreatedDate != "" {
		created, err := x278.FHIRDate(req.CreatedDate)
		if err != nil {
			return nil, invalid("CreatedDate", req.CreatedDate, "transaction date (BHT04) must be CCYYMMDD", err)
		}
		claim.Created = created
	}

	if insurer != nil {
		claim.Insurer = &fhir.Reference{Reference: "Organization/" + insurer.ID}
	}

	if servicing != nil {
		claim.CareTeam = []fhir.ClaimCareTeam{{
			Sequence: 1,
			Provider: fhir.Reference{Reference: "Practitioner/" + servicing.ID},
			Role:     &fhir.CodeableConcept{Coding: []fhir.Coding{{System: fhir.SystemCareTeamRole, Code: "primary"}}},
		}}
	}

	claim.Insurance = []fhir.ClaimInsurance{{
		Sequence: 1,
		Focal:    true,
		Coverage: fhir.Reference{Identifier: &fhir.Identifier{System: fhir.SystemMemberID, Value: req.Member.ID}},
	}}

	for i, dx := range req.Diagnoses {
		diagnosis := fhir.ClaimDiagnosis{
			Sequence:                 i + 1,
			DiagnosisCodeableConcept: fhir.NewCodeableConcept(fhir.SystemICD10CM, dx.Code, ""),
		}
		if dx.Qualifier == x278.DiagnosisPrincipal {
			diagnosis.Type = []fhir.CodeableConcept{fhir.NewCodeableConcept(fhir.SystemDiagnosisType, "principal", "")}
		}
		claim.Diagnosis = append(claim.Diagnosis, diagnosis)
	}

	for i, att := range req.Attachments {
		if att.ServiceLine < 0 || att.ServiceLine > len(req.Services) {
			return nil, invalid(fmt.Sprintf("Attachments[%d].ServiceLine", i), fmt.Sprint(att.ServiceLine), "attachment refers to a service line that does not exist", nil)
		}
		claim.SupportingInfo = append(claim.SupportingInfo, fhir.ClaimSupportingInfo{
			Sequence:    i + 1,
			Category:    fhir.NewCodeableConcept(fhir.SystemPASSupportingInfo, "additionalInformation", ""),
			Code:        &fhir.CodeableConcept{Coding: []fhir.Coding{{System: fhir.SystemX12ReportType, Code: att.ReportType}}},
			ValueString: att.ControlNumber,
		})
	}

	for i := range req.Services {
		item, err := m.mapItem(req, i)
		if err != nil {
			return nil, err
		}
		claim.Item = append(claim.Item, item)
	}

	return claim, nil
}

func (m *X12ToFHIRMapper) mapItem(req *x278.Request, idx int) (fhir.ClaimItem, error) {
	svc := req.Services[idx]
	field := fmt.Sprintf("Services[%d]", idx)

	coding, err := procedureCoding(svc, field+".Qualifier")
	if err != nil {
		return fhir.ClaimItem{}, err
	}

	item := fhir.ClaimItem{
		Sequence:         idx + 1,
		ProductOrService: fhir.CodeableConcept{Coding: []fhir.Coding{coding}},
	}

	for _, mod := range svc.Modifiers {
		item.Modifier = append(item.Modifier, fhir.CodeableConcept{Coding: []fhir.Coding{{Code: mod}}})
	}

	if req.ServicingProvider != nil && req.ServicingProvider.NPI != "" {
		item.CareTeamSequence = []int{1}
	}

	for _, ptr := range svc.DiagnosisPointers {
		if ptr < 1 || ptr > len(req.Diagnoses) {
			return fhir.ClaimItem{}, invalid(field+".DiagnosisPointers", fmt.Sprint(ptr), "diagnosis pointer does not reference a submitted diagnosis", nil)
		}
		item.DiagnosisSequence = append(item.DiagnosisSequence, ptr)
	}

	for i, att := range req.Attachments {
		if att.ServiceLine == idx+1 {
			item.InformationSequence = append(item.InformationSequence, i+1)
		}
	}

	period := svc.ServiceDate
	periodField := field + ".ServiceDate"
	if period == nil {
		period = req.ServiceDate
		periodField = "ServiceDate"
	}
	if period != nil {
		if err := applyServiceDate(&item, *period); err != nil {
			return fhir.ClaimItem{}, invalid(periodField, period.String(), "service date (DTP*472) is not a valid D8/RD8 value", err)
		}
	}

	if svc.Quantity.Valid {
		item.Quantity = &fhir.Quantity{Value: fhir.NewDecimal(svc.Quantity.Decimal)}
		if svc.UnitCode != "" {
			item.Quantity.System = fhir.SystemX12UnitCode
			item.Quantity.Code = svc.UnitCode
		}
	}

	item.Extension = []fhir.Extension{{
		URL:                  fhir.ExtServiceItemRequest,
		ValueCodeableConcept: &fhir.CodeableConcept{Coding: []fhir.Coding{{System: fhir.SystemX12Category, Code: string(req.Category)}}},
	}}
	if req.Category == x278.CategoryAdmissionReview {
		exts, err := admissionExtensions(req)
		if err != nil {
			return fhir.ClaimItem{}, err
		}
		item.Extension = append(item.Extension, exts...)
	} else if req.PlaceOfService != "" {
		item.LocationCodeableConcept = &fhir.CodeableConcept{
			Coding: []fhir.Coding{{System: fhir.SystemPlaceOfService, Code: req.PlaceOfService}},
		}
	}

	return item, nil
}

// admissionExtensions carries the admission review facts onto each item.
func admissionExtensions(req *x278.Request) ([]fhir.Extension, error) {
	var exts []fhir.Extension
	if req.AdmissionDate != "" {
		date, err := x278.FHIRDate(req.AdmissionDate)
		if err != nil {
			return nil, invalid("AdmissionDate", req.AdmissionDate, "admission date (DTP*435) must be CCYYMMDD", err)
		}
		exts = append(exts, fhir.Extension{URL: fhir.ExtAdmissionDate, ValueDate: date})
	}
	if req.PlaceOfService != "" {
		exts = append(exts, fhir.Extension{
			URL: fhir.ExtPlaceOfService,
			ValueCodeableConcept: &fhir.CodeableConcept{
				Coding: []fhir.Coding{{System: fhir.SystemPlaceOfService, Code: req.PlaceOfService}},
			},
		})
	}
	if req.LengthOfStay > 0 {
		los := req.LengthOfStay
		exts = append(exts, fhir.Extension{URL: fhir.ExtLengthOfStay, ValueUnsignedInt: &los})
	}
	return exts, nil
}

func applyServiceDate(item *fhir.ClaimItem, p x278.DatePeriod) error {
	if err := p.Validate(); err != nil {
		return err
	}
	start, _ := x278.FHIRDate(p.Start)
	if p.Qualifier() == x278.DateFormatD8 {
		item.ServicedDate = start
		return nil
	}
	end, _ := x278.FHIRDate(p.End)
	item.ServicedPeriod = &fhir.Period{Start: start, End: end}
	return nil
}

func procedureCoding(svc x278.ServiceLine, field string) (fhir.Coding, error) {
	coding := fhir.Coding{Code: svc.ProcedureCode}
	switch svc.Qualifier {
	case "":
	case x278.QualifierHCPCS:
		if first := rune(svc.ProcedureCode[0]); unicode.IsLetter(first) {
			coding.System = fhir.SystemHCPCS
		} else {
			coding.System = fhir.SystemCPT
		}
	case x278.QualifierRevenue:
		coding.System = fhir.SystemNUBCRevenue
	case x278.QualifierNDC:
		coding.System = fhir.SystemNDC
	case x278.QualifierICD10PCS:
		coding.System = fhir.SystemICD10PCS
	case x278.QualifierInternalCode:
		coding.System = "urn:x12:internal-code"
	default:
		return fhir.Coding{}, invalid(field, svc.Qualifier, "unrecognized procedure code qualifier", nil)
	}
	return coding, nil
}

func claimType(c x278.Category) fhir.CodeableConcept {
	if c == x278.CategoryAdmissionReview {
		return fhir.NewCodeableConcept(fhir.SystemClaimType, "institutional", "Institutional")
	}
	return fhir.NewCodeableConcept(fhir.SystemClaimType, "professional", "Professional")
}

func priority(u x278.Urgency) fhir.CodeableConcept {
	if u == x278.UrgencyStandard {
		return fhir.NewCodeableConcept(fhir.SystemProcessPriority, "normal", "Normal")
	}
	return fhir.NewCodeableConcept(fhir.SystemProcessPriority, "stat", "Immediate")
}

func mapGender(g string) string {
	switch strings.ToUpper(g) {
	case "M":
		return "male"
	case "F":
		return "female"
	case "U":
		return "unknown"
	}
	return ""
}

// claimID derives a stable id from the trace number, or from the request content when absent.
// Only the transaction creation date is left out of the content hash, so a
// redelivered request keeps its id while any other change yields a new one.
func claimID(req *x278.Request) (string, error) {
	if req.TraceNumber != "" {
		return resourceID("pa-" + req.TraceNumber), nil
	}
	canonical := *req
	canonical.CreatedDate = ""
	raw, err := json.Marshal(&canonical)
	if err != nil {
		return "", invalid("Request", "", "request cannot be encoded for its content id", err)
	}
	sum := sha256.Sum256(raw)
	return "pa-" + hex.EncodeToString(sum[:8]), nil
}

// resourceID turns an identifier into a valid FHIR id ([A-Za-z0-9.-]{1,64}).
func resourceID(value string) string {
	var b strings.Builder
	for _, r := range value {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)), r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	id := b.String()
	if len(id) > 64 {
		id = id[:64]
	}
	return id
}
