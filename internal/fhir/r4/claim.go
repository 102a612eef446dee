package r4

// Claim represents a FHIR R4 Claim constrained by the Da Vinci PAS claim profile.
type Claim struct {
	ResourceType   string                `json:"resourceType"`
	ID             string                `json:"id,omitempty"`
	Meta           *Meta                 `json:"meta,omitempty"`
	Extension      []Extension           `json:"extension,omitempty"`
	Identifier     []Identifier          `json:"identifier,omitempty"`
	Status         string                `json:"status"`
	Type           CodeableConcept       `json:"type"`
	Use            string                `json:"use"`
	Patient        Reference             `json:"patient"`
	Created        string                `json:"created,omitempty"`
	Insurer        *Reference            `json:"insurer,omitempty"`
	Provider       Reference             `json:"provider"`
	Priority       CodeableConcept       `json:"priority"`
	CareTeam       []ClaimCareTeam       `json:"careTeam,omitempty"`
	SupportingInfo []ClaimSupportingInfo `json:"supportingInfo,omitempty"`
	Diagnosis      []ClaimDiagnosis      `json:"diagnosis,omitempty"`
	Insurance      []ClaimInsurance      `json:"insurance,omitempty"`
	Item           []ClaimItem           `json:"item,omitempty"`
}

// ClaimCareTeam lists a provider involved in the requested services.
type ClaimCareTeam struct {
	Sequence int              `json:"sequence"`
	Provider Reference        `json:"provider"`
	Role     *CodeableConcept `json:"role,omitempty"`
}

// ClaimSupportingInfo carries additional information such as attachments.
type ClaimSupportingInfo struct {
	Sequence       int              `json:"sequence"`
	Category       CodeableConcept  `json:"category"`
	Code           *CodeableConcept `json:"code,omitempty"`
	TimingDate     string           `json:"timingDate,omitempty"`
	ValueString    string           `json:"valueString,omitempty"`
	ValueReference *Reference       `json:"valueReference,omitempty"`
}

// ClaimDiagnosis is a claim-level diagnosis.
type ClaimDiagnosis struct {
	Sequence                 int               `json:"sequence"`
	DiagnosisCodeableConcept CodeableConcept   `json:"diagnosisCodeableConcept"`
	Type                     []CodeableConcept `json:"type,omitempty"`
}

// ClaimInsurance identifies the coverage the request is made against.
type ClaimInsurance struct {
	Sequence int       `json:"sequence"`
	Focal    bool      `json:"focal"`
	Coverage Reference `json:"coverage"`
}

// ClaimItem is one requested service line.
type ClaimItem struct {
	Extension               []Extension       `json:"extension,omitempty"`
	Sequence                int               `json:"sequence"`
	CareTeamSequence        []int             `json:"careTeamSequence,omitempty"`
	DiagnosisSequence       []int             `json:"diagnosisSequence,omitempty"`
	InformationSequence     []int             `json:"informationSequence,omitempty"`
	ProductOrService        CodeableConcept   `json:"productOrService"`
	Modifier                []CodeableConcept `json:"modifier,omitempty"`
	ServicedDate            string            `json:"servicedDate,omitempty"`
	ServicedPeriod          *Period           `json:"servicedPeriod,omitempty"`
	LocationCodeableConcept *CodeableConcept  `json:"locationCodeableConcept,omitempty"`
	Quantity                *Quantity         `json:"quantity,omitempty"`
}

// IsCancelled reports whether the claim withdraws an earlier request.
func (c *Claim) IsCancelled() bool {
	return c.Status == StatusCancelled
}

// HasProfile reports whether the claim declares the given profile.
func (c *Claim) HasProfile(profile string) bool {
	if c.Meta == nil {
		return false
	}
	for _, p := range c.Meta.Profile {
		if p == profile {
			return true
		}
	}
	return false
}

// GetTraceNumber returns the submitter trace number identifier.
func (c *Claim) GetTraceNumber() string {
	for _, id := range c.Identifier {
		if id.System == SystemX12TraceNumber {
			return id.Value
		}
	}
	return ""
}

// GetProcedureCodes returns the productOrService code for each item.
func (c *Claim) GetProcedureCodes() []string {
	codes := make([]string, 0, len(c.Item))
	for i := range c.Item {
		codes = append(codes, c.Item[i].ProductOrService.Code(""))
	}
	return codes
}

// GetDiagnosisCodes returns the claim-level diagnosis codes in sequence order.
func (c *Claim) GetDiagnosisCodes() []string {
	codes := make([]string, 0, len(c.Diagnosis))
	for i := range c.Diagnosis {
		codes = append(codes, c.Diagnosis[i].DiagnosisCodeableConcept.Code(""))
	}
	return codes
}
