package mapper

import (
	"fmt"

	"github.com/shopspring/decimal"

	fhir "github.com/drfirst/go-pas/internal/fhir/r4"
	"github.com/drfirst/go-pas/internal/x12/x278"
)

// FHIRToX12Mapper transforms PAS ClaimResponses into X12 278 response fields
type FHIRToX12Mapper struct{}

// NewFHIRToX12Mapper creates a new response mapper
func NewFHIRToX12Mapper() *FHIRToX12Mapper {
	return &FHIRToX12Mapper{}
}

// MapFHIRToX12278Response maps a ClaimResponse with the default mapper.
func MapFHIRToX12278Response(resp *fhir.ClaimResponse) (*x278.Response, error) {
	return NewFHIRToX12Mapper().MapResponse(resp)
}

// MapResponse converts a payer decision into the fields of an X12 278 response.
func (m *FHIRToX12Mapper) MapResponse(resp *fhir.ClaimResponse) (*x278.Response, error) {
	if resp == nil {
		return nil, &MappingError{Field: "ClaimResponse", Code: CodeNullInput, Message: "claim response is required"}
	}

	status, err := StatusForOutcome(resp.Outcome, x278.StatusCode(resp.GetReviewActionCode()))
	if err != nil {
		return nil, err
	}

	out := &x278.Response{
		Status:              status,
		AuthorizationNumber: resp.PreAuthRef,
		ReasonCode:          resp.GetReasonCode(),
	}

	for _, id := range resp.Identifier {
		if id.System == fhir.SystemX12TraceNumber {
			out.TraceNumber = id.Value
		}
	}
	if resp.Patient.Identifier != nil {
		out.MemberID = resp.Patient.Identifier.Value
	}
	if resp.Disposition != "" {
		out.Remarks = []string{resp.Disposition}
	}

	if resp.PreAuthPeriod != nil {
		period, err := certificationPeriod(resp.PreAuthPeriod)
		if err != nil {
			return nil, err
		}
		out.Certification = period
	}

	for i := range resp.Item {
		svc, err := m.mapItem(&resp.Item[i], resp.Outcome, i)
		if err != nil {
			return nil, err
		}
		out.Services = append(out.Services, svc)
	}

	return out, nil
}

func (m *FHIRToX12Mapper) mapItem(item *fhir.ClaimResponseItem, outcome fhir.Outcome, idx int) (x278.ResponseService, error) {
	svc := x278.ResponseService{
		Sequence:   item.ItemSequence,
		ReasonCode: item.GetReasonCode(),
	}

	if code := item.GetReviewActionCode(); code != "" {
		status := x278.StatusCode(code)
		if !status.Valid() {
			return svc, &MappingError{
				Field:   fmt.Sprintf("ClaimResponse.item[%d].extension:reviewAction", idx),
				Value:   code,
				Code:    CodeUnrecognizedStatus,
				Message: "unrecognized review action code",
			}
		}
		svc.Status = status
	}

	// Certified quantities only carry meaning when the payer changed the request.
	if outcome == fhir.OutcomePartial {
		if qty, ok := item.GetCertifiedQuantity(); ok {
			svc.CertifiedQuantity = decimal.NewNullDecimal(qty)
		}
	}
	return svc, nil
}

func certificationPeriod(p *fhir.Period) (*x278.DatePeriod, error) {
	if p.Start == "" {
		return nil, missing("ClaimResponse.preAuthPeriod.start", "authorization period has no start date")
	}
	start, err := x278.FromFHIRDate(p.Start)
	if err != nil {
		return nil, invalid("ClaimResponse.preAuthPeriod.start", p.Start, "not a FHIR date", err)
	}
	period := &x278.DatePeriod{Start: start}
	if p.End != "" {
		end, err := x278.FromFHIRDate(p.End)
		if err != nil {
			return nil, invalid("ClaimResponse.preAuthPeriod.end", p.End, "not a FHIR date", err)
		}
		period.End = end
	}
	return period, nil
}
