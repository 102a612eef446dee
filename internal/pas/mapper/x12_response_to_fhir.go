package mapper

import (
	"fmt"
	"strings"

	fhir "github.com/drfirst/go-pas/internal/fhir/r4"
	"github.com/drfirst/go-pas/internal/x12/x278"
)

// MapX12278ResponseToFHIR converts a payer's 278 response into a PAS ClaimResponse.
// The HCR01 code travels in the reviewAction extension so A2 and A6 survive a round trip.
func MapX12278ResponseToFHIR(resp *x278.Response) (*fhir.ClaimResponse, error) {
	if resp == nil {
		return nil, &MappingError{Field: "Response", Code: CodeNullInput, Message: "278 response is required"}
	}
	if resp.Status == "" {
		return nil, missing("Status", "review action code (HCR01) is required")
	}

	outcome, err := OutcomeForStatus(resp.Status)
	if err != nil {
		return nil, err
	}

	cr := &fhir.ClaimResponse{
		ResourceType: "ClaimResponse",
		ID:           responseID(resp),
		Meta:         &fhir.Meta{Profile: []string{fhir.ProfilePASClaimResponse}},
		Extension:    []fhir.Extension{fhir.NewReviewAction(string(resp.Status), resp.ReasonCode, resp.AuthorizationNumber)},
		Status:       fhir.StatusActive,
		Type:         fhir.NewCodeableConcept(fhir.SystemClaimType, "professional", ""),
		Use:          fhir.UsePreauthorization,
		Outcome:      outcome,
		PreAuthRef:   resp.AuthorizationNumber,
	}

	if resp.TraceNumber != "" {
		cr.Identifier = []fhir.Identifier{{System: fhir.SystemX12TraceNumber, Value: resp.TraceNumber}}
	}
	if resp.MemberID != "" {
		cr.Patient = fhir.Reference{Identifier: &fhir.Identifier{System: fhir.SystemMemberID, Value: resp.MemberID}}
	}

	if len(resp.Remarks) > 0 {
		cr.Disposition = strings.Join(resp.Remarks, "; ")
	} else {
		cr.Disposition = resp.Status.Description()
	}

	if resp.Certification != nil {
		if err := resp.Certification.Validate(); err != nil {
			return nil, invalid("Certification", resp.Certification.String(), "certification period (DTP*997) is not a valid D8/RD8 value", err)
		}
		start, _ := x278.FHIRDate(resp.Certification.Start)
		end, _ := x278.FHIRDate(resp.ExpirationDate())
		cr.PreAuthPeriod = &fhir.Period{Start: start, End: end}
	}

	for i, svc := range resp.Services {
		item := fhir.ClaimResponseItem{ItemSequence: svc.Sequence}
		if item.ItemSequence == 0 {
			item.ItemSequence = i + 1
		}

		if svc.Status != "" {
			if !svc.Status.Valid() {
				return nil, &MappingError{
					Field:   fmt.Sprintf("Services[%d].Status", i),
					Value:   string(svc.Status),
					Code:    CodeUnrecognizedStatus,
					Message: "unrecognized review action code",
				}
			}
			item.Extension = []fhir.Extension{fhir.NewReviewAction(string(svc.Status), svc.ReasonCode, "")}
		}

		if svc.CertifiedQuantity.Valid {
			item.Adjudication = append(item.Adjudication, fhir.Adjudication{
				Category: fhir.NewCodeableConcept(fhir.SystemAdjudication, fhir.AdjudicationEligible, ""),
				Value:    fhir.NewDecimal(svc.CertifiedQuantity.Decimal),
			})
		} else {
			item.Adjudication = append(item.Adjudication, fhir.Adjudication{
				Category: fhir.NewCodeableConcept(fhir.SystemAdjudication, fhir.AdjudicationSubmitted, ""),
			})
		}
		cr.Item = append(cr.Item, item)
	}

	return cr, nil
}

func responseID(resp *x278.Response) string {
	switch {
	case resp.TraceNumber != "":
		return resourceID("par-" + resp.TraceNumber)
	case resp.AuthorizationNumber != "":
		return resourceID("par-" + resp.AuthorizationNumber)
	}
	return ""
}
