package mapper

import (
	fhir "github.com/drfirst/go-pas/internal/fhir/r4"
	"github.com/drfirst/go-pas/internal/x12/x278"
)

// OutcomeForStatus maps an HCR01 action code to ClaimResponse.outcome.
func OutcomeForStatus(code x278.StatusCode) (fhir.Outcome, error) {
	switch code {
	case x278.StatusCertified:
		return fhir.OutcomeComplete, nil
	case x278.StatusModified, x278.StatusPartiallyModified:
		return fhir.OutcomePartial, nil
	case x278.StatusDenied:
		return fhir.OutcomeError, nil
	case x278.StatusPended:
		return fhir.OutcomeQueued, nil
	}
	return "", &MappingError{
		Field:   "HCR01",
		Value:   string(code),
		Code:    CodeUnrecognizedStatus,
		Message: "unrecognized review action code",
	}
}

// StatusForOutcome maps ClaimResponse.outcome back to an HCR01 action code.
//
// complete, error and queued each have exactly one code. partial covers both
// A2 and A6, so reviewAction must name which one; an absent or contradictory
// reviewAction is an error rather than a guess.
func StatusForOutcome(outcome fhir.Outcome, reviewAction x278.StatusCode) (x278.StatusCode, error) {
	var code x278.StatusCode
	switch outcome {
	case fhir.OutcomeComplete:
		code = x278.StatusCertified
	case fhir.OutcomeError:
		code = x278.StatusDenied
	case fhir.OutcomeQueued:
		code = x278.StatusPended
	case fhir.OutcomePartial:
		if reviewAction == "" {
			return "", &MappingError{
				Field:   "ClaimResponse.extension:reviewAction",
				Value:   string(outcome),
				Code:    CodeAmbiguousOutcome,
				Message: "partial outcome requires a reviewAction code of A2 or A6",
			}
		}
		code = reviewAction
	default:
		return "", &MappingError{
			Field:   "ClaimResponse.outcome",
			Value:   string(outcome),
			Code:    CodeUnrecognizedOutcome,
			Message: "unrecognized or unspecified outcome",
		}
	}

	if reviewAction != "" {
		expected, err := OutcomeForStatus(reviewAction)
		if err != nil {
			return "", err
		}
		if expected != outcome || reviewAction != code {
			return "", &MappingError{
				Field:   "ClaimResponse.extension:reviewAction",
				Value:   string(reviewAction),
				Code:    CodeInconsistentStatus,
				Message: "reviewAction code contradicts outcome " + string(outcome),
			}
		}
	}
	return code, nil
}
