// Package mapper translates between X12 278 transactions and Da Vinci PAS FHIR resources.
package mapper

import "fmt"

// Mapping error codes
const (
	CodeNullInput           = "NULL_INPUT"
	CodeMissingField        = "MISSING_FIELD"
	CodeInvalidValue        = "INVALID_VALUE"
	CodeUnrecognizedStatus  = "UNRECOGNIZED_STATUS"
	CodeUnrecognizedOutcome = "UNRECOGNIZED_OUTCOME"
	CodeAmbiguousOutcome    = "AMBIGUOUS_OUTCOME"
	CodeInconsistentStatus  = "INCONSISTENT_STATUS"
)

// MappingError represents a mapping error with context
type MappingError struct {
	Field   string
	Value   string
	Code    string
	Message string
	Cause   error
}

func (e *MappingError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Field, e.Message)
	if e.Value != "" {
		msg += fmt.Sprintf(" (got %q)", e.Value)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *MappingError) Unwrap() error {
	return e.Cause
}

// Permanent reports that retrying the same payload cannot succeed.
func (e *MappingError) Permanent() bool { return true }

func missing(field, message string) *MappingError {
	return &MappingError{Field: field, Code: CodeMissingField, Message: message}
}

func invalid(field, value, message string, cause error) *MappingError {
	return &MappingError{Field: field, Value: value, Code: CodeInvalidValue, Message: message, Cause: cause}
}
