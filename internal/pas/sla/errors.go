package sla

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyDecided is returned for any transition out of the decided state.
	ErrAlreadyDecided = errors.New("sla already decided")
	// ErrAlreadyExtended is returned when a second extension is requested.
	ErrAlreadyExtended = errors.New("sla already extended")
	// ErrExtensionNotAllowed is returned when the policy grants no extensions.
	ErrExtensionNotAllowed = errors.New("sla extensions are disabled")
)

// InvalidTimestampError reports an unparseable timestamp or an impossible ordering.
type InvalidTimestampError struct {
	Field   string
	Value   string
	Message string
	Cause   error
}

func (e *InvalidTimestampError) Error() string {
	msg := fmt.Sprintf("invalid timestamp %s=%q: %s", e.Field, e.Value, e.Message)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *InvalidTimestampError) Unwrap() error { return e.Cause }

// Permanent reports that the same input will always fail.
func (e *InvalidTimestampError) Permanent() bool { return true }

// InvalidUrgencyError reports an unrecognized urgency class.
type InvalidUrgencyError struct {
	Field string
	Value string
}

func (e *InvalidUrgencyError) Error() string {
	return fmt.Sprintf("%s: unrecognized urgency class %q", e.Field, e.Value)
}

func (e *InvalidUrgencyError) Permanent() bool { return true }

// TransitionError reports a state change the SLA lifecycle does not allow.
type TransitionError struct {
	RequestID string
	Op        string
	Field     string
	Value     string
	Err       error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("sla %s: cannot %s: %s is already set to %s", e.RequestID, e.Op, e.Field, e.Value)
}

func (e *TransitionError) Unwrap() error { return e.Err }

func (e *TransitionError) Permanent() bool { return true }
