// Package sla computes and tracks regulatory prior-authorization decision deadlines.
//
// An SLA moves through created -> extended (optional, once) -> decided. Every
// operation returns a new value; inputs are never modified.
package sla

import (
	"time"
)

// Decision windows
const (
	ExpeditedWindow = 72 * time.Hour
	StandardWindow  = 7 * 24 * time.Hour
	ExtensionWindow = 14 * 24 * time.Hour
)

// UrgencyClass is the time-sensitivity of a request.
type UrgencyClass string

const (
	Urgent    UrgencyClass = "urgent"
	Expedited UrgencyClass = "expedited"
	Standard  UrgencyClass = "standard"
)

// Window returns the decision window for the class.
func (u UrgencyClass) Window() (time.Duration, bool) {
	switch u {
	case Urgent, Expedited:
		return ExpeditedWindow, true
	case Standard:
		return StandardWindow, true
	}
	return 0, false
}

// State is the lifecycle position of an SLA.
type State string

const (
	StateCreated  State = "created"
	StateExtended State = "extended"
	StateDecided  State = "decided"
)

// SLA is an immutable decision deadline record for one request.
type SLA struct {
	RequestID     string       `json:"request_id"`
	SubmittedAt   time.Time    `json:"submitted_at"`
	Urgency       UrgencyClass `json:"urgency"`
	DueBy         time.Time    `json:"due_by"`
	ExtendedDueBy *time.Time   `json:"extended_due_by,omitempty"`
	DecidedAt     *time.Time   `json:"decided_at,omitempty"`
	SLACompliant  *bool        `json:"sla_compliant,omitempty"`
}

// Policy sets the decision windows and whether an extension may be granted.
// A zero window falls back to the regulatory default; MaxExtensions of zero
// disables extensions.
type Policy struct {
	Expedited     time.Duration
	Standard      time.Duration
	Extension     time.Duration
	MaxExtensions int
}

// DefaultPolicy returns the regulatory windows with one extension.
func DefaultPolicy() Policy {
	return Policy{
		Expedited:     ExpeditedWindow,
		Standard:      StandardWindow,
		Extension:     ExtensionWindow,
		MaxExtensions: 1,
	}
}

func (p Policy) window(u UrgencyClass) (time.Duration, bool) {
	w, ok := u.Window()
	switch u {
	case Urgent, Expedited:
		w = orDefault(p.Expedited, w)
	case Standard:
		w = orDefault(p.Standard, w)
	}
	return w, ok
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

// Calculate creates the SLA for a request submitted at submittedAt under the default policy.
func Calculate(requestID string, urgency UrgencyClass, submittedAt time.Time) (SLA, error) {
	return DefaultPolicy().Calculate(requestID, urgency, submittedAt)
}

// Extend grants the single permitted extension under the default policy.
func Extend(s SLA) (SLA, error) {
	return DefaultPolicy().Extend(s)
}

// Calculate creates the SLA for a request submitted at submittedAt.
func (p Policy) Calculate(requestID string, urgency UrgencyClass, submittedAt time.Time) (SLA, error) {
	window, ok := p.window(urgency)
	if !ok {
		return SLA{}, &InvalidUrgencyError{Field: "urgency", Value: string(urgency)}
	}
	if submittedAt.IsZero() {
		return SLA{}, &InvalidTimestampError{Field: "submittedAt", Message: "submission time is required"}
	}

	return SLA{
		RequestID:   requestID,
		SubmittedAt: submittedAt,
		Urgency:     urgency,
		DueBy:       submittedAt.Add(window),
	}, nil
}

// Extend grants the single permitted extension. dueBy is left untouched.
func (p Policy) Extend(s SLA) (SLA, error) {
	switch s.State() {
	case StateDecided:
		return SLA{}, &TransitionError{RequestID: s.RequestID, Op: "extend", Field: "decidedAt", Value: s.DecidedAt.Format(time.RFC3339Nano), Err: ErrAlreadyDecided}
	case StateExtended:
		return SLA{}, &TransitionError{RequestID: s.RequestID, Op: "extend", Field: "extendedDueBy", Value: s.ExtendedDueBy.Format(time.RFC3339Nano), Err: ErrAlreadyExtended}
	}

	if p.MaxExtensions < 1 {
		return SLA{}, &TransitionError{RequestID: s.RequestID, Op: "extend", Field: "maxExtensions", Value: "0", Err: ErrExtensionNotAllowed}
	}

	extended := s.DueBy.Add(orDefault(p.Extension, ExtensionWindow))
	s.ExtendedDueBy = &extended
	return s, nil
}

// UpdateWithDecision records the decision time and its compliance.
func UpdateWithDecision(s SLA, decidedAt time.Time) (SLA, error) {
	if s.DecidedAt != nil {
		return SLA{}, &TransitionError{RequestID: s.RequestID, Op: "decide", Field: "decidedAt", Value: s.DecidedAt.Format(time.RFC3339Nano), Err: ErrAlreadyDecided}
	}
	if decidedAt.Before(s.SubmittedAt) {
		return SLA{}, &InvalidTimestampError{
			Field:   "decidedAt",
			Value:   decidedAt.Format(time.RFC3339Nano),
			Message: "decision precedes submission at " + s.SubmittedAt.Format(time.RFC3339Nano),
		}
	}

	compliant := !decidedAt.After(s.Deadline())
	s.DecidedAt = &decidedAt
	s.SLACompliant = &compliant
	return s, nil
}

// Deadline returns the deadline in force: extendedDueBy when set, otherwise dueBy.
func (s SLA) Deadline() time.Time {
	if s.ExtendedDueBy != nil {
		return *s.ExtendedDueBy
	}
	return s.DueBy
}

// State returns the lifecycle state.
func (s SLA) State() State {
	switch {
	case s.DecidedAt != nil:
		return StateDecided
	case s.ExtendedDueBy != nil:
		return StateExtended
	}
	return StateCreated
}

// Compliant returns the compliance flag; ok is false while undecided.
func (s SLA) Compliant() (compliant, ok bool) {
	if s.SLACompliant == nil {
		return false, false
	}
	return *s.SLACompliant, true
}

// Breached reports whether the deadline was missed, or has passed at now for an open SLA.
func (s SLA) Breached(now time.Time) bool {
	if c, ok := s.Compliant(); ok {
		return !c
	}
	return now.After(s.Deadline())
}

// Remaining returns the time left until the deadline, negative once passed.
func (s SLA) Remaining(now time.Time) time.Duration {
	return s.Deadline().Sub(now)
}

// ParseTimestamp parses an RFC 3339 timestamp such as 2024-01-01T00:00:00Z.
func ParseTimestamp(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, &InvalidTimestampError{Field: "timestamp", Value: value, Message: "expected RFC 3339", Cause: err}
	}
	return t, nil
}
