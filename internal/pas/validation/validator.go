// Package validation checks inbound X12 278 prior-authorization requests
// before they are translated.
package validation

import (
	"errors"
	"fmt"
	"time"

	"github.com/drfirst/go-pas/internal/x12/x278"
)

// ValidationError represents a validation error with field context
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("%s: %s (got %q)", e.Field, e.Message, e.Value)
	}
	return e.Field + ": " + e.Message
}

// Permanent reports that the request must be corrected before resubmission.
func (e *ValidationError) Permanent() bool { return true }

// Result collects every problem found in a request.
type Result struct {
	Valid  bool               `json:"valid"`
	Errors []*ValidationError `json:"errors,omitempty"`
}

// Messages returns the error strings in the order they were found.
func (r Result) Messages() []string {
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, e.Error())
	}
	return msgs
}

// Err joins all errors, or returns nil for a valid request.
func (r Result) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Errors))
	for _, e := range r.Errors {
		errs = append(errs, e)
	}
	return errors.Join(errs...)
}

// Option configures a Validator.
type Option func(*Validator)

// WithClock sets the clock used for the service-date check.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) {
		v.now = now
	}
}

// Validator applies the structural and business rules to a request.
// It holds no state between calls.
type Validator struct {
	now func() time.Time
}

// NewValidator creates a validator using the wall clock unless overridden.
func NewValidator(opts ...Option) *Validator {
	v := &Validator{now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate checks req with the wall clock.
func Validate(req *x278.Request) Result {
	return NewValidator().Validate(req)
}

// Validate runs every check and collects all failures; it never stops at the first.
func (v *Validator) Validate(req *x278.Request) Result {
	var errs []*ValidationError
	add := func(field, value, format string, args ...any) {
		errs = append(errs, &ValidationError{Field: field, Value: value, Message: fmt.Sprintf(format, args...)})
	}

	if req == nil {
		add("Request", "", "request is required")
		return Result{Errors: errs}
	}

	if req.Member.ID == "" {
		add("Member.ID", "", "member identifier is required")
	}

	switch {
	case req.RequestingProvider.NPI == "":
		add("RequestingProvider.NPI", "", "requesting provider NPI is required")
	case !isNPI(req.RequestingProvider.NPI):
		add("RequestingProvider.NPI", req.RequestingProvider.NPI, "requesting provider NPI must be exactly 10 digits")
	}
	if sp := req.ServicingProvider; sp != nil && sp.NPI != "" && !isNPI(sp.NPI) {
		add("ServicingProvider.NPI", sp.NPI, "servicing provider NPI must be exactly 10 digits")
	}

	if len(req.Services) == 0 {
		add("Services", "", "at least one procedure or service line is required")
	}
	for i, svc := range req.Services {
		if svc.ProcedureCode == "" {
			add(fmt.Sprintf("Services[%d].ProcedureCode", i), "", "service line %d has no procedure code", i+1)
		}
	}

	if !req.Category.Valid() {
		add("Category", string(req.Category), "request category must be one of AR, HS, SC")
	} else if req.Category.RequiresDiagnosis() && len(req.Diagnoses) == 0 {
		add("Diagnoses", "", "at least one diagnosis code is required for category %s", req.Category)
	}

	if !req.Urgency.Valid() {
		add("Urgency", string(req.Urgency), "urgency indicator must be urgent, expedited or standard")
	}

	if req.CertificationType == x278.CertificationInitial {
		today := truncateDay(v.now())
		if req.ServiceDate != nil {
			if msg := checkNotPast(*req.ServiceDate, today); msg != "" {
				add("ServiceDate", req.ServiceDate.String(), "%s", msg)
			}
		}
		for i, svc := range req.Services {
			if svc.ServiceDate == nil {
				continue
			}
			if msg := checkNotPast(*svc.ServiceDate, today); msg != "" {
				add(fmt.Sprintf("Services[%d].ServiceDate", i), svc.ServiceDate.String(), "%s", msg)
			}
		}
	}

	return Result{Valid: len(errs) == 0, Errors: errs}
}

func checkNotPast(p x278.DatePeriod, today time.Time) string {
	if err := p.Validate(); err != nil {
		return err.Error()
	}
	start, _ := x278.ParseDate(p.Start)
	if start.Before(today) {
		return "service date is in the past for an initial certification"
	}
	return ""
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func isNPI(s string) bool {
	if len(s) != 10 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
