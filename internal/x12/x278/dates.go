package x278

import (
	"fmt"
	"strings"
	"time"
)

// Date format qualifiers (DTP02)
const (
	DateFormatD8  = "D8"
	DateFormatRD8 = "RD8"
)

const (
	x12DateLayout  = "20060102"
	fhirDateLayout = "2006-01-02"
)

// DatePeriod is a single date (D8) or an inclusive range (RD8), both CCYYMMDD.
type DatePeriod struct {
	Start string `json:"start"`
	End   string `json:"end,omitempty"`
}

// Qualifier returns D8 for a single date and RD8 for a range.
func (p DatePeriod) Qualifier() string {
	if p.End == "" || p.End == p.Start {
		return DateFormatD8
	}
	return DateFormatRD8
}

// String renders the period as it appears in DTP03.
func (p DatePeriod) String() string {
	if p.Qualifier() == DateFormatD8 {
		return p.Start
	}
	return p.Start + "-" + p.End
}

// Validate checks both bounds are real calendar dates and ordered.
func (p DatePeriod) Validate() error {
	start, err := ParseDate(p.Start)
	if err != nil {
		return fmt.Errorf("invalid start date %q: %w", p.Start, err)
	}
	if p.End == "" {
		return nil
	}
	end, err := ParseDate(p.End)
	if err != nil {
		return fmt.Errorf("invalid end date %q: %w", p.End, err)
	}
	if end.Before(start) {
		return fmt.Errorf("end date %s precedes start date %s", p.End, p.Start)
	}
	return nil
}

// ParseDatePeriod parses a DTP03 value in D8 or RD8 form.
func ParseDatePeriod(s string) (DatePeriod, error) {
	start, end, isRange := strings.Cut(strings.TrimSpace(s), "-")
	p := DatePeriod{Start: start}
	if isRange {
		p.End = end
	}
	if err := p.Validate(); err != nil {
		return DatePeriod{}, err
	}
	return p, nil
}

// FormatDate formats a time.Time to X12 date format (CCYYMMDD)
func FormatDate(t time.Time) string {
	return t.Format(x12DateLayout)
}

// ParseDate parses an X12 CCYYMMDD date string
func ParseDate(s string) (time.Time, error) {
	return time.Parse(x12DateLayout, s)
}

// FHIRDate converts CCYYMMDD to a FHIR date (YYYY-MM-DD).
func FHIRDate(d8 string) (string, error) {
	t, err := ParseDate(d8)
	if err != nil {
		return "", err
	}
	return t.Format(fhirDateLayout), nil
}

// FromFHIRDate converts a FHIR date or dateTime to CCYYMMDD.
func FromFHIRDate(s string) (string, error) {
	if s == "" {
		return "", fmt.Errorf("empty date")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return FormatDate(t), nil
	}
	datePart := s
	if i := strings.IndexByte(s, 'T'); i >= 0 {
		datePart = s[:i]
	}
	t, err := time.Parse(fhirDateLayout, datePart)
	if err != nil {
		return "", err
	}
	return FormatDate(t), nil
}
