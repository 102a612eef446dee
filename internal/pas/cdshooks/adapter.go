package cdshooks

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/drfirst/go-pas/internal/x12/x278"
)

// Adapter builds cards and hook requests attributed to one source.
type Adapter struct {
	Source     Source
	FHIRServer string
	// NewID generates card UUIDs and hook instance ids.
	NewID func() string
}

// NewAdapter creates an adapter with random UUIDs.
func NewAdapter(source Source, fhirServer string) *Adapter {
	return &Adapter{
		Source:     source,
		FHIRServer: fhirServer,
		NewID:      uuid.NewString,
	}
}

func (a *Adapter) newID() string {
	if a.NewID == nil {
		return uuid.NewString()
	}
	return a.NewID()
}

// CreateCRDCard builds a card. An empty indicator defaults to info; an empty id is generated.
func (a *Adapter) CreateCRDCard(id, summary, detail string, indicator Indicator) (Card, error) {
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return Card{}, &InvalidCardError{Field: "summary", Message: "summary is required"}
	}
	if utf8.RuneCountInString(summary) >= MaxSummaryLength {
		return Card{}, &InvalidCardError{
			Field:   "summary",
			Value:   summary,
			Message: fmt.Sprintf("summary must be shorter than %d characters", MaxSummaryLength),
		}
	}
	if indicator == "" {
		indicator = IndicatorInfo
	}
	if !indicator.Valid() {
		return Card{}, &InvalidCardError{Field: "indicator", Value: string(indicator), Message: "must be info, warning or critical"}
	}
	if a.Source.Label == "" {
		return Card{}, &InvalidCardError{Field: "source.label", Message: "card source label is required"}
	}
	if id == "" {
		id = a.newID()
	}

	return Card{
		UUID:      id,
		Summary:   summary,
		Detail:    detail,
		Indicator: indicator,
		Source:    a.Source,
	}, nil
}

// WithSuggestion returns a copy of card with s appended.
func WithSuggestion(card Card, s Suggestion) Card {
	suggestions := make([]Suggestion, 0, len(card.Suggestions)+1)
	suggestions = append(suggestions, card.Suggestions...)
	card.Suggestions = append(suggestions, s)
	if len(card.Suggestions) > 1 && card.SelectionBehavior == "" {
		card.SelectionBehavior = "at-most-one"
	}
	return card
}

// WithLink returns a copy of card with l appended.
func WithLink(card Card, l Link) Card {
	links := make([]Link, 0, len(card.Links)+1)
	links = append(links, card.Links...)
	card.Links = append(links, l)
	return card
}

// CreateCDSHooksRequest builds the envelope for invoking a CDS service.
func (a *Adapter) CreateCDSHooksRequest(hook HookType, ctx Context) (Request, error) {
	if !hook.Valid() {
		return Request{}, &UnsupportedHookTypeError{Field: "hook", Value: string(hook)}
	}
	if err := ValidateContext(hook, ctx); err != nil {
		return Request{}, err
	}
	return Request{
		Hook:         hook,
		HookInstance: a.newID(),
		FHIRServer:   a.FHIRServer,
		Context:      ctx,
	}, nil
}

// ValidateContext checks the context fields required by hook.
func ValidateContext(hook HookType, ctx Context) error {
	if ctx.UserID == "" {
		return &ContextError{Hook: hook, Field: "userId"}
	}
	if ctx.PatientID == "" {
		return &ContextError{Hook: hook, Field: "patientId"}
	}

	switch hook {
	case HookOrderSelect:
		if len(ctx.Selections) == 0 {
			return &ContextError{Hook: hook, Field: "selections"}
		}
		for i, sel := range ctx.Selections {
			if kind, id, ok := strings.Cut(sel, "/"); !ok || kind == "" || id == "" {
				return &ContextError{
					Hook:    hook,
					Field:   fmt.Sprintf("selections[%d]", i),
					Value:   sel,
					Message: "selection must be a ResourceType/id reference",
				}
			}
		}
		if ctx.DraftOrders == nil {
			return &ContextError{Hook: hook, Field: "draftOrders"}
		}
	case HookOrderSign:
		if ctx.DraftOrders == nil {
			return &ContextError{Hook: hook, Field: "draftOrders"}
		}
	case HookAppointmentBook:
		if ctx.Appointments == nil {
			return &ContextError{Hook: hook, Field: "appointments"}
		}
	case HookEncounterStart:
		if ctx.EncounterID == "" {
			return &ContextError{Hook: hook, Field: "encounterId"}
		}
	default:
		return &UnsupportedHookTypeError{Field: "hook", Value: string(hook)}
	}
	return nil
}

// CardForResponse summarizes a payer decision as a card for the ordering clinician.
func (a *Adapter) CardForResponse(id string, resp *x278.Response) (Card, error) {
	if resp == nil {
		return Card{}, &InvalidCardError{Field: "response", Message: "decision is required"}
	}

	var (
		summary   string
		indicator Indicator
	)
	switch resp.Status {
	case x278.StatusCertified:
		summary, indicator = "Prior authorization approved", IndicatorInfo
	case x278.StatusModified, x278.StatusPartiallyModified:
		summary, indicator = "Prior authorization approved with modifications", IndicatorWarning
	case x278.StatusDenied:
		summary, indicator = "Prior authorization denied", IndicatorCritical
	case x278.StatusPended:
		summary, indicator = "Prior authorization pending payer review", IndicatorInfo
	default:
		return Card{}, &InvalidCardError{Field: "status", Value: string(resp.Status), Message: "unrecognized review action code"}
	}

	var detail []string
	if resp.AuthorizationNumber != "" {
		detail = append(detail, "Authorization number: "+resp.AuthorizationNumber)
	}
	if resp.Certification != nil {
		detail = append(detail, fmt.Sprintf("Valid %s through %s", resp.EffectiveDate(), resp.ExpirationDate()))
	}
	if resp.ReasonCode != "" {
		detail = append(detail, "Reason: "+resp.ReasonCode)
	}
	detail = append(detail, resp.Remarks...)

	return a.CreateCRDCard(id, summary, strings.Join(detail, "\n"), indicator)
}
