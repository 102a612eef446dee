package priorauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/drfirst/go-pas/internal/pas/sla"
	"github.com/drfirst/go-pas/internal/x12/x278"
)

// Status represents prior authorization status
type Status string

const (
	StatusDraft     Status = "draft"
	StatusSubmitted Status = "submitted"
	StatusExtended  Status = "extended"
	StatusDecided   Status = "decided"
	StatusCancelled Status = "cancelled"
)

var (
	// ErrNotFound is returned when no events exist for an aggregate.
	ErrNotFound = errors.New("prior authorization not found")
	// ErrConcurrentModification is returned when another writer saved the same version first.
	ErrConcurrentModification = errors.New("prior authorization modified concurrently")
)

// StateError reports a command that is not allowed in the current status.
type StateError struct {
	AggregateID string
	Op          string
	Status      Status
}

func (e *StateError) Error() string {
	return fmt.Sprintf("prior authorization %s: cannot %s while %s", e.AggregateID, e.Op, e.Status)
}

func (e *StateError) Permanent() bool { return true }

// Decision is the recorded payer decision.
type Decision struct {
	Status              x278.StatusCode `json:"status"`
	Outcome             string          `json:"outcome"`
	AuthorizationNumber string          `json:"authorization_number,omitempty"`
	ReasonCode          string          `json:"reason_code,omitempty"`
	Response            json.RawMessage `json:"response"`
	ClaimResponse       json.RawMessage `json:"claim_response,omitempty"`
	DecidedAt           time.Time       `json:"decided_at"`
}

// Aggregate represents the prior authorization aggregate root
type Aggregate struct {
	id             string
	version        int
	status         Status
	traceNumber    string
	payerID        string
	requesterNPI   string
	memberHash     string
	category       x278.Category
	urgency        x278.Urgency
	procedureCodes []string
	bundle         json.RawMessage
	sla            sla.SLA
	decision       *Decision
	attachments    []AttachmentAddedData
	consentStatus  string
	createdAt      time.Time
	updatedAt      time.Time
	changes        []*Event
}

// NewAggregate creates a new prior authorization aggregate
func NewAggregate(id string) *Aggregate {
	now := timeNow().UTC()
	return &Aggregate{
		id:        id,
		status:    StatusDraft,
		createdAt: now,
		updatedAt: now,
		changes:   make([]*Event, 0),
	}
}

// ID returns the aggregate ID
func (a *Aggregate) ID() string { return a.id }

// Version returns the current version
func (a *Aggregate) Version() int { return a.version }

// Status returns the current status
func (a *Aggregate) Status() Status { return a.status }

// SLA returns the decision deadline record.
func (a *Aggregate) SLA() sla.SLA { return a.sla }

// PayerID returns the payer the request is addressed to.
func (a *Aggregate) PayerID() string { return a.payerID }

// Bundle returns the translated PAS request Bundle.
func (a *Aggregate) Bundle() json.RawMessage { return a.bundle }

// Decision returns the payer decision, nil while pending.
func (a *Aggregate) Decision() *Decision { return a.decision }

// Attachments returns the stored attachment references.
func (a *Aggregate) Attachments() []AttachmentAddedData { return a.attachments }

// Changes returns uncommitted events
func (a *Aggregate) Changes() []*Event { return a.changes }

// ClearChanges clears uncommitted events
func (a *Aggregate) ClearChanges() { a.changes = make([]*Event, 0) }

// Submit records a validated and translated request.
func (a *Aggregate) Submit(data *SubmittedData) error {
	if a.status != StatusDraft {
		return &StateError{AggregateID: a.id, Op: "submit", Status: a.status}
	}
	data.RequestID = a.id

	event, err := NewEvent(a.id, EventPriorAuthSubmitted, data)
	if err != nil {
		return err
	}
	event.WithAuditInfo(data.RequesterNPI, data.PayerID, data.MemberHash)
	return a.record(event)
}

// Extend grants the single SLA extension allowed by policy.
func (a *Aggregate) Extend(reason string, policy sla.Policy) error {
	if a.status != StatusSubmitted && a.status != StatusExtended {
		return &StateError{AggregateID: a.id, Op: "extend", Status: a.status}
	}
	extended, err := policy.Extend(a.sla)
	if err != nil {
		return err
	}

	event, err := NewEvent(a.id, EventPriorAuthExtended, &ExtendedData{
		RequestID:  a.id,
		Reason:     reason,
		SLA:        extended,
		ExtendedAt: timeNow().UTC(),
	})
	if err != nil {
		return err
	}
	return a.record(event)
}

// Decide records the payer decision and settles SLA compliance.
func (a *Aggregate) Decide(data *DecidedData) error {
	if a.status != StatusSubmitted && a.status != StatusExtended {
		return &StateError{AggregateID: a.id, Op: "decide", Status: a.status}
	}
	decided, err := sla.UpdateWithDecision(a.sla, data.DecidedAt)
	if err != nil {
		return err
	}
	data.RequestID = a.id
	data.SLA = decided

	event, err := NewEvent(a.id, EventPriorAuthDecided, data)
	if err != nil {
		return err
	}
	event.WithAuditInfo(a.requesterNPI, a.payerID, a.memberHash)
	return a.record(event)
}

// Cancel withdraws the request. Decided requests may be cancelled too.
func (a *Aggregate) Cancel(reason string) error {
	if a.status == StatusDraft || a.status == StatusCancelled {
		return &StateError{AggregateID: a.id, Op: "cancel", Status: a.status}
	}

	event, err := NewEvent(a.id, EventPriorAuthCancelled, &CancelledData{
		RequestID:   a.id,
		Reason:      reason,
		CancelledAt: timeNow().UTC(),
	})
	if err != nil {
		return err
	}
	return a.record(event)
}

// AddAttachment links a stored attachment to the request.
func (a *Aggregate) AddAttachment(data *AttachmentAddedData) error {
	if a.status == StatusDraft || a.status == StatusCancelled {
		return &StateError{AggregateID: a.id, Op: "attach", Status: a.status}
	}
	for _, existing := range a.attachments {
		if existing.BinaryID == data.BinaryID {
			return nil
		}
	}
	data.RequestID = a.id

	event, err := NewEvent(a.id, EventAttachmentAdded, data)
	if err != nil {
		return err
	}
	return a.record(event)
}

// RecordConsent stores the patient's consent.
func (a *Aggregate) RecordConsent(data *ConsentRecordedData) error {
	if a.status == StatusDraft || a.status == StatusCancelled {
		return &StateError{AggregateID: a.id, Op: "record consent", Status: a.status}
	}
	data.RequestID = a.id

	event, err := NewEvent(a.id, EventConsentRecorded, data)
	if err != nil {
		return err
	}
	return a.record(event)
}

func (a *Aggregate) record(event *Event) error {
	if err := a.apply(event); err != nil {
		return err
	}
	a.changes = append(a.changes, event)
	return nil
}

// apply applies an event to update state
func (a *Aggregate) apply(event *Event) error {
	switch event.EventType {
	case EventPriorAuthSubmitted:
		var data SubmittedData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			return fmt.Errorf("decode %s: %w", event.EventType, err)
		}
		a.status = StatusSubmitted
		a.traceNumber = data.TraceNumber
		a.payerID = data.PayerID
		a.requesterNPI = data.RequesterNPI
		a.memberHash = data.MemberHash
		a.category = data.Category
		a.urgency = data.Urgency
		a.procedureCodes = data.ProcedureCodes
		a.bundle = data.Bundle
		a.sla = data.SLA
		a.createdAt = data.SubmittedAt
	case EventPriorAuthExtended:
		var data ExtendedData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			return fmt.Errorf("decode %s: %w", event.EventType, err)
		}
		a.status = StatusExtended
		a.sla = data.SLA
	case EventPriorAuthDecided:
		var data DecidedData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			return fmt.Errorf("decode %s: %w", event.EventType, err)
		}
		a.status = StatusDecided
		a.sla = data.SLA
		a.decision = &Decision{
			Status:              data.Status,
			Outcome:             data.Outcome,
			AuthorizationNumber: data.AuthorizationNumber,
			ReasonCode:          data.ReasonCode,
			Response:            data.Response,
			ClaimResponse:       data.ClaimResponse,
			DecidedAt:           data.DecidedAt,
		}
	case EventPriorAuthCancelled:
		a.status = StatusCancelled
	case EventAttachmentAdded:
		var data AttachmentAddedData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			return fmt.Errorf("decode %s: %w", event.EventType, err)
		}
		a.attachments = append(a.attachments, data)
	case EventConsentRecorded:
		var data ConsentRecordedData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			return fmt.Errorf("decode %s: %w", event.EventType, err)
		}
		a.consentStatus = data.Status
	default:
		return fmt.Errorf("unknown event type %q", event.EventType)
	}

	a.version++
	a.updatedAt = event.Timestamp
	return nil
}

// LoadFromHistory rebuilds state from events
func (a *Aggregate) LoadFromHistory(events []*Event) error {
	for _, event := range events {
		if err := a.apply(event); err != nil {
			return fmt.Errorf("replay version %d: %w", event.Version, err)
		}
	}
	return nil
}

// View is the read model returned by the gateway.
type View struct {
	ID             string                `json:"id"`
	Version        int                   `json:"version"`
	Status         Status                `json:"status"`
	TraceNumber    string                `json:"trace_number,omitempty"`
	PayerID        string                `json:"payer_id,omitempty"`
	RequesterNPI   string                `json:"requester_npi"`
	Category       x278.Category         `json:"category"`
	Urgency        x278.Urgency          `json:"urgency"`
	ProcedureCodes []string              `json:"procedure_codes"`
	SLA            sla.SLA               `json:"sla"`
	SLAState       sla.State             `json:"sla_state"`
	Decision       *Decision             `json:"decision,omitempty"`
	Attachments    []AttachmentAddedData `json:"attachments,omitempty"`
	ConsentStatus  string                `json:"consent_status,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

// View returns a snapshot of the aggregate.
func (a *Aggregate) View() View {
	return View{
		ID:             a.id,
		Version:        a.version,
		Status:         a.status,
		TraceNumber:    a.traceNumber,
		PayerID:        a.payerID,
		RequesterNPI:   a.requesterNPI,
		Category:       a.category,
		Urgency:        a.urgency,
		ProcedureCodes: a.procedureCodes,
		SLA:            a.sla,
		SLAState:       a.sla.State(),
		Decision:       a.decision,
		Attachments:    a.attachments,
		ConsentStatus:  a.consentStatus,
		CreatedAt:      a.createdAt,
		UpdatedAt:      a.updatedAt,
	}
}
