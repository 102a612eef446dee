// Package priorauth implements the prior-authorization aggregate and domain events.
package priorauth

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/drfirst/go-pas/internal/pas/sla"
	"github.com/drfirst/go-pas/internal/x12/x278"
)

// AggregateType is stored with every event and outbox row.
const AggregateType = "PriorAuthorization"

// EventType represents the type of domain event
type EventType string

const (
	EventPriorAuthSubmitted EventType = "PriorAuthSubmitted"
	EventPriorAuthExtended  EventType = "PriorAuthExtended"
	EventPriorAuthDecided   EventType = "PriorAuthDecided"
	EventPriorAuthCancelled EventType = "PriorAuthCancelled"
	EventAttachmentAdded    EventType = "AttachmentAdded"
	EventConsentRecorded    EventType = "ConsentRecorded"
)

// Event represents a domain event
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Version       int             `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	RequesterNPI  string          `json:"requester_npi,omitempty"`
	PayerID       string          `json:"payer_id,omitempty"`
	MemberHash    string          `json:"member_hash,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

var timeNow = time.Now

// NewEvent creates a new event
func NewEvent(aggregateID string, eventType EventType, data any) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: AggregateType,
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     timeNow().UTC(),
	}, nil
}

// WithAuditInfo sets audit fields
func (e *Event) WithAuditInfo(requesterNPI, payerID, memberHash string) *Event {
	e.RequesterNPI = requesterNPI
	e.PayerID = payerID
	e.MemberHash = memberHash
	return e
}

// HashMemberID returns the digest stored in place of the member identifier.
func HashMemberID(memberID string) string {
	sum := sha256.Sum256([]byte(memberID))
	return hex.EncodeToString(sum[:])
}

// SubmittedData is recorded when a request has been validated and translated.
type SubmittedData struct {
	RequestID      string          `json:"request_id"`
	TraceNumber    string          `json:"trace_number,omitempty"`
	PayerID        string          `json:"payer_id,omitempty"`
	MemberHash     string          `json:"member_hash"`
	RequesterNPI   string          `json:"requester_npi"`
	Category       x278.Category   `json:"category"`
	Urgency        x278.Urgency    `json:"urgency"`
	ProcedureCodes []string        `json:"procedure_codes"`
	Intent         string          `json:"intent"`
	Bundle         json.RawMessage `json:"bundle"`
	SLA            sla.SLA         `json:"sla"`
	SubmittedAt    time.Time       `json:"submitted_at"`
}

// ExtendedData records the single decision extension.
type ExtendedData struct {
	RequestID  string    `json:"request_id"`
	Reason     string    `json:"reason,omitempty"`
	SLA        sla.SLA   `json:"sla"`
	ExtendedAt time.Time `json:"extended_at"`
}

// DecidedData records the payer decision in both formats.
type DecidedData struct {
	RequestID           string          `json:"request_id"`
	Status              x278.StatusCode `json:"status"`
	Outcome             string          `json:"outcome"`
	AuthorizationNumber string          `json:"authorization_number,omitempty"`
	ReasonCode          string          `json:"reason_code,omitempty"`
	Response            json.RawMessage `json:"response"`
	ClaimResponse       json.RawMessage `json:"claim_response,omitempty"`
	SLA                 sla.SLA         `json:"sla"`
	DecidedAt           time.Time       `json:"decided_at"`
}

// CancelledData records a cancellation.
type CancelledData struct {
	RequestID   string    `json:"request_id"`
	Reason      string    `json:"reason,omitempty"`
	CancelledAt time.Time `json:"cancelled_at"`
}

// AttachmentAddedData references a stored attachment.
type AttachmentAddedData struct {
	RequestID           string    `json:"request_id"`
	BinaryID            string    `json:"binary_id"`
	DocumentReferenceID string    `json:"document_reference_id"`
	BinaryURL           string    `json:"binary_url"`
	ContentType         string    `json:"content_type"`
	Size                int       `json:"size"`
	ObjectKey           string    `json:"object_key"`
	AddedAt             time.Time `json:"added_at"`
}

// ConsentRecordedData carries the Consent resource.
type ConsentRecordedData struct {
	RequestID  string          `json:"request_id"`
	Status     string          `json:"status"`
	Consent    json.RawMessage `json:"consent"`
	RecordedAt time.Time       `json:"recorded_at"`
}
