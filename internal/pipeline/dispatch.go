package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/drfirst/go-pas/internal/domain/priorauth"
	fhir "github.com/drfirst/go-pas/internal/fhir/r4"
	"github.com/drfirst/go-pas/internal/orchestration"
	"github.com/drfirst/go-pas/internal/x12/x278"
)

// DecisionMessage is an asynchronous payer decision. Exactly one of
// ClaimResponse and X12 is set.
type DecisionMessage struct {
	RequestID     string              `json:"request_id"`
	ClaimResponse *fhir.ClaimResponse `json:"claim_response,omitempty"`
	X12           *x278.Response      `json:"x12_response,omitempty"`
}

// MalformedMessageError reports a record that can never be processed.
type MalformedMessageError struct {
	Topic string
	Err   error
}

func (e *MalformedMessageError) Error() string {
	return fmt.Sprintf("malformed message on %s: %v", e.Topic, e.Err)
}

func (e *MalformedMessageError) Unwrap() error   { return e.Err }
func (e *MalformedMessageError) Permanent() bool { return true }

// Dispatcher routes consumed records to the Processor by topic.
type Dispatcher struct {
	proc   *Processor
	topics orchestration.Topics
	logger *zap.Logger
}

// NewDispatcher creates a dispatcher for the given topic layout.
func NewDispatcher(proc *Processor, topics orchestration.Topics, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{proc: proc, topics: topics, logger: logger}
}

// Topics lists the topics the dispatcher consumes.
func (d *Dispatcher) Topics() []string {
	return []string{d.topics.X12Requests.Name, d.topics.FHIRRequests.Name, d.topics.Decisions.Name}
}

// Dispatch processes one record and returns a JSON result for the inbox.
func (d *Dispatcher) Dispatch(ctx context.Context, topic string, value []byte) (json.RawMessage, error) {
	switch topic {
	case d.topics.X12Requests.Name:
		var req x278.Request
		if err := json.Unmarshal(value, &req); err != nil {
			return nil, &MalformedMessageError{Topic: topic, Err: err}
		}
		sub, err := d.proc.HandleRequest(ctx, &req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(struct {
			ID        string `json:"id"`
			Status    string `json:"status"`
			Duplicate bool   `json:"duplicate,omitempty"`
		}{sub.ID, sub.Status, sub.Duplicate})

	case d.topics.FHIRRequests.Name:
		var event priorauth.Event
		if err := json.Unmarshal(value, &event); err != nil {
			return nil, &MalformedMessageError{Topic: topic, Err: err}
		}
		if event.EventType != priorauth.EventPriorAuthSubmitted {
			d.logger.Debug("ignoring event", zap.String("id", event.AggregateID), zap.String("event_type", string(event.EventType)))
			return json.RawMessage("null"), nil
		}
		resp, err := d.proc.SubmitToPayer(ctx, event.AggregateID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(resp)

	case d.topics.Decisions.Name:
		var msg DecisionMessage
		if err := json.Unmarshal(value, &msg); err != nil {
			return nil, &MalformedMessageError{Topic: topic, Err: err}
		}
		switch {
		case msg.RequestID == "":
			return nil, &MalformedMessageError{Topic: topic, Err: fmt.Errorf("request_id is required")}
		case msg.X12 != nil:
			cr, err := d.proc.HandleX12Decision(ctx, msg.RequestID, msg.X12)
			if err != nil {
				return nil, err
			}
			return json.Marshal(cr)
		case msg.ClaimResponse != nil:
			resp, err := d.proc.HandleDecision(ctx, msg.RequestID, msg.ClaimResponse)
			if err != nil {
				return nil, err
			}
			return json.Marshal(resp)
		}
		return nil, &MalformedMessageError{Topic: topic, Err: fmt.Errorf("decision for %s carries no response", msg.RequestID)}
	}
	return nil, &MalformedMessageError{Topic: topic, Err: fmt.Errorf("no handler for topic")}
}
