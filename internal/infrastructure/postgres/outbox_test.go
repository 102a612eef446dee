package postgres

import (
	"encoding/json"
	"testing"
	"time"
)

func TestDeadLetterFor(t *testing.T) {
	lastErr := "broker unavailable"
	created := time.Date(2024, 1, 5, 9, 0, 0, 0, time.UTC)
	entry := &OutboxEntry{
		ID:            42,
		AggregateID:   "pa-TRN-0001",
		AggregateType: "PriorAuthorization",
		EventType:     "PriorAuthSubmitted",
		Payload:       json.RawMessage(`{"request_id":"pa-TRN-0001"}`),
		KafkaTopic:    "pas.fhir.requests",
		KafkaKey:      "pa-TRN-0001",
		CreatedAt:     created,
		RetryCount:    5,
		LastError:     &lastErr,
	}

	raw, err := json.Marshal(deadLetterFor(entry))
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatal(err)
	}
	if got["original_topic"] != "pas.fhir.requests" || got["last_error"] != lastErr || got["retry_count"] != float64(5) {
		t.Errorf("dead letter = %s", raw)
	}
	if payload, ok := got["payload"].(map[string]any); !ok || payload["request_id"] != "pa-TRN-0001" {
		t.Errorf("payload should be embedded as JSON, got %s", raw)
	}
}

func TestDeadLetterWithoutError(t *testing.T) {
	raw, _ := json.Marshal(deadLetterFor(&OutboxEntry{Payload: json.RawMessage(`{}`)}))
	var got map[string]any
	_ = json.Unmarshal(raw, &got)
	if _, ok := got["last_error"]; ok {
		t.Errorf("last_error should be omitted: %s", raw)
	}
}

func TestNewOutboxDefaultsDeadLetterTopic(t *testing.T) {
	o := NewOutbox(nil, nil, OutboxConfig{BatchSize: 1, PollInterval: time.Second}, nil)
	if o.config.DeadLetterTopic != "pas.dlq" {
		t.Errorf("dead letter topic = %q", o.config.DeadLetterTopic)
	}
}

func TestEntryHeaders(t *testing.T) {
	h := (&OutboxEntry{ID: 7, EventType: "Decided", AggregateType: "PriorAuthorization"}).Headers()
	if h["event_type"] != "Decided" || h["aggregate_type"] != "PriorAuthorization" || h["outbox_id"] != "7" {
		t.Errorf("headers = %v", h)
	}
}
