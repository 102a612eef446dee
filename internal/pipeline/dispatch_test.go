package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/drfirst/go-pas/internal/domain/priorauth"
	"github.com/drfirst/go-pas/internal/orchestration"
	"github.com/drfirst/go-pas/internal/x12/x278"
)

func newDispatcher(t *testing.T, opts ...Option) (*Dispatcher, *Processor, orchestration.Topics) {
	t.Helper()
	cfg, err := orchestration.NewFactory("pas.example.org").Build(orchestration.EnvDev)
	if err != nil {
		t.Fatal(err)
	}
	p, _ := newProcessor(opts...)
	return NewDispatcher(p, cfg.Topics, nil), p, cfg.Topics
}

func TestDispatchFlow(t *testing.T) {
	payer := &fakePayer{resp: approval()}
	d, p, topics := newDispatcher(t, WithPayer(payer))
	ctx := context.Background()

	raw, _ := json.Marshal(request())
	out, err := d.Dispatch(ctx, topics.X12Requests.Name, raw)
	if err != nil {
		t.Fatalf("x12 request: %v", err)
	}
	var sub struct{ ID string }
	_ = json.Unmarshal(out, &sub)
	if sub.ID != "pa-TRN-0001" {
		t.Fatalf("result = %s", out)
	}

	events, err := p.Events(ctx, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	submitted, _ := json.Marshal(events[0])
	if _, err := d.Dispatch(ctx, topics.FHIRRequests.Name, submitted); err != nil {
		t.Fatalf("fhir request: %v", err)
	}
	if payer.calls != 1 {
		t.Errorf("payer calls = %d", payer.calls)
	}
	view, _ := p.Get(ctx, sub.ID)
	if view.Status != priorauth.StatusDecided {
		t.Errorf("status = %s", view.Status)
	}
}

func TestDispatchAsyncDecision(t *testing.T) {
	d, p, topics := newDispatcher(t)
	ctx := context.Background()
	sub, err := p.HandleRequest(ctx, request())
	if err != nil {
		t.Fatal(err)
	}

	msg, _ := json.Marshal(DecisionMessage{RequestID: sub.ID, X12: &x278.Response{Status: x278.StatusPended, TraceNumber: "TRN-0001"}})
	if _, err := d.Dispatch(ctx, topics.Decisions.Name, msg); err != nil {
		t.Fatalf("pended: %v", err)
	}
	msg, _ = json.Marshal(DecisionMessage{RequestID: sub.ID, ClaimResponse: approval()})
	out, err := d.Dispatch(ctx, topics.Decisions.Name, msg)
	if err != nil {
		t.Fatalf("final: %v", err)
	}
	var resp x278.Response
	if err := json.Unmarshal(out, &resp); err != nil || resp.Status != x278.StatusCertified {
		t.Errorf("response = %s, %v", out, err)
	}
}

func TestDispatchIgnoresOtherEvents(t *testing.T) {
	payer := &fakePayer{resp: approval()}
	d, _, topics := newDispatcher(t, WithPayer(payer))
	raw, _ := json.Marshal(priorauth.Event{AggregateID: "pa-1", EventType: priorauth.EventPriorAuthCancelled})
	if _, err := d.Dispatch(context.Background(), topics.FHIRRequests.Name, raw); err != nil || payer.calls != 0 {
		t.Errorf("err = %v, calls = %d", err, payer.calls)
	}
}

func TestDispatchMalformed(t *testing.T) {
	d, _, topics := newDispatcher(t)
	tests := []struct {
		name  string
		topic string
		value string
	}{
		{"bad json", topics.X12Requests.Name, `{`},
		{"no request id", topics.Decisions.Name, `{"x12_response":{"status":"A1"}}`},
		{"no response", topics.Decisions.Name, `{"request_id":"pa-1"}`},
		{"unknown topic", "other", `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Dispatch(context.Background(), tt.topic, []byte(tt.value))
			var malformed *MalformedMessageError
			if !errors.As(err, &malformed) || !malformed.Permanent() {
				t.Errorf("err = %v", err)
			}
		})
	}
}
