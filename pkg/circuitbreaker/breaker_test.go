package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

type rejected struct{}

func (rejected) Error() string   { return "payer rejected request" }
func (rejected) Permanent() bool { return true }

func TestDefaultIsSuccessful(t *testing.T) {
	if !DefaultIsSuccessful(nil) {
		t.Error("nil is success")
	}
	if !DefaultIsSuccessful(rejected{}) {
		t.Error("permanent errors do not count against the breaker")
	}
	if DefaultIsSuccessful(errors.New("connection reset")) {
		t.Error("transport errors are failures")
	}
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	var transitions []State
	cfg := DefaultConfig("payer-a")
	cfg.FailureThreshold = 2
	cfg.Timeout = time.Hour
	cfg.OnStateChange = func(_ string, _, to State) { transitions = append(transitions, to) }

	b, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	fail := func(context.Context) (any, error) { return nil, errors.New("503") }

	for i := 0; i < 2; i++ {
		if _, err := b.Execute(ctx, fail); err == nil {
			t.Fatal("expected failure")
		}
	}
	if b.State() != StateOpen || b.State().Gauge() != 1 {
		t.Fatalf("state = %s", b.State())
	}
	if len(transitions) != 1 || transitions[0] != StateOpen {
		t.Errorf("transitions = %v", transitions)
	}

	_, err = Run(ctx, b, func(context.Context) (string, error) { return "ok", nil })
	if !IsOpenError(err) {
		t.Errorf("open breaker error = %v", err)
	}
}

func TestRunReturnsTypedResult(t *testing.T) {
	b, err := New(DefaultConfig("payer-t"), nil)
	if err != nil {
		t.Fatal(err)
	}
	n, err := Run(context.Background(), b, func(context.Context) (int, error) { return 42, nil })
	if err != nil || n != 42 {
		t.Errorf("Run = %d, %v", n, err)
	}
}

func TestPermanentErrorsKeepBreakerClosed(t *testing.T) {
	cfg := DefaultConfig("payer-b")
	cfg.FailureThreshold = 1
	b, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		_, err := b.Execute(context.Background(), func(context.Context) (any, error) { return nil, rejected{} })
		if !errors.Is(err, rejected{}) {
			t.Fatalf("error = %v", err)
		}
	}
	if b.State() != StateClosed {
		t.Errorf("state = %s", b.State())
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(DefaultConfig(""), nil)
	a, err := r.For("payer-b")
	if err != nil {
		t.Fatal(err)
	}
	again, _ := r.For("payer-b")
	if a != again || a.Name() != "payer-b" {
		t.Error("For should return the same named breaker")
	}
	_, _ = r.For("payer-a")
	if _, ok := r.Lookup("payer-z"); ok {
		t.Error("unexpected breaker")
	}
	h := r.Health()
	if len(h) != 2 || h[0].Name != "payer-a" || h[1].State != StateClosed {
		t.Errorf("health = %+v", h)
	}
}
