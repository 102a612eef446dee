package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"
)

type permanent struct{ msg string }

func (p permanent) Error() string   { return p.msg }
func (p permanent) Permanent() bool { return true }

func TestGenerateKey(t *testing.T) {
	a := GenerateKey("pas.x12.requests", "TRN-0001")
	if a != GenerateKey("pas.x12.requests", "TRN-0001") {
		t.Error("keys must be deterministic")
	}
	if a == GenerateKey("pas.x12.requests", "TRN-0002") {
		t.Error("different parts must give different keys")
	}
	if a == GenerateKey("pas.x12.requestsTRN-0001") {
		t.Error("part boundaries must matter")
	}
	if len(a) != 64 {
		t.Errorf("key length = %d", len(a))
	}
}

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{errors.New("connection refused"), false},
		{errors.New("invalid value"), false},
		{permanent{"bad npi"}, true},
		{fmt.Errorf("handle: %w", permanent{"bad npi"}), true},
		{errors.Join(errors.New("x"), permanent{"y"}), true},
	}
	for _, tt := range tests {
		if got := isPermanent(tt.err); got != tt.want {
			t.Errorf("isPermanent(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestInbox() (*Inbox, *MemoryStore, *clock) {
	c := &clock{t: time.Date(2024, 1, 5, 9, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()
	store.now = c.now
	in := NewInbox(store, DefaultConfig(), zap.NewNop())
	in.now = c.now
	return in, store, c
}

func TestProcessReturnsStoredResultForDuplicates(t *testing.T) {
	in, _, _ := newTestInbox()
	ctx := context.Background()
	calls := 0
	fn := func(context.Context, json.RawMessage) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"status":"submitted"}`), nil
	}

	first, err := in.Process(ctx, "k1", "test", nil, fn)
	if err != nil || first.Duplicate {
		t.Fatalf("first = %+v, %v", first, err)
	}
	second, err := in.Process(ctx, "k1", "test", nil, fn)
	if err != nil {
		t.Fatal(err)
	}
	if !second.Duplicate || string(second.Output) != `{"status":"submitted"}` {
		t.Errorf("second = %+v", second)
	}
	if calls != 1 {
		t.Errorf("calls = %d", calls)
	}
}

func TestProcessPermanentFailureIsRemembered(t *testing.T) {
	in, store, _ := newTestInbox()
	ctx := context.Background()
	fn := func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, permanent{"bad npi"}
	}

	if _, err := in.Process(ctx, "k1", "test", nil, fn); !errors.As(err, new(permanent)) {
		t.Fatalf("err = %v", err)
	}
	e, _ := store.Get(ctx, "k1")
	if e.Status != StatusFailed {
		t.Errorf("status = %s", e.Status)
	}
	if _, err := in.Process(ctx, "k1", "test", nil, fn); !errors.Is(err, ErrPreviouslyFailed) {
		t.Errorf("err = %v", err)
	}
}

func TestProcessRetriesTransientFailure(t *testing.T) {
	in, store, _ := newTestInbox()
	ctx := context.Background()
	calls := 0
	fn := func(context.Context, json.RawMessage) (json.RawMessage, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("connection refused")
		}
		return json.RawMessage(`1`), nil
	}

	if _, err := in.Process(ctx, "k1", "test", nil, fn); err == nil {
		t.Fatal("expected error")
	}
	if e, _ := store.Get(ctx, "k1"); e.Status != StatusRecoverable {
		t.Errorf("status = %s", e.Status)
	}
	res, err := in.Process(ctx, "k1", "test", nil, fn)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Recovered || string(res.Output) != "1" {
		t.Errorf("res = %+v", res)
	}
	if e, _ := store.Get(ctx, "k1"); e.Status != StatusFinished {
		t.Errorf("status = %s", e.Status)
	}
}

func TestProcessInProgressAndStale(t *testing.T) {
	in, store, c := newTestInbox()
	ctx := context.Background()
	_ = store.Claim(ctx, &Entry{Key: "k1", Handler: "other", Status: StatusStarted, CreatedAt: c.t, UpdatedAt: c.t, ExpiresAt: c.t.Add(time.Hour)})

	fn := func(context.Context, json.RawMessage) (json.RawMessage, error) { return json.RawMessage(`true`), nil }
	if _, err := in.Process(ctx, "k1", "test", nil, fn); !errors.Is(err, ErrMessageInProgress) {
		t.Fatalf("err = %v", err)
	}

	c.t = c.t.Add(6 * time.Minute)
	res, err := in.Process(ctx, "k1", "test", nil, fn)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Recovered {
		t.Errorf("res = %+v", res)
	}
}

func TestCleanup(t *testing.T) {
	in, store, c := newTestInbox()
	ctx := context.Background()
	fn := func(context.Context, json.RawMessage) (json.RawMessage, error) { return nil, nil }
	if _, err := in.Process(ctx, "done", "test", nil, fn); err != nil {
		t.Fatal(err)
	}
	_ = store.Claim(ctx, &Entry{Key: "abandoned", Status: StatusStarted, CreatedAt: c.t, UpdatedAt: c.t, ExpiresAt: c.t.Add(30 * 24 * time.Hour)})

	c.t = c.t.Add(8 * 24 * time.Hour)
	purged, err := in.Cleanup(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if purged != 1 {
		t.Errorf("purged = %d", purged)
	}
	st, _ := in.Stats(ctx)
	if st.Total != 1 || st.Recoverable != 1 {
		t.Errorf("stats = %+v", st)
	}
}
