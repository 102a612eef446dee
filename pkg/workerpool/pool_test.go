package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type permanent struct{}

func (permanent) Error() string   { return "bad payload" }
func (permanent) Permanent() bool { return true }

func startPool(t *testing.T, cfg Config, fn WorkerFunc) *Pool {
	t.Helper()
	p, err := New(cfg, fn, nil)
	if err != nil {
		t.Fatal(err)
	}
	p.Start()
	t.Cleanup(func() { _ = p.Stop() })
	return p
}

func TestDoReturnsOwnResult(t *testing.T) {
	p := startPool(t, Config{Workers: 4, QueueSize: 16}, func(_ context.Context, task *Task) *Result {
		return &Result{TaskID: task.ID, Success: true, Data: string(task.Payload)}
	})

	for _, id := range []string{"a", "b", "c"} {
		res, err := p.Do(context.Background(), &Task{ID: id, Payload: []byte("payload-" + id)})
		if err != nil {
			t.Fatalf("Do(%s): %v", id, err)
		}
		if res.TaskID != id || res.Data != "payload-"+id || res.Attempts != 1 {
			t.Errorf("result = %+v", res)
		}
	}
	if s := p.Stats(); s.Submitted != 3 || s.Completed != 3 {
		t.Errorf("stats = %+v", s)
	}
}

func TestRetriesTransientErrors(t *testing.T) {
	var calls int32
	p := startPool(t, Config{Workers: 1, QueueSize: 1, MaxRetries: 2, RetryDelay: time.Millisecond}, func(_ context.Context, task *Task) *Result {
		if atomic.AddInt32(&calls, 1) < 3 {
			return &Result{TaskID: task.ID, Error: errors.New("timeout")}
		}
		return &Result{TaskID: task.ID, Success: true}
	})

	res, err := p.Do(context.Background(), &Task{ID: "t"})
	if err != nil || !res.Success || res.Attempts != 3 {
		t.Fatalf("result = %+v, %v", res, err)
	}
	if p.Stats().Retried != 2 {
		t.Errorf("retried = %d", p.Stats().Retried)
	}
}

func TestGivesUpAfterMaxRetries(t *testing.T) {
	cause := errors.New("payer unavailable")
	p := startPool(t, Config{Workers: 1, QueueSize: 1, MaxRetries: 1, RetryDelay: time.Millisecond}, func(_ context.Context, task *Task) *Result {
		return &Result{TaskID: task.ID, Error: cause}
	})

	res, err := p.Do(context.Background(), &Task{ID: "t"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || !errors.Is(res.Error, cause) || res.Attempts != 2 {
		t.Errorf("result = %+v", res)
	}
	if p.Stats().Failed != 1 {
		t.Errorf("failed = %d", p.Stats().Failed)
	}
}

func TestPermanentErrorsAreNotRetried(t *testing.T) {
	var calls int32
	p := startPool(t, Config{Workers: 1, QueueSize: 1, MaxRetries: 5, RetryDelay: time.Millisecond}, func(_ context.Context, task *Task) *Result {
		atomic.AddInt32(&calls, 1)
		return &Result{TaskID: task.ID, Error: permanent{}}
	})

	res, err := p.Do(context.Background(), &Task{ID: "t"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || !errors.Is(res.Error, permanent{}) || calls != 1 {
		t.Errorf("result = %+v, calls = %d", res, calls)
	}
}

func TestDoAfterStop(t *testing.T) {
	p, _ := New(DefaultConfig(), func(_ context.Context, task *Task) *Result {
		return &Result{TaskID: task.ID, Success: true}
	}, nil)
	p.Start()
	if err := p.Stop(); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Do(context.Background(), &Task{ID: "late"}); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("error = %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestDoHonoursContextWhileQueueFull(t *testing.T) {
	block := make(chan struct{})
	p := startPool(t, Config{Workers: 1, QueueSize: 1}, func(_ context.Context, task *Task) *Result {
		<-block
		return &Result{TaskID: task.ID, Success: true}
	})
	defer close(block)

	for i := 0; i < 2; i++ {
		go func() { _, _ = p.Do(context.Background(), &Task{ID: "busy"}) }()
	}
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.Do(ctx, &Task{ID: "late"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v", err)
	}
	if p.Healthy() {
		t.Error("a full queue is unhealthy")
	}
}

func TestNewRequiresFunc(t *testing.T) {
	if _, err := New(DefaultConfig(), nil, nil); err == nil {
		t.Error("expected error")
	}
}
