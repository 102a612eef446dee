// Package workerpool runs record handlers on a fixed set of goroutines with
// bounded queueing and retry.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is one unit of work.
type Task struct {
	ID      string
	Topic   string
	Payload []byte

	ctx  context.Context
	done chan *Result
}

// Result is the outcome of a task after all attempts.
type Result struct {
	TaskID   string
	Success  bool
	Error    error
	Data     any
	Attempts int
}

// ErrPoolClosed is returned by Do after Stop.
var ErrPoolClosed = errors.New("worker pool is stopped")

// WorkerFunc processes one task attempt.
type WorkerFunc func(ctx context.Context, task *Task) *Result

// Config holds pool settings.
type Config struct {
	Workers   int
	QueueSize int
	// MaxRetries is the number of attempts after the first
	MaxRetries int
	// RetryDelay is the first backoff; each retry doubles it up to MaxRetryDelay
	RetryDelay      time.Duration
	MaxRetryDelay   time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns defaults sized for a single consumer instance.
func DefaultConfig() Config {
	return Config{
		Workers:         16,
		QueueSize:       64,
		MaxRetries:      3,
		RetryDelay:      100 * time.Millisecond,
		MaxRetryDelay:   5 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Pool is a fixed-size worker pool.
type Pool struct {
	cfg    Config
	fn     WorkerFunc
	logger *zap.Logger

	tasks  chan *Task
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
	busy      atomic.Int64
}

// New creates a pool; call Start before Do.
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, errors.New("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = def.MaxRetryDelay
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:    cfg,
		fn:     fn,
		logger: logger,
		tasks:  make(chan *Task, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start launches the workers.
func (p *Pool) Start() {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.run()
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.cfg.Workers),
		zap.Int("queue_size", p.cfg.QueueSize))
}

// Do queues task and waits for its result. Queueing blocks while the queue
// is full, so a slow pool pushes back on the caller.
func (p *Pool) Do(ctx context.Context, task *Task) (*Result, error) {
	task.ctx = ctx
	task.done = make(chan *Result, 1)

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, ErrPoolClosed
	}
	select {
	case p.tasks <- task:
		p.submitted.Add(1)
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		return nil, ctx.Err()
	}

	select {
	case res := <-task.done:
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop drains queued tasks and waits up to ShutdownTimeout for workers.
// Retries still sleeping after the timeout are cancelled.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	defer p.cancel()

	select {
	case <-done:
		p.logger.Info("worker pool stopped")
		return nil
	case <-time.After(p.cfg.ShutdownTimeout):
		return fmt.Errorf("worker pool shutdown timed out after %s", p.cfg.ShutdownTimeout)
	}
}

func (p *Pool) run() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.busy.Add(1)
		res := p.attempt(task)
		p.busy.Add(-1)

		if res.Success {
			p.completed.Add(1)
		} else {
			p.failed.Add(1)
			p.logger.Warn("task failed",
				zap.String("task_id", task.ID),
				zap.String("topic", task.Topic),
				zap.Int("attempts", res.Attempts),
				zap.Error(res.Error))
		}
		task.done <- res
	}
}

// attempt runs task until it succeeds, fails permanently, or runs out of
// retries.
func (p *Pool) attempt(task *Task) *Result {
	ctx := task.ctx
	if ctx == nil {
		ctx = p.ctx
	}

	delay := p.cfg.RetryDelay
	var res *Result
	for n := 1; ; n++ {
		if err := ctx.Err(); err != nil {
			return &Result{TaskID: task.ID, Error: err, Attempts: n - 1}
		}

		res = p.fn(ctx, task)
		res.Attempts = n
		if res.Success || isPermanent(res.Error) {
			return res
		}
		if n > p.cfg.MaxRetries {
			res.Error = fmt.Errorf("giving up after %d attempts: %w", n, res.Error)
			return res
		}

		p.retried.Add(1)
		p.logger.Debug("retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", n),
			zap.Duration("backoff", delay),
			zap.Error(res.Error))

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return &Result{TaskID: task.ID, Error: ctx.Err(), Attempts: n}
		case <-p.ctx.Done():
			t.Stop()
			return &Result{TaskID: task.ID, Error: ErrPoolClosed, Attempts: n}
		case <-t.C:
		}
		if delay *= 2; delay > p.cfg.MaxRetryDelay {
			delay = p.cfg.MaxRetryDelay
		}
	}
}

func isPermanent(err error) bool {
	var p interface{ Permanent() bool }
	return errors.As(err, &p) && p.Permanent()
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Submitted     int64 `json:"submitted"`
	Completed     int64 `json:"completed"`
	Failed        int64 `json:"failed"`
	Retried       int64 `json:"retried"`
	Busy          int64 `json:"busy"`
	Queued        int   `json:"queued"`
	QueueCapacity int   `json:"queue_capacity"`
	Workers       int   `json:"workers"`
}

// Stats returns the current counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted:     p.submitted.Load(),
		Completed:     p.completed.Load(),
		Failed:        p.failed.Load(),
		Retried:       p.retried.Load(),
		Busy:          p.busy.Load(),
		Queued:        len(p.tasks),
		QueueCapacity: p.cfg.QueueSize,
		Workers:       p.cfg.Workers,
	}
}

// Healthy reports whether the queue is below 90% of capacity.
func (p *Pool) Healthy() bool {
	return float64(len(p.tasks)) < 0.9*float64(p.cfg.QueueSize)
}
