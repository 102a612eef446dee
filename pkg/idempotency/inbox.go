// Package idempotency provides the Inbox pattern for exactly-once handling of
// consumed records. Keys are deterministic: a hash of the record's identifying
// parts, so a redelivered record or a republished outbox row maps to the same
// entry.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status is the processing state of an inbox entry.
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

// Entry is one inbox record.
type Entry struct {
	Key       string
	Handler   string
	Status    Status
	Payload   json.RawMessage
	Result    json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time
}

var (
	// ErrEntryNotFound is returned by Store.Get for an unknown key.
	ErrEntryNotFound = errors.New("inbox entry not found")
	// ErrDuplicateMessage is returned when another handler claimed the key first.
	ErrDuplicateMessage = errors.New("duplicate message: already claimed")
	// ErrMessageInProgress is returned while another handler holds a fresh claim.
	ErrMessageInProgress = errors.New("message in progress by another handler")
	// ErrPreviouslyFailed is returned for keys whose handler failed permanently.
	ErrPreviouslyFailed = errors.New("message previously failed permanently")
)

// Store persists inbox entries.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	// Claim inserts e as STARTED, or takes over a RECOVERABLE entry with the
	// same key. Any other existing entry yields ErrDuplicateMessage.
	Claim(ctx context.Context, e *Entry) error
	Finish(ctx context.Context, key string, status Status, result json.RawMessage) error
	// Release marks a STARTED entry RECOVERABLE.
	Release(ctx context.Context, key string) error
	// Purge deletes expired entries and finished entries last updated before finishedBefore.
	Purge(ctx context.Context, now, finishedBefore time.Time) (int64, error)
	// ReleaseStale marks STARTED entries last updated before cutoff RECOVERABLE.
	ReleaseStale(ctx context.Context, cutoff time.Time) (int64, error)
	Stats(ctx context.Context) (*Stats, error)
}

// Stats counts entries by status.
type Stats struct {
	Total       int64 `json:"total"`
	Started     int64 `json:"started"`
	Finished    int64 `json:"finished"`
	Recoverable int64 `json:"recoverable"`
	Failed      int64 `json:"failed"`
}

// Config holds inbox settings.
type Config struct {
	// TTL bounds how long any entry is kept
	TTL time.Duration
	// FinishedRetention bounds how long finished entries are kept
	FinishedRetention time.Duration
	// CleanupInterval is how often expired entries are purged
	CleanupInterval time.Duration
	// RecoveryTimeout is the age after which a STARTED entry is considered abandoned
	RecoveryTimeout time.Duration
}

// DefaultConfig keeps finished entries for a week and any entry for three
// weeks, past the longest decision window plus its extension.
func DefaultConfig() Config {
	return Config{
		TTL:               21 * 24 * time.Hour,
		FinishedRetention: 7 * 24 * time.Hour,
		CleanupInterval:   time.Hour,
		RecoveryTimeout:   5 * time.Minute,
	}
}

// Result is the outcome of Inbox.Process.
type Result struct {
	// Duplicate is true when the stored result of an earlier run is returned.
	Duplicate bool
	// Recovered is true when an abandoned or transiently failed run was retried.
	Recovered bool
	Output    json.RawMessage
}

// HandlerFunc does the work for one record.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Inbox runs handlers at most once per key to completion.
type Inbox struct {
	store  Store
	config Config
	now    func() time.Time
	logger *zap.Logger
	tracer trace.Tracer

	cancel context.CancelFunc
	done   chan struct{}
}

// NewInbox creates an inbox over store.
func NewInbox(store Store, cfg Config, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inbox{
		store:  store,
		config: cfg,
		now:    time.Now,
		logger: logger,
		tracer: otel.Tracer("inbox"),
	}
}

// Process runs fn for key unless an earlier run finished or failed
// permanently. A finished key returns its stored output; a permanently failed
// key returns ErrPreviouslyFailed. Handler errors reporting Permanent() mark
// the key FAILED, other errors leave it RECOVERABLE for redelivery.
func (i *Inbox) Process(ctx context.Context, key, handler string, payload json.RawMessage, fn HandlerFunc) (*Result, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handler),
		))
	defer span.End()

	entry, err := i.store.Get(ctx, key)
	if err != nil && !errors.Is(err, ErrEntryNotFound) {
		return nil, fmt.Errorf("check inbox: %w", err)
	}

	recovered := false
	if entry != nil {
		switch entry.Status {
		case StatusFinished:
			span.SetAttributes(attribute.Bool("duplicate", true))
			return &Result{Duplicate: true, Output: entry.Result}, nil
		case StatusFailed:
			return nil, fmt.Errorf("%w: %s", ErrPreviouslyFailed, key)
		case StatusStarted:
			if i.now().Sub(entry.UpdatedAt) <= i.config.RecoveryTimeout {
				return nil, ErrMessageInProgress
			}
			i.logger.Warn("recovering abandoned inbox entry", zap.String("key", key), zap.String("handler", entry.Handler))
			if err := i.store.Release(ctx, key); err != nil {
				return nil, fmt.Errorf("release stale entry: %w", err)
			}
		}
		recovered = true
	}

	now := i.now()
	if err := i.store.Claim(ctx, &Entry{
		Key:       key,
		Handler:   handler,
		Status:    StatusStarted,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(i.config.TTL),
	}); err != nil {
		if errors.Is(err, ErrDuplicateMessage) {
			return nil, err
		}
		return nil, fmt.Errorf("claim inbox entry: %w", err)
	}

	out, handlerErr := fn(ctx, payload)
	if handlerErr != nil {
		span.RecordError(handlerErr)
		status := StatusRecoverable
		if isPermanent(handlerErr) {
			status = StatusFailed
		}
		result, _ := json.Marshal(map[string]string{"error": handlerErr.Error()})
		if err := i.store.Finish(ctx, key, status, result); err != nil {
			i.logger.Error("failed to record handler error", zap.String("key", key), zap.Error(err))
		}
		return nil, handlerErr
	}

	if err := i.store.Finish(ctx, key, StatusFinished, out); err != nil {
		// the handler's effects are committed; a redelivery will be claimed again
		i.logger.Error("failed to mark inbox entry finished", zap.String("key", key), zap.Error(err))
	}
	span.SetAttributes(attribute.Bool("recovered", recovered))
	return &Result{Recovered: recovered, Output: out}, nil
}

// StartCleanup purges expired entries and releases abandoned claims every
// CleanupInterval until Stop.
func (i *Inbox) StartCleanup() {
	ctx, cancel := context.WithCancel(context.Background())
	i.cancel = cancel
	i.done = make(chan struct{})
	go i.cleanupLoop(ctx)
	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.config.CleanupInterval))
}

// Stop stops the cleanup loop.
func (i *Inbox) Stop() {
	if i.cancel == nil {
		return
	}
	i.cancel()
	<-i.done
}

func (i *Inbox) cleanupLoop(ctx context.Context) {
	defer close(i.done)

	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := i.Cleanup(ctx); err != nil && !errors.Is(err, context.Canceled) {
				i.logger.Error("inbox cleanup failed", zap.Error(err))
			}
		}
	}
}

// Cleanup purges expired entries and releases abandoned claims once.
func (i *Inbox) Cleanup(ctx context.Context) (int64, error) {
	now := i.now()
	purged, err := i.store.Purge(ctx, now, now.Add(-i.config.FinishedRetention))
	if err != nil {
		return 0, fmt.Errorf("purge inbox: %w", err)
	}
	released, err := i.store.ReleaseStale(ctx, now.Add(-i.config.RecoveryTimeout))
	if err != nil {
		return purged, fmt.Errorf("release stale entries: %w", err)
	}
	if purged > 0 || released > 0 {
		i.logger.Info("inbox cleanup completed", zap.Int64("purged", purged), zap.Int64("released", released))
	}
	return purged, nil
}

// Stats returns entry counts by status.
func (i *Inbox) Stats(ctx context.Context) (*Stats, error) {
	return i.store.Stats(ctx)
}

// GenerateKey creates a deterministic idempotency key from message components
func GenerateKey(parts ...string) string {
	hash := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(hash[:])
}

// isPermanent reports whether any error in the chain has Permanent() == true.
func isPermanent(err error) bool {
	var p interface{ Permanent() bool }
	return errors.As(err, &p) && p.Permanent()
}
