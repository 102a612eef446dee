// Package postgres provides the transactional outbox that carries
// prior-authorization events from the event store to Redpanda.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-pas/internal/observability/metrics"
)

// OutboxEntry is one event row waiting to be relayed.
type OutboxEntry struct {
	ID            int64
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	KafkaTopic    string
	KafkaKey      string
	CreatedAt     time.Time
	RetryCount    int
	LastError     *string
}

// Headers are the record headers the entry is published with.
func (e *OutboxEntry) Headers() map[string]string {
	return map[string]string{
		"event_type":     e.EventType,
		"aggregate_type": e.AggregateType,
		"outbox_id":      strconv.FormatInt(e.ID, 10),
	}
}

// OutboxConfig holds relay settings.
type OutboxConfig struct {
	BatchSize    int
	PollInterval time.Duration
	// MaxRetries is the number of failed publishes before an entry is dead-lettered
	MaxRetries      int
	DeadLetterTopic string
	Metrics         *metrics.Metrics
}

// DefaultOutboxConfig returns relay defaults.
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:       100,
		PollInterval:    250 * time.Millisecond,
		MaxRetries:      5,
		DeadLetterTopic: "pas.dlq",
	}
}

// Publisher writes one record and waits for the acknowledgement.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error
}

// Outbox relays committed outbox rows to the broker. Several relays may run
// against one database; rows are claimed with FOR UPDATE SKIP LOCKED so each
// is published by one relay at a time, in creation order per relay.
type Outbox struct {
	pool      *pgxpool.Pool
	config    OutboxConfig
	publisher Publisher
	logger    *zap.Logger
	tracer    trace.Tracer

	cancel context.CancelFunc
	done   chan struct{}
}

// NewOutbox creates a relay.
func NewOutbox(pool *pgxpool.Pool, publisher Publisher, cfg OutboxConfig, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DeadLetterTopic == "" {
		cfg.DeadLetterTopic = DefaultOutboxConfig().DeadLetterTopic
	}
	return &Outbox{
		pool:      pool,
		config:    cfg,
		publisher: publisher,
		logger:    logger,
		tracer:    otel.Tracer("outbox"),
	}
}

// WriteEntry inserts entry within tx. Call it in the transaction that
// appends the event so both commit or neither does.
func WriteEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, kafka_topic, kafka_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, entry.AggregateID, entry.AggregateType, entry.EventType, entry.Payload, entry.KafkaTopic, entry.KafkaKey).
		Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to write outbox entry: %w", err)
	}
	return nil
}

// Start relays in a goroutine until Stop.
func (o *Outbox) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.done = make(chan struct{})
	go o.loop(ctx)
	o.logger.Info("outbox relay started",
		zap.Int("batch_size", o.config.BatchSize),
		zap.Duration("poll_interval", o.config.PollInterval),
		zap.String("dead_letter_topic", o.config.DeadLetterTopic))
}

// Stop waits for the current batch to finish.
func (o *Outbox) Stop() {
	if o.cancel == nil {
		return
	}
	o.cancel()
	<-o.done
}

func (o *Outbox) loop(ctx context.Context) {
	defer close(o.done)

	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		// drain full batches without waiting for the next tick
		for {
			n, err := o.ProcessBatch(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				o.logger.Error("outbox batch failed", zap.Error(err))
			}
			if err != nil || n < o.config.BatchSize {
				break
			}
		}
		if _, err := o.MoveToDeadLetter(ctx); err != nil && !errors.Is(err, context.Canceled) {
			o.logger.Error("dead letter sweep failed", zap.Error(err))
		}
	}
}

// route decides where an entry goes and what is sent.
type route func(e *OutboxEntry) (topic string, value []byte, err error)

// ProcessBatch publishes up to BatchSize pending entries to their topics and
// returns how many were published.
func (o *Outbox) ProcessBatch(ctx context.Context) (int, error) {
	n, err := o.drain(ctx, "outbox_process_batch", "retry_count < $1", func(e *OutboxEntry) (string, []byte, error) {
		return e.KafkaTopic, e.Payload, nil
	})
	if err == nil && o.config.Metrics != nil {
		if stats, serr := o.GetStats(ctx); serr == nil {
			o.config.Metrics.SetOutboxPending(int(stats.Pending))
		}
	}
	return n, err
}

// MoveToDeadLetter publishes entries that exhausted their retries to the
// dead letter topic, wrapped in a DeadLetter envelope, and marks them
// processed.
func (o *Outbox) MoveToDeadLetter(ctx context.Context) (int, error) {
	return o.drain(ctx, "outbox_dead_letter", "retry_count >= $1", func(e *OutboxEntry) (string, []byte, error) {
		v, err := json.Marshal(deadLetterFor(e))
		if err != nil {
			return "", nil, err
		}
		o.logger.Warn("dead-lettering outbox entry",
			zap.Int64("id", e.ID),
			zap.String("aggregate_id", e.AggregateID),
			zap.String("event_type", e.EventType))
		return o.config.DeadLetterTopic, v, nil
	})
}

// drain claims matching rows for one transaction and publishes each through
// r. A failed publish bumps the row's retry count; the rest of the batch
// carries on.
func (o *Outbox) drain(ctx context.Context, spanName, cond string, r route) (int, error) {
	ctx, span := o.tracer.Start(ctx, spanName)
	defer span.End()

	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	entries, err := o.claim(ctx, tx, cond)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	span.SetAttributes(attribute.Int("claimed", len(entries)))

	published := 0
	for _, e := range entries {
		topic, value, err := r(e)
		if err == nil {
			err = o.publisher.Publish(ctx, topic, e.KafkaKey, value, e.Headers())
		}
		if err != nil {
			o.logger.Warn("outbox publish failed",
				zap.Int64("id", e.ID),
				zap.String("event_type", e.EventType),
				zap.Int("retry_count", e.RetryCount+1),
				zap.Error(err))
			if _, uerr := tx.Exec(ctx, `
				UPDATE outbox SET retry_count = retry_count + 1, last_error = $1, updated_at = NOW()
				WHERE id = $2`, err.Error(), e.ID); uerr != nil {
				return published, fmt.Errorf("record failure of %d: %w", e.ID, uerr)
			}
			continue
		}
		if _, err := tx.Exec(ctx, `
			UPDATE outbox SET processed_at = NOW(), updated_at = NOW()
			WHERE id = $1`, e.ID); err != nil {
			return published, fmt.Errorf("mark %d processed: %w", e.ID, err)
		}
		published++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return published, nil
}

func (o *Outbox) claim(ctx context.Context, tx pgx.Tx, cond string) ([]*OutboxEntry, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, payload,
		       kafka_topic, kafka_key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL AND `+cond+`
		ORDER BY created_at, id
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, o.config.MaxRetries, o.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("claim outbox rows: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*OutboxEntry, error) {
		e := &OutboxEntry{}
		err := row.Scan(&e.ID, &e.AggregateID, &e.AggregateType, &e.EventType, &e.Payload,
			&e.KafkaTopic, &e.KafkaKey, &e.CreatedAt, &e.RetryCount, &e.LastError)
		return e, err
	})
}

// DeadLetter is the envelope written to the dead letter topic, by the relay
// for unpublishable rows and by consumers for unprocessable records.
type DeadLetter struct {
	OriginalTopic string          `json:"original_topic"`
	EventType     string          `json:"event_type"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	RetryCount    int             `json:"retry_count"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

func deadLetterFor(e *OutboxEntry) DeadLetter {
	dl := DeadLetter{
		OriginalTopic: e.KafkaTopic,
		EventType:     e.EventType,
		AggregateID:   e.AggregateID,
		AggregateType: e.AggregateType,
		Payload:       e.Payload,
		RetryCount:    e.RetryCount,
		CreatedAt:     e.CreatedAt,
	}
	if e.LastError != nil {
		dl.LastError = *e.LastError
	}
	return dl
}

// CleanupProcessed deletes entries processed more than retention ago.
func (o *Outbox) CleanupProcessed(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := o.pool.Exec(ctx, `
		DELETE FROM outbox
		WHERE processed_at IS NOT NULL AND processed_at < $1`, time.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// OutboxStats summarises the outbox table.
type OutboxStats struct {
	Pending       int64      `json:"pending"`
	ProcessedDay  int64      `json:"processed_24h"`
	Exhausted     int64      `json:"exhausted"`
	OldestPending *time.Time `json:"oldest_pending,omitempty"`
}

// GetStats returns current outbox counts.
func (o *Outbox) GetStats(ctx context.Context) (*OutboxStats, error) {
	s := &OutboxStats{}
	err := o.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count < $1),
			COUNT(*) FILTER (WHERE processed_at > NOW() - INTERVAL '24 hours'),
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count >= $1),
			MIN(created_at) FILTER (WHERE processed_at IS NULL)
		FROM outbox`, o.config.MaxRetries).
		Scan(&s.Pending, &s.ProcessedDay, &s.Exhausted, &s.OldestPending)
	if err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	return s, nil
}
