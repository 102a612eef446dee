package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/drfirst/go-pas/internal/infrastructure/postgres"
	"github.com/drfirst/go-pas/internal/infrastructure/redpanda"
	"github.com/drfirst/go-pas/internal/orchestration"
	"github.com/drfirst/go-pas/pkg/idempotency"
	"github.com/drfirst/go-pas/pkg/workerpool"
)

const handlerName = "translation-worker"

type inbox interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn idempotency.HandlerFunc) (*idempotency.Result, error)
}

type publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error
}

type dispatchFunc func(ctx context.Context, topic string, value []byte) (json.RawMessage, error)

// worker runs each consumed record through the inbox and the dispatcher and
// parks records that cannot be processed on the dead letter topic.
type worker struct {
	inbox    inbox
	dispatch dispatchFunc
	dlq      publisher
	dlqTopic string
	logger   *zap.Logger
}

// process is the workerpool.WorkerFunc.
func (w *worker) process(ctx context.Context, task *workerpool.Task) *workerpool.Result {
	key := idempotency.GenerateKey(task.Topic, task.ID, string(task.Payload))
	res, err := w.inbox.Process(ctx, key, handlerName, payloadJSON(task.Payload), func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return w.dispatch(ctx, task.Topic, task.Payload)
	})
	if err != nil {
		return &workerpool.Result{TaskID: task.ID, Error: err}
	}
	if res.Duplicate {
		w.logger.Debug("duplicate record skipped", zap.String("topic", task.Topic), zap.String("key", task.ID))
	}
	return &workerpool.Result{TaskID: task.ID, Success: true, Data: res.Output}
}

// handle is the redpanda.MessageHandler. It only returns an error when the
// record could neither be processed nor dead-lettered, so the consumer
// redelivers it.
func (w *worker) handle(pool *workerpool.Pool) redpanda.MessageHandler {
	return func(ctx context.Context, msg *redpanda.ConsumedMessage) error {
		result, err := pool.Do(ctx, &workerpool.Task{
			ID:      string(msg.Key),
			Topic:   msg.Topic,
			Payload: msg.Value,
		})
		if err != nil {
			return err
		}
		return w.settle(ctx, msg, result)
	}
}

func (w *worker) settle(ctx context.Context, msg *redpanda.ConsumedMessage, result *workerpool.Result) error {
	if result.Success {
		return nil
	}
	if errors.Is(result.Error, idempotency.ErrPreviouslyFailed) {
		w.logger.Info("record failed permanently before, skipping",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset))
		return nil
	}

	dl := postgres.DeadLetter{
		OriginalTopic: msg.Topic,
		EventType:     msg.Headers["event_type"],
		AggregateID:   string(msg.Key),
		Payload:       payloadJSON(msg.Value),
		RetryCount:    result.Attempts,
		LastError:     result.Error.Error(),
		CreatedAt:     msg.Timestamp,
	}
	value, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	if err := w.dlq.Publish(ctx, w.dlqTopic, string(msg.Key), value, map[string]string{
		"event_type":     "DeadLetter",
		"original_topic": msg.Topic,
	}); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	w.logger.Warn("record moved to dead letter topic",
		zap.String("topic", msg.Topic),
		zap.Int32("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
		zap.Error(result.Error))
	return nil
}

// payloadJSON keeps JSON payloads as-is and quotes anything else.
func payloadJSON(b []byte) json.RawMessage {
	if json.Valid(b) {
		return b
	}
	quoted, _ := json.Marshal(string(b))
	return quoted
}

// workerPoolConfig sizes the pool and retries each record under the
// environment's retry policy; MaxAttempts counts the first try.
func workerPoolConfig(workers int, retry orchestration.RetryPolicy) workerpool.Config {
	cfg := workerpool.DefaultConfig()
	if workers > 0 {
		cfg.Workers = workers
	}
	cfg.QueueSize = cfg.Workers * 4
	if retry.MaxAttempts > 0 {
		cfg.MaxRetries = retry.MaxAttempts - 1
	}
	if retry.InitialBackoff > 0 {
		cfg.RetryDelay = retry.InitialBackoff
	}
	if retry.MaxBackoff > 0 {
		cfg.MaxRetryDelay = retry.MaxBackoff
	}
	return cfg
}
