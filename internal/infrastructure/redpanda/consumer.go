package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-pas/internal/observability/metrics"
)

// ConsumerConfig holds consumer group settings.
type ConsumerConfig struct {
	Brokers  []string
	GroupID  string
	ClientID string
	Topics   []string
	// MaxPollRecords bounds one poll
	MaxPollRecords int
	FetchMaxBytes  int32
	SessionTimeout time.Duration
	// CommitInterval is how often marked offsets are committed in the background
	CommitInterval time.Duration
	// FromEarliest starts a new group at the beginning of each partition
	FromEarliest bool
	// RetryBackoff is the first delay before redelivering a record whose
	// handler failed; it doubles up to MaxRetryBackoff
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
	Metrics         *metrics.Metrics
}

// DefaultConsumerConfig returns defaults for the translation worker group.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:         []string{"localhost:9092"},
		GroupID:         "pas-translation-worker",
		MaxPollRecords:  500,
		FetchMaxBytes:   50 << 20,
		SessionTimeout:  30 * time.Second,
		CommitInterval:  5 * time.Second,
		FromEarliest:    true,
		RetryBackoff:    time.Second,
		MaxRetryBackoff: 30 * time.Second,
	}
}

// MessageHandler handles one record. A non-nil error redelivers the record
// after a backoff; records behind it on the same partition wait.
type MessageHandler func(ctx context.Context, msg *ConsumedMessage) error

// ConsumedMessage is a record as seen by handlers.
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

func toMessage(r *kgo.Record) *ConsumedMessage {
	msg := &ConsumedMessage{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Key:       r.Key,
		Value:     r.Value,
		Headers:   make(map[string]string, len(r.Headers)),
		Timestamp: r.Timestamp,
	}
	for _, h := range r.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}
	return msg
}

// Consumer polls a consumer group and hands records to a MessageHandler.
// Partitions of one poll are handled concurrently, records within a
// partition in order. Offsets are committed only for handled records.
type Consumer struct {
	client  *kgo.Client
	config  ConsumerConfig
	handler MessageHandler
	logger  *zap.Logger
	tracer  trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	handled    atomic.Int64
	failures   atomic.Int64
	lastCommit atomic.Int64
}

// NewConsumer creates a consumer; call Start to begin polling.
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, logger *zap.Logger) (*Consumer, error) {
	if handler == nil {
		return nil, errors.New("message handler is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	reset := kgo.NewOffset().AtEnd()
	if cfg.FromEarliest {
		reset = kgo.NewOffset().AtStart()
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ConsumeResetOffset(reset),
		kgo.SessionTimeout(cfg.SessionTimeout),
		kgo.FetchMaxBytes(cfg.FetchMaxBytes),
		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(cfg.CommitInterval),
		kgo.BlockRebalanceOnPoll(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, cl *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
			if err := cl.CommitMarkedOffsets(ctx); err != nil {
				logger.Warn("commit on revoke failed", zap.Error(err))
			}
		}),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		client:  client,
		config:  cfg,
		handler: handler,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-consumer"),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}, nil
}

// Start begins polling in a goroutine.
func (c *Consumer) Start() {
	go c.pollLoop()
}

// Stop interrupts handling, commits what was handled and leaves the group.
func (c *Consumer) Stop() error {
	c.cancel()
	<-c.done

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := c.client.CommitMarkedOffsets(ctx)
	if err != nil {
		c.logger.Warn("commit on stop failed", zap.Error(err))
	}
	c.client.Close()
	return err
}

func (c *Consumer) pollLoop() {
	defer close(c.done)

	for {
		fetches := c.client.PollRecords(c.ctx, c.config.MaxPollRecords)
		if fetches.IsClientClosed() || c.ctx.Err() != nil {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
		})

		var wg sync.WaitGroup
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			if len(p.Records) == 0 {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				for _, r := range p.Records {
					if !c.deliver(c.ctx, r) {
						return
					}
					c.client.MarkCommitRecords(r)
				}
			}()
		})
		wg.Wait()

		if err := c.client.CommitMarkedOffsets(c.ctx); err != nil && c.ctx.Err() == nil {
			c.logger.Warn("offset commit failed", zap.Error(err))
		} else if err == nil {
			c.lastCommit.Store(time.Now().UnixNano())
		}
		c.client.AllowRebalance()
	}
}

// deliver runs the handler for r until it succeeds. It returns false if ctx
// ends first, leaving r unmarked.
// minRetryBackoff bounds redelivery when no backoff is configured.
const minRetryBackoff = 10 * time.Millisecond

// retryBackoff returns the first and largest redelivery delays.
func (cfg ConsumerConfig) retryBackoff() (first, limit time.Duration) {
	first, limit = cfg.RetryBackoff, cfg.MaxRetryBackoff
	if first < minRetryBackoff {
		first = minRetryBackoff
	}
	if limit < first {
		limit = first
	}
	return first, limit
}

func (c *Consumer) deliver(ctx context.Context, r *kgo.Record) bool {
	msg := toMessage(r)
	backoff, limit := c.config.retryBackoff()
	for {
		err := c.handle(ctx, r, msg)
		if err == nil {
			c.handled.Add(1)
			c.config.Metrics.MessageConsumed(r.Topic)
			return true
		}
		c.failures.Add(1)
		c.logger.Error("message handler failed, will redeliver",
			zap.String("topic", r.Topic),
			zap.Int32("partition", r.Partition),
			zap.Int64("offset", r.Offset),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
		if backoff *= 2; backoff > limit {
			backoff = limit
		}
	}
}

func (c *Consumer) handle(ctx context.Context, r *kgo.Record, msg *ConsumedMessage) error {
	ctx, span := c.tracer.Start(extractTraceContext(ctx, r), "process_message",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("topic", r.Topic),
			attribute.Int64("partition", int64(r.Partition)),
			attribute.Int64("offset", r.Offset),
		))
	defer span.End()

	err := c.handler(ctx, msg)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// ConsumerStats is a snapshot of consumer counters.
type ConsumerStats struct {
	Handled    int64     `json:"handled"`
	Failures   int64     `json:"failures"`
	LastCommit time.Time `json:"last_commit,omitempty"`
}

// Stats returns the current counters.
func (c *Consumer) Stats() ConsumerStats {
	s := ConsumerStats{Handled: c.handled.Load(), Failures: c.failures.Load()}
	if ns := c.lastCommit.Load(); ns > 0 {
		s.LastCommit = time.Unix(0, ns).UTC()
	}
	return s
}
