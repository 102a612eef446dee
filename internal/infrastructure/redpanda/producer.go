// Package redpanda carries prior-authorization events over Redpanda with
// franz-go: a synchronous producer for the outbox relay and dead letters, a
// consumer-group reader for the translation worker, and topic provisioning.
package redpanda

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-pas/internal/observability/metrics"
)

// ProducerConfig holds producer settings.
type ProducerConfig struct {
	Brokers  []string
	ClientID string
	// Linger is how long a partition batch may wait for more records
	Linger             time.Duration
	BatchMaxBytes      int32
	MaxBufferedRecords int
	// Compression is one of none, lz4, snappy, gzip or zstd
	Compression string
	// LeaderAcks trades durability for latency; the default waits for all
	// in-sync replicas with idempotent writes
	LeaderAcks    bool
	RecordRetries int
	Metrics       *metrics.Metrics
}

// DefaultProducerConfig returns durable, ordered-per-key defaults.
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:            []string{"localhost:9092"},
		Linger:             5 * time.Millisecond,
		BatchMaxBytes:      1 << 20,
		MaxBufferedRecords: 10_000,
		Compression:        "lz4",
		RecordRetries:      10,
	}
}

func compressionCodec(name string) (kgo.CompressionCodec, error) {
	switch name {
	case "", "none":
		return kgo.NoCompression(), nil
	case "lz4":
		return kgo.Lz4Compression(), nil
	case "snappy":
		return kgo.SnappyCompression(), nil
	case "gzip":
		return kgo.GzipCompression(), nil
	case "zstd":
		return kgo.ZstdCompression(), nil
	}
	return kgo.CompressionCodec{}, fmt.Errorf("unknown compression %q", name)
}

// Producer writes records and waits for their acknowledgement.
type Producer struct {
	client *kgo.Client
	config ProducerConfig
	logger *zap.Logger
	tracer trace.Tracer

	sent   atomic.Int64
	failed atomic.Int64
}

// NewProducer creates a producer.
func NewProducer(cfg ProducerConfig, logger *zap.Logger) (*Producer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	codec, err := compressionCodec(cfg.Compression)
	if err != nil {
		return nil, err
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ProducerLinger(cfg.Linger),
		kgo.ProducerBatchMaxBytes(cfg.BatchMaxBytes),
		kgo.MaxBufferedRecords(cfg.MaxBufferedRecords),
		kgo.ProducerBatchCompression(codec),
		kgo.RecordRetries(cfg.RecordRetries),
	}
	if cfg.LeaderAcks {
		opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()), kgo.DisableIdempotentWrite())
	} else {
		opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return &Producer{
		client: client,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("redpanda-producer"),
	}, nil
}

// newRecord builds a record with headers in key order followed by the trace
// context of ctx.
func newRecord(ctx context.Context, topic, key string, value []byte, headers map[string]string) *kgo.Record {
	r := &kgo.Record{Topic: topic, Key: []byte(key), Value: value}
	names := make([]string, 0, len(headers))
	for k := range headers {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		r.Headers = append(r.Headers, kgo.RecordHeader{Key: k, Value: []byte(headers[k])})
	}
	injectTraceHeaders(ctx, r)
	return r
}

// Publish writes one record keyed by key and blocks until it is acknowledged.
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
	ctx, span := p.tracer.Start(ctx, "produce_message",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("topic", topic),
			attribute.String("key", key),
			attribute.String("event_type", headers["event_type"]),
		))
	defer span.End()

	r, err := p.client.ProduceSync(ctx, newRecord(ctx, topic, key, value, headers)).First()
	if err != nil {
		p.failed.Add(1)
		span.RecordError(err)
		return fmt.Errorf("produce to %s: %w", topic, err)
	}

	p.sent.Add(1)
	p.config.Metrics.MessageProduced(topic)
	p.logger.Debug("message produced",
		zap.String("topic", r.Topic),
		zap.Int32("partition", r.Partition),
		zap.Int64("offset", r.Offset))
	return nil
}

// Close flushes buffered records and closes the client.
func (p *Producer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := p.client.Flush(ctx)
	if err != nil {
		p.logger.Warn("flush on close failed", zap.Error(err))
	}
	p.client.Close()
	return err
}

// ProducerStats is a snapshot of producer counters.
type ProducerStats struct {
	Sent   int64 `json:"sent"`
	Failed int64 `json:"failed"`
}

// Stats returns the current counters.
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{Sent: p.sent.Load(), Failed: p.failed.Load()}
}
