package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/drfirst/go-pas/internal/orchestration"
)

// TopicConfig is a topic as it should exist on the brokers.
type TopicConfig struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	Configs           map[string]*string
}

// TopicConfigs derives broker topic settings from an environment's topics.
// Replicated topics require all but one replica in sync.
func TopicConfigs(topics orchestration.Topics) []TopicConfig {
	str := func(s string) *string { return &s }

	all := topics.All()
	out := make([]TopicConfig, 0, len(all))
	for _, t := range all {
		tc := TopicConfig{
			Name:              t.Name,
			Partitions:        t.Partitions,
			ReplicationFactor: t.ReplicationFactor,
			Configs: map[string]*string{
				"retention.ms":     str(strconv.FormatInt(t.Retention.Milliseconds(), 10)),
				"cleanup.policy":   str(t.CleanupPolicy),
				"compression.type": str("lz4"),
			},
		}
		if t.ReplicationFactor > 1 {
			tc.Configs["min.insync.replicas"] = str(strconv.Itoa(int(t.ReplicationFactor) - 1))
		}
		out = append(out, tc)
	}
	return out
}

// TopicPlan is what EnsureTopics has to change.
type TopicPlan struct {
	Create []TopicConfig
	// Grow maps topic name to its target partition count
	Grow map[string]int32
}

// planTopics compares existing topic partition counts with want. Topics with
// more partitions than wanted are left alone since partitions cannot shrink.
func planTopics(existing map[string]int32, want []TopicConfig) TopicPlan {
	plan := TopicPlan{Grow: make(map[string]int32)}
	for _, tc := range want {
		have, ok := existing[tc.Name]
		switch {
		case !ok:
			plan.Create = append(plan.Create, tc)
		case have < tc.Partitions:
			plan.Grow[tc.Name] = tc.Partitions
		}
	}
	return plan
}

// Admin provisions topics and reads consumer lag.
type Admin struct {
	client *kadm.Client
	logger *zap.Logger
}

// NewAdmin creates an admin client.
func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cl, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return &Admin{client: kadm.NewClient(cl), logger: logger}, nil
}

// Close closes the underlying client.
func (a *Admin) Close() { a.client.Close() }

// EnsureTopics creates missing topics and grows under-partitioned ones. It
// returns the plan it applied.
func (a *Admin) EnsureTopics(ctx context.Context, topics orchestration.Topics) (TopicPlan, error) {
	want := TopicConfigs(topics)
	names := make([]string, 0, len(want))
	for _, tc := range want {
		names = append(names, tc.Name)
	}

	details, err := a.client.ListTopics(ctx, names...)
	if err != nil {
		return TopicPlan{}, fmt.Errorf("list topics: %w", err)
	}
	existing := make(map[string]int32, len(details))
	for name, d := range details {
		if d.Err != nil {
			if errors.Is(d.Err, kerr.UnknownTopicOrPartition) {
				continue
			}
			return TopicPlan{}, fmt.Errorf("describe topic %s: %w", name, d.Err)
		}
		existing[name] = int32(len(d.Partitions))
	}

	plan := planTopics(existing, want)
	for _, tc := range plan.Create {
		resp, err := a.client.CreateTopic(ctx, tc.Partitions, tc.ReplicationFactor, tc.Configs, tc.Name)
		if err == nil {
			err = resp.Err
		}
		if err != nil && !errors.Is(err, kerr.TopicAlreadyExists) {
			return plan, fmt.Errorf("create topic %s: %w", tc.Name, err)
		}
		a.logger.Info("topic created",
			zap.String("topic", tc.Name),
			zap.Int32("partitions", tc.Partitions),
			zap.Int16("replication_factor", tc.ReplicationFactor))
	}
	for name, n := range plan.Grow {
		resps, err := a.client.UpdatePartitions(ctx, int(n), name)
		for _, r := range resps {
			if err == nil && r.Err != nil {
				err = r.Err
			}
		}
		if err != nil {
			return plan, fmt.Errorf("grow topic %s to %d partitions: %w", name, n, err)
		}
		a.logger.Info("topic partitions increased", zap.String("topic", name), zap.Int32("partitions", n))
	}
	return plan, nil
}

// TopicLag is the total lag of a consumer group on one topic.
type TopicLag struct {
	Topic string `json:"topic"`
	Lag   int64  `json:"lag"`
}

// GroupLag returns the group's lag per topic, sorted by topic.
func (a *Admin) GroupLag(ctx context.Context, group string) ([]TopicLag, error) {
	described, err := a.client.Lag(ctx, group)
	if err != nil {
		return nil, fmt.Errorf("group lag: %w", err)
	}
	totals := make(map[string]int64)
	described.Each(func(l kadm.DescribedGroupLag) {
		for topic, partitions := range l.Lag {
			for _, p := range partitions {
				totals[topic] += p.Lag
			}
		}
	})
	out := make([]TopicLag, 0, len(totals))
	for topic, lag := range totals {
		out = append(out, TopicLag{Topic: topic, Lag: lag})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out, nil
}
