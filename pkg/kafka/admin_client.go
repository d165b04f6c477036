package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

const metadataTimeout = 10 * time.Second

// TopicConfig describes a topic the ingestor produces to or consumes from.
type TopicConfig struct {
	Name              string
	NumPartitions     int
	ReplicationFactor int

	// AllowPartitionIncrease lets EnsureTopic grow an existing topic. Growing
	// a topic remaps chain keys to other partitions, so blocks already queued
	// for a chain may be consumed after newer ones. Only enable it while
	// producers are stopped and the topic is drained.
	AllowPartitionIncrease bool
}

func (tc TopicConfig) Validate() error {
	if tc.Name == "" {
		return errors.New("topic name cannot be empty")
	}
	if tc.NumPartitions <= 0 {
		return fmt.Errorf("topic %q: number of partitions must be > 0, got %d", tc.Name, tc.NumPartitions)
	}
	if tc.ReplicationFactor <= 0 {
		return fmt.Errorf("topic %q: replication factor must be > 0, got %d", tc.Name, tc.ReplicationFactor)
	}
	return nil
}

type topicAction int

const (
	topicKeep topicAction = iota
	topicCreate
	topicGrow
)

// plan decides what to do with a topic that currently has the given number
// of partitions. Zero means the topic does not exist.
func (tc TopicConfig) plan(current int) topicAction {
	switch {
	case current == 0:
		return topicCreate
	case current < tc.NumPartitions && tc.AllowPartitionIncrease:
		return topicGrow
	default:
		return topicKeep
	}
}

// TopicExists returns the metadata of topic, or nil when it does not exist.
func TopicExists(admin *kafka.AdminClient, topic string) (*kafka.TopicMetadata, error) {
	md, err := admin.GetMetadata(&topic, false, int(metadataTimeout.Milliseconds()))
	if err != nil {
		return nil, fmt.Errorf("failed to get metadata for topic %q: %w", topic, err)
	}
	tm, ok := md.Topics[topic]
	if !ok || tm.Error.Code() == kafka.ErrUnknownTopicOrPart {
		return nil, nil
	}
	if tm.Error.Code() != kafka.ErrNoError {
		return nil, fmt.Errorf("topic %q has error: %w", topic, tm.Error)
	}
	return &tm, nil
}

// EnsureTopic is EnsureTopics for a single topic.
func EnsureTopic(ctx context.Context, admin *kafka.AdminClient, cfg TopicConfig, log *zap.SugaredLogger) error {
	return EnsureTopics(ctx, admin, []TopicConfig{cfg}, log)
}

// EnsureTopics creates the missing topics in one request and reconciles the
// existing ones. When a name appears twice the first config wins. Existing
// topics are never shrunk and their replication factor is never changed:
// the admin API cannot do either, so a mismatch is only logged. They grow
// only with AllowPartitionIncrease.
func EnsureTopics(ctx context.Context, admin *kafka.AdminClient, configs []TopicConfig, log *zap.SugaredLogger) error {
	var (
		wanted []TopicConfig
		seen   = make(map[string]struct{}, len(configs))
		errs   []error
	)
	for _, cfg := range configs {
		if _, ok := seen[cfg.Name]; ok {
			continue
		}
		seen[cfg.Name] = struct{}{}
		if err := cfg.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		wanted = append(wanted, cfg)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid topic config: %w", err)
	}

	var (
		create []kafka.TopicSpecification
		grow   []kafka.PartitionsSpecification
	)
	for _, cfg := range wanted {
		md, err := TopicExists(admin, cfg.Name)
		if err != nil {
			return err
		}
		current := 0
		if md != nil {
			current = len(md.Partitions)
			reconcileLog(cfg, md, log)
		}
		switch cfg.plan(current) {
		case topicCreate:
			create = append(create, kafka.TopicSpecification{
				Topic:             cfg.Name,
				NumPartitions:     cfg.NumPartitions,
				ReplicationFactor: cfg.ReplicationFactor,
			})
		case topicGrow:
			grow = append(grow, kafka.PartitionsSpecification{Topic: cfg.Name, IncreaseTo: cfg.NumPartitions})
		case topicKeep:
		}
	}

	if len(create) > 0 {
		results, err := admin.CreateTopics(ctx, create)
		if err != nil {
			return fmt.Errorf("failed to create topics: %w", err)
		}
		if err := checkResults(results, kafka.ErrTopicAlreadyExists); err != nil {
			return fmt.Errorf("failed to create topics: %w", err)
		}
		for _, spec := range create {
			log.Infow("created topic",
				"topic", spec.Topic,
				"partitions", spec.NumPartitions,
				"replicationFactor", spec.ReplicationFactor,
			)
		}
	}

	if len(grow) > 0 {
		results, err := admin.CreatePartitions(ctx, grow)
		if err != nil {
			return fmt.Errorf("failed to increase partitions: %w", err)
		}
		if err := checkResults(results); err != nil {
			return fmt.Errorf("failed to increase partitions: %w", err)
		}
		for _, spec := range grow {
			log.Infow("increased partitions", "topic", spec.Topic, "to", spec.IncreaseTo)
		}
	}
	return nil
}

func reconcileLog(cfg TopicConfig, md *kafka.TopicMetadata, log *zap.SugaredLogger) {
	current := len(md.Partitions)
	rf := 0
	if current > 0 {
		rf = len(md.Partitions[0].Replicas)
	}
	log.Infow("topic exists", "topic", cfg.Name, "partitions", current, "replicationFactor", rf)

	if rf != cfg.ReplicationFactor {
		log.Warnw("topic replication factor differs from config",
			"topic", cfg.Name,
			"current", rf,
			"desired", cfg.ReplicationFactor,
		)
	}
	switch {
	case current < cfg.NumPartitions && !cfg.AllowPartitionIncrease:
		log.Warnw("topic has fewer partitions than configured, keeping current count",
			"topic", cfg.Name,
			"current", current,
			"desired", cfg.NumPartitions,
			"note", "increasing partitions remaps chain keys and breaks per-chain ordering of queued blocks",
		)
	case current > cfg.NumPartitions:
		log.Warnw("topic has more partitions than configured, keeping current count",
			"topic", cfg.Name,
			"current", current,
			"desired", cfg.NumPartitions,
		)
	}
}

// checkResults joins the errors of an admin request, ignoring the codes in
// ok.
func checkResults(results []kafka.TopicResult, ok ...kafka.ErrorCode) error {
	var errs []error
	for _, r := range results {
		code := r.Error.Code()
		if code == kafka.ErrNoError {
			continue
		}
		ignored := false
		for _, c := range ok {
			ignored = ignored || code == c
		}
		if !ignored {
			errs = append(errs, fmt.Errorf("topic %q: %w", r.Topic, r.Error))
		}
	}
	return errors.Join(errs...)
}
