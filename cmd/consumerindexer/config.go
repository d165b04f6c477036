package main

import (
	"errors"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/ava-labs/evm-ingestor/pkg/kafka"
	"github.com/ava-labs/evm-ingestor/pkg/kafka/processor"
	"github.com/ava-labs/evm-ingestor/pkg/postgres"
	"github.com/ava-labs/evm-ingestor/pkg/utils"
)

// Config holds everything the run command needs.
type Config struct {
	Log      utils.LogConfig
	Consumer kafka.ConsumerConfig
	Retry    processor.RetryConfig
	Postgres postgres.Config

	TopicNumPartitions        int
	TopicReplicationFactor    int
	DLQTopicNumPartitions     int
	DLQTopicReplicationFactor int

	MetricsHost   string
	MetricsPort   int
	Environment   string
	Region        string
	CloudProvider string
}

// MetricsAddr returns the listen address of the metrics server.
func (c *Config) MetricsAddr() string {
	return fmt.Sprintf("%s:%d", c.MetricsHost, c.MetricsPort)
}

// TopicConfigs returns the topics created before consuming: the consumed
// topic and, when failures are forwarded, the DLQ topic.
func (c *Config) TopicConfigs() []kafka.TopicConfig {
	topics := []kafka.TopicConfig{{
		Name:              c.Consumer.Topic,
		NumPartitions:     c.TopicNumPartitions,
		ReplicationFactor: c.TopicReplicationFactor,
	}}
	if c.Consumer.PublishToDLQ && !c.Consumer.IsDLQConsumer {
		topics = append(topics, kafka.TopicConfig{
			Name:              c.Consumer.DLQTopic,
			NumPartitions:     c.DLQTopicNumPartitions,
			ReplicationFactor: c.DLQTopicReplicationFactor,
		})
	}
	return topics
}

// Validate checks the settings that the Kafka consumer does not.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Consumer.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Retry.MaxAttempts == 0 {
		errs = append(errs, errors.New("storage retry max attempts must be > 0"))
	}
	if c.Retry.InitialInterval <= 0 || c.Retry.MaxInterval < c.Retry.InitialInterval {
		errs = append(errs, fmt.Errorf("invalid storage retry intervals: initial %s, max %s",
			c.Retry.InitialInterval, c.Retry.MaxInterval))
	}
	if c.Postgres.URL == "" {
		errs = append(errs, errors.New("postgres url is required"))
	}
	return errors.Join(errs...)
}

func buildConfig(c *cli.Context) (*Config, error) {
	sessionTimeout := c.Duration("session-timeout")
	maxPollInterval := c.Duration("max-poll-interval")
	flushTimeout := c.Duration("flush-timeout")
	goroutineWaitTimeout := c.Duration("goroutine-wait-timeout")
	pollInterval := c.Duration("poll-interval")

	pg, err := postgresConfig(c)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Log: utils.LogConfig{
			Verbose: c.Bool("verbose"),
			File:    c.String("log-file"),
		},
		Consumer: kafka.ConsumerConfig{
			DLQTopic:                    c.String("dlq-topic"),
			Topic:                       c.String("topic"),
			BootstrapServers:            c.String("bootstrap-servers"),
			GroupID:                     c.String("group-id"),
			AutoOffsetReset:             c.String("auto-offset-reset"),
			Concurrency:                 c.Int64("concurrency"),
			PartitionBuffer:             c.Int("partition-buffer"),
			OffsetManagerCommitInterval: c.Duration("offset-commit-interval"),
			SessionTimeout:              &sessionTimeout,
			MaxPollInterval:             &maxPollInterval,
			FlushTimeout:                &flushTimeout,
			GoroutineWaitTimeout:        &goroutineWaitTimeout,
			PollInterval:                &pollInterval,
			EnableLogs:                  c.Bool("enable-kafka-logs"),
			PublishToDLQ:                c.Bool("publish-to-dlq"),
			IsDLQConsumer:               c.Bool("is-dlq-consumer"),
			SASL: kafka.SASLConfig{
				Username:         c.String("kafka-sasl-username"),
				Password:         c.String("kafka-sasl-password"),
				Mechanism:        c.String("kafka-sasl-mechanism"),
				SecurityProtocol: c.String("kafka-security-protocol"),
			},
		},
		Retry: processor.RetryConfig{
			InitialInterval: c.Duration("storage-retry-initial-interval"),
			MaxInterval:     c.Duration("storage-retry-max-interval"),
			MaxAttempts:     c.Uint("storage-retry-max-attempts"),
		},
		Postgres:                  pg,
		TopicNumPartitions:        c.Int("kafka-topic-num-partitions"),
		TopicReplicationFactor:    c.Int("kafka-topic-replication-factor"),
		DLQTopicNumPartitions:     c.Int("kafka-dlq-topic-num-partitions"),
		DLQTopicReplicationFactor: c.Int("kafka-dlq-topic-replication-factor"),
		MetricsHost:               c.String("metrics-host"),
		MetricsPort:               c.Int("metrics-port"),
		Environment:               c.String("environment"),
		Region:                    c.String("region"),
		CloudProvider:             c.String("cloud-provider"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// postgresConfig reads the pool settings without flags from the environment
// and applies the flag values on top.
func postgresConfig(c *cli.Context) (postgres.Config, error) {
	pg, err := postgres.LoadConfig()
	if err != nil {
		return postgres.Config{}, err
	}
	pg.URL = c.String("postgres-url")
	pg.MaxConns = int32(c.Int("postgres-max-conns")) //nolint:gosec // small pool sizes
	pg.ConnectTimeout = c.Duration("postgres-connect-timeout")
	return pg, nil
}
