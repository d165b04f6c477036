package main

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ava-labs/evm-ingestor/pkg/chainadapter/evm"
	"github.com/ava-labs/evm-ingestor/pkg/config"
	"github.com/ava-labs/evm-ingestor/pkg/cursor"
	"github.com/ava-labs/evm-ingestor/pkg/ingest"
	"github.com/ava-labs/evm-ingestor/pkg/kafka"
	"github.com/ava-labs/evm-ingestor/pkg/queue"
	"github.com/ava-labs/evm-ingestor/pkg/utils"
)

// Config holds all configuration for the blockfetcher application
type Config struct {
	// Application settings
	Log utils.LogConfig

	// Chains settings
	ChainsConfig string
	EnvFile      string
	OnlyChains   []string

	// Cursor settings
	CursorStore     string
	CursorTableName string

	Ingest ingest.Config
	EVM    evm.Config

	// Kafka settings
	Producer                    kafka.ProducerConfig
	KafkaTopic                  string
	KafkaTopicNumPartitions     int
	KafkaTopicReplicationFactor int
	KafkaAllowPartitionIncrease bool
	DryRun                      bool

	// Metrics settings
	MetricsHost   string
	MetricsPort   int
	Environment   string
	Region        string
	CloudProvider string
}

// MetricsAddr returns the formatted metrics address
func (c *Config) MetricsAddr() string {
	return fmt.Sprintf("%s:%d", c.MetricsHost, c.MetricsPort)
}

// Validate checks the settings that do not depend on the chains config.
func (c *Config) Validate() error {
	var errs []error
	if err := validateStore(c.CursorStore); err != nil {
		errs = append(errs, err)
	}
	if err := c.Ingest.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.EVM.Validate(); err != nil {
		errs = append(errs, err)
	}
	if !c.DryRun && c.Producer.BootstrapServers == "" {
		errs = append(errs, errors.New("kafka brokers are required"))
	}
	if c.KafkaTopic == "" {
		errs = append(errs, errors.New("kafka topic must not be empty"))
	}
	return errors.Join(errs...)
}

// Topics resolves the topic of every chain.
func (c *Config) Topics(chains []config.Blockchain) queue.Topics {
	return queue.Topics{Default: c.KafkaTopic, PerChain: config.Topics(chains)}
}

// TopicConfigs lists every topic the chains publish to.
func (c *Config) TopicConfigs(chains []config.Blockchain) []kafka.TopicConfig {
	topics := c.Topics(chains)
	out := make([]kafka.TopicConfig, 0, len(chains))
	for _, ch := range chains {
		out = append(out, kafka.TopicConfig{
			Name:                   topics.For(ch.Name),
			NumPartitions:          c.KafkaTopicNumPartitions,
			ReplicationFactor:      c.KafkaTopicReplicationFactor,
			AllowPartitionIncrease: c.KafkaAllowPartitionIncrease,
		})
	}
	return out
}

// buildConfig builds a Config from CLI context flags
func buildConfig(c *cli.Context) (*Config, error) {
	cfg := &Config{
		Log: utils.LogConfig{
			Verbose:    c.Bool("verbose"),
			File:       c.String("log-file"),
			MaxSizeMB:  c.Int("log-max-size-mb"),
			MaxBackups: c.Int("log-max-backups"),
			MaxAgeDays: c.Int("log-max-age-days"),
		},
		ChainsConfig:    c.String("chains-config"),
		EnvFile:         c.String("env-file"),
		OnlyChains:      c.StringSlice("chain"),
		CursorStore:     c.String("cursor-store"),
		CursorTableName: c.String("cursor-table-name"),
		Ingest: ingest.Config{
			BatchSize:              c.Uint64("batch-size"),
			Lag:                    c.Uint64("lag"),
			MaxConsecutiveFailures: c.Int("max-failures"),
			RetryInterval:          c.Duration("retry-interval"),
			MaxRetryInterval:       c.Duration("max-retry-interval"),
			LagCheckInterval:       c.Duration("lag-watchdog-interval"),
			MaxLag:                 c.Uint64("lag-watchdog-max-lag"),
			ShutdownGrace:          c.Duration("shutdown-grace"),
			Cursor: cursor.Config{
				WriteTimeout: c.Duration("cursor-write-timeout"),
				MaxRetries:   cursor.DefaultConfig().MaxRetries,
				RetryBackoff: cursor.DefaultConfig().RetryBackoff,
			},
		},
		Producer: kafka.ProducerConfig{
			BootstrapServers:  c.String("kafka-brokers"),
			ClientID:          c.String("kafka-client-id"),
			Acks:              "all",
			Linger:            5 * time.Millisecond,
			CompressionType:   "lz4",
			EnableIdempotence: true,
			FlushTimeout:      c.Duration("kafka-flush-timeout"),
			EnableLogs:        c.Bool("kafka-enable-logs"),
			SASL: kafka.SASLConfig{
				Username:         c.String("kafka-sasl-username"),
				Password:         c.String("kafka-sasl-password"),
				Mechanism:        c.String("kafka-sasl-mechanism"),
				SecurityProtocol: c.String("kafka-security-protocol"),
			},
		},
		KafkaTopic:                  c.String("kafka-topic"),
		KafkaTopicNumPartitions:     c.Int("kafka-topic-num-partitions"),
		KafkaTopicReplicationFactor: c.Int("kafka-topic-replication-factor"),
		KafkaAllowPartitionIncrease: c.Bool("kafka-allow-partition-increase"),
		DryRun:                      c.Bool("dry-run"),
		MetricsHost:                 c.String("metrics-host"),
		MetricsPort:                 c.Int("metrics-port"),
		Environment:                 c.String("environment"),
		Region:                      c.String("region"),
		CloudProvider:               c.String("cloud-provider"),
	}

	cfg.EVM = evm.DefaultConfig()
	cfg.EVM.CallTimeout = c.Duration("rpc-call-timeout")
	cfg.EVM.RequestsPerSecond = c.Float64("rpc-requests-per-second")
	cfg.EVM.Burst = c.Int("rpc-burst")
	cfg.EVM.FetchConcurrency = c.Int("rpc-fetch-concurrency")
	cfg.EVM.Retry.MaxAttempts = c.Uint("rpc-max-attempts")
	cfg.EVM.MaxReconnects = c.Int("subscription-max-reconnects")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadChains reads the chains config and keeps the chains named in only.
// Chains that fail to resolve or validate are returned separately so the
// caller can decide whether the others may proceed.
func loadChains(path, envFile string, only []string) ([]config.Blockchain, []*config.ChainError, error) {
	if err := config.LoadEnvFile(envFile); err != nil {
		return nil, nil, err
	}
	chains, err := config.Load(path)
	failed := config.ChainErrors(err)
	if err != nil && len(failed) == 0 {
		return nil, nil, fmt.Errorf("failed to load chains config: %w", err)
	}
	if len(only) > 0 {
		failed = slices.DeleteFunc(failed, func(e *config.ChainError) bool {
			return !slices.Contains(only, e.Chain)
		})
	}
	chains, err = selectChains(chains, failed, only)
	if err != nil {
		return nil, nil, err
	}
	return chains, failed, nil
}

func selectChains(chains []config.Blockchain, failed []*config.ChainError, only []string) ([]config.Blockchain, error) {
	if len(only) == 0 {
		return chains, nil
	}
	var (
		out  []config.Blockchain
		errs []error
	)
	for _, name := range only {
		ch, ok := config.Find(chains, name)
		if !ok && slices.ContainsFunc(failed, func(e *config.ChainError) bool { return e.Chain == name }) {
			continue
		}
		if !ok {
			errs = append(errs, fmt.Errorf("chain %q is not configured", name))
			continue
		}
		if !slices.ContainsFunc(out, func(b config.Blockchain) bool { return b.Name == name }) {
			out = append(out, ch)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out, nil
}
