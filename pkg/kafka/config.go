package kafka

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// Default timeout values for Kafka consumer
const (
	DefaultSessionTimeout       = 240 * time.Second
	DefaultMaxPollInterval      = 3400 * time.Second
	DefaultFlushTimeout         = 15 * time.Second
	DefaultGoroutineWaitTimeout = 30 * time.Second
	DefaultPollInterval         = 100 * time.Millisecond
	DefaultPartitionBuffer      = 64
)

// SASLConfig holds the optional SASL credentials shared by producers,
// consumers and admin clients.
type SASLConfig struct {
	Username         string `env:"KAFKA_SASL_USERNAME"`
	Password         string `env:"KAFKA_SASL_PASSWORD"`
	Mechanism        string `env:"KAFKA_SASL_MECHANISM"     envDefault:"SCRAM-SHA-512"`
	SecurityProtocol string `env:"KAFKA_SECURITY_PROTOCOL" envDefault:"SASL_SSL"`
}

// Enabled reports whether credentials were provided.
func (s SASLConfig) Enabled() bool {
	return s.Username != "" && s.Password != ""
}

// ApplyToConfigMap sets the security properties on cm when SASL is enabled.
func (s SASLConfig) ApplyToConfigMap(cm *kafka.ConfigMap) {
	if !s.Enabled() {
		return
	}
	_ = cm.SetKey("security.protocol", s.SecurityProtocol)
	_ = cm.SetKey("sasl.mechanisms", s.Mechanism)
	_ = cm.SetKey("sasl.username", s.Username)
	_ = cm.SetKey("sasl.password", s.Password)
}

// ConsumerConfig holds the configuration for a Kafka consumer
type ConsumerConfig struct {
	DLQTopic                    string         `env:"KAFKA_DLQ_TOPIC"              envDefault:"evm-blocks-dlq"`     // Dead letter queue topic for failed messages
	Topic                       string         `env:"KAFKA_TOPIC"                  envDefault:"evm-blocks"`         // Primary topic to consume from
	BootstrapServers            string         `env:"KAFKA_BOOTSTRAP_SERVERS"      envDefault:"localhost:9092"`     // Kafka broker addresses
	GroupID                     string         `env:"KAFKA_GROUP_ID"               envDefault:"evm-blocks-indexer"` // Consumer group ID for offset management
	AutoOffsetReset             string         `env:"KAFKA_AUTO_OFFSET_RESET"      envDefault:"earliest"`           // Offset reset strategy: "earliest" or "latest"
	Concurrency                 int64          `env:"KAFKA_CONCURRENCY"            envDefault:"10"`                 // Maximum concurrent message processors
	PartitionBuffer             int            `env:"KAFKA_PARTITION_BUFFER"       envDefault:"64"`                 // Messages queued per assigned partition
	OffsetManagerCommitInterval time.Duration  `env:"KAFKA_OFFSET_COMMIT_INTERVAL" envDefault:"10s"`                // Interval for committing offsets
	SessionTimeout              *time.Duration `env:"KAFKA_SESSION_TIMEOUT"        envDefault:"240s"`               // Session timeout for Kafka consumer
	MaxPollInterval             *time.Duration `env:"KAFKA_MAX_POLL_INTERVAL"      envDefault:"3400s"`              // Max poll interval for Kafka consumer
	FlushTimeout                *time.Duration `env:"KAFKA_FLUSH_TIMEOUT"          envDefault:"15s"`                // Flush timeout for the DLQ producer
	GoroutineWaitTimeout        *time.Duration `env:"KAFKA_GOROUTINE_WAIT_TIMEOUT" envDefault:"30s"`                // Wait for partition workers on shutdown
	PollInterval                *time.Duration `env:"KAFKA_POLL_INTERVAL"          envDefault:"100ms"`              // Poll timeout of the consume loop
	EnableLogs                  bool           `env:"KAFKA_ENABLE_LOGS"            envDefault:"false"`              // Enable librdkafka client logs
	PublishToDLQ                bool           `env:"KAFKA_PUBLISH_TO_DLQ"         envDefault:"true"`               // Forward failed messages to DLQTopic
	IsDLQConsumer               bool           `env:"KAFKA_IS_DLQ_CONSUMER"        envDefault:"false"`              // If true, failed messages are not re-sent to DLQ
	SASL                        SASLConfig
}

// LoadConsumerConfig loads Kafka consumer configuration from environment variables.
func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg, err := env.ParseAs[ConsumerConfig]()
	if err != nil {
		return ConsumerConfig{}, fmt.Errorf("failed to parse consumer config: %w", err)
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return ConsumerConfig{}, err
	}
	return cfg, nil
}

// WithDefaults returns a copy of the config with default values filled in for any nil pointer fields.
// This method does not mutate the original config.
func (c ConsumerConfig) WithDefaults() ConsumerConfig {
	if c.SessionTimeout == nil {
		timeout := DefaultSessionTimeout
		c.SessionTimeout = &timeout
	}
	if c.MaxPollInterval == nil {
		interval := DefaultMaxPollInterval
		c.MaxPollInterval = &interval
	}
	if c.FlushTimeout == nil {
		timeout := DefaultFlushTimeout
		c.FlushTimeout = &timeout
	}
	if c.GoroutineWaitTimeout == nil {
		timeout := DefaultGoroutineWaitTimeout
		c.GoroutineWaitTimeout = &timeout
	}
	if c.PollInterval == nil {
		interval := DefaultPollInterval
		c.PollInterval = &interval
	}
	if c.PartitionBuffer <= 0 {
		c.PartitionBuffer = DefaultPartitionBuffer
	}
	return c
}

// Validate rejects configurations the consumer cannot run with.
func (c ConsumerConfig) Validate() error {
	var errs []error
	if c.BootstrapServers == "" {
		errs = append(errs, errors.New("bootstrap servers are required"))
	}
	if c.GroupID == "" {
		errs = append(errs, errors.New("group id is required"))
	}
	if c.Topic == "" {
		errs = append(errs, errors.New("topic is required"))
	}
	if c.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("concurrency must be > 0, got %d", c.Concurrency))
	}
	switch c.AutoOffsetReset {
	case "earliest", "latest", "none":
	default:
		errs = append(errs, fmt.Errorf("invalid auto offset reset %q", c.AutoOffsetReset))
	}
	if c.PublishToDLQ && !c.IsDLQConsumer && c.DLQTopic == "" {
		errs = append(errs, errors.New("dlq topic is required when publishing to DLQ"))
	}
	if c.PublishToDLQ && c.DLQTopic == c.Topic {
		errs = append(errs, errors.New("dlq topic must differ from the consumed topic"))
	}
	return errors.Join(errs...)
}

// ConfigMap builds the librdkafka consumer configuration. Offsets are
// committed by the OffsetManager, never automatically.
func (c ConsumerConfig) ConfigMap() *kafka.ConfigMap {
	c = c.WithDefaults()
	cm := kafka.ConfigMap{
		"bootstrap.servers":             c.BootstrapServers,
		"group.id":                      c.GroupID,
		"auto.offset.reset":             c.AutoOffsetReset,
		"enable.auto.commit":            false,
		"session.timeout.ms":            int(c.SessionTimeout.Milliseconds()),
		"max.poll.interval.ms":          int(c.MaxPollInterval.Milliseconds()),
		"partition.assignment.strategy": "roundrobin",
		"go.logs.channel.enable":        c.EnableLogs,
	}
	c.SASL.ApplyToConfigMap(&cm)
	return &cm
}

// DLQProducerConfig derives the configuration of the producer that forwards
// failed messages.
func (c ConsumerConfig) DLQProducerConfig() ProducerConfig {
	return ProducerConfig{
		BootstrapServers:  c.BootstrapServers,
		Acks:              "all",
		Linger:            5 * time.Millisecond,
		CompressionType:   "lz4",
		EnableIdempotence: true,
		EnableLogs:        c.EnableLogs,
		SASL:              c.SASL,
	}
}

// ProducerConfig holds the configuration of the block producer.
type ProducerConfig struct {
	BootstrapServers  string        `env:"KAFKA_BOOTSTRAP_SERVERS"    envDefault:"localhost:9092"`
	ClientID          string        `env:"KAFKA_CLIENT_ID"            envDefault:"evm-ingestor"`
	Acks              string        `env:"KAFKA_ACKS"                 envDefault:"all"`
	Linger            time.Duration `env:"KAFKA_LINGER"               envDefault:"5ms"`
	CompressionType   string        `env:"KAFKA_COMPRESSION_TYPE"     envDefault:"lz4"`
	MessageMaxBytes   int           `env:"KAFKA_MESSAGE_MAX_BYTES"    envDefault:"10485760"`
	EnableIdempotence bool          `env:"KAFKA_ENABLE_IDEMPOTENCE"   envDefault:"true"`
	FlushTimeout      time.Duration `env:"KAFKA_FLUSH_TIMEOUT"        envDefault:"15s"`
	EnableLogs        bool          `env:"KAFKA_ENABLE_LOGS"          envDefault:"false"`
	SASL              SASLConfig
}

// LoadProducerConfig loads Kafka producer configuration from environment variables.
func LoadProducerConfig() (ProducerConfig, error) {
	cfg, err := env.ParseAs[ProducerConfig]()
	if err != nil {
		return ProducerConfig{}, fmt.Errorf("failed to parse producer config: %w", err)
	}
	if strings.TrimSpace(cfg.BootstrapServers) == "" {
		return ProducerConfig{}, errors.New("bootstrap servers are required")
	}
	return cfg, nil
}

// ConfigMap builds the librdkafka producer configuration. Idempotence keeps
// per-partition order across internal retries, which per-chain ordering
// depends on.
func (c ProducerConfig) ConfigMap() *kafka.ConfigMap {
	cm := kafka.ConfigMap{
		"bootstrap.servers":      c.BootstrapServers,
		"acks":                   c.Acks,
		"linger.ms":              int(c.Linger.Milliseconds()),
		"compression.type":       c.CompressionType,
		"enable.idempotence":     c.EnableIdempotence,
		"go.logs.channel.enable": c.EnableLogs,
	}
	if c.ClientID != "" {
		cm["client.id"] = c.ClientID
	}
	if c.MessageMaxBytes > 0 {
		cm["message.max.bytes"] = c.MessageMaxBytes
	}
	if c.Acks == "" {
		cm["acks"] = "all"
	}
	if c.CompressionType == "" {
		cm["compression.type"] = "none"
	}
	c.SASL.ApplyToConfigMap(&cm)
	return &cm
}

// AdminConfigMap builds the configuration for an admin client.
func AdminConfigMap(bootstrapServers string, sasl SASLConfig) *kafka.ConfigMap {
	cm := kafka.ConfigMap{"bootstrap.servers": bootstrapServers}
	sasl.ApplyToConfigMap(&cm)
	return &cm
}
