package main

import (
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ava-labs/evm-ingestor/pkg/config"
	"github.com/ava-labs/evm-ingestor/pkg/data/clickhouse/cursorstore"
	"github.com/ava-labs/evm-ingestor/pkg/queue"
)

// chainFlags locate the chains configuration.
func chainFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "chains-config",
			Aliases: []string{"c"},
			Usage:   "Path of the TOML file describing the chains to ingest",
			EnvVars: []string{"CHAINS_CONFIG"},
			Value:   config.DefaultChainsFile,
		},
		&cli.StringFlag{
			Name:    "env-file",
			Usage:   "Dotenv file loaded before resolving the endpoint variables of the chains config",
			EnvVars: []string{"ENV_FILE"},
			Value:   config.DefaultEnvFile,
		},
		&cli.StringSliceFlag{
			Name:    "chain",
			Usage:   "Only use the named chains (repeatable). All configured chains when empty",
			EnvVars: []string{"CHAINS"},
		},
	}
}

// cursorFlags select the cursor store. Connection settings of each backend
// come from its environment variables.
func cursorFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "cursor-store",
			Usage:   "Where cursors are persisted: postgres, clickhouse, redis or memory",
			EnvVars: []string{"CURSOR_STORE"},
			Value:   storePostgres,
		},
		&cli.StringFlag{
			Name:    "cursor-table-name",
			Usage:   "ClickHouse table holding the cursors",
			EnvVars: []string{"CURSOR_TABLE_NAME"},
			Value:   cursorstore.DefaultTableName,
		},
	}
}

func logFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"v"},
			Usage:   "Enable verbose logging",
			EnvVars: []string{"VERBOSE"},
			Value:   false,
		},
		&cli.StringFlag{
			Name:    "log-file",
			Usage:   "Also write logs to this file, rotated by size",
			EnvVars: []string{"LOG_FILE"},
		},
		&cli.IntFlag{
			Name:    "log-max-size-mb",
			Usage:   "Size in megabytes at which the log file is rotated",
			EnvVars: []string{"LOG_MAX_SIZE_MB"},
			Value:   100,
		},
		&cli.IntFlag{
			Name:    "log-max-backups",
			Usage:   "Number of rotated log files kept",
			EnvVars: []string{"LOG_MAX_BACKUPS"},
			Value:   5,
		},
		&cli.IntFlag{
			Name:    "log-max-age-days",
			Usage:   "Days a rotated log file is kept",
			EnvVars: []string{"LOG_MAX_AGE_DAYS"},
			Value:   14,
		},
	}
}

// runFlags returns all CLI flags for the blockfetcher run command
func runFlags() []cli.Flag {
	flags := append(logFlags(), chainFlags()...)
	flags = append(flags, cursorFlags()...)
	return append(flags,
		// Driver
		&cli.Uint64Flag{
			Name:    "batch-size",
			Aliases: []string{"b"},
			Usage:   "Number of blocks fetched per range request",
			EnvVars: []string{"BATCH_SIZE"},
			Value:   100,
		},
		&cli.Uint64Flag{
			Name:    "lag",
			Usage:   "Blocks behind the head at which backfill stops and the live stream takes over",
			EnvVars: []string{"LAG"},
			Value:   1,
		},
		&cli.IntFlag{
			Name:    "max-failures",
			Aliases: []string{"f"},
			Usage:   "Consecutive failed cycles without progress before a chain is terminal",
			EnvVars: []string{"MAX_FAILURES"},
			Value:   5,
		},
		&cli.DurationFlag{
			Name:    "retry-interval",
			Usage:   "Initial wait after a failed cycle",
			EnvVars: []string{"RETRY_INTERVAL"},
			Value:   time.Second,
		},
		&cli.DurationFlag{
			Name:    "max-retry-interval",
			Usage:   "Maximum wait after a failed cycle",
			EnvVars: []string{"MAX_RETRY_INTERVAL"},
			Value:   30 * time.Second,
		},
		&cli.DurationFlag{
			Name:    "shutdown-grace",
			Usage:   "How long the fetch or block in progress at shutdown may take to finish",
			EnvVars: []string{"SHUTDOWN_GRACE"},
			Value:   30 * time.Second,
		},
		&cli.DurationFlag{
			Name:    "lag-watchdog-interval",
			Usage:   "How often the head lag of each chain is checked (0 disables the check)",
			EnvVars: []string{"LAG_WATCHDOG_INTERVAL"},
			Value:   time.Minute,
		},
		&cli.Uint64Flag{
			Name:    "lag-watchdog-max-lag",
			Usage:   "Head lag in blocks above which a warning is logged",
			EnvVars: []string{"LAG_WATCHDOG_MAX_LAG"},
			Value:   100,
		},
		&cli.DurationFlag{
			Name:    "cursor-write-timeout",
			Usage:   "Timeout of a single cursor write",
			EnvVars: []string{"CURSOR_WRITE_TIMEOUT"},
			Value:   5 * time.Second,
		},

		// RPC
		&cli.DurationFlag{
			Name:    "rpc-call-timeout",
			Usage:   "Timeout of a single RPC call",
			EnvVars: []string{"RPC_CALL_TIMEOUT"},
			Value:   15 * time.Second,
		},
		&cli.Float64Flag{
			Name:    "rpc-requests-per-second",
			Usage:   "Pace HTTP RPC calls per chain (0 disables pacing)",
			EnvVars: []string{"RPC_REQUESTS_PER_SECOND"},
			Value:   0,
		},
		&cli.IntFlag{
			Name:    "rpc-burst",
			Usage:   "Burst allowed above the paced rate",
			EnvVars: []string{"RPC_BURST"},
			Value:   1,
		},
		&cli.IntFlag{
			Name:    "rpc-fetch-concurrency",
			Usage:   "Blocks of a range fetched in parallel",
			EnvVars: []string{"RPC_FETCH_CONCURRENCY"},
			Value:   1,
		},
		&cli.UintFlag{
			Name:    "rpc-max-attempts",
			Usage:   "Attempts per block fetch before the range fails",
			EnvVars: []string{"RPC_MAX_ATTEMPTS"},
			Value:   8,
		},
		&cli.IntFlag{
			Name:    "subscription-max-reconnects",
			Usage:   "Consecutive failed reconnects before the head subscription gives up",
			EnvVars: []string{"SUBSCRIPTION_MAX_RECONNECTS"},
			Value:   10,
		},

		// Kafka
		&cli.StringFlag{
			Name:    "kafka-brokers",
			Usage:   "The Kafka brokers to use (comma-separated list)",
			EnvVars: []string{"KAFKA_BROKERS"},
			Value:   "localhost:9092",
		},
		&cli.StringFlag{
			Name:    "kafka-topic",
			Aliases: []string{"t"},
			Usage:   "Topic of chains that do not name their own",
			EnvVars: []string{"KAFKA_TOPIC"},
			Value:   queue.DefaultTopic,
		},
		&cli.BoolFlag{
			Name:    "kafka-enable-logs",
			Usage:   "Enable Kafka client logs",
			EnvVars: []string{"KAFKA_ENABLE_LOGS"},
			Value:   false,
		},
		&cli.StringFlag{
			Name:    "kafka-client-id",
			Usage:   "The Kafka client ID",
			EnvVars: []string{"KAFKA_CLIENT_ID"},
			Value:   "blockfetcher",
		},
		&cli.IntFlag{
			Name:    "kafka-topic-num-partitions",
			Usage:   "Partitions of topics created at startup",
			EnvVars: []string{"KAFKA_TOPIC_NUM_PARTITIONS"},
			Value:   1,
		},
		&cli.IntFlag{
			Name:    "kafka-topic-replication-factor",
			Usage:   "Replication factor of topics created at startup",
			EnvVars: []string{"KAFKA_TOPIC_REPLICATION_FACTOR"},
			Value:   1,
		},
		&cli.BoolFlag{
			Name:    "kafka-allow-partition-increase",
			Usage:   "Grow existing topics to the configured partition count. Only safe while the topic is drained",
			EnvVars: []string{"KAFKA_ALLOW_PARTITION_INCREASE"},
			Value:   false,
		},
		&cli.DurationFlag{
			Name:    "kafka-flush-timeout",
			Usage:   "How long pending deliveries are awaited on shutdown",
			EnvVars: []string{"KAFKA_FLUSH_TIMEOUT"},
			Value:   15 * time.Second,
		},
		&cli.StringFlag{
			Name:    "kafka-sasl-username",
			Usage:   "SASL username for Kafka authentication",
			EnvVars: []string{"KAFKA_SASL_USERNAME"},
		},
		&cli.StringFlag{
			Name:    "kafka-sasl-password",
			Usage:   "SASL password for Kafka authentication",
			EnvVars: []string{"KAFKA_SASL_PASSWORD"},
		},
		&cli.StringFlag{
			Name:    "kafka-sasl-mechanism",
			Usage:   "SASL mechanism",
			EnvVars: []string{"KAFKA_SASL_MECHANISM"},
			Value:   "SCRAM-SHA-512",
		},
		&cli.StringFlag{
			Name:    "kafka-security-protocol",
			Usage:   "Kafka security protocol",
			EnvVars: []string{"KAFKA_SECURITY_PROTOCOL"},
			Value:   "SASL_SSL",
		},
		&cli.BoolFlag{
			Name:    "dry-run",
			Usage:   "Publish to an in-memory topic instead of Kafka",
			EnvVars: []string{"DRY_RUN"},
			Value:   false,
		},

		// Metrics
		&cli.StringFlag{
			Name:    "metrics-host",
			Usage:   "Host for Prometheus metrics server (empty for all interfaces)",
			EnvVars: []string{"METRICS_HOST"},
			Value:   "",
		},
		&cli.IntFlag{
			Name:    "metrics-port",
			Aliases: []string{"m"},
			Usage:   "Port for Prometheus metrics server",
			EnvVars: []string{"METRICS_PORT"},
			Value:   9090,
		},
		&cli.StringFlag{
			Name:    "environment",
			Usage:   "Deployment environment for metrics labels (e.g., 'production', 'staging')",
			EnvVars: []string{"ENVIRONMENT"},
		},
		&cli.StringFlag{
			Name:    "region",
			Usage:   "Cloud region for metrics labels (e.g., 'us-east-1')",
			EnvVars: []string{"REGION"},
		},
		&cli.StringFlag{
			Name:    "cloud-provider",
			Usage:   "Cloud provider for metrics labels (e.g., 'aws', 'oci', 'gcp')",
			EnvVars: []string{"CLOUD_PROVIDER"},
		},
	)
}

// removeFlags returns the flags of the remove command
func removeFlags() []cli.Flag {
	return append([]cli.Flag{
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"v"},
			Usage:   "Enable verbose logging",
			EnvVars: []string{"VERBOSE"},
		},
	}, append(chainFlags(), cursorFlags()...)...)
}

// latestFlags returns the flags of the latest command
func latestFlags() []cli.Flag {
	return append([]cli.Flag{
		&cli.DurationFlag{
			Name:    "rpc-call-timeout",
			Usage:   "Timeout of a single RPC call",
			EnvVars: []string{"RPC_CALL_TIMEOUT"},
			Value:   15 * time.Second,
		},
	}, append(chainFlags(), cursorFlags()...)...)
}
