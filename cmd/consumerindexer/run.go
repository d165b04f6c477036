package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ava-labs/evm-ingestor/pkg/data/postgres/evmrepo"
	"github.com/ava-labs/evm-ingestor/pkg/kafka"
	"github.com/ava-labs/evm-ingestor/pkg/kafka/processor"
	"github.com/ava-labs/evm-ingestor/pkg/metrics"
	"github.com/ava-labs/evm-ingestor/pkg/postgres"
	"github.com/ava-labs/evm-ingestor/pkg/utils"

	confluentKafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

const readinessPingTimeout = 5 * time.Second

func run(c *cli.Context) error {
	// Build configuration from CLI flags
	cfg, err := buildConfig(c)
	if err != nil {
		return fmt.Errorf("failed to build config: %w", err)
	}

	sugar, err := utils.NewLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer utils.SyncLogger(sugar)

	sugar.Infow("config",
		"verbose", cfg.Log.Verbose,
		"bootstrapServers", cfg.Consumer.BootstrapServers,
		"groupID", cfg.Consumer.GroupID,
		"topic", cfg.Consumer.Topic,
		"dlqTopic", cfg.Consumer.DLQTopic,
		"autoOffsetReset", cfg.Consumer.AutoOffsetReset,
		"concurrency", cfg.Consumer.Concurrency,
		"partitionBuffer", cfg.Consumer.PartitionBuffer,
		"offsetCommitInterval", cfg.Consumer.OffsetManagerCommitInterval,
		"sessionTimeout", cfg.Consumer.SessionTimeout,
		"maxPollInterval", cfg.Consumer.MaxPollInterval,
		"publishToDLQ", cfg.Consumer.PublishToDLQ,
		"isDLQConsumer", cfg.Consumer.IsDLQConsumer,
		"storageRetryMaxAttempts", cfg.Retry.MaxAttempts,
		"storageRetryInitialInterval", cfg.Retry.InitialInterval,
		"storageRetryMaxInterval", cfg.Retry.MaxInterval,
		"postgresMaxConns", cfg.Postgres.MaxConns,
		"metricsHost", cfg.MetricsHost,
		"metricsPort", cfg.MetricsPort,
		"environment", cfg.Environment,
		"region", cfg.Region,
		"cloudProvider", cfg.CloudProvider,
	)

	// Initialize Prometheus metrics with labels for multi-instance filtering
	registry := prometheus.NewRegistry()
	m, err := metrics.NewWithLabels(registry, metrics.Labels{
		Environment:   cfg.Environment,
		Region:        cfg.Region,
		CloudProvider: cfg.CloudProvider,
	})
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.New(ctx, cfg.Postgres, sugar)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer pool.Close()

	repo := evmrepo.New(pool)
	if err := repo.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize storage schema: %w", err)
	}
	proc := processor.NewEVMProcessor(sugar, repo, m, cfg.Retry)

	if err := ensureTopics(ctx, cfg, sugar); err != nil {
		return err
	}

	consumer, err := kafka.NewConsumer(ctx, sugar, cfg.Consumer, proc, m)
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	metricsServer := metrics.NewServer(cfg.MetricsAddr(), registry)
	metricsServer.AddReadinessCheck("postgres", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, readinessPingTimeout)
		defer cancel()
		return pool.Ping(ctx)
	})
	metricsServer.AddReadinessCheck("kafka", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, readinessPingTimeout)
		defer cancel()
		return consumer.Ping(ctx)
	})

	// Start metrics server
	metricsErrCh := metricsServer.Start()
	if cfg.MetricsHost == "" {
		sugar.Infof("metrics server listening on http://0.0.0.0:%d/metrics", cfg.MetricsPort)
	} else {
		sugar.Infof("metrics server listening on http://%s/metrics", cfg.MetricsAddr())
	}

	gctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g errgroup.Group
	g.Go(func() error {
		defer cancel()
		if err := consumer.Start(gctx); err != nil {
			return fmt.Errorf("consumer failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-metricsErrCh:
			if err != nil {
				cancel()
				return fmt.Errorf("metrics server failed: %w", err)
			}
			return nil
		}
	})

	err = g.Wait()
	switch {
	case err != nil:
		sugar.Errorw("run failed", "error", err)
	case ctx.Err() != nil:
		sugar.Infow("exiting due to context cancellation")
	}

	// Gracefully shutdown metrics server
	sugar.Info("shutting down metrics server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		sugar.Warnw("metrics server shutdown error", "error", err)
	}

	sugar.Info("shutdown complete")
	return err
}

// ensureTopics creates the consumed topic, and the DLQ topic when failures
// are forwarded, before the consumer subscribes.
func ensureTopics(ctx context.Context, cfg *Config, log *zap.SugaredLogger) error {
	adminClient, err := confluentKafka.NewAdminClient(kafka.AdminConfigMap(cfg.Consumer.BootstrapServers, cfg.Consumer.SASL))
	if err != nil {
		return fmt.Errorf("failed to create kafka admin client: %w", err)
	}
	defer adminClient.Close()

	if err := kafka.EnsureTopics(ctx, adminClient, cfg.TopicConfigs(), log); err != nil {
		return fmt.Errorf("failed to ensure kafka topics exist: %w", err)
	}
	return nil
}
