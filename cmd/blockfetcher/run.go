package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ava-labs/evm-ingestor/pkg/chainadapter"
	"github.com/ava-labs/evm-ingestor/pkg/config"
	"github.com/ava-labs/evm-ingestor/pkg/ingest"
	"github.com/ava-labs/evm-ingestor/pkg/kafka"
	"github.com/ava-labs/evm-ingestor/pkg/metrics"
	"github.com/ava-labs/evm-ingestor/pkg/queue"
	"github.com/ava-labs/evm-ingestor/pkg/utils"

	confluentKafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

const readinessHeadTimeout = 5 * time.Second

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

	chains, failedChains, err := loadChains(cfg.ChainsConfig, cfg.EnvFile, cfg.OnlyChains)
	if err != nil {
		return err
	}
	topics := cfg.Topics(chains)

	for _, ch := range chains {
		sugar.Infow("chain",
			"name", ch.Name,
			"adapterType", ch.AdapterType,
			"schemas", ch.Schemas,
			"startBlock", ch.StartBlock,
			"endBlock", ch.EndBlock,
			"topic", topics.For(ch.Name),
		)
	}
	sugar.Infow("config",
		"verbose", cfg.Log.Verbose,
		"chainsConfig", cfg.ChainsConfig,
		"chains", len(chains),
		"cursorStore", cfg.CursorStore,
		"batchSize", cfg.Ingest.BatchSize,
		"lag", cfg.Ingest.Lag,
		"maxFailures", cfg.Ingest.MaxConsecutiveFailures,
		"retryInterval", cfg.Ingest.RetryInterval,
		"maxRetryInterval", cfg.Ingest.MaxRetryInterval,
		"lagWatchdogInterval", cfg.Ingest.LagCheckInterval,
		"lagWatchdogMaxLag", cfg.Ingest.MaxLag,
		"rpcCallTimeout", cfg.EVM.CallTimeout,
		"rpcRequestsPerSecond", cfg.EVM.RequestsPerSecond,
		"rpcFetchConcurrency", cfg.EVM.FetchConcurrency,
		"kafkaBrokers", cfg.Producer.BootstrapServers,
		"kafkaTopic", cfg.KafkaTopic,
		"dryRun", cfg.DryRun,
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

	store, err := openCursorStore(ctx, cfg.CursorStore, cfg.CursorTableName, sugar)
	if err != nil {
		return fmt.Errorf("failed to open cursor store: %w", err)
	}
	defer store.close()

	pub, producerErrs, closePublisher, err := newPublisher(ctx, cfg, chains, sugar, m)
	if err != nil {
		return err
	}
	defer closePublisher()

	metricsServer := metrics.NewServer(cfg.MetricsAddr(), registry)
	metricsServer.AddReadinessCheck("cursor_store", store.ping)

	var (
		drivers   []*ingest.Driver
		setupErrs []error
	)
	// A chain with a broken config entry is terminal like one whose adapter
	// cannot be built. The others run.
	for _, failed := range failedChains {
		m.SetDriverState(failed.Chain, ingest.StateTerminal.String())
		sugar.Errorw("chain not started", "chain", failed.Chain, "error", failed.Err)
		setupErrs = append(setupErrs, fmt.Errorf("%w: %s: %w", ingest.ErrTerminal, failed.Chain, failed.Err))
	}
	for _, ch := range chains {
		d, adapter, err := newDriver(ctx, cfg, ch, pub, store, sugar, m, metricsServer)
		if err != nil {
			m.SetDriverState(ch.Name, ingest.StateTerminal.String())
			sugar.Errorw("chain not started", "chain", ch.Name, "error", err)
			setupErrs = append(setupErrs, fmt.Errorf("%w: %s: %w", ingest.ErrTerminal, ch.Name, err))
			continue
		}
		defer adapter.Close()
		drivers = append(drivers, d)
	}
	if len(drivers) == 0 {
		return errors.Join(append(setupErrs, errors.New("no chain could be started"))...)
	}

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
		// Every chain finished or went terminal.
		defer cancel()
		return ingest.RunAll(gctx, drivers)
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
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err, ok := <-producerErrs:
			if !ok || err == nil {
				return nil
			}
			cancel()
			return fmt.Errorf("kafka producer failed: %w", err)
		}
	})

	err = errors.Join(append(setupErrs, g.Wait())...)
	switch {
	case err != nil:
		sugar.Errorw("run failed", "error", err)
	case ctx.Err() != nil:
		sugar.Infow("exiting due to context cancellation")
	default:
		sugar.Infow("all chains finished")
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

// newPublisher ensures the topics of all chains and opens the Kafka
// producer, or an in-memory topic on dry runs.
func newPublisher(
	ctx context.Context,
	cfg *Config,
	chains []config.Blockchain,
	log *zap.SugaredLogger,
	m *metrics.Metrics,
) (*queue.BlockPublisher, <-chan error, func(), error) {
	topics := cfg.Topics(chains)
	if cfg.DryRun {
		log.Warn("dry run: blocks are published to an in-memory topic")
		mem := queue.NewMemoryTopic()
		return queue.NewBlockPublisher(mem, topics), nil, func() { mem.Close(0) }, nil
	}

	adminClient, err := confluentKafka.NewAdminClient(kafka.AdminConfigMap(cfg.Producer.BootstrapServers, cfg.Producer.SASL))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create kafka admin client: %w", err)
	}
	defer adminClient.Close()

	if err := kafka.EnsureTopics(ctx, adminClient, cfg.TopicConfigs(chains), log); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to ensure kafka topics exist: %w", err)
	}

	producer, err := kafka.NewProducer(ctx, cfg.Producer.ConfigMap(), log, m)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return queue.NewBlockPublisher(producer, topics), producer.Errors(), func() {
		producer.Close(cfg.Producer.FlushTimeout)
	}, nil
}

// newDriver builds the adapter and driver of one chain and registers its
// head as a readiness check.
func newDriver(
	ctx context.Context,
	cfg *Config,
	ch config.Blockchain,
	pub ingest.Publisher,
	store *cursorStore,
	log *zap.SugaredLogger,
	m *metrics.Metrics,
	srv *metrics.Server,
) (*ingest.Driver, chainadapter.Adapter, error) {
	adapter, err := chainadapter.New(ctx, ch.Endpoint(), chainadapter.Options{
		EVM:     cfg.EVM,
		Log:     log,
		Metrics: m,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create adapter: %w", err)
	}

	d, err := ingest.NewDriver(ingest.Chain{
		Name:       ch.Name,
		StartBlock: ch.StartBlock,
		EndBlock:   ch.EndBlock,
	}, adapter, pub, store, cfg.Ingest, log, m)
	if err != nil {
		adapter.Close()
		return nil, nil, fmt.Errorf("failed to create driver: %w", err)
	}

	srv.AddReadinessCheck("chain_"+ch.Name, func(ctx context.Context) error {
		if s := d.State(); s == ingest.StateTerminal {
			return fmt.Errorf("chain is %s", s)
		}
		ctx, cancel := context.WithTimeout(ctx, readinessHeadTimeout)
		defer cancel()
		_, err := adapter.Latest(ctx)
		return err
	})
	return d, adapter, nil
}
