package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	cKafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ava-labs/evm-ingestor/pkg/ingesterr"
	"github.com/ava-labs/evm-ingestor/pkg/kafka/processor"
	"github.com/ava-labs/evm-ingestor/pkg/metrics"
	"github.com/ava-labs/evm-ingestor/pkg/queue"
)

// Headers added to messages forwarded to the DLQ.
const (
	HeaderDLQOriginalTopic     = "dlq.original_topic"
	HeaderDLQOriginalPartition = "dlq.original_partition"
	HeaderDLQOriginalOffset    = "dlq.original_offset"
	HeaderDLQError             = "dlq.error"
	HeaderDLQErrorKind         = "dlq.error_kind"
)

// Consumer consumes block messages and hands them to a processor.
//
// Messages of one partition are processed strictly in offset order by a
// dedicated worker, so blocks of a chain (the message key) are applied in the
// order they were produced. Different partitions are processed in parallel,
// bounded by ConsumerConfig.Concurrency.
//
// A message is committed once the processor succeeded or the message was
// forwarded to the DLQ. A ConfigurationFatal processor error stops the
// consumer without committing.
type Consumer struct {
	processor     processor.Processor
	consumer      *cKafka.Consumer
	dlq           queue.Publisher
	log           *zap.SugaredLogger
	metrics       *metrics.Metrics
	sem           *semaphore.Weighted
	offsetManager *OffsetManager
	cfg           ConsumerConfig

	workersMu sync.RWMutex
	workers   map[int32]*partitionWorker
	wg        sync.WaitGroup

	logsDone chan struct{}
	doneCh   chan struct{}
	errCh    chan error
}

type partitionWorker struct {
	partition int32
	ctx       context.Context
	cancel    context.CancelFunc
	msgs      chan *cKafka.Message
	done      chan struct{}
}

// NewConsumer creates a new Consumer. m may be nil.
func NewConsumer(
	ctx context.Context,
	log *zap.SugaredLogger,
	cfg ConsumerConfig,
	proc processor.Processor,
	m *metrics.Metrics,
) (*Consumer, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid consumer config: %w", err)
	}

	consumer, err := cKafka.NewConsumer(cfg.ConfigMap())
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	var dlq queue.Publisher
	if cfg.PublishToDLQ && !cfg.IsDLQConsumer {
		dlqProducer, err := NewProducer(ctx, cfg.DLQProducerConfig().ConfigMap(), log, m)
		if err != nil {
			consumer.Close() //nolint:errcheck // best-effort cleanup
			return nil, fmt.Errorf("failed to create kafka producer: %w", err)
		}
		dlq = dlqProducer
	}

	offsetManager := NewOffsetManager(
		ctx,
		consumer,
		cfg.OffsetManagerCommitInterval,
		cfg.AutoOffsetReset,
		false,
		log,
		m,
	)

	c := newConsumer(log, cfg, proc, dlq, offsetManager, m)
	c.consumer = consumer
	return c, nil
}

func newConsumer(
	log *zap.SugaredLogger,
	cfg ConsumerConfig,
	proc processor.Processor,
	dlq queue.Publisher,
	offsetManager *OffsetManager,
	m *metrics.Metrics,
) *Consumer {
	cfg = cfg.WithDefaults()
	c := &Consumer{
		processor:     proc,
		dlq:           dlq,
		log:           log,
		metrics:       m,
		cfg:           cfg,
		sem:           semaphore.NewWeighted(cfg.Concurrency),
		offsetManager: offsetManager,
		workers:       make(map[int32]*partitionWorker),
		logsDone:      make(chan struct{}),
		doneCh:        make(chan struct{}),
		errCh:         make(chan error, 1),
	}
	if !cfg.EnableLogs {
		close(c.logsDone)
	}
	return c
}

// Start subscribes to the configured topic and consumes until ctx is done or
// a fatal error occurs. The returned error is nil on a clean shutdown.
func (c *Consumer) Start(ctx context.Context) error {
	ctxWithCancel, cancel := context.WithCancel(ctx)
	defer cancel()

	if c.cfg.IsDLQConsumer {
		c.log.Warnw("consumer is subscribing to a DLQ topic - messages will NOT be re-sent to DLQ on failure",
			"topic", c.cfg.Topic,
		)
	}

	// start kafka logs printing if enabled
	if c.cfg.EnableLogs {
		go c.printKafkaLogs(ctxWithCancel)
	}

	if err := c.consumer.SubscribeTopics([]string{c.cfg.Topic}, c.getRebalanceCallback(ctxWithCancel)); err != nil {
		return fmt.Errorf("failed to subscribe to topics: %w", err)
	}

	pollMs := int(c.cfg.PollInterval.Milliseconds())
	var runErr error
	run := true
	for run {
		select {
		case <-ctx.Done():
			c.log.Info("context done, shutting down consumer...")
			run = false
			continue
		case err := <-c.dlqErrors():
			c.log.Errorw("fatal error from DLQ producer, shutting down consumer", "error", err)
			runErr = fmt.Errorf("dlq producer: %w", err)
			run = false
			continue
		case err := <-c.errCh:
			c.log.Errorw("error from consumer, shutting down consumer", "error", err)
			runErr = err
			run = false
			continue
		default:
			ev := c.consumer.Poll(pollMs)
			if ev == nil {
				continue
			}

			switch msg := ev.(type) {
			case *cKafka.Message:
				c.metrics.RecordMessageReceived(msg.TopicPartition.Partition)
				c.enqueue(ctx, msg)
			case cKafka.Error:
				c.metrics.RecordKafkaError(msg.IsFatal())
				if msg.IsFatal() {
					c.log.Errorw("fatal kafka error", "error", msg)
					runErr = fmt.Errorf("fatal kafka error: %w", msg)
					run = false
					continue
				}
				c.log.Warnw("kafka error (non-fatal)", "error", msg)
			default:
				c.log.Debugw("ignoring kafka event", "event", msg)
			}
		}
	}

	// In-flight messages are not committed when their worker is canceled,
	// they are redelivered on the next start.
	c.stopWorkers()
	if c.offsetManager != nil {
		c.offsetManager.Flush()
	}

	if err := c.close(); err != nil {
		c.log.Errorw("failed to close consumer", "error", err)
		if runErr == nil {
			runErr = err
		}
	}

	c.log.Info("consumer shutdown complete")
	return runErr
}

// enqueue hands msg to the worker of its partition. It blocks while the
// worker's buffer is full, which pauses polling.
func (c *Consumer) enqueue(ctx context.Context, msg *cKafka.Message) {
	c.workersMu.RLock()
	w, ok := c.workers[msg.TopicPartition.Partition]
	c.workersMu.RUnlock()
	if !ok {
		c.log.Errorw("partition has no worker, message will be redelivered", "partition", msg.TopicPartition.Partition)
		return
	}

	select {
	case w.msgs <- msg:
	case <-w.ctx.Done():
	case <-ctx.Done():
	}
}

// startWorker must be called with workersMu held.
func (c *Consumer) startWorker(ctx context.Context, partition int32) {
	wCtx, wCancel := context.WithCancel(ctx)
	w := &partitionWorker{
		partition: partition,
		ctx:       wCtx,
		cancel:    wCancel,
		msgs:      make(chan *cKafka.Message, c.cfg.PartitionBuffer),
		done:      make(chan struct{}),
	}
	c.workers[partition] = w
	c.wg.Add(1)
	go c.runWorker(w)
}

func (c *Consumer) runWorker(w *partitionWorker) {
	defer c.wg.Done()
	defer close(w.done)
	for {
		select {
		case <-w.ctx.Done():
			return
		case msg := <-w.msgs:
			if err := c.sem.Acquire(w.ctx, 1); err != nil {
				return
			}
			ok := c.handle(w.ctx, msg)
			c.sem.Release(1)
			if !ok {
				// Later messages of the partition must not overtake the failed
				// one, they are redelivered after the restart.
				w.cancel()
				return
			}
		}
	}
}

// handle runs the processor on one message and decides whether its offset
// may be committed. It returns false when the partition must stop.
func (c *Consumer) handle(ctx context.Context, msg *cKafka.Message) bool {
	partition := msg.TopicPartition.Partition
	c.metrics.IncMessagesInFlight()
	defer c.metrics.DecMessagesInFlight()

	start := time.Now()
	err := c.processor.Process(ctx, msg)
	c.metrics.RecordMessageProcessed(partition, err, time.Since(start).Seconds())

	if err != nil {
		if ctx.Err() != nil {
			// Interrupted by shutdown or revocation, leave it for redelivery.
			return false
		}
		if ingesterr.Is(err, ingesterr.ConfigurationFatal) {
			c.fail(fmt.Errorf("processing partition %d offset %d: %w", partition, msg.TopicPartition.Offset, err))
			return false
		}
		if c.cfg.IsDLQConsumer {
			c.fail(fmt.Errorf("reprocessing DLQ message at partition %d offset %d: %w", partition, msg.TopicPartition.Offset, err))
			return false
		}
		if c.dlq == nil {
			c.log.Errorw("message failed, skipping",
				"topic", topicOf(msg),
				"partition", partition,
				"offset", msg.TopicPartition.Offset,
				"key", string(msg.Key),
				"kind", ingesterr.KindOf(err).String(),
				"error", err,
			)
		} else if dlqErr := c.publishToDLQ(ctx, msg, err); dlqErr != nil {
			if ctx.Err() != nil {
				return false
			}
			c.log.Errorw("failed to publish to DLQ", "error", dlqErr)
			c.fail(dlqErr)
			return false
		}
	}
	c.offsetManager.MarkProcessed(ctx, msg)
	return true
}

// fail records the first fatal error; Start picks it up and shuts down.
func (c *Consumer) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

// publishToDLQ forwards a failed message with enough context to replay it.
func (c *Consumer) publishToDLQ(ctx context.Context, msg *cKafka.Message, cause error) error {
	if c.cfg.DLQTopic == "" {
		return errors.New("DLQ topic not configured")
	}

	headers := make(map[string]string, len(msg.Headers)+5)
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	headers[HeaderDLQOriginalTopic] = topicOf(msg)
	headers[HeaderDLQOriginalPartition] = strconv.Itoa(int(msg.TopicPartition.Partition))
	headers[HeaderDLQOriginalOffset] = strconv.FormatInt(int64(msg.TopicPartition.Offset), 10)
	headers[HeaderDLQError] = cause.Error()
	headers[HeaderDLQErrorKind] = ingesterr.KindOf(cause).String()

	start := time.Now()
	err := c.dlq.Publish(ctx, queue.Msg{
		Topic:   c.cfg.DLQTopic,
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headers,
	})
	c.metrics.RecordDLQProduction(err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("failed to produce to DLQ: %w", err)
	}

	c.log.Warnw("published message to DLQ",
		"originalTopic", topicOf(msg),
		"originalPartition", msg.TopicPartition.Partition,
		"originalOffset", msg.TopicPartition.Offset,
		"key", string(msg.Key),
		"dlqTopic", c.cfg.DLQTopic,
		"kind", headers[HeaderDLQErrorKind],
		"error", cause,
	)
	return nil
}

// stopWorkers cancels every partition worker and waits for them up to
// GoroutineWaitTimeout.
func (c *Consumer) stopWorkers() {
	c.workersMu.Lock()
	for p, w := range c.workers {
		w.cancel()
		delete(c.workers, p)
	}
	c.workersMu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(*c.cfg.GoroutineWaitTimeout):
		c.log.Warnw("timed out waiting for partition workers", "timeout", *c.cfg.GoroutineWaitTimeout)
	}
}

// close shuts down the consumer and DLQ producer.
func (c *Consumer) close() error {
	close(c.doneCh)
	<-c.logsDone
	if c.dlq != nil {
		c.dlq.Close(*c.cfg.FlushTimeout)
	}
	if c.consumer == nil {
		return nil
	}
	return c.consumer.Close()
}

func (c *Consumer) dlqErrors() <-chan error {
	if p, ok := c.dlq.(*Producer); ok {
		return p.Errors()
	}
	return nil
}

// Ping asks the brokers for the metadata of the consumed topic.
func (c *Consumer) Ping(ctx context.Context) error {
	timeout := metadataTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	topic := c.cfg.Topic
	if _, err := c.consumer.GetMetadata(&topic, false, int(timeout.Milliseconds())); err != nil {
		return fmt.Errorf("kafka metadata: %w", err)
	}
	return nil
}

// getRebalanceCallback starts a worker per assigned partition and stops the
// workers of revoked ones before their offset state is dropped.
func (c *Consumer) getRebalanceCallback(ctx context.Context) cKafka.RebalanceCb {
	return func(kc *cKafka.Consumer, event cKafka.Event) error {
		switch ev := event.(type) {
		case cKafka.AssignedPartitions:
			c.log.Infow("partitions assigned",
				"protocol", kc.GetRebalanceProtocol(),
				"count", len(ev.Partitions),
				"partitions", ev.Partitions,
			)
			c.assign(ctx, ev.Partitions)

		case cKafka.RevokedPartitions:
			c.log.Infow("partitions revoked",
				"protocol", kc.GetRebalanceProtocol(),
				"count", len(ev.Partitions),
				"partitions", ev.Partitions,
			)
			if kc.AssignmentLost() {
				c.log.Error("assignment lost involuntarily, commit may fail")
			}
			c.revoke(ev.Partitions)
		default:
			c.log.Warnw("unexpected rebalance event", "event", event)
		}
		return c.offsetManager.RebalanceCb(kc, event)
	}
}

func (c *Consumer) assign(ctx context.Context, partitions []cKafka.TopicPartition) {
	c.workersMu.Lock()
	defer c.workersMu.Unlock()

	ids := make([]int32, 0, len(partitions))
	for _, tp := range partitions {
		ids = append(ids, tp.Partition)
		if _, ok := c.workers[tp.Partition]; ok {
			continue
		}
		c.startWorker(ctx, tp.Partition)
	}
	c.metrics.RecordPartitionAssignment(ids)
}

func (c *Consumer) revoke(partitions []cKafka.TopicPartition) {
	c.workersMu.Lock()
	revoked := make([]*partitionWorker, 0, len(partitions))
	ids := make([]int32, 0, len(partitions))
	for _, tp := range partitions {
		ids = append(ids, tp.Partition)
		w, ok := c.workers[tp.Partition]
		if !ok {
			continue
		}
		w.cancel()
		delete(c.workers, tp.Partition)
		revoked = append(revoked, w)
	}
	c.workersMu.Unlock()
	c.metrics.RecordPartitionRevocation(ids)

	// A reassigned partition must not have two workers writing the same chain.
	timeout := time.After(*c.cfg.GoroutineWaitTimeout)
	for _, w := range revoked {
		select {
		case <-w.done:
		case <-timeout:
			c.log.Warnw("revoked partition worker did not stop in time", "partition", w.partition)
			return
		}
	}
}

// printKafkaLogs prints kafka logs to the console.
func (c *Consumer) printKafkaLogs(ctx context.Context) {
	defer close(c.logsDone)
	for {
		select {
		case <-ctx.Done():
			c.log.Info("stopping kafka logs printing for consumer")
			return
		case <-c.doneCh:
			c.log.Info("stopping kafka logs printing for consumer, done channel closed")
			return
		case log, ok := <-c.consumer.Logs():
			if !ok {
				c.log.Info("kafka logs printing for consumer, event channel closed")
				return
			}
			c.log.Debugf("consumer level: %d tag: %s message: %s ", log.Level, log.Tag, log.Message)
		}
	}
}

func topicOf(msg *cKafka.Message) string {
	if msg.TopicPartition.Topic == nil {
		return ""
	}
	return *msg.TopicPartition.Topic
}
