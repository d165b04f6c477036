package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"github.com/ava-labs/evm-ingestor/pkg/ingesterr"
	"github.com/ava-labs/evm-ingestor/pkg/metrics"
	"github.com/ava-labs/evm-ingestor/pkg/queue"
)

const opProduce = "produce"

// Producer is a synchronous Kafka implementation of queue.Publisher:
// Publish returns once the broker acknowledged the message. One background
// goroutine drains librdkafka's event channel, and its log channel when
// go.logs.channel.enable is set, until Close or ctx cancellation.
type Producer struct {
	producer *kafka.Producer
	log      *zap.SugaredLogger
	metrics  *metrics.Metrics

	errCh   chan error
	closing chan struct{}
	stopped chan struct{}
	once    sync.Once
}

var _ queue.Publisher = (*Producer)(nil)

const queueFullErrorRetryDelay = time.Second

// NewProducer creates a Kafka-backed queue.Publisher. m may be nil. Close
// must be called to flush queued messages and release librdkafka.
func NewProducer(ctx context.Context, conf *kafka.ConfigMap, log *zap.SugaredLogger, m *metrics.Metrics) (*Producer, error) {
	kp, err := kafka.NewProducer(conf)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	logsEnabled, err := conf.Get("go.logs.channel.enable", false)
	if err != nil {
		kp.Close()
		return nil, fmt.Errorf("failed to get go.logs.channel.enable: %w", err)
	}

	p := &Producer{
		producer: kp,
		log:      log,
		metrics:  m,
		errCh:    make(chan error, 1),
		closing:  make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	var logs chan kafka.LogEvent
	if enabled, _ := logsEnabled.(bool); enabled {
		logs = kp.Logs()
	}
	go p.background(ctx, logs)
	return p, nil
}

// Publish produces msg and waits for its delivery receipt. A full local
// queue is retried after queueFullErrorRetryDelay.
//
// Failures carry an ingesterr.Kind: authentication, authorization and
// unknown topics are ConfigurationFatal, oversized or invalid messages
// ProtocolDecode, everything else TransientNetwork.
//
// When ctx ends first Publish returns ctx.Err(), but the message may still
// be delivered afterwards. Consumers are idempotent for that reason.
func (p *Producer) Publish(ctx context.Context, msg queue.Msg) error {
	select {
	case <-p.closing:
		return ingesterr.New(ingesterr.ConfigurationFatal, opProduce, "", errors.New("producer closed"))
	default:
	}

	// Buffered so a receipt arriving after ctx is done never blocks librdkafka.
	receipt := make(chan kafka.Event, 1)
	kMsg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &msg.Topic, Partition: kafka.PartitionAny},
		Key:            msg.Key,
		Value:          msg.Value,
		Headers:        toKafkaHeaders(msg.Headers),
	}

	if err := p.produceWithRetry(ctx, kMsg, receipt); err != nil {
		if ctx.Err() == nil {
			p.metrics.RecordProducerDelivery(err)
		}
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case ev := <-receipt:
		err := handleDeliveryEvent(p.log, kMsg, ev)
		p.metrics.RecordProducerDelivery(err)
		return err
	}
}

// Close stops the background goroutine, flushes queued messages for up to
// timeout and closes librdkafka. Messages still queued after timeout are
// lost. Later calls do nothing.
func (p *Producer) Close(timeout time.Duration) {
	p.once.Do(func() {
		p.log.Info("closing kafka producer")
		close(p.closing)
		<-p.stopped
		defer close(p.errCh)

		if pending := p.producer.Flush(int(timeout.Milliseconds())); pending > 0 {
			p.log.Warnw("flush incomplete, queued messages are lost", "pending", pending)
		}
		p.producer.Close()
		p.log.Info("kafka producer closed")
	})
}

// Errors delivers at most one fatal error, after which the producer is
// unusable. It is closed by Close. Non-fatal Kafka errors are only logged.
func (p *Producer) Errors() <-chan error {
	return p.errCh
}

// Ping asks the brokers for cluster metadata, for readiness checks.
func (p *Producer) Ping(ctx context.Context) error {
	timeout := metadataTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if _, err := p.producer.GetMetadata(nil, false, int(timeout.Milliseconds())); err != nil {
		return fmt.Errorf("kafka metadata: %w", err)
	}
	return nil
}

func (p *Producer) background(ctx context.Context, logs chan kafka.LogEvent) {
	defer close(p.stopped)
	for {
		select {
		case <-ctx.Done():
			p.log.Debug("kafka producer loop stopped, context done")
			return
		case <-p.closing:
			return
		case l, ok := <-logs:
			if !ok {
				logs = nil
				continue
			}
			p.log.Debugw("librdkafka", "level", l.Level, "tag", l.Tag, "message", l.Message)
		case ev, ok := <-p.producer.Events():
			if !ok {
				p.reportFatal(errors.New("kafka producer event channel closed"))
				return
			}
			if err := p.handleEvent(ev); err != nil {
				p.reportFatal(err)
				return
			}
		}
	}
}

// handleEvent returns an error only for events that make the producer
// unusable.
func (p *Producer) handleEvent(ev kafka.Event) error {
	switch e := ev.(type) {
	case *kafka.Message:
		// Receipts go to the per-message channel, this only sees strays.
		p.log.Warnw("unexpected delivery report", "topicPartition", e.TopicPartition)
	case kafka.Stats:
		p.log.Debugw("kafka stats", "stats", e.String())
	case kafka.Error:
		p.metrics.RecordKafkaError(e.IsFatal())
		if e.IsFatal() || e.Code() == kafka.ErrAllBrokersDown {
			return fmt.Errorf("kafka producer error %#x: %w", e.Code(), e)
		}
		p.log.Warnw("kafka producer error", "code", e.Code(), "error", e)
	default:
		p.metrics.IncreaseUnknownEventCount()
		p.log.Warnw("unknown kafka event", "event", e)
	}
	return nil
}

// produceWithRetry enqueues a message in librdkafka.
//
// If the context is done, produceWithRetry returns the context error.
// If the producer queue is full, produceWithRetry waits 1 second and retries.
// Any other enqueue failure is returned with its Kind attached.
func (p *Producer) produceWithRetry(
	ctx context.Context,
	msg *kafka.Message,
	deliveryCh chan kafka.Event,
) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := p.producer.Produce(msg, deliveryCh)
		if err == nil {
			return nil
		}

		var kafkaErr kafka.Error
		if errors.As(err, &kafkaErr) && kafkaErr.Code() == kafka.ErrQueueFull {
			p.log.Warnf("producer queue full, retrying in %s", queueFullErrorRetryDelay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(queueFullErrorRetryDelay):
			}
			continue
		}
		return classifyProduceError(err)
	}
}

// classifyProduceError attaches an ingesterr.Kind to an enqueue or delivery
// failure.
func classifyProduceError(err error) error {
	var kafkaErr kafka.Error
	if !errors.As(err, &kafkaErr) {
		return ingesterr.New(ingesterr.TransientNetwork, opProduce, "", fmt.Errorf("failed to produce: %w", err))
	}

	switch kafkaErr.Code() {
	case kafka.ErrBrokerNotAvailable, kafka.ErrAllBrokersDown, kafka.ErrTransport:
		return ingesterr.New(ingesterr.TransientNetwork, opProduce, "", fmt.Errorf("broker not available: %w", err))
	case kafka.ErrMsgTimedOut, kafka.ErrTimedOut, kafka.ErrRequestTimedOut:
		return ingesterr.New(ingesterr.TransientNetwork, opProduce, "", fmt.Errorf("delivery timed out: %w", err))
	case kafka.ErrInvalidMsgSize, kafka.ErrMsgSizeTooLarge:
		return ingesterr.New(ingesterr.ProtocolDecode, opProduce, "", fmt.Errorf("invalid message size: %w", err))
	case kafka.ErrInvalidMsg:
		return ingesterr.New(ingesterr.ProtocolDecode, opProduce, "", fmt.Errorf("invalid message: %w", err))
	case kafka.ErrUnknownTopicOrPart, kafka.ErrUnknownTopic:
		return ingesterr.New(ingesterr.ConfigurationFatal, opProduce, "", fmt.Errorf("unknown topic or partition: %w", err))
	case kafka.ErrAuthentication, kafka.ErrSaslAuthenticationFailed,
		kafka.ErrTopicAuthorizationFailed, kafka.ErrClusterAuthorizationFailed:
		return ingesterr.New(ingesterr.ConfigurationFatal, opProduce, "", fmt.Errorf("authentication error: %w", err))
	}
	if kafkaErr.IsFatal() {
		return ingesterr.New(ingesterr.ConfigurationFatal, opProduce, "", fmt.Errorf("fatal producer error: %w", err))
	}
	return ingesterr.New(ingesterr.TransientNetwork, opProduce, "", fmt.Errorf("failed to produce: %w", err))
}

func (p *Producer) reportFatal(err error) {
	p.log.Errorw("kafka producer failed", "error", err)
	select {
	case p.errCh <- err:
	default:
	}
}

func handleDeliveryEvent(log *zap.SugaredLogger, msg *kafka.Message, ev kafka.Event) error {
	e, ok := ev.(*kafka.Message)
	if !ok {
		return fmt.Errorf("unexpected delivery event: %T", ev)
	}

	if err := e.TopicPartition.Error; err != nil {
		return classifyProduceError(fmt.Errorf("delivery failed: %w", err))
	}

	log.Debugw("delivered",
		"topic", *msg.TopicPartition.Topic,
		"partition", e.TopicPartition.Partition,
		"offset", e.TopicPartition.Offset,
	)
	return nil
}

func toKafkaHeaders(headers map[string]string) []kafka.Header {
	if len(headers) == 0 {
		return nil
	}
	out := make([]kafka.Header, 0, len(headers))
	for k, v := range headers {
		out = append(out, kafka.Header{Key: k, Value: []byte(v)})
	}
	return out
}

// HeaderValue returns the value of the first header named key.
func HeaderValue(msg *kafka.Message, key string) (string, bool) {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value), true
		}
	}
	return "", false
}
