package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ava-labs/evm-ingestor/pkg/ingesterr"
	"github.com/ava-labs/evm-ingestor/pkg/queue"
)

func newUnconnectedProducer(t *testing.T) *Producer {
	t.Helper()
	// librdkafka connects lazily, so no broker is needed to construct one.
	p, err := NewProducer(t.Context(), &kafka.ConfigMap{
		"bootstrap.servers": "localhost:1",
	}, zaptest.NewLogger(t).Sugar(), nil)
	require.NoError(t, err)
	return p
}

func TestNewProducer_InvalidConfig(t *testing.T) {
	t.Parallel()

	_, err := NewProducer(t.Context(), &kafka.ConfigMap{
		"bootstrap.servers": "localhost:9092",
		"acks":              "sometimes",
	}, zaptest.NewLogger(t).Sugar(), nil)
	require.Error(t, err)
}

func TestProducer_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	p := newUnconnectedProducer(t)
	errCh := p.Errors()

	p.Close(100 * time.Millisecond)
	p.Close(100 * time.Millisecond)

	_, ok := <-errCh
	assert.False(t, ok, "error channel should be closed after Close()")
}

func TestProducer_PublishAfterClose(t *testing.T) {
	t.Parallel()

	p := newUnconnectedProducer(t)
	p.Close(100 * time.Millisecond)

	err := p.Publish(t.Context(), queue.Msg{Topic: "evm-blocks", Key: []byte("mainnet"), Value: []byte("{}")})
	require.Error(t, err)
	assert.True(t, ingesterr.Is(err, ingesterr.ConfigurationFatal))
}

func TestProducer_PublishHonorsContext(t *testing.T) {
	t.Parallel()

	p := newUnconnectedProducer(t)
	t.Cleanup(func() { p.Close(100 * time.Millisecond) })

	// No broker is listening, so the receipt never arrives before the deadline.
	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()

	err := p.Publish(ctx, queue.Msg{Topic: "evm-blocks", Key: []byte("mainnet"), Value: []byte("{}")})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClassifyProduceError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want ingesterr.Kind
	}{
		{"plain error", errors.New("boom"), ingesterr.TransientNetwork},
		{"all brokers down", kafka.NewError(kafka.ErrAllBrokersDown, "down", false), ingesterr.TransientNetwork},
		{"transport", kafka.NewError(kafka.ErrTransport, "reset", false), ingesterr.TransientNetwork},
		{"message timed out", kafka.NewError(kafka.ErrMsgTimedOut, "timeout", false), ingesterr.TransientNetwork},
		{"too large", kafka.NewError(kafka.ErrMsgSizeTooLarge, "too large", false), ingesterr.ProtocolDecode},
		{"invalid message", kafka.NewError(kafka.ErrInvalidMsg, "invalid", false), ingesterr.ProtocolDecode},
		{"unknown topic", kafka.NewError(kafka.ErrUnknownTopicOrPart, "unknown", false), ingesterr.ConfigurationFatal},
		{"sasl", kafka.NewError(kafka.ErrSaslAuthenticationFailed, "denied", false), ingesterr.ConfigurationFatal},
		{"topic acl", kafka.NewError(kafka.ErrTopicAuthorizationFailed, "denied", false), ingesterr.ConfigurationFatal},
		{"other fatal", kafka.NewError(kafka.ErrFenced, "fenced", true), ingesterr.ConfigurationFatal},
		{"other non fatal", kafka.NewError(kafka.ErrLeaderNotAvailable, "election", false), ingesterr.TransientNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := classifyProduceError(tt.err)
			assert.Equal(t, tt.want, ingesterr.KindOf(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestHandleDeliveryEvent(t *testing.T) {
	t.Parallel()

	topic := "evm-blocks"
	msg := &kafka.Message{TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny}}

	t.Run("delivered", func(t *testing.T) {
		t.Parallel()
		ev := &kafka.Message{TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: 2, Offset: 123}}
		require.NoError(t, handleDeliveryEvent(zaptest.NewLogger(t).Sugar(), msg, ev))
	})

	t.Run("delivery failed", func(t *testing.T) {
		t.Parallel()
		ev := &kafka.Message{TopicPartition: kafka.TopicPartition{
			Topic: &topic,
			Error: kafka.NewError(kafka.ErrMsgTimedOut, "timed out", false),
		}}
		err := handleDeliveryEvent(zaptest.NewLogger(t).Sugar(), msg, ev)
		require.Error(t, err)
		assert.True(t, ingesterr.Is(err, ingesterr.TransientNetwork))
		assert.ErrorContains(t, err, "delivery failed")
	})

	t.Run("unexpected event", func(t *testing.T) {
		t.Parallel()
		err := handleDeliveryEvent(zaptest.NewLogger(t).Sugar(), msg, kafka.Error{})
		assert.ErrorContains(t, err, "unexpected delivery event")
	})
}

func TestHeaders(t *testing.T) {
	t.Parallel()

	assert.Nil(t, toKafkaHeaders(nil))

	msg := &kafka.Message{Headers: toKafkaHeaders(map[string]string{
		"chain": "mainnet",
		"kind":  "block",
	})}
	require.Len(t, msg.Headers, 2)

	v, ok := HeaderValue(msg, "chain")
	assert.True(t, ok)
	assert.Equal(t, "mainnet", v)

	_, ok = HeaderValue(msg, "missing")
	assert.False(t, ok)
}

func TestQueueFullErrorRetryDelay(t *testing.T) {
	t.Parallel()
	assert.Greater(t, queueFullErrorRetryDelay, time.Duration(0))
	assert.LessOrEqual(t, queueFullErrorRetryDelay, time.Second)
}

func TestProducer_HandleEvent(t *testing.T) {
	t.Parallel()

	p := &Producer{log: zaptest.NewLogger(t).Sugar()}
	topic := "evm-blocks"

	tests := []struct {
		name    string
		ev      kafka.Event
		wantErr bool
	}{
		{"stray receipt", &kafka.Message{TopicPartition: kafka.TopicPartition{Topic: &topic}}, false},
		{"transient error", kafka.NewError(kafka.ErrTransport, "reset", false), false},
		{"all brokers down", kafka.NewError(kafka.ErrAllBrokersDown, "down", false), true},
		{"fatal error", kafka.NewError(kafka.ErrFenced, "fenced", true), true},
		{"unknown event", kafka.OffsetsCommitted{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := p.handleEvent(tt.ev)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}
