package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ava-labs/evm-ingestor/pkg/ingesterr"
	"github.com/ava-labs/evm-ingestor/pkg/kafka/messages"
)

const (
	DefaultTopic = "evm-blocks"
	opPublish    = "publish"
)

// Topics resolves the topic of a chain: an explicit per-chain topic wins
// over the default.
type Topics struct {
	Default  string
	PerChain map[string]string
}

func (t Topics) For(chain string) string {
	if topic, ok := t.PerChain[chain]; ok && topic != "" {
		return topic
	}
	if t.Default != "" {
		return t.Default
	}
	return DefaultTopic
}

// BlockPublisher publishes blocks keyed by chain.
type BlockPublisher struct {
	pub    Publisher
	topics Topics
	now    func() time.Time
}

func NewBlockPublisher(pub Publisher, topics Topics) *BlockPublisher {
	return &BlockPublisher{pub: pub, topics: topics, now: time.Now}
}

// Publish serializes b and waits for the broker acknowledgment. On success
// it returns the number of the published block, which the caller may
// commit to its cursor. A failed publish leaves nothing to undo and the
// same block can be published again.
func (p *BlockPublisher) Publish(ctx context.Context, b *messages.Block) (uint64, error) {
	if err := b.Validate(); err != nil {
		return 0, ingesterr.New(ingesterr.ProtocolDecode, opPublish, b.Chain, err)
	}
	env, err := messages.NewBlockEnvelope(b, p.now())
	if err != nil {
		return 0, ingesterr.New(ingesterr.ProtocolDecode, opPublish, b.Chain, err)
	}
	value, err := env.Marshal()
	if err != nil {
		return 0, ingesterr.New(ingesterr.ProtocolDecode, opPublish, b.Chain, err)
	}

	msg := Msg{
		Topic: p.topics.For(b.Chain),
		Key:   []byte(b.Chain),
		Value: value,
		Headers: map[string]string{
			messages.HeaderChain: b.Chain,
			messages.HeaderKind:  messages.KindBlockWithTransactions,
		},
	}
	if err := p.pub.Publish(ctx, msg); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return 0, err
		}
		return 0, ingesterr.New(kindOf(err), opPublish, b.Chain, fmt.Errorf("block %d: %w", b.Number, err))
	}
	return b.Number, nil
}

// kindOf keeps a kind already attached by the publisher and treats every
// other failure as transient.
func kindOf(err error) ingesterr.Kind {
	if k := ingesterr.KindOf(err); k != ingesterr.Unknown {
		return k
	}
	return ingesterr.TransientNetwork
}
