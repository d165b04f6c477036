//go:build integration

// Package e2e runs the block fetcher and consumer indexer halves of the
// pipeline against real Kafka and Postgres containers.
package e2e

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	testKafka "github.com/testcontainers/testcontainers-go/modules/kafka"

	"github.com/ava-labs/evm-ingestor/pkg/chainadapter"
	"github.com/ava-labs/evm-ingestor/pkg/kafka/messages"
)

func startKafka(t *testing.T) string {
	t.Helper()
	ctx := t.Context()

	kc, err := testKafka.Run(ctx,
		"confluentinc/confluent-local:7.5.0",
		testKafka.WithClusterID("evm-ingestor-e2e"),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(kc); err != nil {
			t.Logf("failed to terminate kafka container: %s", err)
		}
	})

	brokers, err := kc.Brokers(ctx)
	require.NoError(t, err)
	return brokers[0]
}

func chainBlock(chain string, n uint64, salt string) *messages.Block {
	hash := fmt.Sprintf("0x%s%s%d", chain, salt, n)
	b := &messages.Block{
		Chain:      chain,
		Number:     n,
		Hash:       hash,
		ParentHash: fmt.Sprintf("0x%s%s%d", chain, salt, n-1),
		Timestamp:  1_700_000_000 + n,
		GasLimit:   30_000_000,
		Difficulty: big.NewInt(0),
	}
	for i := range int(n % 3) {
		b.Transactions = append(b.Transactions, &messages.Transaction{
			Hash:        fmt.Sprintf("0xtx%s%s%d_%d", chain, salt, n, i),
			BlockNumber: n,
			BlockHash:   hash,
			Index:       uint64(i),
			From:        "0x00000000000000000000000000000000000000f1",
			Value:       big.NewInt(int64(i)),
		})
	}
	b.TxCount = len(b.Transactions)
	return b
}

// scriptedChain serves generated blocks up to its head. Heads pushed with
// advance reach the current subscription.
type scriptedChain struct {
	name string

	mu   sync.Mutex
	head uint64
	feed chan *messages.Block
}

var _ chainadapter.Adapter = (*scriptedChain)(nil)

func newScriptedChain(name string, head uint64) *scriptedChain {
	return &scriptedChain{name: name, head: head, feed: make(chan *messages.Block, 16)}
}

func (s *scriptedChain) Chain() string { return s.name }

func (s *scriptedChain) FetchRange(ctx context.Context, start, end uint64) ([]*messages.Block, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	blocks := make([]*messages.Block, 0, end-start+1)
	for n := start; n <= end; n++ {
		blocks = append(blocks, chainBlock(s.name, n, ""))
	}
	return blocks, nil
}

func (s *scriptedChain) Subscribe(ctx context.Context) (<-chan *messages.Block, <-chan error) {
	out := make(chan *messages.Block)
	errs := make(chan error)
	go func() {
		defer close(errs)
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case b := <-s.feed:
				select {
				case out <- b:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, errs
}

func (s *scriptedChain) Latest(ctx context.Context) (*messages.Block, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return chainBlock(s.name, s.head, ""), nil
}

func (*scriptedChain) Close() {}

// advance moves the head to n and announces it.
func (s *scriptedChain) advance(n uint64) {
	s.mu.Lock()
	s.head = n
	s.mu.Unlock()
	s.feed <- chainBlock(s.name, n, "")
}
