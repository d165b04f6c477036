package ingest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	cKafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ava-labs/evm-ingestor/pkg/chainadapter"
	"github.com/ava-labs/evm-ingestor/pkg/cursor"
	"github.com/ava-labs/evm-ingestor/pkg/data/postgres/evmrepo"
	"github.com/ava-labs/evm-ingestor/pkg/ingesterr"
	"github.com/ava-labs/evm-ingestor/pkg/kafka/messages"
	"github.com/ava-labs/evm-ingestor/pkg/kafka/processor"
	"github.com/ava-labs/evm-ingestor/pkg/metrics"
	"github.com/ava-labs/evm-ingestor/pkg/queue"
)

const testChain = "mainnet"

func u64(v uint64) *uint64 { return &v }

func testBlock(chain string, n uint64) *messages.Block {
	hash := fmt.Sprintf("0x%064x", n)
	return &messages.Block{
		Chain:      chain,
		Number:     n,
		Hash:       hash,
		ParentHash: fmt.Sprintf("0x%064x", n-1),
		Timestamp:  1_700_000_000 + n,
		Difficulty: big.NewInt(0),
		TxCount:    1,
		Transactions: []*messages.Transaction{{
			Hash:        fmt.Sprintf("0x%062xaa", n),
			BlockNumber: n,
			BlockHash:   hash,
			From:        "0x00000000000000000000000000000000000000f1",
			Value:       big.NewInt(int64(n)),
		}},
	}
}

type fetchFailure struct {
	prefix int
	err    error
}

// fakeAdapter serves generated blocks up to head. Heads pushed to feed are
// delivered to the current subscription.
type fakeAdapter struct {
	chain string

	mu         sync.Mutex
	head       uint64
	fetchFails []fetchFailure
	alwaysFail error
	fetched    [][2]uint64
	subscribes int
	onFetch    func(ctx context.Context)

	feed   chan *messages.Block
	subErr chan error
}

var _ chainadapter.Adapter = (*fakeAdapter)(nil)

func newFakeAdapter(chain string, head uint64) *fakeAdapter {
	return &fakeAdapter{
		chain:  chain,
		head:   head,
		feed:   make(chan *messages.Block, 16),
		subErr: make(chan error, 1),
	}
}

func (f *fakeAdapter) Chain() string { return f.chain }

func (f *fakeAdapter) FetchRange(ctx context.Context, start, end uint64) ([]*messages.Block, error) {
	if f.onFetch != nil {
		f.onFetch(ctx)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, [2]uint64{start, end})

	if f.alwaysFail != nil {
		return nil, f.alwaysFail
	}
	var blocks []*messages.Block
	if len(f.fetchFails) > 0 {
		fail := f.fetchFails[0]
		f.fetchFails = f.fetchFails[1:]
		for n := start; n < start+uint64(fail.prefix) && n <= end; n++ {
			blocks = append(blocks, testBlock(f.chain, n))
		}
		return blocks, fail.err
	}
	for n := start; n <= end; n++ {
		blocks = append(blocks, testBlock(f.chain, n))
	}
	return blocks, nil
}

func (f *fakeAdapter) Subscribe(ctx context.Context) (<-chan *messages.Block, <-chan error) {
	f.mu.Lock()
	f.subscribes++
	f.mu.Unlock()

	out := make(chan *messages.Block)
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-f.subErr:
				errs <- err
				return
			case b := <-f.feed:
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

func (f *fakeAdapter) Latest(ctx context.Context) (*messages.Block, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return testBlock(f.chain, f.head), nil
}

func (*fakeAdapter) Close() {}

func (f *fakeAdapter) Fetched() [][2]uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][2]uint64(nil), f.fetched...)
}

func (f *fakeAdapter) Subscribes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribes
}

// memWriter mimics the uniqueness rules of the blocks and transactions
// tables.
type memWriter struct {
	mu        sync.Mutex
	blocks    map[string]map[uint64]string
	txs       map[string]map[string]struct{}
	conflicts []*ingesterr.ReorgConflictError
}

func newMemWriter() *memWriter {
	return &memWriter{
		blocks: make(map[string]map[uint64]string),
		txs:    make(map[string]map[string]struct{}),
	}
}

func (w *memWriter) WriteBlock(_ context.Context, b *messages.Block) (evmrepo.Result, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.blocks[b.Chain] == nil {
		w.blocks[b.Chain] = make(map[uint64]string)
		w.txs[b.Chain] = make(map[string]struct{})
	}
	if stored, ok := w.blocks[b.Chain][b.Number]; ok {
		if stored != b.Hash {
			return evmrepo.Result{Outcome: evmrepo.ReorgConflict}, &ingesterr.ReorgConflictError{
				Chain: b.Chain, Number: b.Number, StoredHash: stored, IncomingHash: b.Hash,
			}
		}
		return evmrepo.Result{Outcome: evmrepo.Duplicate}, nil
	}
	w.blocks[b.Chain][b.Number] = b.Hash
	var inserted int64
	for _, tx := range b.Transactions {
		if _, ok := w.txs[b.Chain][tx.Hash]; !ok {
			w.txs[b.Chain][tx.Hash] = struct{}{}
			inserted++
		}
	}
	return evmrepo.Result{Outcome: evmrepo.Inserted, TxInserted: inserted}, nil
}

func (w *memWriter) RecordReorgConflict(_ context.Context, c *ingesterr.ReorgConflictError) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conflicts = append(w.conflicts, c)
	return nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BatchSize = 10
	cfg.RetryInterval = time.Millisecond
	cfg.MaxRetryInterval = 5 * time.Millisecond
	cfg.LagCheckInterval = 0
	// Backfill up to the head unless a test sets a lag.
	cfg.Lag = 0
	cfg.Cursor = cursor.Config{WriteTimeout: time.Second, MaxRetries: 0, RetryBackoff: time.Millisecond}
	return cfg
}

type harness struct {
	adapter *fakeAdapter
	topic   *queue.MemoryTopic
	store   *cursor.MemoryStore
	reg     *prometheus.Registry
	driver  *Driver
}

func newHarness(t *testing.T, chain Chain, head uint64, cfg Config) *harness {
	t.Helper()
	h := &harness{
		adapter: newFakeAdapter(chain.Name, head),
		topic:   queue.NewMemoryTopic(),
		store:   cursor.NewMemoryStore(),
		reg:     prometheus.NewRegistry(),
	}
	m, err := metrics.New(h.reg)
	require.NoError(t, err)
	pub := queue.NewBlockPublisher(h.topic, queue.Topics{Default: queue.DefaultTopic})
	h.driver, err = NewDriver(chain, h.adapter, pub, h.store, cfg, zaptest.NewLogger(t).Sugar(), m)
	require.NoError(t, err)
	return h
}

// start runs the driver in the background and returns a stop function
// yielding its result.
func (h *harness) start(t *testing.T) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- h.driver.Run(ctx) }()
	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("driver did not stop")
			return nil
		}
	}
}

func (h *harness) waitCursor(t *testing.T, n uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.driver.Cursor().Covers(n)
	}, 5*time.Second, time.Millisecond, "cursor never reached %d", n)
}

func (h *harness) publishedNumbers(t *testing.T) []uint64 {
	t.Helper()
	var out []uint64
	for _, msg := range h.topic.Messages(queue.DefaultTopic) {
		env, err := messages.Open(msg.Value)
		require.NoError(t, err)
		b, err := env.Block()
		require.NoError(t, err)
		require.Equal(t, string(msg.Key), b.Chain)
		out = append(out, b.Number)
	}
	return out
}

func seq(from, to uint64) []uint64 {
	var out []uint64
	for n := from; n <= to; n++ {
		out = append(out, n)
	}
	return out
}

func toKafkaMessage(msg queue.Msg, offset int) *cKafka.Message {
	topic := msg.Topic
	return &cKafka.Message{
		TopicPartition: cKafka.TopicPartition{Topic: &topic, Partition: 0, Offset: cKafka.Offset(offset)},
		Key:            msg.Key,
		Value:          msg.Value,
	}
}

func TestNewDriver_Validation(t *testing.T) {
	t.Parallel()

	log := zaptest.NewLogger(t).Sugar()
	adapter := newFakeAdapter(testChain, 10)
	pub := queue.NewBlockPublisher(queue.NewMemoryTopic(), queue.Topics{})
	store := cursor.NewMemoryStore()
	badCfg := testConfig()
	badCfg.BatchSize = 0

	tests := []struct {
		name    string
		build   func() (*Driver, error)
		wantErr string
	}{
		{"empty chain", func() (*Driver, error) {
			return NewDriver(Chain{}, adapter, pub, store, testConfig(), log, nil)
		}, "name must not be empty"},
		{"nil adapter", func() (*Driver, error) {
			return NewDriver(Chain{Name: testChain}, nil, pub, store, testConfig(), log, nil)
		}, "invalid adapter"},
		{"nil publisher", func() (*Driver, error) {
			return NewDriver(Chain{Name: testChain}, adapter, nil, store, testConfig(), log, nil)
		}, "invalid publisher"},
		{"nil store", func() (*Driver, error) {
			return NewDriver(Chain{Name: testChain}, adapter, pub, nil, testConfig(), log, nil)
		}, "invalid cursor store"},
		{"nil logger", func() (*Driver, error) {
			return NewDriver(Chain{Name: testChain}, adapter, pub, store, testConfig(), nil, nil)
		}, "invalid logger"},
		{"bad config", func() (*Driver, error) {
			return NewDriver(Chain{Name: testChain}, adapter, pub, store, badCfg, log, nil)
		}, "batch size"},
		{"end below start", func() (*Driver, error) {
			return NewDriver(Chain{Name: testChain, StartBlock: u64(10), EndBlock: u64(5)}, adapter, pub, store, testConfig(), log, nil)
		}, "end block 5 below start block 10"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d, err := tt.build()
			require.ErrorContains(t, err, tt.wantErr)
			assert.Nil(t, d)
		})
	}
}

// Blocks 100..105 travel from the adapter through the topic into storage
// exactly once, with backfill covering 100..104 and the live stream 105.
func TestDriver_EndToEnd(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Lag = 1
	h := newHarness(t, Chain{Name: testChain, StartBlock: u64(100)}, 105, cfg)
	stop := h.start(t)

	h.waitCursor(t, 104)
	require.Eventually(t, func() bool { return h.adapter.Subscribes() == 1 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, StateLive, h.driver.State())
	assert.Equal(t, [][2]uint64{{100, 104}}, h.adapter.Fetched())

	h.adapter.feed <- testBlock(testChain, 105)
	h.waitCursor(t, 105)

	require.NoError(t, stop())
	assert.Equal(t, StateStopped, h.driver.State())
	assert.Equal(t, seq(100, 105), h.publishedNumbers(t))

	stored, ok, err := h.store.Read(t.Context(), testChain)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(105), stored)

	published, err := testutil.GatherAndCount(h.reg, "ingestor_driver_blocks_published_total")
	require.NoError(t, err)
	assert.Equal(t, 2, published, "one series per phase")

	w := newMemWriter()
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)
	proc := processor.NewEVMProcessor(zaptest.NewLogger(t).Sugar(), w, m, processor.RetryConfig{})

	msgs := h.topic.Messages(queue.DefaultTopic)
	// Redelivery of the whole topic must not change storage.
	for round := range 2 {
		for i, msg := range msgs {
			require.NoError(t, proc.Process(t.Context(), toKafkaMessage(msg, round*len(msgs)+i)))
		}
	}

	require.Len(t, w.blocks[testChain], 6)
	require.Len(t, w.txs[testChain], 6)
	for _, n := range seq(100, 105) {
		assert.Equal(t, testBlock(testChain, n).Hash, w.blocks[testChain][n])
	}
	assert.Empty(t, w.conflicts)
}

func TestDriver_LiveGapHealing(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Chain{Name: testChain}, 10, testConfig())
	stop := h.start(t)

	require.Eventually(t, func() bool { return h.adapter.Subscribes() == 1 }, 5*time.Second, time.Millisecond)
	last, ok := h.driver.Cursor().Last()
	require.True(t, ok)
	assert.Equal(t, uint64(10), last, "starts at head without start block")

	h.adapter.feed <- testBlock(testChain, 11)
	h.adapter.feed <- testBlock(testChain, 13)
	h.waitCursor(t, 13)

	// Stale head is skipped, the next one is published.
	h.adapter.feed <- testBlock(testChain, 12)
	h.adapter.feed <- testBlock(testChain, 14)
	h.waitCursor(t, 14)

	require.NoError(t, stop())
	assert.Equal(t, seq(11, 14), h.publishedNumbers(t))
	assert.Equal(t, [][2]uint64{{12, 12}}, h.adapter.Fetched())

	heals, err := testutil.GatherAndCount(h.reg, "ingestor_driver_gap_heals_total")
	require.NoError(t, err)
	assert.Equal(t, 1, heals)
}

func TestDriver_LargeGapIsHealedInBatches(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.BatchSize = 4
	h := newHarness(t, Chain{Name: testChain}, 0, cfg)
	stop := h.start(t)

	require.Eventually(t, func() bool { return h.adapter.Subscribes() == 1 }, 5*time.Second, time.Millisecond)
	h.adapter.feed <- testBlock(testChain, 11)
	h.waitCursor(t, 11)

	require.NoError(t, stop())
	assert.Equal(t, seq(1, 11), h.publishedNumbers(t))
	assert.Equal(t, [][2]uint64{{1, 4}, {5, 8}, {9, 10}}, h.adapter.Fetched())
}

func TestDriver_ResumesFromStoredCursor(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Chain{Name: testChain, StartBlock: u64(100)}, 105, testConfig())
	require.NoError(t, h.store.Write(t.Context(), testChain, 102))
	stop := h.start(t)

	h.waitCursor(t, 105)
	require.NoError(t, stop())

	assert.Equal(t, seq(103, 105), h.publishedNumbers(t))
	assert.Equal(t, [][2]uint64{{103, 105}}, h.adapter.Fetched())
}

func TestDriver_StartBlockAboveStoredCursor(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Lag = 1
	h := newHarness(t, Chain{Name: testChain, StartBlock: u64(100)}, 105, cfg)
	require.NoError(t, h.store.Write(t.Context(), testChain, 50))
	stop := h.start(t)

	h.waitCursor(t, 104)
	require.Eventually(t, func() bool { return h.adapter.Subscribes() == 1 }, 5*time.Second, time.Millisecond)
	require.NoError(t, stop())

	assert.Equal(t, seq(100, 104), h.publishedNumbers(t))
	assert.Equal(t, [][2]uint64{{100, 104}}, h.adapter.Fetched())

	stored, ok, err := h.store.Read(t.Context(), testChain)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(104), stored)
}

func TestDriver_PartialFetchIsNotRefetched(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Chain{Name: testChain, StartBlock: u64(100)}, 104, testConfig())
	h.adapter.fetchFails = []fetchFailure{{
		prefix: 2,
		err:    ingesterr.New(ingesterr.TransientNetwork, "fetch_range", testChain, errors.New("connection reset")),
	}}
	stop := h.start(t)

	h.waitCursor(t, 104)
	require.NoError(t, stop())

	assert.Equal(t, seq(100, 104), h.publishedNumbers(t))
	assert.Equal(t, [][2]uint64{{100, 104}, {102, 104}}, h.adapter.Fetched())
}

func TestDriver_PublishFailureKeepsCursor(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Chain{Name: testChain, StartBlock: u64(100), EndBlock: u64(102)}, 110, testConfig())
	h.topic.FailNext(errors.New("broker unavailable"))

	require.NoError(t, h.driver.Run(t.Context()))
	assert.Equal(t, StateDone, h.driver.State())
	assert.Equal(t, seq(100, 102), h.publishedNumbers(t))
	assert.Equal(t, [][2]uint64{{100, 102}, {100, 102}}, h.adapter.Fetched())
}

func TestDriver_BoundedChainFinishes(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.BatchSize = 2
	h := newHarness(t, Chain{Name: testChain, StartBlock: u64(100), EndBlock: u64(104)}, 110, cfg)

	require.NoError(t, h.driver.Run(t.Context()))
	assert.Equal(t, StateDone, h.driver.State())
	assert.Equal(t, seq(100, 104), h.publishedNumbers(t))
	assert.Equal(t, [][2]uint64{{100, 101}, {102, 103}, {104, 104}}, h.adapter.Fetched())
	assert.Zero(t, h.adapter.Subscribes())
}

func TestDriver_BoundedChainFinishesLive(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Chain{Name: testChain, StartBlock: u64(100), EndBlock: u64(103)}, 100, testConfig())
	done := make(chan error, 1)
	go func() { done <- h.driver.Run(t.Context()) }()

	require.Eventually(t, func() bool { return h.adapter.Subscribes() == 1 }, 5*time.Second, time.Millisecond)
	// The head jumps past the end block; only the gap up to it is produced.
	h.adapter.feed <- testBlock(testChain, 106)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("bounded driver did not finish")
	}
	assert.Equal(t, StateDone, h.driver.State())
	assert.Equal(t, seq(100, 103), h.publishedNumbers(t))
}

func TestDriver_TerminalFailures(t *testing.T) {
	t.Parallel()

	transient := ingesterr.New(ingesterr.TransientNetwork, "fetch_range", testChain, errors.New("timeout"))
	decode := ingesterr.New(ingesterr.ProtocolDecode, "fetch_range", testChain, errors.New("bad hex"))
	fatal := ingesterr.New(ingesterr.ConfigurationFatal, "fetch_range", testChain, errors.New("method not found"))

	tests := []struct {
		name        string
		fails       []fetchFailure
		always      error
		wantKind    ingesterr.Kind
		wantFetches int
	}{
		{"configuration fatal", []fetchFailure{{err: fatal}}, nil, ingesterr.ConfigurationFatal, 1},
		{"repeated decode", []fetchFailure{{err: decode}, {err: decode}}, nil, ingesterr.ProtocolDecode, 2},
		{"consecutive failures", nil, transient, ingesterr.TransientNetwork, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig()
			cfg.MaxConsecutiveFailures = 3
			h := newHarness(t, Chain{Name: testChain, StartBlock: u64(100)}, 110, cfg)
			h.adapter.fetchFails = tt.fails
			h.adapter.alwaysFail = tt.always

			err := h.driver.Run(t.Context())
			require.ErrorIs(t, err, ErrTerminal)
			assert.Equal(t, tt.wantKind, ingesterr.KindOf(err))
			assert.Equal(t, StateTerminal, h.driver.State())
			assert.Len(t, h.adapter.Fetched(), tt.wantFetches)
			assert.Empty(t, h.publishedNumbers(t))

			_, ok, err := h.store.Read(t.Context(), testChain)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestDriver_DecodeIsRetriedOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Chain{Name: testChain, StartBlock: u64(100), EndBlock: u64(101)}, 110, testConfig())
	h.adapter.fetchFails = []fetchFailure{{
		err: ingesterr.New(ingesterr.ProtocolDecode, "fetch_range", testChain, errors.New("bad hex")),
	}}

	require.NoError(t, h.driver.Run(t.Context()))
	assert.Equal(t, seq(100, 101), h.publishedNumbers(t))
}

func TestDriver_ResubscribesAfterSubscriptionError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Chain{Name: testChain}, 10, testConfig())
	stop := h.start(t)

	require.Eventually(t, func() bool { return h.adapter.Subscribes() == 1 }, 5*time.Second, time.Millisecond)
	h.adapter.subErr <- ingesterr.New(ingesterr.TransientNetwork, "subscribe", testChain, errors.New("websocket closed"))
	require.Eventually(t, func() bool { return h.adapter.Subscribes() == 2 }, 5*time.Second, time.Millisecond)

	h.adapter.feed <- testBlock(testChain, 11)
	h.waitCursor(t, 11)

	require.NoError(t, stop())
	assert.Equal(t, []uint64{11}, h.publishedNumbers(t))
}

func TestDriver_CancellationStopsCleanly(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Chain{Name: testChain, StartBlock: u64(100)}, 102, testConfig())
	stop := h.start(t)

	h.waitCursor(t, 102)
	require.NoError(t, stop())
	assert.Equal(t, StateStopped, h.driver.State())
}

// A fetch in progress at shutdown finishes, but none of its blocks are
// published once the driver is stopping.
func TestDriver_ShutdownFinishesFetchInProgress(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Chain{Name: testChain, StartBlock: u64(100)}, 104, testConfig())
	entered := make(chan struct{})
	release := make(chan struct{})
	fetchErr := make(chan error, 1)
	h.adapter.onFetch = func(ctx context.Context) {
		close(entered)
		<-release
		fetchErr <- ctx.Err()
	}

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- h.driver.Run(ctx) }()

	<-entered
	cancel()
	close(release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("driver did not stop")
	}
	require.NoError(t, <-fetchErr, "the fetch must not see the shutdown")
	assert.Equal(t, StateStopped, h.driver.State())
	assert.Empty(t, h.publishedNumbers(t))
	assert.Equal(t, [][2]uint64{{100, 104}}, h.adapter.Fetched())

	_, ok, err := h.store.Read(t.Context(), testChain)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDriver_UnitContextOutlivesShutdownByGrace(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.ShutdownGrace = 20 * time.Millisecond
	h := newHarness(t, Chain{Name: testChain}, 0, cfg)

	ctx, cancel := context.WithCancel(t.Context())
	unit, done := h.driver.unitContext(ctx)
	defer done()

	cancel()
	require.NoError(t, unit.Err())
	require.Eventually(t, func() bool { return unit.Err() != nil }, time.Second, time.Millisecond)
}

func TestDriver_ExportLag(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Chain{Name: testChain}, 0, testConfig())

	tests := []struct {
		name   string
		cursor cursor.Cursor
		head   uint64
		want   uint64
	}{
		{"empty cursor", cursor.Empty(testChain), 9, 10},
		{"at head", cursor.At(testChain, 50), 50, 0},
		{"behind head", cursor.At(testChain, 40), 50, 10},
		{"ahead of reported head", cursor.At(testChain, 60), 50, 0},
	}

	for _, tt := range tests {
		h.driver.setCursor(tt.cursor)
		assert.Equal(t, tt.want, h.driver.exportLag(tt.head), tt.name)
	}
}

func TestRunAll_IsolatesChains(t *testing.T) {
	t.Parallel()

	good := newHarness(t, Chain{Name: "good", StartBlock: u64(1), EndBlock: u64(3)}, 10, testConfig())

	bad := newHarness(t, Chain{Name: "bad", StartBlock: u64(1)}, 10, testConfig())
	bad.adapter.fetchFails = []fetchFailure{{
		err: ingesterr.New(ingesterr.ConfigurationFatal, "fetch_range", "bad", errors.New("wrong chain id")),
	}}

	err := RunAll(t.Context(), []*Driver{good.driver, bad.driver})
	require.ErrorIs(t, err, ErrTerminal)
	assert.ErrorContains(t, err, "bad")

	assert.Equal(t, StateDone, good.driver.State())
	assert.Equal(t, StateTerminal, bad.driver.State())
	assert.Equal(t, seq(1, 3), good.publishedNumbers(t))
}
