// Package evm implements chainadapter.Adapter for EVM JSON-RPC providers:
// historical ranges and heads are fetched over HTTP, new heads are pushed over
// WebSocket.
package evm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ava-labs/evm-ingestor/pkg/ingesterr"
	"github.com/ava-labs/evm-ingestor/pkg/kafka/messages"
	"github.com/ava-labs/evm-ingestor/pkg/metrics"
	"github.com/ava-labs/evm-ingestor/pkg/ratelimit"
)

const (
	methodGetBlockByNumber = "eth_getBlockByNumber"
	methodChainID          = "eth_chainId"
)

// rpcCaller is the subset of *rpc.Client used for HTTP calls.
type rpcCaller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
	Close()
}

// headSubscriber is the subset of *ethclient.Client used for new heads.
type headSubscriber interface {
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
	Close()
}

// Adapter fetches blocks of one EVM chain.
type Adapter struct {
	chain   string
	caller  rpcCaller
	dialWS  func(ctx context.Context) (headSubscriber, error)
	limiter *ratelimit.Limiter
	cfg     Config
	log     *zap.SugaredLogger
	metrics *metrics.Metrics

	closeOnce sync.Once
}

// New dials the HTTP endpoint and verifies it answers eth_chainId. The
// WebSocket endpoint is dialed lazily by Subscribe. An endpoint that stays
// unreachable after the retry budget is a ConfigurationFatal error.
func New(
	ctx context.Context,
	chain, httpURL, wsURL string,
	cfg Config,
	log *zap.SugaredLogger,
	m *metrics.Metrics,
) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, ingesterr.New(ingesterr.ConfigurationFatal, "validate config", chain, err)
	}
	if httpURL == "" {
		return nil, ingesterr.New(ingesterr.ConfigurationFatal, "dial", chain, errors.New("empty http url"))
	}

	client, err := rpc.DialContext(ctx, httpURL)
	if err != nil {
		return nil, ingesterr.New(ingesterr.ConfigurationFatal, "dial http", chain, err)
	}

	dialWS := func(ctx context.Context) (headSubscriber, error) {
		if wsURL == "" {
			return nil, errors.New("empty websocket url")
		}
		c, err := ethclient.DialContext(ctx, wsURL)
		if err != nil {
			return nil, err
		}
		return c, nil
	}

	a := newAdapter(chain, client, dialWS, cfg, log, m)
	chainID, err := a.ChainID(ctx)
	if err != nil {
		client.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ingesterr.New(ingesterr.ConfigurationFatal, "verify endpoint", chain, err)
	}
	a.log.Infow("connected to provider", "evmChainID", chainID.String())
	return a, nil
}

func newAdapter(
	chain string,
	caller rpcCaller,
	dialWS func(ctx context.Context) (headSubscriber, error),
	cfg Config,
	log *zap.SugaredLogger,
	m *metrics.Metrics,
) *Adapter {
	return &Adapter{
		chain:  chain,
		caller: caller,
		dialWS: dialWS,
		limiter: ratelimit.New(cfg.RequestsPerSecond, cfg.Burst, func(time.Duration) {
			m.RecordRateLimitWait(chain)
		}),
		cfg:     cfg,
		log:     log.With("chain", chain),
		metrics: m,
	}
}

func (a *Adapter) Chain() string {
	return a.chain
}

// ChainID returns the provider's EVM chain id.
func (a *Adapter) ChainID(ctx context.Context) (*big.Int, error) {
	return retry(ctx, a, "chain id", func(ctx context.Context) (*big.Int, error) {
		var id hexutil.Big
		if err := a.call(ctx, &id, methodChainID); err != nil {
			return nil, err
		}
		return id.ToInt(), nil
	})
}

// Latest returns the chain head. Its transactions are counted but not
// hydrated.
func (a *Adapter) Latest(ctx context.Context) (*messages.Block, error) {
	return retry(ctx, a, "latest block", func(ctx context.Context) (*messages.Block, error) {
		return a.getBlock(ctx, "latest", false)
	})
}

// FetchRange fetches [start, end] in ascending order. On error the returned
// slice is the contiguous prefix fetched before the failure. No block of the
// range is fetched successfully more than once.
func (a *Adapter) FetchRange(ctx context.Context, start, end uint64) ([]*messages.Block, error) {
	if end < start {
		return nil, fmt.Errorf("invalid range [%d, %d]", start, end)
	}
	if a.cfg.FetchConcurrency <= 1 || end == start {
		return a.fetchSequential(ctx, start, end)
	}
	return a.fetchConcurrent(ctx, start, end)
}

func (a *Adapter) fetchSequential(ctx context.Context, start, end uint64) ([]*messages.Block, error) {
	blocks := make([]*messages.Block, 0, end-start+1)
	for n := start; ; n++ {
		if err := ctx.Err(); err != nil {
			return blocks, err
		}
		b, err := a.FetchBlock(ctx, n)
		if err != nil {
			return blocks, err
		}
		blocks = append(blocks, b)
		if n == end {
			return blocks, nil
		}
	}
}

func (a *Adapter) fetchConcurrent(ctx context.Context, start, end uint64) ([]*messages.Block, error) {
	size := end - start + 1
	results := make([]*messages.Block, size)
	errs := make([]error, size)

	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := semaphore.NewWeighted(int64(a.cfg.FetchConcurrency))
	var wg sync.WaitGroup
	for i := uint64(0); i < size; i++ {
		if err := sem.Acquire(fetchCtx, 1); err != nil {
			errs[i] = err
			break
		}
		wg.Add(1)
		go func(i uint64) {
			defer wg.Done()
			defer sem.Release(1)
			b, err := a.FetchBlock(fetchCtx, start+i)
			if err != nil {
				errs[i] = err
				cancel()
				return
			}
			results[i] = b
		}(i)
	}
	wg.Wait()

	blocks := make([]*messages.Block, 0, size)
	for i := range results {
		if results[i] == nil {
			return blocks, rootCause(ctx, errs)
		}
		blocks = append(blocks, results[i])
	}
	return blocks, nil
}

// rootCause picks the first failure that is not a cancellation caused by
// another failure.
func rootCause(ctx context.Context, errs []error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var fallback error
	for _, err := range errs {
		if err == nil {
			continue
		}
		if !errors.Is(err, context.Canceled) {
			return err
		}
		if fallback == nil {
			fallback = err
		}
	}
	if fallback == nil {
		fallback = errors.New("range fetch stopped without result")
	}
	return fallback
}

// FetchBlock fetches one fully hydrated block with retries.
func (a *Adapter) FetchBlock(ctx context.Context, number uint64) (*messages.Block, error) {
	op := fmt.Sprintf("fetch block %d", number)
	return retry(ctx, a, op, func(ctx context.Context) (*messages.Block, error) {
		b, err := a.getBlock(ctx, hexutil.EncodeUint64(number), true)
		if err != nil {
			return nil, err
		}
		if b.Number != number {
			return nil, decodeError(fmt.Errorf("asked for block %d, got %d", number, b.Number))
		}
		return b, nil
	})
}

func (a *Adapter) getBlock(ctx context.Context, tag string, full bool) (*messages.Block, error) {
	var raw json.RawMessage
	if err := a.call(ctx, &raw, methodGetBlockByNumber, tag, full); err != nil {
		return nil, err
	}
	return decodeBlock(a.chain, raw, full)
}

// call paces and instruments a single JSON-RPC call.
func (a *Adapter) call(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	a.metrics.IncRPCInFlight()
	start := time.Now()
	err := a.caller.CallContext(ctx, result, method, args...)
	a.metrics.DecRPCInFlight()
	a.metrics.RecordRPCCall(a.chain, method, err, time.Since(start).Seconds())
	return err
}

// Close releases the HTTP client.
func (a *Adapter) Close() {
	a.closeOnce.Do(a.caller.Close)
}
