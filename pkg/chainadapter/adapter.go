// Package chainadapter defines the capability set every chain integration
// provides to the ingestion driver and builds adapters by type.
package chainadapter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/ava-labs/evm-ingestor/pkg/chainadapter/evm"
	"github.com/ava-labs/evm-ingestor/pkg/ingesterr"
	"github.com/ava-labs/evm-ingestor/pkg/kafka/messages"
	"github.com/ava-labs/evm-ingestor/pkg/metrics"
)

// TypeEVM is the adapter type of EVM JSON-RPC providers.
const TypeEVM = "EVM"

var ErrUnknownAdapterType = errors.New("unknown adapter type")

// Adapter is one chain's view of its provider.
type Adapter interface {
	Chain() string
	// FetchRange returns [start, end] ascending. On error it returns the
	// contiguous prefix fetched so far.
	FetchRange(ctx context.Context, start, end uint64) ([]*messages.Block, error)
	// Subscribe pushes new blocks until ctx is done or the subscription
	// gives up, in which case one error is sent before the block channel
	// closes.
	Subscribe(ctx context.Context) (<-chan *messages.Block, <-chan error)
	Latest(ctx context.Context) (*messages.Block, error)
	Close()
}

var _ Adapter = (*evm.Adapter)(nil)

// Endpoint is a resolved chain configuration.
type Endpoint struct {
	Chain       string
	AdapterType string
	HTTPURL     string
	WSURL       string
}

// Options carries the per-type settings and shared dependencies.
type Options struct {
	EVM     evm.Config
	Log     *zap.SugaredLogger
	Metrics *metrics.Metrics
}

type factory func(ctx context.Context, ep Endpoint, opts Options) (Adapter, error)

var factories = map[string]factory{
	TypeEVM: func(ctx context.Context, ep Endpoint, opts Options) (Adapter, error) {
		a, err := evm.New(ctx, ep.Chain, ep.HTTPURL, ep.WSURL, opts.EVM, opts.Log, opts.Metrics)
		if err != nil {
			return nil, err
		}
		return a, nil
	},
}

// Types lists the supported adapter types.
func Types() []string {
	types := make([]string, 0, len(factories))
	for t := range factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Supported reports whether adapterType names a known adapter, ignoring case.
func Supported(adapterType string) bool {
	_, ok := factories[strings.ToUpper(adapterType)]
	return ok
}

// New builds and connects the adapter for ep. Failures are ConfigurationFatal
// for that chain.
func New(ctx context.Context, ep Endpoint, opts Options) (Adapter, error) {
	if opts.Log == nil {
		opts.Log = zap.NewNop().Sugar()
	}
	f, ok := factories[strings.ToUpper(ep.AdapterType)]
	if !ok {
		return nil, ingesterr.New(ingesterr.ConfigurationFatal, "build adapter", ep.Chain,
			fmt.Errorf("%w %q (supported: %s)", ErrUnknownAdapterType, ep.AdapterType, strings.Join(Types(), ", ")))
	}
	return f(ctx, ep, opts)
}
