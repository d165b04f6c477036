package evm

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/ava-labs/evm-ingestor/pkg/ingesterr"
	"github.com/ava-labs/evm-ingestor/pkg/kafka/messages"
)

var errSubscriptionClosed = errors.New("subscription closed by provider")

// Subscribe streams newly mined blocks, each hydrated over HTTP. The
// subscription reconnects with backoff when the connection drops. Heads
// missed while disconnected are not replayed; consumers detect the number
// discontinuity and backfill it with FetchRange.
//
// The block channel is closed when ctx is done or the subscription gives up.
// In the latter case a single error is sent on the error channel first.
func (a *Adapter) Subscribe(ctx context.Context) (<-chan *messages.Block, <-chan error) {
	out := make(chan *messages.Block, a.cfg.HeadBuffer)
	errCh := make(chan error, 1)
	go a.runSubscription(ctx, out, errCh)
	return out, errCh
}

func (a *Adapter) runSubscription(ctx context.Context, out chan<- *messages.Block, errCh chan<- error) {
	defer close(out)
	defer close(errCh)

	bo := newReconnectBackOff(a.cfg)
	failures := 0
	for {
		err := a.subscribeOnce(ctx, out, func() {
			failures = 0
			bo.Reset()
		})
		if ctx.Err() != nil {
			return
		}
		if k := ingesterr.KindOf(err); k != ingesterr.Unknown && !k.Retriable() {
			errCh <- err
			return
		}

		failures++
		a.metrics.IncSubscriptionReconnect(a.chain)
		if failures > a.cfg.MaxReconnects {
			errCh <- ingesterr.New(ingesterr.ConfigurationFatal, "subscribe", a.chain,
				fmt.Errorf("%w: %d reconnect attempts: %w", ingesterr.ErrRetriesExhausted, a.cfg.MaxReconnects, err))
			return
		}

		wait := bo.NextBackOff()
		a.log.Warnw("head subscription lost, reconnecting",
			"error", err,
			"attempt", failures,
			"backoff", wait,
		)
		if sleepCtx(ctx, wait) != nil {
			return
		}
	}
}

// subscribeOnce runs one WebSocket session until it fails or ctx is done.
func (a *Adapter) subscribeOnce(ctx context.Context, out chan<- *messages.Block, onConnected func()) error {
	client, err := a.dialWS(ctx)
	if err != nil {
		return fmt.Errorf("dial websocket: %w", err)
	}
	defer client.Close()

	headers := make(chan *types.Header, a.cfg.HeadBuffer)
	sub, err := client.SubscribeNewHead(ctx, headers)
	if err != nil {
		return fmt.Errorf("subscribe new heads: %w", err)
	}
	defer sub.Unsubscribe()

	onConnected()
	a.log.Info("subscribed to new heads")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			if err == nil {
				err = errSubscriptionClosed
			}
			return err
		case h := <-headers:
			if h == nil || h.Number == nil {
				continue
			}
			number := h.Number.Uint64()
			b, err := a.FetchBlock(ctx, number)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if k := ingesterr.KindOf(err); !k.Retriable() {
					return err
				}
				// The next head exposes the gap and the driver heals it.
				a.log.Warnw("skipping head that could not be hydrated", "number", number, "error", err)
				continue
			}
			select {
			case out <- b:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
