package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/ava-labs/evm-ingestor/pkg/chainadapter"
	"github.com/ava-labs/evm-ingestor/pkg/cursor"
	"github.com/ava-labs/evm-ingestor/pkg/ingesterr"
	"github.com/ava-labs/evm-ingestor/pkg/kafka/messages"
	"github.com/ava-labs/evm-ingestor/pkg/metrics"
)

const (
	opResolve  = "resolve_cursor"
	opTarget   = "backfill_target"
	opBackfill = "backfill"
	opLive     = "live"
)

// ErrTerminal wraps the error that ended a chain.
var ErrTerminal = errors.New("chain driver terminal")

// Publisher publishes one block and returns its number once acknowledged.
type Publisher interface {
	Publish(ctx context.Context, b *messages.Block) (uint64, error)
}

// Chain is what a Driver needs to know about its chain.
type Chain struct {
	Name       string
	StartBlock *uint64
	EndBlock   *uint64
}

// Driver moves one chain from its cursor to the head and then follows it.
// Run must be called at most once.
type Driver struct {
	chain   Chain
	adapter chainadapter.Adapter
	pub     Publisher
	store   cursor.Store
	cfg     Config
	log     *zap.SugaredLogger
	metrics *metrics.Metrics

	mu    sync.RWMutex
	cur   cursor.Cursor
	state State

	// failed cycles since the cursor last moved
	failures int
}

// NewDriver creates a Driver. m may be nil.
func NewDriver(
	chain Chain,
	adapter chainadapter.Adapter,
	pub Publisher,
	store cursor.Store,
	cfg Config,
	log *zap.SugaredLogger,
	m *metrics.Metrics,
) (*Driver, error) {
	if chain.Name == "" {
		return nil, errors.New("invalid chain: name must not be empty")
	}
	if adapter == nil {
		return nil, errors.New("invalid adapter: must not be nil")
	}
	if pub == nil {
		return nil, errors.New("invalid publisher: must not be nil")
	}
	if store == nil {
		return nil, errors.New("invalid cursor store: must not be nil")
	}
	if log == nil {
		return nil, errors.New("invalid logger: must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid driver config: %w", err)
	}
	if chain.StartBlock != nil && chain.EndBlock != nil && *chain.EndBlock < *chain.StartBlock {
		return nil, fmt.Errorf("invalid chain %s: end block %d below start block %d", chain.Name, *chain.EndBlock, *chain.StartBlock)
	}

	return &Driver{
		chain:   chain,
		adapter: adapter,
		pub:     pub,
		store:   store,
		cfg:     cfg,
		log:     log.With("chain", chain.Name),
		metrics: m,
		cur:     cursor.Empty(chain.Name),
		state:   StateStarting,
	}, nil
}

func (d *Driver) Chain() string {
	return d.chain.Name
}

// Cursor returns the current position of the chain.
func (d *Driver) Cursor() cursor.Cursor {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cur
}

func (d *Driver) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

func (d *Driver) setCursor(c cursor.Cursor) {
	d.mu.Lock()
	d.cur = c
	d.mu.Unlock()
	if last, ok := c.Last(); ok {
		d.metrics.SetCursor(d.chain.Name, last)
	}
}

func (d *Driver) setState(s State) {
	d.mu.Lock()
	prev := d.state
	d.state = s
	d.mu.Unlock()
	d.metrics.SetDriverState(d.chain.Name, s.String())
	if prev != s {
		d.log.Infow("driver state changed", "from", prev.String(), "to", s.String(), "cursor", d.Cursor().String())
	}
}

// Run ingests the chain until ctx is done, the end block was produced or
// the chain becomes terminal. Cancellation is a clean stop and returns nil.
// A terminal chain returns an error wrapping ErrTerminal.
func (d *Driver) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	err := d.run(ctx)
	switch {
	case err == nil:
		d.setState(StateDone)
		return nil
	case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		d.setState(StateStopped)
		return nil
	default:
		d.setState(StateTerminal)
		d.log.Errorw("chain driver terminal", "cursor", d.Cursor().String(), "kind", ingesterr.KindOf(err).String(), "error", err)
		return fmt.Errorf("%w: %s: %w", ErrTerminal, d.chain.Name, err)
	}
}

func (d *Driver) run(ctx context.Context) error {
	if err := d.retry(ctx, opResolve, d.resolveCursor); err != nil {
		return err
	}

	if d.cfg.LagCheckInterval > 0 {
		go d.watchLag(ctx)
	}

	if err := d.backfill(ctx); err != nil {
		return err
	}
	if d.reachedEnd() {
		return nil
	}
	return d.live(ctx)
}

// resolveCursor starts at max(start block, stored cursor + 1). Without a
// stored cursor and a start block it starts at the current head.
func (d *Driver) resolveCursor(ctx context.Context) error {
	c, ok, err := cursor.Load(ctx, d.store, d.chain.Name)
	if err != nil {
		return ingesterr.New(ingesterr.TransientNetwork, opResolve, d.chain.Name, err)
	}
	switch {
	case ok && d.chain.StartBlock != nil && c.Next() < *d.chain.StartBlock:
		d.log.Infow("stored cursor is below the start block, skipping ahead",
			"cursor", c.String(),
			"startBlock", *d.chain.StartBlock,
		)
		c = cursor.Before(d.chain.Name, *d.chain.StartBlock)
	case ok:
		d.log.Infow("resuming from stored cursor", "cursor", c.String())
	case d.chain.StartBlock != nil:
		c = cursor.Before(d.chain.Name, *d.chain.StartBlock)
		d.log.Infow("no stored cursor, starting at start block", "startBlock", *d.chain.StartBlock)
	default:
		head, err := d.adapter.Latest(ctx)
		if err != nil {
			return err
		}
		c = cursor.At(d.chain.Name, head.Number)
		d.log.Infow("no stored cursor and no start block, starting at head", "head", head.Number)
	}
	d.setCursor(c)
	return nil
}

func (d *Driver) reachedEnd() bool {
	return d.chain.EndBlock != nil && d.Cursor().Covers(*d.chain.EndBlock)
}

// pastEnd reports whether n lies beyond the configured end block.
func (d *Driver) pastEnd(n uint64) bool {
	return d.chain.EndBlock != nil && n > *d.chain.EndBlock
}

func (d *Driver) backfill(ctx context.Context) error {
	if d.chain.StartBlock == nil {
		return nil
	}
	d.setState(StateBackfilling)

	for {
		var (
			target uint64
			ok     bool
		)
		err := d.retry(ctx, opTarget, func(ctx context.Context) error {
			var err error
			target, ok, err = d.backfillTarget(ctx)
			return err
		})
		if err != nil {
			return err
		}
		if !ok || d.Cursor().Next() > target {
			d.log.Infow("backfill complete", "cursor", d.Cursor().String(), "target", target)
			return nil
		}

		end := min(d.Cursor().Next()+d.cfg.BatchSize-1, target)
		err = d.retry(ctx, opBackfill, func(ctx context.Context) error {
			return d.fetchAndPublish(ctx, d.Cursor().Next(), end, phaseBackfill)
		})
		if err != nil {
			return err
		}
	}
}

// backfillTarget returns min(end block, head-lag). ok is false while the
// head is still below the lag.
func (d *Driver) backfillTarget(ctx context.Context) (uint64, bool, error) {
	head, err := d.adapter.Latest(ctx)
	if err != nil {
		return 0, false, err
	}
	d.exportLag(head.Number)
	if head.Number < d.cfg.Lag {
		return 0, false, nil
	}
	target := head.Number - d.cfg.Lag
	if d.chain.EndBlock != nil && *d.chain.EndBlock < target {
		target = *d.chain.EndBlock
	}
	return target, true, nil
}

// fetchAndPublish publishes [start, end]. Blocks fetched before a failure are
// still published.
func (d *Driver) fetchAndPublish(ctx context.Context, start, end uint64, phase string) error {
	if start > end {
		return nil
	}
	unit, done := d.unitContext(ctx)
	blocks, fetchErr := d.adapter.FetchRange(unit, start, end)
	done()
	for _, b := range blocks {
		if err := d.publish(ctx, b, phase); err != nil {
			return err
		}
	}
	if fetchErr != nil {
		return fetchErr
	}
	if next := d.Cursor().Next(); next <= end {
		return ingesterr.New(ingesterr.ProtocolDecode, opBackfill, d.chain.Name,
			fmt.Errorf("range [%d, %d] returned %d blocks, next block %d missing", start, end, len(blocks), next))
	}
	return nil
}

// publish hands b to the topic and advances the cursor once it is
// acknowledged.
func (d *Driver) publish(ctx context.Context, b *messages.Block, phase string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unit, done := d.unitContext(ctx)
	defer done()

	cur := d.Cursor()
	if cur.Covers(b.Number) {
		return nil
	}
	if b.Chain != d.chain.Name {
		return ingesterr.New(ingesterr.ProtocolDecode, phase, d.chain.Name,
			fmt.Errorf("block %d belongs to chain %q", b.Number, b.Chain))
	}
	if b.Number != cur.Next() {
		return ingesterr.New(ingesterr.ProtocolDecode, phase, d.chain.Name,
			fmt.Errorf("got block %d, expected %d", b.Number, cur.Next()))
	}

	start := time.Now()
	n, err := d.pub.Publish(unit, b)
	if err != nil {
		return err
	}
	d.metrics.RecordBlockPublished(d.chain.Name, phase, time.Since(start).Seconds())

	next, err := cur.Advance(n)
	if err != nil {
		return ingesterr.New(ingesterr.ProtocolDecode, phase, d.chain.Name, err)
	}
	d.setCursor(next)

	if err := cursor.Persist(unit, d.store, d.cfg.Cursor, next); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// The in-memory cursor stays ahead. A restart republishes from the
		// stored one, which consumers absorb as duplicates.
		d.metrics.IncError(d.chain.Name, "cursor_persist")
		d.log.Warnw("failed to persist cursor", "cursor", next.String(), "error", err)
	}

	d.log.Debugw("block published", "blockNumber", b.Number, "hash", b.Hash, "phase", phase, "txCount", b.TxCount)
	return nil
}

// unitContext returns the context of one fetch or one block. It survives
// the cancellation of ctx by up to ShutdownGrace, so shutdown stops the
// driver between units instead of in the middle of one.
func (d *Driver) unitContext(ctx context.Context) (context.Context, context.CancelFunc) {
	unit, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, func() {
		time.AfterFunc(d.cfg.ShutdownGrace, cancel)
	})
	return unit, func() {
		stop()
		cancel()
	}
}

func (d *Driver) live(ctx context.Context) error {
	d.setState(StateLive)
	return d.retry(ctx, opLive, d.follow)
}

// follow consumes one head subscription. It returns nil once the end block
// was produced and an error when the subscription or a publish fails.
func (d *Driver) follow(ctx context.Context) error {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	blocks, errs := d.adapter.Subscribe(subCtx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case b, ok := <-blocks:
			if !ok {
				if err, ok := <-errs; ok && err != nil {
					return err
				}
				if err := ctx.Err(); err != nil {
					return err
				}
				return ingesterr.New(ingesterr.TransientNetwork, opLive, d.chain.Name, errors.New("head subscription ended"))
			}
			if err := d.handleHead(ctx, b); err != nil {
				return err
			}
			if d.reachedEnd() {
				return nil
			}
		}
	}
}

// handleHead publishes a new head, healing the gap to the cursor first.
func (d *Driver) handleHead(ctx context.Context, b *messages.Block) error {
	cur := d.Cursor()
	if cur.Covers(b.Number) {
		d.log.Debugw("skipping already produced head", "blockNumber", b.Number, "cursor", cur.String())
		return nil
	}

	if next := cur.Next(); b.Number > next {
		gapEnd := b.Number - 1
		if d.chain.EndBlock != nil && gapEnd > *d.chain.EndBlock {
			gapEnd = *d.chain.EndBlock
		}
		if err := d.healGap(ctx, next, gapEnd); err != nil {
			return err
		}
	}

	if d.pastEnd(b.Number) {
		return nil
	}
	return d.publish(ctx, b, phaseLive)
}

// healGap publishes [from, to] in batches.
func (d *Driver) healGap(ctx context.Context, from, to uint64) error {
	d.log.Infow("healing gap", "from", from, "to", to, "blocks", to-from+1)
	d.metrics.RecordGapHeal(d.chain.Name, to-from+1)

	for start := from; start <= to; start = d.Cursor().Next() {
		end := min(start+d.cfg.BatchSize-1, to)
		if err := d.fetchAndPublish(ctx, start, end, phaseGap); err != nil {
			return err
		}
	}
	return nil
}

// retry runs step until it succeeds or the failure is terminal. A
// ProtocolDecode error is retried once. A step that moved the cursor before
// failing resets the failure count.
func (d *Driver) retry(ctx context.Context, op string, step func(context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.cfg.RetryInterval
	bo.MaxInterval = d.cfg.MaxRetryInterval
	bo.Reset()

	decodeFailures := 0
	for {
		before := d.Cursor().Next()
		err := step(ctx)
		if err == nil {
			d.failures = 0
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if d.Cursor().Next() != before {
			d.failures = 0
			decodeFailures = 0
			bo.Reset()
		}

		kind := ingesterr.KindOf(err)
		d.metrics.IncError(d.chain.Name, kind.String())
		switch kind {
		case ingesterr.ConfigurationFatal:
			return err
		case ingesterr.ProtocolDecode:
			decodeFailures++
			if decodeFailures > 1 {
				return err
			}
		}

		d.failures++
		if d.failures >= d.cfg.MaxConsecutiveFailures {
			return fmt.Errorf("%s failed %d times in a row: %w", op, d.failures, err)
		}

		wait := bo.NextBackOff()
		d.log.Warnw("ingestion step failed, retrying",
			"op", op,
			"kind", kind.String(),
			"attempt", d.failures,
			"cursor", d.Cursor().String(),
			"backoff", wait,
			"error", err,
		)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
