package evm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ava-labs/evm-ingestor/pkg/ingesterr"
)

// kindBackOff switches between the transient and the rate-limit schedule
// depending on the kind of the last failure.
type kindBackOff struct {
	transient   *backoff.ExponentialBackOff
	rateLimited *backoff.ExponentialBackOff
	last        ingesterr.Kind
}

func newKindBackOff(cfg RetryConfig) *kindBackOff {
	transient := backoff.NewExponentialBackOff()
	transient.InitialInterval = cfg.InitialInterval
	transient.MaxInterval = cfg.MaxInterval

	rateLimited := backoff.NewExponentialBackOff()
	rateLimited.InitialInterval = cfg.RateLimitInitialInterval
	rateLimited.MaxInterval = cfg.RateLimitMaxInterval

	return &kindBackOff{transient: transient, rateLimited: rateLimited}
}

func (b *kindBackOff) NextBackOff() time.Duration {
	if b.last == ingesterr.RateLimited {
		return b.rateLimited.NextBackOff()
	}
	return b.transient.NextBackOff()
}

func (b *kindBackOff) Reset() {
	b.transient.Reset()
	b.rateLimited.Reset()
	b.last = ingesterr.Unknown
}

// retry runs fn until it succeeds, fails with a non-retriable kind, or the
// attempt budget is spent. Each attempt gets its own CallTimeout. A decode
// failure is retried exactly once.
func retry[T any](
	ctx context.Context,
	a *Adapter,
	op string,
	fn func(ctx context.Context) (T, error),
) (T, error) {
	bo := newKindBackOff(a.cfg.Retry)
	decodeFailures := 0
	attempts := 0

	operation := func() (T, error) {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
		defer cancel()

		v, err := fn(callCtx)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return v, backoff.Permanent(ctx.Err())
		}

		kind := ingesterr.Classify(err)
		bo.last = kind
		switch {
		case kind == ingesterr.ProtocolDecode:
			decodeFailures++
			if decodeFailures > 1 {
				return v, backoff.Permanent(a.classified(op, kind, err))
			}
			return v, err
		case kind.Retriable():
			return v, err
		default:
			return v, backoff.Permanent(a.classified(op, kind, err))
		}
	}

	notify := func(err error, next time.Duration) {
		kind := ingesterr.Classify(err)
		a.metrics.RecordRetry(a.chain, kind.String())
		a.log.Warnw("retrying rpc call",
			"op", op,
			"kind", kind.String(),
			"attempt", attempts,
			"backoff", next,
			"error", err,
		)
	}

	v, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(a.cfg.Retry.MaxAttempts),
		backoff.WithNotify(notify),
	)
	if err == nil {
		return v, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return v, ctxErr
	}
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	if kind := ingesterr.KindOf(err); kind != ingesterr.Unknown && !kind.Retriable() {
		return v, err
	}
	return v, ingesterr.New(ingesterr.Classify(err), op, a.chain,
		fmt.Errorf("%w after %d attempts: %w", ingesterr.ErrRetriesExhausted, attempts, err))
}

// classified attaches kind unless err already carries one.
func (a *Adapter) classified(op string, kind ingesterr.Kind, err error) error {
	if ingesterr.KindOf(err) != ingesterr.Unknown {
		return fmt.Errorf("%s %s: %w", a.chain, op, err)
	}
	return ingesterr.New(kind, op, a.chain, err)
}

func newReconnectBackOff(cfg Config) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.ReconnectInterval
	b.MaxInterval = cfg.ReconnectMaxBackoff
	b.Reset()
	return b
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
