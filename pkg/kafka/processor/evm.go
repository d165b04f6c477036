package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	cKafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"github.com/ava-labs/evm-ingestor/pkg/data/postgres/evmrepo"
	"github.com/ava-labs/evm-ingestor/pkg/ingesterr"
	"github.com/ava-labs/evm-ingestor/pkg/metrics"

	kafkamsg "github.com/ava-labs/evm-ingestor/pkg/kafka/messages"
)

const opProcess = "process_block"

// RetryConfig bounds the retries of transient storage failures.
type RetryConfig struct {
	InitialInterval time.Duration `env:"STORAGE_RETRY_INITIAL_INTERVAL" envDefault:"200ms"`
	MaxInterval     time.Duration `env:"STORAGE_RETRY_MAX_INTERVAL"     envDefault:"10s"`
	MaxAttempts     uint          `env:"STORAGE_RETRY_MAX_ATTEMPTS"     envDefault:"8"`
}

// DefaultRetryConfig is used when a zero RetryConfig is passed.
var DefaultRetryConfig = RetryConfig{
	InitialInterval: 200 * time.Millisecond,
	MaxInterval:     10 * time.Second,
	MaxAttempts:     8,
}

// EVMProcessor decodes block envelopes and applies them to storage.
//
// Duplicates are no-ops. A reorg conflict is recorded for operator follow-up
// and the message is acknowledged. Undecodable messages and constraint
// violations are returned so the consumer can dead-letter them. When
// storage stays unreachable after all retries the error is
// ConfigurationFatal, which stops the consumer instead of dead-lettering
// every following message.
// Safe for concurrent use.
type EVMProcessor struct {
	log     *zap.SugaredLogger
	writer  evmrepo.Writer
	metrics *metrics.Metrics
	retry   RetryConfig
}

// NewEVMProcessor creates an EVMProcessor. m may be nil.
func NewEVMProcessor(log *zap.SugaredLogger, writer evmrepo.Writer, m *metrics.Metrics, retry RetryConfig) *EVMProcessor {
	if retry.MaxAttempts == 0 {
		retry = DefaultRetryConfig
	}
	return &EVMProcessor{log: log, writer: writer, metrics: m, retry: retry}
}

// Process decodes msg and writes the block it carries.
func (p *EVMProcessor) Process(ctx context.Context, msg *cKafka.Message) error {
	b, err := decode(msg)
	if err != nil {
		chain := ""
		if msg != nil {
			chain = string(msg.Key)
		}
		p.metrics.IncError(chain, ingesterr.ProtocolDecode.String())
		return err
	}

	p.log.Debugw("processing block",
		"chain", b.Chain,
		"blockNumber", b.Number,
		"hash", b.Hash,
		"txCount", len(b.Transactions),
	)

	start := time.Now()
	res, err := p.write(ctx, b)
	elapsed := time.Since(start).Seconds()

	var reorg *ingesterr.ReorgConflictError
	switch {
	case errors.As(err, &reorg):
		p.metrics.RecordBlockWrite(b.Chain, metrics.WriteReorgConflict, 0, elapsed)
		p.metrics.IncError(b.Chain, ingesterr.ReorgConflict.String())
		return p.recordReorg(ctx, reorg)
	case err != nil:
		if ctx.Err() != nil {
			return err
		}
		p.metrics.RecordBlockWrite(b.Chain, metrics.WriteFailed, 0, elapsed)
		p.metrics.IncError(b.Chain, ingesterr.KindOf(err).String())
		return err
	}

	outcome := metrics.WriteInserted
	if res.Outcome == evmrepo.Duplicate {
		outcome = metrics.WriteDuplicate
	}
	p.metrics.RecordBlockWrite(b.Chain, outcome, res.TxInserted, elapsed)
	p.log.Debugw("block stored",
		"chain", b.Chain,
		"blockNumber", b.Number,
		"outcome", res.Outcome.String(),
		"txInserted", res.TxInserted,
	)
	return nil
}

func decode(msg *cKafka.Message) (*kafkamsg.Block, error) {
	if msg == nil || len(msg.Value) == 0 {
		return nil, ingesterr.New(ingesterr.ProtocolDecode, opProcess, "", errors.New("received nil message or empty value"))
	}
	key := string(msg.Key)

	env, err := kafkamsg.Open(msg.Value)
	if err != nil {
		return nil, ingesterr.New(ingesterr.ProtocolDecode, opProcess, key, fmt.Errorf("failed to open envelope: %w", err))
	}
	b, err := env.Block()
	if err != nil {
		return nil, ingesterr.New(ingesterr.ProtocolDecode, opProcess, key, err)
	}
	if err := b.Validate(); err != nil {
		return nil, ingesterr.New(ingesterr.ProtocolDecode, opProcess, b.Chain, err)
	}
	if key != "" && key != b.Chain {
		return nil, ingesterr.New(ingesterr.ProtocolDecode, opProcess, b.Chain,
			fmt.Errorf("message key %q does not match block chain", key))
	}
	return b, nil
}

// write retries transient storage failures. Anything else, including a reorg
// conflict, is returned after the first attempt.
func (p *EVMProcessor) write(ctx context.Context, b *kafkamsg.Block) (evmrepo.Result, error) {
	attempts := 0
	var last error
	operation := func() (evmrepo.Result, error) {
		attempts++
		res, err := p.writer.WriteBlock(ctx, b)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return res, backoff.Permanent(ctx.Err())
		}
		if !ingesterr.KindOf(err).Retriable() {
			return res, backoff.Permanent(err)
		}
		last = err
		return res, err
	}

	res, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(p.newBackOff()),
		backoff.WithMaxTries(p.retry.MaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.log.Warnw("retrying block write",
				"chain", b.Chain,
				"blockNumber", b.Number,
				"attempt", attempts,
				"backoff", next,
				"error", err,
			)
		}),
	)
	if err == nil {
		return res, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return evmrepo.Result{}, ctxErr
	}
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return res, permanent.Unwrap()
	}
	if last == nil {
		last = err
	}
	return evmrepo.Result{}, ingesterr.New(ingesterr.ConfigurationFatal, opProcess, b.Chain,
		fmt.Errorf("block %d: %w after %d attempts: %w", b.Number, ingesterr.ErrRetriesExhausted, attempts, last))
}

func (p *EVMProcessor) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.retry.InitialInterval
	bo.MaxInterval = p.retry.MaxInterval
	bo.Reset()
	return bo
}

// recordReorg flags the conflicting height. The stored rows stay as they are.
func (p *EVMProcessor) recordReorg(ctx context.Context, reorg *ingesterr.ReorgConflictError) error {
	p.log.Warnw("reorg conflict, stored block left untouched",
		"chain", reorg.Chain,
		"blockNumber", reorg.Number,
		"storedHash", reorg.StoredHash,
		"incomingHash", reorg.IncomingHash,
	)

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := p.writer.RecordReorgConflict(ctx, reorg)
		if err != nil && !ingesterr.KindOf(err).Retriable() {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(p.newBackOff()),
		backoff.WithMaxTries(p.retry.MaxAttempts),
	)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	return fmt.Errorf("record reorg conflict: %w", errors.Join(reorg, err))
}
