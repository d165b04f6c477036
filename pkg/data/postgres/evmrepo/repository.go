// Package evmrepo writes EVM blocks and their transactions to Postgres.
//
// Writes are idempotent: a replayed block is a no-op and a block whose
// height is already stored under another hash is reported as a
// *ingesterr.ReorgConflictError without touching the stored rows.
package evmrepo

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ava-labs/evm-ingestor/pkg/ingesterr"
	"github.com/ava-labs/evm-ingestor/pkg/kafka/messages"
)

var (
	//go:embed queries/create-blocks.sql
	createBlocksQuery string
	//go:embed queries/create-transactions.sql
	createTransactionsQuery string
	//go:embed queries/create-transactions-index.sql
	createTransactionsIndexQuery string
	//go:embed queries/create-reorg-conflicts.sql
	createReorgConflictsQuery string

	//go:embed queries/insert-block.sql
	insertBlockQuery string
	//go:embed queries/select-block-hash.sql
	selectBlockHashQuery string
	//go:embed queries/insert-transaction.sql
	insertTransactionQuery string
	//go:embed queries/insert-reorg-conflict.sql
	insertReorgConflictQuery string
	//go:embed queries/select-block.sql
	selectBlockQuery string
	//go:embed queries/select-latest-block.sql
	selectLatestBlockQuery string

	//go:embed queries/delete-chain-transactions.sql
	deleteChainTransactionsQuery string
	//go:embed queries/delete-chain-blocks.sql
	deleteChainBlocksQuery string
	//go:embed queries/delete-chain-reorg-conflicts.sql
	deleteChainReorgConflictsQuery string
)

const opWrite = "write_block"

// Outcome is the effect a WriteBlock call had on storage.
type Outcome int

const (
	Inserted Outcome = iota
	Duplicate
	ReorgConflict
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Duplicate:
		return "duplicate"
	case ReorgConflict:
		return "reorg_conflict"
	default:
		return "unknown"
	}
}

// Result describes a completed WriteBlock.
type Result struct {
	Outcome Outcome
	// TxInserted counts transaction rows that did not exist before.
	TxInserted int64
}

// StoredBlock is a summary of a persisted block.
type StoredBlock struct {
	Number  uint64
	Hash    string
	TxCount int
	// TxRows is the number of transaction rows referencing the block.
	TxRows int
}

// DB is the subset of *pgxpool.Pool used by the repository.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Writer is the storage side of the consumer.
type Writer interface {
	WriteBlock(ctx context.Context, b *messages.Block) (Result, error)
	RecordReorgConflict(ctx context.Context, conflict *ingesterr.ReorgConflictError) error
}

type Repository struct {
	db DB
}

var _ Writer = (*Repository)(nil)

func New(db DB) *Repository {
	return &Repository{db: db}
}

// Initialize creates the blocks, transactions and reorg_conflicts tables.
func (r *Repository) Initialize(ctx context.Context) error {
	for _, q := range []string{
		createBlocksQuery,
		createTransactionsQuery,
		createTransactionsIndexQuery,
		createReorgConflictsQuery,
	} {
		if _, err := r.db.Exec(ctx, q); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// WriteBlock stores b and its transactions in one database transaction.
// The block row is written first so every transaction row finds its parent.
func (r *Repository) WriteBlock(ctx context.Context, b *messages.Block) (res Result, err error) {
	txs := b.Transactions
	if txs == nil {
		txs = []*messages.Transaction{}
	}
	txsJSON, err := json.Marshal(txs)
	if err != nil {
		return Result{}, ingesterr.New(ingesterr.ProtocolDecode, opWrite, b.Chain, err)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return Result{}, classify(b.Chain, fmt.Errorf("begin: %w", err))
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	var id int64
	err = tx.QueryRow(ctx, insertBlockQuery,
		b.Chain, b.Number, b.Hash, b.ParentHash, b.Timestamp, b.Miner,
		numeric(b.Difficulty), numeric(b.TotalDifficulty),
		b.GasUsed, b.GasLimit, b.Size, b.ReceiptsRoot, txsJSON, b.TxCount,
	).Scan(&id)
	switch {
	case err == nil:
		res.Outcome = Inserted
	case errors.Is(err, pgx.ErrNoRows):
		var stored string
		if err = tx.QueryRow(ctx, selectBlockHashQuery, b.Chain, b.Number).Scan(&stored); err != nil {
			return Result{}, classify(b.Chain, fmt.Errorf("read stored hash of block %d: %w", b.Number, err))
		}
		if stored != b.Hash {
			err = &ingesterr.ReorgConflictError{
				Chain:        b.Chain,
				Number:       b.Number,
				StoredHash:   stored,
				IncomingHash: b.Hash,
			}
			return Result{Outcome: ReorgConflict}, err
		}
		res.Outcome = Duplicate
	default:
		return Result{}, classify(b.Chain, fmt.Errorf("insert block %d: %w", b.Number, err))
	}

	if len(b.Transactions) > 0 {
		if res.TxInserted, err = insertTransactions(ctx, tx, b); err != nil {
			return Result{}, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return Result{}, classify(b.Chain, fmt.Errorf("commit block %d: %w", b.Number, err))
	}
	return res, nil
}

func insertTransactions(ctx context.Context, tx pgx.Tx, b *messages.Block) (int64, error) {
	batch := &pgx.Batch{}
	for _, t := range b.Transactions {
		batch.Queue(insertTransactionQuery,
			b.Chain, b.Number, t.Hash, t.Index, t.From, t.To,
			numericOrZero(t.Value), numeric(t.GasPrice), t.Gas, t.Input, t.Nonce,
		)
	}

	br := tx.SendBatch(ctx, batch)
	var inserted int64
	for _, t := range b.Transactions {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return 0, classify(b.Chain, fmt.Errorf("insert transaction %s of block %d: %w", t.Hash, b.Number, err))
		}
		inserted += tag.RowsAffected()
	}
	if err := br.Close(); err != nil {
		return 0, classify(b.Chain, fmt.Errorf("insert transactions of block %d: %w", b.Number, err))
	}
	return inserted, nil
}

// RecordReorgConflict keeps the conflicting heights for operator follow-up.
// Recording the same conflict twice is a no-op.
func (r *Repository) RecordReorgConflict(ctx context.Context, c *ingesterr.ReorgConflictError) error {
	_, err := r.db.Exec(ctx, insertReorgConflictQuery, c.Chain, c.Number, c.StoredHash, c.IncomingHash)
	if err != nil {
		return classify(c.Chain, fmt.Errorf("record reorg conflict at %d: %w", c.Number, err))
	}
	return nil
}

// Block returns the stored summary of one block. exists is false when the
// height is not stored.
func (r *Repository) Block(ctx context.Context, chain string, number uint64) (StoredBlock, bool, error) {
	var sb StoredBlock
	var txRows int64
	err := r.db.QueryRow(ctx, selectBlockQuery, chain, number).Scan(&sb.Number, &sb.Hash, &sb.TxCount, &txRows)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return StoredBlock{}, false, nil
		}
		return StoredBlock{}, false, fmt.Errorf("read block %d: %w", number, err)
	}
	sb.TxRows = int(txRows)
	return sb, true, nil
}

// LatestBlock returns the highest stored height of chain.
func (r *Repository) LatestBlock(ctx context.Context, chain string) (uint64, bool, error) {
	var last *int64
	if err := r.db.QueryRow(ctx, selectLatestBlockQuery, chain).Scan(&last); err != nil {
		return 0, false, fmt.Errorf("read latest block: %w", err)
	}
	if last == nil {
		return 0, false, nil
	}
	return uint64(*last), true, nil
}

// DeleteChain removes every stored row of chain and returns the number of
// deleted blocks. Transactions go first to satisfy the foreign key.
func (r *Repository) DeleteChain(ctx context.Context, chain string) (deleted int64, err error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, classify(chain, fmt.Errorf("begin: %w", err))
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	if _, err = tx.Exec(ctx, deleteChainTransactionsQuery, chain); err != nil {
		return 0, classify(chain, fmt.Errorf("delete transactions: %w", err))
	}
	if _, err = tx.Exec(ctx, deleteChainReorgConflictsQuery, chain); err != nil {
		return 0, classify(chain, fmt.Errorf("delete reorg conflicts: %w", err))
	}
	tag, err := tx.Exec(ctx, deleteChainBlocksQuery, chain)
	if err != nil {
		return 0, classify(chain, fmt.Errorf("delete blocks: %w", err))
	}
	if err = tx.Commit(ctx); err != nil {
		return 0, classify(chain, fmt.Errorf("commit: %w", err))
	}
	return tag.RowsAffected(), nil
}

func numeric(v *big.Int) any {
	if v == nil {
		return nil
	}
	return v.String()
}

func numericOrZero(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
