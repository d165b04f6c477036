package evmrepo

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type blockKey struct {
	chain  string
	number uint64
}

type blockRow struct {
	hash    string
	txCount int
}

type txKey struct {
	chain string
	hash  string
}

// fakeDB emulates the constraints of the schema in memory. Writes made in a
// transaction become visible only on commit.
type fakeDB struct {
	mu        sync.Mutex
	blocks    map[blockKey]blockRow
	txs       map[txKey]uint64
	conflicts map[string]struct{}
	execs     []string

	beginErr  error
	commitErr error
	// batchErr fails the transaction insert at this position.
	batchErr   error
	batchErrAt int
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		blocks:     make(map[blockKey]blockRow),
		txs:        make(map[txKey]uint64),
		conflicts:  make(map[string]struct{}),
		batchErrAt: -1,
	}
}

func (db *fakeDB) Begin(context.Context) (pgx.Tx, error) {
	if db.beginErr != nil {
		return nil, db.beginErr
	}
	return &fakeTx{db: db, blocks: make(map[blockKey]blockRow), txs: make(map[txKey]uint64)}, nil
}

func (db *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.execs = append(db.execs, sql)
	if sql == insertReorgConflictQuery {
		key := fmt.Sprintf("%v/%v/%v", args[0], args[1], args[3])
		if _, ok := db.conflicts[key]; ok {
			return pgconn.NewCommandTag("INSERT 0 0"), nil
		}
		db.conflicts[key] = struct{}{}
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	}
	return pgconn.NewCommandTag("CREATE TABLE"), nil
}

func (db *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	db.mu.Lock()
	defer db.mu.Unlock()
	switch sql {
	case selectBlockQuery:
		k := blockKey{args[0].(string), args[1].(uint64)}
		row, ok := db.blocks[k]
		if !ok {
			return fakeRow{err: pgx.ErrNoRows}
		}
		var rows int64
		for tk, n := range db.txs {
			if tk.chain == k.chain && n == k.number {
				rows++
			}
		}
		return fakeRow{vals: []any{k.number, row.hash, row.txCount, rows}}
	case selectLatestBlockQuery:
		var last *int64
		for k := range db.blocks {
			if k.chain == args[0].(string) && (last == nil || int64(k.number) > *last) {
				n := int64(k.number)
				last = &n
			}
		}
		return fakeRow{vals: []any{last}}
	}
	return fakeRow{err: fmt.Errorf("unexpected query %q", sql)}
}

type fakeTx struct {
	pgx.Tx
	db     *fakeDB
	blocks map[blockKey]blockRow
	txs    map[txKey]uint64
	done   bool

	committed  bool
	rolledBack bool
}

func (tx *fakeTx) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	tx.db.mu.Lock()
	defer tx.db.mu.Unlock()
	k := blockKey{args[0].(string), args[1].(uint64)}
	switch sql {
	case insertBlockQuery:
		if _, ok := tx.lookupBlock(k); ok {
			return fakeRow{err: pgx.ErrNoRows}
		}
		tx.blocks[k] = blockRow{hash: args[2].(string), txCount: args[13].(int)}
		return fakeRow{vals: []any{int64(len(tx.db.blocks) + len(tx.blocks))}}
	case selectBlockHashQuery:
		row, ok := tx.lookupBlock(k)
		if !ok {
			return fakeRow{err: pgx.ErrNoRows}
		}
		return fakeRow{vals: []any{row.hash}}
	}
	return fakeRow{err: fmt.Errorf("unexpected query %q", sql)}
}

func (tx *fakeTx) lookupBlock(k blockKey) (blockRow, bool) {
	if row, ok := tx.blocks[k]; ok {
		return row, true
	}
	row, ok := tx.db.blocks[k]
	return row, ok
}

func (tx *fakeTx) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	return &fakeBatch{tx: tx, queued: b.QueuedQueries}
}

func (tx *fakeTx) Commit(context.Context) error {
	if tx.done {
		return pgx.ErrTxClosed
	}
	tx.done = true
	if tx.db.commitErr != nil {
		return tx.db.commitErr
	}
	tx.db.mu.Lock()
	defer tx.db.mu.Unlock()
	for k, v := range tx.blocks {
		tx.db.blocks[k] = v
	}
	for k, v := range tx.txs {
		tx.db.txs[k] = v
	}
	tx.committed = true
	return nil
}

func (tx *fakeTx) Rollback(context.Context) error {
	if tx.done {
		return pgx.ErrTxClosed
	}
	tx.done = true
	tx.rolledBack = true
	return nil
}

type fakeBatch struct {
	pgx.BatchResults
	tx     *fakeTx
	queued []*pgx.QueuedQuery
	pos    int
}

func (b *fakeBatch) Exec() (pgconn.CommandTag, error) {
	if b.pos >= len(b.queued) {
		return pgconn.CommandTag{}, errors.New("no more results in batch")
	}
	q := b.queued[b.pos]
	b.pos++
	if b.tx.db.batchErr != nil && b.tx.db.batchErrAt == b.pos-1 {
		return pgconn.CommandTag{}, b.tx.db.batchErr
	}

	b.tx.db.mu.Lock()
	defer b.tx.db.mu.Unlock()
	chain, number, hash := q.Arguments[0].(string), q.Arguments[1].(uint64), q.Arguments[2].(string)
	if _, ok := b.tx.lookupBlock(blockKey{chain, number}); !ok {
		return pgconn.CommandTag{}, &pgconn.PgError{Code: "23503", ConstraintName: "transactions_block_fkey"}
	}
	k := txKey{chain, hash}
	if _, ok := b.tx.txs[k]; ok {
		return pgconn.NewCommandTag("INSERT 0 0"), nil
	}
	if _, ok := b.tx.db.txs[k]; ok {
		return pgconn.NewCommandTag("INSERT 0 0"), nil
	}
	b.tx.txs[k] = number
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (b *fakeBatch) Close() error {
	return nil
}

type fakeRow struct {
	vals []any
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.vals) {
		return fmt.Errorf("scan: %d destinations for %d values", len(dest), len(r.vals))
	}
	for i, v := range r.vals {
		dv := reflect.ValueOf(dest[i]).Elem()
		if v == nil {
			dv.Set(reflect.Zero(dv.Type()))
			continue
		}
		dv.Set(reflect.ValueOf(v))
	}
	return nil
}
