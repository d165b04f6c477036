package evmrepo

import (
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/ava-labs/evm-ingestor/pkg/ingesterr"
	"github.com/ava-labs/evm-ingestor/pkg/kafka/messages"
)

func testBlock(chain string, number uint64, hash string, txs int) *messages.Block {
	b := &messages.Block{
		Chain:           chain,
		Number:          number,
		Hash:            hash,
		ParentHash:      fmt.Sprintf("0xparent%d", number),
		Timestamp:       1_700_000_000 + number,
		Miner:           "0x0100000000000000000000000000000000000000",
		Difficulty:      big.NewInt(1),
		TotalDifficulty: big.NewInt(int64(number)),
		GasUsed:         21_000 * uint64(txs),
		GasLimit:        8_000_000,
		Size:            612,
		ReceiptsRoot:    "0xreceipts",
		TxCount:         txs,
	}
	for i := range txs {
		to := "0x00000000000000000000000000000000000000aa"
		b.Transactions = append(b.Transactions, &messages.Transaction{
			Hash:        fmt.Sprintf("%s-tx%d", hash, i),
			BlockNumber: number,
			BlockHash:   hash,
			Index:       uint64(i),
			From:        "0x00000000000000000000000000000000000000bb",
			To:          &to,
			Value:       big.NewInt(int64(i)),
			GasPrice:    big.NewInt(25_000_000_000),
			Gas:         21_000,
			Input:       "0x",
			Nonce:       uint64(i),
		})
	}
	return b
}

func TestInitialize(t *testing.T) {
	t.Parallel()

	db := newFakeDB()
	require.NoError(t, New(db).Initialize(t.Context()))
	require.Equal(t, []string{
		createBlocksQuery,
		createTransactionsQuery,
		createTransactionsIndexQuery,
		createReorgConflictsQuery,
	}, db.execs)
}

func TestWriteBlock_Inserts(t *testing.T) {
	t.Parallel()

	db := newFakeDB()
	repo := New(db)

	res, err := repo.WriteBlock(t.Context(), testBlock("fuji", 100, "0xaa", 3))
	require.NoError(t, err)
	require.Equal(t, Inserted, res.Outcome)
	require.Equal(t, int64(3), res.TxInserted)

	stored, exists, err := repo.Block(t.Context(), "fuji", 100)
	require.NoError(t, err)
	require.True(t, exists)
	require.Equal(t, StoredBlock{Number: 100, Hash: "0xaa", TxCount: 3, TxRows: 3}, stored)
}

func TestWriteBlock_ReplayIsNoOp(t *testing.T) {
	t.Parallel()

	db := newFakeDB()
	repo := New(db)
	b := testBlock("fuji", 100, "0xaa", 2)

	_, err := repo.WriteBlock(t.Context(), b)
	require.NoError(t, err)
	before := len(db.txs)

	res, err := repo.WriteBlock(t.Context(), b)
	require.NoError(t, err)
	require.Equal(t, Duplicate, res.Outcome)
	require.Zero(t, res.TxInserted)
	require.Len(t, db.blocks, 1)
	require.Len(t, db.txs, before)
}

func TestWriteBlock_ReorgConflict(t *testing.T) {
	t.Parallel()

	db := newFakeDB()
	repo := New(db)

	_, err := repo.WriteBlock(t.Context(), testBlock("fuji", 100, "0xaa", 2))
	require.NoError(t, err)

	res, err := repo.WriteBlock(t.Context(), testBlock("fuji", 100, "0xbb", 1))
	require.Equal(t, ReorgConflict, res.Outcome)

	var conflict *ingesterr.ReorgConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, &ingesterr.ReorgConflictError{
		Chain: "fuji", Number: 100, StoredHash: "0xaa", IncomingHash: "0xbb",
	}, conflict)
	require.True(t, ingesterr.Is(err, ingesterr.ReorgConflict))

	stored, _, err := repo.Block(t.Context(), "fuji", 100)
	require.NoError(t, err)
	require.Equal(t, "0xaa", stored.Hash)
	require.Equal(t, 2, stored.TxRows)
	require.Len(t, db.txs, 2)
}

func TestWriteBlock_SameHeightOnOtherChain(t *testing.T) {
	t.Parallel()

	db := newFakeDB()
	repo := New(db)

	_, err := repo.WriteBlock(t.Context(), testBlock("fuji", 100, "0xaa", 1))
	require.NoError(t, err)
	res, err := repo.WriteBlock(t.Context(), testBlock("mainnet", 100, "0xcc", 1))
	require.NoError(t, err)
	require.Equal(t, Inserted, res.Outcome)
	require.Len(t, db.blocks, 2)
}

func TestWriteBlock_ContractCreation(t *testing.T) {
	t.Parallel()

	db := newFakeDB()
	b := testBlock("fuji", 7, "0xaa", 1)
	b.Transactions[0].To = nil

	res, err := New(db).WriteBlock(t.Context(), b)
	require.NoError(t, err)
	require.Equal(t, int64(1), res.TxInserted)
}

func TestWriteBlock_FailuresRollBack(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		setup    func(db *fakeDB)
		wantKind ingesterr.Kind
	}{
		{
			name: "constraint violation",
			setup: func(db *fakeDB) {
				db.batchErr = &pgconn.PgError{Code: "23514", ConstraintName: "blocks_block_number_check"}
				db.batchErrAt = 1
			},
			wantKind: ingesterr.StorageConstraint,
		},
		{
			name: "connection lost",
			setup: func(db *fakeDB) {
				db.batchErr = errors.New("unexpected EOF")
				db.batchErrAt = 0
			},
			wantKind: ingesterr.TransientNetwork,
		},
		{
			name:     "commit failure",
			setup:    func(db *fakeDB) { db.commitErr = &pgconn.PgError{Code: "40001"} },
			wantKind: ingesterr.TransientNetwork,
		},
		{
			name:     "begin failure",
			setup:    func(db *fakeDB) { db.beginErr = errors.New("connection refused") },
			wantKind: ingesterr.TransientNetwork,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			db := newFakeDB()
			tt.setup(db)

			_, err := New(db).WriteBlock(t.Context(), testBlock("fuji", 100, "0xaa", 3))
			require.Error(t, err)
			require.Equal(t, tt.wantKind, ingesterr.KindOf(err))
			require.Empty(t, db.blocks, "nothing may be visible after a failed write")
			require.Empty(t, db.txs)
		})
	}
}

func TestRecordReorgConflict_Idempotent(t *testing.T) {
	t.Parallel()

	db := newFakeDB()
	repo := New(db)
	c := &ingesterr.ReorgConflictError{Chain: "fuji", Number: 100, StoredHash: "0xaa", IncomingHash: "0xbb"}

	require.NoError(t, repo.RecordReorgConflict(t.Context(), c))
	require.NoError(t, repo.RecordReorgConflict(t.Context(), c))
	require.Len(t, db.conflicts, 1)
}

func TestLatestBlock(t *testing.T) {
	t.Parallel()

	repo := New(newFakeDB())
	_, exists, err := repo.LatestBlock(t.Context(), "fuji")
	require.NoError(t, err)
	require.False(t, exists)

	for _, n := range []uint64{101, 100, 103} {
		_, err := repo.WriteBlock(t.Context(), testBlock("fuji", n, fmt.Sprintf("0x%d", n), 0))
		require.NoError(t, err)
	}
	last, exists, err := repo.LatestBlock(t.Context(), "fuji")
	require.NoError(t, err)
	require.True(t, exists)
	require.Equal(t, uint64(103), last)
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want ingesterr.Kind
	}{
		{name: "foreign key", err: &pgconn.PgError{Code: "23503"}, want: ingesterr.StorageConstraint},
		{name: "numeric overflow", err: &pgconn.PgError{Code: "22003"}, want: ingesterr.StorageConstraint},
		{name: "undefined table", err: &pgconn.PgError{Code: "42P01"}, want: ingesterr.ConfigurationFatal},
		{name: "admin shutdown", err: &pgconn.PgError{Code: "57P01"}, want: ingesterr.TransientNetwork},
		{name: "network", err: errors.New("read: connection reset by peer"), want: ingesterr.TransientNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, ingesterr.KindOf(classify("fuji", fmt.Errorf("wrapped: %w", tt.err))))
		})
	}
}
