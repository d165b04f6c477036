// Package cursorstore persists ingestion cursors in Postgres.
package cursorstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ava-labs/evm-ingestor/pkg/cursor"
)

//go:embed queries/create-table.sql
var createTableQuery string

//go:embed queries/write-cursor.sql
var writeCursorQuery string

//go:embed queries/read-cursor.sql
var readCursorQuery string

//go:embed queries/delete-cursor.sql
var deleteCursorQuery string

// DB is the subset of *pgxpool.Pool used by the store.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	db DB
}

var _ cursor.Store = (*Store)(nil)

func New(db DB) *Store {
	return &Store{db: db}
}

// Initialize creates the ingest_cursors table.
func (s *Store) Initialize(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, createTableQuery); err != nil {
		return fmt.Errorf("failed to create cursors table: %w", err)
	}
	return nil
}

// Write upserts the cursor. The stored value only grows.
func (s *Store) Write(ctx context.Context, chain string, last uint64) error {
	if last > math.MaxInt64 {
		return fmt.Errorf("cursor %d of %s does not fit BIGINT", last, chain)
	}
	if _, err := s.db.Exec(ctx, writeCursorQuery, chain, int64(last)); err != nil {
		return fmt.Errorf("failed to write cursor: %w", err)
	}
	return nil
}

func (s *Store) Read(ctx context.Context, chain string) (uint64, bool, error) {
	var last int64
	err := s.db.QueryRow(ctx, readCursorQuery, chain).Scan(&last)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to read cursor: %w", err)
	}
	return uint64(last), true, nil
}

func (s *Store) Delete(ctx context.Context, chain string) error {
	if _, err := s.db.Exec(ctx, deleteCursorQuery, chain); err != nil {
		return fmt.Errorf("failed to delete cursor: %w", err)
	}
	return nil
}
