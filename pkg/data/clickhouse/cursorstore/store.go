// Package cursorstore persists ingestion cursors in ClickHouse.
//
// Each write appends a row; ReplacingMergeTree keyed on last_block keeps the
// highest position per chain after merges and reads pick the maximum, so a
// stale write never moves a cursor back.
package cursorstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	"github.com/ava-labs/evm-ingestor/pkg/clickhouse"
	"github.com/ava-labs/evm-ingestor/pkg/cursor"
)

const DefaultTableName = "ingest_cursors"

//go:embed queries/create-table.sql
var createTableQuery string

//go:embed queries/write-cursor.sql
var writeCursorQuery string

//go:embed queries/read-cursor.sql
var readCursorQuery string

//go:embed queries/delete-cursor.sql
var deleteCursorQuery string

type Store struct {
	client    clickhouse.Client
	cluster   string
	database  string
	tableName string
}

var _ cursor.Store = (*Store)(nil)

// New returns a store for database.tableName. With a non-empty cluster the
// DDL runs ON CLUSTER against a replicated engine.
func New(client clickhouse.Client, cluster, database, tableName string) *Store {
	if tableName == "" {
		tableName = DefaultTableName
	}
	return &Store{client: client, cluster: cluster, database: database, tableName: tableName}
}

func (s *Store) onCluster() string {
	if s.cluster == "" {
		return ""
	}
	return fmt.Sprintf(" ON CLUSTER %s", s.cluster)
}

func (s *Store) engine() string {
	if s.cluster == "" {
		return "ReplacingMergeTree"
	}
	return "ReplicatedReplacingMergeTree"
}

func (s *Store) Initialize(ctx context.Context) error {
	query := fmt.Sprintf(createTableQuery, s.database, s.tableName, s.onCluster(), s.engine())
	if err := s.client.Conn().Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create cursors table: %w", err)
	}
	return nil
}

func (s *Store) Write(ctx context.Context, chain string, last uint64) error {
	query := fmt.Sprintf(writeCursorQuery, s.database, s.tableName)
	if err := s.client.Conn().Exec(ctx, query, chain, last); err != nil {
		return fmt.Errorf("failed to write cursor: %w", err)
	}
	return nil
}

func (s *Store) Read(ctx context.Context, chain string) (uint64, bool, error) {
	var last uint64
	query := fmt.Sprintf(readCursorQuery, s.database, s.tableName)
	if err := s.client.Conn().QueryRow(ctx, query, chain).Scan(&last); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to read cursor: %w", err)
	}
	return last, true, nil
}

// Delete removes every row of chain and returns once all replicas applied
// the mutation.
func (s *Store) Delete(ctx context.Context, chain string) error {
	query := fmt.Sprintf(deleteCursorQuery, s.database, s.tableName, s.onCluster())
	if err := s.client.Conn().Exec(ctx, query, chain); err != nil {
		return fmt.Errorf("failed to delete cursor: %w", err)
	}
	return nil
}
