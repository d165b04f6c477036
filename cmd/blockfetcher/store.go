package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ava-labs/evm-ingestor/pkg/clickhouse"
	"github.com/ava-labs/evm-ingestor/pkg/cursor"
	"github.com/ava-labs/evm-ingestor/pkg/postgres"
	"github.com/ava-labs/evm-ingestor/pkg/redis"

	chcursor "github.com/ava-labs/evm-ingestor/pkg/data/clickhouse/cursorstore"
	pgcursor "github.com/ava-labs/evm-ingestor/pkg/data/postgres/cursorstore"
	rediscursor "github.com/ava-labs/evm-ingestor/pkg/data/redis/cursorstore"
)

const (
	storePostgres   = "postgres"
	storeClickHouse = "clickhouse"
	storeRedis      = "redis"
	storeMemory     = "memory"
)

func validateStore(name string) error {
	switch name {
	case storePostgres, storeClickHouse, storeRedis, storeMemory:
		return nil
	default:
		return fmt.Errorf("unknown cursor store %q (supported: %s, %s, %s, %s)",
			name, storePostgres, storeClickHouse, storeRedis, storeMemory)
	}
}

// cursorStore is an initialized store plus the readiness check and cleanup
// of its connection.
type cursorStore struct {
	cursor.Store
	ping  func(ctx context.Context) error
	close func()
}

// openCursorStore connects the named backend with the settings from its
// environment variables and creates its schema.
func openCursorStore(ctx context.Context, name, tableName string, log *zap.SugaredLogger) (*cursorStore, error) {
	var s *cursorStore
	switch name {
	case storePostgres:
		pgCfg, err := postgres.LoadConfig()
		if err != nil {
			return nil, err
		}
		pool, err := postgres.New(ctx, pgCfg, log)
		if err != nil {
			return nil, err
		}
		s = &cursorStore{Store: pgcursor.New(pool), ping: pool.Ping, close: pool.Close}

	case storeClickHouse:
		chCfg, err := clickhouse.LoadConfig()
		if err != nil {
			return nil, err
		}
		client, err := clickhouse.New(ctx, chCfg, log)
		if err != nil {
			return nil, err
		}
		s = &cursorStore{
			Store: chcursor.New(client, chCfg.Cluster, chCfg.Database, tableName),
			ping:  client.Ping,
			close: func() {
				if err := client.Close(); err != nil {
					log.Warnw("failed to close clickhouse client", "error", err)
				}
			},
		}

	case storeRedis:
		redisCfg, err := redis.LoadConfig()
		if err != nil {
			return nil, err
		}
		client, err := redis.New(ctx, redisCfg)
		if err != nil {
			return nil, err
		}
		s = &cursorStore{
			Store: rediscursor.New(client, redisCfg.KeyPrefix),
			ping:  func(ctx context.Context) error { return client.Ping(ctx).Err() },
			close: func() {
				if err := client.Close(); err != nil {
					log.Warnw("failed to close redis client", "error", err)
				}
			},
		}

	case storeMemory:
		log.Warn("cursors are kept in memory and lost on exit")
		s = &cursorStore{
			Store: cursor.NewMemoryStore(),
			ping:  func(context.Context) error { return nil },
			close: func() {},
		}

	default:
		return nil, validateStore(name)
	}

	if err := s.Initialize(ctx); err != nil {
		s.close()
		return nil, fmt.Errorf("failed to initialize %s cursor store: %w", name, err)
	}
	log.Infow("cursor store ready", "backend", name)
	return s, nil
}
