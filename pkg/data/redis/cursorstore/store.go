// Package cursorstore persists ingestion cursors in Redis, one string key
// per chain.
package cursorstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/ava-labs/evm-ingestor/pkg/cursor"
)

// advanceScript sets KEYS[1] to ARGV[1] unless the stored value is already
// greater or equal. Lua numbers are doubles, block heights stay well below
// 2^53.
var advanceScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur and tonumber(cur) >= tonumber(ARGV[1]) then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1])
return 1
`)

// Client is the subset of *redis.Client used by the store.
type Client interface {
	redis.Scripter
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

type Store struct {
	client Client
	prefix string
}

var _ cursor.Store = (*Store)(nil)

func New(client Client, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

func (s *Store) key(chain string) string {
	if s.prefix == "" {
		return "cursor:" + chain
	}
	return s.prefix + ":cursor:" + chain
}

// Initialize checks connectivity; there is no schema.
func (s *Store) Initialize(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	return nil
}

func (s *Store) Write(ctx context.Context, chain string, last uint64) error {
	err := advanceScript.Run(ctx, s.client, []string{s.key(chain)}, strconv.FormatUint(last, 10)).Err()
	if err != nil {
		return fmt.Errorf("failed to write cursor: %w", err)
	}
	return nil
}

func (s *Store) Read(ctx context.Context, chain string) (uint64, bool, error) {
	raw, err := s.client.Get(ctx, s.key(chain)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to read cursor: %w", err)
	}
	last, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt cursor %q for %s: %w", raw, chain, err)
	}
	return last, true, nil
}

func (s *Store) Delete(ctx context.Context, chain string) error {
	if err := s.client.Del(ctx, s.key(chain)).Err(); err != nil {
		return fmt.Errorf("failed to delete cursor: %w", err)
	}
	return nil
}
