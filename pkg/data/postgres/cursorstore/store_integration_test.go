//go:build integration

package cursorstore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ava-labs/evm-ingestor/pkg/postgres/testutils"
)

func TestIntegration_Store(t *testing.T) {
	s := New(testutils.StartPostgres(t))
	ctx := t.Context()

	require.NoError(t, s.Initialize(ctx))
	require.NoError(t, s.Initialize(ctx), "Initialize must be idempotent")

	_, exists, err := s.Read(ctx, "fuji")
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, s.Write(ctx, "fuji", 100))
	require.NoError(t, s.Write(ctx, "fuji", 104))
	require.NoError(t, s.Write(ctx, "fuji", 99))
	require.NoError(t, s.Write(ctx, "mainnet", 7))

	last, exists, err := s.Read(ctx, "fuji")
	require.NoError(t, err)
	require.True(t, exists)
	require.Equal(t, uint64(104), last)

	require.NoError(t, s.Delete(ctx, "fuji"))
	_, exists, err = s.Read(ctx, "fuji")
	require.NoError(t, err)
	require.False(t, exists)

	last, _, err = s.Read(ctx, "mainnet")
	require.NoError(t, err)
	require.Equal(t, uint64(7), last)
}
