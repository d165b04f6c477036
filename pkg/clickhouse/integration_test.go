//go:build integration
// +build integration

package clickhouse

import (
	"errors"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// loadTestEnv loads .env.test next to this file when present.
func loadTestEnv(t *testing.T) Config {
	t.Helper()
	_, currentFile, _, ok := runtime.Caller(0)
	if ok {
		_ = godotenv.Load(filepath.Join(filepath.Dir(currentFile), ".env.test"))
	}
	cfg, err := LoadConfig()
	require.NoError(t, err)
	cfg.DialTimeout = 5
	return cfg
}

func TestIntegration_ConnectPingClose(t *testing.T) {
	cfg := loadTestEnv(t)

	c, err := New(t.Context(), cfg, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err, "ClickHouse must be reachable at %v", cfg.Hosts)
	require.NoError(t, c.Ping(t.Context()))
	require.NoError(t, c.Close())
}

func TestIntegration_BadCredentials(t *testing.T) {
	cfg := loadTestEnv(t)
	cfg.Username = "invaliduser"
	cfg.Password = "invalidpass"

	c, err := New(t.Context(), cfg, zaptest.NewLogger(t).Sugar())
	require.Error(t, err)
	assert.Nil(t, c)

	var exception *clickhouse.Exception
	require.True(t, errors.As(err, &exception), "got %T", err)
	assert.NotZero(t, exception.Code)
}
