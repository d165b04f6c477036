package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, uint64(1), cfg.Lag, "backfill stops one block behind the head")
	assert.Equal(t, uint64(100), cfg.BatchSize)
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"zero batch size", func(c *Config) { c.BatchSize = 0 }, "batch size"},
		{"no failures allowed", func(c *Config) { c.MaxConsecutiveFailures = 0 }, "max consecutive failures"},
		{"max retry below initial", func(c *Config) { c.MaxRetryInterval = c.RetryInterval - time.Millisecond }, "retry intervals"},
		{"negative watchdog interval", func(c *Config) { c.LagCheckInterval = -time.Second }, "lag check interval"},
		{"no shutdown grace", func(c *Config) { c.ShutdownGrace = 0 }, "shutdown grace"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			require.ErrorContains(t, cfg.Validate(), tt.wantErr)
		})
	}
}
