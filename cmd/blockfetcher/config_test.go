package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/ava-labs/evm-ingestor/pkg/config"
)

func parseRunFlags(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	var (
		cfg      *Config
		buildErr error
	)
	app := &cli.App{
		Name:  "blockfetcher",
		Flags: runFlags(),
		Action: func(c *cli.Context) error {
			cfg, buildErr = buildConfig(c)
			return nil
		},
	}
	require.NoError(t, app.Run(append([]string{"blockfetcher"}, args...)))
	return cfg, buildErr
}

func TestBuildConfig_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := parseRunFlags(t)
	require.NoError(t, err)

	assert.Equal(t, config.DefaultChainsFile, cfg.ChainsConfig)
	assert.Equal(t, storePostgres, cfg.CursorStore)
	assert.Equal(t, uint64(100), cfg.Ingest.BatchSize)
	assert.Equal(t, uint64(1), cfg.Ingest.Lag, "backfill stops one block behind the head")
	assert.Equal(t, 5, cfg.Ingest.MaxConsecutiveFailures)
	assert.Equal(t, 30*time.Second, cfg.Ingest.ShutdownGrace)
	assert.Equal(t, "evm-blocks", cfg.KafkaTopic)
	assert.Equal(t, "all", cfg.Producer.Acks)
	assert.True(t, cfg.Producer.EnableIdempotence)
	assert.False(t, cfg.KafkaAllowPartitionIncrease)
	assert.Equal(t, ":9090", cfg.MetricsAddr())
	assert.Equal(t, 15*time.Second, cfg.EVM.CallTimeout)
}

func TestBuildConfig_Overrides(t *testing.T) {
	t.Parallel()

	cfg, err := parseRunFlags(t,
		"--chains-config", "/etc/ingestor/chains.toml",
		"--chain", "ethereum",
		"--chain", "arbitrum",
		"--cursor-store", "redis",
		"--batch-size", "25",
		"--lag", "3",
		"--rpc-fetch-concurrency", "4",
		"--rpc-requests-per-second", "12.5",
		"--kafka-topic", "blocks",
		"--kafka-sasl-username", "user",
		"--kafka-sasl-password", "secret",
		"--metrics-host", "127.0.0.1",
		"--metrics-port", "9100",
		"--dry-run",
	)
	require.NoError(t, err)

	assert.Equal(t, "/etc/ingestor/chains.toml", cfg.ChainsConfig)
	assert.Equal(t, []string{"ethereum", "arbitrum"}, cfg.OnlyChains)
	assert.Equal(t, storeRedis, cfg.CursorStore)
	assert.Equal(t, uint64(25), cfg.Ingest.BatchSize)
	assert.Equal(t, uint64(3), cfg.Ingest.Lag)
	assert.Equal(t, 4, cfg.EVM.FetchConcurrency)
	assert.InDelta(t, 12.5, cfg.EVM.RequestsPerSecond, 0)
	assert.Equal(t, "blocks", cfg.KafkaTopic)
	assert.True(t, cfg.Producer.SASL.Enabled())
	assert.True(t, cfg.DryRun)
	assert.Equal(t, "127.0.0.1:9100", cfg.MetricsAddr())

	cm := cfg.Producer.ConfigMap()
	v, err := cm.Get("sasl.username", nil)
	require.NoError(t, err)
	assert.Equal(t, "user", v)
}

func TestBuildConfig_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"unknown cursor store", []string{"--cursor-store", "s3"}, "unknown cursor store"},
		{"zero batch size", []string{"--batch-size", "0"}, "batch size"},
		{"zero fetch concurrency", []string{"--rpc-fetch-concurrency", "0"}, "fetch concurrency"},
		{"empty topic", []string{"--kafka-topic", ""}, "kafka topic"},
		{"no brokers", []string{"--kafka-brokers", ""}, "kafka brokers"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := parseRunFlags(t, tt.args...)
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func testChains() []config.Blockchain {
	start := uint64(100)
	return []config.Blockchain{
		{Name: "arbitrum", AdapterType: "EVM"},
		{Name: "ethereum", AdapterType: "EVM", StartBlock: &start, Topic: "eth-blocks"},
		{Name: "optimism", AdapterType: "EVM"},
	}
}

func TestSelectChains(t *testing.T) {
	t.Parallel()

	chains := testChains()

	all, err := selectChains(chains, nil, nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	some, err := selectChains(chains, nil, []string{"optimism", "ethereum", "optimism"})
	require.NoError(t, err)
	require.Len(t, some, 2)
	assert.Equal(t, "optimism", some[0].Name)
	assert.Equal(t, "ethereum", some[1].Name)

	_, err = selectChains(chains, nil, []string{"ethereum", "polygon", "base"})
	require.ErrorContains(t, err, `chain "polygon" is not configured`)
	require.ErrorContains(t, err, `chain "base" is not configured`)

	// A chain that is configured but broken is reported elsewhere.
	failed := []*config.ChainError{{Chain: "polygon", Err: config.ErrMissingEnvVar}}
	some, err = selectChains(chains, failed, []string{"ethereum", "polygon"})
	require.NoError(t, err)
	require.Len(t, some, 1)
	assert.Equal(t, "ethereum", some[0].Name)
}

func TestLoadChains_SeparatesBrokenChains(t *testing.T) {
	dir := t.TempDir()
	chainsFile := filepath.Join(dir, "blockchains.toml")
	require.NoError(t, os.WriteFile(chainsFile, []byte(`
[blockchains.good]
adapter_type = "EVM"
http_url     = "LOADCHAINS_GOOD_HTTP"
ws_url       = "LOADCHAINS_GOOD_WS"

[blockchains.bad]
adapter_type = "EVM"
http_url     = "LOADCHAINS_BAD_HTTP"
ws_url       = "LOADCHAINS_BAD_WS"
`), 0o600))
	t.Setenv("LOADCHAINS_GOOD_HTTP", "https://good")
	t.Setenv("LOADCHAINS_GOOD_WS", "wss://good")
	envFile := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(envFile, nil, 0o600))

	chains, failed, err := loadChains(chainsFile, envFile, nil)
	require.NoError(t, err)
	require.Len(t, chains, 1)
	assert.Equal(t, "good", chains[0].Name)
	require.Len(t, failed, 1)
	assert.Equal(t, "bad", failed[0].Chain)
	assert.ErrorIs(t, failed[0], config.ErrMissingEnvVar)

	// Selecting only the good chain drops the broken one.
	chains, failed, err = loadChains(chainsFile, envFile, []string{"good"})
	require.NoError(t, err)
	assert.Len(t, chains, 1)
	assert.Empty(t, failed)

	_, _, err = loadChains(filepath.Join(dir, "missing.toml"), envFile, nil)
	require.ErrorContains(t, err, "failed to load chains config")
}

func TestTopicConfigs(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		KafkaTopic:                  "evm-blocks",
		KafkaTopicNumPartitions:     6,
		KafkaTopicReplicationFactor: 3,
	}
	chains := testChains()

	topics := cfg.Topics(chains)
	assert.Equal(t, "eth-blocks", topics.For("ethereum"))
	assert.Equal(t, "evm-blocks", topics.For("arbitrum"))

	got := cfg.TopicConfigs(chains)
	require.Len(t, got, 3)
	for _, tc := range got {
		assert.Equal(t, 6, tc.NumPartitions)
		assert.Equal(t, 3, tc.ReplicationFactor)
		assert.False(t, tc.AllowPartitionIncrease)
	}
	assert.ElementsMatch(t, []string{"evm-blocks", "eth-blocks", "evm-blocks"},
		[]string{got[0].Name, got[1].Name, got[2].Name})
}

func TestPrintStatus(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, printStatus(&buf, []chainStatus{
		{Chain: "ethereum", Head: "105", Cursor: "100", Lag: "5"},
		{Chain: "arbitrum", Head: "error: dial tcp: connection refused", Cursor: "-", Lag: "-"},
	}))

	out := buf.String()
	assert.Contains(t, out, "CHAIN")
	assert.Regexp(t, `ethereum\s+105\s+100\s+5`, out)
	assert.Contains(t, out, "connection refused")
}

func TestValidateStore(t *testing.T) {
	t.Parallel()

	for _, name := range []string{storePostgres, storeClickHouse, storeRedis, storeMemory} {
		assert.NoError(t, validateStore(name), name)
	}
	assert.Error(t, validateStore("dynamodb"))
}
