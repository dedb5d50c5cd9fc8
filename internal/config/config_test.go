package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Len(t, cfg.Collateral, 2)
	assert.Equal(t, time.Hour, cfg.Oracle.MaxAge.Duration)
}

func TestLoad_FileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cdpledger.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level = "debug"

[server]
grpc_addr = ":19090"
rate_limit = 50.0

[oracle]
source = "redis"
max_age = "90s"

[core]
persist_flush_timeout = "25ms"

[[collateral]]
name = "Wrapped Ether"
symbol = "WETH"
asset = "0x00000000000000000000000000000000000000a1"
token_decimals = 18
feed = "0x00000000000000000000000000000000000000b1"
feed_decimals = 8
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ":19090", cfg.Server.GRPCAddr)
	assert.Equal(t, ":8080", cfg.Server.HTTPAddr, "untouched keys keep defaults")
	assert.Equal(t, 50.0, cfg.Server.RateLimit)
	assert.Equal(t, "redis", cfg.Oracle.Source)
	assert.Equal(t, 90*time.Second, cfg.Oracle.MaxAge.Duration)
	assert.Equal(t, 25*time.Millisecond, cfg.Core.PersistFlushTimeout.Duration)
	require.Len(t, cfg.Collateral, 1)
	assert.Equal(t, common.HexToAddress("0xa1"), cfg.Collateral[0].AssetAddress())
	assert.Equal(t, common.HexToAddress("0xb1"), cfg.Collateral[0].FeedAddress())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CDP_POSTGRES_DSN", "postgres://override")
	t.Setenv("CDP_NATS_ENABLED", "false")
	t.Setenv("CDP_ORACLE_MAX_AGE", "5m")
	t.Setenv("CDP_SNAPSHOT_INTERVAL", "500")
	t.Setenv("CDP_PERSIST_BATCH_SIZE", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "postgres://override", cfg.Postgres.DSN)
	assert.False(t, cfg.NATS.Enabled)
	assert.Equal(t, 5*time.Minute, cfg.Oracle.MaxAge.Duration)
	assert.Equal(t, int64(500), cfg.Core.SnapshotInterval)
	assert.Equal(t, 100, cfg.Core.PersistBatchSize, "unparsable values are ignored")
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.LogLevel = "loud"
	cfg.Oracle.Source = "chainlink"
	cfg.Hub.Address = "hub"
	cfg.Collateral = append(cfg.Collateral, cfg.Collateral[0])
	cfg.Collateral[1].InitialAnswer = "-1"
	cfg.Core.PersistBatchSize = 0

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		`unknown log_level "loud"`,
		`unknown source "chainlink"`,
		`invalid address "hub"`,
		"duplicate asset",
		"duplicate feed",
		"persist_batch_size",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidate_MemoryFeedsNeedAnswers(t *testing.T) {
	cfg := Defaults()
	cfg.Collateral[0].InitialAnswer = ""
	assert.ErrorContains(t, cfg.Validate(), "initial_answer")

	cfg.Oracle.Source = "redis"
	assert.NoError(t, cfg.Validate(), "redis feeds are seeded externally")
}

func TestCollateralAnswer(t *testing.T) {
	v, err := Defaults().Collateral[0].Answer()
	require.NoError(t, err)
	assert.Equal(t, "200000000000", v.String())
}
