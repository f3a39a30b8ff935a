package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/perps/pkg/fixed"
)

const sample = `
node:
  name: perpd-test
  log_level: debug
  admin: "0x0000000000000000000000000000000000000a11"
storage:
  backend: memdb
keeper:
  account: "0x0000000000000000000000000000000000000b22"
  interval: 500ms
roles:
  liquidators: ["0x0000000000000000000000000000000000000b33"]
oracle:
  prices:
    "0x0000000000000000000000000000000000000b7c": "57000"
settings:
  vusd: "0x00000000000000000000000000000000000005d0"
  fee_manager: "0x0000000000000000000000000000000000000fee"
  close_delta_time: 30m
  trigger_gas_fee: "1000000000000000"
  max_open_interest_long: "2500000.5"
tokens:
  - address: "0x0000000000000000000000000000000000000b7c"
    decimals: 8
    max_leverage: 5000000
    max_open_interest: "1000000"
    staking: true
genesis:
  - token: "0x00000000000000000000000000000000000005d0"
    account: "0x0000000000000000000000000000000000000c33"
    amount: "10000000000000000000000000000000000"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "perpd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "perpd-test", cfg.Node.Name)
	assert.Equal(t, "memdb", cfg.Storage.Backend)
	assert.Equal(t, "perps", cfg.Storage.Namespace, "defaults survive a partial file")
	assert.Equal(t, 500*time.Millisecond, cfg.Keeper.Interval)
	assert.Equal(t, 100, cfg.Keeper.MarketBatch)

	g, err := cfg.Global()
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0x05d0"), g.VUSD)
	assert.Equal(t, 30*time.Minute, g.CloseDeltaTime)
	assert.Equal(t, 8*time.Hour, g.FundingInterval)
	assert.Equal(t, "1000000000000000", g.TriggerGasFee.String())
	want, err := fixed.ParseUSD("2500000.5")
	require.NoError(t, err)
	assert.Equal(t, 0, g.MaxOpenInterestLong.Cmp(want))
	assert.Nil(t, g.MaxOpenInterestShort)

	tok, err := cfg.Tokens[0].TokenConfig()
	require.NoError(t, err)
	assert.Equal(t, uint64(5000000), tok.MaxLeverage)
	assert.Equal(t, uint64(80), tok.MarginFeeLong, "unset fields keep the listing default")
	assert.True(t, tok.IsStaking)
	assert.True(t, tok.IsUnstaking)
	assert.Equal(t, 0, tok.MaxOpenInterestPerAsset.Cmp(fixed.USD(1000000)))

	alloc, err := cfg.GenesisBalances()
	require.NoError(t, err)
	require.Len(t, alloc, 1)
	assert.Equal(t, 0, alloc[0].Amount.Cmp(fixed.USD(10000)))
	assert.Equal(t, []common.Address{common.HexToAddress("0xb33")}, Addresses(cfg.Roles.Liquidators))
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PERPD_LOG_LEVEL", "warn")
	t.Setenv("PERPD_KEEPER_INTERVAL", "2s")
	t.Setenv("PERPD_KEEPER_MARKET_BATCH", "not-a-number")
	t.Setenv("PERPD_LIQUIDATORS", " 0x0000000000000000000000000000000000000b44 , ")

	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Node.LogLevel)
	assert.Equal(t, 2*time.Second, cfg.Keeper.Interval)
	assert.Equal(t, 100, cfg.Keeper.MarketBatch, "malformed values are ignored")
	assert.Equal(t, []string{"0x0000000000000000000000000000000000000b44"}, cfg.Roles.Liquidators)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"LogLevel", func(c *Config) { c.Node.LogLevel = "loud" }, "log_level"},
		{"Admin", func(c *Config) { c.Node.Admin = "nobody" }, "admin"},
		{"Backend", func(c *Config) { c.Storage.Backend = "leveldb" }, "unknown backend"},
		{"KeeperAccount", func(c *Config) { c.Keeper.Account = "" }, "keeper"},
		{"VUSD", func(c *Config) { c.Settings.VUSD = "" }, "vusd"},
		{"Bounty", func(c *Config) { c.Settings.Bounty.Team = 90000 }, "bounty"},
		{"NoTokens", func(c *Config) { c.Tokens = nil }, "at least one token"},
		{"DuplicateToken", func(c *Config) { c.Tokens = append(c.Tokens, c.Tokens[0]) }, "listed twice"},
		{"Leverage", func(c *Config) { c.Tokens[0].MaxLeverage = 10 }, "maxLeverage"},
		{"Cap", func(c *Config) { c.Tokens[0].MaxOpenInterest = "-5" }, "max_open_interest"},
		{"Price", func(c *Config) { c.Oracle.Prices["0xb7c"] = "0" }, "price"},
		{"Genesis", func(c *Config) { c.Genesis[0].Amount = "1.5" }, "genesis"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, sample))
			require.NoError(t, err)
			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
