package settings

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/perps/pkg/access"
	"github.com/luxfi/perps/pkg/fixed"
)

var (
	admin   = common.HexToAddress("0xa11")
	mallory = common.HexToAddress("0xe55")
	btc     = common.HexToAddress("0xb7c")
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	level, _ := log.ToLevel("error")
	logger := log.NewTestLogger(level)

	r := NewRegistry(DefaultGlobal(), access.NewRegistry(admin, logger), logger)
	require.NoError(t, r.AddToken(admin, DefaultTokenConfig(btc, 18)))
	return r
}

func TestSetLiquidateThreshold(t *testing.T) {
	r := newTestRegistry(t)

	t.Run("AboveMax", func(t *testing.T) {
		err := r.SetLiquidateThreshold(admin, btc, 1200000)
		require.ErrorIs(t, err, ErrAboveMax)
		assert.Contains(t, err.Error(), "above max")

		cfg, err := r.Token(btc)
		require.NoError(t, err)
		assert.Equal(t, uint64(99000), cfg.LiquidateThreshold)
	})

	t.Run("AtMax", func(t *testing.T) {
		require.NoError(t, r.SetLiquidateThreshold(admin, btc, MaxLiquidateThreshold))
		cfg, _ := r.Token(btc)
		assert.Equal(t, uint64(MaxLiquidateThreshold), cfg.LiquidateThreshold)
	})

	t.Run("BelowMax", func(t *testing.T) {
		require.NoError(t, r.SetLiquidateThreshold(admin, btc, 80000))
		cfg, _ := r.Token(btc)
		assert.Equal(t, uint64(80000), cfg.LiquidateThreshold)
	})

	t.Run("UnknownToken", func(t *testing.T) {
		err := r.SetLiquidateThreshold(admin, common.HexToAddress("0xdead"), 1000)
		assert.ErrorIs(t, err, ErrUnknownToken)
	})
}

func TestMutatorsRequireSettingsAdmin(t *testing.T) {
	r := newTestRegistry(t)

	assert.ErrorIs(t, r.SetMarginFee(mallory, btc, true, 10), access.ErrNotAllowed)
	assert.ErrorIs(t, r.SetReferFee(mallory, 10), access.ErrNotAllowed)
	assert.ErrorIs(t, r.AddToken(mallory, DefaultTokenConfig(common.HexToAddress("0xe7"), 18)), access.ErrNotAllowed)

	cfg, _ := r.Token(btc)
	assert.Equal(t, uint64(80), cfg.MarginFeeLong)
}

func TestBounds(t *testing.T) {
	r := newTestRegistry(t)

	tests := []struct {
		name string
		set  func() error
		want error
	}{
		{"MarginFee", func() error { return r.SetMarginFee(admin, btc, false, MaxFeeBasisPoints+1) }, ErrAboveMax},
		{"FundingRateFactor", func() error { return r.SetFundingRateFactor(admin, btc, true, MaxFundingRateFactor+1) }, ErrAboveMax},
		{"DepositFee", func() error { return r.SetDepositFee(admin, btc, MaxDepositFee+1) }, ErrAboveMax},
		{"StakingFee", func() error { return r.SetStakingFee(admin, btc, MaxStakingFee+1) }, ErrAboveMax},
		{"LeverageBelowOne", func() error { return r.SetMaxLeverage(admin, btc, MinLeverage-1) }, ErrBelowMin},
		{"LeverageTooHigh", func() error { return r.SetMaxLeverage(admin, btc, MaxLeverageLimit+1) }, ErrAboveMax},
		{"FeeRewardLow", func() error { return r.SetFeeRewardBasisPoints(admin, MinFeeRewardBasisPoints-1) }, ErrBelowMin},
		{"FundingIntervalShort", func() error { return r.SetFundingInterval(admin, time.Minute) }, ErrBelowMin},
		{"Cooldown", func() error { return r.SetCooldownDuration(admin, MaxCooldownDuration+time.Second) }, ErrAboveMax},
		{"TriggerGasFee", func() error {
			return r.SetTriggerGasFee(admin, new(big.Int).Add(MaxTriggerGasFee, big.NewInt(1)))
		}, ErrAboveMax},
		{"NegativeCap", func() error { return r.SetMaxOpenInterestPerSide(admin, true, big.NewInt(-1)) }, ErrInvalidParameters},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.set(), tt.want)
		})
	}
}

func TestBountyPercent(t *testing.T) {
	r := newTestRegistry(t)

	err := r.SetBountyPercent(admin, BountyPercent{Team: 50000, FirstCaller: 30000, Resolver: 20001})
	assert.ErrorIs(t, err, ErrBountyAboveMax)

	full := BountyPercent{Team: 50000, FirstCaller: 30000, Resolver: 20000}
	require.NoError(t, r.SetBountyPercent(admin, full))
	assert.Equal(t, full, r.Global().Bounty)
}

func TestObserverAndUserCap(t *testing.T) {
	r := newTestRegistry(t)
	alice := common.HexToAddress("0xc33")

	var keys []string
	r.SetObserver(func(key string, caller common.Address, value interface{}) {
		assert.Equal(t, admin, caller)
		keys = append(keys, key)
	})

	assert.Nil(t, r.MaxOpenInterestPerUser(alice))

	require.NoError(t, r.SetDefaultMaxOpenInterestPerUser(admin, fixed.USD(1000)))
	assert.Equal(t, 0, r.MaxOpenInterestPerUser(alice).Cmp(fixed.USD(1000)))

	require.NoError(t, r.SetMaxOpenInterestPerUser(admin, alice, fixed.USD(50)))
	assert.Equal(t, 0, r.MaxOpenInterestPerUser(alice).Cmp(fixed.USD(50)))

	require.NoError(t, r.SetMaxOpenInterestPerUser(admin, alice, nil))
	assert.Equal(t, 0, r.MaxOpenInterestPerUser(alice).Cmp(fixed.USD(1000)))

	assert.Equal(t, []string{
		"defaultMaxOpenInterestPerUser",
		"maxOpenInterestPerUser:" + alice.Hex(),
		"maxOpenInterestPerUser:" + alice.Hex(),
	}, keys)
}

func TestSnapshotRestore(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.SetTokenFlags(admin, btc, TokenFlags{Deposit: true, Staking: true}))
	require.NoError(t, r.SetMaxOpenInterestPerAsset(admin, btc, fixed.USD(1000000)))

	snap := r.Snapshot()

	level, _ := log.ToLevel("error")
	restored := NewRegistry(Global{}, access.NewRegistry(admin, log.NewTestLogger(level)), log.NewTestLogger(level))
	restored.Restore(snap)

	cfg, err := restored.Token(btc)
	require.NoError(t, err)
	assert.True(t, cfg.IsDeposit)
	assert.True(t, cfg.IsStaking)
	assert.False(t, cfg.IsWithdraw)
	assert.Equal(t, 0, cfg.MaxOpenInterestPerAsset.Cmp(fixed.USD(1000000)))
	assert.Equal(t, r.Global().Bounty, restored.Global().Bounty)

	// Snapshot values are copies.
	snapCfg := snap.Tokens[btc]
	snapCfg.MaxOpenInterestPerAsset.SetInt64(1)
	cfg, _ = restored.Token(btc)
	assert.Equal(t, 0, cfg.MaxOpenInterestPerAsset.Cmp(fixed.USD(1000000)))
}

func TestValidateGlobal(t *testing.T) {
	g := DefaultGlobal()
	require.NoError(t, ValidateGlobal(&g))

	g.ReferFee = MaxReferFee + 1
	assert.ErrorIs(t, ValidateGlobal(&g), ErrAboveMax)
}
