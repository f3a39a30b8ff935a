// Package settings is the registry of risk parameters consulted by every
// engine operation. All mutators are restricted to settings admins, bounded
// by protocol limits and audit-logged.
package settings

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/log"

	"github.com/luxfi/perps/pkg/access"
	"github.com/luxfi/perps/pkg/fixed"
)

// Protocol limits. Basis points use fixed.BasisPointsDivisor.
const (
	MaxFeeBasisPoints       = 5000  // margin fee, 5%
	MaxDepositFee           = 10000 // deposit/withdraw fee, 10%
	MaxStakingFee           = 10000 // stake/unstake fee, 10%
	MaxReferFee             = 50000 // share of a fee paid to the referrer
	MinFeeRewardBasisPoints = 50000
	MaxFeeRewardBasisPoints = 100000
	MaxFundingRateFactor    = 10000
	MaxLiquidateThreshold   = 100000
	MinLeverage             = fixed.BasisPointsDivisor       // 1x
	MaxLeverageLimit        = 100 * fixed.BasisPointsDivisor // 100x

	MinFundingInterval        = time.Hour
	MaxFundingInterval        = 48 * time.Hour
	MaxCooldownDuration       = 48 * time.Hour
	MaxDeltaTime              = 24 * time.Hour
	MaxLiquidationPendingTime = 24 * time.Hour
)

// MaxTriggerGasFee caps the native fee charged for trigger orders (1e17 wei).
var MaxTriggerGasFee = fixed.Pow10(17)

var (
	ErrAboveMax          = errors.New("above max")
	ErrBelowMin          = errors.New("below min")
	ErrUnknownToken      = errors.New("token not configured")
	ErrBountyAboveMax    = errors.New("bounty percents above 100%")
	ErrInvalidParameters = errors.New("invalid parameters")
)

// Side selects the long or short book of a per-side parameter.
type Side bool

const (
	Short Side = false
	Long  Side = true
)

func (s Side) String() string {
	if s == Long {
		return "long"
	}
	return "short"
}

// BountyPercent is the three-way split of a liquidation fee.
type BountyPercent struct {
	Team        uint64 `json:"team"`
	FirstCaller uint64 `json:"firstCaller"`
	Resolver    uint64 `json:"resolver"`
}

// Sum returns the total split in basis points.
func (b BountyPercent) Sum() uint64 {
	return b.Team + b.FirstCaller + b.Resolver
}

// TokenConfig is the per-token snapshot of risk parameters.
type TokenConfig struct {
	Token    common.Address `json:"token"`
	Decimals uint8          `json:"decimals"`

	MaxLeverage        uint64 `json:"maxLeverage"` // basis points, 100000 = 1x
	LiquidateThreshold uint64 `json:"liquidateThreshold"`

	MarginFeeLong  uint64 `json:"marginFeeLong"`
	MarginFeeShort uint64 `json:"marginFeeShort"`

	FundingRateFactorLong  uint64 `json:"fundingRateFactorLong"`
	FundingRateFactorShort uint64 `json:"fundingRateFactorShort"`

	DepositFee   uint64 `json:"depositFee"`
	WithdrawFee  uint64 `json:"withdrawFee"`
	StakingFee   uint64 `json:"stakingFee"`
	UnstakingFee uint64 `json:"unstakingFee"`

	// Open interest caps in 1e30 USD. Nil or zero means uncapped.
	MaxOpenInterestPerAsset *big.Int `json:"maxOpenInterestPerAsset"`
	MaxOpenInterestLong     *big.Int `json:"maxOpenInterestLong"`
	MaxOpenInterestShort    *big.Int `json:"maxOpenInterestShort"`

	IsDeposit                    bool `json:"isDeposit"`
	IsWithdraw                   bool `json:"isWithdraw"`
	IsStaking                    bool `json:"isStaking"`
	IsUnstaking                  bool `json:"isUnstaking"`
	IsIncreasingPositionDisabled bool `json:"isIncreasingPositionDisabled"`
}

// MarginFee returns the side's margin fee.
func (c *TokenConfig) MarginFee(isLong bool) uint64 {
	if isLong {
		return c.MarginFeeLong
	}
	return c.MarginFeeShort
}

// FundingRateFactor returns the side's funding factor.
func (c *TokenConfig) FundingRateFactor(isLong bool) uint64 {
	if isLong {
		return c.FundingRateFactorLong
	}
	return c.FundingRateFactorShort
}

// MaxOpenInterestSide returns the per-asset-per-side cap.
func (c *TokenConfig) MaxOpenInterestSide(isLong bool) *big.Int {
	if isLong {
		return c.MaxOpenInterestLong
	}
	return c.MaxOpenInterestShort
}

func (c TokenConfig) clone() TokenConfig {
	c.MaxOpenInterestPerAsset = cloneCap(c.MaxOpenInterestPerAsset)
	c.MaxOpenInterestLong = cloneCap(c.MaxOpenInterestLong)
	c.MaxOpenInterestShort = cloneCap(c.MaxOpenInterestShort)
	return c
}

// DefaultTokenConfig returns conservative defaults for a newly listed token.
func DefaultTokenConfig(token common.Address, decimals uint8) TokenConfig {
	return TokenConfig{
		Token:                  token,
		Decimals:               decimals,
		MaxLeverage:            30 * fixed.BasisPointsDivisor,
		LiquidateThreshold:     99000,
		MarginFeeLong:          80,
		MarginFeeShort:         80,
		FundingRateFactorLong:  100,
		FundingRateFactorShort: 100,
		DepositFee:             300,
		WithdrawFee:            300,
		StakingFee:             300,
		UnstakingFee:           300,
	}
}

// Global holds the parameters that are not per token.
type Global struct {
	Vault      common.Address `json:"vault"`
	FeeManager common.Address `json:"feeManager"`
	Team       common.Address `json:"team"`

	VUSD        common.Address `json:"vusd"`
	NativeToken common.Address `json:"nativeToken"`

	ReferFee             uint64 `json:"referFee"`
	FeeRewardBasisPoints uint64 `json:"feeRewardBasisPoints"`

	FundingInterval        time.Duration `json:"fundingInterval"`
	CooldownDuration       time.Duration `json:"cooldownDuration"`
	CloseDeltaTime         time.Duration `json:"closeDeltaTime"`
	DelayDeltaTime         time.Duration `json:"delayDeltaTime"`
	LiquidationPendingTime time.Duration `json:"liquidationPendingTime"`

	Bounty        BountyPercent `json:"bounty"`
	TriggerGasFee *big.Int      `json:"triggerGasFee"`

	MaxOpenInterestLong           *big.Int `json:"maxOpenInterestLong"`
	MaxOpenInterestShort          *big.Int `json:"maxOpenInterestShort"`
	DefaultMaxOpenInterestPerUser *big.Int `json:"defaultMaxOpenInterestPerUser"`
}

// MaxOpenInterestSide returns the global per-side cap.
func (g *Global) MaxOpenInterestSide(isLong bool) *big.Int {
	if isLong {
		return g.MaxOpenInterestLong
	}
	return g.MaxOpenInterestShort
}

func (g Global) clone() Global {
	g.TriggerGasFee = fixed.Copy(g.TriggerGasFee)
	g.MaxOpenInterestLong = cloneCap(g.MaxOpenInterestLong)
	g.MaxOpenInterestShort = cloneCap(g.MaxOpenInterestShort)
	g.DefaultMaxOpenInterestPerUser = cloneCap(g.DefaultMaxOpenInterestPerUser)
	return g
}

// DefaultGlobal returns the default global parameters.
func DefaultGlobal() Global {
	return Global{
		ReferFee:               5000,
		FeeRewardBasisPoints:   70000,
		FundingInterval:        8 * time.Hour,
		CooldownDuration:       3 * time.Hour,
		CloseDeltaTime:         time.Hour,
		LiquidationPendingTime: 10 * time.Second,
		Bounty:                 BountyPercent{Team: 20000, FirstCaller: 8000, Resolver: 72000},
		TriggerGasFee:          new(big.Int),
	}
}

// Snapshot is the serializable form of the registry.
type Snapshot struct {
	Global  Global                         `json:"global"`
	Tokens  map[common.Address]TokenConfig `json:"tokens"`
	UserCap map[common.Address]*big.Int    `json:"userCap"`
}

// Observer is notified after every successful mutation.
type Observer func(key string, caller common.Address, value interface{})

// Registry owns all risk parameters.
type Registry struct {
	global  Global
	tokens  map[common.Address]*TokenConfig
	userCap map[common.Address]*big.Int

	access   access.Checker
	logger   log.Logger
	observer Observer
	mu       sync.RWMutex
}

// NewRegistry creates a registry with the given global parameters.
func NewRegistry(global Global, checker access.Checker, logger log.Logger) *Registry {
	return &Registry{
		global:  global.clone(),
		tokens:  make(map[common.Address]*TokenConfig),
		userCap: make(map[common.Address]*big.Int),
		access:  checker,
		logger:  logger,
	}
}

// SetObserver installs a mutation observer, typically the event sink.
func (r *Registry) SetObserver(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = o
}

// Global returns a copy of the global parameters.
func (r *Registry) Global() Global {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.global.clone()
}

// Token returns a copy of a token's configuration.
func (r *Registry) Token(token common.Address) (TokenConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, ok := r.tokens[token]
	if !ok {
		return TokenConfig{}, fmt.Errorf("%w: %s", ErrUnknownToken, token.Hex())
	}
	return cfg.clone(), nil
}

// TokenDecimals implements the decimals lookup used by the price manager.
func (r *Registry) TokenDecimals(token common.Address) (uint8, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, ok := r.tokens[token]
	if !ok {
		return 0, false
	}
	return cfg.Decimals, true
}

// Tokens lists configured tokens.
func (r *Registry) Tokens() []common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]common.Address, 0, len(r.tokens))
	for t := range r.tokens {
		out = append(out, t)
	}
	return out
}

// MaxOpenInterestPerUser returns the cap for account, falling back to the default.
func (r *Registry) MaxOpenInterestPerUser(account common.Address) *big.Int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if c, ok := r.userCap[account]; ok {
		return new(big.Int).Set(c)
	}
	return cloneCap(r.global.DefaultMaxOpenInterestPerUser)
}

// Snapshot returns the full registry state.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := Snapshot{
		Global:  r.global.clone(),
		Tokens:  make(map[common.Address]TokenConfig, len(r.tokens)),
		UserCap: make(map[common.Address]*big.Int, len(r.userCap)),
	}
	for t, c := range r.tokens {
		snap.Tokens[t] = c.clone()
	}
	for a, c := range r.userCap {
		snap.UserCap[a] = new(big.Int).Set(c)
	}
	return snap
}

// Restore replaces the registry state with a snapshot, bypassing access checks.
// It is used when reloading persisted state at start-up.
func (r *Registry) Restore(snap Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.global = snap.Global.clone()
	r.tokens = make(map[common.Address]*TokenConfig, len(snap.Tokens))
	for t, c := range snap.Tokens {
		cfg := c.clone()
		r.tokens[t] = &cfg
	}
	r.userCap = make(map[common.Address]*big.Int, len(snap.UserCap))
	for a, c := range snap.UserCap {
		r.userCap[a] = new(big.Int).Set(c)
	}
}

func cloneCap(x *big.Int) *big.Int {
	if x == nil {
		return nil
	}
	return new(big.Int).Set(x)
}
