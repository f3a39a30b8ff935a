package settings

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/luxfi/perps/pkg/access"
	"github.com/luxfi/perps/pkg/fixed"
)

// update runs apply under the write lock after the privilege check, then
// audit-logs the change and notifies the observer.
func (r *Registry) update(caller common.Address, key string, value interface{}, apply func() error) error {
	if !r.access.IsAuthorized(caller, access.LevelSettingsAdmin) {
		return fmt.Errorf("%w: %s requires %s", access.ErrNotAllowed, key, access.LevelSettingsAdmin)
	}

	r.mu.Lock()
	err := apply()
	observer := r.observer
	r.mu.Unlock()
	if err != nil {
		return err
	}

	r.logger.Info("setting updated", "key", key, "caller", caller, "value", value)
	if observer != nil {
		observer(key, caller, value)
	}
	return nil
}

// updateToken is update for a per-token parameter.
func (r *Registry) updateToken(caller, token common.Address, key string, value interface{}, apply func(*TokenConfig) error) error {
	return r.update(caller, key+":"+token.Hex(), value, func() error {
		cfg, ok := r.tokens[token]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownToken, token.Hex())
		}
		return apply(cfg)
	})
}

func checkMax(name string, v, max uint64) error {
	if v > max {
		return fmt.Errorf("%w: %s %d > %d", ErrAboveMax, name, v, max)
	}
	return nil
}

func checkRange(name string, v, min, max uint64) error {
	if v < min {
		return fmt.Errorf("%w: %s %d < %d", ErrBelowMin, name, v, min)
	}
	return checkMax(name, v, max)
}

func checkDuration(name string, d, min, max time.Duration) error {
	if d < min {
		return fmt.Errorf("%w: %s %s < %s", ErrBelowMin, name, d, min)
	}
	if d > max {
		return fmt.Errorf("%w: %s %s > %s", ErrAboveMax, name, d, max)
	}
	return nil
}

func checkCap(name string, c *big.Int) error {
	if c != nil && c.Sign() < 0 {
		return fmt.Errorf("%w: negative %s", ErrInvalidParameters, name)
	}
	return nil
}

// ValidateToken checks every bounded field of a token configuration.
func ValidateToken(cfg *TokenConfig) error {
	if cfg.Token == (common.Address{}) {
		return fmt.Errorf("%w: zero token address", ErrInvalidParameters)
	}
	checks := []error{
		checkRange("maxLeverage", cfg.MaxLeverage, MinLeverage, MaxLeverageLimit),
		checkMax("liquidateThreshold", cfg.LiquidateThreshold, MaxLiquidateThreshold),
		checkMax("marginFeeLong", cfg.MarginFeeLong, MaxFeeBasisPoints),
		checkMax("marginFeeShort", cfg.MarginFeeShort, MaxFeeBasisPoints),
		checkMax("fundingRateFactorLong", cfg.FundingRateFactorLong, MaxFundingRateFactor),
		checkMax("fundingRateFactorShort", cfg.FundingRateFactorShort, MaxFundingRateFactor),
		checkMax("depositFee", cfg.DepositFee, MaxDepositFee),
		checkMax("withdrawFee", cfg.WithdrawFee, MaxDepositFee),
		checkMax("stakingFee", cfg.StakingFee, MaxStakingFee),
		checkMax("unstakingFee", cfg.UnstakingFee, MaxStakingFee),
		checkCap("maxOpenInterestPerAsset", cfg.MaxOpenInterestPerAsset),
		checkCap("maxOpenInterestLong", cfg.MaxOpenInterestLong),
		checkCap("maxOpenInterestShort", cfg.MaxOpenInterestShort),
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}
	return nil
}

// ValidateGlobal checks every bounded global parameter.
func ValidateGlobal(g *Global) error {
	checks := []error{
		checkMax("referFee", g.ReferFee, MaxReferFee),
		checkRange("feeRewardBasisPoints", g.FeeRewardBasisPoints, MinFeeRewardBasisPoints, MaxFeeRewardBasisPoints),
		checkDuration("fundingInterval", g.FundingInterval, MinFundingInterval, MaxFundingInterval),
		checkDuration("cooldownDuration", g.CooldownDuration, 0, MaxCooldownDuration),
		checkDuration("closeDeltaTime", g.CloseDeltaTime, 0, MaxDeltaTime),
		checkDuration("delayDeltaTime", g.DelayDeltaTime, 0, MaxDeltaTime),
		checkDuration("liquidationPendingTime", g.LiquidationPendingTime, 0, MaxLiquidationPendingTime),
		checkBounty(g.Bounty),
		checkCap("maxOpenInterestLong", g.MaxOpenInterestLong),
		checkCap("maxOpenInterestShort", g.MaxOpenInterestShort),
		checkCap("defaultMaxOpenInterestPerUser", g.DefaultMaxOpenInterestPerUser),
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}
	if g.TriggerGasFee != nil && (g.TriggerGasFee.Sign() < 0 || g.TriggerGasFee.Cmp(MaxTriggerGasFee) > 0) {
		return fmt.Errorf("%w: triggerGasFee %s", ErrAboveMax, g.TriggerGasFee)
	}
	return nil
}

func checkBounty(b BountyPercent) error {
	if b.Sum() > fixed.BasisPointsDivisor {
		return fmt.Errorf("%w: %d", ErrBountyAboveMax, b.Sum())
	}
	return nil
}

// AddToken lists a new token or replaces the configuration of a listed one.
func (r *Registry) AddToken(caller common.Address, cfg TokenConfig) error {
	if err := ValidateToken(&cfg); err != nil {
		return err
	}
	return r.update(caller, "token:"+cfg.Token.Hex(), cfg.Decimals, func() error {
		c := cfg.clone()
		r.tokens[cfg.Token] = &c
		return nil
	})
}

// SetMaxLeverage sets the maximum size/collateral ratio of token in basis points.
func (r *Registry) SetMaxLeverage(caller, token common.Address, leverage uint64) error {
	if err := checkRange("maxLeverage", leverage, MinLeverage, MaxLeverageLimit); err != nil {
		return err
	}
	return r.updateToken(caller, token, "maxLeverage", leverage, func(c *TokenConfig) error {
		c.MaxLeverage = leverage
		return nil
	})
}

// SetLiquidateThreshold sets the loss ratio, in basis points of collateral,
// at which a position becomes liquidatable.
func (r *Registry) SetLiquidateThreshold(caller, token common.Address, threshold uint64) error {
	if err := checkMax("liquidateThreshold", threshold, MaxLiquidateThreshold); err != nil {
		return err
	}
	return r.updateToken(caller, token, "liquidateThreshold", threshold, func(c *TokenConfig) error {
		c.LiquidateThreshold = threshold
		return nil
	})
}

// SetMarginFee sets the trading fee of one side of token.
func (r *Registry) SetMarginFee(caller, token common.Address, isLong bool, fee uint64) error {
	if err := checkMax("marginFee", fee, MaxFeeBasisPoints); err != nil {
		return err
	}
	return r.updateToken(caller, token, "marginFee:"+Side(isLong).String(), fee, func(c *TokenConfig) error {
		if isLong {
			c.MarginFeeLong = fee
		} else {
			c.MarginFeeShort = fee
		}
		return nil
	})
}

// SetFundingRateFactor sets the per-interval funding factor of one side of token.
func (r *Registry) SetFundingRateFactor(caller, token common.Address, isLong bool, factor uint64) error {
	if err := checkMax("fundingRateFactor", factor, MaxFundingRateFactor); err != nil {
		return err
	}
	return r.updateToken(caller, token, "fundingRateFactor:"+Side(isLong).String(), factor, func(c *TokenConfig) error {
		if isLong {
			c.FundingRateFactorLong = factor
		} else {
			c.FundingRateFactorShort = factor
		}
		return nil
	})
}

// SetDepositFee sets the fee charged when token is converted into VUSD.
func (r *Registry) SetDepositFee(caller, token common.Address, fee uint64) error {
	if err := checkMax("depositFee", fee, MaxDepositFee); err != nil {
		return err
	}
	return r.updateToken(caller, token, "depositFee", fee, func(c *TokenConfig) error {
		c.DepositFee = fee
		return nil
	})
}

// SetWithdrawFee sets the fee charged when VUSD is redeemed for token.
func (r *Registry) SetWithdrawFee(caller, token common.Address, fee uint64) error {
	if err := checkMax("withdrawFee", fee, MaxDepositFee); err != nil {
		return err
	}
	return r.updateToken(caller, token, "withdrawFee", fee, func(c *TokenConfig) error {
		c.WithdrawFee = fee
		return nil
	})
}

// SetStakingFee sets the fee charged on stake.
func (r *Registry) SetStakingFee(caller, token common.Address, fee uint64) error {
	if err := checkMax("stakingFee", fee, MaxStakingFee); err != nil {
		return err
	}
	return r.updateToken(caller, token, "stakingFee", fee, func(c *TokenConfig) error {
		c.StakingFee = fee
		return nil
	})
}

// SetUnstakingFee sets the fee charged on unstake.
func (r *Registry) SetUnstakingFee(caller, token common.Address, fee uint64) error {
	if err := checkMax("unstakingFee", fee, MaxStakingFee); err != nil {
		return err
	}
	return r.updateToken(caller, token, "unstakingFee", fee, func(c *TokenConfig) error {
		c.UnstakingFee = fee
		return nil
	})
}

// TokenFlags toggles the pool and trading surfaces of a token.
type TokenFlags struct {
	Deposit          bool `json:"deposit"`
	Withdraw         bool `json:"withdraw"`
	Staking          bool `json:"staking"`
	Unstaking        bool `json:"unstaking"`
	IncreaseDisabled bool `json:"increaseDisabled"`
}

// SetTokenFlags replaces the enabled flags of token.
func (r *Registry) SetTokenFlags(caller, token common.Address, flags TokenFlags) error {
	return r.updateToken(caller, token, "flags", flags, func(c *TokenConfig) error {
		c.IsDeposit = flags.Deposit
		c.IsWithdraw = flags.Withdraw
		c.IsStaking = flags.Staking
		c.IsUnstaking = flags.Unstaking
		c.IsIncreasingPositionDisabled = flags.IncreaseDisabled
		return nil
	})
}

// SetMaxOpenInterestPerAsset caps the total open interest of token. Zero removes the cap.
func (r *Registry) SetMaxOpenInterestPerAsset(caller, token common.Address, limit *big.Int) error {
	if err := checkCap("maxOpenInterestPerAsset", limit); err != nil {
		return err
	}
	return r.updateToken(caller, token, "maxOpenInterestPerAsset", fixed.FormatUSD(limit), func(c *TokenConfig) error {
		c.MaxOpenInterestPerAsset = cloneCap(limit)
		return nil
	})
}

// SetMaxOpenInterestPerAssetPerSide caps one side of token.
func (r *Registry) SetMaxOpenInterestPerAssetPerSide(caller, token common.Address, isLong bool, limit *big.Int) error {
	if err := checkCap("maxOpenInterestPerAssetPerSide", limit); err != nil {
		return err
	}
	key := "maxOpenInterestPerAssetPerSide:" + Side(isLong).String()
	return r.updateToken(caller, token, key, fixed.FormatUSD(limit), func(c *TokenConfig) error {
		if isLong {
			c.MaxOpenInterestLong = cloneCap(limit)
		} else {
			c.MaxOpenInterestShort = cloneCap(limit)
		}
		return nil
	})
}

// SetMaxOpenInterestPerSide caps one side across all tokens.
func (r *Registry) SetMaxOpenInterestPerSide(caller common.Address, isLong bool, limit *big.Int) error {
	if err := checkCap("maxOpenInterestPerSide", limit); err != nil {
		return err
	}
	return r.update(caller, "maxOpenInterestPerSide:"+Side(isLong).String(), fixed.FormatUSD(limit), func() error {
		if isLong {
			r.global.MaxOpenInterestLong = cloneCap(limit)
		} else {
			r.global.MaxOpenInterestShort = cloneCap(limit)
		}
		return nil
	})
}

// SetMaxOpenInterestPerUser overrides the per-user cap of account.
// A nil limit restores the default.
func (r *Registry) SetMaxOpenInterestPerUser(caller, account common.Address, limit *big.Int) error {
	if err := checkCap("maxOpenInterestPerUser", limit); err != nil {
		return err
	}
	return r.update(caller, "maxOpenInterestPerUser:"+account.Hex(), fixed.FormatUSD(limit), func() error {
		if limit == nil {
			delete(r.userCap, account)
		} else {
			r.userCap[account] = new(big.Int).Set(limit)
		}
		return nil
	})
}

// SetDefaultMaxOpenInterestPerUser sets the per-user cap of accounts without an override.
func (r *Registry) SetDefaultMaxOpenInterestPerUser(caller common.Address, limit *big.Int) error {
	if err := checkCap("defaultMaxOpenInterestPerUser", limit); err != nil {
		return err
	}
	return r.update(caller, "defaultMaxOpenInterestPerUser", fixed.FormatUSD(limit), func() error {
		r.global.DefaultMaxOpenInterestPerUser = cloneCap(limit)
		return nil
	})
}

// SetReferFee sets the share of each fee paid to the referrer.
func (r *Registry) SetReferFee(caller common.Address, fee uint64) error {
	if err := checkMax("referFee", fee, MaxReferFee); err != nil {
		return err
	}
	return r.update(caller, "referFee", fee, func() error {
		r.global.ReferFee = fee
		return nil
	})
}

// SetFeeRewardBasisPoints sets the share of each fee that stays in the pool.
func (r *Registry) SetFeeRewardBasisPoints(caller common.Address, bp uint64) error {
	if err := checkRange("feeRewardBasisPoints", bp, MinFeeRewardBasisPoints, MaxFeeRewardBasisPoints); err != nil {
		return err
	}
	return r.update(caller, "feeRewardBasisPoints", bp, func() error {
		r.global.FeeRewardBasisPoints = bp
		return nil
	})
}

// SetFundingInterval sets the length of one funding period.
func (r *Registry) SetFundingInterval(caller common.Address, d time.Duration) error {
	if err := checkDuration("fundingInterval", d, MinFundingInterval, MaxFundingInterval); err != nil {
		return err
	}
	return r.update(caller, "fundingInterval", d, func() error {
		r.global.FundingInterval = d
		return nil
	})
}

// SetCooldownDuration sets the minimum time between a stake and an unstake.
func (r *Registry) SetCooldownDuration(caller common.Address, d time.Duration) error {
	if err := checkDuration("cooldownDuration", d, 0, MaxCooldownDuration); err != nil {
		return err
	}
	return r.update(caller, "cooldownDuration", d, func() error {
		r.global.CooldownDuration = d
		return nil
	})
}

// SetCloseDeltaTime sets the minimum holding time before a decrease.
func (r *Registry) SetCloseDeltaTime(caller common.Address, d time.Duration) error {
	if err := checkDuration("closeDeltaTime", d, 0, MaxDeltaTime); err != nil {
		return err
	}
	return r.update(caller, "closeDeltaTime", d, func() error {
		r.global.CloseDeltaTime = d
		return nil
	})
}

// SetDelayDeltaTime sets the confirmation delay of add-position requests.
func (r *Registry) SetDelayDeltaTime(caller common.Address, d time.Duration) error {
	if err := checkDuration("delayDeltaTime", d, 0, MaxDeltaTime); err != nil {
		return err
	}
	return r.update(caller, "delayDeltaTime", d, func() error {
		r.global.DelayDeltaTime = d
		return nil
	})
}

// SetLiquidationPendingTime sets how long a registered liquidation waits for
// an unprivileged finalizer.
func (r *Registry) SetLiquidationPendingTime(caller common.Address, d time.Duration) error {
	if err := checkDuration("liquidationPendingTime", d, 0, MaxLiquidationPendingTime); err != nil {
		return err
	}
	return r.update(caller, "liquidationPendingTime", d, func() error {
		r.global.LiquidationPendingTime = d
		return nil
	})
}

// SetBountyPercent sets the team / first caller / resolver split of liquidation fees.
func (r *Registry) SetBountyPercent(caller common.Address, bounty BountyPercent) error {
	if err := checkBounty(bounty); err != nil {
		return err
	}
	return r.update(caller, "bountyPercent", bounty, func() error {
		r.global.Bounty = bounty
		return nil
	})
}

// SetTriggerGasFee sets the native fee charged per trigger order request.
func (r *Registry) SetTriggerGasFee(caller common.Address, fee *big.Int) error {
	if fee == nil || fee.Sign() < 0 {
		return fmt.Errorf("%w: triggerGasFee", ErrInvalidParameters)
	}
	if fee.Cmp(MaxTriggerGasFee) > 0 {
		return fmt.Errorf("%w: triggerGasFee %s > %s", ErrAboveMax, fee, MaxTriggerGasFee)
	}
	return r.update(caller, "triggerGasFee", fee.String(), func() error {
		r.global.TriggerGasFee = new(big.Int).Set(fee)
		return nil
	})
}

// SetFeeManager sets the recipient of manager fees.
func (r *Registry) SetFeeManager(caller, feeManager common.Address) error {
	if feeManager == (common.Address{}) {
		return fmt.Errorf("%w: zero fee manager", ErrInvalidParameters)
	}
	return r.update(caller, "feeManager", feeManager, func() error {
		r.global.FeeManager = feeManager
		return nil
	})
}

// SetTeam sets the recipient of the team share of liquidation bounties.
func (r *Registry) SetTeam(caller, team common.Address) error {
	if team == (common.Address{}) {
		return fmt.Errorf("%w: zero team address", ErrInvalidParameters)
	}
	return r.update(caller, "team", team, func() error {
		r.global.Team = team
		return nil
	})
}
