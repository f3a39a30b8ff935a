package position

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/luxfi/perps/pkg/access"
	"github.com/luxfi/perps/pkg/events"
	"github.com/luxfi/perps/pkg/fixed"
	"github.com/luxfi/perps/pkg/settings"
)

// ValidateLiquidation reports whether a position can be liquidated at the
// current price and the fees a liquidation would collect.
func (e *Engine) ValidateLiquidation(id uint64) (LiquidationState, *big.Int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	p, err := e.openPosition(id)
	if err != nil {
		return NotLiquidatable, nil, err
	}
	cfg, err := e.settings.Token(p.Token)
	if err != nil {
		return NotLiquidatable, nil, err
	}
	g := e.settings.Global()

	mark, err := e.prices.GetLastPrice(p.Token)
	if err != nil {
		return NotLiquidatable, nil, err
	}
	index := new(big.Int)
	if f, ok := e.funding[sideKey{p.Token, p.IsLong}]; ok {
		index, _ = f.accrued(g.FundingInterval, e.now())
	}
	state, fees := liquidationState(p, &cfg, mark, index)
	return state, fees, nil
}

// liquidationState classifies p at mark:
//
//   - fees at least the collateral left after PnL: fees exceed collateral
//   - loss plus fees at least liquidateThreshold of collateral: threshold
//   - leverage after loss and fees above the maximum: threshold
func liquidationState(p *Position, cfg *settings.TokenConfig, mark, index *big.Int) (LiquidationState, *big.Int) {
	fees := new(big.Int).Add(fundingFee(p, index), marginFee(cfg, p.IsLong, p.Size))
	hasProfit, delta := GetDelta(p.IsLong, p.Size, p.AveragePrice, mark)
	pnl := signedDelta(hasProfit, delta)

	remaining := new(big.Int).Add(p.Collateral, pnl)
	if fees.Cmp(remaining) >= 0 {
		return LiquidatableFeesExceedCollateral, fees
	}

	netLoss := new(big.Int).Sub(fees, pnl)
	threshold := fixed.ApplyBP(p.Collateral, cfg.LiquidateThreshold)
	if netLoss.Cmp(threshold) >= 0 {
		return LiquidatableThreshold, fees
	}

	left := new(big.Int).Sub(p.Collateral, netLoss)
	if netLoss.Sign() > 0 && validateLeverage(p.Size, left, cfg.MaxLeverage) != nil {
		return LiquidatableThreshold, fees
	}
	return NotLiquidatable, fees
}

// RegisterLiquidatePosition records caller as the first caller of a
// liquidation. The position must be liquidatable now.
func (e *Engine) RegisterLiquidatePosition(caller common.Address, id uint64) error {
	if e.access.IsBanned(caller) {
		return access.ErrBanned
	}
	state, _, err := e.ValidateLiquidation(id)
	if err != nil {
		return err
	}
	if state == NotLiquidatable {
		return fmt.Errorf("%w: %d", ErrNotExceedOrAllowed, id)
	}

	unlock := e.lock()
	defer unlock()

	p, err := e.openPosition(id)
	if err != nil {
		return err
	}
	if p.Liquidation != nil {
		return fmt.Errorf("%w: by %s", ErrLiquidationRegistered, p.Liquidation.Caller.Hex())
	}
	p.Liquidation = &LiquidationRequest{Caller: caller, RegisteredAt: e.now()}
	e.touch(p)

	e.logger.Info("liquidation registered", "posId", id, "caller", caller)
	ev := e.emit(events.LiquidationRegistered, p).With("caller", caller.Hex())
	e.sink.Emit(ev)
	return nil
}

// LiquidatePosition force-closes a liquidatable position. Privileged
// liquidators and the registrant finalize at once; anyone else only after
// the registration has waited liquidationPendingTime. The fee take, capped at
// the collateral, is split between the team, the first caller and the
// resolver; any unassigned remainder goes to the pool.
func (e *Engine) LiquidatePosition(caller common.Address, id uint64) (*LiquidationResult, error) {
	if e.access.IsBanned(caller) {
		return nil, access.ErrBanned
	}

	unlock := e.lock()
	defer unlock()

	p, err := e.openPosition(id)
	if err != nil {
		return nil, err
	}
	cfg, err := e.settings.Token(p.Token)
	if err != nil {
		return nil, err
	}
	g := e.settings.Global()

	mark, err := e.prices.GetLastPrice(p.Token)
	if err != nil {
		return nil, err
	}
	index := e.updateFunding(p.Token, p.IsLong, &cfg, &g)
	state, fees := liquidationState(p, &cfg, mark, index)
	if state == NotLiquidatable {
		return nil, fmt.Errorf("%w: %d", ErrNotExceedOrAllowed, id)
	}

	firstCaller := caller
	if !e.access.IsAuthorized(caller, access.LevelLiquidator) {
		req := p.Liquidation
		if req == nil {
			return nil, fmt.Errorf("%w: %d is not registered", ErrNotExceedOrAllowed, id)
		}
		if req.Caller != caller && e.now().Sub(req.RegisteredAt) < g.LiquidationPendingTime {
			return nil, fmt.Errorf("%w: ready at %s", ErrLiquidationPending, req.RegisteredAt.Add(g.LiquidationPendingTime).UTC())
		}
	}
	if p.Liquidation != nil {
		firstCaller = p.Liquidation.Caller
	}

	res := splitBounty(fixed.Min(fees, p.Collateral), g.Bounty)
	res.State = state

	mints := []struct {
		to     common.Address
		amount *big.Int
	}{
		{g.Team, res.TeamShare},
		{firstCaller, res.CallerShare},
		{caller, res.ResolverShare},
	}
	for _, m := range mints {
		if m.amount.Sign() == 0 {
			continue
		}
		if err := e.custody.Mint(g.VUSD, m.to, m.amount); err != nil {
			return nil, err
		}
	}
	// Everything the position held beyond the bounty stays with the pool.
	toPool := new(big.Int).Sub(p.Collateral, res.FeeTaken)
	toPool.Add(toPool, res.PoolShare)
	e.vault.AddUSD(toPool)

	size := new(big.Int).Set(p.Size)
	addTo(e.reserve, p.Token, new(big.Int).Neg(p.ReserveAmount))
	p.ReserveAmount = new(big.Int)
	e.adjustOpenInterest(p, new(big.Int).Neg(size))
	hasProfit, delta := GetDelta(p.IsLong, size, p.AveragePrice, mark)
	p.RealisedPnl.Add(p.RealisedPnl, signedDelta(hasProfit, delta))
	p.EntryFunding = index
	e.finalize(p, StatusLiquidated, &g)

	e.logger.Info("position liquidated", "posId", id, "state", state, "caller", caller, "firstCaller", firstCaller,
		"fee", fixed.FormatUSD(res.FeeTaken), "price", fixed.FormatUSD(mark))
	e.sink.Emit(e.emit(events.PositionLiquidated, p).
		With("caller", caller.Hex()).
		With("firstCaller", firstCaller.Hex()).
		WithUSD("size", size).
		WithUSD("price", mark).
		WithUSD("fee", res.FeeTaken).
		WithUSD("team", res.TeamShare).
		WithUSD("callerShare", res.CallerShare).
		WithUSD("resolverShare", res.ResolverShare))
	return res, nil
}

// splitBounty divides fee by the bounty percents. When the percents sum to
// 100% the resolver absorbs the rounding dust so the shares sum to fee.
func splitBounty(fee *big.Int, b settings.BountyPercent) *LiquidationResult {
	res := &LiquidationResult{
		FeeTaken:    new(big.Int).Set(fee),
		TeamShare:   fixed.ApplyBP(fee, b.Team),
		CallerShare: fixed.ApplyBP(fee, b.FirstCaller),
	}
	if b.Sum() == fixed.BasisPointsDivisor {
		res.ResolverShare = new(big.Int).Sub(fee, res.TeamShare)
		res.ResolverShare.Sub(res.ResolverShare, res.CallerShare)
	} else {
		res.ResolverShare = fixed.ApplyBP(fee, b.Resolver)
	}
	res.PoolShare = new(big.Int).Sub(fee, res.TeamShare)
	res.PoolShare.Sub(res.PoolShare, res.CallerShare)
	res.PoolShare.Sub(res.PoolShare, res.ResolverShare)
	return res
}
