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

// increase adds sizeDelta and collateralDelta to p at mark. Funding owed
// by the existing size is settled from the collateral first. Nothing but the
// funding index changes if validation fails.
func (e *Engine) increase(p *Position, cfg *settings.TokenConfig, g *settings.Global, mark, collateralDelta, sizeDelta *big.Int) error {
	index := e.updateFunding(p.Token, p.IsLong, cfg, g)
	funding := fundingFee(p, index)

	nextSize := new(big.Int).Add(p.Size, sizeDelta)
	nextCollateral := new(big.Int).Add(p.Collateral, collateralDelta)
	nextCollateral.Sub(nextCollateral, funding)
	if nextCollateral.Sign() <= 0 {
		return fmt.Errorf("%w: funding %s", ErrLossesExceedCollateral, fixed.FormatUSD(funding))
	}
	if err := validateLeverage(nextSize, nextCollateral, cfg.MaxLeverage); err != nil {
		return err
	}
	if err := e.checkOpenInterest(p.Owner, p.Token, p.IsLong, sizeDelta, cfg, g); err != nil {
		return err
	}

	p.AveragePrice = NextAveragePrice(p.IsLong, p.Size, p.AveragePrice, mark, sizeDelta)
	p.Size = nextSize
	p.Collateral = nextCollateral
	p.EntryFunding = index
	p.LastIncreasedTime = e.now()

	reserve := reserveFor(p.IsLong, sizeDelta, mark, cfg.Decimals)
	p.ReserveAmount.Add(p.ReserveAmount, reserve)
	addTo(e.reserve, p.Token, reserve)
	e.adjustOpenInterest(p, sizeDelta)
	e.touch(p)

	return e.distributeFee(p, g, funding, feeFunding)
}

// AddPosition increases an open position. The collateral and margin fee are
// escrowed immediately. When a delay is configured the increase waits for
// ConfirmDelayTransaction; otherwise it applies at the current price.
func (e *Engine) AddPosition(caller common.Address, id uint64, collateralDelta, sizeDelta *big.Int) error {
	unlock := e.lock()
	defer unlock()

	p, err := e.openPosition(id)
	if err != nil {
		return err
	}
	if err := e.authorizeOwner(caller, p.Owner); err != nil {
		return err
	}
	cfg, err := e.settings.Token(p.Token)
	if err != nil {
		return err
	}
	g := e.settings.Global()

	if cfg.IsIncreasingPositionDisabled {
		return fmt.Errorf("%w: %s", ErrIncreaseDisabled, p.Token.Hex())
	}
	if p.Delay != nil {
		return ErrDelayPending
	}
	if collateralDelta == nil || sizeDelta == nil {
		return ErrZeroCollateral
	}
	if err := validateLeverage(sizeDelta, collateralDelta, cfg.MaxLeverage); err != nil {
		return err
	}
	if err := e.checkOpenInterest(p.Owner, p.Token, p.IsLong, sizeDelta, &cfg, &g); err != nil {
		return err
	}

	fee := marginFee(&cfg, p.IsLong, sizeDelta)
	escrow := new(big.Int).Add(collateralDelta, fee)
	if err := e.custody.Burn(g.VUSD, p.Owner, escrow); err != nil {
		return err
	}

	if g.DelayDeltaTime > 0 {
		p.Delay = &DelayedIncrease{
			Collateral: new(big.Int).Set(collateralDelta),
			Size:       new(big.Int).Set(sizeDelta),
			Fee:        fee,
			StartTime:  e.now(),
		}
		e.touch(p)
		e.sink.Emit(e.emit(events.DelayRequested, p).
			WithUSD("size", sizeDelta).
			WithUSD("collateral", collateralDelta))
		return nil
	}

	if err := e.applyIncrease(p, &cfg, &g, collateralDelta, sizeDelta, fee); err != nil {
		e.refund(&g, p.Owner, escrow)
		return err
	}
	return nil
}

func (e *Engine) applyIncrease(p *Position, cfg *settings.TokenConfig, g *settings.Global, collateralDelta, sizeDelta, fee *big.Int) error {
	mark, err := e.prices.GetLastPrice(p.Token)
	if err != nil {
		return err
	}
	if err := e.increase(p, cfg, g, mark, collateralDelta, sizeDelta); err != nil {
		return err
	}
	if err := e.distributeFee(p, g, fee, feeMargin); err != nil {
		return err
	}

	e.logger.Info("position increased", "posId", p.ID, "size", fixed.FormatUSD(p.Size), "price", fixed.FormatUSD(mark))
	e.sink.Emit(e.emit(events.PositionIncreased, p).
		WithUSD("sizeDelta", sizeDelta).
		WithUSD("collateralDelta", collateralDelta).
		WithUSD("price", mark).
		WithUSD("fee", fee))
	return nil
}

// ConfirmDelayTransaction applies a delayed increase once the configured
// delay has passed. The owner, a delegate or a position manager may confirm.
// If the increase no longer validates the escrow is refunded.
func (e *Engine) ConfirmDelayTransaction(caller common.Address, id uint64) error {
	unlock := e.lock()
	defer unlock()

	p, err := e.openPosition(id)
	if err != nil {
		return err
	}
	if !e.access.IsAuthorized(caller, access.LevelPositionManager) {
		if err := e.authorizeOwner(caller, p.Owner); err != nil {
			return err
		}
	}
	if p.Delay == nil {
		return ErrNoDelayTransaction
	}
	g := e.settings.Global()
	if e.now().Sub(p.Delay.StartTime) < g.DelayDeltaTime {
		return fmt.Errorf("%w: ready at %s", ErrDelayNotPassed, p.Delay.StartTime.Add(g.DelayDeltaTime).UTC())
	}
	cfg, err := e.settings.Token(p.Token)
	if err != nil {
		return err
	}

	d := p.Delay
	p.Delay = nil
	e.touch(p)
	if err := e.applyIncrease(p, &cfg, &g, d.Collateral, d.Size, d.Fee); err != nil {
		e.refund(&g, p.Owner, new(big.Int).Add(d.Collateral, d.Fee))
		e.logger.Warn("delayed increase failed", "posId", id, "err", err)
		return err
	}
	return nil
}

// CancelDelayTransaction drops a delayed increase and refunds its escrow.
func (e *Engine) CancelDelayTransaction(caller common.Address, id uint64) error {
	unlock := e.lock()
	defer unlock()

	p, err := e.openPosition(id)
	if err != nil {
		return err
	}
	if err := e.authorizeOwner(caller, p.Owner); err != nil {
		return err
	}
	if p.Delay == nil {
		return ErrNoDelayTransaction
	}

	g := e.settings.Global()
	e.cancelDelay(p, &g)
	return nil
}

func (e *Engine) cancelDelay(p *Position, g *settings.Global) {
	if p.Delay == nil {
		return
	}
	refund := new(big.Int).Add(p.Delay.Collateral, p.Delay.Fee)
	p.Delay = nil
	e.touch(p)
	e.refund(g, p.Owner, refund)
	e.sink.Emit(e.emit(events.DelayCancelled, p).WithUSD("refund", refund))
}

// AddOrRemoveCollateral changes the collateral of an open position without
// changing its size. Funding owed is settled first. Adding cannot push
// collateral above size; removing must leave leverage within the limit.
func (e *Engine) AddOrRemoveCollateral(caller common.Address, id uint64, isAdd bool, amount *big.Int) error {
	unlock := e.lock()
	defer unlock()

	p, err := e.openPosition(id)
	if err != nil {
		return err
	}
	if err := e.authorizeOwner(caller, p.Owner); err != nil {
		return err
	}
	if !fixed.IsPositive(amount) {
		return ErrZeroCollateral
	}
	cfg, err := e.settings.Token(p.Token)
	if err != nil {
		return err
	}
	g := e.settings.Global()

	index := e.updateFunding(p.Token, p.IsLong, &cfg, &g)
	funding := fundingFee(p, index)
	available := new(big.Int).Sub(p.Collateral, funding)

	next := new(big.Int)
	if isAdd {
		next.Add(available, amount)
	} else {
		if amount.Cmp(available) >= 0 {
			return fmt.Errorf("%w: removing %s of %s", ErrLeverageBelowOne, fixed.FormatUSD(amount), fixed.FormatUSD(available))
		}
		next.Sub(available, amount)
	}
	if err := validateLeverage(p.Size, next, cfg.MaxLeverage); err != nil {
		return err
	}
	if !isAdd {
		// The remaining collateral must also cover the unrealized loss.
		mark, err := e.prices.GetLastPrice(p.Token)
		if err != nil {
			return err
		}
		if hasProfit, delta := GetDelta(p.IsLong, p.Size, p.AveragePrice, mark); !hasProfit {
			if err := validateLeverage(p.Size, new(big.Int).Sub(next, delta), cfg.MaxLeverage); err != nil {
				return fmt.Errorf("%w: unrealized loss %s", ErrMaxLeverageExceeded, fixed.FormatUSD(delta))
			}
		}
	}

	if isAdd {
		if err := e.custody.Burn(g.VUSD, p.Owner, amount); err != nil {
			return err
		}
	} else {
		if err := e.custody.Mint(g.VUSD, p.Owner, amount); err != nil {
			return err
		}
	}

	p.Collateral = next
	p.EntryFunding = index
	e.touch(p)
	if err := e.distributeFee(p, &g, funding, feeFunding); err != nil {
		return err
	}

	t := events.CollateralRemoved
	if isAdd {
		t = events.CollateralAdded
	}
	e.logger.Info("collateral updated", "posId", id, "add", isAdd, "amount", fixed.FormatUSD(amount), "collateral", fixed.FormatUSD(next))
	e.sink.Emit(e.emit(t, p).
		WithUSD("amount", amount).
		WithUSD("collateral", next).
		WithUSD("funding", funding))
	return nil
}
