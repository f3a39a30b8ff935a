package position

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/luxfi/perps/pkg/events"
	"github.com/luxfi/perps/pkg/fixed"
	"github.com/luxfi/perps/pkg/settings"
)

// DecreaseResult describes a settled decrease.
type DecreaseResult struct {
	Pnl        *big.Int `json:"pnl"` // signed
	Fees       *big.Int `json:"fees"`
	Payout     *big.Int `json:"payout"`
	Closed     bool     `json:"closed"`
	MarkPrice  *big.Int `json:"markPrice"`
	SizeDelta  *big.Int `json:"sizeDelta"`
	Collateral *big.Int `json:"collateral"` // released collateral
}

// DecreasePosition reduces an open position by sizeDelta at the current
// price and pays collateral plus PnL minus fees to the owner as VUSD.
// Decreasing by the full size closes the position.
func (e *Engine) DecreasePosition(caller common.Address, id uint64, sizeDelta *big.Int) (*DecreaseResult, error) {
	unlock := e.lock()
	defer unlock()

	p, err := e.openPosition(id)
	if err != nil {
		return nil, err
	}
	if err := e.authorizeOwner(caller, p.Owner); err != nil {
		return nil, err
	}
	return e.decrease(p, sizeDelta, true, "decrease")
}

// ClosePosition is DecreasePosition for the full size.
func (e *Engine) ClosePosition(caller common.Address, id uint64) (*DecreaseResult, error) {
	unlock := e.lock()
	defer unlock()

	p, err := e.openPosition(id)
	if err != nil {
		return nil, err
	}
	if err := e.authorizeOwner(caller, p.Owner); err != nil {
		return nil, err
	}
	return e.decrease(p, new(big.Int).Set(p.Size), true, "close")
}

// ClosePositions closes each position in ids, reporting per-id outcomes.
func (e *Engine) ClosePositions(caller common.Address, ids []uint64) []ExecutionResult {
	results := make([]ExecutionResult, 0, len(ids))
	for _, id := range ids {
		_, err := e.ClosePosition(caller, id)
		results = append(results, ExecutionResult{PosID: id, Err: err})
	}
	return results
}

// decrease settles sizeDelta of p. checkHold enforces the minimum holding
// time; keeper-driven stops skip it.
func (e *Engine) decrease(p *Position, sizeDelta *big.Int, checkHold bool, reason string) (*DecreaseResult, error) {
	if sizeDelta == nil || sizeDelta.Sign() <= 0 || sizeDelta.Cmp(p.Size) > 0 {
		return nil, fmt.Errorf("%w: %s of %s", ErrInvalidSizeDelta, fixed.FormatUSD(sizeDelta), fixed.FormatUSD(p.Size))
	}
	cfg, err := e.settings.Token(p.Token)
	if err != nil {
		return nil, err
	}
	g := e.settings.Global()

	if checkHold && g.CloseDeltaTime > 0 && e.now().Sub(p.LastIncreasedTime) < g.CloseDeltaTime {
		return nil, fmt.Errorf("%w: held since %s", ErrNotAllowedToClose, p.LastIncreasedTime.UTC())
	}
	mark, err := e.prices.GetLastPrice(p.Token)
	if err != nil {
		return nil, err
	}

	index := e.updateFunding(p.Token, p.IsLong, &cfg, &g)
	funding := fundingFee(p, index)
	margin := marginFee(&cfg, p.IsLong, sizeDelta)
	fees := new(big.Int).Add(funding, margin)

	hasProfit, delta := GetDelta(p.IsLong, p.Size, p.AveragePrice, mark)
	pnl := signedDelta(hasProfit, fixed.MulDiv(delta, sizeDelta, p.Size))

	full := sizeDelta.Cmp(p.Size) == 0
	collateralDelta := new(big.Int).Set(p.Collateral)
	if !full {
		collateralDelta = fixed.MulDiv(p.Collateral, sizeDelta, p.Size)
	}
	remaining := new(big.Int).Sub(p.Collateral, collateralDelta)

	out := new(big.Int).Add(collateralDelta, pnl)
	out.Sub(out, fees)
	if out.Sign() < 0 {
		shortfall := new(big.Int).Neg(out)
		if full || remaining.Cmp(shortfall) <= 0 {
			return nil, fmt.Errorf("%w: short by %s", ErrLossesExceedCollateral, fixed.FormatUSD(shortfall))
		}
		remaining.Sub(remaining, shortfall)
		out.SetInt64(0)
	}

	nextSize := new(big.Int).Sub(p.Size, sizeDelta)
	if !full {
		if err := validateLeverage(nextSize, remaining, cfg.MaxLeverage); err != nil {
			return nil, err
		}
	}

	// Profit is the only step that can still fail, so it goes first.
	if pnl.Sign() > 0 {
		if err := e.vault.SubUSD(pnl); err != nil {
			return nil, err
		}
	} else {
		e.vault.AddUSD(new(big.Int).Neg(pnl))
	}

	reserveDelta := new(big.Int).Set(p.ReserveAmount)
	if !full {
		reserveDelta = fixed.MulDiv(p.ReserveAmount, sizeDelta, p.Size)
	}
	p.ReserveAmount.Sub(p.ReserveAmount, reserveDelta)
	addTo(e.reserve, p.Token, new(big.Int).Neg(reserveDelta))
	e.adjustOpenInterest(p, new(big.Int).Neg(sizeDelta))

	p.Size = nextSize
	p.Collateral = remaining
	p.EntryFunding = index
	p.RealisedPnl.Add(p.RealisedPnl, pnl)
	e.touch(p)

	if err := e.distributeFee(p, &g, margin, feeMargin); err != nil {
		return nil, err
	}
	if err := e.distributeFee(p, &g, funding, feeFunding); err != nil {
		return nil, err
	}
	if out.Sign() > 0 {
		if err := e.custody.Mint(g.VUSD, p.Owner, out); err != nil {
			return nil, err
		}
	}

	res := &DecreaseResult{
		Pnl:        pnl,
		Fees:       fees,
		Payout:     out,
		Closed:     full,
		MarkPrice:  mark,
		SizeDelta:  new(big.Int).Set(sizeDelta),
		Collateral: collateralDelta,
	}

	t := events.PositionDecreased
	if full {
		t = events.PositionClosed
		e.finalize(p, StatusClosed, &g)
	}
	e.logger.Info("position decreased", "posId", p.ID, "reason", reason, "sizeDelta", fixed.FormatUSD(sizeDelta),
		"pnl", fixed.FormatUSD(pnl), "fees", fixed.FormatUSD(fees), "payout", fixed.FormatUSD(out), "closed", full)
	e.sink.Emit(e.emit(t, p).
		With("reason", reason).
		WithUSD("sizeDelta", sizeDelta).
		WithUSD("price", mark).
		WithUSD("pnl", pnl).
		WithUSD("fees", fees).
		WithUSD("payout", out))
	return res, nil
}

// finalize moves p out of the open set and cancels everything attached to it.
func (e *Engine) finalize(p *Position, status Status, g *settings.Global) {
	p.Status = status
	p.Size = new(big.Int)
	p.Collateral = new(big.Int)
	p.Trailing = nil
	p.Liquidation = nil
	e.cancelDelay(p, g)
	e.markAlive(p, false)
	if set, ok := e.triggers[p.ID]; ok {
		for i := range set.Orders {
			if set.Orders[i].Status == TriggerPending {
				set.Orders[i].Status = TriggerCancelled
			}
		}
		e.dirty.triggers[p.ID] = struct{}{}
	}
	e.touch(p)
}
