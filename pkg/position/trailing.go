package position

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/luxfi/perps/pkg/access"
	"github.com/luxfi/perps/pkg/events"
	"github.com/luxfi/perps/pkg/fixed"
)

// AddTrailingStop attaches a trailing stop to an open position, replacing
// any previous one. StepPrice is the initial stop price and must sit on the
// loss side of the current price.
func (e *Engine) AddTrailingStop(caller common.Address, id uint64, params TrailingParams) error {
	unlock := e.lock()
	defer unlock()

	p, err := e.openPosition(id)
	if err != nil {
		return err
	}
	if err := e.authorizeOwner(caller, p.Owner); err != nil {
		return err
	}
	if !fixed.IsPositive(params.Size) || params.Size.Cmp(p.Size) > 0 {
		return fmt.Errorf("%w: %s of %s", ErrTrailingTooLarge, fixed.FormatUSD(params.Size), fixed.FormatUSD(p.Size))
	}
	if !fixed.IsPositive(params.Collateral) || params.Collateral.Cmp(p.Collateral) > 0 {
		return fmt.Errorf("%w: collateral %s of %s", ErrInvalidTrailingData, fixed.FormatUSD(params.Collateral), fixed.FormatUSD(p.Collateral))
	}
	if !fixed.IsPositive(params.StepAmount) || !fixed.IsPositive(params.StepPrice) {
		return fmt.Errorf("%w: zero step", ErrInvalidTrailingData)
	}

	mark, err := e.prices.GetLastPrice(p.Token)
	if err != nil {
		return err
	}
	if (p.IsLong && params.StepPrice.Cmp(mark) > 0) || (!p.IsLong && params.StepPrice.Cmp(mark) < 0) {
		return fmt.Errorf("%w: stop %s on the wrong side of %s", ErrInvalidTrailingData,
			fixed.FormatUSD(params.StepPrice), fixed.FormatUSD(mark))
	}
	switch params.StepType {
	case StepPercent:
		if params.StepAmount.Cmp(fixed.BPD) > 0 {
			return fmt.Errorf("%w: step %s bp", ErrInvalidTrailingData, params.StepAmount)
		}
	case StepAmount:
		if params.StepAmount.Cmp(mark) >= 0 {
			return fmt.Errorf("%w: step %s not below price", ErrInvalidTrailingData, fixed.FormatUSD(params.StepAmount))
		}
	default:
		return fmt.Errorf("%w: step type %d", ErrInvalidTrailingData, params.StepType)
	}

	p.Trailing = &TrailingStop{
		Collateral: new(big.Int).Set(params.Collateral),
		Size:       new(big.Int).Set(params.Size),
		StepType:   params.StepType,
		StepAmount: new(big.Int).Set(params.StepAmount),
		StopPrice:  new(big.Int).Set(params.StepPrice),
	}
	e.touch(p)

	e.logger.Info("trailing stop added", "posId", id, "stop", fixed.FormatUSD(params.StepPrice))
	e.sink.Emit(e.emit(events.TrailingAdded, p).
		WithUSD("size", params.Size).
		WithUSD("stopPrice", params.StepPrice))
	return nil
}

// nextTrailingStop returns the stop price the market at mark supports.
// ok is false unless the market moved at least one step past the stop.
func nextTrailingStop(t *TrailingStop, isLong bool, mark *big.Int) (*big.Int, bool) {
	var next *big.Int
	switch t.StepType {
	case StepAmount:
		if isLong {
			next = new(big.Int).Sub(mark, t.StepAmount)
		} else {
			next = new(big.Int).Add(mark, t.StepAmount)
		}
	default:
		step := t.StepAmount.Uint64()
		if isLong {
			next = fixed.ApplyBP(mark, fixed.BasisPointsDivisor-step)
		} else {
			next = fixed.ApplyBP(mark, fixed.BasisPointsDivisor+step)
		}
	}
	if isLong {
		return next, next.Cmp(t.StopPrice) > 0
	}
	return next, next.Cmp(t.StopPrice) < 0
}

// UpdateTrailingStop ratchets the stop price toward the market. The stop
// only ever moves in the position's favor; a price that has not moved a full
// step fails with ErrPriceIncorrect. Position managers may update on behalf
// of the owner.
func (e *Engine) UpdateTrailingStop(caller common.Address, id uint64) error {
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
	if p.Trailing == nil {
		return fmt.Errorf("%w: %d", ErrNoTrailingStop, id)
	}
	mark, err := e.prices.GetLastPrice(p.Token)
	if err != nil {
		return err
	}
	next, ok := nextTrailingStop(p.Trailing, p.IsLong, mark)
	if !ok {
		return fmt.Errorf("%w: %s does not move stop %s", ErrPriceIncorrect, fixed.FormatUSD(mark), fixed.FormatUSD(p.Trailing.StopPrice))
	}
	p.Trailing.StopPrice = next
	e.touch(p)

	e.sink.Emit(e.emit(events.TrailingUpdated, p).
		WithUSD("price", mark).
		WithUSD("stopPrice", next))
	return nil
}

// ExecuteTrailingStop decreases the position by the trailing size once the
// price crosses the stop: longs at or below it, shorts at or above it.
func (e *Engine) ExecuteTrailingStop(caller common.Address, id uint64) (*DecreaseResult, error) {
	if err := e.authorizeLevel(caller, access.LevelPositionManager); err != nil {
		return nil, err
	}

	unlock := e.lock()
	defer unlock()

	p, err := e.openPosition(id)
	if err != nil {
		return nil, err
	}
	t := p.Trailing
	if t == nil {
		return nil, fmt.Errorf("%w: %d", ErrNoTrailingStop, id)
	}
	mark, err := e.prices.GetLastPrice(p.Token)
	if err != nil {
		return nil, err
	}
	if (p.IsLong && mark.Cmp(t.StopPrice) > 0) || (!p.IsLong && mark.Cmp(t.StopPrice) < 0) {
		return nil, fmt.Errorf("%w: %s has not crossed %s", ErrPriceIncorrect, fixed.FormatUSD(mark), fixed.FormatUSD(t.StopPrice))
	}

	sizeDelta := fixed.Min(t.Size, p.Size)
	res, err := e.decrease(p, sizeDelta, false, "trailing")
	if err != nil {
		return nil, err
	}
	if p.Status == StatusOpen {
		p.Trailing = nil
		e.touch(p)
	}
	return res, nil
}

// CancelTrailingStop removes the trailing stop of a position.
func (e *Engine) CancelTrailingStop(caller common.Address, id uint64) error {
	unlock := e.lock()
	defer unlock()

	p, err := e.openPosition(id)
	if err != nil {
		return err
	}
	if err := e.authorizeOwner(caller, p.Owner); err != nil {
		return err
	}
	if p.Trailing == nil {
		return fmt.Errorf("%w: %d", ErrNoTrailingStop, id)
	}
	p.Trailing = nil
	e.touch(p)

	e.logger.Info("trailing stop cancelled", "posId", id)
	e.sink.Emit(e.emit(events.TrailingUpdated, p).With("cancelled", "true"))
	return nil
}
