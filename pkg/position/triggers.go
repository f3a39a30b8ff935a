package position

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/luxfi/perps/pkg/access"
	"github.com/luxfi/perps/pkg/events"
	"github.com/luxfi/perps/pkg/fixed"
)

// AddTriggerOrders attaches take-profit and stop-loss entries to an open
// position. TP prices must lie on the profit side of the average price and
// SL prices on the loss side. Pending TP percents and pending SL percents may
// each request at most 100% of the size. When a trigger gas fee is
// configured, gasPaid must cover it and the fee is moved in the native token
// from the caller to the fee manager.
func (e *Engine) AddTriggerOrders(caller common.Address, id uint64, isTPs []bool, prices []*big.Int, pcts []uint64, gasPaid *big.Int) error {
	if len(isTPs) != len(prices) || len(prices) != len(pcts) || len(isTPs) == 0 {
		return fmt.Errorf("%w: length mismatch", ErrTriggerDataIncorrect)
	}

	unlock := e.lock()
	defer unlock()

	p, ok := e.positions[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrPositionNotFound, id)
	}
	if err := e.authorizeOwner(caller, p.Owner); err != nil {
		return err
	}
	if p.Status != StatusOpen || p.Size.Sign() == 0 {
		return fmt.Errorf("%w: %d", ErrPositionSizeZero, id)
	}
	g := e.settings.Global()

	set, ok := e.triggers[id]
	if !ok || set.pending() == 0 {
		set = &TriggerSet{PosID: id}
	}
	if set.pending()+len(isTPs) > MaxTriggerOrders {
		return fmt.Errorf("%w: at most %d", ErrTooManyTriggers, MaxTriggerOrders)
	}

	var tpSum, slSum uint64
	for _, o := range set.Orders {
		if o.Status != TriggerPending {
			continue
		}
		if o.IsTP {
			tpSum += o.AmountPercent
		} else {
			slSum += o.AmountPercent
		}
	}
	for i, isTP := range isTPs {
		if !fixed.IsPositive(prices[i]) || pcts[i] == 0 || pcts[i] > fixed.BasisPointsDivisor {
			return fmt.Errorf("%w: entry %d", ErrTriggerDataIncorrect, i)
		}
		profitSide := prices[i].Cmp(p.AveragePrice) > 0
		if !p.IsLong {
			profitSide = prices[i].Cmp(p.AveragePrice) < 0
		}
		lossSide := prices[i].Cmp(p.AveragePrice) < 0
		if !p.IsLong {
			lossSide = prices[i].Cmp(p.AveragePrice) > 0
		}
		if (isTP && !profitSide) || (!isTP && !lossSide) {
			return fmt.Errorf("%w: entry %d price %s against average %s", ErrTriggerDataIncorrect, i,
				fixed.FormatUSD(prices[i]), fixed.FormatUSD(p.AveragePrice))
		}
		if isTP {
			tpSum += pcts[i]
		} else {
			slSum += pcts[i]
		}
	}
	if tpSum > fixed.BasisPointsDivisor || slSum > fixed.BasisPointsDivisor {
		return fmt.Errorf("%w: percents above 100%%", ErrTriggerDataIncorrect)
	}

	if fee := g.TriggerGasFee; fee != nil && fee.Sign() > 0 {
		if gasPaid == nil || gasPaid.Cmp(fee) < 0 {
			return fmt.Errorf("%w: paid %v, want %s", ErrInvalidTriggerGasFee, gasPaid, fee)
		}
		if err := e.custody.Transfer(g.NativeToken, caller, g.FeeManager, fee); err != nil {
			return err
		}
	}

	for i, isTP := range isTPs {
		set.Orders = append(set.Orders, TriggerOrder{
			IsTP:          isTP,
			Price:         new(big.Int).Set(prices[i]),
			AmountPercent: pcts[i],
			Status:        TriggerPending,
		})
	}
	e.triggers[id] = set
	e.dirty.triggers[id] = struct{}{}

	e.logger.Info("trigger orders added", "posId", id, "count", len(isTPs))
	e.sink.Emit(e.emit(events.TriggerOrdersAdded, p).WithInt("count", big.NewInt(int64(len(isTPs)))))
	return nil
}

func triggerReached(isLong, isTP bool, trigger, mark *big.Int) bool {
	c := mark.Cmp(trigger)
	if isLong == isTP {
		return c >= 0
	}
	return c <= 0
}

// ValidateTPSLTriggers reports whether the current price crosses any pending
// TP/SL entry of the position.
func (e *Engine) ValidateTPSLTriggers(id uint64) (bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	p, err := e.openPosition(id)
	if err != nil {
		return false, err
	}
	set, ok := e.triggers[id]
	if !ok {
		return false, nil
	}
	mark, err := e.prices.GetLastPrice(p.Token)
	if err != nil {
		return false, err
	}
	for _, o := range set.Orders {
		if o.Status == TriggerPending && triggerReached(p.IsLong, o.IsTP, o.Price, mark) {
			return true, nil
		}
	}
	return false, nil
}

// ExecuteTriggerOrders fires every pending entry crossed by the current
// price, in insertion order. Each fired entry decreases the position by its
// percent of the current size, clamped to what is left. Entries that remain
// after a full close are cancelled with the position.
func (e *Engine) ExecuteTriggerOrders(caller common.Address, id uint64) (int, error) {
	if err := e.authorizeLevel(caller, access.LevelPositionManager); err != nil {
		return 0, err
	}

	unlock := e.lock()
	defer unlock()

	p, err := e.openPosition(id)
	if err != nil {
		return 0, err
	}
	set, ok := e.triggers[id]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrTriggerNotPending, id)
	}
	mark, err := e.prices.GetLastPrice(p.Token)
	if err != nil {
		return 0, err
	}

	fired := 0
	for i := range set.Orders {
		o := &set.Orders[i]
		if p.Status != StatusOpen {
			break
		}
		if o.Status != TriggerPending || !triggerReached(p.IsLong, o.IsTP, o.Price, mark) {
			continue
		}
		sizeDelta := fixed.Min(fixed.ApplyBP(p.Size, o.AmountPercent), p.Size)
		if sizeDelta.Sign() == 0 {
			continue
		}
		reason := "sl"
		if o.IsTP {
			reason = "tp"
		}
		if _, err := e.decrease(p, sizeDelta, false, reason); err != nil {
			if fired == 0 {
				return 0, err
			}
			e.logger.Warn("trigger order failed", "posId", id, "index", i, "err", err)
			break
		}
		// A full close cancels the remaining entries, so mark this one last.
		o.Status = TriggerFired
		e.dirty.triggers[id] = struct{}{}
		fired++

		e.sink.Emit(e.emit(events.TriggerFired, p).
			With("reason", reason).
			WithInt("index", big.NewInt(int64(i))).
			WithUSD("price", mark).
			WithUSD("sizeDelta", sizeDelta))
	}
	if fired == 0 {
		return 0, fmt.Errorf("%w: no entry crossed at %s", ErrTriggerNotPending, fixed.FormatUSD(mark))
	}
	return fired, nil
}

// CancelTriggerOrder cancels one pending entry.
func (e *Engine) CancelTriggerOrder(caller common.Address, id uint64, index int) error {
	unlock := e.lock()
	defer unlock()

	p, ok := e.positions[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrPositionNotFound, id)
	}
	if err := e.authorizeOwner(caller, p.Owner); err != nil {
		return err
	}
	set, ok := e.triggers[id]
	if !ok || index < 0 || index >= len(set.Orders) || set.Orders[index].Status != TriggerPending {
		return fmt.Errorf("%w: %d/%d", ErrTriggerNotPending, id, index)
	}
	set.Orders[index].Status = TriggerCancelled
	e.dirty.triggers[id] = struct{}{}

	e.sink.Emit(e.emit(events.TriggerCancelled, p).WithInt("index", big.NewInt(int64(index))))
	return nil
}

// CancelPositionTrigger cancels every pending entry of the position.
func (e *Engine) CancelPositionTrigger(caller common.Address, id uint64) error {
	unlock := e.lock()
	defer unlock()

	p, ok := e.positions[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrPositionNotFound, id)
	}
	if err := e.authorizeOwner(caller, p.Owner); err != nil {
		return err
	}
	set, ok := e.triggers[id]
	if !ok || set.pending() == 0 {
		return fmt.Errorf("%w: %d", ErrTriggerNotPending, id)
	}
	for i := range set.Orders {
		if set.Orders[i].Status == TriggerPending {
			set.Orders[i].Status = TriggerCancelled
		}
	}
	e.dirty.triggers[id] = struct{}{}

	e.sink.Emit(e.emit(events.TriggerCancelled, p).With("scope", "all"))
	return nil
}
