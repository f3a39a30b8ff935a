package position

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/luxfi/perps/pkg/fixed"
)

func sortIDs(ids []uint64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

// GetPosition returns a copy of a position in any status.
func (e *Engine) GetPosition(id uint64) (Position, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	p, ok := e.positions[id]
	if !ok {
		return Position{}, fmt.Errorf("%w: %d", ErrPositionNotFound, id)
	}
	return p.Clone(), nil
}

// GetAlivePositions returns the ids of the open positions of account.
func (e *Engine) GetAlivePositions(account common.Address) []uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ids := make([]uint64, 0, len(e.alive[account]))
	for id := range e.alive[account] {
		ids = append(ids, id)
	}
	sortIDs(ids)
	return ids
}

// AllAlivePositions returns the ids of every open position.
func (e *Engine) AllAlivePositions() []uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var ids []uint64
	for _, set := range e.alive {
		for id := range set {
			ids = append(ids, id)
		}
	}
	sortIDs(ids)
	return ids
}

// GetPendingOrder returns a copy of a pending order.
func (e *Engine) GetPendingOrder(id uint64) (PendingOrder, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	o, ok := e.orders[id]
	if !ok {
		return PendingOrder{}, fmt.Errorf("%w: %d", ErrOrderNotPending, id)
	}
	return o.Clone(), nil
}

// PendingOrders returns the pending orders of account; the zero address
// returns every pending order.
func (e *Engine) PendingOrders(account common.Address) []PendingOrder {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []PendingOrder
	for _, o := range e.orders {
		if account == (common.Address{}) || o.Owner == account {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PosID < out[j].PosID })
	return out
}

// GetTriggerOrders returns the TP/SL entries of a position.
func (e *Engine) GetTriggerOrders(id uint64) TriggerSet {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if s, ok := e.triggers[id]; ok {
		return s.Clone()
	}
	return TriggerSet{PosID: id}
}

// PositionsWithTriggers returns the open positions with pending TP/SL entries.
func (e *Engine) PositionsWithTriggers() []uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var ids []uint64
	for id, s := range e.triggers {
		if p, ok := e.positions[id]; ok && p.Status == StatusOpen && s.pending() > 0 {
			ids = append(ids, id)
		}
	}
	sortIDs(ids)
	return ids
}

// PositionsWithTrailing returns the open positions with a trailing stop.
func (e *Engine) PositionsWithTrailing() []uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var ids []uint64
	for _, p := range e.positions {
		if p.Status == StatusOpen && p.Trailing != nil {
			ids = append(ids, p.ID)
		}
	}
	sortIDs(ids)
	return ids
}

// ReadyDelayedIncreases returns the open positions whose delayed increase
// can be confirmed now.
func (e *Engine) ReadyDelayedIncreases() []uint64 {
	delay := e.settings.Global().DelayDeltaTime

	e.mu.RLock()
	defer e.mu.RUnlock()

	now := e.now()
	var ids []uint64
	for _, p := range e.positions {
		if p.Status == StatusOpen && p.Delay != nil && now.Sub(p.Delay.StartTime) >= delay {
			ids = append(ids, p.ID)
		}
	}
	sortIDs(ids)
	return ids
}

// MarketQueue returns the queued market order ids in execution order.
func (e *Engine) MarketQueue() []uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]uint64(nil), e.queue...)
}

// OpenInterest is a snapshot of the open interest of one token.
type OpenInterest struct {
	Asset *big.Int `json:"asset"`
	Long  *big.Int `json:"long"`
	Short *big.Int `json:"short"`
}

// OpenInterestOf returns the open interest of tok.
func (e *Engine) OpenInterestOf(tok common.Address) OpenInterest {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return OpenInterest{
		Asset: fixed.Copy(e.oiAsset[tok]),
		Long:  fixed.Copy(e.oiSide[sideKey{tok, true}]),
		Short: fixed.Copy(e.oiSide[sideKey{tok, false}]),
	}
}

// OpenInterestSide returns the open interest of one side across all tokens.
func (e *Engine) OpenInterestSide(isLong bool) *big.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return fixed.Copy(e.oiTotal[isLong])
}

// OpenInterestUser returns the open interest of account.
func (e *Engine) OpenInterestUser(account common.Address) *big.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return fixed.Copy(e.oiUser[account])
}

// ReservedAmount returns the reserve held against positions in tok.
func (e *Engine) ReservedAmount(tok common.Address) *big.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return fixed.Copy(e.reserve[tok])
}

// UnrealisedPnl returns the signed PnL of a position at the current price.
func (e *Engine) UnrealisedPnl(id uint64) (*big.Int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	p, err := e.openPosition(id)
	if err != nil {
		return nil, err
	}
	mark, err := e.prices.GetLastPrice(p.Token)
	if err != nil {
		return nil, err
	}
	hasProfit, delta := GetDelta(p.IsLong, p.Size, p.AveragePrice, mark)
	return signedDelta(hasProfit, delta), nil
}

// LiquidatablePositions returns the open positions ValidateLiquidation
// currently flags.
func (e *Engine) LiquidatablePositions() []uint64 {
	var out []uint64
	for _, id := range e.AllAlivePositions() {
		state, _, err := e.ValidateLiquidation(id)
		if err == nil && state != NotLiquidatable {
			out = append(out, id)
		}
	}
	return out
}
