package position

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/luxfi/perps/pkg/access"
	"github.com/luxfi/perps/pkg/events"
	"github.com/luxfi/perps/pkg/fixed"
)

// NewPositionOrder validates a position request, escrows its collateral and
// margin fee from the account's VUSD and stores it as a pending order.
// Market orders are queued for the next ExecuteOpenMarketOrders call.
func (e *Engine) NewPositionOrder(caller common.Address, req OrderRequest) (uint64, error) {
	if err := e.authorizeOwner(caller, req.Account); err != nil {
		return 0, err
	}
	cfg, err := e.settings.Token(req.Token)
	if err != nil {
		return 0, err
	}
	g := e.settings.Global()

	if cfg.IsIncreasingPositionDisabled {
		return 0, fmt.Errorf("%w: %s", ErrIncreaseDisabled, req.Token.Hex())
	}
	if req.Size == nil || req.Collateral == nil {
		return 0, ErrZeroCollateral
	}
	if err := validateLeverage(req.Size, req.Collateral, cfg.MaxLeverage); err != nil {
		return 0, err
	}
	if err := validateOrderPrices(&req); err != nil {
		return 0, err
	}

	unlock := e.lock()
	defer unlock()

	if err := e.checkOpenInterest(req.Account, req.Token, req.IsLong, req.Size, &cfg, &g); err != nil {
		return 0, err
	}

	o := &PendingOrder{
		PosID:         e.nextPosID,
		Owner:         req.Account,
		Token:         req.Token,
		IsLong:        req.IsLong,
		Kind:          req.Kind,
		Status:        OrderPending,
		Referrer:      req.Referrer,
		LimitPrice:    fixed.Copy(req.LimitPrice),
		StopPrice:     fixed.Copy(req.StopPrice),
		ExpectedPrice: fixed.Copy(req.ExpectedPrice),
		Slippage:      req.Slippage,
		Collateral:    new(big.Int).Set(req.Collateral),
		Size:          new(big.Int).Set(req.Size),
		Fee:           marginFee(&cfg, req.IsLong, req.Size),
		CreatedAt:     e.now(),
	}
	if err := e.custody.Burn(g.VUSD, req.Account, o.escrow()); err != nil {
		return 0, err
	}

	e.nextPosID++
	e.orders[o.PosID] = o
	if o.Kind == Market {
		e.queue = append(e.queue, o.PosID)
	}
	e.dirty.orders[o.PosID] = struct{}{}
	e.dirty.meta = true

	e.logger.Info("position order created", "posId", o.PosID, "account", o.Owner, "token", o.Token,
		"long", o.IsLong, "kind", o.Kind, "size", fixed.FormatUSD(o.Size), "collateral", fixed.FormatUSD(o.Collateral))
	ev := events.New(events.OrderCreated, e.now()).
		With("kind", o.Kind.String()).
		WithUSD("size", o.Size).
		WithUSD("collateral", o.Collateral)
	ev.Account, ev.Token, ev.PosID = o.Owner, o.Token, o.PosID
	e.sink.Emit(ev)
	return o.PosID, nil
}

func validateOrderPrices(req *OrderRequest) error {
	switch req.Kind {
	case Market:
		if req.Slippage > fixed.BasisPointsDivisor {
			return fmt.Errorf("%w: slippage %d", ErrInvalidOrderPrice, req.Slippage)
		}
	case Limit:
		if !fixed.IsPositive(req.LimitPrice) {
			return fmt.Errorf("%w: limit price", ErrInvalidOrderPrice)
		}
	case StopMarket:
		if !fixed.IsPositive(req.StopPrice) {
			return fmt.Errorf("%w: stop price", ErrInvalidOrderPrice)
		}
	case StopLimit:
		if !fixed.IsPositive(req.LimitPrice) || !fixed.IsPositive(req.StopPrice) {
			return ErrInvalidStopLimitPrice
		}
		// A long buys after the market rises through the stop, so its limit
		// must not be below the stop. Shorts mirror this.
		c := req.LimitPrice.Cmp(req.StopPrice)
		if (req.IsLong && c < 0) || (!req.IsLong && c > 0) {
			return ErrInvalidStopLimitPrice
		}
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidOrderPrice, req.Kind)
	}
	return nil
}

// withinSlippage reports whether mark lies in
// [expected*(BPD-slippage)/BPD, expected*(BPD+slippage)/BPD].
func withinSlippage(expected *big.Int, slippage uint64, mark *big.Int) bool {
	if !fixed.IsPositive(expected) {
		return true
	}
	lower := fixed.ApplyBP(expected, fixed.BasisPointsDivisor-slippage)
	upper := fixed.ApplyBP(expected, fixed.BasisPointsDivisor+slippage)
	return mark.Cmp(lower) >= 0 && mark.Cmp(upper) <= 0
}

// limitReached reports whether a limit order fires: longs at or below the
// limit, shorts at or above it.
func limitReached(isLong bool, limit, mark *big.Int) bool {
	if isLong {
		return mark.Cmp(limit) <= 0
	}
	return mark.Cmp(limit) >= 0
}

// stopReached reports whether a stop fires: longs at or above the stop,
// shorts at or below it.
func stopReached(isLong bool, stop, mark *big.Int) bool {
	if isLong {
		return mark.Cmp(stop) >= 0
	}
	return mark.Cmp(stop) <= 0
}

// triggerOrder evaluates o at mark. A stop-limit whose stop fired is
// converted into a limit order in place; converted reports that.
func triggerOrder(o *PendingOrder, mark *big.Int) (fire, converted bool) {
	switch o.Kind {
	case Limit:
		return limitReached(o.IsLong, o.LimitPrice, mark), false
	case StopMarket:
		return stopReached(o.IsLong, o.StopPrice, mark), false
	case StopLimit:
		if !stopReached(o.IsLong, o.StopPrice, mark) {
			return false, false
		}
		o.Kind = Limit
		return limitReached(o.IsLong, o.LimitPrice, mark), true
	default:
		return false, false
	}
}

// executeOrder opens the position of o at mark.
func (e *Engine) executeOrder(o *PendingOrder, mark *big.Int) error {
	cfg, err := e.settings.Token(o.Token)
	if err != nil {
		return err
	}
	g := e.settings.Global()
	if cfg.IsIncreasingPositionDisabled {
		return fmt.Errorf("%w: %s", ErrIncreaseDisabled, o.Token.Hex())
	}

	p := newPosition(o.PosID, o.Owner, o.Token, o.IsLong, o.Referrer)
	if err := e.increase(p, &cfg, &g, mark, o.Collateral, o.Size); err != nil {
		return err
	}
	p.Status = StatusOpen
	e.positions[p.ID] = p
	e.markAlive(p, true)

	if err := e.distributeFee(p, &g, o.Fee, feeMargin); err != nil {
		return err
	}
	e.closeOrder(o, OrderFilled)

	e.logger.Info("position opened", "posId", p.ID, "account", p.Owner, "token", p.Token, "long", p.IsLong,
		"size", fixed.FormatUSD(p.Size), "price", fixed.FormatUSD(mark))
	e.sink.Emit(e.emit(events.PositionOpened, p).
		With("kind", o.Kind.String()).
		WithUSD("size", p.Size).
		WithUSD("collateral", p.Collateral).
		WithUSD("price", mark).
		WithUSD("fee", o.Fee))
	return nil
}

func (e *Engine) closeOrder(o *PendingOrder, status OrderStatus) {
	o.Status = status
	delete(e.orders, o.PosID)
	e.dirty.orders[o.PosID] = struct{}{}
	if o.Kind == Market {
		for i, id := range e.queue {
			if id == o.PosID {
				e.queue = append(e.queue[:i], e.queue[i+1:]...)
				e.dirty.meta = true
				break
			}
		}
	}
}

// ExecuteOpenMarketOrders executes up to n queued market orders in FIFO
// order; n <= 0 drains the queue. A failing order is cancelled, refunded
// and reported as an execution error without aborting the batch.
func (e *Engine) ExecuteOpenMarketOrders(caller common.Address, n int) ([]ExecutionResult, error) {
	if err := e.authorizeLevel(caller, access.LevelPositionManager); err != nil {
		return nil, err
	}

	unlock := e.lock()
	defer unlock()

	if n <= 0 || n > len(e.queue) {
		n = len(e.queue)
	}
	batch := append([]uint64(nil), e.queue[:n]...)
	results := make([]ExecutionResult, 0, len(batch))

	for _, id := range batch {
		o, ok := e.orders[id]
		if !ok || o.Status != OrderPending {
			continue
		}
		err := e.executeMarketOrder(o)
		if err != nil {
			e.failMarketOrder(o, err)
		}
		results = append(results, ExecutionResult{PosID: id, Err: err})
	}
	return results, nil
}

func (e *Engine) executeMarketOrder(o *PendingOrder) error {
	mark, err := e.prices.GetLastPrice(o.Token)
	if err != nil {
		return err
	}
	if !withinSlippage(o.ExpectedPrice, o.Slippage, mark) {
		return fmt.Errorf("%w: mark %s, expected %s ± %d bp", ErrSlippageExceeded,
			fixed.FormatUSD(mark), fixed.FormatUSD(o.ExpectedPrice), o.Slippage)
	}
	return e.executeOrder(o, mark)
}

func (e *Engine) failMarketOrder(o *PendingOrder, cause error) {
	g := e.settings.Global()
	e.closeOrder(o, OrderCancelled)
	e.refund(&g, o.Owner, o.escrow())

	e.logger.Warn("market order execution failed", "posId", o.PosID, "account", o.Owner, "err", cause)
	ev := events.New(events.MarketOrderExecutionError, e.now()).
		With("kind", o.Kind.String()).
		With("reason", cause.Error()).
		WithUSD("refund", o.escrow())
	ev.Account, ev.Token, ev.PosID = o.Owner, o.Token, o.PosID
	e.sink.Emit(ev)
}

// ExecuteOrders tries each limit, stop-market and stop-limit order in ids at
// the current price. Orders whose trigger is not reached stay pending and
// report ErrOrderNotTriggered; failures never abort the batch.
func (e *Engine) ExecuteOrders(caller common.Address, ids []uint64) ([]ExecutionResult, error) {
	if err := e.authorizeLevel(caller, access.LevelPositionManager); err != nil {
		return nil, err
	}

	unlock := e.lock()
	defer unlock()

	results := make([]ExecutionResult, 0, len(ids))
	for _, id := range ids {
		results = append(results, ExecutionResult{PosID: id, Err: e.executePendingOrder(id)})
	}
	return results, nil
}

func (e *Engine) executePendingOrder(id uint64) error {
	o, ok := e.orders[id]
	if !ok || o.Status != OrderPending {
		return fmt.Errorf("%w: %d", ErrOrderNotPending, id)
	}
	if o.Kind == Market {
		return fmt.Errorf("%w: market order %d executes from the queue", ErrOrderNotTriggered, id)
	}
	mark, err := e.prices.GetLastPrice(o.Token)
	if err != nil {
		return err
	}

	fire, converted := triggerOrder(o, mark)
	if converted {
		e.dirty.orders[id] = struct{}{}
		ev := events.New(events.OrderTriggered, e.now()).
			With("kind", StopLimit.String()).
			WithUSD("price", mark)
		ev.Account, ev.Token, ev.PosID = o.Owner, o.Token, o.PosID
		e.sink.Emit(ev)
	}
	if !fire {
		return fmt.Errorf("%w: %d at %s", ErrOrderNotTriggered, id, fixed.FormatUSD(mark))
	}

	if err := e.executeOrder(o, mark); err != nil {
		e.logger.Warn("order execution failed", "posId", id, "kind", o.Kind, "err", err)
		ev := events.New(events.MarketOrderExecutionError, e.now()).
			With("kind", o.Kind.String()).
			With("reason", err.Error())
		ev.Account, ev.Token, ev.PosID = o.Owner, o.Token, o.PosID
		e.sink.Emit(ev)
		return err
	}
	return nil
}

// TriggerableOrders lists the pending limit and stop orders that would fire
// at the current prices.
func (e *Engine) TriggerableOrders() []uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	marks := make(map[common.Address]*big.Int)
	var ids []uint64
	for id, o := range e.orders {
		if o.Status != OrderPending || o.Kind == Market {
			continue
		}
		mark, ok := marks[o.Token]
		if !ok {
			var err error
			if mark, err = e.prices.GetLastPrice(o.Token); err != nil {
				continue
			}
			marks[o.Token] = mark
		}
		probe := o.Clone()
		if fire, converted := triggerOrder(&probe, mark); fire || converted {
			ids = append(ids, id)
		}
	}
	sortIDs(ids)
	return ids
}

// CancelPendingOrder cancels a pending order and refunds its escrow.
func (e *Engine) CancelPendingOrder(caller common.Address, id uint64) error {
	unlock := e.lock()
	defer unlock()

	o, ok := e.orders[id]
	if !ok || o.Status != OrderPending {
		return fmt.Errorf("%w: %d", ErrOrderNotPending, id)
	}
	if err := e.authorizeOwner(caller, o.Owner); err != nil {
		return err
	}

	g := e.settings.Global()
	e.closeOrder(o, OrderCancelled)
	e.refund(&g, o.Owner, o.escrow())

	e.logger.Info("order cancelled", "posId", id, "account", o.Owner)
	ev := events.New(events.OrderCancelled, e.now()).WithUSD("refund", o.escrow())
	ev.Account, ev.Token, ev.PosID = o.Owner, o.Token, o.PosID
	e.sink.Emit(ev)
	return nil
}

// IsNotTriggered reports whether err only means the order is still waiting.
func IsNotTriggered(err error) bool {
	return errors.Is(err, ErrOrderNotTriggered)
}
