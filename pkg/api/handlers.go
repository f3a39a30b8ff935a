package api

import (
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/luxfi/perps/pkg/fixed"
	"github.com/luxfi/perps/pkg/position"
)

type positionParams struct {
	From  common.Address `json:"from"`
	PosID uint64         `json:"posId"`
}

type newOrderParams struct {
	From          common.Address `json:"from"`
	Account       common.Address `json:"account"`
	Token         common.Address `json:"token"`
	IsLong        bool           `json:"isLong"`
	Kind          string         `json:"kind"`
	Referrer      common.Address `json:"referrer"`
	LimitPrice    USD            `json:"limitPrice"`
	StopPrice     USD            `json:"stopPrice"`
	ExpectedPrice USD            `json:"expectedPrice"`
	Slippage      uint64         `json:"slippage"`
	Collateral    USD            `json:"collateral"`
	Size          USD            `json:"size"`
}

func (s *JSONRPCServer) newPositionOrder(params json.RawMessage) (interface{}, error) {
	var p newOrderParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	kind, err := parseKind(p.Kind)
	if err != nil {
		return nil, invalidParams("%v", err)
	}
	if p.Account == (common.Address{}) {
		p.Account = p.From
	}
	id, err := s.backend.Engine.NewPositionOrder(p.From, position.OrderRequest{
		Account:       p.Account,
		Token:         p.Token,
		IsLong:        p.IsLong,
		Kind:          kind,
		Referrer:      p.Referrer,
		LimitPrice:    usdOrZero(p.LimitPrice),
		StopPrice:     usdOrZero(p.StopPrice),
		ExpectedPrice: usdOrZero(p.ExpectedPrice),
		Slippage:      p.Slippage,
		Collateral:    p.Collateral.Big(),
		Size:          p.Size.Big(),
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"posId": id, "kind": kind.String()}, nil
}

func (s *JSONRPCServer) cancelPendingOrder(params json.RawMessage) (interface{}, error) {
	var p positionParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := s.backend.Engine.CancelPendingOrder(p.From, p.PosID); err != nil {
		return nil, err
	}
	return true, nil
}

type batchParams struct {
	From   common.Address `json:"from"`
	PosIDs []uint64       `json:"posIds"`
	Count  int            `json:"count"`
}

type executionView struct {
	PosID uint64 `json:"posId"`
	Error string `json:"error,omitempty"`
}

func executionViews(results []position.ExecutionResult) []executionView {
	out := make([]executionView, len(results))
	for i, r := range results {
		out[i] = executionView{PosID: r.PosID}
		if r.Err != nil {
			out[i].Error = r.Err.Error()
		}
	}
	return out
}

func (s *JSONRPCServer) executeOrders(params json.RawMessage) (interface{}, error) {
	var p batchParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	ids := p.PosIDs
	if len(ids) == 0 {
		ids = s.backend.Engine.TriggerableOrders()
	}
	results, err := s.backend.Engine.ExecuteOrders(p.From, ids)
	if err != nil {
		return nil, err
	}
	return executionViews(results), nil
}

func (s *JSONRPCServer) executeOpenMarketOrders(params json.RawMessage) (interface{}, error) {
	var p batchParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	results, err := s.backend.Engine.ExecuteOpenMarketOrders(p.From, p.Count)
	if err != nil {
		return nil, err
	}
	return executionViews(results), nil
}

type sizeParams struct {
	From       common.Address `json:"from"`
	PosID      uint64         `json:"posId"`
	Collateral USD            `json:"collateral"`
	Size       USD            `json:"size"`
}

func (s *JSONRPCServer) addPosition(params json.RawMessage) (interface{}, error) {
	var p sizeParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := s.backend.Engine.AddPosition(p.From, p.PosID, usdOrZero(p.Collateral), usdOrZero(p.Size)); err != nil {
		return nil, err
	}
	return s.positionResult(p.PosID)
}

func (s *JSONRPCServer) confirmDelay(params json.RawMessage) (interface{}, error) {
	var p positionParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := s.backend.Engine.ConfirmDelayTransaction(p.From, p.PosID); err != nil {
		return nil, err
	}
	return s.positionResult(p.PosID)
}

func (s *JSONRPCServer) cancelDelay(params json.RawMessage) (interface{}, error) {
	var p positionParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := s.backend.Engine.CancelDelayTransaction(p.From, p.PosID); err != nil {
		return nil, err
	}
	return true, nil
}

type collateralParams struct {
	From   common.Address `json:"from"`
	PosID  uint64         `json:"posId"`
	IsAdd  bool           `json:"isAdd"`
	Amount USD            `json:"amount"`
}

func (s *JSONRPCServer) addOrRemoveCollateral(params json.RawMessage) (interface{}, error) {
	var p collateralParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.Amount.Big() == nil {
		return nil, invalidParams("amount is required")
	}
	if err := s.backend.Engine.AddOrRemoveCollateral(p.From, p.PosID, p.IsAdd, p.Amount.Big()); err != nil {
		return nil, err
	}
	return s.positionResult(p.PosID)
}

func (s *JSONRPCServer) decreasePosition(params json.RawMessage) (interface{}, error) {
	var p sizeParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.Size.Big() == nil {
		return nil, invalidParams("size is required")
	}
	res, err := s.backend.Engine.DecreasePosition(p.From, p.PosID, p.Size.Big())
	if err != nil {
		return nil, err
	}
	return newDecreaseView(res), nil
}

func (s *JSONRPCServer) closePosition(params json.RawMessage) (interface{}, error) {
	var p positionParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	res, err := s.backend.Engine.ClosePosition(p.From, p.PosID)
	if err != nil {
		return nil, err
	}
	return newDecreaseView(res), nil
}

func (s *JSONRPCServer) closePositions(params json.RawMessage) (interface{}, error) {
	var p batchParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if len(p.PosIDs) == 0 {
		return nil, invalidParams("posIds is required")
	}
	return executionViews(s.backend.Engine.ClosePositions(p.From, p.PosIDs)), nil
}

type triggerParams struct {
	From    common.Address `json:"from"`
	PosID   uint64         `json:"posId"`
	Orders  []triggerInput `json:"orders"`
	GasPaid Amount         `json:"gasPaid"`
}

type triggerInput struct {
	IsTP          bool   `json:"isTP"`
	Price         USD    `json:"price"`
	AmountPercent uint64 `json:"amountPercent"`
}

func (s *JSONRPCServer) addTriggerOrders(params json.RawMessage) (interface{}, error) {
	var p triggerParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if len(p.Orders) == 0 {
		return nil, invalidParams("orders is required")
	}
	isTPs := make([]bool, len(p.Orders))
	prices := make([]*big.Int, len(p.Orders))
	pcts := make([]uint64, len(p.Orders))
	for i, o := range p.Orders {
		if o.Price.Big() == nil {
			return nil, invalidParams("orders[%d]: price is required", i)
		}
		isTPs[i], prices[i], pcts[i] = o.IsTP, o.Price.Big(), o.AmountPercent
	}
	if err := s.backend.Engine.AddTriggerOrders(p.From, p.PosID, isTPs, prices, pcts, p.GasPaid.Big()); err != nil {
		return nil, err
	}
	return newTriggerView(s.backend.Engine.GetTriggerOrders(p.PosID)), nil
}

type cancelTriggerParams struct {
	From  common.Address `json:"from"`
	PosID uint64         `json:"posId"`
	Index int            `json:"index"`
}

func (s *JSONRPCServer) cancelTriggerOrder(params json.RawMessage) (interface{}, error) {
	var p cancelTriggerParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := s.backend.Engine.CancelTriggerOrder(p.From, p.PosID, p.Index); err != nil {
		return nil, err
	}
	return true, nil
}

func (s *JSONRPCServer) cancelPositionTrigger(params json.RawMessage) (interface{}, error) {
	var p positionParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := s.backend.Engine.CancelPositionTrigger(p.From, p.PosID); err != nil {
		return nil, err
	}
	return true, nil
}

func (s *JSONRPCServer) executeTriggerOrders(params json.RawMessage) (interface{}, error) {
	var p positionParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	fired, err := s.backend.Engine.ExecuteTriggerOrders(p.From, p.PosID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"posId": p.PosID, "fired": fired}, nil
}

type trailingParams struct {
	From       common.Address `json:"from"`
	PosID      uint64         `json:"posId"`
	Collateral USD            `json:"collateral"`
	Size       USD            `json:"size"`
	StepType   string         `json:"stepType"`
	StopPrice  USD            `json:"stopPrice"`
	// StepAmount is a dollar delta for "amount" steps and basis points for
	// "percent" steps.
	StepAmount json.RawMessage `json:"stepAmount"`
}

func (s *JSONRPCServer) addTrailingStop(params json.RawMessage) (interface{}, error) {
	var p trailingParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	stepType, err := parseStepType(p.StepType)
	if err != nil {
		return nil, invalidParams("%v", err)
	}
	var step *big.Int
	if stepType == position.StepPercent {
		var a Amount
		if err := json.Unmarshal(p.StepAmount, &a); err != nil {
			return nil, invalidParams("stepAmount: %v", err)
		}
		step = a.Big()
	} else {
		var u USD
		if err := json.Unmarshal(p.StepAmount, &u); err != nil {
			return nil, invalidParams("stepAmount: %v", err)
		}
		step = u.Big()
	}
	err = s.backend.Engine.AddTrailingStop(p.From, p.PosID, position.TrailingParams{
		Collateral: p.Collateral.Big(),
		Size:       p.Size.Big(),
		StepType:   stepType,
		StepPrice:  p.StopPrice.Big(),
		StepAmount: step,
	})
	if err != nil {
		return nil, err
	}
	return s.positionResult(p.PosID)
}

func (s *JSONRPCServer) updateTrailingStop(params json.RawMessage) (interface{}, error) {
	var p positionParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := s.backend.Engine.UpdateTrailingStop(p.From, p.PosID); err != nil {
		return nil, err
	}
	return s.positionResult(p.PosID)
}

func (s *JSONRPCServer) cancelTrailingStop(params json.RawMessage) (interface{}, error) {
	var p positionParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := s.backend.Engine.CancelTrailingStop(p.From, p.PosID); err != nil {
		return nil, err
	}
	return true, nil
}

func (s *JSONRPCServer) executeTrailingStop(params json.RawMessage) (interface{}, error) {
	var p positionParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	res, err := s.backend.Engine.ExecuteTrailingStop(p.From, p.PosID)
	if err != nil {
		return nil, err
	}
	return newDecreaseView(res), nil
}

func (s *JSONRPCServer) registerLiquidation(params json.RawMessage) (interface{}, error) {
	var p positionParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := s.backend.Engine.RegisterLiquidatePosition(p.From, p.PosID); err != nil {
		return nil, err
	}
	return true, nil
}

func (s *JSONRPCServer) liquidatePosition(params json.RawMessage) (interface{}, error) {
	var p positionParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	res, err := s.backend.Engine.LiquidatePosition(p.From, p.PosID)
	if err != nil {
		return nil, err
	}
	return newLiquidationView(res), nil
}

func (s *JSONRPCServer) validateLiquidation(params json.RawMessage) (interface{}, error) {
	var p positionParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	state, fees, err := s.backend.Engine.ValidateLiquidation(p.PosID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"posId":        p.PosID,
		"liquidatable": state != position.NotLiquidatable,
		"state":        liquidationStateName(state),
		"fees":         fixed.FormatUSD(fees),
	}, nil
}

type poolParams struct {
	From    common.Address `json:"from"`
	Account common.Address `json:"account"`
	Token   common.Address `json:"token"`
	Amount  Amount         `json:"amount"`
}

type poolFunc func(caller, account, tok common.Address, amount *big.Int) (*big.Int, error)

// poolOp runs one of the pool's token-moving operations. Amounts are raw
// integers: token units for stake and deposit, shares for unstake and VUSD
// for withdraw.
func (s *JSONRPCServer) poolOp(params json.RawMessage, name string, fn poolFunc) (interface{}, error) {
	var p poolParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.Amount.Big() == nil {
		return nil, invalidParams("amount is required")
	}
	if p.Account == (common.Address{}) {
		p.Account = p.From
	}
	out, err := fn(p.From, p.Account, p.Token, p.Amount.Big())
	if err != nil {
		return nil, err
	}
	s.checkpoint()
	return map[string]interface{}{"operation": name, "amountOut": out.String()}, nil
}
