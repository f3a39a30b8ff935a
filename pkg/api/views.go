package api

import (
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/luxfi/perps/pkg/fixed"
	"github.com/luxfi/perps/pkg/position"
	"github.com/luxfi/perps/pkg/settings"
)

// USD amounts and prices are rendered as decimal dollar strings.

type positionView struct {
	ID           uint64         `json:"id"`
	Key          string         `json:"key"`
	Owner        common.Address `json:"owner"`
	Token        common.Address `json:"token"`
	IsLong       bool           `json:"isLong"`
	Status       string         `json:"status"`
	Size         string         `json:"size"`
	Collateral   string         `json:"collateral"`
	AveragePrice string         `json:"averagePrice"`
	EntryFunding string         `json:"entryFunding"`
	RealisedPnl  string         `json:"realisedPnl"`
	Leverage     string         `json:"leverage"`
	LastIncrease time.Time      `json:"lastIncreasedTime"`

	Trailing    *trailingView                `json:"trailing,omitempty"`
	Delay       *delayView                   `json:"delay,omitempty"`
	Liquidation *position.LiquidationRequest `json:"liquidation,omitempty"`
}

type trailingView struct {
	Collateral string `json:"collateral"`
	Size       string `json:"size"`
	StepType   string `json:"stepType"`
	StepAmount string `json:"stepAmount"`
	StopPrice  string `json:"stopPrice"`
}

type delayView struct {
	Collateral string    `json:"collateral"`
	Size       string    `json:"size"`
	Fee        string    `json:"fee"`
	StartTime  time.Time `json:"startTime"`
}

func newPositionView(p position.Position) positionView {
	v := positionView{
		ID:           p.ID,
		Key:          p.Key.Hex(),
		Owner:        p.Owner,
		Token:        p.Token,
		IsLong:       p.IsLong,
		Status:       p.Status.String(),
		Size:         fixed.FormatUSD(p.Size),
		Collateral:   fixed.FormatUSD(p.Collateral),
		AveragePrice: fixed.FormatUSD(p.AveragePrice),
		EntryFunding: p.EntryFunding.String(),
		RealisedPnl:  fixed.FormatUSD(p.RealisedPnl),
		Leverage:     fixed.ToDecimal(p.Leverage(), 5).String(),
		LastIncrease: p.LastIncreasedTime,
		Liquidation:  p.Liquidation,
	}
	if t := p.Trailing; t != nil {
		tv := &trailingView{
			Collateral: fixed.FormatUSD(t.Collateral),
			Size:       fixed.FormatUSD(t.Size),
			StepType:   "amount",
			StepAmount: fixed.FormatUSD(t.StepAmount),
			StopPrice:  fixed.FormatUSD(t.StopPrice),
		}
		if t.StepType == position.StepPercent {
			tv.StepType, tv.StepAmount = "percent", t.StepAmount.String()
		}
		v.Trailing = tv
	}
	if d := p.Delay; d != nil {
		v.Delay = &delayView{
			Collateral: fixed.FormatUSD(d.Collateral),
			Size:       fixed.FormatUSD(d.Size),
			Fee:        fixed.FormatUSD(d.Fee),
			StartTime:  d.StartTime,
		}
	}
	return v
}

type orderView struct {
	PosID         uint64         `json:"posId"`
	Owner         common.Address `json:"owner"`
	Token         common.Address `json:"token"`
	IsLong        bool           `json:"isLong"`
	Kind          string         `json:"kind"`
	Status        string         `json:"status"`
	LimitPrice    string         `json:"limitPrice"`
	StopPrice     string         `json:"stopPrice"`
	ExpectedPrice string         `json:"expectedPrice"`
	Slippage      uint64         `json:"slippage"`
	Collateral    string         `json:"collateral"`
	Size          string         `json:"size"`
	Fee           string         `json:"fee"`
	CreatedAt     time.Time      `json:"createdAt"`
}

func newOrderView(o position.PendingOrder) orderView {
	return orderView{
		PosID:         o.PosID,
		Owner:         o.Owner,
		Token:         o.Token,
		IsLong:        o.IsLong,
		Kind:          o.Kind.String(),
		Status:        o.Status.String(),
		LimitPrice:    fixed.FormatUSD(o.LimitPrice),
		StopPrice:     fixed.FormatUSD(o.StopPrice),
		ExpectedPrice: fixed.FormatUSD(o.ExpectedPrice),
		Slippage:      o.Slippage,
		Collateral:    fixed.FormatUSD(o.Collateral),
		Size:          fixed.FormatUSD(o.Size),
		Fee:           fixed.FormatUSD(o.Fee),
		CreatedAt:     o.CreatedAt,
	}
}

type triggerOrderView struct {
	Index         int    `json:"index"`
	IsTP          bool   `json:"isTP"`
	Price         string `json:"price"`
	AmountPercent uint64 `json:"amountPercent"`
	Status        string `json:"status"`
}

type triggerSetView struct {
	PosID  uint64             `json:"posId"`
	Orders []triggerOrderView `json:"orders"`
}

func triggerStatusName(s position.TriggerStatus) string {
	switch s {
	case position.TriggerPending:
		return "pending"
	case position.TriggerFired:
		return "fired"
	default:
		return "cancelled"
	}
}

func newTriggerView(set position.TriggerSet) triggerSetView {
	v := triggerSetView{PosID: set.PosID, Orders: make([]triggerOrderView, len(set.Orders))}
	for i, o := range set.Orders {
		v.Orders[i] = triggerOrderView{
			Index:         i,
			IsTP:          o.IsTP,
			Price:         fixed.FormatUSD(o.Price),
			AmountPercent: o.AmountPercent,
			Status:        triggerStatusName(o.Status),
		}
	}
	return v
}

type decreaseView struct {
	Pnl        string `json:"pnl"`
	Fees       string `json:"fees"`
	Payout     string `json:"payout"`
	Closed     bool   `json:"closed"`
	MarkPrice  string `json:"markPrice"`
	SizeDelta  string `json:"sizeDelta"`
	Collateral string `json:"collateral"`
}

func newDecreaseView(r *position.DecreaseResult) decreaseView {
	return decreaseView{
		Pnl:        fixed.FormatUSD(r.Pnl),
		Fees:       fixed.FormatUSD(r.Fees),
		Payout:     fixed.FormatUSD(r.Payout),
		Closed:     r.Closed,
		MarkPrice:  fixed.FormatUSD(r.MarkPrice),
		SizeDelta:  fixed.FormatUSD(r.SizeDelta),
		Collateral: fixed.FormatUSD(r.Collateral),
	}
}

func liquidationStateName(s position.LiquidationState) string {
	switch s {
	case position.LiquidatableThreshold:
		return "threshold"
	case position.LiquidatableFeesExceedCollateral:
		return "fees-exceed-collateral"
	default:
		return "none"
	}
}

func newLiquidationView(r *position.LiquidationResult) map[string]string {
	return map[string]string{
		"state":         liquidationStateName(r.State),
		"feeTaken":      fixed.FormatUSD(r.FeeTaken),
		"teamShare":     fixed.FormatUSD(r.TeamShare),
		"callerShare":   fixed.FormatUSD(r.CallerShare),
		"resolverShare": fixed.FormatUSD(r.ResolverShare),
		"poolShare":     fixed.FormatUSD(r.PoolShare),
	}
}

func (s *JSONRPCServer) positionResult(id uint64) (interface{}, error) {
	p, err := s.backend.Engine.GetPosition(id)
	if err != nil {
		return nil, err
	}
	return newPositionView(p), nil
}

func (s *JSONRPCServer) getPosition(params json.RawMessage) (interface{}, error) {
	var p positionParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	pos, err := s.backend.Engine.GetPosition(p.PosID)
	if err != nil {
		return nil, err
	}
	v := map[string]interface{}{"position": newPositionView(pos)}
	if pos.Status == position.StatusOpen {
		if pnl, err := s.backend.Engine.UnrealisedPnl(p.PosID); err == nil {
			v["unrealisedPnl"] = fixed.FormatUSD(pnl)
		}
		if fee, err := s.backend.Engine.PendingFundingFee(p.PosID); err == nil {
			v["pendingFundingFee"] = fixed.FormatUSD(fee)
		}
	}
	return v, nil
}

type accountParams struct {
	Account common.Address `json:"account"`
	Token   common.Address `json:"token"`
}

func (s *JSONRPCServer) getAlivePositions(params json.RawMessage) (interface{}, error) {
	var p accountParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	ids := s.backend.Engine.GetAlivePositions(p.Account)
	out := make([]positionView, 0, len(ids))
	for _, id := range ids {
		pos, err := s.backend.Engine.GetPosition(id)
		if err != nil {
			continue
		}
		out = append(out, newPositionView(pos))
	}
	return out, nil
}

func (s *JSONRPCServer) getPendingOrder(params json.RawMessage) (interface{}, error) {
	var p positionParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	o, err := s.backend.Engine.GetPendingOrder(p.PosID)
	if err != nil {
		return nil, err
	}
	return newOrderView(o), nil
}

func (s *JSONRPCServer) getPendingOrders(params json.RawMessage) (interface{}, error) {
	var p accountParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	orders := s.backend.Engine.PendingOrders(p.Account)
	out := make([]orderView, len(orders))
	for i, o := range orders {
		out[i] = newOrderView(o)
	}
	return out, nil
}

func (s *JSONRPCServer) getTriggerOrders(params json.RawMessage) (interface{}, error) {
	var p positionParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return newTriggerView(s.backend.Engine.GetTriggerOrders(p.PosID)), nil
}

func (s *JSONRPCServer) getOpenInterest(params json.RawMessage) (interface{}, error) {
	var p accountParams
	if len(params) > 0 {
		if err := decode(params, &p); err != nil {
			return nil, err
		}
	}
	e := s.backend.Engine
	v := map[string]interface{}{
		"long":  fixed.FormatUSD(e.OpenInterestSide(true)),
		"short": fixed.FormatUSD(e.OpenInterestSide(false)),
	}
	if p.Token != (common.Address{}) {
		oi := e.OpenInterestOf(p.Token)
		v["token"] = map[string]string{
			"asset":    fixed.FormatUSD(oi.Asset),
			"long":     fixed.FormatUSD(oi.Long),
			"short":    fixed.FormatUSD(oi.Short),
			"reserved": e.ReservedAmount(p.Token).String(),
		}
	}
	if p.Account != (common.Address{}) {
		v["user"] = fixed.FormatUSD(e.OpenInterestUser(p.Account))
	}
	return v, nil
}

func (s *JSONRPCServer) getFunding(params json.RawMessage) (interface{}, error) {
	var p accountParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	long, err := s.backend.Engine.FundingIndex(p.Token, true)
	if err != nil {
		return nil, err
	}
	short, err := s.backend.Engine.FundingIndex(p.Token, false)
	if err != nil {
		return nil, err
	}
	return map[string]string{"token": p.Token.Hex(), "long": long.String(), "short": short.String()}, nil
}

func (s *JSONRPCServer) getPrice(params json.RawMessage) (interface{}, error) {
	var p accountParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	price, err := s.backend.Prices.GetLastPrice(p.Token)
	if err != nil {
		return nil, err
	}
	return map[string]string{"token": p.Token.Hex(), "price": fixed.FormatUSD(price)}, nil
}

func (s *JSONRPCServer) balanceOf(params json.RawMessage) (interface{}, error) {
	var p accountParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	v := map[string]string{
		"token":   p.Token.Hex(),
		"account": p.Account.Hex(),
		"balance": s.backend.Balances.BalanceOf(p.Token, p.Account).String(),
	}
	if s.backend.Pool != nil {
		v["shares"] = s.backend.Pool.SharesOf(p.Account).String()
	}
	return v, nil
}

func (s *JSONRPCServer) getPool(json.RawMessage) (interface{}, error) {
	pool := s.backend.Pool
	return map[string]string{
		"totalUSD":    fixed.FormatUSD(pool.TotalUSD()),
		"totalShares": fixed.ToDecimal(pool.TotalShares(), fixed.ShareDecimals).String(),
		"sharePrice":  fixed.FormatUSD(pool.SharePrice()),
	}, nil
}

type settingsView struct {
	Global settings.Global        `json:"global"`
	Tokens []settings.TokenConfig `json:"tokens"`
}

func (s *JSONRPCServer) getSettings(params json.RawMessage) (interface{}, error) {
	var p accountParams
	if len(params) > 0 {
		if err := decode(params, &p); err != nil {
			return nil, err
		}
	}
	reg := s.backend.Settings
	if p.Token != (common.Address{}) {
		cfg, err := reg.Token(p.Token)
		if err != nil {
			return nil, err
		}
		return cfg, nil
	}
	v := settingsView{Global: reg.Global()}
	for _, tok := range reg.Tokens() {
		if cfg, err := reg.Token(tok); err == nil {
			v.Tokens = append(v.Tokens, cfg)
		}
	}
	return v, nil
}
