package position

import (
	"encoding/binary"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"

	"github.com/luxfi/perps/pkg/fixed"
)

// MaxTriggerOrders bounds the TP/SL entries attached to one position.
const MaxTriggerOrders = 10

var (
	ErrMaxLeverageExceeded    = errors.New("max leverage exceeded")
	ErrLeverageBelowOne       = errors.New("leverage below one")
	ErrZeroCollateral         = errors.New("zero collateral")
	ErrNotAllowedToClose      = errors.New("not allowed to close")
	ErrSlippageExceeded       = errors.New("slippage exceeded")
	ErrInvalidStopLimitPrice  = errors.New("invalid stop limit price")
	ErrInvalidOrderPrice      = errors.New("invalid order price")
	ErrOrderNotPending        = errors.New("order not pending")
	ErrOrderNotTriggered      = errors.New("order not triggered")
	ErrNotExceedOrAllowed     = errors.New("not exceed or allowed")
	ErrLiquidationRegistered  = errors.New("liquidation already registered")
	ErrLiquidationPending     = errors.New("liquidation pending time not passed")
	ErrTrailingTooLarge       = errors.New("trailing size too large")
	ErrInvalidTrailingData    = errors.New("invalid trailing data")
	ErrNoTrailingStop         = errors.New("no trailing stop")
	ErrPriceIncorrect         = errors.New("price incorrect")
	ErrTriggerDataIncorrect   = errors.New("trigger data incorrect")
	ErrTriggerNotPending      = errors.New("trigger order not pending")
	ErrTooManyTriggers        = errors.New("too many trigger orders")
	ErrPositionSizeZero       = errors.New("position size zero")
	ErrInvalidTriggerGasFee   = errors.New("invalid trigger gas fee")
	ErrPositionNotFound       = errors.New("position not found")
	ErrPositionNotOpen        = errors.New("position not open")
	ErrIncreaseDisabled       = errors.New("increasing position disabled")
	ErrOpenInterestExceeded   = errors.New("max open interest exceeded")
	ErrInvalidSizeDelta       = errors.New("invalid size delta")
	ErrDelayPending           = errors.New("delay transaction pending")
	ErrNoDelayTransaction     = errors.New("no delay transaction")
	ErrDelayNotPassed         = errors.New("delay not passed")
	ErrLossesExceedCollateral = errors.New("losses exceed collateral")
)

// Status is the lifecycle state of a position.
type Status uint8

const (
	StatusNone Status = iota
	StatusOpen
	StatusClosed
	StatusLiquidated
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusClosed:
		return "closed"
	case StatusLiquidated:
		return "liquidated"
	default:
		return "none"
	}
}

// OrderKind is the execution style of a pending order.
type OrderKind uint8

const (
	Market OrderKind = iota
	Limit
	StopMarket
	StopLimit
)

func (k OrderKind) String() string {
	switch k {
	case Market:
		return "market"
	case Limit:
		return "limit"
	case StopMarket:
		return "stop-market"
	case StopLimit:
		return "stop-limit"
	default:
		return "unknown"
	}
}

// OrderStatus is the lifecycle state of a pending order.
type OrderStatus uint8

const (
	OrderPending OrderStatus = iota
	OrderFilled
	OrderCancelled
)

func (s OrderStatus) String() string {
	switch s {
	case OrderPending:
		return "pending"
	case OrderFilled:
		return "filled"
	default:
		return "cancelled"
	}
}

// TriggerStatus is the state of one TP/SL entry.
type TriggerStatus uint8

const (
	TriggerPending TriggerStatus = iota
	TriggerFired
	TriggerCancelled
)

// StepType selects how a trailing stop ratchets.
type StepType uint8

const (
	StepAmount  StepType = 0 // absolute price delta
	StepPercent StepType = 1 // basis points of price
)

// LiquidationState is the result of ValidateLiquidation.
type LiquidationState uint8

const (
	NotLiquidatable LiquidationState = iota
	LiquidatableThreshold
	LiquidatableFeesExceedCollateral
)

// Position is one leveraged exposure. USD amounts and prices use 1e30.
type Position struct {
	ID       uint64         `json:"id"`
	Key      common.Hash    `json:"key"`
	Owner    common.Address `json:"owner"`
	Token    common.Address `json:"token"`
	IsLong   bool           `json:"isLong"`
	Referrer common.Address `json:"referrer"`
	Status   Status         `json:"status"`

	Size          *big.Int `json:"size"`
	Collateral    *big.Int `json:"collateral"`
	AveragePrice  *big.Int `json:"averagePrice"`
	EntryFunding  *big.Int `json:"entryFunding"`
	ReserveAmount *big.Int `json:"reserveAmount"`
	RealisedPnl   *big.Int `json:"realisedPnl"`

	LastIncreasedTime time.Time `json:"lastIncreasedTime"`

	Trailing    *TrailingStop       `json:"trailing,omitempty"`
	Delay       *DelayedIncrease    `json:"delay,omitempty"`
	Liquidation *LiquidationRequest `json:"liquidation,omitempty"`
}

func newPosition(id uint64, owner, token common.Address, isLong bool, referrer common.Address) *Position {
	return &Position{
		ID:            id,
		Key:           PositionKey(owner, token, isLong, id),
		Owner:         owner,
		Token:         token,
		IsLong:        isLong,
		Referrer:      referrer,
		Size:          new(big.Int),
		Collateral:    new(big.Int),
		AveragePrice:  new(big.Int),
		EntryFunding:  new(big.Int),
		ReserveAmount: new(big.Int),
		RealisedPnl:   new(big.Int),
	}
}

// Clone returns a deep copy.
func (p *Position) Clone() Position {
	c := *p
	c.Size = fixed.Copy(p.Size)
	c.Collateral = fixed.Copy(p.Collateral)
	c.AveragePrice = fixed.Copy(p.AveragePrice)
	c.EntryFunding = fixed.Copy(p.EntryFunding)
	c.ReserveAmount = fixed.Copy(p.ReserveAmount)
	c.RealisedPnl = fixed.Copy(p.RealisedPnl)
	if p.Trailing != nil {
		t := *p.Trailing
		t.Collateral = fixed.Copy(t.Collateral)
		t.Size = fixed.Copy(t.Size)
		t.StepAmount = fixed.Copy(t.StepAmount)
		t.StopPrice = fixed.Copy(t.StopPrice)
		c.Trailing = &t
	}
	if p.Delay != nil {
		d := *p.Delay
		d.Collateral = fixed.Copy(d.Collateral)
		d.Size = fixed.Copy(d.Size)
		d.Fee = fixed.Copy(d.Fee)
		c.Delay = &d
	}
	if p.Liquidation != nil {
		l := *p.Liquidation
		c.Liquidation = &l
	}
	return c
}

// Leverage returns size/collateral in basis points.
func (p *Position) Leverage() *big.Int {
	if p.Collateral.Sign() == 0 {
		return new(big.Int)
	}
	return fixed.MulDiv(p.Size, fixed.BPD, p.Collateral)
}

// TrailingStop is a stop-loss whose stop price ratchets with the market.
type TrailingStop struct {
	Collateral *big.Int `json:"collateral"`
	Size       *big.Int `json:"size"`
	StepType   StepType `json:"stepType"`
	StepAmount *big.Int `json:"stepAmount"`
	StopPrice  *big.Int `json:"stopPrice"`
}

// TrailingParams is the request form of a trailing stop.
type TrailingParams struct {
	Collateral *big.Int
	Size       *big.Int
	StepType   StepType
	StepPrice  *big.Int // initial stop price
	StepAmount *big.Int
}

// DelayedIncrease is an add-position request awaiting confirmation.
type DelayedIncrease struct {
	Collateral *big.Int  `json:"collateral"`
	Size       *big.Int  `json:"size"`
	Fee        *big.Int  `json:"fee"`
	StartTime  time.Time `json:"startTime"`
}

// LiquidationRequest records the first caller of a two-phase liquidation.
type LiquidationRequest struct {
	Caller       common.Address `json:"caller"`
	RegisteredAt time.Time      `json:"registeredAt"`
}

// PendingOrder is a position request that has not been executed.
type PendingOrder struct {
	PosID    uint64         `json:"posId"`
	Owner    common.Address `json:"owner"`
	Token    common.Address `json:"token"`
	IsLong   bool           `json:"isLong"`
	Kind     OrderKind      `json:"kind"`
	Status   OrderStatus    `json:"status"`
	Referrer common.Address `json:"referrer"`

	LimitPrice    *big.Int `json:"limitPrice"`
	StopPrice     *big.Int `json:"stopPrice"`
	ExpectedPrice *big.Int `json:"expectedPrice"`
	Slippage      uint64   `json:"slippage"`

	Collateral *big.Int `json:"collateral"`
	Size       *big.Int `json:"size"`
	Fee        *big.Int `json:"fee"` // escrowed with the collateral

	CreatedAt time.Time `json:"createdAt"`
}

// Clone returns a deep copy.
func (o *PendingOrder) Clone() PendingOrder {
	c := *o
	c.LimitPrice = fixed.Copy(o.LimitPrice)
	c.StopPrice = fixed.Copy(o.StopPrice)
	c.ExpectedPrice = fixed.Copy(o.ExpectedPrice)
	c.Collateral = fixed.Copy(o.Collateral)
	c.Size = fixed.Copy(o.Size)
	c.Fee = fixed.Copy(o.Fee)
	return c
}

func (o *PendingOrder) escrow() *big.Int {
	return new(big.Int).Add(o.Collateral, o.Fee)
}

// OrderRequest is the input of NewPositionOrder.
type OrderRequest struct {
	Account  common.Address
	Token    common.Address
	IsLong   bool
	Kind     OrderKind
	Referrer common.Address

	LimitPrice    *big.Int
	StopPrice     *big.Int
	ExpectedPrice *big.Int // market orders
	Slippage      uint64   // basis points, market orders

	Collateral *big.Int
	Size       *big.Int
}

// TriggerOrder is one take-profit or stop-loss entry.
type TriggerOrder struct {
	IsTP          bool          `json:"isTP"`
	Price         *big.Int      `json:"price"`
	AmountPercent uint64        `json:"amountPercent"`
	Status        TriggerStatus `json:"status"`
}

// TriggerSet is the bounded list of TP/SL entries of a position.
type TriggerSet struct {
	PosID  uint64         `json:"posId"`
	Orders []TriggerOrder `json:"orders"`
}

// Clone returns a deep copy.
func (s *TriggerSet) Clone() TriggerSet {
	c := TriggerSet{PosID: s.PosID, Orders: make([]TriggerOrder, len(s.Orders))}
	for i, o := range s.Orders {
		o.Price = fixed.Copy(o.Price)
		c.Orders[i] = o
	}
	return c
}

func (s *TriggerSet) pending() int {
	n := 0
	for _, o := range s.Orders {
		if o.Status == TriggerPending {
			n++
		}
	}
	return n
}

// ExecutionResult reports the outcome of one item of a batch.
type ExecutionResult struct {
	PosID uint64
	Err   error
}

// LiquidationResult describes where a liquidated position's fees went.
type LiquidationResult struct {
	State         LiquidationState `json:"state"`
	FeeTaken      *big.Int         `json:"feeTaken"`
	TeamShare     *big.Int         `json:"teamShare"`
	CallerShare   *big.Int         `json:"callerShare"`
	ResolverShare *big.Int         `json:"resolverShare"`
	PoolShare     *big.Int         `json:"poolShare"`
}

// PositionKey returns keccak256(account, token, isLong, posId).
func PositionKey(account, token common.Address, isLong bool, posID uint64) common.Hash {
	var buf [20 + 20 + 1 + 8]byte
	copy(buf[0:20], account.Bytes())
	copy(buf[20:40], token.Bytes())
	if isLong {
		buf[40] = 1
	}
	binary.BigEndian.PutUint64(buf[41:], posID)

	h := sha3.NewLegacyKeccak256()
	h.Write(buf[:])
	return common.BytesToHash(h.Sum(nil))
}
