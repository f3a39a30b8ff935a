// Package position implements the position ledger and the engine that
// drives it: order submission and execution, increases, decreases,
// collateral changes, funding, fees, liquidation and TP/SL/trailing stops.
//
// All USD amounts and prices carry 30 decimals. Every exported mutation is
// atomic: it holds the engine lock for its whole duration and validates
// before it changes any state.
package position

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/log"

	"github.com/luxfi/perps/pkg/access"
	"github.com/luxfi/perps/pkg/events"
	"github.com/luxfi/perps/pkg/fixed"
	"github.com/luxfi/perps/pkg/price"
	"github.com/luxfi/perps/pkg/settings"
	"github.com/luxfi/perps/pkg/token"
)

// Vault is the pool balance that absorbs trading PnL and fee remainders.
type Vault interface {
	AddUSD(amount *big.Int)
	SubUSD(amount *big.Int) error
	TotalUSD() *big.Int
}

// Prices supplies 1e30 prices.
type Prices interface {
	GetLastPrice(token common.Address) (*big.Int, error)
}

// Settings is the settings surface the engine consumes.
type Settings interface {
	Token(token common.Address) (settings.TokenConfig, error)
	Global() settings.Global
	MaxOpenInterestPerUser(account common.Address) *big.Int
}

// Journal receives the records changed by each mutation.
type Journal interface {
	Write(changes Changes) error
}

// Changes is the set of records touched by one mutation.
type Changes struct {
	Positions []Position
	Orders    []PendingOrder
	Triggers  []TriggerSet
	Funding   []FundingState
	NextPosID uint64
	Queue     []uint64
}

// Config wires an Engine to its collaborators.
type Config struct {
	Vault    Vault
	Prices   Prices
	Settings Settings
	Custody  token.Custody
	Access   access.Checker
	Sink     events.Sink
	Journal  Journal
	Logger   log.Logger
	Now      func() time.Time
}

type sideKey struct {
	token  common.Address
	isLong bool
}

// Engine is the position state machine.
type Engine struct {
	positions map[uint64]*Position
	alive     map[common.Address]map[uint64]struct{}
	orders    map[uint64]*PendingOrder
	triggers  map[uint64]*TriggerSet
	queue     []uint64
	nextPosID uint64

	funding map[sideKey]*FundingState

	oiAsset map[common.Address]*big.Int
	oiSide  map[sideKey]*big.Int
	oiTotal map[bool]*big.Int
	oiUser  map[common.Address]*big.Int
	reserve map[common.Address]*big.Int

	vault    Vault
	prices   Prices
	settings Settings
	custody  token.Custody
	access   access.Checker
	sink     events.Sink
	journal  Journal
	logger   log.Logger
	now      func() time.Time

	dirty dirtySet
	mu    sync.RWMutex
}

type dirtySet struct {
	positions map[uint64]struct{}
	orders    map[uint64]struct{}
	triggers  map[uint64]struct{}
	funding   map[sideKey]struct{}
	meta      bool
}

func (d *dirtySet) reset() {
	d.positions = make(map[uint64]struct{})
	d.orders = make(map[uint64]struct{})
	d.triggers = make(map[uint64]struct{})
	d.funding = make(map[sideKey]struct{})
	d.meta = false
}

// New creates an empty engine.
func New(cfg Config) *Engine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sink == nil {
		cfg.Sink = events.Discard{}
	}
	e := &Engine{
		positions: make(map[uint64]*Position),
		alive:     make(map[common.Address]map[uint64]struct{}),
		orders:    make(map[uint64]*PendingOrder),
		triggers:  make(map[uint64]*TriggerSet),
		nextPosID: 1,
		funding:   make(map[sideKey]*FundingState),
		oiAsset:   make(map[common.Address]*big.Int),
		oiSide:    make(map[sideKey]*big.Int),
		oiTotal:   map[bool]*big.Int{true: new(big.Int), false: new(big.Int)},
		oiUser:    make(map[common.Address]*big.Int),
		reserve:   make(map[common.Address]*big.Int),
		vault:     cfg.Vault,
		prices:    cfg.Prices,
		settings:  cfg.Settings,
		custody:   cfg.Custody,
		access:    cfg.Access,
		sink:      cfg.Sink,
		journal:   cfg.Journal,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
	e.dirty.reset()
	return e
}

// lock takes the engine lock; the returned func flushes the journal and unlocks.
func (e *Engine) lock() func() {
	e.mu.Lock()
	return func() {
		e.flush()
		e.mu.Unlock()
	}
}

func (e *Engine) flush() {
	d := &e.dirty
	if e.journal == nil || (len(d.positions) == 0 && len(d.orders) == 0 && len(d.triggers) == 0 && len(d.funding) == 0 && !d.meta) {
		d.reset()
		return
	}

	var c Changes
	for id := range d.positions {
		if p, ok := e.positions[id]; ok {
			c.Positions = append(c.Positions, p.Clone())
		}
	}
	for id := range d.orders {
		if o, ok := e.orders[id]; ok {
			c.Orders = append(c.Orders, o.Clone())
		} else {
			c.Orders = append(c.Orders, PendingOrder{PosID: id, Status: OrderCancelled})
		}
	}
	for id := range d.triggers {
		if s, ok := e.triggers[id]; ok {
			c.Triggers = append(c.Triggers, s.Clone())
		} else {
			c.Triggers = append(c.Triggers, TriggerSet{PosID: id})
		}
	}
	for k := range d.funding {
		c.Funding = append(c.Funding, e.funding[k].clone())
	}
	c.NextPosID = e.nextPosID
	c.Queue = append([]uint64(nil), e.queue...)

	if err := e.journal.Write(c); err != nil {
		e.logger.Error("failed to persist engine changes", "err", err)
	}
	d.reset()
}

func (e *Engine) touch(p *Position) {
	e.dirty.positions[p.ID] = struct{}{}
}

func (e *Engine) emit(t events.Type, p *Position) events.Event {
	ev := events.New(t, e.now())
	if p != nil {
		ev.Account, ev.Token, ev.PosID = p.Owner, p.Token, p.ID
	}
	return ev
}

// authorizeOwner checks caller may act on positions of owner.
func (e *Engine) authorizeOwner(caller, owner common.Address) error {
	if e.access.IsBanned(caller) || e.access.IsBanned(owner) {
		return access.ErrBanned
	}
	if !e.access.IsDelegate(owner, caller) {
		return fmt.Errorf("%w: %s is not a delegate of %s", access.ErrNotAllowed, caller.Hex(), owner.Hex())
	}
	return nil
}

func (e *Engine) authorizeLevel(caller common.Address, level access.Level) error {
	if !e.access.IsAuthorized(caller, level) {
		return fmt.Errorf("%w: requires %s", access.ErrNotAllowed, level)
	}
	return nil
}

func (e *Engine) openPosition(id uint64) (*Position, error) {
	p, ok := e.positions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrPositionNotFound, id)
	}
	if p.Status != StatusOpen {
		return nil, fmt.Errorf("%w: %d is %s", ErrPositionNotOpen, id, p.Status)
	}
	return p, nil
}

// validateLeverage checks collateral > 0, size >= collateral and
// size/collateral <= maxLeverage.
func validateLeverage(size, collateral *big.Int, maxLeverage uint64) error {
	if collateral.Sign() <= 0 {
		return ErrZeroCollateral
	}
	if size.Cmp(collateral) < 0 {
		return ErrLeverageBelowOne
	}
	lhs := new(big.Int).Mul(size, fixed.BPD)
	rhs := new(big.Int).Mul(collateral, new(big.Int).SetUint64(maxLeverage))
	if lhs.Cmp(rhs) > 0 {
		return ErrMaxLeverageExceeded
	}
	return nil
}

// marginFee returns sizeDelta*marginFee/BPD.
func marginFee(cfg *settings.TokenConfig, isLong bool, sizeDelta *big.Int) *big.Int {
	return fixed.ApplyBP(sizeDelta, cfg.MarginFee(isLong))
}

// GetDelta returns the unrealized PnL of size opened at averagePrice when
// marked at markPrice.
func GetDelta(isLong bool, size, averagePrice, markPrice *big.Int) (hasProfit bool, delta *big.Int) {
	if averagePrice.Sign() == 0 || size.Sign() == 0 {
		return false, new(big.Int)
	}
	diff := new(big.Int).Sub(markPrice, averagePrice)
	if isLong {
		hasProfit = diff.Sign() > 0
	} else {
		hasProfit = diff.Sign() < 0
	}
	return hasProfit, fixed.MulDiv(size, diff.Abs(diff), averagePrice)
}

func signedDelta(hasProfit bool, delta *big.Int) *big.Int {
	if hasProfit {
		return new(big.Int).Set(delta)
	}
	return new(big.Int).Neg(delta)
}

// NextAveragePrice returns the average price after adding sizeDelta at
// markPrice, keeping the position's unrealized PnL unchanged.
func NextAveragePrice(isLong bool, size, averagePrice, markPrice, sizeDelta *big.Int) *big.Int {
	if size.Sign() == 0 {
		return new(big.Int).Set(markPrice)
	}
	hasProfit, delta := GetDelta(isLong, size, averagePrice, markPrice)
	nextSize := new(big.Int).Add(size, sizeDelta)

	divisor := new(big.Int)
	switch {
	case isLong && hasProfit:
		divisor.Add(nextSize, delta)
	case isLong:
		divisor.Sub(nextSize, delta)
	case hasProfit:
		divisor.Sub(nextSize, delta)
	default:
		divisor.Add(nextSize, delta)
	}
	if divisor.Sign() <= 0 {
		return new(big.Int).Set(markPrice)
	}
	return fixed.MulDiv(markPrice, nextSize, divisor)
}

// Fee kinds reported on FeeCollected events.
const (
	feeMargin  = "margin"
	feeFunding = "funding"
)

// distributeFee splits fee between the fee manager and the pool. The
// referrer only shares in margin fees.
func (e *Engine) distributeFee(p *Position, g *settings.Global, fee *big.Int, kind string) error {
	if fee.Sign() == 0 {
		return nil
	}
	rest := new(big.Int).Set(fee)
	referFee := new(big.Int)
	if kind == feeMargin && p.Referrer != (common.Address{}) && g.ReferFee > 0 {
		referFee = fixed.ApplyBP(fee, g.ReferFee)
		if err := e.custody.Mint(g.VUSD, p.Referrer, referFee); err != nil {
			return err
		}
		rest.Sub(rest, referFee)
	}
	managerFee := fixed.ApplyBP(rest, fixed.BasisPointsDivisor-g.FeeRewardBasisPoints)
	if err := e.custody.Mint(g.VUSD, g.FeeManager, managerFee); err != nil {
		return err
	}
	poolFee := new(big.Int).Sub(rest, managerFee)
	e.vault.AddUSD(poolFee)

	e.sink.Emit(e.emit(events.FeeCollected, p).
		With("kind", kind).
		WithUSD("fee", fee).
		WithUSD("referrer", referFee).
		WithUSD("manager", managerFee).
		WithUSD("pool", poolFee))
	return nil
}

// checkOpenInterest verifies that adding sizeDelta keeps every cap.
func (e *Engine) checkOpenInterest(account, tok common.Address, isLong bool, sizeDelta *big.Int, cfg *settings.TokenConfig, g *settings.Global) error {
	exceeds := func(current, limit *big.Int) bool {
		if limit == nil || limit.Sign() == 0 {
			return false
		}
		next := new(big.Int).Add(fixed.Copy(current), sizeDelta)
		return next.Cmp(limit) > 0
	}
	switch {
	case exceeds(e.oiAsset[tok], cfg.MaxOpenInterestPerAsset):
		return fmt.Errorf("%w: per asset %s", ErrOpenInterestExceeded, tok.Hex())
	case exceeds(e.oiSide[sideKey{tok, isLong}], cfg.MaxOpenInterestSide(isLong)):
		return fmt.Errorf("%w: per asset side %s", ErrOpenInterestExceeded, settings.Side(isLong))
	case exceeds(e.oiTotal[isLong], g.MaxOpenInterestSide(isLong)):
		return fmt.Errorf("%w: per side %s", ErrOpenInterestExceeded, settings.Side(isLong))
	case exceeds(e.oiUser[account], e.settings.MaxOpenInterestPerUser(account)):
		return fmt.Errorf("%w: per user %s", ErrOpenInterestExceeded, account.Hex())
	}
	return nil
}

func addTo(m map[common.Address]*big.Int, k common.Address, v *big.Int) {
	cur, ok := m[k]
	if !ok {
		cur = new(big.Int)
		m[k] = cur
	}
	cur.Add(cur, v)
	if cur.Sign() < 0 {
		cur.SetInt64(0)
	}
}

func (e *Engine) adjustOpenInterest(p *Position, delta *big.Int) {
	addTo(e.oiAsset, p.Token, delta)
	addTo(e.oiUser, p.Owner, delta)

	k := sideKey{p.Token, p.IsLong}
	side, ok := e.oiSide[k]
	if !ok {
		side = new(big.Int)
		e.oiSide[k] = side
	}
	side.Add(side, delta)
	e.oiTotal[p.IsLong].Add(e.oiTotal[p.IsLong], delta)
	if side.Sign() < 0 {
		side.SetInt64(0)
	}
	if e.oiTotal[p.IsLong].Sign() < 0 {
		e.oiTotal[p.IsLong].SetInt64(0)
	}
}

// reserveFor returns the reserve needed for sizeDelta: token units for longs,
// USD for shorts.
func reserveFor(isLong bool, sizeDelta, markPrice *big.Int, decimals uint8) *big.Int {
	if isLong {
		return price.ToToken(sizeDelta, markPrice, decimals)
	}
	return new(big.Int).Set(sizeDelta)
}

func (e *Engine) markAlive(p *Position, alive bool) {
	set := e.alive[p.Owner]
	if alive {
		if set == nil {
			set = make(map[uint64]struct{})
			e.alive[p.Owner] = set
		}
		set[p.ID] = struct{}{}
		return
	}
	delete(set, p.ID)
	if len(set) == 0 {
		delete(e.alive, p.Owner)
	}
}

func (e *Engine) refund(g *settings.Global, account common.Address, amount *big.Int) {
	if amount == nil || amount.Sign() == 0 {
		return
	}
	if err := e.custody.Mint(g.VUSD, account, amount); err != nil {
		e.logger.Error("failed to refund escrow", "account", account, "amount", fixed.FormatUSD(amount), "err", err)
	}
}
