// Package pool implements the liquidity pool share accounting and the
// VUSD deposit/withdraw surface of the vault.
//
// The pool holds totalUSD, the USD value backing all positions, and
// totalShares, the pool share supply with 18 decimals. The share price is
// derived on every read and never cached, since trading PnL and fees move
// totalUSD continuously.
package pool

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/log"

	"github.com/luxfi/perps/pkg/access"
	"github.com/luxfi/perps/pkg/events"
	"github.com/luxfi/perps/pkg/fixed"
	"github.com/luxfi/perps/pkg/settings"
	"github.com/luxfi/perps/pkg/token"
)

var (
	ErrSharesError       = errors.New("shares error")
	ErrCooldownNotPassed = errors.New("cooldown not passed")
	ErrStakingDisabled   = errors.New("staking disabled")
	ErrUnstakingDisabled = errors.New("unstaking disabled")
	ErrDepositDisabled   = errors.New("deposit disabled")
	ErrWithdrawDisabled  = errors.New("withdraw disabled")
	ErrZeroAmount        = errors.New("zero amount")
	ErrPoolInsufficient  = errors.New("pool has insufficient USD")
	ErrPoolWipedOut      = errors.New("pool has shares but no USD")
)

// Settings is the settings surface the pool consumes.
type Settings interface {
	Token(token common.Address) (settings.TokenConfig, error)
	Global() settings.Global
}

// Prices converts between token amounts and 1e30 USD.
type Prices interface {
	TokenToUSD(token common.Address, amount *big.Int) (*big.Int, error)
	USDToToken(token common.Address, usd *big.Int) (*big.Int, error)
}

// State is the persisted form of the pool.
type State struct {
	TotalUSD    *big.Int                     `json:"totalUSD"`
	TotalShares *big.Int                     `json:"totalShares"`
	Shares      map[common.Address]*big.Int  `json:"shares"`
	LastStaked  map[common.Address]time.Time `json:"lastStaked"`
}

// Pool is the vault's liquidity pool.
type Pool struct {
	totalUSD    *big.Int
	totalShares *big.Int
	shares      map[common.Address]*big.Int
	lastStaked  map[common.Address]time.Time

	settings Settings
	prices   Prices
	custody  token.Custody
	access   access.Checker
	sink     events.Sink
	logger   log.Logger
	now      func() time.Time

	mu sync.RWMutex
}

// Config wires a Pool to its collaborators.
type Config struct {
	Settings Settings
	Prices   Prices
	Custody  token.Custody
	Access   access.Checker
	Sink     events.Sink
	Logger   log.Logger
	Now      func() time.Time
}

// New creates an empty pool.
func New(cfg Config) *Pool {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sink == nil {
		cfg.Sink = events.Discard{}
	}
	return &Pool{
		totalUSD:    new(big.Int),
		totalShares: new(big.Int),
		shares:      make(map[common.Address]*big.Int),
		lastStaked:  make(map[common.Address]time.Time),
		settings:    cfg.Settings,
		prices:      cfg.Prices,
		custody:     cfg.Custody,
		access:      cfg.Access,
		sink:        cfg.Sink,
		logger:      cfg.Logger,
		now:         cfg.Now,
	}
}

// TotalUSD returns the USD value held by the pool.
func (p *Pool) TotalUSD() *big.Int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return new(big.Int).Set(p.totalUSD)
}

// TotalShares returns the outstanding share supply.
func (p *Pool) TotalShares() *big.Int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return new(big.Int).Set(p.totalShares)
}

// SharesOf returns the shares held by account.
func (p *Pool) SharesOf(account common.Address) *big.Int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return fixed.Copy(p.shares[account])
}

// LastStaked returns the time of account's latest stake.
func (p *Pool) LastStaked(account common.Address) (time.Time, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.lastStaked[account]
	return t, ok
}

// SharePrice returns totalUSD*1e18*BPD/(totalShares*1e30), the USD price
// of one whole share in basis points. An empty pool prices at 1 USD.
func (p *Pool) SharePrice() *big.Int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sharePrice()
}

func (p *Pool) sharePrice() *big.Int {
	if p.totalShares.Sign() == 0 {
		return new(big.Int).Set(fixed.BPD)
	}
	num := new(big.Int).Mul(p.totalUSD, fixed.ShareUnit)
	num.Mul(num, fixed.BPD)
	den := new(big.Int).Mul(p.totalShares, fixed.PricePrecision)
	return num.Quo(num, den)
}

// AddUSD credits the pool with trading losses and fee remainders.
func (p *Pool) AddUSD(amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.totalUSD.Add(p.totalUSD, amount)
}

// SubUSD debits the pool for trading profits paid out.
func (p *Pool) SubUSD(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.totalUSD.Cmp(amount) < 0 {
		return fmt.Errorf("%w: need %s, have %s", ErrPoolInsufficient, fixed.FormatUSD(amount), fixed.FormatUSD(p.totalUSD))
	}
	p.totalUSD.Sub(p.totalUSD, amount)
	return nil
}

func (p *Pool) authorize(caller, account common.Address) error {
	if p.access.IsBanned(caller) || p.access.IsBanned(account) {
		return access.ErrBanned
	}
	if !p.access.IsDelegate(account, caller) {
		return fmt.Errorf("%w: %s is not a delegate of %s", access.ErrNotAllowed, caller.Hex(), account.Hex())
	}
	return nil
}

// collectFee mints fee as VUSD to the fee manager.
func (p *Pool) collectFee(g *settings.Global, account, tok common.Address, fee *big.Int, kind string) error {
	if fee.Sign() == 0 {
		return nil
	}
	if err := p.custody.Mint(g.VUSD, g.FeeManager, fee); err != nil {
		return err
	}
	e := events.New(events.FeeCollected, p.now()).
		With("kind", kind).
		WithUSD("fee", fee)
	e.Account, e.Token = account, tok
	p.sink.Emit(e)
	return nil
}

// Stake pulls amount of tok from account and mints pool shares at the
// current share price, net of the staking fee.
func (p *Pool) Stake(caller, account, tok common.Address, amount *big.Int) (*big.Int, error) {
	if err := p.authorize(caller, account); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	cfg, err := p.settings.Token(tok)
	if err != nil {
		return nil, err
	}
	if !cfg.IsStaking {
		return nil, fmt.Errorf("%w: %s", ErrStakingDisabled, tok.Hex())
	}
	g := p.settings.Global()

	usd, err := p.prices.TokenToUSD(tok, amount)
	if err != nil {
		return nil, err
	}
	fee := fixed.ApplyBP(usd, cfg.StakingFee)
	usdAfterFee := new(big.Int).Sub(usd, fee)

	p.mu.Lock()
	defer p.mu.Unlock()

	var minted *big.Int
	switch {
	case p.totalShares.Sign() == 0:
		minted = fixed.MulDiv(usdAfterFee, fixed.ShareUnit, fixed.PricePrecision)
	case p.totalUSD.Sign() == 0:
		return nil, ErrPoolWipedOut
	default:
		minted = fixed.MulDiv(usdAfterFee, p.totalShares, p.totalUSD)
	}
	if minted.Sign() == 0 {
		return nil, fmt.Errorf("%w: stake too small", ErrSharesError)
	}

	if err := p.custody.TransferFrom(tok, g.Vault, account, g.Vault, amount); err != nil {
		return nil, err
	}
	if err := p.collectFee(&g, account, tok, fee, "staking"); err != nil {
		return nil, err
	}

	p.totalUSD.Add(p.totalUSD, usdAfterFee)
	p.totalShares.Add(p.totalShares, minted)
	bal, ok := p.shares[account]
	if !ok {
		bal = new(big.Int)
		p.shares[account] = bal
	}
	bal.Add(bal, minted)
	p.lastStaked[account] = p.now()

	p.logger.Info("staked", "account", account, "token", tok, "usd", fixed.FormatUSD(usdAfterFee), "shares", minted)
	e := events.New(events.Stake, p.now()).
		WithInt("amount", amount).
		WithUSD("usd", usdAfterFee).
		WithInt("shares", minted)
	e.Account, e.Token = account, tok
	p.sink.Emit(e)
	return minted, nil
}

// Unstake burns shares of account and pays out tok at the current share
// price, net of the unstaking fee.
func (p *Pool) Unstake(caller, account, tok common.Address, shareAmount *big.Int) (*big.Int, error) {
	if err := p.authorize(caller, account); err != nil {
		return nil, err
	}
	cfg, err := p.settings.Token(tok)
	if err != nil {
		return nil, err
	}
	if !cfg.IsUnstaking {
		return nil, fmt.Errorf("%w: %s", ErrUnstakingDisabled, tok.Hex())
	}
	g := p.settings.Global()

	p.mu.Lock()
	defer p.mu.Unlock()

	bal := p.shares[account]
	if shareAmount == nil || shareAmount.Sign() <= 0 || bal == nil || bal.Cmp(shareAmount) < 0 {
		return nil, fmt.Errorf("%w: %s exceeds balance %s", ErrSharesError, shareAmount, fixed.Copy(bal))
	}
	if staked, ok := p.lastStaked[account]; ok && p.now().Sub(staked) < g.CooldownDuration {
		return nil, fmt.Errorf("%w: wait until %s", ErrCooldownNotPassed, staked.Add(g.CooldownDuration).UTC())
	}

	usdOut := fixed.MulDiv(shareAmount, p.totalUSD, p.totalShares)
	fee := fixed.ApplyBP(usdOut, cfg.UnstakingFee)
	amountOut, err := p.prices.USDToToken(tok, new(big.Int).Sub(usdOut, fee))
	if err != nil {
		return nil, err
	}

	if err := p.custody.Transfer(tok, g.Vault, account, amountOut); err != nil {
		return nil, err
	}
	if err := p.collectFee(&g, account, tok, fee, "unstaking"); err != nil {
		return nil, err
	}

	bal.Sub(bal, shareAmount)
	if bal.Sign() == 0 {
		delete(p.shares, account)
	}
	p.totalShares.Sub(p.totalShares, shareAmount)
	p.totalUSD.Sub(p.totalUSD, usdOut)

	p.logger.Info("unstaked", "account", account, "token", tok, "shares", shareAmount, "amount", amountOut)
	e := events.New(events.Unstake, p.now()).
		WithInt("shares", shareAmount).
		WithUSD("usd", usdOut).
		WithInt("amount", amountOut)
	e.Account, e.Token = account, tok
	p.sink.Emit(e)
	return amountOut, nil
}

// Deposit converts amount of tok into VUSD for account, net of the deposit fee.
func (p *Pool) Deposit(caller, account, tok common.Address, amount *big.Int) (*big.Int, error) {
	if err := p.authorize(caller, account); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	cfg, err := p.settings.Token(tok)
	if err != nil {
		return nil, err
	}
	if !cfg.IsDeposit {
		return nil, fmt.Errorf("%w: %s", ErrDepositDisabled, tok.Hex())
	}
	g := p.settings.Global()

	usd, err := p.prices.TokenToUSD(tok, amount)
	if err != nil {
		return nil, err
	}
	fee := fixed.ApplyBP(usd, cfg.DepositFee)
	credited := new(big.Int).Sub(usd, fee)

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.custody.TransferFrom(tok, g.Vault, account, g.Vault, amount); err != nil {
		return nil, err
	}
	if err := p.custody.Mint(g.VUSD, account, credited); err != nil {
		return nil, err
	}
	if err := p.collectFee(&g, account, tok, fee, "deposit"); err != nil {
		return nil, err
	}

	p.logger.Info("deposited", "account", account, "token", tok, "amount", amount, "vusd", fixed.FormatUSD(credited))
	e := events.New(events.Deposit, p.now()).
		WithInt("amount", amount).
		WithUSD("vusd", credited)
	e.Account, e.Token = account, tok
	p.sink.Emit(e)
	return credited, nil
}

// Withdraw burns vusdAmount of account's VUSD and pays out tok, net of the
// withdraw fee.
func (p *Pool) Withdraw(caller, account, tok common.Address, vusdAmount *big.Int) (*big.Int, error) {
	if err := p.authorize(caller, account); err != nil {
		return nil, err
	}
	if vusdAmount == nil || vusdAmount.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	cfg, err := p.settings.Token(tok)
	if err != nil {
		return nil, err
	}
	if !cfg.IsWithdraw {
		return nil, fmt.Errorf("%w: %s", ErrWithdrawDisabled, tok.Hex())
	}
	g := p.settings.Global()

	fee := fixed.ApplyBP(vusdAmount, cfg.WithdrawFee)
	amountOut, err := p.prices.USDToToken(tok, new(big.Int).Sub(vusdAmount, fee))
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.custody.Burn(g.VUSD, account, vusdAmount); err != nil {
		return nil, err
	}
	if err := p.custody.Transfer(tok, g.Vault, account, amountOut); err != nil {
		// Undo the burn so the withdraw has no effect.
		if mintErr := p.custody.Mint(g.VUSD, account, vusdAmount); mintErr != nil {
			p.logger.Error("failed to restore burned VUSD", "account", account, "err", mintErr)
		}
		return nil, err
	}
	if err := p.collectFee(&g, account, tok, fee, "withdraw"); err != nil {
		return nil, err
	}

	p.logger.Info("withdrew", "account", account, "token", tok, "vusd", fixed.FormatUSD(vusdAmount), "amount", amountOut)
	e := events.New(events.Withdraw, p.now()).
		WithUSD("vusd", vusdAmount).
		WithInt("amount", amountOut)
	e.Account, e.Token = account, tok
	p.sink.Emit(e)
	return amountOut, nil
}

// State returns a copy of the pool state.
func (p *Pool) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s := State{
		TotalUSD:    new(big.Int).Set(p.totalUSD),
		TotalShares: new(big.Int).Set(p.totalShares),
		Shares:      make(map[common.Address]*big.Int, len(p.shares)),
		LastStaked:  make(map[common.Address]time.Time, len(p.lastStaked)),
	}
	for a, v := range p.shares {
		s.Shares[a] = new(big.Int).Set(v)
	}
	for a, t := range p.lastStaked {
		s.LastStaked[a] = t
	}
	return s
}

// Restore replaces the pool state.
func (p *Pool) Restore(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.totalUSD = fixed.Copy(s.TotalUSD)
	p.totalShares = fixed.Copy(s.TotalShares)
	p.shares = make(map[common.Address]*big.Int, len(s.Shares))
	for a, v := range s.Shares {
		p.shares[a] = new(big.Int).Set(v)
	}
	p.lastStaked = make(map[common.Address]time.Time, len(s.LastStaked))
	for a, t := range s.LastStaked {
		p.lastStaked[a] = t
	}
}
