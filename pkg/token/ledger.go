// Package token implements the token custody collaborator used by the vault:
// balances, allowances, transfers, minting and burning of ERC20-style tokens.
package token

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrInvalidAmount         = errors.New("invalid amount")
)

// Custody is the transfer surface consumed by the pool and the position engine.
type Custody interface {
	BalanceOf(token, account common.Address) *big.Int
	Transfer(token, from, to common.Address, amount *big.Int) error
	TransferFrom(token, spender, from, to common.Address, amount *big.Int) error
	Mint(token, to common.Address, amount *big.Int) error
	Burn(token, from common.Address, amount *big.Int) error
}

// Ledger is an in-memory multi-token balance book.
type Ledger struct {
	balances   map[common.Address]map[common.Address]*big.Int                    // token -> account -> balance
	allowances map[common.Address]map[common.Address]map[common.Address]*big.Int // token -> owner -> spender -> allowance
	supply     map[common.Address]*big.Int
	mu         sync.RWMutex
}

// NewLedger creates an empty ledger
func NewLedger() *Ledger {
	return &Ledger{
		balances:   make(map[common.Address]map[common.Address]*big.Int),
		allowances: make(map[common.Address]map[common.Address]map[common.Address]*big.Int),
		supply:     make(map[common.Address]*big.Int),
	}
}

// BalanceOf returns the balance of account in token
func (l *Ledger) BalanceOf(token, account common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if bal, ok := l.balances[token][account]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

// TotalSupply returns the minted supply of token
func (l *Ledger) TotalSupply(token common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if s, ok := l.supply[token]; ok {
		return new(big.Int).Set(s)
	}
	return new(big.Int)
}

// Allowance returns how much spender may move on behalf of owner
func (l *Ledger) Allowance(token, owner, spender common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if a, ok := l.allowances[token][owner][spender]; ok {
		return new(big.Int).Set(a)
	}
	return new(big.Int)
}

// Approve sets the allowance of spender over owner's balance
func (l *Ledger) Approve(token, owner, spender common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	owners := l.allowances[token]
	if owners == nil {
		owners = make(map[common.Address]map[common.Address]*big.Int)
		l.allowances[token] = owners
	}
	spenders := owners[owner]
	if spenders == nil {
		spenders = make(map[common.Address]*big.Int)
		owners[owner] = spenders
	}
	spenders[spender] = new(big.Int).Set(amount)
	return nil
}

// Transfer moves amount from one account to another
func (l *Ledger) Transfer(token, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.move(token, from, to, amount)
}

// TransferFrom moves amount from owner to recipient using spender's allowance
func (l *Ledger) TransferFrom(token, spender, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if spender != from {
		allowance := l.allowances[token][from][spender]
		if allowance == nil || allowance.Cmp(amount) < 0 {
			return fmt.Errorf("%w: %s", ErrInsufficientAllowance, token.Hex())
		}
		if err := l.move(token, from, to, amount); err != nil {
			return err
		}
		allowance.Sub(allowance, amount)
		return nil
	}
	return l.move(token, from, to, amount)
}

// Mint creates amount of token for the recipient
func (l *Ledger) Mint(token, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	bal := l.balance(token, to)
	bal.Add(bal, amount)

	supply := l.supplyOf(token)
	supply.Add(supply, amount)
	return nil
}

// Burn destroys amount of token held by from
func (l *Ledger) Burn(token, from common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	bal := l.balance(token, from)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: burn %s from %s", ErrInsufficientBalance, amount, from.Hex())
	}
	bal.Sub(bal, amount)
	supply := l.supplyOf(token)
	supply.Sub(supply, amount)
	return nil
}

func (l *Ledger) move(token, from, to common.Address, amount *big.Int) error {
	src := l.balance(token, from)
	if src.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, from.Hex(), src, amount)
	}
	src.Sub(src, amount)
	dst := l.balance(token, to)
	dst.Add(dst, amount)
	return nil
}

func (l *Ledger) supplyOf(token common.Address) *big.Int {
	supply, ok := l.supply[token]
	if !ok {
		supply = new(big.Int)
		l.supply[token] = supply
	}
	return supply
}

// balance returns the mutable balance entry, creating it on first use.
func (l *Ledger) balance(token, account common.Address) *big.Int {
	accounts := l.balances[token]
	if accounts == nil {
		accounts = make(map[common.Address]*big.Int)
		l.balances[token] = accounts
	}
	bal, ok := accounts[account]
	if !ok {
		bal = new(big.Int)
		accounts[account] = bal
	}
	return bal
}

// Snapshot is the serializable form of a ledger. Allowances are not kept.
type Snapshot struct {
	Balances map[common.Address]map[common.Address]*big.Int `json:"balances"`
}

// Snapshot returns a copy of every non-zero balance.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s := Snapshot{Balances: make(map[common.Address]map[common.Address]*big.Int, len(l.balances))}
	for tok, accounts := range l.balances {
		out := make(map[common.Address]*big.Int)
		for a, bal := range accounts {
			if bal.Sign() != 0 {
				out[a] = new(big.Int).Set(bal)
			}
		}
		if len(out) > 0 {
			s.Balances[tok] = out
		}
	}
	return s
}

// Restore replaces the balances with s and recomputes supplies.
func (l *Ledger) Restore(s Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.balances = make(map[common.Address]map[common.Address]*big.Int, len(s.Balances))
	l.supply = make(map[common.Address]*big.Int, len(s.Balances))
	for tok, accounts := range s.Balances {
		supply := new(big.Int)
		for a, bal := range accounts {
			l.balance(tok, a).Set(bal)
			supply.Add(supply, bal)
		}
		l.supply[tok] = supply
	}
}
