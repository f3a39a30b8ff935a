// Package access implements the access-control collaborator: privilege
// levels, owner delegation and the ban list.
package access

import (
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/log"
)

// Level is a privilege level. Higher levels include every lower level.
type Level uint8

const (
	LevelUser Level = iota
	LevelPositionManager
	LevelLiquidator
	LevelSettingsAdmin
	LevelAdmin
)

// String returns the level name
func (l Level) String() string {
	switch l {
	case LevelUser:
		return "user"
	case LevelPositionManager:
		return "position-manager"
	case LevelLiquidator:
		return "liquidator"
	case LevelSettingsAdmin:
		return "settings-admin"
	case LevelAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

var (
	ErrNotAllowed = errors.New("not allowed")
	ErrBanned     = errors.New("account is banned")
)

// Checker is the capability surface the engine consumes.
type Checker interface {
	IsAuthorized(caller common.Address, required Level) bool
	IsDelegate(owner, caller common.Address) bool
	IsBanned(caller common.Address) bool
}

// Registry is an in-process Checker.
type Registry struct {
	levels    map[common.Address]Level
	delegates map[common.Address]map[common.Address]bool
	banned    map[common.Address]bool
	logger    log.Logger
	mu        sync.RWMutex
}

// NewRegistry creates a registry with admin holding LevelAdmin.
func NewRegistry(admin common.Address, logger log.Logger) *Registry {
	return &Registry{
		levels:    map[common.Address]Level{admin: LevelAdmin},
		delegates: make(map[common.Address]map[common.Address]bool),
		banned:    make(map[common.Address]bool),
		logger:    logger,
	}
}

// IsAuthorized reports whether caller holds at least the required level.
func (r *Registry) IsAuthorized(caller common.Address, required Level) bool {
	if required == LevelUser {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.levels[caller] >= required
}

// IsDelegate reports whether owner has delegated to caller.
func (r *Registry) IsDelegate(owner, caller common.Address) bool {
	if owner == caller {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.delegates[owner][caller]
}

// IsBanned reports whether caller is on the ban list.
func (r *Registry) IsBanned(caller common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.banned[caller]
}

// LevelOf returns the level granted to account.
func (r *Registry) LevelOf(account common.Address) Level {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.levels[account]
}

// Grant sets the level of account. Only admins may grant.
func (r *Registry) Grant(caller, account common.Address, level Level) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.levels[caller] < LevelAdmin {
		return ErrNotAllowed
	}
	if level == LevelUser {
		delete(r.levels, account)
	} else {
		r.levels[account] = level
	}
	r.logger.Info("privilege updated", "caller", caller, "account", account, "level", level)
	return nil
}

// AddDelegates lets owner authorize delegates to act on its positions.
func (r *Registry) AddDelegates(owner common.Address, delegates []common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.delegates[owner]
	if set == nil {
		set = make(map[common.Address]bool)
		r.delegates[owner] = set
	}
	for _, d := range delegates {
		set[d] = true
	}
}

// RemoveDelegates revokes delegates of owner.
func (r *Registry) RemoveDelegates(owner common.Address, delegates []common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.delegates[owner]
	for _, d := range delegates {
		delete(set, d)
	}
	if len(set) == 0 {
		delete(r.delegates, owner)
	}
}

// Delegates lists the delegates of owner.
func (r *Registry) Delegates(owner common.Address) []common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]common.Address, 0, len(r.delegates[owner]))
	for d := range r.delegates[owner] {
		out = append(out, d)
	}
	return out
}

// SetBanned adds or removes accounts from the ban list.
func (r *Registry) SetBanned(caller common.Address, accounts []common.Address, banned bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.levels[caller] < LevelSettingsAdmin {
		return ErrNotAllowed
	}
	for _, a := range accounts {
		if banned {
			r.banned[a] = true
		} else {
			delete(r.banned, a)
		}
	}
	r.logger.Info("ban list updated", "caller", caller, "count", len(accounts), "banned", banned)
	return nil
}
