package position

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/luxfi/perps/pkg/events"
	"github.com/luxfi/perps/pkg/fixed"
	"github.com/luxfi/perps/pkg/settings"
)

// FundingState is the cumulative funding index of one side of a token.
// The index is in basis points of size and only moves on interval boundaries.
// Factor is the rate the intervals after LastUpdate accrue at; a changed
// setting is adopted at the next settlement.
type FundingState struct {
	Token      common.Address `json:"token"`
	IsLong     bool           `json:"isLong"`
	Index      *big.Int       `json:"index"`
	Factor     uint64         `json:"factor"`
	LastUpdate time.Time      `json:"lastUpdate"`
}

func (f *FundingState) clone() FundingState {
	c := *f
	c.Index = fixed.Copy(f.Index)
	return c
}

// accrued returns the index after the whole intervals elapsed up to now and
// the boundary the index is then valid at.
func (f *FundingState) accrued(interval time.Duration, now time.Time) (*big.Int, time.Time) {
	index := fixed.Copy(f.Index)
	if interval <= 0 || !now.After(f.LastUpdate) {
		return index, f.LastUpdate
	}
	intervals := int64(now.Sub(f.LastUpdate) / interval)
	if intervals == 0 {
		return index, f.LastUpdate
	}
	step := new(big.Int).Mul(new(big.Int).SetUint64(f.Factor), big.NewInt(intervals))
	return index.Add(index, step), f.LastUpdate.Add(time.Duration(intervals) * interval)
}

// updateFunding settles the index of (token, side) up to now and returns it.
func (e *Engine) updateFunding(tok common.Address, isLong bool, cfg *settings.TokenConfig, g *settings.Global) *big.Int {
	k := sideKey{tok, isLong}
	now := e.now()

	f, ok := e.funding[k]
	if !ok {
		last := now
		if g.FundingInterval > 0 {
			last = now.Truncate(g.FundingInterval)
		}
		f = &FundingState{Token: tok, IsLong: isLong, Index: new(big.Int), Factor: cfg.FundingRateFactor(isLong), LastUpdate: last}
		e.funding[k] = f
		e.dirty.funding[k] = struct{}{}
		return new(big.Int)
	}

	index, at := f.accrued(g.FundingInterval, now)
	factor := cfg.FundingRateFactor(isLong)
	if !at.Equal(f.LastUpdate) || factor != f.Factor {
		f.Index, f.LastUpdate, f.Factor = index, at, factor
		e.dirty.funding[k] = struct{}{}
	}
	return new(big.Int).Set(f.Index)
}

// fundingFee returns size*(index-entry)/BPD.
func fundingFee(p *Position, index *big.Int) *big.Int {
	diff := new(big.Int).Sub(index, p.EntryFunding)
	if diff.Sign() <= 0 || p.Size.Sign() == 0 {
		return new(big.Int)
	}
	return fixed.MulDiv(p.Size, diff, fixed.BPD)
}

// FundingIndex returns the index of (token, side) as of now without
// settling it.
func (e *Engine) FundingIndex(tok common.Address, isLong bool) (*big.Int, error) {
	if _, err := e.settings.Token(tok); err != nil {
		return nil, err
	}
	g := e.settings.Global()

	e.mu.RLock()
	defer e.mu.RUnlock()

	f, ok := e.funding[sideKey{tok, isLong}]
	if !ok {
		return new(big.Int), nil
	}
	index, _ := f.accrued(g.FundingInterval, e.now())
	return index, nil
}

// PendingFundingFee returns the funding owed by a position as of now.
func (e *Engine) PendingFundingFee(id uint64) (*big.Int, error) {
	e.mu.RLock()
	p, ok := e.positions[id]
	if !ok {
		e.mu.RUnlock()
		return nil, ErrPositionNotFound
	}
	pos := p.Clone()
	e.mu.RUnlock()

	index, err := e.FundingIndex(pos.Token, pos.IsLong)
	if err != nil {
		return nil, err
	}
	return fundingFee(&pos, index), nil
}

// UpdateFunding settles every known funding index. The keeper calls it on
// each tick so indexes advance even for idle markets, and it must be called
// after a funding setting changes so the new value only applies from then on.
func (e *Engine) UpdateFunding() {
	g := e.settings.Global()

	unlock := e.lock()
	defer unlock()

	for k := range e.funding {
		cfg, err := e.settings.Token(k.token)
		if err != nil {
			continue
		}
		before := fixed.Copy(e.funding[k].Index)
		index := e.updateFunding(k.token, k.isLong, &cfg, &g)
		if index.Cmp(before) != 0 {
			ev := events.New(events.FundingUpdated, e.now()).
				With("side", settings.Side(k.isLong).String()).
				WithInt("index", index)
			ev.Token = k.token
			e.sink.Emit(ev)
		}
	}
}
