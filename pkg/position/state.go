package position

// State is a full copy of the engine's persisted records.
type State struct {
	Positions []Position     `json:"positions"`
	Orders    []PendingOrder `json:"orders"`
	Triggers  []TriggerSet   `json:"triggers"`
	Funding   []FundingState `json:"funding"`
	NextPosID uint64         `json:"nextPosId"`
	Queue     []uint64       `json:"queue"`
}

// State returns a copy of every record.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s := State{NextPosID: e.nextPosID, Queue: append([]uint64(nil), e.queue...)}
	for _, p := range e.positions {
		s.Positions = append(s.Positions, p.Clone())
	}
	for _, o := range e.orders {
		s.Orders = append(s.Orders, o.Clone())
	}
	for _, t := range e.triggers {
		s.Triggers = append(s.Triggers, t.Clone())
	}
	for _, f := range e.funding {
		s.Funding = append(s.Funding, f.clone())
	}
	return s
}

// Restore replaces the engine's records with s. Alive sets, open interest
// and reserves are derived from the open positions.
func (e *Engine) Restore(s State) {
	e.mu.Lock()
	defer e.mu.Unlock()

	fresh := New(Config{
		Vault:    e.vault,
		Prices:   e.prices,
		Settings: e.settings,
		Custody:  e.custody,
		Access:   e.access,
		Sink:     e.sink,
		Journal:  e.journal,
		Logger:   e.logger,
		Now:      e.now,
	})
	e.positions, e.alive, e.orders, e.triggers = fresh.positions, fresh.alive, fresh.orders, fresh.triggers
	e.funding = fresh.funding
	e.oiAsset, e.oiSide, e.oiTotal, e.oiUser, e.reserve = fresh.oiAsset, fresh.oiSide, fresh.oiTotal, fresh.oiUser, fresh.reserve
	e.dirty.reset()

	if s.NextPosID > 0 {
		e.nextPosID = s.NextPosID
	} else {
		e.nextPosID = 1
	}
	e.queue = append([]uint64(nil), s.Queue...)

	for i := range s.Positions {
		c := s.Positions[i].Clone()
		p := &c
		e.positions[p.ID] = p
		if p.Status != StatusOpen {
			continue
		}
		e.markAlive(p, true)
		e.adjustOpenInterest(p, p.Size)
		addTo(e.reserve, p.Token, p.ReserveAmount)
	}
	for i := range s.Orders {
		if s.Orders[i].Status != OrderPending {
			continue
		}
		o := s.Orders[i].Clone()
		e.orders[o.PosID] = &o
	}
	for i := range s.Triggers {
		t := s.Triggers[i].Clone()
		if len(t.Orders) > 0 {
			e.triggers[t.PosID] = &t
		}
	}
	for i := range s.Funding {
		f := s.Funding[i].clone()
		e.funding[sideKey{f.Token, f.IsLong}] = &f
	}
}
