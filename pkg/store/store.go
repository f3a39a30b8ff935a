// Package store persists engine, pool, settings and balance state in a
// luxfi/database key-value store.
//
// Keys:
//
//	pos/<posId>            position record
//	order/<posId>          pending order, deleted once filled or cancelled
//	trigger/<posId>        TP/SL set, deleted when empty
//	funding/<token>/<side> funding index
//	meta/engine            next position id and market queue
//	meta/pool              pool totals and shares
//	meta/settings          settings registry
//	meta/ledger            token balances
package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/luxfi/database"
	"github.com/luxfi/database/manager"
	"github.com/luxfi/log"

	"github.com/luxfi/perps/pkg/pool"
	"github.com/luxfi/perps/pkg/position"
	"github.com/luxfi/perps/pkg/settings"
	"github.com/luxfi/perps/pkg/token"
)

var (
	prefixPosition = []byte("pos/")
	prefixOrder    = []byte("order/")
	prefixTrigger  = []byte("trigger/")
	prefixFunding  = []byte("funding/")

	keyEngine   = []byte("meta/engine")
	keyPool     = []byte("meta/pool")
	keySettings = []byte("meta/settings")
	keyLedger   = []byte("meta/ledger")
)

// Open creates the database for backend ("badgerdb" or "memdb") under dataDir.
func Open(dataDir, backend, namespace string, logger log.Logger) (database.Database, error) {
	if backend != "memdb" {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	dbManager := manager.NewManager(dataDir, nil)

	if backend == "memdb" {
		return dbManager.New(manager.DefaultMemoryConfig())
	}
	cfg := manager.DefaultBadgerDBConfig(backend)
	cfg.Namespace = namespace
	db, err := dbManager.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", backend, err)
	}
	logger.Info("database opened", "backend", backend, "dir", dataDir)
	return db, nil
}

// Sources supplies the snapshots written alongside every engine change.
type Sources struct {
	Pool     interface{ State() pool.State }
	Settings interface{ Snapshot() settings.Snapshot }
	Ledger   interface{ Snapshot() token.Snapshot }
}

// Store is the persistence layer. It implements position.Journal.
type Store struct {
	db      database.Database
	sources Sources
	logger  log.Logger
	mu      sync.Mutex
}

// New creates a store over db.
func New(db database.Database, logger log.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Attach sets the snapshot sources. Must be called before the first Write.
func (s *Store) Attach(src Sources) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources = src
}

func idKey(prefix []byte, id uint64) []byte {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], id)
	return key
}

func fundingKey(f *position.FundingState) []byte {
	key := append([]byte{}, prefixFunding...)
	key = append(key, f.Token.Bytes()...)
	if f.IsLong {
		return append(key, 1)
	}
	return append(key, 0)
}

type engineMeta struct {
	NextPosID uint64   `json:"nextPosId"`
	Queue     []uint64 `json:"queue"`
}

type putter interface {
	Put(key, value []byte) error
}

func putJSON(w putter, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return w.Put(key, data)
}

// Write implements position.Journal. The changed records and the attached
// snapshots are written in one batch.
func (s *Store) Write(c position.Changes) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.db.NewBatch()
	defer batch.Reset()

	for i := range c.Positions {
		if err := putJSON(batch, idKey(prefixPosition, c.Positions[i].ID), &c.Positions[i]); err != nil {
			return err
		}
	}
	for i := range c.Orders {
		o := &c.Orders[i]
		key := idKey(prefixOrder, o.PosID)
		if o.Status != position.OrderPending {
			if err := batch.Delete(key); err != nil {
				return err
			}
			continue
		}
		if err := putJSON(batch, key, o); err != nil {
			return err
		}
	}
	for i := range c.Triggers {
		t := &c.Triggers[i]
		key := idKey(prefixTrigger, t.PosID)
		if len(t.Orders) == 0 {
			if err := batch.Delete(key); err != nil {
				return err
			}
			continue
		}
		if err := putJSON(batch, key, t); err != nil {
			return err
		}
	}
	for i := range c.Funding {
		if err := putJSON(batch, fundingKey(&c.Funding[i]), &c.Funding[i]); err != nil {
			return err
		}
	}
	if err := putJSON(batch, keyEngine, engineMeta{NextPosID: c.NextPosID, Queue: c.Queue}); err != nil {
		return err
	}
	if err := s.putSnapshots(batch); err != nil {
		return err
	}
	return batch.Write()
}

// Checkpoint writes the attached snapshots. Callers use it after pool,
// settings or balance changes that do not go through the engine.
func (s *Store) Checkpoint() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.db.NewBatch()
	defer batch.Reset()

	if err := s.putSnapshots(batch); err != nil {
		return err
	}
	return batch.Write()
}

func (s *Store) putSnapshots(w putter) error {
	if s.sources.Pool != nil {
		if err := putJSON(w, keyPool, s.sources.Pool.State()); err != nil {
			return err
		}
	}
	if s.sources.Settings != nil {
		if err := putJSON(w, keySettings, s.sources.Settings.Snapshot()); err != nil {
			return err
		}
	}
	if s.sources.Ledger != nil {
		if err := putJSON(w, keyLedger, s.sources.Ledger.Snapshot()); err != nil {
			return err
		}
	}
	return nil
}

func getJSON(db database.Database, key []byte, v interface{}) (bool, error) {
	data, err := db.Get(key)
	if errors.Is(err, database.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

func scan[T any](db database.Database, prefix []byte, fn func(*T)) error {
	it := db.NewIteratorWithPrefix(prefix)
	defer it.Release()

	for it.Next() {
		var v T
		if err := json.Unmarshal(it.Value(), &v); err != nil {
			return fmt.Errorf("failed to decode %x: %w", it.Key(), err)
		}
		fn(&v)
	}
	return it.Error()
}

// LoadEngine reads every engine record.
func (s *Store) LoadEngine() (position.State, error) {
	var st position.State

	var meta engineMeta
	if _, err := getJSON(s.db, keyEngine, &meta); err != nil {
		return st, err
	}
	st.NextPosID, st.Queue = meta.NextPosID, meta.Queue

	if err := scan(s.db, prefixPosition, func(p *position.Position) { st.Positions = append(st.Positions, *p) }); err != nil {
		return st, err
	}
	if err := scan(s.db, prefixOrder, func(o *position.PendingOrder) { st.Orders = append(st.Orders, *o) }); err != nil {
		return st, err
	}
	if err := scan(s.db, prefixTrigger, func(t *position.TriggerSet) { st.Triggers = append(st.Triggers, *t) }); err != nil {
		return st, err
	}
	if err := scan(s.db, prefixFunding, func(f *position.FundingState) { st.Funding = append(st.Funding, *f) }); err != nil {
		return st, err
	}
	return st, nil
}

// LoadPool reads the pool snapshot; ok is false when none was written.
func (s *Store) LoadPool() (st pool.State, ok bool, err error) {
	ok, err = getJSON(s.db, keyPool, &st)
	return st, ok, err
}

// LoadSettings reads the settings snapshot.
func (s *Store) LoadSettings() (snap settings.Snapshot, ok bool, err error) {
	ok, err = getJSON(s.db, keySettings, &snap)
	return snap, ok, err
}

// LoadLedger reads the balance snapshot.
func (s *Store) LoadLedger() (snap token.Snapshot, ok bool, err error) {
	ok, err = getJSON(s.db, keyLedger, &snap)
	return snap, ok, err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
