package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/luxfi/perps/pkg/access"
	"github.com/luxfi/perps/pkg/api"
	"github.com/luxfi/perps/pkg/config"
	"github.com/luxfi/perps/pkg/events"
	"github.com/luxfi/perps/pkg/keeper"
	perpslog "github.com/luxfi/perps/pkg/log"
	"github.com/luxfi/perps/pkg/metrics"
	"github.com/luxfi/perps/pkg/pool"
	"github.com/luxfi/perps/pkg/position"
	"github.com/luxfi/perps/pkg/price"
	"github.com/luxfi/perps/pkg/settings"
	"github.com/luxfi/perps/pkg/store"
	"github.com/luxfi/perps/pkg/token"
	"github.com/luxfi/perps/pkg/websocket"
)

// Node owns every component of a running perpd process.
type Node struct {
	cfg    *config.Config
	logger log.Logger

	store    *store.Store
	access   *access.Registry
	settings *settings.Registry
	ledger   *token.Ledger
	feed     *price.PushSource
	prices   *price.Manager
	pool     *pool.Pool
	engine   *position.Engine

	sink    events.Multi
	metrics *metrics.Metrics
	ws      *websocket.Server
	rpc     *api.JSONRPCServer
	keeper  *keeper.Keeper
	nc      *nats.Conn
}

// NewNode opens the database, restores persisted state or applies genesis,
// and wires the components together.
func NewNode(cfg *config.Config, logger log.Logger) (*Node, error) {
	n := &Node{cfg: cfg, logger: logger}

	db, err := store.Open(cfg.Storage.DataDir, cfg.Storage.Backend, cfg.Storage.Namespace, perpslog.Module(logger, "store"))
	if err != nil {
		return nil, err
	}
	n.store = store.New(db, perpslog.Module(logger, "store"))

	if err := n.initAccess(); err != nil {
		return nil, err
	}
	if err := n.initSettings(); err != nil {
		return nil, err
	}
	if err := n.initLedger(); err != nil {
		return nil, err
	}
	if err := n.initPrices(); err != nil {
		return nil, err
	}
	if err := n.connectNATS(); err != nil {
		return nil, err
	}
	n.initSinks()

	n.pool = pool.New(pool.Config{
		Settings: n.settings,
		Prices:   n.prices,
		Custody:  n.ledger,
		Access:   n.access,
		Sink:     n.sink,
		Logger:   perpslog.Module(logger, "pool"),
	})
	if st, ok, err := n.store.LoadPool(); err != nil {
		return nil, fmt.Errorf("failed to load pool: %w", err)
	} else if ok {
		n.pool.Restore(st)
	}

	n.engine = position.New(position.Config{
		Vault:    n.pool,
		Prices:   n.prices,
		Settings: n.settings,
		Custody:  n.ledger,
		Access:   n.access,
		Sink:     n.sink,
		Journal:  n.store,
		Logger:   perpslog.Module(logger, "engine"),
	})
	st, err := n.store.LoadEngine()
	if err != nil {
		return nil, fmt.Errorf("failed to load engine state: %w", err)
	}
	if st.NextPosID > 0 {
		n.engine.Restore(st)
		logger.Info("engine state restored", "positions", len(st.Positions), "orders", len(st.Orders), "nextPosId", st.NextPosID)
	}

	n.store.Attach(store.Sources{Pool: n.pool, Settings: n.settings, Ledger: n.ledger})
	if err := n.store.Checkpoint(); err != nil {
		return nil, fmt.Errorf("failed to write initial checkpoint: %w", err)
	}

	n.settings.SetObserver(func(key string, caller common.Address, value interface{}) {
		e := events.New(events.SettingChanged, time.Now()).With("key", key).With("value", fmt.Sprint(value))
		e.Account = caller
		n.sink.Emit(e)
		// Funding changes apply from the next settlement.
		n.engine.UpdateFunding()
		if err := n.store.Checkpoint(); err != nil {
			logger.Error("failed to persist settings change", "key", key, "err", err)
		}
	})

	var recorder api.Recorder
	if n.metrics != nil {
		recorder = n.metrics
	}
	n.rpc = api.NewJSONRPCServer(api.Backend{
		Engine:       n.engine,
		Pool:         n.pool,
		Settings:     n.settings,
		Prices:       n.prices,
		Balances:     n.ledger,
		Checkpointer: n.store,
		Recorder:     recorder,
	}, version, perpslog.Module(logger, "rpc"))

	if cfg.Keeper.Enabled {
		var rec keeper.Recorder
		if n.metrics != nil {
			rec = n.metrics
		}
		n.keeper = keeper.New(keeper.Config{
			Account:     common.HexToAddress(cfg.Keeper.Account),
			Interval:    cfg.Keeper.Interval,
			MarketBatch: cfg.Keeper.MarketBatch,
		}, n.engine, rec, perpslog.Module(logger, "keeper"))
	}
	return n, nil
}

func (n *Node) initAccess() error {
	admin := common.HexToAddress(n.cfg.Node.Admin)
	n.access = access.NewRegistry(admin, perpslog.Module(n.logger, "access"))

	grants := []struct {
		level access.Level
		list  []string
	}{
		{access.LevelPositionManager, n.cfg.Roles.PositionManagers},
		{access.LevelLiquidator, n.cfg.Roles.Liquidators},
		{access.LevelSettingsAdmin, n.cfg.Roles.SettingsAdmins},
	}
	for _, g := range grants {
		for _, a := range config.Addresses(g.list) {
			if err := n.access.Grant(admin, a, g.level); err != nil {
				return fmt.Errorf("failed to grant %s to %s: %w", g.level, a.Hex(), err)
			}
		}
	}
	if n.cfg.Keeper.Enabled {
		bot := common.HexToAddress(n.cfg.Keeper.Account)
		if !n.access.IsAuthorized(bot, access.LevelLiquidator) {
			if err := n.access.Grant(admin, bot, access.LevelLiquidator); err != nil {
				return fmt.Errorf("failed to grant keeper role: %w", err)
			}
		}
	}
	return nil
}

// initSettings restores the persisted registry. Tokens listed in the config
// but missing from the snapshot are added.
func (n *Node) initSettings() error {
	g, err := n.cfg.Global()
	if err != nil {
		return err
	}
	n.settings = settings.NewRegistry(g, n.access, perpslog.Module(n.logger, "settings"))

	snap, ok, err := n.store.LoadSettings()
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	if ok {
		n.settings.Restore(snap)
	}

	admin := common.HexToAddress(n.cfg.Node.Admin)
	for i := range n.cfg.Tokens {
		tc, err := n.cfg.Tokens[i].TokenConfig()
		if err != nil {
			return err
		}
		if _, err := n.settings.Token(tc.Token); err == nil {
			continue
		}
		if err := n.settings.AddToken(admin, tc); err != nil {
			return fmt.Errorf("failed to list %s: %w", tc.Token.Hex(), err)
		}
	}
	return nil
}

// initLedger restores balances, or mints the genesis allocations on a fresh
// database.
func (n *Node) initLedger() error {
	n.ledger = token.NewLedger()

	snap, ok, err := n.store.LoadLedger()
	if err != nil {
		return fmt.Errorf("failed to load balances: %w", err)
	}
	if ok {
		n.ledger.Restore(snap)
		return nil
	}

	allocs, err := n.cfg.GenesisBalances()
	if err != nil {
		return err
	}
	for _, a := range allocs {
		if err := n.ledger.Mint(a.Token, a.Account, a.Amount); err != nil {
			return fmt.Errorf("genesis: %w", err)
		}
	}
	n.logger.Info("genesis applied", "allocations", len(allocs))
	return nil
}

func (n *Node) initPrices() error {
	oc := n.cfg.Oracle
	fc := price.DefaultFeedConfig()
	if oc.Decimals != 0 {
		fc.Decimals = oc.Decimals
	}
	if oc.StaleThreshold > 0 {
		fc.StaleThreshold = oc.StaleThreshold
	}
	if oc.MinSources > 0 {
		fc.MinSources = oc.MinSources
	}
	if oc.MaxDeviation != "" {
		d, err := decimal.NewFromString(oc.MaxDeviation)
		if err != nil {
			return fmt.Errorf("oracle.max_deviation: %w", err)
		}
		fc.MaxDeviation = d
	}

	oracle := price.NewFeedOracle(fc, perpslog.Module(n.logger, "oracle"))
	n.feed = price.NewPushSource("push")
	for _, tok := range n.settings.Tokens() {
		oracle.AddFeed(tok, n.feed)
	}
	n.prices = price.NewManager(oracle, n.settings, perpslog.Module(n.logger, "prices"))
	n.pushStaticPrices()
	return nil
}

// pushStaticPrices feeds the configured prices, which keeps a node without a
// NATS price feed usable.
func (n *Node) pushStaticPrices() {
	now := time.Now()
	for tok, p := range n.cfg.Oracle.Prices {
		d, err := decimal.NewFromString(p)
		if err != nil {
			continue
		}
		n.feed.Push(common.HexToAddress(tok), d, now)
	}
}

func (n *Node) initSinks() {
	if n.cfg.Metrics.Enabled {
		n.metrics = metrics.New("perps", perpslog.Module(n.logger, "metrics"))
		n.sink = append(n.sink, n.metrics)
	}
	if n.cfg.RPC.WSAddr != "" {
		n.ws = websocket.NewServer(websocket.DefaultConfig(), snapshots{n}, perpslog.Module(n.logger, "ws"))
		n.sink = append(n.sink, n.ws)
	}
	if n.nc != nil {
		n.sink = append(n.sink, events.NewPublisher(n.nc, n.cfg.Events.SubjectPrefix, perpslog.Module(n.logger, "nats")))
	}
}

// connectNATS subscribes the push feed to the price subject.
func (n *Node) connectNATS() error {
	url := n.cfg.Events.NatsURL
	if url == "" {
		return nil
	}
	nc, err := nats.Connect(url,
		nats.Name(n.cfg.Node.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	n.nc = nc

	if _, err := price.SubscribeNATS(nc, n.cfg.Oracle.PriceSubject, n.feed, perpslog.Module(n.logger, "nats")); err != nil {
		nc.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", n.cfg.Oracle.PriceSubject, err)
	}
	n.logger.Info("connected to NATS", "url", url, "prices", n.cfg.Oracle.PriceSubject)
	return nil
}

// Run starts every service and blocks until ctx is done or one fails.
func (n *Node) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if n.cfg.RPC.Addr != "" {
		g.Go(func() error { return n.rpc.Serve(ctx, n.cfg.RPC.Addr) })
	}
	if n.ws != nil {
		g.Go(func() error { return n.ws.Serve(ctx, n.cfg.RPC.WSAddr) })
	}
	if n.metrics != nil {
		g.Go(func() error { return n.metrics.Serve(ctx, n.cfg.Metrics.Addr) })
		g.Go(func() error {
			n.metrics.Collect(ctx, 5*time.Second, n.engine, n.pool, n.settings)
			return nil
		})
	}
	if n.keeper != nil {
		g.Go(func() error { return n.keeper.Run(ctx) })
	}
	if len(n.cfg.Oracle.Prices) > 0 && n.nc == nil {
		g.Go(func() error {
			n.refreshStaticPrices(ctx)
			return nil
		})
	}

	return g.Wait()
}

func (n *Node) refreshStaticPrices(ctx context.Context) {
	interval := n.cfg.Oracle.StaleThreshold / 2
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.pushStaticPrices()
		}
	}
}

// Close flushes a final checkpoint and releases the connections.
func (n *Node) Close() error {
	if n.nc != nil {
		if err := n.nc.Drain(); err != nil {
			n.logger.Warn("failed to drain NATS connection", "err", err)
		}
	}
	if err := n.store.Checkpoint(); err != nil {
		n.logger.Error("failed to write final checkpoint", "err", err)
	}
	return n.store.Close()
}

// snapshots serves websocket subscription snapshots from the engine.
type snapshots struct {
	n *Node
}

func (s snapshots) Snapshot(channel string) (interface{}, bool) {
	kind, arg, _ := strings.Cut(channel, ":")
	switch kind {
	case "position":
		id, err := strconv.ParseUint(arg, 10, 64)
		if err != nil {
			return nil, false
		}
		p, err := s.n.engine.GetPosition(id)
		if err != nil {
			return nil, false
		}
		return p, true
	case "account":
		account := common.HexToAddress(arg)
		return map[string]interface{}{
			"positions": s.n.engine.GetAlivePositions(account),
			"orders":    s.n.engine.PendingOrders(account),
		}, true
	}
	return nil, false
}
