package keeper

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/log"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/perps/pkg/access"
	"github.com/luxfi/perps/pkg/fixed"
	"github.com/luxfi/perps/pkg/pool"
	"github.com/luxfi/perps/pkg/position"
	"github.com/luxfi/perps/pkg/price"
	"github.com/luxfi/perps/pkg/settings"
	"github.com/luxfi/perps/pkg/token"
)

var (
	admin = common.HexToAddress("0xa11")
	bot   = common.HexToAddress("0xb22")
	alice = common.HexToAddress("0xc33")
	vusd  = common.HexToAddress("0x05d0")
	btc   = common.HexToAddress("0xb7c")
)

type recorder struct {
	actions map[string]int
	ticks   int
}

func (r *recorder) RecordKeeper(action string, err error) {
	if err == nil {
		r.actions[action]++
	}
}

func (r *recorder) ObserveKeeperTick(time.Duration) { r.ticks++ }

type harness struct {
	engine *position.Engine
	feed   *price.PushSource
	keeper *Keeper
	rec    *recorder
}

func (h *harness) setPrice(dollars int64) {
	h.feed.Push(btc, decimal.NewFromInt(dollars), time.Now())
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	level, _ := log.ToLevel("error")
	logger := log.NewTestLogger(level)

	acl := access.NewRegistry(admin, logger)
	require.NoError(t, acl.Grant(admin, bot, access.LevelLiquidator))

	g := settings.DefaultGlobal()
	g.VUSD = vusd
	g.FeeManager, g.Team = common.HexToAddress("0xfee"), common.HexToAddress("0x7ea")
	g.CloseDeltaTime = 0
	reg := settings.NewRegistry(g, acl, logger)
	require.NoError(t, reg.AddToken(admin, settings.DefaultTokenConfig(btc, 8)))

	feed := price.NewPushSource("test")
	oracle := price.NewFeedOracle(price.DefaultFeedConfig(), logger)
	oracle.AddFeed(btc, feed)
	prices := price.NewManager(oracle, reg, logger)

	ledger := token.NewLedger()
	require.NoError(t, ledger.Mint(vusd, alice, fixed.USD(10000)))

	lp := pool.New(pool.Config{Settings: reg, Prices: prices, Custody: ledger, Access: acl, Logger: logger})
	lp.AddUSD(fixed.USD(1000000))

	engine := position.New(position.Config{
		Vault:    lp,
		Prices:   prices,
		Settings: reg,
		Custody:  ledger,
		Access:   acl,
		Logger:   logger,
	})

	rec := &recorder{actions: make(map[string]int)}
	h := &harness{
		engine: engine,
		feed:   feed,
		keeper: New(Config{Account: bot, Interval: 10 * time.Millisecond}, engine, rec, logger),
		rec:    rec,
	}
	h.setPrice(57000)
	return h
}

func (h *harness) submit(t *testing.T, req position.OrderRequest) uint64 {
	t.Helper()
	req.Account, req.Token = alice, btc
	id, err := h.engine.NewPositionOrder(alice, req)
	require.NoError(t, err)
	return id
}

func TestTickLifecycle(t *testing.T) {
	h := newHarness(t)

	market := h.submit(t, position.OrderRequest{IsLong: true, Kind: position.Market, Size: fixed.USD(1000), Collateral: fixed.USD(100)})
	limit := h.submit(t, position.OrderRequest{IsLong: true, Kind: position.Limit, LimitPrice: fixed.USD(56000), Size: fixed.USD(500), Collateral: fixed.USD(50)})

	r := h.keeper.Tick()
	assert.Equal(t, 1, r.MarketOrders)
	assert.Zero(t, r.Orders, "limit above the mark waits")
	p, err := h.engine.GetPosition(market)
	require.NoError(t, err)
	assert.Equal(t, position.StatusOpen, p.Status)

	h.setPrice(56000)
	r = h.keeper.Tick()
	assert.Equal(t, 1, r.Orders)
	p, err = h.engine.GetPosition(limit)
	require.NoError(t, err)
	assert.Equal(t, position.StatusOpen, p.Status)

	require.NoError(t, h.engine.AddTriggerOrders(alice, market, []bool{true}, []*big.Int{fixed.USD(60000)}, []uint64{100000}, nil))
	h.setPrice(60000)
	r = h.keeper.Tick()
	assert.Equal(t, 1, r.Triggers)
	p, err = h.engine.GetPosition(market)
	require.NoError(t, err)
	assert.Equal(t, position.StatusClosed, p.Status)

	// 500 long from 56000 loses more than its 50 collateral at 50000.
	h.setPrice(50000)
	r = h.keeper.Tick()
	assert.Equal(t, 1, r.Liquidations)
	assert.Zero(t, r.Failures)
	p, err = h.engine.GetPosition(limit)
	require.NoError(t, err)
	assert.Equal(t, position.StatusLiquidated, p.Status)

	assert.Equal(t, 1, h.rec.actions["market"])
	assert.Equal(t, 1, h.rec.actions["liquidate"])
	assert.Equal(t, 4, h.rec.ticks)
}

func TestTickTrailingStop(t *testing.T) {
	h := newHarness(t)
	id := h.submit(t, position.OrderRequest{IsLong: true, Kind: position.Market, Size: fixed.USD(1000), Collateral: fixed.USD(100)})
	h.keeper.Tick()

	require.NoError(t, h.engine.AddTrailingStop(alice, id, position.TrailingParams{
		Collateral: fixed.USD(100),
		Size:       fixed.USD(1000),
		StepType:   position.StepAmount,
		StepPrice:  fixed.USD(55000),
		StepAmount: fixed.USD(1000),
	}))

	r := h.keeper.Tick()
	assert.Equal(t, 1, r.TrailingMoved, "stop ratchets to 56000")
	p, err := h.engine.GetPosition(id)
	require.NoError(t, err)
	assert.Equal(t, 0, p.Trailing.StopPrice.Cmp(fixed.USD(56000)))

	h.setPrice(56000)
	r = h.keeper.Tick()
	assert.Equal(t, 1, r.TrailingFired)
	p, err = h.engine.GetPosition(id)
	require.NoError(t, err)
	assert.Equal(t, position.StatusClosed, p.Status)
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	h.submit(t, position.OrderRequest{IsLong: false, Kind: position.Market, Size: fixed.USD(1000), Collateral: fixed.USD(100)})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.keeper.Run(ctx) }()

	require.Eventually(t, func() bool { return len(h.engine.MarketQueue()) == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("keeper did not stop")
	}
}
