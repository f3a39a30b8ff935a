package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
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
	bob   = common.HexToAddress("0xd44")
	vusd  = common.HexToAddress("0x05d0")
	btc   = common.HexToAddress("0xb7c")
)

type countingRecorder map[string]int

func (c countingRecorder) RecordRPC(method string, err error) {
	if err == nil {
		c[method]++
	}
}

type countingCheckpointer struct{ n int }

func (c *countingCheckpointer) Checkpoint() error {
	c.n++
	return nil
}

type fixture struct {
	server *JSONRPCServer
	feed   *price.PushSource
	rec    countingRecorder
	cp     *countingCheckpointer
}

func newFixture(t *testing.T) *fixture {
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
	feed.Push(btc, decimal.NewFromInt(57000), time.Now())

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

	f := &fixture{feed: feed, rec: countingRecorder{}, cp: &countingCheckpointer{}}
	f.server = NewJSONRPCServer(Backend{
		Engine:       engine,
		Pool:         lp,
		Settings:     reg,
		Prices:       prices,
		Balances:     ledger,
		Checkpointer: f.cp,
		Recorder:     f.rec,
	}, "test", logger)
	return f
}

func (f *fixture) call(t *testing.T, method string, params interface{}) JSONRPCResponse {
	t.Helper()
	req := map[string]interface{}{"jsonrpc": "2.0", "method": method, "id": 1}
	if params != nil {
		req["params"] = params
	}
	body, err := json.Marshal(req)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	f.server.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, w.Code)

	var resp JSONRPCResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

// result re-decodes a successful response into v.
func (f *fixture) result(t *testing.T, method string, params interface{}, v interface{}) {
	t.Helper()
	resp := f.call(t, method, params)
	require.Nil(t, resp.Error, "%s: %v", method, resp.Error)
	raw, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, v))
}

func (f *fixture) openLong(t *testing.T) uint64 {
	t.Helper()
	var placed struct {
		PosID uint64 `json:"posId"`
		Kind  string `json:"kind"`
	}
	f.result(t, "perp_newPositionOrder", map[string]interface{}{
		"from":       alice,
		"token":      btc,
		"isLong":     true,
		"kind":       "market",
		"collateral": "100",
		"size":       "1000",
	}, &placed)
	assert.Equal(t, "market", placed.Kind)

	var executed []executionView
	f.result(t, "perp_executeOpenMarketOrders", map[string]interface{}{"from": bot}, &executed)
	require.Len(t, executed, 1)
	require.Empty(t, executed[0].Error)
	return placed.PosID
}

func TestPing(t *testing.T) {
	f := newFixture(t)
	resp := f.call(t, "perp_ping", nil)
	assert.Nil(t, resp.Error)
	assert.Equal(t, "pong", resp.Result)
	assert.Equal(t, 1, f.rec["perp_ping"])
}

func TestProtocolErrors(t *testing.T) {
	f := newFixture(t)

	t.Run("GET rejected", func(t *testing.T) {
		w := httptest.NewRecorder()
		f.server.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})

	t.Run("parse error", func(t *testing.T) {
		w := httptest.NewRecorder()
		f.server.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte("{not json"))))
		var resp JSONRPCResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.NotNil(t, resp.Error)
		assert.Equal(t, ParseError, resp.Error.Code)
	})

	t.Run("wrong version", func(t *testing.T) {
		w := httptest.NewRecorder()
		body := []byte(`{"jsonrpc":"1.0","method":"perp_ping","id":7}`)
		f.server.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body)))
		var resp JSONRPCResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidRequest, resp.Error.Code)
	})

	t.Run("unknown method", func(t *testing.T) {
		resp := f.call(t, "perp_nope", nil)
		require.NotNil(t, resp.Error)
		assert.Equal(t, MethodNotFound, resp.Error.Code)
	})

	t.Run("missing params", func(t *testing.T) {
		resp := f.call(t, "perp_getPosition", nil)
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidParams, resp.Error.Code)
	})

	t.Run("bad USD amount", func(t *testing.T) {
		resp := f.call(t, "perp_newPositionOrder", map[string]interface{}{
			"from": alice, "token": btc, "size": "lots", "collateral": "1",
		})
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidParams, resp.Error.Code)
	})

	t.Run("bad order kind", func(t *testing.T) {
		resp := f.call(t, "perp_newPositionOrder", map[string]interface{}{
			"from": alice, "token": btc, "kind": "iceberg", "size": "1000", "collateral": "100",
		})
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidParams, resp.Error.Code)
	})
}

func TestPositionLifecycle(t *testing.T) {
	f := newFixture(t)
	id := f.openLong(t)

	var got struct {
		Position      positionView `json:"position"`
		UnrealisedPnl string       `json:"unrealisedPnl"`
	}
	f.result(t, "perp_getPosition", map[string]interface{}{"posId": id}, &got)
	assert.Equal(t, "open", got.Position.Status)
	assert.Equal(t, "1000", got.Position.Size)
	assert.Equal(t, "57000", got.Position.AveragePrice)
	assert.Equal(t, "0", got.UnrealisedPnl)

	var alive []positionView
	f.result(t, "perp_getAlivePositions", map[string]interface{}{"account": alice}, &alive)
	require.Len(t, alive, 1)
	assert.Equal(t, id, alive[0].ID)

	var triggers triggerSetView
	f.result(t, "perp_addTriggerOrders", map[string]interface{}{
		"from":  alice,
		"posId": id,
		"orders": []map[string]interface{}{
			{"isTP": true, "price": "60000", "amountPercent": 50000},
			{"isTP": false, "price": "55000", "amountPercent": 100000},
		},
	}, &triggers)
	require.Len(t, triggers.Orders, 2)
	assert.Equal(t, "60000", triggers.Orders[0].Price)
	assert.Equal(t, "pending", triggers.Orders[1].Status)

	var cancelled bool
	f.result(t, "perp_cancelTriggerOrder", map[string]interface{}{"from": alice, "posId": id, "index": 1}, &cancelled)
	assert.True(t, cancelled)
	f.result(t, "perp_getTriggerOrders", map[string]interface{}{"posId": id}, &triggers)
	assert.Equal(t, "cancelled", triggers.Orders[1].Status)

	f.feed.Push(btc, decimal.NewFromInt(60000), time.Now())
	var fired struct {
		Fired int `json:"fired"`
	}
	f.result(t, "perp_executeTriggerOrders", map[string]interface{}{"from": bot, "posId": id}, &fired)
	assert.Equal(t, 1, fired.Fired)

	f.result(t, "perp_getPosition", map[string]interface{}{"posId": id}, &got)
	assert.Equal(t, "500", got.Position.Size)

	var closed decreaseView
	f.result(t, "perp_closePosition", map[string]interface{}{"from": alice, "posId": id}, &closed)
	assert.True(t, closed.Closed)
	assert.Equal(t, "60000", closed.MarkPrice)

	f.result(t, "perp_getAlivePositions", map[string]interface{}{"account": alice}, &alive)
	assert.Empty(t, alive)
}

func TestPendingOrders(t *testing.T) {
	f := newFixture(t)

	var placed struct {
		PosID uint64 `json:"posId"`
	}
	f.result(t, "perp_newPositionOrder", map[string]interface{}{
		"from":       alice,
		"token":      btc,
		"isLong":     false,
		"kind":       "limit",
		"limitPrice": "58000",
		"collateral": "100",
		"size":       "1000",
	}, &placed)

	var orders []orderView
	f.result(t, "perp_getPendingOrders", map[string]interface{}{"account": alice}, &orders)
	require.Len(t, orders, 1)
	assert.Equal(t, "limit", orders[0].Kind)
	assert.Equal(t, "58000", orders[0].LimitPrice)
	assert.Equal(t, "pending", orders[0].Status)

	// Only the owner may cancel.
	resp := f.call(t, "perp_cancelPendingOrder", map[string]interface{}{"from": bob, "posId": placed.PosID})
	require.NotNil(t, resp.Error)
	assert.Equal(t, Unauthorized, resp.Error.Code)

	var ok bool
	f.result(t, "perp_cancelPendingOrder", map[string]interface{}{"from": alice, "posId": placed.PosID}, &ok)
	assert.True(t, ok)

	f.result(t, "perp_getPendingOrders", map[string]interface{}{"account": alice}, &orders)
	assert.Empty(t, orders)
	resp = f.call(t, "perp_getPendingOrder", map[string]interface{}{"posId": placed.PosID})
	require.NotNil(t, resp.Error)
	assert.Equal(t, ExecutionError, resp.Error.Code)
}

func TestExecutionRequiresKeeper(t *testing.T) {
	f := newFixture(t)
	resp := f.call(t, "perp_executeOpenMarketOrders", map[string]interface{}{"from": alice})
	require.NotNil(t, resp.Error)
	assert.Equal(t, Unauthorized, resp.Error.Code)
}

func TestNotFound(t *testing.T) {
	f := newFixture(t)
	resp := f.call(t, "perp_getPosition", map[string]interface{}{"posId": 42})
	require.NotNil(t, resp.Error)
	assert.Equal(t, NotFound, resp.Error.Code)

	resp = f.call(t, "perp_getSettings", map[string]interface{}{"token": common.HexToAddress("0x123")})
	require.NotNil(t, resp.Error)
	assert.Equal(t, NotFound, resp.Error.Code)
}

func TestValidateLiquidation(t *testing.T) {
	f := newFixture(t)
	id := f.openLong(t)

	var v struct {
		Liquidatable bool   `json:"liquidatable"`
		State        string `json:"state"`
	}
	f.result(t, "perp_validateLiquidation", map[string]interface{}{"posId": id}, &v)
	assert.False(t, v.Liquidatable)
	assert.Equal(t, "none", v.State)

	f.feed.Push(btc, decimal.NewFromInt(50000), time.Now())
	f.result(t, "perp_validateLiquidation", map[string]interface{}{"posId": id}, &v)
	assert.True(t, v.Liquidatable)

	var res map[string]string
	f.result(t, "perp_liquidatePosition", map[string]interface{}{"from": bot, "posId": id}, &res)
	assert.NotEmpty(t, res["feeTaken"])

	var got struct {
		Position positionView `json:"position"`
	}
	f.result(t, "perp_getPosition", map[string]interface{}{"posId": id}, &got)
	assert.Equal(t, "liquidated", got.Position.Status)
}

func TestPoolAndViews(t *testing.T) {
	f := newFixture(t)

	var info map[string]string
	f.result(t, "perp_getPool", nil, &info)
	assert.Equal(t, "1000000", info["totalUSD"])

	var price map[string]string
	f.result(t, "perp_getPrice", map[string]interface{}{"token": btc}, &price)
	assert.Equal(t, "57000", price["price"])

	var bal map[string]string
	f.result(t, "perp_balanceOf", map[string]interface{}{"token": vusd, "account": alice}, &bal)
	assert.Equal(t, fixed.USD(10000).String(), bal["balance"])
	assert.Equal(t, "0", bal["shares"])

	// Staking is off by default for listed tokens.
	resp := f.call(t, "perp_stake", map[string]interface{}{"from": alice, "token": btc, "amount": "100000000"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, ExecutionError, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, pool.ErrStakingDisabled.Error())
	assert.Zero(t, f.cp.n)

	var cfg settings.TokenConfig
	f.result(t, "perp_getSettings", map[string]interface{}{"token": btc}, &cfg)
	assert.Equal(t, uint64(80), cfg.MarginFeeLong)

	var node map[string]interface{}
	f.result(t, "perp_getInfo", nil, &node)
	assert.Equal(t, "test", node["version"])
	assert.Len(t, node["tokens"], 1)
}

func TestOpenInterest(t *testing.T) {
	f := newFixture(t)
	f.openLong(t)

	var oi struct {
		Long  string            `json:"long"`
		Short string            `json:"short"`
		Token map[string]string `json:"token"`
		User  string            `json:"user"`
	}
	f.result(t, "perp_getOpenInterest", map[string]interface{}{"token": btc, "account": alice}, &oi)
	assert.Equal(t, "1000", oi.Long)
	assert.Equal(t, "0", oi.Short)
	assert.Equal(t, "1000", oi.Token["long"])
	assert.Equal(t, "1000", oi.User)
}
