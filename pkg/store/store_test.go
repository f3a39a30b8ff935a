package store

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/perps/pkg/access"
	"github.com/luxfi/perps/pkg/fixed"
	"github.com/luxfi/perps/pkg/position"
	"github.com/luxfi/perps/pkg/settings"
	"github.com/luxfi/perps/pkg/token"
)

var (
	admin = common.HexToAddress("0xa11")
	alice = common.HexToAddress("0xc33")
	btc   = common.HexToAddress("0xb7c")
	vusd  = common.HexToAddress("0x05d0")
)

func testLogger() log.Logger {
	level, _ := log.ToLevel("error")
	return log.NewTestLogger(level)
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(t.TempDir(), "memdb", "", testLogger())
	require.NoError(t, err)
	s := New(db, testLogger())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestWriteAndLoadEngine(t *testing.T) {
	s := newTestStore(t)
	at := time.Unix(1700000000, 0).UTC()

	pos := position.Position{
		ID:           1,
		Owner:        alice,
		Token:        btc,
		IsLong:       true,
		Status:       position.StatusOpen,
		Size:         fixed.USD(1000),
		Collateral:   fixed.USD(100),
		AveragePrice: fixed.USD(57000),
	}
	order := position.PendingOrder{PosID: 2, Owner: alice, Token: btc, Kind: position.Limit, Status: position.OrderPending,
		LimitPrice: fixed.USD(55000), Collateral: fixed.USD(10), Size: fixed.USD(100), Fee: new(big.Int)}
	triggers := position.TriggerSet{PosID: 1, Orders: []position.TriggerOrder{
		{IsTP: true, Price: fixed.USD(60000), AmountPercent: 50000, Status: position.TriggerPending},
	}}
	funding := position.FundingState{Token: btc, IsLong: true, Index: big.NewInt(300), Factor: 100, LastUpdate: at}

	require.NoError(t, s.Write(position.Changes{
		Positions: []position.Position{pos},
		Orders:    []position.PendingOrder{order},
		Triggers:  []position.TriggerSet{triggers},
		Funding:   []position.FundingState{funding},
		NextPosID: 3,
		Queue:     []uint64{2},
	}))

	st, err := s.LoadEngine()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), st.NextPosID)
	assert.Equal(t, []uint64{2}, st.Queue)
	require.Len(t, st.Positions, 1)
	assert.Equal(t, alice, st.Positions[0].Owner)
	assert.Equal(t, 0, st.Positions[0].Size.Cmp(fixed.USD(1000)))
	require.Len(t, st.Orders, 1)
	assert.Equal(t, 0, st.Orders[0].LimitPrice.Cmp(fixed.USD(55000)))
	require.Len(t, st.Triggers, 1)
	assert.Equal(t, uint64(50000), st.Triggers[0].Orders[0].AmountPercent)
	require.Len(t, st.Funding, 1)
	assert.Equal(t, "300", st.Funding[0].Index.String())
	assert.Equal(t, uint64(100), st.Funding[0].Factor)
	assert.True(t, st.Funding[0].LastUpdate.Equal(at))

	// Filled orders and emptied trigger sets are removed.
	order.Status = position.OrderFilled
	require.NoError(t, s.Write(position.Changes{
		Orders:    []position.PendingOrder{order},
		Triggers:  []position.TriggerSet{{PosID: 1}},
		NextPosID: 3,
	}))
	st, err = s.LoadEngine()
	require.NoError(t, err)
	assert.Empty(t, st.Orders)
	assert.Empty(t, st.Triggers)
	assert.Empty(t, st.Queue)
	assert.Len(t, st.Positions, 1)
}

func TestLoadEmpty(t *testing.T) {
	s := newTestStore(t)

	st, err := s.LoadEngine()
	require.NoError(t, err)
	assert.Zero(t, st.NextPosID)
	assert.Empty(t, st.Positions)

	_, ok, err := s.LoadPool()
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = s.LoadSettings()
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = s.LoadLedger()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheckpointSnapshots(t *testing.T) {
	s := newTestStore(t)
	logger := testLogger()

	ledger := token.NewLedger()
	require.NoError(t, ledger.Mint(vusd, alice, fixed.USD(250)))

	acl := access.NewRegistry(admin, logger)
	reg := settings.NewRegistry(settings.DefaultGlobal(), acl, logger)
	require.NoError(t, reg.AddToken(admin, settings.DefaultTokenConfig(btc, 8)))

	s.Attach(Sources{Settings: reg, Ledger: ledger})
	require.NoError(t, s.Checkpoint())

	snap, ok, err := s.LoadLedger()
	require.NoError(t, err)
	require.True(t, ok)
	restored := token.NewLedger()
	restored.Restore(snap)
	assert.Equal(t, 0, restored.BalanceOf(vusd, alice).Cmp(fixed.USD(250)))

	set, ok, err := s.LoadSettings()
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, set.Tokens, btc)
	assert.Equal(t, uint8(8), set.Tokens[btc].Decimals)
	assert.Equal(t, settings.DefaultGlobal().FundingInterval, set.Global.FundingInterval)
}
