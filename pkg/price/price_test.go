package price

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/log"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/perps/pkg/fixed"
)

var (
	btc  = common.HexToAddress("0xb7c")
	usdc = common.HexToAddress("0x05dc")
	eth  = common.HexToAddress("0xe7")
)

type decimalsMap map[common.Address]uint8

func (d decimalsMap) TokenDecimals(token common.Address) (uint8, bool) {
	v, ok := d[token]
	return v, ok
}

func testLogger() log.Logger {
	level, _ := log.ToLevel("error")
	return log.NewTestLogger(level)
}

func newTestOracle(t *testing.T, now time.Time) (*FeedOracle, *PushSource) {
	t.Helper()
	o := NewFeedOracle(DefaultFeedConfig(), testLogger())
	o.SetClock(func() time.Time { return now })
	src := NewPushSource("test")
	o.AddFeed(btc, src)
	o.AddFeed(usdc, src)
	return o, src
}

func TestFeedOracle(t *testing.T) {
	now := time.Unix(1700000000, 0)
	o, src := newTestOracle(t, now)

	t.Run("NoFeed", func(t *testing.T) {
		_, _, _, err := o.LatestPrice(eth)
		assert.ErrorIs(t, err, ErrInvalidPriceFeed)
	})

	t.Run("NoRound", func(t *testing.T) {
		_, _, _, err := o.LatestPrice(btc)
		assert.ErrorIs(t, err, ErrStalePrice)
	})

	t.Run("Fresh", func(t *testing.T) {
		src.Push(btc, decimal.RequireFromString("57000.5"), now.Add(-time.Second))
		p, dec, at, err := o.LatestPrice(btc)
		require.NoError(t, err)
		assert.Equal(t, uint8(8), dec)
		assert.Equal(t, "5700050000000", p.String())
		assert.Equal(t, now.Add(-time.Second), at)
	})

	t.Run("Stale", func(t *testing.T) {
		src.Push(btc, decimal.NewFromInt(57000), now.Add(-time.Hour))
		_, _, _, err := o.LatestPrice(btc)
		assert.ErrorIs(t, err, ErrStalePrice)
	})
}

func TestFeedOracleMedian(t *testing.T) {
	now := time.Unix(1700000000, 0)
	o := NewFeedOracle(DefaultFeedConfig(), testLogger())
	o.SetClock(func() time.Time { return now })

	a, b, c := NewPushSource("a"), NewPushSource("b"), NewPushSource("c")
	o.AddFeed(btc, a, b, c)
	a.Push(btc, decimal.NewFromInt(60000), now)
	b.Push(btc, decimal.NewFromInt(60100), now)
	c.Push(btc, decimal.NewFromInt(90000), now) // outlier

	p, dec, _, err := o.LatestPrice(btc)
	require.NoError(t, err)
	assert.Equal(t, uint8(8), dec)
	assert.Equal(t, decimal.NewFromInt(60050).Shift(8).String(), p.String())
}

func TestManagerConversions(t *testing.T) {
	now := time.Unix(1700000000, 0)
	o, src := newTestOracle(t, now)
	src.Push(btc, decimal.NewFromInt(57000), now)
	src.Push(usdc, decimal.NewFromInt(1), now)

	m := NewManager(o, decimalsMap{btc: 18, usdc: 6}, testLogger())

	p, err := m.GetLastPrice(btc)
	require.NoError(t, err)
	assert.Equal(t, 0, p.Cmp(fixed.USD(57000)))

	t.Run("Zero", func(t *testing.T) {
		usd, err := m.TokenToUSD(eth, fixed.Zero())
		require.NoError(t, err)
		assert.Equal(t, 0, usd.Sign())

		amt, err := m.USDToToken(eth, fixed.Zero())
		require.NoError(t, err)
		assert.Equal(t, 0, amt.Sign())
	})

	t.Run("StableCoin", func(t *testing.T) {
		usd, err := m.TokenToUSD(usdc, fixed.Units(100000, 6))
		require.NoError(t, err)
		assert.Equal(t, 0, usd.Cmp(fixed.USD(100000)))
	})

	t.Run("RoundTrip", func(t *testing.T) {
		amounts := []*big.Int{
			big.NewInt(1),
			big.NewInt(999999),
			fixed.Units(3, 18),
			new(big.Int).Add(fixed.Units(7, 17), big.NewInt(12345)),
		}
		for _, amount := range amounts {
			usd, err := m.TokenToUSD(btc, amount)
			require.NoError(t, err)
			back, err := m.USDToToken(btc, usd)
			require.NoError(t, err)

			diff := new(big.Int).Sub(amount, back)
			assert.True(t, diff.Sign() >= 0 && diff.Cmp(big.NewInt(1)) <= 0, "amount %s came back as %s", amount, back)
		}
	})

	t.Run("UnknownDecimals", func(t *testing.T) {
		_, err := m.TokenToUSD(eth, big.NewInt(1))
		assert.ErrorIs(t, err, ErrInvalidPriceFeed)
	})
}

func TestManagerFallback(t *testing.T) {
	now := time.Unix(1700000000, 0)
	primary, stale := newTestOracle(t, now)
	stale.Push(btc, decimal.NewFromInt(50000), now.Add(-time.Hour))

	fallback, fresh := newTestOracle(t, now)
	fresh.Push(btc, decimal.NewFromInt(56300), now)

	m := NewManager(primary, decimalsMap{btc: 18}, testLogger())
	_, err := m.GetLastPrice(btc)
	require.ErrorIs(t, err, ErrStalePrice)

	m.SetFallback(fallback)
	p, err := m.GetLastPrice(btc)
	require.NoError(t, err)
	assert.Equal(t, 0, p.Cmp(fixed.USD(56300)))
}
