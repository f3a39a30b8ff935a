package position

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/perps/pkg/access"
	"github.com/luxfi/perps/pkg/events"
	"github.com/luxfi/perps/pkg/fixed"
)

func prices(dollars ...int64) []*big.Int {
	out := make([]*big.Int, len(dollars))
	for i, d := range dollars {
		out[i] = fixed.USD(d)
	}
	return out
}

func TestAddTriggerOrdersValidation(t *testing.T) {
	f := newFixture(t)
	id := f.open(t, true, 1000, 100)

	tests := []struct {
		name   string
		isTPs  []bool
		prices []*big.Int
		pcts   []uint64
		err    error
	}{
		{"LengthMismatch", []bool{true}, prices(60000, 61000), []uint64{50000}, ErrTriggerDataIncorrect},
		{"TPBelowAverage", []bool{true}, prices(56000), []uint64{50000}, ErrTriggerDataIncorrect},
		{"SLAboveAverage", []bool{false}, prices(58000), []uint64{50000}, ErrTriggerDataIncorrect},
		{"TPAboveHundredPercent", []bool{true, true}, prices(60000, 61000), []uint64{60000, 50000}, ErrTriggerDataIncorrect},
		{"ZeroPercent", []bool{false}, prices(55000), []uint64{0}, ErrTriggerDataIncorrect},
		{"TooMany", make([]bool, MaxTriggerOrders+1), prices(50000, 50000, 50000, 50000, 50000, 50000, 50000, 50000, 50000, 50000, 50000),
			[]uint64{9000, 9000, 9000, 9000, 9000, 9000, 9000, 9000, 9000, 9000, 9000}, ErrTooManyTriggers},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.engine.AddTriggerOrders(alice, id, tt.isTPs, tt.prices, tt.pcts, nil)
			require.ErrorIs(t, err, tt.err)
		})
	}

	t.Run("SeparateSums", func(t *testing.T) {
		err := f.engine.AddTriggerOrders(alice, id, []bool{true, false}, prices(60000, 55000), []uint64{100000, 100000}, nil)
		require.NoError(t, err)
		err = f.engine.AddTriggerOrders(alice, id, []bool{true}, prices(62000), []uint64{1000}, nil)
		require.ErrorIs(t, err, ErrTriggerDataIncorrect)
	})

	t.Run("NotOwner", func(t *testing.T) {
		err := f.engine.AddTriggerOrders(bob, id, []bool{true}, prices(60000), []uint64{1000}, nil)
		require.ErrorIs(t, err, access.ErrNotAllowed)
	})
}

func TestTriggerGasFee(t *testing.T) {
	f := newFixture(t)
	fee := fixed.Pow10(15)
	require.NoError(t, f.settings.SetTriggerGasFee(admin, fee))
	require.NoError(t, f.ledger.Mint(native, alice, fixed.Pow10(18)))
	id := f.open(t, true, 1000, 100)

	err := f.engine.AddTriggerOrders(alice, id, []bool{true}, prices(60000), []uint64{50000}, fixed.Pow10(14))
	require.ErrorIs(t, err, ErrInvalidTriggerGasFee)
	err = f.engine.AddTriggerOrders(alice, id, []bool{true}, prices(60000), []uint64{50000}, nil)
	require.ErrorIs(t, err, ErrInvalidTriggerGasFee)

	require.NoError(t, f.engine.AddTriggerOrders(alice, id, []bool{true}, prices(60000), []uint64{50000}, fee))
	assert.Equal(t, 0, f.ledger.BalanceOf(native, feeManager).Cmp(fee))
}

func TestExecuteTriggerOrders(t *testing.T) {
	f := newFixture(t)
	id := f.open(t, true, 1000, 100)
	require.NoError(t, f.engine.AddTriggerOrders(alice, id, []bool{true, false}, prices(60000, 55000), []uint64{50000, 100000}, nil))
	assert.Equal(t, []uint64{id}, f.engine.PositionsWithTriggers())

	f.marks.set(btc, 58000)
	crossed, err := f.engine.ValidateTPSLTriggers(id)
	require.NoError(t, err)
	assert.False(t, crossed)
	_, err = f.engine.ExecuteTriggerOrders(keeper, id)
	require.ErrorIs(t, err, ErrTriggerNotPending)

	f.marks.set(btc, 60000)
	crossed, err = f.engine.ValidateTPSLTriggers(id)
	require.NoError(t, err)
	assert.True(t, crossed)

	_, err = f.engine.ExecuteTriggerOrders(alice, id)
	require.ErrorIs(t, err, access.ErrNotAllowed)

	fired, err := f.engine.ExecuteTriggerOrders(keeper, id)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	p, err := f.engine.GetPosition(id)
	require.NoError(t, err)
	assert.Equal(t, 0, p.Size.Cmp(fixed.USD(500)))
	assert.Equal(t, 0, p.Collateral.Cmp(fixed.USD(50)))
	set := f.engine.GetTriggerOrders(id)
	assert.Equal(t, TriggerFired, set.Orders[0].Status)
	assert.Equal(t, TriggerPending, set.Orders[1].Status)

	f.marks.set(btc, 55000)
	fired, err = f.engine.ExecuteTriggerOrders(keeper, id)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	p, err = f.engine.GetPosition(id)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, p.Status)
	set = f.engine.GetTriggerOrders(id)
	assert.Equal(t, TriggerFired, set.Orders[1].Status)
	assert.Len(t, f.recorder.OfType(events.TriggerFired), 2)
	assert.Empty(t, f.engine.PositionsWithTriggers())

	err = f.engine.AddTriggerOrders(alice, id, []bool{true}, prices(60000), []uint64{1000}, nil)
	require.ErrorIs(t, err, ErrPositionSizeZero)
}

func TestCancelTriggers(t *testing.T) {
	f := newFixture(t)
	id := f.open(t, false, 1000, 100)
	require.NoError(t, f.engine.AddTriggerOrders(alice, id, []bool{true, false, true}, prices(55000, 58000, 54000), []uint64{30000, 100000, 30000}, nil))

	require.ErrorIs(t, f.engine.CancelTriggerOrder(bob, id, 0), access.ErrNotAllowed)
	require.NoError(t, f.engine.CancelTriggerOrder(alice, id, 0))
	require.ErrorIs(t, f.engine.CancelTriggerOrder(alice, id, 0), ErrTriggerNotPending)
	require.ErrorIs(t, f.engine.CancelTriggerOrder(alice, id, 7), ErrTriggerNotPending)

	require.NoError(t, f.engine.CancelPositionTrigger(alice, id))
	require.ErrorIs(t, f.engine.CancelPositionTrigger(alice, id), ErrTriggerNotPending)

	set := f.engine.GetTriggerOrders(id)
	for _, o := range set.Orders {
		assert.Equal(t, TriggerCancelled, o.Status)
	}

	// A fresh set replaces one with nothing pending.
	require.NoError(t, f.engine.AddTriggerOrders(alice, id, []bool{false}, prices(58000), []uint64{100000}, nil))
	assert.Len(t, f.engine.GetTriggerOrders(id).Orders, 1)

	_, err := f.engine.ClosePosition(alice, id)
	require.NoError(t, err)
	assert.Equal(t, TriggerCancelled, f.engine.GetTriggerOrders(id).Orders[0].Status, "closing cancels pending entries")
}

func TestTriggerCapCountsPendingEntries(t *testing.T) {
	f := newFixture(t)
	id := f.open(t, true, 1000, 100)

	stops := func(n int) ([]bool, []*big.Int, []uint64) {
		isTPs, px, pcts := make([]bool, n), make([]*big.Int, n), make([]uint64, n)
		for i := range px {
			px[i], pcts[i] = fixed.USD(55000), 10000
		}
		return isTPs, px, pcts
	}

	isTPs, px, pcts := stops(MaxTriggerOrders)
	require.NoError(t, f.engine.AddTriggerOrders(alice, id, isTPs, px, pcts, nil))
	require.NoError(t, f.engine.CancelTriggerOrder(alice, id, 0))
	require.NoError(t, f.engine.CancelTriggerOrder(alice, id, 1))

	// Cancelled entries free their slots.
	isTPs, px, pcts = stops(2)
	require.NoError(t, f.engine.AddTriggerOrders(alice, id, isTPs, px, pcts, nil))
	assert.Len(t, f.engine.GetTriggerOrders(id).Orders, MaxTriggerOrders+2)

	isTPs, px, pcts = stops(1)
	require.ErrorIs(t, f.engine.AddTriggerOrders(alice, id, isTPs, px, pcts, nil), ErrTooManyTriggers)
}
