package position

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/perps/pkg/access"
	"github.com/luxfi/perps/pkg/fixed"
)

func TestAddTrailingStopValidation(t *testing.T) {
	f := newFixture(t)
	id := f.open(t, true, 1000, 100)

	valid := func() TrailingParams {
		return TrailingParams{
			Collateral: fixed.USD(100),
			Size:       fixed.USD(1000),
			StepType:   StepPercent,
			StepPrice:  fixed.USD(56000),
			StepAmount: big.NewInt(1000),
		}
	}

	tests := []struct {
		name   string
		mutate func(*TrailingParams)
		err    error
	}{
		{"SizeTooLarge", func(p *TrailingParams) { p.Size = fixed.USD(1001) }, ErrTrailingTooLarge},
		{"CollateralTooLarge", func(p *TrailingParams) { p.Collateral = fixed.USD(101) }, ErrInvalidTrailingData},
		{"ZeroStep", func(p *TrailingParams) { p.StepAmount = new(big.Int) }, ErrInvalidTrailingData},
		{"StopAboveMark", func(p *TrailingParams) { p.StepPrice = fixed.USD(57001) }, ErrInvalidTrailingData},
		{"PercentAbove100", func(p *TrailingParams) { p.StepAmount = big.NewInt(100001) }, ErrInvalidTrailingData},
		{"AmountNotBelowPrice", func(p *TrailingParams) {
			p.StepType = StepAmount
			p.StepAmount = fixed.USD(57000)
		}, ErrInvalidTrailingData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := valid()
			tt.mutate(&params)
			require.ErrorIs(t, f.engine.AddTrailingStop(alice, id, params), tt.err)
		})
	}

	require.ErrorIs(t, f.engine.AddTrailingStop(bob, id, valid()), access.ErrNotAllowed)
	require.NoError(t, f.engine.AddTrailingStop(alice, id, valid()))
	assert.Equal(t, []uint64{id}, f.engine.PositionsWithTrailing())

	require.NoError(t, f.engine.CancelTrailingStop(alice, id))
	require.ErrorIs(t, f.engine.CancelTrailingStop(alice, id), ErrNoTrailingStop)
	assert.Empty(t, f.engine.PositionsWithTrailing())
}

func TestTrailingStopLong(t *testing.T) {
	f := newFixture(t)
	id := f.open(t, true, 1000, 100)

	require.NoError(t, f.engine.AddTrailingStop(alice, id, TrailingParams{
		Collateral: fixed.USD(100),
		Size:       fixed.USD(1000),
		StepType:   StepPercent,
		StepPrice:  fixed.USD(56000),
		StepAmount: big.NewInt(1000), // 1%
	}))

	// 57000 * 0.99 = 56430 ratchets the stop up from 56000.
	require.NoError(t, f.engine.UpdateTrailingStop(keeper, id))
	p, err := f.engine.GetPosition(id)
	require.NoError(t, err)
	assert.Equal(t, 0, p.Trailing.StopPrice.Cmp(fixed.USD(56430)))

	require.ErrorIs(t, f.engine.UpdateTrailingStop(alice, id), ErrPriceIncorrect, "price has not moved")
	require.ErrorIs(t, f.engine.UpdateTrailingStop(bob, id), access.ErrNotAllowed)

	f.marks.set(btc, 56500)
	require.ErrorIs(t, f.engine.UpdateTrailingStop(alice, id), ErrPriceIncorrect, "the stop never retreats")
	_, err = f.engine.ExecuteTrailingStop(keeper, id)
	require.ErrorIs(t, err, ErrPriceIncorrect)

	f.marks.set(btc, 56430)
	res, err := f.engine.ExecuteTrailingStop(keeper, id)
	require.NoError(t, err)
	assert.True(t, res.Closed)

	p, err = f.engine.GetPosition(id)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, p.Status)
	assert.Nil(t, p.Trailing)
}

func TestTrailingStopShortAmount(t *testing.T) {
	f := newFixture(t)
	id := f.open(t, false, 1000, 100)

	require.NoError(t, f.engine.AddTrailingStop(alice, id, TrailingParams{
		Collateral: fixed.USD(50),
		Size:       fixed.USD(500),
		StepType:   StepAmount,
		StepPrice:  fixed.USD(58000),
		StepAmount: fixed.USD(500),
	}))

	f.marks.set(btc, 57600)
	require.ErrorIs(t, f.engine.UpdateTrailingStop(alice, id), ErrPriceIncorrect, "57600+500 is above the stop")

	f.marks.set(btc, 57000)
	require.NoError(t, f.engine.UpdateTrailingStop(alice, id))
	p, err := f.engine.GetPosition(id)
	require.NoError(t, err)
	assert.Equal(t, 0, p.Trailing.StopPrice.Cmp(fixed.USD(57500)))

	f.marks.set(btc, 57500)
	res, err := f.engine.ExecuteTrailingStop(keeper, id)
	require.NoError(t, err)
	assert.False(t, res.Closed)
	assert.Equal(t, 0, res.SizeDelta.Cmp(fixed.USD(500)))

	p, err = f.engine.GetPosition(id)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, p.Status)
	assert.Equal(t, 0, p.Size.Cmp(fixed.USD(500)))
	assert.Nil(t, p.Trailing, "a fired trailing stop is consumed")
}
