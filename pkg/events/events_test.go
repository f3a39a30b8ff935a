package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/luxfi/perps/pkg/fixed"
)

func TestRecorder(t *testing.T) {
	r := NewRecorder(2)
	now := time.Unix(1700000000, 0)

	r.Emit(New(Stake, now))
	r.Emit(New(PositionOpened, now).WithUSD("size", fixed.USD(1000)))
	r.Emit(New(PositionClosed, now))

	all := r.Events()
	assert.Len(t, all, 2)
	assert.Equal(t, PositionOpened, all[0].Type)
	assert.Equal(t, "1000", all[0].Data["size"])

	assert.Len(t, r.OfType(PositionClosed), 1)
	assert.Empty(t, r.OfType(Stake))
}

func TestMulti(t *testing.T) {
	a, b := NewRecorder(0), NewRecorder(0)
	m := Multi{a, b, Discard{}}

	m.Emit(New(Deposit, time.Now()).WithInt("amount", nil))

	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1)
	assert.Equal(t, "0", b.Events()[0].Data["amount"])
}

func TestPublisherSubject(t *testing.T) {
	p := NewPublisher(nil, "perp.events", nil)
	assert.Equal(t, "perp.events.position.liquidated", p.Subject(PositionLiquidated))
}
