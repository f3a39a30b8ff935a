// Package events defines the engine's event taxonomy and the sinks that
// receive them.
package events

import (
	"encoding/json"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"

	"github.com/luxfi/perps/pkg/fixed"
)

// Type names an event.
type Type string

const (
	PositionOpened        Type = "position.opened"
	PositionIncreased     Type = "position.increased"
	PositionDecreased     Type = "position.decreased"
	PositionClosed        Type = "position.closed"
	PositionLiquidated    Type = "position.liquidated"
	CollateralAdded       Type = "position.collateral_added"
	CollateralRemoved     Type = "position.collateral_removed"
	DelayRequested        Type = "position.delay_requested"
	DelayCancelled        Type = "position.delay_cancelled"
	LiquidationRegistered Type = "liquidation.registered"

	OrderCreated              Type = "order.created"
	OrderCancelled            Type = "order.cancelled"
	OrderTriggered            Type = "order.triggered"
	MarketOrderExecutionError Type = "order.execution_error"

	TriggerOrdersAdded Type = "trigger.added"
	TriggerFired       Type = "trigger.fired"
	TriggerCancelled   Type = "trigger.cancelled"
	TrailingAdded      Type = "trailing.added"
	TrailingUpdated    Type = "trailing.updated"

	FeeCollected   Type = "fee.collected"
	FundingUpdated Type = "funding.updated"
	Stake          Type = "pool.stake"
	Unstake        Type = "pool.unstake"
	Deposit        Type = "pool.deposit"
	Withdraw       Type = "pool.withdraw"

	SettingChanged Type = "settings.changed"
)

// Event is a single engine notification. Amounts in Data are decimal strings.
type Event struct {
	Type    Type              `json:"type"`
	Time    time.Time         `json:"time"`
	Account common.Address    `json:"account"`
	Token   common.Address    `json:"token"`
	PosID   uint64            `json:"posId,omitempty"`
	Data    map[string]string `json:"data,omitempty"`
}

// New creates an event of type t.
func New(t Type, at time.Time) Event {
	return Event{Type: t, Time: at, Data: make(map[string]string)}
}

// With sets a string attribute.
func (e Event) With(key, value string) Event {
	e.Data[key] = value
	return e
}

// WithUSD sets a 1e30 amount rendered in whole dollars.
func (e Event) WithUSD(key string, v *big.Int) Event {
	e.Data[key] = fixed.FormatUSD(v)
	return e
}

// WithInt sets a raw integer amount.
func (e Event) WithInt(key string, v *big.Int) Event {
	if v == nil {
		v = new(big.Int)
	}
	e.Data[key] = v.String()
	return e
}

// Sink receives events. Emit must not block.
type Sink interface {
	Emit(Event)
}

// Discard drops every event.
type Discard struct{}

// Emit implements Sink.
func (Discard) Emit(Event) {}

// Multi fans an event out to several sinks.
type Multi []Sink

// Emit implements Sink.
func (m Multi) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

// Recorder keeps events in memory, newest last.
type Recorder struct {
	events []Event
	limit  int
	mu     sync.RWMutex
}

// NewRecorder creates a recorder that keeps at most limit events; zero keeps all.
func NewRecorder(limit int) *Recorder {
	return &Recorder{limit: limit}
}

// Emit implements Sink.
func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, e)
	if r.limit > 0 && len(r.events) > r.limit {
		r.events = r.events[len(r.events)-r.limit:]
	}
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t Type) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Publisher publishes events on NATS under prefix.<type>.
type Publisher struct {
	conn   *nats.Conn
	prefix string
	logger log.Logger
}

// NewPublisher creates a NATS publisher.
func NewPublisher(conn *nats.Conn, prefix string, logger log.Logger) *Publisher {
	return &Publisher{conn: conn, prefix: prefix, logger: logger}
}

// Subject returns the subject an event of type t is published on.
func (p *Publisher) Subject(t Type) string {
	return p.prefix + "." + string(t)
}

// Emit implements Sink.
func (p *Publisher) Emit(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("failed to encode event", "type", e.Type, "err", err)
		return
	}
	if err := p.conn.Publish(p.Subject(e.Type), data); err != nil {
		p.logger.Warn("failed to publish event", "type", e.Type, "err", err)
	}
}
