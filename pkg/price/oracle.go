package price

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidPriceFeed = errors.New("invalid price feed")
	ErrStalePrice       = errors.New("stale price")
	ErrNoRound          = errors.New("no price round")
	ErrTooManyOutliers  = errors.New("too many outliers detected")
)

// Oracle reports the latest price of a token. Implementations must fail with
// ErrInvalidPriceFeed when no feed exists and ErrStalePrice when the feed is
// older than its freshness window.
type Oracle interface {
	LatestPrice(token common.Address) (price *big.Int, decimals uint8, updatedAt time.Time, err error)
}

// Round is a single observation from a price source.
type Round struct {
	Price     decimal.Decimal
	UpdatedAt time.Time
}

// Source is one upstream of a feed.
type Source interface {
	Name() string
	Latest(token common.Address) (Round, error)
}

// FeedConfig configures a FeedOracle.
type FeedConfig struct {
	Decimals       uint8
	StaleThreshold time.Duration
	MaxDeviation   decimal.Decimal // fraction of the median, zero disables filtering
	MinSources     int
}

// DefaultFeedConfig returns the settings used by the daemon.
func DefaultFeedConfig() FeedConfig {
	return FeedConfig{
		Decimals:       8,
		StaleThreshold: 2 * time.Minute,
		MaxDeviation:   decimal.NewFromFloat(0.05),
		MinSources:     1,
	}
}

// FeedOracle aggregates the fresh rounds of each token's sources by median.
type FeedOracle struct {
	config FeedConfig
	feeds  map[common.Address][]Source
	now    func() time.Time
	logger log.Logger
	mu     sync.RWMutex
}

// NewFeedOracle creates an oracle without feeds.
func NewFeedOracle(config FeedConfig, logger log.Logger) *FeedOracle {
	if config.MinSources < 1 {
		config.MinSources = 1
	}
	return &FeedOracle{
		config: config,
		feeds:  make(map[common.Address][]Source),
		now:    time.Now,
		logger: logger,
	}
}

// SetClock replaces the wall clock.
func (o *FeedOracle) SetClock(now func() time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now = now
}

// AddFeed registers the sources of token.
func (o *FeedOracle) AddFeed(token common.Address, sources ...Source) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.feeds[token] = append(o.feeds[token], sources...)
}

// LatestPrice implements Oracle.
func (o *FeedOracle) LatestPrice(token common.Address) (*big.Int, uint8, time.Time, error) {
	o.mu.RLock()
	sources, ok := o.feeds[token]
	now := o.now()
	o.mu.RUnlock()

	if !ok || len(sources) == 0 {
		return nil, 0, time.Time{}, fmt.Errorf("%w: %s", ErrInvalidPriceFeed, token.Hex())
	}

	rounds := make([]Round, 0, len(sources))
	for _, src := range sources {
		r, err := src.Latest(token)
		if err != nil {
			o.logger.Debug("price source failed", "source", src.Name(), "token", token, "err", err)
			continue
		}
		if !r.Price.IsPositive() {
			continue
		}
		if o.config.StaleThreshold > 0 && now.Sub(r.UpdatedAt) > o.config.StaleThreshold {
			continue
		}
		rounds = append(rounds, r)
	}
	if len(rounds) < o.config.MinSources {
		return nil, 0, time.Time{}, fmt.Errorf("%w: %s has %d fresh sources", ErrStalePrice, token.Hex(), len(rounds))
	}

	median := medianPrice(rounds)
	rounds = o.filterOutliers(rounds, median)
	if len(rounds) < o.config.MinSources {
		return nil, 0, time.Time{}, ErrTooManyOutliers
	}

	updatedAt := rounds[0].UpdatedAt
	for _, r := range rounds[1:] {
		if r.UpdatedAt.Before(updatedAt) {
			updatedAt = r.UpdatedAt
		}
	}
	return medianPrice(rounds).Shift(int32(o.config.Decimals)).BigInt(), o.config.Decimals, updatedAt, nil
}

func (o *FeedOracle) filterOutliers(rounds []Round, median decimal.Decimal) []Round {
	if !o.config.MaxDeviation.IsPositive() {
		return rounds
	}
	filtered := make([]Round, 0, len(rounds))
	for _, r := range rounds {
		deviation := r.Price.Sub(median).Abs().Div(median)
		if deviation.LessThanOrEqual(o.config.MaxDeviation) {
			filtered = append(filtered, r)
		}
	}
	return filtered
}

func medianPrice(rounds []Round) decimal.Decimal {
	values := make([]decimal.Decimal, len(rounds))
	for i, r := range rounds {
		values[i] = r.Price
	}
	sort.Slice(values, func(i, j int) bool { return values[i].LessThan(values[j]) })

	n := len(values)
	if n%2 == 0 {
		return values[n/2-1].Add(values[n/2]).Div(decimal.NewFromInt(2))
	}
	return values[n/2]
}

// PushSource holds rounds pushed by a keeper, an operator or a NATS feed.
type PushSource struct {
	name   string
	rounds map[common.Address]Round
	mu     sync.RWMutex
}

// NewPushSource creates an empty push source.
func NewPushSource(name string) *PushSource {
	return &PushSource{
		name:   name,
		rounds: make(map[common.Address]Round),
	}
}

// Name implements Source.
func (s *PushSource) Name() string {
	return s.name
}

// Push records a new round for token.
func (s *PushSource) Push(token common.Address, price decimal.Decimal, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rounds[token] = Round{Price: price, UpdatedAt: at}
}

// Latest implements Source.
func (s *PushSource) Latest(token common.Address) (Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rounds[token]
	if !ok {
		return Round{}, ErrNoRound
	}
	return r, nil
}

// Update is the wire form of a pushed price.
type Update struct {
	Token     common.Address `json:"token"`
	Price     string         `json:"price"`
	Timestamp time.Time      `json:"timestamp"`
}

// SubscribeNATS feeds price updates published on subject into src.
func SubscribeNATS(nc *nats.Conn, subject string, src *PushSource, logger log.Logger) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(m *nats.Msg) {
		var u Update
		if err := json.Unmarshal(m.Data, &u); err != nil {
			logger.Warn("dropping malformed price update", "subject", m.Subject, "err", err)
			return
		}
		p, err := decimal.NewFromString(u.Price)
		if err != nil || !p.IsPositive() {
			logger.Warn("dropping invalid price", "token", u.Token, "price", u.Price)
			return
		}
		if u.Timestamp.IsZero() {
			u.Timestamp = time.Now()
		}
		src.Push(u.Token, p, u.Timestamp)
	})
}
