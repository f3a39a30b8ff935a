// Package keeper runs the position-manager bot that drives the engine:
// queued market orders, limit and stop orders, TP/SL triggers, trailing
// stops, delayed increases, liquidations and funding.
package keeper

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/log"

	"github.com/luxfi/perps/pkg/position"
)

// Engine is the subset of the position engine the keeper drives.
type Engine interface {
	ExecuteOpenMarketOrders(caller common.Address, n int) ([]position.ExecutionResult, error)
	TriggerableOrders() []uint64
	ExecuteOrders(caller common.Address, ids []uint64) ([]position.ExecutionResult, error)

	PositionsWithTriggers() []uint64
	ValidateTPSLTriggers(id uint64) (bool, error)
	ExecuteTriggerOrders(caller common.Address, id uint64) (int, error)

	PositionsWithTrailing() []uint64
	UpdateTrailingStop(caller common.Address, id uint64) error
	ExecuteTrailingStop(caller common.Address, id uint64) (*position.DecreaseResult, error)

	ReadyDelayedIncreases() []uint64
	ConfirmDelayTransaction(caller common.Address, id uint64) error

	LiquidatablePositions() []uint64
	LiquidatePosition(caller common.Address, id uint64) (*position.LiquidationResult, error)

	UpdateFunding()
}

// Recorder receives keeper outcomes. Implemented by metrics.Metrics.
type Recorder interface {
	RecordKeeper(action string, err error)
	ObserveKeeperTick(d time.Duration)
}

// Config configures a Keeper.
type Config struct {
	Account     common.Address // needs position-manager level, liquidator for liquidations
	Interval    time.Duration
	MarketBatch int // 0 drains the queue
}

// DefaultConfig returns the daemon defaults.
func DefaultConfig() Config {
	return Config{Interval: time.Second, MarketBatch: 100}
}

// Report counts the actions of one pass.
type Report struct {
	MarketOrders  int
	Orders        int
	Triggers      int
	TrailingMoved int
	TrailingFired int
	Delays        int
	Liquidations  int
	Failures      int
}

// Keeper periodically executes everything that is due.
type Keeper struct {
	config   Config
	engine   Engine
	recorder Recorder
	logger   log.Logger

	mu      sync.Mutex // serializes passes
	running bool
}

// New creates a keeper. recorder may be nil.
func New(config Config, engine Engine, recorder Recorder, logger log.Logger) *Keeper {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	return &Keeper{config: config, engine: engine, recorder: recorder, logger: logger}
}

// Run ticks until ctx is done.
func (k *Keeper) Run(ctx context.Context) error {
	k.logger.Info("keeper started", "account", k.config.Account, "interval", k.config.Interval)

	ticker := time.NewTicker(k.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			k.logger.Info("keeper stopped")
			return nil
		case <-ticker.C:
			k.Tick()
		}
	}
}

// Tick runs one pass. Concurrent calls are skipped while a pass is running.
func (k *Keeper) Tick() Report {
	k.mu.Lock()
	if k.running {
		k.mu.Unlock()
		return Report{}
	}
	k.running = true
	k.mu.Unlock()

	defer func() {
		k.mu.Lock()
		k.running = false
		k.mu.Unlock()
	}()

	start := time.Now()
	var r Report

	k.engine.UpdateFunding()
	k.executeMarketOrders(&r)
	k.executeOrders(&r)
	k.confirmDelays(&r)
	k.executeTriggers(&r)
	k.executeTrailing(&r)
	k.liquidate(&r)

	if k.recorder != nil {
		k.recorder.ObserveKeeperTick(time.Since(start))
	}
	if r.Failures > 0 {
		k.logger.Warn("keeper pass had failures", "failures", r.Failures)
	}
	return r
}

func (k *Keeper) record(action string, err error, r *Report) {
	if k.recorder != nil {
		k.recorder.RecordKeeper(action, err)
	}
	if err != nil {
		r.Failures++
	}
}

func (k *Keeper) executeMarketOrders(r *Report) {
	results, err := k.engine.ExecuteOpenMarketOrders(k.config.Account, k.config.MarketBatch)
	if err != nil {
		k.logger.Error("market order execution rejected", "err", err)
		k.record("market", err, r)
		return
	}
	for _, res := range results {
		k.record("market", res.Err, r)
		if res.Err == nil {
			r.MarketOrders++
		}
	}
}

func (k *Keeper) executeOrders(r *Report) {
	ids := k.engine.TriggerableOrders()
	if len(ids) == 0 {
		return
	}
	results, err := k.engine.ExecuteOrders(k.config.Account, ids)
	if err != nil {
		k.logger.Error("order execution rejected", "err", err)
		k.record("order", err, r)
		return
	}
	for _, res := range results {
		switch {
		case res.Err == nil:
			r.Orders++
			k.record("order", nil, r)
		case position.IsNotTriggered(res.Err):
			// price moved back between the scan and the execution
		default:
			k.logger.Debug("pending order failed", "posId", res.PosID, "err", res.Err)
			k.record("order", res.Err, r)
		}
	}
}

func (k *Keeper) confirmDelays(r *Report) {
	for _, id := range k.engine.ReadyDelayedIncreases() {
		err := k.engine.ConfirmDelayTransaction(k.config.Account, id)
		k.record("delay", err, r)
		if err == nil {
			r.Delays++
		}
	}
}

func (k *Keeper) executeTriggers(r *Report) {
	for _, id := range k.engine.PositionsWithTriggers() {
		crossed, err := k.engine.ValidateTPSLTriggers(id)
		if err != nil || !crossed {
			continue
		}
		fired, err := k.engine.ExecuteTriggerOrders(k.config.Account, id)
		if errors.Is(err, position.ErrTriggerNotPending) {
			continue
		}
		k.record("trigger", err, r)
		r.Triggers += fired
		if err != nil {
			k.logger.Warn("trigger execution failed", "posId", id, "err", err)
		}
	}
}

func (k *Keeper) executeTrailing(r *Report) {
	for _, id := range k.engine.PositionsWithTrailing() {
		_, err := k.engine.ExecuteTrailingStop(k.config.Account, id)
		if err == nil {
			r.TrailingFired++
			k.record("trailing", nil, r)
			continue
		}
		if !errors.Is(err, position.ErrPriceIncorrect) {
			k.logger.Warn("trailing stop failed", "posId", id, "err", err)
			k.record("trailing", err, r)
			continue
		}
		// Not reached: ratchet the stop if the price moved favourably.
		err = k.engine.UpdateTrailingStop(k.config.Account, id)
		if err == nil {
			r.TrailingMoved++
		} else if !errors.Is(err, position.ErrPriceIncorrect) {
			k.record("trailing", err, r)
		}
	}
}

func (k *Keeper) liquidate(r *Report) {
	for _, id := range k.engine.LiquidatablePositions() {
		res, err := k.engine.LiquidatePosition(k.config.Account, id)
		k.record("liquidate", err, r)
		if err != nil {
			k.logger.Warn("liquidation failed", "posId", id, "err", err)
			continue
		}
		r.Liquidations++
		k.logger.Info("position liquidated", "posId", id, "state", res.State, "fee", res.FeeTaken)
	}
}
