// Package metrics exposes the engine's Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"runtime"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/luxfi/perps/pkg/events"
	"github.com/luxfi/perps/pkg/fixed"
	"github.com/luxfi/perps/pkg/position"
)

// Engine is the read surface sampled by Collect.
type Engine interface {
	OpenInterestOf(token common.Address) position.OpenInterest
	AllAlivePositions() []uint64
	PendingOrders(account common.Address) []position.PendingOrder
	MarketQueue() []uint64
}

// Pool is the liquidity pool read surface.
type Pool interface {
	TotalUSD() *big.Int
	TotalShares() *big.Int
	SharePrice() *big.Int
}

// Tokens lists the configured tokens.
type Tokens interface {
	Tokens() []common.Address
}

// Metrics holds the registry and every collector of the node.
type Metrics struct {
	namespace string
	registry  *prometheus.Registry
	logger    log.Logger

	// Event metrics
	eventsTotal *prometheus.CounterVec
	feesUSD     *prometheus.CounterVec
	execErrors  prometheus.Counter

	// Engine state
	openInterest   *prometheus.GaugeVec
	alivePositions prometheus.Gauge
	pendingOrders  prometheus.Gauge
	marketQueue    prometheus.Gauge
	poolUSD        prometheus.Gauge
	poolShares     prometheus.Gauge
	sharePrice     prometheus.Gauge

	// Keeper and RPC
	keeperActions *prometheus.CounterVec
	keeperLatency prometheus.Histogram
	rpcRequests   *prometheus.CounterVec

	// System metrics
	memoryUsage prometheus.Gauge
	goroutines  prometheus.Gauge
}

// New creates the collectors under namespace on a private registry.
func New(namespace string, logger log.Logger) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		namespace: namespace,
		registry:  registry,
		logger:    logger,

		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Engine events by type",
		}, []string{"type"}),

		feesUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fees_usd_total",
			Help:      "Fees collected in USD by kind",
		}, []string{"kind"}),

		execErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_execution_errors_total",
			Help:      "Orders that failed at execution time",
		}),

		openInterest: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_interest_usd",
			Help:      "Open interest in USD by token and side",
		}, []string{"token", "side"}),

		alivePositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "alive_positions",
			Help:      "Number of open positions",
		}),

		pendingOrders: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_orders",
			Help:      "Number of pending orders",
		}),

		marketQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "market_queue_length",
			Help:      "Market orders waiting for execution",
		}),

		poolUSD: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_total_usd",
			Help:      "Liquidity pool value in USD",
		}),

		poolShares: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_total_shares",
			Help:      "Outstanding liquidity pool shares",
		}),

		sharePrice: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_share_price_usd",
			Help:      "USD value of one pool share",
		}),

		keeperActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keeper_actions_total",
			Help:      "Keeper actions by kind and result",
		}, []string{"action", "result"}),

		keeperLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "keeper_tick_seconds",
			Help:      "Duration of one keeper pass",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),

		rpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "JSON-RPC requests by method and outcome",
		}, []string{"method", "outcome"}),

		memoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_usage_bytes",
			Help:      "Current memory usage in bytes",
		}),

		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutines_count",
			Help:      "Current number of goroutines",
		}),
	}

	registry.MustRegister(
		m.eventsTotal,
		m.feesUSD,
		m.execErrors,
		m.openInterest,
		m.alivePositions,
		m.pendingOrders,
		m.marketQueue,
		m.poolUSD,
		m.poolShares,
		m.sharePrice,
		m.keeperActions,
		m.keeperLatency,
		m.rpcRequests,
		m.memoryUsage,
		m.goroutines,
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve runs the /metrics endpoint on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	m.logger.Info("Prometheus metrics available", "endpoint", "http://"+addr+"/metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Emit implements events.Sink.
func (m *Metrics) Emit(e events.Event) {
	m.eventsTotal.WithLabelValues(string(e.Type)).Inc()

	switch e.Type {
	case events.FeeCollected:
		if fee, err := decimal.NewFromString(e.Data["fee"]); err == nil {
			m.feesUSD.WithLabelValues(e.Data["kind"]).Add(fee.InexactFloat64())
		}
	case events.MarketOrderExecutionError:
		m.execErrors.Inc()
	}
}

// RecordKeeper counts one keeper action.
func (m *Metrics) RecordKeeper(action string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.keeperActions.WithLabelValues(action, result).Inc()
}

// ObserveKeeperTick records the duration of a keeper pass.
func (m *Metrics) ObserveKeeperTick(d time.Duration) {
	m.keeperLatency.Observe(d.Seconds())
}

// RecordRPC counts one JSON-RPC request.
func (m *Metrics) RecordRPC(method string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.rpcRequests.WithLabelValues(method, outcome).Inc()
}

func usdFloat(v *big.Int) float64 {
	return fixed.ToDecimal(v, fixed.USDDecimals).InexactFloat64()
}

// Sample sets the state gauges from the engine and pool.
func (m *Metrics) Sample(engine Engine, pool Pool, tokens Tokens) {
	for _, tok := range tokens.Tokens() {
		oi := engine.OpenInterestOf(tok)
		m.openInterest.WithLabelValues(tok.Hex(), "long").Set(usdFloat(oi.Long))
		m.openInterest.WithLabelValues(tok.Hex(), "short").Set(usdFloat(oi.Short))
	}
	m.alivePositions.Set(float64(len(engine.AllAlivePositions())))
	m.pendingOrders.Set(float64(len(engine.PendingOrders(common.Address{}))))
	m.marketQueue.Set(float64(len(engine.MarketQueue())))

	m.poolUSD.Set(usdFloat(pool.TotalUSD()))
	m.poolShares.Set(fixed.ToDecimal(pool.TotalShares(), fixed.ShareDecimals).InexactFloat64())
	m.sharePrice.Set(usdFloat(pool.SharePrice()))
}

// Collect samples the state and runtime gauges every interval until ctx is done.
func (m *Metrics) Collect(ctx context.Context, interval time.Duration, engine Engine, pool Pool, tokens Tokens) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sample(engine, pool, tokens)

			var memStats runtime.MemStats
			runtime.ReadMemStats(&memStats)
			m.memoryUsage.Set(float64(memStats.Alloc))
			m.goroutines.Set(float64(runtime.NumGoroutine()))
		}
	}
}
