// Package engine wires every component into the running bot: one Clock per
// symbol driving a single shared Pipeline instance, backed by the market
// data cache, risk guards, circuit gate, signals tracker, order lifecycle
// manager, durable order store, and reconciler, over a fixed configured
// symbol set with one shared pipeline fed by per-symbol adapters.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"marketmaker/internal/clock"
	"marketmaker/internal/config"
	"marketmaker/internal/exchange"
	"marketmaker/internal/lifecycle"
	"marketmaker/internal/mdcache"
	"marketmaker/internal/metrics"
	"marketmaker/internal/orderstore"
	"marketmaker/internal/pipeline"
	"marketmaker/internal/reconciler"
	"marketmaker/internal/risk"
	"marketmaker/internal/secrets"
	"marketmaker/internal/signals"
	"marketmaker/pkg/types"
)

// Engine owns every long-lived component and their goroutines for the life
// of the process.
type Engine struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics *metrics.Registry

	store  *orderstore.Store
	auth   *exchange.Auth
	rl     *exchange.RateLimiter
	gate   *exchange.CircuitGate
	client *exchange.Client

	marketFeed *exchange.WSFeed
	userFeed   *exchange.WSFeed

	cache   *mdcache.Cache
	tracker *signals.Tracker
	riskMgr *risk.Manager
	recon   *reconciler.Reconciler
	writer  *lifecycle.Writer
	pipe    *pipeline.Pipeline

	queueAdapter *queueAdapter
	invAdapter   *inventoryAdapter
	circAdapter  *circuitAdapter

	filtersMu sync.RWMutex
	filters   map[string]types.SymbolFilters

	fillSeq map[string]*fillSequencer

	schedulers map[string]*clock.Scheduler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds every component but starts nothing; call Start to run.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	m := metrics.NewRegistry()

	store, err := orderstore.Open(cfg.Store.SnapshotDir)
	if err != nil {
		return nil, fmt.Errorf("open order store: %w", err)
	}

	provider, err := secrets.NewProvider(cfg.Secrets)
	if err != nil {
		return nil, fmt.Errorf("build secrets provider: %w", err)
	}
	auth, err := exchange.NewAuth(provider)
	if err != nil {
		return nil, fmt.Errorf("resolve auth: %w", err)
	}

	rl := exchange.NewRateLimiter(convertRateLimiterConfig(cfg.RateLimiter))
	gate := exchange.NewCircuitGate(convertCircuitConfig(cfg.Circuit), logger)
	client := exchange.NewClient(cfg.Exchange, auth, rl, gate, cfg.DryRun, logger)

	cache := mdcache.New(convertMDCacheConfig(cfg.MDCache), client)

	tracker := signals.NewTracker(
		cfg.Strategy.VolRefBps, cfg.Strategy.LatencyRefMs,
		cfg.Strategy.PnlDevRefUSD, cfg.Strategy.LiquidityRefQty)

	riskMgr := risk.NewManager(cfg.Risk, logger)
	recon := reconciler.New(store, client, riskMgr, cfg.Reconcile, m, logger)
	recon.SetSymbols(cfg.Symbols)

	writer := lifecycle.New(store, client, cfg.Strategy, m, logger)

	circAdapter := &circuitAdapter{client: client}
	queueAdpt := newQueueAdapter(cfg.Strategy)
	invAdpt := newInventoryAdapter(cfg.Symbols)

	pipe := &pipeline.Pipeline{
		Cache:     cache,
		Risk:      riskMgr,
		Circuit:   circAdapter,
		Signals:   tracker,
		Inventory: invAdpt,
		Queue:     queueAdpt,
		Metrics:   m,
		Logger:    logger,
	}
	pipe.SetConfig(cfg.Strategy)

	marketFeed := exchange.NewMarketFeed(cfg.Exchange.WSMarketURL, "market", logger)
	userFeed := exchange.NewUserFeed(cfg.Exchange.WSUserURL, "user", auth, logger)
	marketFeed.OnGap(func(symbol string, gap time.Duration) { cache.NoteWSGap(symbol, gap) })

	fillSeq := make(map[string]*fillSequencer, len(cfg.Symbols))
	for _, sym := range cfg.Symbols {
		fillSeq[sym] = newFillSequencer(defaultSequencerWindow)
	}

	return &Engine{
		cfg:          cfg,
		logger:       logger.With("component", "engine"),
		metrics:      m,
		store:        store,
		auth:         auth,
		rl:           rl,
		gate:         gate,
		client:       client,
		marketFeed:   marketFeed,
		userFeed:     userFeed,
		cache:        cache,
		tracker:      tracker,
		riskMgr:      riskMgr,
		recon:        recon,
		writer:       writer,
		pipe:         pipe,
		queueAdapter: queueAdpt,
		invAdapter:   invAdpt,
		circAdapter:  circAdapter,
		filters:      make(map[string]types.SymbolFilters),
		fillSeq:      fillSeq,
		schedulers:   make(map[string]*clock.Scheduler),
	}, nil
}

func convertRateLimiterConfig(c config.RateLimiterConfig) exchange.RateLimiterConfig {
	overrides := make(map[exchange.Endpoint]exchange.BucketConfig, len(c.EndpointOverrides))
	for ep, o := range c.EndpointOverrides {
		overrides[exchange.Endpoint(ep)] = exchange.BucketConfig{CapacityPerS: o.CapacityPerS, Burst: o.Burst}
	}
	return exchange.RateLimiterConfig{CapacityPerS: c.CapacityPerS, Burst: c.Burst, Overrides: overrides}
}

func convertCircuitConfig(c config.CircuitConfig) exchange.CircuitConfig {
	return exchange.CircuitConfig{
		WindowS:           secondsToDuration(c.WindowS),
		MaxErrRateRatio:   c.MaxErrRateRatio,
		CooldownS:         secondsToDuration(c.CooldownS),
		MinDwellS:         secondsToDuration(c.MinDwellS),
		ProbeCount:        c.ProbeCount,
		MaxLogLinesPerSec: c.MaxLogLinesPerSec,
	}
}

func convertMDCacheConfig(c config.MDCacheConfig) mdcache.Config {
	return mdcache.Config{
		TTL:                 time.Duration(c.TTLMs) * time.Millisecond,
		FreshForPricing:     time.Duration(c.FreshMsForPricing) * time.Millisecond,
		InvalidateOnWSGapMs: time.Duration(c.InvalidateOnWSGapMs) * time.Millisecond,
	}
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Start brings the engine fully online: recovers store state, fetches
// symbol filters, connects the streaming feeds, and starts one scheduler
// per symbol driving the shared pipeline.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)

	recovered, err := e.store.Recover()
	if err != nil {
		return fmt.Errorf("recover order store: %w", err)
	}
	e.logger.Info("order store recovered", "non_terminal_orders", len(recovered))

	for _, sym := range e.cfg.Symbols {
		filters, err := e.client.FetchSymbolFilters(e.ctx, sym)
		if err != nil {
			e.logger.Error("fetch symbol filters failed, using defaults", "symbol", sym, "error", err)
			filters = defaultFilters(sym)
		}
		e.filtersMu.Lock()
		e.filters[sym] = filters
		e.filtersMu.Unlock()
	}

	if err := e.marketFeed.Subscribe(e.ctx, e.cfg.Symbols); err != nil {
		e.logger.Warn("initial market subscribe failed, will retry on connect", "error", err)
	}
	if err := e.userFeed.Subscribe(e.ctx, e.cfg.Symbols); err != nil {
		e.logger.Warn("initial user subscribe failed, will retry on connect", "error", err)
	}

	e.wg.Add(1)
	go func() { defer e.wg.Done(); _ = e.marketFeed.Run(e.ctx) }()
	e.wg.Add(1)
	go func() { defer e.wg.Done(); _ = e.userFeed.Run(e.ctx) }()

	e.wg.Add(1)
	go func() { defer e.wg.Done(); e.consumeMarketEvents() }()
	e.wg.Add(1)
	go func() { defer e.wg.Done(); e.consumeUserEvents() }()

	e.recon.Start(e.ctx)

	e.wg.Add(1)
	go func() { defer e.wg.Done(); e.riskFeedLoop() }()

	e.wg.Add(1)
	go func() { defer e.wg.Done(); e.snapshotLoop() }()

	deadlineMs := e.cfg.Tick.DeadlineMs
	intervalMs := e.cfg.Tick.IntervalMs
	for _, sym := range e.cfg.Symbols {
		symbol := sym
		sched := clock.New(
			time.Duration(intervalMs)*time.Millisecond,
			time.Duration(deadlineMs)*time.Millisecond,
			func(ctx context.Context, tickIndex uint64) { e.runTick(ctx, symbol) },
			e.logger,
			func(consecutiveFaults uint64) {
				if consecutiveFaults >= 3 {
					e.gate.ManualHalt("scheduler_fault")
				}
			},
		)
		e.schedulers[symbol] = sched
		sched.Start(e.ctx)
	}

	e.logger.Info("engine started", "symbols", e.cfg.Symbols, "dry_run", e.cfg.DryRun)
	return nil
}

// runTick is the per-symbol TickFunc: run the shared pipeline for symbol,
// then hand its QuoteSet to the writer.
func (e *Engine) runTick(ctx context.Context, symbol string) {
	filters := e.symbolFilters(symbol)
	deadline, _ := ctx.Deadline()

	start := time.Now()
	tc := e.pipe.Run(ctx, symbol, filters, deadline)

	if e.metrics != nil {
		// Deadline misses and per-stage latencies are recorded by the
		// pipeline itself; only the whole-tick latency is observed here.
		e.metrics.TickLatencyMs.WithLabelValues(symbol).Observe(float64(time.Since(start).Milliseconds()))
	}

	applyStart := time.Now()
	if err := e.writer.Apply(ctx, tc.Quotes, filters, tc.Book); err != nil {
		e.logger.Error("writer apply failed", "symbol", symbol, "error", err)
	}
	// The writer's round trips are the latency the Spread stage scores.
	e.tracker.ObserveLatency(symbol, time.Since(applyStart), time.Now())
}

func (e *Engine) symbolFilters(symbol string) types.SymbolFilters {
	e.filtersMu.RLock()
	defer e.filtersMu.RUnlock()
	return e.filters[symbol]
}

func defaultFilters(symbol string) types.SymbolFilters {
	tick, _ := types.NewPrice("0.01")
	lot, _ := types.NewQuantity("1")
	minNotional, _ := types.NewPrice("1")
	return types.SymbolFilters{
		Symbol: symbol, TickSize: tick, LotSize: lot, MinNotional: minNotional,
		Source: types.FilterDefault, FetchedAt: time.Now(),
	}
}

// consumeMarketEvents feeds book snapshots into the MD-Cache and the
// Signals tracker's mid-price volatility estimator.
func (e *Engine) consumeMarketEvents() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case ev, ok := <-e.marketFeed.MarketEvents():
			if !ok {
				return
			}
			if ev.Book != nil {
				e.cache.ApplySnapshot(*ev.Book)
				if mid, ok := ev.Book.Mid(); ok {
					e.tracker.ObserveMid(ev.Book.Symbol, mid, time.Now())
				}
			}
			if ev.Trade != nil {
				e.queueAdapter.Observe(ev.Trade.Symbol, pipeline.QueueObservation{
					Side: ev.Trade.Side, Qty: ev.Trade.Qty, Timestamp: ev.Trade.Ts,
				})
			}
		}
	}
}

// consumeUserEvents applies order and fill updates from the authenticated
// channel to the Durable Order Store and the per-symbol inventory tracker.
func (e *Engine) consumeUserEvents() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case ev, ok := <-e.userFeed.UserEvents():
			if !ok {
				return
			}
			if ev.OrderUpdate != nil {
				o := *ev.OrderUpdate
				// Keyed by state so a replayed event dedups while a later
				// transition for the same order still applies.
				e.store.UpdateState(o.ClientOrderID, o.State, fmt.Sprintf("ws-state:%s:%s", o.ClientOrderID, o.State))
			}
			if ev.Fill != nil {
				e.applyFillEvent(*ev.Fill)
			}
		}
	}
}

// applyFillEvent routes one streamed fill through the per-symbol
// sequencer and applies every fill that is now in order.
func (e *Engine) applyFillEvent(f types.Fill) {
	seq, ok := e.fillSeq[f.Symbol]
	if !ok {
		seq = newFillSequencer(defaultSequencerWindow)
		e.fillSeq[f.Symbol] = seq
	}
	ready, dropped := seq.Push(f)
	if dropped > 0 {
		e.logger.Warn("dropped stale fill event",
			"symbol", f.Symbol, "client_order_id", f.ClientOrderID, "seq", f.Seq)
	}
	for _, rf := range ready {
		e.store.ApplyFill(rf.ClientOrderID, rf.Qty, rf.Price, fmt.Sprintf("ws-fill:%s:%d", rf.ClientOrderID, rf.Seq))
		e.invAdapter.ApplyFill(rf)
		e.queueAdapter.Observe(rf.Symbol, pipeline.QueueObservation{
			Side: rf.Side, Qty: rf.Qty, Timestamp: rf.Ts,
		})
	}
}

// riskFeedLoop periodically derives risk.Signals per symbol from the
// components that observe live state (inventory, circuit, signals
// tracker) and feeds them to the Risk/Guards composite.
func (e *Engine) riskFeedLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.feedRiskSignals()
		}
	}
}

func (e *Engine) feedRiskSignals() {
	_, errRate := e.client.CircuitSnapshot()
	var totalLossUSD float64
	for _, sym := range e.cfg.Symbols {
		inv, _ := e.invAdapter.Snapshot(sym)
		realizedPnL, _ := e.invAdapter.RealizedPnL(sym).Float64()

		// Until a target PnL trajectory is modeled, deviation is measured
		// against a flat target of zero; the tracker scores its absolute
		// value, so realized profit and realized loss count alike.
		e.tracker.SetPnlDeviation(sym, -realizedPnL)

		latencyMs := e.tracker.LatencyScoreEMA(sym) * e.cfg.Strategy.LatencyRefMs
		volRaw := e.tracker.VolScore(sym) * e.cfg.Strategy.VolRefBps
		pnlDevUSD := e.tracker.PnlDeviationScore(sym) * e.cfg.Strategy.PnlDevRefUSD

		notionalUSD, _ := inv.NotionalUSD.Float64()
		skew := e.invAdapter.SkewRatio(sym, e.cfg.Strategy.TargetInventory)

		drawdown := 0.0
		if realizedPnL < 0 {
			drawdown = -realizedPnL
		}
		totalLossUSD += drawdown

		guard := e.riskMgr.Feed(risk.Signals{
			Symbol:          sym,
			InventorySkew:   abs(skew),
			RealizedVol:     volRaw,
			LatencyP95Ms:    latencyMs,
			ErrorRate:       errRate,
			DrawdownUSD:     drawdown,
			DailyLossUSD:    drawdown,
			PnlDeviationUSD: pnlDevUSD,
			ClockDriftMs:    0,
			Now:             time.Now(),
		})

		if e.metrics != nil {
			e.metrics.InventorySkew.WithLabelValues(sym).Set(skew)
			e.metrics.InventoryNotnl.WithLabelValues(sym).Set(notionalUSD)
			e.metrics.RealizedPnLUSD.WithLabelValues(sym).Set(realizedPnL)
			e.metrics.ExchangeErrorRate.WithLabelValues().Set(errRate)
			e.metrics.SetGuardLevel(sym, guard.Level.String())
		}
	}
	if e.metrics != nil {
		e.metrics.DailyLossUSD.WithLabelValues().Set(totalLossUSD)
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// snapshotLoop periodically persists the order store and prunes closed
// orders past the retention window.
func (e *Engine) snapshotLoop() {
	interval := time.Duration(e.cfg.Store.SnapshotIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if err := e.store.Snapshot(); err != nil {
				e.logger.Error("order store snapshot failed", "error", err)
			}
			e.store.PruneClosed(time.Now())
		}
	}
}

// Stop cancels every component, lets schedulers drain, applies a
// safety-net cancel-all per symbol, and persists final state.
func (e *Engine) Stop(ctx context.Context) error {
	if e.cancel == nil {
		return nil
	}

	for _, sched := range e.schedulers {
		sched.Stop()
	}
	e.recon.Stop()
	e.cancel()

	for _, sym := range e.cfg.Symbols {
		idemKey := fmt.Sprintf("shutdown:%s:%d", sym, time.Now().UnixNano())
		if _, err := e.client.CancelAll(ctx, sym, idemKey); err != nil {
			e.logger.Error("shutdown cancel_all failed", "symbol", sym, "error", err)
		}
	}

	_ = e.marketFeed.Close()
	_ = e.userFeed.Close()

	e.wg.Wait()

	if err := e.store.Snapshot(); err != nil {
		e.logger.Error("final order store snapshot failed", "error", err)
	}
	return e.store.Close()
}

// ApplyRuntimeConfig applies the hot-reloadable subset of a freshly
// validated config to the running components. Keys outside the declared
// runtime-mutable whitelist keep their boot-time values until a restart.
func (e *Engine) ApplyRuntimeConfig(newCfg *config.Config) {
	strat := e.pipe.Config()
	strat.MinSpreadBps = newCfg.Strategy.MinSpreadBps
	strat.MaxSpreadBps = newCfg.Strategy.MaxSpreadBps
	strat.KVolSensitivity = newCfg.Strategy.KVolSensitivity
	strat.KLiquiditySensitivity = newCfg.Strategy.KLiquiditySensitivity
	strat.KLatencySensitivity = newCfg.Strategy.KLatencySensitivity
	strat.KPnlSensitivity = newCfg.Strategy.KPnlSensitivity
	strat.MaxSkewBps = newCfg.Strategy.MaxSkewBps
	strat.KInv = newCfg.Strategy.KInv
	e.pipe.SetConfig(strat)

	e.riskMgr.SetConfig(newCfg.Risk)
	e.recon.SetConfig(newCfg.Reconcile)
	e.rl.SetConfig(convertRateLimiterConfig(newCfg.RateLimiter))

	circ := e.cfg.Circuit
	circ.MaxErrRateRatio = newCfg.Circuit.MaxErrRateRatio
	circ.CooldownS = newCfg.Circuit.CooldownS
	e.gate.SetConfig(convertCircuitConfig(circ))

	e.logger.Info("runtime config applied",
		"min_spread_bps", strat.MinSpreadBps, "max_spread_bps", strat.MaxSpreadBps,
		"max_err_rate_ratio", circ.MaxErrRateRatio)
}

// Symbols returns the configured trading symbols.
func (e *Engine) Symbols() []string { return append([]string(nil), e.cfg.Symbols...) }

// GuardSnapshot returns the current guard state for a symbol.
func (e *Engine) GuardSnapshot(symbol string) types.GuardState { return e.riskMgr.Snapshot(symbol) }

// CircuitSnapshot returns the current circuit gate phase and error rate.
func (e *Engine) CircuitSnapshot() (exchange.Phase, float64) { return e.client.CircuitSnapshot() }

// InventorySnapshot returns the current inventory for a symbol.
func (e *Engine) InventorySnapshot(symbol string) (types.Inventory, bool) {
	return e.invAdapter.Snapshot(symbol)
}

// OpenOrders returns the store's current open orders for a symbol.
func (e *Engine) OpenOrders(symbol string) []types.Order { return e.store.ListOpen(symbol) }

// SchedulerStats returns the per-symbol scheduler's tick statistics.
func (e *Engine) SchedulerStats(symbol string) (clock.Stats, bool) {
	sched, ok := e.schedulers[symbol]
	if !ok {
		return clock.Stats{}, false
	}
	return sched.Snapshot(), true
}

// Metrics exposes the shared metrics registry, e.g. for the /metrics HTTP handler.
func (e *Engine) Metrics() *metrics.Registry { return e.metrics }

// ReconcileNow runs an immediate reconcile pass over every symbol.
func (e *Engine) ReconcileNow(ctx context.Context) []reconciler.Result { return e.recon.RunAll(ctx) }

// ForceSnapshot persists the order store immediately.
func (e *Engine) ForceSnapshot() error { return e.store.Snapshot() }

// DryRun reports whether the engine is running in paper-trading mode.
func (e *Engine) DryRun() bool { return e.cfg.DryRun }
