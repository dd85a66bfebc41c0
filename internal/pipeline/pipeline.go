// Package pipeline implements the per-tick quote pipeline: an ordered
// sequence of pure-ish stages (FetchMD, Spread, Guards, Inventory Skew,
// QueueAware, Emit) that transform one symbol's market state into a
// desired QuoteSet for the order lifecycle manager, over arbitrary-range
// decimal symbols.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"marketmaker/internal/config"
	"marketmaker/internal/mdcache"
	"marketmaker/internal/metrics"
	"marketmaker/internal/risk"
	"marketmaker/pkg/types"
)

// TickContext accumulates the per-symbol state threaded through the
// pipeline's stages; each stage mutates it in place through a pointer.
type TickContext struct {
	Symbol       string
	Now          time.Time
	Deadline     time.Time
	Filters      types.SymbolFilters
	Book         types.BookSnapshot
	CacheHit     mdcache.HitKind
	CacheAgeMs   int64
	UsedStale    bool
	SpreadBps    float64
	Guard        types.GuardState
	Circuit      types.CircuitState
	Quotes       types.QuoteSet
	DeadlineMiss bool
	StageLatency map[string]time.Duration
}

// SignalSource is the set of per-symbol scores the Spread stage reads; the
// engine wires it to whatever windowed estimators it maintains.
type SignalSource interface {
	VolScore(symbol string) float64
	LiquidityScore(book types.BookSnapshot) float64
	LatencyScoreEMA(symbol string) float64
	PnlDeviationScore(symbol string) float64
}

// InventorySource exposes the per-symbol signed inventory ratio the
// Inventory Skew stage reads.
type InventorySource interface {
	SkewRatio(symbol string, target float64) float64
}

// Pipeline wires the stages together with the shared dependencies needed
// to run one tick for one symbol.
type Pipeline struct {
	Cache     *mdcache.Cache
	Risk      *risk.Manager
	Circuit   CircuitSource
	Signals   SignalSource
	Inventory InventorySource
	Queue     QueueSource
	Metrics   *metrics.Registry
	Logger    *slog.Logger

	cfgMu sync.RWMutex
	cfg   config.StrategyConfig
}

// CircuitSource exposes the circuit gate's current phase for the Guards
// stage without the pipeline package importing the exchange adapter.
type CircuitSource interface {
	Snapshot() (phase string, errRate float64)
}

// QueueSource exposes the per-symbol queue-absorption nudge.
type QueueSource interface {
	Nudge(symbol string, side types.Side, now time.Time) int
}

// SetConfig swaps the strategy parameters the stages read. Called at
// construction and again when a hot-reload touches a runtime-mutable
// strategy key; in-flight ticks finish with the parameters they started
// with.
func (p *Pipeline) SetConfig(cfg config.StrategyConfig) {
	p.cfgMu.Lock()
	p.cfg = cfg
	p.cfgMu.Unlock()
}

// Config returns the current strategy parameters.
func (p *Pipeline) Config() config.StrategyConfig {
	p.cfgMu.RLock()
	defer p.cfgMu.RUnlock()
	return p.cfg
}

// Run executes all six stages in order for one symbol, stopping early
// (recording a deadline_miss) if the remaining budget before deadline
// drops below the configured minimum Emit budget.
func (p *Pipeline) Run(ctx context.Context, symbol string, filters types.SymbolFilters, deadline time.Time) TickContext {
	tc := TickContext{
		Symbol:       symbol,
		Now:          time.Now(),
		Deadline:     deadline,
		Filters:      filters,
		StageLatency: make(map[string]time.Duration),
	}

	stages := []struct {
		name string
		fn   func(context.Context, *TickContext)
	}{
		{"fetchmd", p.fetchMD},
		{"spread", p.spread},
		{"guards", p.guards},
		{"inventory", p.inventorySkew},
		{"queueaware", p.queueAware},
		{"emit", p.emit},
	}

	for _, st := range stages {
		remaining := time.Until(tc.Deadline)
		if remaining < minEmitBudget(p.Config()) {
			tc.DeadlineMiss = true
			if p.Metrics != nil {
				p.Metrics.TickDeadlineMisses.WithLabelValues(symbol).Inc()
			}
			break
		}
		start := time.Now()
		st.fn(ctx, &tc)
		elapsed := time.Since(start)
		tc.StageLatency[st.name] = elapsed
		if p.Metrics != nil {
			p.Metrics.StageLatencyMs.WithLabelValues(symbol, st.name).Observe(float64(elapsed.Milliseconds()))
		}
	}

	return tc
}

func minEmitBudget(cfg config.StrategyConfig) time.Duration {
	ms := cfg.MinEmitBudgetMs
	if ms <= 0 {
		ms = 30
	}
	return time.Duration(ms) * time.Millisecond
}
