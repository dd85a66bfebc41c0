package engine

import (
	"sync"
	"time"

	"marketmaker/internal/config"
	"marketmaker/internal/exchange"
	"marketmaker/internal/pipeline"
	"marketmaker/pkg/types"
)

// circuitAdapter satisfies pipeline.CircuitSource by converting the
// exchange package's named Phase type to the plain string the pipeline
// stages compare against types.CircuitPhase.
type circuitAdapter struct {
	client *exchange.Client
}

func (a *circuitAdapter) Snapshot() (string, float64) {
	phase, errRate := a.client.CircuitSnapshot()
	return string(phase), errRate
}

// queueAdapter satisfies pipeline.QueueSource by dispatching to one
// pipeline.QueueTracker per symbol, created lazily on first use since the
// Pipeline is a single shared instance across every configured symbol.
type queueAdapter struct {
	mu        sync.Mutex
	trackers  map[string]*pipeline.QueueTracker
	window    time.Duration
	threshold float64
}

func newQueueAdapter(cfg config.StrategyConfig) *queueAdapter {
	window := time.Duration(cfg.QueueWindowMs) * time.Millisecond
	if window <= 0 {
		window = 5 * time.Second
	}
	return &queueAdapter{
		trackers:  make(map[string]*pipeline.QueueTracker),
		window:    window,
		threshold: cfg.QueueUnfavorableThreshold,
	}
}

func (a *queueAdapter) trackerFor(symbol string) *pipeline.QueueTracker {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.trackers[symbol]
	if !ok {
		t = pipeline.NewQueueTracker(a.window, a.threshold)
		a.trackers[symbol] = t
	}
	return t
}

func (a *queueAdapter) Nudge(symbol string, side types.Side, now time.Time) int {
	return a.trackerFor(symbol).Nudge(side, now)
}

// Observe records a fresh queue observation for symbol, feeding the
// per-symbol tracker's absorption-rate estimate.
func (a *queueAdapter) Observe(symbol string, o pipeline.QueueObservation) {
	a.trackerFor(symbol).Observe(o)
}

// inventoryAdapter satisfies pipeline.InventorySource by dispatching to one
// pipeline.Inventory per symbol. Unlike queueAdapter, symbols are known up
// front (they come from config.Symbols), so trackers are pre-created.
type inventoryAdapter struct {
	mu   sync.RWMutex
	byID map[string]*pipeline.Inventory
}

func newInventoryAdapter(symbols []string) *inventoryAdapter {
	a := &inventoryAdapter{byID: make(map[string]*pipeline.Inventory, len(symbols))}
	for _, sym := range symbols {
		a.byID[sym] = pipeline.NewInventory(sym)
	}
	return a
}

func (a *inventoryAdapter) SkewRatio(symbol string, target float64) float64 {
	a.mu.RLock()
	inv, ok := a.byID[symbol]
	a.mu.RUnlock()
	if !ok {
		return 0
	}
	return inv.SkewRatio(target)
}

// ApplyFill routes a fill to its symbol's inventory tracker.
func (a *inventoryAdapter) ApplyFill(fill types.Fill) {
	a.mu.RLock()
	inv, ok := a.byID[fill.Symbol]
	a.mu.RUnlock()
	if !ok {
		return
	}
	inv.ApplyFill(fill)
}

// Snapshot returns the current per-symbol inventory snapshot, or the zero
// value and false if symbol is not tracked.
func (a *inventoryAdapter) Snapshot(symbol string) (types.Inventory, bool) {
	a.mu.RLock()
	inv, ok := a.byID[symbol]
	a.mu.RUnlock()
	if !ok {
		return types.Inventory{}, false
	}
	return inv.Snapshot(), true
}

// RealizedPnL returns the cumulative realized PnL for symbol.
func (a *inventoryAdapter) RealizedPnL(symbol string) types.Price {
	a.mu.RLock()
	inv, ok := a.byID[symbol]
	a.mu.RUnlock()
	if !ok {
		return types.Price{}
	}
	return inv.RealizedPnL()
}
