// Package reconciler keeps the durable order store honest against
// exchange truth: a periodic three-way diff between exchange-reported open
// orders, the store's own open orders, and recent exchange history,
// bucketed into store-only, orphan, and mismatched outcomes, with
// consecutive-failure escalation into a hard-desync state.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"marketmaker/internal/config"
	"marketmaker/internal/exchange"
	"marketmaker/internal/metrics"
	"marketmaker/internal/orderstore"
	"marketmaker/pkg/types"
)

// Adapter is the subset of the Exchange Adapter the reconciler calls. All
// three are reconciliation reads or the orphan-cancel path and are
// allowlisted to bypass the circuit gate.
type Adapter interface {
	FetchOpenOrders(ctx context.Context, symbol string) ([]types.Order, error)
	FetchRecentHistory(ctx context.Context, symbol string, sinceTs time.Time, limit int) ([]types.Order, error)
	Cancel(ctx context.Context, exchangeOrderID, idemKey string) (exchange.CancelOutcome, error)
}

// RiskGate is the subset of risk.Manager the reconciler drives: forcing and
// releasing the HARD hold on a confirmed desync.
type RiskGate interface {
	ForceHardDesync(symbol string)
	ClearHardDesync(symbol string)
}

// Result summarizes one reconcile pass over one symbol, for logging and
// end-to-end tests.
type Result struct {
	Symbol          string
	StoreOnly       int
	Orphans         int
	Mismatched      int
	OpenCount       int
	DivergenceRatio float64
	HardDesync      bool
}

// Reconciler runs the periodic reconcile loop; RunAll and Run can also be
// called directly for an on-demand pass.
type Reconciler struct {
	store   *orderstore.Store
	adapter Adapter
	risk    RiskGate
	cfg     config.ReconcileConfig // guarded by cfgMu
	metrics *metrics.Registry
	logger  *slog.Logger

	symbolsMu sync.RWMutex
	symbols   []string

	cfgMu sync.RWMutex

	consecutiveFailures int

	stop context.CancelFunc
	done chan struct{}
}

func New(store *orderstore.Store, adapter Adapter, risk RiskGate, cfg config.ReconcileConfig, m *metrics.Registry, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:   store,
		adapter: adapter,
		risk:    risk,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With("component", "reconciler"),
		done:    make(chan struct{}),
	}
}

// SetConfig updates the reconcile tuning; the new hard-desync ratio takes
// effect on the next pass, the new interval on the next loop restart.
func (r *Reconciler) SetConfig(cfg config.ReconcileConfig) {
	r.cfgMu.Lock()
	r.cfg = cfg
	r.cfgMu.Unlock()
}

func (r *Reconciler) config() config.ReconcileConfig {
	r.cfgMu.RLock()
	defer r.cfgMu.RUnlock()
	return r.cfg
}

// SetSymbols updates the set of symbols reconciled each cycle.
func (r *Reconciler) SetSymbols(symbols []string) {
	r.symbolsMu.Lock()
	defer r.symbolsMu.Unlock()
	r.symbols = append([]string(nil), symbols...)
}

func (r *Reconciler) symbolList() []string {
	r.symbolsMu.RLock()
	defer r.symbolsMu.RUnlock()
	return append([]string(nil), r.symbols...)
}

// Start begins the periodic reconcile loop until ctx is canceled.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.stop = cancel
	go r.loop(ctx)
}

func (r *Reconciler) Stop() {
	if r.stop != nil {
		r.stop()
	}
	<-r.done
}

func (r *Reconciler) loop(ctx context.Context) {
	defer close(r.done)

	interval := time.Duration(r.config().IntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 25 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunAll(ctx)
		}
	}
}

// RunAll reconciles every tracked symbol in turn.
func (r *Reconciler) RunAll(ctx context.Context) []Result {
	symbols := r.symbolList()
	results := make([]Result, 0, len(symbols))
	for _, sym := range symbols {
		res, err := r.Run(ctx, sym)
		if err != nil {
			r.consecutiveFailures++
			r.logger.Error("reconcile pass failed", "symbol", sym, "error", err, "consecutive_failures", r.consecutiveFailures)
			if r.consecutiveFailures >= 3 {
				r.risk.ForceHardDesync(sym)
			}
			continue
		}
		r.consecutiveFailures = 0
		results = append(results, res)
	}
	return results
}

// Run executes one reconcile pass for a single symbol: fetch exchange
// truth, diff against the Store, correct drift, and escalate to HARD if
// the divergence ratio exceeds hard_desync_ratio.
func (r *Reconciler) Run(ctx context.Context, symbol string) (Result, error) {
	start := time.Now()
	defer func() {
		if r.metrics != nil {
			r.metrics.ReconcileDuration.Observe(float64(time.Since(start).Milliseconds()))
		}
	}()

	exchangeOpen, err := r.adapter.FetchOpenOrders(ctx, symbol)
	if err != nil {
		return Result{}, fmt.Errorf("fetch open orders: %w", err)
	}
	storeOpen := r.store.ListOpen(symbol)

	byExchangeID := make(map[string]types.Order, len(exchangeOpen))
	for _, o := range exchangeOpen {
		if o.ExchangeOrderID != "" {
			byExchangeID[o.ExchangeOrderID] = o
		}
	}
	storeByExchangeID := make(map[string]types.Order, len(storeOpen))
	for _, o := range storeOpen {
		if o.ExchangeOrderID != "" {
			storeByExchangeID[o.ExchangeOrderID] = o
		}
	}

	res := Result{Symbol: symbol, OpenCount: len(storeOpen)}

	storeOnly := r.reconcileStoreOnly(ctx, symbol, storeOpen, byExchangeID)
	res.StoreOnly = storeOnly

	orphans := r.reconcileOrphans(ctx, exchangeOpen, storeByExchangeID)
	res.Orphans = orphans

	mismatched := r.reconcileMismatched(storeOpen, byExchangeID)
	res.Mismatched = mismatched

	divergence := storeOnly + orphans + mismatched
	denom := len(storeOpen)
	if denom == 0 {
		denom = 1
	}
	res.DivergenceRatio = float64(divergence) / float64(denom)

	ratio := r.config().HardDesyncRatio
	if ratio <= 0 {
		ratio = 0.10
	}
	if res.DivergenceRatio > ratio && len(storeOpen) > 0 {
		res.HardDesync = true
		r.risk.ForceHardDesync(symbol)
		if r.metrics != nil {
			r.metrics.ReconcileMismatches.WithLabelValues("hard_desync").Inc()
		}
		r.logger.Error("hard desync detected", "symbol", symbol,
			"divergence_ratio", res.DivergenceRatio, "store_only", storeOnly, "orphans", orphans, "mismatched", mismatched)
	} else if divergence == 0 {
		r.risk.ClearHardDesync(symbol)
	}

	return res, nil
}

// reconcileStoreOnly handles orders the Store believes are open but the
// exchange does not report as open: query recent history and resolve to
// filled/canceled, applying any fills discovered along the way.
func (r *Reconciler) reconcileStoreOnly(ctx context.Context, symbol string, storeOpen []types.Order, byExchangeID map[string]types.Order) int {
	var missing []types.Order
	for _, ord := range storeOpen {
		if ord.ExchangeOrderID == "" {
			continue // still pending a Place response; not a store-only mismatch yet
		}
		if _, ok := byExchangeID[ord.ExchangeOrderID]; !ok {
			missing = append(missing, ord)
		}
	}
	if len(missing) == 0 {
		return 0
	}

	since := time.Now().Add(-24 * time.Hour)
	history, err := r.adapter.FetchRecentHistory(ctx, symbol, since, 500)
	if err != nil {
		r.logger.Error("fetch recent history failed", "symbol", symbol, "error", err)
		return len(missing)
	}
	byHistoryExchangeID := make(map[string]types.Order, len(history))
	for _, h := range history {
		if h.ExchangeOrderID != "" {
			byHistoryExchangeID[h.ExchangeOrderID] = h
		}
	}

	for _, ord := range missing {
		hist, found := byHistoryExchangeID[ord.ExchangeOrderID]
		if !found {
			r.logger.Warn("store-only order not found in history, marking canceled", "client_order_id", ord.ClientOrderID)
			r.store.UpdateState(ord.ClientOrderID, types.StateCanceled, "recon-state:"+ord.ClientOrderID+":canceled")
			continue
		}
		if hist.FilledQty.Decimal.GreaterThan(ord.FilledQty.Decimal) {
			// Keyed by the observed cumulative fill so a repeat of this pass
			// dedups while a later, larger fill still applies.
			fillKey := fmt.Sprintf("recon-fill:%s:%s", ord.ClientOrderID, hist.FilledQty.String())
			r.store.ApplyFill(ord.ClientOrderID, types.Quantity{Decimal: hist.FilledQty.Decimal.Sub(ord.FilledQty.Decimal)}, hist.AvgFillPrice, fillKey)
		}
		r.store.UpdateState(ord.ClientOrderID, hist.State, fmt.Sprintf("recon-state:%s:%s", ord.ClientOrderID, hist.State))
		if r.metrics != nil {
			r.metrics.ReconcileMismatches.WithLabelValues("store_only").Inc()
		}
	}
	return len(missing)
}

// reconcileOrphans cancels exchange orders the Store has no record of,
// keyed by the synthetic recon:<exchange_order_id> idempotency key so a
// second cycle observing the same orphan (before the cancel has settled)
// does not double-cancel.
func (r *Reconciler) reconcileOrphans(ctx context.Context, exchangeOpen []types.Order, storeByExchangeID map[string]types.Order) int {
	var orphans []types.Order
	for _, ord := range exchangeOpen {
		if _, ok := storeByExchangeID[ord.ExchangeOrderID]; !ok {
			orphans = append(orphans, ord)
		}
	}
	for _, ord := range orphans {
		idemKey := "recon:" + ord.ExchangeOrderID
		if _, err := r.adapter.Cancel(ctx, ord.ExchangeOrderID, idemKey); err != nil {
			r.logger.Error("cancel orphan failed", "exchange_order_id", ord.ExchangeOrderID, "error", err)
			continue
		}
		if r.metrics != nil {
			r.metrics.ReconcileMismatches.WithLabelValues("orphan").Inc()
		}
		r.logger.Warn("canceled orphan order", "exchange_order_id", ord.ExchangeOrderID, "symbol", ord.Symbol)
	}
	return len(orphans)
}

// reconcileMismatched updates the Store's state/fills for orders both
// sides agree are open but disagree on the details of (e.g. Store says
// open, exchange says partially_filled).
func (r *Reconciler) reconcileMismatched(storeOpen []types.Order, byExchangeID map[string]types.Order) int {
	count := 0
	for _, local := range storeOpen {
		exch, ok := byExchangeID[local.ExchangeOrderID]
		if !ok {
			continue
		}
		if exch.State == local.State && exch.FilledQty.Decimal.Equal(local.FilledQty.Decimal) {
			continue
		}
		count++
		if exch.FilledQty.Decimal.GreaterThan(local.FilledQty.Decimal) {
			delta := types.Quantity{Decimal: exch.FilledQty.Decimal.Sub(local.FilledQty.Decimal)}
			fillKey := fmt.Sprintf("recon-fill:%s:%s", local.ClientOrderID, exch.FilledQty.String())
			r.store.ApplyFill(local.ClientOrderID, delta, exch.AvgFillPrice, fillKey)
		}
		if exch.State != local.State {
			r.store.UpdateState(local.ClientOrderID, exch.State, fmt.Sprintf("recon-state:%s:%s", local.ClientOrderID, exch.State))
		}
		if r.metrics != nil {
			r.metrics.ReconcileMismatches.WithLabelValues("mismatched_state").Inc()
		}
	}
	return count
}
