// Package lifecycle is the Order Lifecycle Manager: the writer-side of the
// durable order store and the only caller of the exchange adapter's
// mutating operations. It translates a tick's desired QuoteSet into
// concrete place/amend/cancel calls using an amend-vs-cancel policy gated
// on time-in-book and threshold deltas.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"marketmaker/internal/config"
	"marketmaker/internal/exchange"
	"marketmaker/internal/metrics"
	"marketmaker/internal/orderstore"
	"marketmaker/pkg/types"
)

// Adapter is the subset of the Exchange Adapter's capability surface the
// writer calls. Defined here (not imported as *exchange.Client directly)
// so tests can substitute a fake without standing up HTTP.
type Adapter interface {
	Place(ctx context.Context, order types.Order) (string, error)
	Amend(ctx context.Context, exchangeOrderID string, newPrice *types.Price, newQty *types.Quantity, idemKey string) (exchange.AmendOutcome, error)
	Cancel(ctx context.Context, exchangeOrderID, idemKey string) (exchange.CancelOutcome, error)
	CancelAll(ctx context.Context, symbol, idemKey string) ([]string, error)
}

// RejectReason categorizes a pre-trade filter refusal for metrics, rather
// than just logging a free-form error string.
type RejectReason string

const (
	RejectTickSize    RejectReason = "tick_size_violation"
	RejectLotSize     RejectReason = "lot_size_violation"
	RejectMinNotional RejectReason = "min_notional_violation"
	RejectCrossed     RejectReason = "would_cross"
	RejectSoftGuard   RejectReason = "soft_guard_suppressed"
)

// Writer is the Order Lifecycle Manager.
type Writer struct {
	store   *orderstore.Store
	adapter Adapter
	cfg     config.StrategyConfig
	metrics *metrics.Registry
	logger  *slog.Logger

	symbolMu sync.Map // symbol -> *sync.Mutex, enforces the per-symbol total order of mutations
}

func New(store *orderstore.Store, adapter Adapter, cfg config.StrategyConfig, m *metrics.Registry, logger *slog.Logger) *Writer {
	return &Writer{
		store:   store,
		adapter: adapter,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With("component", "lifecycle"),
	}
}

func (w *Writer) lockSymbol(symbol string) func() {
	v, _ := w.symbolMu.LoadOrStore(symbol, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Apply drives targets -> live orders for one symbol's QuoteSet, one side
// at a time. All mutations for this symbol are serialized on the writer's
// per-symbol lock, guaranteeing a total order of writes per symbol.
func (w *Writer) Apply(ctx context.Context, qs types.QuoteSet, filters types.SymbolFilters, book types.BookSnapshot) error {
	unlock := w.lockSymbol(qs.Symbol)
	defer unlock()

	if qs.CancelAllRequired {
		return w.applyCancelAll(ctx, qs.Symbol)
	}

	if qs.Bid != nil && qs.Ask != nil {
		if !qs.Bid.Price.Decimal.LessThan(qs.Ask.Price.Decimal) {
			w.logger.Warn("refusing crossed quote", "symbol", qs.Symbol,
				"bid", qs.Bid.Price.String(), "ask", qs.Ask.Price.String())
			w.countReject(qs.Symbol, types.Buy, RejectCrossed)
			w.countReject(qs.Symbol, types.Sell, RejectCrossed)
			return fmt.Errorf("quote set would cross: bid %s >= ask %s", qs.Bid.Price.String(), qs.Ask.Price.String())
		}
	}

	if err := w.applySide(ctx, qs.Symbol, types.Buy, qs.Bid, filters, qs.SoftGuard); err != nil {
		w.logger.Error("apply bid side failed", "symbol", qs.Symbol, "error", err)
	}
	if err := w.applySide(ctx, qs.Symbol, types.Sell, qs.Ask, filters, qs.SoftGuard); err != nil {
		w.logger.Error("apply ask side failed", "symbol", qs.Symbol, "error", err)
	}
	return nil
}

func (w *Writer) applyCancelAll(ctx context.Context, symbol string) error {
	idemKey := fmt.Sprintf("hard:%s:%d", symbol, time.Now().UnixNano())
	cids := w.store.CancelAllOpen(idemKey)
	if _, err := w.adapter.CancelAll(ctx, symbol, idemKey); err != nil {
		w.logger.Error("cancel_all failed", "symbol", symbol, "error", err)
		return err
	}
	for _, cid := range cids {
		if w.metrics != nil {
			w.metrics.OrdersCanceled.WithLabelValues(symbol, "").Inc()
		}
		w.logger.Info("canceled on guard hard", "symbol", symbol, "client_order_id", cid)
	}
	return nil
}

func (w *Writer) applySide(ctx context.Context, symbol string, side types.Side, target *types.QuoteTarget, filters types.SymbolFilters, soft bool) error {
	current, hasCurrent := w.store.OpenBySide(symbol, side)

	if target == nil {
		if !hasCurrent {
			return nil
		}
		return w.cancelOnly(ctx, current)
	}

	target.Price, target.Qty = applyFilters(target.Price, target.Qty, side, filters)
	if reason, ok := violatesFilters(target.Price, target.Qty, filters); ok {
		w.countReject(symbol, side, reason)
		return fmt.Errorf("target violates %s", reason)
	}

	if !hasCurrent {
		if soft {
			// SOFT suppresses new placements entirely.
			w.countReject(symbol, side, RejectSoftGuard)
			return nil
		}
		return w.place(ctx, symbol, side, *target)
	}

	if soft {
		// Under SOFT only exposure-reducing amends are allowed: shrink the
		// size, or move the price away from the touch. Anything else keeps
		// the resting order as-is.
		if reducesExposure(current, *target) && w.shouldAmend(current, *target) {
			return w.amend(ctx, current, *target)
		}
		w.countReject(symbol, side, RejectSoftGuard)
		return nil
	}

	if w.shouldAmend(current, *target) {
		return w.amend(ctx, current, *target)
	}
	return w.cancelAndPlace(ctx, current, symbol, side, *target)
}

// reducesExposure reports whether target only shrinks the resting order's
// risk: quantity must not grow, and the price must not move toward the
// touch (a bid may only move down, an ask only up).
func reducesExposure(current types.Order, target types.QuoteTarget) bool {
	if target.Qty.Decimal.GreaterThan(current.Qty.Decimal) {
		return false
	}
	if current.Side == types.Buy {
		return !target.Price.Decimal.GreaterThan(current.Price.Decimal)
	}
	return !target.Price.Decimal.LessThan(current.Price.Decimal)
}

// shouldAmend decides amend versus cancel+place: the resting order must
// have been in the book long enough, and both deltas must sit inside the
// amend thresholds.
func (w *Writer) shouldAmend(current types.Order, target types.QuoteTarget) bool {
	minTimeInBook := time.Duration(w.cfg.MinTimeInBookMs) * time.Millisecond
	timeInBook := time.Since(current.CreatedTs)
	if timeInBook < minTimeInBook {
		return false
	}

	priceDeltaBps := bpsDelta(current.Price, target.Price)
	if priceDeltaBps > float64(w.cfg.AmendPriceThresholdBps) {
		return false
	}

	qtyDeltaRatio := ratioDelta(current.Qty, target.Qty)
	threshold := w.cfg.AmendSizeThreshold
	if threshold <= 0 {
		threshold = 0.20
	}
	return qtyDeltaRatio <= threshold
}

func (w *Writer) place(ctx context.Context, symbol string, side types.Side, target types.QuoteTarget) error {
	cid := newClientOrderID(symbol, side)
	intent := types.Order{
		ClientOrderID: cid,
		Symbol:        symbol,
		Side:          side,
		Price:         target.Price,
		Qty:           target.Qty,
	}
	w.store.Place(intent, cid)

	exchID, err := w.adapter.Place(ctx, intent)
	if err != nil {
		w.store.UpdateState(cid, types.StateRejected, "reject:"+cid)
		w.countReject(symbol, side, RejectReason("adapter_error"))
		return fmt.Errorf("place %s: %w", cid, err)
	}
	w.store.SetExchangeOrderID(cid, exchID, "seteoid:"+cid)
	if w.metrics != nil {
		w.metrics.OrdersPlaced.WithLabelValues(symbol, string(side)).Inc()
	}
	w.logger.Info("order placed", "client_order_id", cid, "symbol", symbol, "side", side,
		"price", target.Price.String(), "qty", target.Qty.String())
	return nil
}

func (w *Writer) cancelOnly(ctx context.Context, current types.Order) error {
	idemKey := "cancel:" + current.ClientOrderID
	outcome, err := w.adapter.Cancel(ctx, current.ExchangeOrderID, idemKey)
	if err != nil {
		return fmt.Errorf("cancel %s: %w", current.ClientOrderID, err)
	}
	_ = outcome // already_done and ok both settle the local state the same way
	w.store.UpdateState(current.ClientOrderID, types.StateCanceled, idemKey)
	if w.metrics != nil {
		w.metrics.OrdersCanceled.WithLabelValues(current.Symbol, string(current.Side)).Inc()
	}
	return nil
}

func (w *Writer) amend(ctx context.Context, current types.Order, target types.QuoteTarget) error {
	// Keyed by order and target so a retry of this amend dedups, while a
	// later amend of the same order to a new target acts for real.
	idemKey := fmt.Sprintf("amend:%s:%s:%s", current.ClientOrderID, target.Price.String(), target.Qty.String())
	price, qty := target.Price, target.Qty
	outcome, err := w.adapter.Amend(ctx, current.ExchangeOrderID, &price, &qty, idemKey)
	if err != nil {
		return fmt.Errorf("amend %s: %w", current.ClientOrderID, err)
	}
	if outcome == exchange.AmendFallbackRequired {
		w.logger.Info("amend fallback_required, falling back to cancel+place",
			"client_order_id", current.ClientOrderID)
		return w.cancelAndPlace(ctx, current, current.Symbol, current.Side, target)
	}
	w.store.Amend(current.ClientOrderID, price, qty, idemKey)
	if w.metrics != nil {
		w.metrics.OrdersAmended.WithLabelValues(current.Symbol, string(current.Side)).Inc()
	}
	w.logger.Info("order amended", "client_order_id", current.ClientOrderID,
		"price", price.String(), "qty", qty.String())
	return nil
}

// cancelAndPlace cancels the current order, waits 100ms for the cancel to
// propagate, then places a fresh order under a new client_order_id.
func (w *Writer) cancelAndPlace(ctx context.Context, current types.Order, symbol string, side types.Side, target types.QuoteTarget) error {
	if err := w.cancelOnly(ctx, current); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(100 * time.Millisecond):
	}
	return w.place(ctx, symbol, side, target)
}

func (w *Writer) countReject(symbol string, side types.Side, reason RejectReason) {
	if w.metrics == nil {
		return
	}
	w.metrics.OrdersRejected.WithLabelValues(symbol, string(side), string(reason)).Inc()
}

// applyFilters rounds price/qty to the symbol's tick/lot sizes, biased
// toward "no worse for us": buy prices round down, sell prices round up,
// sizes round down. The skew and nudge stages shift prices off-tick, so
// the writer always re-rounds before the compliance check.
func applyFilters(price types.Price, qty types.Quantity, side types.Side, filters types.SymbolFilters) (types.Price, types.Quantity) {
	if side == types.Buy {
		price = types.RoundDownToTick(price, filters.TickSize)
	} else {
		price = types.RoundUpToTick(price, filters.TickSize)
	}
	qty = types.RoundDownToLot(qty, filters.LotSize)
	return price, qty
}

// violatesFilters checks tick/lot/min-notional compliance after rounding.
// A min-notional shortfall is rejected rather than silently sized up: the
// pipeline already sized the order from order_size_usd, and a qty bump
// here would change its exposure without its knowledge.
func violatesFilters(price types.Price, qty types.Quantity, filters types.SymbolFilters) (RejectReason, bool) {
	if !filters.TickSize.Decimal.IsZero() {
		rem := price.Decimal.Mod(filters.TickSize.Decimal)
		if !rem.IsZero() {
			return RejectTickSize, true
		}
	}
	if !filters.LotSize.Decimal.IsZero() {
		rem := qty.Decimal.Mod(filters.LotSize.Decimal)
		if !rem.IsZero() {
			return RejectLotSize, true
		}
	}
	notional := price.Decimal.Mul(qty.Decimal)
	if notional.LessThan(filters.MinNotional.Decimal) {
		return RejectMinNotional, true
	}
	return "", false
}

func bpsDelta(a, b types.Price) float64 {
	if a.Decimal.IsZero() {
		return 0
	}
	diff := b.Decimal.Sub(a.Decimal).Abs()
	ratio, _ := diff.Div(a.Decimal).Float64()
	return ratio * 10000
}

func ratioDelta(a, b types.Quantity) float64 {
	if a.Decimal.IsZero() {
		return 0
	}
	diff := b.Decimal.Sub(a.Decimal).Abs()
	ratio, _ := diff.Div(a.Decimal).Float64()
	return ratio
}

// newClientOrderID mints {symbol}-{side}-{monotonic_ms}-{random4}, unique
// and lexically sortable by creation time.
func newClientOrderID(symbol string, side types.Side) string {
	return fmt.Sprintf("%s-%s-%d-%04x", symbol, side, time.Now().UnixMilli(), rand.Intn(0x10000))
}
