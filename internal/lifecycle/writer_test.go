package lifecycle

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"marketmaker/internal/config"
	"marketmaker/internal/exchange"
	"marketmaker/internal/orderstore"
	"marketmaker/pkg/types"
)

type fakeAdapter struct {
	placeCalls     int
	amendCalls     int
	cancelCalls    int
	cancelAllCalls int
	amendOutcome   exchange.AmendOutcome
	placeErr       error
}

func (f *fakeAdapter) Place(ctx context.Context, order types.Order) (string, error) {
	f.placeCalls++
	if f.placeErr != nil {
		return "", f.placeErr
	}
	return "exch-" + order.ClientOrderID, nil
}

func (f *fakeAdapter) Amend(ctx context.Context, exchangeOrderID string, newPrice *types.Price, newQty *types.Quantity, idemKey string) (exchange.AmendOutcome, error) {
	f.amendCalls++
	if f.amendOutcome == "" {
		return exchange.AmendOK, nil
	}
	return f.amendOutcome, nil
}

func (f *fakeAdapter) Cancel(ctx context.Context, exchangeOrderID, idemKey string) (exchange.CancelOutcome, error) {
	f.cancelCalls++
	return exchange.CancelOK, nil
}

func (f *fakeAdapter) CancelAll(ctx context.Context, symbol, idemKey string) ([]string, error) {
	f.cancelAllCalls++
	return nil, nil
}

func newTestStore(t *testing.T) *orderstore.Store {
	t.Helper()
	dir, err := os.MkdirTemp("", "lifecycle-test-*")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	store, err := orderstore.Open(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return store
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testFilters() types.SymbolFilters {
	return types.SymbolFilters{
		Symbol:      "BTC-USD",
		TickSize:    types.PriceFromFloat(0.01),
		LotSize:     types.QuantityFromFloat(0.001),
		MinNotional: types.PriceFromFloat(1),
	}
}

func testStrategyConfig() config.StrategyConfig {
	return config.StrategyConfig{
		MinTimeInBookMs:        500,
		AmendPriceThresholdBps: 5,
		AmendSizeThreshold:     0.20,
	}
}

func TestApplyPlacesNewOrderWhenNoneLive(t *testing.T) {
	store := newTestStore(t)
	adapter := &fakeAdapter{}
	w := New(store, adapter, testStrategyConfig(), nil, testLogger())

	qs := types.QuoteSet{
		Symbol: "BTC-USD",
		Bid:    &types.QuoteTarget{Symbol: "BTC-USD", Side: types.Buy, Price: types.PriceFromFloat(100), Qty: types.QuantityFromFloat(1)},
	}
	if err := w.Apply(context.Background(), qs, testFilters(), types.BookSnapshot{}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if adapter.placeCalls != 1 {
		t.Errorf("placeCalls = %d, want 1", adapter.placeCalls)
	}
	open, ok := store.OpenBySide("BTC-USD", types.Buy)
	if !ok {
		t.Fatalf("expected an open bid order")
	}
	if open.ExchangeOrderID == "" {
		t.Errorf("expected exchange_order_id to be set after place")
	}
}

func TestApplyAmendsWithinThresholdAfterMinTimeInBook(t *testing.T) {
	store := newTestStore(t)
	adapter := &fakeAdapter{}
	cfg := testStrategyConfig()
	cfg.MinTimeInBookMs = 0 // treat the order as eligible for amend immediately
	w := New(store, adapter, cfg, nil, testLogger())

	qs := types.QuoteSet{
		Symbol: "BTC-USD",
		Bid:    &types.QuoteTarget{Symbol: "BTC-USD", Side: types.Buy, Price: types.PriceFromFloat(100), Qty: types.QuantityFromFloat(1)},
	}
	if err := w.Apply(context.Background(), qs, testFilters(), types.BookSnapshot{}); err != nil {
		t.Fatalf("initial Apply: %v", err)
	}
	if adapter.placeCalls != 1 {
		t.Fatalf("placeCalls = %d, want 1 after initial Apply", adapter.placeCalls)
	}

	qs.Bid.Price = types.PriceFromFloat(100.01) // tiny move, within amend threshold
	if err := w.Apply(context.Background(), qs, testFilters(), types.BookSnapshot{}); err != nil {
		t.Fatalf("second Apply: %v", err)
	}
	if adapter.amendCalls != 1 {
		t.Errorf("amendCalls = %d, want 1", adapter.amendCalls)
	}
	if adapter.placeCalls != 1 {
		t.Errorf("placeCalls = %d, want still 1 (amend, not cancel+place)", adapter.placeCalls)
	}
}

func TestApplyRefusesCrossedQuote(t *testing.T) {
	store := newTestStore(t)
	adapter := &fakeAdapter{}
	w := New(store, adapter, testStrategyConfig(), nil, testLogger())

	qs := types.QuoteSet{
		Symbol: "BTC-USD",
		Bid:    &types.QuoteTarget{Symbol: "BTC-USD", Side: types.Buy, Price: types.PriceFromFloat(101), Qty: types.QuantityFromFloat(1)},
		Ask:    &types.QuoteTarget{Symbol: "BTC-USD", Side: types.Sell, Price: types.PriceFromFloat(100), Qty: types.QuantityFromFloat(1)},
	}
	if err := w.Apply(context.Background(), qs, testFilters(), types.BookSnapshot{}); err == nil {
		t.Errorf("expected an error for a crossed quote set")
	}
	if adapter.placeCalls != 0 {
		t.Errorf("placeCalls = %d, want 0 for a refused crossed quote", adapter.placeCalls)
	}
}

func TestApplyCancelAllOnGuardHard(t *testing.T) {
	store := newTestStore(t)
	adapter := &fakeAdapter{}
	w := New(store, adapter, testStrategyConfig(), nil, testLogger())

	qs := types.QuoteSet{Symbol: "BTC-USD", CancelAllRequired: true}
	if err := w.Apply(context.Background(), qs, testFilters(), types.BookSnapshot{}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if adapter.cancelAllCalls != 1 {
		t.Errorf("cancelAllCalls = %d, want 1", adapter.cancelAllCalls)
	}
}

func TestApplyRejectsSubMinNotional(t *testing.T) {
	store := newTestStore(t)
	adapter := &fakeAdapter{}
	w := New(store, adapter, testStrategyConfig(), nil, testLogger())

	filters := testFilters()
	filters.MinNotional = types.PriceFromFloat(1000) // far above the 100*1 = 100 notional below

	qs := types.QuoteSet{
		Symbol: "BTC-USD",
		Bid:    &types.QuoteTarget{Symbol: "BTC-USD", Side: types.Buy, Price: types.PriceFromFloat(100), Qty: types.QuantityFromFloat(1)},
	}
	if err := w.Apply(context.Background(), qs, filters, types.BookSnapshot{}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if adapter.placeCalls != 0 {
		t.Errorf("placeCalls = %d, want 0 for a rejected target", adapter.placeCalls)
	}
	if _, ok := store.OpenBySide("BTC-USD", types.Buy); ok {
		t.Errorf("expected no open bid order after a min-notional rejection")
	}
}

func TestApplySoftGuardSuppressesNewPlacement(t *testing.T) {
	store := newTestStore(t)
	adapter := &fakeAdapter{}
	w := New(store, adapter, testStrategyConfig(), nil, testLogger())

	qs := types.QuoteSet{
		Symbol:    "BTC-USD",
		SoftGuard: true,
		Bid:       &types.QuoteTarget{Symbol: "BTC-USD", Side: types.Buy, Price: types.PriceFromFloat(100), Qty: types.QuantityFromFloat(1)},
	}
	if err := w.Apply(context.Background(), qs, testFilters(), types.BookSnapshot{}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if adapter.placeCalls != 0 {
		t.Errorf("placeCalls = %d, want 0 under a SOFT guard", adapter.placeCalls)
	}
}

func TestApplySoftGuardAllowsExposureReducingAmend(t *testing.T) {
	store := newTestStore(t)
	adapter := &fakeAdapter{}
	cfg := testStrategyConfig()
	cfg.MinTimeInBookMs = 0
	w := New(store, adapter, cfg, nil, testLogger())

	qs := types.QuoteSet{
		Symbol: "BTC-USD",
		Bid:    &types.QuoteTarget{Symbol: "BTC-USD", Side: types.Buy, Price: types.PriceFromFloat(100), Qty: types.QuantityFromFloat(1)},
	}
	if err := w.Apply(context.Background(), qs, testFilters(), types.BookSnapshot{}); err != nil {
		t.Fatalf("initial Apply: %v", err)
	}

	// Bid moves away from the touch with a smaller size: allowed under SOFT.
	qs.SoftGuard = true
	qs.Bid.Price = types.PriceFromFloat(99.99)
	qs.Bid.Qty = types.QuantityFromFloat(0.9)
	if err := w.Apply(context.Background(), qs, testFilters(), types.BookSnapshot{}); err != nil {
		t.Fatalf("soft Apply: %v", err)
	}
	if adapter.amendCalls != 1 {
		t.Errorf("amendCalls = %d, want 1 for an exposure-reducing amend", adapter.amendCalls)
	}

	// A bid moving toward the touch grows exposure: refused under SOFT.
	qs.Bid.Price = types.PriceFromFloat(100.02)
	if err := w.Apply(context.Background(), qs, testFilters(), types.BookSnapshot{}); err != nil {
		t.Fatalf("third Apply: %v", err)
	}
	if adapter.amendCalls != 1 {
		t.Errorf("amendCalls = %d, want still 1 (toward-touch amend refused)", adapter.amendCalls)
	}
	if adapter.placeCalls != 1 {
		t.Errorf("placeCalls = %d, want still 1 (no cancel+place under SOFT)", adapter.placeCalls)
	}
}

func TestApplyAmendFallbackCancelsAndPlaces(t *testing.T) {
	store := newTestStore(t)
	adapter := &fakeAdapter{amendOutcome: exchange.AmendFallbackRequired}
	cfg := testStrategyConfig()
	cfg.MinTimeInBookMs = 0
	w := New(store, adapter, cfg, nil, testLogger())

	qs := types.QuoteSet{
		Symbol: "BTC-USD",
		Bid:    &types.QuoteTarget{Symbol: "BTC-USD", Side: types.Buy, Price: types.PriceFromFloat(100), Qty: types.QuantityFromFloat(1)},
	}
	if err := w.Apply(context.Background(), qs, testFilters(), types.BookSnapshot{}); err != nil {
		t.Fatalf("initial Apply: %v", err)
	}

	qs.Bid.Price = types.PriceFromFloat(100.01)
	if err := w.Apply(context.Background(), qs, testFilters(), types.BookSnapshot{}); err != nil {
		t.Fatalf("second Apply: %v", err)
	}
	if adapter.cancelCalls != 1 {
		t.Errorf("cancelCalls = %d, want 1 after fallback_required", adapter.cancelCalls)
	}
	if adapter.placeCalls != 2 {
		t.Errorf("placeCalls = %d, want 2 (original + fallback re-place)", adapter.placeCalls)
	}
}
