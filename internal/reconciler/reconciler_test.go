package reconciler

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"marketmaker/internal/config"
	"marketmaker/internal/exchange"
	"marketmaker/internal/orderstore"
	"marketmaker/pkg/types"
)

type fakeAdapter struct {
	open     []types.Order
	history  []types.Order
	canceled []string
}

func (f *fakeAdapter) FetchOpenOrders(ctx context.Context, symbol string) ([]types.Order, error) {
	return f.open, nil
}

func (f *fakeAdapter) FetchRecentHistory(ctx context.Context, symbol string, sinceTs time.Time, limit int) ([]types.Order, error) {
	return f.history, nil
}

func (f *fakeAdapter) Cancel(ctx context.Context, exchangeOrderID, idemKey string) (exchange.CancelOutcome, error) {
	f.canceled = append(f.canceled, exchangeOrderID)
	return exchange.CancelOK, nil
}

type fakeRisk struct {
	forced  map[string]bool
	cleared map[string]bool
}

func newFakeRisk() *fakeRisk {
	return &fakeRisk{forced: map[string]bool{}, cleared: map[string]bool{}}
}

func (f *fakeRisk) ForceHardDesync(symbol string) { f.forced[symbol] = true }
func (f *fakeRisk) ClearHardDesync(symbol string) { f.cleared[symbol] = true }

func newTestStore(t *testing.T) *orderstore.Store {
	t.Helper()
	dir, err := os.MkdirTemp("", "reconciler-test-*")
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

func TestRunOrphanIsCanceled(t *testing.T) {
	store := newTestStore(t)
	adapter := &fakeAdapter{
		open: []types.Order{
			{ClientOrderID: "unknown", ExchangeOrderID: "exch-orphan-1", Symbol: "BTC-USD", State: types.StateOpen},
		},
	}
	risk := newFakeRisk()
	cfg := config.ReconcileConfig{IntervalMs: 25000, HardDesyncRatio: 0.5}
	r := New(store, adapter, risk, cfg, nil, testLogger())

	res, err := r.Run(context.Background(), "BTC-USD")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Orphans != 1 {
		t.Errorf("orphans = %d, want 1", res.Orphans)
	}
	if len(adapter.canceled) != 1 || adapter.canceled[0] != "exch-orphan-1" {
		t.Errorf("canceled = %v, want [exch-orphan-1]", adapter.canceled)
	}
}

func TestRunStoreOnlyResolvesFromHistory(t *testing.T) {
	store := newTestStore(t)
	intent := types.Order{ClientOrderID: "cid-1", Symbol: "BTC-USD", Side: types.Buy,
		Price: types.PriceFromFloat(100), Qty: types.QuantityFromFloat(1)}
	store.Place(intent, "cid-1")
	store.SetExchangeOrderID("cid-1", "exch-1", "seteoid:cid-1")

	adapter := &fakeAdapter{
		open: nil, // exchange reports nothing open
		history: []types.Order{
			{ClientOrderID: "cid-1", ExchangeOrderID: "exch-1", Symbol: "BTC-USD",
				State: types.StateFilled, FilledQty: types.QuantityFromFloat(1), AvgFillPrice: types.PriceFromFloat(100)},
		},
	}
	risk := newFakeRisk()
	cfg := config.ReconcileConfig{IntervalMs: 25000, HardDesyncRatio: 0.9}
	r := New(store, adapter, risk, cfg, nil, testLogger())

	res, err := r.Run(context.Background(), "BTC-USD")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.StoreOnly != 1 {
		t.Errorf("store_only = %d, want 1", res.StoreOnly)
	}
	ord, ok := store.Get("cid-1")
	if !ok {
		t.Fatalf("order cid-1 not found after reconcile")
	}
	if ord.State != types.StateFilled {
		t.Errorf("state = %v, want filled", ord.State)
	}
}

func TestRunMismatchedStateUpdatesFill(t *testing.T) {
	store := newTestStore(t)
	intent := types.Order{ClientOrderID: "cid-2", Symbol: "BTC-USD", Side: types.Buy,
		Price: types.PriceFromFloat(100), Qty: types.QuantityFromFloat(2)}
	store.Place(intent, "cid-2")
	store.SetExchangeOrderID("cid-2", "exch-2", "seteoid:cid-2")

	adapter := &fakeAdapter{
		open: []types.Order{
			{ClientOrderID: "cid-2", ExchangeOrderID: "exch-2", Symbol: "BTC-USD",
				State: types.StatePartiallyFilled, FilledQty: types.QuantityFromFloat(1), AvgFillPrice: types.PriceFromFloat(100)},
		},
	}
	risk := newFakeRisk()
	cfg := config.ReconcileConfig{IntervalMs: 25000, HardDesyncRatio: 0.9}
	r := New(store, adapter, risk, cfg, nil, testLogger())

	res, err := r.Run(context.Background(), "BTC-USD")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Mismatched != 1 {
		t.Errorf("mismatched = %d, want 1", res.Mismatched)
	}
	ord, _ := store.Get("cid-2")
	if ord.State != types.StatePartiallyFilled {
		t.Errorf("state = %v, want partially_filled", ord.State)
	}
	if !ord.FilledQty.Decimal.Equal(types.QuantityFromFloat(1).Decimal) {
		t.Errorf("filled_qty = %v, want 1", ord.FilledQty.Decimal)
	}
}

func TestRunHardDesyncEscalates(t *testing.T) {
	store := newTestStore(t)
	for i := 0; i < 3; i++ {
		cid := "cid-desync-" + string(rune('a'+i))
		intent := types.Order{ClientOrderID: cid, Symbol: "BTC-USD", Side: types.Buy,
			Price: types.PriceFromFloat(100), Qty: types.QuantityFromFloat(1)}
		store.Place(intent, cid)
		store.SetExchangeOrderID(cid, "exch-"+cid, "seteoid:"+cid)
	}

	adapter := &fakeAdapter{open: nil, history: nil} // all three vanish with no history trace
	risk := newFakeRisk()
	cfg := config.ReconcileConfig{IntervalMs: 25000, HardDesyncRatio: 0.5}
	r := New(store, adapter, risk, cfg, nil, testLogger())

	res, err := r.Run(context.Background(), "BTC-USD")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.HardDesync {
		t.Errorf("HardDesync = false, want true (divergence_ratio=%v)", res.DivergenceRatio)
	}
	if !risk.forced["BTC-USD"] {
		t.Errorf("ForceHardDesync was not called for BTC-USD")
	}
}

func TestRunCleanCycleClearsHardDesync(t *testing.T) {
	store := newTestStore(t)
	intent := types.Order{ClientOrderID: "cid-clean", Symbol: "BTC-USD", Side: types.Buy,
		Price: types.PriceFromFloat(100), Qty: types.QuantityFromFloat(1)}
	store.Place(intent, "cid-clean")
	store.SetExchangeOrderID("cid-clean", "exch-clean", "seteoid:cid-clean")

	adapter := &fakeAdapter{
		open: []types.Order{
			{ClientOrderID: "cid-clean", ExchangeOrderID: "exch-clean", Symbol: "BTC-USD", State: types.StateOpen},
		},
	}
	risk := newFakeRisk()
	cfg := config.ReconcileConfig{IntervalMs: 25000, HardDesyncRatio: 0.1}
	r := New(store, adapter, risk, cfg, nil, testLogger())

	res, err := r.Run(context.Background(), "BTC-USD")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.HardDesync {
		t.Errorf("HardDesync = true, want false for a clean cycle")
	}
	if !risk.cleared["BTC-USD"] {
		t.Errorf("ClearHardDesync was not called on a clean cycle")
	}
}
