package pipeline

import (
	"testing"
	"time"

	"marketmaker/pkg/types"
)

func fill(side types.Side, qty, price float64, ts time.Time) types.Fill {
	return types.Fill{
		Symbol: "BTC-USD",
		Side:   side,
		Qty:    types.QuantityFromFloat(qty),
		Price:  types.PriceFromFloat(price),
		Ts:     ts,
	}
}

func TestInventoryConservationAcrossFills(t *testing.T) {
	inv := NewInventory("BTC-USD")
	now := time.Now()

	inv.ApplyFill(fill(types.Buy, 1.0, 100, now))
	inv.ApplyFill(fill(types.Buy, 0.5, 101, now.Add(time.Second)))
	inv.ApplyFill(fill(types.Sell, 0.7, 102, now.Add(2*time.Second)))

	snap := inv.Snapshot()
	want := 1.0 + 0.5 - 0.7
	got, _ := snap.SignedQty.Decimal.Float64()
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("signed qty = %v, want %v", got, want)
	}
}

func TestInventoryRealizedPnLOnClose(t *testing.T) {
	inv := NewInventory("BTC-USD")
	now := time.Now()

	inv.ApplyFill(fill(types.Buy, 1.0, 100, now))
	inv.ApplyFill(fill(types.Sell, 1.0, 105, now.Add(time.Second)))

	pnl := inv.RealizedPnL()
	f, _ := pnl.Decimal.Float64()
	if f <= 0 {
		t.Errorf("realized pnl = %v, want positive (bought 100, sold 105)", f)
	}
}

func TestInventorySkewRatioZeroTarget(t *testing.T) {
	inv := NewInventory("BTC-USD")
	inv.ApplyFill(fill(types.Buy, 1.0, 100, time.Now()))
	if r := inv.SkewRatio(0); r != 0 {
		t.Errorf("SkewRatio with zero target = %v, want 0", r)
	}
}

func TestComputeSkewBpsClampsToMax(t *testing.T) {
	delta := ComputeSkewBps(10.0, 5.0, 20.0)
	if delta != 20.0 {
		t.Errorf("ComputeSkewBps = %v, want clamped to 20", delta)
	}
	delta = ComputeSkewBps(-10.0, 5.0, 20.0)
	if delta != -20.0 {
		t.Errorf("ComputeSkewBps = %v, want clamped to -20", delta)
	}
}
