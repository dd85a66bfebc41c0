package pipeline

import (
	"testing"
	"time"

	"marketmaker/pkg/types"
)

func TestAbsorptionRateEvictsStaleObservations(t *testing.T) {
	qt := NewQueueTracker(time.Second, 1.0)
	base := time.Now()

	qt.Observe(QueueObservation{Side: types.Sell, Qty: types.QuantityFromFloat(5), Timestamp: base})
	rate := qt.AbsorptionRate(types.Sell, base.Add(2*time.Second))
	if rate != 0 {
		t.Errorf("rate = %v after window expired, want 0", rate)
	}
}

func TestNudgeTriggersAboveThreshold(t *testing.T) {
	qt := NewQueueTracker(time.Second, 1.0)
	base := time.Now()
	qt.Observe(QueueObservation{Side: types.Buy, Qty: types.QuantityFromFloat(10), Timestamp: base})

	if n := qt.Nudge(types.Buy, base); n != 1 {
		t.Errorf("Nudge = %v, want 1 when absorption exceeds threshold", n)
	}
	if n := qt.Nudge(types.Sell, base); n != 0 {
		t.Errorf("Nudge = %v, want 0 for side with no observations", n)
	}
}

func TestApplyNudgeNeverCrossesBook(t *testing.T) {
	tick := types.PriceFromFloat(1)
	bestAsk := types.PriceFromFloat(101)
	price := types.PriceFromFloat(100)

	nudged := ApplyNudge(price, types.Buy, 5, tick, &bestAsk)
	f, _ := nudged.Decimal.Float64()
	if f >= 101 {
		t.Errorf("nudged bid = %v, must stay below best ask 101", f)
	}
}

func TestApplyNudgeZeroTicksNoop(t *testing.T) {
	price := types.PriceFromFloat(100)
	nudged := ApplyNudge(price, types.Buy, 0, types.PriceFromFloat(1), nil)
	if !nudged.Decimal.Equal(price.Decimal) {
		t.Errorf("ApplyNudge with 0 ticks changed price: %v", nudged)
	}
}
