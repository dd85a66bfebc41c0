// Inventory tracking for the Inventory Skew stage: a per-symbol signed
// position and realized PnL, updated only from the fill stream.
package pipeline

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"marketmaker/pkg/types"
)

// Inventory tracks signed position and notional for one symbol,
// updated only from the fill stream, never written by the pipeline
// directly. Thread-safe via RWMutex.
type Inventory struct {
	mu sync.RWMutex

	symbol      string
	signedQty   types.Quantity // positive = long, negative = short
	notionalUSD types.Price
	realizedPnL types.Price
	avgEntry    types.Price // volume-weighted entry price of the open position
	lastUpdated time.Time
}

// NewInventory creates an empty inventory tracker for symbol.
func NewInventory(symbol string) *Inventory {
	return &Inventory{
		symbol:      symbol,
		signedQty:   types.QuantityFromFloat(0),
		notionalUSD: types.PriceFromFloat(0),
		realizedPnL: types.PriceFromFloat(0),
	}
}

// ApplyFill folds one fill into the running signed position, flipping the
// sign for a sell. Realized PnL accrues only on fills that reduce the
// magnitude of the existing position, against the prior average price.
func (inv *Inventory) ApplyFill(fill types.Fill) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	signed := fill.Qty.Decimal
	if fill.Side == types.Sell {
		signed = signed.Neg()
	}

	prevQty := inv.signedQty.Decimal
	newQty := prevQty.Add(signed)

	// Closing (reducing magnitude, possibly crossing through zero) realizes
	// PnL on the portion closed against the prior average price.
	if !prevQty.IsZero() && prevQty.Sign() != signed.Sign() {
		closedQty := signed.Abs()
		if closedQty.GreaterThan(prevQty.Abs()) {
			closedQty = prevQty.Abs()
		}
		direction := decimal.NewFromInt(1)
		if prevQty.IsNegative() {
			direction = decimal.NewFromInt(-1)
		}
		pnlPerUnit := fill.Price.Decimal.Sub(inv.avgEntry.Decimal)
		realized := pnlPerUnit.Mul(closedQty).Mul(direction)
		inv.realizedPnL = types.Price{Decimal: inv.realizedPnL.Decimal.Add(realized)}
	}

	// A partial close leaves the average entry price unchanged.
	switch {
	case newQty.IsZero():
		inv.avgEntry = types.Price{}
	case prevQty.IsZero() || prevQty.Sign() != newQty.Sign():
		inv.avgEntry = fill.Price // opened, or flipped through zero at this fill
	case prevQty.Sign() == signed.Sign():
		cost := inv.avgEntry.Decimal.Mul(prevQty.Abs()).Add(fill.Price.Decimal.Mul(signed.Abs()))
		inv.avgEntry = types.Price{Decimal: cost.Div(newQty.Abs())}
	}

	inv.signedQty = types.Quantity{Decimal: newQty}
	inv.notionalUSD = types.Price{Decimal: newQty.Abs().Mul(fill.Price.Decimal)}
	inv.lastUpdated = fill.Ts
}

// Snapshot returns the current signed inventory, safe for concurrent read.
func (inv *Inventory) Snapshot() types.Inventory {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return types.Inventory{
		Symbol:      inv.symbol,
		SignedQty:   inv.signedQty,
		NotionalUSD: inv.notionalUSD,
		LastUpdated: inv.lastUpdated,
	}
}

// RealizedPnL returns cumulative realized PnL in USD.
func (inv *Inventory) RealizedPnL() types.Price {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.realizedPnL
}

// SkewRatio returns signed inventory normalized by target, the input to
// the Inventory Skew pipeline stage's k_inv multiplication.
func (inv *Inventory) SkewRatio(target float64) float64 {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	if target == 0 {
		return 0
	}
	qty, _ := inv.signedQty.Decimal.Float64()
	return qty / target
}

// ComputeSkewBps converts a signed inventory ratio into the bps shift the
// Inventory Skew stage applies to both quotes at once: the whole pair
// moves down when long and up when short, so neither side widens without
// the other narrowing.
func ComputeSkewBps(skewRatio, kInv, maxSkewBps float64) (deltaBps float64) {
	deltaBps = kInv * skewRatio
	if deltaBps > maxSkewBps {
		deltaBps = maxSkewBps
	}
	if deltaBps < -maxSkewBps {
		deltaBps = -maxSkewBps
	}
	return deltaBps
}
