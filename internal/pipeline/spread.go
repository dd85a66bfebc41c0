// Spread stage: composes a bounded spread width from independent
// normalized [0,1] sub-scores (volatility, liquidity, latency,
// PnL-deviation), weighted by configurable per-signal sensitivities.
package pipeline

import (
	"marketmaker/internal/config"
	"marketmaker/pkg/types"
)

// SpreadSignals carries the four normalized inputs to the Spread stage.
// Each score is expected in [0, 1]; callers are responsible for producing
// well-normalized scores (e.g. vol EMA divided by a reference vol).
type SpreadSignals struct {
	VolScore       float64
	LiquidityScore float64
	LatencyScore   float64
	PnlDevScore    float64
}

// ComputeSpreadBps returns the bounded spread width in basis points as a
// weighted sum of the four signals, clamped to [min, max]. Liquidity acts
// inversely: thinner top-of-book (lower LiquidityScore) widens the spread,
// so its sensitivity is applied to (1 - LiquidityScore).
func ComputeSpreadBps(sig SpreadSignals, cfg config.StrategyConfig) float64 {
	bps := float64(cfg.MinSpreadBps)
	bps += cfg.KVolSensitivity * sig.VolScore
	bps += cfg.KLiquiditySensitivity * (1 - sig.LiquidityScore)
	bps += cfg.KLatencySensitivity * sig.LatencyScore
	bps += cfg.KPnlSensitivity * sig.PnlDevScore

	min := float64(cfg.MinSpreadBps)
	max := float64(cfg.MaxSpreadBps)
	if bps < min {
		bps = min
	}
	if bps > max {
		bps = max
	}
	return bps
}

// QuotesAroundMid produces a symmetric (bid, ask) pair spread_bps apart,
// centered on mid, before tick rounding, skew, or nudge are applied.
func QuotesAroundMid(mid types.Price, spreadBps float64) (bid, ask types.Price) {
	halfBps := spreadBps / 2
	factor := halfBps / 10000.0
	bidDec := mid.Decimal.Mul(types.PriceFromFloat(1 - factor).Decimal)
	askDec := mid.Decimal.Mul(types.PriceFromFloat(1 + factor).Decimal)
	return types.Price{Decimal: bidDec}, types.Price{Decimal: askDec}
}

// ShiftByBps moves a price by the given signed basis points, used by the
// Inventory Skew stage to bias a quote pair around mid.
func ShiftByBps(p types.Price, bps float64) types.Price {
	factor := bps / 10000.0
	return types.Price{Decimal: p.Decimal.Mul(types.PriceFromFloat(1 + factor).Decimal)}
}
