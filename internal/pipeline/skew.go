package pipeline

import (
	"context"
)

// inventorySkew is stage 4: shift the quote pair by a sign-aware bps delta
// derived from signed inventory, clamped to ±max_skew_bps. Never widens one
// side without narrowing the other: both prices move by the same delta.
func (p *Pipeline) inventorySkew(ctx context.Context, tc *TickContext) {
	if tc.Quotes.CancelAllRequired || p.Inventory == nil {
		return
	}
	cfg := p.Config()
	ratio := p.Inventory.SkewRatio(tc.Symbol, cfg.TargetInventory)
	delta := ComputeSkewBps(ratio, cfg.KInv, float64(cfg.MaxSkewBps))
	if delta == 0 {
		return
	}
	if tc.Quotes.Bid != nil {
		tc.Quotes.Bid.Price = ShiftByBps(tc.Quotes.Bid.Price, -delta)
	}
	if tc.Quotes.Ask != nil {
		tc.Quotes.Ask.Price = ShiftByBps(tc.Quotes.Ask.Price, -delta)
	}
}
