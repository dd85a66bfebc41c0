package pipeline

import (
	"context"

	"marketmaker/internal/mdcache"
)

// fetchMD is stage 1: read the MD-Cache with fresh_for_pricing, recording
// hit kind, age, and whether a stale read was used.
func (p *Pipeline) fetchMD(ctx context.Context, tc *TickContext) {
	res := p.Cache.Get(ctx, tc.Symbol, mdcache.FreshForPricing)
	tc.Book = res.Snapshot
	tc.CacheHit = res.Hit
	tc.CacheAgeMs = res.AgeMs
	tc.UsedStale = res.UsedStale
}
