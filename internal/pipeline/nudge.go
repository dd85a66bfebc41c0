package pipeline

import "context"

// queueAware is stage 5: nudge each live target price by at most one tick
// toward the touch when queue absorption at that level looks unfavorable,
// never crossing the opposite side of the book.
func (p *Pipeline) queueAware(ctx context.Context, tc *TickContext) {
	if tc.Quotes.CancelAllRequired || p.Queue == nil {
		return
	}
	maxTicks := p.Config().QueueNudgeTicks
	if maxTicks <= 0 {
		maxTicks = 1
	}

	if tc.Quotes.Bid != nil {
		ticks := clampTick(p.Queue.Nudge(tc.Symbol, tc.Quotes.Bid.Side, tc.Now), maxTicks)
		if ask, ok := tc.Book.BestAsk(); ok {
			ap := ask.Price
			tc.Quotes.Bid.Price = ApplyNudge(tc.Quotes.Bid.Price, tc.Quotes.Bid.Side, ticks, tc.Filters.TickSize, &ap)
		} else {
			tc.Quotes.Bid.Price = ApplyNudge(tc.Quotes.Bid.Price, tc.Quotes.Bid.Side, ticks, tc.Filters.TickSize, nil)
		}
	}
	if tc.Quotes.Ask != nil {
		ticks := clampTick(p.Queue.Nudge(tc.Symbol, tc.Quotes.Ask.Side, tc.Now), maxTicks)
		if bid, ok := tc.Book.BestBid(); ok {
			bp := bid.Price
			tc.Quotes.Ask.Price = ApplyNudge(tc.Quotes.Ask.Price, tc.Quotes.Ask.Side, ticks, tc.Filters.TickSize, &bp)
		} else {
			tc.Quotes.Ask.Price = ApplyNudge(tc.Quotes.Ask.Price, tc.Quotes.Ask.Side, ticks, tc.Filters.TickSize, nil)
		}
	}
}

// clampTick bounds the raw nudge to [0, maxTicks], the configured per-tick
// ceiling on how far queue-awareness may move a quote in one tick.
func clampTick(ticks, maxTicks int) int {
	if ticks > maxTicks {
		return maxTicks
	}
	if ticks < 0 {
		return 0
	}
	return ticks
}
