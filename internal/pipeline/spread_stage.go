package pipeline

import (
	"context"

	"marketmaker/pkg/types"
)

// spread is stage 2: compose the bounded spread width from volatility,
// liquidity, latency, and PnL-deviation scores, then produce target
// bid/ask quotes centered on mid. Handles the one-sided-book edge case by
// emitting only the defined side with a widened spread.
func (p *Pipeline) spread(ctx context.Context, tc *TickContext) {
	cfg := p.Config()
	sig := SpreadSignals{}
	if p.Signals != nil {
		sig.VolScore = p.Signals.VolScore(tc.Symbol)
		sig.LiquidityScore = p.Signals.LiquidityScore(tc.Book)
		sig.LatencyScore = p.Signals.LatencyScoreEMA(tc.Symbol)
		sig.PnlDevScore = p.Signals.PnlDeviationScore(tc.Symbol)
	}
	tc.SpreadBps = ComputeSpreadBps(sig, cfg)

	mid, ok := tc.Book.Mid()
	if !ok {
		// One-sided or empty book: quote only the defined side, widened.
		widened := tc.SpreadBps * 2
		if bid, hasBid := tc.Book.BestBid(); hasBid {
			px := types.RoundDownToTick(ShiftByBps(bid.Price, -widened), tc.Filters.TickSize)
			tc.Quotes = types.QuoteSet{Symbol: tc.Symbol, GeneratedAt: tc.Now,
				Bid: &types.QuoteTarget{Symbol: tc.Symbol, Side: types.Buy, Price: px, Qty: sizeFromNotional(cfg.OrderSizeUSD, px)}}
			return
		}
		if ask, hasAsk := tc.Book.BestAsk(); hasAsk {
			px := types.RoundUpToTick(ShiftByBps(ask.Price, widened), tc.Filters.TickSize)
			tc.Quotes = types.QuoteSet{Symbol: tc.Symbol, GeneratedAt: tc.Now,
				Ask: &types.QuoteTarget{Symbol: tc.Symbol, Side: types.Sell, Price: px, Qty: sizeFromNotional(cfg.OrderSizeUSD, px)}}
			return
		}
		tc.Quotes = types.QuoteSet{Symbol: tc.Symbol, GeneratedAt: tc.Now}
		return
	}

	bidPx, askPx := QuotesAroundMid(mid, tc.SpreadBps)
	bidPx = types.RoundDownToTick(bidPx, tc.Filters.TickSize)
	askPx = types.RoundUpToTick(askPx, tc.Filters.TickSize)

	// Self-crossed same-tick rounding: widen by one tick on each side.
	if !bidPx.Decimal.LessThan(askPx.Decimal) {
		bidPx = types.Price{Decimal: bidPx.Decimal.Sub(tc.Filters.TickSize.Decimal)}
		askPx = types.Price{Decimal: askPx.Decimal.Add(tc.Filters.TickSize.Decimal)}
	}

	qty := sizeFromNotional(cfg.OrderSizeUSD, mid)
	tc.Quotes = types.QuoteSet{
		Symbol:      tc.Symbol,
		GeneratedAt: tc.Now,
		Bid:         &types.QuoteTarget{Symbol: tc.Symbol, Side: types.Buy, Price: bidPx, Qty: qty},
		Ask:         &types.QuoteTarget{Symbol: tc.Symbol, Side: types.Sell, Price: askPx, Qty: qty},
	}
}

// sizeFromNotional converts the configured per-order notional into base
// units at the given reference price. Lot rounding happens in the writer's
// pre-trade filter pass.
func sizeFromNotional(notionalUSD float64, px types.Price) types.Quantity {
	if px.Decimal.IsZero() {
		return types.Quantity{}
	}
	n := types.PriceFromFloat(notionalUSD)
	return types.Quantity{Decimal: n.Decimal.Div(px.Decimal)}
}
