package types

import "time"

// PriceLevel is a single bid or ask level in the order book.
type PriceLevel struct {
	Price Price
	Qty   Quantity
}

// BookSnapshot is a point-in-time view of one symbol's order book: best
// bid/ask plus N-level depth, a sequence number, and the two timestamps
// that let a consumer compute staleness (ts_cached is when the MD-Cache
// stored it; ts_recv is when the feed received it from the exchange).
type BookSnapshot struct {
	Symbol   string
	Bids     []PriceLevel // descending by price, best bid first
	Asks     []PriceLevel // ascending by price, best ask first
	Seq      uint64
	TsRecv   time.Time
	TsCached time.Time
}

// BestBid returns the best bid level, or false if the book is empty on that side.
func (b BookSnapshot) BestBid() (PriceLevel, bool) {
	if len(b.Bids) == 0 {
		return PriceLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the best ask level, or false if the book is empty on that side.
func (b BookSnapshot) BestAsk() (PriceLevel, bool) {
	if len(b.Asks) == 0 {
		return PriceLevel{}, false
	}
	return b.Asks[0], true
}

// Mid returns the midpoint of best bid and best ask. ok is false if either
// side of the book is empty (one-sided or empty book).
func (b BookSnapshot) Mid() (Price, bool) {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	if !okBid || !okAsk {
		return Price{}, false
	}
	sum := bid.Price.Add(ask.Price.Decimal)
	return Price{sum.Div(decimalTwo)}, true
}

// AgeMs returns how stale this snapshot is relative to now, in milliseconds.
func (b BookSnapshot) AgeMs(now time.Time) int64 {
	return now.Sub(b.TsCached).Milliseconds()
}
