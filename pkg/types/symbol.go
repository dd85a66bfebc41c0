package types

import "time"

// FilterSource records where a symbol's filters came from, for observability.
type FilterSource string

const (
	FilterFetched FilterSource = "fetched"
	FilterCached  FilterSource = "cached"
	FilterDefault FilterSource = "default"
)

// SymbolFilters are the static trading constraints for a symbol: tick size,
// lot size, and minimum notional. Fetched from the exchange once and cached.
type SymbolFilters struct {
	Symbol      string
	TickSize    Price
	LotSize     Quantity
	MinNotional Price
	Source      FilterSource
	FetchedAt   time.Time
}
