// Package types defines the shared vocabulary used across all packages:
// symbols, fixed-precision price/quantity, orders, book snapshots, quote
// targets, and guard/circuit state. It has no dependency on internal
// packages, so it can be imported by any layer.
package types

import "github.com/shopspring/decimal"

var decimalTwo = decimal.NewFromInt(2)

// Price is a fixed-precision price. All arithmetic is exact to the symbol's
// tick size; rounding is always explicit and biased toward "no worse for us".
type Price struct{ decimal.Decimal }

// Quantity is a fixed-precision order quantity, exact to the symbol's lot size.
type Quantity struct{ decimal.Decimal }

func NewPrice(v string) (Price, error) {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return Price{}, err
	}
	return Price{d}, nil
}

func NewQuantity(v string) (Quantity, error) {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return Quantity{}, err
	}
	return Quantity{d}, nil
}

func PriceFromFloat(v float64) Price       { return Price{decimal.NewFromFloat(v)} }
func QuantityFromFloat(v float64) Quantity { return Quantity{decimal.NewFromFloat(v)} }

// RoundDownToTick rounds a price down to the nearest tick — the biased
// direction for a bid (never pay more than we intended).
func RoundDownToTick(p Price, tick Price) Price {
	return Price{floorToStep(p.Decimal, tick.Decimal)}
}

// RoundUpToTick rounds a price up to the nearest tick — the biased direction
// for an ask (never sell for less than we intended).
func RoundUpToTick(p Price, tick Price) Price {
	return Price{ceilToStep(p.Decimal, tick.Decimal)}
}

// RoundDownToLot rounds a quantity down to the nearest lot size — sizes only
// ever shrink to satisfy an exchange constraint, never grow silently.
func RoundDownToLot(q Quantity, lot Quantity) Quantity {
	return Quantity{floorToStep(q.Decimal, lot.Decimal)}
}

func floorToStep(v, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return v
	}
	units := v.Div(step).Floor()
	return units.Mul(step)
}

func ceilToStep(v, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return v
	}
	units := v.Div(step).Ceil()
	return units.Mul(step)
}
