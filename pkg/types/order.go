package types

import "time"

// Side is the direction of an order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderState is the lifecycle state of an order. Terminal states are sticky:
// once filled, canceled, or rejected, an order never transitions again.
type OrderState string

const (
	StatePending         OrderState = "pending"
	StateOpen            OrderState = "open"
	StatePartiallyFilled OrderState = "partially_filled"
	StateFilled          OrderState = "filled"
	StateCanceled        OrderState = "canceled"
	StateRejected        OrderState = "rejected"
)

// Terminal reports whether the state is one of the sticky terminal states.
func (s OrderState) Terminal() bool {
	switch s {
	case StateFilled, StateCanceled, StateRejected:
		return true
	default:
		return false
	}
}

// Order is the canonical representation of an intended or live order.
// ClientOrderID is the idempotency key and is unique per order.
type Order struct {
	ClientOrderID   string     `json:"client_order_id"`
	ExchangeOrderID string     `json:"exchange_order_id,omitempty"`
	Symbol          string     `json:"symbol"`
	Side            Side       `json:"side"`
	Price           Price      `json:"price"`
	Qty             Quantity   `json:"qty"`
	FilledQty       Quantity   `json:"filled_qty"`
	AvgFillPrice    Price      `json:"avg_fill_price"`
	State           OrderState `json:"state"`
	CreatedTs       time.Time  `json:"created_ts"`
	UpdatedTs       time.Time  `json:"updated_ts"`
	TimeInBookMs    int64      `json:"time_in_book_ms"`
}

// QuoteTarget is the desired (symbol, side, price, qty) the pipeline wants
// live this tick. A nil target for a side means "no order wanted" (none).
type QuoteTarget struct {
	Symbol string
	Side   Side
	Price  Price
	Qty    Quantity
}

// QuoteSet is the full desired quote set for one symbol for one tick.
// Either side may be nil, meaning that side should have no live order.
type QuoteSet struct {
	Symbol            string
	Bid               *QuoteTarget
	Ask               *QuoteTarget
	GeneratedAt       time.Time
	CancelAllRequired bool // set by the Guards stage on a HARD level
	SoftGuard         bool // set on SOFT: no new placements, exposure-reducing amends only
}

// Fill records a single execution against an order.
type Fill struct {
	ClientOrderID  string
	ExchangeFillID string
	Symbol         string
	Side           Side
	Price          Price
	Qty            Quantity
	Seq            uint64
	Ts             time.Time
}
