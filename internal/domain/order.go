package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == Buy || s == Sell
}

// OrderType distinguishes resting limit orders from immediate market orders.
type OrderType string

const (
	Limit  OrderType = "LIMIT"
	Market OrderType = "MARKET"
)

// OrderStatus is the lifecycle state of an order.
//
// PENDING is local-only: the order exists in the store but the venue has not
// acknowledged it yet. SUBMITTED and PARTIALLY_FILLED are live at the venue.
// FILLED, CANCELLED and REJECTED are terminal.
type OrderStatus string

const (
	StatusPending         OrderStatus = "PENDING"
	StatusSubmitted       OrderStatus = "SUBMITTED"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusRejected        OrderStatus = "REJECTED"
)

// IsTerminal reports whether no further transitions are possible.
func (s OrderStatus) IsTerminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

// Order represents a trading order through its whole lifecycle.
type Order struct {
	ClientOrderID   string // assigned locally before submission, never changes
	ExchangeOrderID string // assigned by the venue, empty until acknowledged
	Symbol          string
	Side            Side
	Type            OrderType
	Price           decimal.Decimal // limit price, zero for market orders
	Quantity        decimal.Decimal // requested quantity
	FilledQuantity  decimal.Decimal // cumulative filled quantity
	AvgFillPrice    decimal.Decimal // volume-weighted average fill price
	Status          OrderStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsActive reports whether the order can still change state.
func (o *Order) IsActive() bool {
	return !o.Status.IsTerminal()
}

// RemainingQuantity returns the unfilled portion, never negative.
func (o *Order) RemainingQuantity() decimal.Decimal {
	rem := o.Quantity.Sub(o.FilledQuantity)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}
