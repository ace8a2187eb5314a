package event

import (
	"time"

	"github.com/shopspring/decimal"

	"goquant/internal/book"
	"goquant/internal/domain"
)

// Type defines the type of event.
type Type uint16

const (
	EvBookSnapshot Type = iota + 1
	EvBookUpdate
	EvCandle
	EvOrderUpdate
	EvOrderFill
	EvParamsUpdate
	EvSystemHalt
)

// String names the type for logs and metric labels.
func (t Type) String() string {
	switch t {
	case EvBookSnapshot:
		return "book_snapshot"
	case EvBookUpdate:
		return "book_update"
	case EvCandle:
		return "candle"
	case EvOrderUpdate:
		return "order_update"
	case EvOrderFill:
		return "order_fill"
	case EvParamsUpdate:
		return "params_update"
	case EvSystemHalt:
		return "system_halt"
	default:
		return "unknown"
	}
}

// Event is the interface for everything flowing through the engine inbox.
type Event interface {
	GetSeq() uint64
	GetTs() time.Time
	GetType() Type
}

// BaseEvent contains common fields for all events.
type BaseEvent struct {
	Seq uint64    `json:"seq"`
	Ts  time.Time `json:"ts"`
}

func (e BaseEvent) GetSeq() uint64 { return e.Seq }
func (e BaseEvent) GetTs() time.Time { return e.Ts }

// BookSnapshotEvent replaces a symbol's book wholesale.
type BookSnapshotEvent struct {
	BaseEvent
	Symbol       string       `json:"symbol"`
	Bids         []book.Level `json:"bids"`
	Asks         []book.Level `json:"asks"`
	LastUpdateID int64        `json:"last_update_id"`
}

func (e *BookSnapshotEvent) GetType() Type { return EvBookSnapshot }

// BookUpdateEvent is one incremental level change. Size zero removes the
// level. These are the highest-rate events; use the pool.
type BookUpdateEvent struct {
	BaseEvent
	Symbol    string          `json:"symbol"`
	Side      domain.Side     `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	NumOrders int             `json:"num_orders"`
}

func (e *BookUpdateEvent) GetType() Type { return EvBookUpdate }

// CandleEvent carries one OHLCV bar from a kline stream.
type CandleEvent struct {
	BaseEvent
	Candle domain.Candle `json:"candle"`
}

func (e *CandleEvent) GetType() Type { return EvCandle }

// OrderUpdateEvent represents an order status change reported by the venue.
// FilledQuantity and AvgFillPrice are venue-cumulative and authoritative.
type OrderUpdateEvent struct {
	BaseEvent
	ExchangeOrderID string             `json:"exchange_order_id"`
	ClientOrderID   string             `json:"client_order_id"`
	Symbol          string             `json:"symbol"`
	Status          domain.OrderStatus `json:"status"`
	FilledQuantity  decimal.Decimal    `json:"filled_quantity"`
	AvgFillPrice    decimal.Decimal    `json:"avg_fill_price"`
}

func (e *OrderUpdateEvent) GetType() Type { return EvOrderUpdate }

// OrderFillEvent is one incremental execution against an order.
type OrderFillEvent struct {
	BaseEvent
	ExchangeOrderID string          `json:"exchange_order_id"`
	ClientOrderID   string          `json:"client_order_id"`
	Symbol          string          `json:"symbol"`
	FillQuantity    decimal.Decimal `json:"fill_quantity"`
	FillPrice       decimal.Decimal `json:"fill_price"`
}

func (e *OrderFillEvent) GetType() Type { return EvOrderFill }

// SystemHaltEvent stops quoting. Emitted on emergency inventory breaches
// and operator intervention.
type SystemHaltEvent struct {
	BaseEvent
	Reason string `json:"reason"`
}

func (e *SystemHaltEvent) GetType() Type { return EvSystemHalt }
