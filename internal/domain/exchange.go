package domain

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrOrderUnknown is returned by venue order queries when the venue has no
// record of the order.
var ErrOrderUnknown = errors.New("order unknown to venue")

// OrderRequest is what gets sent to a venue.
type OrderRequest struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Price         decimal.Decimal // ignored for market orders
	Quantity      decimal.Decimal
	ClientOrderID string
}

// OrderAck is the venue's acknowledgement of a submitted order.
type OrderAck struct {
	ExchangeOrderID string
	Status          OrderStatus
}

// OrderState is the venue's view of an order, used for reconciliation.
type OrderState struct {
	ExchangeOrderID string
	ClientOrderID   string
	Status          OrderStatus
	FilledQuantity  decimal.Decimal
	AvgFillPrice    decimal.Decimal
	UpdatedAt       time.Time
}

// PriceLevel is one aggregated [price, size] pair in a depth snapshot.
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// DepthSnapshot is a venue order-book snapshot, best-first on both sides.
type DepthSnapshot struct {
	Symbol       string
	Bids         []PriceLevel
	Asks         []PriceLevel
	LastUpdateID int64
	Ts           time.Time
}

// Exchange is the contract an execution venue must satisfy.
// It abstracts away the difference between paper trading and a live venue.
type Exchange interface {
	// SubmitOrder places an order and returns the venue's acknowledgement.
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderAck, error)

	// CancelOrder cancels a single acknowledged order.
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error

	// CancelAllOrders cancels every open order for symbol and returns how
	// many the venue reported cancelled.
	CancelAllOrders(ctx context.Context, symbol string) (int, error)

	// GetOpenOrders lists orders currently open at the venue.
	GetOpenOrders(ctx context.Context, symbol string) ([]OrderState, error)

	// GetOrder fetches one order by exchange id or, when that is empty,
	// by client order id.
	GetOrder(ctx context.Context, symbol, exchangeOrderID, clientOrderID string) (OrderState, error)

	// GetBalances returns the account's asset balances.
	GetBalances(ctx context.Context) ([]Balance, error)

	// GetPositions returns the account's net holdings.
	GetPositions(ctx context.Context) ([]Position, error)

	// GetDepth fetches an order-book snapshot for symbol.
	GetDepth(ctx context.Context, symbol string, limit int) (DepthSnapshot, error)

	// Close cleans up resources and wipes secrets.
	Close() error
}
