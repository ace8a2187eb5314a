// Package strategy defines the quoting contract the engine drives and the
// default market-making implementation. A strategy is a pure decision layer:
// it reads a QuoteContext snapshot and returns actions for the execution
// manager, never touching the venue itself.
package strategy

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"goquant/internal/domain"
	"goquant/internal/execution"
	"goquant/internal/inventory"
)

// ActionKind tells the engine how to dispatch an Action.
type ActionKind string

const (
	ActSubmit    ActionKind = "submit"
	ActCancel    ActionKind = "cancel"
	ActCancelAll ActionKind = "cancel_all"
)

// Action is one instruction for the execution layer. Submit is read for
// ActSubmit, ClientOrderID for ActCancel, Symbol for ActCancelAll.
type Action struct {
	Kind          ActionKind
	Submit        execution.SubmitRequest
	ClientOrderID string
	Symbol        string
}

// ErrParams marks a rejected parameter set.
var ErrParams = errors.New("invalid strategy params")

// Params are the runtime quoting tunables. The engine applies updates at a
// safe point between events, so a strategy never sees a half-applied set.
type Params struct {
	// SpreadBps is the full quoted spread in basis points; each side rests
	// half of it away from mid.
	SpreadBps float64

	// QuoteSize is the base quantity of each quote.
	QuoteSize decimal.Decimal

	// RequoteBps is how far, in basis points of mid, the target price may
	// drift from a resting quote before the quote is replaced. Zero
	// replaces on any drift.
	RequoteBps float64

	// MaxOrdersPerSide caps resting orders per side, counting orders whose
	// cancel is still in flight. At the cap a replacement waits for the
	// next cycle instead of stacking.
	MaxOrdersPerSide int

	// TickSize is the venue price grid. Zero disables rounding.
	TickSize decimal.Decimal
}

// Validate fails on parameters no strategy can quote with.
func (p Params) Validate() error {
	if p.SpreadBps <= 0 {
		return fmt.Errorf("%w: spread %v bps", ErrParams, p.SpreadBps)
	}
	if !p.QuoteSize.IsPositive() {
		return fmt.Errorf("%w: quote size %s", ErrParams, p.QuoteSize)
	}
	if p.RequoteBps < 0 {
		return fmt.Errorf("%w: requote threshold %v bps", ErrParams, p.RequoteBps)
	}
	if p.MaxOrdersPerSide < 1 {
		return fmt.Errorf("%w: max orders per side %d", ErrParams, p.MaxOrdersPerSide)
	}
	if p.TickSize.IsNegative() {
		return fmt.Errorf("%w: tick size %s", ErrParams, p.TickSize)
	}
	return nil
}

// QuoteContext is the snapshot a strategy decides on. The engine assembles
// it from the order book, the inventory manager and the order store.
type QuoteContext struct {
	Symbol  string
	BestBid decimal.Decimal
	BestAsk decimal.Decimal
	Mid     decimal.Decimal

	// Skew is the shaped inventory ratio in [-1, 1].
	Skew float64

	// Rebalance is the inventory manager's current recommendation.
	Rebalance inventory.Action

	// ActiveOrders are this symbol's non-terminal orders, pending included.
	ActiveOrders []domain.Order

	Ts time.Time
}

// Strategy is the decision contract the engine drives.
//
// Quote and UpdateParams run on the engine goroutine. OnOrderUpdate and
// OnOrderFill fire from whichever goroutine lands the order change (engine
// loop, action dispatcher or reconciler), so implementations guard their
// state. ValidateParams must be safe to call from any goroutine.
type Strategy interface {
	Name() string
	Quote(QuoteContext) []Action
	OnOrderUpdate(domain.Order)
	OnOrderFill(domain.Order)
	UpdateParams(Params) error
	ValidateParams(Params) error
	Params() Params
}
