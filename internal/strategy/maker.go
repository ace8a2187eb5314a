package strategy

import (
	"sync"

	"github.com/shopspring/decimal"

	"goquant/internal/domain"
	"goquant/internal/execution"
	"goquant/internal/inventory"
	"goquant/pkg/quant"
)

// Skewer adjusts a raw quote pair for inventory risk.
// *inventory.Manager satisfies it.
type Skewer interface {
	AdjustQuotes(bid, ask, mid decimal.Decimal) (decimal.Decimal, decimal.Decimal)
}

// rejectLimit is the reject streak that pauses quoting until the operator
// pushes new params.
const rejectLimit = 5

// Maker is the default passive market maker. It rests one quote per side at
// mid plus/minus half the configured spread, shifted by inventory skew and
// snapped to the tick grid, and replaces a quote only once its target price
// drifts past the requote threshold.
type Maker struct {
	mu      sync.RWMutex
	params  Params
	rejects int

	// skew maps symbol to its inventory adjuster. Fixed at construction.
	skew map[string]Skewer
}

// NewMaker builds the maker with validated params. Symbols missing from
// skew quote unskewed.
func NewMaker(params Params, skew map[string]Skewer) (*Maker, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if skew == nil {
		skew = map[string]Skewer{}
	}
	return &Maker{params: params, skew: skew}, nil
}

func (m *Maker) Name() string { return "maker" }

// Params returns a copy of the current tunables.
func (m *Maker) Params() Params {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.params
}

// ValidateParams checks a candidate set without applying it.
func (m *Maker) ValidateParams(p Params) error { return p.Validate() }

// UpdateParams swaps the tunables and clears the reject latch, so a paused
// maker resumes once the operator corrects its params.
func (m *Maker) UpdateParams(p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.params = p
	m.rejects = 0
	m.mu.Unlock()
	return nil
}

// OnOrderUpdate tracks venue rejects. A streak of them means the venue
// keeps refusing our flow, and hammering it further helps nobody.
func (m *Maker) OnOrderUpdate(o domain.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch o.Status {
	case domain.StatusRejected:
		m.rejects++
	case domain.StatusSubmitted, domain.StatusPartiallyFilled, domain.StatusFilled:
		m.rejects = 0
	}
}

// OnOrderFill clears the reject latch. Position tracking lives in the
// inventory manager, not here.
func (m *Maker) OnOrderFill(domain.Order) {
	m.mu.Lock()
	m.rejects = 0
	m.mu.Unlock()
}

// Quote decides the action set for one symbol. It returns nil when the book
// is not ready, when the reject latch is set, or when the resting quotes
// are still within tolerance.
func (m *Maker) Quote(ctx QuoteContext) []Action {
	m.mu.RLock()
	p := m.params
	paused := m.rejects >= rejectLimit
	m.mu.RUnlock()

	if paused {
		return nil
	}

	if ctx.Rebalance.Type == inventory.ActionEmergencyStop {
		if len(ctx.ActiveOrders) == 0 {
			return nil
		}
		return []Action{{Kind: ActCancelAll, Symbol: ctx.Symbol}}
	}

	if !ctx.BestBid.IsPositive() || !ctx.BestAsk.IsPositive() || !ctx.Mid.IsPositive() {
		return nil
	}

	if ctx.Rebalance.Type == inventory.ActionLimit || ctx.Rebalance.Type == inventory.ActionMarket {
		return m.reduce(ctx, p)
	}

	half := quant.BpsOf(ctx.Mid, p.SpreadBps/2)
	bid := ctx.Mid.Sub(half)
	ask := ctx.Mid.Add(half)
	if adj, ok := m.skew[ctx.Symbol]; ok {
		bid, ask = adj.AdjustQuotes(bid, ask, ctx.Mid)
	}
	bid = quant.RoundToTick(bid, p.TickSize, false)
	ask = quant.RoundToTick(ask, p.TickSize, true)
	if bid.GreaterThanOrEqual(ask) {
		// Skew plus rounding collapsed the spread. Sit this cycle out.
		return nil
	}

	var actions []Action
	actions = m.quoteSide(actions, ctx, p, domain.Buy, bid)
	actions = m.quoteSide(actions, ctx, p, domain.Sell, ask)
	return actions
}

// quoteSide reconciles one side against its target price. The first resting
// quote within tolerance survives, every other order on the side is pulled,
// and a fresh quote goes out only below the per-side cap.
func (m *Maker) quoteSide(actions []Action, ctx QuoteContext, p Params, side domain.Side, target decimal.Decimal) []Action {
	resting := 0
	kept := false
	for i := range ctx.ActiveOrders {
		o := &ctx.ActiveOrders[i]
		if o.Side != side || o.Type != domain.Limit {
			continue
		}
		resting++
		if !kept && withinBps(o.Price, target, ctx.Mid, p.RequoteBps) {
			kept = true
			continue
		}
		actions = append(actions, Action{Kind: ActCancel, ClientOrderID: o.ClientOrderID})
	}
	if kept {
		return actions
	}
	if resting >= p.MaxOrdersPerSide {
		// The replacement waits until the cancels above land.
		return actions
	}
	return append(actions, Action{
		Kind: ActSubmit,
		Submit: execution.SubmitRequest{
			Symbol:   ctx.Symbol,
			Side:     side,
			Type:     domain.Limit,
			Price:    target,
			Quantity: p.QuoteSize,
		},
	})
}

// reduce works inventory back inside bounds. Quotes that would grow the
// position are pulled and one reduce order rests on the unwinding side.
func (m *Maker) reduce(ctx QuoteContext, p Params) []Action {
	var actions []Action
	resting := false
	for i := range ctx.ActiveOrders {
		o := &ctx.ActiveOrders[i]
		if o.Side == ctx.Rebalance.Side {
			resting = true
			continue
		}
		actions = append(actions, Action{Kind: ActCancel, ClientOrderID: o.ClientOrderID})
	}
	if resting || !ctx.Rebalance.Quantity.IsPositive() {
		return actions
	}

	req := execution.SubmitRequest{
		Symbol:   ctx.Symbol,
		Side:     ctx.Rebalance.Side,
		Quantity: ctx.Rebalance.Quantity,
	}
	if ctx.Rebalance.Type == inventory.ActionMarket {
		req.Type = domain.Market
	} else {
		req.Type = domain.Limit
		req.Price = m.reducePrice(ctx, p)
	}
	return append(actions, Action{Kind: ActSubmit, Submit: req})
}

// reducePrice joins the touch on the unwinding side so the reduce order
// stays passive: sells rest at the best ask, buys at the best bid.
func (m *Maker) reducePrice(ctx QuoteContext, p Params) decimal.Decimal {
	if ctx.Rebalance.Side == domain.Sell {
		return quant.RoundToTick(ctx.BestAsk, p.TickSize, true)
	}
	return quant.RoundToTick(ctx.BestBid, p.TickSize, false)
}

// withinBps reports whether have is within tol basis points of want,
// measured against ref. Zero tolerance accepts only exact equality.
func withinBps(have, want, ref decimal.Decimal, tol float64) bool {
	if have.Equal(want) {
		return true
	}
	if tol <= 0 || !ref.IsPositive() {
		return false
	}
	return have.Sub(want).Abs().LessThanOrEqual(quant.BpsOf(ref, tol))
}
