package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"goquant/internal/domain"
	"goquant/internal/event"
	"goquant/pkg/quant"
)

// Fill records one simulated execution.
type Fill struct {
	ExchangeOrderID string
	Symbol          string
	Side            domain.Side
	Price           decimal.Decimal
	Quantity        decimal.Decimal
	Ts              time.Time
}

// Paper simulates an execution venue with virtual balances. Market orders
// fill immediately at the mark price; limit orders rest with their funds
// reserved and fill when the mark crosses them. Fills and cancels are
// reported through the event sink exactly like a live venue's user stream.
type Paper struct {
	mu         sync.Mutex
	log        *zap.Logger
	balances   *domain.BalanceBook
	orders     map[string]*domain.Order // by exchange order id
	byClientID map[string]string        // client order id -> exchange order id
	positions  map[string]*domain.Position
	marks      map[string]decimal.Decimal
	fills      []Fill
	events     chan<- event.Event
	outbox     []event.Event
	seq        uint64
}

// NewPaper creates an empty paper venue. Fund it with Deposit and feed it
// prices with UpdatePrice.
func NewPaper(log *zap.Logger) *Paper {
	return &Paper{
		log:        log,
		balances:   domain.NewBalanceBook(),
		orders:     make(map[string]*domain.Order),
		byClientID: make(map[string]string),
		positions:  make(map[string]*domain.Position),
		marks:      make(map[string]decimal.Decimal),
	}
}

// SetEvents routes venue events (fills, cancels) into ch. Wire a buffered
// channel forwarded into the engine inbox rather than the inbox itself: a
// submit dispatched from the engine loop can fill synchronously, and its
// event must not wait on that same loop. Call before trading starts.
func (p *Paper) SetEvents(ch chan<- event.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = ch
}

// Deposit adds funds to the virtual account.
func (p *Paper) Deposit(asset string, qty decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balances.Get(asset).Credit(qty)
}

// UpdatePrice moves the mark price and fills any resting limit orders the
// new price crosses.
func (p *Paper) UpdatePrice(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	p.marks[symbol] = price
	for _, o := range p.orders {
		if o.Symbol != symbol || o.Type != domain.Limit || o.Status.IsTerminal() {
			continue
		}
		crossed := (o.Side == domain.Buy && price.LessThanOrEqual(o.Price)) ||
			(o.Side == domain.Sell && price.GreaterThanOrEqual(o.Price))
		if crossed {
			p.fillLocked(o, o.Price)
		}
	}
	out, sink := p.drainLocked()
	p.mu.Unlock()
	send(sink, out)
}

// SubmitOrder implements domain.Exchange. Business rejections (unknown
// symbol, missing mark, insufficient funds) come back as a REJECTED ack,
// not an error; errors mean the request never took effect.
func (p *Paper) SubmitOrder(_ context.Context, req domain.OrderRequest) (domain.OrderAck, error) {
	p.mu.Lock()
	ack, err := p.submitLocked(req)
	out, sink := p.drainLocked()
	p.mu.Unlock()
	send(sink, out)
	return ack, err
}

func (p *Paper) submitLocked(req domain.OrderRequest) (domain.OrderAck, error) {
	if req.ClientOrderID != "" {
		if _, dup := p.byClientID[req.ClientOrderID]; dup {
			return domain.OrderAck{}, fmt.Errorf("duplicate client order id %s", req.ClientOrderID)
		}
	}
	base, quote := domain.SplitSymbol(req.Symbol)
	if base == "" {
		return domain.OrderAck{}, fmt.Errorf("cannot parse symbol %q", req.Symbol)
	}

	now := time.Now()
	o := &domain.Order{
		ClientOrderID:   req.ClientOrderID,
		ExchangeOrderID: uuid.NewString(),
		Symbol:          req.Symbol,
		Side:            req.Side,
		Type:            req.Type,
		Price:           req.Price,
		Quantity:        req.Quantity,
		Status:          domain.StatusSubmitted,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	reject := func(reason string) (domain.OrderAck, error) {
		o.Status = domain.StatusRejected
		p.indexLocked(o)
		p.log.Info("paper order rejected",
			zap.String("exchange_order_id", o.ExchangeOrderID),
			zap.String("symbol", o.Symbol),
			zap.String("reason", reason))
		return domain.OrderAck{ExchangeOrderID: o.ExchangeOrderID, Status: domain.StatusRejected}, nil
	}

	switch req.Type {
	case domain.Market:
		mark, ok := p.marks[req.Symbol]
		if !ok {
			return reject("no mark price")
		}
		if req.Side == domain.Buy {
			if p.balances.Get(quote).Available().LessThan(mark.Mul(req.Quantity)) {
				return reject("insufficient " + quote)
			}
		} else {
			if p.balances.Get(base).Available().LessThan(req.Quantity) {
				return reject("insufficient " + base)
			}
		}
		p.indexLocked(o)
		p.fillLocked(o, mark)

	case domain.Limit:
		if !req.Price.IsPositive() {
			return reject("non-positive limit price")
		}
		if req.Side == domain.Buy {
			cost := req.Price.Mul(req.Quantity)
			if p.balances.Get(quote).Available().LessThan(cost) {
				return reject("insufficient " + quote)
			}
			p.balances.Get(quote).Reserve(cost)
		} else {
			if p.balances.Get(base).Available().LessThan(req.Quantity) {
				return reject("insufficient " + base)
			}
			p.balances.Get(base).Reserve(req.Quantity)
		}
		p.indexLocked(o)

		// A limit already through the mark fills on arrival.
		if mark, ok := p.marks[req.Symbol]; ok {
			crossed := (req.Side == domain.Buy && mark.LessThanOrEqual(req.Price)) ||
				(req.Side == domain.Sell && mark.GreaterThanOrEqual(req.Price))
			if crossed {
				p.fillLocked(o, req.Price)
			}
		}

	default:
		return reject("unsupported order type " + string(req.Type))
	}

	return domain.OrderAck{ExchangeOrderID: o.ExchangeOrderID, Status: o.Status}, nil
}

func (p *Paper) indexLocked(o *domain.Order) {
	p.orders[o.ExchangeOrderID] = o
	if o.ClientOrderID != "" {
		p.byClientID[o.ClientOrderID] = o.ExchangeOrderID
	}
}

// fillLocked executes the order's full remaining quantity at price: moves
// balances, updates the position, records the fill, emits the fill event.
func (p *Paper) fillLocked(o *domain.Order, price decimal.Decimal) {
	qty := o.RemainingQuantity()
	if !qty.IsPositive() {
		return
	}
	base, quote := domain.SplitSymbol(o.Symbol)
	cost := price.Mul(qty)

	if o.Type == domain.Limit {
		if o.Side == domain.Buy {
			p.balances.Get(quote).Release(o.Price.Mul(qty))
		} else {
			p.balances.Get(base).Release(qty)
		}
	}
	if o.Side == domain.Buy {
		p.balances.Get(quote).Debit(cost)
		p.balances.Get(base).Credit(qty)
	} else {
		p.balances.Get(base).Debit(qty)
		p.balances.Get(quote).Credit(cost)
	}
	p.balances.VerifyAll()

	oldFilled := o.FilledQuantity
	newFilled := oldFilled.Add(qty)
	o.AvgFillPrice = o.AvgFillPrice.Mul(oldFilled).Add(cost).Div(newFilled)
	o.FilledQuantity = newFilled
	o.Status = domain.StatusFilled
	o.UpdatedAt = time.Now()

	p.applyPositionLocked(o.Symbol, o.Side, price, qty)
	p.fills = append(p.fills, Fill{
		ExchangeOrderID: o.ExchangeOrderID,
		Symbol:          o.Symbol,
		Side:            o.Side,
		Price:           price,
		Quantity:        qty,
		Ts:              o.UpdatedAt,
	})

	p.log.Info("paper fill",
		zap.String("exchange_order_id", o.ExchangeOrderID),
		zap.String("symbol", o.Symbol),
		zap.String("side", string(o.Side)),
		zap.String("price", price.String()),
		zap.String("quantity", qty.String()))

	p.queueLocked(&event.OrderFillEvent{
		BaseEvent:       event.BaseEvent{Seq: quant.NextSeq(&p.seq), Ts: o.UpdatedAt},
		ExchangeOrderID: o.ExchangeOrderID,
		ClientOrderID:   o.ClientOrderID,
		Symbol:          o.Symbol,
		FillQuantity:    qty,
		FillPrice:       price,
	})
}

func (p *Paper) applyPositionLocked(symbol string, side domain.Side, price, qty decimal.Decimal) {
	pos, ok := p.positions[symbol]
	if !ok {
		pos = &domain.Position{Symbol: symbol}
		p.positions[symbol] = pos
	}

	signed := qty
	if side == domain.Sell {
		signed = qty.Neg()
	}

	sameDirection := pos.Quantity.IsZero() ||
		(pos.Quantity.IsPositive() && side == domain.Buy) ||
		(pos.Quantity.IsNegative() && side == domain.Sell)
	if sameDirection {
		oldAbs := pos.Quantity.Abs()
		newAbs := oldAbs.Add(qty)
		pos.AvgEntryPrice = pos.AvgEntryPrice.Mul(oldAbs).Add(price.Mul(qty)).Div(newAbs)
		pos.Quantity = pos.Quantity.Add(signed)
		return
	}

	reduce := decimal.Min(pos.Quantity.Abs(), qty)
	if pos.Quantity.IsPositive() {
		pos.RealizedPnL = pos.RealizedPnL.Add(price.Sub(pos.AvgEntryPrice).Mul(reduce))
	} else {
		pos.RealizedPnL = pos.RealizedPnL.Add(pos.AvgEntryPrice.Sub(price).Mul(reduce))
	}
	pos.Quantity = pos.Quantity.Add(signed)
	if pos.Quantity.IsZero() {
		pos.AvgEntryPrice = decimal.Zero
	} else if qty.GreaterThan(reduce) {
		// Flipped through flat; the remainder opens at the fill price.
		pos.AvgEntryPrice = price
	}
}

func (p *Paper) queueLocked(ev event.Event) {
	if p.events != nil {
		p.outbox = append(p.outbox, ev)
	}
}

// drainLocked hands back queued events and the sink. Callers send after
// releasing the venue lock so a slow consumer cannot stall fills.
func (p *Paper) drainLocked() ([]event.Event, chan<- event.Event) {
	out := p.outbox
	p.outbox = nil
	return out, p.events
}

func send(sink chan<- event.Event, evs []event.Event) {
	for _, ev := range evs {
		sink <- ev
	}
}

// CancelOrder implements domain.Exchange.
func (p *Paper) CancelOrder(_ context.Context, _ string, exchangeOrderID string) error {
	p.mu.Lock()
	o, ok := p.orders[exchangeOrderID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("order not found: %s", exchangeOrderID)
	}
	if o.Status.IsTerminal() {
		p.mu.Unlock()
		return fmt.Errorf("cannot cancel %s order %s", o.Status, exchangeOrderID)
	}
	p.cancelLocked(o)
	out, sink := p.drainLocked()
	p.mu.Unlock()
	send(sink, out)
	return nil
}

func (p *Paper) cancelLocked(o *domain.Order) {
	if o.Type == domain.Limit {
		base, quote := domain.SplitSymbol(o.Symbol)
		if o.Side == domain.Buy {
			p.balances.Get(quote).Release(o.Price.Mul(o.RemainingQuantity()))
		} else {
			p.balances.Get(base).Release(o.RemainingQuantity())
		}
	}
	o.Status = domain.StatusCancelled
	o.UpdatedAt = time.Now()

	p.log.Info("paper order cancelled",
		zap.String("exchange_order_id", o.ExchangeOrderID),
		zap.String("symbol", o.Symbol))

	p.queueLocked(&event.OrderUpdateEvent{
		BaseEvent:       event.BaseEvent{Seq: quant.NextSeq(&p.seq), Ts: o.UpdatedAt},
		ExchangeOrderID: o.ExchangeOrderID,
		ClientOrderID:   o.ClientOrderID,
		Symbol:          o.Symbol,
		Status:          domain.StatusCancelled,
		FilledQuantity:  o.FilledQuantity,
		AvgFillPrice:    o.AvgFillPrice,
	})
}

// CancelAllOrders implements domain.Exchange. An empty symbol cancels
// everything.
func (p *Paper) CancelAllOrders(_ context.Context, symbol string) (int, error) {
	p.mu.Lock()
	count := 0
	for _, o := range p.orders {
		if o.Status.IsTerminal() {
			continue
		}
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		p.cancelLocked(o)
		count++
	}
	out, sink := p.drainLocked()
	p.mu.Unlock()
	send(sink, out)
	return count, nil
}

// GetOpenOrders implements domain.Exchange.
func (p *Paper) GetOpenOrders(_ context.Context, symbol string) ([]domain.OrderState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.OrderState
	for _, o := range p.orders {
		if o.Status.IsTerminal() {
			continue
		}
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		out = append(out, toOrderState(o))
	}
	return out, nil
}

// GetOrder implements domain.Exchange.
func (p *Paper) GetOrder(_ context.Context, _ string, exchangeOrderID, clientOrderID string) (domain.OrderState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := exchangeOrderID
	if id == "" {
		id = p.byClientID[clientOrderID]
	}
	o, ok := p.orders[id]
	if !ok {
		return domain.OrderState{}, fmt.Errorf("%w: %q/%q", domain.ErrOrderUnknown, exchangeOrderID, clientOrderID)
	}
	return toOrderState(o), nil
}

func toOrderState(o *domain.Order) domain.OrderState {
	return domain.OrderState{
		ExchangeOrderID: o.ExchangeOrderID,
		ClientOrderID:   o.ClientOrderID,
		Status:          o.Status,
		FilledQuantity:  o.FilledQuantity,
		AvgFillPrice:    o.AvgFillPrice,
		UpdatedAt:       o.UpdatedAt,
	}
}

// GetBalances implements domain.Exchange.
func (p *Paper) GetBalances(_ context.Context) ([]domain.Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balances.Snapshot(), nil
}

// GetPositions implements domain.Exchange.
func (p *Paper) GetPositions(_ context.Context) ([]domain.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	return out, nil
}

// GetDepth implements domain.Exchange. The paper venue carries no market
// data; depth comes from the live public feed even in paper mode.
func (p *Paper) GetDepth(_ context.Context, symbol string, _ int) (domain.DepthSnapshot, error) {
	return domain.DepthSnapshot{}, fmt.Errorf("paper venue has no depth for %s", symbol)
}

// GetFills returns all executed fills.
func (p *Paper) GetFills() []Fill {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Fill, len(p.fills))
	copy(out, p.fills)
	return out
}

// Equity values the whole account in the quote asset at current marks.
// Assets without a mark are skipped.
func (p *Paper) Equity(quote string) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := decimal.Zero
	for _, b := range p.balances.Snapshot() {
		if b.Asset == quote {
			total = total.Add(b.Amount)
			continue
		}
		if mark, ok := p.marks[b.Asset+quote]; ok {
			total = total.Add(b.Amount.Mul(mark))
		}
	}
	return total
}

// Close implements domain.Exchange.
func (p *Paper) Close() error {
	return nil
}
