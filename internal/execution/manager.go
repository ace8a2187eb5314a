package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"goquant/internal/domain"
	"goquant/internal/event"
	"goquant/internal/inventory"
	"goquant/internal/metrics"
)

// SubmitRequest describes an order to place.
type SubmitRequest struct {
	Symbol   string
	Side     domain.Side
	Type     domain.OrderType
	Price    decimal.Decimal // required for limit, ignored for market
	Quantity decimal.Decimal
}

func (r *SubmitRequest) validate() error {
	if r.Symbol == "" {
		return fmt.Errorf("%w: empty symbol", ErrValidation)
	}
	if !r.Side.Valid() {
		return fmt.Errorf("%w: side %q", ErrValidation, r.Side)
	}
	if r.Type != domain.Limit && r.Type != domain.Market {
		return fmt.Errorf("%w: type %q", ErrValidation, r.Type)
	}
	if !r.Quantity.IsPositive() {
		return fmt.Errorf("%w: quantity %s", ErrValidation, r.Quantity)
	}
	if r.Type == domain.Limit && !r.Price.IsPositive() {
		return fmt.Errorf("%w: limit order needs a positive price", ErrValidation)
	}
	return nil
}

// ManagerConfig tunes the order manager.
type ManagerConfig struct {
	IDPrefix       string        // client order id prefix, default "gq"
	RequestTimeout time.Duration // per venue call, default 10s
}

// Manager drives orders through their lifecycle: it pre-stores them, talks
// to the venue, and folds venue events back into the store and inventory.
//
// One mutex covers store mutation, client-id generation and the inventory
// update belonging to a fill, so each event lands as a single atomic state
// change. Venue calls never happen under that mutex, and callbacks fire
// after it is released.
type Manager struct {
	store       *Store
	venue       domain.Exchange
	inventories *inventory.Set
	log         *zap.Logger
	cfg         ManagerConfig

	mu        sync.Mutex
	idCounter uint64

	// OnOrderUpdate fires on every order state change, OnOrderFill on every
	// confirmed fill. Both receive a copy. Set before use, not concurrently.
	OnOrderUpdate func(domain.Order)
	OnOrderFill   func(domain.Order)
}

// NewManager wires a manager. inventories may be nil when inventory
// tracking is not wanted (tooling, tests).
func NewManager(store *Store, venue domain.Exchange, inventories *inventory.Set, log *zap.Logger, cfg ManagerConfig) *Manager {
	if cfg.IDPrefix == "" {
		cfg.IDPrefix = "gq"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	return &Manager{
		store:       store,
		venue:       venue,
		inventories: inventories,
		log:         log,
		cfg:         cfg,
	}
}

// Store exposes the underlying order store for read access.
func (m *Manager) Store() *Store {
	return m.store
}

func (m *Manager) nextClientIDLocked() string {
	m.idCounter++
	return fmt.Sprintf("%s-%d-%d", m.cfg.IDPrefix, time.Now().UnixMilli(), m.idCounter)
}

func (m *Manager) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.cfg.RequestTimeout)
}

// SubmitOrder validates the request, stores the order as PENDING, then
// submits it to the venue. On transport failure the order stays PENDING and
// discoverable, for the reconciler to settle. On acknowledgement the
// exchange id is bound and the order becomes SUBMITTED (or REJECTED). A
// fill reported before the ack wins; the ack then only binds the id.
func (m *Manager) SubmitOrder(ctx context.Context, req SubmitRequest) (domain.Order, error) {
	if err := req.validate(); err != nil {
		metrics.OrdersRejected.WithLabelValues(req.Symbol, "validation").Inc()
		return domain.Order{}, err
	}

	price := req.Price
	if req.Type == domain.Market {
		price = decimal.Zero
	}

	m.mu.Lock()
	id := m.nextClientIDLocked()
	now := time.Now()
	order := domain.Order{
		ClientOrderID: id,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Price:         price,
		Quantity:      req.Quantity,
		Status:        domain.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err := m.store.Add(order)
	m.mu.Unlock()
	if err != nil {
		return domain.Order{}, err
	}

	cctx, cancel := m.callCtx(ctx)
	ack, err := m.venue.SubmitOrder(cctx, domain.OrderRequest{
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Price:         price,
		Quantity:      req.Quantity,
		ClientOrderID: id,
	})
	cancel()
	if err != nil {
		m.log.Warn("order submit failed, left pending for reconciliation",
			zap.String("client_order_id", id),
			zap.String("symbol", req.Symbol),
			zap.Error(err))
		stored, _ := m.store.Get(id)
		return stored, fmt.Errorf("submit %s: %w", id, err)
	}

	status := domain.StatusSubmitted
	if ack.Status == domain.StatusRejected {
		status = domain.StatusRejected
	}

	m.mu.Lock()
	acked := false
	updated, uerr := m.store.Update(id, func(o *domain.Order) {
		if o.ExchangeOrderID == "" {
			o.ExchangeOrderID = ack.ExchangeOrderID
		}
		// A stream fill can beat the ack here; never regress past it.
		if o.Status == domain.StatusPending {
			o.Status = status
			acked = true
		}
	})
	m.mu.Unlock()
	if uerr != nil {
		return domain.Order{}, uerr
	}

	if status == domain.StatusRejected {
		metrics.OrdersRejected.WithLabelValues(req.Symbol, "venue").Inc()
	} else {
		metrics.OrdersSubmitted.WithLabelValues(req.Symbol, string(req.Side)).Inc()
	}
	m.log.Info("order submitted",
		zap.String("client_order_id", id),
		zap.String("exchange_order_id", ack.ExchangeOrderID),
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.String("type", string(req.Type)),
		zap.String("price", price.String()),
		zap.String("quantity", req.Quantity.String()),
		zap.String("status", string(updated.Status)))

	if acked {
		m.notifyUpdate(updated)
	}
	return updated, nil
}

// CancelOrder cancels an active, venue-acknowledged order. The local status
// flips to CANCELLED only once the venue confirms; on failure the order is
// left untouched for the reconciler.
func (m *Manager) CancelOrder(ctx context.Context, clientID string) error {
	o, ok := m.store.Get(clientID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, clientID)
	}
	if !o.IsActive() {
		return fmt.Errorf("%w: %s is %s", ErrInvalidStatus, clientID, o.Status)
	}
	if o.ExchangeOrderID == "" {
		return fmt.Errorf("%w: %s not acknowledged yet", ErrInvalidStatus, clientID)
	}

	cctx, cancel := m.callCtx(ctx)
	err := m.venue.CancelOrder(cctx, o.Symbol, o.ExchangeOrderID)
	cancel()
	if err != nil {
		return fmt.Errorf("cancel %s: %w", clientID, err)
	}

	m.mu.Lock()
	updated, uerr := m.store.Update(clientID, func(x *domain.Order) {
		if !x.Status.IsTerminal() {
			x.Status = domain.StatusCancelled
		}
	})
	m.mu.Unlock()
	if uerr != nil {
		return uerr
	}

	if updated.Status == domain.StatusCancelled {
		metrics.OrdersCancelled.WithLabelValues(updated.Symbol).Inc()
		m.log.Info("order cancelled",
			zap.String("client_order_id", clientID),
			zap.String("symbol", updated.Symbol))
		m.notifyUpdate(updated)
	}
	return nil
}

// CancelAllOrders bulk-cancels at the venue, then marks the matching local
// acknowledged actives CANCELLED. Returns the venue-reported count.
func (m *Manager) CancelAllOrders(ctx context.Context, symbol string) (int, error) {
	if symbol == "" {
		return 0, fmt.Errorf("%w: empty symbol", ErrValidation)
	}

	cctx, cancel := m.callCtx(ctx)
	count, err := m.venue.CancelAllOrders(cctx, symbol)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("cancel all %s: %w", symbol, err)
	}

	var cancelled []domain.Order
	m.mu.Lock()
	for _, o := range m.store.ActiveBySymbol(symbol) {
		if o.ExchangeOrderID == "" {
			continue // not at the venue yet, reconciler's problem
		}
		updated, uerr := m.store.Update(o.ClientOrderID, func(x *domain.Order) {
			if !x.Status.IsTerminal() {
				x.Status = domain.StatusCancelled
			}
		})
		if uerr == nil && updated.Status == domain.StatusCancelled {
			cancelled = append(cancelled, updated)
		}
	}
	m.mu.Unlock()

	for _, o := range cancelled {
		metrics.OrdersCancelled.WithLabelValues(o.Symbol).Inc()
		m.notifyUpdate(o)
	}
	m.log.Info("cancelled all open orders",
		zap.String("symbol", symbol),
		zap.Int("venue_count", count),
		zap.Int("local_count", len(cancelled)))
	return count, nil
}

// RefreshOrderStatus re-queries the venue for one order and overwrites the
// local state with the venue's answer.
func (m *Manager) RefreshOrderStatus(ctx context.Context, clientID string) (domain.Order, error) {
	o, ok := m.store.Get(clientID)
	if !ok {
		return domain.Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, clientID)
	}

	cctx, cancel := m.callCtx(ctx)
	state, err := m.venue.GetOrder(cctx, o.Symbol, o.ExchangeOrderID, o.ClientOrderID)
	cancel()
	if err != nil {
		return o, fmt.Errorf("refresh %s: %w", clientID, err)
	}

	m.mu.Lock()
	updated, uerr := m.store.Update(clientID, func(x *domain.Order) {
		applyVenueState(x, state)
	})
	m.mu.Unlock()
	if uerr != nil {
		return domain.Order{}, uerr
	}

	if updated.Status != o.Status || !updated.FilledQuantity.Equal(o.FilledQuantity) {
		m.log.Info("order state refreshed",
			zap.String("client_order_id", clientID),
			zap.String("from", string(o.Status)),
			zap.String("to", string(updated.Status)))
		m.notifyUpdate(updated)
		if updated.Status == domain.StatusFilled && o.Status != domain.StatusFilled {
			m.notifyFill(updated)
		}
	}
	return updated, nil
}

// HandleOrderUpdate folds a venue status event into the store. The event's
// cumulative quantities are authoritative; inventory is not touched here,
// that belongs to fill events alone.
func (m *Manager) HandleOrderUpdate(ev *event.OrderUpdateEvent) {
	m.mu.Lock()
	o, ok := m.store.Resolve(ev.ExchangeOrderID, ev.ClientOrderID)
	if !ok {
		m.mu.Unlock()
		m.log.Warn("update for unknown order",
			zap.String("exchange_order_id", ev.ExchangeOrderID),
			zap.String("client_order_id", ev.ClientOrderID))
		return
	}

	prev := o.Status
	updated, uerr := m.store.Update(o.ClientOrderID, func(x *domain.Order) {
		if x.ExchangeOrderID == "" && ev.ExchangeOrderID != "" {
			x.ExchangeOrderID = ev.ExchangeOrderID
		}
		// Never fall back from a terminal state on a stale stream event.
		if ev.Status != "" && (!x.Status.IsTerminal() || ev.Status.IsTerminal()) {
			x.Status = ev.Status
		}
		if ev.FilledQuantity.IsPositive() {
			x.FilledQuantity = ev.FilledQuantity
			if ev.AvgFillPrice.IsPositive() {
				x.AvgFillPrice = ev.AvgFillPrice
			}
		}
	})
	m.mu.Unlock()
	if uerr != nil {
		return
	}

	m.notifyUpdate(updated)
	if updated.Status == domain.StatusFilled && prev != domain.StatusFilled {
		m.notifyFill(updated)
	}
}

// HandleOrderFill folds one incremental fill into the store: running
// weighted-average fill price, cumulative quantity, the resulting status,
// and the inventory update, all inside one critical section.
func (m *Manager) HandleOrderFill(ev *event.OrderFillEvent) {
	if !ev.FillQuantity.IsPositive() {
		return
	}

	m.mu.Lock()
	o, ok := m.store.Resolve(ev.ExchangeOrderID, ev.ClientOrderID)
	if !ok {
		m.mu.Unlock()
		m.log.Warn("fill for unknown order",
			zap.String("exchange_order_id", ev.ExchangeOrderID),
			zap.String("client_order_id", ev.ClientOrderID))
		return
	}
	if o.Status.IsTerminal() {
		m.mu.Unlock()
		m.log.Warn("fill for terminal order dropped",
			zap.String("client_order_id", o.ClientOrderID),
			zap.String("status", string(o.Status)))
		return
	}

	updated, uerr := m.store.Update(o.ClientOrderID, func(x *domain.Order) {
		oldFilled := x.FilledQuantity
		newFilled := oldFilled.Add(ev.FillQuantity)
		x.AvgFillPrice = x.AvgFillPrice.Mul(oldFilled).
			Add(ev.FillPrice.Mul(ev.FillQuantity)).
			Div(newFilled)
		x.FilledQuantity = newFilled
		if newFilled.GreaterThanOrEqual(x.Quantity) {
			x.Status = domain.StatusFilled
		} else {
			x.Status = domain.StatusPartiallyFilled
		}
	})
	if uerr != nil {
		m.mu.Unlock()
		return
	}
	if m.inventories != nil {
		m.inventories.GetOrCreate(updated.Symbol).Update(updated.Side, ev.FillQuantity)
	}
	m.mu.Unlock()

	metrics.Fills.WithLabelValues(updated.Symbol, string(updated.Side)).Inc()
	metrics.FillVolume.WithLabelValues(updated.Symbol, string(updated.Side)).
		Add(ev.FillQuantity.InexactFloat64())
	m.log.Info("fill applied",
		zap.String("client_order_id", updated.ClientOrderID),
		zap.String("symbol", updated.Symbol),
		zap.String("side", string(updated.Side)),
		zap.String("fill_price", ev.FillPrice.String()),
		zap.String("fill_quantity", ev.FillQuantity.String()),
		zap.String("avg_fill_price", updated.AvgFillPrice.String()),
		zap.String("status", string(updated.Status)))

	m.notifyFill(updated)
	m.notifyUpdate(updated)
}

// ActiveOrders returns copies of all non-terminal orders.
func (m *Manager) ActiveOrders() []domain.Order {
	return m.store.ActiveOrders()
}

// ActiveBySymbol returns copies of non-terminal orders for one symbol.
func (m *Manager) ActiveBySymbol(symbol string) []domain.Order {
	return m.store.ActiveBySymbol(symbol)
}

// History returns completed orders, newest first.
func (m *Manager) History(symbol string, page, perPage int) []domain.Order {
	return m.store.History(symbol, page, perPage)
}

func (m *Manager) notifyUpdate(o domain.Order) {
	if m.OnOrderUpdate != nil {
		m.OnOrderUpdate(o)
	}
}

func (m *Manager) notifyFill(o domain.Order) {
	if m.OnOrderFill != nil {
		m.OnOrderFill(o)
	}
}

// applyVenueState overwrites local fields with the venue's answer, keeping
// the terminal-state guard.
func applyVenueState(x *domain.Order, state domain.OrderState) {
	if x.ExchangeOrderID == "" && state.ExchangeOrderID != "" {
		x.ExchangeOrderID = state.ExchangeOrderID
	}
	if state.Status != "" && (!x.Status.IsTerminal() || state.Status.IsTerminal()) {
		x.Status = state.Status
	}
	if state.FilledQuantity.IsPositive() {
		x.FilledQuantity = state.FilledQuantity
		if state.AvgFillPrice.IsPositive() {
			x.AvgFillPrice = state.AvgFillPrice
		}
	}
}
