// Package engine is the single-threaded core of the system. One goroutine
// owns the event loop: every book change, candle, order event and params
// update flows through the inbox and mutates state in arrival order, so no
// quote decision can observe half of an in-flight fill. Strategy actions
// leave through a buffered channel consumed by a dispatcher goroutine, which
// keeps venue round trips off the loop.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"goquant/internal/book"
	"goquant/internal/event"
	"goquant/internal/execution"
	"goquant/internal/inventory"
	"goquant/internal/metrics"
	"goquant/internal/storage"
	"goquant/internal/strategy"
)

// ErrInboxFull means the engine is too far behind to take another request.
var ErrInboxFull = errors.New("engine inbox full")

const captureTimeout = 5 * time.Second

// Pricer receives mark prices derived from the book. The paper venue
// implements it to trigger simulated fills; live trading runs without one.
type Pricer interface {
	UpdatePrice(symbol string, price decimal.Decimal)
}

// Config tunes the engine loop.
type Config struct {
	InboxSize     int           // event inbox capacity, default 4096
	ActionBuffer  int           // pending strategy actions, default 256
	QuoteInterval time.Duration // min spacing between quote rounds per symbol, default 1s
	DumpPath      string        // post-mortem state file, default goquant_dump.json
}

func (c Config) withDefaults() Config {
	if c.InboxSize <= 0 {
		c.InboxSize = 4096
	}
	if c.ActionBuffer <= 0 {
		c.ActionBuffer = 256
	}
	if c.QuoteInterval <= 0 {
		c.QuoteInterval = time.Second
	}
	if c.DumpPath == "" {
		c.DumpPath = "goquant_dump.json"
	}
	return c
}

// Deps are the engine's collaborators. Books, Strategy, Orders and
// Inventories are required; the rest are optional.
type Deps struct {
	Books       *book.Manager
	Strategy    strategy.Strategy
	Orders      *execution.Manager
	Inventories *inventory.Set

	Capture   *storage.CaptureStore    // closed-candle capture, nil disables
	Snapshots *storage.SnapshotManager // inventory checkpoints, nil disables
	Pricer    Pricer                   // paper venue marks, nil outside paper mode
}

// Engine runs the event loop. All fields below the channels belong to the
// loop goroutine alone.
type Engine struct {
	cfg  Config
	log  *zap.Logger
	deps Deps

	inbox   chan event.Event
	actions chan strategy.Action
	wg      sync.WaitGroup

	lastSeq    uint64
	lastQuote  map[string]time.Time
	halted     bool
	haltReason string
}

// New wires an engine. It fails fast on missing required collaborators.
func New(deps Deps, cfg Config, log *zap.Logger) (*Engine, error) {
	if deps.Books == nil || deps.Strategy == nil || deps.Orders == nil || deps.Inventories == nil {
		return nil, errors.New("engine needs books, strategy, orders and inventories")
	}
	cfg = cfg.withDefaults()

	// Order lifecycle callbacks feed the strategy no matter which path
	// produced the change: stream event, venue ack or REST reconcile.
	deps.Orders.OnOrderUpdate = deps.Strategy.OnOrderUpdate
	deps.Orders.OnOrderFill = deps.Strategy.OnOrderFill

	return &Engine{
		cfg:       cfg,
		log:       log,
		deps:      deps,
		inbox:     make(chan event.Event, cfg.InboxSize),
		actions:   make(chan strategy.Action, cfg.ActionBuffer),
		lastQuote: make(map[string]time.Time),
	}, nil
}

// Inbox is where workers deliver events.
func (e *Engine) Inbox() chan<- event.Event {
	return e.inbox
}

// paramsEvent carries a validated params set into the loop. The inbox is
// the safe point: the update applies between events, never during one.
type paramsEvent struct {
	event.BaseEvent
	params strategy.Params
}

func (e *paramsEvent) GetType() event.Type { return event.EvParamsUpdate }

// RequestParamsUpdate validates p against the strategy and queues it for
// application at the next safe point. The update is not yet live when this
// returns.
func (e *Engine) RequestParamsUpdate(p strategy.Params) error {
	if err := e.deps.Strategy.ValidateParams(p); err != nil {
		return err
	}
	ev := &paramsEvent{params: p}
	ev.Ts = time.Now()
	select {
	case e.inbox <- ev:
		return nil
	default:
		return ErrInboxFull
	}
}

// Run drives the loop until ctx is cancelled. A panic inside the loop dumps
// engine state and checkpoints inventory before propagating; a clean stop
// checkpoints and waits for the dispatcher to drain.
func (e *Engine) Run(ctx context.Context) error {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("engine loop panic", zap.Any("panic", r))
			e.dumpState()
			e.checkpoint()
			panic(r)
		}
	}()

	e.wg.Add(1)
	go e.dispatchLoop(ctx)

	e.log.Info("engine started",
		zap.String("strategy", e.deps.Strategy.Name()),
		zap.Int("inbox_size", cap(e.inbox)),
		zap.Duration("quote_interval", e.cfg.QuoteInterval))

	for {
		select {
		case <-ctx.Done():
			e.log.Info("engine stopping")
			e.checkpoint()
			e.wg.Wait()
			return nil
		case ev := <-e.inbox:
			e.process(ev)
		}
	}
}

func (e *Engine) process(ev event.Event) {
	if seq := ev.GetSeq(); seq > e.lastSeq {
		e.lastSeq = seq
	}
	metrics.EngineEvents.WithLabelValues(ev.GetType().String()).Inc()

	switch t := ev.(type) {
	case *event.BookSnapshotEvent:
		e.handleBookSnapshot(t)
	case *event.BookUpdateEvent:
		e.handleBookUpdate(t)
	case *event.CandleEvent:
		e.handleCandle(t)
	case *event.OrderUpdateEvent:
		e.deps.Orders.HandleOrderUpdate(t)
		e.maybeQuote(t.Symbol, t.GetTs())
	case *event.OrderFillEvent:
		e.deps.Orders.HandleOrderFill(t)
		e.maybeQuote(t.Symbol, t.GetTs())
	case *paramsEvent:
		e.applyParams(t)
	case *event.SystemHaltEvent:
		e.handleHalt(t)
	default:
		e.log.Warn("event type without a handler", zap.Stringer("type", ev.GetType()))
	}
}

func (e *Engine) handleBookSnapshot(ev *event.BookSnapshotEvent) {
	b := e.deps.Books.GetOrCreate(ev.Symbol)
	b.ApplySnapshot(ev.Bids, ev.Asks, ev.Ts)
	e.afterBookChange(ev.Symbol, b, ev.Ts)
}

func (e *Engine) handleBookUpdate(ev *event.BookUpdateEvent) {
	b := e.deps.Books.GetOrCreate(ev.Symbol)
	err := b.ApplyUpdate(ev.Side, ev.Price, ev.Size, ev.NumOrders, ev.Ts)
	symbol, ts := ev.Symbol, ev.Ts
	event.ReleaseBookUpdateEvent(ev)
	if err != nil {
		e.log.Warn("book update dropped", zap.String("symbol", symbol), zap.Error(err))
		return
	}
	e.afterBookChange(symbol, b, ts)
}

func (e *Engine) afterBookChange(symbol string, b *book.OrderBook, ts time.Time) {
	if e.deps.Pricer != nil {
		if mid, ok := b.MidPrice(); ok {
			e.deps.Pricer.UpdatePrice(symbol, mid)
		}
	}
	e.maybeQuote(symbol, ts)
}

func (e *Engine) handleCandle(ev *event.CandleEvent) {
	if e.deps.Capture == nil || !ev.Candle.Closed {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), captureTimeout)
	defer cancel()
	if err := e.deps.Capture.SaveCandle(ctx, ev.Candle); err != nil {
		e.log.Warn("candle capture failed",
			zap.String("symbol", ev.Candle.Symbol), zap.Error(err))
	}
}

func (e *Engine) applyParams(ev *paramsEvent) {
	if err := e.deps.Strategy.UpdateParams(ev.params); err != nil {
		e.log.Error("params update rejected at apply", zap.Error(err))
		return
	}
	if e.halted {
		e.halted = false
		e.haltReason = ""
		e.log.Warn("halt cleared by params update")
	}
	e.log.Info("strategy params applied",
		zap.Float64("spread_bps", ev.params.SpreadBps),
		zap.String("quote_size", ev.params.QuoteSize.String()),
		zap.Float64("requote_bps", ev.params.RequoteBps))
}

// handleHalt latches quoting off and pulls every working order. The latch
// clears on the next successful params update.
func (e *Engine) handleHalt(ev *event.SystemHaltEvent) {
	e.halted = true
	e.haltReason = ev.Reason
	e.log.Error("system halt", zap.String("reason", ev.Reason))

	seen := make(map[string]bool)
	for _, o := range e.deps.Orders.ActiveOrders() {
		if seen[o.Symbol] {
			continue
		}
		seen[o.Symbol] = true
		e.enqueue(strategy.Action{Kind: strategy.ActCancelAll, Symbol: o.Symbol})
	}
}

// maybeQuote runs a quote round for symbol unless one ran within the
// configured interval. Order events and book changes both land here, so a
// fill triggers a re-quote without waiting out the throttle window twice.
func (e *Engine) maybeQuote(symbol string, ts time.Time) {
	if e.halted || symbol == "" {
		return
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	if last, ok := e.lastQuote[symbol]; ok && ts.Sub(last) < e.cfg.QuoteInterval {
		return
	}
	e.lastQuote[symbol] = ts
	e.quote(symbol, ts)
}

func (e *Engine) quote(symbol string, ts time.Time) {
	b, ok := e.deps.Books.Get(symbol)
	if !ok {
		return
	}

	qc := strategy.QuoteContext{Symbol: symbol, Ts: ts}
	if l, ok := b.BestBid(); ok {
		qc.BestBid = l.Price
	}
	if l, ok := b.BestAsk(); ok {
		qc.BestAsk = l.Price
	}
	if mid, ok := b.MidPrice(); ok {
		qc.Mid = mid
	}

	inv := e.deps.Inventories.GetOrCreate(symbol)
	qc.Skew = inv.Skew()
	qc.Rebalance = inv.RebalanceAction()

	if qc.Rebalance.Type == inventory.ActionEmergencyStop {
		halt := &event.SystemHaltEvent{Reason: "emergency inventory breach: " + symbol}
		halt.Ts = ts
		e.handleHalt(halt)
		return
	}

	qc.ActiveOrders = e.deps.Orders.ActiveBySymbol(symbol)

	e.observe(symbol, b, qc, inv)

	for _, act := range e.deps.Strategy.Quote(qc) {
		e.enqueue(act)
	}
}

// enqueue hands an action to the dispatcher without blocking the loop. A
// full buffer drops the action; the next quote round re-derives it.
func (e *Engine) enqueue(act strategy.Action) {
	select {
	case e.actions <- act:
	default:
		metrics.OrdersRejected.WithLabelValues(actionSymbol(act), "backpressure").Inc()
		e.log.Warn("action buffer full, dropping",
			zap.String("kind", string(act.Kind)),
			zap.String("symbol", actionSymbol(act)))
	}
}

func actionSymbol(act strategy.Action) string {
	if act.Kind == strategy.ActSubmit {
		return act.Submit.Symbol
	}
	return act.Symbol
}

func (e *Engine) observe(symbol string, b *book.OrderBook, qc strategy.QuoteContext, inv *inventory.Manager) {
	if qc.BestBid.IsPositive() {
		metrics.BookBestBid.WithLabelValues(symbol).Set(qc.BestBid.InexactFloat64())
	}
	if qc.BestAsk.IsPositive() {
		metrics.BookBestAsk.WithLabelValues(symbol).Set(qc.BestAsk.InexactFloat64())
	}
	if qc.BestBid.IsPositive() && qc.BestAsk.IsPositive() {
		metrics.BookSpread.WithLabelValues(symbol).Set(qc.BestAsk.Sub(qc.BestBid).InexactFloat64())
	}
	bids, asks := b.Levels()
	metrics.BookLevels.WithLabelValues(symbol, "bid").Set(float64(bids))
	metrics.BookLevels.WithLabelValues(symbol, "ask").Set(float64(asks))
	metrics.Inventory.WithLabelValues(symbol).Set(inv.Inventory().InexactFloat64())
	metrics.InventoryUtilization.WithLabelValues(symbol).Set(inv.Utilization())
}

// dispatchLoop executes strategy actions against the execution manager.
// The manager clamps each venue call with its own request timeout, so one
// slow round trip delays later actions but never the event loop.
func (e *Engine) dispatchLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case act := <-e.actions:
			e.dispatch(ctx, act)
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, act strategy.Action) {
	switch act.Kind {
	case strategy.ActSubmit:
		if _, err := e.deps.Orders.SubmitOrder(ctx, act.Submit); err != nil {
			e.log.Warn("submit failed",
				zap.String("symbol", act.Submit.Symbol),
				zap.String("side", string(act.Submit.Side)),
				zap.Error(err))
		}
	case strategy.ActCancel:
		if err := e.deps.Orders.CancelOrder(ctx, act.ClientOrderID); err != nil {
			e.log.Warn("cancel failed",
				zap.String("client_order_id", act.ClientOrderID),
				zap.Error(err))
		}
	case strategy.ActCancelAll:
		if _, err := e.deps.Orders.CancelAllOrders(ctx, act.Symbol); err != nil {
			e.log.Warn("cancel all failed",
				zap.String("symbol", act.Symbol),
				zap.Error(err))
		}
	default:
		e.log.Warn("action kind without a handler", zap.String("kind", string(act.Kind)))
	}
}

// checkpoint persists inventory so a paper session can restart where it
// stopped. Best effort.
func (e *Engine) checkpoint() {
	if e.deps.Snapshots == nil {
		return
	}
	snap := storage.NewSnapshot(e.lastSeq, e.deps.Inventories.Stats())
	if err := e.deps.Snapshots.Save(snap); err != nil {
		e.log.Warn("inventory checkpoint failed", zap.Error(err))
	}
}

type bookTop struct {
	BestBid   string `json:"best_bid,omitempty"`
	BestAsk   string `json:"best_ask,omitempty"`
	BidLevels int    `json:"bid_levels"`
	AskLevels int    `json:"ask_levels"`
}

// dumpState writes a post-mortem of the loop's view of the world. Called on
// panic only; never panics itself.
func (e *Engine) dumpState() {
	dump := struct {
		DumpedAt     time.Time          `json:"dumped_at"`
		LastSeq      uint64             `json:"last_seq"`
		Halted       bool               `json:"halted"`
		HaltReason   string             `json:"halt_reason,omitempty"`
		Books        map[string]bookTop `json:"books"`
		Inventories  []inventory.Stats  `json:"inventories"`
		ActiveOrders int                `json:"active_orders"`
	}{
		DumpedAt:     time.Now(),
		LastSeq:      e.lastSeq,
		Halted:       e.halted,
		HaltReason:   e.haltReason,
		Books:        make(map[string]bookTop),
		Inventories:  e.deps.Inventories.Stats(),
		ActiveOrders: len(e.deps.Orders.ActiveOrders()),
	}

	for _, symbol := range e.deps.Books.Symbols() {
		b, ok := e.deps.Books.Get(symbol)
		if !ok {
			continue
		}
		top := bookTop{}
		if l, ok := b.BestBid(); ok {
			top.BestBid = l.Price.String()
		}
		if l, ok := b.BestAsk(); ok {
			top.BestAsk = l.Price.String()
		}
		top.BidLevels, top.AskLevels = b.Levels()
		dump.Books[symbol] = top
	}

	data, err := json.MarshalIndent(dump, "", "  ")
	if err != nil {
		e.log.Error("state dump marshal failed", zap.Error(err))
		return
	}
	if err := os.WriteFile(e.cfg.DumpPath, data, 0o644); err != nil {
		e.log.Error("state dump write failed", zap.String("path", e.cfg.DumpPath), zap.Error(err))
		return
	}
	e.log.Info("engine state dumped", zap.String("path", e.cfg.DumpPath))
}
