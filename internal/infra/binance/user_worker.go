package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"goquant/internal/event"
	"goquant/internal/infra"
	"goquant/pkg/quant"
)

// keepAliveEvery is how often the listen key is refreshed. Binance
// expires keys after 60 minutes of silence.
const keepAliveEvery = 30 * time.Minute

// listenKeyer is the slice of the REST client the user worker needs.
type listenKeyer interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, key string) error
	CloseListenKey(ctx context.Context, key string) error
}

// UserWorker consumes the private user data stream and turns execution
// reports into order events. Every report becomes exactly one event: a
// trade carries the fill delta, everything else a status update.
type UserWorker struct {
	base   *infra.WSWorker
	log    *zap.Logger
	client listenKeyer
	inbox  chan<- event.Event
	seq    *uint64
	wsBase string

	mu        sync.Mutex
	listenKey string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewUserWorker wires a user stream worker.
func NewUserWorker(cfg *infra.Config, client listenKeyer, inbox chan<- event.Event, seq *uint64, log *zap.Logger) *UserWorker {
	w := &UserWorker{
		log:    log,
		client: client,
		inbox:  inbox,
		seq:    seq,
		wsBase: cfg.API.Binance.WSURL,
	}
	w.base = infra.NewWSWorker(w, log)
	return w
}

func (w *UserWorker) ID() string { return "BINANCE_USER" }

// URL is re-read by the connection loop on every dial, so a rotated
// listen key takes effect at the next reconnect.
func (w *UserWorker) URL() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.wsBase + "/ws/" + w.listenKey
}

// Start obtains a listen key and launches the stream.
func (w *UserWorker) Start(ctx context.Context) error {
	key, err := w.client.CreateListenKey(ctx)
	if err != nil {
		return fmt.Errorf("create listen key: %w", err)
	}
	w.mu.Lock()
	w.listenKey = key
	w.mu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.wg.Add(1)
	go w.keepAliveLoop(loopCtx)

	w.base.Start(ctx)
	return nil
}

// Stop closes the stream and releases the listen key.
func (w *UserWorker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.base.Stop()

	w.mu.Lock()
	key := w.listenKey
	w.mu.Unlock()
	if key != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.client.CloseListenKey(ctx, key); err != nil {
			w.log.Warn("close listen key failed", zap.Error(err))
		}
	}
}

func (w *UserWorker) keepAliveLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(keepAliveEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.keepAlive(ctx)
		}
	}
}

func (w *UserWorker) keepAlive(ctx context.Context) {
	w.mu.Lock()
	key := w.listenKey
	w.mu.Unlock()

	err := w.client.KeepAliveListenKey(ctx, key)
	if err == nil || ctx.Err() != nil {
		return
	}
	w.log.Warn("listen key keepalive failed, rotating", zap.Error(err))
	w.rotate(ctx)
}

// rotate replaces an expired listen key and drops the connection so the
// loop redials with the new URL.
func (w *UserWorker) rotate(ctx context.Context) {
	key, err := w.client.CreateListenKey(ctx)
	if err != nil {
		w.log.Error("listen key rotation failed", zap.Error(err))
		return
	}
	w.mu.Lock()
	w.listenKey = key
	w.mu.Unlock()
	w.base.Reconnect()
}

func (w *UserWorker) OnConnect(ctx context.Context, conn *websocket.Conn) error {
	w.log.Info("user stream connected")
	return nil
}

func (w *UserWorker) OnPing(ctx context.Context, conn *websocket.Conn) error { return nil }

// OnMessage routes user stream payloads by event type. Account snapshots
// (outboundAccountPosition, balanceUpdate) are ignored; balances are
// polled over REST when needed.
func (w *UserWorker) OnMessage(ctx context.Context, msg []byte) {
	var head struct {
		EventType string `json:"e"`
	}
	if err := json.Unmarshal(msg, &head); err != nil {
		return
	}
	switch head.EventType {
	case "executionReport":
		var report executionReport
		if err := json.Unmarshal(msg, &report); err != nil {
			w.log.Warn("bad execution report", zap.Error(err))
			return
		}
		w.handleReport(report)
	case "listenKeyExpired":
		w.log.Warn("listen key expired")
		w.rotate(ctx)
	}
}

// handleReport emits exactly one event per execution report. Order events
// must not be lost, so sends block until the inbox drains.
func (w *UserWorker) handleReport(r executionReport) {
	orderID := strconv.FormatInt(r.OrderID, 10)
	ts := time.UnixMilli(r.EventTime)

	if r.ExecType == "TRADE" {
		qty, errQ := parseDecimal(r.LastQty)
		price, errP := parseDecimal(r.LastPrice)
		if errQ != nil || errP != nil {
			w.log.Warn("bad fill report",
				zap.String("order_id", orderID),
				zap.NamedError("qty", errQ),
				zap.NamedError("price", errP))
			return
		}
		if qty.IsPositive() {
			ev := &event.OrderFillEvent{
				ExchangeOrderID: orderID,
				ClientOrderID:   r.clientID(),
				Symbol:          r.Symbol,
				FillQuantity:    qty,
				FillPrice:       price,
			}
			ev.Seq = quant.NextSeq(w.seq)
			ev.Ts = ts
			w.inbox <- ev
			return
		}
	}

	cum, errC := parseDecimal(r.CumQty)
	quote, errZ := parseDecimal(r.CumQuoteQty)
	if errC != nil || errZ != nil {
		w.log.Warn("bad execution report",
			zap.String("order_id", orderID),
			zap.NamedError("cum_qty", errC),
			zap.NamedError("cum_quote", errZ))
		return
	}
	var avg decimal.Decimal
	if cum.IsPositive() {
		avg = quote.Div(cum)
	}
	ev := &event.OrderUpdateEvent{
		ExchangeOrderID: orderID,
		ClientOrderID:   r.clientID(),
		Symbol:          r.Symbol,
		Status:          mapStatus(r.Status),
		FilledQuantity:  cum,
		AvgFillPrice:    avg,
	}
	ev.Seq = quant.NextSeq(w.seq)
	ev.Ts = ts
	w.inbox <- ev
}
