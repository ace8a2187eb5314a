package binance

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"goquant/internal/book"
	"goquant/internal/domain"
	"goquant/internal/event"
	"goquant/internal/infra"
	"goquant/pkg/quant"
)

// maxDepthBuffer bounds the per-symbol queue of diffs held while a
// snapshot fetch is in flight. depth@100ms is ten messages a second, so
// this covers minutes of fetching.
const maxDepthBuffer = 2048

// depthFetcher is the slice of the REST client the market worker needs.
type depthFetcher interface {
	GetDepth(ctx context.Context, symbol string, limit int) (domain.DepthSnapshot, error)
}

// bookSync tracks one symbol's progress through Binance's depth sync
// procedure: buffer diffs, fetch a snapshot, drop diffs at or below the
// snapshot's lastUpdateId, then require contiguous U/u ranges.
type bookSync struct {
	synced   bool
	fetching bool
	lastID   int64
	buffer   []depthUpdateMsg
}

// MarketWorker consumes one combined stream of depth diffs and klines for
// every configured symbol and feeds the engine inbox. Depth diffs are
// emitted as one BookUpdateEvent per changed level.
type MarketWorker struct {
	base       *infra.WSWorker
	log        *zap.Logger
	fetcher    depthFetcher
	inbox      chan<- event.Event
	seq        *uint64
	wsURL      string
	depthLimit int

	mu    sync.Mutex
	books map[string]*bookSync // keyed by uppercase symbol
}

// NewMarketWorker wires a market worker for cfg's symbols. The combined
// stream URL subscribes on connect, so no subscribe message is needed.
func NewMarketWorker(cfg *infra.Config, fetcher depthFetcher, inbox chan<- event.Event, seq *uint64, log *zap.Logger) *MarketWorker {
	streams := make([]string, 0, len(cfg.Trading.Symbols)*2)
	books := make(map[string]*bookSync, len(cfg.Trading.Symbols))
	for _, symbol := range cfg.Trading.Symbols {
		lower := strings.ToLower(symbol)
		streams = append(streams,
			lower+"@depth@100ms",
			lower+"@kline_"+cfg.Market.KlineInterval)
		books[strings.ToUpper(symbol)] = &bookSync{}
	}
	w := &MarketWorker{
		log:        log,
		fetcher:    fetcher,
		inbox:      inbox,
		seq:        seq,
		wsURL:      cfg.API.Binance.WSURL + "/stream?streams=" + strings.Join(streams, "/"),
		depthLimit: cfg.Market.DepthLimit,
		books:      books,
	}
	w.base = infra.NewWSWorker(w, log)
	return w
}

func (w *MarketWorker) ID() string  { return "BINANCE_MARKET" }
func (w *MarketWorker) URL() string { return w.wsURL }

// Start launches the connection loop.
func (w *MarketWorker) Start(ctx context.Context) { w.base.Start(ctx) }

// Stop tears the connection down.
func (w *MarketWorker) Stop() { w.base.Stop() }

// OnConnect resets every book to unsynced: a fresh connection starts a
// fresh diff sequence, so earlier snapshots no longer line up.
func (w *MarketWorker) OnConnect(ctx context.Context, conn *websocket.Conn) error {
	w.mu.Lock()
	for _, bs := range w.books {
		bs.synced = false
		bs.fetching = false
		bs.buffer = nil
	}
	w.mu.Unlock()
	return nil
}

// OnPing does nothing; server ping frames are answered by the transport's
// default pong handler.
func (w *MarketWorker) OnPing(ctx context.Context, conn *websocket.Conn) error { return nil }

func (w *MarketWorker) OnMessage(ctx context.Context, msg []byte) {
	var env streamEnvelope
	if err := json.Unmarshal(msg, &env); err != nil || env.Stream == "" {
		return
	}
	switch {
	case strings.Contains(env.Stream, "@depth"):
		var d depthUpdateMsg
		if err := json.Unmarshal(env.Data, &d); err != nil {
			w.log.Warn("bad depth payload", zap.Error(err))
			return
		}
		w.handleDepth(ctx, d)
	case strings.Contains(env.Stream, "@kline"):
		var k klineMsg
		if err := json.Unmarshal(env.Data, &k); err != nil {
			w.log.Warn("bad kline payload", zap.Error(err))
			return
		}
		w.handleKline(k)
	}
}

func (w *MarketWorker) handleDepth(ctx context.Context, d depthUpdateMsg) {
	w.mu.Lock()
	bs := w.books[d.Symbol]
	if bs == nil {
		w.mu.Unlock()
		return
	}

	if !bs.synced {
		bs.buffer = append(bs.buffer, d)
		if len(bs.buffer) > maxDepthBuffer {
			bs.buffer = bs.buffer[len(bs.buffer)-maxDepthBuffer:]
		}
		start := !bs.fetching
		bs.fetching = true
		w.mu.Unlock()
		if start {
			go w.resync(ctx, d.Symbol)
		}
		return
	}

	if d.FinalID <= bs.lastID {
		w.mu.Unlock()
		return
	}
	if d.FirstID > bs.lastID+1 {
		expected := bs.lastID + 1
		bs.synced = false
		bs.fetching = true
		bs.buffer = append(bs.buffer[:0], d)
		w.mu.Unlock()
		w.log.Warn("depth gap, resyncing",
			zap.String("symbol", d.Symbol),
			zap.Int64("expected", expected),
			zap.Int64("got", d.FirstID))
		go w.resync(ctx, d.Symbol)
		return
	}
	bs.lastID = d.FinalID
	w.mu.Unlock()

	w.emitDiff(d, false)
}

// resync fetches a REST snapshot and replays buffered diffs. It runs on
// its own goroutine so the read loop never waits on HTTP.
func (w *MarketWorker) resync(ctx context.Context, symbol string) {
	snap, err := w.fetcher.GetDepth(ctx, symbol, w.depthLimit)
	if err != nil {
		w.log.Warn("depth snapshot failed", zap.String("symbol", symbol), zap.Error(err))
		w.mu.Lock()
		if bs := w.books[symbol]; bs != nil {
			bs.fetching = false // next diff retries
		}
		w.mu.Unlock()
		return
	}

	w.mu.Lock()
	bs := w.books[symbol]
	if bs == nil {
		w.mu.Unlock()
		return
	}
	bs.lastID = snap.LastUpdateID
	buffered := bs.buffer
	bs.buffer = nil

	replay := make([]depthUpdateMsg, 0, len(buffered))
	retry := false
	for i, d := range buffered {
		if d.FinalID <= bs.lastID {
			continue
		}
		if d.FirstID > bs.lastID+1 {
			// diffs were lost while fetching; keep the tail and go again
			// with a fresh snapshot, which will have advanced past them
			bs.buffer = append(bs.buffer, buffered[i:]...)
			retry = true
			break
		}
		bs.lastID = d.FinalID
		replay = append(replay, d)
	}
	bs.synced = !retry
	bs.fetching = retry
	w.mu.Unlock()

	w.emitSnapshot(symbol, snap)
	for _, d := range replay {
		w.emitDiff(d, true)
	}
	if retry {
		go w.resync(ctx, symbol)
	}
}

// emitDiff forwards one diff's level changes. On the read-loop path sends
// are non-blocking: a full inbox drops the diff and marks the symbol
// unsynced, forcing a snapshot resync instead of a silently stale book.
// The resync path blocks, since replayed diffs must not be lost.
func (w *MarketWorker) emitDiff(d depthUpdateMsg, blocking bool) {
	bids, errB := parseLevels(d.Bids)
	asks, errA := parseLevels(d.Asks)
	if errB != nil || errA != nil {
		w.log.Warn("bad depth levels",
			zap.String("symbol", d.Symbol),
			zap.NamedError("bids", errB),
			zap.NamedError("asks", errA))
		w.unsync(d.Symbol)
		return
	}
	ts := time.UnixMilli(d.EventTime)
	if !w.sendLevels(d.Symbol, domain.Buy, bids, ts, blocking) ||
		!w.sendLevels(d.Symbol, domain.Sell, asks, ts, blocking) {
		w.log.Warn("inbox full, dropped depth diff", zap.String("symbol", d.Symbol))
		w.unsync(d.Symbol)
	}
}

func (w *MarketWorker) sendLevels(symbol string, side domain.Side, levels []book.Level, ts time.Time, blocking bool) bool {
	for _, l := range levels {
		ev := event.AcquireBookUpdateEvent()
		ev.Seq = quant.NextSeq(w.seq)
		ev.Ts = ts
		ev.Symbol = symbol
		ev.Side = side
		ev.Price = l.Price
		ev.Size = l.Size
		if blocking {
			w.inbox <- ev
			continue
		}
		select {
		case w.inbox <- ev:
		default:
			event.ReleaseBookUpdateEvent(ev)
			return false
		}
	}
	return true
}

func (w *MarketWorker) unsync(symbol string) {
	w.mu.Lock()
	if bs := w.books[symbol]; bs != nil {
		bs.synced = false
	}
	w.mu.Unlock()
}

func (w *MarketWorker) emitSnapshot(symbol string, snap domain.DepthSnapshot) {
	ev := &event.BookSnapshotEvent{
		Symbol:       symbol,
		Bids:         levelize(snap.Bids),
		Asks:         levelize(snap.Asks),
		LastUpdateID: snap.LastUpdateID,
	}
	ev.Seq = quant.NextSeq(w.seq)
	ev.Ts = snap.Ts
	w.inbox <- ev
}

func levelize(levels []domain.PriceLevel) []book.Level {
	out := make([]book.Level, len(levels))
	for i, l := range levels {
		out[i] = book.Level{Price: l.Price, Size: l.Size}
	}
	return out
}

func (w *MarketWorker) handleKline(k klineMsg) {
	var parseErr error
	dec := func(s string) decimal.Decimal {
		d, err := decimal.NewFromString(s)
		if err != nil && parseErr == nil {
			parseErr = err
		}
		return d
	}
	candle := domain.Candle{
		Symbol:   k.Symbol,
		Interval: k.Kline.Interval,
		OpenTime: time.UnixMilli(k.Kline.OpenTime),
		Open:     dec(k.Kline.Open),
		High:     dec(k.Kline.High),
		Low:      dec(k.Kline.Low),
		Close:    dec(k.Kline.Close),
		Volume:   dec(k.Kline.Volume),
		Closed:   k.Kline.Closed,
	}
	if parseErr != nil {
		w.log.Warn("bad kline payload", zap.String("symbol", k.Symbol), zap.Error(parseErr))
		return
	}
	ev := &event.CandleEvent{Candle: candle}
	ev.Seq = quant.NextSeq(w.seq)
	ev.Ts = time.UnixMilli(k.EventTime)
	select {
	case w.inbox <- ev:
	default:
		// the next kline supersedes this one
	}
}
