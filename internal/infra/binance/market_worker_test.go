package binance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"goquant/internal/domain"
	"goquant/internal/event"
	"goquant/internal/infra"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testConfig() *infra.Config {
	cfg := &infra.Config{}
	cfg.API.Binance.WSURL = "wss://stream.example.com"
	cfg.Trading.Symbols = []string{"BTCUSDT"}
	cfg.Market.KlineInterval = "1m"
	cfg.Market.DepthLimit = 100
	return cfg
}

type stubFetcher struct {
	mu    sync.Mutex
	snaps []domain.DepthSnapshot
	calls int
	gate  chan struct{} // when non-nil, GetDepth blocks until closed
}

func (f *stubFetcher) GetDepth(ctx context.Context, symbol string, limit int) (domain.DepthSnapshot, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	if i >= len(f.snaps) {
		i = len(f.snaps) - 1
	}
	f.calls++
	return f.snaps[i], nil
}

func (f *stubFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func snapshotAt(id int64) domain.DepthSnapshot {
	return domain.DepthSnapshot{
		Symbol:       "BTCUSDT",
		Bids:         []domain.PriceLevel{{Price: d("50000"), Size: d("1.5")}},
		Asks:         []domain.PriceLevel{{Price: d("50001"), Size: d("2")}},
		LastUpdateID: id,
	}
}

func diff(first, final int64, bids, asks [][]string) depthUpdateMsg {
	return depthUpdateMsg{
		EventType: "depthUpdate",
		EventTime: 1704067200000,
		Symbol:    "BTCUSDT",
		FirstID:   first,
		FinalID:   final,
		Bids:      bids,
		Asks:      asks,
	}
}

func newTestMarketWorker(fetcher depthFetcher, inbox chan event.Event) *MarketWorker {
	seq := new(uint64)
	return &MarketWorker{
		log:        zap.NewNop(),
		fetcher:    fetcher,
		inbox:      inbox,
		seq:        seq,
		depthLimit: 100,
		books:      map[string]*bookSync{"BTCUSDT": {}},
	}
}

func nextEvent(t *testing.T, inbox chan event.Event) event.Event {
	t.Helper()
	select {
	case ev := <-inbox:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return nil
	}
}

func TestMarketWorkerDepthSync(t *testing.T) {
	inbox := make(chan event.Event, 64)
	fetcher := &stubFetcher{snaps: []domain.DepthSnapshot{snapshotAt(100)}}
	w := newTestMarketWorker(fetcher, inbox)

	// First diff arrives unsynced: it gets buffered and kicks off a
	// snapshot fetch. Its range ends at the snapshot id, so it is dropped.
	w.handleDepth(context.Background(), diff(99, 100, [][]string{{"49999", "1"}}, nil))

	snap, ok := nextEvent(t, inbox).(*event.BookSnapshotEvent)
	if !ok {
		t.Fatal("expected a snapshot event first")
	}
	if snap.Symbol != "BTCUSDT" || snap.LastUpdateID != 100 {
		t.Errorf("bad snapshot: %+v", snap)
	}
	if len(snap.Bids) != 1 || snap.Bids[0].Price.String() != "50000" {
		t.Errorf("bad snapshot bids: %v", snap.Bids)
	}
	select {
	case ev := <-inbox:
		t.Fatalf("stale diff should have been dropped, got %T", ev)
	default:
	}

	// Now synced: a contiguous diff flows straight through.
	w.handleDepth(context.Background(), diff(101, 102, [][]string{{"50000", "0"}}, [][]string{{"50002", "3"}}))

	up, ok := nextEvent(t, inbox).(*event.BookUpdateEvent)
	if !ok {
		t.Fatal("expected a book update event")
	}
	if up.Side != domain.Buy || up.Price.String() != "50000" || !up.Size.IsZero() {
		t.Errorf("bad bid update: %+v", up)
	}
	event.ReleaseBookUpdateEvent(up)

	up, ok = nextEvent(t, inbox).(*event.BookUpdateEvent)
	if !ok {
		t.Fatal("expected a book update event")
	}
	if up.Side != domain.Sell || up.Size.String() != "3" {
		t.Errorf("bad ask update: %+v", up)
	}
	event.ReleaseBookUpdateEvent(up)
}

func TestMarketWorkerGapTriggersResync(t *testing.T) {
	inbox := make(chan event.Event, 64)
	fetcher := &stubFetcher{snaps: []domain.DepthSnapshot{snapshotAt(100), snapshotAt(200)}}
	w := newTestMarketWorker(fetcher, inbox)

	w.handleDepth(context.Background(), diff(100, 101, nil, nil))
	if _, ok := nextEvent(t, inbox).(*event.BookSnapshotEvent); !ok {
		t.Fatal("expected initial snapshot")
	}
	// diff 100..101 straddles lastUpdateId+1, so it replays after the
	// snapshot with only its levels (none here)

	// A diff far ahead of the last seen id means we missed messages.
	w.handleDepth(context.Background(), diff(150, 151, [][]string{{"50000", "1"}}, nil))

	if _, ok := nextEvent(t, inbox).(*event.BookSnapshotEvent); !ok {
		t.Fatal("expected a fresh snapshot after the gap")
	}
	if fetcher.callCount() != 2 {
		t.Errorf("expected 2 snapshot fetches, got %d", fetcher.callCount())
	}
}

func TestMarketWorkerBuffersWhileFetching(t *testing.T) {
	inbox := make(chan event.Event, 64)
	gate := make(chan struct{})
	fetcher := &stubFetcher{snaps: []domain.DepthSnapshot{snapshotAt(102)}, gate: gate}
	w := newTestMarketWorker(fetcher, inbox)

	// Three diffs land while the snapshot request is in flight.
	w.handleDepth(context.Background(), diff(101, 102, [][]string{{"1", "1"}}, nil))
	w.handleDepth(context.Background(), diff(103, 104, [][]string{{"2", "1"}}, nil))
	w.handleDepth(context.Background(), diff(105, 106, [][]string{{"3", "1"}}, nil))
	if n := fetcher.callCount(); n > 1 {
		t.Fatalf("expected a single in-flight fetch, got %d", n)
	}
	close(gate)

	if _, ok := nextEvent(t, inbox).(*event.BookSnapshotEvent); !ok {
		t.Fatal("expected snapshot first")
	}
	// The diff ending at the snapshot id is dropped; the two later ones
	// replay in order.
	for _, wantPrice := range []string{"2", "3"} {
		up, ok := nextEvent(t, inbox).(*event.BookUpdateEvent)
		if !ok {
			t.Fatal("expected a replayed book update")
		}
		if up.Price.String() != wantPrice {
			t.Errorf("replay out of order: got %s, want %s", up.Price, wantPrice)
		}
		event.ReleaseBookUpdateEvent(up)
	}
}

func TestMarketWorkerRoutesCombinedStream(t *testing.T) {
	inbox := make(chan event.Event, 64)
	fetcher := &stubFetcher{snaps: []domain.DepthSnapshot{snapshotAt(10)}}
	w := newTestMarketWorker(fetcher, inbox)

	kline := `{"stream":"btcusdt@kline_1m","data":{"e":"kline","E":1704067200123,"s":"BTCUSDT",
		"k":{"t":1704067200000,"s":"BTCUSDT","i":"1m","o":"50000.0","c":"50100.0","h":"50200.0","l":"49900.0","v":"123.45","x":true}}}`
	w.OnMessage(context.Background(), []byte(kline))

	candle, ok := nextEvent(t, inbox).(*event.CandleEvent)
	if !ok {
		t.Fatal("expected a candle event")
	}
	if candle.Candle.Symbol != "BTCUSDT" || candle.Candle.Interval != "1m" {
		t.Errorf("bad candle: %+v", candle.Candle)
	}
	if candle.Candle.Close.String() != "50100" || !candle.Candle.Closed {
		t.Errorf("bad candle values: %+v", candle.Candle)
	}
	if candle.Candle.OpenTime.UnixMilli() != 1704067200000 {
		t.Errorf("bad open time: %v", candle.Candle.OpenTime)
	}

	depth := `{"stream":"btcusdt@depth@100ms","data":{"e":"depthUpdate","E":1704067200456,"s":"BTCUSDT",
		"U":5,"u":11,"b":[["49999.5","4"]],"a":[]}}`
	w.OnMessage(context.Background(), []byte(depth))

	if _, ok := nextEvent(t, inbox).(*event.BookSnapshotEvent); !ok {
		t.Fatal("expected snapshot for unsynced symbol")
	}
	up, ok := nextEvent(t, inbox).(*event.BookUpdateEvent)
	if !ok {
		t.Fatal("expected replayed depth update")
	}
	if up.Price.String() != "49999.5" || up.Size.String() != "4" {
		t.Errorf("bad update: %+v", up)
	}
	event.ReleaseBookUpdateEvent(up)

	// Unknown symbols and junk are ignored.
	w.OnMessage(context.Background(), []byte(`{"stream":"ethusdt@depth@100ms","data":{"e":"depthUpdate","s":"ETHUSDT","U":1,"u":2}}`))
	w.OnMessage(context.Background(), []byte(`not json`))
	select {
	case ev := <-inbox:
		t.Fatalf("unexpected event %T", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMarketWorkerStreamURL(t *testing.T) {
	cfg := testConfig()
	inbox := make(chan event.Event, 1)
	seq := new(uint64)
	w := NewMarketWorker(cfg, &stubFetcher{snaps: []domain.DepthSnapshot{snapshotAt(1)}}, inbox, seq, zap.NewNop())

	want := "wss://stream.example.com/stream?streams=btcusdt@depth@100ms/btcusdt@kline_1m"
	if w.URL() != want {
		t.Errorf("url = %s, want %s", w.URL(), want)
	}
	if w.ID() != "BINANCE_MARKET" {
		t.Errorf("id = %s", w.ID())
	}
}
