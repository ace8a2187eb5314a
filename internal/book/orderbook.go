// Package book maintains L2 order books: aggregated price levels per side,
// fed by venue snapshots and incremental depth updates.
package book

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"goquant/internal/domain"
)

var (
	// ErrUnknownSide is returned for updates that are neither bid nor ask.
	ErrUnknownSide = errors.New("unknown side")
	// ErrNegativeSize is returned for malformed updates.
	ErrNegativeSize = errors.New("negative size")
)

var (
	two     = decimal.NewFromInt(2)
	hundred = decimal.NewFromInt(100)
)

// Level is one aggregated price level. NumOrders is zero when the feed does
// not provide order counts.
type Level struct {
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	NumOrders int             `json:"num_orders,omitempty"`
}

// SlippageQuote estimates the cost of sweeping the book with a given size.
type SlippageQuote struct {
	AvgPrice    decimal.Decimal // volume-weighted average execution price
	SlippagePct decimal.Decimal // |avg - best| / best * 100
	TotalCost   decimal.Decimal // avg * quantity
}

func levelLess(a, b Level) bool {
	return a.Price.LessThan(b.Price)
}

// OrderBook holds both sides of one symbol's L2 book. Both sides are btrees
// keyed by price, so there is at most one level per price and iteration is
// price-ordered. Readers and the feed goroutine may touch the book
// concurrently; every access goes through the RWMutex.
type OrderBook struct {
	mu         sync.RWMutex
	symbol     string
	bids       *btree.BTreeG[Level] // ascending by price, best bid = Max
	asks       *btree.BTreeG[Level] // ascending by price, best ask = Min
	sequence   uint64
	lastUpdate time.Time
}

// New creates an empty book for symbol.
func New(symbol string) *OrderBook {
	return &OrderBook{
		symbol: symbol,
		bids:   btree.NewBTreeG[Level](levelLess),
		asks:   btree.NewBTreeG[Level](levelLess),
	}
}

// Symbol returns the instrument this book tracks.
func (b *OrderBook) Symbol() string {
	return b.symbol
}

// ApplySnapshot replaces both sides wholesale and resets the update
// sequence. Input levels need not be sorted; zero-size levels are dropped.
func (b *OrderBook) ApplySnapshot(bids, asks []Level, ts time.Time) {
	nb := btree.NewBTreeG[Level](levelLess)
	for _, l := range bids {
		if l.Size.IsPositive() {
			nb.Set(l)
		}
	}
	na := btree.NewBTreeG[Level](levelLess)
	for _, l := range asks {
		if l.Size.IsPositive() {
			na.Set(l)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.bids = nb
	b.asks = na
	b.sequence = 0
	b.lastUpdate = ts
}

// ApplyUpdate applies one incremental level change. Size zero removes the
// level; removing an absent level is a no-op. The sequence increments on
// every applied update.
func (b *OrderBook) ApplyUpdate(side domain.Side, price, size decimal.Decimal, numOrders int, ts time.Time) error {
	if size.IsNegative() {
		return fmt.Errorf("book %s: %w: %s", b.symbol, ErrNegativeSize, size)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var tree *btree.BTreeG[Level]
	switch side {
	case domain.Buy:
		tree = b.bids
	case domain.Sell:
		tree = b.asks
	default:
		return fmt.Errorf("book %s: %w: %q", b.symbol, ErrUnknownSide, side)
	}

	if size.IsZero() {
		tree.Delete(Level{Price: price})
	} else {
		tree.Set(Level{Price: price, Size: size, NumOrders: numOrders})
	}
	b.sequence++
	b.lastUpdate = ts
	return nil
}

// BestBid returns the highest bid level, or false on an empty side.
func (b *OrderBook) BestBid() (Level, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bids.Max()
}

// BestAsk returns the lowest ask level, or false on an empty side.
func (b *OrderBook) BestAsk() (Level, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.asks.Min()
}

// MidPrice returns (bestBid + bestAsk) / 2, or false unless both sides are
// populated.
func (b *OrderBook) MidPrice() (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bb, okB := b.bids.Max()
	ba, okA := b.asks.Min()
	if !okB || !okA {
		return decimal.Decimal{}, false
	}
	return bb.Price.Add(ba.Price).Div(two), true
}

// Spread returns bestAsk - bestBid, or false unless both sides are populated.
func (b *OrderBook) Spread() (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bb, okB := b.bids.Max()
	ba, okA := b.asks.Min()
	if !okB || !okA {
		return decimal.Decimal{}, false
	}
	return ba.Price.Sub(bb.Price), true
}

// Depth returns the cumulative size of levels at least as good as target:
// bids priced >= target, asks priced <= target. The walk starts at the best
// level and stops at the first level that fails the predicate.
func (b *OrderBook) Depth(side domain.Side, target decimal.Decimal) decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := decimal.Zero
	switch side {
	case domain.Buy:
		b.bids.Reverse(func(l Level) bool {
			if l.Price.LessThan(target) {
				return false
			}
			total = total.Add(l.Size)
			return true
		})
	case domain.Sell:
		b.asks.Scan(func(l Level) bool {
			if l.Price.GreaterThan(target) {
				return false
			}
			total = total.Add(l.Size)
			return true
		})
	}
	return total
}

// Slippage estimates the execution of a market order of the given side and
// quantity by walking the opposing side best-first. It returns false when
// the book cannot absorb the full quantity.
func (b *OrderBook) Slippage(side domain.Side, quantity decimal.Decimal) (SlippageQuote, bool) {
	if !quantity.IsPositive() {
		return SlippageQuote{}, false
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	remaining := quantity
	totalCost := decimal.Zero
	walk := func(l Level) bool {
		take := decimal.Min(l.Size, remaining)
		totalCost = totalCost.Add(take.Mul(l.Price))
		remaining = remaining.Sub(take)
		return remaining.IsPositive()
	}

	var best decimal.Decimal
	if side == domain.Buy {
		top, ok := b.asks.Min()
		if !ok {
			return SlippageQuote{}, false
		}
		best = top.Price
		b.asks.Scan(walk)
	} else {
		top, ok := b.bids.Max()
		if !ok {
			return SlippageQuote{}, false
		}
		best = top.Price
		b.bids.Reverse(walk)
	}

	if remaining.IsPositive() {
		return SlippageQuote{}, false
	}

	avg := totalCost.Div(quantity)
	return SlippageQuote{
		AvgPrice:    avg,
		SlippagePct: avg.Sub(best).Abs().Div(best).Mul(hundred),
		TotalCost:   totalCost,
	}, true
}

// Snapshot returns best-first copies of both sides.
func (b *OrderBook) Snapshot() (bids, asks []Level) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bids = make([]Level, 0, b.bids.Len())
	b.bids.Reverse(func(l Level) bool {
		bids = append(bids, l)
		return true
	})
	asks = make([]Level, 0, b.asks.Len())
	b.asks.Scan(func(l Level) bool {
		asks = append(asks, l)
		return true
	})
	return bids, asks
}

// Levels returns the number of price levels per side.
func (b *OrderBook) Levels() (bids, asks int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bids.Len(), b.asks.Len()
}

// Sequence returns the count of updates applied since the last snapshot.
func (b *OrderBook) Sequence() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sequence
}

// LastUpdate returns the timestamp of the most recent snapshot or update.
func (b *OrderBook) LastUpdate() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastUpdate
}
