package book

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goquant/internal/domain"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func lvl(price, size string) Level {
	return Level{Price: d(price), Size: d(size)}
}

func seeded(t *testing.T) *OrderBook {
	t.Helper()
	b := New("BTCUSDT")
	b.ApplySnapshot(
		[]Level{lvl("100", "2"), lvl("99.5", "3"), lvl("99", "5")},
		[]Level{lvl("100.5", "1"), lvl("101", "2"), lvl("102", "5")},
		time.Now(),
	)
	return b
}

func TestApplySnapshot(t *testing.T) {
	b := seeded(t)

	bids, asks := b.Snapshot()
	require.Len(t, bids, 3)
	require.Len(t, asks, 3)

	// Bids descending, asks ascending, best first.
	assert.True(t, bids[0].Price.Equal(d("100")))
	assert.True(t, bids[2].Price.Equal(d("99")))
	assert.True(t, asks[0].Price.Equal(d("100.5")))
	assert.True(t, asks[2].Price.Equal(d("102")))

	assert.Equal(t, uint64(0), b.Sequence())
}

func TestApplySnapshot_UnsortedInputAndZeroSizes(t *testing.T) {
	b := New("ETHUSDT")
	b.ApplySnapshot(
		[]Level{lvl("98", "1"), lvl("100", "2"), lvl("99", "0")},
		[]Level{lvl("103", "4"), lvl("101", "1")},
		time.Now(),
	)

	bids, asks := b.Snapshot()
	require.Len(t, bids, 2, "zero-size level must be dropped")
	assert.True(t, bids[0].Price.Equal(d("100")))
	assert.True(t, asks[0].Price.Equal(d("101")))
}

func TestApplyUpdate(t *testing.T) {
	b := seeded(t)

	t.Run("insert new level", func(t *testing.T) {
		err := b.ApplyUpdate(domain.Buy, d("99.8"), d("4"), 0, time.Now())
		require.NoError(t, err)
		nBids, _ := b.Levels()
		assert.Equal(t, 4, nBids)
	})

	t.Run("replace existing level", func(t *testing.T) {
		err := b.ApplyUpdate(domain.Buy, d("100"), d("7"), 3, time.Now())
		require.NoError(t, err)
		best, ok := b.BestBid()
		require.True(t, ok)
		assert.True(t, best.Size.Equal(d("7")))
		assert.Equal(t, 3, best.NumOrders)
		nBids, _ := b.Levels()
		assert.Equal(t, 4, nBids, "replace must not add a level")
	})

	t.Run("zero size removes level", func(t *testing.T) {
		err := b.ApplyUpdate(domain.Buy, d("100"), decimal.Zero, 0, time.Now())
		require.NoError(t, err)
		best, ok := b.BestBid()
		require.True(t, ok)
		assert.True(t, best.Price.Equal(d("99.8")))
	})

	t.Run("removing absent level is a no-op", func(t *testing.T) {
		before := b.Sequence()
		err := b.ApplyUpdate(domain.Sell, d("999"), decimal.Zero, 0, time.Now())
		require.NoError(t, err)
		assert.Equal(t, before+1, b.Sequence(), "applied no-op still bumps sequence")
	})

	t.Run("unknown side", func(t *testing.T) {
		before := b.Sequence()
		err := b.ApplyUpdate(domain.Side("HOLD"), d("100"), d("1"), 0, time.Now())
		assert.ErrorIs(t, err, ErrUnknownSide)
		assert.Equal(t, before, b.Sequence(), "failed update must not bump sequence")
	})

	t.Run("negative size", func(t *testing.T) {
		err := b.ApplyUpdate(domain.Buy, d("100"), d("-1"), 0, time.Now())
		assert.ErrorIs(t, err, ErrNegativeSize)
	})
}

func TestSequenceLifecycle(t *testing.T) {
	b := New("BTCUSDT")
	assert.Equal(t, uint64(0), b.Sequence())

	for i := 0; i < 3; i++ {
		require.NoError(t, b.ApplyUpdate(domain.Buy, d("100"), d("1"), 0, time.Now()))
	}
	assert.Equal(t, uint64(3), b.Sequence())

	b.ApplySnapshot([]Level{lvl("100", "1")}, []Level{lvl("101", "1")}, time.Now())
	assert.Equal(t, uint64(0), b.Sequence(), "snapshot resets sequence")
}

func TestTopOfBookQueries(t *testing.T) {
	b := seeded(t)

	bid, ok := b.BestBid()
	require.True(t, ok)
	assert.True(t, bid.Price.Equal(d("100")))

	ask, ok := b.BestAsk()
	require.True(t, ok)
	assert.True(t, ask.Price.Equal(d("100.5")))

	mid, ok := b.MidPrice()
	require.True(t, ok)
	assert.True(t, mid.Equal(d("100.25")))

	spread, ok := b.Spread()
	require.True(t, ok)
	assert.True(t, spread.Equal(d("0.5")))
}

func TestTopOfBookQueries_EmptySides(t *testing.T) {
	b := New("BTCUSDT")

	_, ok := b.BestBid()
	assert.False(t, ok)
	_, ok = b.BestAsk()
	assert.False(t, ok)
	_, ok = b.MidPrice()
	assert.False(t, ok)
	_, ok = b.Spread()
	assert.False(t, ok)

	// One-sided book still has no mid or spread.
	require.NoError(t, b.ApplyUpdate(domain.Buy, d("100"), d("1"), 0, time.Now()))
	_, ok = b.MidPrice()
	assert.False(t, ok)
	_, ok = b.Spread()
	assert.False(t, ok)
	_, ok = b.BestBid()
	assert.True(t, ok)
}

func TestCrossedBookIsTolerated(t *testing.T) {
	// Mid-update books can transiently cross; queries must not blow up.
	b := New("BTCUSDT")
	require.NoError(t, b.ApplyUpdate(domain.Buy, d("101"), d("1"), 0, time.Now()))
	require.NoError(t, b.ApplyUpdate(domain.Sell, d("100"), d("1"), 0, time.Now()))

	spread, ok := b.Spread()
	require.True(t, ok)
	assert.True(t, spread.IsNegative())
}

func TestDepth(t *testing.T) {
	b := seeded(t)

	tests := []struct {
		name   string
		side   domain.Side
		target string
		want   string
	}{
		{"bids down to 99.5", domain.Buy, "99.5", "5"},
		{"bids at best only", domain.Buy, "100", "2"},
		{"bids above best", domain.Buy, "101", "0"},
		{"bids whole side", domain.Buy, "99", "10"},
		{"asks up to 101", domain.Sell, "101", "3"},
		{"asks below best", domain.Sell, "100", "0"},
		{"asks whole side", domain.Sell, "102", "8"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := b.Depth(tt.side, d(tt.target))
			assert.True(t, got.Equal(d(tt.want)), "depth = %s, want %s", got, tt.want)
		})
	}
}

func TestDepth_StopsAtFirstGap(t *testing.T) {
	b := New("BTCUSDT")
	require.NoError(t, b.ApplyUpdate(domain.Buy, d("100"), d("2"), 0, time.Now()))
	require.NoError(t, b.ApplyUpdate(domain.Buy, d("98"), d("4"), 0, time.Now()))

	// 98 fails the predicate, so the walk never reaches anything beyond it.
	got := b.Depth(domain.Buy, d("99"))
	assert.True(t, got.Equal(d("2")))
}

func TestSlippage(t *testing.T) {
	b := seeded(t)

	t.Run("buy within best level", func(t *testing.T) {
		q, ok := b.Slippage(domain.Buy, d("1"))
		require.True(t, ok)
		assert.True(t, q.AvgPrice.Equal(d("100.5")))
		assert.True(t, q.SlippagePct.IsZero())
		assert.True(t, q.TotalCost.Equal(d("100.5")))
	})

	t.Run("buy across levels", func(t *testing.T) {
		// 1 @ 100.5 + 1 @ 101 = 201.5, avg 100.75
		q, ok := b.Slippage(domain.Buy, d("2"))
		require.True(t, ok)
		assert.True(t, q.AvgPrice.Equal(d("100.75")))
		assert.True(t, q.TotalCost.Equal(d("201.5")))
		assert.InDelta(t, 0.2487, q.SlippagePct.InexactFloat64(), 0.0001)
	})

	t.Run("sell across levels", func(t *testing.T) {
		// 2 @ 100 + 2 @ 99.5 = 399, avg 99.75, best 100
		q, ok := b.Slippage(domain.Sell, d("4"))
		require.True(t, ok)
		assert.True(t, q.AvgPrice.Equal(d("99.75")))
		assert.InDelta(t, 0.25, q.SlippagePct.InexactFloat64(), 1e-9)
	})

	t.Run("insufficient depth", func(t *testing.T) {
		_, ok := b.Slippage(domain.Buy, d("8.1"))
		assert.False(t, ok)
	})

	t.Run("exactly the whole side", func(t *testing.T) {
		// 1 @ 100.5 + 2 @ 101 + 5 @ 102 = 812.5
		q, ok := b.Slippage(domain.Buy, d("8"))
		require.True(t, ok)
		assert.True(t, q.TotalCost.Equal(d("812.5")))
	})

	t.Run("empty opposing side", func(t *testing.T) {
		empty := New("ETHUSDT")
		_, ok := empty.Slippage(domain.Buy, d("1"))
		assert.False(t, ok)
	})

	t.Run("non-positive quantity", func(t *testing.T) {
		_, ok := b.Slippage(domain.Buy, decimal.Zero)
		assert.False(t, ok)
	})
}
