package quant

import (
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestClamp(t *testing.T) {
	tests := []struct {
		name       string
		x, lo, hi  float64
		want       float64
	}{
		{"inside", 0.5, -1, 1, 0.5},
		{"below", -2.3, -1, 1, -1},
		{"above", 7, -1, 1, 1},
		{"at lower bound", -1, -1, 1, -1},
		{"at upper bound", 1, -1, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Clamp(tt.x, tt.lo, tt.hi))
		})
	}
}

func TestSign(t *testing.T) {
	assert.Equal(t, 1.0, Sign(0.001))
	assert.Equal(t, -1.0, Sign(-42))
	assert.Equal(t, 0.0, Sign(0))
}

func TestRatio(t *testing.T) {
	assert.InDelta(t, 0.5, Ratio(decimal.NewFromInt(5), decimal.NewFromInt(10)), 1e-12)
	assert.Equal(t, 0.0, Ratio(decimal.NewFromInt(5), decimal.Zero))
}

func TestRoundToTick(t *testing.T) {
	tick := decimal.RequireFromString("0.5")

	bid := RoundToTick(decimal.RequireFromString("100.74"), tick, false)
	assert.True(t, bid.Equal(decimal.RequireFromString("100.5")), "got %s", bid)

	ask := RoundToTick(decimal.RequireFromString("100.74"), tick, true)
	assert.True(t, ask.Equal(decimal.RequireFromString("101")), "got %s", ask)

	// Already on grid stays put in both directions.
	on := decimal.RequireFromString("99.5")
	assert.True(t, RoundToTick(on, tick, false).Equal(on))
	assert.True(t, RoundToTick(on, tick, true).Equal(on))

	// Zero tick is a no-op.
	p := decimal.RequireFromString("123.456")
	assert.True(t, RoundToTick(p, decimal.Zero, true).Equal(p))
}

func TestBpsOf(t *testing.T) {
	got := BpsOf(decimal.NewFromInt(10000), 5)
	assert.True(t, got.Equal(decimal.NewFromInt(5)), "5 bps of 10000 should be 5, got %s", got)
}

func TestNextSeqConcurrent(t *testing.T) {
	var seq uint64
	var wg sync.WaitGroup
	const goroutines, perG = 8, 1000

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perG; j++ {
				NextSeq(&seq)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(goroutines*perG), seq)
}
