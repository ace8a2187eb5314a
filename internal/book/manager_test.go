package book

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goquant/internal/domain"
)

func TestManager_GetOrCreate(t *testing.T) {
	m := NewManager()

	b1 := m.GetOrCreate("BTCUSDT")
	b2 := m.GetOrCreate("BTCUSDT")
	assert.Same(t, b1, b2, "repeated calls must return the same book")

	b3 := m.GetOrCreate("ETHUSDT")
	assert.NotSame(t, b1, b3)

	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, m.Symbols())
}

func TestManager_GetAndRemove(t *testing.T) {
	m := NewManager()

	_, ok := m.Get("BTCUSDT")
	assert.False(t, ok)

	m.GetOrCreate("BTCUSDT")
	_, ok = m.Get("BTCUSDT")
	assert.True(t, ok)

	m.Remove("BTCUSDT")
	_, ok = m.Get("BTCUSDT")
	assert.False(t, ok)
}

func TestManager_ConcurrentAccess(t *testing.T) {
	m := NewManager()
	symbols := []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			sym := symbols[n%len(symbols)]
			b := m.GetOrCreate(sym)
			err := b.ApplyUpdate(domain.Buy, decimal.NewFromInt(int64(100+n)), decimal.NewFromInt(1), 0, time.Now())
			require.NoError(t, err)
			b.BestBid()
			b.Depth(domain.Buy, decimal.NewFromInt(1))
		}(i)
	}
	wg.Wait()

	assert.Len(t, m.Symbols(), len(symbols))

	m.Close()
	assert.Empty(t, m.Symbols())
}
