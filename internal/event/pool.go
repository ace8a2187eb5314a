package event

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// bookUpdatePool recycles BookUpdateEvents. Depth diffs arrive at hundreds
// per second per symbol; pooling keeps them off the allocator's hot path.
var bookUpdatePool = sync.Pool{
	New: func() any { return &BookUpdateEvent{} },
}

// AcquireBookUpdateEvent returns a zeroed event from the pool.
func AcquireBookUpdateEvent() *BookUpdateEvent {
	return bookUpdatePool.Get().(*BookUpdateEvent)
}

// ReleaseBookUpdateEvent resets the event and returns it to the pool.
// The caller must not touch the event afterwards.
func ReleaseBookUpdateEvent(e *BookUpdateEvent) {
	e.Seq = 0
	e.Ts = time.Time{}
	e.Symbol = ""
	e.Side = ""
	e.Price = decimal.Decimal{}
	e.Size = decimal.Decimal{}
	e.NumOrders = 0
	bookUpdatePool.Put(e)
}
