// Package quant provides small numeric helpers shared across the engine:
// ratio clamping for skew math, tick rounding for quote prices, and atomic
// sequence generation for event streams.
package quant

import (
	"sync/atomic"

	"github.com/shopspring/decimal"
)

// Clamp bounds x to the closed interval [lo, hi].
func Clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// Sign returns -1 for negative x, +1 for positive x, and 0 for zero.
func Sign(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	default:
		return 0
	}
}

// Ratio returns a/b as a float64, or 0 when b is zero.
// Used where a dimensionless ratio is needed from decimal amounts.
func Ratio(a, b decimal.Decimal) float64 {
	if b.IsZero() {
		return 0
	}
	return a.Div(b).InexactFloat64()
}

// RoundToTick snaps price p onto the tick grid. up=false rounds toward zero
// profit for a buyer (floor, bids), up=true rounds away (ceil, asks).
// A zero or negative tick returns p unchanged.
func RoundToTick(p, tick decimal.Decimal, up bool) decimal.Decimal {
	if !tick.IsPositive() {
		return p
	}
	steps := p.Div(tick)
	if up {
		steps = steps.Ceil()
	} else {
		steps = steps.Floor()
	}
	return steps.Mul(tick)
}

// BpsOf returns bps basis points of p (1 bps = 0.01%).
func BpsOf(p decimal.Decimal, bps float64) decimal.Decimal {
	return p.Mul(decimal.NewFromFloat(bps)).Div(decimal.NewFromInt(10000))
}

// NextSeq generates the next sequence number atomically.
func NextSeq(ptr *uint64) uint64 {
	return atomic.AddUint64(ptr, 1)
}
