package domain

import "github.com/shopspring/decimal"

// Position represents a net holding in one instrument.
type Position struct {
	Symbol        string
	Quantity      decimal.Decimal // positive for long, negative for short
	AvgEntryPrice decimal.Decimal // weighted average entry price
	RealizedPnL   decimal.Decimal
}

// IsLong checks if the position is long.
func (p *Position) IsLong() bool {
	return p.Quantity.IsPositive()
}

// IsShort checks if the position is short.
func (p *Position) IsShort() bool {
	return p.Quantity.IsNegative()
}

// IsFlat checks if there is no exposure.
func (p *Position) IsFlat() bool {
	return p.Quantity.IsZero()
}
