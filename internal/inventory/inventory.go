// Package inventory tracks net position per traded instrument and turns it
// into quote skew: the fuller the book gets on one side, the harder quotes
// lean the other way. It also decides when position needs rebalancing.
package inventory

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"goquant/internal/domain"
	"goquant/pkg/quant"
)

// SkewMode selects how inventory maps to quote skew.
type SkewMode string

const (
	SkewLinear      SkewMode = "linear"
	SkewExponential SkewMode = "exponential"
	SkewTiered      SkewMode = "tiered"
)

// Tier is one step of the tiered skew curve. Thresholds are inventory
// ratios in [0,1], multipliers scale the normalized inventory.
type Tier struct {
	Threshold  float64 `yaml:"threshold" json:"threshold"`
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`
}

// ActionType classifies what RebalanceAction asks for.
type ActionType string

const (
	ActionNone          ActionType = "none"
	ActionLimit         ActionType = "limit"
	ActionMarket        ActionType = "market"
	ActionEmergencyStop ActionType = "emergency_stop"
)

// Action is a rebalancing instruction: trade Quantity on Side, or halt.
type Action struct {
	Type     ActionType
	Side     domain.Side
	Quantity decimal.Decimal
}

var (
	ErrMaxInventory = errors.New("max inventory must be positive")
	ErrSkewFactor   = errors.New("skew factor must be within [0,1]")
	ErrTiers        = errors.New("invalid tier configuration")
	ErrThresholds   = errors.New("invalid rebalance thresholds")
	ErrSkewMode     = errors.New("unknown skew mode")
)

var two = decimal.NewFromInt(2)

// Config holds the skew and rebalance parameters shared by all instruments.
type Config struct {
	MaxInventory decimal.Decimal
	Mode         SkewMode
	SkewFactor   float64
	Tiers        []Tier

	// RebalanceThreshold and EmergencyThreshold are inventory ratios;
	// zero disables the respective check.
	RebalanceThreshold float64
	EmergencyThreshold float64

	// PriceUnit is the fixed offset unit for quote adjustment. Zero means
	// derive the unit from the quoted half-spread.
	PriceUnit decimal.Decimal
}

// Validate fails fast on parameters the engine cannot safely run with.
func (c *Config) Validate() error {
	if !c.MaxInventory.IsPositive() {
		return fmt.Errorf("%w: got %s", ErrMaxInventory, c.MaxInventory)
	}
	if c.SkewFactor < 0 || c.SkewFactor > 1 {
		return fmt.Errorf("%w: got %v", ErrSkewFactor, c.SkewFactor)
	}
	switch c.Mode {
	case SkewLinear, SkewExponential:
	case SkewTiered:
		if len(c.Tiers) == 0 {
			return fmt.Errorf("%w: tiered mode needs at least one tier", ErrTiers)
		}
		for _, t := range c.Tiers {
			if t.Threshold < 0 || t.Threshold > 1 {
				return fmt.Errorf("%w: threshold %v outside [0,1]", ErrTiers, t.Threshold)
			}
			if t.Multiplier < 0 {
				return fmt.Errorf("%w: negative multiplier %v", ErrTiers, t.Multiplier)
			}
		}
	default:
		return fmt.Errorf("%w: %q", ErrSkewMode, c.Mode)
	}
	if c.RebalanceThreshold < 0 || c.EmergencyThreshold < 0 {
		return fmt.Errorf("%w: thresholds must not be negative", ErrThresholds)
	}
	if c.RebalanceThreshold > 0 && c.EmergencyThreshold > 0 &&
		c.EmergencyThreshold < c.RebalanceThreshold {
		return fmt.Errorf("%w: emergency %v below rebalance %v",
			ErrThresholds, c.EmergencyThreshold, c.RebalanceThreshold)
	}
	return nil
}

// normalize applies defaults and sorts tiers, returning a private copy.
func (c Config) normalize() Config {
	if c.Mode == "" {
		c.Mode = SkewLinear
	}
	if len(c.Tiers) > 0 {
		tiers := make([]Tier, len(c.Tiers))
		copy(tiers, c.Tiers)
		sort.SliceStable(tiers, func(i, j int) bool {
			return tiers[i].Threshold < tiers[j].Threshold
		})
		c.Tiers = tiers
	}
	return c
}

// Stats is a point-in-time copy of one instrument's inventory state.
type Stats struct {
	Symbol      string          `json:"symbol"`
	Inventory   decimal.Decimal `json:"inventory"`
	TotalBought decimal.Decimal `json:"total_bought"`
	TotalSold   decimal.Decimal `json:"total_sold"`
}

// Manager tracks one instrument's net inventory. Fills come in from the
// order manager; the strategy reads skew out. All methods are safe for
// concurrent use.
type Manager struct {
	mu          sync.RWMutex
	cfg         Config
	symbol      string
	inventory   decimal.Decimal
	totalBought decimal.Decimal
	totalSold   decimal.Decimal
}

// New creates a manager for symbol, validating cfg first.
func New(symbol string, cfg Config) (*Manager, error) {
	cfg = cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Manager{cfg: cfg, symbol: symbol}, nil
}

// Symbol returns the tracked instrument.
func (m *Manager) Symbol() string {
	return m.symbol
}

// Update records a confirmed fill. Buys raise inventory, sells lower it.
// Non-positive quantities are ignored.
func (m *Manager) Update(side domain.Side, qty decimal.Decimal) {
	if !qty.IsPositive() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if side == domain.Buy {
		m.inventory = m.inventory.Add(qty)
		m.totalBought = m.totalBought.Add(qty)
	} else {
		m.inventory = m.inventory.Sub(qty)
		m.totalSold = m.totalSold.Add(qty)
	}
}

// SetInventory overwrites the net position, used when seeding from the
// venue's position query at startup.
func (m *Manager) SetInventory(v decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inventory = v
}

// restore overwrites the full state from a persisted snapshot.
func (m *Manager) restore(st Stats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inventory = st.Inventory
	m.totalBought = st.TotalBought
	m.totalSold = st.TotalSold
}

// Inventory returns the current net position.
func (m *Manager) Inventory() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.inventory
}

// Stats returns a copy of the running totals.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{
		Symbol:      m.symbol,
		Inventory:   m.inventory,
		TotalBought: m.totalBought,
		TotalSold:   m.totalSold,
	}
}

// Utilization returns |inventory| / maxInventory, unclamped.
func (m *Manager) Utilization() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.utilizationLocked()
}

func (m *Manager) utilizationLocked() float64 {
	return math.Abs(quant.Ratio(m.inventory, m.cfg.MaxInventory))
}

// Skew maps current inventory into a quote skew. The normalized inventory
// n = clamp(inventory/max, -1, +1) feeds one of three curves:
//
//	linear       n
//	exponential  sign(n) * n^2
//	tiered       n * multiplier of the largest tier threshold <= |n|
//
// The tiered result is intentionally not clamped, so multipliers above 1
// can push the skew past full scale.
func (m *Manager) Skew() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.skewLocked()
}

func (m *Manager) skewLocked() float64 {
	n := quant.Clamp(quant.Ratio(m.inventory, m.cfg.MaxInventory), -1, 1)
	switch m.cfg.Mode {
	case SkewExponential:
		return quant.Sign(n) * n * n
	case SkewTiered:
		abs := math.Abs(n)
		mult := 0.0
		for _, t := range m.cfg.Tiers {
			if t.Threshold > abs {
				break
			}
			mult = t.Multiplier
		}
		return n * mult
	default:
		return n
	}
}

// AdjustQuotes shifts both quotes by the same signed offset so a long book
// quotes lower (sells easier, buys less) and a short book quotes higher.
// SkewFactor zero leaves the quotes untouched. The offset unit is the
// configured PriceUnit, else the half-spread, else 1 bps of mid.
func (m *Manager) AdjustQuotes(bid, ask, mid decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.cfg.SkewFactor == 0 {
		return bid, ask
	}

	unit := m.cfg.PriceUnit
	if !unit.IsPositive() {
		unit = ask.Sub(bid).Div(two)
	}
	if !unit.IsPositive() {
		unit = quant.BpsOf(mid.Abs(), 1)
	}

	offset := decimal.NewFromFloat(m.skewLocked() * m.cfg.SkewFactor).Mul(unit)
	return bid.Sub(offset), ask.Sub(offset)
}

// NeedsRebalance reports whether inventory reached the rebalance threshold.
func (m *Manager) NeedsRebalance() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.breachedLocked(m.cfg.RebalanceThreshold)
}

// IsEmergency reports whether inventory reached the emergency threshold.
func (m *Manager) IsEmergency() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.breachedLocked(m.cfg.EmergencyThreshold)
}

func (m *Manager) breachedLocked(threshold float64) bool {
	if threshold <= 0 {
		return false
	}
	return m.utilizationLocked() >= threshold
}

// RebalanceAction recommends how to bring inventory back inside bounds.
// Emergency breaches demand an immediate stop and full flatten. A plain
// rebalance reduces the position to half the rebalance threshold; it asks
// for a market order once utilization passes the midpoint between the two
// thresholds, otherwise a limit order suffices.
func (m *Manager) RebalanceAction() Action {
	m.mu.RLock()
	defer m.mu.RUnlock()

	side := domain.Sell
	if m.inventory.IsNegative() {
		side = domain.Buy
	}

	util := m.utilizationLocked()
	if m.cfg.EmergencyThreshold > 0 && util >= m.cfg.EmergencyThreshold {
		return Action{Type: ActionEmergencyStop, Side: side, Quantity: m.inventory.Abs()}
	}
	if m.cfg.RebalanceThreshold <= 0 || util < m.cfg.RebalanceThreshold {
		return Action{Type: ActionNone}
	}

	target := m.cfg.MaxInventory.Mul(decimal.NewFromFloat(m.cfg.RebalanceThreshold / 2))
	qty := m.inventory.Abs().Sub(target)

	typ := ActionLimit
	if m.cfg.EmergencyThreshold > m.cfg.RebalanceThreshold {
		midpoint := (m.cfg.RebalanceThreshold + m.cfg.EmergencyThreshold) / 2
		if util >= midpoint {
			typ = ActionMarket
		}
	}
	return Action{Type: typ, Side: side, Quantity: qty}
}
