package inventory

import (
	"sort"
	"sync"
)

// Set keeps one Manager per symbol, all sharing the same Config.
type Set struct {
	mu       sync.RWMutex
	cfg      Config
	managers map[string]*Manager
}

// NewSet validates cfg once; managers created later cannot fail.
func NewSet(cfg Config) (*Set, error) {
	cfg = cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Set{cfg: cfg, managers: make(map[string]*Manager)}, nil
}

// GetOrCreate returns the manager for symbol, creating it on first use.
func (s *Set) GetOrCreate(symbol string) *Manager {
	s.mu.RLock()
	m, ok := s.managers[symbol]
	s.mu.RUnlock()
	if ok {
		return m
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.managers[symbol]; ok {
		return m
	}
	m = &Manager{cfg: s.cfg, symbol: symbol}
	s.managers[symbol] = m
	return m
}

// Get returns the manager for symbol if it exists.
func (s *Set) Get(symbol string) (*Manager, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.managers[symbol]
	return m, ok
}

// Stats returns per-symbol stats sorted by symbol.
func (s *Set) Stats() []Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Stats, 0, len(s.managers))
	for _, m := range s.managers {
		out = append(out, m.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Restore loads persisted per-symbol state, creating managers as needed.
func (s *Set) Restore(stats []Stats) {
	for _, st := range stats {
		s.GetOrCreate(st.Symbol).restore(st)
	}
}
