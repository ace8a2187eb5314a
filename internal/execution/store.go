// Package execution owns the order lifecycle: the dual-indexed order store,
// the order manager that talks to the venue, the paper venue, and the
// reconciliation poller.
package execution

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"goquant/internal/domain"
)

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrDuplicateClientID = errors.New("duplicate client order id")
	ErrInvalidStatus     = errors.New("invalid order status")
	ErrValidation        = errors.New("invalid order request")
)

const defaultHistoryPage = 50

// Store is the in-memory system of record for orders. Orders are owned
// exclusively by the store; accessors hand out copies. The client order id
// is the primary key; the exchange order id index is populated lazily once
// the venue acknowledges an order. Every order lives in exactly one of the
// active set or per-symbol history.
type Store struct {
	mu           sync.RWMutex
	byClientID   map[string]*domain.Order
	byExchangeID map[string]*domain.Order
	active       map[string]*domain.Order
	history      map[string][]*domain.Order
}

// NewStore creates an empty order store.
func NewStore() *Store {
	return &Store{
		byClientID:   make(map[string]*domain.Order),
		byExchangeID: make(map[string]*domain.Order),
		active:       make(map[string]*domain.Order),
		history:      make(map[string][]*domain.Order),
	}
}

// Add inserts a new order under its client order id.
func (s *Store) Add(o domain.Order) error {
	if o.ClientOrderID == "" {
		return fmt.Errorf("%w: empty client order id", ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byClientID[o.ClientOrderID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateClientID, o.ClientOrderID)
	}

	stored := o
	s.byClientID[o.ClientOrderID] = &stored
	if stored.ExchangeOrderID != "" {
		s.byExchangeID[stored.ExchangeOrderID] = &stored
	}
	if stored.Status.IsTerminal() {
		s.history[stored.Symbol] = append(s.history[stored.Symbol], &stored)
	} else {
		s.active[stored.ClientOrderID] = &stored
	}
	return nil
}

// Update runs fn against the stored order under the store lock, then
// reindexes a newly assigned exchange order id and moves the order into
// history if fn made it terminal. It returns a copy of the result.
func (s *Store) Update(clientID string, fn func(*domain.Order)) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.byClientID[clientID]
	if !ok {
		return domain.Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, clientID)
	}

	fn(o)
	o.UpdatedAt = time.Now()

	if o.ExchangeOrderID != "" {
		s.byExchangeID[o.ExchangeOrderID] = o
	}
	if _, isActive := s.active[clientID]; isActive && o.Status.IsTerminal() {
		delete(s.active, clientID)
		s.history[o.Symbol] = append(s.history[o.Symbol], o)
	}
	return *o, nil
}

// Get returns a copy of the order with the given client order id.
func (s *Store) Get(clientID string) (domain.Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.byClientID[clientID]
	if !ok {
		return domain.Order{}, false
	}
	return *o, true
}

// GetByExchangeID returns a copy of the order the venue knows by id.
func (s *Store) GetByExchangeID(exchangeID string) (domain.Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.byExchangeID[exchangeID]
	if !ok {
		return domain.Order{}, false
	}
	return *o, true
}

// Resolve looks an order up by exchange id first, then by client id.
// Venue events may carry either.
func (s *Store) Resolve(exchangeID, clientID string) (domain.Order, bool) {
	if exchangeID != "" {
		if o, ok := s.GetByExchangeID(exchangeID); ok {
			return o, true
		}
	}
	if clientID != "" {
		return s.Get(clientID)
	}
	return domain.Order{}, false
}

// ActiveOrders returns copies of all non-terminal orders.
func (s *Store) ActiveOrders() []domain.Order {
	return s.ActiveBySymbol("")
}

// ActiveBySymbol returns copies of non-terminal orders for symbol; an empty
// symbol matches everything. Results are ordered oldest first.
func (s *Store) ActiveBySymbol(symbol string) []domain.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Order, 0, len(s.active))
	for _, o := range s.active {
		if symbol == "" || o.Symbol == symbol {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ActiveCount returns the number of non-terminal orders.
func (s *Store) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.active)
}

// History returns completed orders newest first, paginated. An empty symbol
// merges all symbols. Page numbering starts at zero; perPage defaults when
// non-positive.
func (s *Store) History(symbol string, page, perPage int) []domain.Order {
	if perPage <= 0 {
		perPage = defaultHistoryPage
	}
	if page < 0 {
		page = 0
	}

	s.mu.RLock()
	var all []*domain.Order
	if symbol == "" {
		for _, hs := range s.history {
			all = append(all, hs...)
		}
	} else {
		all = append(all, s.history[symbol]...)
	}
	copies := make([]domain.Order, len(all))
	for i, o := range all {
		copies[i] = *o
	}
	s.mu.RUnlock()

	sort.Slice(copies, func(i, j int) bool {
		return copies[i].UpdatedAt.After(copies[j].UpdatedAt)
	})

	start := page * perPage
	if start >= len(copies) {
		return nil
	}
	end := start + perPage
	if end > len(copies) {
		end = len(copies)
	}
	return copies[start:end]
}

// Counts returns the number of active and completed orders.
func (s *Store) Counts() (active, completed int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, hs := range s.history {
		completed += len(hs)
	}
	return len(s.active), completed
}
