package book

import (
	"sort"
	"sync"
)

// Manager keeps one OrderBook per symbol.
type Manager struct {
	mu    sync.RWMutex
	books map[string]*OrderBook
}

// NewManager creates an empty registry.
func NewManager() *Manager {
	return &Manager{books: make(map[string]*OrderBook)}
}

// GetOrCreate returns the book for symbol, creating it on first use.
// Repeated calls return the same instance.
func (m *Manager) GetOrCreate(symbol string) *OrderBook {
	m.mu.RLock()
	b, ok := m.books[symbol]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.books[symbol]; ok {
		return b
	}
	b = New(symbol)
	m.books[symbol] = b
	return b
}

// Get returns the book for symbol if it exists.
func (m *Manager) Get(symbol string) (*OrderBook, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.books[symbol]
	return b, ok
}

// Symbols lists tracked symbols in sorted order.
func (m *Manager) Symbols() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.books))
	for s := range m.books {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Remove drops the book for symbol.
func (m *Manager) Remove(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.books, symbol)
}

// Close releases all books.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.books = make(map[string]*OrderBook)
}
