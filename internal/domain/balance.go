package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Balance is a single-asset ledger entry. Reserved tracks the amount locked
// behind open orders; Available is what new orders may spend.
type Balance struct {
	Asset    string
	Amount   decimal.Decimal
	Reserved decimal.Decimal
}

// Available returns the spendable amount.
func (b *Balance) Available() decimal.Decimal {
	return b.Amount.Sub(b.Reserved)
}

// Credit adds qty to the balance.
func (b *Balance) Credit(qty decimal.Decimal) {
	b.Amount = b.Amount.Add(qty)
}

// Debit removes qty from the balance.
// Panics if the balance would go negative: callers must check Available
// first, so a failure here is an accounting bug, not an input error.
func (b *Balance) Debit(qty decimal.Decimal) {
	if b.Amount.LessThan(qty) {
		panic(fmt.Sprintf("balance %s: debit %s exceeds amount %s", b.Asset, qty, b.Amount))
	}
	b.Amount = b.Amount.Sub(qty)
}

// Reserve locks qty behind an open order.
// Panics if qty exceeds the available amount.
func (b *Balance) Reserve(qty decimal.Decimal) {
	if b.Available().LessThan(qty) {
		panic(fmt.Sprintf("balance %s: reserve %s exceeds available %s", b.Asset, qty, b.Available()))
	}
	b.Reserved = b.Reserved.Add(qty)
}

// Release unlocks qty previously reserved.
// Panics if qty exceeds the reserved amount.
func (b *Balance) Release(qty decimal.Decimal) {
	if b.Reserved.LessThan(qty) {
		panic(fmt.Sprintf("balance %s: release %s exceeds reserved %s", b.Asset, qty, b.Reserved))
	}
	b.Reserved = b.Reserved.Sub(qty)
}

// VerifyInvariant panics if the ledger entry is inconsistent.
func (b *Balance) VerifyInvariant() {
	if b.Amount.IsNegative() {
		panic(fmt.Sprintf("balance %s: negative amount %s", b.Asset, b.Amount))
	}
	if b.Reserved.IsNegative() {
		panic(fmt.Sprintf("balance %s: negative reserved %s", b.Asset, b.Reserved))
	}
	if b.Reserved.GreaterThan(b.Amount) {
		panic(fmt.Sprintf("balance %s: reserved %s exceeds amount %s", b.Asset, b.Reserved, b.Amount))
	}
}

// BalanceBook is a per-asset ledger. It is not safe for concurrent use;
// the owner serializes access.
type BalanceBook struct {
	balances map[string]*Balance
}

// NewBalanceBook creates an empty ledger.
func NewBalanceBook() *BalanceBook {
	return &BalanceBook{balances: make(map[string]*Balance)}
}

// Get returns the balance for asset, creating a zero entry if absent.
func (bb *BalanceBook) Get(asset string) *Balance {
	b, ok := bb.balances[asset]
	if !ok {
		b = &Balance{Asset: asset}
		bb.balances[asset] = b
	}
	return b
}

// VerifyAll checks every entry's invariants.
func (bb *BalanceBook) VerifyAll() {
	for _, b := range bb.balances {
		b.VerifyInvariant()
	}
}

// Snapshot returns a copy of all entries.
func (bb *BalanceBook) Snapshot() []Balance {
	out := make([]Balance, 0, len(bb.balances))
	for _, b := range bb.balances {
		out = append(out, *b)
	}
	return out
}
