// Package credit reads and debits owner balances.
//
// Debits are keyed by a caller reference, the outbound message id, so
// replaying one is harmless. That is what lets the reconciler retry debits
// that did not complete after a send.
package credit

import (
	"context"
	"sync"
)

type Meter interface {
	Balance(ctx context.Context, ownerID string) (int64, error)
	// Debit subtracts amount from ownerID's balance once per ref.
	Debit(ctx context.Context, ownerID string, amount int64, ref string) error
}

// MemoryMeter keeps balances in process. Owners without an explicit balance
// start at the default balance.
type MemoryMeter struct {
	mu       sync.Mutex
	def      int64
	balances map[string]int64
	applied  map[string]bool
}

var _ Meter = (*MemoryMeter)(nil)

func NewMemoryMeter(defaultBalance int64) *MemoryMeter {
	return &MemoryMeter{
		def:      defaultBalance,
		balances: make(map[string]int64),
		applied:  make(map[string]bool),
	}
}

func (m *MemoryMeter) SetBalance(ownerID string, balance int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[ownerID] = balance
}

func (m *MemoryMeter) balanceLocked(ownerID string) int64 {
	if b, ok := m.balances[ownerID]; ok {
		return b
	}
	return m.def
}

func (m *MemoryMeter) Balance(_ context.Context, ownerID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balanceLocked(ownerID), nil
}

func (m *MemoryMeter) Debit(_ context.Context, ownerID string, amount int64, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.applied[ref] {
		return nil
	}
	m.applied[ref] = true
	m.balances[ownerID] = m.balanceLocked(ownerID) - amount
	return nil
}
