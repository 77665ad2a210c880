// Package wallet exposes the external ledger's single signal the engine consumes:
// whether a technician's wallet is blocked from receiving work.
package wallet

import (
	"context"
	"sync"
)

// Ledger reports whether the wallet behind accountID is blocked (balance <= 0).
type Ledger interface {
	Blocked(ctx context.Context, accountID string) (bool, error)
}

// StaticLedger holds balances in memory. Unknown accounts are treated as funded.
type StaticLedger struct {
	mu       sync.RWMutex
	balances map[string]int64
}

func NewStaticLedger() *StaticLedger {
	return &StaticLedger{balances: make(map[string]int64)}
}

func (l *StaticLedger) SetBalance(accountID string, balance int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[accountID] = balance
}

func (l *StaticLedger) Blocked(_ context.Context, accountID string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.balances[accountID]
	if !ok {
		return false, nil
	}
	return b <= 0, nil
}
