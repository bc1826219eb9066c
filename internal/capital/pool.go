// Package capital owns the cash shared across market runners. Every debit
// and credit goes through a mutex-guarded Pool, so concurrent runners can
// never observe or create a negative balance the way an unguarded shared
// cell could.
package capital

import (
	"fmt"
	"sync"

	"github.com/mfeltner/polysim/internal/domain"
)

// Pool is a shared cash balance. The zero value is unusable; construct with
// NewPool. Safe for concurrent use.
type Pool struct {
	mu       sync.Mutex
	balance  float64
	starting float64
	debits   int64
	credits  int64
}

// NewPool creates a pool with the given starting balance.
func NewPool(balance float64) *Pool {
	return &Pool{balance: balance, starting: balance}
}

// Balance returns the current spendable cash.
func (p *Pool) Balance() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance
}

// Starting returns the balance the pool was constructed with.
func (p *Pool) Starting() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.starting
}

// Debit withdraws amount, failing without mutation when the pool cannot
// cover it.
func (p *Pool) Debit(amount float64) error {
	if amount < 0 {
		return fmt.Errorf("capital: debit of negative amount %.4f", amount)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if amount > p.balance {
		return fmt.Errorf("capital: debit $%.2f exceeds balance $%.2f: %w",
			amount, p.balance, domain.ErrInsufficientFunds)
	}
	p.balance -= amount
	p.debits++
	return nil
}

// Credit deposits amount. Negative credits are ignored so resolution payouts
// of zero-quantity positions stay harmless.
func (p *Pool) Credit(amount float64) {
	if amount <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balance += amount
	p.credits++
}

// NetPnL is the balance change since construction.
func (p *Pool) NetPnL() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance - p.starting
}

// Activity reports how many debits and credits the pool has processed.
func (p *Pool) Activity() (debits, credits int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.debits, p.credits
}
