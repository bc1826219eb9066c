package capital

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfeltner/polysim/internal/domain"
)

func TestPoolDebitCredit(t *testing.T) {
	p := NewPool(100)

	require.NoError(t, p.Debit(30))
	assert.InDelta(t, 70, p.Balance(), 1e-9)

	p.Credit(10)
	assert.InDelta(t, 80, p.Balance(), 1e-9)
	assert.InDelta(t, -20, p.NetPnL(), 1e-9)
	assert.InDelta(t, 100, p.Starting(), 1e-9)

	debits, credits := p.Activity()
	assert.Equal(t, int64(1), debits)
	assert.Equal(t, int64(1), credits)
}

func TestPoolDebitRefusesOverdraft(t *testing.T) {
	p := NewPool(10)

	err := p.Debit(10.01)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInsufficientFunds))
	assert.InDelta(t, 10, p.Balance(), 1e-9, "failed debit must not move the balance")

	require.NoError(t, p.Debit(10))
	assert.Zero(t, p.Balance())
}

func TestPoolDebitRejectsNegativeAmount(t *testing.T) {
	p := NewPool(10)
	assert.Error(t, p.Debit(-5))
	assert.InDelta(t, 10, p.Balance(), 1e-9)
}

func TestPoolCreditIgnoresNonPositive(t *testing.T) {
	p := NewPool(10)
	p.Credit(0)
	p.Credit(-3)
	assert.InDelta(t, 10, p.Balance(), 1e-9)
}

// Many runners racing on one pool must never drive it negative, and every
// successful debit must be accounted for exactly once.
func TestPoolConcurrentDebits(t *testing.T) {
	p := NewPool(100)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if p.Debit(3) == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 33, succeeded, "floor(100/3) debits fit")
	assert.InDelta(t, 1, p.Balance(), 1e-9)
	assert.GreaterOrEqual(t, p.Balance(), 0.0)
}
