package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/swing-engine/internal/observ"
)

// Ledger is the single ordering point for the shared account balance.
// Available is the last authoritative broker figure minus every
// outstanding reservation the broker has not yet counted, so concurrent
// buys cannot jointly overdraw against a stale read.
type Ledger struct {
	mu         sync.Mutex
	known      bool
	available  decimal.Decimal
	reserved   map[string]*reservation
	reconciled time.Time
}

// reservation is a held buy amount. Once acked the broker has accepted the
// order and its buying power figure already accounts for it.
type reservation struct {
	amount decimal.Decimal
	acked  bool
}

func NewLedger() *Ledger {
	return &Ledger{reserved: make(map[string]*reservation)}
}

// Reserve decrements the available balance by amount if it fits. A key that
// already holds a reservation is reported as reserved without double counting.
// The available figure seen by the check is returned either way.
func (l *Ledger) Reserve(key string, amount decimal.Decimal) (bool, decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.reserved[key]; ok {
		return true, l.available
	}
	seen := l.available
	if !l.known || amount.GreaterThan(l.available) {
		return false, seen
	}
	l.available = l.available.Sub(amount)
	l.reserved[key] = &reservation{amount: amount}
	l.publish()
	return true, seen
}

// Acknowledge marks the reservation for key as accepted by the broker.
// Later reconciles take the broker's figure as already net of it.
func (l *Ledger) Acknowledge(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if r, ok := l.reserved[key]; ok {
		r.acked = true
	}
}

// Release returns a reservation that will not turn into a fill. For an
// acked order the broker frees its hold on rejection or cancel as well.
func (l *Ledger) Release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.reserved[key]
	if !ok {
		return
	}
	delete(l.reserved, key)
	l.available = l.available.Add(r.amount)
	l.publish()
}

// Settle converts a reservation into spent capital at the actual fill cost.
// Available carries the reserved amount as spent, either through Reserve or
// through a broker figure that held it after the ack, so only the
// difference to the fill cost is applied.
func (l *Ledger) Settle(key string, actual decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.reserved[key]
	if !ok {
		return
	}
	delete(l.reserved, key)
	l.available = l.available.Add(r.amount).Sub(actual)
	l.publish()
}

// Reconcile adopts the broker's authoritative available balance. Only
// reservations the broker has not acknowledged are subtracted from it.
func (l *Ledger) Reconcile(authoritative decimal.Decimal, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	outstanding := decimal.Zero
	for _, r := range l.reserved {
		if !r.acked {
			outstanding = outstanding.Add(r.amount)
		}
	}
	l.available = authoritative.Sub(outstanding)
	l.known = true
	l.reconciled = at
	l.publish()
}

// Available returns the current figure and whether a broker balance was ever seen.
func (l *Ledger) Available() (decimal.Decimal, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.available, l.known
}

// Reserved returns the outstanding reservation for key, if any.
func (l *Ledger) Reserved(key string) (decimal.Decimal, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.reserved[key]
	if !ok {
		return decimal.Zero, false
	}
	return r.amount, true
}

func (l *Ledger) ReconciledAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reconciled
}

func (l *Ledger) publish() {
	f, _ := l.available.Float64()
	observ.SetGauge("balance_available", f, nil)
}
