package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/swing-engine/internal/observ"
)

// BalanceFunc reads the broker's available balance.
type BalanceFunc func(ctx context.Context) (decimal.Decimal, error)

// Check is the outcome of an affordability check.
type Check struct {
	Symbol    string          `json:"symbol"`
	Required  decimal.Decimal `json:"required"`
	Available decimal.Decimal `json:"available"`
	Allowed   bool            `json:"allowed"`
}

// Gate checks required capital against the ledger and reserves it on success.
// It is advisory: the broker's own rejection remains the final authority.
type Gate struct {
	ledger  *Ledger
	refresh BalanceFunc
	now     func() time.Time
}

// NewGate builds a gate over ledger. refresh is consulted only when the
// ledger has never been reconciled.
func NewGate(ledger *Ledger, refresh BalanceFunc) *Gate {
	return &Gate{ledger: ledger, refresh: refresh, now: time.Now}
}

func (g *Gate) Ledger() *Ledger { return g.ledger }

// Check reserves required under key when it is affordable. A declined check
// is not an error.
func (g *Gate) Check(ctx context.Context, key, symbol string, required decimal.Decimal) (Check, error) {
	if _, known := g.ledger.Available(); !known && g.refresh != nil {
		bal, err := g.refresh(ctx)
		if err != nil {
			return Check{Symbol: symbol, Required: required}, fmt.Errorf("refresh balance: %w", err)
		}
		g.ledger.Reconcile(bal, g.now())
	}

	ok, available := g.ledger.Reserve(key, required)
	res := Check{Symbol: symbol, Required: required, Available: available, Allowed: ok}
	if !ok {
		observ.IncCounter("affordability_declines_total", nil)
		observ.Log("affordability_declined", map[string]any{
			"symbol":    symbol,
			"required":  required.String(),
			"available": available.String(),
		})
	}
	return res, nil
}

// Release undoes the reservation made under key.
func (g *Gate) Release(key string) { g.ledger.Release(key) }
