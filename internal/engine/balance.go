package engine

import (
	"context"
	"time"

	"github.com/Rajchodisetti/swing-engine/internal/observ"
	"github.com/Rajchodisetti/swing-engine/internal/publish"
)

// PollBalance reconciles the local ledger against the broker balance and
// broadcasts the result. Reservations the broker has not acknowledged
// stay deducted.
func (e *Engine) PollBalance(ctx context.Context) error {
	b, err := e.gw.Balance(ctx)
	if err != nil {
		observ.SetComponentHealth("broker", false, err.Error())
		observ.LogWarn("balance_poll_failed", map[string]any{"error": err.Error()})
		return err
	}
	observ.SetComponentHealth("broker", true, "")

	ledger := e.gate.Ledger()
	ledger.Reconcile(b.Available, e.now())
	available, _ := ledger.Available()
	e.hub.Broadcast(publish.BalanceUpdate{Balance: available})

	if c, ok := e.gw.(interface{ Cleanup() int }); ok {
		if n := c.Cleanup(); n > 0 {
			observ.Log("quote_cache_cleanup", map[string]any{"evicted": n})
		}
	}
	return nil
}

// RunBalancePoller polls on interval until ctx is done.
func (e *Engine) RunBalancePoller(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		_ = e.PollBalance(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
