package engine

import (
	"context"
	"time"

	"github.com/Rajchodisetti/swing-engine/internal/lifecycle"
	"github.com/Rajchodisetti/swing-engine/internal/observ"
)

// Archiver moves Sold-out scripts out of the active set once their last
// trade is older than the retention window. Archived scripts keep their row
// and gain an immutable snapshot.
type Archiver struct {
	engine        *Engine
	retentionDays int
}

// NewArchiver returns an archiver; retentionDays <= 0 archives immediately.
func NewArchiver(e *Engine, retentionDays int) *Archiver {
	return &Archiver{engine: e, retentionDays: retentionDays}
}

// Sweep archives every eligible script and returns how many were archived.
func (a *Archiver) Sweep(ctx context.Context, now time.Time) (int, error) {
	e := a.engine
	cutoff := "9999-12-31"
	if a.retentionDays > 0 {
		cutoff = e.session.DaysBefore(now, a.retentionDays)
	}
	candidates, err := e.store.ArchiveCandidates(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	n := 0
	users := map[uint]bool{}
	for _, c := range candidates {
		ok, err := a.archive(ctx, c.ID, now)
		if err != nil {
			observ.LogError("archive_failed", err, map[string]any{"script_id": c.ID})
			continue
		}
		if ok {
			n++
			users[c.UserID] = true
		}
	}
	for userID := range users {
		e.publishState(ctx, userID)
	}
	if n > 0 {
		observ.IncCounterBy("scripts_archived_total", nil, float64(n))
		observ.Log("archive_sweep", map[string]any{"archived": n, "cutoff": cutoff})
	}
	return n, nil
}

// archive re-reads the script under its lock so a concurrent change wins.
func (a *Archiver) archive(ctx context.Context, scriptID uint, now time.Time) (bool, error) {
	e := a.engine
	unlock, err := e.locks.Lock(ctx, scriptID)
	if err != nil {
		return false, err
	}
	defer unlock()

	sc, err := e.store.GetScript(ctx, scriptID)
	if err != nil {
		return false, err
	}
	if sc.Status != lifecycle.SoldOut || sc.ArchivedAt != nil {
		return false, nil
	}
	if err := e.store.Archive(ctx, &sc, now); err != nil {
		return false, err
	}
	observ.Log("script_archived", map[string]any{"script_id": sc.ID, "symbol": sc.Symbol, "last_trade_date": sc.LastTradeDate})
	return true, nil
}

// Run sweeps on interval until ctx is done.
func (a *Archiver) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := a.Sweep(ctx, a.engine.now()); err != nil {
			observ.LogError("archive_sweep_failed", err, nil)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
