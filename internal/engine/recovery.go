package engine

import (
	"context"
	"time"

	"github.com/Rajchodisetti/swing-engine/internal/observ"
	"github.com/Rajchodisetti/swing-engine/internal/outbox"
)

// RecoveryReport summarizes a startup reconciliation pass.
type RecoveryReport struct {
	Markers        int `json:"markers"`
	Resolved       int `json:"resolved"`
	Voided         int `json:"voided"`
	Open           int `json:"open"`
	Unreconcilable int `json:"unreconcilable"`
	Errors         int `json:"errors"`
}

// Recover reconciles every open marker against the broker before the
// scheduler starts, so no script resumes on a guessed order state.
// Lookups that fail are retried with backoff up to the attempt limit.
func (e *Engine) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport
	markers, err := e.guard.OpenMarkers(ctx)
	if err != nil {
		return report, err
	}
	report.Markers = len(markers)

	for _, m := range markers {
		unlock, err := e.locks.Lock(ctx, m.ScriptID)
		if err != nil {
			return report, err
		}
		switch e.recoverMarker(ctx, m) {
		case "resolved":
			report.Resolved++
		case "voided":
			report.Voided++
		case "open":
			report.Open++
		case "unreconcilable":
			report.Unreconcilable++
		default:
			report.Errors++
		}
		unlock()
	}

	summary := map[string]any{
		"markers":        report.Markers,
		"resolved":       report.Resolved,
		"voided":         report.Voided,
		"open":           report.Open,
		"unreconcilable": report.Unreconcilable,
		"errors":         report.Errors,
	}
	if report.Unreconcilable > 0 || report.Errors > 0 {
		observ.LogWarn("recovery_complete", summary)
	} else {
		observ.Log("recovery_complete", summary)
	}
	observ.SetComponentHealth("recovery", report.Errors == 0, "")
	return report, ctx.Err()
}

func (e *Engine) recoverMarker(ctx context.Context, m outbox.Marker) string {
	backoff := e.opts.ReconcileBackoff
	for {
		result := e.reconcile(ctx, m)
		if result != "retry" {
			return result
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return "error"
		}
		backoff *= 2
	}
}
