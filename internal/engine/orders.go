package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/swing-engine/internal/adapters"
	"github.com/Rajchodisetti/swing-engine/internal/lifecycle"
	"github.com/Rajchodisetti/swing-engine/internal/observ"
	"github.com/Rajchodisetti/swing-engine/internal/outbox"
	"github.com/Rajchodisetti/swing-engine/internal/portfolio"
	"github.com/Rajchodisetti/swing-engine/internal/publish"
)

const (
	statusNotOk     = "not_ok"
	statusFilled    = string(adapters.OrderFilled)
	statusRejected  = string(adapters.OrderRejected)
	statusCancelled = string(adapters.OrderCancelled)
)

const reasonUnreconcilable = "order state unreconcilable"

// outcome is a terminal order result, whether it came from the
// acknowledgment, the order feed or a broker lookup.
type outcome struct {
	status  string
	orderID string
	qty     int64
	price   decimal.Decimal
	reason  string
}

func outcomeFromUpdate(u adapters.OrderUpdate) outcome {
	return outcome{
		status:  string(u.Status),
		orderID: u.OrderID,
		qty:     u.FilledQty,
		price:   u.AvgPrice,
		reason:  u.RejectReason,
	}
}

// fill reports whether shares changed hands. A cancelled order may still
// have filled in part.
func (o outcome) fill() bool {
	switch o.status {
	case statusFilled:
		return true
	case statusCancelled:
		return o.qty > 0
	}
	return false
}

// resolve completes the marker for key and applies the outcome to its
// script in one transaction. It returns nil when the marker was already
// complete, which makes repeated feed deliveries harmless.
func (e *Engine) resolve(ctx context.Context, key string, o outcome) (*portfolio.Script, error) {
	now := e.now()
	var (
		sc      portfolio.Script
		marker  *outbox.Marker
		applied bool
		failure string
	)
	err := e.store.Transaction(ctx, func(tx *portfolio.Store) error {
		guard := e.guard.WithTx(tx.DB())
		m, err := guard.Get(ctx, key)
		if err != nil {
			return err
		}
		if !m.Open() {
			return nil
		}
		marker = m
		sc, err = tx.GetScript(ctx, m.ScriptID)
		if err != nil {
			return err
		}

		res := outbox.Result{Status: o.status, OrderID: o.orderID, Reason: o.reason, AvgPrice: decimal.Zero}
		if o.fill() {
			if o.qty <= 0 {
				o.qty = m.Quantity
			}
			if !o.price.IsPositive() {
				o.price = m.Price
			}
			if err := e.applyFill(&sc, m.Side, o.qty, o.price, now); err != nil {
				// the order happened; record it and stop the script
				failure = fmt.Sprintf("apply fill: %v", err)
				if serr := e.setStatus(&sc, lifecycle.PipelineError{Reason: failure}); serr != nil {
					return serr
				}
				sc.Reason = truncate(failure, 500)
				sc.ReasonAt = &now
			}
			res.FilledQty = o.qty
			res.AvgPrice = o.price
		} else {
			reason := o.reason
			if reason == "" {
				reason = "order " + o.status
			}
			if err := e.setStatus(&sc, lifecycle.Rejected{Reason: reason}); err != nil {
				observ.LogWarn("rejection_ignored", map[string]any{"script_id": sc.ID, "status": string(sc.Status), "error": err.Error()})
			}
			sc.Reason = truncate(reason, 500)
			sc.ReasonAt = &now
		}
		if err := guard.Complete(ctx, key, res); err != nil {
			return err
		}
		applied = true
		return tx.SaveScript(ctx, &sc)
	})
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", key, err)
	}
	if !applied {
		return nil, nil
	}

	if marker.Side == string(adapters.Buy) && o.fill() {
		e.gate.Ledger().Settle(key, o.price.Mul(decimal.NewFromInt(o.qty)))
	} else {
		e.gate.Release(key)
	}
	e.journalFill(marker, &sc, o)

	status := o.status
	if o.fill() {
		status = statusFilled
	}
	e.hub.Publish(sc.UserID, publish.OrderUpdate{
		ScriptID: sc.ID,
		Symbol:   sc.Symbol,
		Side:     marker.Side,
		Status:   status,
		OrderID:  o.orderID,
		Quantity: o.qty,
		Price:    o.price,
		Reason:   o.reason,
	})
	switch {
	case failure != "":
		e.notify(&sc, publish.LevelDanger, fmt.Sprintf("%s failed: %s", sc.Name, failure))
	case o.fill():
		e.notify(&sc, publish.LevelSuccess, fmt.Sprintf("%s %s %d @ %s filled", sc.Symbol, marker.Side, o.qty, o.price.StringFixed(2)))
	default:
		e.notify(&sc, publish.LevelWarning, fmt.Sprintf("%s order rejected: %s", sc.Symbol, sc.Reason))
	}
	observ.Log("order_resolved", map[string]any{
		"script_id": sc.ID,
		"epoch_key": key,
		"status":    status,
		"quantity":  o.qty,
		"price":     o.price.String(),
		"script":    string(sc.Status),
	})
	return &sc, nil
}

// applyFill updates the position and status of sc for an executed order.
func (e *Engine) applyFill(sc *portfolio.Script, side string, qty int64, price decimal.Decimal, now time.Time) error {
	pos, err := lifecycle.ApplyFill(sc.Position(), lifecycle.Fill{Side: side, Quantity: qty, Price: price}, e.opts.Averaging)
	if err != nil {
		return err
	}
	if err := e.setStatus(sc, lifecycle.Filled{Side: side, Quantity: qty, Price: price, Remaining: pos.Quantity}); err != nil {
		return err
	}
	sc.SetPosition(pos)
	today := e.session.Today(now)
	sc.LastTradeDate = today
	if side == string(adapters.Buy) {
		sc.LastEntryDate = today
	}
	if sc.Status == lifecycle.SoldOut {
		sc.ThresholdPrice = decimal.Zero
		sc.ReentryThreshold = decimal.Zero
		sc.ThresholdDate = ""
	}
	sc.Reason = ""
	sc.ReasonAt = nil
	return nil
}

func (e *Engine) journalFill(m *outbox.Marker, sc *portfolio.Script, o outcome) {
	if e.journal == nil {
		return
	}
	err := e.journal.WriteFill(outbox.Fill{
		EpochKey:     m.EpochKey,
		ScriptID:     m.ScriptID,
		OrderID:      o.orderID,
		Symbol:       sc.Symbol,
		Side:         m.Side,
		Status:       o.status,
		Quantity:     o.qty,
		Price:        o.price.String(),
		RejectReason: o.reason,
		Timestamp:    e.now(),
	})
	if err != nil {
		observ.LogWarn("journal_write_failed", map[string]any{"epoch_key": m.EpochKey, "error": err.Error()})
	}
}

// reconcile makes one broker lookup for an open marker and acts on it.
// The caller holds the script lock. It returns the outcome label.
func (e *Engine) reconcile(ctx context.Context, m outbox.Marker) string {
	ctx = context.WithoutCancel(ctx)
	result := e.lookup(ctx, m)
	observ.IncCounter("markers_reconciled_total", map[string]string{"outcome": result})
	observ.Log("marker_reconciled", map[string]any{
		"epoch_key":       m.EpochKey,
		"script_id":       m.ScriptID,
		"client_order_id": m.ClientOrderID,
		"state":           string(m.State),
		"outcome":         result,
	})
	return result
}

func (e *Engine) lookup(ctx context.Context, m outbox.Marker) string {
	u, err := e.gw.LookupOrder(ctx, m.ClientOrderID)
	switch {
	case err == nil && u.Status.Terminal():
		if _, err := e.resolve(ctx, m.EpochKey, outcomeFromUpdate(u)); err != nil {
			observ.LogError("reconcile_resolve_failed", err, map[string]any{"epoch_key": m.EpochKey})
			return "error"
		}
		return "resolved"

	case err == nil:
		// still working at the broker; the feed will finish it
		e.gate.Ledger().Acknowledge(m.EpochKey)
		if err := e.guard.MarkSubmitted(ctx, m.EpochKey, u.OrderID); err != nil {
			observ.LogError("marker_update_failed", err, map[string]any{"epoch_key": m.EpochKey})
		}
		return "open"

	case errors.Is(err, adapters.ErrOrderNotFound):
		if err := e.guard.Void(ctx, m.EpochKey, "order not found at broker"); err != nil {
			observ.LogError("marker_update_failed", err, map[string]any{"epoch_key": m.EpochKey})
			return "error"
		}
		e.gate.Release(m.EpochKey)
		return "voided"
	}

	attempts, aerr := e.guard.RecordReconcileAttempt(ctx, m.EpochKey)
	if aerr != nil {
		observ.LogError("marker_update_failed", aerr, map[string]any{"epoch_key": m.EpochKey})
		return "error"
	}
	observ.LogWarn("reconcile_lookup_failed", map[string]any{
		"epoch_key": m.EpochKey,
		"attempt":   attempts,
		"error":     err.Error(),
	})
	if attempts < e.opts.ReconcileAttempts {
		return "retry"
	}

	if err := e.guard.Void(ctx, m.EpochKey, reasonUnreconcilable); err != nil {
		observ.LogError("marker_update_failed", err, map[string]any{"epoch_key": m.EpochKey})
		return "error"
	}
	e.gate.Release(m.EpochKey)
	sc, err := e.store.GetScript(ctx, m.ScriptID)
	if err != nil {
		observ.LogError("script_load_failed", err, map[string]any{"script_id": m.ScriptID})
		return "unreconcilable"
	}
	e.fail(ctx, &sc, reasonUnreconcilable)
	return "unreconcilable"
}

// HandleOrderUpdate applies one order feed update. Updates for unknown or
// already completed orders are ignored.
func (e *Engine) HandleOrderUpdate(ctx context.Context, u adapters.OrderUpdate) error {
	m, err := e.guard.FindByOrder(ctx, u.OrderID, u.ClientOrderID)
	if errors.Is(err, outbox.ErrNoMarker) {
		observ.Log("feed_update_unmatched", map[string]any{"order_id": u.OrderID, "client_order_id": u.ClientOrderID})
		return nil
	}
	if err != nil {
		return err
	}
	if !m.Open() {
		observ.IncCounter("order_duplicates_suppressed_total", map[string]string{"reason": "feed_replay"})
		return nil
	}

	unlock, err := e.locks.Lock(ctx, m.ScriptID)
	if err != nil {
		return err
	}
	defer unlock()

	if !u.Status.Terminal() {
		if m.State == outbox.StateInProgress && u.OrderID != "" {
			e.gate.Ledger().Acknowledge(m.EpochKey)
			return e.guard.MarkSubmitted(ctx, m.EpochKey, u.OrderID)
		}
		return nil
	}
	sc, err := e.resolve(ctx, m.EpochKey, outcomeFromUpdate(u))
	if err != nil {
		return err
	}
	if sc != nil {
		e.publishState(ctx, sc.UserID)
	}
	return nil
}

// ConsumeFeed applies updates from feed until ctx is done or the feed closes.
func (e *Engine) ConsumeFeed(ctx context.Context, feed adapters.OrderFeed) error {
	updates := feed.Updates()
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			if err := e.HandleOrderUpdate(ctx, u); err != nil {
				observ.LogError("feed_update_failed", err, map[string]any{
					"order_id":        u.OrderID,
					"client_order_id": u.ClientOrderID,
					"status":          string(u.Status),
				})
			}
		}
	}
}
