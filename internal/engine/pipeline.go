package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/panics"

	"github.com/Rajchodisetti/swing-engine/internal/adapters"
	"github.com/Rajchodisetti/swing-engine/internal/decision"
	"github.com/Rajchodisetti/swing-engine/internal/lifecycle"
	"github.com/Rajchodisetti/swing-engine/internal/observ"
	"github.com/Rajchodisetti/swing-engine/internal/outbox"
	"github.com/Rajchodisetti/swing-engine/internal/portfolio"
	"github.com/Rajchodisetti/swing-engine/internal/publish"
)

func dispatchable(sc portfolio.Script) bool {
	return sc.ArchivedAt == nil && sc.Status.Schedulable() && sc.Set != nil && sc.Set.Active
}

func skipped(reason string) {
	observ.IncCounter("engine_dispatch_skipped_total", map[string]string{"reason": reason})
}

// Dispatch runs one script through evaluate, gate, guard, submit and
// persist for the given tick. A dispatch that finds the script already
// running returns ResultBusy without waiting.
func (e *Engine) Dispatch(ctx context.Context, scriptID uint, tick time.Time) (Result, error) {
	unlock, ok := e.locks.TryLock(scriptID)
	if !ok {
		skipped("busy")
		return ResultBusy, nil
	}
	defer unlock()

	sc, err := e.store.GetScript(ctx, scriptID)
	if err != nil {
		return ResultFailed, err
	}
	if !dispatchable(sc) {
		skipped("inactive")
		return ResultInactive, nil
	}
	if e.lease != nil {
		release, ok, err := e.lease.Acquire(ctx, sc.UserID, sc.ID)
		if err != nil {
			observ.LogWarn("lease_acquire_failed", map[string]any{"script_id": sc.ID, "error": err.Error()})
			return ResultTransient, nil
		}
		if !ok {
			skipped("lease_held")
			return ResultLeaseHeld, nil
		}
		defer release()
	}

	start := time.Now()
	var res Result
	var pc panics.Catcher
	pc.Try(func() { res, err = e.run(ctx, &sc, tick) })
	if r := pc.Recovered(); r != nil {
		res = ResultFailed
		err = fmt.Errorf("pipeline panic: %v", r.Value)
		persistCtx := context.WithoutCancel(ctx)
		if fresh, lerr := e.store.GetScript(persistCtx, scriptID); lerr == nil {
			e.fail(persistCtx, &fresh, err.Error())
		}
	}

	observ.RecordDuration("engine_pipeline_seconds", time.Since(start), map[string]string{"result": string(res)})
	observ.IncCounter("engine_dispatch_total", map[string]string{"result": string(res)})
	if err != nil {
		observ.LogError("pipeline_error", err, map[string]any{"script_id": sc.ID, "symbol": sc.Symbol, "result": string(res)})
	}
	e.publishState(context.WithoutCancel(ctx), sc.UserID)
	return res, err
}

// run is the pipeline body. The caller holds the script lock. Errors it
// returns have already been applied to the script.
func (e *Engine) run(ctx context.Context, sc *portfolio.Script, tick time.Time) (Result, error) {
	now := e.now()
	params := sc.Set.Params.Data()

	inWindow, err := e.session.InWindow(params.ExecutionTime, now)
	if err != nil {
		return e.failed(ctx, sc, err)
	}
	if !inWindow {
		skipped("outside_window")
		return ResultOutside, nil
	}

	open, err := e.guard.OpenForScript(ctx, sc.ID)
	if err != nil {
		return ResultTransient, fmt.Errorf("load open marker: %w", err)
	}
	if open != nil {
		if !e.guard.Reconcilable(*open) {
			observ.IncCounter("order_duplicates_suppressed_total", map[string]string{"reason": "pending"})
			return ResultPending, nil
		}
		e.reconcile(ctx, *open)
		return ResultReconciled, nil
	}

	q, err := e.gw.Quote(ctx, sc.Symbol)
	if err == nil {
		err = adapters.ValidateQuote(q)
	}
	if err != nil {
		return e.gatewayFailure(ctx, sc, "quote", err)
	}
	sc.LastLTP = q.LTP
	sc.LastLTPAt = &now

	if err := e.refreshThresholds(ctx, sc, params, now); err != nil {
		return e.gatewayFailure(ctx, sc, "previous_day", err)
	}

	today := e.session.Today(now)
	d, err := decision.Evaluate(decision.Input{
		Symbol:           sc.Symbol,
		Params:           params,
		LTP:              q.LTP,
		Today:            today,
		EntryThreshold:   decimal.NullDecimal{Decimal: sc.ThresholdPrice, Valid: sc.ThresholdDate != ""},
		ReentryThreshold: decimal.NullDecimal{Decimal: sc.ReentryThreshold, Valid: sc.ThresholdDate != ""},
		Position: decision.Position{
			Quantity:      sc.Quantity,
			AvgPrice:      sc.AvgPrice,
			LastBuyPrice:  sc.LastBuyPrice,
			LastEntryDate: sc.LastEntryDate,
			PartialExited: sc.PartialExited,
		},
		ReentryEnabled: e.opts.EnableReentry,
	})
	var pre *decision.PreconditionError
	switch {
	case errors.As(err, &pre):
		return e.skip(ctx, sc, pre.Reason)
	case err != nil:
		return e.failed(ctx, sc, err)
	}
	if !d.Actionable() {
		return ResultHold, e.save(ctx, sc)
	}

	side := d.Side()
	if ok, info := e.cooldown.CanOrder(side, sc.LastOrderAt, now); !ok {
		observ.Log("dispatch_cooldown", map[string]any{"script_id": sc.ID, "reason": info.Reason()})
		return ResultCooldown, e.save(ctx, sc)
	}

	epoch := outbox.EpochFor(sc.ID, tick, e.opts.TickInterval)
	key := epoch.Key()
	required := d.Price.Mul(decimal.NewFromInt(d.Quantity))
	if side == string(adapters.Buy) {
		chk, err := e.gate.Check(ctx, key, sc.Symbol, required)
		if err != nil {
			observ.LogWarn("affordability_check_failed", map[string]any{"script_id": sc.ID, "error": err.Error()})
			return ResultTransient, e.save(ctx, sc)
		}
		if !chk.Allowed {
			e.hub.Publish(sc.UserID, publish.OrderSkipped{Symbol: sc.Symbol, Available: chk.Available, Required: chk.Required})
			e.notify(sc, publish.LevelWarning, fmt.Sprintf("%s skipped: insufficient balance (available %s, required %s)",
				sc.Symbol, chk.Available.StringFixed(2), chk.Required.StringFixed(2)))
			return ResultDeclined, e.save(ctx, sc)
		}
	}

	marker, err := e.guard.Begin(ctx, epoch, outbox.Intent{
		UserID:   sc.UserID,
		Side:     side,
		Quantity: d.Quantity,
		Price:    d.Price,
	})
	switch {
	case errors.Is(err, outbox.ErrDuplicate):
		e.gate.Release(key)
		observ.IncCounter("order_duplicates_suppressed_total", map[string]string{"reason": "duplicate"})
		cached := ""
		if marker != nil {
			cached = marker.Result().Status
		}
		observ.Log("order_duplicate_suppressed", map[string]any{
			"script_id": sc.ID,
			"epoch_key": key,
			"cached":    cached,
		})
		return ResultDuplicate, e.save(ctx, sc)
	case errors.Is(err, outbox.ErrPending):
		// the blocking order owns the reservation when it is this very epoch
		if marker == nil || marker.EpochKey != key {
			e.gate.Release(key)
		}
		observ.IncCounter("order_duplicates_suppressed_total", map[string]string{"reason": "pending"})
		return ResultPending, e.save(ctx, sc)
	case err != nil:
		e.gate.Release(key)
		return e.failed(ctx, sc, fmt.Errorf("claim epoch %s: %w", key, err))
	}

	sc.LastEpoch = key
	if err := e.save(ctx, sc); err != nil {
		// the marker is claimed; an unsaved epoch only costs a reconciliation
		observ.LogWarn("script_save_failed", map[string]any{"script_id": sc.ID, "error": err.Error()})
	}
	observ.Log("order_decision", map[string]any{
		"script_id": sc.ID,
		"symbol":    sc.Symbol,
		"kind":      d.Kind.String(),
		"reentry":   d.Reentry,
		"quantity":  d.Quantity,
		"price":     d.Price.String(),
		"reason":    d.ReasonJSON(),
		"epoch_key": key,
	})
	return e.submit(ctx, sc, marker)
}

func (e *Engine) save(ctx context.Context, sc *portfolio.Script) error {
	return e.store.SaveScript(ctx, sc)
}

// failed applies an unrecoverable error to the script.
func (e *Engine) failed(ctx context.Context, sc *portfolio.Script, err error) (Result, error) {
	e.fail(context.WithoutCancel(ctx), sc, err.Error())
	return ResultFailed, err
}

// skip applies a benign unmet precondition.
func (e *Engine) skip(ctx context.Context, sc *portfolio.Script, reason string) (Result, error) {
	if err := e.setStatus(sc, lifecycle.Precondition{Reason: reason}); err != nil {
		return ResultFailed, err
	}
	now := e.now()
	sc.Reason = truncate(reason, 500)
	sc.ReasonAt = &now
	e.notify(sc, publish.LevelWarning, fmt.Sprintf("%s skipped: %s", sc.Symbol, reason))
	return ResultSkipped, e.save(ctx, sc)
}

// gatewayFailure leaves the script untouched on transient errors so the
// next tick retries; anything else is an evaluation failure.
func (e *Engine) gatewayFailure(ctx context.Context, sc *portfolio.Script, op string, err error) (Result, error) {
	if adapters.IsTransient(err) {
		observ.LogWarn("gateway_transient", map[string]any{"script_id": sc.ID, "op": op, "error": err.Error()})
		return ResultTransient, nil
	}
	return e.failed(ctx, sc, fmt.Errorf("%s: %w", op, err))
}

// refreshThresholds caches the previous session's bar values for today.
func (e *Engine) refreshThresholds(ctx context.Context, sc *portfolio.Script, p decision.Params, now time.Time) error {
	today := e.session.Today(now)
	if sc.ThresholdDate == today {
		return nil
	}
	needReentry := e.opts.EnableReentry && p.Reentry != nil && p.Reentry.PrevDay != nil
	if sc.Holding() && !needReentry {
		return nil
	}
	bar, err := e.gw.PreviousDay(ctx, sc.Symbol, now)
	if err != nil {
		return err
	}
	entry, err := bar.Value(p.EntryBasis)
	if err != nil {
		return adapters.NewProviderError("previous_day", sc.Symbol, err.Error(), nil)
	}
	reentry, err := bar.Value(p.ReentryBasis())
	if err != nil {
		return adapters.NewProviderError("previous_day", sc.Symbol, err.Error(), nil)
	}
	sc.ThresholdPrice = entry
	sc.ReentryThreshold = reentry
	sc.ThresholdDate = today
	return nil
}

// submit sends the claimed order. From here on the order is awaited to a
// terminal local state, so cancellation of ctx is ignored.
func (e *Engine) submit(ctx context.Context, sc *portfolio.Script, m *outbox.Marker) (Result, error) {
	ctx = context.WithoutCancel(ctx)
	labels := map[string]string{"side": m.Side}

	e.journalOrder(m, sc, "submitting", "", "")
	ack, err := e.gw.SubmitOrder(ctx, adapters.OrderRequest{
		ClientOrderID: m.ClientOrderID,
		Symbol:        sc.Symbol,
		Token:         sc.Token,
		Side:          adapters.Side(m.Side),
		Quantity:      m.Quantity,
		Price:         m.Price,
	})
	if err != nil {
		if adapters.IsTransient(err) {
			labels["result"] = "error"
			observ.IncCounter("orders_submitted_total", labels)
			if merr := e.guard.MarkUncertain(ctx, m.EpochKey, err.Error()); merr != nil {
				observ.LogError("marker_update_failed", merr, map[string]any{"epoch_key": m.EpochKey})
			}
			e.journalOrder(m, sc, "error", "", err.Error())
			observ.LogWarn("order_submit_uncertain", map[string]any{
				"script_id": sc.ID,
				"epoch_key": m.EpochKey,
				"error":     err.Error(),
			})
			return ResultTransient, nil
		}
		ack = adapters.OrderAck{Status: adapters.AckNotOk, Reason: err.Error()}
	}

	if ack.Status == adapters.AckNotOk {
		labels["result"] = "not_ok"
		observ.IncCounter("orders_submitted_total", labels)
		e.journalOrder(m, sc, "not_ok", ack.OrderID, ack.Reason)
		updated, err := e.resolve(ctx, m.EpochKey, outcome{status: statusNotOk, orderID: ack.OrderID, reason: ack.Reason})
		if err != nil {
			return ResultFailed, err
		}
		if updated != nil {
			*sc = *updated
		}
		return ResultRejected, nil
	}

	labels["result"] = "ok"
	observ.IncCounter("orders_submitted_total", labels)
	e.gate.Ledger().Acknowledge(m.EpochKey)
	if err := e.guard.MarkSubmitted(ctx, m.EpochKey, ack.OrderID); err != nil {
		observ.LogError("marker_update_failed", err, map[string]any{"epoch_key": m.EpochKey})
	}
	if m.Side == string(adapters.Buy) {
		now := e.now()
		sc.LastOrderAt = &now
		if err := e.save(ctx, sc); err != nil {
			observ.LogWarn("script_save_failed", map[string]any{"script_id": sc.ID, "error": err.Error()})
		}
	}
	e.journalOrder(m, sc, "ok", ack.OrderID, "")
	e.hub.Publish(sc.UserID, publish.OrderUpdate{
		ScriptID: sc.ID,
		Symbol:   sc.Symbol,
		Side:     m.Side,
		Status:   "ack",
		OrderID:  ack.OrderID,
		Quantity: m.Quantity,
		Price:    m.Price,
	})
	observ.Log("order_submitted", map[string]any{
		"script_id":       sc.ID,
		"symbol":          sc.Symbol,
		"side":            m.Side,
		"quantity":        m.Quantity,
		"client_order_id": m.ClientOrderID,
		"order_id":        ack.OrderID,
	})

	if ack.Update != nil && ack.Update.Status.Terminal() {
		u := *ack.Update
		if u.OrderID == "" {
			u.OrderID = ack.OrderID
		}
		updated, err := e.resolve(ctx, m.EpochKey, outcomeFromUpdate(u))
		if err != nil {
			return ResultFailed, err
		}
		if updated != nil {
			*sc = *updated
		}
	}
	return ResultSubmitted, nil
}
