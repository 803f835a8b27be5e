package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/swing-engine/internal/adapters"
	"github.com/Rajchodisetti/swing-engine/internal/alerts"
	"github.com/Rajchodisetti/swing-engine/internal/config"
	"github.com/Rajchodisetti/swing-engine/internal/lifecycle"
	"github.com/Rajchodisetti/swing-engine/internal/observ"
	"github.com/Rajchodisetti/swing-engine/internal/outbox"
	"github.com/Rajchodisetti/swing-engine/internal/portfolio"
	"github.com/Rajchodisetti/swing-engine/internal/publish"
	"github.com/Rajchodisetti/swing-engine/internal/risk"
)

// Result is the outcome of one dispatch, used as a metric label.
type Result string

const (
	ResultHold       Result = "hold"
	ResultSubmitted  Result = "submitted"
	ResultRejected   Result = "rejected"
	ResultDeclined   Result = "declined"
	ResultSkipped    Result = "skipped"
	ResultCooldown   Result = "cooldown"
	ResultDuplicate  Result = "duplicate"
	ResultPending    Result = "pending"
	ResultReconciled Result = "reconciled"
	ResultTransient  Result = "transient"
	ResultFailed     Result = "failed"
	ResultBusy       Result = "busy"
	ResultInactive   Result = "inactive"
	ResultLeaseHeld  Result = "lease_held"
	ResultOutside    Result = "outside_window"
)

// Alerter receives danger-level notifications for operators.
type Alerter interface {
	Send(req alerts.AlertRequest)
}

type Options struct {
	TickInterval      time.Duration
	Workers           int
	ReconcileAttempts int
	ReconcileBackoff  time.Duration
	OrderCooldown     time.Duration
	FailureCooldown   time.Duration
	AutoRetrySkipped  bool
	EnableReentry     bool
	Averaging         lifecycle.AveragingPolicy
}

// OptionsFromConfig maps the engine section of the config.
func OptionsFromConfig(c config.Engine) (Options, error) {
	policy, err := lifecycle.PolicyByName(c.Averaging)
	if err != nil {
		return Options{}, err
	}
	return Options{
		TickInterval:      time.Duration(c.TickIntervalSeconds) * time.Second,
		Workers:           c.Workers,
		ReconcileAttempts: c.ReconcileAttempts,
		ReconcileBackoff:  time.Duration(c.ReconcileBackoffMs) * time.Millisecond,
		OrderCooldown:     time.Duration(c.OrderCooldownSeconds) * time.Second,
		FailureCooldown:   time.Duration(c.FailureCooldownSeconds) * time.Second,
		AutoRetrySkipped:  c.AutoRetrySkipped,
		EnableReentry:     c.EnableReentry,
		Averaging:         policy,
	}, nil
}

func (o *Options) applyDefaults() {
	if o.TickInterval <= 0 {
		o.TickInterval = 30 * time.Second
	}
	if o.Workers <= 0 {
		o.Workers = 16
	}
	if o.ReconcileAttempts <= 0 {
		o.ReconcileAttempts = 3
	}
	if o.ReconcileBackoff <= 0 {
		o.ReconcileBackoff = 500 * time.Millisecond
	}
	if o.Averaging == nil {
		o.Averaging = lifecycle.WeightedAverage{}
	}
}

// Deps are the collaborators of the engine. Store, Guard and Gateway are
// required; the rest have working defaults.
type Deps struct {
	Store    *portfolio.Store
	Guard    *outbox.Guard
	Gateway  adapters.Gateway
	Gate     *risk.Gate
	Cooldown *risk.Cooldown
	Hub      *publish.Hub
	Journal  *outbox.Journal
	Alerts   Alerter
	Lease    *RedisLease
	Session  *Session
	Clock    func() time.Time
}

// Engine runs the per-script pipeline and owns every path that mutates
// script state: scheduled dispatch, order feed, reconciliation and user
// controls. All of them serialize on the same per-script lock.
type Engine struct {
	store    *portfolio.Store
	guard    *outbox.Guard
	gw       adapters.Gateway
	gate     *risk.Gate
	cooldown *risk.Cooldown
	hub      *publish.Hub
	journal  *outbox.Journal
	alerts   Alerter
	lease    *RedisLease
	session  *Session
	locks    *KeyedLocker
	opts     Options
	now      func() time.Time
}

func New(deps Deps, opts Options) (*Engine, error) {
	if deps.Store == nil || deps.Guard == nil || deps.Gateway == nil {
		return nil, fmt.Errorf("engine requires store, guard and gateway")
	}
	opts.applyDefaults()
	e := &Engine{
		store:    deps.Store,
		guard:    deps.Guard,
		gw:       deps.Gateway,
		gate:     deps.Gate,
		cooldown: deps.Cooldown,
		hub:      deps.Hub,
		journal:  deps.Journal,
		alerts:   deps.Alerts,
		lease:    deps.Lease,
		session:  deps.Session,
		locks:    NewKeyedLocker(),
		opts:     opts,
		now:      deps.Clock,
	}
	if e.gate == nil {
		e.gate = risk.NewGate(risk.NewLedger(), e.fetchBalance)
	}
	if e.cooldown == nil {
		e.cooldown = risk.NewCooldown(risk.CooldownConfig{
			OrderCooldown:   opts.OrderCooldown,
			FailureCooldown: opts.FailureCooldown,
		})
	}
	if e.hub == nil {
		e.hub = publish.NewHub(0)
	}
	if e.session == nil {
		e.session = AlwaysOpen()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

func (e *Engine) Hub() *publish.Hub         { return e.hub }
func (e *Engine) Ledger() *risk.Ledger      { return e.gate.Ledger() }
func (e *Engine) Session() *Session         { return e.session }
func (e *Engine) Options() Options          { return e.opts }
func (e *Engine) Store() *portfolio.Store   { return e.store }
func (e *Engine) Gateway() adapters.Gateway { return e.gw }

func (e *Engine) fetchBalance(ctx context.Context) (decimal.Decimal, error) {
	b, err := e.gw.Balance(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return b.Available, nil
}

// setStatus applies ev to the script's status.
func (e *Engine) setStatus(sc *portfolio.Script, ev lifecycle.Event) error {
	next, err := lifecycle.Transition(sc.Status, ev)
	if err != nil {
		return err
	}
	if next != sc.Status {
		observ.IncCounter("script_transitions_total", map[string]string{"from": string(sc.Status), "to": string(next)})
		observ.Log("script_transition", map[string]any{
			"script_id": sc.ID,
			"symbol":    sc.Symbol,
			"from":      string(sc.Status),
			"to":        string(next),
			"event":     lifecycle.EventName(ev),
		})
		sc.Status = next
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// fail moves a script to Failed and persists it.
func (e *Engine) fail(ctx context.Context, sc *portfolio.Script, reason string) {
	if err := e.setStatus(sc, lifecycle.PipelineError{Reason: reason}); err != nil {
		observ.LogError("script_fail_transition", err, map[string]any{"script_id": sc.ID, "reason": reason})
		return
	}
	now := e.now()
	sc.Reason = truncate(reason, 500)
	sc.ReasonAt = &now
	if err := e.store.SaveScript(ctx, sc); err != nil {
		observ.LogError("script_save_failed", err, map[string]any{"script_id": sc.ID})
	}
	e.notify(sc, publish.LevelDanger, fmt.Sprintf("%s failed: %s", sc.Name, reason))
}

// publishState pushes the user's strategy snapshot.
func (e *Engine) publishState(ctx context.Context, userID uint) {
	scripts, err := e.store.ScriptsByUser(ctx, userID)
	if err != nil {
		observ.LogWarn("snapshot_load_failed", map[string]any{"user_id": userID, "error": err.Error()})
		return
	}
	e.hub.Publish(userID, publish.StrategyUpdate(portfolio.BuildState(scripts)))
}

func (e *Engine) notify(sc *portfolio.Script, level publish.Level, msg string) {
	e.hub.Publish(sc.UserID, publish.Notification{Level: level, Message: msg, ScriptID: sc.ID, Symbol: sc.Symbol})
	if level == publish.LevelDanger && e.alerts != nil {
		e.alerts.Send(alerts.AlertRequest{
			Level:     string(level),
			Title:     "script " + string(sc.Status),
			Message:   msg,
			Symbol:    sc.Symbol,
			ScriptID:  sc.ID,
			UserID:    sc.UserID,
			Timestamp: e.now(),
		})
	}
}

func (e *Engine) journalOrder(m *outbox.Marker, sc *portfolio.Script, status, orderID, reason string) {
	if e.journal == nil {
		return
	}
	err := e.journal.WriteOrder(outbox.Order{
		EpochKey:      m.EpochKey,
		ScriptID:      m.ScriptID,
		Symbol:        sc.Symbol,
		Side:          m.Side,
		Quantity:      m.Quantity,
		Price:         m.Price.String(),
		ClientOrderID: m.ClientOrderID,
		OrderID:       orderID,
		Status:        status,
		Reason:        reason,
		Timestamp:     e.now(),
	})
	if err != nil {
		observ.LogWarn("journal_write_failed", map[string]any{"epoch_key": m.EpochKey, "error": err.Error()})
	}
}
