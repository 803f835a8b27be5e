package engine

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/datatypes"

	"github.com/Rajchodisetti/swing-engine/internal/decision"
	"github.com/Rajchodisetti/swing-engine/internal/lifecycle"
	"github.com/Rajchodisetti/swing-engine/internal/observ"
	"github.com/Rajchodisetti/swing-engine/internal/portfolio"
	"github.com/Rajchodisetti/swing-engine/internal/publish"
)

var (
	ErrNotOwner   = errors.New("not owned by user")
	ErrArchived   = errors.New("script is archived")
	ErrInvalidSet = errors.New("invalid strategy set")
)

// ScriptSpec describes one script of a new strategy set.
type ScriptSpec struct {
	Name   string `json:"name"`
	Symbol string `json:"symbol"`
	Token  string `json:"token"`
}

// update loads a script under its lock, applies fn and persists the result.
// A zero userID skips the ownership check for internal callers.
func (e *Engine) update(ctx context.Context, userID, scriptID uint, fn func(sc *portfolio.Script) error) (portfolio.Script, error) {
	unlock, err := e.locks.Lock(ctx, scriptID)
	if err != nil {
		return portfolio.Script{}, err
	}
	defer unlock()

	sc, err := e.store.GetScript(ctx, scriptID)
	if err != nil {
		return sc, err
	}
	if userID != 0 && sc.UserID != userID {
		return sc, fmt.Errorf("script %d: %w", scriptID, ErrNotOwner)
	}
	if sc.ArchivedAt != nil {
		return sc, fmt.Errorf("script %d: %w", scriptID, ErrArchived)
	}
	if err := fn(&sc); err != nil {
		return sc, err
	}
	if err := e.store.SaveScript(ctx, &sc); err != nil {
		return sc, err
	}
	e.publishState(ctx, sc.UserID)
	return sc, nil
}

// Retry moves a Failed or Skipped script back to Waiting or Running,
// whichever its position implies. Other statuses are not retriable.
func (e *Engine) Retry(ctx context.Context, userID, scriptID uint) (lifecycle.Status, error) {
	if userID == 0 {
		return "", fmt.Errorf("script %d: %w", scriptID, ErrNotOwner)
	}
	return e.retry(ctx, userID, scriptID)
}

func (e *Engine) retry(ctx context.Context, userID, scriptID uint) (lifecycle.Status, error) {
	sc, err := e.update(ctx, userID, scriptID, func(sc *portfolio.Script) error {
		if err := e.setStatus(sc, lifecycle.Retry{Holding: sc.Holding()}); err != nil {
			return err
		}
		sc.Reason = ""
		sc.ReasonAt = nil
		return nil
	})
	if err != nil {
		return sc.Status, err
	}
	observ.Log("script_retried", map[string]any{"script_id": sc.ID, "status": string(sc.Status)})
	e.notify(&sc, publish.LevelSuccess, fmt.Sprintf("%s retried, now %s", sc.Name, sc.Status))
	return sc.Status, nil
}

// ToggleScript pauses a Waiting or Running script, or resumes a Paused one.
// A run already in flight finishes; the paused script is not dispatched again.
func (e *Engine) ToggleScript(ctx context.Context, userID, scriptID uint) (lifecycle.Status, error) {
	if userID == 0 {
		return "", fmt.Errorf("script %d: %w", scriptID, ErrNotOwner)
	}
	sc, err := e.update(ctx, userID, scriptID, func(sc *portfolio.Script) error {
		return e.setStatus(sc, lifecycle.Toggle{Holding: sc.Holding()})
	})
	return sc.Status, err
}

// ToggleSet pauses every Waiting or Running member when any is active,
// otherwise resumes every Paused member. Members in other statuses are left
// alone. It returns the aggregate set status.
func (e *Engine) ToggleSet(ctx context.Context, userID, setID uint) (string, error) {
	set, err := e.ownedSet(ctx, userID, setID)
	if err != nil {
		return "", err
	}
	pause := false
	for _, sc := range set.Scripts {
		if sc.Status.Schedulable() {
			pause = true
			break
		}
	}

	statuses := make([]lifecycle.Status, 0, len(set.Scripts))
	for _, member := range set.Scripts {
		sc, err := e.update(ctx, userID, member.ID, func(sc *portfolio.Script) error {
			if (pause && sc.Status.Schedulable()) || (!pause && sc.Status == lifecycle.Paused) {
				return e.setStatus(sc, lifecycle.Toggle{Holding: sc.Holding()})
			}
			return nil
		})
		if err != nil {
			return "", err
		}
		statuses = append(statuses, sc.Status)
	}
	agg := lifecycle.Aggregate(statuses)
	observ.Log("set_toggled", map[string]any{"set_id": setID, "paused": pause, "status": agg})
	return agg, nil
}

func (e *Engine) ownedSet(ctx context.Context, userID, setID uint) (portfolio.StrategySet, error) {
	set, err := e.store.GetSet(ctx, setID)
	if err != nil {
		return set, err
	}
	if userID == 0 || set.UserID != userID {
		return set, fmt.Errorf("strategy set %d: %w", setID, ErrNotOwner)
	}
	return set, nil
}

// Deploy makes a set visible to the scheduler.
func (e *Engine) Deploy(ctx context.Context, userID, setID uint) error {
	return e.setActive(ctx, userID, setID, true)
}

// Undeploy hides a set from the scheduler. Member statuses are kept.
func (e *Engine) Undeploy(ctx context.Context, userID, setID uint) error {
	return e.setActive(ctx, userID, setID, false)
}

func (e *Engine) setActive(ctx context.Context, userID, setID uint, active bool) error {
	if _, err := e.ownedSet(ctx, userID, setID); err != nil {
		return err
	}
	if err := e.store.SetActive(ctx, setID, active); err != nil {
		return err
	}
	observ.Log("set_deployment_changed", map[string]any{"set_id": setID, "active": active})
	e.publishState(ctx, userID)
	return nil
}

// CreateSet validates the parameters and stores a new set whose scripts
// start in Waiting. The set is not deployed.
func (e *Engine) CreateSet(ctx context.Context, userID uint, name string, params decision.Params, scripts []ScriptSpec) (portfolio.StrategySet, error) {
	if userID == 0 {
		return portfolio.StrategySet{}, ErrNotOwner
	}
	if name == "" {
		return portfolio.StrategySet{}, fmt.Errorf("%w: name is required", ErrInvalidSet)
	}
	if len(scripts) == 0 {
		return portfolio.StrategySet{}, fmt.Errorf("%w: at least one script is required", ErrInvalidSet)
	}
	if err := params.Validate(); err != nil {
		return portfolio.StrategySet{}, fmt.Errorf("%w: %v", ErrInvalidSet, err)
	}
	set := portfolio.StrategySet{
		UserID: userID,
		Name:   name,
		Params: datatypes.NewJSONType(params),
	}
	for _, s := range scripts {
		if s.Symbol == "" {
			return portfolio.StrategySet{}, fmt.Errorf("%w: script symbol is required", ErrInvalidSet)
		}
		set.Scripts = append(set.Scripts, portfolio.Script{Name: s.Name, Symbol: s.Symbol, Token: s.Token})
	}
	if err := e.store.CreateSet(ctx, &set); err != nil {
		return set, err
	}
	observ.Log("set_created", map[string]any{"set_id": set.ID, "user_id": userID, "scripts": len(set.Scripts)})
	e.publishState(ctx, userID)
	return set, nil
}

// State returns the user's strategy snapshot keyed by script name.
func (e *Engine) State(ctx context.Context, userID uint) (map[string]portfolio.ScriptState, error) {
	scripts, err := e.store.ScriptsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return portfolio.BuildState(scripts), nil
}
