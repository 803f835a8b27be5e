package engine

import (
	"context"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/Rajchodisetti/swing-engine/internal/lifecycle"
	"github.com/Rajchodisetti/swing-engine/internal/observ"
)

// Scheduler ticks on a fixed interval and dispatches every active script.
// Distinct scripts run concurrently up to the worker limit; a script whose
// previous run is still in flight is skipped for that tick.
type Scheduler struct {
	engine   *Engine
	interval time.Duration
	sem      chan struct{}
	wg       conc.WaitGroup
}

func NewScheduler(e *Engine) *Scheduler {
	return &Scheduler{
		engine:   e,
		interval: e.opts.TickInterval,
		sem:      make(chan struct{}, e.opts.Workers),
	}
}

// Run ticks until ctx is done, then waits for in-flight runs.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	observ.Log("scheduler_started", map[string]any{"interval": s.interval.String()})
	s.Tick(ctx, s.engine.now())
	for {
		select {
		case <-ctx.Done():
			s.Wait()
			observ.Log("scheduler_stopped", nil)
			return nil
		case <-ticker.C:
			s.Tick(ctx, s.engine.now())
		}
	}
}

// Tick enumerates schedulable scripts and starts their dispatches. It
// returns the number started without waiting for them.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) int {
	e := s.engine
	observ.IncCounter("engine_ticks_total", nil)

	if !e.session.MarketOpen(now) {
		skipped("market_closed")
		return 0
	}
	if e.opts.AutoRetrySkipped {
		e.RetrySkipped(ctx, now)
	}

	scripts, err := e.store.ActiveScripts(ctx)
	if err != nil {
		observ.LogError("tick_enumerate_failed", err, nil)
		return 0
	}
	for _, sc := range scripts {
		id := sc.ID
		s.wg.Go(func() {
			select {
			case s.sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-s.sem }()
			e.Dispatch(ctx, id, now)
		})
	}
	return len(scripts)
}

// Wait blocks until every started dispatch has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// RetrySkipped returns Skipped scripts whose failure cooldown has elapsed
// to scheduling. It is used only when automatic retry is enabled.
func (e *Engine) RetrySkipped(ctx context.Context, now time.Time) int {
	scripts, err := e.store.ScriptsByStatus(ctx, lifecycle.Skipped)
	if err != nil {
		observ.LogError("auto_retry_load_failed", err, nil)
		return 0
	}
	n := 0
	for _, sc := range scripts {
		if ok, _ := e.cooldown.CanRetry(sc.ReasonAt, now); !ok {
			continue
		}
		if _, err := e.retry(ctx, 0, sc.ID); err != nil {
			observ.LogWarn("auto_retry_failed", map[string]any{"script_id": sc.ID, "error": err.Error()})
			continue
		}
		n++
	}
	if n > 0 {
		observ.Log("auto_retry_sweep", map[string]any{"retried": n})
	}
	return n
}
