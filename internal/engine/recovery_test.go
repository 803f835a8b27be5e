package engine

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Rajchodisetti/swing-engine/internal/adapters"
	"github.com/Rajchodisetti/swing-engine/internal/lifecycle"
	"github.com/Rajchodisetti/swing-engine/internal/outbox"
)

func observeLogs(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	t.Cleanup(zap.ReplaceGlobals(zap.New(core)))
	return logs
}

// claim leaves an acknowledged BUY marker open, as a crash after the ack would.
func (h *harness) claim(scriptID uint) *outbox.Marker {
	h.t.Helper()
	m, err := h.guard.Begin(h.ctx, outbox.EpochFor(scriptID, monday, 30*time.Second), outbox.Intent{
		UserID:   testUser,
		Side:     "BUY",
		Quantity: 50,
		Price:    decimal.NewFromInt(1000),
	})
	require.NoError(h.t, err)
	require.NoError(h.t, h.guard.MarkSubmitted(h.ctx, m.EpochKey, "B-9"))
	return m
}

func TestRecoverAppliesFillFoundAtBroker(t *testing.T) {
	h := newHarness(t, 100000)
	sc := h.seed(swingParams(), "RELIANCE")[0]
	m := h.claim(sc.ID)
	h.gw.SetOrder(adapters.OrderUpdate{
		OrderID:       "B-9",
		ClientOrderID: m.ClientOrderID,
		Side:          adapters.Buy,
		Status:        adapters.OrderFilled,
		FilledQty:     50,
		AvgPrice:      decimal.NewFromInt(995),
	})

	report, err := h.eng.Recover(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, RecoveryReport{Markers: 1, Resolved: 1}, report)

	got := h.script(sc.ID)
	assert.Equal(t, lifecycle.Running, got.Status)
	assert.Equal(t, int64(50), got.Quantity)
	assert.True(t, got.AvgPrice.Equal(decimal.NewFromInt(995)))

	marker, err := h.guard.Get(h.ctx, m.EpochKey)
	require.NoError(t, err)
	assert.Equal(t, outbox.StateDone, marker.State)
}

func TestRecoverVoidsUnknownOrder(t *testing.T) {
	h := newHarness(t, 100000)
	sc := h.seed(swingParams(), "TCS")[0]
	m := h.claim(sc.ID)

	report, err := h.eng.Recover(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Voided)

	marker, err := h.guard.Get(h.ctx, m.EpochKey)
	require.NoError(t, err)
	assert.Equal(t, outbox.StateVoid, marker.State)
	assert.Equal(t, lifecycle.Waiting, h.script(sc.ID).Status)

	// the script is free to order again
	assert.Equal(t, ResultSubmitted, h.dispatch(sc.ID, monday.Add(30*time.Second)))
}

func TestRecoverLeavesWorkingOrderOpen(t *testing.T) {
	h := newHarness(t, 100000)
	sc := h.seed(swingParams(), "INFY")[0]
	m := h.claim(sc.ID)
	h.gw.SetOrder(adapters.OrderUpdate{OrderID: "B-9", ClientOrderID: m.ClientOrderID, Status: adapters.OrderOpen})

	report, err := h.eng.Recover(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Open)

	open, err := h.guard.OpenForScript(h.ctx, sc.ID)
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, outbox.StateSubmitted, open.State)
}

func TestRecoverGivesUpAfterRepeatedLookupFailures(t *testing.T) {
	h := newHarness(t, 100000)
	sc := h.seed(swingParams(), "WIPRO")[0]
	m := h.claim(sc.ID)
	h.gw.LookupFunc = func(ctx context.Context, clientOrderID string) (adapters.OrderUpdate, error) {
		return adapters.OrderUpdate{}, adapters.NewNetworkError("lookup", "", "broker down", nil)
	}
	logs := observeLogs(t)

	report, err := h.eng.Recover(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Unreconcilable)
	assert.Equal(t, 3, h.gw.LookupCalls())

	summary := logs.FilterMessage("recovery_complete").All()
	require.Len(t, summary, 1)
	assert.Equal(t, zapcore.WarnLevel, summary[0].Level)
	assert.EqualValues(t, 1, summary[0].ContextMap()["unreconcilable"])

	got := h.script(sc.ID)
	assert.Equal(t, lifecycle.Failed, got.Status)
	assert.Equal(t, "order state unreconcilable", got.Reason)
	assert.Equal(t, 1, h.alerts.count())

	marker, err := h.guard.Get(h.ctx, m.EpochKey)
	require.NoError(t, err)
	assert.Equal(t, outbox.StateVoid, marker.State)
}

func TestDispatchMakesOneLookupPerTick(t *testing.T) {
	h := newHarness(t, 100000)
	sc := h.seed(swingParams(), "SBIN")[0]
	h.gw.SubmitFunc = func(ctx context.Context, req adapters.OrderRequest) (adapters.OrderAck, error) {
		return adapters.OrderAck{}, adapters.NewTimeoutError("submit", req.Symbol, context.DeadlineExceeded)
	}
	h.gw.LookupFunc = func(ctx context.Context, clientOrderID string) (adapters.OrderUpdate, error) {
		return adapters.OrderUpdate{}, adapters.NewNetworkError("lookup", "", "broker down", nil)
	}
	require.Equal(t, ResultTransient, h.dispatch(sc.ID, monday))

	for i := 1; i <= 2; i++ {
		assert.Equal(t, ResultReconciled, h.dispatch(sc.ID, monday))
		assert.Equal(t, i, h.gw.LookupCalls())
		assert.Equal(t, lifecycle.Waiting, h.script(sc.ID).Status)
	}
	assert.Equal(t, ResultReconciled, h.dispatch(sc.ID, monday))
	assert.Equal(t, lifecycle.Failed, h.script(sc.ID).Status)
	assert.Equal(t, 1, h.gw.SubmitCalls())
}

func TestRecoverWithNothingOpen(t *testing.T) {
	h := newHarness(t, 100000)
	logs := observeLogs(t)
	report, err := h.eng.Recover(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Markers)

	summary := logs.FilterMessage("recovery_complete").All()
	require.Len(t, summary, 1)
	assert.Equal(t, zapcore.InfoLevel, summary[0].Level)
}
