package engine

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/swing-engine/internal/adapters"
	"github.com/Rajchodisetti/swing-engine/internal/lifecycle"
	"github.com/Rajchodisetti/swing-engine/internal/publish"
)

func TestCreateSetValidatesAndStartsUndeployed(t *testing.T) {
	h := newHarness(t, 100000)

	bad := swingParams()
	bad.EntryBasis = "vwap"
	_, err := h.eng.CreateSet(h.ctx, testUser, "bad", bad, []ScriptSpec{{Symbol: "INFY"}})
	assert.ErrorContains(t, err, "entry_basis")

	assert.ErrorIs(t, err, ErrInvalidSet)

	_, err = h.eng.CreateSet(h.ctx, testUser, "empty", swingParams(), nil)
	assert.ErrorIs(t, err, ErrInvalidSet)

	set, err := h.eng.CreateSet(h.ctx, testUser, "core", swingParams(), []ScriptSpec{
		{Name: "Infosys", Symbol: "INFY", Token: "1594"},
		{Symbol: "TCS", Token: "11536"},
	})
	require.NoError(t, err)
	assert.False(t, set.Active)
	require.Len(t, set.Scripts, 2)
	assert.Equal(t, lifecycle.Waiting, set.Scripts[0].Status)
	assert.Equal(t, "TCS", set.Scripts[1].Name)

	h.gw.SetQuote("INFY", decimal.NewFromInt(1000))
	assert.Equal(t, ResultInactive, h.dispatch(set.Scripts[0].ID, monday), "undeployed sets are not dispatched")

	state, err := h.eng.State(h.ctx, testUser)
	require.NoError(t, err)
	assert.Contains(t, state, "Infosys")
	assert.Contains(t, state, "TCS")
	assert.NotEmpty(t, h.events(publish.StrategyUpdateEvent))
}

func TestDeployAndUndeploy(t *testing.T) {
	h := newHarness(t, 100000)
	sc := h.seed(swingParams(), "ASIANPAINT")[0]

	require.NoError(t, h.eng.Undeploy(h.ctx, testUser, sc.SetID))
	assert.Equal(t, ResultInactive, h.dispatch(sc.ID, monday))
	assert.Equal(t, lifecycle.Waiting, h.script(sc.ID).Status)

	assert.ErrorIs(t, h.eng.Deploy(h.ctx, testUser+1, sc.SetID), ErrNotOwner)
	require.NoError(t, h.eng.Deploy(h.ctx, testUser, sc.SetID))
	assert.Equal(t, ResultSubmitted, h.dispatch(sc.ID, monday))
}

func TestToggleScript(t *testing.T) {
	h := newHarness(t, 100000)
	sc := h.seed(swingParams(), "MARUTI")[0]

	status, err := h.eng.ToggleScript(h.ctx, testUser, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Paused, status)
	assert.Equal(t, ResultInactive, h.dispatch(sc.ID, monday))

	_, err = h.eng.ToggleScript(h.ctx, testUser+1, sc.ID)
	assert.ErrorIs(t, err, ErrNotOwner)

	status, err = h.eng.ToggleScript(h.ctx, testUser, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Waiting, status)
}

func TestToggleScriptResumesHoldingAsRunning(t *testing.T) {
	h := newHarness(t, 100000)
	sc := h.seed(swingParams(), "NESTLE")[0]
	require.Equal(t, ResultSubmitted, h.dispatch(sc.ID, monday))

	status, err := h.eng.ToggleScript(h.ctx, testUser, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Paused, status)

	status, err = h.eng.ToggleScript(h.ctx, testUser, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Running, status)
}

func TestToggleSet(t *testing.T) {
	h := newHarness(t, 100000)
	scripts := h.seed(swingParams(), "A", "B", "C")

	// C is Failed and must be left alone in both directions
	c := h.script(scripts[2].ID)
	h.eng.fail(h.ctx, &c, "boom")

	agg, err := h.eng.ToggleSet(h.ctx, testUser, scripts[0].SetID)
	require.NoError(t, err)
	assert.Equal(t, string(lifecycle.Failed), agg)
	assert.Equal(t, lifecycle.Paused, h.script(scripts[0].ID).Status)
	assert.Equal(t, lifecycle.Paused, h.script(scripts[1].ID).Status)
	assert.Equal(t, lifecycle.Failed, h.script(scripts[2].ID).Status)

	_, err = h.eng.ToggleSet(h.ctx, testUser, scripts[0].SetID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Waiting, h.script(scripts[0].ID).Status)
	assert.Equal(t, lifecycle.Waiting, h.script(scripts[1].ID).Status)
	assert.Equal(t, lifecycle.Failed, h.script(scripts[2].ID).Status)

	_, err = h.eng.ToggleSet(h.ctx, testUser+1, scripts[0].SetID)
	assert.ErrorIs(t, err, ErrNotOwner)
}

func TestRetryRejectsActiveScripts(t *testing.T) {
	h := newHarness(t, 100000)
	sc := h.seed(swingParams(), "HCL")[0]

	_, err := h.eng.Retry(h.ctx, testUser, sc.ID)
	assert.ErrorIs(t, err, lifecycle.ErrInvalidTransition)

	_, err = h.eng.Retry(h.ctx, 0, sc.ID)
	assert.ErrorIs(t, err, ErrNotOwner)
}

func TestRetryFailedScript(t *testing.T) {
	h := newHarness(t, 100000)
	sc := h.seed(swingParams(), "GRASIM")[0]
	h.gw.QuoteErr = adapters.NewProviderError("quote", "GRASIM", "delisted", nil)
	require.Equal(t, ResultFailed, h.dispatch(sc.ID, monday))

	h.gw.QuoteErr = nil
	status, err := h.eng.Retry(h.ctx, testUser, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Waiting, status)
	assert.Equal(t, ResultSubmitted, h.dispatch(sc.ID, monday.Add(30*time.Second)))
}
