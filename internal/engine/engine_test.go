package engine

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/Rajchodisetti/swing-engine/internal/adapters"
	"github.com/Rajchodisetti/swing-engine/internal/alerts"
	"github.com/Rajchodisetti/swing-engine/internal/config"
	"github.com/Rajchodisetti/swing-engine/internal/decision"
	"github.com/Rajchodisetti/swing-engine/internal/lifecycle"
	"github.com/Rajchodisetti/swing-engine/internal/outbox"
	"github.com/Rajchodisetti/swing-engine/internal/portfolio"
	"github.com/Rajchodisetti/swing-engine/internal/publish"
)

const testUser uint = 7

var monday = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

type recordingAlerter struct {
	mu   sync.Mutex
	sent []alerts.AlertRequest
}

func (r *recordingAlerter) Send(req alerts.AlertRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, req)
}

func (r *recordingAlerter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

type harness struct {
	t       *testing.T
	ctx     context.Context
	eng     *Engine
	gw      *adapters.MockGateway
	store   *portfolio.Store
	guard   *outbox.Guard
	journal *outbox.Journal
	alerts  *recordingAlerter
	sub     *publish.Subscription

	mu  sync.Mutex
	now time.Time
}

func newHarness(t *testing.T, balance int64, tweak ...func(*Deps, *Options)) *harness {
	t.Helper()
	db := portfolio.OpenTestDB(t)
	require.NoError(t, outbox.Migrate(db))
	journal, err := outbox.NewJournal(filepath.Join(t.TempDir(), "journal.jsonl"))
	require.NoError(t, err)

	h := &harness{
		t:       t,
		ctx:     context.Background(),
		gw:      adapters.NewMockGateway(decimal.NewFromInt(balance)),
		store:   portfolio.NewStore(db),
		guard:   outbox.NewGuard(db, 2*time.Minute),
		journal: journal,
		alerts:  &recordingAlerter{},
		now:     monday,
	}
	h.guard.SetClock(h.clock)

	deps := Deps{
		Store:   h.store,
		Guard:   h.guard,
		Gateway: h.gw,
		Hub:     publish.NewHub(1024),
		Journal: journal,
		Alerts:  h.alerts,
		Clock:   h.clock,
	}
	opts := Options{ReconcileBackoff: time.Millisecond}
	for _, f := range tweak {
		f(&deps, &opts)
	}
	h.eng, err = New(deps, opts)
	require.NoError(t, err)
	h.sub = h.eng.Hub().Subscribe(testUser, "test")
	t.Cleanup(h.sub.Close)
	return h
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = h.now.Add(d)
	return h.now
}

func swingParams() decision.Params {
	return decision.Params{
		EntryBasis:        "close",
		EntryPercentage:   decimal.Zero,
		InvestmentType:    "quantity",
		InvestmentValue:   decimal.NewFromInt(50),
		ProfitTargetType:  "percentage",
		ProfitTargetValue: decimal.NewFromInt(5),
		StopLossType:      "percentage",
		StopLossValue:     decimal.NewFromInt(3),
	}
}

// seed creates a deployed set with one script per symbol, priced at 1000
// with a previous close of 1000.
func (h *harness) seed(params decision.Params, symbols ...string) []portfolio.Script {
	h.t.Helper()
	set := portfolio.StrategySet{UserID: testUser, Name: "swing", Active: true, Params: datatypes.NewJSONType(params)}
	for _, sym := range symbols {
		set.Scripts = append(set.Scripts, portfolio.Script{Symbol: sym, Token: sym + "-EQ"})
		h.gw.SetQuote(sym, decimal.NewFromInt(1000))
		h.gw.SetBar(sym, adapters.DailyBar{
			Symbol: sym,
			Open:   decimal.NewFromInt(990),
			High:   decimal.NewFromInt(1010),
			Low:    decimal.NewFromInt(980),
			Close:  decimal.NewFromInt(1000),
		})
	}
	require.NoError(h.t, h.store.CreateSet(h.ctx, &set))
	return set.Scripts
}

func (h *harness) script(id uint) portfolio.Script {
	h.t.Helper()
	sc, err := h.store.GetScript(h.ctx, id)
	require.NoError(h.t, err)
	return sc
}

func (h *harness) dispatch(id uint, tick time.Time) Result {
	h.t.Helper()
	res, _ := h.eng.Dispatch(h.ctx, id, tick)
	return res
}

// events drains the subscription and returns the events of type typ.
func (h *harness) events(typ publish.EventType) []publish.Event {
	var out []publish.Event
	for {
		select {
		case ev := <-h.sub.C:
			if ev.Type == typ {
				out = append(out, ev)
			}
		default:
			return out
		}
	}
}

func decode[T any](t *testing.T, ev publish.Event) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(ev.Payload, &v))
	return v
}

func TestEntryFillsAndRuns(t *testing.T) {
	h := newHarness(t, 100000)
	sc := h.seed(swingParams(), "RELIANCE")[0]

	assert.Equal(t, ResultSubmitted, h.dispatch(sc.ID, monday))

	got := h.script(sc.ID)
	assert.Equal(t, lifecycle.Running, got.Status)
	assert.Equal(t, int64(50), got.Quantity)
	assert.True(t, got.AvgPrice.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, 1, got.TradeCount)
	assert.Equal(t, "2026-03-02", got.LastEntryDate)
	assert.NotNil(t, got.LastOrderAt)
	assert.NotEmpty(t, got.LastEpoch)

	reqs := h.gw.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, adapters.Buy, reqs[0].Side)
	assert.Equal(t, int64(50), reqs[0].Quantity)
	assert.Equal(t, "RELIANCE-EQ", reqs[0].Token)

	available, known := h.eng.Ledger().Available()
	assert.True(t, known)
	assert.True(t, available.Equal(decimal.NewFromInt(50000)), available.String())

	m, err := h.guard.Get(h.ctx, got.LastEpoch)
	require.NoError(t, err)
	assert.Equal(t, outbox.StateDone, m.State)
	assert.Equal(t, "filled", m.ResultStatus)

	var statuses []string
	for _, ev := range h.events(publish.OrderUpdateEvent) {
		statuses = append(statuses, decode[publish.OrderUpdate](t, ev).Status)
	}
	assert.Equal(t, []string{"ack", "filled"}, statuses)

	entries, err := h.journal.Entries()
	require.NoError(t, err)
	var types []string
	for _, e := range entries {
		types = append(types, e.Type)
	}
	assert.Equal(t, []string{"order", "order", "fill"}, types)
}

func TestHoldKeepsStatus(t *testing.T) {
	h := newHarness(t, 100000)
	sc := h.seed(swingParams(), "TCS")[0]
	h.gw.SetQuote("TCS", decimal.NewFromInt(999))

	assert.Equal(t, ResultHold, h.dispatch(sc.ID, monday))
	got := h.script(sc.ID)
	assert.Equal(t, lifecycle.Waiting, got.Status)
	assert.True(t, got.LastLTP.Equal(decimal.NewFromInt(999)))
	assert.Equal(t, "2026-03-02", got.ThresholdDate)
	assert.Zero(t, h.gw.SubmitCalls())
}

func TestInsufficientBalanceDeclines(t *testing.T) {
	h := newHarness(t, 30000)
	sc := h.seed(swingParams(), "INFY")[0]

	assert.Equal(t, ResultDeclined, h.dispatch(sc.ID, monday))
	assert.Equal(t, lifecycle.Waiting, h.script(sc.ID).Status)
	assert.Zero(t, h.gw.SubmitCalls())

	skips := h.events(publish.OrderSkippedEvent)
	require.Len(t, skips, 1)
	p := decode[publish.OrderSkipped](t, skips[0])
	assert.Equal(t, "INFY", p.Symbol)
	assert.True(t, p.Available.Equal(decimal.NewFromInt(30000)))
	assert.True(t, p.Required.Equal(decimal.NewFromInt(50000)))

	open, err := h.guard.OpenForScript(h.ctx, sc.ID)
	require.NoError(t, err)
	assert.Nil(t, open, "no marker is claimed for a declined order")
}

func TestNotOkSkipsUntilRetried(t *testing.T) {
	h := newHarness(t, 100000)
	sc := h.seed(swingParams(), "HDFC")[0]
	h.gw.SubmitFunc = func(ctx context.Context, req adapters.OrderRequest) (adapters.OrderAck, error) {
		return adapters.OrderAck{Status: adapters.AckNotOk, Reason: "margin exceeded"}, nil
	}

	assert.Equal(t, ResultRejected, h.dispatch(sc.ID, monday))
	got := h.script(sc.ID)
	assert.Equal(t, lifecycle.Skipped, got.Status)
	assert.Equal(t, "margin exceeded", got.Reason)
	assert.Nil(t, got.LastOrderAt, "a refused order does not start the cooldown")

	available, _ := h.eng.Ledger().Available()
	assert.True(t, available.Equal(decimal.NewFromInt(100000)), "reservation released")

	assert.Equal(t, ResultInactive, h.dispatch(sc.ID, monday.Add(30*time.Second)))
	assert.Equal(t, 1, h.gw.SubmitCalls())

	status, err := h.eng.Retry(h.ctx, testUser, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Waiting, status)
	assert.Empty(t, h.script(sc.ID).Reason)

	h.gw.SubmitFunc = nil
	assert.Equal(t, ResultSubmitted, h.dispatch(sc.ID, monday.Add(time.Minute)))
	assert.Equal(t, lifecycle.Running, h.script(sc.ID).Status)
	assert.Equal(t, 2, h.gw.SubmitCalls())
}

func TestConcurrentDispatchSubmitsOnce(t *testing.T) {
	h := newHarness(t, 100000)
	sc := h.seed(swingParams(), "SBIN")[0]
	h.gw.SubmitDelay = 100 * time.Millisecond

	results := make(chan Result, 2)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, _ := h.eng.Dispatch(h.ctx, sc.ID, monday)
			results <- res
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	var got []Result
	for r := range results {
		got = append(got, r)
	}
	assert.ElementsMatch(t, []Result{ResultSubmitted, ResultBusy}, got)
	assert.Equal(t, 1, h.gw.SubmitCalls())

	// replaying the same tick hits the completed marker, not the broker
	h.gw.SubmitDelay = 0
	h.gw.SetQuote("SBIN", decimal.NewFromInt(1100))
	assert.Equal(t, ResultDuplicate, h.dispatch(sc.ID, monday))
	assert.Equal(t, 1, h.gw.SubmitCalls())
}

func TestTransientSubmitIsReconciled(t *testing.T) {
	h := newHarness(t, 100000)
	sc := h.seed(swingParams(), "ITC")[0]
	h.gw.SubmitFunc = func(ctx context.Context, req adapters.OrderRequest) (adapters.OrderAck, error) {
		return adapters.OrderAck{}, adapters.NewNetworkError("submit", req.Symbol, "connection reset", nil)
	}

	assert.Equal(t, ResultTransient, h.dispatch(sc.ID, monday))
	assert.Equal(t, lifecycle.Waiting, h.script(sc.ID).Status)
	open, err := h.guard.OpenForScript(h.ctx, sc.ID)
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.True(t, open.Uncertain)
	_, held := h.eng.Ledger().Reserved(open.EpochKey)
	assert.True(t, held, "reservation kept while the outcome is unknown")

	// the broker never saw it
	assert.Equal(t, ResultReconciled, h.dispatch(sc.ID, monday.Add(30*time.Second)))
	m, err := h.guard.Get(h.ctx, open.EpochKey)
	require.NoError(t, err)
	assert.Equal(t, outbox.StateVoid, m.State)
	_, held = h.eng.Ledger().Reserved(open.EpochKey)
	assert.False(t, held)

	h.gw.SubmitFunc = nil
	assert.Equal(t, ResultSubmitted, h.dispatch(sc.ID, monday.Add(time.Minute)))
	assert.Equal(t, lifecycle.Running, h.script(sc.ID).Status)
}

func TestQuoteErrors(t *testing.T) {
	t.Run("transient leaves script alone", func(t *testing.T) {
		h := newHarness(t, 100000)
		sc := h.seed(swingParams(), "WIPRO")[0]
		h.gw.QuoteErr = adapters.NewNetworkError("quote", "WIPRO", "timeout", nil)

		assert.Equal(t, ResultTransient, h.dispatch(sc.ID, monday))
		assert.Equal(t, lifecycle.Waiting, h.script(sc.ID).Status)
	})

	t.Run("provider error fails the script", func(t *testing.T) {
		h := newHarness(t, 100000)
		sc := h.seed(swingParams(), "WIPRO")[0]
		h.gw.QuoteErr = adapters.NewProviderError("quote", "WIPRO", "unknown symbol", nil)

		assert.Equal(t, ResultFailed, h.dispatch(sc.ID, monday))
		got := h.script(sc.ID)
		assert.Equal(t, lifecycle.Failed, got.Status)
		assert.Contains(t, got.Reason, "unknown symbol")
		assert.Equal(t, 1, h.alerts.count())
	})
}

func TestZeroSizeIsPrecondition(t *testing.T) {
	h := newHarness(t, 100000)
	p := swingParams()
	p.InvestmentType = "amount"
	p.InvestmentValue = decimal.NewFromInt(500)
	sc := h.seed(p, "MRF")[0]

	assert.Equal(t, ResultSkipped, h.dispatch(sc.ID, monday))
	got := h.script(sc.ID)
	assert.Equal(t, lifecycle.Skipped, got.Status)
	assert.Contains(t, got.Reason, "order size is zero")
	assert.Zero(t, h.gw.SubmitCalls())
	assert.Zero(t, h.alerts.count(), "skips are not operator alerts")
}

func TestExecutionWindow(t *testing.T) {
	h := newHarness(t, 100000)
	p := swingParams()
	p.ExecutionTime = "after 15:30"
	sc := h.seed(p, "LT")[0]

	assert.Equal(t, ResultOutside, h.dispatch(sc.ID, monday))
	h.advance(45 * time.Minute)
	assert.Equal(t, ResultSubmitted, h.dispatch(sc.ID, monday.Add(45*time.Minute)))
}

func TestOpenOrderFilledByFeed(t *testing.T) {
	h := newHarness(t, 100000)
	sc := h.seed(swingParams(), "AXIS")[0]
	h.gw.SubmitFunc = func(ctx context.Context, req adapters.OrderRequest) (adapters.OrderAck, error) {
		return adapters.OrderAck{Status: adapters.AckOk, OrderID: "B-1"}, nil
	}

	assert.Equal(t, ResultSubmitted, h.dispatch(sc.ID, monday))
	assert.Equal(t, lifecycle.Waiting, h.script(sc.ID).Status)
	assert.Equal(t, ResultPending, h.dispatch(sc.ID, monday.Add(30*time.Second)))

	open, err := h.guard.OpenForScript(h.ctx, sc.ID)
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, outbox.StateSubmitted, open.State)

	fill := adapters.OrderUpdate{
		OrderID:   "B-1",
		Symbol:    "AXIS",
		Side:      adapters.Buy,
		Status:    adapters.OrderFilled,
		FilledQty: 50,
		AvgPrice:  decimal.NewFromInt(1001),
	}
	require.NoError(t, h.eng.HandleOrderUpdate(h.ctx, fill))
	got := h.script(sc.ID)
	assert.Equal(t, lifecycle.Running, got.Status)
	assert.True(t, got.AvgPrice.Equal(decimal.NewFromInt(1001)))

	// a replayed update is ignored
	require.NoError(t, h.eng.HandleOrderUpdate(h.ctx, fill))
	assert.Equal(t, 1, h.script(sc.ID).TradeCount)

	available, _ := h.eng.Ledger().Available()
	assert.True(t, available.Equal(decimal.NewFromInt(49950)), available.String())
}

func TestCancelledWithPartialFill(t *testing.T) {
	h := newHarness(t, 100000)
	sc := h.seed(swingParams(), "BPCL")[0]
	h.gw.SubmitFunc = func(ctx context.Context, req adapters.OrderRequest) (adapters.OrderAck, error) {
		return adapters.OrderAck{Status: adapters.AckOk, OrderID: "B-2"}, nil
	}
	require.Equal(t, ResultSubmitted, h.dispatch(sc.ID, monday))
	open, err := h.guard.OpenForScript(h.ctx, sc.ID)
	require.NoError(t, err)

	require.NoError(t, h.eng.HandleOrderUpdate(h.ctx, adapters.OrderUpdate{
		ClientOrderID: open.ClientOrderID,
		Status:        adapters.OrderCancelled,
		FilledQty:     20,
		AvgPrice:      decimal.NewFromInt(1000),
	}))
	got := h.script(sc.ID)
	assert.Equal(t, lifecycle.Running, got.Status)
	assert.Equal(t, int64(20), got.Quantity)
}

func TestFeedRejectionSkips(t *testing.T) {
	h := newHarness(t, 100000)
	sc := h.seed(swingParams(), "ONGC")[0]
	h.gw.SubmitFunc = func(ctx context.Context, req adapters.OrderRequest) (adapters.OrderAck, error) {
		return adapters.OrderAck{Status: adapters.AckOk, OrderID: "B-3"}, nil
	}
	require.Equal(t, ResultSubmitted, h.dispatch(sc.ID, monday))

	require.NoError(t, h.eng.HandleOrderUpdate(h.ctx, adapters.OrderUpdate{
		OrderID:      "B-3",
		Status:       adapters.OrderRejected,
		RejectReason: "price band",
	}))
	got := h.script(sc.ID)
	assert.Equal(t, lifecycle.Skipped, got.Status)
	assert.Equal(t, "price band", got.Reason)

	available, _ := h.eng.Ledger().Available()
	assert.True(t, available.Equal(decimal.NewFromInt(100000)))
}

func TestUnmatchedFeedUpdateIgnored(t *testing.T) {
	h := newHarness(t, 100000)
	assert.NoError(t, h.eng.HandleOrderUpdate(h.ctx, adapters.OrderUpdate{OrderID: "nope", Status: adapters.OrderFilled}))
}

func TestProfitTargetSellsOut(t *testing.T) {
	h := newHarness(t, 100000)
	sc := h.seed(swingParams(), "TITAN")[0]
	require.Equal(t, ResultSubmitted, h.dispatch(sc.ID, monday))

	h.gw.SetQuote("TITAN", decimal.NewFromInt(1060))
	assert.Equal(t, ResultSubmitted, h.dispatch(sc.ID, monday.Add(30*time.Second)))

	got := h.script(sc.ID)
	assert.Equal(t, lifecycle.SoldOut, got.Status)
	assert.Zero(t, got.Quantity)
	assert.True(t, got.ThresholdPrice.IsZero())
	reqs := h.gw.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, adapters.Sell, reqs[1].Side)
	assert.Equal(t, int64(50), reqs[1].Quantity)

	assert.Equal(t, ResultInactive, h.dispatch(sc.ID, monday.Add(time.Minute)))
}

func configEngine(averaging string) config.Engine {
	return config.Engine{TickIntervalSeconds: 15, Workers: 4, Averaging: averaging}
}

func TestOptionsFromConfigRejectsUnknownPolicy(t *testing.T) {
	_, err := OptionsFromConfig(configEngine("median"))
	assert.Error(t, err)

	opts, err := OptionsFromConfig(configEngine("last_fill"))
	require.NoError(t, err)
	assert.Equal(t, "last_fill", opts.Averaging.Name())
	assert.Equal(t, 15*time.Second, opts.TickInterval)
}

func TestNewRequiresCoreDeps(t *testing.T) {
	_, err := New(Deps{}, Options{})
	assert.Error(t, err)
}
