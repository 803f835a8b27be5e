package decision

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func threshold(s string) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: dec(s), Valid: true}
}

func baseParams() Params {
	return Params{
		EntryBasis:        "high",
		EntryPercentage:   dec("1"),
		InvestmentType:    "amount",
		InvestmentValue:   dec("50000"),
		ProfitTargetType:  "percentage",
		ProfitTargetValue: dec("5"),
		StopLossType:      "percentage",
		StopLossValue:     dec("2"),
	}
}

func TestEvaluateEntry(t *testing.T) {
	tests := []struct {
		name     string
		pct      string
		ltp      string
		wantKind Kind
		wantQty  int64
	}{
		{"breakout crossed", "1", "101", Enter, 495},
		{"breakout not crossed", "1", "100.99", Hold, 0},
		{"dip crossed", "-2", "98", Enter, 510},
		{"dip not crossed", "-2", "98.5", Hold, 0},
		{"zero pct at threshold", "0", "100", Enter, 500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := baseParams()
			p.EntryPercentage = dec(tt.pct)
			got, err := Evaluate(Input{
				Symbol:         "INFY",
				Params:         p,
				LTP:            dec(tt.ltp),
				Today:          "2026-10-19",
				EntryThreshold: threshold("100"),
			})
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, got.Kind)
			assert.Equal(t, tt.wantQty, got.Quantity)
			if got.Kind == Enter {
				assert.Equal(t, "BUY", got.Side())
				assert.Equal(t, "entry", got.Reason.Rule)
				assert.False(t, got.Reentry)
			}
		})
	}
}

func TestEvaluateSizingByQuantity(t *testing.T) {
	p := baseParams()
	p.InvestmentType = "quantity"
	p.InvestmentValue = dec("25")
	got, err := Evaluate(Input{Params: p, LTP: dec("200"), EntryThreshold: threshold("100")})
	require.NoError(t, err)
	assert.Equal(t, Enter, got.Kind)
	assert.Equal(t, int64(25), got.Quantity)
}

func TestEvaluateZeroSizeIsPrecondition(t *testing.T) {
	p := baseParams()
	p.InvestmentValue = dec("50")
	_, err := Evaluate(Input{Params: p, LTP: dec("101"), EntryThreshold: threshold("100")})
	var pe *PreconditionError
	require.True(t, errors.As(err, &pe), "want PreconditionError, got %v", err)
}

func TestEvaluateErrorsAreNotHolds(t *testing.T) {
	tests := []struct {
		name string
		in   Input
		want error
	}{
		{"missing quote", Input{Params: baseParams(), EntryThreshold: threshold("100")}, ErrMissingQuote},
		{"negative quote", Input{Params: baseParams(), LTP: dec("-1"), EntryThreshold: threshold("100")}, ErrMissingQuote},
		{"missing threshold", Input{Params: baseParams(), LTP: dec("100")}, ErrMissingThreshold},
		{"no average", Input{Params: baseParams(), LTP: dec("100"), Position: Position{Quantity: 5}}, ErrNoAveragePrice},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Evaluate(tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	t.Run("bad params", func(t *testing.T) {
		p := baseParams()
		p.InvestmentType = "lots"
		_, err := Evaluate(Input{Params: p, LTP: dec("100"), EntryThreshold: threshold("100")})
		require.Error(t, err)
		var pe *PreconditionError
		assert.False(t, errors.As(err, &pe))
	})
}

func holding(qty int64, avg string) Position {
	return Position{Quantity: qty, AvgPrice: dec(avg), LastBuyPrice: dec(avg), LastEntryDate: "2026-10-01"}
}

func TestEvaluateExit(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Params)
		ltp      string
		wantKind Kind
		wantRule string
	}{
		{"percentage target", nil, "105", ExitFull, "profit_target"},
		{"below target", nil, "104.9", Hold, "no_trigger"},
		{"absolute target", func(p *Params) { p.ProfitTargetType = "absolute"; p.ProfitTargetValue = dec("3") }, "103", ExitFull, "profit_target"},
		{"percentage stop", nil, "98", ExitFull, "stop_loss"},
		{"absolute stop", func(p *Params) { p.StopLossType = "absolute"; p.StopLossValue = dec("5") }, "95", ExitFull, "stop_loss"},
		{"stop disabled when zero", func(p *Params) { p.StopLossValue = decimal.Zero }, "50", Hold, "no_trigger"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := baseParams()
			if tt.mutate != nil {
				tt.mutate(&p)
			}
			got, err := Evaluate(Input{Params: p, LTP: dec(tt.ltp), Today: "2026-10-19", Position: holding(40, "100")})
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, got.Kind)
			assert.Equal(t, tt.wantRule, got.Reason.Rule)
			if got.Kind == ExitFull {
				assert.Equal(t, int64(40), got.Quantity)
				assert.Equal(t, "SELL", got.Side())
			}
		})
	}
}

func TestEvaluatePartialExit(t *testing.T) {
	p := baseParams()
	p.PartialExit = &PartialExit{TargetPercentage: dec("3"), Fraction: dec("0.5")}

	got, err := Evaluate(Input{Params: p, LTP: dec("103"), Position: holding(41, "100")})
	require.NoError(t, err)
	assert.Equal(t, ExitPartial, got.Kind)
	assert.Equal(t, int64(20), got.Quantity)

	pos := holding(41, "100")
	pos.PartialExited = true
	got, err = Evaluate(Input{Params: p, LTP: dec("103"), Position: pos})
	require.NoError(t, err)
	assert.Equal(t, Hold, got.Kind, "only one partial exit per entry")

	got, err = Evaluate(Input{Params: p, LTP: dec("103"), Position: holding(1, "100")})
	require.NoError(t, err)
	assert.Equal(t, Hold, got.Kind, "a single share cannot be partially exited")

	// full target still wins over partial
	got, err = Evaluate(Input{Params: p, LTP: dec("106"), Position: holding(41, "100")})
	require.NoError(t, err)
	assert.Equal(t, ExitFull, got.Kind)
}

func TestEvaluateReentry(t *testing.T) {
	pct := func(s string) *ReentryRule { return &ReentryRule{Percentage: dec(s)} }

	tests := []struct {
		name     string
		rules    *ReentryRules
		enabled  bool
		lastDate string
		reThresh decimal.NullDecimal
		ltp      string
		wantKind Kind
		wantRule string
	}{
		{"prev day breakout", &ReentryRules{PrevDay: pct("1")}, true, "2026-10-01", threshold("100"), "101", Enter, "reentry_prev_day"},
		{"prev day without threshold", &ReentryRules{PrevDay: pct("1")}, true, "2026-10-01", decimal.NullDecimal{}, "101", Hold, "no_trigger"},
		{"last buy dip", &ReentryRules{LastBuy: pct("-1")}, true, "2026-10-01", decimal.NullDecimal{}, "99", Enter, "reentry_last_buy"},
		{"weighted avg dip", &ReentryRules{WeightedAvg: pct("-1.5")}, true, "2026-10-01", decimal.NullDecimal{}, "98.5", Enter, "reentry_weighted_avg"},
		{"weighted avg not crossed", &ReentryRules{WeightedAvg: pct("-1.5")}, true, "2026-10-01", decimal.NullDecimal{}, "99", Hold, "no_trigger"},
		{"feature flag off", &ReentryRules{LastBuy: pct("-1")}, false, "2026-10-01", decimal.NullDecimal{}, "99", Hold, "no_trigger"},
		{"already entered today", &ReentryRules{LastBuy: pct("-1")}, true, "2026-10-19", decimal.NullDecimal{}, "99", Hold, "no_trigger"},
		{"no rules", nil, true, "2026-10-01", decimal.NullDecimal{}, "99", Hold, "no_trigger"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := baseParams()
			p.StopLossValue = decimal.Zero
			p.Reentry = tt.rules
			pos := holding(40, "100")
			pos.LastEntryDate = tt.lastDate
			got, err := Evaluate(Input{
				Params:           p,
				LTP:              dec(tt.ltp),
				Today:            "2026-10-19",
				ReentryThreshold: tt.reThresh,
				Position:         pos,
				ReentryEnabled:   tt.enabled,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, got.Kind)
			assert.Equal(t, tt.wantRule, got.Reason.Rule)
			if got.Kind == Enter {
				assert.True(t, got.Reentry)
				assert.Positive(t, got.Quantity)
			}
		})
	}
}

func TestEvaluateIsPure(t *testing.T) {
	in := Input{Params: baseParams(), LTP: dec("101"), EntryThreshold: threshold("100")}
	a, errA := Evaluate(in)
	b, errB := Evaluate(in)
	require.NoError(t, errA)
	require.NoError(t, errB)
	assert.Equal(t, a.Kind, b.Kind)
	assert.Equal(t, a.Quantity, b.Quantity)
	assert.Contains(t, a.ReasonJSON(), `"rule":"entry"`)
}

func TestParamsValidate(t *testing.T) {
	p := baseParams()
	require.NoError(t, p.Validate())

	p.PartialExit = &PartialExit{TargetPercentage: dec("2"), Fraction: dec("1")}
	assert.Error(t, p.Validate())

	p = baseParams()
	p.Reentry = &ReentryRules{PrevDay: &ReentryRule{Percentage: dec("1"), Basis: "vwap"}}
	assert.Error(t, p.Validate())

	p = baseParams()
	assert.Equal(t, "close", p.ReentryBasis())
	p.Reentry = &ReentryRules{PrevDay: &ReentryRule{Basis: "LOW"}}
	assert.Equal(t, "low", p.ReentryBasis())
}
