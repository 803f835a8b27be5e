package decision

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Params is the per-strategy-set configuration shared by member scripts.
type Params struct {
	EntryBasis        string          `json:"entry_basis"`      // open | high | low | close of the previous session
	EntryPercentage   decimal.Decimal `json:"entry_percentage"` // signed; >= 0 buys a breakout, < 0 buys a dip
	InvestmentType    string          `json:"investment_type"`  // quantity | amount
	InvestmentValue   decimal.Decimal `json:"investment_value"`
	ProfitTargetType  string          `json:"profit_target_type"` // percentage | absolute
	ProfitTargetValue decimal.Decimal `json:"profit_target_value"`
	StopLossType      string          `json:"stop_loss_type"` // percentage | absolute
	StopLossValue     decimal.Decimal `json:"stop_loss_value"`
	ExecutionTime     string          `json:"execution_time,omitempty"` // "after HH:MM" | "before HH:MM"
	Reentry           *ReentryRules   `json:"reentry,omitempty"`
	PartialExit       *PartialExit    `json:"partial_exit,omitempty"`
}

// ReentryRules are checked in order prev_day, last_buy, weighted_avg.
type ReentryRules struct {
	PrevDay     *ReentryRule `json:"prev_day,omitempty"`
	LastBuy     *ReentryRule `json:"last_buy,omitempty"`
	WeightedAvg *ReentryRule `json:"weighted_avg,omitempty"`
}

type ReentryRule struct {
	Percentage decimal.Decimal `json:"percentage"`
	Basis      string          `json:"basis,omitempty"` // prev_day only; defaults to close
}

func (r *ReentryRules) empty() bool {
	return r == nil || (r.PrevDay == nil && r.LastBuy == nil && r.WeightedAvg == nil)
}

// PartialExit sells Fraction of the position once LTP clears avg*(1+TargetPercentage/100).
type PartialExit struct {
	TargetPercentage decimal.Decimal `json:"target_percentage"`
	Fraction         decimal.Decimal `json:"fraction"`
}

var validBases = map[string]bool{"open": true, "high": true, "low": true, "close": true}

// Validate reports parameter defects that make a script impossible to evaluate.
func (p Params) Validate() error {
	var problems []string
	if !validBases[strings.ToLower(p.EntryBasis)] {
		problems = append(problems, fmt.Sprintf("entry_basis %q", p.EntryBasis))
	}
	switch strings.ToLower(p.InvestmentType) {
	case "quantity", "amount":
	default:
		problems = append(problems, fmt.Sprintf("investment_type %q", p.InvestmentType))
	}
	if !p.InvestmentValue.IsPositive() {
		problems = append(problems, "investment_value must be positive")
	}
	switch strings.ToLower(p.ProfitTargetType) {
	case "percentage", "absolute":
	default:
		problems = append(problems, fmt.Sprintf("profit_target_type %q", p.ProfitTargetType))
	}
	if !p.ProfitTargetValue.IsPositive() {
		problems = append(problems, "profit_target_value must be positive")
	}
	if p.StopLossValue.IsPositive() {
		switch strings.ToLower(p.StopLossType) {
		case "percentage", "absolute":
		default:
			problems = append(problems, fmt.Sprintf("stop_loss_type %q", p.StopLossType))
		}
	}
	if p.Reentry != nil && p.Reentry.PrevDay != nil && p.Reentry.PrevDay.Basis != "" &&
		!validBases[strings.ToLower(p.Reentry.PrevDay.Basis)] {
		problems = append(problems, fmt.Sprintf("reentry.prev_day.basis %q", p.Reentry.PrevDay.Basis))
	}
	if pe := p.PartialExit; pe != nil {
		if !pe.TargetPercentage.IsPositive() {
			problems = append(problems, "partial_exit.target_percentage must be positive")
		}
		if !pe.Fraction.IsPositive() || pe.Fraction.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			problems = append(problems, "partial_exit.fraction must be in (0,1)")
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid strategy parameters: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ReentryBasis is the previous-session bar field used for the prev_day re-entry threshold.
func (p Params) ReentryBasis() string {
	if p.Reentry != nil && p.Reentry.PrevDay != nil && p.Reentry.PrevDay.Basis != "" {
		return strings.ToLower(p.Reentry.PrevDay.Basis)
	}
	return "close"
}
