package decision

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Kind is the closed set of evaluator outcomes.
type Kind int

const (
	Hold Kind = iota
	Enter
	ExitPartial
	ExitFull
)

func (k Kind) String() string {
	switch k {
	case Hold:
		return "HOLD"
	case Enter:
		return "ENTER"
	case ExitPartial:
		return "EXIT_PARTIAL"
	case ExitFull:
		return "EXIT_FULL"
	default:
		return "UNKNOWN"
	}
}

// Side is the order side a decision maps to, or "" for Hold.
func (k Kind) Side() string {
	switch k {
	case Enter:
		return "BUY"
	case ExitPartial, ExitFull:
		return "SELL"
	}
	return ""
}

// Position is the fill-derived state the evaluator reads. It never mutates it.
type Position struct {
	Quantity      int64
	AvgPrice      decimal.Decimal
	LastBuyPrice  decimal.Decimal
	LastEntryDate string // YYYY-MM-DD
	PartialExited bool
}

type Input struct {
	Symbol           string
	Params           Params
	LTP              decimal.Decimal
	Today            string // YYYY-MM-DD in the session timezone
	EntryThreshold   decimal.NullDecimal
	ReentryThreshold decimal.NullDecimal
	Position         Position
	ReentryEnabled   bool
}

type Reason struct {
	Rule    string `json:"rule"`
	LTP     string `json:"ltp"`
	Trigger string `json:"trigger,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

type Decision struct {
	Kind     Kind
	Reentry  bool
	Quantity int64
	Price    decimal.Decimal
	Reason   Reason
}

func (d Decision) Side() string { return d.Kind.Side() }

// Actionable reports whether the decision requires an order.
func (d Decision) Actionable() bool { return d.Kind != Hold }

func (d Decision) ReasonJSON() string {
	b, _ := json.Marshal(d.Reason)
	return string(b)
}

var (
	ErrMissingQuote     = errors.New("missing or non-positive quote")
	ErrMissingThreshold = errors.New("entry threshold unavailable")
	ErrNoAveragePrice   = errors.New("open position has no average price")
)

// PreconditionError is a benign reason the decision cannot be acted on.
// Callers treat it as a skip, not a failure.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string { return "precondition not met: " + e.Reason }

var hundred = decimal.NewFromInt(100)

// crossed applies the signed-percentage trigger: pct >= 0 fires when ltp >= ref*(1+pct/100),
// pct < 0 fires when ltp <= ref*(1-|pct|/100).
func crossed(ref, pct, ltp decimal.Decimal) (bool, decimal.Decimal) {
	if pct.Sign() >= 0 {
		desired := ref.Mul(decimal.NewFromInt(1).Add(pct.Div(hundred)))
		return ltp.GreaterThanOrEqual(desired), desired
	}
	desired := ref.Mul(decimal.NewFromInt(1).Sub(pct.Abs().Div(hundred)))
	return ltp.LessThanOrEqual(desired), desired
}

func size(p Params, ltp decimal.Decimal) int64 {
	if strings.EqualFold(p.InvestmentType, "quantity") {
		return p.InvestmentValue.Floor().IntPart()
	}
	return p.InvestmentValue.Div(ltp).Floor().IntPart()
}

// Evaluate maps parameters, quote and position to a decision. It is pure.
// A non-nil error means the script could not be evaluated; *PreconditionError
// means it was evaluated but the outcome cannot be acted on.
func Evaluate(in Input) (Decision, error) {
	if !in.LTP.IsPositive() {
		return Decision{}, fmt.Errorf("%s: %w", in.Symbol, ErrMissingQuote)
	}
	if err := in.Params.Validate(); err != nil {
		return Decision{}, err
	}
	ltp := in.LTP
	reason := Reason{LTP: ltp.String()}
	hold := Decision{Kind: Hold, Price: ltp, Reason: Reason{Rule: "no_trigger", LTP: ltp.String()}}

	if in.Position.Quantity <= 0 {
		if !in.EntryThreshold.Valid || !in.EntryThreshold.Decimal.IsPositive() {
			return Decision{}, fmt.Errorf("%s: %w", in.Symbol, ErrMissingThreshold)
		}
		ok, desired := crossed(in.EntryThreshold.Decimal, in.Params.EntryPercentage, ltp)
		if !ok {
			hold.Reason.Trigger = desired.StringFixed(2)
			return hold, nil
		}
		qty := size(in.Params, ltp)
		if qty <= 0 {
			return Decision{}, &PreconditionError{Reason: fmt.Sprintf("order size is zero at ltp %s", ltp)}
		}
		reason.Rule = "entry"
		reason.Trigger = desired.StringFixed(2)
		return Decision{Kind: Enter, Quantity: qty, Price: ltp, Reason: reason}, nil
	}

	pos := in.Position
	avg := pos.AvgPrice
	if !avg.IsPositive() {
		return Decision{}, fmt.Errorf("%s: %w", in.Symbol, ErrNoAveragePrice)
	}

	var target decimal.Decimal
	if strings.EqualFold(in.Params.ProfitTargetType, "percentage") {
		target = avg.Mul(decimal.NewFromInt(1).Add(in.Params.ProfitTargetValue.Abs().Div(hundred)))
	} else {
		target = avg.Add(in.Params.ProfitTargetValue)
	}
	if ltp.GreaterThanOrEqual(target) {
		reason.Rule = "profit_target"
		reason.Trigger = target.StringFixed(2)
		return Decision{Kind: ExitFull, Quantity: pos.Quantity, Price: ltp, Reason: reason}, nil
	}
	if sl := in.Params.StopLossValue; sl.IsPositive() {
		var stop decimal.Decimal
		if strings.EqualFold(in.Params.StopLossType, "percentage") {
			stop = avg.Mul(decimal.NewFromInt(1).Sub(sl.Abs().Div(hundred)))
		} else {
			stop = avg.Sub(sl)
		}
		if ltp.LessThanOrEqual(stop) {
			reason.Rule = "stop_loss"
			reason.Trigger = stop.StringFixed(2)
			return Decision{Kind: ExitFull, Quantity: pos.Quantity, Price: ltp, Reason: reason}, nil
		}
	}

	if pe := in.Params.PartialExit; pe != nil && !pos.PartialExited && pos.Quantity > 1 {
		ptarget := avg.Mul(decimal.NewFromInt(1).Add(pe.TargetPercentage.Div(hundred)))
		if ltp.GreaterThanOrEqual(ptarget) {
			qty := decimal.NewFromInt(pos.Quantity).Mul(pe.Fraction).Floor().IntPart()
			if qty < 1 {
				qty = 1
			}
			if qty > pos.Quantity-1 {
				qty = pos.Quantity - 1
			}
			reason.Rule = "partial_exit"
			reason.Trigger = ptarget.StringFixed(2)
			return Decision{Kind: ExitPartial, Quantity: qty, Price: ltp, Reason: reason}, nil
		}
	}

	rules := in.Params.Reentry
	if !in.ReentryEnabled || rules.empty() || pos.LastEntryDate == in.Today {
		return hold, nil
	}
	type candidate struct {
		name string
		rule *ReentryRule
		ref  decimal.Decimal
		ok   bool
	}
	candidates := []candidate{
		{"reentry_prev_day", rules.PrevDay, in.ReentryThreshold.Decimal, in.ReentryThreshold.Valid && in.ReentryThreshold.Decimal.IsPositive()},
		{"reentry_last_buy", rules.LastBuy, pos.LastBuyPrice, pos.LastBuyPrice.IsPositive()},
		{"reentry_weighted_avg", rules.WeightedAvg, avg, true},
	}
	for _, c := range candidates {
		if c.rule == nil || !c.ok {
			continue
		}
		hit, desired := crossed(c.ref, c.rule.Percentage, ltp)
		if !hit {
			continue
		}
		qty := size(in.Params, ltp)
		if qty <= 0 {
			return Decision{}, &PreconditionError{Reason: fmt.Sprintf("re-entry size is zero at ltp %s", ltp)}
		}
		reason.Rule = c.name
		reason.Trigger = desired.StringFixed(2)
		return Decision{Kind: Enter, Reentry: true, Quantity: qty, Price: ltp, Reason: reason}, nil
	}
	return hold, nil
}
