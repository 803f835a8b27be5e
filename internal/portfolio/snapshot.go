package portfolio

import (
	"github.com/shopspring/decimal"
)

// ScriptState is the per-script view pushed to UI sessions.
type ScriptState struct {
	ScriptID       uint            `json:"script_id"`
	Token          string          `json:"token"`
	Symbol         string          `json:"symbol"`
	CurrentLTP     decimal.Decimal `json:"current_ltp"`
	Status         string          `json:"status"`
	PurchasedQty   int64           `json:"purchasedQty"`
	AvgPrice       decimal.Decimal `json:"avgPrice"`
	ThresholdPrice decimal.Decimal `json:"threshold_price"`
	TradeCount     int             `json:"trade_count"`
	PositionOpen   bool            `json:"position_open"`
	LastTradeDate  string          `json:"last_trade_date,omitempty"`
	Reason         string          `json:"reason,omitempty"`
}

// BuildState maps script name to its UI state. Names are unique per user by
// convention; a duplicate name keeps the most recently created script.
func BuildState(scripts []Script) map[string]ScriptState {
	out := make(map[string]ScriptState, len(scripts))
	for _, s := range scripts {
		out[s.Name] = ScriptState{
			ScriptID:       s.ID,
			Token:          s.Token,
			Symbol:         s.Symbol,
			CurrentLTP:     s.LastLTP,
			Status:         string(s.Status),
			PurchasedQty:   s.Quantity,
			AvgPrice:       s.AvgPrice,
			ThresholdPrice: s.ThresholdPrice,
			TradeCount:     s.TradeCount,
			PositionOpen:   s.Quantity > 0,
			LastTradeDate:  s.LastTradeDate,
			Reason:         s.Reason,
		}
	}
	return out
}
