package portfolio

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"github.com/Rajchodisetti/swing-engine/internal/decision"
	"github.com/Rajchodisetti/swing-engine/internal/lifecycle"
)

// StrategySet groups scripts that share entry, exit and re-entry parameters.
type StrategySet struct {
	ID        uint                                `gorm:"primaryKey" json:"id"`
	UserID    uint                                `gorm:"index;not null" json:"user_id"`
	Name      string                              `gorm:"size:100;not null" json:"name"`
	Active    bool                                `gorm:"index;not null;default:false" json:"active"`
	Params    datatypes.JSONType[decision.Params] `json:"params"`
	Scripts   []Script                            `gorm:"foreignKey:SetID" json:"scripts,omitempty"`
	CreatedAt time.Time                           `json:"created_at"`
	UpdatedAt time.Time                           `json:"updated_at"`
}

// Script is one managed instrument under a strategy set.
// Quantity, AvgPrice and LastBuyPrice change only when a fill is applied.
type Script struct {
	ID     uint             `gorm:"primaryKey" json:"id"`
	SetID  uint             `gorm:"index;not null" json:"set_id"`
	Set    *StrategySet     `gorm:"foreignKey:SetID" json:"-"`
	UserID uint             `gorm:"index;not null" json:"user_id"`
	Name   string           `gorm:"size:100;not null" json:"name"`
	Symbol string           `gorm:"size:32;not null" json:"symbol"`
	Token  string           `gorm:"size:32" json:"token"`
	Status lifecycle.Status `gorm:"type:varchar(16);index;not null" json:"status"`

	Quantity      int64           `gorm:"not null;default:0" json:"quantity"`
	AvgPrice      decimal.Decimal `gorm:"type:text" json:"avg_price"`
	LastBuyPrice  decimal.Decimal `gorm:"type:text" json:"last_buy_price"`
	TradeCount    int             `gorm:"not null;default:0" json:"trade_count"`
	PartialExited bool            `gorm:"not null;default:false" json:"partial_exited"`

	ThresholdPrice   decimal.Decimal `gorm:"type:text" json:"threshold_price"`
	ReentryThreshold decimal.Decimal `gorm:"type:text" json:"reentry_threshold"`
	ThresholdDate    string          `gorm:"size:10" json:"threshold_date,omitempty"`
	LastEntryDate    string          `gorm:"size:10" json:"last_entry_date,omitempty"`
	LastTradeDate    string          `gorm:"size:10;index" json:"last_trade_date,omitempty"`
	LastOrderAt      *time.Time      `json:"last_order_at,omitempty"`
	LastEpoch        string          `gorm:"size:64" json:"last_epoch,omitempty"`

	LastLTP   decimal.Decimal `gorm:"type:text" json:"last_ltp"`
	LastLTPAt *time.Time      `json:"last_ltp_at,omitempty"`

	Reason   string     `gorm:"size:500" json:"reason,omitempty"`
	ReasonAt *time.Time `json:"reason_at,omitempty"`

	ArchivedAt *time.Time `gorm:"index" json:"archived_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Position returns the fill-derived state used by the state machine.
func (s Script) Position() lifecycle.Position {
	return lifecycle.Position{
		Quantity:      s.Quantity,
		AvgPrice:      s.AvgPrice,
		LastBuyPrice:  s.LastBuyPrice,
		TradeCount:    s.TradeCount,
		PartialExited: s.PartialExited,
	}
}

// SetPosition stores a position computed by lifecycle.ApplyFill.
func (s *Script) SetPosition(p lifecycle.Position) {
	s.Quantity = p.Quantity
	s.AvgPrice = p.AvgPrice
	s.LastBuyPrice = p.LastBuyPrice
	s.TradeCount = p.TradeCount
	s.PartialExited = p.PartialExited
}

// Holding reports whether the script has an open position.
func (s Script) Holding() bool { return s.Quantity > 0 }

// ScriptArchive is the immutable snapshot written when a script leaves the active set.
type ScriptArchive struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	ScriptID   uint           `gorm:"uniqueIndex;not null" json:"script_id"`
	UserID     uint           `gorm:"index;not null" json:"user_id"`
	SetID      uint           `gorm:"index;not null" json:"set_id"`
	Name       string         `gorm:"size:100" json:"name"`
	Symbol     string         `gorm:"size:32" json:"symbol"`
	Status     string         `gorm:"size:16" json:"status"`
	Data       datatypes.JSON `json:"data"`
	ArchivedAt time.Time      `gorm:"index" json:"archived_at"`
}
