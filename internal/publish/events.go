package publish

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/swing-engine/internal/portfolio"
)

type EventType string

const (
	StrategyUpdateEvent EventType = "strategy_update"
	OrderUpdateEvent    EventType = "order_update"
	BalanceUpdateEvent  EventType = "balance_update"
	OrderSkippedEvent   EventType = "order_skipped"
	NotificationEvent   EventType = "notification"
)

// Payload is implemented by every event variant.
type Payload interface {
	eventType() EventType
}

// StrategyUpdate maps script name to its current state.
type StrategyUpdate map[string]portfolio.ScriptState

// OrderUpdate reports an acknowledgment, rejection or fill.
type OrderUpdate struct {
	ScriptID uint            `json:"script_id"`
	Symbol   string          `json:"symbol"`
	Side     string          `json:"side"`
	Status   string          `json:"status"` // ack | not_ok | filled | rejected | cancelled
	OrderID  string          `json:"order_id,omitempty"`
	Quantity int64           `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	Reason   string          `json:"reason,omitempty"`
}

type BalanceUpdate struct {
	Balance decimal.Decimal `json:"balance"`
}

// OrderSkipped is emitted when the affordability gate declines a buy.
type OrderSkipped struct {
	Symbol    string          `json:"symbol"`
	Available decimal.Decimal `json:"available"`
	Required  decimal.Decimal `json:"required"`
}

type Level string

const (
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelDanger  Level = "danger"
)

// Notification is a user-facing toast.
type Notification struct {
	Level    Level  `json:"level"`
	Message  string `json:"message"`
	ScriptID uint   `json:"script_id,omitempty"`
	Symbol   string `json:"symbol,omitempty"`
}

func (StrategyUpdate) eventType() EventType { return StrategyUpdateEvent }
func (OrderUpdate) eventType() EventType    { return OrderUpdateEvent }
func (BalanceUpdate) eventType() EventType  { return BalanceUpdateEvent }
func (OrderSkipped) eventType() EventType   { return OrderSkippedEvent }
func (Notification) eventType() EventType   { return NotificationEvent }

// Event is the wire envelope delivered to sessions.
type Event struct {
	ID      string          `json:"id"`
	Type    EventType       `json:"type"`
	UserID  uint            `json:"user_id,omitempty"`
	TS      time.Time       `json:"ts_utc"`
	Payload json.RawMessage `json:"payload"`
}

// NewEvent encodes a payload. Payload types always marshal.
func NewEvent(userID uint, p Payload) Event {
	data, err := json.Marshal(p)
	if err != nil {
		data = []byte("null")
	}
	return Event{
		ID:      uuid.NewString(),
		Type:    p.eventType(),
		UserID:  userID,
		TS:      time.Now().UTC(),
		Payload: data,
	}
}
