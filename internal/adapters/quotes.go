package adapters

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Gateway is the brokerage boundary used by the engine.
type Gateway interface {
	Quote(ctx context.Context, symbol string) (Quote, error)
	Balance(ctx context.Context) (Balance, error)
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	// LookupOrder finds an order by the client order id it was submitted
	// with. ErrOrderNotFound means the broker never saw it.
	LookupOrder(ctx context.Context, clientOrderID string) (OrderUpdate, error)
	// PreviousDay returns the last completed daily bar before day.
	PreviousDay(ctx context.Context, symbol string, day time.Time) (DailyBar, error)
}

// OrderFeed delivers asynchronous order status updates.
type OrderFeed interface {
	Updates() <-chan OrderUpdate
}

type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Quote is the last traded price for a symbol.
type Quote struct {
	Symbol    string          `json:"symbol"`
	LTP       decimal.Decimal `json:"ltp"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
}

// ValidateQuote rejects unusable quotes (fail closed).
func ValidateQuote(q Quote) error {
	if strings.TrimSpace(q.Symbol) == "" {
		return fmt.Errorf("empty symbol")
	}
	if !q.LTP.IsPositive() {
		return fmt.Errorf("invalid ltp for %s: %s", q.Symbol, q.LTP)
	}
	if q.Timestamp.After(time.Now().Add(5 * time.Minute)) {
		return fmt.Errorf("quote timestamp too far in future: %v", q.Timestamp)
	}
	return nil
}

// Age returns how old the quote is at now.
func (q Quote) Age(now time.Time) time.Duration {
	return now.Sub(q.Timestamp)
}

type Balance struct {
	Available decimal.Decimal `json:"available"`
	Timestamp time.Time       `json:"timestamp"`
}

type OrderRequest struct {
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Token         string          `json:"token,omitempty"`
	Side          Side            `json:"side"`
	Quantity      int64           `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
}

type AckStatus string

const (
	AckOk    AckStatus = "Ok"
	AckNotOk AckStatus = "Not_Ok"
)

// OrderAck is the synchronous answer to a submission. Not_Ok is a normal
// outcome, not an error.
type OrderAck struct {
	Status  AckStatus `json:"status"`
	OrderID string    `json:"order_id,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	// Update is set when the broker already knows a terminal status.
	Update *OrderUpdate `json:"update,omitempty"`
}

type OrderState string

const (
	OrderOpen            OrderState = "open"
	OrderPartiallyFilled OrderState = "partially_filled"
	OrderFilled          OrderState = "filled"
	OrderRejected        OrderState = "rejected"
	OrderCancelled       OrderState = "cancelled"
)

// Terminal reports whether no further updates are expected.
func (s OrderState) Terminal() bool {
	return s == OrderFilled || s == OrderRejected || s == OrderCancelled
}

// OrderUpdate is one status report for an order.
type OrderUpdate struct {
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Status        OrderState      `json:"status"`
	FilledQty     int64           `json:"fillshares"`
	AvgPrice      decimal.Decimal `json:"avgprc"`
	RejectReason  string          `json:"rejreason,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// DailyBar is a completed daily OHLC bar.
type DailyBar struct {
	Symbol string          `json:"symbol"`
	Date   time.Time       `json:"date"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
}

// Value selects a field by basis name (open, high, low, close).
func (b DailyBar) Value(basis string) (decimal.Decimal, error) {
	switch strings.ToLower(basis) {
	case "open":
		return b.Open, nil
	case "high":
		return b.High, nil
	case "low":
		return b.Low, nil
	case "close", "":
		return b.Close, nil
	}
	return decimal.Zero, fmt.Errorf("unknown basis %q", basis)
}

// ErrOrderNotFound is returned by LookupOrder when the broker has no such order.
var ErrOrderNotFound = errors.New("order not found")

// GatewayError represents different types of brokerage call failures
type GatewayError struct {
	Kind    string // "network", "rate_limit", "timeout", "provider_error", "rejected", "not_found"
	Op      string
	Symbol  string
	Message string
	Cause   error
}

func (e *GatewayError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s %s error for %s: %s (%v)", e.Op, e.Kind, e.Symbol, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s %s error for %s: %s", e.Op, e.Kind, e.Symbol, e.Message)
}

func (e *GatewayError) Unwrap() error {
	if e.Kind == "not_found" && e.Cause == nil {
		return ErrOrderNotFound
	}
	return e.Cause
}

// Common error constructors
func NewNetworkError(op, symbol, message string, cause error) *GatewayError {
	return &GatewayError{Kind: "network", Op: op, Symbol: symbol, Message: message, Cause: cause}
}

func NewRateLimitError(op, symbol string) *GatewayError {
	return &GatewayError{Kind: "rate_limit", Op: op, Symbol: symbol, Message: "rate limit exceeded"}
}

func NewTimeoutError(op, symbol string, cause error) *GatewayError {
	return &GatewayError{Kind: "timeout", Op: op, Symbol: symbol, Message: "request timed out", Cause: cause}
}

func NewProviderError(op, symbol, message string, cause error) *GatewayError {
	return &GatewayError{Kind: "provider_error", Op: op, Symbol: symbol, Message: message, Cause: cause}
}

func NewRejectedError(op, symbol, message string) *GatewayError {
	return &GatewayError{Kind: "rejected", Op: op, Symbol: symbol, Message: message}
}

func NewNotFoundError(op, symbol, message string) *GatewayError {
	return &GatewayError{Kind: "not_found", Op: op, Symbol: symbol, Message: message}
}

// IsTransient reports whether err may succeed on a later attempt.
// Unclassified errors are treated as transient: a submission whose
// outcome is unknown must be reconciled, never assumed failed.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ge *GatewayError
	if errors.As(err, &ge) {
		switch ge.Kind {
		case "network", "rate_limit", "timeout":
			return true
		case "provider_error":
			return ge.Cause != nil
		default:
			return false
		}
	}
	return true
}

func errorKind(err error) string {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, ErrOrderNotFound) {
		return "not_found"
	}
	return "error"
}
