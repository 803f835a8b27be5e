package adapters

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// MockGateway provides deterministic gateway behaviour for testing.
// Every hook is optional; unset hooks return fixed values.
type MockGateway struct {
	mu       sync.Mutex
	quotes   map[string]decimal.Decimal
	bars     map[string]DailyBar
	balance  decimal.Decimal
	orders   map[string]OrderUpdate
	requests []OrderRequest

	QuoteErr     error
	BalanceErr   error
	SubmitFunc   func(ctx context.Context, req OrderRequest) (OrderAck, error)
	LookupFunc   func(ctx context.Context, clientOrderID string) (OrderUpdate, error)
	SubmitDelay  time.Duration
	submitCalls  atomic.Int64
	lookupCalls  atomic.Int64
	balanceCalls atomic.Int64
}

var _ Gateway = (*MockGateway)(nil)

// NewMockGateway creates a mock with the given balance.
func NewMockGateway(balance decimal.Decimal) *MockGateway {
	return &MockGateway{
		quotes:  make(map[string]decimal.Decimal),
		bars:    make(map[string]DailyBar),
		balance: balance,
		orders:  make(map[string]OrderUpdate),
	}
}

func (m *MockGateway) SetQuote(symbol string, ltp decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotes[normalize(symbol)] = ltp
}

func (m *MockGateway) SetBar(symbol string, bar DailyBar) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bars[normalize(symbol)] = bar
}

func (m *MockGateway) SetBalance(v decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balance = v
}

// SetOrder registers an order the broker knows about, for lookups.
func (m *MockGateway) SetOrder(u OrderUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[u.ClientOrderID] = u
}

func (m *MockGateway) SubmitCalls() int  { return int(m.submitCalls.Load()) }
func (m *MockGateway) LookupCalls() int  { return int(m.lookupCalls.Load()) }
func (m *MockGateway) BalanceCalls() int { return int(m.balanceCalls.Load()) }

// Requests returns every submitted order request in call order.
func (m *MockGateway) Requests() []OrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]OrderRequest(nil), m.requests...)
}

func (m *MockGateway) Quote(ctx context.Context, symbol string) (Quote, error) {
	if m.QuoteErr != nil {
		return Quote{}, m.QuoteErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ltp, ok := m.quotes[normalize(symbol)]
	if !ok {
		return Quote{}, NewProviderError("quote", symbol, "symbol not found in mock data", nil)
	}
	return Quote{Symbol: normalize(symbol), LTP: ltp, Timestamp: time.Now(), Source: "mock"}, nil
}

func (m *MockGateway) Balance(ctx context.Context) (Balance, error) {
	m.balanceCalls.Add(1)
	if m.BalanceErr != nil {
		return Balance{}, m.BalanceErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return Balance{Available: m.balance, Timestamp: time.Now()}, nil
}

// SubmitOrder fills the whole quantity at the request price unless
// SubmitFunc overrides it.
func (m *MockGateway) SubmitOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	m.submitCalls.Add(1)
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if m.SubmitDelay > 0 {
		select {
		case <-time.After(m.SubmitDelay):
		case <-ctx.Done():
			return OrderAck{}, NewTimeoutError("submit", req.Symbol, ctx.Err())
		}
	}
	if m.SubmitFunc != nil {
		return m.SubmitFunc(ctx, req)
	}
	u := OrderUpdate{
		OrderID:       "mock-" + req.ClientOrderID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        normalize(req.Symbol),
		Side:          req.Side,
		Status:        OrderFilled,
		FilledQty:     req.Quantity,
		AvgPrice:      req.Price,
		Timestamp:     time.Now(),
	}
	m.SetOrder(u)
	return OrderAck{Status: AckOk, OrderID: u.OrderID, Update: &u}, nil
}

func (m *MockGateway) LookupOrder(ctx context.Context, clientOrderID string) (OrderUpdate, error) {
	m.lookupCalls.Add(1)
	if m.LookupFunc != nil {
		return m.LookupFunc(ctx, clientOrderID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.orders[clientOrderID]
	if !ok {
		return OrderUpdate{}, NewNotFoundError("lookup", "", clientOrderID)
	}
	return u, nil
}

func (m *MockGateway) PreviousDay(ctx context.Context, symbol string, day time.Time) (DailyBar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bar, ok := m.bars[normalize(symbol)]
	if !ok {
		return DailyBar{}, NewProviderError("previous_day", symbol, "no bar in mock data", nil)
	}
	return bar, nil
}
