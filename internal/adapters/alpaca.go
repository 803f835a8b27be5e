package adapters

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"
)

// AlpacaConfig holds brokerage credentials and endpoints.
type AlpacaConfig struct {
	APIKey    string
	APISecret string
	BaseURL   string
	Feed      string // iex | sip
}

// AlpacaGateway implements Gateway over the Alpaca trading and market data APIs.
// The SDK calls do not take a context; the caller's deadline bounds them
// through RateLimited.
type AlpacaGateway struct {
	trade *alpaca.Client
	data  *marketdata.Client
}

var _ Gateway = (*AlpacaGateway)(nil)

func NewAlpacaGateway(cfg AlpacaConfig) *AlpacaGateway {
	return &AlpacaGateway{
		trade: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
			BaseURL:   cfg.BaseURL,
		}),
		data: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
			Feed:      marketdata.Feed(cfg.Feed),
		}),
	}
}

func (a *AlpacaGateway) Quote(ctx context.Context, symbol string) (Quote, error) {
	if err := ctx.Err(); err != nil {
		return Quote{}, NewTimeoutError("quote", symbol, err)
	}
	trade, err := a.data.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{})
	if err != nil {
		return Quote{}, classify("quote", symbol, err)
	}
	if trade == nil {
		return Quote{}, NewProviderError("quote", symbol, "no trade returned", nil)
	}
	return Quote{
		Symbol:    normalize(symbol),
		LTP:       decimal.NewFromFloat(trade.Price),
		Timestamp: trade.Timestamp,
		Source:    "alpaca",
	}, nil
}

func (a *AlpacaGateway) Balance(ctx context.Context) (Balance, error) {
	if err := ctx.Err(); err != nil {
		return Balance{}, NewTimeoutError("balance", "", err)
	}
	acct, err := a.trade.GetAccount()
	if err != nil {
		return Balance{}, classify("balance", "", err)
	}
	return Balance{Available: acct.BuyingPower, Timestamp: time.Now()}, nil
}

func (a *AlpacaGateway) SubmitOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	if err := ctx.Err(); err != nil {
		return OrderAck{}, NewTimeoutError("submit", req.Symbol, err)
	}
	qty := decimal.NewFromInt(req.Quantity)
	side := alpaca.Buy
	if req.Side == Sell {
		side = alpaca.Sell
	}
	order := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          side,
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		ClientOrderID: req.ClientOrderID,
	}
	if req.Price.IsPositive() {
		limit := req.Price
		order.Type = alpaca.Limit
		order.LimitPrice = &limit
	}

	o, err := a.trade.PlaceOrder(order)
	if err != nil {
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 &&
			apiErr.StatusCode != http.StatusTooManyRequests {
			return OrderAck{Status: AckNotOk, Reason: apiErr.Message}, nil
		}
		return OrderAck{}, classify("submit", req.Symbol, err)
	}
	u := mapOrder(o)
	ack := OrderAck{Status: AckOk, OrderID: o.ID}
	if u.Status.Terminal() {
		ack.Update = &u
	}
	return ack, nil
}

func (a *AlpacaGateway) LookupOrder(ctx context.Context, clientOrderID string) (OrderUpdate, error) {
	if err := ctx.Err(); err != nil {
		return OrderUpdate{}, NewTimeoutError("lookup", "", err)
	}
	o, err := a.trade.GetOrderByClientOrderID(clientOrderID)
	if err != nil {
		return OrderUpdate{}, classify("lookup", "", err)
	}
	return mapOrder(o), nil
}

func (a *AlpacaGateway) PreviousDay(ctx context.Context, symbol string, day time.Time) (DailyBar, error) {
	if err := ctx.Err(); err != nil {
		return DailyBar{}, NewTimeoutError("previous_day", symbol, err)
	}
	start := day.AddDate(0, 0, -7)
	end := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	bars, err := a.data.GetBars(symbol, marketdata.GetBarsRequest{
		TimeFrame: marketdata.OneDay,
		Start:     start,
		End:       end,
	})
	if err != nil {
		return DailyBar{}, classify("previous_day", symbol, err)
	}
	if len(bars) == 0 {
		return DailyBar{}, NewProviderError("previous_day", symbol, "no daily bars", nil)
	}
	b := bars[len(bars)-1]
	return DailyBar{
		Symbol: normalize(symbol),
		Date:   b.Timestamp,
		Open:   decimal.NewFromFloat(b.Open),
		High:   decimal.NewFromFloat(b.High),
		Low:    decimal.NewFromFloat(b.Low),
		Close:  decimal.NewFromFloat(b.Close),
	}, nil
}

func mapOrder(o *alpaca.Order) OrderUpdate {
	u := OrderUpdate{
		OrderID:       o.ID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          Buy,
		Status:        mapStatus(o.Status),
		FilledQty:     o.FilledQty.IntPart(),
		AvgPrice:      decimal.Zero,
		Timestamp:     o.UpdatedAt,
	}
	if o.Side == alpaca.Sell {
		u.Side = Sell
	}
	if o.FilledAvgPrice != nil {
		u.AvgPrice = *o.FilledAvgPrice
	}
	if u.Status == OrderRejected {
		u.RejectReason = "rejected by broker"
	}
	return u
}

func mapStatus(s string) OrderState {
	switch strings.ToLower(s) {
	case "filled":
		return OrderFilled
	case "partially_filled":
		return OrderPartiallyFilled
	case "rejected":
		return OrderRejected
	case "canceled", "cancelled", "expired", "done_for_day":
		return OrderCancelled
	default:
		return OrderOpen
	}
}

func classify(op, symbol string, err error) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusNotFound:
			return NewNotFoundError(op, symbol, apiErr.Message)
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return NewRateLimitError(op, symbol)
		case apiErr.StatusCode >= 500:
			return NewProviderError(op, symbol, fmt.Sprintf("status %d", apiErr.StatusCode), err)
		default:
			return NewRejectedError(op, symbol, apiErr.Message)
		}
	}
	return NewNetworkError(op, symbol, "request failed", err)
}
