package adapters

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/Rajchodisetti/swing-engine/internal/observ"
)

// RateLimited throttles gateway calls, bounds each with a timeout and
// records per-operation metrics.
type RateLimited struct {
	inner   Gateway
	limiter *rate.Limiter
	timeout time.Duration
}

var _ Gateway = (*RateLimited)(nil)

// NewRateLimited allows perSecond calls with a burst of the same size.
// perSecond <= 0 disables throttling.
func NewRateLimited(inner Gateway, perSecond float64, timeout time.Duration) *RateLimited {
	limit := rate.Inf
	burst := 1
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
		burst = int(perSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &RateLimited{inner: inner, limiter: rate.NewLimiter(limit, burst), timeout: timeout}
}

func (r *RateLimited) begin(ctx context.Context, op, symbol string) (context.Context, context.CancelFunc, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		observ.IncCounter("gateway_requests_total", map[string]string{"op": op, "result": "rate_limit"})
		return nil, nil, NewRateLimitError(op, symbol)
	}
	if r.timeout > 0 {
		cctx, cancel := context.WithTimeout(ctx, r.timeout)
		return cctx, cancel, nil
	}
	return ctx, func() {}, nil
}

func record(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = errorKind(err)
	}
	observ.IncCounter("gateway_requests_total", map[string]string{"op": op, "result": result})
	observ.RecordDuration("gateway_request_seconds", time.Since(start), map[string]string{"op": op})
}

func (r *RateLimited) Quote(ctx context.Context, symbol string) (q Quote, err error) {
	cctx, cancel, err := r.begin(ctx, "quote", symbol)
	if err != nil {
		return Quote{}, err
	}
	defer cancel()
	defer func(start time.Time) { record("quote", start, err) }(time.Now())
	return r.inner.Quote(cctx, symbol)
}

func (r *RateLimited) Balance(ctx context.Context) (b Balance, err error) {
	cctx, cancel, err := r.begin(ctx, "balance", "")
	if err != nil {
		return Balance{}, err
	}
	defer cancel()
	defer func(start time.Time) { record("balance", start, err) }(time.Now())
	return r.inner.Balance(cctx)
}

func (r *RateLimited) SubmitOrder(ctx context.Context, req OrderRequest) (ack OrderAck, err error) {
	cctx, cancel, err := r.begin(ctx, "submit", req.Symbol)
	if err != nil {
		return OrderAck{}, err
	}
	defer cancel()
	defer func(start time.Time) { record("submit", start, err) }(time.Now())
	return r.inner.SubmitOrder(cctx, req)
}

func (r *RateLimited) LookupOrder(ctx context.Context, clientOrderID string) (u OrderUpdate, err error) {
	cctx, cancel, err := r.begin(ctx, "lookup", "")
	if err != nil {
		return OrderUpdate{}, err
	}
	defer cancel()
	defer func(start time.Time) { record("lookup", start, err) }(time.Now())
	return r.inner.LookupOrder(cctx, clientOrderID)
}

func (r *RateLimited) PreviousDay(ctx context.Context, symbol string, day time.Time) (bar DailyBar, err error) {
	cctx, cancel, err := r.begin(ctx, "previous_day", symbol)
	if err != nil {
		return DailyBar{}, err
	}
	defer cancel()
	defer func(start time.Time) { record("previous_day", start, err) }(time.Now())
	return r.inner.PreviousDay(cctx, symbol, day)
}
