package adapters

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/swing-engine/internal/observ"
)

// PaperConfig configures the simulated broker.
type PaperConfig struct {
	InitialBalance decimal.Decimal
	LatencyMsMin   int // 0 fills synchronously inside SubmitOrder
	LatencyMsMax   int
	SlippageBpsMin int
	SlippageBpsMax int
	RejectSymbols  []string
}

type paperSymbol struct {
	price      decimal.Decimal
	volatility float64 // daily volatility, 0 keeps the price fixed
	bar        *DailyBar
}

// PaperBroker is an in-process broker with simulated prices and fills.
type PaperBroker struct {
	mu      sync.Mutex
	config  PaperConfig
	balance decimal.Decimal
	symbols map[string]*paperSymbol
	orders  map[string]OrderUpdate     // client order id -> latest status
	holds   map[string]decimal.Decimal // buying power held by open buys
	reject  map[string]bool
	updates chan OrderUpdate
	random  *rand.Rand
	wg      sync.WaitGroup
}

var (
	_ Gateway   = (*PaperBroker)(nil)
	_ OrderFeed = (*PaperBroker)(nil)
)

func NewPaperBroker(config PaperConfig) *PaperBroker {
	reject := make(map[string]bool, len(config.RejectSymbols))
	for _, s := range config.RejectSymbols {
		reject[normalize(s)] = true
	}
	return &PaperBroker{
		config:  config,
		balance: config.InitialBalance,
		symbols: make(map[string]*paperSymbol),
		orders:  make(map[string]OrderUpdate),
		holds:   make(map[string]decimal.Decimal),
		reject:  reject,
		updates: make(chan OrderUpdate, 256),
		random:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// SetPrice fixes a symbol's last traded price.
func (p *PaperBroker) SetPrice(symbol string, price decimal.Decimal) {
	p.AddSymbol(symbol, price, 0)
}

// AddSymbol registers a symbol whose price follows a random walk.
func (p *PaperBroker) AddSymbol(symbol string, price decimal.Decimal, volatility float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sym := normalize(symbol)
	if existing, ok := p.symbols[sym]; ok {
		existing.price = price
		existing.volatility = volatility
		return
	}
	p.symbols[sym] = &paperSymbol{price: price, volatility: volatility}
}

// SetPreviousDay overrides the bar returned by PreviousDay.
func (p *PaperBroker) SetPreviousDay(symbol string, bar DailyBar) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sym := normalize(symbol)
	s, ok := p.symbols[sym]
	if !ok {
		s = &paperSymbol{price: bar.Close}
		p.symbols[sym] = s
	}
	bar.Symbol = sym
	s.bar = &bar
}

// SetBalance replaces the account's buying power.
func (p *PaperBroker) SetBalance(v decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balance = v
}

func (p *PaperBroker) Updates() <-chan OrderUpdate { return p.updates }

func (p *PaperBroker) Quote(ctx context.Context, symbol string) (Quote, error) {
	if err := ctx.Err(); err != nil {
		return Quote{}, NewTimeoutError("quote", symbol, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	sym := normalize(symbol)
	s, ok := p.symbols[sym]
	if !ok {
		return Quote{}, NewProviderError("quote", sym, "symbol not supported by paper broker", nil)
	}
	if s.volatility > 0 {
		s.price = s.price.Mul(decimal.NewFromFloat(1 + p.priceMovement(s.volatility))).Round(2)
	}
	return Quote{Symbol: sym, LTP: s.price, Timestamp: time.Now(), Source: "paper"}, nil
}

// priceMovement creates realistic intraday price movement
func (p *PaperBroker) priceMovement(dailyVol float64) float64 {
	// 6.5 trading hours = 390 minutes
	minuteVol := dailyVol / math.Sqrt(390)
	return p.random.NormFloat64() * minuteVol
}

func (p *PaperBroker) Balance(ctx context.Context) (Balance, error) {
	if err := ctx.Err(); err != nil {
		return Balance{}, NewTimeoutError("balance", "", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return Balance{Available: p.balance, Timestamp: time.Now()}, nil
}

func (p *PaperBroker) SubmitOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	if err := ctx.Err(); err != nil {
		return OrderAck{}, NewTimeoutError("submit", req.Symbol, err)
	}
	sym := normalize(req.Symbol)

	p.mu.Lock()
	defer p.mu.Unlock()

	if prev, ok := p.orders[req.ClientOrderID]; ok && req.ClientOrderID != "" {
		// broker-side dedupe on client order id
		ack := OrderAck{Status: AckOk, OrderID: prev.OrderID}
		if prev.Status.Terminal() {
			u := prev
			ack.Update = &u
		}
		return ack, nil
	}
	if req.Quantity <= 0 {
		return OrderAck{Status: AckNotOk, Reason: "invalid quantity"}, nil
	}
	if p.reject[sym] {
		return OrderAck{Status: AckNotOk, Reason: "symbol blocked by broker"}, nil
	}
	price := req.Price
	if s, ok := p.symbols[sym]; ok && price.IsZero() {
		price = s.price
	}
	if !price.IsPositive() {
		return OrderAck{Status: AckNotOk, Reason: "no price"}, nil
	}
	cost := price.Mul(decimal.NewFromInt(req.Quantity))
	if req.Side == Buy && cost.GreaterThan(p.balance) {
		return OrderAck{Status: AckNotOk, Reason: "margin exceeded"}, nil
	}

	update := OrderUpdate{
		OrderID:       uuid.NewString(),
		ClientOrderID: req.ClientOrderID,
		Symbol:        sym,
		Side:          req.Side,
		Status:        OrderOpen,
		AvgPrice:      decimal.Zero,
		Timestamp:     time.Now(),
	}
	p.orders[req.ClientOrderID] = update
	if req.Side == Buy {
		// accepted buys reduce buying power until they fill or die
		p.balance = p.balance.Sub(cost)
		p.holds[req.ClientOrderID] = cost
	}

	latency := p.latency()
	fillPrice := p.slip(price, req.Side)
	if latency == 0 {
		filled := p.fillLocked(req.ClientOrderID, req.Quantity, fillPrice)
		return OrderAck{Status: AckOk, OrderID: update.OrderID, Update: &filled}, nil
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		time.Sleep(latency)
		p.mu.Lock()
		filled := p.fillLocked(req.ClientOrderID, req.Quantity, fillPrice)
		p.mu.Unlock()
		select {
		case p.updates <- filled:
		default:
			observ.LogWarn("paper_update_dropped", map[string]any{"order_id": filled.OrderID})
		}
	}()
	return OrderAck{Status: AckOk, OrderID: update.OrderID}, nil
}

func (p *PaperBroker) fillLocked(clientOrderID string, qty int64, price decimal.Decimal) OrderUpdate {
	u := p.orders[clientOrderID]
	cost := price.Mul(decimal.NewFromInt(qty))
	if hold, ok := p.holds[clientOrderID]; ok {
		delete(p.holds, clientOrderID)
		p.balance = p.balance.Add(hold)
	}
	if u.Side == Buy {
		if cost.GreaterThan(p.balance) {
			u.Status = OrderRejected
			u.RejectReason = "margin exceeded"
			u.Timestamp = time.Now()
			p.orders[clientOrderID] = u
			return u
		}
		p.balance = p.balance.Sub(cost)
	} else {
		p.balance = p.balance.Add(cost)
	}
	u.Status = OrderFilled
	u.FilledQty = qty
	u.AvgPrice = price
	u.Timestamp = time.Now()
	p.orders[clientOrderID] = u
	return u
}

func (p *PaperBroker) latency() time.Duration {
	lo, hi := p.config.LatencyMsMin, p.config.LatencyMsMax
	if hi <= 0 {
		return 0
	}
	if hi < lo {
		hi = lo
	}
	return time.Duration(lo+p.random.Intn(hi-lo+1)) * time.Millisecond
}

func (p *PaperBroker) slip(price decimal.Decimal, side Side) decimal.Decimal {
	lo, hi := p.config.SlippageBpsMin, p.config.SlippageBpsMax
	if hi <= 0 {
		return price
	}
	if hi < lo {
		hi = lo
	}
	bps := decimal.NewFromInt(int64(lo + p.random.Intn(hi-lo+1)))
	mult := decimal.NewFromInt(1).Add(bps.Div(decimal.NewFromInt(10000)))
	if side == Buy {
		return price.Mul(mult).Round(2)
	}
	return price.Div(mult).Round(2)
}

func (p *PaperBroker) LookupOrder(ctx context.Context, clientOrderID string) (OrderUpdate, error) {
	if err := ctx.Err(); err != nil {
		return OrderUpdate{}, NewTimeoutError("lookup", "", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.orders[clientOrderID]
	if !ok {
		return OrderUpdate{}, NewNotFoundError("lookup", "", "no order with client id "+clientOrderID)
	}
	return u, nil
}

func (p *PaperBroker) PreviousDay(ctx context.Context, symbol string, day time.Time) (DailyBar, error) {
	if err := ctx.Err(); err != nil {
		return DailyBar{}, NewTimeoutError("previous_day", symbol, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	sym := normalize(symbol)
	s, ok := p.symbols[sym]
	if !ok {
		return DailyBar{}, NewProviderError("previous_day", sym, "symbol not supported by paper broker", nil)
	}
	if s.bar != nil {
		return *s.bar, nil
	}
	prev := previousWeekday(day)
	return DailyBar{
		Symbol: sym,
		Date:   prev,
		Open:   s.price,
		High:   s.price.Mul(decimal.NewFromFloat(1.01)).Round(2),
		Low:    s.price.Mul(decimal.NewFromFloat(0.99)).Round(2),
		Close:  s.price,
	}, nil
}

// Wait blocks until every delayed fill has been delivered.
func (p *PaperBroker) Wait() { p.wg.Wait() }

func previousWeekday(day time.Time) time.Time {
	d := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location()).AddDate(0, 0, -1)
	for d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
		d = d.AddDate(0, 0, -1)
	}
	return d
}
