package adapters

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/swing-engine/internal/config"
	"github.com/Rajchodisetti/swing-engine/internal/observ"
)

// Stack is the assembled gateway chain: provider → rate limit → quote cache.
type Stack struct {
	Gateway Gateway
	// Feed is the provider's own order feed, nil when updates arrive over transport.
	Feed OrderFeed
	Kind string
}

// NewStack creates the gateway chain for the configured broker kind.
func NewStack(cfg config.Broker) (Stack, error) {
	kind := strings.ToLower(strings.TrimSpace(cfg.Kind))

	var base Gateway
	var feed OrderFeed
	switch kind {
	case "", "paper":
		kind = "paper"
		p := NewPaperBroker(PaperConfig{
			InitialBalance: decimal.NewFromFloat(cfg.Paper.InitialBalance),
			LatencyMsMin:   cfg.Paper.LatencyMsMin,
			LatencyMsMax:   cfg.Paper.LatencyMsMax,
			SlippageBpsMin: cfg.Paper.SlippageBpsMin,
			SlippageBpsMax: cfg.Paper.SlippageBpsMax,
			RejectSymbols:  cfg.Paper.RejectSymbols,
		})
		base, feed = p, p
	case "alpaca":
		if cfg.Alpaca.APIKey == "" || cfg.Alpaca.APISecret == "" {
			return Stack{}, fmt.Errorf("alpaca broker requires api key and secret")
		}
		base = NewAlpacaGateway(AlpacaConfig{
			APIKey:    cfg.Alpaca.APIKey,
			APISecret: cfg.Alpaca.APISecret,
			BaseURL:   cfg.Alpaca.BaseURL,
			Feed:      cfg.Alpaca.Feed,
		})
	default:
		return Stack{}, fmt.Errorf("unknown broker kind %q", cfg.Kind)
	}

	gw := Gateway(NewRateLimited(base, float64(cfg.RateLimitPerSecond), time.Duration(cfg.TimeoutMs)*time.Millisecond))
	if cfg.QuoteMaxAgeMs > 0 {
		gw = NewCachedQuotes(gw, time.Duration(cfg.QuoteMaxAgeMs)*time.Millisecond)
	}

	observ.Log("gateway_created", map[string]any{
		"kind":          kind,
		"rate_limit":    cfg.RateLimitPerSecond,
		"quote_max_age": cfg.QuoteMaxAgeMs,
	})
	return Stack{Gateway: gw, Feed: feed, Kind: kind}, nil
}
