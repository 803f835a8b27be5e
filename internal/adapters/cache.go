package adapters

import (
	"context"
	"sync"
	"time"
)

// CachedQuotes serves quotes no older than maxAge and fetches through to the
// wrapped gateway otherwise. Every other call passes straight through.
type CachedQuotes struct {
	Gateway
	mu      sync.RWMutex
	quotes  map[string]CachedQuote
	maxAge  time.Duration
	metrics CacheMetrics
	now     func() time.Time
}

// CachedQuote represents a quote with caching metadata
type CachedQuote struct {
	Quote    Quote     `json:"quote"`
	CachedAt time.Time `json:"cached_at"`
}

// CacheMetrics tracks cache performance
type CacheMetrics struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

func NewCachedQuotes(inner Gateway, maxAge time.Duration) *CachedQuotes {
	return &CachedQuotes{
		Gateway: inner,
		quotes:  make(map[string]CachedQuote),
		maxAge:  maxAge,
		now:     time.Now,
	}
}

func (c *CachedQuotes) Quote(ctx context.Context, symbol string) (Quote, error) {
	sym := normalize(symbol)
	if q, ok := c.get(sym); ok {
		return q, nil
	}
	q, err := c.Gateway.Quote(ctx, sym)
	if err != nil {
		return Quote{}, err
	}
	if err := ValidateQuote(q); err != nil {
		return Quote{}, NewProviderError("quote", sym, err.Error(), nil)
	}
	c.set(sym, q)
	return q, nil
}

func (c *CachedQuotes) get(symbol string) (Quote, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cached, ok := c.quotes[symbol]
	if !ok || c.now().Sub(cached.CachedAt) > c.maxAge {
		c.metrics.Misses++
		return Quote{}, false
	}
	c.metrics.Hits++
	return cached.Quote, true
}

func (c *CachedQuotes) set(symbol string, q Quote) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quotes[symbol] = CachedQuote{Quote: q, CachedAt: c.now()}
}

// Cleanup removes expired entries
func (c *CachedQuotes) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	evicted := 0
	for symbol, cached := range c.quotes {
		if c.now().Sub(cached.CachedAt) > c.maxAge {
			delete(c.quotes, symbol)
			evicted++
		}
	}
	c.metrics.Evictions += int64(evicted)
	return evicted
}

// Metrics returns current cache metrics
func (c *CachedQuotes) Metrics() CacheMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.metrics
}
