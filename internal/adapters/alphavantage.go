package adapters

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/clawback/mirror/internal/observ"
)

// AlphaVantageQuotes prices paper trades from Alpha Vantage GLOBAL_QUOTE.
// Prices are cached per symbol for CacheTTL; requests are paced to the
// plan's per-minute limit.
type AlphaVantageQuotes struct {
	cfg     AlphaVantageConfig
	client  *http.Client
	limiter *rate.Limiter
	now     func() time.Time

	mu    sync.Mutex
	cache map[string]cachedQuote
}

type AlphaVantageConfig struct {
	APIKey             string
	BaseURL            string
	RateLimitPerMinute int
	CacheTTL           time.Duration
	Timeout            time.Duration
}

type cachedQuote struct {
	price     float64
	fetchedAt time.Time
}

func NewAlphaVantageQuotes(cfg AlphaVantageConfig) (*AlphaVantageQuotes, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("alphavantage: api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://www.alphavantage.co/query"
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = 5 // free tier
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &AlphaVantageQuotes{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.RateLimitPerMinute)/60), 1),
		now:     time.Now,
		cache:   make(map[string]cachedQuote),
	}, nil
}

func (a *AlphaVantageQuotes) GetQuote(ctx context.Context, symbol string) (float64, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return 0, NewBadSymbolError(symbol, "empty symbol")
	}

	a.mu.Lock()
	c, ok := a.cache[symbol]
	a.mu.Unlock()
	if ok && a.now().Sub(c.fetchedAt) < a.cfg.CacheTTL {
		observ.IncCounter("quote_cache_hits_total", map[string]string{"provider": "alphavantage"})
		return c.price, nil
	}

	price, err := a.fetch(ctx, symbol)
	if err != nil {
		observ.IncCounter("quote_errors_total", map[string]string{"provider": "alphavantage"})
		return 0, err
	}
	a.mu.Lock()
	a.cache[symbol] = cachedQuote{price: price, fetchedAt: a.now()}
	a.mu.Unlock()
	return price, nil
}

func (a *AlphaVantageQuotes) fetch(ctx context.Context, symbol string) (float64, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return 0, NewNetworkError(symbol, "rate limit wait cancelled", err)
	}

	q := url.Values{"function": {"GLOBAL_QUOTE"}, "symbol": {symbol}, "apikey": {a.cfg.APIKey}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+"?"+q.Encode(), nil)
	if err != nil {
		return 0, NewNetworkError(symbol, "build request", err)
	}
	start := time.Now()
	resp, err := a.client.Do(req)
	observ.RecordDuration("quote_fetch", time.Since(start), map[string]string{"provider": "alphavantage"})
	if err != nil {
		return 0, NewNetworkError(symbol, "request failed", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, NewNetworkError(symbol, "read response", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return 0, NewRateLimitError(symbol, "HTTP 429")
	case resp.StatusCode != http.StatusOK:
		return 0, NewProviderError(symbol, fmt.Sprintf("HTTP %d", resp.StatusCode), nil)
	case !gjson.ValidBytes(body):
		return 0, NewProviderError(symbol, "invalid JSON response", nil)
	}
	return parseGlobalQuote(body, symbol)
}

// parseGlobalQuote extracts "05. price". Alpha Vantage reports throttling
// with HTTP 200 and an "Information" or "Note" field.
func parseGlobalQuote(body []byte, symbol string) (float64, error) {
	res := gjson.ParseBytes(body)
	if msg := res.Get("Error Message").String(); msg != "" {
		return 0, NewBadSymbolError(symbol, msg)
	}
	for _, k := range []string{"Information", "Note"} {
		if msg := res.Get(k).String(); msg != "" {
			return 0, NewRateLimitError(symbol, msg)
		}
	}
	price := res.Get(`Global Quote.05\. price`)
	if !price.Exists() {
		return 0, NewBadSymbolError(symbol, "no quote data returned")
	}
	px := price.Float()
	if px <= 0 {
		return 0, NewProviderError(symbol, fmt.Sprintf("non-positive price %q", price.String()), nil)
	}
	return roundToTick(px), nil
}
