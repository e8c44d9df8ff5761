package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
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

// HTTPConfig holds configuration for the REST broker gateway.
type HTTPConfig struct {
	BaseURL            string
	APIKey             string
	AccountID          string
	Timeout            time.Duration
	RateLimitPerMinute int
}

// HTTPBroker talks to a JSON REST brokerage gateway with a bearer session
// token obtained from /v1/session.
type HTTPBroker struct {
	config      HTTPConfig
	httpClient  *http.Client
	rateLimiter *rate.Limiter

	mu    sync.RWMutex
	token string
}

func NewHTTPBroker(config HTTPConfig) (*HTTPBroker, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("broker base_url is required")
	}
	if config.APIKey == "" {
		return nil, fmt.Errorf("broker api key is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if config.RateLimitPerMinute <= 0 {
		config.RateLimitPerMinute = 120
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	return &HTTPBroker{
		config:      config,
		httpClient:  &http.Client{Timeout: config.Timeout},
		rateLimiter: rate.NewLimiter(rate.Limit(float64(config.RateLimitPerMinute)/60), 1),
	}, nil
}

func (b *HTTPBroker) Name() string { return "http" }

// Authenticate opens a session unless one is already held.
func (b *HTTPBroker) Authenticate(ctx context.Context) error {
	b.mu.RLock()
	held := b.token != ""
	b.mu.RUnlock()
	if held {
		return nil
	}

	body, err := b.do(ctx, http.MethodPost, "/v1/session", map[string]string{
		"api_key":    b.config.APIKey,
		"account_id": b.config.AccountID,
	}, false)
	if err != nil {
		return err
	}
	token := gjson.GetBytes(body, "token").String()
	if token == "" {
		return fmt.Errorf("%w: session response without token", ErrSessionExpired)
	}

	b.mu.Lock()
	b.token = token
	b.mu.Unlock()
	observ.Log("broker_authenticated", map[string]any{"broker": b.Name(), "account_id": b.config.AccountID})
	return nil
}

func (b *HTTPBroker) GetQuote(ctx context.Context, symbol string) (float64, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return 0, NewBadSymbolError(symbol, "empty symbol")
	}

	body, err := b.do(ctx, http.MethodGet, "/v1/quotes/"+url.PathEscape(symbol), nil, true)
	if err != nil {
		if errors.Is(err, ErrSessionExpired) {
			return 0, err
		}
		return 0, NewNetworkError(symbol, "quote request failed", err)
	}

	last := gjson.GetBytes(body, "last")
	if !last.Exists() {
		last = gjson.GetBytes(body, "price")
	}
	if !last.Exists() || last.Float() <= 0 {
		return 0, NewProviderError(symbol, "no price in quote response", nil)
	}
	return last.Float(), nil
}

func (b *HTTPBroker) SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	body, err := b.do(ctx, http.MethodPost, "/v1/orders", map[string]any{
		"client_order_id": req.ClientOrderID,
		"symbol":          req.Symbol,
		"side":            string(req.Side),
		"quantity":        req.Quantity,
		"order_type":      "market",
	}, true)
	if err != nil {
		return OrderResult{}, err
	}

	res := gjson.ParseBytes(body)
	out := OrderResult{
		OrderID:        res.Get("order_id").String(),
		Status:         OrderStatus(strings.ToLower(res.Get("status").String())),
		FilledQuantity: int(res.Get("filled_quantity").Int()),
		FillPrice:      res.Get("fill_price").Float(),
		Message:        res.Get("message").String(),
	}
	switch out.Status {
	case OrderFilled, OrderPending, OrderRejected:
	case "accepted", "open", "new", "partially_filled":
		out.Status = OrderPending
	default:
		return out, fmt.Errorf("unknown order status %q", out.Status)
	}
	return out, nil
}

func (b *HTTPBroker) GetPositions(ctx context.Context) ([]Holding, error) {
	body, err := b.do(ctx, http.MethodGet, "/v1/positions", nil, true)
	if err != nil {
		return nil, err
	}

	var out []Holding
	gjson.GetBytes(body, "positions").ForEach(func(_, p gjson.Result) bool {
		out = append(out, Holding{
			Symbol:      strings.ToUpper(p.Get("symbol").String()),
			Quantity:    int(p.Get("quantity").Int()),
			AvgPrice:    p.Get("avg_price").Float(),
			MarketPrice: p.Get("market_price").Float(),
		})
		return true
	})
	return out, nil
}

func (b *HTTPBroker) GetAccountBalance(ctx context.Context) (Balance, error) {
	body, err := b.do(ctx, http.MethodGet, "/v1/balance", nil, true)
	if err != nil {
		return Balance{}, err
	}
	res := gjson.ParseBytes(body)
	return Balance{
		CashAvailable: res.Get("cash_available").Float(),
		TotalValue:    res.Get("total_value").Float(),
	}, nil
}

// do performs one rate-limited call. A 401 drops the held token and maps to
// ErrSessionExpired.
func (b *HTTPBroker) do(ctx context.Context, method, path string, payload any, authed bool) ([]byte, error) {
	if err := b.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	var reqBody io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.config.BaseURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		b.mu.RLock()
		token := b.token
		b.mu.RUnlock()
		if token == "" {
			return nil, fmt.Errorf("%w: not authenticated", ErrSessionExpired)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := b.httpClient.Do(req)
	observ.RecordDuration("broker_request", time.Since(start), map[string]string{"path": routeLabel(path)})
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		b.mu.Lock()
		b.token = ""
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s %s", ErrSessionExpired, method, path)
	case resp.StatusCode >= 300:
		msg := gjson.GetBytes(body, "error").String()
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		return nil, fmt.Errorf("%s %s: HTTP %d: %s", method, path, resp.StatusCode, msg)
	case len(body) > 0 && !gjson.ValidBytes(body):
		return nil, fmt.Errorf("%s %s: invalid JSON response", method, path)
	}
	return body, nil
}

func routeLabel(path string) string {
	if strings.HasPrefix(path, "/v1/quotes/") {
		return "/v1/quotes"
	}
	return path
}
