package adapters

import (
	"fmt"
	"strings"
	"time"

	"github.com/clawback/mirror/internal/config"
	"github.com/clawback/mirror/internal/observ"
	"github.com/clawback/mirror/internal/outbox"
	"github.com/clawback/mirror/internal/portfolio"
)

// simVolatility is the daily volatility of paper quotes.
const simVolatility = 0.025

// NewBroker builds the broker named by broker.adapter. The paper ledger is
// loaded here so a corrupt ledger fails startup.
func NewBroker(cfg *config.Root) (Broker, error) {
	adapter := strings.ToLower(strings.TrimSpace(cfg.Broker.Adapter))

	switch adapter {
	case "paper":
		ledger := portfolio.NewManager(cfg.Paper.LedgerPath, cfg.Paper.StartingCash)
		if err := ledger.Load(); err != nil {
			return nil, fmt.Errorf("paper ledger: %w", err)
		}
		seed := time.Now().UnixNano()
		var quotes QuoteSource = NewSimQuotes(cfg.Paper.Prices, simVolatility, seed)
		if cfg.Paper.QuoteSource == "alphavantage" {
			av := cfg.Paper.AlphaVantage
			q, err := NewAlphaVantageQuotes(AlphaVantageConfig{
				APIKey:             av.APIKey,
				BaseURL:            av.BaseURL,
				RateLimitPerMinute: av.RateLimitPerMinute,
				CacheTTL:           av.CacheTTL,
				Timeout:            time.Duration(cfg.Broker.TimeoutMs) * time.Millisecond,
			})
			if err != nil {
				return nil, err
			}
			quotes = q
		}
		b := NewPaperBroker(
			quotes,
			outbox.NewFillSimulator(cfg.Paper.SlippageBpsMin, cfg.Paper.SlippageBpsMax, seed),
			ledger,
		)
		observ.Log("broker_created", map[string]any{"type": "paper", "ledger": cfg.Paper.LedgerPath, "quotes": cfg.Paper.QuoteSource})
		return b, nil

	case "http":
		b, err := NewHTTPBroker(HTTPConfig{
			BaseURL:            cfg.Broker.BaseURL,
			APIKey:             cfg.Broker.APIKey,
			AccountID:          cfg.Broker.AccountID,
			Timeout:            time.Duration(cfg.Broker.TimeoutMs) * time.Millisecond,
			RateLimitPerMinute: cfg.Broker.RateLimitPerMinute,
		})
		if err != nil {
			return nil, err
		}
		observ.Log("broker_created", map[string]any{"type": "http", "base_url": cfg.Broker.BaseURL})
		return b, nil

	default:
		return nil, fmt.Errorf("unknown broker adapter %q", cfg.Broker.Adapter)
	}
}
