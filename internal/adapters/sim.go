package adapters

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"strings"
	"sync"
)

// SimQuotes walks simulated prices from a seeded table. Symbols outside the
// table get a stable pseudo-random starting price.
type SimQuotes struct {
	mu         sync.Mutex
	prices     map[string]float64
	volatility float64 // daily, as a decimal
	random     *rand.Rand
}

var defaultSimPrices = map[string]float64{
	"AAPL":  206.80,
	"NVDA":  450.00,
	"MSFT":  415.75,
	"GOOGL": 172.50,
	"AMZN":  185.20,
	"TSLA":  245.30,
	"META":  505.10,
}

// NewSimQuotes seeds the walk with the default table plus overrides. A zero
// volatility pins every price.
func NewSimQuotes(overrides map[string]float64, volatility float64, seed int64) *SimQuotes {
	prices := make(map[string]float64, len(defaultSimPrices)+len(overrides))
	for k, v := range defaultSimPrices {
		prices[k] = v
	}
	for k, v := range overrides {
		if v > 0 {
			prices[strings.ToUpper(k)] = v
		}
	}
	return &SimQuotes{
		prices:     prices,
		volatility: volatility,
		random:     rand.New(rand.NewSource(seed)),
	}
}

func (s *SimQuotes) GetQuote(ctx context.Context, symbol string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, NewNetworkError(symbol, "cancelled", err)
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return 0, NewBadSymbolError(symbol, "empty symbol")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	price, ok := s.prices[symbol]
	if !ok {
		price = seedPrice(symbol)
	}
	if s.volatility > 0 {
		// One step of a per-minute random walk over a 390 minute session.
		minuteVol := s.volatility / math.Sqrt(390)
		price *= 1 + s.random.NormFloat64()*minuteVol
	}
	price = roundToTick(price)
	s.prices[symbol] = price
	return price, nil
}

// SetPrice pins the next quote for symbol.
func (s *SimQuotes) SetPrice(symbol string, price float64) {
	s.mu.Lock()
	s.prices[strings.ToUpper(symbol)] = price
	s.mu.Unlock()
}

func seedPrice(symbol string) float64 {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return 20 + float64(h.Sum32()%48000)/100
}
