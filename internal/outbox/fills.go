package outbox

import (
	"math/rand"
	"sync"
	"time"
)

// FillSimulator fills paper orders immediately at the market price moved
// against the order by a random slippage.
type FillSimulator struct {
	mu             sync.Mutex
	rng            *rand.Rand
	slippageBpsMin int
	slippageBpsMax int
}

func NewFillSimulator(slippageBpsMin, slippageBpsMax int, seed int64) *FillSimulator {
	if slippageBpsMax < slippageBpsMin {
		slippageBpsMax = slippageBpsMin
	}
	return &FillSimulator{
		rng:            rand.New(rand.NewSource(seed)),
		slippageBpsMin: slippageBpsMin,
		slippageBpsMax: slippageBpsMax,
	}
}

func (fs *FillSimulator) SimulateFill(order Order, marketPrice float64) Fill {
	fs.mu.Lock()
	slippageBps := fs.slippageBpsMin + fs.rng.Intn(fs.slippageBpsMax-fs.slippageBpsMin+1)
	fs.mu.Unlock()

	price := marketPrice
	mult := 1.0 + float64(slippageBps)/10000.0
	switch order.Side {
	case "BUY":
		price *= mult
	case "SELL":
		price /= mult
	}

	return Fill{
		OrderID:     order.ID,
		Symbol:      order.Symbol,
		Quantity:    order.Quantity,
		Price:       price,
		Side:        order.Side,
		Timestamp:   time.Now().UTC(),
		SlippageBps: slippageBps,
	}
}
