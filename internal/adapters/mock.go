package adapters

import (
	"context"
	"fmt"
	"sync"
)

// MockBroker is a scripted in-memory Broker. Quotes are set per symbol;
// orders fill at the current quote unless an outcome is queued for the
// symbol with NextOrder.
type MockBroker struct {
	mu       sync.Mutex
	quotes   map[string]float64
	quoteErr map[string]error
	outcomes map[string][]OrderResult
	orderErr error
	authErr  error
	holdings map[string]Holding
	cash     float64
	seq      int

	Orders     []OrderRequest
	AuthCalls  int
	QuoteCalls map[string]int
}

func NewMockBroker(cash float64) *MockBroker {
	return &MockBroker{
		quotes:     map[string]float64{},
		quoteErr:   map[string]error{},
		outcomes:   map[string][]OrderResult{},
		holdings:   map[string]Holding{},
		cash:       cash,
		QuoteCalls: map[string]int{},
	}
}

func (m *MockBroker) Name() string { return "mock" }

func (m *MockBroker) SetQuote(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotes[symbol] = price
	if h, ok := m.holdings[symbol]; ok {
		h.MarketPrice = price
		m.holdings[symbol] = h
	}
}

// FailQuote makes GetQuote for symbol return err until cleared with nil.
func (m *MockBroker) FailQuote(symbol string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.quoteErr, symbol)
		return
	}
	m.quoteErr[symbol] = err
}

// NextOrder queues the result of the next order in symbol.
func (m *MockBroker) NextOrder(symbol string, res OrderResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[symbol] = append(m.outcomes[symbol], res)
}

// FailOrders makes SubmitOrder return err until cleared with nil.
func (m *MockBroker) FailOrders(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orderErr = err
}

func (m *MockBroker) FailAuth(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authErr = err
}

// SetHolding replaces the broker-side holding; zero quantity removes it.
func (m *MockBroker) SetHolding(symbol string, qty int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if qty <= 0 {
		delete(m.holdings, symbol)
		return
	}
	m.holdings[symbol] = Holding{Symbol: symbol, Quantity: qty, MarketPrice: m.quotes[symbol]}
}

func (m *MockBroker) Authenticate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AuthCalls++
	return m.authErr
}

func (m *MockBroker) GetQuote(ctx context.Context, symbol string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.QuoteCalls[symbol]++
	if err := m.quoteErr[symbol]; err != nil {
		return 0, err
	}
	px, ok := m.quotes[symbol]
	if !ok {
		return 0, NewBadSymbolError(symbol, "no quote")
	}
	return px, nil
}

func (m *MockBroker) SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Orders = append(m.Orders, req)
	if m.orderErr != nil {
		return OrderResult{}, m.orderErr
	}
	m.seq++

	res := OrderResult{
		OrderID:        fmt.Sprintf("mock-%d", m.seq),
		Status:         OrderFilled,
		FilledQuantity: req.Quantity,
		FillPrice:      m.quotes[req.Symbol],
	}
	if q := m.outcomes[req.Symbol]; len(q) > 0 {
		res = q[0]
		m.outcomes[req.Symbol] = q[1:]
		if res.OrderID == "" {
			res.OrderID = fmt.Sprintf("mock-%d", m.seq)
		}
	}
	if res.Status != OrderFilled {
		return res, nil
	}

	h := m.holdings[req.Symbol]
	h.Symbol = req.Symbol
	h.MarketPrice = res.FillPrice
	notional := res.FillPrice * float64(req.Quantity)
	if req.Side == Buy {
		h.Quantity += req.Quantity
		h.AvgPrice = res.FillPrice
		m.cash -= notional
	} else {
		h.Quantity -= req.Quantity
		m.cash += notional
	}
	if h.Quantity <= 0 {
		delete(m.holdings, req.Symbol)
	} else {
		m.holdings[req.Symbol] = h
	}
	return res, nil
}

func (m *MockBroker) GetPositions(ctx context.Context) ([]Holding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Holding, 0, len(m.holdings))
	for _, h := range m.holdings {
		out = append(out, h)
	}
	return out, nil
}

func (m *MockBroker) GetAccountBalance(ctx context.Context) (Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := m.cash
	for _, h := range m.holdings {
		total += h.MarketPrice * float64(h.Quantity)
	}
	return Balance{CashAvailable: m.cash, TotalValue: total}, nil
}

// OrderCount returns how many orders were submitted.
func (m *MockBroker) OrderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Orders)
}
