package adapters

import (
	"context"
	"errors"
	"time"

	"github.com/clawback/mirror/internal/observ"
	"github.com/clawback/mirror/internal/outbox"
	"github.com/clawback/mirror/internal/portfolio"
)

// QuoteSource supplies last-trade prices to the paper broker.
type QuoteSource interface {
	GetQuote(ctx context.Context, symbol string) (float64, error)
}

// PaperBroker fills every order immediately against its quote source and
// books it in a local ledger.
type PaperBroker struct {
	quotes QuoteSource
	fills  *outbox.FillSimulator
	ledger *portfolio.Manager
	now    func() time.Time
}

func NewPaperBroker(quotes QuoteSource, fills *outbox.FillSimulator, ledger *portfolio.Manager) *PaperBroker {
	return &PaperBroker{quotes: quotes, fills: fills, ledger: ledger, now: time.Now}
}

func (p *PaperBroker) Name() string { return "paper" }

func (p *PaperBroker) Authenticate(context.Context) error { return nil }

func (p *PaperBroker) GetQuote(ctx context.Context, symbol string) (float64, error) {
	return p.quotes.GetQuote(ctx, symbol)
}

func (p *PaperBroker) SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	orderID := "paper-" + req.ClientOrderID
	if req.ClientOrderID == "" {
		orderID = "paper-" + outbox.NewClientOrderID()
	}
	if req.Quantity <= 0 {
		return OrderResult{OrderID: orderID, Status: OrderRejected, Message: "quantity must be positive"}, nil
	}

	price, err := p.quotes.GetQuote(ctx, req.Symbol)
	if err != nil {
		return OrderResult{}, err
	}
	fill := p.fills.SimulateFill(outbox.Order{
		ID:       orderID,
		Symbol:   req.Symbol,
		Side:     string(req.Side),
		Quantity: req.Quantity,
	}, price)

	switch req.Side {
	case Buy:
		err = p.ledger.Buy(req.Symbol, fill.Quantity, fill.Price, p.now())
	case Sell:
		_, err = p.ledger.Sell(req.Symbol, fill.Quantity, fill.Price, p.now())
	default:
		return OrderResult{OrderID: orderID, Status: OrderRejected, Message: "unknown side " + string(req.Side)}, nil
	}
	if errors.Is(err, portfolio.ErrInsufficientCash) || errors.Is(err, portfolio.ErrInsufficientQuantity) {
		observ.IncCounter("paper_orders_rejected_total", map[string]string{"side": string(req.Side)})
		return OrderResult{OrderID: orderID, Status: OrderRejected, Message: err.Error()}, nil
	}
	if err != nil {
		return OrderResult{}, err
	}

	observ.Log("paper_fill", map[string]any{
		"order_id":     orderID,
		"symbol":       req.Symbol,
		"side":         string(req.Side),
		"quantity":     fill.Quantity,
		"price":        fill.Price,
		"slippage_bps": fill.SlippageBps,
	})
	return OrderResult{
		OrderID:        orderID,
		Status:         OrderFilled,
		FilledQuantity: fill.Quantity,
		FillPrice:      fill.Price,
	}, nil
}

func (p *PaperBroker) GetPositions(ctx context.Context) ([]Holding, error) {
	holdings := p.ledger.Holdings()
	out := make([]Holding, 0, len(holdings))
	for _, h := range holdings {
		mark := h.AvgEntryPrice
		if px, err := p.quotes.GetQuote(ctx, h.Symbol); err == nil {
			mark = px
		}
		out = append(out, Holding{Symbol: h.Symbol, Quantity: h.Quantity, AvgPrice: h.AvgEntryPrice, MarketPrice: mark})
	}
	return out, nil
}

func (p *PaperBroker) GetAccountBalance(ctx context.Context) (Balance, error) {
	positions, err := p.GetPositions(ctx)
	if err != nil {
		return Balance{}, err
	}
	cash := p.ledger.Cash()
	total := cash
	for _, h := range positions {
		total += float64(h.Quantity) * h.MarketPrice
	}
	return Balance{CashAvailable: cash, TotalValue: total}, nil
}
