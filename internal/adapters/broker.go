package adapters

import (
	"context"
	"errors"
)

var (
	// ErrSessionExpired means the broker rejected our credentials or token.
	// It aborts the current cycle; the next cycle re-authenticates.
	ErrSessionExpired = errors.New("broker session expired")

	// ErrQuoteUnavailable is matched by every QuoteError.
	ErrQuoteUnavailable = errors.New("quote unavailable")
)

type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

type OrderStatus string

const (
	OrderFilled   OrderStatus = "filled"
	OrderPending  OrderStatus = "pending"
	OrderRejected OrderStatus = "rejected"
)

type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          Side
	Quantity      int
}

type OrderResult struct {
	OrderID        string
	Status         OrderStatus
	FilledQuantity int
	FillPrice      float64
	Message        string
}

// Holding is a position as reported by the broker.
type Holding struct {
	Symbol      string  `json:"symbol"`
	Quantity    int     `json:"quantity"`
	AvgPrice    float64 `json:"avg_price"`
	MarketPrice float64 `json:"market_price"`
}

type Balance struct {
	CashAvailable float64 `json:"cash_available"`
	TotalValue    float64 `json:"total_value"`
}

// Broker is the brokerage capability set the mirror trades through. The
// implementation is chosen once by NewBroker.
type Broker interface {
	Name() string
	Authenticate(ctx context.Context) error
	GetQuote(ctx context.Context, symbol string) (float64, error)
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	GetPositions(ctx context.Context) ([]Holding, error)
	GetAccountBalance(ctx context.Context) (Balance, error)
}
