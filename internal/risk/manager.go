package risk

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/clawback/mirror/internal/adapters"
	"github.com/clawback/mirror/internal/alerts"
	"github.com/clawback/mirror/internal/observ"
	"github.com/clawback/mirror/internal/outbox"
)

// ExecutedTrade is one journaled broker fill.
type ExecutedTrade struct {
	OrderID    string    `json:"order_id"`
	Symbol     string    `json:"symbol"`
	Action     string    `json:"action"`
	Quantity   int       `json:"quantity"`
	Price      float64   `json:"price"`
	TotalValue float64   `json:"total_value"`
	Status     string    `json:"status"`
	AlertID    string    `json:"alert_id,omitempty"`
	PositionID string    `json:"position_id,omitempty"`
	Reason     string    `json:"reason"`
	ExecutedAt time.Time `json:"executed_at"`
}

type PositionStore interface {
	SavePosition(ctx context.Context, p Position) error
	OpenPositions(ctx context.Context) ([]Position, error)
}

type TradeJournal interface {
	RecordTrade(ctx context.Context, t ExecutedTrade) error
}

// OrderJournal records submissions under idempotency keys.
type OrderJournal interface {
	HasRecentOrder(key string) (bool, error)
	LastOrder(key string) (outbox.Order, bool, error)
	WriteOrder(o outbox.Order) error
	WriteFill(f outbox.Fill) error
}

// ExitRecorder is told about every realized exit.
type ExitRecorder interface {
	RecordExit(ctx context.Context, realizedPnL float64) error
}

type PositionManagerConfig struct {
	StopLoss     StopLossConfig
	QuoteTimeout time.Duration
}

// EvaluationReport summarizes one pass over open positions.
type EvaluationReport struct {
	Evaluated     int
	QuoteFailures int
	Triggered     int
	Exited        int
	PendingExits  int
	ExitFailures  int
}

// PositionManager drives every open position through its stop state
// machine. It never consults the halt state; exits always run.
type PositionManager struct {
	cfg      PositionManagerConfig
	broker   adapters.Broker
	store    PositionStore
	trades   TradeJournal
	orders   OrderJournal
	exits    ExitRecorder
	notifier alerts.Notifier
	now      func() time.Time
	entropy  *ulid.MonotonicEntropy
}

func NewPositionManager(cfg PositionManagerConfig, broker adapters.Broker, store PositionStore, trades TradeJournal, orders OrderJournal, exits ExitRecorder, notifier alerts.Notifier, now func() time.Time) *PositionManager {
	if now == nil {
		now = time.Now
	}
	if notifier == nil {
		notifier = alerts.Nop{}
	}
	if cfg.QuoteTimeout <= 0 {
		cfg.QuoteTimeout = 5 * time.Second
	}
	return &PositionManager{
		cfg:      cfg,
		broker:   broker,
		store:    store,
		trades:   trades,
		orders:   orders,
		exits:    exits,
		notifier: notifier,
		now:      now,
		entropy:  ulid.Monotonic(rand.Reader, 0),
	}
}

// Open records a filled entry as a new armed position.
func (m *PositionManager) Open(ctx context.Context, symbol string, quantity int, fillPrice float64, alertID string) (Position, error) {
	now := m.now()
	id, err := ulid.New(ulid.Timestamp(now), m.entropy)
	if err != nil {
		return Position{}, fmt.Errorf("position id: %w", err)
	}
	p := NewPosition(id.String(), symbol, quantity, fillPrice, alertID, now)
	if err := p.Arm(m.cfg.StopLoss); err != nil {
		return Position{}, err
	}
	if err := m.store.SavePosition(ctx, p); err != nil {
		return Position{}, fmt.Errorf("save position %s: %w", p.ID, err)
	}

	observ.Log("position_opened", map[string]any{
		"position_id": p.ID,
		"symbol":      p.Symbol,
		"quantity":    p.Quantity,
		"entry_price": p.EntryPrice,
		"stop_loss":   p.StopLoss,
		"alert_id":    alertID,
	})
	observ.IncCounter("positions_opened_total", nil)
	return p, nil
}

// Positions returns open positions ordered by entry time.
func (m *PositionManager) Positions(ctx context.Context) ([]Position, error) {
	ps, err := m.store.OpenPositions(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(ps, func(i, j int) bool { return ps[i].EnteredAt.Before(ps[j].EnteredAt) })
	return ps, nil
}

// Evaluate marks every open position to market and exits those whose stop
// was hit. A failed quote or order affects only its own position; a lost
// broker session or unreadable store aborts the pass.
func (m *PositionManager) Evaluate(ctx context.Context) (EvaluationReport, error) {
	var rep EvaluationReport
	positions, err := m.Positions(ctx)
	if err != nil {
		return rep, fmt.Errorf("load open positions: %w", err)
	}

	var held map[string]int
	for i := range positions {
		p := positions[i]
		if !p.State.Armed() {
			continue
		}
		rep.Evaluated++

		if p.PendingOrderID != "" {
			if held == nil {
				if held, err = m.brokerHoldings(ctx); err != nil {
					return rep, err
				}
			}
			done, err := m.reconcile(ctx, &p, held)
			if err != nil {
				return rep, err
			}
			if done {
				rep.Exited++
			} else {
				rep.PendingExits++
			}
			continue
		}

		price, err := m.quote(ctx, p.Symbol)
		if err != nil {
			if errors.Is(err, adapters.ErrSessionExpired) {
				return rep, err
			}
			rep.QuoteFailures++
			observ.Warn("quote_failed", map[string]any{"symbol": p.Symbol, "position_id": p.ID, "error": err.Error()})
			observ.IncCounter("quote_failures_total", map[string]string{"symbol": p.Symbol})
			continue
		}

		before := p.State
		triggered, err := p.Mark(price, m.cfg.StopLoss)
		if err != nil {
			observ.Warn("position_mark_failed", map[string]any{"position_id": p.ID, "error": err.Error()})
			continue
		}
		if before != p.State {
			observ.Log("trailing_stop_activated", map[string]any{
				"position_id": p.ID,
				"symbol":      p.Symbol,
				"pnl_percent": p.PnLPercent,
				"stop_loss":   p.StopLoss,
			})
			observ.IncCounter("trailing_activations_total", nil)
		}
		if err := m.store.SavePosition(ctx, p); err != nil {
			return rep, fmt.Errorf("save position %s: %w", p.ID, err)
		}
		if !triggered {
			continue
		}

		rep.Triggered++
		reason := "stop_loss"
		if p.TrailingActive() {
			reason = "trailing_stop"
		}
		observ.Log("stop_triggered", map[string]any{
			"position_id": p.ID,
			"symbol":      p.Symbol,
			"price":       price,
			"stop_loss":   p.StopLoss,
			"type":        reason,
		})
		observ.IncCounter("stop_triggers_total", map[string]string{"type": reason})

		outcome, err := m.exit(ctx, &p, reason)
		if err != nil {
			return rep, err
		}
		switch outcome {
		case exitFilled:
			rep.Exited++
		case exitPending:
			rep.PendingExits++
		case exitFailed:
			rep.ExitFailures++
		}
	}

	observ.SetGauge("open_positions", float64(len(positions)-rep.Exited), nil)
	return rep, nil
}

// ExitSymbol sells the open position in symbol, if any. It reports whether
// a position was found.
func (m *PositionManager) ExitSymbol(ctx context.Context, symbol, reason string) (bool, error) {
	positions, err := m.Positions(ctx)
	if err != nil {
		return false, err
	}
	for i := range positions {
		p := positions[i]
		if p.Symbol != symbol || !p.State.Armed() || p.PendingOrderID != "" {
			continue
		}
		if price, err := m.quote(ctx, symbol); err == nil {
			p.CurrentPrice = price
		}
		_, err := m.exit(ctx, &p, reason)
		return true, err
	}
	return false, nil
}

type exitOutcome int

const (
	exitSkipped exitOutcome = iota
	exitFilled
	exitPending
	exitFailed
)

func (m *PositionManager) exit(ctx context.Context, p *Position, reason string) (exitOutcome, error) {
	key := outbox.ExitKey(p.ID)
	inflight, err := m.orders.HasRecentOrder(key)
	if err != nil {
		return exitFailed, fmt.Errorf("check exit order %s: %w", p.ID, err)
	}
	if inflight {
		observ.IncCounter("exit_orders_duplicate_total", nil)
		return exitSkipped, nil
	}

	order := outbox.Order{
		ID:             outbox.NewClientOrderID(),
		Symbol:         p.Symbol,
		Side:           string(adapters.Sell),
		Quantity:       p.Quantity,
		RefPrice:       p.CurrentPrice,
		Timestamp:      m.now().UTC(),
		Status:         outbox.StatusSubmitted,
		IdempotencyKey: key,
		AlertID:        p.AlertID,
		PositionID:     p.ID,
		Reason:         reason,
	}
	if err := m.orders.WriteOrder(order); err != nil {
		return exitFailed, fmt.Errorf("journal exit order: %w", err)
	}

	res, err := m.broker.SubmitOrder(ctx, adapters.OrderRequest{
		ClientOrderID: order.ID,
		Symbol:        p.Symbol,
		Side:          adapters.Sell,
		Quantity:      p.Quantity,
	})
	if err != nil {
		order.Status = outbox.StatusFailed
		outbox.RecordStatus(m.orders, order)
		observ.Error("exit_order_failed", err, map[string]any{"position_id": p.ID, "symbol": p.Symbol})
		observ.IncCounter("exit_orders_failed_total", nil)
		m.notifier.OperationalError(alerts.ErrorEvent{
			Kind:      "broker",
			Operation: "submit_order",
			Message:   err.Error(),
			Details:   map[string]string{"symbol": p.Symbol, "side": "SELL", "reason": reason},
		})
		if errors.Is(err, adapters.ErrSessionExpired) {
			return exitFailed, err
		}
		return exitFailed, nil
	}

	order.BrokerOrderID = res.OrderID
	switch res.Status {
	case adapters.OrderFilled:
		order.Status = outbox.StatusFilled
		outbox.RecordStatus(m.orders, order)
		price := res.FillPrice
		if price <= 0 {
			price = p.CurrentPrice
		}
		outbox.RecordFill(m.orders, outbox.Fill{
			OrderID:   res.OrderID,
			Symbol:    p.Symbol,
			Quantity:  p.Quantity,
			Price:     price,
			Side:      order.Side,
			Timestamp: m.now().UTC(),
		})
		if err := m.finalize(ctx, p, price, reason, res.OrderID); err != nil {
			return exitFailed, err
		}
		return exitFilled, nil

	case adapters.OrderPending:
		order.Status = outbox.StatusPending
		outbox.RecordStatus(m.orders, order)
		p.PendingOrderID = res.OrderID
		p.ExitReason = reason
		if err := m.store.SavePosition(ctx, *p); err != nil {
			return exitPending, fmt.Errorf("save position %s: %w", p.ID, err)
		}
		observ.Log("exit_order_pending", map[string]any{"position_id": p.ID, "order_id": res.OrderID})
		return exitPending, nil

	default:
		order.Status = outbox.StatusRejected
		outbox.RecordStatus(m.orders, order)
		observ.Warn("exit_order_rejected", map[string]any{"position_id": p.ID, "symbol": p.Symbol, "message": res.Message})
		observ.IncCounter("exit_orders_rejected_total", nil)
		m.notifier.OperationalError(alerts.ErrorEvent{
			Kind:      "broker",
			Operation: "submit_order",
			Message:   "order rejected: " + res.Message,
			Details:   map[string]string{"symbol": p.Symbol, "side": "SELL"},
		})
		return exitFailed, nil
	}
}

// reconcile resolves a pending exit against the broker's holdings. A symbol
// the broker no longer holds counts as filled at the last known price.
func (m *PositionManager) reconcile(ctx context.Context, p *Position, held map[string]int) (bool, error) {
	if held[p.Symbol] > 0 {
		if _, found, err := m.orders.LastOrder(outbox.ExitKey(p.ID)); err == nil && !found {
			// The journal entry aged out without a fill; re-arm for a fresh exit.
			p.PendingOrderID = ""
			if err := m.store.SavePosition(ctx, *p); err != nil {
				return false, fmt.Errorf("save position %s: %w", p.ID, err)
			}
		}
		return false, nil
	}

	orderID := p.PendingOrderID
	order, found, _ := m.orders.LastOrder(outbox.ExitKey(p.ID))
	if found {
		order.Status = outbox.StatusFilled
		outbox.RecordStatus(m.orders, order)
	}
	reason := p.ExitReason
	if reason == "" {
		reason = "stop_loss"
	}
	if err := m.finalize(ctx, p, p.CurrentPrice, reason, orderID); err != nil {
		return false, err
	}
	return true, nil
}

func (m *PositionManager) finalize(ctx context.Context, p *Position, price float64, reason, orderID string) error {
	if err := p.Exit(price, reason, m.now()); err != nil {
		return err
	}
	if err := m.store.SavePosition(ctx, *p); err != nil {
		return fmt.Errorf("save exited position %s: %w", p.ID, err)
	}

	total := price * float64(p.Quantity)
	if err := m.trades.RecordTrade(ctx, ExecutedTrade{
		OrderID:    orderID,
		Symbol:     p.Symbol,
		Action:     string(adapters.Sell),
		Quantity:   p.Quantity,
		Price:      price,
		TotalValue: total,
		Status:     string(adapters.OrderFilled),
		AlertID:    p.AlertID,
		PositionID: p.ID,
		Reason:     reason,
		ExecutedAt: m.now().UTC(),
	}); err != nil {
		observ.Error("trade_journal_failed", err, map[string]any{"position_id": p.ID})
	}
	if m.exits != nil {
		if err := m.exits.RecordExit(ctx, p.RealizedPnL); err != nil {
			return fmt.Errorf("record exit %s: %w", p.ID, err)
		}
	}

	observ.Log("position_exited", map[string]any{
		"position_id":  p.ID,
		"symbol":       p.Symbol,
		"exit_price":   price,
		"realized_pnl": p.RealizedPnL,
		"reason":       reason,
	})
	observ.IncCounter("positions_exited_total", map[string]string{"reason": reason})

	realized := p.RealizedPnL
	m.notifier.TradeExecuted(alerts.TradeEvent{
		Symbol:      p.Symbol,
		Action:      string(adapters.Sell),
		Quantity:    p.Quantity,
		Price:       price,
		Total:       total,
		Reason:      reason,
		RealizedPnL: &realized,
		Time:        m.now(),
	})
	return nil
}

func (m *PositionManager) quote(ctx context.Context, symbol string) (float64, error) {
	qctx, cancel := context.WithTimeout(ctx, m.cfg.QuoteTimeout)
	defer cancel()
	return m.broker.GetQuote(qctx, symbol)
}

func (m *PositionManager) brokerHoldings(ctx context.Context) (map[string]int, error) {
	hs, err := m.broker.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("broker positions: %w", err)
	}
	out := make(map[string]int, len(hs))
	for _, h := range hs {
		out[h.Symbol] += h.Quantity
	}
	return out, nil
}
