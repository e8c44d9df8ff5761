package risk

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// ErrIllegalTransition is returned when a position is driven out of its
// lifecycle order, e.g. marking or exiting an EXITED position.
var ErrIllegalTransition = errors.New("illegal position transition")

type PositionState string

const (
	StateEntered       PositionState = "ENTERED"
	StateStopArmed     PositionState = "STOP_ARMED"
	StateTrailingArmed PositionState = "TRAILING_ARMED"
	StateExited        PositionState = "EXITED"
)

func (s PositionState) Armed() bool {
	return s == StateStopArmed || s == StateTrailingArmed
}

// StopLossConfig is expressed in percent (8 means 8%).
type StopLossConfig struct {
	FixedStopPct          float64
	TrailingActivationPct float64
	TrailingDistancePct   float64
}

// Position is one mirrored holding and its stop state.
type Position struct {
	ID             string        `json:"id"`
	Symbol         string        `json:"symbol"`
	Quantity       int           `json:"quantity"`
	EntryPrice     float64       `json:"entry_price"`
	CurrentPrice   float64       `json:"current_price"`
	StopLoss       float64       `json:"stop_loss,omitempty"`
	State          PositionState `json:"state"`
	EnteredAt      time.Time     `json:"entered_at"`
	UnrealizedPnL  float64       `json:"unrealized_pnl"`
	PnLPercent     float64       `json:"pnl_percent"`
	AlertID        string        `json:"alert_id,omitempty"`
	PendingOrderID string        `json:"pending_order_id,omitempty"`
	ExitPrice      float64       `json:"exit_price,omitempty"`
	ExitReason     string        `json:"exit_reason,omitempty"`
	RealizedPnL    float64       `json:"realized_pnl,omitempty"`
	ExitedAt       *time.Time    `json:"exited_at,omitempty"`
}

// NewPosition returns a position in ENTERED with no stop.
func NewPosition(id, symbol string, quantity int, entryPrice float64, alertID string, at time.Time) Position {
	return Position{
		ID:           id,
		Symbol:       symbol,
		Quantity:     quantity,
		EntryPrice:   entryPrice,
		CurrentPrice: entryPrice,
		State:        StateEntered,
		EnteredAt:    at.UTC(),
		AlertID:      alertID,
	}
}

func (p Position) TrailingActive() bool { return p.State == StateTrailingArmed }

func (p Position) Open() bool { return p.State != StateExited }

// DaysHeld is informational only.
func (p Position) DaysHeld(now time.Time) int {
	return int(now.Sub(p.EnteredAt).Hours() / 24)
}

func (p Position) MarketValue() float64 {
	px := p.CurrentPrice
	if px <= 0 {
		px = p.EntryPrice
	}
	return float64(p.Quantity) * px
}

// Arm places the fixed stop below the entry price. Only ENTERED can arm.
func (p *Position) Arm(cfg StopLossConfig) error {
	if p.State != StateEntered {
		return fmt.Errorf("%w: arm %s from %s", ErrIllegalTransition, p.ID, p.State)
	}
	p.StopLoss = below(p.EntryPrice, cfg.FixedStopPct)
	p.State = StateStopArmed
	return nil
}

// Mark applies a new price: recomputes P/L, activates or ratchets the
// trailing stop, and reports whether the stop was hit. Once trailing is
// active the stop never moves down.
func (p *Position) Mark(price float64, cfg StopLossConfig) (bool, error) {
	if !p.State.Armed() {
		return false, fmt.Errorf("%w: mark %s in %s", ErrIllegalTransition, p.ID, p.State)
	}
	if price <= 0 || math.IsNaN(price) {
		return false, fmt.Errorf("invalid price %v for %s", price, p.Symbol)
	}

	px := decimal.NewFromFloat(price)
	entry := decimal.NewFromFloat(p.EntryPrice)
	qty := decimal.NewFromInt(int64(p.Quantity))

	p.CurrentPrice = price
	p.UnrealizedPnL, _ = px.Sub(entry).Mul(qty).Round(2).Float64()
	p.PnLPercent, _ = px.Div(entry).Sub(decimal.NewFromInt(1)).Mul(decimal.NewFromInt(100)).Round(4).Float64()

	candidate := below(price, cfg.TrailingDistancePct)
	switch {
	case p.State == StateStopArmed && p.PnLPercent >= cfg.TrailingActivationPct:
		// Activation replaces the fixed stop even when the candidate is lower.
		p.State = StateTrailingArmed
		p.StopLoss = candidate
	case p.State == StateTrailingArmed && candidate > p.StopLoss:
		p.StopLoss = candidate
	}
	return price <= p.StopLoss, nil
}

// Exit closes an armed position at a confirmed fill price.
func (p *Position) Exit(price float64, reason string, at time.Time) error {
	if !p.State.Armed() {
		return fmt.Errorf("%w: exit %s from %s", ErrIllegalTransition, p.ID, p.State)
	}
	realized, _ := decimal.NewFromFloat(price).Sub(decimal.NewFromFloat(p.EntryPrice)).
		Mul(decimal.NewFromInt(int64(p.Quantity))).Round(2).Float64()

	t := at.UTC()
	p.State = StateExited
	p.CurrentPrice = price
	p.ExitPrice = price
	p.ExitReason = reason
	p.RealizedPnL = realized
	p.UnrealizedPnL = 0
	p.PendingOrderID = ""
	p.ExitedAt = &t
	return nil
}

// below returns price reduced by pct percent, rounded to 1/10000.
func below(price, pct float64) float64 {
	f := decimal.NewFromInt(1).Sub(decimal.NewFromFloat(pct).Div(decimal.NewFromInt(100)))
	v, _ := decimal.NewFromFloat(price).Mul(f).Round(4).Float64()
	return v
}
