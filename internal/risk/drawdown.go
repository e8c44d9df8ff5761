package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clawback/mirror/internal/alerts"
	"github.com/clawback/mirror/internal/observ"
)

type Status string

const (
	StatusNormal  Status = "normal"
	StatusWarning Status = "warning"
	StatusHalt    Status = "halt"
)

// MonitorConfig thresholds are in percent where they are ratios.
type MonitorConfig struct {
	MaxDrawdownPct       float64
	WarningDrawdownPct   float64
	MaxConsecutiveLosses int
	MaxPositions         int
}

// PortfolioRiskState is the outcome of one risk evaluation.
type PortfolioRiskState struct {
	TotalValue        float64   `json:"total_value"`
	Cash              float64   `json:"cash"`
	PeakValue         float64   `json:"peak_value"`
	DrawdownPct       float64   `json:"drawdown_pct"`
	OpenPositions     int       `json:"open_positions"`
	ConsecutiveLosses int       `json:"consecutive_losses"`
	Status            Status    `json:"status"`
	Halted            bool      `json:"halted"`
	HaltReason        string    `json:"halt_reason,omitempty"`
	Warnings          []string  `json:"warnings"`
	EvaluatedAt       time.Time `json:"evaluated_at"`
}

// PersistedRisk is the part of the risk state that outlives a cycle.
type PersistedRisk struct {
	PeakValue         float64 `json:"peak_value"`
	ConsecutiveLosses int     `json:"consecutive_losses"`
	Halted            bool    `json:"halted"`
	HaltReason        string  `json:"halt_reason,omitempty"`
	LastTotalValue    float64 `json:"last_total_value"`
	LastStatus        Status  `json:"last_status,omitempty"`
}

type RiskStateStore interface {
	LoadRiskState(ctx context.Context) (PersistedRisk, error)
	SaveRiskState(ctx context.Context, r PersistedRisk) error
	AppendRiskSnapshot(ctx context.Context, s PortfolioRiskState) error
}

// Monitor aggregates positions into drawdown and loss-streak status. Once
// a halt is reached it stays latched until ClearHalt.
type Monitor struct {
	mu       sync.Mutex
	cfg      MonitorConfig
	store    RiskStateStore
	notifier alerts.Notifier
	now      func() time.Time

	persisted PersistedRisk
	last      PortfolioRiskState
}

func NewMonitor(ctx context.Context, cfg MonitorConfig, store RiskStateStore, notifier alerts.Notifier, now func() time.Time) (*Monitor, error) {
	if now == nil {
		now = time.Now
	}
	if notifier == nil {
		notifier = alerts.Nop{}
	}
	p, err := store.LoadRiskState(ctx)
	if err != nil {
		return nil, fmt.Errorf("load risk state: %w", err)
	}
	m := &Monitor{cfg: cfg, store: store, notifier: notifier, now: now, persisted: p}
	m.last, _ = m.assess(p.LastTotalValue, 0, 0)
	return m, nil
}

// Evaluate recomputes the portfolio state from cash and open positions,
// persists the high-water mark and appends a snapshot.
func (m *Monitor) Evaluate(ctx context.Context, cash float64, positions []Position) (PortfolioRiskState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := decimal.NewFromFloat(cash)
	open := 0
	for _, p := range positions {
		if !p.Open() {
			continue
		}
		open++
		total = total.Add(decimal.NewFromFloat(p.MarketValue()))
	}
	totalValue, _ := total.Round(2).Float64()

	if totalValue > m.persisted.PeakValue {
		m.persisted.PeakValue = totalValue
	}
	m.persisted.LastTotalValue = totalValue

	st, reason := m.assess(totalValue, cash, open)
	if st.Status == StatusHalt && !m.persisted.Halted {
		m.persisted.Halted = true
		m.persisted.HaltReason = reason
		st.Halted = true
		st.HaltReason = m.persisted.HaltReason
		observ.Warn("trading_halted", map[string]any{"reason": st.HaltReason})
		observ.IncCounter("risk_halts_total", nil)
	}

	prev := m.persisted.LastStatus
	m.persisted.LastStatus = st.Status
	if err := m.store.SaveRiskState(ctx, m.persisted); err != nil {
		return st, fmt.Errorf("save risk state: %w", err)
	}
	if err := m.store.AppendRiskSnapshot(ctx, st); err != nil {
		observ.Error("risk_snapshot_failed", err, nil)
	}
	m.last = st

	observ.SetGauge("portfolio_total_value", st.TotalValue, nil)
	observ.SetGauge("portfolio_peak_value", st.PeakValue, nil)
	observ.SetGauge("portfolio_drawdown_pct", st.DrawdownPct, nil)
	observ.SetGauge("consecutive_losses", float64(st.ConsecutiveLosses), nil)
	observ.SetGauge("risk_halted", boolGauge(st.Halted), nil)

	if prev != st.Status {
		observ.Log("risk_status_changed", map[string]any{
			"from":         string(prev),
			"to":           string(st.Status),
			"drawdown_pct": st.DrawdownPct,
			"warnings":     st.Warnings,
		})
		if st.Status != StatusNormal || prev != "" {
			m.notifier.RiskWarning(alerts.RiskEvent{
				Status:            string(st.Status),
				PreviousStatus:    string(prev),
				DrawdownPct:       st.DrawdownPct,
				ConsecutiveLosses: st.ConsecutiveLosses,
				OpenPositions:     st.OpenPositions,
				Warnings:          st.Warnings,
			})
		}
	}
	return st, nil
}

// RecordExit updates the loss streak from one realized exit. A loss
// increments it, a gain resets it, a flat exit leaves it alone.
func (m *Monitor) RecordExit(ctx context.Context, realizedPnL float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case realizedPnL < 0:
		m.persisted.ConsecutiveLosses++
	case realizedPnL > 0:
		m.persisted.ConsecutiveLosses = 0
	default:
		return nil
	}
	if m.cfg.MaxConsecutiveLosses > 0 && m.persisted.ConsecutiveLosses >= m.cfg.MaxConsecutiveLosses && !m.persisted.Halted {
		m.persisted.Halted = true
		m.persisted.HaltReason = lossesWarning(m.persisted.ConsecutiveLosses)
		observ.Warn("trading_halted", map[string]any{"reason": m.persisted.HaltReason})
		observ.IncCounter("risk_halts_total", nil)
	}
	m.last.ConsecutiveLosses = m.persisted.ConsecutiveLosses
	m.last.Halted = m.persisted.Halted
	m.last.HaltReason = m.persisted.HaltReason
	if m.persisted.Halted {
		m.last.Status = StatusHalt
	}
	return m.store.SaveRiskState(ctx, m.persisted)
}

// Halt latches the halt manually.
func (m *Monitor) Halt(ctx context.Context, reason string) (PortfolioRiskState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if reason == "" {
		reason = "manual halt"
	}
	m.persisted.Halted = true
	m.persisted.HaltReason = reason
	if err := m.store.SaveRiskState(ctx, m.persisted); err != nil {
		return m.last, fmt.Errorf("save risk state: %w", err)
	}
	m.last, _ = m.assess(m.persisted.LastTotalValue, m.last.Cash, m.last.OpenPositions)
	observ.Warn("trading_halted", map[string]any{"reason": reason, "manual": true})
	observ.IncCounter("risk_halts_total", map[string]string{"source": "manual"})
	return m.last, nil
}

// ClearHalt releases the latch, resets the loss streak and rebases the
// high-water mark on the last observed total value.
func (m *Monitor) ClearHalt(ctx context.Context) (PortfolioRiskState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.persisted.Halted = false
	m.persisted.HaltReason = ""
	m.persisted.ConsecutiveLosses = 0
	if m.persisted.LastTotalValue > 0 {
		m.persisted.PeakValue = m.persisted.LastTotalValue
	}
	m.last, _ = m.assess(m.persisted.LastTotalValue, m.last.Cash, m.last.OpenPositions)
	m.persisted.LastStatus = m.last.Status
	if err := m.store.SaveRiskState(ctx, m.persisted); err != nil {
		return m.last, fmt.Errorf("save risk state: %w", err)
	}
	observ.Log("halt_cleared", map[string]any{"peak_value": m.persisted.PeakValue})
	observ.SetGauge("risk_halted", 0, nil)
	return m.last, nil
}

func (m *Monitor) Halted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.persisted.Halted
}

// State returns the last evaluated state.
func (m *Monitor) State() PortfolioRiskState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.last
	st.Warnings = append([]string(nil), m.last.Warnings...)
	return st
}

func (m *Monitor) assess(total, cash float64, open int) (PortfolioRiskState, string) {
	p := m.persisted
	st := PortfolioRiskState{
		TotalValue:        total,
		Cash:              cash,
		PeakValue:         p.PeakValue,
		DrawdownPct:       drawdownPct(p.PeakValue, total),
		OpenPositions:     open,
		ConsecutiveLosses: p.ConsecutiveLosses,
		Halted:            p.Halted,
		HaltReason:        p.HaltReason,
		Warnings:          []string{},
		EvaluatedAt:       m.now().UTC(),
	}

	halt, warn := false, false
	reason := ""
	if m.cfg.WarningDrawdownPct > 0 && st.DrawdownPct >= m.cfg.WarningDrawdownPct {
		warn = true
		st.Warnings = append(st.Warnings, fmt.Sprintf("drawdown %.1f%% at or above warning level %.1f%%", st.DrawdownPct, m.cfg.WarningDrawdownPct))
	}
	// Past the maximum both messages are reported.
	if m.cfg.MaxDrawdownPct > 0 && st.DrawdownPct >= m.cfg.MaxDrawdownPct {
		halt = true
		reason = fmt.Sprintf("drawdown %.1f%% at or above maximum %.1f%%", st.DrawdownPct, m.cfg.MaxDrawdownPct)
		st.Warnings = append(st.Warnings, reason)
	}
	if m.cfg.MaxConsecutiveLosses > 0 && st.ConsecutiveLosses >= m.cfg.MaxConsecutiveLosses {
		if !halt {
			reason = lossesWarning(st.ConsecutiveLosses)
		}
		halt = true
		st.Warnings = append(st.Warnings, lossesWarning(st.ConsecutiveLosses))
	}
	if m.cfg.MaxPositions > 0 && open >= m.cfg.MaxPositions {
		warn = true
		st.Warnings = append(st.Warnings, fmt.Sprintf("%d open positions at or above maximum %d", open, m.cfg.MaxPositions))
	}
	if p.Halted && !halt {
		st.Warnings = append(st.Warnings, "halted: "+p.HaltReason)
	}

	switch {
	case halt || p.Halted:
		st.Status = StatusHalt
	case warn:
		st.Status = StatusWarning
	default:
		st.Status = StatusNormal
	}
	return st, reason
}

func lossesWarning(n int) string {
	return fmt.Sprintf("%d consecutive losses", n)
}

func drawdownPct(peak, total float64) float64 {
	if peak <= 0 || total >= peak {
		return 0
	}
	p := decimal.NewFromFloat(peak)
	v, _ := p.Sub(decimal.NewFromFloat(total)).Div(p).Mul(decimal.NewFromInt(100)).Round(4).Float64()
	return v
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
