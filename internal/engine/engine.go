// Package engine runs the mirror cycle: ingest alerts, build
// recommendations, manage open positions, evaluate portfolio risk and act
// on new recommendations.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clawback/mirror/internal/adapters"
	"github.com/clawback/mirror/internal/alerts"
	"github.com/clawback/mirror/internal/congress"
	"github.com/clawback/mirror/internal/decision"
	"github.com/clawback/mirror/internal/observ"
	"github.com/clawback/mirror/internal/outbox"
	"github.com/clawback/mirror/internal/risk"
)

// ErrCycleInProgress is returned when a cycle is requested while another
// one is running.
var ErrCycleInProgress = errors.New("cycle already in progress")

type Discoverer interface {
	Discover(ctx context.Context) ([]congress.Alert, error)
	Processed() int
}

type EntryJournal interface {
	HasRecentOrder(key string) (bool, error)
	WriteOrder(o outbox.Order) error
	WriteFill(f outbox.Fill) error
	PendingOrders(prefix string) ([]outbox.Order, error)
}

type CycleState interface {
	SetLastCycle(ctx context.Context, t time.Time) error
	LastCycle(ctx context.Context) (time.Time, bool, error)
}

// Counters are the lifetime totals shown by the stats and status views.
type Counters interface {
	RecommendationsTotal(ctx context.Context) (int64, error)
	TradesTotal(ctx context.Context) (int64, error)
}

// RecommendationQueue is the durable list of recommendations no cycle has
// finished acting on. Execution reads from it rather than from the alerts
// ingested in the same cycle, so an aborted cycle is resumed by the next.
type RecommendationQueue interface {
	Unacted(ctx context.Context, since time.Time) ([]decision.Recommendation, error)
	MarkActed(ctx context.Context, alertID string, at time.Time) error
}

type Config struct {
	DryRun bool
	Entry  decision.EntryConfig
	// RecommendationTTL is how long an unacted recommendation stays eligible.
	RecommendationTTL time.Duration
}

type Deps struct {
	Broker    adapters.Broker
	Alerts    Discoverer
	Builder   *decision.Builder
	Positions *risk.PositionManager
	Monitor   *risk.Monitor
	Orders    EntryJournal
	Trades    risk.TradeJournal
	State     CycleState
	Counter   Counters
	Queue     RecommendationQueue
	Notifier  alerts.Notifier
	Now       func() time.Time
}

// CycleReport summarizes one cycle.
type CycleReport struct {
	CycleID          string                  `json:"cycle_id"`
	StartedAt        time.Time               `json:"started_at"`
	FinishedAt       time.Time               `json:"finished_at"`
	DryRun           bool                    `json:"dry_run"`
	AlertsDiscovered int                     `json:"alerts_discovered"`
	Recommendations  int                     `json:"recommendations"`
	Resumed          int                     `json:"resumed"`
	Skipped          int                     `json:"skipped"`
	Duplicates       int                     `json:"duplicates"`
	AlertErrors      int                     `json:"alert_errors"`
	Positions        risk.EvaluationReport   `json:"positions"`
	Risk             risk.PortfolioRiskState `json:"risk"`
	Entries          int                     `json:"entries"`
	EntriesPending   int                     `json:"entries_pending"`
	EntriesRejected  int                     `json:"entries_rejected"`
	MirrorExits      int                     `json:"mirror_exits"`
	OrderFailures    int                     `json:"order_failures"`
}

// Stats are the lifetime counters shown by the stats view.
type Stats struct {
	ProcessedAlerts      int        `json:"processed_alerts"`
	TotalRecommendations int64      `json:"total_recommendations"`
	LastCycle            *time.Time `json:"last_cycle,omitempty"`
}

type Engine struct {
	cfg  Config
	deps Deps
	now  func() time.Time
	mu   sync.Mutex
}

func New(cfg Config, deps Deps) *Engine {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Notifier == nil {
		deps.Notifier = alerts.Nop{}
	}
	if cfg.RecommendationTTL <= 0 {
		cfg.RecommendationTTL = 24 * time.Hour
	}
	return &Engine{cfg: cfg, deps: deps, now: deps.Now}
}

// RunCycle runs one full cycle. Per-item failures are logged, counted and
// reported; broker session loss and storage failures abort the cycle and
// are returned.
func (e *Engine) RunCycle(ctx context.Context) (CycleReport, error) {
	if !e.mu.TryLock() {
		observ.IncCounter("cycles_rejected_total", nil)
		return CycleReport{}, ErrCycleInProgress
	}
	defer e.mu.Unlock()

	rep := CycleReport{CycleID: uuid.NewString(), StartedAt: e.now().UTC(), DryRun: e.cfg.DryRun}
	observ.Log("cycle_start", map[string]any{"cycle_id": rep.CycleID, "dry_run": rep.DryRun})

	err := e.runCycle(ctx, &rep)
	rep.FinishedAt = e.now().UTC()
	observ.RecordDuration("cycle", rep.FinishedAt.Sub(rep.StartedAt), nil)

	if err != nil {
		observ.Error("cycle_failed", err, map[string]any{"cycle_id": rep.CycleID})
		observ.IncCounter("cycles_total", map[string]string{"result": "failed"})
		e.deps.Notifier.OperationalError(alerts.ErrorEvent{
			Kind:      errorKind(err),
			Operation: "run_cycle",
			Message:   err.Error(),
			Details:   map[string]string{"cycle_id": rep.CycleID},
		})
		return rep, err
	}

	observ.IncCounter("cycles_total", map[string]string{"result": "ok"})
	observ.Log("cycle_complete", map[string]any{
		"cycle_id":        rep.CycleID,
		"alerts":          rep.AlertsDiscovered,
		"recommendations": rep.Recommendations,
		"entries":         rep.Entries,
		"rejected":        rep.EntriesRejected,
		"exits":           rep.Positions.Exited + rep.MirrorExits,
		"risk_status":     string(rep.Risk.Status),
		"duration_ms":     rep.FinishedAt.Sub(rep.StartedAt).Milliseconds(),
	})
	return rep, nil
}

func (e *Engine) runCycle(ctx context.Context, rep *CycleReport) error {
	d := e.deps

	if err := d.Broker.Authenticate(ctx); err != nil {
		return fmt.Errorf("authenticate %s: %w", d.Broker.Name(), err)
	}

	fresh, err := e.ingest(ctx, rep)
	if err != nil {
		return err
	}

	if !e.cfg.DryRun {
		if err := e.reconcileEntries(ctx, rep); err != nil {
			return err
		}
	}

	if rep.Positions, err = d.Positions.Evaluate(ctx); err != nil {
		return fmt.Errorf("evaluate positions: %w", err)
	}

	bal, err := d.Broker.GetAccountBalance(ctx)
	if err != nil {
		return fmt.Errorf("account balance: %w", err)
	}
	open, err := d.Positions.Positions(ctx)
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	if rep.Risk, err = d.Monitor.Evaluate(ctx, bal.CashAvailable, open); err != nil {
		return fmt.Errorf("evaluate risk: %w", err)
	}

	if err := e.execute(ctx, rep, fresh, bal.CashAvailable, open); err != nil {
		return err
	}

	if err := d.State.SetLastCycle(ctx, rep.StartedAt); err != nil {
		observ.Error("last_cycle_save_failed", err, map[string]any{"cycle_id": rep.CycleID})
	}
	return nil
}

// ingest turns new alerts into stored recommendations and returns the ids
// created in this cycle.
func (e *Engine) ingest(ctx context.Context, rep *CycleReport) (map[string]bool, error) {
	d := e.deps
	found, err := d.Alerts.Discover(ctx)
	if err != nil {
		d.Notifier.OperationalError(alerts.ErrorEvent{Kind: "disclosure", Operation: "discover", Message: err.Error()})
		return nil, fmt.Errorf("discover alerts: %w", err)
	}
	rep.AlertsDiscovered = len(found)

	fresh := map[string]bool{}
	for _, a := range found {
		d.Notifier.DisclosureDetected(alerts.DisclosureEvent{
			AlertID:         a.ID,
			Politician:      a.Trade.Politician,
			Ticker:          a.Trade.Ticker,
			TransactionType: string(a.Trade.TransactionType),
			Amount:          a.Trade.Amount,
			TransactionDate: a.Trade.TransactionDate,
			Chamber:         string(a.Trade.Chamber),
		})

		res, err := d.Builder.Process(ctx, a)
		if err != nil {
			rep.AlertErrors++
			observ.Error("alert_process_failed", err, map[string]any{"alert_id": a.ID, "cycle_id": rep.CycleID})
			d.Notifier.OperationalError(alerts.ErrorEvent{
				Kind:      "store",
				Operation: "commit_recommendation",
				Message:   err.Error(),
				Details:   map[string]string{"alert_id": a.ID},
			})
			continue
		}
		switch {
		case res.Skip != nil:
			rep.Skipped++
		case res.Duplicate:
			rep.Duplicates++
		case res.Recommendation != nil:
			rep.Recommendations++
			fresh[res.Recommendation.AlertID] = true
		}
	}
	return fresh, nil
}

// execute acts on every stored recommendation still awaiting action. SELLs
// exit held positions regardless of halt; BUYs pass the entry gates first.
// A recommendation is marked acted once it reaches a final outcome; quote
// and submission failures leave it queued for the next cycle until it
// ages past the TTL.
func (e *Engine) execute(ctx context.Context, rep *CycleReport, fresh map[string]bool, cash float64, open []risk.Position) error {
	d := e.deps
	recs, err := d.Queue.Unacted(ctx, e.now().Add(-e.cfg.RecommendationTTL))
	if err != nil {
		return fmt.Errorf("load unacted recommendations: %w", err)
	}

	st := decision.EntryState{
		Halted:        rep.Risk.Status == risk.StatusHalt || d.Monitor.Halted(),
		OpenPositions: len(open),
		Held:          map[string]bool{},
		Cash:          cash,
	}
	for _, p := range open {
		st.Held[p.Symbol] = true
	}

	for _, rec := range recs {
		if !fresh[rec.AlertID] {
			rep.Resumed++
			observ.Log("recommendation_resumed", map[string]any{"alert_id": rec.AlertID, "ticker": rec.Ticker, "cycle_id": rep.CycleID})
		}
		final, err := e.act(ctx, rep, rec, &st)
		if err != nil {
			return err
		}
		if !final {
			continue
		}
		if err := d.Queue.MarkActed(ctx, rec.AlertID, e.now().UTC()); err != nil {
			return fmt.Errorf("mark recommendation %s acted: %w", rec.AlertID, err)
		}
	}
	return nil
}

// act handles one recommendation and reports whether its outcome is final.
func (e *Engine) act(ctx context.Context, rep *CycleReport, rec decision.Recommendation, st *decision.EntryState) (bool, error) {
	d := e.deps
	if rec.Action == decision.ActionSell {
		if !st.Held[rec.Ticker] {
			return true, nil
		}
		if e.cfg.DryRun {
			observ.Log("dry_run_exit", map[string]any{"alert_id": rec.AlertID, "ticker": rec.Ticker})
			return true, nil
		}
		found, err := d.Positions.ExitSymbol(ctx, rec.Ticker, "mirror_sell")
		if err != nil {
			if errors.Is(err, adapters.ErrSessionExpired) {
				return false, err
			}
			rep.OrderFailures++
			observ.Error("mirror_exit_failed", err, map[string]any{"ticker": rec.Ticker})
			return false, nil
		}
		if found {
			rep.MirrorExits++
		}
		return true, nil
	}

	intent := decision.EvaluateEntry(rec, *st, e.cfg.Entry)
	if intent.Rejected() {
		rep.EntriesRejected++
		observ.Log("entry_rejected", map[string]any{
			"alert_id": rec.AlertID,
			"ticker":   rec.Ticker,
			"gates":    intent.ReasonJSON,
		})
		for _, g := range intent.Blocked {
			observ.IncCounter("entries_rejected_total", map[string]string{"gate": g})
		}
		return true, nil
	}
	if e.cfg.DryRun {
		observ.Log("dry_run_entry", map[string]any{"alert_id": rec.AlertID, "ticker": rec.Ticker, "notional": intent.Notional})
		return true, nil
	}

	spent, outcome, err := e.enter(ctx, rec, intent)
	if err != nil {
		return false, err
	}
	switch outcome {
	case entryFilled:
		rep.Entries++
		st.OpenPositions++
		st.Held[rec.Ticker] = true
		st.Cash -= spent
	case entryPending:
		rep.EntriesPending++
		st.Held[rec.Ticker] = true
	case entryRejected:
		rep.OrderFailures++
	case entryFailed:
		rep.OrderFailures++
		return false, nil
	}
	return true, nil
}

type entryOutcome int

const (
	entrySkipped entryOutcome = iota
	entryFilled
	entryPending
	entryRejected
	entryFailed
)

func (e *Engine) enter(ctx context.Context, rec decision.Recommendation, intent decision.EntryIntent) (float64, entryOutcome, error) {
	d := e.deps
	key := outbox.EntryKey(rec.AlertID)
	if dup, err := d.Orders.HasRecentOrder(key); err != nil {
		return 0, entryFailed, fmt.Errorf("check entry order %s: %w", rec.AlertID, err)
	} else if dup {
		observ.IncCounter("entry_orders_duplicate_total", nil)
		return 0, entrySkipped, nil
	}

	price, err := d.Broker.GetQuote(ctx, rec.Ticker)
	if err != nil {
		if errors.Is(err, adapters.ErrSessionExpired) {
			return 0, entryFailed, err
		}
		observ.Warn("entry_quote_failed", map[string]any{"ticker": rec.Ticker, "error": err.Error()})
		observ.IncCounter("quote_failures_total", map[string]string{"symbol": rec.Ticker})
		return 0, entryFailed, nil
	}
	qty := decision.Shares(intent.Notional, price)
	if qty == 0 {
		observ.Log("entry_rejected", map[string]any{"alert_id": rec.AlertID, "ticker": rec.Ticker, "gates": "notional below one share"})
		observ.IncCounter("entries_rejected_total", map[string]string{"gate": "min_shares"})
		return 0, entrySkipped, nil
	}

	order := outbox.Order{
		ID:             outbox.NewClientOrderID(),
		Symbol:         rec.Ticker,
		Side:           string(adapters.Buy),
		Quantity:       qty,
		RefPrice:       price,
		Timestamp:      e.now().UTC(),
		Status:         outbox.StatusSubmitted,
		IdempotencyKey: key,
		AlertID:        rec.AlertID,
		Reason:         rec.Reason,
	}
	if err := d.Orders.WriteOrder(order); err != nil {
		return 0, entryFailed, fmt.Errorf("journal entry order: %w", err)
	}

	res, err := d.Broker.SubmitOrder(ctx, adapters.OrderRequest{
		ClientOrderID: order.ID,
		Symbol:        rec.Ticker,
		Side:          adapters.Buy,
		Quantity:      qty,
	})
	if err != nil {
		order.Status = outbox.StatusFailed
		outbox.RecordStatus(d.Orders, order)
		observ.Error("entry_order_failed", err, map[string]any{"alert_id": rec.AlertID, "ticker": rec.Ticker})
		d.Notifier.OperationalError(alerts.ErrorEvent{
			Kind:      "broker",
			Operation: "submit_order",
			Message:   err.Error(),
			Details:   map[string]string{"symbol": rec.Ticker, "side": "BUY"},
		})
		if errors.Is(err, adapters.ErrSessionExpired) {
			return 0, entryFailed, err
		}
		return 0, entryFailed, nil
	}

	order.BrokerOrderID = res.OrderID
	switch res.Status {
	case adapters.OrderFilled:
		order.Status = outbox.StatusFilled
		outbox.RecordStatus(d.Orders, order)
		fill := res.FillPrice
		if fill <= 0 {
			fill = price
		}
		filled := qty
		if res.FilledQuantity > 0 {
			filled = res.FilledQuantity
		}
		outbox.RecordFill(d.Orders, outbox.Fill{
			OrderID:   res.OrderID,
			Symbol:    rec.Ticker,
			Quantity:  filled,
			Price:     fill,
			Side:      order.Side,
			Timestamp: e.now().UTC(),
		})
		if err := e.openFilled(ctx, rec.Ticker, filled, fill, rec.AlertID, res.OrderID, rec.Reason); err != nil {
			return 0, entryFailed, err
		}
		return fill * float64(filled), entryFilled, nil

	case adapters.OrderPending:
		order.Status = outbox.StatusPending
		outbox.RecordStatus(d.Orders, order)
		observ.Log("entry_order_pending", map[string]any{"alert_id": rec.AlertID, "order_id": res.OrderID})
		return 0, entryPending, nil

	default:
		order.Status = outbox.StatusRejected
		outbox.RecordStatus(d.Orders, order)
		observ.Warn("entry_order_rejected", map[string]any{"alert_id": rec.AlertID, "ticker": rec.Ticker, "message": res.Message})
		d.Notifier.OperationalError(alerts.ErrorEvent{
			Kind:      "broker",
			Operation: "submit_order",
			Message:   "order rejected: " + res.Message,
			Details:   map[string]string{"symbol": rec.Ticker, "side": "BUY"},
		})
		return 0, entryRejected, nil
	}
}

func (e *Engine) openFilled(ctx context.Context, symbol string, qty int, price float64, alertID, orderID, reason string) error {
	d := e.deps
	p, err := d.Positions.Open(ctx, symbol, qty, price, alertID)
	if err != nil {
		return fmt.Errorf("open position %s: %w", symbol, err)
	}
	total := price * float64(qty)
	if err := d.Trades.RecordTrade(ctx, risk.ExecutedTrade{
		OrderID:    orderID,
		Symbol:     symbol,
		Action:     string(adapters.Buy),
		Quantity:   qty,
		Price:      price,
		TotalValue: total,
		Status:     string(adapters.OrderFilled),
		AlertID:    alertID,
		PositionID: p.ID,
		Reason:     reason,
		ExecutedAt: e.now().UTC(),
	}); err != nil {
		observ.Error("trade_journal_failed", err, map[string]any{"position_id": p.ID})
	}
	observ.IncCounter("entries_total", nil)
	d.Notifier.TradeExecuted(alerts.TradeEvent{
		Symbol:   symbol,
		Action:   string(adapters.Buy),
		Quantity: qty,
		Price:    price,
		Total:    total,
		Reason:   reason,
		Time:     e.now(),
	})
	return nil
}

// reconcileEntries opens positions for pending BUY orders the broker now
// reports as held.
func (e *Engine) reconcileEntries(ctx context.Context, rep *CycleReport) error {
	d := e.deps
	pending, err := d.Orders.PendingOrders("entry:")
	if err != nil {
		return fmt.Errorf("pending entries: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}
	holdings, err := d.Broker.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("broker positions: %w", err)
	}
	open, err := d.Positions.Positions(ctx)
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	tracked := map[string]bool{}
	for _, p := range open {
		tracked[p.Symbol] = true
	}

	for _, o := range pending {
		var h *adapters.Holding
		for i := range holdings {
			if strings.EqualFold(holdings[i].Symbol, o.Symbol) && holdings[i].Quantity > 0 {
				h = &holdings[i]
				break
			}
		}
		if h == nil || tracked[o.Symbol] {
			continue
		}
		price := h.AvgPrice
		if price <= 0 {
			price = o.RefPrice
		}
		qty := o.Quantity
		if h.Quantity < qty {
			qty = h.Quantity
		}
		o.Status = outbox.StatusFilled
		outbox.RecordStatus(d.Orders, o)
		if err := e.openFilled(ctx, o.Symbol, qty, price, o.AlertID, o.BrokerOrderID, o.Reason); err != nil {
			return err
		}
		tracked[o.Symbol] = true
		rep.Entries++
		observ.Log("entry_order_reconciled", map[string]any{"alert_id": o.AlertID, "symbol": o.Symbol})
	}
	return nil
}

// Stats returns lifetime counters.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	total, err := e.deps.Counter.RecommendationsTotal(ctx)
	if err != nil {
		return Stats{}, err
	}
	s := Stats{ProcessedAlerts: e.deps.Alerts.Processed(), TotalRecommendations: total}
	if t, ok, err := e.deps.State.LastCycle(ctx); err == nil && ok {
		s.LastCycle = &t
	}
	return s, nil
}

// Status is the operator status view: broker connectivity, account
// balance and trade history size.
type Status struct {
	Broker            string            `json:"broker"`
	DryRun            bool              `json:"dry_run"`
	Authenticated     bool              `json:"authenticated"`
	AuthError         string            `json:"auth_error,omitempty"`
	LastCheck         *time.Time        `json:"last_check,omitempty"`
	Balance           *adapters.Balance `json:"account_balance,omitempty"`
	TradeHistoryCount int64             `json:"trade_history_count"`
	OpenPositions     int               `json:"open_positions"`
	RiskStatus        risk.Status       `json:"risk_status"`
}

// Status authenticates against the broker and reports its state. Broker
// failures are reported in the result; only storage failures are returned.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	d := e.deps
	st := Status{Broker: d.Broker.Name(), DryRun: e.cfg.DryRun, RiskStatus: d.Monitor.State().Status}

	n, err := d.Counter.TradesTotal(ctx)
	if err != nil {
		return st, fmt.Errorf("count trades: %w", err)
	}
	st.TradeHistoryCount = n
	open, err := d.Positions.Positions(ctx)
	if err != nil {
		return st, fmt.Errorf("load positions: %w", err)
	}
	st.OpenPositions = len(open)
	if t, ok, err := d.State.LastCycle(ctx); err == nil && ok {
		st.LastCheck = &t
	}

	if err := d.Broker.Authenticate(ctx); err != nil {
		st.AuthError = err.Error()
		return st, nil
	}
	st.Authenticated = true
	if bal, err := d.Broker.GetAccountBalance(ctx); err == nil {
		st.Balance = &bal
	} else {
		observ.Warn("status_balance_failed", map[string]any{"broker": st.Broker, "error": err.Error()})
	}
	return st, nil
}

// Risk returns the last evaluated portfolio risk state.
func (e *Engine) Risk() risk.PortfolioRiskState {
	return e.deps.Monitor.State()
}

// Halt latches the trading halt on operator request.
func (e *Engine) Halt(ctx context.Context, reason string) (risk.PortfolioRiskState, error) {
	prev := e.deps.Monitor.State().Status
	st, err := e.deps.Monitor.Halt(ctx, reason)
	if err != nil {
		return st, err
	}
	e.deps.Notifier.RiskWarning(alerts.RiskEvent{
		Status:            string(st.Status),
		PreviousStatus:    string(prev),
		DrawdownPct:       st.DrawdownPct,
		ConsecutiveLosses: st.ConsecutiveLosses,
		OpenPositions:     st.OpenPositions,
		Warnings:          st.Warnings,
	})
	return st, nil
}

// ClearHalt releases the halt on operator request.
func (e *Engine) ClearHalt(ctx context.Context) (risk.PortfolioRiskState, error) {
	return e.deps.Monitor.ClearHalt(ctx)
}

// Positions returns open positions.
func (e *Engine) Positions(ctx context.Context) ([]risk.Position, error) {
	return e.deps.Positions.Positions(ctx)
}

// Broker exposes the configured broker for status checks.
func (e *Engine) Broker() adapters.Broker { return e.deps.Broker }

func errorKind(err error) string {
	if errors.Is(err, adapters.ErrSessionExpired) {
		return "broker"
	}
	return "cycle"
}
