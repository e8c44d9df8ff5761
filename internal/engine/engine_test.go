package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawback/mirror/internal/adapters"
	"github.com/clawback/mirror/internal/alerts"
	"github.com/clawback/mirror/internal/config"
	"github.com/clawback/mirror/internal/congress"
	"github.com/clawback/mirror/internal/risk"
)

var t0 = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

type rig struct {
	app    *App
	broker *adapters.MockBroker
	dir    string
	now    time.Time
	seq    int
}

func newRig(t *testing.T, mutate func(*config.Root)) *rig {
	t.Helper()
	tmp := t.TempDir()
	cfg := config.Default()
	cfg.Store.Path = filepath.Join(tmp, "mirror.db")
	cfg.Outbox.Path = filepath.Join(tmp, "outbox.jsonl")
	cfg.Alerts.Dir = filepath.Join(tmp, "alerts")
	require.NoError(t, os.MkdirAll(cfg.Alerts.Dir, 0o755))
	if mutate != nil {
		mutate(cfg)
	}

	r := &rig{broker: adapters.NewMockBroker(100000), dir: cfg.Alerts.Dir, now: t0}
	app, err := open(context.Background(), cfg, r.broker, func() time.Time { return r.now })
	require.NoError(t, err)
	t.Cleanup(func() { app.Close(context.Background()) })
	r.app = app
	return r
}

// alert writes an alert file and returns its id.
func (r *rig) alert(t *testing.T, politician, ticker, txType string, amount float64) string {
	t.Helper()
	r.seq++
	id := congress.AlertID(r.now.Add(-time.Hour).Add(time.Duration(r.seq) * time.Second))
	body, err := json.Marshal(map[string]any{
		"type": "congressional_trade",
		"trade": map[string]any{
			"politician":       politician,
			"ticker":           ticker,
			"transaction_type": txType,
			"amount":           amount,
			"transaction_date": r.now.AddDate(0, 0, -7).Format("2006-01-02"),
		},
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(r.dir, id+".json"), body, 0o644))
	return id
}

func (r *rig) cycle(t *testing.T) CycleReport {
	t.Helper()
	rep, err := r.app.Engine.RunCycle(context.Background())
	require.NoError(t, err)
	r.now = r.now.Add(5 * time.Minute)
	return rep
}

func (r *rig) open(t *testing.T) map[string]risk.Position {
	t.Helper()
	ps, err := r.app.Engine.Positions(context.Background())
	require.NoError(t, err)
	out := map[string]risk.Position{}
	for _, p := range ps {
		out[p.Symbol] = p
	}
	return out
}

func TestCycle_BuyRecommendationOpensArmedPosition(t *testing.T) {
	r := newRig(t, nil)
	r.broker.SetQuote("MSFT", 400)
	id := r.alert(t, "Nancy Pelosi", "MSFT", "Purchase", 500000)

	rep := r.cycle(t)
	assert.Equal(t, 1, rep.AlertsDiscovered)
	assert.Equal(t, 1, rep.Recommendations)
	assert.Equal(t, 1, rep.Entries)

	recs, err := r.app.Stores.DB.Query(context.Background(), "msft", 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, id, recs[0].AlertID)
	assert.Equal(t, 0.9, recs[0].Confidence)
	assert.Equal(t, "Congressional buy: Nancy Pelosi purchased $500,000 of MSFT", recs[0].Reason)

	pos := r.open(t)["MSFT"]
	assert.Equal(t, 2, pos.Quantity)
	assert.Equal(t, risk.StateStopArmed, pos.State)
	assert.Equal(t, 368.0, pos.StopLoss)

	rep = r.cycle(t)
	assert.Zero(t, rep.AlertsDiscovered)
	assert.Zero(t, rep.Entries)
	assert.Equal(t, 1, r.broker.OrderCount())

	stats, err := r.app.Engine.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ProcessedAlerts)
	assert.Equal(t, int64(1), stats.TotalRecommendations)
	require.NotNil(t, stats.LastCycle)
}

func TestCycle_SkippedAlertIsConsumed(t *testing.T) {
	r := newRig(t, nil)
	r.alert(t, "Someone", "AAPL", "buy", 10000)
	r.alert(t, "Someone", "", "buy", 900000)

	rep := r.cycle(t)
	assert.Equal(t, 2, rep.AlertsDiscovered)
	assert.Equal(t, 2, rep.Skipped)
	assert.Zero(t, rep.Recommendations)

	rep = r.cycle(t)
	assert.Zero(t, rep.AlertsDiscovered)
	assert.Zero(t, r.broker.OrderCount())
}

func TestCycle_LossStreakHaltsEntriesNotExits(t *testing.T) {
	r := newRig(t, nil)
	for _, sym := range []string{"AAA", "BBB", "CCC", "MSFT"} {
		r.broker.SetQuote(sym, 100)
		r.alert(t, "Nancy Pelosi", sym, "buy", 500000)
	}
	rep := r.cycle(t)
	require.Equal(t, 4, rep.Entries)

	for _, sym := range []string{"AAA", "BBB", "CCC"} {
		r.broker.SetQuote(sym, 90)
	}
	rep = r.cycle(t)
	assert.Equal(t, 3, rep.Positions.Exited)
	assert.Equal(t, risk.StatusHalt, rep.Risk.Status)
	assert.Equal(t, 3, rep.Risk.ConsecutiveLosses)

	r.broker.SetQuote("NVDA", 100)
	r.alert(t, "Nancy Pelosi", "NVDA", "buy", 500000)
	r.broker.SetQuote("MSFT", 91)
	orders := r.broker.OrderCount()

	rep = r.cycle(t)
	assert.Equal(t, 1, rep.Recommendations)
	assert.Equal(t, 1, rep.EntriesRejected)
	assert.Zero(t, rep.Entries)
	assert.Equal(t, 1, rep.Positions.Exited, "stop-loss exit runs while halted")
	assert.Equal(t, orders+1, r.broker.OrderCount())
	assert.Empty(t, r.open(t))

	_, err := r.app.Engine.ClearHalt(context.Background())
	require.NoError(t, err)
	r.alert(t, "Nancy Pelosi", "NVDA", "buy", 500000)
	rep = r.cycle(t)
	assert.Equal(t, 1, rep.Entries)
}

func TestCycle_SellRecommendationExitsHeld(t *testing.T) {
	r := newRig(t, nil)
	r.broker.SetQuote("AAPL", 200)
	r.alert(t, "Nancy Pelosi", "AAPL", "buy", 500000)
	r.cycle(t)
	require.Contains(t, r.open(t), "AAPL")

	r.broker.SetQuote("AAPL", 210)
	r.alert(t, "Nancy Pelosi", "AAPL", "sale", 500000)
	r.alert(t, "Nancy Pelosi", "TSLA", "sale", 500000)
	rep := r.cycle(t)
	assert.Equal(t, 2, rep.Recommendations)
	assert.Equal(t, 1, rep.MirrorExits)
	assert.Empty(t, r.open(t))

	trades, err := r.app.Stores.DB.Trades(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, "mirror_sell", trades[0].Reason)
}

func TestCycle_DryRunSubmitsNothing(t *testing.T) {
	r := newRig(t, func(c *config.Root) { c.TradingMode = "dry-run" })
	r.broker.SetQuote("MSFT", 400)
	r.alert(t, "Nancy Pelosi", "MSFT", "buy", 500000)

	rep := r.cycle(t)
	assert.True(t, rep.DryRun)
	assert.Equal(t, 1, rep.Recommendations)
	assert.Zero(t, rep.Entries)
	assert.Zero(t, r.broker.OrderCount())
}

func TestCycle_SessionExpiredAbortsBeforeIngest(t *testing.T) {
	r := newRig(t, nil)
	r.alert(t, "Nancy Pelosi", "MSFT", "buy", 500000)
	r.broker.FailAuth(adapters.ErrSessionExpired)

	_, err := r.app.Engine.RunCycle(context.Background())
	assert.ErrorIs(t, err, adapters.ErrSessionExpired)

	r.broker.FailAuth(nil)
	r.broker.SetQuote("MSFT", 400)
	rep := r.cycle(t)
	assert.Equal(t, 1, rep.Recommendations, "alert stays pending after an aborted cycle")
}

func TestCycle_OverlapRejected(t *testing.T) {
	r := newRig(t, nil)
	r.app.Engine.mu.Lock()
	_, err := r.app.Engine.RunCycle(context.Background())
	r.app.Engine.mu.Unlock()
	assert.ErrorIs(t, err, ErrCycleInProgress)
}

func TestCycle_PendingEntryReconciles(t *testing.T) {
	r := newRig(t, nil)
	r.broker.SetQuote("NVDA", 100)
	r.broker.NextOrder("NVDA", adapters.OrderResult{OrderID: "b-1", Status: adapters.OrderPending})
	r.alert(t, "Nancy Pelosi", "NVDA", "buy", 500000)

	rep := r.cycle(t)
	assert.Equal(t, 1, rep.EntriesPending)
	assert.Empty(t, r.open(t))

	rep = r.cycle(t)
	assert.Zero(t, rep.Entries, "broker does not hold it yet")

	r.broker.SetHolding("NVDA", 10)
	rep = r.cycle(t)
	assert.Equal(t, 1, rep.Entries)
	pos := r.open(t)["NVDA"]
	assert.Equal(t, 10, pos.Quantity)
	assert.Equal(t, 92.0, pos.StopLoss)
	assert.Equal(t, 1, r.broker.OrderCount())
}

func TestManualHalt(t *testing.T) {
	r := newRig(t, nil)
	r.broker.SetQuote("MSFT", 400)
	_, err := r.app.Engine.Halt(context.Background(), "operator")
	require.NoError(t, err)

	r.alert(t, "Nancy Pelosi", "MSFT", "buy", 500000)
	rep := r.cycle(t)
	assert.Equal(t, 1, rep.EntriesRejected)
	assert.Equal(t, risk.StatusHalt, r.app.Engine.Risk().Status)
}

func TestCycle_AbortedCycleResumesRecommendation(t *testing.T) {
	r := newRig(t, nil)
	r.broker.SetQuote("AAA", 100)
	r.alert(t, "Nancy Pelosi", "AAA", "buy", 500000)
	require.Equal(t, 1, r.cycle(t).Entries)

	r.broker.SetQuote("MSFT", 400)
	id := r.alert(t, "Nancy Pelosi", "MSFT", "buy", 500000)
	r.broker.FailQuote("AAA", adapters.ErrSessionExpired)
	_, err := r.app.Engine.RunCycle(context.Background())
	require.ErrorIs(t, err, adapters.ErrSessionExpired)
	r.now = r.now.Add(5 * time.Minute)

	_, err = r.app.Stores.DB.Recommendation(context.Background(), id)
	require.NoError(t, err, "recommendation committed before the abort")
	assert.NotContains(t, r.open(t), "MSFT")

	r.broker.FailQuote("AAA", nil)
	rep := r.cycle(t)
	assert.Zero(t, rep.AlertsDiscovered)
	assert.Equal(t, 1, rep.Resumed)
	assert.Equal(t, 1, rep.Entries)
	assert.Contains(t, r.open(t), "MSFT")

	rep = r.cycle(t)
	assert.Zero(t, rep.Resumed)
	assert.Zero(t, rep.Entries)
	assert.Equal(t, 2, r.broker.OrderCount())
}

func TestCycle_QuoteFailureRetriesEntryWithinTTL(t *testing.T) {
	r := newRig(t, nil)
	r.broker.SetQuote("MSFT", 400)
	r.broker.FailQuote("MSFT", adapters.NewNetworkError("MSFT", "timeout", nil))
	r.alert(t, "Nancy Pelosi", "MSFT", "buy", 500000)

	rep := r.cycle(t)
	assert.Equal(t, 1, rep.OrderFailures)
	assert.Zero(t, rep.Entries)

	r.broker.FailQuote("MSFT", nil)
	rep = r.cycle(t)
	assert.Equal(t, 1, rep.Resumed)
	assert.Equal(t, 1, rep.Entries)
}

func TestCycle_UnactedRecommendationExpires(t *testing.T) {
	r := newRig(t, nil)
	r.broker.FailQuote("NVDA", adapters.NewNetworkError("NVDA", "timeout", nil))
	r.alert(t, "Nancy Pelosi", "NVDA", "buy", 500000)
	r.cycle(t)

	r.now = r.now.Add(25 * time.Hour)
	r.broker.FailQuote("NVDA", nil)
	r.broker.SetQuote("NVDA", 100)
	rep := r.cycle(t)
	assert.Zero(t, rep.Resumed)
	assert.Zero(t, rep.Entries)
	assert.Zero(t, r.broker.OrderCount())
}

func TestStatus(t *testing.T) {
	r := newRig(t, nil)
	r.broker.SetQuote("MSFT", 400)
	r.alert(t, "Nancy Pelosi", "MSFT", "buy", 500000)
	r.cycle(t)

	st, err := r.app.Engine.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "mock", st.Broker)
	assert.True(t, st.Authenticated)
	require.NotNil(t, st.Balance)
	assert.InDelta(t, 100000-800, st.Balance.CashAvailable, 1e-9)
	assert.Equal(t, int64(1), st.TradeHistoryCount)
	assert.Equal(t, 1, st.OpenPositions)
	require.NotNil(t, st.LastCheck)
	assert.True(t, st.LastCheck.Equal(t0))

	r.broker.FailAuth(adapters.ErrSessionExpired)
	st, err = r.app.Engine.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, st.Authenticated)
	assert.Nil(t, st.Balance)
	assert.Contains(t, st.AuthError, "session expired")
}

type disclosureRecorder struct {
	alerts.Nop
	events []alerts.DisclosureEvent
}

func (d *disclosureRecorder) DisclosureDetected(ev alerts.DisclosureEvent) {
	d.events = append(d.events, ev)
}

func TestCycle_DisclosureEventCarriesTrade(t *testing.T) {
	r := newRig(t, nil)
	rec := &disclosureRecorder{}
	r.app.Engine.deps.Notifier = rec
	r.broker.SetQuote("NVDA", 100)
	id := r.alert(t, "Nancy Pelosi", "NVDA", "Sale", 250000)

	r.cycle(t)
	require.Len(t, rec.events, 1)
	ev := rec.events[0]
	assert.Equal(t, id, ev.AlertID)
	assert.Equal(t, "Nancy Pelosi", ev.Politician)
	assert.Equal(t, "NVDA", ev.Ticker)
	assert.Equal(t, "sale", ev.TransactionType)
	assert.Equal(t, 250000.0, ev.Amount)
}
