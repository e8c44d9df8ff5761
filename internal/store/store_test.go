package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawback/mirror/internal/config"
	"github.com/clawback/mirror/internal/decision"
	"github.com/clawback/mirror/internal/ingest"
	"github.com/clawback/mirror/internal/risk"
)

var base = time.Date(2025, 6, 15, 14, 0, 0, 0, time.UTC)

func openTemp(t *testing.T, max int) *SQLite {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "mirror.db"), max)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func rec(i int, ticker string) decision.Recommendation {
	ts := base.Add(time.Duration(i) * time.Minute)
	return decision.Recommendation{
		AlertID:     fmt.Sprintf("alert_%s", ts.Format("20060102_150405")),
		Ticker:      ticker,
		Action:      decision.ActionBuy,
		Reason:      "Congressional buy",
		Source:      "congressional_trade",
		Politician:  "Nancy Pelosi",
		TradeAmount: 500000,
		TradeDate:   "2025-06-08",
		Confidence:  0.9,
		Timestamp:   ts,
	}
}

func TestAppendRecommendation_CapKeepsMostRecent(t *testing.T) {
	ctx := context.Background()
	db := openTemp(t, 50)

	for i := 0; i < 60; i++ {
		ok, err := db.AppendRecommendation(ctx, rec(i, "MSFT"))
		require.NoError(t, err)
		require.True(t, ok)
	}

	got, err := db.Query(ctx, "", 100)
	require.NoError(t, err)
	require.Len(t, got, 50)
	assert.Equal(t, rec(59, "MSFT").AlertID, got[0].AlertID)
	assert.Equal(t, rec(10, "MSFT").AlertID, got[49].AlertID)

	total, err := db.RecommendationsTotal(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(60), total)
}

func TestAppendRecommendation_DuplicateIsNoop(t *testing.T) {
	ctx := context.Background()
	db := openTemp(t, 50)

	ok, err := db.AppendRecommendation(ctx, rec(1, "MSFT"))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = db.AppendRecommendation(ctx, rec(1, "MSFT"))
	require.NoError(t, err)
	assert.False(t, ok)

	total, _ := db.RecommendationsTotal(ctx)
	assert.Equal(t, int64(1), total)
}

func TestUnacted_WindowAndMark(t *testing.T) {
	ctx := context.Background()
	db := openTemp(t, 50)
	for i := 0; i < 3; i++ {
		_, err := db.AppendRecommendation(ctx, rec(i, "MSFT"))
		require.NoError(t, err)
	}

	got, err := db.Unacted(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, rec(1, "MSFT").AlertID, got[0].AlertID)
	assert.Equal(t, rec(2, "MSFT").AlertID, got[1].AlertID)

	require.NoError(t, db.MarkActed(ctx, rec(1, "MSFT").AlertID, base.Add(time.Hour)))
	require.NoError(t, db.MarkActed(ctx, "alert_unknown", base))
	got, err = db.Unacted(ctx, base)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, rec(0, "MSFT").AlertID, got[0].AlertID)
	assert.Equal(t, rec(2, "MSFT").AlertID, got[1].AlertID)
}

func TestQuery_TickerAndOrder(t *testing.T) {
	ctx := context.Background()
	db := openTemp(t, 50)
	for i, tk := range []string{"MSFT", "NVDA", "MSFT", "AAPL", "MSFT"} {
		_, err := db.AppendRecommendation(ctx, rec(i, tk))
		require.NoError(t, err)
	}

	got, err := db.Query(ctx, "msft", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, rec(4, "MSFT").AlertID, got[0].AlertID)
	assert.Equal(t, rec(2, "MSFT").AlertID, got[1].AlertID)
	assert.True(t, got[0].Timestamp.Equal(rec(4, "MSFT").Timestamp))

	got, err = db.Query(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, got, 5)

	got, err = db.Query(ctx, "TSLA", 10)
	require.NoError(t, err)
	assert.Empty(t, got)

	one, err := db.Recommendation(ctx, rec(3, "AAPL").AlertID)
	require.NoError(t, err)
	assert.Equal(t, "AAPL", one.Ticker)
	_, err = db.Recommendation(ctx, "alert_19990101_000000")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProcessedAlerts_RoundTripAndPrune(t *testing.T) {
	ctx := context.Background()
	db := openTemp(t, 50)

	now := time.Date(2025, 7, 20, 0, 0, 0, 0, time.UTC)
	set, err := ingest.LoadProcessedSet(ctx, db, 30*24*time.Hour, now)
	require.NoError(t, err)
	require.NoError(t, set.Add(ctx, "alert_20250601_100000"))
	require.NoError(t, set.Add(ctx, "alert_20250715_100000"))
	require.NoError(t, set.Add(ctx, "alert_20250715_100000"))

	ids, err := db.LoadProcessed(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	reloaded, err := ingest.LoadProcessedSet(ctx, db, 30*24*time.Hour, now)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.Len())
	assert.True(t, reloaded.Contains("alert_20250715_100000"))

	ids, _ = db.LoadProcessed(ctx)
	assert.Len(t, ids, 1)
}

func TestPositions_UpsertAndFilter(t *testing.T) {
	ctx := context.Background()
	db := openTemp(t, 50)

	p := risk.NewPosition("01J0000000000000000000000A", "MSFT", 10, 100, "alert_20250615_143022", base)
	require.NoError(t, p.Arm(risk.StopLossConfig{FixedStopPct: 8, TrailingActivationPct: 10, TrailingDistancePct: 5}))
	require.NoError(t, db.SavePosition(ctx, p))

	_, err := p.Mark(111, risk.StopLossConfig{FixedStopPct: 8, TrailingActivationPct: 10, TrailingDistancePct: 5})
	require.NoError(t, err)
	require.NoError(t, db.SavePosition(ctx, p))

	open, err := db.OpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, risk.StateTrailingArmed, open[0].State)
	assert.Equal(t, 105.45, open[0].StopLoss)
	assert.True(t, open[0].EnteredAt.Equal(base))

	require.NoError(t, p.Exit(106, "trailing_stop", base.Add(time.Hour)))
	require.NoError(t, db.SavePosition(ctx, p))

	open, _ = db.OpenPositions(ctx)
	assert.Empty(t, open)
	closed, err := db.ClosedPositions(ctx, 5)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, 60.0, closed[0].RealizedPnL)
	require.NotNil(t, closed[0].ExitedAt)
}

func TestTrades(t *testing.T) {
	ctx := context.Background()
	db := openTemp(t, 50)
	for i := 0; i < 3; i++ {
		require.NoError(t, db.RecordTrade(ctx, risk.ExecutedTrade{
			OrderID:    fmt.Sprintf("o-%d", i),
			Symbol:     "MSFT",
			Action:     "BUY",
			Quantity:   1,
			Price:      100,
			TotalValue: 100,
			Status:     "filled",
			ExecutedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	got, err := db.Trades(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "o-2", got[0].OrderID)

	n, err := db.TradesTotal(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestRiskState(t *testing.T) {
	ctx := context.Background()
	db := openTemp(t, 50)

	empty, err := db.LoadRiskState(ctx)
	require.NoError(t, err)
	assert.Zero(t, empty)

	want := risk.PersistedRisk{PeakValue: 104000, ConsecutiveLosses: 2, Halted: true, HaltReason: "manual", LastTotalValue: 99000, LastStatus: risk.StatusHalt}
	require.NoError(t, db.SaveRiskState(ctx, want))
	got, err := db.LoadRiskState(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	require.NoError(t, db.AppendRiskSnapshot(ctx, risk.PortfolioRiskState{
		TotalValue: 99000, PeakValue: 104000, DrawdownPct: 4.8077, Status: risk.StatusHalt,
		Warnings: []string{"halted: manual"}, EvaluatedAt: base,
	}))
	snaps, err := db.RiskSnapshots(ctx, 5)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, []string{"halted: manual"}, snaps[0].Warnings)
}

func TestMonitorOverSQLite(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "mirror.db")
	db, err := OpenSQLite(path, 50)
	require.NoError(t, err)

	cfg := risk.MonitorConfig{MaxDrawdownPct: 15, WarningDrawdownPct: 10, MaxConsecutiveLosses: 3, MaxPositions: 10}
	m, err := risk.NewMonitor(ctx, cfg, db, nil, nil)
	require.NoError(t, err)
	_, err = m.Evaluate(ctx, 100000, nil)
	require.NoError(t, err)
	st, err := m.Evaluate(ctx, 90000, nil)
	require.NoError(t, err)
	assert.Equal(t, 10.0, st.DrawdownPct)
	require.NoError(t, db.Close())

	db, err = OpenSQLite(path, 50)
	require.NoError(t, err)
	defer db.Close()
	m, err = risk.NewMonitor(ctx, cfg, db, nil, nil)
	require.NoError(t, err)
	st, err = m.Evaluate(ctx, 95000, nil)
	require.NoError(t, err)
	assert.Equal(t, 100000.0, st.PeakValue)
	assert.Equal(t, 5.0, st.DrawdownPct)
}

func TestLastCycle(t *testing.T) {
	ctx := context.Background()
	db := openTemp(t, 50)
	_, ok, err := db.LastCycle(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, db.SetLastCycle(ctx, base))
	got, ok, err := db.LastCycle(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, got.Equal(base))
}

func TestOpen_SQLiteBackend(t *testing.T) {
	s, err := Open(context.Background(), config.Store{Path: filepath.Join(t.TempDir(), "m.db"), MaxRecommendations: 5, StateBackend: "sqlite"})
	require.NoError(t, err)
	defer s.Close()
	assert.Same(t, s.DB, s.State.(*SQLite))
}

func TestRedisState(t *testing.T) {
	addr := os.Getenv("MIRROR_REDIS_ADDR")
	if addr == "" {
		t.Skip("MIRROR_REDIS_ADDR not set")
	}
	ctx := context.Background()
	rs, err := NewRedisState(ctx, config.Redis{Addr: addr, Prefix: fmt.Sprintf("mirror-test-%d", time.Now().UnixNano())})
	require.NoError(t, err)
	defer rs.Close()

	require.NoError(t, rs.SaveProcessed(ctx, "alert_20250615_143022", base))
	require.NoError(t, rs.SaveProcessed(ctx, "alert_20250616_143022", base.Add(24*time.Hour)))
	ids, err := rs.LoadProcessed(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 2)
	assert.True(t, ids["alert_20250615_143022"].Equal(base))

	require.NoError(t, rs.DeleteProcessed(ctx, []string{"alert_20250615_143022"}))
	ids, _ = rs.LoadProcessed(ctx)
	assert.Len(t, ids, 1)

	want := risk.PersistedRisk{PeakValue: 1, ConsecutiveLosses: 2}
	require.NoError(t, rs.SaveRiskState(ctx, want))
	got, err := rs.LoadRiskState(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	require.NoError(t, rs.AppendRiskSnapshot(ctx, risk.PortfolioRiskState{Status: risk.StatusNormal}))

	require.NoError(t, rs.SetLastCycle(ctx, base))
	lc, ok, err := rs.LastCycle(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, lc.Equal(base))
}

func TestExport(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, config.Store{Path: filepath.Join(t.TempDir(), "m.db"), MaxRecommendations: 50, StateBackend: "sqlite"})
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < 2; i++ {
		_, err := s.DB.AppendRecommendation(ctx, rec(i, "MSFT"))
		require.NoError(t, err)
	}
	require.NoError(t, s.DB.SaveProcessed(ctx, rec(0, "MSFT").AlertID, base))
	p := risk.NewPosition("01J0000000000000000000000B", "MSFT", 2, 400, rec(0, "MSFT").AlertID, base)
	require.NoError(t, p.Arm(risk.StopLossConfig{FixedStopPct: 8, TrailingActivationPct: 10, TrailingDistancePct: 5}))
	require.NoError(t, s.DB.SavePosition(ctx, p))
	require.NoError(t, s.DB.RecordTrade(ctx, risk.ExecutedTrade{OrderID: "o-1", Symbol: "MSFT", Action: "BUY", Quantity: 2, Price: 400, ExecutedAt: base}))
	require.NoError(t, s.DB.SaveRiskState(ctx, risk.PersistedRisk{PeakValue: 100000, ConsecutiveLosses: 1}))
	require.NoError(t, s.DB.SetLastCycle(ctx, base))

	out, err := s.Export(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, out.Recommendations, 2)
	assert.Equal(t, int64(2), out.TotalRecommendations)
	assert.Equal(t, 1, out.ProcessedAlerts)
	require.Len(t, out.OpenPositions, 1)
	assert.Equal(t, 368.0, out.OpenPositions[0].StopLoss)
	assert.Empty(t, out.ClosedPositions)
	require.Len(t, out.Trades, 1)
	assert.Equal(t, 1, out.Risk.ConsecutiveLosses)
	require.NotNil(t, out.LastCycle)
	assert.True(t, out.ExportedAt.Equal(base.Add(time.Hour)))
}
