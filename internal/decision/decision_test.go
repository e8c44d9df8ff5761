package decision

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawback/mirror/internal/congress"
)

var fixedNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

func daysAgo(n int) string { return fixedNow.AddDate(0, 0, -n).Format("2006-01-02") }

func testScorer() *Scorer {
	return NewScorer([]string{"pelosi"}, []string{"mcconnell", "schumer"}, clock)
}

type memStore struct {
	recs      map[string]Recommendation
	processed map[string]int
	appendErr error
}

func newMemStore() *memStore {
	return &memStore{recs: map[string]Recommendation{}, processed: map[string]int{}}
}

func (m *memStore) AppendRecommendation(_ context.Context, rec Recommendation) (bool, error) {
	if m.appendErr != nil {
		return false, m.appendErr
	}
	if _, ok := m.recs[rec.AlertID]; ok {
		return false, nil
	}
	m.recs[rec.AlertID] = rec
	return true, nil
}

func (m *memStore) MarkProcessed(_ context.Context, id string) error {
	m.processed[id]++
	return nil
}

func alertFor(id string, tr congress.Trade) congress.Alert {
	return congress.Alert{ID: id, Trade: tr}
}

func TestScore(t *testing.T) {
	s := testScorer()
	tests := []struct {
		name       string
		amount     float64
		politician string
		date       string
		want       float64
	}{
		{"base only", 10_000, "Jane Doe", daysAgo(15), 0.5},
		{"large size", 1_500_000, "Jane Doe", daysAgo(15), 0.8},
		{"mid size", 100_000, "Jane Doe", daysAgo(15), 0.6},
		{"secondary watch", 10_000, "Chuck Schumer", daysAgo(15), 0.6},
		{"recent", 10_000, "Jane Doe", daysAgo(3), 0.6},
		{"stale", 10_000, "Jane Doe", daysAgo(45), 0.3},
		{"unparsable date", 10_000, "Jane Doe", "sometime", 0.5},
		{"clamped high", 2_000_000, "Nancy Pelosi", daysAgo(1), 0.9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, s.Score(tt.amount, tt.politician, tt.date), 1e-9)
		})
	}
}

func TestScoreBounds(t *testing.T) {
	s := testScorer()
	amounts := []float64{0, 1, 49_999, 100_000, 500_000, 1_000_000, 50_000_000}
	dates := []string{"", "garbage", daysAgo(0), daysAgo(7), daysAgo(8), daysAgo(30), daysAgo(31), daysAgo(3650), "2099-01-01"}
	names := []string{"", "Nancy Pelosi", "Mitch McConnell", "Someone Else"}
	for _, a := range amounts {
		for _, d := range dates {
			for _, n := range names {
				c := s.Score(a, n, d)
				if c < MinConfidence || c > MaxConfidence {
					t.Fatalf("score(%v, %q, %q) = %v out of bounds", a, n, d, c)
				}
			}
		}
	}
}

func TestBuild_ScenarioA(t *testing.T) {
	b := NewBuilder(BuilderConfig{MinimumTradeSizeAlert: 50_000}, testScorer(), newMemStore(), newMemStore(), clock)
	rec, skip := b.Build(alertFor("alert_20250615_120000", congress.Trade{
		Politician:      "Nancy Pelosi",
		Ticker:          "msft",
		TransactionType: "buy",
		Amount:          500_000,
		TransactionDate: daysAgo(7),
	}))
	require.Nil(t, skip)
	assert.Equal(t, ActionBuy, rec.Action)
	assert.Equal(t, "MSFT", rec.Ticker)
	assert.Equal(t, 0.9, rec.Confidence)
	assert.Equal(t, "Congressional buy: Nancy Pelosi purchased $500,000 of MSFT", rec.Reason)
	assert.Equal(t, congress.AlertType, rec.Source)
	assert.Equal(t, fixedNow, rec.Timestamp)
}

func TestBuild_Gating(t *testing.T) {
	b := NewBuilder(BuilderConfig{MinimumTradeSizeAlert: 50_000}, testScorer(), newMemStore(), newMemStore(), clock)
	tests := []struct {
		name       string
		trade      congress.Trade
		wantSkip   SkipReason
		wantAction Action
	}{
		{"below minimum", congress.Trade{Ticker: "AAPL", TransactionType: "buy", Amount: 49_999}, SkipBelowMinimum, ""},
		{"at minimum", congress.Trade{Ticker: "AAPL", TransactionType: "purchase", Amount: 50_000}, "", ActionBuy},
		{"sale maps to sell", congress.Trade{Ticker: "AAPL", TransactionType: "Sale", Amount: 75_000}, "", ActionSell},
		{"no ticker", congress.Trade{Ticker: "N/A", TransactionType: "buy", Amount: 75_000}, SkipNoTicker, ""},
		{"unknown type", congress.Trade{Ticker: "AAPL", TransactionType: "exchange", Amount: 75_000}, SkipUnknownType, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, skip := b.Build(alertFor("alert_20250615_120000", tt.trade))
			if tt.wantSkip != "" {
				require.NotNil(t, skip)
				assert.Equal(t, tt.wantSkip, skip.Reason)
				return
			}
			require.Nil(t, skip)
			assert.Equal(t, tt.wantAction, rec.Action)
		})
	}
}

func TestProcess_ScenarioB(t *testing.T) {
	st := newMemStore()
	b := NewBuilder(BuilderConfig{MinimumTradeSizeAlert: 50_000}, testScorer(), st, st, clock)
	res, err := b.Process(context.Background(), alertFor("alert_20250615_120000", congress.Trade{
		Politician: "Nancy Pelosi", Ticker: "MSFT", TransactionType: "buy", Amount: 10_000, TransactionDate: daysAgo(7),
	}))
	require.NoError(t, err)
	assert.Nil(t, res.Recommendation)
	require.NotNil(t, res.Skip)
	assert.Equal(t, SkipBelowMinimum, res.Skip.Reason)
	assert.Empty(t, st.recs)
	assert.Equal(t, 1, st.processed["alert_20250615_120000"])
}

func TestProcess_Idempotent(t *testing.T) {
	st := newMemStore()
	b := NewBuilder(BuilderConfig{MinimumTradeSizeAlert: 50_000}, testScorer(), st, st, clock)
	a := alertFor("alert_20250615_120000", congress.Trade{Ticker: "NVDA", TransactionType: "buy", Amount: 250_000})

	first, err := b.Process(context.Background(), a)
	require.NoError(t, err)
	require.NotNil(t, first.Recommendation)

	second, err := b.Process(context.Background(), a)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Nil(t, second.Recommendation)
	assert.Len(t, st.recs, 1)
}

func TestProcess_AppendFailureLeavesUnprocessed(t *testing.T) {
	st := newMemStore()
	st.appendErr = errors.New("disk full")
	b := NewBuilder(BuilderConfig{MinimumTradeSizeAlert: 50_000}, testScorer(), st, st, clock)
	_, err := b.Process(context.Background(), alertFor("alert_20250615_120000", congress.Trade{Ticker: "NVDA", TransactionType: "buy", Amount: 250_000}))
	require.Error(t, err)
	assert.Zero(t, st.processed["alert_20250615_120000"])
}

func TestFormatUSD(t *testing.T) {
	assert.Equal(t, "$0", formatUSD(0))
	assert.Equal(t, "$999", formatUSD(999))
	assert.Equal(t, "$1,000", formatUSD(1000))
	assert.Equal(t, "$1,250,000", formatUSD(1_250_000))
	assert.Equal(t, "-$50,000", formatUSD(-50_000))
}

func TestEvaluateEntry_CollectsAllGates(t *testing.T) {
	cfg := EntryConfig{MinConfidence: 0.5, MaxPositions: 2, PositionSizeUSD: 1000, MaxPositionPct: 10}
	rec := Recommendation{Ticker: "NVDA", Action: ActionBuy, Confidence: 0.3}
	st := EntryState{Halted: true, OpenPositions: 2, Held: map[string]bool{"NVDA": true}, Cash: 50_000}

	act := EvaluateEntry(rec, st, cfg)
	require.True(t, act.Rejected())

	var reason EntryReason
	require.NoError(t, json.Unmarshal([]byte(act.ReasonJSON), &reason))
	assert.ElementsMatch(t, []string{"halt", "max_positions", "min_confidence", "already_held"}, reason.GatesBlocked)
}

func TestEvaluateEntry_Sizing(t *testing.T) {
	cfg := EntryConfig{MinConfidence: 0.1, MaxPositions: 10, PositionSizeUSD: 1000, MaxPositionPct: 10}
	rec := Recommendation{Ticker: "NVDA", Action: ActionBuy, Confidence: 0.7}

	act := EvaluateEntry(rec, EntryState{Cash: 100_000}, cfg)
	assert.Equal(t, "BUY", act.Intent)
	assert.Equal(t, 1000.0, act.Notional)

	act = EvaluateEntry(rec, EntryState{Cash: 5_000}, cfg)
	assert.Equal(t, 500.0, act.Notional)

	act = EvaluateEntry(rec, EntryState{Cash: 0}, cfg)
	assert.Contains(t, act.Blocked, "insufficient_cash")

	assert.Equal(t, 3, Shares(500, 150))
	assert.Equal(t, 0, Shares(100, 150))
	assert.Equal(t, 0, Shares(100, 0))
}
