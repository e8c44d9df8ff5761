package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawback/mirror/internal/decision"
	"github.com/clawback/mirror/internal/engine"
	"github.com/clawback/mirror/internal/risk"
	"github.com/clawback/mirror/internal/store"
)

type fakeRecs struct {
	ticker string
	limit  int
	rows   []decision.Recommendation
}

func (f *fakeRecs) Query(_ context.Context, ticker string, limit int) ([]decision.Recommendation, error) {
	f.ticker, f.limit = ticker, limit
	return f.rows, nil
}

func (f *fakeRecs) Recommendation(_ context.Context, id string) (decision.Recommendation, error) {
	for _, r := range f.rows {
		if r.AlertID == id {
			return r, nil
		}
	}
	return decision.Recommendation{}, store.ErrNotFound
}

type fakeEngine struct {
	state   risk.PortfolioRiskState
	busy    bool
	cycles  int
	reasons []string
}

func (f *fakeEngine) RunCycle(context.Context) (engine.CycleReport, error) {
	if f.busy {
		return engine.CycleReport{}, engine.ErrCycleInProgress
	}
	f.cycles++
	return engine.CycleReport{CycleID: "c-1", Recommendations: 2}, nil
}

func (f *fakeEngine) Stats(context.Context) (engine.Stats, error) {
	return engine.Stats{ProcessedAlerts: 7, TotalRecommendations: 5}, nil
}

func (f *fakeEngine) Status(context.Context) (engine.Status, error) {
	return engine.Status{Broker: "paper", Authenticated: true, TradeHistoryCount: 3, RiskStatus: f.state.Status}, nil
}

func (f *fakeEngine) Positions(context.Context) ([]risk.Position, error) {
	return []risk.Position{{ID: "p1", Symbol: "MSFT", Quantity: 2, State: risk.StateStopArmed}}, nil
}

func (f *fakeEngine) Risk() risk.PortfolioRiskState { return f.state }

func (f *fakeEngine) Halt(_ context.Context, reason string) (risk.PortfolioRiskState, error) {
	f.reasons = append(f.reasons, reason)
	f.state.Status, f.state.Halted, f.state.HaltReason = risk.StatusHalt, true, reason
	return f.state, nil
}

func (f *fakeEngine) ClearHalt(context.Context) (risk.PortfolioRiskState, error) {
	f.state.Status, f.state.Halted, f.state.HaltReason = risk.StatusNormal, false, ""
	return f.state, nil
}

type envelope struct {
	Status int             `json:"status"`
	Data   json.RawMessage `json:"data"`
}

func do(t *testing.T, h http.Handler, method, path, body string) (int, envelope) {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w.Code, env
}

func newTestServer() (*fakeRecs, *fakeEngine, *API, http.Handler) {
	recs := &fakeRecs{rows: []decision.Recommendation{{
		AlertID:    "alert_20250615_143022",
		Ticker:     "MSFT",
		Action:     decision.ActionBuy,
		Confidence: 0.9,
		Timestamp:  time.Date(2025, 6, 15, 14, 30, 22, 0, time.UTC),
	}}}
	eng := &fakeEngine{state: risk.PortfolioRiskState{Status: risk.StatusNormal}}
	api := NewAPI(recs, eng)
	return recs, eng, api, NewServer(api, ":0").Handler()
}

func TestListRecommendations_DefaultsAndValidation(t *testing.T) {
	recs, _, _, h := newTestServer()

	code, env := do(t, h, http.MethodGet, "/v1/recommendations?ticker=msft", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 10, recs.limit)
	assert.Equal(t, "msft", recs.ticker)
	var data struct {
		Rows  []decision.Recommendation `json:"rows"`
		Total int                       `json:"total"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, 1, data.Total)
	assert.Equal(t, "MSFT", data.Rows[0].Ticker)

	code, _ = do(t, h, http.MethodGet, "/v1/recommendations?limit=50", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 50, recs.limit)

	code, env = do(t, h, http.MethodGet, "/v1/recommendations?limit=51", "")
	assert.Equal(t, http.StatusBadRequest, code)
	var errs []FieldError
	require.NoError(t, json.Unmarshal(env.Data, &errs))
	require.Len(t, errs, 1)
	assert.Equal(t, "limit", errs[0].Field)
	assert.Equal(t, "ERR_LTE", errs[0].Code)

	code, _ = do(t, h, http.MethodGet, "/v1/recommendations?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = do(t, h, http.MethodGet, "/v1/recommendations?limit=ten", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestGetRecommendation(t *testing.T) {
	_, _, _, h := newTestServer()
	code, _ := do(t, h, http.MethodGet, "/v1/recommendations/alert_20250615_143022", "")
	assert.Equal(t, http.StatusOK, code)
	code, _ = do(t, h, http.MethodGet, "/v1/recommendations/alert_19990101_000000", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestStatsPositionsRisk(t *testing.T) {
	_, _, _, h := newTestServer()

	code, env := do(t, h, http.MethodGet, "/v1/stats", "")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"processed_alerts":7,"total_recommendations":5}`, string(env.Data))

	code, env = do(t, h, http.MethodGet, "/v1/status", "")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"broker":"paper","dry_run":false,"authenticated":true,"trade_history_count":3,"open_positions":0,"risk_status":"normal"}`, string(env.Data))

	code, _ = do(t, h, http.MethodGet, "/v1/positions", "")
	assert.Equal(t, http.StatusOK, code)

	code, env = do(t, h, http.MethodGet, "/v1/risk", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), `"status":"normal"`)
}

func TestHaltAndClear(t *testing.T) {
	_, eng, _, h := newTestServer()

	code, _ := do(t, h, http.MethodPost, "/v1/risk/halt", `{"reason":"earnings week"}`)
	assert.Equal(t, http.StatusOK, code)
	code, _ = do(t, h, http.MethodPost, "/v1/risk/halt", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, []string{"earnings week", "manual halt"}, eng.reasons)
	assert.True(t, eng.state.Halted)

	code, _ = do(t, h, http.MethodPost, "/v1/risk/clear-halt", "")
	assert.Equal(t, http.StatusOK, code)
	assert.False(t, eng.state.Halted)
}

func TestCycle(t *testing.T) {
	_, eng, api, h := newTestServer()

	code, _ := do(t, h, http.MethodPost, "/v1/cycle", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, eng.cycles)

	eng.busy = true
	code, _ = do(t, h, http.MethodPost, "/v1/cycle", "")
	assert.Equal(t, http.StatusConflict, code)

	fired := 0
	api.Fire = func() bool { fired++; return true }
	code, _ = do(t, h, http.MethodPost, "/v1/cycle", "")
	assert.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, 1, fired)
}

func TestHealthAndMetrics(t *testing.T) {
	_, _, _, h := newTestServer()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok":true,"halted":false}`, w.Body.String())

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
