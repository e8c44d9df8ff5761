package store

import (
	"context"
	"fmt"
	"time"

	"github.com/clawback/mirror/internal/decision"
	"github.com/clawback/mirror/internal/risk"
)

// exportAll is the row limit used when dumping whole tables.
const exportAll = 1 << 30

// Export is a full dump of the stored mirror state.
type Export struct {
	ExportedAt           time.Time                 `json:"exported_at"`
	Recommendations      []decision.Recommendation `json:"recommendations"`
	TotalRecommendations int64                     `json:"total_recommendations"`
	ProcessedAlerts      int                       `json:"processed_alerts"`
	OpenPositions        []risk.Position           `json:"open_positions"`
	ClosedPositions      []risk.Position           `json:"closed_positions"`
	Trades               []risk.ExecutedTrade      `json:"trades"`
	Risk                 risk.PersistedRisk        `json:"risk"`
	RiskHistory          []risk.PortfolioRiskState `json:"risk_history"`
	LastCycle            *time.Time                `json:"last_cycle,omitempty"`
}

// Export reads every table plus the state backend into one document.
func (s *Stores) Export(ctx context.Context, now time.Time) (Export, error) {
	out := Export{ExportedAt: now.UTC()}
	var err error
	if out.Recommendations, err = s.DB.Query(ctx, "", s.DB.maxRecs); err != nil {
		return out, fmt.Errorf("export recommendations: %w", err)
	}
	if out.TotalRecommendations, err = s.DB.RecommendationsTotal(ctx); err != nil {
		return out, fmt.Errorf("export recommendation total: %w", err)
	}
	processed, err := s.State.LoadProcessed(ctx)
	if err != nil {
		return out, fmt.Errorf("export processed alerts: %w", err)
	}
	out.ProcessedAlerts = len(processed)
	if out.OpenPositions, err = s.DB.OpenPositions(ctx); err != nil {
		return out, fmt.Errorf("export open positions: %w", err)
	}
	if out.ClosedPositions, err = s.DB.ClosedPositions(ctx, exportAll); err != nil {
		return out, fmt.Errorf("export closed positions: %w", err)
	}
	if out.Trades, err = s.DB.Trades(ctx, exportAll); err != nil {
		return out, fmt.Errorf("export trades: %w", err)
	}
	if out.Risk, err = s.State.LoadRiskState(ctx); err != nil {
		return out, fmt.Errorf("export risk state: %w", err)
	}
	if out.RiskHistory, err = s.DB.RiskSnapshots(ctx, exportAll); err != nil {
		return out, fmt.Errorf("export risk history: %w", err)
	}
	if t, ok, err := s.State.LastCycle(ctx); err != nil {
		return out, fmt.Errorf("export last cycle: %w", err)
	} else if ok {
		out.LastCycle = &t
	}
	return out, nil
}
