package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/clawback/mirror/internal/congress"
	"github.com/clawback/mirror/internal/decision"
	"github.com/clawback/mirror/internal/observ"
	"github.com/clawback/mirror/internal/risk"
)

const (
	keyRecommendationsTotal = "recommendations_total"
	keyRiskState            = "risk_state"
	keyLastCycle            = "last_cycle"
)

// SQLite is the durable store: processed alerts, recommendations,
// positions, the trade journal, risk state and snapshots.
type SQLite struct {
	db      *gorm.DB
	maxRecs int
	now     func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path. ":memory:"
// opens a private in-memory database.
func OpenSQLite(path string, maxRecommendations int) (*SQLite, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	dsn := "file::memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		dsn = fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	models := []interface{}{
		&processedAlertModel{},
		&recommendationModel{},
		&positionModel{},
		&tradeModel{},
		&riskSnapshotModel{},
		&kvModel{},
	}
	if err := db.AutoMigrate(models...); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
	}
	if maxRecommendations <= 0 {
		maxRecommendations = 50
	}
	return &SQLite{db: db, maxRecs: maxRecommendations, now: time.Now}, nil
}

func (s *SQLite) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// AppendRecommendation stores rec and evicts the oldest rows beyond the
// cap. It reports false when a recommendation for the alert already exists.
func (s *SQLite) AppendRecommendation(ctx context.Context, rec decision.Recommendation) (bool, error) {
	row := recommendationModel{
		AlertID:     rec.AlertID,
		Ticker:      rec.Ticker,
		Action:      string(rec.Action),
		Reason:      rec.Reason,
		Source:      rec.Source,
		Politician:  rec.Politician,
		Chamber:     string(rec.Chamber),
		TradeAmount: rec.TradeAmount,
		TradeDate:   rec.TradeDate,
		Confidence:  rec.Confidence,
		Timestamp:   rec.Timestamp.UTC(),
	}

	inserted := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "alert_id"}},
			DoNothing: true,
		}).Create(&row)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		inserted = true
		if err := s.incr(tx, keyRecommendationsTotal); err != nil {
			return err
		}
		return tx.Exec(
			"DELETE FROM recommendations WHERE seq NOT IN (SELECT seq FROM recommendations ORDER BY seq DESC LIMIT ?)",
			s.maxRecs,
		).Error
	})
	if err != nil {
		return false, fmt.Errorf("append recommendation %s: %w", rec.AlertID, err)
	}
	return inserted, nil
}

// Query returns stored recommendations newest first, optionally filtered by
// ticker (case-insensitive).
func (s *SQLite) Query(ctx context.Context, ticker string, limit int) ([]decision.Recommendation, error) {
	if limit <= 0 {
		limit = 10
	}
	q := s.db.WithContext(ctx).Model(&recommendationModel{})
	if t := strings.TrimSpace(ticker); t != "" {
		q = q.Where("UPPER(ticker) = ?", strings.ToUpper(t))
	}
	var rows []recommendationModel
	if err := q.Order("timestamp DESC, seq DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]decision.Recommendation, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.recommendation())
	}
	return out, nil
}

// Recommendation returns the recommendation built from alertID.
func (s *SQLite) Recommendation(ctx context.Context, alertID string) (decision.Recommendation, error) {
	var row recommendationModel
	err := s.db.WithContext(ctx).Where("alert_id = ?", alertID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decision.Recommendation{}, ErrNotFound
	}
	if err != nil {
		return decision.Recommendation{}, err
	}
	return row.recommendation(), nil
}

func (r recommendationModel) recommendation() decision.Recommendation {
	return decision.Recommendation{
		AlertID:     r.AlertID,
		Ticker:      r.Ticker,
		Action:      decision.Action(r.Action),
		Reason:      r.Reason,
		Source:      r.Source,
		Politician:  r.Politician,
		Chamber:     congress.Chamber(r.Chamber),
		TradeAmount: r.TradeAmount,
		TradeDate:   r.TradeDate,
		Confidence:  r.Confidence,
		Timestamp:   r.Timestamp.UTC(),
	}
}

// Unacted returns recommendations created at or after since that no cycle
// has acted on yet, oldest first.
func (s *SQLite) Unacted(ctx context.Context, since time.Time) ([]decision.Recommendation, error) {
	var rows []recommendationModel
	err := s.db.WithContext(ctx).
		Where("acted_at IS NULL AND timestamp >= ?", since.UTC()).
		Order("seq").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]decision.Recommendation, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.recommendation())
	}
	return out, nil
}

// MarkActed records that a cycle reached a final outcome for alertID's
// recommendation. Evicted or unknown ids are ignored.
func (s *SQLite) MarkActed(ctx context.Context, alertID string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&recommendationModel{}).
		Where("alert_id = ? AND acted_at IS NULL", alertID).
		Update("acted_at", at.UTC()).Error
}

// RecommendationsTotal is the lifetime number of recommendations created,
// including evicted ones.
func (s *SQLite) RecommendationsTotal(ctx context.Context) (int64, error) {
	v, ok, err := s.get(s.db.WithContext(ctx), keyRecommendationsTotal)
	if err != nil || !ok {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

func (s *SQLite) LoadProcessed(ctx context.Context) (map[string]time.Time, error) {
	var rows []processedAlertModel
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]time.Time, len(rows))
	for _, r := range rows {
		out[r.AlertID] = r.ProcessedAt.UTC()
	}
	return out, nil
}

func (s *SQLite) SaveProcessed(ctx context.Context, id string, at time.Time) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&processedAlertModel{AlertID: id, ProcessedAt: at.UTC()}).Error
}

func (s *SQLite) DeleteProcessed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Where("alert_id IN ?", ids).Delete(&processedAlertModel{}).Error
}

func (s *SQLite) SavePosition(ctx context.Context, p risk.Position) error {
	row := positionModel{
		ID:             p.ID,
		Symbol:         p.Symbol,
		Quantity:       p.Quantity,
		EntryPrice:     p.EntryPrice,
		CurrentPrice:   p.CurrentPrice,
		StopLoss:       p.StopLoss,
		State:          string(p.State),
		EnteredAt:      p.EnteredAt.UTC(),
		UnrealizedPnL:  p.UnrealizedPnL,
		PnLPercent:     p.PnLPercent,
		AlertID:        p.AlertID,
		PendingOrderID: p.PendingOrderID,
		ExitPrice:      p.ExitPrice,
		ExitReason:     p.ExitReason,
		RealizedPnL:    p.RealizedPnL,
		ExitedAt:       p.ExitedAt,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&row).Error
}

func (s *SQLite) OpenPositions(ctx context.Context) ([]risk.Position, error) {
	return s.positions(s.db.WithContext(ctx).Where("state <> ?", string(risk.StateExited)).Order("entered_at, id"))
}

// ClosedPositions returns exited positions, most recent exit first.
func (s *SQLite) ClosedPositions(ctx context.Context, limit int) ([]risk.Position, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.positions(s.db.WithContext(ctx).Where("state = ?", string(risk.StateExited)).Order("exited_at DESC, id DESC").Limit(limit))
}

func (s *SQLite) positions(q *gorm.DB) ([]risk.Position, error) {
	var rows []positionModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]risk.Position, 0, len(rows))
	for _, r := range rows {
		var exited *time.Time
		if r.ExitedAt != nil {
			t := r.ExitedAt.UTC()
			exited = &t
		}
		out = append(out, risk.Position{
			ID:             r.ID,
			Symbol:         r.Symbol,
			Quantity:       r.Quantity,
			EntryPrice:     r.EntryPrice,
			CurrentPrice:   r.CurrentPrice,
			StopLoss:       r.StopLoss,
			State:          risk.PositionState(r.State),
			EnteredAt:      r.EnteredAt.UTC(),
			UnrealizedPnL:  r.UnrealizedPnL,
			PnLPercent:     r.PnLPercent,
			AlertID:        r.AlertID,
			PendingOrderID: r.PendingOrderID,
			ExitPrice:      r.ExitPrice,
			ExitReason:     r.ExitReason,
			RealizedPnL:    r.RealizedPnL,
			ExitedAt:       exited,
		})
	}
	return out, nil
}

func (s *SQLite) RecordTrade(ctx context.Context, t risk.ExecutedTrade) error {
	return s.db.WithContext(ctx).Create(&tradeModel{
		OrderID:    t.OrderID,
		Symbol:     t.Symbol,
		Action:     t.Action,
		Quantity:   t.Quantity,
		Price:      t.Price,
		TotalValue: t.TotalValue,
		Status:     t.Status,
		AlertID:    t.AlertID,
		PositionID: t.PositionID,
		Reason:     t.Reason,
		ExecutedAt: t.ExecutedAt.UTC(),
	}).Error
}

// Trades returns journaled trades, newest first.
func (s *SQLite) Trades(ctx context.Context, limit int) ([]risk.ExecutedTrade, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []tradeModel
	if err := s.db.WithContext(ctx).Order("executed_at DESC, id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]risk.ExecutedTrade, 0, len(rows))
	for _, r := range rows {
		out = append(out, risk.ExecutedTrade{
			OrderID:    r.OrderID,
			Symbol:     r.Symbol,
			Action:     r.Action,
			Quantity:   r.Quantity,
			Price:      r.Price,
			TotalValue: r.TotalValue,
			Status:     r.Status,
			AlertID:    r.AlertID,
			PositionID: r.PositionID,
			Reason:     r.Reason,
			ExecutedAt: r.ExecutedAt.UTC(),
		})
	}
	return out, nil
}

// TradesTotal is the number of journaled trades.
func (s *SQLite) TradesTotal(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&tradeModel{}).Count(&n).Error
	return n, err
}

func (s *SQLite) LoadRiskState(ctx context.Context) (risk.PersistedRisk, error) {
	var r risk.PersistedRisk
	v, ok, err := s.get(s.db.WithContext(ctx), keyRiskState)
	if err != nil || !ok {
		return r, err
	}
	if err := json.Unmarshal([]byte(v), &r); err != nil {
		return r, fmt.Errorf("decode risk state: %w", err)
	}
	return r, nil
}

func (s *SQLite) SaveRiskState(ctx context.Context, r risk.PersistedRisk) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.put(s.db.WithContext(ctx), keyRiskState, string(b))
}

func (s *SQLite) AppendRiskSnapshot(ctx context.Context, st risk.PortfolioRiskState) error {
	warnings, err := json.Marshal(st.Warnings)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(&riskSnapshotModel{
		TotalValue:        st.TotalValue,
		Cash:              st.Cash,
		PeakValue:         st.PeakValue,
		DrawdownPct:       st.DrawdownPct,
		OpenPositions:     st.OpenPositions,
		ConsecutiveLosses: st.ConsecutiveLosses,
		Status:            string(st.Status),
		Halted:            st.Halted,
		Warnings:          datatypes.JSON(warnings),
		EvaluatedAt:       st.EvaluatedAt.UTC(),
	}).Error
}

// RiskSnapshots returns recent risk evaluations, newest first.
func (s *SQLite) RiskSnapshots(ctx context.Context, limit int) ([]risk.PortfolioRiskState, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []riskSnapshotModel
	if err := s.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]risk.PortfolioRiskState, 0, len(rows))
	for _, r := range rows {
		st := risk.PortfolioRiskState{
			TotalValue:        r.TotalValue,
			Cash:              r.Cash,
			PeakValue:         r.PeakValue,
			DrawdownPct:       r.DrawdownPct,
			OpenPositions:     r.OpenPositions,
			ConsecutiveLosses: r.ConsecutiveLosses,
			Status:            risk.Status(r.Status),
			Halted:            r.Halted,
			EvaluatedAt:       r.EvaluatedAt.UTC(),
		}
		if err := json.Unmarshal(r.Warnings, &st.Warnings); err != nil {
			observ.Warn("risk_snapshot_decode_failed", map[string]any{"id": r.ID, "error": err.Error()})
		}
		out = append(out, st)
	}
	return out, nil
}

func (s *SQLite) SetLastCycle(ctx context.Context, t time.Time) error {
	return s.put(s.db.WithContext(ctx), keyLastCycle, t.UTC().Format(time.RFC3339Nano))
}

func (s *SQLite) LastCycle(ctx context.Context) (time.Time, bool, error) {
	v, ok, err := s.get(s.db.WithContext(ctx), keyLastCycle)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	return t, err == nil, err
}

func (s *SQLite) get(db *gorm.DB, name string) (string, bool, error) {
	var kv kvModel
	err := db.Where("name = ?", name).First(&kv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return kv.Value, true, nil
}

func (s *SQLite) put(db *gorm.DB, name, value string) error {
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&kvModel{Name: name, Value: value, UpdatedAt: s.now().UTC()}).Error
}

func (s *SQLite) incr(db *gorm.DB, name string) error {
	v, ok, err := s.get(db, name)
	if err != nil {
		return err
	}
	n := int64(0)
	if ok {
		if n, err = strconv.ParseInt(v, 10, 64); err != nil {
			return fmt.Errorf("counter %s: %w", name, err)
		}
	}
	return s.put(db, name, strconv.FormatInt(n+1, 10))
}
