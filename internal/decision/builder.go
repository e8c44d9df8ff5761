package decision

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clawback/mirror/internal/congress"
	"github.com/clawback/mirror/internal/observ"
)

type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// Recommendation is a directional instruction derived from one alert. At
// most one exists per AlertID.
type Recommendation struct {
	AlertID     string           `json:"alert_id"`
	Ticker      string           `json:"ticker"`
	Action      Action           `json:"action"`
	Reason      string           `json:"reason"`
	Source      string           `json:"source"`
	Politician  string           `json:"politician"`
	Chamber     congress.Chamber `json:"chamber,omitempty"`
	TradeAmount float64          `json:"trade_amount"`
	TradeDate   string           `json:"trade_date"`
	Confidence  float64          `json:"confidence"`
	Timestamp   time.Time        `json:"timestamp"`
}

type SkipReason string

const (
	SkipNoTicker     SkipReason = "no_ticker"
	SkipUnknownType  SkipReason = "unknown_transaction_type"
	SkipBelowMinimum SkipReason = "below_minimum_trade_size"
)

// Skip explains why an alert produced no recommendation.
type Skip struct {
	Reason SkipReason
	Detail string
}

func (s *Skip) String() string {
	return string(s.Reason) + ": " + s.Detail
}

// RecommendationAppender persists a recommendation. It reports false, nil
// when a recommendation for the same alert already exists.
type RecommendationAppender interface {
	AppendRecommendation(ctx context.Context, rec Recommendation) (bool, error)
}

// AlertMarker records that an alert has been consumed.
type AlertMarker interface {
	MarkProcessed(ctx context.Context, alertID string) error
}

type BuilderConfig struct {
	MinimumTradeSizeAlert float64
}

// Builder gates disclosed trades and turns the survivors into
// recommendations.
type Builder struct {
	cfg    BuilderConfig
	scorer *Scorer
	store  RecommendationAppender
	marker AlertMarker
	now    func() time.Time
}

func NewBuilder(cfg BuilderConfig, scorer *Scorer, store RecommendationAppender, marker AlertMarker, now func() time.Time) *Builder {
	if now == nil {
		now = time.Now
	}
	return &Builder{cfg: cfg, scorer: scorer, store: store, marker: marker, now: now}
}

// Build applies the gates in order: ticker, transaction type, trade size.
func (b *Builder) Build(alert congress.Alert) (Recommendation, *Skip) {
	trade := alert.Trade.Normalize()

	if !trade.HasTicker() {
		return Recommendation{}, &Skip{Reason: SkipNoTicker, Detail: "no ticker symbol"}
	}

	var action Action
	var reason string
	switch {
	case trade.TransactionType.IsBuy():
		action = ActionBuy
		reason = fmt.Sprintf("Congressional buy: %s purchased %s of %s", trade.Politician, formatUSD(trade.Amount), trade.Ticker)
	case trade.TransactionType.IsSell():
		action = ActionSell
		reason = fmt.Sprintf("Congressional sell: %s sold %s of %s", trade.Politician, formatUSD(trade.Amount), trade.Ticker)
	default:
		return Recommendation{}, &Skip{Reason: SkipUnknownType, Detail: fmt.Sprintf("unknown transaction type %q", trade.TransactionType)}
	}

	if trade.Amount < b.cfg.MinimumTradeSizeAlert {
		return Recommendation{}, &Skip{
			Reason: SkipBelowMinimum,
			Detail: fmt.Sprintf("trade amount %s below threshold %s", formatUSD(trade.Amount), formatUSD(b.cfg.MinimumTradeSizeAlert)),
		}
	}

	return Recommendation{
		AlertID:     alert.ID,
		Ticker:      trade.Ticker,
		Action:      action,
		Reason:      reason,
		Source:      congress.AlertType,
		Politician:  trade.Politician,
		Chamber:     trade.Chamber,
		TradeAmount: trade.Amount,
		TradeDate:   trade.TransactionDate,
		Confidence:  b.scorer.Score(trade.Amount, trade.Politician, trade.TransactionDate),
		Timestamp:   b.now().UTC(),
	}, nil
}

// Result is the outcome of processing one alert.
type Result struct {
	Recommendation *Recommendation
	Skip           *Skip
	Duplicate      bool
}

// Process builds, appends and marks the alert processed, in that order. A
// failure before the mark leaves the alert unprocessed so the next cycle
// retries it; the store's per-alert uniqueness absorbs the replay.
func (b *Builder) Process(ctx context.Context, alert congress.Alert) (Result, error) {
	rec, skip := b.Build(alert)
	if skip != nil {
		observ.Log("recommendation_skipped", map[string]any{
			"alert_id": alert.ID,
			"reason":   string(skip.Reason),
			"detail":   skip.Detail,
		})
		observ.IncCounter("recommendations_skipped_total", map[string]string{"reason": string(skip.Reason)})
		if err := b.marker.MarkProcessed(ctx, alert.ID); err != nil {
			return Result{Skip: skip}, fmt.Errorf("mark %s processed: %w", alert.ID, err)
		}
		return Result{Skip: skip}, nil
	}

	inserted, err := b.store.AppendRecommendation(ctx, rec)
	if err != nil {
		return Result{}, fmt.Errorf("append recommendation for %s: %w", alert.ID, err)
	}
	if err := b.marker.MarkProcessed(ctx, alert.ID); err != nil {
		return Result{Recommendation: &rec, Duplicate: !inserted}, fmt.Errorf("mark %s processed: %w", alert.ID, err)
	}

	if !inserted {
		observ.Log("recommendation_duplicate", map[string]any{"alert_id": alert.ID, "ticker": rec.Ticker})
		return Result{Duplicate: true}, nil
	}

	observ.Log("recommendation_created", map[string]any{
		"alert_id":   rec.AlertID,
		"ticker":     rec.Ticker,
		"action":     string(rec.Action),
		"confidence": rec.Confidence,
	})
	observ.IncCounter("recommendations_created_total", map[string]string{"action": string(rec.Action)})
	return Result{Recommendation: &rec}, nil
}

// formatUSD renders whole dollars with thousands separators, e.g. $1,250,000.
func formatUSD(v float64) string {
	s := decimal.NewFromFloat(v).Round(0).StringFixed(0)
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")

	var b strings.Builder
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	if neg {
		return "-$" + b.String()
	}
	return "$" + b.String()
}
