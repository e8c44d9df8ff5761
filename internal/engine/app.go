package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/clawback/mirror/internal/adapters"
	"github.com/clawback/mirror/internal/alerts"
	"github.com/clawback/mirror/internal/config"
	"github.com/clawback/mirror/internal/decision"
	"github.com/clawback/mirror/internal/ingest"
	"github.com/clawback/mirror/internal/outbox"
	"github.com/clawback/mirror/internal/risk"
	"github.com/clawback/mirror/internal/store"
)

// App is a fully wired mirror: stores, broker, notifier and engine.
type App struct {
	Config   *config.Root
	Engine   *Engine
	Stores   *store.Stores
	Notifier alerts.Notifier
}

// Open wires every component from cfg. Failures here are fatal to the
// caller.
func Open(ctx context.Context, cfg *config.Root) (*App, error) {
	return open(ctx, cfg, nil, time.Now)
}

func open(ctx context.Context, cfg *config.Root, broker adapters.Broker, now func() time.Time) (*App, error) {
	stores, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*App, error) {
		stores.Close()
		return nil, err
	}

	if broker == nil {
		if broker, err = adapters.NewBroker(cfg); err != nil {
			return fail(fmt.Errorf("broker: %w", err))
		}
	}
	notifier := alerts.New(cfg.Telegram)

	orders, err := outbox.New(cfg.Outbox.Path, cfg.Outbox.DedupeWindowSecs)
	if err != nil {
		return fail(fmt.Errorf("outbox: %w", err))
	}

	retention := time.Duration(cfg.Alerts.RetentionDays) * 24 * time.Hour
	processed, err := ingest.LoadProcessedSet(ctx, stores.State, retention, now())
	if err != nil {
		return fail(err)
	}
	ingestor, err := ingest.NewIngestor(ingest.DirSource{Dir: cfg.Alerts.Dir}, processed, now)
	if err != nil {
		return fail(err)
	}

	scorer := decision.NewScorer(cfg.Scoring.PrimaryWatch, cfg.Scoring.SecondaryWatch, now)
	builder := decision.NewBuilder(decision.BuilderConfig{MinimumTradeSizeAlert: cfg.Scoring.MinimumTradeSizeAlert}, scorer, stores.DB, ingestor, now)

	monitor, err := risk.NewMonitor(ctx, risk.MonitorConfig{
		MaxDrawdownPct:       cfg.Risk.MaxDrawdownPct,
		WarningDrawdownPct:   cfg.Risk.WarningDrawdownPct,
		MaxConsecutiveLosses: cfg.Risk.MaxConsecutiveLosses,
		MaxPositions:         cfg.Risk.MaxPositions,
	}, stores.State, notifier, now)
	if err != nil {
		return fail(err)
	}

	positions := risk.NewPositionManager(risk.PositionManagerConfig{
		StopLoss: risk.StopLossConfig{
			FixedStopPct:          cfg.StopLoss.FixedStopPct,
			TrailingActivationPct: cfg.StopLoss.TrailingActivationPct,
			TrailingDistancePct:   cfg.StopLoss.TrailingDistancePct,
		},
		QuoteTimeout: time.Duration(cfg.Broker.TimeoutMs) * time.Millisecond,
	}, broker, stores.DB, stores.DB, orders, monitor, notifier, now)

	eng := New(Config{
		DryRun: cfg.DryRun(),
		Entry: decision.EntryConfig{
			MinConfidence:   cfg.Execution.MinConfidence,
			MaxPositions:    cfg.Risk.MaxPositions,
			PositionSizeUSD: cfg.Execution.PositionSizeUSD,
			MaxPositionPct:  cfg.Execution.MaxPositionPct,
		},
		RecommendationTTL: cfg.Execution.RecommendationTTL,
	}, Deps{
		Broker:    broker,
		Alerts:    ingestor,
		Builder:   builder,
		Positions: positions,
		Monitor:   monitor,
		Orders:    orders,
		Trades:    stores.DB,
		State:     stores.State,
		Counter:   stores.DB,
		Queue:     stores.DB,
		Notifier:  notifier,
		Now:       now,
	})

	return &App{Config: cfg, Engine: eng, Stores: stores, Notifier: notifier}, nil
}

// Close drains queued notifications and closes the stores.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if c, ok := a.Notifier.(interface{ Close(context.Context) error }); ok {
		errs = append(errs, c.Close(ctx))
	}
	errs = append(errs, a.Stores.Close())
	return errors.Join(errs...)
}
