// Package store persists the mirror's state. SQLite (through gorm) holds
// everything; the processed-alert set and risk state can instead live in
// Redis when several processes share them.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/clawback/mirror/internal/config"
	"github.com/clawback/mirror/internal/ingest"
	"github.com/clawback/mirror/internal/observ"
	"github.com/clawback/mirror/internal/risk"
)

var ErrNotFound = errors.New("not found")

// State is the cross-cycle state a backend must hold.
type State interface {
	ingest.ProcessedStore
	risk.RiskStateStore
	SetLastCycle(ctx context.Context, t time.Time) error
	LastCycle(ctx context.Context) (time.Time, bool, error)
}

// Stores bundles the opened database and the selected state backend.
type Stores struct {
	DB    *SQLite
	State State

	redis *RedisState
}

// Open opens the SQLite database and the configured state backend.
func Open(ctx context.Context, cfg config.Store) (*Stores, error) {
	db, err := OpenSQLite(cfg.Path, cfg.MaxRecommendations)
	if err != nil {
		return nil, err
	}
	s := &Stores{DB: db, State: db}
	if cfg.StateBackend == "redis" {
		rs, err := NewRedisState(ctx, cfg.Redis)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("state backend: %w", err)
		}
		s.State, s.redis = rs, rs
	}
	observ.Log("store_opened", map[string]any{"path": cfg.Path, "state_backend": cfg.StateBackend})
	return s, nil
}

func (s *Stores) Close() error {
	var errs []error
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	errs = append(errs, s.DB.Close())
	return errors.Join(errs...)
}
