// Package ingest discovers congressional-trade alerts that have not been
// consumed yet and tracks which ones have.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/clawback/mirror/internal/congress"
	"github.com/clawback/mirror/internal/observ"
)

// ProcessedStore is the durable backing of a ProcessedAlertSet. The time
// stored with each id is the timestamp embedded in the id itself.
type ProcessedStore interface {
	LoadProcessed(ctx context.Context) (map[string]time.Time, error)
	SaveProcessed(ctx context.Context, id string, at time.Time) error
	DeleteProcessed(ctx context.Context, ids []string) error
}

// ProcessedAlertSet remembers consumed alert ids within a retention window.
// Every Add is persisted before it returns.
type ProcessedAlertSet struct {
	mu        sync.RWMutex
	ids       map[string]time.Time
	store     ProcessedStore
	retention time.Duration
}

// LoadProcessedSet reads the persisted set and prunes entries older than
// retention relative to now. A store that cannot be read is fatal to the
// caller.
func LoadProcessedSet(ctx context.Context, store ProcessedStore, retention time.Duration, now time.Time) (*ProcessedAlertSet, error) {
	ids, err := store.LoadProcessed(ctx)
	if err != nil {
		return nil, fmt.Errorf("load processed alerts: %w", err)
	}
	if ids == nil {
		ids = map[string]time.Time{}
	}
	s := &ProcessedAlertSet{ids: ids, store: store, retention: retention}
	if _, err := s.PruneExpired(ctx, now); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ProcessedAlertSet) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ids[id]
	return ok
}

func (s *ProcessedAlertSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}

// Add records id as processed. Re-adding an id is a no-op.
func (s *ProcessedAlertSet) Add(ctx context.Context, id string) error {
	if s.Contains(id) {
		return nil
	}
	at, err := congress.ParseAlertID(id)
	if err != nil {
		return err
	}
	if err := s.store.SaveProcessed(ctx, id, at); err != nil {
		return fmt.Errorf("persist processed alert %s: %w", id, err)
	}
	s.mu.Lock()
	s.ids[id] = at
	s.mu.Unlock()
	observ.SetGauge("processed_alerts", float64(s.Len()), nil)
	return nil
}

// Expired reports whether an alert stamped at falls outside the retention
// window relative to now.
func (s *ProcessedAlertSet) Expired(at, now time.Time) bool {
	return at.Before(now.Add(-s.retention))
}

// PruneExpired drops ids whose embedded timestamp is older than the
// retention window, and ids that no longer parse.
func (s *ProcessedAlertSet) PruneExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.RLock()
	var expired []string
	for id, at := range s.ids {
		if at.IsZero() || s.Expired(at, now) {
			expired = append(expired, id)
		}
	}
	s.mu.RUnlock()

	if len(expired) == 0 {
		return 0, nil
	}
	if err := s.store.DeleteProcessed(ctx, expired); err != nil {
		return 0, fmt.Errorf("prune processed alerts: %w", err)
	}

	s.mu.Lock()
	for _, id := range expired {
		delete(s.ids, id)
	}
	s.mu.Unlock()

	observ.Log("processed_alerts_pruned", map[string]any{"count": len(expired), "cutoff": now.Add(-s.retention).Format(time.RFC3339)})
	observ.SetGauge("processed_alerts", float64(s.Len()), nil)
	return len(expired), nil
}
