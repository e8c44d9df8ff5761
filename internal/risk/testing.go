package risk

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps positions, trades and risk state in memory. It serves
// tests and dry runs without a database.
type MemoryStore struct {
	mu        sync.Mutex
	positions map[string]Position
	trades    []ExecutedTrade
	risk      PersistedRisk
	snapshots []PortfolioRiskState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{positions: map[string]Position{}}
}

func (s *MemoryStore) SavePosition(ctx context.Context, p Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[p.ID] = p
	return nil
}

func (s *MemoryStore) OpenPositions(ctx context.Context) ([]Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Position
	for _, p := range s.positions {
		if p.Open() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) Position(id string) (Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	return p, ok
}

func (s *MemoryStore) RecordTrade(ctx context.Context, t ExecutedTrade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = append(s.trades, t)
	return nil
}

func (s *MemoryStore) Trades() []ExecutedTrade {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ExecutedTrade(nil), s.trades...)
}

func (s *MemoryStore) LoadRiskState(ctx context.Context) (PersistedRisk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.risk, nil
}

func (s *MemoryStore) SaveRiskState(ctx context.Context, r PersistedRisk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.risk = r
	return nil
}

func (s *MemoryStore) AppendRiskSnapshot(ctx context.Context, st PortfolioRiskState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, st)
	return nil
}

func (s *MemoryStore) Snapshots() []PortfolioRiskState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PortfolioRiskState(nil), s.snapshots...)
}
