// Package portfolio keeps the paper broker's cash and holdings ledger.
package portfolio

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

var (
	ErrInsufficientCash     = errors.New("insufficient cash")
	ErrInsufficientQuantity = errors.New("insufficient quantity")
)

// Holding is a long position in one symbol.
type Holding struct {
	Symbol        string  `json:"symbol"`
	Quantity      int     `json:"quantity"`
	AvgEntryPrice float64 `json:"avg_entry_price"`
	LastTradeAt   string  `json:"last_trade_at"`
}

// State is the persisted ledger.
type State struct {
	Version      int64              `json:"version"`
	UpdatedAt    string             `json:"updated_at"`
	StartingCash float64            `json:"starting_cash"`
	Cash         float64            `json:"cash"`
	RealizedPnL  float64            `json:"realized_pnl"`
	TradeCount   int                `json:"trade_count"`
	Holdings     map[string]Holding `json:"holdings"`
}

// Manager owns the ledger and persists it after every mutation. An empty
// file path keeps the ledger in memory only.
type Manager struct {
	filePath string
	state    State
	mu       sync.RWMutex
}

func NewManager(filePath string, startingCash float64) *Manager {
	return &Manager{
		filePath: filePath,
		state: State{
			StartingCash: startingCash,
			Cash:         startingCash,
			Holdings:     make(map[string]Holding),
		},
	}
}

// Load reads the ledger from disk, creating it when the file does not exist.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.filePath == "" {
		return nil
	}
	data, err := os.ReadFile(m.filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return m.saveUnsafe()
		}
		return fmt.Errorf("read ledger: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("unmarshal ledger: %w", err)
	}
	if st.Holdings == nil {
		st.Holdings = make(map[string]Holding)
	}
	m.state = st
	return nil
}

func (m *Manager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveUnsafe()
}

func (m *Manager) saveUnsafe() error {
	m.state.Version++
	m.state.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	if m.filePath == "" {
		return nil
	}

	data, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.filePath), 0755); err != nil {
		return fmt.Errorf("create ledger dir: %w", err)
	}

	// Atomic write using temp file + rename
	tempPath := m.filePath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write temp ledger: %w", err)
	}
	if err := os.Rename(tempPath, m.filePath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename ledger: %w", err)
	}
	return nil
}

func (m *Manager) Cash() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Cash
}

func (m *Manager) RealizedPnL() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.RealizedPnL
}

func (m *Manager) Holding(symbol string) (Holding, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.state.Holdings[symbol]
	return h, ok
}

// Holdings returns open holdings sorted by symbol.
func (m *Manager) Holdings() []Holding {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Holding, 0, len(m.state.Holdings))
	for _, h := range m.state.Holdings {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Buy debits cash and adds to the holding at a weighted average price.
func (m *Manager) Buy(symbol string, quantity int, price float64, ts time.Time) error {
	if quantity <= 0 || price <= 0 {
		return fmt.Errorf("invalid buy %d @ %.4f", quantity, price)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cost := float64(quantity) * price
	if cost > m.state.Cash {
		return fmt.Errorf("%w: need %.2f have %.2f", ErrInsufficientCash, cost, m.state.Cash)
	}

	h := m.state.Holdings[symbol]
	totalCost := h.AvgEntryPrice*float64(h.Quantity) + cost
	h.Symbol = symbol
	h.Quantity += quantity
	h.AvgEntryPrice = totalCost / float64(h.Quantity)
	h.LastTradeAt = ts.UTC().Format(time.RFC3339)

	m.state.Holdings[symbol] = h
	m.state.Cash -= cost
	m.state.TradeCount++
	return m.saveUnsafe()
}

// Sell credits cash, reduces the holding and returns the realized P/L
// against the average entry price.
func (m *Manager) Sell(symbol string, quantity int, price float64, ts time.Time) (float64, error) {
	if quantity <= 0 || price <= 0 {
		return 0, fmt.Errorf("invalid sell %d @ %.4f", quantity, price)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.state.Holdings[symbol]
	if !ok || h.Quantity < quantity {
		return 0, fmt.Errorf("%w: %s have %d want %d", ErrInsufficientQuantity, symbol, h.Quantity, quantity)
	}

	realized := float64(quantity) * (price - h.AvgEntryPrice)
	h.Quantity -= quantity
	h.LastTradeAt = ts.UTC().Format(time.RFC3339)
	if h.Quantity == 0 {
		delete(m.state.Holdings, symbol)
	} else {
		m.state.Holdings[symbol] = h
	}

	m.state.Cash += float64(quantity) * price
	m.state.RealizedPnL += realized
	m.state.TradeCount++
	return realized, m.saveUnsafe()
}

// Snapshot returns a copy of the ledger state.
func (m *Manager) Snapshot() State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := m.state
	st.Holdings = make(map[string]Holding, len(m.state.Holdings))
	for k, v := range m.state.Holdings {
		st.Holdings[k] = v
	}
	return st
}
