// Package alerts delivers operator notifications. Delivery is fire and
// forget: callers never see a notification failure.
package alerts

import (
	"time"

	"github.com/clawback/mirror/internal/config"
	"github.com/clawback/mirror/internal/observ"
)

type TradeEvent struct {
	Symbol      string
	Action      string
	Quantity    int
	Price       float64
	Total       float64
	Reason      string
	RealizedPnL *float64
	Time        time.Time
}

type DisclosureEvent struct {
	AlertID         string
	Politician      string
	Ticker          string
	TransactionType string
	Amount          float64
	TransactionDate string
	Chamber         string
}

type RiskEvent struct {
	Status            string
	PreviousStatus    string
	DrawdownPct       float64
	ConsecutiveLosses int
	OpenPositions     int
	Warnings          []string
}

type ErrorEvent struct {
	Kind      string // broker | disclosure | store | cycle
	Operation string
	Message   string
	Details   map[string]string
}

// Notifier accepts the four notification kinds the mirror emits.
type Notifier interface {
	TradeExecuted(TradeEvent)
	DisclosureDetected(DisclosureEvent)
	RiskWarning(RiskEvent)
	OperationalError(ErrorEvent)
}

// Nop discards every notification.
type Nop struct{}

func (Nop) TradeExecuted(TradeEvent)           {}
func (Nop) DisclosureDetected(DisclosureEvent) {}
func (Nop) RiskWarning(RiskEvent)              {}
func (Nop) OperationalError(ErrorEvent)        {}

// New returns a Telegram notifier when enabled and configured, otherwise Nop.
func New(cfg config.Telegram) Notifier {
	if !cfg.Enabled {
		return Nop{}
	}
	if cfg.BotToken == "" || cfg.ChatID == "" {
		observ.Warn("telegram_disabled", map[string]any{"reason": "bot token or chat id missing"})
		return Nop{}
	}
	return NewTelegram(TelegramConfig{
		BotToken:        cfg.BotToken,
		ChatID:          cfg.ChatID,
		APIBaseURL:      cfg.APIBaseURL,
		SendTradeAlerts: cfg.SendTradeAlerts == nil || *cfg.SendTradeAlerts,
		SendErrorAlerts: cfg.SendErrorAlerts == nil || *cfg.SendErrorAlerts,
		RateLimitPerMin: cfg.RateLimitPerMin,
		QueueSize:       cfg.QueueSize,
	})
}
