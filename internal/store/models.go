package store

import (
	"time"

	"gorm.io/datatypes"
)

type processedAlertModel struct {
	AlertID     string    `gorm:"column:alert_id;primaryKey"`
	ProcessedAt time.Time `gorm:"column:processed_at;index"`
}

func (processedAlertModel) TableName() string { return "processed_alerts" }

// recommendationModel rows are evicted oldest-seq first.
type recommendationModel struct {
	Seq         int64      `gorm:"column:seq;primaryKey;autoIncrement"`
	AlertID     string     `gorm:"column:alert_id;uniqueIndex"`
	Ticker      string     `gorm:"column:ticker;index"`
	Action      string     `gorm:"column:action"`
	Reason      string     `gorm:"column:reason"`
	Source      string     `gorm:"column:source"`
	Politician  string     `gorm:"column:politician"`
	Chamber     string     `gorm:"column:chamber"`
	TradeAmount float64    `gorm:"column:trade_amount"`
	TradeDate   string     `gorm:"column:trade_date"`
	Confidence  float64    `gorm:"column:confidence"`
	Timestamp   time.Time  `gorm:"column:timestamp;index"`
	ActedAt     *time.Time `gorm:"column:acted_at;index"`
}

func (recommendationModel) TableName() string { return "recommendations" }

type positionModel struct {
	ID             string     `gorm:"column:id;primaryKey"`
	Symbol         string     `gorm:"column:symbol;index"`
	Quantity       int        `gorm:"column:quantity"`
	EntryPrice     float64    `gorm:"column:entry_price"`
	CurrentPrice   float64    `gorm:"column:current_price"`
	StopLoss       float64    `gorm:"column:stop_loss"`
	State          string     `gorm:"column:state;index"`
	EnteredAt      time.Time  `gorm:"column:entered_at"`
	UnrealizedPnL  float64    `gorm:"column:unrealized_pnl"`
	PnLPercent     float64    `gorm:"column:pnl_percent"`
	AlertID        string     `gorm:"column:alert_id"`
	PendingOrderID string     `gorm:"column:pending_order_id"`
	ExitPrice      float64    `gorm:"column:exit_price"`
	ExitReason     string     `gorm:"column:exit_reason"`
	RealizedPnL    float64    `gorm:"column:realized_pnl"`
	ExitedAt       *time.Time `gorm:"column:exited_at"`
}

func (positionModel) TableName() string { return "positions" }

type tradeModel struct {
	ID         int64     `gorm:"column:id;primaryKey;autoIncrement"`
	OrderID    string    `gorm:"column:order_id;index"`
	Symbol     string    `gorm:"column:symbol"`
	Action     string    `gorm:"column:action"`
	Quantity   int       `gorm:"column:quantity"`
	Price      float64   `gorm:"column:price"`
	TotalValue float64   `gorm:"column:total_value"`
	Status     string    `gorm:"column:status"`
	AlertID    string    `gorm:"column:alert_id"`
	PositionID string    `gorm:"column:position_id"`
	Reason     string    `gorm:"column:reason"`
	ExecutedAt time.Time `gorm:"column:executed_at;index"`
}

func (tradeModel) TableName() string { return "executed_trades" }

type riskSnapshotModel struct {
	ID                int64          `gorm:"column:id;primaryKey;autoIncrement"`
	TotalValue        float64        `gorm:"column:total_value"`
	Cash              float64        `gorm:"column:cash"`
	PeakValue         float64        `gorm:"column:peak_value"`
	DrawdownPct       float64        `gorm:"column:drawdown_pct"`
	OpenPositions     int            `gorm:"column:open_positions"`
	ConsecutiveLosses int            `gorm:"column:consecutive_losses"`
	Status            string         `gorm:"column:status"`
	Halted            bool           `gorm:"column:halted"`
	Warnings          datatypes.JSON `gorm:"column:warnings;type:TEXT"`
	EvaluatedAt       time.Time      `gorm:"column:evaluated_at;index"`
}

func (riskSnapshotModel) TableName() string { return "risk_snapshots" }

// kvModel holds small singleton values: risk state, counters, last cycle.
type kvModel struct {
	Name      string    `gorm:"column:name;primaryKey"`
	Value     string    `gorm:"column:value"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (kvModel) TableName() string { return "system_state" }
