package model

import (
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// SignalKind separates detector entries from synthetic guard closes.
type SignalKind string

const (
	SignalKindEntry SignalKind = "entry"
	SignalKindClose SignalKind = "close"
)

// SignalModel is the immutable record of one detected market event.
// The five-column unique index is the dedup authority: the same bar can only
// ever produce one row, no matter how many times a tick is retried.
type SignalModel struct {
	ID         int64          `gorm:"column:id;primaryKey"`
	BotID      string         `gorm:"column:bot_id;uniqueIndex:idx_signal_dedup,priority:1"`
	Symbol     string         `gorm:"column:symbol;uniqueIndex:idx_signal_dedup,priority:2"`
	StrategyID string         `gorm:"column:strategy_id;uniqueIndex:idx_signal_dedup,priority:3"`
	Timeframe  string         `gorm:"column:timeframe;uniqueIndex:idx_signal_dedup,priority:4"`
	BarTS      int64          `gorm:"column:bar_ts;uniqueIndex:idx_signal_dedup,priority:5"`
	Kind       SignalKind     `gorm:"column:kind"`
	Direction  string         `gorm:"column:direction"`
	Score      float64        `gorm:"column:score"`
	Source     string         `gorm:"column:source"`
	Payload    datatypes.JSON `gorm:"column:payload;type:TEXT"`
	CreatedAt  int64          `gorm:"column:created_at"`
}

func (SignalModel) TableName() string { return "signals" }

// DecisionModel is the one-per-signal evaluation outcome. Action and reason
// are fixed at creation; a re-evaluation returns this row unchanged.
type DecisionModel struct {
	ID        int64   `gorm:"column:id;primaryKey"`
	SignalID  int64   `gorm:"column:signal_id;uniqueIndex"`
	BotID     string  `gorm:"column:bot_id"`
	Symbol    string  `gorm:"column:symbol"`
	Direction string  `gorm:"column:direction"`
	Action    string  `gorm:"column:action"` // open | ignore | close
	Reason    string  `gorm:"column:reason_code"`
	Score     float64 `gorm:"column:score_at_evaluation"`
	CreatedAt int64   `gorm:"column:created_at"`
}

func (DecisionModel) TableName() string { return "decisions" }

const (
	ActionOpen   = "open"
	ActionIgnore = "ignore"
	ActionClose  = "close"
)

// OrderModel is one dispatched order per (decision, account) pair.
type OrderModel struct {
	ID               int64               `gorm:"column:id;primaryKey"`
	DecisionID       int64               `gorm:"column:decision_id;uniqueIndex:idx_order_fanout,priority:1"`
	AccountID        string              `gorm:"column:account_id;uniqueIndex:idx_order_fanout,priority:2"`
	ClientOrderID    string              `gorm:"column:client_order_id;uniqueIndex"`
	BotID            string              `gorm:"column:bot_id"`
	Symbol           string              `gorm:"column:symbol"`
	Side             string              `gorm:"column:side"` // buy | sell
	Quantity         decimal.Decimal     `gorm:"column:quantity;type:decimal(32,16)"`
	StopLoss         decimal.NullDecimal `gorm:"column:stop_loss;type:decimal(32,16)"`
	TakeProfit       decimal.NullDecimal `gorm:"column:take_profit;type:decimal(32,16)"`
	ReduceOnly       bool                `gorm:"column:reduce_only"`
	Status           OrderStatus         `gorm:"column:status;index"`
	DispatchAttempts int                 `gorm:"column:dispatch_attempts"`
	LastError        string              `gorm:"column:last_error"`
	CreatedAt        int64               `gorm:"column:created_at"`
	UpdatedAt        int64               `gorm:"column:updated_at"`
}

func (OrderModel) TableName() string { return "orders" }

// ExecutionModel is an immutable fill record from the broker callback.
type ExecutionModel struct {
	ID          int64           `gorm:"column:id;primaryKey"`
	ExecID      string          `gorm:"column:exec_id;uniqueIndex"`
	OrderID     int64           `gorm:"column:order_id;index"`
	AccountID   string          `gorm:"column:account_id"`
	BotID       string          `gorm:"column:bot_id"`
	Symbol      string          `gorm:"column:symbol"`
	Side        string          `gorm:"column:side"`
	FilledQty   decimal.Decimal `gorm:"column:filled_qty;type:decimal(32,16)"`
	FilledPrice decimal.Decimal `gorm:"column:filled_price;type:decimal(32,16)"`
	FilledAt    int64           `gorm:"column:filled_at"`
}

func (ExecutionModel) TableName() string { return "executions" }

// PositionModel aggregates fills per (account, symbol). ClosedAt zero means
// the position is open; closed rows stay for history.
type PositionModel struct {
	ID            int64               `gorm:"column:id;primaryKey"`
	AccountID     string              `gorm:"column:account_id;index:idx_position_key,priority:1"`
	Symbol        string              `gorm:"column:symbol;index:idx_position_key,priority:2"`
	BotID         string              `gorm:"column:bot_id"`
	NetQty        decimal.Decimal     `gorm:"column:net_qty;type:decimal(32,16)"`
	AvgEntryPrice decimal.Decimal     `gorm:"column:avg_entry_price;type:decimal(32,16)"`
	CurrentStop   decimal.NullDecimal `gorm:"column:current_stop;type:decimal(32,16)"`
	UnrealizedPct float64             `gorm:"column:unrealized_pct"`
	OpenedAt      int64               `gorm:"column:opened_at"`
	ClosedAt      int64               `gorm:"column:closed_at;index"`
	UpdatedAt     int64               `gorm:"column:updated_at"`
}

func (PositionModel) TableName() string { return "positions" }

// PnLDailyModel accumulates realized P&L per bot and UTC day.
type PnLDailyModel struct {
	ID          int64           `gorm:"column:id;primaryKey"`
	BotID       string          `gorm:"column:bot_id;uniqueIndex:idx_pnl_daily,priority:1"`
	Day         string          `gorm:"column:day;uniqueIndex:idx_pnl_daily,priority:2"` // YYYY-MM-DD, UTC
	Realized    decimal.Decimal `gorm:"column:realized;type:decimal(32,16)"`
	ClosedCount int             `gorm:"column:closed_count"`
	UpdatedAt   int64           `gorm:"column:updated_at"`
}

func (PnLDailyModel) TableName() string { return "pnl_daily" }
