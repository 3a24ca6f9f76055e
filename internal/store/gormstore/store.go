package gormstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"tradeflow/internal/store/model"
)

// Store persists the pipeline entities with Gorm + SQLite. The unique
// indexes on signals, decisions and orders are the only cross-process
// coordination primitive the pipeline needs.
type Store struct {
	db *gorm.DB
}

func New(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("gorm store: database path is required")
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	models := []interface{}{
		&model.SignalModel{},
		&model.DecisionModel{},
		&model.OrderModel{},
		&model.ExecutionModel{},
		&model.PositionModel{},
		&model.PnLDailyModel{},
	}
	if err := db.AutoMigrate(models...); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: a little parallelism for concurrent readers while
	// keeping lock contention low.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// --------------------- Signals -------------------------

// GetOrCreateSignal inserts rec unless a row with the same dedup key exists;
// exactly one concurrent caller observes created=true, everyone else gets
// the persisted row back.
func (s *Store) GetOrCreateSignal(ctx context.Context, rec model.SignalModel) (model.SignalModel, bool, error) {
	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().Unix()
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "bot_id"}, {Name: "symbol"}, {Name: "strategy_id"},
				{Name: "timeframe"}, {Name: "bar_ts"},
			},
			DoNothing: true,
		}).
		Create(&rec)
	if res.Error != nil {
		return model.SignalModel{}, false, fmt.Errorf("create signal: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return rec, true, nil
	}
	var existing model.SignalModel
	err := s.db.WithContext(ctx).
		Where("bot_id = ? AND symbol = ? AND strategy_id = ? AND timeframe = ? AND bar_ts = ?",
			rec.BotID, rec.Symbol, rec.StrategyID, rec.Timeframe, rec.BarTS).
		First(&existing).Error
	if err != nil {
		return model.SignalModel{}, false, fmt.Errorf("lookup signal after conflict: %w", err)
	}
	return existing, false, nil
}

// --------------------- Decisions -------------------------

// GetOrCreateDecision is idempotent by signal id: a retried evaluation
// returns the original decision unchanged.
func (s *Store) GetOrCreateDecision(ctx context.Context, rec model.DecisionModel) (model.DecisionModel, bool, error) {
	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().Unix()
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "signal_id"}},
			DoNothing: true,
		}).
		Create(&rec)
	if res.Error != nil {
		return model.DecisionModel{}, false, fmt.Errorf("create decision: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return rec, true, nil
	}
	var existing model.DecisionModel
	if err := s.db.WithContext(ctx).Where("signal_id = ?", rec.SignalID).First(&existing).Error; err != nil {
		return model.DecisionModel{}, false, fmt.Errorf("lookup decision after conflict: %w", err)
	}
	return existing, false, nil
}

// --------------------- Orders -------------------------

// GetOrCreateOrder is idempotent per (decision, account).
func (s *Store) GetOrCreateOrder(ctx context.Context, rec model.OrderModel) (model.OrderModel, bool, error) {
	now := time.Now().Unix()
	if rec.CreatedAt == 0 {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.Status == "" {
		rec.Status = model.OrderStatusNew
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "decision_id"}, {Name: "account_id"}},
			DoNothing: true,
		}).
		Create(&rec)
	if res.Error != nil {
		return model.OrderModel{}, false, fmt.Errorf("create order: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return rec, true, nil
	}
	var existing model.OrderModel
	err := s.db.WithContext(ctx).
		Where("decision_id = ? AND account_id = ?", rec.DecisionID, rec.AccountID).
		First(&existing).Error
	if err != nil {
		return model.OrderModel{}, false, fmt.Errorf("lookup order after conflict: %w", err)
	}
	return existing, false, nil
}

// UpdateOrderStatus applies a status transition, rejecting anything outside
// the allowed-transitions table.
func (s *Store) UpdateOrderStatus(ctx context.Context, orderID int64, to model.OrderStatus, lastError string) error {
	if !to.Valid() {
		return fmt.Errorf("order %d: unknown status %q", orderID, to)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ord model.OrderModel
		if err := tx.Where("id = ?", orderID).First(&ord).Error; err != nil {
			return fmt.Errorf("load order %d: %w", orderID, err)
		}
		if ord.Status == to {
			return nil
		}
		if !model.CanTransition(ord.Status, to) {
			return fmt.Errorf("order %d: illegal status transition %s -> %s", orderID, ord.Status, to)
		}
		updates := map[string]interface{}{
			"status":     to,
			"updated_at": time.Now().Unix(),
		}
		if lastError != "" {
			updates["last_error"] = lastError
		}
		return tx.Model(&model.OrderModel{}).Where("id = ?", orderID).Updates(updates).Error
	})
}

// AckOrder marks a new order acknowledged. A synchronous fill can advance
// the order before the ack lands; in that case this is a no-op.
func (s *Store) AckOrder(ctx context.Context, orderID int64) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.OrderModel{}).
		Where("id = ? AND status = ?", orderID, model.OrderStatusNew).
		Updates(map[string]interface{}{
			"status":     model.OrderStatusAck,
			"updated_at": time.Now().Unix(),
		})
	return res.RowsAffected > 0, res.Error
}

// IncrementDispatchAttempts bumps the attempt counter in place.
func (s *Store) IncrementDispatchAttempts(ctx context.Context, orderID int64) error {
	return s.db.WithContext(ctx).Model(&model.OrderModel{}).
		Where("id = ?", orderID).
		Updates(map[string]interface{}{
			"dispatch_attempts": gorm.Expr("dispatch_attempts + 1"),
			"updated_at":        time.Now().Unix(),
		}).Error
}

// GetOrder loads one order by id.
func (s *Store) GetOrder(ctx context.Context, orderID int64) (model.OrderModel, error) {
	var ord model.OrderModel
	err := s.db.WithContext(ctx).Where("id = ?", orderID).First(&ord).Error
	return ord, err
}

// GetOrderByClientID resolves the order behind a broker fill report.
func (s *Store) GetOrderByClientID(ctx context.Context, clientOrderID string) (model.OrderModel, bool, error) {
	var ord model.OrderModel
	err := s.db.WithContext(ctx).Where("client_order_id = ?", clientOrderID).First(&ord).Error
	if err == gorm.ErrRecordNotFound {
		return model.OrderModel{}, false, nil
	}
	if err != nil {
		return model.OrderModel{}, false, err
	}
	return ord, true, nil
}

// OrdersByDecision lists the fan-out result of one decision.
func (s *Store) OrdersByDecision(ctx context.Context, decisionID int64) ([]model.OrderModel, error) {
	var orders []model.OrderModel
	err := s.db.WithContext(ctx).
		Where("decision_id = ?", decisionID).
		Order("account_id").
		Find(&orders).Error
	return orders, err
}

// ListStaleOrders returns non-terminal orders created before cutoff.
func (s *Store) ListStaleOrders(ctx context.Context, cutoff time.Time) ([]model.OrderModel, error) {
	var orders []model.OrderModel
	err := s.db.WithContext(ctx).
		Where("status IN ? AND created_at < ?",
			[]model.OrderStatus{model.OrderStatusNew, model.OrderStatusAck},
			cutoff.Unix()).
		Find(&orders).Error
	return orders, err
}

// CountFilledOrdersSince counts filled orders for a bot updated at or after
// since; the daily trade cap reads this.
func (s *Store) CountFilledOrdersSince(ctx context.Context, botID string, since time.Time) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.OrderModel{}).
		Where("bot_id = ? AND status = ? AND updated_at >= ?", botID, model.OrderStatusFilled, since.Unix()).
		Count(&n).Error
	return n, err
}

// --------------------- Executions -------------------------

// InsertExecution stores a fill; a repeated exec id is a no-op.
func (s *Store) InsertExecution(ctx context.Context, rec model.ExecutionModel) (bool, error) {
	if rec.FilledAt == 0 {
		rec.FilledAt = time.Now().Unix()
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "exec_id"}},
			DoNothing: true,
		}).
		Create(&rec)
	if res.Error != nil {
		return false, fmt.Errorf("create execution: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// --------------------- Positions -------------------------

// GetOpenPosition loads the open position for (account, symbol), if any.
func (s *Store) GetOpenPosition(ctx context.Context, accountID, symbol string) (model.PositionModel, bool, error) {
	var pos model.PositionModel
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND symbol = ? AND closed_at = 0", accountID, symbol).
		First(&pos).Error
	if err == gorm.ErrRecordNotFound {
		return model.PositionModel{}, false, nil
	}
	if err != nil {
		return model.PositionModel{}, false, err
	}
	return pos, true, nil
}

// SavePosition inserts or updates a position row.
func (s *Store) SavePosition(ctx context.Context, pos *model.PositionModel) error {
	pos.UpdatedAt = time.Now().Unix()
	if pos.ID == 0 {
		return s.db.WithContext(ctx).Create(pos).Error
	}
	return s.db.WithContext(ctx).Save(pos).Error
}

// ListOpenPositions returns every open position, oldest first.
func (s *Store) ListOpenPositions(ctx context.Context) ([]model.PositionModel, error) {
	var positions []model.PositionModel
	err := s.db.WithContext(ctx).
		Where("closed_at = 0").
		Order("opened_at").
		Find(&positions).Error
	return positions, err
}

// CountOpenPositionsByBot feeds the max-concurrent-positions gate.
func (s *Store) CountOpenPositionsByBot(ctx context.Context, botID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.PositionModel{}).
		Where("bot_id = ? AND closed_at = 0", botID).
		Count(&n).Error
	return n, err
}

// CountOpenPositionsByBotSymbol feeds the per-symbol position gate.
func (s *Store) CountOpenPositionsByBotSymbol(ctx context.Context, botID, symbol string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.PositionModel{}).
		Where("bot_id = ? AND symbol = ? AND closed_at = 0", botID, symbol).
		Count(&n).Error
	return n, err
}

// HasOpenPositionInDirection reports whether any open position on symbol has
// the given sign of net quantity; the correlation gate reads this.
func (s *Store) HasOpenPositionInDirection(ctx context.Context, botID, symbol, direction string) (bool, error) {
	var positions []model.PositionModel
	err := s.db.WithContext(ctx).
		Where("bot_id = ? AND symbol = ? AND closed_at = 0", botID, symbol).
		Find(&positions).Error
	if err != nil {
		return false, err
	}
	for _, pos := range positions {
		long := pos.NetQty.GreaterThan(decimal.Zero)
		if (direction == "buy" && long) || (direction == "sell" && !long) {
			return true, nil
		}
	}
	return false, nil
}

// --------------------- Daily P&L -------------------------

// AddRealizedPnL accumulates realized P&L into the bot's UTC-day bucket.
func (s *Store) AddRealizedPnL(ctx context.Context, botID string, day string, delta decimal.Decimal) error {
	rec := model.PnLDailyModel{
		BotID:       botID,
		Day:         day,
		Realized:    delta,
		ClosedCount: 1,
		UpdatedAt:   time.Now().Unix(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "bot_id"}, {Name: "day"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"realized":     gorm.Expr("CAST(pnl_daily.realized AS REAL) + CAST(excluded.realized AS REAL)"),
				"closed_count": gorm.Expr("pnl_daily.closed_count + 1"),
				"updated_at":   gorm.Expr("excluded.updated_at"),
			}),
		}).
		Create(&rec).Error
}

// GetDailyPnL loads one bot/day accumulator row.
func (s *Store) GetDailyPnL(ctx context.Context, botID, day string) (model.PnLDailyModel, bool, error) {
	var rec model.PnLDailyModel
	err := s.db.WithContext(ctx).Where("bot_id = ? AND day = ?", botID, day).First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return model.PnLDailyModel{}, false, nil
	}
	if err != nil {
		return model.PnLDailyModel{}, false, err
	}
	return rec, true, nil
}
