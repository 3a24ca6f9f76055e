package engine

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradeflow/internal/broker"
	"tradeflow/internal/logger"
	"tradeflow/internal/metrics"
	"tradeflow/internal/store/auditlog"
	"tradeflow/internal/store/gormstore"
	"tradeflow/internal/store/model"
)

// Tracker aggregates fills into positions. All mutation of one
// (account, symbol) key runs under that key's mutex, so concurrent fills
// can never interleave their read-modify-write.
type Tracker struct {
	store *gormstore.Store
	audit *auditlog.Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewTracker(store *gormstore.Store, audit *auditlog.Store) *Tracker {
	return &Tracker{
		store: store,
		audit: audit,
		locks: make(map[string]*sync.Mutex),
	}
}

func (t *Tracker) keyLock(accountID, symbol string) *sync.Mutex {
	key := accountID + "|" + symbol
	t.mu.Lock()
	defer t.mu.Unlock()
	lock, ok := t.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		t.locks[key] = lock
	}
	return lock
}

// RecordFill applies one execution to the position for its key. Replayed
// exec ids are no-ops. When net quantity crosses zero the closed leg's
// realized P&L lands in the bot's daily accumulator.
func (t *Tracker) RecordFill(ctx context.Context, fill broker.Fill) error {
	ord, found, err := t.store.GetOrderByClientID(ctx, fill.ClientOrderID)
	if err != nil {
		return err
	}
	if !found {
		logger.Warnf("fill %s: unknown client order id %s", fill.ExecID, fill.ClientOrderID)
		return nil
	}

	lock := t.keyLock(fill.AccountID, fill.Symbol)
	lock.Lock()
	defer lock.Unlock()

	created, err := t.store.InsertExecution(ctx, model.ExecutionModel{
		ExecID:      fill.ExecID,
		OrderID:     ord.ID,
		AccountID:   fill.AccountID,
		BotID:       ord.BotID,
		Symbol:      fill.Symbol,
		Side:        fill.Side,
		FilledQty:   fill.Quantity,
		FilledPrice: fill.Price,
		FilledAt:    fill.At.Unix(),
	})
	if err != nil {
		return err
	}
	if !created {
		return nil
	}

	t.advanceOrder(ctx, ord, fill.Partial)

	if err := t.applyFill(ctx, ord.BotID, fill); err != nil {
		return err
	}
	return nil
}

func (t *Tracker) advanceOrder(ctx context.Context, ord model.OrderModel, partial bool) {
	to := model.OrderStatusFilled
	if partial {
		to = model.OrderStatusPartFilled
	}
	if err := t.store.UpdateOrderStatus(ctx, ord.ID, to, ""); err != nil {
		logger.Warnf("order %d: advance to %s: %v", ord.ID, to, err)
		return
	}
	metrics.OrderStatus.WithLabelValues(string(to)).Inc()
}

// applyFill runs the volume-weighted position update under the key lock.
func (t *Tracker) applyFill(ctx context.Context, botID string, fill broker.Fill) error {
	signedQty := fill.Quantity
	if fill.Side == "sell" {
		signedQty = signedQty.Neg()
	}

	pos, found, err := t.store.GetOpenPosition(ctx, fill.AccountID, fill.Symbol)
	if err != nil {
		return err
	}
	if !found {
		pos = model.PositionModel{
			AccountID:     fill.AccountID,
			Symbol:        fill.Symbol,
			BotID:         botID,
			NetQty:        signedQty,
			AvgEntryPrice: fill.Price,
			OpenedAt:      fill.At.Unix(),
		}
		if err := t.store.SavePosition(ctx, &pos); err != nil {
			return err
		}
		metrics.OpenPositions.Inc()
		return nil
	}

	oldNet := pos.NetQty
	newNet := oldNet.Add(signedQty)
	sameSide := oldNet.Sign() == signedQty.Sign()

	switch {
	case sameSide:
		// Adding exposure: volume-weighted average entry.
		oldAbs := oldNet.Abs()
		addAbs := signedQty.Abs()
		total := oldAbs.Add(addAbs)
		pos.AvgEntryPrice = pos.AvgEntryPrice.Mul(oldAbs).
			Add(fill.Price.Mul(addAbs)).
			Div(total)
		pos.NetQty = newNet
		return t.store.SavePosition(ctx, &pos)

	case newNet.Sign() == oldNet.Sign():
		// Partial reduction: entry price unchanged, realize the closed leg.
		closedAbs := signedQty.Abs()
		t.realize(ctx, botID, &pos, closedAbs, fill)
		pos.NetQty = newNet
		return t.store.SavePosition(ctx, &pos)

	default:
		// Full close, or a flip through zero.
		closedAbs := oldNet.Abs()
		t.realize(ctx, botID, &pos, closedAbs, fill)
		pos.NetQty = decimal.Zero
		pos.ClosedAt = fill.At.Unix()
		pos.UnrealizedPct = 0
		if err := t.store.SavePosition(ctx, &pos); err != nil {
			return err
		}
		metrics.OpenPositions.Dec()

		remainder := newNet
		if remainder.IsZero() {
			return nil
		}
		// Flip: the excess quantity opens a fresh position at the fill
		// price.
		next := model.PositionModel{
			AccountID:     fill.AccountID,
			Symbol:        fill.Symbol,
			BotID:         botID,
			NetQty:        remainder,
			AvgEntryPrice: fill.Price,
			OpenedAt:      fill.At.Unix(),
		}
		if err := t.store.SavePosition(ctx, &next); err != nil {
			return err
		}
		metrics.OpenPositions.Inc()
		return nil
	}
}

// realize accumulates the P&L of a closed leg into the bot's daily bucket.
// Long legs earn (fill - entry), shorts the reverse.
func (t *Tracker) realize(ctx context.Context, botID string, pos *model.PositionModel, closedAbs decimal.Decimal, fill broker.Fill) {
	diff := fill.Price.Sub(pos.AvgEntryPrice)
	if pos.NetQty.IsNegative() {
		diff = diff.Neg()
	}
	realized := diff.Mul(closedAbs)
	day := dayUTC(fill.At)
	if err := t.store.AddRealizedPnL(ctx, botID, day, realized); err != nil {
		logger.Warnf("realized pnl for bot %s day %s: %v", botID, day, err)
	}
	if err := t.audit.Append(ctx, auditlog.Entry{
		Kind:   "position",
		RefID:  strconv.FormatInt(pos.ID, 10),
		BotID:  botID,
		Reason: "leg_closed",
		Detail: map[string]any{
			"symbol":     pos.Symbol,
			"account":    pos.AccountID,
			"closed_qty": closedAbs.String(),
			"realized":   realized.String(),
		},
	}); err != nil {
		logger.Warnf("audit position close: %v", err)
	}
}

// RefreshUnrealized marks the position against price and persists the new
// unrealized percentage. Serialized per key like every other mutation.
func (t *Tracker) RefreshUnrealized(ctx context.Context, pos *model.PositionModel, price decimal.Decimal) (float64, error) {
	lock := t.keyLock(pos.AccountID, pos.Symbol)
	lock.Lock()
	defer lock.Unlock()

	current, found, err := t.store.GetOpenPosition(ctx, pos.AccountID, pos.Symbol)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	if current.AvgEntryPrice.IsZero() {
		return 0, nil
	}
	diff := price.Sub(current.AvgEntryPrice)
	if current.NetQty.IsNegative() {
		diff = diff.Neg()
	}
	pct, _ := diff.Div(current.AvgEntryPrice).Mul(decimal.NewFromInt(100)).Float64()
	current.UnrealizedPct = pct
	current.UpdatedAt = time.Now().Unix()
	if err := t.store.SavePosition(ctx, &current); err != nil {
		return 0, err
	}
	*pos = current
	return pct, nil
}

// UpdateStop persists a new stop level under the key lock.
func (t *Tracker) UpdateStop(ctx context.Context, pos *model.PositionModel, newStop decimal.Decimal) error {
	lock := t.keyLock(pos.AccountID, pos.Symbol)
	lock.Lock()
	defer lock.Unlock()

	current, found, err := t.store.GetOpenPosition(ctx, pos.AccountID, pos.Symbol)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	current.CurrentStop = decimal.NullDecimal{Decimal: newStop, Valid: true}
	if err := t.store.SavePosition(ctx, &current); err != nil {
		return err
	}
	*pos = current
	return nil
}
