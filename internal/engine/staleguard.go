package engine

import (
	"context"
	"strconv"
	"time"

	"tradeflow/internal/broker"
	"tradeflow/internal/logger"
	"tradeflow/internal/metrics"
	"tradeflow/internal/store/auditlog"
	"tradeflow/internal/store/gormstore"
	"tradeflow/internal/store/model"
)

// StaleOrderGuard cancels orders stuck in new/ack beyond the configured
// timeout so they cannot fill long after the signal that produced them has
// gone stale.
type StaleOrderGuard struct {
	store     *gormstore.Store
	audit     *auditlog.Store
	connector broker.Connector
	cfg       ConfigSource
}

func NewStaleOrderGuard(store *gormstore.Store, audit *auditlog.Store, connector broker.Connector, cfg ConfigSource) *StaleOrderGuard {
	return &StaleOrderGuard{store: store, audit: audit, connector: connector, cfg: cfg}
}

func (g *StaleOrderGuard) Tick(ctx context.Context, tick time.Time) {
	timeout := g.cfg.Current().Engine.StaleOrderTimeoutDuration()
	cutoff := tick.Add(-timeout)
	orders, err := g.store.ListStaleOrders(ctx, cutoff)
	if err != nil {
		metrics.TaskFailures.WithLabelValues("stale_orders").Inc()
		logger.Errorf("stale order guard: list: %v", err)
		return
	}
	for _, ord := range orders {
		if err := g.connector.CancelOrder(ctx, ord.AccountID, ord.ClientOrderID); err != nil {
			logger.Warnf("stale order guard: cancel %s: %v", ord.ClientOrderID, err)
			continue
		}
		if err := g.store.UpdateOrderStatus(ctx, ord.ID, model.OrderStatusCanceled, "stale"); err != nil {
			logger.Warnf("stale order guard: mark canceled %d: %v", ord.ID, err)
			continue
		}
		metrics.OrderStatus.WithLabelValues(string(model.OrderStatusCanceled)).Inc()
		if err := g.audit.Append(ctx, auditlog.Entry{
			Kind:   "order",
			RefID:  strconv.FormatInt(ord.ID, 10),
			BotID:  ord.BotID,
			Reason: "stale_canceled",
			Detail: map[string]any{
				"symbol":  ord.Symbol,
				"account": ord.AccountID,
				"age_sec": tick.Unix() - ord.CreatedAt,
			},
		}); err != nil {
			logger.Warnf("audit stale cancel %d: %v", ord.ID, err)
		}
		logger.Infof("stale order guard: canceled order %d (%s %s)", ord.ID, ord.Symbol, ord.AccountID)
	}
}
