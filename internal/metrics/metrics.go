package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pipeline counters consumed by the external observability collector.
var (
	SignalsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signals_created_total",
		Help: "Signals persisted after deduplication",
	}, []string{"source", "strategy"})

	Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "decisions_total",
		Help: "Decisions by action",
	}, []string{"action"})

	OrdersCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Orders created from decisions",
	}, []string{"account", "side"})

	OrderStatus = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_status_total",
		Help: "Order status transitions",
	}, []string{"status"})

	DispatchRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "order_dispatch_retries_total",
		Help: "Transient broker dispatch failures that were retried",
	})

	TaskFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "task_failures_total",
		Help: "Background task failures",
	}, []string{"task"})

	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "open_positions",
		Help: "Open positions count",
	})
)

// Handler returns the HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
