package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"tradeflow/internal/broker"
	"tradeflow/internal/config"
	"tradeflow/internal/engine"
	"tradeflow/internal/logger"
	"tradeflow/internal/market"
	"tradeflow/internal/metrics"
	"tradeflow/internal/pkg/circuit"
	"tradeflow/internal/scheduler"
	"tradeflow/internal/store/auditlog"
	"tradeflow/internal/store/gormstore"
	"tradeflow/internal/strategy"
)

// App owns the assembled pipeline and its background loops.
type App struct {
	cfgPath string
	watcher *config.Watcher

	store     *gormstore.Store
	audit     *auditlog.Store
	source    market.Source
	connector broker.Connector

	runner     *engine.StrategyRunner
	killSwitch *engine.KillSwitchMonitor
	trailing   *engine.TrailingStopManager
	staleGuard *engine.StaleOrderGuard
}

// New wires the pipeline from the config file at cfgPath.
func New(cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(cfg.LogLevel)

	store, err := gormstore.New(cfg.Database.PipelinePath)
	if err != nil {
		return nil, fmt.Errorf("open pipeline store: %w", err)
	}
	audit, err := auditlog.New(cfg.Database.AuditPath)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open audit store: %w", err)
	}

	source, err := buildSource(cfg)
	if err != nil {
		store.Close()
		audit.Close()
		return nil, err
	}

	watcher := config.NewWatcher(cfgPath, cfg)

	connector := broker.NewPaperConnector(source)
	breaker := circuit.NewCircuitBreaker("broker-dispatch",
		cfg.Engine.BreakerThreshold, cfg.Engine.BreakerTimeoutDuration())

	tracker := engine.NewTracker(store, audit)
	connector.OnFill(func(fill broker.Fill) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := tracker.RecordFill(ctx, fill); err != nil {
			metrics.TaskFailures.WithLabelValues("record_fill").Inc()
			logger.Errorf("record fill %s: %v", fill.ExecID, err)
		}
	})

	decisionEngine := engine.NewDecisionEngine(store, audit, source, watcher)
	fanout := engine.NewFanout(store, audit, connector, breaker, source, watcher)
	registry := strategy.DefaultRegistry()

	return &App{
		cfgPath:    cfgPath,
		watcher:    watcher,
		store:      store,
		audit:      audit,
		source:     source,
		connector:  connector,
		runner:     engine.NewStrategyRunner(store, audit, source, registry, decisionEngine, fanout, watcher),
		killSwitch: engine.NewKillSwitchMonitor(store, tracker, source, decisionEngine, fanout, watcher),
		trailing:   engine.NewTrailingStopManager(store, tracker, source, connector, watcher),
		staleGuard: engine.NewStaleOrderGuard(store, audit, connector, watcher),
	}, nil
}

func buildSource(cfg *config.Config) (market.Source, error) {
	switch cfg.Market.Provider {
	case "binance":
		timeout := time.Duration(cfg.Market.HTTPTimeoutSec) * time.Second
		return market.NewBinanceSource(market.BinanceConfig{
			RESTBaseURL: cfg.Market.RESTBaseURL,
			HTTPTimeout: timeout,
		}), nil
	case "static":
		return market.NewStaticSource(), nil
	default:
		return nil, fmt.Errorf("unknown market provider %q", cfg.Market.Provider)
	}
}

// Run blocks until ctx is canceled or a loop fails unrecoverably. Only
// infrastructure failures stop the app; per-bot and per-order failures are
// absorbed inside their tasks.
func (a *App) Run(ctx context.Context) error {
	cfg := a.watcher.Current()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.watcher.Run(gctx)
	})

	scan := scheduler.NewIntervalScheduler("strategy-scan", cfg.Engine.ScanIntervalDuration())
	scan.RunImmediately = true
	g.Go(func() error {
		scan.Start(gctx, a.runner.RunTick)
		return nil
	})

	guard := scheduler.NewIntervalScheduler("position-guards", cfg.Engine.GuardIntervalDuration())
	g.Go(func() error {
		guard.Start(gctx, func(tctx context.Context, tick time.Time) {
			a.killSwitch.Tick(tctx, tick)
			a.trailing.Tick(tctx, tick)
			a.staleGuard.Tick(tctx, tick)
		})
		return nil
	})

	g.Go(func() error {
		return a.serveMetrics(gctx, cfg.Metrics.Listen)
	})

	logger.Infof("tradeflow started: %d bots, %d accounts, scan=%s guard=%s",
		len(cfg.Bots), len(cfg.Accounts),
		cfg.Engine.ScanIntervalDuration(), cfg.Engine.GuardIntervalDuration())
	return g.Wait()
}

func (a *App) serveMetrics(ctx context.Context, listen string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: listen, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	}
}

// Close releases the stores.
func (a *App) Close() {
	if a.audit != nil {
		a.audit.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
}
