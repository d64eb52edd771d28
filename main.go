package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"strategy-core/internal/api"
	"strategy-core/internal/balance"
	"strategy-core/internal/container"
	"strategy-core/internal/events"
	"strategy-core/internal/monitor"
	"strategy-core/internal/order"
	"strategy-core/internal/persistence"
	"strategy-core/internal/reconciliation"
	"strategy-core/internal/strategy"
	"strategy-core/pkg/cache"
	"strategy-core/pkg/config"
	exbinance "strategy-core/pkg/exchange/binance"
	"strategy-core/pkg/logger"
	market "strategy-core/pkg/market/binance"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("strategy-core: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	zl, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = zl.Sync() }()
	zl = zl.With(zap.String("node_id", cfg.NodeID))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	venue := "binance-spot"
	if cfg.DryRun {
		venue = "paper"
	}
	zl.Info("starting",
		zap.String("venue", venue),
		zap.String("store", cfg.Store.Backend),
		zap.Int("strategies", len(cfg.Strategies)),
	)

	c := container.New(zl)
	defer func() {
		if err := c.Close(); err != nil {
			zl.Warn("container close", zap.Error(err))
		}
	}()
	if err := registerServices(ctx, c, cfg, zl); err != nil {
		return err
	}

	engine, err := container.Resolve[*strategy.Engine](c, svcEngine)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	if err := engine.Restore(ctx); err != nil {
		// Runtimes that failed to restore stay idle; their errors are logged.
		zl.Warn("some strategies did not restore", zap.Error(err))
	}

	var (
		bus     = container.MustResolve[*events.Bus](c, svcBus)
		health  = container.MustResolve[*monitor.Health](c, svcHealth)
		metrics = container.MustResolve[*monitor.SystemMetrics](c, svcMetrics)
		store   = container.MustResolve[persistence.Store](c, svcStore)
		bal     = container.MustResolve[*balance.Manager](c, svcBalance)
		orders  = container.MustResolve[*order.Repository](c, svcOrders)
		mdCache = container.MustResolve[*cache.MarketData[[]market.Kline]](c, svcCache)
	)

	g, gctx := errgroup.WithContext(ctx)

	if client, err := container.Resolve[*exbinance.Client](c, svcExchange); err == nil {
		client.StartTimeSync(gctx)
	}
	bal.Start(gctx)
	monitor.NewMonitor(bus, metrics, zl, monitor.LogSink{Log: zl}).Start(gctx)

	if cfg.ReconcileInterval > 0 {
		if rec, err := container.Resolve[*reconciliation.Service](c, svcReconciler); err != nil {
			zl.Warn("reconciliation disabled", zap.Error(err))
		} else {
			rec.Start(gctx)
		}
	}

	g.Go(func() error { return engine.Run(gctx) })

	srv := api.NewServer(api.Deps{
		Strategies: engine,
		Orders:     orders,
		Cache:      mdCache,
		Health:     health,
		Metrics:    metrics,
		Bus:        bus,
		Balance:    bal,
	}, api.Auth{
		JWTSecret:            cfg.JWTSecret,
		OperatorUser:         cfg.OperatorUser,
		OperatorPasswordHash: cfg.OperatorPasswordHash,
		TokenTTL:             cfg.TokenTTL,
	}, api.SystemMeta{
		NodeID:       cfg.NodeID,
		DryRun:       cfg.DryRun,
		Venue:        venue,
		StoreBackend: cfg.Store.Backend,
		Symbols:      symbols(cfg.Strategies),
		Version:      version(),
	}, zl)
	g.Go(func() error { return srv.Run(gctx, ":"+cfg.Port) })

	if cfg.GRPCAddr != "" {
		g.Go(func() error { return health.ServeGRPC(gctx, cfg.GRPCAddr) })
	}

	g.Go(func() error {
		pingStore(gctx, store, 30*time.Second)
		return nil
	})

	streams := market.NewStreamClient(cfg.BinanceTestnet, "", zl)
	for _, sub := range subscriptions(cfg.Strategies) {
		g.Go(func() error {
			followKlines(gctx, streams, mdCache, health, sub, zl)
			return nil
		})
	}

	err = g.Wait()
	zl.Info("shutting down")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// pingStore probes the backend so outages show in health between writes.
func pingStore(ctx context.Context, store persistence.Store, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			_ = store.Ping(pctx)
			cancel()
		}
	}
}

func symbols(cfgs []strategy.Config) []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range cfgs {
		if c.Disabled || seen[c.Symbol] {
			continue
		}
		seen[c.Symbol] = true
		out = append(out, c.Symbol)
	}
	return out
}

func version() string {
	if v := os.Getenv("APP_VERSION"); v != "" {
		return v
	}
	return "dev"
}
