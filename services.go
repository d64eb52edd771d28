package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"strategy-core/internal/balance"
	"strategy-core/internal/container"
	"strategy-core/internal/events"
	"strategy-core/internal/monitor"
	"strategy-core/internal/order"
	"strategy-core/internal/persistence"
	"strategy-core/internal/reconciliation"
	"strategy-core/internal/risk"
	"strategy-core/internal/state"
	"strategy-core/internal/strategy"
	"strategy-core/pkg/cache"
	"strategy-core/pkg/config"
	"strategy-core/pkg/db"
	"strategy-core/pkg/exchange"
	exbinance "strategy-core/pkg/exchange/binance"
	market "strategy-core/pkg/market/binance"
)

// Service names registered in the container.
const (
	svcBus        = "bus"
	svcHealth     = "health"
	svcMetrics    = "metrics"
	svcStore      = "store"
	svcJournalDB  = "journal_db"
	svcJournal    = "journal"
	svcExchange   = "exchange"
	svcPaper      = "paper"
	svcOrders     = "orders"
	svcTracker    = "tracker"
	svcExecutor   = "executor"
	svcPositions  = "positions"
	svcRisk       = "risk"
	svcStops      = "stops"
	svcBalance    = "balance"
	svcMarketREST = "market_rest"
	svcCacheRedis = "cache_redis"
	svcCache      = "market_cache"
	svcEngine     = "engine"
	svcReconciler = "reconciler"
)

// registerServices wires every component as a lazy factory. Nothing is
// built until main resolves the engine.
func registerServices(ctx context.Context, c *container.Container, cfg *config.Config, log *zap.Logger) error {
	var errs []error
	reg := func(name string, f container.Factory) {
		if err := c.RegisterFactory(name, f); err != nil {
			errs = append(errs, err)
		}
	}

	if err := c.Register(svcBus, events.NewBus()); err != nil {
		return err
	}
	if err := c.Register(svcHealth, monitor.NewHealth(log)); err != nil {
		return err
	}
	if err := c.Register(svcMetrics, monitor.NewSystemMetrics()); err != nil {
		return err
	}

	reg(svcStore, func(c *container.Container) (any, error) {
		health, err := container.Resolve[*monitor.Health](c, svcHealth)
		if err != nil {
			return nil, err
		}
		inner, err := persistence.Open(ctx, cfg.Store, log)
		if err != nil {
			health.Report(svcStore, err)
			return nil, fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
		}
		return persistence.NewMonitored(inner, cfg.Store.Backend, health, log), nil
	})

	reg(svcJournalDB, func(*container.Container) (any, error) {
		database, err := db.New(cfg.JournalDBPath)
		if err != nil {
			return nil, err
		}
		if err := db.ApplyMigrations(database); err != nil {
			database.Close()
			return nil, err
		}
		return database, nil
	})
	reg(svcJournal, func(c *container.Container) (any, error) {
		database, err := container.Resolve[*db.Database](c, svcJournalDB)
		if err != nil {
			return nil, err
		}
		return persistence.NewJournal(database, cfg.JournalBatchSize, cfg.JournalFlushInterval, log), nil
	})

	if cfg.DryRun {
		reg(svcPaper, func(*container.Container) (any, error) {
			return order.NewPaper(order.PaperConfig{
				InitialBalance: cfg.DryRunInitialBalance,
				FeeRate:        cfg.DryRunFeeRate,
				SlippageBps:    cfg.DryRunSlippageBps,
				FillAfterPolls: cfg.DryRunFillAfterPolls,
				QuoteAsset:     cfg.QuoteAsset,
			}, log), nil
		})
		reg(svcExchange, func(c *container.Container) (any, error) {
			return container.Resolve[*order.Paper](c, svcPaper)
		})
	} else {
		reg(svcExchange, func(*container.Container) (any, error) {
			return exbinance.New(exbinance.Config{
				APIKey:            cfg.BinanceAPIKey,
				APISecret:         cfg.BinanceAPISecret,
				Testnet:           cfg.BinanceTestnet,
				BaseURL:           cfg.BinanceBaseURL,
				QuoteAsset:        cfg.QuoteAsset,
				RequestsPerSecond: cfg.RequestsPerSecond,
			}, log), nil
		})
	}

	reg(svcOrders, func(c *container.Container) (any, error) {
		store, err := container.Resolve[persistence.Store](c, svcStore)
		if err != nil {
			return nil, err
		}
		return order.NewRepository(store), nil
	})
	reg(svcTracker, func(c *container.Container) (any, error) {
		ex, err := container.Resolve[exchange.Fetcher](c, svcExchange)
		if err != nil {
			return nil, err
		}
		repo, err := container.Resolve[*order.Repository](c, svcOrders)
		if err != nil {
			return nil, err
		}
		return order.NewTracker(ex, repo, container.MustResolve[*events.Bus](c, svcBus), cfg.Tracker, log), nil
	})
	reg(svcExecutor, func(c *container.Container) (any, error) {
		ex, err := container.Resolve[exchange.Submitter](c, svcExchange)
		if err != nil {
			return nil, err
		}
		repo, err := container.Resolve[*order.Repository](c, svcOrders)
		if err != nil {
			return nil, err
		}
		tracker, err := container.Resolve[*order.Tracker](c, svcTracker)
		if err != nil {
			return nil, err
		}
		return order.NewExecutor(ex, repo, tracker, container.MustResolve[*events.Bus](c, svcBus), log), nil
	})
	reg(svcPositions, func(c *container.Container) (any, error) {
		store, err := container.Resolve[persistence.Store](c, svcStore)
		if err != nil {
			return nil, err
		}
		return state.NewManager(store, container.MustResolve[*events.Bus](c, svcBus), log), nil
	})

	reg(svcRisk, func(c *container.Container) (any, error) {
		return risk.NewChecker(cfg.Risk, container.MustResolve[*events.Bus](c, svcBus), log), nil
	})
	reg(svcStops, func(*container.Container) (any, error) {
		return risk.NewStopLoss(cfg.Risk), nil
	})
	reg(svcBalance, func(c *container.Container) (any, error) {
		src, err := container.Resolve[exchange.BalanceSource](c, svcExchange)
		if err != nil {
			return nil, err
		}
		return balance.NewManager(src, cfg.BalanceSyncInterval, cfg.BalanceMaxAge, log), nil
	})

	reg(svcMarketREST, func(*container.Container) (any, error) {
		return market.NewClient(cfg.BinanceTestnet, ""), nil
	})
	reg(svcCacheRedis, func(*container.Container) (any, error) {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("cache redis ping %s: %w", cfg.Store.RedisAddr, err)
		}
		return client, nil
	})
	reg(svcCache, func(c *container.Container) (any, error) {
		policy, err := cfg.TTLPolicy()
		if err != nil {
			return nil, err
		}
		opts := []cache.Option[[]market.Kline]{
			cache.WithLogger[[]market.Kline](log),
			cache.WithDataAge(klineAge),
		}
		if cfg.CacheRedisTier {
			client, err := container.Resolve[*redis.Client](c, svcCacheRedis)
			if err != nil {
				// The local tier alone still honours every TTL.
				log.Warn("cache redis tier unavailable; using local tier only", zap.Error(err))
			} else {
				opts = append(opts, cache.WithTier[[]market.Kline](cache.NewRedisTier(client, "md-cache:")))
			}
		}
		return cache.NewMarketData(policy, opts...), nil
	})

	reg(svcEngine, func(c *container.Container) (any, error) {
		return buildEngine(c, cfg, log)
	})

	reg(svcReconciler, func(c *container.Container) (any, error) {
		var venue reconciliation.HoldingSource
		if paper, err := container.Resolve[*order.Paper](c, svcPaper); err == nil {
			venue = reconciliation.HoldingFunc(func(_ context.Context, symbol string) (decimal.Decimal, error) {
				return paper.Holding(symbol), nil
			})
		} else {
			client, err := container.Resolve[*exbinance.Client](c, svcExchange)
			if err != nil {
				return nil, err
			}
			venue = client
		}
		book, err := container.Resolve[*state.Manager](c, svcPositions)
		if err != nil {
			return nil, err
		}
		return reconciliation.NewService(venue, book, symbols(cfg.Strategies),
			container.MustResolve[*monitor.Health](c, svcHealth),
			reconciliation.Config{Interval: cfg.ReconcileInterval, AutoSync: cfg.ReconcileAutoSync},
			log,
		), nil
	})

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// klineAge is how long ago the newest candle closed.
func klineAge(ks []market.Kline, now time.Time) time.Duration {
	if len(ks) == 0 {
		return 0
	}
	age := now.Sub(ks[len(ks)-1].ClosedAt())
	if age < 0 {
		return 0
	}
	return age
}

// buildEngine creates one runtime per enabled strategy.
func buildEngine(c *container.Container, cfg *config.Config, log *zap.Logger) (*strategy.Engine, error) {
	deps := strategy.Deps{}
	var err error
	if deps.Cache, err = container.Resolve[*cache.MarketData[[]market.Kline]](c, svcCache); err != nil {
		return nil, err
	}
	if deps.Loader, err = container.Resolve[*market.Client](c, svcMarketREST); err != nil {
		return nil, err
	}
	if deps.Executor, err = container.Resolve[*order.Executor](c, svcExecutor); err != nil {
		return nil, err
	}
	if deps.Orders, err = container.Resolve[*order.Repository](c, svcOrders); err != nil {
		return nil, err
	}
	if deps.Tracker, err = container.Resolve[*order.Tracker](c, svcTracker); err != nil {
		return nil, err
	}
	if deps.Positions, err = container.Resolve[*state.Manager](c, svcPositions); err != nil {
		return nil, err
	}
	if deps.Store, err = container.Resolve[persistence.Store](c, svcStore); err != nil {
		return nil, err
	}
	if deps.Risk, err = container.Resolve[*risk.Checker](c, svcRisk); err != nil {
		return nil, err
	}
	if deps.Stops, err = container.Resolve[*risk.StopLoss](c, svcStops); err != nil {
		return nil, err
	}
	if deps.Equity, err = container.Resolve[*balance.Manager](c, svcBalance); err != nil {
		return nil, err
	}
	deps.Bus = container.MustResolve[*events.Bus](c, svcBus)
	deps.Metrics = container.MustResolve[*monitor.SystemMetrics](c, svcMetrics)

	if cfg.JournalDBPath != "" {
		journal, err := container.Resolve[*persistence.Journal](c, svcJournal)
		if err != nil {
			log.Warn("transition journal disabled", zap.Error(err))
		} else {
			deps.Journal = journal
		}
	}
	if paper, err := container.Resolve[*order.Paper](c, svcPaper); err == nil {
		deps.Prices = paper
	}

	engine := strategy.NewEngine(log)
	for _, sc := range cfg.Strategies {
		if sc.Disabled {
			log.Info("strategy disabled", zap.String("strategy_id", sc.ID))
			continue
		}
		rt, err := strategy.NewRuntime(sc, deps, log)
		if err != nil {
			return nil, err
		}
		if err := engine.Add(rt); err != nil {
			return nil, err
		}
	}
	return engine, nil
}
