package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"strategy-core/internal/monitor"
	"strategy-core/internal/strategy"
	"strategy-core/pkg/cache"
	market "strategy-core/pkg/market/binance"
)

type subscription struct {
	Symbol    string
	Timeframe string
}

func (s subscription) String() string { return s.Symbol + "@" + s.Timeframe }

// subscriptions lists each distinct (symbol, timeframe) the strategies read.
func subscriptions(cfgs []strategy.Config) []subscription {
	seen := make(map[subscription]bool)
	var out []subscription
	for _, c := range cfgs {
		s := subscription{Symbol: c.Symbol, Timeframe: c.Timeframe}
		if c.Disabled || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// followKlines invalidates the instrument's cached candles whenever a candle
// closes, so the next evaluation reloads instead of waiting out the TTL. The
// stream is redialled with backoff until ctx is done.
func followKlines(ctx context.Context, streams *market.StreamClient, mdCache *cache.MarketData[[]market.Kline], health *monitor.Health, sub subscription, log *zap.Logger) {
	name := "kline_stream:" + sub.String()
	log = log.With(zap.String("stream", sub.String()))
	backoff := time.Second

	for ctx.Err() == nil {
		ch, stop, err := streams.SubscribeKlines(ctx, sub.Symbol, sub.Timeframe)
		if err != nil {
			health.Report(name, err)
			log.Warn("kline stream dial failed", zap.Error(err), zap.Duration("retry_in", backoff))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, time.Minute)
			continue
		}
		health.Report(name, nil)
		backoff = time.Second

		for k := range ch {
			if k.Closed {
				mdCache.Invalidate(ctx, k.Symbol)
			}
		}
		stop()
		if ctx.Err() == nil {
			health.Report(name, fmt.Errorf("stream %s closed", sub))
			log.Info("kline stream closed; reconnecting")
		}
	}
}
