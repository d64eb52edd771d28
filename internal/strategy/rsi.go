package strategy

import (
	"fmt"

	"strategy-core/internal/indicators"
	market "strategy-core/pkg/market/binance"
)

// RSIReversion buys oversold and sells overbought closes.
type RSIReversion struct {
	period     int     // typically 14
	oversold   float64 // e.g., 30
	overbought float64 // e.g., 70
}

func NewRSIReversion(period int, oversold, overbought float64) (*RSIReversion, error) {
	if period <= 0 {
		return nil, fmt.Errorf("rsi: period must be positive, got %d", period)
	}
	if oversold <= 0 || overbought >= 100 || oversold >= overbought {
		return nil, fmt.Errorf("rsi: need 0 < oversold < overbought < 100, got %.1f/%.1f", oversold, overbought)
	}
	return &RSIReversion{period: period, oversold: oversold, overbought: overbought}, nil
}

func (s *RSIReversion) Name() string {
	return fmt.Sprintf("RSI_%d", s.period)
}

func (s *RSIReversion) Lookback() int { return s.period + 1 }

func (s *RSIReversion) Evaluate(candles []market.Kline, inPosition bool) Signal {
	closes := market.Closes(closedOnly(candles))
	if len(closes) < s.Lookback() {
		return Signal{}
	}
	rsi := indicators.RSI(closes, s.period)

	switch {
	case !inPosition && rsi < s.oversold:
		return Signal{Intent: IntentEnter, Note: fmt.Sprintf("RSI oversold: %.2f < %.2f", rsi, s.oversold)}
	case inPosition && rsi > s.overbought:
		return Signal{Intent: IntentExit, Note: fmt.Sprintf("RSI overbought: %.2f > %.2f", rsi, s.overbought)}
	}
	return Signal{}
}
