package strategy

import (
	"context"

	"github.com/shopspring/decimal"

	market "strategy-core/pkg/market/binance"
)

// Intent is what a signal source wants the runtime to do next.
type Intent string

const (
	IntentNone  Intent = ""
	IntentEnter Intent = "enter"
	IntentExit  Intent = "exit"
)

// Signal is a decision emitted by a signal source.
type Signal struct {
	Intent Intent `json:"intent,omitempty"`
	Note   string `json:"note,omitempty"`
}

// SignalSource turns candles into an entry or exit intent. Sources are
// stateless between calls; the runtime owns lifecycle state.
type SignalSource interface {
	Name() string
	// Evaluate looks at candles (oldest first) and reports the intent for
	// the current position.
	Evaluate(candles []market.Kline, inPosition bool) Signal
}

// KlineLoader refills the candle cache on a miss.
type KlineLoader interface {
	Klines(ctx context.Context, symbol, interval string, limit int) ([]market.Kline, error)
}

// EquitySource supplies account equity for the risk gate.
type EquitySource interface {
	Equity(ctx context.Context) decimal.Decimal
}

// PriceSink receives the latest observed price, e.g. a paper exchange.
type PriceSink interface {
	SetPrice(symbol string, price decimal.Decimal)
}

// closedOnly drops a trailing still-forming candle.
func closedOnly(candles []market.Kline) []market.Kline {
	if n := len(candles); n > 0 && !candles[n-1].Closed {
		return candles[:n-1]
	}
	return candles
}
