package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	market "strategy-core/pkg/market/binance"
)

func candles(closes ...float64) []market.Kline {
	out := make([]market.Kline, len(closes))
	for i, c := range closes {
		out[i] = market.Kline{Symbol: "BTCUSDT", OpenTime: int64(i) * 60000, CloseTime: int64(i+1)*60000 - 1, Close: c, Closed: true}
	}
	return out
}

func TestMACross(t *testing.T) {
	s, err := NewMACross(2, 4)
	require.NoError(t, err)
	assert.Equal(t, "MA_Cross_2_4", s.Name())

	golden := candles(5, 4, 3, 2, 1, 1, 6)
	assert.Equal(t, IntentEnter, s.Evaluate(golden, false).Intent)
	assert.Equal(t, IntentNone, s.Evaluate(golden, true).Intent, "fast above slow keeps the position")

	falling := candles(1, 2, 3, 4, 5, 5, 0)
	assert.Equal(t, IntentNone, s.Evaluate(falling, false).Intent)
	assert.Equal(t, IntentExit, s.Evaluate(falling, true).Intent)

	assert.Equal(t, IntentNone, s.Evaluate(candles(1, 2), false).Intent, "not enough history")

	// the forming candle is ignored
	forming := append(candles(5, 4, 3, 2, 1, 1), market.Kline{Close: 6})
	assert.Equal(t, IntentNone, s.Evaluate(forming, false).Intent)

	_, err = NewMACross(5, 5)
	assert.Error(t, err)
}

func TestRSIReversion(t *testing.T) {
	s, err := NewRSIReversion(3, 30, 70)
	require.NoError(t, err)

	down := candles(10, 9, 8, 7)
	up := candles(7, 8, 9, 10)
	assert.Equal(t, IntentEnter, s.Evaluate(down, false).Intent)
	assert.Equal(t, IntentNone, s.Evaluate(down, true).Intent)
	assert.Equal(t, IntentExit, s.Evaluate(up, true).Intent)
	assert.Equal(t, IntentNone, s.Evaluate(up, false).Intent)

	_, err = NewRSIReversion(14, 70, 30)
	assert.Error(t, err)
}

func TestParseConfig(t *testing.T) {
	cfgs, err := ParseConfig([]byte(`
strategies:
  - id: btc-ma
    type: ma_cross
    symbol: btcusdt
    qty: "0.01"
    cooldown: 1m
    parameters:
      fast: 5
      slow: 20
  - id: eth-rsi
    type: rsi
    symbol: ETHUSDT
    timeframe: 5m
    qty: "0.5"
    interval: 30s
`))
	require.NoError(t, err)
	require.Len(t, cfgs, 2)

	ma := cfgs[0]
	assert.Equal(t, "BTCUSDT", ma.Symbol)
	assert.Equal(t, "1m", ma.Timeframe)
	assert.Equal(t, 5*time.Second, ma.Interval)
	assert.Equal(t, time.Minute, ma.Cooldown)
	assert.Equal(t, 100, ma.Lookback)
	src, err := NewSource(ma)
	require.NoError(t, err)
	assert.Equal(t, "MA_Cross_5_20", src.Name())

	assert.Equal(t, 30*time.Second, cfgs[1].Interval)
	q, err := cfgs[1].Quantity()
	require.NoError(t, err)
	assert.Equal(t, "0.5", q.String())
}

func TestParseConfigErrors(t *testing.T) {
	tests := map[string]string{
		"missing id":     `{strategies: [{type: rsi, symbol: X, qty: "1"}]}`,
		"missing symbol": `{strategies: [{id: a, type: rsi, qty: "1"}]}`,
		"bad timeframe":  `{strategies: [{id: a, type: rsi, symbol: X, qty: "1", timeframe: 7x}]}`,
		"zero qty":       `{strategies: [{id: a, type: rsi, symbol: X, qty: "0"}]}`,
		"unknown type":   `{strategies: [{id: a, type: grid, symbol: X, qty: "1"}]}`,
		"duplicate":      `{strategies: [{id: a, type: rsi, symbol: X, qty: "1"}, {id: a, type: rsi, symbol: Y, qty: "1"}]}`,
		"not yaml":       `strategies: [`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConfig([]byte(doc))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}
