package risk

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"strategy-core/internal/events"
	"strategy-core/pkg/exchange"
)

func proposal(qty, price string) Proposal {
	return Proposal{
		StrategyID: "s1",
		Symbol:     "BTCUSDT",
		Side:       exchange.SideBuy,
		Qty:        decimal.RequireFromString(qty),
		Price:      decimal.RequireFromString(price),
	}
}

func TestCheckLimits(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinEquity = decimal.NewFromInt(100)
	equity := decimal.NewFromInt(10000)

	tests := []struct {
		name    string
		p       Proposal
		equity  decimal.Decimal
		allowed bool
		reason  string
	}{
		{"within limits", proposal("0.01", "50000"), equity, true, ""},
		{"notional over limit", proposal("0.1", "50000"), equity, false, "exceeds limit"},
		{"zero qty", proposal("0", "50000"), equity, false, "invalid quantity"},
		{"equity below minimum", proposal("0.001", "50000"), decimal.NewFromInt(50), false, "below minimum"},
		{"notional over equity", proposal("0.03", "50000"), decimal.NewFromInt(1000), false, "exceeds equity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker(cfg, nil, zap.NewNop())
			d := c.Check(context.Background(), tt.p, tt.equity)
			assert.Equal(t, tt.allowed, d.Allowed)
			if tt.reason != "" {
				assert.Contains(t, d.Reason, tt.reason)
			}
		})
	}
}

func TestReduceOrdersSkipEquityChecks(t *testing.T) {
	c := NewChecker(DefaultConfig(), nil, zap.NewNop())
	p := proposal("0.01", "50000")
	p.Reduce = true
	assert.True(t, c.Check(context.Background(), p, decimal.Zero).Allowed)
}

func TestFrequencyWindow(t *testing.T) {
	bus := events.NewBus()
	rejected, unsub := bus.Subscribe(events.EventRiskRejected, 1)
	defer unsub()

	c := NewChecker(DefaultConfig(), bus, zap.NewNop())
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()
	equity := decimal.NewFromInt(10000)

	for i := 0; i < 5; i++ {
		assert.True(t, c.Check(ctx, proposal("0.001", "50000"), equity).Allowed, "order %d", i)
	}
	d := c.Check(ctx, proposal("0.001", "50000"), equity)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "frequency")
	assert.Equal(t, "s1", (<-rejected).(events.RiskRejection).StrategyID)

	now = now.Add(time.Second)
	assert.True(t, c.Check(ctx, proposal("0.001", "50000"), equity).Allowed)

	m := c.Metrics()
	assert.Equal(t, uint64(7), m.ChecksTotal)
	assert.Equal(t, uint64(1), m.RejectionsTotal)
	assert.Equal(t, 1, m.InWindow)
}

func TestReleaseFreesWindowSlot(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxOrders = 1
	c := NewChecker(cfg, nil, zap.NewNop())
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()
	equity := decimal.NewFromInt(10000)

	assert.True(t, c.Check(ctx, proposal("0.001", "50000"), equity).Allowed)
	assert.False(t, c.Check(ctx, proposal("0.001", "50000"), equity).Allowed)

	c.Release()
	assert.Equal(t, 0, c.Metrics().InWindow)
	assert.True(t, c.Check(ctx, proposal("0.001", "50000"), equity).Allowed)

	c.Release()
	c.Release()
	assert.Equal(t, 0, c.Metrics().InWindow)
}

func TestStopLossAndTakeProfit(t *testing.T) {
	cfg := DefaultConfig() // 2% stop, 5% take
	s := NewStopLoss(cfg)
	s.Open("s1", "BTCUSDT", exchange.SideBuy, decimal.NewFromInt(100))

	stop, take, ok := s.Levels("s1", "BTCUSDT")
	assert.True(t, ok)
	assert.True(t, stop.Equal(decimal.NewFromInt(98)), stop.String())
	assert.True(t, take.Equal(decimal.NewFromInt(105)), take.String())

	assert.False(t, s.Update("s1", "BTCUSDT", decimal.NewFromInt(101)).Triggered)
	tr := s.Update("s1", "BTCUSDT", decimal.NewFromInt(98))
	assert.True(t, tr.Triggered)
	assert.Contains(t, tr.Reason, "stop loss")
	assert.True(t, s.Update("s1", "BTCUSDT", decimal.NewFromInt(106)).Triggered)

	s.Close("s1", "BTCUSDT")
	assert.False(t, s.Update("s1", "BTCUSDT", decimal.NewFromInt(1)).Triggered)
}

func TestTrailingStop(t *testing.T) {
	cfg := Config{TrailingPercent: 0.1}
	s := NewStopLoss(cfg)
	s.Open("s1", "BTCUSDT", exchange.SideBuy, decimal.NewFromInt(100))

	assert.False(t, s.Update("s1", "BTCUSDT", decimal.NewFromInt(120)).Triggered)
	stop, _, _ := s.Levels("s1", "BTCUSDT")
	assert.True(t, stop.Equal(decimal.NewFromInt(108)), stop.String())
	assert.True(t, s.Update("s1", "BTCUSDT", decimal.NewFromInt(107)).Triggered)
}
