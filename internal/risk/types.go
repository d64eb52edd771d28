package risk

import (
	"time"

	"github.com/shopspring/decimal"

	"strategy-core/pkg/exchange"
)

// Config holds pre-trade limits. A zero limit disables that check.
type Config struct {
	MaxOrderNotional decimal.Decimal `yaml:"max_order_notional" json:"max_order_notional"`
	MaxOrders        int             `yaml:"max_orders" json:"max_orders"`
	Window           time.Duration   `yaml:"window" json:"window"`
	MinEquity        decimal.Decimal `yaml:"min_equity" json:"min_equity"`

	// Exit protection as fractions of entry price, e.g. 0.02 = 2%.
	StopLoss        float64 `yaml:"stop_loss" json:"stop_loss"`
	TakeProfit      float64 `yaml:"take_profit" json:"take_profit"`
	TrailingPercent float64 `yaml:"trailing_percent" json:"trailing_percent"`
}

// DefaultConfig returns default risk configuration
func DefaultConfig() Config {
	return Config{
		MaxOrderNotional: decimal.NewFromInt(2000),
		MaxOrders:        5,
		Window:           time.Second,
		MinEquity:        decimal.Zero,
		StopLoss:         0.02,
		TakeProfit:       0.05,
	}
}

// Proposal is an order the runtime wants to place.
type Proposal struct {
	StrategyID string
	Symbol     string
	Side       exchange.Side
	Qty        decimal.Decimal
	Price      decimal.Decimal // reference price for notional
	// Reduce marks orders that close an existing position.
	Reduce bool
}

// Notional is Qty * Price.
func (p Proposal) Notional() decimal.Decimal { return p.Qty.Mul(p.Price) }

// Decision is the gate's verdict.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Metrics tracks gate activity.
type Metrics struct {
	ChecksTotal     uint64 `json:"checks_total"`
	RejectionsTotal uint64 `json:"rejections_total"`
	InWindow        int    `json:"in_window"`
}
