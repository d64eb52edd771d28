package risk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"strategy-core/internal/events"
)

// ErrRejected wraps the reason of a failed pre-trade check.
var ErrRejected = errors.New("risk: order rejected")

// Checker is the pre-trade gate. Accepted orders count towards the
// frequency window; rejected ones do not.
type Checker struct {
	cfg Config
	bus *events.Bus
	log *zap.Logger
	now func() time.Time

	mu       sync.Mutex
	accepted []time.Time
	metrics  Metrics
}

func NewChecker(cfg Config, bus *events.Bus, log *zap.Logger) *Checker {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	log = log.With(zap.String("component", "risk"))
	log.Info("risk gate initialized",
		zap.String("max_order_notional", cfg.MaxOrderNotional.String()),
		zap.Int("max_orders", cfg.MaxOrders),
		zap.Duration("window", cfg.Window),
		zap.String("min_equity", cfg.MinEquity.String()))
	return &Checker{cfg: cfg, bus: bus, log: log, now: time.Now}
}

func (c *Checker) Config() Config { return c.cfg }

// Check evaluates p against the limits and the current equity.
func (c *Checker) Check(_ context.Context, p Proposal, equity decimal.Decimal) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.metrics.ChecksTotal++
	now := c.now()
	c.prune(now)

	notional := p.Notional()
	var reason string
	switch {
	case !p.Qty.IsPositive():
		reason = fmt.Sprintf("invalid quantity %s", p.Qty)
	case c.cfg.MaxOrderNotional.IsPositive() && notional.GreaterThan(c.cfg.MaxOrderNotional):
		reason = fmt.Sprintf("order notional %s exceeds limit %s", notional.StringFixed(2), c.cfg.MaxOrderNotional)
	case c.cfg.MaxOrders > 0 && len(c.accepted) >= c.cfg.MaxOrders:
		reason = fmt.Sprintf("order frequency %d per %s reached", c.cfg.MaxOrders, c.cfg.Window)
	case !p.Reduce && equity.LessThan(c.cfg.MinEquity):
		reason = fmt.Sprintf("equity %s below minimum %s", equity.StringFixed(2), c.cfg.MinEquity)
	case !p.Reduce && notional.GreaterThan(equity):
		reason = fmt.Sprintf("order notional %s exceeds equity %s", notional.StringFixed(2), equity.StringFixed(2))
	}

	if reason != "" {
		c.metrics.RejectionsTotal++
		c.log.Debug("order rejected by risk gate",
			zap.String("strategy_id", p.StrategyID), zap.String("symbol", p.Symbol), zap.String("reason", reason))
		c.bus.Publish(events.EventRiskRejected, events.RiskRejection{
			StrategyID: p.StrategyID,
			Symbol:     p.Symbol,
			Notional:   notional,
			Reason:     reason,
			At:         now,
		})
		return Decision{Allowed: false, Reason: reason}
	}

	c.accepted = append(c.accepted, now)
	return Decision{Allowed: true}
}

// Release frees the window slot of the latest accepted order. Callers use it
// when the venue refused the submission.
func (c *Checker) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := len(c.accepted); n > 0 {
		c.accepted = c.accepted[:n-1]
	}
}

func (c *Checker) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prune(c.now())
	m := c.metrics
	m.InWindow = len(c.accepted)
	return m
}

// prune must be called with mu held.
func (c *Checker) prune(now time.Time) {
	cut := 0
	for cut < len(c.accepted) && now.Sub(c.accepted[cut]) >= c.cfg.Window {
		cut++
	}
	c.accepted = c.accepted[cut:]
}
