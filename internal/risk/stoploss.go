package risk

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"strategy-core/pkg/exchange"
)

// StopLoss tracks protective exit levels for open positions, keyed by
// strategy and symbol.
type StopLoss struct {
	cfg       Config
	mu        sync.Mutex
	positions map[string]*protected
}

type protected struct {
	side      exchange.Side // side of the entry
	entry     decimal.Decimal
	stop      decimal.Decimal
	take      decimal.Decimal
	watermark decimal.Decimal
}

// Trigger reports an exit the position should take.
type Trigger struct {
	Triggered bool
	Reason    string
	Price     decimal.Decimal
}

func NewStopLoss(cfg Config) *StopLoss {
	return &StopLoss{cfg: cfg, positions: make(map[string]*protected)}
}

func stopKey(strategyID, symbol string) string { return strategyID + ":" + symbol }

// Open starts protecting a filled entry.
func (s *StopLoss) Open(strategyID, symbol string, side exchange.Side, entry decimal.Decimal) {
	p := &protected{side: side, entry: entry, watermark: entry}
	sl := decimal.NewFromFloat(s.cfg.StopLoss)
	tp := decimal.NewFromFloat(s.cfg.TakeProfit)
	one := decimal.NewFromInt(1)
	if side == exchange.SideBuy {
		if s.cfg.StopLoss > 0 {
			p.stop = entry.Mul(one.Sub(sl))
		}
		if s.cfg.TakeProfit > 0 {
			p.take = entry.Mul(one.Add(tp))
		}
	} else {
		if s.cfg.StopLoss > 0 {
			p.stop = entry.Mul(one.Add(sl))
		}
		if s.cfg.TakeProfit > 0 {
			p.take = entry.Mul(one.Sub(tp))
		}
	}
	s.mu.Lock()
	s.positions[stopKey(strategyID, symbol)] = p
	s.mu.Unlock()
}

// Close stops protecting the position.
func (s *StopLoss) Close(strategyID, symbol string) {
	s.mu.Lock()
	delete(s.positions, stopKey(strategyID, symbol))
	s.mu.Unlock()
}

// Levels returns the current stop and take-profit prices.
func (s *StopLoss) Levels(strategyID, symbol string) (stop, take decimal.Decimal, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[stopKey(strategyID, symbol)]
	if !ok {
		return decimal.Zero, decimal.Zero, false
	}
	return p.stop, p.take, true
}

// Update feeds the latest price, moves a trailing stop and reports whether
// the position should exit.
func (s *StopLoss) Update(strategyID, symbol string, price decimal.Decimal) Trigger {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[stopKey(strategyID, symbol)]
	if !ok {
		return Trigger{}
	}

	long := p.side == exchange.SideBuy
	if s.cfg.TrailingPercent > 0 {
		off := decimal.NewFromFloat(s.cfg.TrailingPercent)
		one := decimal.NewFromInt(1)
		if long && price.GreaterThan(p.watermark) {
			p.watermark = price
			p.stop = decimal.Max(p.stop, price.Mul(one.Sub(off)))
		}
		if !long && price.LessThan(p.watermark) {
			p.watermark = price
			trail := price.Mul(one.Add(off))
			if p.stop.IsZero() || trail.LessThan(p.stop) {
				p.stop = trail
			}
		}
	}

	switch {
	case !p.stop.IsZero() && long && price.LessThanOrEqual(p.stop),
		!p.stop.IsZero() && !long && price.GreaterThanOrEqual(p.stop):
		return Trigger{Triggered: true, Reason: fmt.Sprintf("stop loss at %s", price), Price: price}
	case !p.take.IsZero() && long && price.GreaterThanOrEqual(p.take),
		!p.take.IsZero() && !long && price.LessThanOrEqual(p.take):
		return Trigger{Triggered: true, Reason: fmt.Sprintf("take profit at %s", price), Price: price}
	}
	return Trigger{}
}
