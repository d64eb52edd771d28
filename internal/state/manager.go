package state

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"strategy-core/internal/events"
	"strategy-core/internal/persistence"
	"strategy-core/pkg/exchange"
)

// Position is a strategy's holding in one symbol. Qty is signed: positive
// after buys, negative after net sells.
type Position struct {
	StrategyID  string          `json:"strategy_id"`
	Symbol      string          `json:"symbol"`
	Qty         decimal.Decimal `json:"qty"`
	AvgPrice    decimal.Decimal `json:"avg_price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Flat reports whether nothing is held.
func (p Position) Flat() bool { return p.Qty.IsZero() }

// Manager keeps an in-memory view of positions and writes every change
// through to the store under position:{strategy}:{symbol}.
type Manager struct {
	store persistence.Store
	bus   *events.Bus
	log   *zap.Logger
	now   func() time.Time

	mu        sync.RWMutex
	positions map[string]Position
}

func NewManager(store persistence.Store, bus *events.Bus, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		store:     store,
		bus:       bus,
		log:       log.With(zap.String("component", "positions")),
		now:       time.Now,
		positions: make(map[string]Position),
	}
}

func key(strategyID, symbol string) string {
	return persistence.PositionKey(strategyID, symbol)
}

// Load seeds one position from the store. A missing key leaves it flat.
func (m *Manager) Load(ctx context.Context, strategyID, symbol string) (Position, error) {
	p, err := persistence.LoadJSON[Position](ctx, m.store, key(strategyID, symbol))
	if errors.Is(err, persistence.ErrNotFound) {
		return m.Position(strategyID, symbol), nil
	}
	if err != nil {
		return Position{}, fmt.Errorf("load position %s/%s: %w", strategyID, symbol, err)
	}
	m.mu.Lock()
	m.positions[key(strategyID, symbol)] = p
	m.mu.Unlock()
	return p, nil
}

// Position returns the latest in-memory snapshot.
func (m *Manager) Position(strategyID, symbol string) Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[key(strategyID, symbol)]
	if !ok {
		return Position{StrategyID: strategyID, Symbol: strings.ToUpper(symbol)}
	}
	return p
}

// Positions returns all positions sorted by key.
func (m *Manager) Positions() []Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]Position, 0, len(m.positions))
	for _, p := range m.positions {
		res = append(res, p)
	}
	sort.Slice(res, func(i, j int) bool {
		return key(res[i].StrategyID, res[i].Symbol) < key(res[j].StrategyID, res[j].Symbol)
	})
	return res
}

// RecordFill applies a fill, realizing PnL on the reducing part net of fee,
// and persists the result. The in-memory view is updated even when the
// write fails.
func (m *Manager) RecordFill(ctx context.Context, strategyID, symbol string, side exchange.Side, qty, price, fee decimal.Decimal) (Position, error) {
	m.mu.Lock()
	k := key(strategyID, symbol)
	p, ok := m.positions[k]
	if !ok {
		p = Position{StrategyID: strategyID, Symbol: strings.ToUpper(symbol)}
	}

	signed := qty
	if side == exchange.SideSell {
		signed = qty.Neg()
	}

	switch {
	case p.Qty.IsZero() || p.Qty.Sign() == signed.Sign():
		newQty := p.Qty.Add(signed)
		p.AvgPrice = p.AvgPrice.Mul(p.Qty.Abs()).Add(price.Mul(qty)).Div(newQty.Abs())
		p.Qty = newQty
	default:
		closing := decimal.Min(qty, p.Qty.Abs())
		pnl := price.Sub(p.AvgPrice).Mul(closing)
		if p.Qty.IsNegative() {
			pnl = pnl.Neg()
		}
		p.RealizedPnL = p.RealizedPnL.Add(pnl)
		p.Qty = p.Qty.Add(signed)
		switch {
		case p.Qty.IsZero():
			p.AvgPrice = decimal.Zero
		case p.Qty.Sign() == signed.Sign():
			// flipped through zero
			p.AvgPrice = price
		}
	}
	p.RealizedPnL = p.RealizedPnL.Sub(fee)
	p.UpdatedAt = m.now()
	m.positions[k] = p
	m.mu.Unlock()

	m.bus.Publish(events.EventPositionChange, events.PositionChange{
		StrategyID: strategyID,
		Symbol:     p.Symbol,
		Qty:        p.Qty,
		AvgPrice:   p.AvgPrice,
		At:         p.UpdatedAt,
	})

	if err := persistence.SaveJSON(ctx, m.store, k, p); err != nil {
		m.log.Error("persist position failed", zap.String("strategy_id", strategyID), zap.String("symbol", p.Symbol), zap.Error(err))
		return p, err
	}
	return p, nil
}

// SetPosition overwrites a position, e.g. after an operator override.
func (m *Manager) SetPosition(ctx context.Context, p Position) error {
	p.Symbol = strings.ToUpper(p.Symbol)
	p.UpdatedAt = m.now()
	k := key(p.StrategyID, p.Symbol)
	if err := persistence.SaveJSON(ctx, m.store, k, p); err != nil {
		return err
	}
	m.mu.Lock()
	m.positions[k] = p
	m.mu.Unlock()
	return nil
}
