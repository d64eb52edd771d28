package strategy

import (
	"time"

	"github.com/shopspring/decimal"

	"strategy-core/internal/fsm"
	"strategy-core/internal/order"
	"strategy-core/internal/state"
)

// Snapshot is the persisted lifecycle of one strategy, stored under
// strategy:{id}:state after every committed transition.
type Snapshot struct {
	StrategyID      string           `json:"strategy_id"`
	State           fsm.State        `json:"state"`
	PreviousState   fsm.State        `json:"previous_state,omitempty"`
	TransitionCount int              `json:"transition_count"`
	ActiveOrderID   string           `json:"active_order_id,omitempty"`
	Position        SnapshotPosition `json:"position"`
	CooldownUntil   time.Time        `json:"cooldown_until,omitzero"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

type SnapshotPosition struct {
	Qty        decimal.Decimal `json:"qty"`
	EntryPrice decimal.Decimal `json:"entry_price"`
}

// Status is the operator view of a runtime.
type Status struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Source        string          `json:"source"`
	Symbol        string          `json:"symbol"`
	Timeframe     string          `json:"timeframe"`
	Machine       fsm.Info        `json:"machine"`
	ActiveOrder   *order.Record   `json:"active_order,omitempty"`
	Position      state.Position  `json:"position"`
	Pending       Signal          `json:"pending"`
	LastPrice     decimal.Decimal `json:"last_price"`
	CooldownUntil time.Time       `json:"cooldown_until,omitzero"`
	LastError     string          `json:"last_error,omitempty"`
}
