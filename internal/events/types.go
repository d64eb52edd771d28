package events

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event enumerates topics published inside the engine.
type Event string

const (
	EventStateTransition Event = "strategy.transition"
	EventOrderSubmitted  Event = "order.submitted"
	EventOrderUpdated    Event = "order.updated"
	EventOrderSettled    Event = "order.settled"
	EventOrderStuck      Event = "order.stuck"
	EventRiskRejected    Event = "risk.rejected"
	EventPositionChange  Event = "position.changed"
)

// Topics lists every topic, in a stable order.
var Topics = []Event{
	EventStateTransition,
	EventOrderSubmitted,
	EventOrderUpdated,
	EventOrderSettled,
	EventOrderStuck,
	EventRiskRejected,
	EventPositionChange,
}

// Transition is the payload of EventStateTransition.
type Transition struct {
	StrategyID string    `json:"strategy_id"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Name       string    `json:"name"`
	Forced     bool      `json:"forced"`
	At         time.Time `json:"at"`
}

// OrderUpdate is the payload of the order.* topics.
type OrderUpdate struct {
	OrderID    string          `json:"order_id"`
	StrategyID string          `json:"strategy_id,omitempty"`
	Symbol     string          `json:"symbol"`
	Status     string          `json:"status"`
	Filled     decimal.Decimal `json:"filled_amount"`
	Price      decimal.Decimal `json:"filled_price"`
	Fee        decimal.Decimal `json:"fee"`
	Stuck      bool            `json:"stuck,omitempty"`
	At         time.Time       `json:"at"`
}

// RiskRejection is the payload of EventRiskRejected.
type RiskRejection struct {
	StrategyID string          `json:"strategy_id"`
	Symbol     string          `json:"symbol"`
	Notional   decimal.Decimal `json:"notional"`
	Reason     string          `json:"reason"`
	At         time.Time       `json:"at"`
}

// PositionChange is the payload of EventPositionChange.
type PositionChange struct {
	StrategyID string          `json:"strategy_id"`
	Symbol     string          `json:"symbol"`
	Qty        decimal.Decimal `json:"qty"`
	AvgPrice   decimal.Decimal `json:"avg_price"`
	At         time.Time       `json:"at"`
}

// Envelope wraps a payload with its topic for consumers that listen to many.
type Envelope struct {
	Topic   Event `json:"topic"`
	Payload any   `json:"payload"`
}
