package order

import (
	"time"

	"github.com/shopspring/decimal"

	"strategy-core/pkg/exchange"
)

// Record is the persisted view of one order, stored under order:{id}.
type Record struct {
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id,omitempty"`
	StrategyID    string          `json:"strategy_id,omitempty"`
	Symbol        string          `json:"symbol"`
	Side          exchange.Side   `json:"side,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	FilledAmount  decimal.Decimal `json:"filled_amount"`
	FilledPrice   decimal.Decimal `json:"filled_price"`
	Fee           decimal.Decimal `json:"fee"`
	FeeAsset      string          `json:"fee_asset,omitempty"`
	Status        exchange.Status `json:"status"`
	Stuck         bool            `json:"stuck,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// NewRecord builds the initial record for an acknowledged submission.
func NewRecord(strategyID string, req exchange.OrderRequest, res exchange.OrderResult, now time.Time) Record {
	status := res.Status
	if status == "" {
		status = exchange.StatusOpen
	}
	return Record{
		OrderID:       res.OrderID,
		ClientOrderID: res.ClientID,
		StrategyID:    strategyID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Amount:        req.Qty,
		Status:        status,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Terminal reports whether the venue will not change the order any more.
func (r Record) Terminal() bool { return r.Status.Terminal() }

// Notional is filled amount times average fill price.
func (r Record) Notional() decimal.Decimal { return r.FilledAmount.Mul(r.FilledPrice) }

// apply merges a venue snapshot and reports whether any persisted field moved.
func (r *Record) apply(o exchange.Order, now time.Time) bool {
	changed := false
	if o.Status != "" && o.Status != r.Status {
		r.Status = o.Status
		changed = true
	}
	if !o.Filled.Equal(r.FilledAmount) {
		r.FilledAmount = o.Filled
		changed = true
	}
	if !o.Price.Equal(r.FilledPrice) {
		r.FilledPrice = o.Price
		changed = true
	}
	if !o.Fee.Equal(r.Fee) {
		r.Fee = o.Fee
		changed = true
	}
	if o.FeeAsset != "" && o.FeeAsset != r.FeeAsset {
		r.FeeAsset = o.FeeAsset
		changed = true
	}
	if r.Symbol == "" && o.Symbol != "" {
		r.Symbol = o.Symbol
		changed = true
	}
	if changed {
		r.UpdatedAt = now
	}
	return changed
}

// Outcome is how tracking of an order ended.
type Outcome string

const (
	OutcomePending  Outcome = "pending"
	OutcomeFilled   Outcome = "filled"
	OutcomeCanceled Outcome = "canceled"
	OutcomeRejected Outcome = "rejected"
	OutcomeStuck    Outcome = "stuck"
	OutcomeAborted  Outcome = "aborted"
)

// OutcomeOf derives the outcome from a persisted record.
func OutcomeOf(r Record) Outcome {
	if r.Stuck {
		return OutcomeStuck
	}
	switch r.Status {
	case exchange.StatusClosed:
		return OutcomeFilled
	case exchange.StatusCanceled, exchange.StatusExpired:
		return OutcomeCanceled
	case exchange.StatusRejected, exchange.StatusError:
		return OutcomeRejected
	}
	return OutcomePending
}
